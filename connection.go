package realtime

import (
	"context"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleFunction  Role = "function"
	RoleSystem    Role = "system"
)

type MessageType string

const (
	MessageTypeText         MessageType = "text"
	MessageTypeFunctionCall MessageType = "function_call"
)

// Turn is one role-attributed contribution to a conversation.
type Turn struct {
	ID             string
	Role           Role
	Content        string
	MessageType    MessageType
	FunctionName   string
	FunctionArgs   string
	ToolCallID     string
	CurrentAgentID string
	CreatedAt      time.Time
}

func (t Turn) IsFunctionCall() bool {
	return t.MessageType == MessageTypeFunctionCall
}

type FunctionDef struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Parameters  map[string]any `yaml:"parameters"`
}

// SessionRef is what a provider needs to (re)configure the upstream session.
type SessionRef struct {
	ConversationID string
	AgentID        string
	Model          string
	Instructions   string
	Functions      []FunctionDef
}

// Callbacks are fired by a ModelConnection from its own goroutine. The hub
// wraps every handler so that its body runs inside the session loop.
type Callbacks struct {
	OnModelReady                       func()
	OnModelAudioDeltaReceived          func(delta, itemID string)
	OnModelAudioResponseDone           func()
	OnModelResponseDone                func(turns []Turn)
	OnInputAudioTranscriptionCompleted func(turn Turn)
	OnUserInterrupted                  func()
	// OnConnectionLost reports an upstream failure outside of any call.
	OnConnectionLost func(err error)
}

// ModelConnection abstracts one upstream streaming model session.
type ModelConnection interface {
	Connect(ctx context.Context, ref SessionRef, callbacks Callbacks) error
	AppendAudioBuffer(ctx context.Context, payload string) error
	UpdateSession(ctx context.Context, ref SessionRef, turnDetection bool) error
	InsertConversationItem(ctx context.Context, turn Turn) error
	TriggerModelInference(ctx context.Context, instruction string) error
	Disconnect(ctx context.Context) error
}

// ItemTruncator is implemented by connections that can cut an assistant
// item at the point the client stopped playing it.
type ItemTruncator interface {
	TruncateItem(ctx context.Context, itemID string, audioEndMs int64) error
}
