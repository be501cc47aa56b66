package realtime

import "context"

type Agent struct {
	ID           string
	Name         string
	Instructions string
	Model        string
	Functions    []FunctionDef
}

type Conversation struct {
	ID      string
	AgentID string
}

// Routing resolves agents and hands out per-session routing contexts.
type Routing interface {
	LoadAgent(ctx context.Context, id string) (Agent, error)
	NewContext(conversationID string) RoutingContext
}

// RoutingContext tracks the agent stack of one session. InvokeFunction runs
// a model-requested function and stores its result in turn.Content; routing
// functions push the new agent before returning.
type RoutingContext interface {
	Push(agentID string)
	GetCurrentAgentID() string
	InvokeFunction(ctx context.Context, name string, turn *Turn) error
}

type ConversationStorage interface {
	GetConversation(ctx context.Context, id string) (Conversation, error)
	GetDialogHistory(ctx context.Context, conversationID string) ([]Turn, error)
	Append(ctx context.Context, conversationID string, turn Turn) error
}

// ConversationBinder is implemented by storage that records which agent a
// conversation is bound to. The session binds the current agent on flush so
// a later call resumes with it.
type ConversationBinder interface {
	EnsureConversation(ctx context.Context, conversationID, agentID string) (Conversation, error)
}

type HookContext struct {
	ConversationID string
	AgentID        string
}

// Hook observes dialog turns. Failures are logged, never fatal.
type Hook interface {
	Name() string
	Priority() int
	OnMessageReceived(ctx context.Context, hc HookContext, turn Turn) error
	OnResponseGenerated(ctx context.Context, hc HookContext, turn Turn) error
}
