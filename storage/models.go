package storage

import (
	"time"

	realtime "github.com/bt-bridge/realtime-hub"
)

type conversationRow struct {
	ConversationID string    `gorm:"primaryKey;size:191"`
	AgentID        string    `gorm:"size:191;not null"`
	CreatedAt      time.Time `gorm:"not null"`
	UpdatedAt      time.Time `gorm:"not null"`
}

func (conversationRow) TableName() string {
	return "conversations"
}

func (r conversationRow) toConversation() realtime.Conversation {
	return realtime.Conversation{ID: r.ConversationID, AgentID: r.AgentID}
}

type turnRow struct {
	TurnID         string    `gorm:"primaryKey;size:64"`
	ConversationID string    `gorm:"size:191;not null;uniqueIndex:idx_turns_conversation_sequence,priority:1"`
	Sequence       int64     `gorm:"not null;uniqueIndex:idx_turns_conversation_sequence,priority:2"`
	Role           string    `gorm:"size:32;not null"`
	MessageType    string    `gorm:"size:32;not null"`
	Content        string    `gorm:"type:text"`
	FunctionName   string    `gorm:"size:191"`
	FunctionArgs   string    `gorm:"type:text"`
	ToolCallID     string    `gorm:"size:191"`
	AgentID        string    `gorm:"size:191"`
	CreatedAt      time.Time `gorm:"not null"`
}

func (turnRow) TableName() string {
	return "dialog_turns"
}

func (r turnRow) toTurn() realtime.Turn {
	return realtime.Turn{
		ID:             r.TurnID,
		Role:           realtime.Role(r.Role),
		Content:        r.Content,
		MessageType:    realtime.MessageType(r.MessageType),
		FunctionName:   r.FunctionName,
		FunctionArgs:   r.FunctionArgs,
		ToolCallID:     r.ToolCallID,
		CurrentAgentID: r.AgentID,
		CreatedAt:      r.CreatedAt,
	}
}

func turnRowFromTurn(conversationID string, seq int64, t realtime.Turn) turnRow {
	mt := t.MessageType
	if mt == "" {
		mt = realtime.MessageTypeText
	}
	return turnRow{
		TurnID:         t.ID,
		ConversationID: conversationID,
		Sequence:       seq,
		Role:           string(t.Role),
		MessageType:    string(mt),
		Content:        t.Content,
		FunctionName:   t.FunctionName,
		FunctionArgs:   t.FunctionArgs,
		ToolCallID:     t.ToolCallID,
		AgentID:        t.CurrentAgentID,
		CreatedAt:      t.CreatedAt,
	}
}
