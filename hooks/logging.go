package hooks

import (
	"context"

	realtime "github.com/bt-bridge/realtime-hub"
	"github.com/bt-bridge/realtime-hub/shared"
	"go.uber.org/zap"
)

// Logging records every dialog turn as a structured log line.
type Logging struct {
	logger   shared.LoggerAdapter
	priority int
}

var _ realtime.Hook = (*Logging)(nil)

func NewLogging(logger shared.LoggerAdapter, priority int) (*Logging, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	return &Logging{logger: logger, priority: priority}, nil
}

func (h *Logging) Name() string  { return "logging" }
func (h *Logging) Priority() int { return h.priority }

func (h *Logging) OnMessageReceived(_ context.Context, hc realtime.HookContext, turn realtime.Turn) error {
	h.logger.Info("message received", turnFields(hc, turn)...)
	return nil
}

func (h *Logging) OnResponseGenerated(_ context.Context, hc realtime.HookContext, turn realtime.Turn) error {
	h.logger.Info("response generated", turnFields(hc, turn)...)
	return nil
}

func turnFields(hc realtime.HookContext, turn realtime.Turn) []zap.Field {
	return []zap.Field{
		zap.String("conversation_id", hc.ConversationID),
		zap.String("agent_id", hc.AgentID),
		zap.String("turn_id", turn.ID),
		zap.String("role", string(turn.Role)),
		zap.String("content", turn.Content),
	}
}
