package hooks

import (
	"context"
	"errors"
	"strings"

	realtime "github.com/bt-bridge/realtime-hub"
	"github.com/bt-bridge/realtime-hub/shared"
)

// Transcript prints a human-readable call transcript.
type Transcript struct {
	printer  *shared.Printer
	priority int
}

var _ realtime.Hook = (*Transcript)(nil)

func NewTranscript(printer *shared.Printer, priority int) (*Transcript, error) {
	if printer == nil {
		return nil, errors.New("no printer provided")
	}
	return &Transcript{printer: printer, priority: priority}, nil
}

func (h *Transcript) Name() string  { return "transcript" }
func (h *Transcript) Priority() int { return h.priority }

func (h *Transcript) OnMessageReceived(_ context.Context, hc realtime.HookContext, turn realtime.Turn) error {
	return h.print("👤", hc, turn)
}

func (h *Transcript) OnResponseGenerated(_ context.Context, hc realtime.HookContext, turn realtime.Turn) error {
	return h.print("🤖", hc, turn)
}

func (h *Transcript) print(icon string, hc realtime.HookContext, turn realtime.Turn) error {
	if err := h.printer.Printf(0, "%s %s [%s/%s]", icon, turn.Role, hc.ConversationID, hc.AgentID); err != nil {
		return err
	}
	return h.printer.Writeln(strings.TrimSpace(turn.Content), 1)
}
