package realtime

type GateState int

const (
	// GateGated suppresses model turn detection so a fresh greeting can not
	// be cut off by residual audio.
	GateGated GateState = iota
	GateOpen
)

func (s GateState) String() string {
	switch s {
	case GateGated:
		return "gated"
	case GateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// TurnGate starts Gated and moves to Open once. Only a new session resets it.
type TurnGate struct {
	state GateState
}

func NewTurnGate() *TurnGate {
	return &TurnGate{state: GateGated}
}

// Open reports whether the call changed the state.
func (g *TurnGate) Open() bool {
	if g.state == GateOpen {
		return false
	}
	g.state = GateOpen
	return true
}

func (g *TurnGate) IsOpen() bool {
	return g.state == GateOpen
}

func (g *TurnGate) State() GateState {
	return g.state
}
