package shared

import "errors"

var (
	ErrNoLogger              = errors.New("no logger provided")
	ErrNoConfig              = errors.New("no config provided")
	ErrNoAPIKey              = errors.New("no API key provided")
	ErrNoModelConnection     = errors.New("no model connection provided")
	ErrNoCodec               = errors.New("no frame codec provided")
	ErrSessionAlreadyRunning = errors.New("session already running")
	ErrNotConnected          = errors.New("model connection not established")
	ErrAlreadyConnected      = errors.New("model connection already established")
	ErrConversationNotFound  = errors.New("conversation not found")
	ErrAgentNotFound         = errors.New("agent not found")
	ErrSessionClosed         = errors.New("session closed")
)

// Session error taxonomy. ErrTransport and ErrProvider are session-fatal,
// the other two are recovered inside the session loop.
var (
	ErrTransport             = errors.New("transport error")
	ErrProvider              = errors.New("provider error")
	ErrMalformedFunctionArgs = errors.New("malformed function arguments")
	ErrUnknownEventTag       = errors.New("unknown event tag")
)

// IsFatal reports whether err must terminate a session.
func IsFatal(err error) bool {
	return errors.Is(err, ErrTransport) || errors.Is(err, ErrProvider)
}
