package realtime

import "slices"

const markResponsePart = "responsePart"

// SessionState is the mutable record of one voice session. It is owned by a
// single session loop and is not safe for concurrent use.
type SessionState struct {
	ConversationID string
	CurrentAgentID string
	ModelName      string
	StreamID       string

	LatestMediaTimestamp int64
	LastAssistantItemID  string
	MarkQueue            []string
	DialogHistory        []Turn

	responseStartTimestamp int64
	responseStarted        bool
	flushed                bool
}

func NewSessionState(conversationID, agentID, model, streamID string) *SessionState {
	return &SessionState{
		ConversationID: conversationID,
		CurrentAgentID: agentID,
		ModelName:      model,
		StreamID:       streamID,
		MarkQueue:      make([]string, 0, 16),
		DialogHistory:  make([]Turn, 0, 16),
	}
}

// AdvanceMediaTimestamp keeps LatestMediaTimestamp non-decreasing.
func (s *SessionState) AdvanceMediaTimestamp(ts int64) {
	if ts > s.LatestMediaTimestamp {
		s.LatestMediaTimestamp = ts
	}
}

// BeginResponse records the start of a new response. It returns false when a
// response is already mid-stream.
func (s *SessionState) BeginResponse() bool {
	if s.responseStarted {
		return false
	}
	s.responseStarted = true
	s.responseStartTimestamp = s.LatestMediaTimestamp
	return true
}

func (s *SessionState) ResponseStartTimestamp() (int64, bool) {
	return s.responseStartTimestamp, s.responseStarted
}

func (s *SessionState) EnqueueMark(name string) {
	s.MarkQueue = append(s.MarkQueue, name)
}

// ResetResponseState drops everything tied to the response being played.
func (s *SessionState) ResetResponseState() {
	s.responseStarted = false
	s.responseStartTimestamp = 0
	s.LastAssistantItemID = ""
	s.MarkQueue = s.MarkQueue[:0]
}

func (s *SessionState) AppendDialog(turn Turn) {
	s.DialogHistory = append(s.DialogHistory, turn)
}

// TakeDialogForFlush returns the dialog exactly once; later calls get nil.
func (s *SessionState) TakeDialogForFlush() []Turn {
	if s.flushed {
		return nil
	}
	s.flushed = true
	return slices.Clone(s.DialogHistory)
}

func (s *SessionState) Flushed() bool {
	return s.flushed
}

// SessionSnapshot is a copy of SessionState safe to hand outside the loop.
type SessionSnapshot struct {
	ConversationID         string
	CurrentAgentID         string
	ModelName              string
	StreamID               string
	LatestMediaTimestamp   int64
	ResponseStartTimestamp int64
	ResponseStarted        bool
	LastAssistantItemID    string
	MarkQueue              []string
	DialogHistory          []Turn
	Gate                   GateState
}

func (s *SessionState) snapshot(gate GateState) SessionSnapshot {
	return SessionSnapshot{
		ConversationID:         s.ConversationID,
		CurrentAgentID:         s.CurrentAgentID,
		ModelName:              s.ModelName,
		StreamID:               s.StreamID,
		LatestMediaTimestamp:   s.LatestMediaTimestamp,
		ResponseStartTimestamp: s.responseStartTimestamp,
		ResponseStarted:        s.responseStarted,
		LastAssistantItemID:    s.LastAssistantItemID,
		MarkQueue:              slices.Clone(s.MarkQueue),
		DialogHistory:          slices.Clone(s.DialogHistory),
		Gate:                   gate,
	}
}
