package realtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/bt-bridge/realtime-hub/shared"
	"github.com/bytedance/sonic"
)

type fakeSocket struct {
	in      chan []byte
	readErr chan error

	mu     sync.Mutex
	writes [][]byte
	closed chan struct{}
	once   sync.Once
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		in:      make(chan []byte, 64),
		readErr: make(chan error, 1),
		closed:  make(chan struct{}),
	}
}

func (s *fakeSocket) ReadMessage() (int, []byte, error) {
	select {
	case msg := <-s.in:
		return 1, msg, nil
	case err := <-s.readErr:
		return 0, nil, err
	case <-s.closed:
		return 0, nil, io.EOF
	}
}

func (s *fakeSocket) WriteMessage(_ int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.closed:
		return errors.New("write on closed socket")
	default:
	}
	s.writes = append(s.writes, slices.Clone(data))
	return nil
}

func (s *fakeSocket) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSocket) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// events returns the "event" field of every frame written to the user.
func (s *fakeSocket) events() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.writes))
	for _, w := range s.writes {
		var m struct {
			Event string `json:"event"`
		}
		_ = sonic.Unmarshal(w, &m)
		out = append(out, m.Event)
	}
	return out
}

type fakeConn struct {
	mu          sync.Mutex
	calls       []string
	refs        []SessionRef
	cb          Callbacks
	connects    int
	connectErr  error
	insertErr   error
	truncateErr error
	truncations []string
}

func (c *fakeConn) record(call string) {
	c.calls = append(c.calls, call)
}

func (c *fakeConn) Connect(_ context.Context, ref SessionRef, cb Callbacks) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record(fmt.Sprintf("connect:%s:%s", ref.AgentID, ref.Model))
	if c.connectErr != nil {
		return c.connectErr
	}
	c.refs = append(c.refs, ref)
	c.cb = cb
	c.connects++
	return nil
}

func (c *fakeConn) AppendAudioBuffer(context.Context, string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("append")
	return nil
}

func (c *fakeConn) UpdateSession(_ context.Context, ref SessionRef, turnDetection bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refs = append(c.refs, ref)
	c.record(fmt.Sprintf("update:%s:%t", ref.AgentID, turnDetection))
	return nil
}

func (c *fakeConn) InsertConversationItem(_ context.Context, turn Turn) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record(fmt.Sprintf("insert:%s:%s", turn.Role, turn.Content))
	return c.insertErr
}

func (c *fakeConn) TriggerModelInference(_ context.Context, instruction string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("trigger:" + instruction)
	return nil
}

func (c *fakeConn) TruncateItem(_ context.Context, itemID string, audioEndMs int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record(fmt.Sprintf("truncate:%s:%d", itemID, audioEndMs))
	return c.truncateErr
}

func (c *fakeConn) Disconnect(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("disconnect")
	return nil
}

func (c *fakeConn) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.calls)
}

func (c *fakeConn) callbacks() Callbacks {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cb
}

func (c *fakeConn) connectCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects
}

func (c *fakeConn) lastRef() SessionRef {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refs[len(c.refs)-1]
}

// bareConn hides TruncateItem.
type bareConn struct {
	*fakeConn
}

func (bareConn) TruncateItem() {}

type fakeStorage struct {
	mu            sync.Mutex
	conversations map[string]Conversation
	history       map[string][]Turn
	appended      []Turn
	appendErr     error
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{
		conversations: map[string]Conversation{},
		history:       map[string][]Turn{},
	}
}

func (s *fakeStorage) GetConversation(_ context.Context, id string) (Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return Conversation{}, shared.ErrConversationNotFound
	}
	return c, nil
}

func (s *fakeStorage) GetDialogHistory(_ context.Context, id string) ([]Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.history[id]), nil
}

func (s *fakeStorage) Append(_ context.Context, _ string, turn Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appended = append(s.appended, turn)
	return s.appendErr
}

func (s *fakeStorage) appendedTurns() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.appended)
}

// bindingStorage records the agent bound to each conversation.
type bindingStorage struct {
	*fakeStorage
}

func (s bindingStorage) EnsureConversation(_ context.Context, id, agentID string) (Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := Conversation{ID: id, AgentID: agentID}
	s.conversations[id] = c
	return c, nil
}

func (s bindingStorage) conversation(id string) Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversations[id]
}

// stallingSocket holds every user-bound write until release is closed.
type stallingSocket struct {
	*fakeSocket
	release chan struct{}
}

func (s *stallingSocket) WriteMessage(mt int, data []byte) error {
	<-s.release
	return s.fakeSocket.WriteMessage(mt, data)
}

type fakeRouting struct {
	agents map[string]Agent

	mu      sync.Mutex
	stack   []string
	invoked []string
}

func newFakeRouting() *fakeRouting {
	return &fakeRouting{agents: map[string]Agent{
		"router":  {ID: "router", Name: "Router", Instructions: "route", Model: "gpt-realtime"},
		"billing": {ID: "billing", Name: "Billing", Instructions: "bill", Model: "gpt-4o-realtime-preview"},
		"legacy":  {ID: "legacy", Name: "Legacy", Instructions: "old", Model: "gpt-4o"},
	}}
}

func (r *fakeRouting) LoadAgent(_ context.Context, id string) (Agent, error) {
	a, ok := r.agents[id]
	if !ok {
		return Agent{}, fmt.Errorf("%w: %s", shared.ErrAgentNotFound, id)
	}
	return a, nil
}

func (r *fakeRouting) NewContext(string) RoutingContext {
	return r
}

func (r *fakeRouting) Push(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stack = append(r.stack, agentID)
}

func (r *fakeRouting) GetCurrentAgentID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.stack) == 0 {
		return ""
	}
	return r.stack[len(r.stack)-1]
}

func (r *fakeRouting) InvokeFunction(_ context.Context, name string, turn *Turn) error {
	r.mu.Lock()
	r.invoked = append(r.invoked, name)
	r.mu.Unlock()
	switch name {
	case FunctionRouteToAgent:
		var args struct {
			AgentName string `json:"agent_name"`
		}
		if err := sonic.UnmarshalString(turn.FunctionArgs, &args); err != nil {
			return err
		}
		if _, ok := r.agents[args.AgentName]; !ok {
			turn.Content = "no such agent"
			return shared.ErrAgentNotFound
		}
		r.Push(args.AgentName)
	case FunctionFallbackToRouter:
		r.Push("router")
	default:
		turn.Content = "tool output for " + name
	}
	return nil
}

type hookLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *hookLog) add(entry string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
}

func (l *hookLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.entries)
}

type recordingHook struct {
	name     string
	priority int
	log      *hookLog
	err      error
}

func (h *recordingHook) Name() string  { return h.name }
func (h *recordingHook) Priority() int { return h.priority }

func (h *recordingHook) OnMessageReceived(_ context.Context, hc HookContext, turn Turn) error {
	h.log.add(fmt.Sprintf("%s:received:%s:%s", h.name, hc.AgentID, turn.Content))
	return h.err
}

func (h *recordingHook) OnResponseGenerated(_ context.Context, hc HookContext, turn Turn) error {
	h.log.add(fmt.Sprintf("%s:generated:%s:%s", h.name, hc.AgentID, turn.Content))
	return h.err
}

const testWait = 2 * time.Second
