package realtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bt-bridge/realtime-hub/shared"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	DefaultTurnGateDelay = 8 * time.Second
	DefaultMailboxSize   = 64
	DefaultModel         = "gpt-realtime"

	shutdownTimeout = 10 * time.Second
	closeWriteWait  = time.Second
)

const (
	instructionRephrase     = "Rephrase your last response:\r\n%s"
	instructionContextReply = "Reply based on the conversation context."
	instructionUserInput    = "Reply based on the user input"
)

// Socket is the user-facing transport. *websocket.Conn satisfies it.
type Socket interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type controlWriter interface {
	WriteControl(messageType int, data []byte, deadline time.Time) error
}

// Options configures a Hub. Routing and Storage are required.
type Options struct {
	Logger         shared.LoggerAdapter
	Routing        Routing
	Storage        ConversationStorage
	Hooks          []Hook
	DefaultAgentID string
	DefaultModel   string
	TurnGateDelay  time.Duration
	MailboxSize    int
}

// Hub holds the collaborators shared by every session. It keeps no
// per-session state, so sessions run fully in parallel.
type Hub struct {
	opts  Options
	hooks []Hook
}

func NewHub(opts Options) (*Hub, error) {
	if opts.Logger == nil {
		return nil, shared.ErrNoLogger
	}
	if opts.Routing == nil {
		return nil, errors.New("routing collaborator is required")
	}
	if opts.Storage == nil {
		return nil, errors.New("storage collaborator is required")
	}
	if opts.TurnGateDelay <= 0 {
		opts.TurnGateDelay = DefaultTurnGateDelay
	}
	if opts.MailboxSize <= 0 {
		opts.MailboxSize = DefaultMailboxSize
	}
	if strings.TrimSpace(opts.DefaultModel) == "" {
		opts.DefaultModel = DefaultModel
	}
	hooks := slices.Clone(opts.Hooks)
	slices.SortStableFunc(hooks, func(a, b Hook) int { return a.Priority() - b.Priority() })
	return &Hub{opts: opts, hooks: hooks}, nil
}

// Run drives one socket until it closes. It is NewSession followed by
// Session.Run.
func (h *Hub) Run(ctx context.Context, socket Socket, codec FrameCodec, conn ModelConnection) error {
	s, err := h.NewSession(socket, codec, conn)
	if err != nil {
		return err
	}
	return s.Run(ctx)
}

func (h *Hub) NewSession(socket Socket, codec FrameCodec, conn ModelConnection) (*Session, error) {
	if socket == nil {
		return nil, fmt.Errorf("%w: no socket", shared.ErrTransport)
	}
	if codec == nil {
		return nil, shared.ErrNoCodec
	}
	if conn == nil {
		return nil, shared.ErrNoModelConnection
	}
	return &Session{
		hub:     h,
		logger:  h.opts.Logger,
		socket:  socket,
		codec:   codec,
		conn:    conn,
		mailbox: make(chan task, h.opts.MailboxSize),
		done:    make(chan struct{}),
	}, nil
}

// task is a continuation executed inside the session loop. A non-nil error
// is session-fatal.
type task struct {
	generation uint64
	fn         func(ctx context.Context) error
}

type readResult struct {
	messageType int
	data        []byte
	err         error
}

// Session is the loop of a single voice session: it owns SessionState and
// serializes inbound frames and model callbacks through one goroutine.
type Session struct {
	hub    *Hub
	logger shared.LoggerAdapter
	socket Socket
	codec  FrameCodec
	conn   ModelConnection

	mailbox chan task
	done    chan struct{}
	running atomic.Bool

	// Everything below is touched only by the loop goroutine.
	generation   atomic.Uint64
	state        *SessionState
	gate         *TurnGate
	agent        Agent
	hooks        []Hook
	routing      RoutingContext
	dispatcher   *FunctionDispatcher
	prior        []Turn
	connected    bool
	gateTimer    *time.Timer
	detach       chan struct{}
	hookCtx      HookContext
	fallbackConv string
}

// SetConversationID sets the conversation used when the connected frame does
// not carry one. Call before Run.
func (s *Session) SetConversationID(id string) {
	s.fallbackConv = id
}

func (s *Session) Run(ctx context.Context) (err error) {
	if !s.running.CompareAndSwap(false, true) {
		return shared.ErrSessionAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ctx, span := tracer.Start(ctx, "realtime session")
	defer span.End()

	reads := make(chan readResult)
	go s.readLoop(ctx, reads)

	defer func() {
		s.shutdown(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			s.logger.Error("session terminated", err)
			return
		}
		s.logger.Info("session ended")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case r := <-reads:
			if r.err != nil {
				if isNormalClose(r.err) {
					return nil
				}
				return fmt.Errorf("%w: reading frame: %w", shared.ErrTransport, r.err)
			}
			stop, err := s.handleRaw(ctx, r.data)
			if err != nil {
				return err
			}
			if stop {
				return nil
			}
		case t := <-s.mailbox:
			if t.generation != s.generation.Load() {
				continue
			}
			if err := t.fn(ctx); err != nil {
				return err
			}
		}
	}
}

// Snapshot copies the session state from inside the loop.
func (s *Session) Snapshot(ctx context.Context) (SessionSnapshot, bool, error) {
	type result struct {
		snap SessionSnapshot
		ok   bool
	}
	out := make(chan result, 1)
	fn := func(context.Context) error {
		if s.state == nil {
			out <- result{}
			return nil
		}
		out <- result{snap: s.state.snapshot(s.gate.State()), ok: true}
		return nil
	}
	select {
	case <-s.done:
		return SessionSnapshot{}, false, shared.ErrSessionClosed
	default:
	}
	select {
	case <-s.done:
		return SessionSnapshot{}, false, shared.ErrSessionClosed
	case <-ctx.Done():
		return SessionSnapshot{}, false, ctx.Err()
	case s.mailbox <- task{generation: s.generation.Load(), fn: fn}:
	}
	select {
	case r := <-out:
		return r.snap, r.ok, nil
	case <-s.done:
		return SessionSnapshot{}, false, shared.ErrSessionClosed
	case <-ctx.Done():
		return SessionSnapshot{}, false, ctx.Err()
	}
}

// Done is closed once the session stopped accepting work.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) readLoop(ctx context.Context, out chan<- readResult) {
	for {
		mt, data, err := s.socket.ReadMessage()
		select {
		case out <- readResult{messageType: mt, data: data, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

func isNormalClose(err error) bool {
	if errors.Is(err, io.EOF) {
		return true
	}
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived)
}

// post queues fn for the loop. Work for a finished session or a detached
// connection is dropped; disconnectModel detaches before it waits on the
// provider.
func (s *Session) post(generation uint64, detach <-chan struct{}, fn func(ctx context.Context) error) {
	select {
	case <-s.done:
		return
	case <-detach:
		return
	default:
	}
	select {
	case <-s.done:
	case <-detach:
	case s.mailbox <- task{generation: generation, fn: fn}:
	}
}

func (s *Session) handleRaw(ctx context.Context, raw []byte) (stop bool, err error) {
	if len(raw) == 0 {
		return false, nil
	}
	frame, err := s.codec.Decode(raw)
	if err != nil {
		if errors.Is(err, shared.ErrUnknownEventTag) {
			s.logger.Debug("ignoring frame", zap.Error(err))
			return false, nil
		}
		return false, fmt.Errorf("%w: decoding frame: %w", shared.ErrTransport, err)
	}

	if frame.Tag != FrameConnected && s.state == nil {
		if frame.Tag == FrameDisconnected {
			return true, nil
		}
		s.logger.Warn("frame before connect", zap.Stringer("tag", frame.Tag))
		return false, nil
	}

	switch frame.Tag {
	case FrameConnected:
		return false, s.handleConnected(ctx, frame)
	case FrameAudioData:
		return false, s.handleAudio(ctx, frame)
	case FrameDTMF:
		return false, s.handleDTMF(ctx, frame)
	case FrameDisconnected:
		return true, s.handleDisconnected(ctx)
	default:
		s.logger.Warn("unhandled frame tag", zap.Stringer("tag", frame.Tag))
		return false, nil
	}
}

func (s *Session) handleConnected(ctx context.Context, frame Frame) error {
	ctx, span := tracer.Start(ctx, "connect model")
	defer span.End()

	if s.state != nil {
		s.logger.Warn("connected frame on a live session, starting over")
		if err := s.endConnection(ctx); err != nil {
			return err
		}
	}

	convID := frame.ConversationID
	if convID == "" {
		convID = s.fallbackConv
	}
	if convID == "" {
		convID = uuid.NewString()
	}
	span.SetAttributes(attribute.String("conversation.id", convID))

	agentID := s.hub.opts.DefaultAgentID
	conv, err := s.hub.opts.Storage.GetConversation(ctx, convID)
	switch {
	case err == nil:
		if conv.AgentID != "" {
			agentID = conv.AgentID
		}
	case errors.Is(err, shared.ErrConversationNotFound):
		s.logger.Info("conversation not found, using default agent", zap.String("conversation_id", convID))
	default:
		return fmt.Errorf("loading conversation %s: %w", convID, err)
	}

	agent, err := s.hub.opts.Routing.LoadAgent(ctx, agentID)
	if err != nil {
		return fmt.Errorf("loading agent %q: %w", agentID, err)
	}
	model := s.resolveModel(agent.Model)

	prior, err := s.hub.opts.Storage.GetDialogHistory(ctx, convID)
	if err != nil {
		return fmt.Errorf("loading dialog history: %w", err)
	}
	if len(prior) == 0 {
		prior = []Turn{{Role: RoleUser, Content: "Hi", MessageType: MessageTypeText}}
	}

	generation := s.generation.Add(1)
	s.state = NewSessionState(convID, agent.ID, model, frame.StreamID)
	s.gate = NewTurnGate()
	s.agent = agent
	s.prior = prior
	s.hooks = slices.Clone(s.hub.hooks)
	s.routing = s.hub.opts.Routing.NewContext(convID)
	s.routing.Push(agent.ID)
	s.logger = s.hub.opts.Logger.With(
		zap.String("conversation_id", convID),
		zap.String("stream_id", frame.StreamID),
	)
	s.dispatcher = NewFunctionDispatcher(s.logger, s.conn, s.routing, s.hub.opts.Routing)
	s.detach = make(chan struct{})

	s.logger.Info("user connected", zap.String("agent_id", agent.ID), zap.String("model", model))

	if err := s.conn.Connect(ctx, sessionRefFor(s.state, s.agent), s.callbacks(generation, s.detach)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%w: connecting: %w", shared.ErrProvider, err)
	}
	s.connected = true
	return nil
}

func (s *Session) resolveModel(model string) string {
	if strings.Contains(model, "realtime") {
		return model
	}
	return s.hub.opts.DefaultModel
}

func (s *Session) handleAudio(ctx context.Context, frame Frame) error {
	if frame.HasTimestamp {
		s.state.AdvanceMediaTimestamp(frame.Timestamp)
	}
	if err := s.conn.AppendAudioBuffer(ctx, frame.Payload); err != nil {
		return fmt.Errorf("%w: appending audio: %w", shared.ErrProvider, err)
	}
	return nil
}

func (s *Session) handleDTMF(ctx context.Context, frame Frame) error {
	turn := Turn{
		ID:             uuid.NewString(),
		Role:           RoleUser,
		Content:        frame.Payload,
		MessageType:    MessageTypeText,
		CurrentAgentID: s.routing.GetCurrentAgentID(),
		CreatedAt:      time.Now().UTC(),
	}
	s.state.AppendDialog(turn)
	s.runHooks(ctx, turn, Hook.OnMessageReceived)

	if err := s.conn.InsertConversationItem(ctx, turn); err != nil {
		return fmt.Errorf("%w: inserting dtmf turn: %w", shared.ErrProvider, err)
	}
	if err := s.conn.TriggerModelInference(ctx, instructionUserInput); err != nil {
		return fmt.Errorf("%w: triggering inference: %w", shared.ErrProvider, err)
	}
	return nil
}

func (s *Session) handleDisconnected(ctx context.Context) error {
	s.logger.Info("user disconnected")
	err := s.disconnectModel(ctx)
	if flushErr := s.flush(ctx); flushErr != nil {
		err = errors.Join(err, flushErr)
	}
	return err
}

// endConnection tears down the current model session before a new one.
func (s *Session) endConnection(ctx context.Context) error {
	s.stopGateTimer()
	err := s.disconnectModel(ctx)
	if flushErr := s.flush(ctx); flushErr != nil {
		s.logger.Error("flushing dialog history", flushErr)
	}
	return err
}

func (s *Session) disconnectModel(ctx context.Context) error {
	if !s.connected {
		return nil
	}
	s.connected = false
	s.stopGateTimer()
	if s.detach != nil {
		close(s.detach)
		s.detach = nil
	}
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	if err := s.conn.Disconnect(ctx); err != nil {
		return fmt.Errorf("%w: disconnecting: %w", shared.ErrProvider, err)
	}
	return nil
}

func (s *Session) flush(ctx context.Context) error {
	if s.state == nil {
		return nil
	}
	turns := s.state.TakeDialogForFlush()
	if turns == nil {
		return nil
	}
	ctx, span := tracer.Start(ctx, "flush dialog", trace.WithAttributes(attribute.Int("dialog.turns", len(turns))))
	defer span.End()

	var errs error
	if binder, ok := s.hub.opts.Storage.(ConversationBinder); ok {
		if _, err := binder.EnsureConversation(ctx, s.state.ConversationID, s.state.CurrentAgentID); err != nil {
			errs = fmt.Errorf("binding conversation agent: %w", err)
		}
	}
	for _, turn := range turns {
		if err := s.hub.opts.Storage.Append(ctx, s.state.ConversationID, turn); err != nil {
			errs = errors.Join(errs, fmt.Errorf("appending turn %s: %w", turn.ID, err))
		}
	}
	if errs != nil {
		span.RecordError(errs)
		span.SetStatus(codes.Error, errs.Error())
	}
	s.logger.Debug("dialog flushed", zap.Int("turns", len(turns)))
	return errs
}

// shutdown runs once when the loop exits, whatever the reason.
func (s *Session) shutdown(ctx context.Context) {
	close(s.done)
	s.stopGateTimer()

	cleanup, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if err := s.disconnectModel(cleanup); err != nil {
		s.logger.Error("closing model connection", err)
	}
	if err := s.flush(cleanup); err != nil {
		s.logger.Error("flushing dialog history", err)
	}
	if cw, ok := s.socket.(controlWriter); ok {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = cw.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteWait))
	}
	if err := s.socket.Close(); err != nil {
		s.logger.Debug("closing socket", zap.Error(err))
	}
}

func (s *Session) stopGateTimer() {
	if s.gateTimer != nil {
		s.gateTimer.Stop()
		s.gateTimer = nil
	}
}

func (s *Session) send(data []byte, what string) error {
	if data == nil {
		return nil
	}
	if err := s.socket.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: sending %s: %w", shared.ErrTransport, what, err)
	}
	return nil
}

func (s *Session) encodeAndSend(what string, encode func() ([]byte, error)) error {
	data, err := encode()
	if err != nil {
		return fmt.Errorf("%w: encoding %s: %w", shared.ErrTransport, what, err)
	}
	return s.send(data, what)
}

func (s *Session) runHooks(ctx context.Context, turn Turn, call func(Hook, context.Context, HookContext, Turn) error) {
	hc := HookContext{ConversationID: s.state.ConversationID, AgentID: s.state.CurrentAgentID}
	for _, h := range s.hooks {
		if err := call(h, ctx, hc, turn); err != nil {
			s.logger.Warn("hook failed", zap.String("hook", h.Name()), zap.Error(err))
		}
	}
}

// callbacks binds the model callbacks to this generation of the session.
func (s *Session) callbacks(generation uint64, detach <-chan struct{}) Callbacks {
	return Callbacks{
		OnModelReady: func() {
			s.post(generation, detach, s.onModelReady)
		},
		OnModelAudioDeltaReceived: func(delta, itemID string) {
			s.post(generation, detach, func(ctx context.Context) error {
				return s.onModelAudioDeltaReceived(ctx, delta, itemID)
			})
		},
		OnModelAudioResponseDone: func() {
			s.post(generation, detach, s.onModelAudioResponseDone)
		},
		OnModelResponseDone: func(turns []Turn) {
			turns = slices.Clone(turns)
			s.post(generation, detach, func(ctx context.Context) error {
				return s.onModelResponseDone(ctx, turns)
			})
		},
		OnInputAudioTranscriptionCompleted: func(turn Turn) {
			s.post(generation, detach, func(ctx context.Context) error {
				return s.onInputAudioTranscriptionCompleted(ctx, turn)
			})
		},
		OnUserInterrupted: func() {
			s.post(generation, detach, s.onUserInterrupted)
		},
		OnConnectionLost: func(err error) {
			s.post(generation, detach, func(context.Context) error {
				return fmt.Errorf("%w: connection lost: %w", shared.ErrProvider, err)
			})
		},
	}
}

func (s *Session) onModelReady(ctx context.Context) error {
	ref := sessionRefFor(s.state, s.agent)
	if err := s.conn.UpdateSession(ctx, ref, s.gate.IsOpen()); err != nil {
		return fmt.Errorf("%w: updating session: %w", shared.ErrProvider, err)
	}

	instruction := instructionContextReply
	if last, ok := s.lastTurn(); ok && last.Role == RoleAssistant {
		instruction = fmt.Sprintf(instructionRephrase, last.Content)
	}
	if err := s.conn.TriggerModelInference(ctx, instruction); err != nil {
		return fmt.Errorf("%w: triggering greeting: %w", shared.ErrProvider, err)
	}

	if s.gate.IsOpen() {
		return nil
	}
	generation, detach := s.generation.Load(), s.detach
	s.stopGateTimer()
	s.gateTimer = time.AfterFunc(s.hub.opts.TurnGateDelay, func() {
		s.post(generation, detach, s.openGate)
	})
	return nil
}

func (s *Session) openGate(ctx context.Context) error {
	s.gateTimer = nil
	if !s.gate.Open() {
		return nil
	}
	s.logger.Debug("turn gate open")
	if err := s.conn.UpdateSession(ctx, sessionRefFor(s.state, s.agent), true); err != nil {
		return fmt.Errorf("%w: enabling turn detection: %w", shared.ErrProvider, err)
	}
	return nil
}

func (s *Session) lastTurn() (Turn, bool) {
	if n := len(s.state.DialogHistory); n > 0 {
		return s.state.DialogHistory[n-1], true
	}
	if n := len(s.prior); n > 0 {
		return s.prior[n-1], true
	}
	return Turn{}, false
}

func (s *Session) onModelAudioDeltaReceived(ctx context.Context, delta, itemID string) error {
	streamID := s.state.StreamID
	if err := s.encodeAndSend("audio delta", func() ([]byte, error) {
		return s.codec.EncodeAudioDelta(streamID, delta)
	}); err != nil {
		return err
	}

	if s.state.BeginResponse() {
		s.logger.Debug("response started", zap.Int64("start_ms", s.state.LatestMediaTimestamp))
	}
	if itemID != "" {
		s.state.LastAssistantItemID = itemID
	}

	if err := s.encodeAndSend("mark", func() ([]byte, error) {
		return s.codec.EncodeMark(streamID, markResponsePart)
	}); err != nil {
		return err
	}
	s.state.EnqueueMark(markResponsePart)
	return nil
}

func (s *Session) onModelAudioResponseDone(context.Context) error {
	streamID := s.state.StreamID
	return s.encodeAndSend("response done", func() ([]byte, error) {
		return s.codec.EncodeResponseDone(streamID)
	})
}

func (s *Session) onModelResponseDone(ctx context.Context, turns []Turn) error {
	for _, turn := range turns {
		if turn.ID == "" {
			turn.ID = uuid.NewString()
		}
		if turn.CreatedAt.IsZero() {
			turn.CreatedAt = time.Now().UTC()
		}
		if turn.IsFunctionCall() {
			scope := dispatchScope{state: s.state, agent: &s.agent, turnDetection: s.gate.IsOpen()}
			if err := s.dispatcher.Dispatch(ctx, scope, turn); err != nil {
				return err
			}
			continue
		}
		if turn.Role == "" {
			turn.Role = RoleAssistant
		}
		turn.CurrentAgentID = s.state.CurrentAgentID
		s.state.AppendDialog(turn)
		s.runHooks(ctx, turn, Hook.OnResponseGenerated)
	}
	return nil
}

func (s *Session) onInputAudioTranscriptionCompleted(ctx context.Context, turn Turn) error {
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}
	turn.Role = RoleUser
	turn.CurrentAgentID = s.state.CurrentAgentID
	s.state.AppendDialog(turn)
	s.runHooks(ctx, turn, Hook.OnMessageReceived)
	return nil
}

func (s *Session) onUserInterrupted(ctx context.Context) error {
	itemID := s.state.LastAssistantItemID
	start, started := s.state.ResponseStartTimestamp()
	played := max(s.state.LatestMediaTimestamp-start, 0)

	s.state.ResetResponseState()

	streamID := s.state.StreamID
	if err := s.encodeAndSend("interruption", func() ([]byte, error) {
		return s.codec.EncodeInterrupted(streamID)
	}); err != nil {
		return err
	}

	tr, ok := s.conn.(ItemTruncator)
	if !ok || !started || itemID == "" {
		return nil
	}
	if err := tr.TruncateItem(ctx, itemID, played); err != nil {
		s.logger.Warn("truncating interrupted item", zap.String("item_id", itemID), zap.Error(err))
	}
	return nil
}
