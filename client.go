package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/bt-bridge/realtime-hub/shared"
	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/openai/openai-go/v3/packages/param"
	"github.com/openai/openai-go/v3/realtime"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

const (
	DefaultBaseURL         = "https://api.openai.com/v1"
	DefaultVoice           = "alloy"
	DefaultAudioFormat     = "audio/pcmu"
	DefaultMaxOutputTokens = 512
	DefaultVADEagerness    = "auto"

	writeWait        = 10 * time.Second
	handshakeTimeout = 15 * time.Second
)

// ModelSettings are the provider knobs that do not vary per agent.
type ModelSettings struct {
	Voice              string
	AudioFormat        string
	TranscriptionModel string
	InputLanguage      string
	NoiseReduction     string
	VADEagerness       string
	MaxOutputTokens    int64
}

func (s ModelSettings) withDefaults() ModelSettings {
	if s.Voice == "" {
		s.Voice = DefaultVoice
	}
	if s.AudioFormat == "" {
		s.AudioFormat = DefaultAudioFormat
	}
	if s.VADEagerness == "" {
		s.VADEagerness = DefaultVADEagerness
	}
	if s.MaxOutputTokens <= 0 {
		s.MaxOutputTokens = DefaultMaxOutputTokens
	}
	return s
}

// Client is a ModelConnection over the OpenAI Realtime WebSocket API. A
// Client carries one upstream session at a time; Connect after Disconnect
// starts a fresh one.
type Client struct {
	logger   shared.LoggerAdapter
	baseUrl  *url.URL
	apiKey   string
	settings ModelSettings
	dialer   *websocket.Dialer

	mu     sync.Mutex
	ws     *websocket.Conn
	cb     Callbacks
	ctx    context.Context
	cancel context.CancelCauseFunc
	done   chan struct{}

	writeMu sync.Mutex
}

var (
	_ ModelConnection = (*Client)(nil)
	_ ItemTruncator   = (*Client)(nil)
)

func NewClient(logger shared.LoggerAdapter, apikey, baseUrl string, settings ModelSettings) (c *Client, err error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if apikey == "" {
		return nil, shared.ErrNoAPIKey
	}
	if baseUrl == "" {
		baseUrl = DefaultBaseURL
	}
	baseUrl_, err := url.Parse(baseUrl)
	if err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}
	return &Client{
		logger:   logger,
		baseUrl:  baseUrl_,
		apiKey:   apikey,
		settings: settings.withDefaults(),
		dialer:   &websocket.Dialer{HandshakeTimeout: handshakeTimeout},
	}, nil
}

func (c *Client) respectCtx() error {
	if c.ctx == nil {
		return shared.ErrNotConnected
	}
	select {
	case <-c.ctx.Done():
		return context.Cause(c.ctx)
	default:
	}
	return nil
}

func (c *Client) Connect(ctx context.Context, ref SessionRef, cb Callbacks) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws != nil {
		return shared.ErrAlreadyConnected
	}
	cfg, err := c.sessionConfig(ref, false)
	if err != nil {
		return err
	}
	secret, err := c.createClientSecret(ctx, cfg)
	if err != nil {
		return fmt.Errorf("creating client secret: %w", err)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+secret)
	ws, resp, err := c.dialer.DialContext(ctx, c.websocketURL(ref.Model), header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dialing realtime websocket (status %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("dialing realtime websocket: %w", err)
	}

	c.ws = ws
	c.cb = cb
	c.ctx, c.cancel = context.WithCancelCause(context.Background())
	c.done = make(chan struct{})
	go c.listen(c.ctx, ws, cb, c.done)

	c.logger.Info("realtime session connected", zap.String("model", ref.Model), zap.String("agent_id", ref.AgentID))
	return nil
}

func (c *Client) websocketURL(model string) string {
	u := *c.baseUrl
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	default:
		u.Scheme = "wss"
	}
	u = *u.JoinPath("/realtime")
	q := u.Query()
	q.Set("model", model)
	u.RawQuery = q.Encode()
	return u.String()
}

// listen decodes server events until the socket fails or ctx is cancelled
// by Disconnect.
func (c *Client) listen(ctx context.Context, ws *websocket.Conn, cb Callbacks, done chan<- struct{}) {
	defer close(done)
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("realtime socket read failed", zap.Error(err))
			if cb.OnConnectionLost != nil {
				cb.OnConnectionLost(err)
			}
			return
		}
		event := new(ServerEvent)
		if err := event.UnmarshalJSON(data); err != nil {
			if errors.Is(err, ErrUnhandledServerEvent) {
				c.logger.Trace("skipping event", zap.String("type", string(event.Type)))
				continue
			}
			c.logger.Error("can not unmarshal event", err, zap.ByteString("data", data))
			continue
		}
		c.handle(event, cb)
	}
}

func (c *Client) handle(event *ServerEvent, cb Callbacks) {
	switch p := event.Param.(type) {
	case *ServerEventParamError:
		c.logger.Warn(
			"realtime provider error",
			zap.String("code", p.Code),
			zap.String("type", p.Type),
			zap.String("message", p.Message),
		)
	case *ServerEventParamSession:
		if event.Type == ServerEventTypeSessionCreated && cb.OnModelReady != nil {
			cb.OnModelReady()
		}
	case *ServerEventParamOutputAudioDelta:
		if cb.OnModelAudioDeltaReceived != nil {
			cb.OnModelAudioDeltaReceived(p.Delta, p.ItemId)
		}
	case *ServerEventParamOutputAudioDone:
		if cb.OnModelAudioResponseDone != nil {
			cb.OnModelAudioResponseDone()
		}
	case *ServerEventParamResponseDone:
		if status := p.Status(); status != "" && status != "completed" {
			c.logger.Debug("response finished", zap.String("status", status))
		}
		if cb.OnModelResponseDone != nil {
			cb.OnModelResponseDone(p.Turns())
		}
	case *ServerEventParamTranscriptionCompleted:
		if cb.OnInputAudioTranscriptionCompleted != nil {
			cb.OnInputAudioTranscriptionCompleted(Turn{
				ID:          p.ItemId,
				Role:        RoleUser,
				Content:     strings.TrimSpace(p.Transcript),
				MessageType: MessageTypeText,
			})
		}
	case *ServerEventParamSpeechStarted:
		if cb.OnUserInterrupted != nil {
			cb.OnUserInterrupted()
		}
	}
}

func (c *Client) send(event *ClientEvent) error {
	c.mu.Lock()
	ws := c.ws
	err := c.respectCtx()
	c.mu.Unlock()
	if ws == nil {
		return shared.ErrNotConnected
	}
	if err != nil {
		return fmt.Errorf("respecting client context: %w", err)
	}
	data, err := event.MarshalJSON()
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", event.Type, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("writing %s: %w", event.Type, err)
	}
	return nil
}

func (c *Client) AppendAudioBuffer(_ context.Context, payload string) error {
	return c.send(NewClientEvent(ClientEventTypeInputAudioBufferAppend, map[string]any{
		"audio": payload,
	}))
}

func (c *Client) UpdateSession(_ context.Context, ref SessionRef, turnDetection bool) error {
	cfg, err := c.sessionConfig(ref, turnDetection)
	if err != nil {
		return err
	}
	return c.send(NewClientEvent(ClientEventTypeSessionUpdate, map[string]any{
		"session": cfg,
	}))
}

func (c *Client) InsertConversationItem(_ context.Context, turn Turn) error {
	return c.send(NewClientEvent(ClientEventTypeConversationItemCreate, map[string]any{
		"item": conversationItem(turn),
	}))
}

func (c *Client) TriggerModelInference(_ context.Context, instruction string) error {
	response := map[string]any{}
	if instruction != "" {
		response["instructions"] = instruction
	}
	return c.send(NewClientEvent(ClientEventTypeResponseCreate, map[string]any{
		"response": response,
	}))
}

func (c *Client) TruncateItem(_ context.Context, itemID string, audioEndMs int64) error {
	return c.send(NewClientEvent(ClientEventTypeConversationItemTruncate, map[string]any{
		"item_id":       itemID,
		"content_index": 0,
		"audio_end_ms":  audioEndMs,
	}))
}

func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	ws, done := c.ws, c.done
	if ws == nil {
		c.mu.Unlock()
		return nil
	}
	c.cancel(errors.New("client disconnected"))
	c.ws = nil
	c.mu.Unlock()

	c.writeMu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		c.logger.Debug("writing close frame", zap.Error(err))
	}
	c.writeMu.Unlock()
	err := ws.Close()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	c.logger.Info("realtime session disconnected")
	return err
}

// sessionConfig renders the GA session object. The typed request covers
// the common fields; format, tools and the turn detection toggle are
// patched onto the marshalled form.
func (c *Client) sessionConfig(ref SessionRef, turnDetection bool) (map[string]any, error) {
	input := realtime.RealtimeAudioConfigInputParam{
		TurnDetection: realtime.RealtimeAudioInputTurnDetectionUnionParam{
			OfSemanticVad: &realtime.RealtimeAudioInputTurnDetectionSemanticVadParam{
				CreateResponse:    param.NewOpt(true),
				InterruptResponse: param.NewOpt(true),
				Eagerness:         c.settings.VADEagerness,
			},
		},
	}
	if c.settings.TranscriptionModel != "" {
		input.Transcription = realtime.AudioTranscriptionParam{
			Model: realtime.AudioTranscriptionModel(c.settings.TranscriptionModel),
		}
		if c.settings.InputLanguage != "" {
			input.Transcription.Language = param.NewOpt(c.settings.InputLanguage)
		}
	}
	if c.settings.NoiseReduction != "" {
		input.NoiseReduction = realtime.RealtimeAudioConfigInputNoiseReductionParam{
			Type: realtime.NoiseReductionType(c.settings.NoiseReduction),
		}
	}
	session := &realtime.RealtimeSessionCreateRequestParam{
		Instructions: param.NewOpt(ref.Instructions),
		Model:        ref.Model,
		Audio: realtime.RealtimeAudioConfigParam{
			Input: input,
			Output: realtime.RealtimeAudioConfigOutputParam{
				Voice: realtime.RealtimeAudioConfigOutputVoice(c.settings.Voice),
			},
		},
		MaxOutputTokens: realtime.RealtimeSessionCreateRequestMaxOutputTokensUnionParam{
			OfInt: param.NewOpt(c.settings.MaxOutputTokens),
		},
	}
	sessBytes, err := session.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("marshaling config: %w", err)
	}
	var cfg map[string]any
	if err := sonic.Unmarshal(sessBytes, &cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	cfg["type"] = "realtime"
	format := map[string]any{"type": c.settings.AudioFormat}
	audio := childMap(cfg, "audio")
	in := childMap(audio, "input")
	in["format"] = format
	if !turnDetection {
		in["turn_detection"] = nil
	}
	childMap(audio, "output")["format"] = format

	if len(ref.Functions) > 0 {
		tools := make([]any, 0, len(ref.Functions))
		for _, fn := range ref.Functions {
			params := fn.Parameters
			if params == nil {
				params = map[string]any{"type": "object", "properties": map[string]any{}}
			}
			tools = append(tools, map[string]any{
				"type":        "function",
				"name":        fn.Name,
				"description": fn.Description,
				"parameters":  params,
			})
		}
		cfg["tools"] = tools
		cfg["tool_choice"] = "auto"
	}
	return cfg, nil
}

func childMap(m map[string]any, key string) map[string]any {
	if v, ok := m[key].(map[string]any); ok {
		return v
	}
	v := map[string]any{}
	m[key] = v
	return v
}

// createClientSecret mints an ephemeral key bound to cfg.
func (c *Client) createClientSecret(ctx context.Context, cfg map[string]any) (string, error) {
	body, err := sonic.Marshal(map[string]any{"session": cfg})
	if err != nil {
		return "", fmt.Errorf("marshaling config: %w", err)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.baseUrl.JoinPath("/realtime/client_secrets").String())
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.SetContentType("application/json")
	req.SetBody(body)

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(handshakeTimeout)
	}
	if err := fasthttp.DoDeadline(req, resp, deadline); err != nil {
		return "", fmt.Errorf("performing HTTP request: %w", err)
	}
	if resp.StatusCode() != fasthttp.StatusOK {
		return "", fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode(), string(resp.Body()))
	}
	var out struct {
		Value string `json:"value"`
	}
	if err := sonic.Unmarshal(resp.Body(), &out); err != nil {
		return "", fmt.Errorf("decoding client secret: %w", err)
	}
	if out.Value == "" {
		return "", errors.New("empty client secret")
	}
	return out.Value, nil
}
