package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
)

type ServerEventType string

type ClientEventType string

// Server event types the session reacts to. Anything else is skipped.
const (
	ServerEventTypeError                                            ServerEventType = "error"
	ServerEventTypeSessionCreated                                   ServerEventType = "session.created"
	ServerEventTypeSessionUpdated                                   ServerEventType = "session.updated"
	ServerEventTypeConversationItemInputAudioTranscriptionCompleted ServerEventType = "conversation.item.input_audio_transcription.completed"
	ServerEventTypeInputAudioBufferSpeechStarted                    ServerEventType = "input_audio_buffer.speech_started"
	ServerEventTypeResponseDone                                     ServerEventType = "response.done"
	ServerEventTypeResponseOutputAudioDelta                         ServerEventType = "response.output_audio.delta"
	ServerEventTypeResponseOutputAudioDone                          ServerEventType = "response.output_audio.done"
)

const (
	ClientEventTypeSessionUpdate            ClientEventType = "session.update"
	ClientEventTypeInputAudioBufferAppend   ClientEventType = "input_audio_buffer.append"
	ClientEventTypeConversationItemCreate   ClientEventType = "conversation.item.create"
	ClientEventTypeConversationItemTruncate ClientEventType = "conversation.item.truncate"
	ClientEventTypeResponseCreate           ClientEventType = "response.create"
)

// ErrUnhandledServerEvent marks a well-formed event of a type the session
// does not consume.
var ErrUnhandledServerEvent = errors.New("unhandled server event")

type ServerEvent struct {
	EventId string
	Type    ServerEventType
	Param   EventParam
}

// EventParam decodes the type-specific keys of a server event.
type EventParam interface {
	New(map[string]any) error
}

func (e *ServerEvent) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := sonic.Unmarshal(data, &raw); err != nil {
		return err
	}
	if v, ok := raw["type"].(string); ok {
		e.Type = ServerEventType(v)
		delete(raw, "type")
	} else {
		return errors.New("missing type")
	}
	if v, ok := raw["event_id"].(string); ok {
		e.EventId = v
		delete(raw, "event_id")
	}
	switch e.Type {
	case ServerEventTypeError:
		e.Param = new(ServerEventParamError)
	case ServerEventTypeSessionCreated, ServerEventTypeSessionUpdated:
		e.Param = new(ServerEventParamSession)
	case ServerEventTypeConversationItemInputAudioTranscriptionCompleted:
		e.Param = new(ServerEventParamTranscriptionCompleted)
	case ServerEventTypeInputAudioBufferSpeechStarted:
		e.Param = new(ServerEventParamSpeechStarted)
	case ServerEventTypeResponseDone:
		e.Param = new(ServerEventParamResponseDone)
	case ServerEventTypeResponseOutputAudioDelta:
		e.Param = new(ServerEventParamOutputAudioDelta)
	case ServerEventTypeResponseOutputAudioDone:
		e.Param = new(ServerEventParamOutputAudioDone)
	default:
		return fmt.Errorf("%w: %s", ErrUnhandledServerEvent, e.Type)
	}
	return e.Param.New(raw)
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i), true
		}
	}
	return 0, false
}

// error
type ServerEventParamError struct {
	Type    string
	Code    string
	Message string
	EventId string
}

func (p *ServerEventParamError) New(m map[string]any) error {
	errObj, ok := m["error"].(map[string]any)
	if !ok {
		return errors.New("missing error")
	}
	if v, ok := errObj["message"].(string); ok {
		p.Message = v
	} else {
		return errors.New("missing error.message")
	}
	p.Type, _ = errObj["type"].(string)
	p.Code, _ = errObj["code"].(string)
	p.EventId, _ = errObj["event_id"].(string)
	return nil
}

// session.created, session.updated
type ServerEventParamSession struct {
	Session map[string]any
}

func (p *ServerEventParamSession) New(m map[string]any) error {
	if v, ok := m["session"].(map[string]any); ok {
		p.Session = v
		return nil
	}
	return errors.New("missing session")
}

// conversation.item.input_audio_transcription.completed
type ServerEventParamTranscriptionCompleted struct {
	ItemId     string
	Transcript string
}

func (p *ServerEventParamTranscriptionCompleted) New(m map[string]any) error {
	if v, ok := m["item_id"].(string); ok {
		p.ItemId = v
	} else {
		return errors.New("missing item_id")
	}
	if v, ok := m["transcript"].(string); ok {
		p.Transcript = v
	} else {
		return errors.New("missing transcript")
	}
	return nil
}

// input_audio_buffer.speech_started
type ServerEventParamSpeechStarted struct {
	ItemId       string
	AudioStartMs int
}

func (p *ServerEventParamSpeechStarted) New(m map[string]any) error {
	p.ItemId, _ = m["item_id"].(string)
	p.AudioStartMs, _ = asInt(m["audio_start_ms"])
	return nil
}

// response.output_audio.delta
type ServerEventParamOutputAudioDelta struct {
	ResponseId string
	ItemId     string
	Delta      string
}

func (p *ServerEventParamOutputAudioDelta) New(m map[string]any) error {
	if v, ok := m["delta"].(string); ok {
		p.Delta = v
	} else {
		return errors.New("missing delta")
	}
	p.ResponseId, _ = m["response_id"].(string)
	p.ItemId, _ = m["item_id"].(string)
	return nil
}

// response.output_audio.done
type ServerEventParamOutputAudioDone struct {
	ResponseId string
	ItemId     string
}

func (p *ServerEventParamOutputAudioDone) New(m map[string]any) error {
	p.ResponseId, _ = m["response_id"].(string)
	p.ItemId, _ = m["item_id"].(string)
	return nil
}

// response.done
type ServerEventParamResponseDone struct {
	Response map[string]any
}

func (p *ServerEventParamResponseDone) New(m map[string]any) error {
	if v, ok := m["response"].(map[string]any); ok {
		p.Response = v
		return nil
	}
	return errors.New("missing response")
}

// Status is "completed", "cancelled", "failed" or "incomplete".
func (p *ServerEventParamResponseDone) Status() string {
	s, _ := p.Response["status"].(string)
	return s
}

// Turns converts the response output items into dialog turns. Function
// calls become function-call turns; messages contribute their transcript or
// text. Items with nothing to say are skipped.
func (p *ServerEventParamResponseDone) Turns() []Turn {
	output, _ := p.Response["output"].([]any)
	turns := make([]Turn, 0, len(output))
	for _, raw := range output {
		item, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		id, _ := item["id"].(string)
		switch item["type"] {
		case "function_call":
			name, _ := item["name"].(string)
			args, _ := item["arguments"].(string)
			callID, _ := item["call_id"].(string)
			turns = append(turns, Turn{
				ID:           id,
				Role:         RoleAssistant,
				MessageType:  MessageTypeFunctionCall,
				FunctionName: name,
				FunctionArgs: args,
				ToolCallID:   callID,
			})
		case "message":
			content := messageContent(item)
			if content == "" {
				continue
			}
			role := RoleAssistant
			if v, ok := item["role"].(string); ok && v != "" {
				role = Role(v)
			}
			turns = append(turns, Turn{
				ID:          id,
				Role:        role,
				Content:     content,
				MessageType: MessageTypeText,
			})
		}
	}
	return turns
}

func messageContent(item map[string]any) string {
	parts, _ := item["content"].([]any)
	var b strings.Builder
	for _, raw := range parts {
		part, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		for _, key := range []string{"transcript", "text"} {
			if v, ok := part[key].(string); ok && v != "" {
				b.WriteString(v)
				break
			}
		}
	}
	return b.String()
}

// ClientEvent is an event sent upstream. Param holds the type-specific keys.
type ClientEvent struct {
	EventId string
	Type    ClientEventType
	Param   map[string]any
}

func NewClientEvent(t ClientEventType, param map[string]any) *ClientEvent {
	return &ClientEvent{EventId: "event_" + uuid.NewString(), Type: t, Param: param}
}

func (e *ClientEvent) MarshalJSON() ([]byte, error) {
	if e.Type == "" {
		return nil, errors.New("Type is empty")
	}
	resp := make(map[string]any, len(e.Param)+2)
	for k, v := range e.Param {
		resp[k] = v
	}
	if e.EventId != "" {
		resp["event_id"] = e.EventId
	}
	resp["type"] = e.Type
	return sonic.Marshal(resp)
}

// conversationItem renders a dialog turn as a conversation.item.create item.
func conversationItem(turn Turn) map[string]any {
	switch {
	case turn.Role == RoleFunction:
		return map[string]any{
			"type":    "function_call_output",
			"call_id": turn.ToolCallID,
			"output":  turn.Content,
		}
	case turn.Role == RoleAssistant:
		return map[string]any{
			"type": "message",
			"role": RoleAssistant,
			"content": []any{
				map[string]any{"type": "output_text", "text": turn.Content},
			},
		}
	default:
		role := turn.Role
		if role == "" {
			role = RoleUser
		}
		return map[string]any{
			"type": "message",
			"role": role,
			"content": []any{
				map[string]any{"type": "input_text", "text": turn.Content},
			},
		}
	}
}
