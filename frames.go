package realtime

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/bt-bridge/realtime-hub/shared"
	"github.com/bt-bridge/realtime-hub/tools"
	"github.com/bytedance/sonic"
)

type FrameTag int

const (
	FrameConnected FrameTag = iota + 1
	FrameAudioData
	FrameDTMF
	FrameDisconnected
)

func (t FrameTag) String() string {
	switch t {
	case FrameConnected:
		return "connected"
	case FrameAudioData:
		return "audioData"
	case FrameDTMF:
		return "dtmf"
	case FrameDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Frame is one decoded inbound transport message.
type Frame struct {
	Tag            FrameTag
	ConversationID string
	StreamID       string
	// Payload is base64 audio for FrameAudioData and the digits for FrameDTMF.
	Payload      string
	Timestamp    int64
	HasTimestamp bool
}

type FrameDecoder interface {
	// Decode returns an error wrapping shared.ErrUnknownEventTag for frames
	// the session may safely skip.
	Decode(raw []byte) (Frame, error)
}

type FrameEncoder interface {
	EncodeAudioDelta(streamID, delta string) ([]byte, error)
	EncodeMark(streamID, name string) ([]byte, error)
	EncodeResponseDone(streamID string) ([]byte, error)
	EncodeInterrupted(streamID string) ([]byte, error)
}

type FrameCodec interface {
	FrameDecoder
	FrameEncoder
}

type markBody struct {
	Name string `json:"name"`
}

// Twilio Media Streams.

type twilioInbound struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid"`
	Start     *struct {
		StreamSid        string            `json:"streamSid"`
		CallSid          string            `json:"callSid"`
		CustomParameters map[string]string `json:"customParameters"`
	} `json:"start"`
	Media *struct {
		Track     string `json:"track"`
		Timestamp string `json:"timestamp"`
		Payload   string `json:"payload"`
	} `json:"media"`
	DTMF *struct {
		Digit string `json:"digit"`
	} `json:"dtmf"`
}

type twilioOutbound struct {
	Event     string    `json:"event"`
	StreamSid string    `json:"streamSid"`
	Media     *mediaOut `json:"media,omitempty"`
	Mark      *markBody `json:"mark,omitempty"`
}

type mediaOut struct {
	Payload string `json:"payload"`
}

const twilioResponseDoneMark = "responseDone"

// TwilioCodec speaks the Twilio Media Streams websocket protocol. The
// conversation id is read from the "conversation_id" custom parameter.
type TwilioCodec struct{}

var _ FrameCodec = TwilioCodec{}

func (TwilioCodec) Decode(raw []byte) (Frame, error) {
	var in twilioInbound
	if err := sonic.Unmarshal(raw, &in); err != nil {
		return Frame{}, fmt.Errorf("decoding twilio frame: %w", err)
	}
	switch in.Event {
	case "start":
		if in.Start == nil {
			return Frame{}, errors.New("twilio start frame without start body")
		}
		streamID := in.Start.StreamSid
		if streamID == "" {
			streamID = in.StreamSid
		}
		return Frame{
			Tag:            FrameConnected,
			StreamID:       streamID,
			ConversationID: in.Start.CustomParameters["conversation_id"],
		}, nil
	case "media":
		if in.Media == nil {
			return Frame{}, errors.New("twilio media frame without media body")
		}
		f := Frame{Tag: FrameAudioData, StreamID: in.StreamSid, Payload: in.Media.Payload}
		if in.Media.Timestamp != "" {
			ts, err := strconv.ParseInt(in.Media.Timestamp, 10, 64)
			if err != nil {
				return Frame{}, fmt.Errorf("parsing media timestamp %q: %w", in.Media.Timestamp, err)
			}
			f.Timestamp, f.HasTimestamp = ts, true
		}
		return f, nil
	case "dtmf":
		if in.DTMF == nil {
			return Frame{}, errors.New("twilio dtmf frame without dtmf body")
		}
		return Frame{Tag: FrameDTMF, StreamID: in.StreamSid, Payload: in.DTMF.Digit}, nil
	case "stop":
		return Frame{Tag: FrameDisconnected, StreamID: in.StreamSid}, nil
	default:
		// "connected" handshakes and "mark" echoes land here.
		return Frame{}, fmt.Errorf("%w: %q", shared.ErrUnknownEventTag, in.Event)
	}
}

func (TwilioCodec) EncodeAudioDelta(streamID, delta string) ([]byte, error) {
	return sonic.Marshal(twilioOutbound{Event: "media", StreamSid: streamID, Media: &mediaOut{Payload: delta}})
}

func (TwilioCodec) EncodeMark(streamID, name string) ([]byte, error) {
	return sonic.Marshal(twilioOutbound{Event: "mark", StreamSid: streamID, Mark: &markBody{Name: name}})
}

func (c TwilioCodec) EncodeResponseDone(streamID string) ([]byte, error) {
	return c.EncodeMark(streamID, twilioResponseDoneMark)
}

// EncodeInterrupted asks Twilio to drop any buffered assistant audio.
func (TwilioCodec) EncodeInterrupted(streamID string) ([]byte, error) {
	return sonic.Marshal(twilioOutbound{Event: "clear", StreamSid: streamID})
}

// Hub-native JSON protocol.

const (
	NativeEventUserConnected    = "user_connected"
	NativeEventUserDataReceived = "user_data_received"
	NativeEventUserDTMFReceived = "user_dtmf_received"
	NativeEventUserDisconnected = "user_disconnected"
)

type nativeInbound struct {
	Event          string `json:"event"`
	ConversationID string `json:"conversation_id"`
	StreamID       string `json:"stream_id"`
	Data           string `json:"data"`
	Timestamp      *int64 `json:"timestamp"`
}

type nativeOutbound struct {
	Event    string    `json:"event"`
	StreamID string    `json:"streamId"`
	Data     string    `json:"data,omitempty"`
	Mark     *markBody `json:"mark,omitempty"`
}

// NativeCodec decodes the hub's own JSON frames. Audio is base64 µ-law at
// SampleRate; frames without a timestamp advance a running clock by the
// payload's duration, so one codec serves exactly one session.
type NativeCodec struct {
	SampleRate int

	elapsedMs int64
}

var _ FrameCodec = (*NativeCodec)(nil)

func NewNativeCodec(sampleRate int) *NativeCodec {
	if sampleRate <= 0 {
		sampleRate = 8000
	}
	return &NativeCodec{SampleRate: sampleRate}
}

func (c *NativeCodec) Decode(raw []byte) (Frame, error) {
	var in nativeInbound
	if err := sonic.Unmarshal(raw, &in); err != nil {
		return Frame{}, fmt.Errorf("decoding native frame: %w", err)
	}
	switch strings.TrimSpace(in.Event) {
	case NativeEventUserConnected:
		c.elapsedMs = 0
		return Frame{Tag: FrameConnected, ConversationID: in.ConversationID, StreamID: in.StreamID}, nil
	case NativeEventUserDataReceived:
		f := Frame{Tag: FrameAudioData, StreamID: in.StreamID, Payload: in.Data, HasTimestamp: true}
		if in.Timestamp != nil {
			c.elapsedMs = *in.Timestamp
			f.Timestamp = *in.Timestamp
			return f, nil
		}
		d, err := tools.PayloadDuration(in.Data, c.SampleRate, 1, 1)
		if err != nil {
			return Frame{}, fmt.Errorf("measuring audio payload: %w", err)
		}
		c.elapsedMs += d.Milliseconds()
		f.Timestamp = c.elapsedMs
		return f, nil
	case NativeEventUserDTMFReceived:
		return Frame{Tag: FrameDTMF, StreamID: in.StreamID, Payload: in.Data}, nil
	case NativeEventUserDisconnected:
		return Frame{Tag: FrameDisconnected, StreamID: in.StreamID}, nil
	default:
		return Frame{}, fmt.Errorf("%w: %q", shared.ErrUnknownEventTag, in.Event)
	}
}

func (c *NativeCodec) EncodeAudioDelta(streamID, delta string) ([]byte, error) {
	return sonic.Marshal(nativeOutbound{Event: "media", StreamID: streamID, Data: delta})
}

func (c *NativeCodec) EncodeMark(streamID, name string) ([]byte, error) {
	return sonic.Marshal(nativeOutbound{Event: "mark", StreamID: streamID, Mark: &markBody{Name: name}})
}

func (c *NativeCodec) EncodeResponseDone(streamID string) ([]byte, error) {
	return sonic.Marshal(nativeOutbound{Event: "response_done", StreamID: streamID})
}

func (c *NativeCodec) EncodeInterrupted(streamID string) ([]byte, error) {
	return sonic.Marshal(nativeOutbound{Event: "user_interrupted", StreamID: streamID})
}

// NewCodec picks a codec by name; "twilio" is the default.
func NewCodec(name string, sampleRate int) (FrameCodec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "twilio":
		return TwilioCodec{}, nil
	case "native":
		return NewNativeCodec(sampleRate), nil
	default:
		return nil, fmt.Errorf("unsupported frame codec %q", name)
	}
}
