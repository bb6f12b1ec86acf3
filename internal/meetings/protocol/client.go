// Package protocol is the WebSocket wire format: a closed set of client and
// server messages, each a JSON object with a "type" discriminator.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownType is returned for a frame whose type is not in the protocol.
var ErrUnknownType = errors.New("unknown message type")

// ClientMessage is implemented only by the message types in this file.
type ClientMessage interface {
	clientMessage()
}

// Speech carries one audio chunk. AudioData is base64 on the wire.
type Speech struct {
	AudioData []byte `json:"audio_data"`
	Language  string `json:"language"`
	Timestamp string `json:"timestamp,omitempty"`
}

type ChatMessage struct {
	Message   string `json:"message"`
	Language  string `json:"language"`
	Timestamp string `json:"timestamp,omitempty"`
}

type RequestSuggestions struct {
	Context     string `json:"context"`
	Language    string `json:"language,omitempty"`
	MeetingType string `json:"meeting_type,omitempty"`
	UserRole    string `json:"user_role,omitempty"`
}

type RequestMeetingInfo struct{}

type RequestParticipants struct{}

// RequestTranscripts asks for the transcript so far, resolved into Language.
type RequestTranscripts struct {
	Language string `json:"language,omitempty"`
}

// EndSession asks to complete the meeting; only the owner or staff may.
type EndSession struct{}

func (Speech) clientMessage()              {}
func (ChatMessage) clientMessage()         {}
func (RequestSuggestions) clientMessage()  {}
func (RequestMeetingInfo) clientMessage()  {}
func (RequestParticipants) clientMessage() {}
func (RequestTranscripts) clientMessage()  {}
func (EndSession) clientMessage()          {}

const (
	TypeSpeech              = "speech"
	TypeChatMessage         = "chat_message"
	TypeRequestSuggestions  = "request_suggestions"
	TypeRequestMeetingInfo  = "request_meeting_info"
	TypeRequestParticipants = "request_participants"
	TypeRequestTranscripts  = "request_transcripts"
	TypeEndSession          = "end_session"
)

type envelope struct {
	Type string `json:"type"`
}

// DecodeClient parses one inbound frame.
func DecodeClient(data []byte) (ClientMessage, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}

	var msg ClientMessage
	switch env.Type {
	case TypeSpeech:
		msg = &Speech{}
	case TypeChatMessage:
		msg = &ChatMessage{}
	case TypeRequestSuggestions:
		msg = &RequestSuggestions{}
	case TypeRequestMeetingInfo:
		return RequestMeetingInfo{}, nil
	case TypeRequestParticipants:
		return RequestParticipants{}, nil
	case TypeRequestTranscripts:
		msg = &RequestTranscripts{}
	case TypeEndSession:
		return EndSession{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("malformed %s frame: %w", env.Type, err)
	}
	return deref(msg), nil
}

func deref(msg ClientMessage) ClientMessage {
	switch m := msg.(type) {
	case *Speech:
		return *m
	case *ChatMessage:
		return *m
	case *RequestSuggestions:
		return *m
	case *RequestTranscripts:
		return *m
	default:
		return msg
	}
}

// EncodeClient renders a client message; used by tools and tests that act
// as a client.
func EncodeClient(msg ClientMessage) ([]byte, error) {
	var typ string
	switch msg.(type) {
	case Speech:
		typ = TypeSpeech
	case ChatMessage:
		typ = TypeChatMessage
	case RequestSuggestions:
		typ = TypeRequestSuggestions
	case RequestMeetingInfo:
		typ = TypeRequestMeetingInfo
	case RequestParticipants:
		typ = TypeRequestParticipants
	case RequestTranscripts:
		typ = TypeRequestTranscripts
	case EndSession:
		typ = TypeEndSession
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownType, msg)
	}
	return withType(typ, msg)
}

// withType marshals v and prepends the discriminator.
func withType(typ string, v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	head, err := json.Marshal(envelope{Type: typ})
	if err != nil {
		return nil, err
	}
	if len(body) <= 2 {
		return head, nil
	}
	out := make([]byte, 0, len(head)+len(body))
	out = append(out, head[:len(head)-1]...)
	out = append(out, ',')
	return append(out, body[1:]...), nil
}
