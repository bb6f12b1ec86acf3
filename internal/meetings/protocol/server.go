package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ServerMessage is implemented only by the message types in this file.
type ServerMessage interface {
	MessageType() string
	serverMessage()
}

const (
	TypeParticipantJoined = "participant_joined"
	TypeParticipantLeft   = "participant_left"
	TypeChat              = "chat"
	TypeSuggestions       = "suggestions"
	TypeMeetingInfo       = "meeting_info"
	TypeParticipantsList  = "participants_list"
	TypeSessionEnded      = "session_ended"
	TypeTranscripts       = "transcripts"
	TypeError             = "error"
)

type ParticipantJoined struct {
	ParticipantID uuid.UUID `json:"participant_id"`
	Name          string    `json:"name"`
	Language      string    `json:"language"`
	Timestamp     time.Time `json:"timestamp"`
}

type ParticipantLeft struct {
	ParticipantID uuid.UUID `json:"participant_id"`
	Name          string    `json:"name"`
	Timestamp     time.Time `json:"timestamp"`
}

// Utterance is the shared shape of speech and chat broadcasts. Translations
// never contains the original language. Sequence is zero for chat that was
// not persisted.
type Utterance struct {
	ParticipantID    uuid.UUID         `json:"participant_id"`
	Name             string            `json:"name"`
	Sequence         int64             `json:"sequence,omitempty"`
	OriginalText     string            `json:"original_text"`
	OriginalLanguage string            `json:"original_language"`
	Translations     map[string]string `json:"translations"`
	Timestamp        time.Time         `json:"timestamp"`
	ClientTimestamp  string            `json:"client_timestamp,omitempty"`
}

type SpeechBroadcast struct {
	Utterance
}

type ChatBroadcast struct {
	Utterance
}

type Suggestions struct {
	Suggestions []string `json:"suggestions"`
}

type MeetingInfo struct {
	ID               uuid.UUID  `json:"id"`
	Title            string     `json:"title"`
	Status           string     `json:"status"`
	SourceLanguage   string     `json:"source_language"`
	TargetLanguage   string     `json:"target_language"`
	MeetingType      string     `json:"meeting_type"`
	ParticipantCount int        `json:"participant_count"`
	StartTime        *time.Time `json:"start_time,omitempty"`
	JoinToken        string     `json:"join_token"`
}

type ParticipantInfo struct {
	ID       uuid.UUID  `json:"id"`
	Name     string     `json:"name"`
	Language string     `json:"language"`
	IsGuest  bool       `json:"is_guest"`
	JoinedAt *time.Time `json:"joined_at,omitempty"`
}

type ParticipantsList struct {
	Participants []ParticipantInfo `json:"participants"`
}

type SessionEnded struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

type TranscriptEntry struct {
	Sequence         int64             `json:"sequence"`
	ParticipantID    uuid.UUID         `json:"participant_id"`
	Kind             string            `json:"kind"`
	OriginalText     string            `json:"original_text"`
	OriginalLanguage string            `json:"original_language"`
	Text             string            `json:"text,omitempty"`
	Translations     map[string]string `json:"translations"`
	Timestamp        time.Time         `json:"timestamp"`
}

type Transcripts struct {
	Language string            `json:"language,omitempty"`
	Segments []TranscriptEntry `json:"segments"`
}

// Error codes sent in Error.Code.
const (
	CodeNotFound      = "not_found"
	CodeInvalidState  = "invalid_state"
	CodeInvalidInput  = "invalid_input"
	CodeLimitExceeded = "limit_exceeded"
	CodeUnauthorized  = "unauthorized"
	CodeInternal      = "internal"
)

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (ParticipantJoined) MessageType() string { return TypeParticipantJoined }
func (ParticipantLeft) MessageType() string   { return TypeParticipantLeft }
func (SpeechBroadcast) MessageType() string   { return TypeSpeech }
func (ChatBroadcast) MessageType() string     { return TypeChat }
func (Suggestions) MessageType() string       { return TypeSuggestions }
func (MeetingInfo) MessageType() string       { return TypeMeetingInfo }
func (ParticipantsList) MessageType() string  { return TypeParticipantsList }
func (SessionEnded) MessageType() string      { return TypeSessionEnded }
func (Transcripts) MessageType() string       { return TypeTranscripts }
func (Error) MessageType() string             { return TypeError }

func (ParticipantJoined) serverMessage() {}
func (ParticipantLeft) serverMessage()   {}
func (SpeechBroadcast) serverMessage()   {}
func (ChatBroadcast) serverMessage()     {}
func (Suggestions) serverMessage()       {}
func (MeetingInfo) serverMessage()       {}
func (ParticipantsList) serverMessage()  {}
func (SessionEnded) serverMessage()      {}
func (Transcripts) serverMessage()       {}
func (Error) serverMessage()             {}

// Encode renders a server message as one text frame.
func Encode(msg ServerMessage) ([]byte, error) {
	return withType(msg.MessageType(), msg)
}

// DecodeServer parses a server frame; used by clients and tests.
func DecodeServer(data []byte) (ServerMessage, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	switch env.Type {
	case TypeParticipantJoined:
		return decodeAs[ParticipantJoined](data)
	case TypeParticipantLeft:
		return decodeAs[ParticipantLeft](data)
	case TypeSpeech:
		return decodeAs[SpeechBroadcast](data)
	case TypeChat:
		return decodeAs[ChatBroadcast](data)
	case TypeSuggestions:
		return decodeAs[Suggestions](data)
	case TypeMeetingInfo:
		return decodeAs[MeetingInfo](data)
	case TypeParticipantsList:
		return decodeAs[ParticipantsList](data)
	case TypeSessionEnded:
		return decodeAs[SessionEnded](data)
	case TypeTranscripts:
		return decodeAs[Transcripts](data)
	case TypeError:
		return decodeAs[Error](data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}

func decodeAs[T ServerMessage](data []byte) (ServerMessage, error) {
	var msg T
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return msg, nil
}
