package realtime

import (
	"errors"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	oairealtime "github.com/openai/openai-go/v3/realtime"
)

type EventType string

type ServerEventType EventType

type ClientEventType EventType

// Server event types the session reacts to. Aliases from older provider
// revisions are listed next to their current names.
const (
	ServerEventTypeError                              ServerEventType = "error"
	ServerEventTypeSessionCreated                     ServerEventType = "session.created"
	ServerEventTypeSessionUpdated                     ServerEventType = "session.updated"
	ServerEventTypeOutputAudioBufferStarted           ServerEventType = "output_audio_buffer.started"
	ServerEventTypeOutputAudioBufferSpeechStarted     ServerEventType = "output_audio_buffer.speech_started"
	ServerEventTypeOutputAudioBufferStopped           ServerEventType = "output_audio_buffer.stopped"
	ServerEventTypeOutputAudioBufferSpeechStopped     ServerEventType = "output_audio_buffer.speech_stopped"
	ServerEventTypeOutputAudioBufferCleared           ServerEventType = "output_audio_buffer.cleared"
	ServerEventTypeResponseOutputAudioDone            ServerEventType = "response.output_audio.done"
	ServerEventTypeResponseAudioDone                  ServerEventType = "response.audio.done"
	ServerEventTypeResponseOutputItemDone             ServerEventType = "response.output_item.done"
	ServerEventTypeResponseOutputAudioTranscriptDelta ServerEventType = "response.output_audio_transcript.delta"
	ServerEventTypeResponseAudioTranscriptDelta       ServerEventType = "response.audio_transcript.delta"
)

// Client event types
const (
	ClientEventTypeSessionUpdate  ClientEventType = "session.update"
	ClientEventTypeResponseCreate ClientEventType = "response.create"
)

// CloseMarker in an assistant transcript asks the host to close the assistant.
const CloseMarker = "[CLOSE_APP]"

// EventKind is the variant an inbound event is dispatched as.
type EventKind int

const (
	EventKindIgnored EventKind = iota
	EventKindSpeechStarted
	EventKindSpeechDone
	EventKindOutputItemDone
	EventKindTranscriptDelta
	EventKindError
)

// ServerEvent is an inbound data-channel message. Only the fields the session
// acts on are decoded.
type ServerEvent struct {
	EventId    string          `json:"event_id"`
	Type       ServerEventType `json:"type"`
	ResponseId string          `json:"response_id,omitempty"`
	ItemId     string          `json:"item_id,omitempty"`
	Delta      string          `json:"delta,omitempty"`
	Item       *OutputItem     `json:"item,omitempty"`
	Error      *EventError     `json:"error,omitempty"`
}

type OutputItem struct {
	Id        string `json:"id"`
	Type      string `json:"type"`
	Status    string `json:"status,omitempty"`
	Name      string `json:"name,omitempty"`
	CallId    string `json:"call_id,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type EventError struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	EventId string `json:"event_id,omitempty"`
	Param   any    `json:"param,omitempty"`
}

func ParseServerEvent(data []byte) (*ServerEvent, error) {
	e := new(ServerEvent)
	if err := sonic.Unmarshal(data, e); err != nil {
		return nil, err
	}
	if e.Type == "" {
		return nil, errors.New("missing type")
	}
	return e, nil
}

func (e *ServerEvent) Kind() EventKind {
	switch e.Type {
	case ServerEventTypeOutputAudioBufferStarted,
		ServerEventTypeOutputAudioBufferSpeechStarted:
		return EventKindSpeechStarted
	case ServerEventTypeOutputAudioBufferStopped,
		ServerEventTypeOutputAudioBufferSpeechStopped,
		ServerEventTypeOutputAudioBufferCleared,
		ServerEventTypeResponseOutputAudioDone,
		ServerEventTypeResponseAudioDone:
		return EventKindSpeechDone
	case ServerEventTypeResponseOutputItemDone:
		return EventKindOutputItemDone
	case ServerEventTypeResponseOutputAudioTranscriptDelta,
		ServerEventTypeResponseAudioTranscriptDelta:
		return EventKindTranscriptDelta
	case ServerEventTypeError:
		return EventKindError
	}
	return EventKindIgnored
}

// FunctionCall returns the completed function-call item carried by a
// response.output_item.done event, if any.
func (e *ServerEvent) FunctionCall() (*OutputItem, bool) {
	if e.Item == nil || e.Item.Type != "function_call" {
		return nil, false
	}
	return e.Item, true
}

// ClientEvent is an outbound data-channel message.
type ClientEvent struct {
	EventId string          `json:"event_id,omitempty"`
	Type    ClientEventType `json:"type"`
	Session *SessionConfig  `json:"session,omitempty"`
}

// SessionConfig is the session payload of a session.update event.
type SessionConfig struct {
	Instructions  string                                                `json:"instructions"`
	TurnDetection oairealtime.RealtimeAudioInputTurnDetectionUnionParam `json:"turn_detection"`
	Tools         oairealtime.RealtimeToolsConfigParam                  `json:"tools"`
}

func newEventId() string {
	return "evt_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:20]
}

// NewSessionUpdate configures the assistant: instructions, server-side voice
// activity detection and the generate_document tool.
func NewSessionUpdate(instructions string) *ClientEvent {
	return &ClientEvent{
		EventId: newEventId(),
		Type:    ClientEventTypeSessionUpdate,
		Session: &SessionConfig{
			Instructions: instructions,
			TurnDetection: oairealtime.RealtimeAudioInputTurnDetectionUnionParam{
				OfServerVad: &oairealtime.RealtimeAudioInputTurnDetectionServerVadParam{},
			},
			Tools: oairealtime.RealtimeToolsConfigParam{GenerateDocumentTool()},
		},
	}
}

// NewResponseCreate asks the assistant to speak.
func NewResponseCreate() *ClientEvent {
	return &ClientEvent{
		EventId: newEventId(),
		Type:    ClientEventTypeResponseCreate,
	}
}

func (e *ClientEvent) Marshal() ([]byte, error) {
	return sonic.Marshal(e)
}
