// Package voiceagent normalizes raw realtime-AI provider WebSocket
// messages into typed domain events and dispatches them to registered
// handlers.
package voiceagent

import (
	"encoding/json"
	"time"
)

// EventType identifies one of the fixed voice agent event variants
type EventType string

const (
	EventUserStartedSpeaking EventType = "user_started_speaking"
	EventUserStoppedSpeaking EventType = "user_stopped_speaking"
	EventSpeechStarted       EventType = "speech_started"
	EventUtteranceEnd        EventType = "utterance_end"
	EventAgentThinking       EventType = "agent_thinking"
	EventAgentSpeaking       EventType = "agent_speaking"
	EventConversationStarted EventType = "conversation_started"
	EventFunctionCall        EventType = "function_call"
	EventError               EventType = "error"
	EventWarning             EventType = "warning"
	EventMetadata            EventType = "metadata"

	// Synthetic events emitted by the function-call dispatch path
	EventFunctionResult EventType = "function_result"
	EventFunctionError  EventType = "function_error"
)

// knownEventTypes is the set of wire-level types accepted by Dispatch
var knownEventTypes = map[EventType]bool{
	EventUserStartedSpeaking: true,
	EventUserStoppedSpeaking: true,
	EventSpeechStarted:       true,
	EventUtteranceEnd:        true,
	EventAgentThinking:       true,
	EventAgentSpeaking:       true,
	EventConversationStarted: true,
	EventFunctionCall:        true,
	EventError:               true,
	EventWarning:             true,
	EventMetadata:            true,
}

// Event is one typed voice agent event. Variant-specific fields are
// populated according to Type; Raw preserves the full wire message.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp int64     `json:"timestamp"` // milliseconds since epoch

	// conversation_started
	ConversationID string `json:"conversation_id,omitempty"`

	// utterance_end / agent_speaking
	Transcript string `json:"transcript,omitempty"`
	Role       string `json:"role,omitempty"`

	// function_call and its synthetic results
	CallID       string          `json:"call_id,omitempty"`
	FunctionName string          `json:"function_name,omitempty"`
	Arguments    json.RawMessage `json:"arguments,omitempty"`
	Result       interface{}     `json:"result,omitempty"`

	// error / warning
	Message string `json:"message,omitempty"`
	Code    string `json:"code,omitempty"`

	// metadata
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// parseEvent decodes a raw provider message into a typed Event. The
// message's "type" field selects the variant; unknown types return
// ok=false.
func parseEvent(raw []byte) (Event, bool, error) {
	var wire struct {
		Type           EventType              `json:"type"`
		Timestamp      int64                  `json:"timestamp"`
		ConversationID string                 `json:"conversation_id"`
		Transcript     string                 `json:"transcript"`
		Role           string                 `json:"role"`
		CallID         string                 `json:"call_id"`
		FunctionName   string                 `json:"function_name"`
		Arguments      json.RawMessage        `json:"arguments"`
		Message        string                 `json:"message"`
		Code           string                 `json:"code"`
		Metadata       map[string]interface{} `json:"metadata"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return Event{}, false, err
	}
	if !knownEventTypes[wire.Type] {
		return Event{Type: wire.Type}, false, nil
	}

	event := Event{
		Type:           wire.Type,
		Timestamp:      wire.Timestamp,
		ConversationID: wire.ConversationID,
		Transcript:     wire.Transcript,
		Role:           wire.Role,
		CallID:         wire.CallID,
		FunctionName:   wire.FunctionName,
		Arguments:      wire.Arguments,
		Message:        wire.Message,
		Code:           wire.Code,
		Metadata:       wire.Metadata,
		Raw:            append(json.RawMessage(nil), raw...),
	}
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}
	return event, true, nil
}
