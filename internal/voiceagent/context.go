package voiceagent

import (
	"sync"
	"time"
)

// TranscriptEntry is one finished utterance in the conversation log
type TranscriptEntry struct {
	Role       string    `json:"role"`
	Transcript string    `json:"transcript"`
	Timestamp  time.Time `json:"timestamp"`
}

// FunctionCallEntry records one function call requested by the agent
type FunctionCallEntry struct {
	CallID       string    `json:"call_id"`
	FunctionName string    `json:"function_name"`
	Arguments    string    `json:"arguments"`
	Timestamp    time.Time `json:"timestamp"`
}

// ConversationContext accumulates dispatched events into a running view
// of one conversation. It is owned by the caller and safe for use from
// the registry's concurrent handlers.
type ConversationContext struct {
	mu sync.Mutex

	ConversationID string
	StartedAt      time.Time
	LastActivity   time.Time
	TurnCount      int
	Messages       []TranscriptEntry
	FunctionCalls  []FunctionCallEntry
}

// NewConversationContext creates an empty accumulator
func NewConversationContext() *ConversationContext {
	return &ConversationContext{}
}

// fold applies one event to the accumulator
func (c *ConversationContext) fold(event Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.UnixMilli(event.Timestamp)
	c.LastActivity = now

	switch event.Type {
	case EventConversationStarted:
		c.ConversationID = event.ConversationID
		c.StartedAt = now
	case EventUtteranceEnd:
		c.Messages = append(c.Messages, TranscriptEntry{
			Role:       event.Role,
			Transcript: event.Transcript,
			Timestamp:  now,
		})
		c.TurnCount++
	case EventFunctionCall:
		c.FunctionCalls = append(c.FunctionCalls, FunctionCallEntry{
			CallID:       event.CallID,
			FunctionName: event.FunctionName,
			Arguments:    string(event.Arguments),
			Timestamp:    now,
		})
	}
}

// Snapshot returns a copy of the accumulated state
func (c *ConversationContext) Snapshot() ConversationContext {
	c.mu.Lock()
	defer c.mu.Unlock()

	snapshot := ConversationContext{
		ConversationID: c.ConversationID,
		StartedAt:      c.StartedAt,
		LastActivity:   c.LastActivity,
		TurnCount:      c.TurnCount,
		Messages:       make([]TranscriptEntry, len(c.Messages)),
		FunctionCalls:  make([]FunctionCallEntry, len(c.FunctionCalls)),
	}
	copy(snapshot.Messages, c.Messages)
	copy(snapshot.FunctionCalls, c.FunctionCalls)
	return snapshot
}
