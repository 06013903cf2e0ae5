// Package mediastream manages the per-call WebSocket connection carrying
// base64-encoded audio frames in both directions. Each Handler owns one
// connection's mutable state exclusively; concurrent calls get
// independent Handler instances.
package mediastream

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/m-check1B/telephony-core/pkg/logger"
)

// DefaultBufferCapacity bounds the audio chunk buffer; the oldest chunk
// is dropped when a consumer falls behind.
const DefaultBufferCapacity = 100

// State is the connection lifecycle state of a Handler
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnected    State = "connected" // socket open, stream not yet started
	StateStreaming    State = "streaming"
)

// EventType identifies a stream event
type EventType string

const (
	EventStreamStarted EventType = "stream-started"
	EventAudio         EventType = "audio"
	EventPacketLoss    EventType = "packet-loss"
	EventMark          EventType = "mark"
	EventStreamStopped EventType = "stream-stopped"
)

// Event is emitted by the Handler as vendor protocol frames arrive
type Event struct {
	Type  EventType
	Chunk *AudioChunk // set for audio events
	Mark  string      // set for mark events
	// Packet loss details
	ExpectedSeq int
	ReceivedSeq int
}

// StreamConfig holds the session identifiers for one media stream.
// Vendor-supplied start parameters are merged in, not replaced, when the
// start frame arrives.
type StreamConfig struct {
	SessionID  string
	CallSID    string
	StreamSID  string
	AccountSID string
	Params     map[string]string
}

// wire frame shapes (Twilio Media Streams dialect, shared by Telnyx TeXML streams)

type inboundFrame struct {
	Event string `json:"event"`
	Start *struct {
		StreamSID    string            `json:"streamSid"`
		AccountSID   string            `json:"accountSid"`
		CallSID      string            `json:"callSid"`
		CustomParams map[string]string `json:"customParameters"`
	} `json:"start,omitempty"`
	Media *struct {
		Track     string `json:"track"`
		Chunk     string `json:"chunk"`
		Timestamp string `json:"timestamp"`
		Payload   string `json:"payload"`
	} `json:"media,omitempty"`
	Mark *struct {
		Name string `json:"name"`
	} `json:"mark,omitempty"`
}

// Handler manages one call leg's media WebSocket
type Handler struct {
	config StreamConfig
	logger *logger.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	state   State
	buffer  *chunkBuffer
	lastSeq int
	seenSeq bool

	events chan Event
}

// NewHandler creates a media stream handler for one call leg
func NewHandler(config StreamConfig, bufferCapacity int, log *logger.Logger) *Handler {
	return &Handler{
		config: config,
		logger: log.Named("media-stream").With(logger.String("session_id", config.SessionID)),
		state:  StateDisconnected,
		buffer: newChunkBuffer(bufferCapacity),
		events: make(chan Event, 256),
	}
}

// Events returns the stream event channel. It is closed when the
// connection ends.
func (h *Handler) Events() <-chan Event {
	return h.events
}

// State returns the current connection state
func (h *Handler) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Config returns a copy of the current stream config
func (h *Handler) Config() StreamConfig {
	h.mu.Lock()
	defer h.mu.Unlock()
	cfg := h.config
	if h.config.Params != nil {
		cfg.Params = make(map[string]string, len(h.config.Params))
		for k, v := range h.config.Params {
			cfg.Params[k] = v
		}
	}
	return cfg
}

// BufferedChunks returns a snapshot of the recent-audio buffer
func (h *Handler) BufferedChunks() []AudioChunk {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.buffer.Snapshot()
}

// Serve attaches the WebSocket connection and pumps vendor protocol
// frames until the stream stops or the socket errors. It blocks; run it
// once per connection.
func (h *Handler) Serve(conn *websocket.Conn) {
	h.mu.Lock()
	if h.state != StateDisconnected {
		h.mu.Unlock()
		h.logger.Error("Serve called on a handler that is already connected")
		return
	}
	h.conn = conn
	h.state = StateConnected
	h.mu.Unlock()

	h.logger.Info("Media stream connected")
	defer h.teardown()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Error("Media stream read error", logger.Error(err))
			}
			return
		}

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			h.logger.Warn("Dropping unparseable media frame", logger.Error(err))
			continue
		}

		switch frame.Event {
		case "connected":
			// Protocol preamble, nothing to do
		case "start":
			h.handleStart(&frame)
		case "media":
			h.handleMedia(&frame)
		case "mark":
			h.handleMark(&frame)
		case "stop":
			h.handleStop()
			return
		default:
			h.logger.Debug("Ignoring unknown media frame", logger.String("event", frame.Event))
		}
	}
}

// handleStart merges vendor session metadata into the held config
func (h *Handler) handleStart(frame *inboundFrame) {
	h.mu.Lock()
	if frame.Start != nil {
		if frame.Start.StreamSID != "" {
			h.config.StreamSID = frame.Start.StreamSID
		}
		if frame.Start.CallSID != "" {
			h.config.CallSID = frame.Start.CallSID
		}
		if frame.Start.AccountSID != "" {
			h.config.AccountSID = frame.Start.AccountSID
		}
		if len(frame.Start.CustomParams) > 0 {
			if h.config.Params == nil {
				h.config.Params = make(map[string]string, len(frame.Start.CustomParams))
			}
			for k, v := range frame.Start.CustomParams {
				h.config.Params[k] = v
			}
		}
	}
	h.state = StateStreaming
	callSID := h.config.CallSID
	streamSID := h.config.StreamSID
	h.mu.Unlock()

	h.logger.Info("Media stream started",
		logger.String("call_sid", callSID),
		logger.String("stream_sid", streamSID))
	h.emit(Event{Type: EventStreamStarted})
}

// handleMedia decodes one audio frame, tracks sequence continuity and
// appends the chunk to the bounded buffer
func (h *Handler) handleMedia(frame *inboundFrame) {
	if frame.Media == nil || frame.Media.Payload == "" {
		return
	}

	payload, err := base64.StdEncoding.DecodeString(frame.Media.Payload)
	if err != nil {
		h.logger.Warn("Dropping media frame with invalid base64 payload", logger.Error(err))
		return
	}

	seq, seqErr := strconv.Atoi(frame.Media.Chunk)
	if seqErr != nil {
		h.logger.Warn("Media frame has no usable chunk sequence",
			logger.String("chunk", frame.Media.Chunk))
	}
	var timestamp int64
	if ts, err := strconv.ParseInt(frame.Media.Timestamp, 10, 64); err == nil {
		timestamp = ts
	} else {
		timestamp = time.Now().UnixMilli()
	}

	chunk := AudioChunk{
		Payload:        payload,
		Timestamp:      timestamp,
		SequenceNumber: seq,
		Track:          frame.Media.Track,
	}

	h.mu.Lock()
	// An unparseable sequence must not feed the gap detector: treating
	// it as 0 would fire a spurious loss event.
	if seqErr == nil {
		if h.seenSeq && seq != h.lastSeq+1 {
			expected := h.lastSeq + 1
			h.mu.Unlock()
			h.logger.Warn("Media stream packet loss detected",
				logger.Int("expected", expected),
				logger.Int("received", seq))
			h.emit(Event{Type: EventPacketLoss, ExpectedSeq: expected, ReceivedSeq: seq})
			h.mu.Lock()
		}
		h.lastSeq = seq
		h.seenSeq = true
	}
	h.buffer.Append(chunk)
	h.mu.Unlock()

	// The chunk is still processed even when it arrived out of order
	h.emit(Event{Type: EventAudio, Chunk: &chunk})
}

// handleMark passes the synchronization marker through to the consumer
func (h *Handler) handleMark(frame *inboundFrame) {
	name := ""
	if frame.Mark != nil {
		name = frame.Mark.Name
	}
	h.emit(Event{Type: EventMark, Mark: name})
}

// handleStop emits stream-stopped and clears all buffered state
func (h *Handler) handleStop() {
	h.logger.Info("Media stream stopped by vendor")
	h.emit(Event{Type: EventStreamStopped})
}

// SendAudio sends audio bytes to the vendor as a base64 media frame.
// It fails when the handler is not connected.
func (h *Handler) SendAudio(audio []byte) error {
	return h.writeFrame(map[string]interface{}{
		"event":     "media",
		"streamSid": h.streamSID(),
		"media": map[string]string{
			"payload": base64.StdEncoding.EncodeToString(audio),
		},
	})
}

// SendDTMF sends DTMF digits over the stream
func (h *Handler) SendDTMF(digits string) error {
	return h.writeFrame(map[string]interface{}{
		"event":     "dtmf",
		"streamSid": h.streamSID(),
		"dtmf": map[string]string{
			"digits": digits,
		},
	})
}

// Clear tells the vendor to discard any buffered outbound audio
func (h *Handler) Clear() error {
	return h.writeFrame(map[string]interface{}{
		"event":     "clear",
		"streamSid": h.streamSID(),
	})
}

// SendMark sends a synchronization marker; the vendor echoes it back
// once all audio queued before it has been played
func (h *Handler) SendMark(name string) error {
	return h.writeFrame(map[string]interface{}{
		"event":     "mark",
		"streamSid": h.streamSID(),
		"mark": map[string]string{
			"name": name,
		},
	})
}

// Disconnect sends the vendor stop frame if connected and closes the
// socket. Safe to call multiple times.
func (h *Handler) Disconnect() {
	h.mu.Lock()
	conn := h.conn
	connected := h.state != StateDisconnected
	h.mu.Unlock()

	if !connected || conn == nil {
		return
	}

	stop := map[string]interface{}{
		"event":     "stop",
		"streamSid": h.streamSID(),
	}
	if data, err := json.Marshal(stop); err == nil {
		h.mu.Lock()
		_ = conn.WriteMessage(websocket.TextMessage, data)
		h.mu.Unlock()
	}
	_ = conn.Close()
}

// writeFrame serializes a frame onto the socket, failing loudly when the
// handler is disconnected
func (h *Handler) writeFrame(frame map[string]interface{}) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state == StateDisconnected || h.conn == nil {
		return fmt.Errorf("media stream is not connected")
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to marshal media frame: %w", err)
	}
	if err := h.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to write media frame: %w", err)
	}
	return nil
}

func (h *Handler) streamSID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.config.StreamSID
}

// teardown clears all per-stream state once the read loop exits
func (h *Handler) teardown() {
	h.mu.Lock()
	if h.conn != nil {
		_ = h.conn.Close()
	}
	h.conn = nil
	h.state = StateDisconnected
	h.buffer.Clear()
	h.lastSeq = 0
	h.seenSeq = false
	h.mu.Unlock()

	close(h.events)
	h.logger.Info("Media stream disconnected")
}

// emit delivers an event without blocking the read loop; the oldest
// pending event is dropped when the consumer falls behind
func (h *Handler) emit(event Event) {
	select {
	case h.events <- event:
	default:
		select {
		case <-h.events:
		default:
		}
		select {
		case h.events <- event:
		default:
		}
	}
}
