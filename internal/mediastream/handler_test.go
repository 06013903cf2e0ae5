package mediastream

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m-check1B/telephony-core/pkg/logger"
)

func TestChunkBufferEvictsOldest(t *testing.T) {
	buffer := newChunkBuffer(3)
	for i := 1; i <= 5; i++ {
		buffer.Append(AudioChunk{SequenceNumber: i})
	}

	assert.Equal(t, 3, buffer.Len())
	snapshot := buffer.Snapshot()
	assert.Equal(t, 3, snapshot[0].SequenceNumber)
	assert.Equal(t, 5, snapshot[2].SequenceNumber)
}

func TestChunkBufferNeverExceedsCapacity(t *testing.T) {
	buffer := newChunkBuffer(DefaultBufferCapacity)
	for i := 1; i <= DefaultBufferCapacity+1; i++ {
		buffer.Append(AudioChunk{SequenceNumber: i})
	}

	assert.Equal(t, DefaultBufferCapacity, buffer.Len())
	snapshot := buffer.Snapshot()
	// The 101st append evicted chunk 1
	assert.Equal(t, 2, snapshot[0].SequenceNumber)
	assert.Equal(t, DefaultBufferCapacity+1, snapshot[len(snapshot)-1].SequenceNumber)
}

func TestChunkBufferDefaultCapacity(t *testing.T) {
	buffer := newChunkBuffer(0)
	assert.Equal(t, DefaultBufferCapacity, buffer.capacity)
}

func TestSendOnDisconnectedHandlerFails(t *testing.T) {
	handler := NewHandler(StreamConfig{SessionID: "s1"}, 0, logger.NewNop())

	assert.Error(t, handler.SendAudio([]byte("audio")))
	assert.Error(t, handler.SendDTMF("123"))
	assert.Error(t, handler.Clear())
	assert.Error(t, handler.SendMark("sync-1"))
	assert.Equal(t, StateDisconnected, handler.State())
}

func TestDisconnectIdempotentWhenNeverConnected(t *testing.T) {
	handler := NewHandler(StreamConfig{SessionID: "s1"}, 0, logger.NewNop())
	handler.Disconnect()
	handler.Disconnect()
}

// mediaFrame builds a vendor media frame carrying the given sequence number
func mediaFrame(seq int, payload string) string {
	return fmt.Sprintf(`{"event": "media", "media": {"track": "inbound", "chunk": "%d", "timestamp": "%d", "payload": "%s"}}`,
		seq, seq*20, base64.StdEncoding.EncodeToString([]byte(payload)))
}

// dialHandler runs the handler under an httptest server and returns the
// vendor-side connection.
func dialHandler(t *testing.T, handler *Handler) *websocket.Conn {
	t.Helper()
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		go handler.Serve(conn)
	}))
	t.Cleanup(server.Close)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// collect drains events until the channel closes or the timeout fires
func collect(events <-chan Event, timeout time.Duration) []Event {
	var out []Event
	deadline := time.After(timeout)
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, event)
		case <-deadline:
			return out
		}
	}
}

func TestHandlerLifecycle(t *testing.T) {
	handler := NewHandler(StreamConfig{SessionID: "s1", CallSID: "CA1"}, 10, logger.NewNop())
	conn := dialHandler(t, handler)

	frames := []string{
		`{"event": "connected", "protocol": "Call", "version": "1.0.0"}`,
		`{"event": "start", "start": {"streamSid": "MZ1", "accountSid": "AC1", "callSid": "CA1", "customParameters": {"lang": "en"}}}`,
		mediaFrame(1, "one"),
		mediaFrame(2, "two"),
		`{"event": "mark", "mark": {"name": "greeting-done"}}`,
		`{"event": "stop"}`,
	}
	for _, frame := range frames {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
	}

	events := collect(handler.Events(), 2*time.Second)
	var types []EventType
	for _, event := range events {
		types = append(types, event.Type)
	}
	assert.Equal(t, []EventType{EventStreamStarted, EventAudio, EventAudio, EventMark, EventStreamStopped}, types)

	assert.Equal(t, []byte("one"), events[1].Chunk.Payload)
	assert.Equal(t, 1, events[1].Chunk.SequenceNumber)
	assert.Equal(t, "inbound", events[1].Chunk.Track)
	assert.Equal(t, "greeting-done", events[3].Mark)

	// start frame metadata merged into the config
	cfg := handler.Config()
	assert.Equal(t, "MZ1", cfg.StreamSID)
	assert.Equal(t, "AC1", cfg.AccountSID)
	assert.Equal(t, "en", cfg.Params["lang"])

	// stop clears the buffer and resets state
	require.Eventually(t, func() bool {
		return handler.State() == StateDisconnected
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, handler.BufferedChunks())
}

func TestHandlerPacketLoss(t *testing.T) {
	handler := NewHandler(StreamConfig{SessionID: "s1"}, 10, logger.NewNop())
	conn := dialHandler(t, handler)

	frames := []string{
		`{"event": "start", "start": {"streamSid": "MZ1", "callSid": "CA1"}}`,
		mediaFrame(1, "one"),
		mediaFrame(2, "two"),
		mediaFrame(5, "five"), // 3 and 4 lost
		`{"event": "stop"}`,
	}
	for _, frame := range frames {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
	}

	events := collect(handler.Events(), 2*time.Second)
	var loss *Event
	audioCount := 0
	for i := range events {
		switch events[i].Type {
		case EventPacketLoss:
			loss = &events[i]
		case EventAudio:
			audioCount++
		}
	}

	require.NotNil(t, loss, "expected a packet-loss event")
	assert.Equal(t, 3, loss.ExpectedSeq)
	assert.Equal(t, 5, loss.ReceivedSeq)
	// The out-of-order chunk is still processed
	assert.Equal(t, 3, audioCount)
}

func TestHandlerUnparseableChunkSkipsSequenceTracking(t *testing.T) {
	handler := NewHandler(StreamConfig{SessionID: "s1"}, 10, logger.NewNop())
	conn := dialHandler(t, handler)

	payload := base64.StdEncoding.EncodeToString([]byte("audio"))
	frames := []string{
		`{"event": "start", "start": {"streamSid": "MZ1", "callSid": "CA1"}}`,
		mediaFrame(7, "seven"),
		// A missing chunk number must not count as sequence 0
		fmt.Sprintf(`{"event": "media", "media": {"track": "inbound", "payload": "%s"}}`, payload),
		mediaFrame(8, "eight"),
		`{"event": "stop"}`,
	}
	for _, frame := range frames {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
	}

	events := collect(handler.Events(), 2*time.Second)
	audioCount := 0
	for _, event := range events {
		switch event.Type {
		case EventPacketLoss:
			t.Errorf("spurious packet-loss event: expected %d, received %d",
				event.ExpectedSeq, event.ReceivedSeq)
		case EventAudio:
			audioCount++
		}
	}
	// The unnumbered chunk is still delivered
	assert.Equal(t, 3, audioCount)
}

func TestHandlerDropsMalformedFrames(t *testing.T) {
	handler := NewHandler(StreamConfig{SessionID: "s1"}, 10, logger.NewNop())
	conn := dialHandler(t, handler)

	frames := []string{
		`{"event": "start", "start": {"streamSid": "MZ1"}}`,
		`this is not json`,
		`{"event": "media", "media": {"chunk": "1", "payload": "!!!not-base64!!!"}}`,
		mediaFrame(1, "good"),
		`{"event": "stop"}`,
	}
	for _, frame := range frames {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
	}

	events := collect(handler.Events(), 2*time.Second)
	audioCount := 0
	for _, event := range events {
		if event.Type == EventAudio {
			audioCount++
		}
	}
	assert.Equal(t, 1, audioCount, "only the well-formed media frame is processed")
}

func TestHandlerSendAudio(t *testing.T) {
	handler := NewHandler(StreamConfig{SessionID: "s1"}, 10, logger.NewNop())
	conn := dialHandler(t, handler)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"event": "start", "start": {"streamSid": "MZ1", "callSid": "CA1"}}`)))

	require.Eventually(t, func() bool {
		return handler.State() == StateStreaming
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, handler.SendAudio([]byte("agent-audio")))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var frame struct {
		Event     string `json:"event"`
		StreamSID string `json:"streamSid"`
		Media     struct {
			Payload string `json:"payload"`
		} `json:"media"`
	}
	require.NoError(t, json.Unmarshal(data, &frame))
	assert.Equal(t, "media", frame.Event)
	assert.Equal(t, "MZ1", frame.StreamSID)

	decoded, err := base64.StdEncoding.DecodeString(frame.Media.Payload)
	require.NoError(t, err)
	assert.Equal(t, []byte("agent-audio"), decoded)
}
