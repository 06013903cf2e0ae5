package voiceagent

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/m-check1B/telephony-core/pkg/logger"
)

// Client connects to a realtime voice-AI provider over WebSocket and
// pumps every inbound message into a Registry.
type Client struct {
	url      string
	headers  http.Header
	registry *Registry
	logger   *logger.Logger

	conn *websocket.Conn
}

// NewClient creates a realtime client for the given WebSocket URL.
// Authentication headers (e.g. a Bearer token) are passed through to the
// handshake.
func NewClient(url string, headers http.Header, registry *Registry, log *logger.Logger) *Client {
	return &Client{
		url:      url,
		headers:  headers,
		registry: registry,
		logger:   log.Named("realtime-client"),
	}
}

// Connect dials the provider with retry logic
func (c *Client) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: 45 * time.Second,
	}

	maxRetries := 3
	retryInterval := 2 * time.Second

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		c.logger.Debug("Connecting to realtime provider",
			logger.String("url", c.url),
			logger.Int("attempt", attempt+1))

		conn, resp, err := dialer.DialContext(ctx, c.url, c.headers)
		if err == nil {
			c.logger.Info("Connected to realtime provider", logger.String("status", resp.Status))
			c.conn = conn
			return nil
		}
		lastErr = err
		c.logger.Error("Failed to connect to realtime provider",
			logger.Int("attempt", attempt+1),
			logger.Error(err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
		}
	}
	return fmt.Errorf("failed to connect after %d attempts: %w", maxRetries, lastErr)
}

// Run reads inbound messages and dispatches them until the context is
// cancelled or the connection drops
func (c *Client) Run(ctx context.Context) error {
	if c.conn == nil {
		return fmt.Errorf("client is not connected")
	}
	defer c.conn.Close()

	// The watcher must not outlive the read loop when the connection
	// drops on its own.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = c.conn.Close()
		case <-done:
		}
	}()

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return fmt.Errorf("realtime connection failed: %w", err)
			}
			return nil
		}
		c.registry.Dispatch(message)
	}
}

// Send writes a raw message to the provider
func (c *Client) Send(message []byte) error {
	if c.conn == nil {
		return fmt.Errorf("client is not connected")
	}
	return c.conn.WriteMessage(websocket.TextMessage, message)
}

// Close closes the connection
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}
