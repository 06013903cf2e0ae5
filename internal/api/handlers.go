package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/m-check1B/telephony-core/internal/config"
	"github.com/m-check1B/telephony-core/internal/mediastream"
	"github.com/m-check1B/telephony-core/internal/storage/sqlite"
	"github.com/m-check1B/telephony-core/internal/telephony"
	"github.com/m-check1B/telephony-core/internal/webhook"
	"github.com/m-check1B/telephony-core/pkg/logger"
)

// StreamObserver is notified when a vendor media stream connects, before
// the read loop starts. Used to attach audio consumers to the stream.
type StreamObserver func(stream *mediastream.Handler)

// Handler contains the API handlers
type Handler struct {
	provider    telephony.Provider
	normalizer  *webhook.Normalizer
	callStorage *sqlite.CallStorage
	config      *config.Config
	logger      *logger.Logger
	upgrader    websocket.Upgrader

	streamObserver StreamObserver

	mu      sync.RWMutex
	streams map[string]*mediastream.Handler // active media streams by call SID
}

// NewHandler creates a new API handler
func NewHandler(provider telephony.Provider, normalizer *webhook.Normalizer, callStorage *sqlite.CallStorage, config *config.Config, logger *logger.Logger) *Handler {
	return &Handler{
		provider:    provider,
		normalizer:  normalizer,
		callStorage: callStorage,
		config:      config,
		logger:      logger.Named("api-handler"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The vendor connects from its media infrastructure, not a browser
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		streams: make(map[string]*mediastream.Handler),
	}
}

// SetStreamObserver registers the callback invoked for each new media stream
func (h *Handler) SetStreamObserver(observer StreamObserver) {
	h.streamObserver = observer
}

// GetStream returns the active media stream for a call, if any
func (h *Handler) GetStream(callSID string) (*mediastream.Handler, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	stream, ok := h.streams[callSID]
	return stream, ok
}

// requestProvider resolves the {provider} URL parameter and checks it
// against the configured adapter.
func (h *Handler) requestProvider(r *http.Request) (telephony.ProviderName, error) {
	name := telephony.ProviderName(chi.URLParam(r, "provider"))
	if name != telephony.ProviderTwilio && name != telephony.ProviderTelnyx {
		return "", fmt.Errorf("unknown provider %q", name)
	}
	if name != h.provider.Name() {
		return "", fmt.Errorf("provider %q is not configured (active: %s)", name, h.provider.Name())
	}
	return name, nil
}

// webhookURL reconstructs the absolute URL the vendor signed. The public
// base is used because the server usually sits behind a tunnel or proxy.
func (h *Handler) webhookURL(r *http.Request) string {
	url := h.config.Server.PublicBaseURL + r.URL.Path
	if r.URL.RawQuery != "" {
		url += "?" + r.URL.RawQuery
	}
	return url
}

// IncomingCall handles the vendor webhook for a new inbound call. The
// response body is the call-control document that bridges the call onto
// our media stream endpoint.
func (h *Handler) IncomingCall(w http.ResponseWriter, r *http.Request) {
	providerName, err := h.requestProvider(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.Error("Failed to read webhook body", logger.Error(err))
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	if !h.provider.VerifySignature(body, r.Header, h.webhookURL(r)) {
		h.logger.Warn("Rejected webhook with invalid signature",
			logger.String("provider", string(providerName)),
			logger.String("remote_addr", r.RemoteAddr))
		http.Error(w, "Invalid signature", http.StatusForbidden)
		return
	}

	call, err := h.normalizer.ParseIncomingCall(providerName, body)
	if err != nil {
		// The call leg is already up at the vendor. An error status would
		// leave the caller in dead air, so answer with a spoken apology
		// and hang up instead.
		h.logger.Error("Failed to parse incoming call webhook",
			logger.String("provider", string(providerName)),
			logger.Error(err))
		writeXML(w, http.StatusOK, webhook.HangupResponse(providerName, ""))
		return
	}

	h.logger.Info("Incoming call",
		logger.String("call_sid", call.CallSID),
		logger.String("from", telephony.MaskNumber(call.From)),
		logger.String("to", telephony.MaskNumber(call.To)))

	if _, err := h.callStorage.StoreCall(&sqlite.CallRecord{
		CallSID:   call.CallSID,
		Provider:  string(providerName),
		Direction: call.Direction,
		From:      call.From,
		To:        call.To,
		Status:    webhook.MapStatus(providerName, call.Status),
	}); err != nil {
		// Persistence is best effort here; the call itself must proceed.
		h.logger.Error("Failed to store incoming call",
			logger.String("call_sid", call.CallSID),
			logger.Error(err))
	}

	wsURL, err := webhook.MediaStreamURL(h.config.Server.PublicBaseURL, h.config.Media.StreamPath, call.CallSID)
	if err != nil {
		h.logger.Error("Failed to build media stream URL", logger.Error(err))
		writeXML(w, http.StatusOK, webhook.HangupResponse(providerName, ""))
		return
	}

	writeXML(w, http.StatusOK, webhook.StreamResponse(providerName, wsURL))
}

// CallStatus handles the vendor status-callback webhook
func (h *Handler) CallStatus(w http.ResponseWriter, r *http.Request) {
	providerName, err := h.requestProvider(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	if !h.provider.VerifySignature(body, r.Header, h.webhookURL(r)) {
		h.logger.Warn("Rejected status callback with invalid signature",
			logger.String("provider", string(providerName)),
			logger.String("remote_addr", r.RemoteAddr))
		http.Error(w, "Invalid signature", http.StatusForbidden)
		return
	}

	update, err := h.normalizer.ParseStatusUpdate(providerName, body)
	if err != nil {
		h.logger.Error("Failed to parse status callback",
			logger.String("provider", string(providerName)),
			logger.Error(err))
		WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to parse status callback"})
		return
	}

	h.logger.Info("Call status update",
		logger.String("call_sid", update.CallSID),
		logger.String("status", string(update.Status)),
		logger.Int("duration", update.Duration))

	if err := h.callStorage.UpdateCallStatus(update); err != nil {
		h.logger.Error("Failed to persist status update",
			logger.String("call_sid", update.CallSID),
			logger.Error(err))
		WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to persist status update"})
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{"received": true})
}

// MediaStream upgrades the vendor connection to a WebSocket and runs the
// media stream session until the stream stops or the socket drops.
func (h *Handler) MediaStream(w http.ResponseWriter, r *http.Request) {
	callSID := r.URL.Query().Get("callSid")
	if callSID == "" {
		http.Error(w, "Missing callSid parameter", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response
		h.logger.Error("Failed to upgrade media stream connection",
			logger.String("call_sid", callSID),
			logger.Error(err))
		return
	}

	stream := mediastream.NewHandler(mediastream.StreamConfig{
		CallSID: callSID,
	}, h.config.Media.BufferCapacity, h.logger)

	h.mu.Lock()
	h.streams[callSID] = stream
	h.mu.Unlock()

	if h.streamObserver != nil {
		h.streamObserver(stream)
	}

	h.logger.Info("Media stream connected",
		logger.String("call_sid", callSID),
		logger.String("remote_addr", r.RemoteAddr))

	stream.Serve(conn)

	h.mu.Lock()
	delete(h.streams, callSID)
	h.mu.Unlock()

	h.logger.Info("Media stream closed", logger.String("call_sid", callSID))
}

// CreateCall places an outbound call
func (h *Handler) CreateCall(w http.ResponseWriter, r *http.Request) {
	var req struct {
		From     string            `json:"from"`
		To       string            `json:"to"`
		Metadata map[string]string `json:"metadata"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	if req.From == "" {
		req.From = h.config.Telephony.DefaultCallerID
	}
	if !telephony.ValidE164(req.To) {
		http.Error(w, "Invalid 'to' number: must be E.164", http.StatusBadRequest)
		return
	}
	if !telephony.ValidE164(req.From) {
		http.Error(w, "Invalid 'from' number: must be E.164", http.StatusBadRequest)
		return
	}

	callSID, err := h.provider.CreateCall(r.Context(), telephony.OutboundCallInput{
		From:     req.From,
		To:       req.To,
		Metadata: req.Metadata,
	})
	if err != nil {
		h.logger.Error("Failed to create call",
			logger.String("to", telephony.MaskNumber(req.To)),
			logger.Error(err))
		http.Error(w, fmt.Sprintf("Failed to create call: %v", err), http.StatusBadGateway)
		return
	}

	if _, err := h.callStorage.StoreCall(&sqlite.CallRecord{
		CallSID:   callSID,
		Provider:  string(h.provider.Name()),
		Direction: telephony.DirectionOutbound,
		From:      req.From,
		To:        req.To,
		Status:    telephony.StatusInitiated,
	}); err != nil {
		h.logger.Error("Failed to store outbound call",
			logger.String("call_sid", callSID),
			logger.Error(err))
	}

	WriteJSON(w, http.StatusCreated, map[string]interface{}{
		"call_sid": callSID,
		"status":   telephony.StatusInitiated,
	})
}

// GetCalls returns recent call records, newest first
func (h *Handler) GetCalls(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	offset := 0
	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if parsed, err := strconv.Atoi(offsetStr); err == nil && parsed > 0 {
			offset = parsed
		}
	}

	calls, err := h.callStorage.GetCalls(limit, offset)
	if err != nil {
		h.logger.Error("Failed to list calls", logger.Error(err))
		http.Error(w, "Failed to list calls", http.StatusInternalServerError)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"count": len(calls),
		"calls": calls,
	})
}

// GetCall returns a single call record by SID
func (h *Handler) GetCall(w http.ResponseWriter, r *http.Request) {
	callSID := chi.URLParam(r, "sid")

	record, err := h.callStorage.GetCall(callSID)
	if err != nil {
		h.logger.Error("Failed to get call",
			logger.String("call_sid", callSID),
			logger.Error(err))
		http.Error(w, "Failed to get call", http.StatusInternalServerError)
		return
	}
	if record == nil {
		http.Error(w, "Call not found", http.StatusNotFound)
		return
	}

	WriteJSON(w, http.StatusOK, record)
}

// HangupCall terminates an active call
func (h *Handler) HangupCall(w http.ResponseWriter, r *http.Request) {
	callSID := chi.URLParam(r, "sid")

	if err := h.provider.Hangup(r.Context(), callSID); err != nil {
		h.logger.Error("Failed to hang up call",
			logger.String("call_sid", callSID),
			logger.Error(err))
		http.Error(w, fmt.Sprintf("Failed to hang up call: %v", err), http.StatusBadGateway)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

// WhisperCall speaks a message into an active call
func (h *Handler) WhisperCall(w http.ResponseWriter, r *http.Request) {
	callSID := chi.URLParam(r, "sid")

	var req struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Message == "" {
		http.Error(w, "Message is required", http.StatusBadRequest)
		return
	}

	if err := h.provider.Whisper(r.Context(), callSID, req.Message); err != nil {
		var notSupported *telephony.NotSupportedError
		if errors.As(err, &notSupported) {
			http.Error(w, err.Error(), http.StatusNotImplemented)
			return
		}
		h.logger.Error("Failed to whisper into call",
			logger.String("call_sid", callSID),
			logger.Error(err))
		http.Error(w, fmt.Sprintf("Failed to whisper: %v", err), http.StatusBadGateway)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

// TransferCall redirects an active call to a new destination
func (h *Handler) TransferCall(w http.ResponseWriter, r *http.Request) {
	callSID := chi.URLParam(r, "sid")

	var req struct {
		To string `json:"to"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if !telephony.ValidTransferTarget(req.To) {
		http.Error(w, "Invalid 'to': must be E.164 or a sip: URI", http.StatusBadRequest)
		return
	}

	if err := h.provider.Transfer(r.Context(), callSID, req.To); err != nil {
		h.logger.Error("Failed to transfer call",
			logger.String("call_sid", callSID),
			logger.String("to", telephony.MaskNumber(req.To)),
			logger.Error(err))
		http.Error(w, fmt.Sprintf("Failed to transfer call: %v", err), http.StatusBadGateway)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

// GetRecording streams the call recording to the client, or redirects to
// a pre-signed URL when the vendor provides one.
func (h *Handler) GetRecording(w http.ResponseWriter, r *http.Request) {
	callSID := chi.URLParam(r, "sid")

	recording, err := h.provider.GetRecording(r.Context(), callSID)
	if err != nil {
		var terr *telephony.Error
		if errors.As(err, &terr) && terr.Code == "no-recording" {
			http.Error(w, "No recording found for call", http.StatusNotFound)
			return
		}
		h.logger.Error("Failed to fetch recording",
			logger.String("call_sid", callSID),
			logger.Error(err))
		http.Error(w, fmt.Sprintf("Failed to fetch recording: %v", err), http.StatusBadGateway)
		return
	}

	if recording.Content == nil {
		http.Redirect(w, r, recording.URL, http.StatusFound)
		return
	}
	defer recording.Content.Close()

	w.Header().Set("Content-Type", recording.ContentType)
	if recording.Filename != "" {
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", recording.Filename))
	}
	if _, err := io.Copy(w, recording.Content); err != nil {
		h.logger.Warn("Recording stream interrupted",
			logger.String("call_sid", callSID),
			logger.Error(err))
	}
}

// GetHealth returns the health status of the API
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	activeStreams := len(h.streams)
	h.mu.RUnlock()

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"provider":       h.provider.Name(),
		"active_streams": activeStreams,
	})
}

// WriteJSON writes a JSON response
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// writeXML writes a call-control document response
func writeXML(w http.ResponseWriter, status int, document string) {
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(status)
	fmt.Fprint(w, document)
}
