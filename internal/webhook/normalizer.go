// Package webhook normalizes vendor-specific webhook payloads into the
// canonical call event model and renders the call-control documents the
// vendors expect in response.
package webhook

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/m-check1B/telephony-core/internal/telephony"
	"github.com/m-check1B/telephony-core/pkg/logger"
)

// Normalizer parses vendor webhook bodies into canonical events
type Normalizer struct {
	logger *logger.Logger
}

// NewNormalizer creates a webhook normalizer
func NewNormalizer(log *logger.Logger) *Normalizer {
	return &Normalizer{logger: log.Named("webhook")}
}

// twilioStatusMap maps Twilio call statuses to the canonical enum
var twilioStatusMap = map[string]telephony.CallStatus{
	"queued":      telephony.StatusInitiated,
	"initiated":   telephony.StatusInitiated,
	"ringing":     telephony.StatusRinging,
	"in-progress": telephony.StatusAnswered,
	"answered":    telephony.StatusAnswered,
	"completed":   telephony.StatusCompleted,
	"busy":        telephony.StatusFailed,
	"no-answer":   telephony.StatusFailed,
	"canceled":    telephony.StatusFailed,
	"failed":      telephony.StatusFailed,
}

// telnyxStatusMap maps Telnyx call states to the canonical enum
var telnyxStatusMap = map[string]telephony.CallStatus{
	"call.initiated": telephony.StatusInitiated,
	"initiated":      telephony.StatusInitiated,
	"call.ringing":   telephony.StatusRinging,
	"ringing":        telephony.StatusRinging,
	"call.answered":  telephony.StatusAnswered,
	"answered":       telephony.StatusAnswered,
	"bridging":       telephony.StatusAnswered,
	"call.hangup":    telephony.StatusCompleted,
	"hangup":         telephony.StatusCompleted,
	"completed":      telephony.StatusCompleted,
	"failed":         telephony.StatusFailed,
	"call.failed":    telephony.StatusFailed,
	"machine":        telephony.StatusFailed,
}

// MapTwilioStatus maps a Twilio status string to the canonical enum.
// Unmapped statuses map to failed.
func MapTwilioStatus(status string) telephony.CallStatus {
	if mapped, ok := twilioStatusMap[strings.ToLower(status)]; ok {
		return mapped
	}
	return telephony.StatusFailed
}

// MapTelnyxStatus maps a Telnyx state string to the canonical enum.
// Unmapped states map to failed.
func MapTelnyxStatus(state string) telephony.CallStatus {
	if mapped, ok := telnyxStatusMap[strings.ToLower(state)]; ok {
		return mapped
	}
	return telephony.StatusFailed
}

// MapStatus maps a vendor status string through the provider's table
func MapStatus(provider telephony.ProviderName, status string) telephony.CallStatus {
	if provider == telephony.ProviderTelnyx {
		return MapTelnyxStatus(status)
	}
	return MapTwilioStatus(status)
}

// telnyxEnvelope is the wire shape of a Telnyx v2 webhook
type telnyxEnvelope struct {
	Data struct {
		EventType string `json:"event_type"`
		Payload   struct {
			CallControlID string `json:"call_control_id"`
			From          string `json:"from"`
			To            string `json:"to"`
			Direction     string `json:"direction"`
			State         string `json:"state"`
			HangupCause   string `json:"hangup_cause"`
			RecordingURLs struct {
				MP3 string `json:"mp3"`
				WAV string `json:"wav"`
			} `json:"recording_urls"`
			CallDurationSecs int `json:"call_duration_secs"`
		} `json:"payload"`
	} `json:"data"`
}

// ParseIncomingCall parses an inbound-call webhook body into the
// canonical IncomingCallData shape
func (n *Normalizer) ParseIncomingCall(provider telephony.ProviderName, body []byte) (*telephony.IncomingCallData, error) {
	switch provider {
	case telephony.ProviderTwilio:
		return n.parseTwilioIncoming(body)
	case telephony.ProviderTelnyx:
		return n.parseTelnyxIncoming(body)
	default:
		return nil, fmt.Errorf("unknown provider: %q", provider)
	}
}

func (n *Normalizer) parseTwilioIncoming(body []byte) (*telephony.IncomingCallData, error) {
	params, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse twilio webhook form: %w", err)
	}
	callSID := params.Get("CallSid")
	if callSID == "" {
		return nil, fmt.Errorf("twilio webhook is missing CallSid")
	}

	direction := telephony.DirectionInbound
	if strings.HasPrefix(params.Get("Direction"), "outbound") {
		direction = telephony.DirectionOutbound
	}

	data := &telephony.IncomingCallData{
		CallSID:    callSID,
		From:       params.Get("From"),
		To:         params.Get("To"),
		Direction:  direction,
		Status:     params.Get("CallStatus"),
		AccountSID: params.Get("AccountSid"),
	}

	n.logger.Info("Incoming call webhook",
		logger.String("provider", "twilio"),
		logger.String("call_sid", data.CallSID),
		logger.String("from", telephony.MaskNumber(data.From)),
		logger.String("to", telephony.MaskNumber(data.To)),
		logger.String("status", data.Status))
	return data, nil
}

func (n *Normalizer) parseTelnyxIncoming(body []byte) (*telephony.IncomingCallData, error) {
	var env telnyxEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("failed to parse telnyx webhook JSON: %w", err)
	}
	payload := env.Data.Payload
	if payload.CallControlID == "" {
		return nil, fmt.Errorf("telnyx webhook is missing data.payload.call_control_id")
	}

	direction := telephony.DirectionInbound
	if strings.HasPrefix(payload.Direction, "outgoing") || strings.HasPrefix(payload.Direction, "outbound") {
		direction = telephony.DirectionOutbound
	}

	data := &telephony.IncomingCallData{
		CallSID:   payload.CallControlID,
		From:      payload.From,
		To:        payload.To,
		Direction: direction,
		Status:    payload.State,
	}

	n.logger.Info("Incoming call webhook",
		logger.String("provider", "telnyx"),
		logger.String("call_sid", data.CallSID),
		logger.String("from", telephony.MaskNumber(data.From)),
		logger.String("to", telephony.MaskNumber(data.To)),
		logger.String("status", data.Status))
	return data, nil
}

// ParseStatusUpdate parses a status-callback webhook body into the
// canonical CallStatusUpdate shape
func (n *Normalizer) ParseStatusUpdate(provider telephony.ProviderName, body []byte) (*telephony.CallStatusUpdate, error) {
	switch provider {
	case telephony.ProviderTwilio:
		return n.parseTwilioStatus(body)
	case telephony.ProviderTelnyx:
		return n.parseTelnyxStatus(body)
	default:
		return nil, fmt.Errorf("unknown provider: %q", provider)
	}
}

func (n *Normalizer) parseTwilioStatus(body []byte) (*telephony.CallStatusUpdate, error) {
	params, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse twilio status callback: %w", err)
	}
	callSID := params.Get("CallSid")
	if callSID == "" {
		return nil, fmt.Errorf("twilio status callback is missing CallSid")
	}

	update := &telephony.CallStatusUpdate{
		CallSID:      callSID,
		Status:       MapTwilioStatus(params.Get("CallStatus")),
		RecordingURL: params.Get("RecordingUrl"),
		ErrorCode:    params.Get("ErrorCode"),
		ErrorMessage: params.Get("ErrorMessage"),
	}
	if d := params.Get("CallDuration"); d != "" {
		if secs, err := strconv.Atoi(d); err == nil {
			update.Duration = secs
		}
	}

	n.logger.Debug("Status callback",
		logger.String("provider", "twilio"),
		logger.String("call_sid", update.CallSID),
		logger.String("status", string(update.Status)))
	return update, nil
}

func (n *Normalizer) parseTelnyxStatus(body []byte) (*telephony.CallStatusUpdate, error) {
	var env telnyxEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("failed to parse telnyx status callback: %w", err)
	}
	payload := env.Data.Payload
	if payload.CallControlID == "" {
		return nil, fmt.Errorf("telnyx status callback is missing data.payload.call_control_id")
	}

	// Event type carries the state transition for hangup/answer events;
	// fall back to the payload state field.
	state := env.Data.EventType
	if state == "" {
		state = payload.State
	}

	update := &telephony.CallStatusUpdate{
		CallSID:      payload.CallControlID,
		Status:       MapTelnyxStatus(state),
		Duration:     payload.CallDurationSecs,
		ErrorMessage: payload.HangupCause,
	}
	if payload.RecordingURLs.MP3 != "" {
		update.RecordingURL = payload.RecordingURLs.MP3
	} else if payload.RecordingURLs.WAV != "" {
		update.RecordingURL = payload.RecordingURLs.WAV
	}

	n.logger.Debug("Status callback",
		logger.String("provider", "telnyx"),
		logger.String("call_sid", update.CallSID),
		logger.String("status", string(update.Status)))
	return update, nil
}
