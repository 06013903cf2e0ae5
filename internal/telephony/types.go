// Package telephony defines the provider-agnostic call-control contract
// and the canonical data model shared by the vendor adapters.
package telephony

import (
	"fmt"
	"io"
	"regexp"
	"strings"
)

// ProviderName identifies a telephony vendor
type ProviderName string

const (
	ProviderTwilio ProviderName = "twilio"
	ProviderTelnyx ProviderName = "telnyx"
)

// CallStatus is the canonical call state. Every vendor status vocabulary
// is mapped into this fixed five-state enum.
type CallStatus string

const (
	StatusInitiated CallStatus = "initiated"
	StatusRinging   CallStatus = "ringing"
	StatusAnswered  CallStatus = "answered"
	StatusCompleted CallStatus = "completed"
	StatusFailed    CallStatus = "failed"
)

// IsTerminal returns true if no further status updates are expected
func (s CallStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CallDirection indicates whether a call leg is inbound or outbound
type CallDirection string

const (
	DirectionInbound  CallDirection = "inbound"
	DirectionOutbound CallDirection = "outbound"
)

// Config contains everything a vendor adapter needs at construction time.
// It is immutable after construction and owned by the adapter built from it.
type Config struct {
	Provider          ProviderName
	AccountSID        string // Twilio account SID
	AuthToken         string // Twilio auth token (also HMAC key for signature checks)
	APIKey            string // Telnyx API key
	ConnectionID      string // Telnyx call-control connection ID
	PublicKey         string // Telnyx webhook signing secret
	DefaultCallerID   string // E.164 caller ID used when none is given
	WebhookURL        string // call-control webhook URL handed to the vendor
	StatusCallbackURL string // status-callback webhook URL
	CallbackMethod    string // "GET" or "POST"
	APIBaseURL        string // vendor API base override (empty = vendor default)
	RequestTimeoutSec int    // per-request timeout for vendor API calls
}

// OutboundCallInput describes a call to be placed. Consumed once by
// CreateCall and not retained.
type OutboundCallInput struct {
	From     string            // E.164
	To       string            // E.164
	Metadata map[string]string // appended to the webhook URL as query params
}

// IncomingCallData is the canonical shape of an inbound-call webhook
type IncomingCallData struct {
	CallSID    string        `json:"call_sid"`
	From       string        `json:"from"`
	To         string        `json:"to"`
	Direction  CallDirection `json:"direction"`
	Status     string        `json:"status"`
	AccountSID string        `json:"account_sid,omitempty"`
}

// CallStatusUpdate is the canonical shape of a status-callback webhook
type CallStatusUpdate struct {
	CallSID      string     `json:"call_sid"`
	Status       CallStatus `json:"status"`
	Duration     int        `json:"duration,omitempty"` // seconds, completed calls only
	RecordingURL string     `json:"recording_url,omitempty"`
	ErrorCode    string     `json:"error_code,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
}

// RecordingResult is the outcome of a recording fetch. Either URL alone
// is set (pre-signed), or Content carries the bytes and must be closed
// by the caller.
type RecordingResult struct {
	URL         string
	ContentType string
	Filename    string
	Content     io.ReadCloser
}

var e164Pattern = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)

// ValidE164 reports whether s is a plausible E.164 number
func ValidE164(s string) bool {
	return e164Pattern.MatchString(s)
}

// sipPattern matches sip: URIs accepted as transfer targets
var sipPattern = regexp.MustCompile(`^sips?:`)

// ValidTransferTarget accepts E.164 numbers and SIP URIs
func ValidTransferTarget(s string) bool {
	return ValidE164(s) || sipPattern.MatchString(s)
}

// MaskNumber masks a phone number for logging: the country code (up to
// three digits after the +) and the last four digits are kept, everything
// between is replaced with '*' of matching length. Short or non-numeric
// values are masked entirely.
func MaskNumber(number string) string {
	if number == "" {
		return ""
	}
	if !strings.HasPrefix(number, "+") || len(number) < 9 {
		return strings.Repeat("*", len(number))
	}
	prefixLen := 4 // '+' plus up to 3 country-code digits
	if len(number)-4 < prefixLen {
		prefixLen = len(number) - 4
	}
	prefix := number[:prefixLen]
	suffix := number[len(number)-4:]
	return prefix + strings.Repeat("*", len(number)-prefixLen-4) + suffix
}

// RequestTimeout returns the configured vendor API timeout in seconds,
// falling back to 30 when unset
func (c *Config) RequestTimeout() int {
	if c.RequestTimeoutSec > 0 {
		return c.RequestTimeoutSec
	}
	return 30
}

// Validate checks the parts of the config common to all providers
func (c *Config) Validate() error {
	switch c.Provider {
	case ProviderTwilio:
		if c.AccountSID == "" || c.AuthToken == "" {
			return fmt.Errorf("twilio provider requires account_sid and auth_token")
		}
	case ProviderTelnyx:
		if c.APIKey == "" {
			return fmt.Errorf("telnyx provider requires api_key")
		}
	default:
		return fmt.Errorf("unknown telephony provider: %q", c.Provider)
	}
	if c.DefaultCallerID != "" && !ValidE164(c.DefaultCallerID) {
		return fmt.Errorf("default_caller_id is not E.164: %s", MaskNumber(c.DefaultCallerID))
	}
	if c.CallbackMethod != "" && c.CallbackMethod != "GET" && c.CallbackMethod != "POST" {
		return fmt.Errorf("callback_method must be GET or POST, got %q", c.CallbackMethod)
	}
	return nil
}
