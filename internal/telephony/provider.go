package telephony

import (
	"context"
	"net/http"
	"net/url"
	"sort"
)

// Provider is the capability interface implemented once per vendor.
// All methods that reach the vendor API take a context and return a
// *Error on vendor failure; capabilities a vendor cannot serve return
// *NotSupportedError.
type Provider interface {
	// Name returns the vendor identifier ("twilio" or "telnyx")
	Name() ProviderName

	// VerifySignature recomputes the vendor webhook signature over the
	// raw body, request URL and headers and compares it to the supplied
	// signature header. It returns false (and logs) on any parse or
	// verification failure; it never panics.
	VerifySignature(rawBody []byte, headers http.Header, requestURL string) bool

	// CreateCall places an outbound call and returns the vendor call SID
	CreateCall(ctx context.Context, input OutboundCallInput) (string, error)

	// Hangup requests termination of the call. Hanging up a call that has
	// already ended is not an error.
	Hangup(ctx context.Context, callSID string) error

	// Whisper plays synthesized speech into the call via an in-call
	// control document, without creating a new call leg
	Whisper(ctx context.Context, callSID, text string) error

	// Transfer redirects the call to a new destination (E.164 or SIP URI)
	Transfer(ctx context.Context, callSID, target string) error

	// GetRecording returns the recording for a call, as a pre-signed URL
	// or a byte stream. Fails with code "no-recording" when none exists.
	GetRecording(ctx context.Context, callSID string) (*RecordingResult, error)
}

// BuildWebhookURL appends the call metadata to the configured webhook URL
// as query parameters, in sorted key order so the result is stable. The
// bare URL is returned when there is no metadata.
func BuildWebhookURL(base string, metadata map[string]string) (string, error) {
	if base == "" || len(metadata) == 0 {
		return base, nil
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", WrapError(err, "invalid webhook URL %q", base)
	}
	q := u.Query()
	keys := make([]string, 0, len(metadata))
	for k := range metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		q.Set(k, metadata[k])
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
