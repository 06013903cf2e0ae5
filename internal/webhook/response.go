package webhook

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"net/url"
	"strings"

	"github.com/m-check1B/telephony-core/internal/telephony"
)

// MediaStreamURL derives the WebSocket URL the vendor's media
// infrastructure should connect back to: the HTTP base has its scheme
// rewritten (http→ws, https→wss) and the call SID appended as a query
// parameter.
func MediaStreamURL(httpBase, path, callSID string) (string, error) {
	base := strings.TrimRight(httpBase, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	case strings.HasPrefix(base, "wss://"), strings.HasPrefix(base, "ws://"):
		// Already a websocket URL
	default:
		return "", fmt.Errorf("media stream base URL has no usable scheme: %q", httpBase)
	}
	return fmt.Sprintf("%s%s?callSid=%s", base, path, url.QueryEscape(callSID)), nil
}

// StreamResponse renders the vendor control document that tells the
// vendor to open a bidirectional media stream to wsURL. The URL is
// escaped for XML safety.
func StreamResponse(provider telephony.ProviderName, wsURL string) string {
	escaped := xmlEscape(wsURL)
	switch provider {
	case telephony.ProviderTelnyx:
		// TeXML mirrors the TwiML verbs
		return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<Response>
    <Connect>
        <Stream url="%s" bidirectionalMode="rtp"/>
    </Connect>
</Response>`, escaped)
	default:
		return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<Response>
    <Connect>
        <Stream url="%s"/>
    </Connect>
</Response>`, escaped)
	}
}

// HangupResponse renders an apologize-and-hang-up document. It is the
// fallback reply for any webhook the normalizer cannot parse: the
// endpoint must always return a valid control document or the call
// fails ungracefully at the vendor.
func HangupResponse(provider telephony.ProviderName, message string) string {
	if message == "" {
		message = "We are sorry, an application error has occurred. Goodbye."
	}
	// TwiML and TeXML share the Say and Hangup verbs
	_ = provider
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<Response>
    <Say>%s</Say>
    <Hangup/>
</Response>`, xmlEscape(message))
}

// xmlEscape escapes text for embedding in a control document
func xmlEscape(s string) string {
	var buf bytes.Buffer
	if err := xml.EscapeText(&buf, []byte(s)); err != nil {
		return ""
	}
	return buf.String()
}
