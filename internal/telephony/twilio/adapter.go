// Package twilio implements the telephony.Provider contract against the
// Twilio REST API (2010-04-01).
package twilio

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/m-check1B/telephony-core/internal/telephony"
	"github.com/m-check1B/telephony-core/pkg/logger"
)

// Verify interface compliance at compile time.
var _ telephony.Provider = (*Adapter)(nil)

const defaultBaseURL = "https://api.twilio.com/2010-04-01"

// Twilio error code for a call resource that no longer exists
const codeCallNotFound = 20404

// Adapter implements telephony.Provider using Twilio
type Adapter struct {
	cfg        telephony.Config
	baseURL    string
	httpClient *http.Client
	logger     *logger.Logger
}

// New creates a Twilio adapter from the given config
func New(cfg telephony.Config, log *logger.Logger) (*Adapter, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("twilio adapter requires account SID and auth token")
	}

	base := strings.TrimRight(cfg.APIBaseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}

	return &Adapter{
		cfg:     cfg,
		baseURL: base,
		logger:  log.Named("twilio"),
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.RequestTimeout()) * time.Second,
		},
	}, nil
}

// Name returns the provider name
func (a *Adapter) Name() telephony.ProviderName {
	return telephony.ProviderTwilio
}

// VerifySignature checks the X-Twilio-Signature header: base64 of
// HMAC-SHA1 over the full request URL followed by the sorted POST
// parameters, keyed with the account auth token.
func (a *Adapter) VerifySignature(rawBody []byte, headers http.Header, requestURL string) bool {
	provided := headers.Get("X-Twilio-Signature")
	if provided == "" {
		a.logger.Warn("Webhook request is missing X-Twilio-Signature header")
		return false
	}

	params, err := url.ParseQuery(string(rawBody))
	if err != nil {
		a.logger.Warn("Failed to parse webhook body for signature check", logger.Error(err))
		return false
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var data strings.Builder
	data.WriteString(requestURL)
	for _, k := range keys {
		for _, v := range params[k] {
			data.WriteString(k)
			data.WriteString(v)
		}
	}

	mac := hmac.New(sha1.New, []byte(a.cfg.AuthToken))
	mac.Write([]byte(data.String()))
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	providedRaw, err := base64.StdEncoding.DecodeString(provided)
	if err != nil {
		a.logger.Warn("X-Twilio-Signature header is not valid base64", logger.Error(err))
		return false
	}

	if !hmac.Equal(providedRaw, mac.Sum(nil)) {
		a.logger.Warn("Webhook signature mismatch",
			logger.String("url", requestURL),
			logger.String("expected", expected))
		return false
	}
	return true
}

// CreateCall places an outbound call via the Calls resource
func (a *Adapter) CreateCall(ctx context.Context, input telephony.OutboundCallInput) (string, error) {
	from := input.From
	if from == "" {
		from = a.cfg.DefaultCallerID
	}
	if !telephony.ValidE164(from) {
		return "", telephony.NewError("", "from number is not E.164: %s", telephony.MaskNumber(from))
	}
	if !telephony.ValidE164(input.To) {
		return "", telephony.NewError("", "to number is not E.164: %s", telephony.MaskNumber(input.To))
	}

	webhookURL, err := telephony.BuildWebhookURL(a.cfg.WebhookURL, input.Metadata)
	if err != nil {
		return "", err
	}

	a.logger.Info("Creating outbound call",
		logger.String("from", telephony.MaskNumber(from)),
		logger.String("to", telephony.MaskNumber(input.To)),
		logger.String("webhook_url", webhookURL))

	data := url.Values{}
	data.Set("From", from)
	data.Set("To", input.To)
	data.Set("Url", webhookURL)
	if a.cfg.CallbackMethod != "" {
		data.Set("Method", a.cfg.CallbackMethod)
	}
	if a.cfg.StatusCallbackURL != "" {
		data.Set("StatusCallback", a.cfg.StatusCallbackURL)
		for _, event := range []string{"initiated", "ringing", "answered", "completed"} {
			data.Add("StatusCallbackEvent", event)
		}
	}
	data.Set("MachineDetection", "Enable")

	var call struct {
		SID    string `json:"sid"`
		Status string `json:"status"`
	}
	endpoint := fmt.Sprintf("%s/Accounts/%s/Calls.json", a.baseURL, a.cfg.AccountSID)
	if err := a.post(ctx, endpoint, data, &call); err != nil {
		return "", err
	}

	a.logger.Info("Outbound call created",
		logger.String("call_sid", call.SID),
		logger.String("status", call.Status))
	return call.SID, nil
}

// Hangup terminates a call by setting its status to completed. A call
// that has already ended (Twilio code 20404) is not an error.
func (a *Adapter) Hangup(ctx context.Context, callSID string) error {
	data := url.Values{}
	data.Set("Status", "completed")

	endpoint := fmt.Sprintf("%s/Accounts/%s/Calls/%s.json", a.baseURL, a.cfg.AccountSID, url.PathEscape(callSID))
	err := a.post(ctx, endpoint, data, nil)
	if err != nil {
		var terr *telephony.Error
		if errors.As(err, &terr) && terr.Code == fmt.Sprintf("%d", codeCallNotFound) {
			a.logger.Debug("Hangup on unknown or ended call", logger.String("call_sid", callSID))
			return nil
		}
		return err
	}
	return nil
}

// Whisper plays synthesized speech into the call via an in-call TwiML
// update. Updating an in-progress call replaces its TwiML wholesale,
// which tears down the active media stream, so the document redirects
// back to the call-control webhook after the <Say>: the vendor
// re-fetches the stream document and media resumes.
func (a *Adapter) Whisper(ctx context.Context, callSID, text string) error {
	resume := `<Pause length="60"/>`
	if a.cfg.WebhookURL != "" {
		method := a.cfg.CallbackMethod
		if method == "" {
			method = "POST"
		}
		resume = fmt.Sprintf(`<Redirect method="%s">%s</Redirect>`, method, xmlEscape(a.cfg.WebhookURL))
	}
	twiml := fmt.Sprintf(
		`<?xml version="1.0" encoding="UTF-8"?><Response><Say>%s</Say>%s</Response>`,
		xmlEscape(text), resume)
	return a.updateCallTwiml(ctx, callSID, twiml)
}

// Transfer redirects the call to a new destination via an in-call <Dial>
func (a *Adapter) Transfer(ctx context.Context, callSID, target string) error {
	if !telephony.ValidTransferTarget(target) {
		return telephony.NewError("", "transfer target is neither E.164 nor SIP URI")
	}
	var dial string
	if strings.HasPrefix(target, "sip") {
		dial = fmt.Sprintf(`<Dial><Sip>%s</Sip></Dial>`, xmlEscape(target))
	} else {
		dial = fmt.Sprintf(`<Dial><Number>%s</Number></Dial>`, xmlEscape(target))
	}
	twiml := fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?><Response>%s</Response>`, dial)

	a.logger.Info("Transferring call",
		logger.String("call_sid", callSID),
		logger.String("target", telephony.MaskNumber(target)))
	return a.updateCallTwiml(ctx, callSID, twiml)
}

// GetRecording returns the newest recording for a call as an
// authenticated byte stream plus its media URL
func (a *Adapter) GetRecording(ctx context.Context, callSID string) (*telephony.RecordingResult, error) {
	endpoint := fmt.Sprintf("%s/Accounts/%s/Calls/%s/Recordings.json",
		a.baseURL, a.cfg.AccountSID, url.PathEscape(callSID))

	var list struct {
		Recordings []struct {
			SID         string `json:"sid"`
			DateCreated string `json:"date_created"`
		} `json:"recordings"`
	}
	if err := a.get(ctx, endpoint, &list); err != nil {
		return nil, err
	}
	if len(list.Recordings) == 0 {
		return nil, telephony.NewError("no-recording", "no recording exists for call %s", callSID)
	}

	// Twilio returns recordings newest first
	recordingSID := list.Recordings[0].SID
	mediaURL := fmt.Sprintf("%s/Accounts/%s/Recordings/%s.mp3", a.baseURL, a.cfg.AccountSID, recordingSID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return nil, telephony.WrapError(err, "failed to create recording request")
	}
	req.SetBasicAuth(a.cfg.AccountSID, a.cfg.AuthToken)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, telephony.WrapError(err, "failed to fetch recording %s", recordingSID)
	}
	if resp.StatusCode >= 400 {
		resp.Body.Close()
		return nil, telephony.NewError(fmt.Sprintf("%d", resp.StatusCode),
			"recording fetch failed for %s", recordingSID)
	}

	return &telephony.RecordingResult{
		URL:         mediaURL,
		ContentType: resp.Header.Get("Content-Type"),
		Filename:    recordingSID + ".mp3",
		Content:     resp.Body,
	}, nil
}

// updateCallTwiml posts inline TwiML to an in-progress call
func (a *Adapter) updateCallTwiml(ctx context.Context, callSID, twiml string) error {
	data := url.Values{}
	data.Set("Twiml", twiml)
	endpoint := fmt.Sprintf("%s/Accounts/%s/Calls/%s.json", a.baseURL, a.cfg.AccountSID, url.PathEscape(callSID))
	return a.post(ctx, endpoint, data, nil)
}

// apiError is the Twilio REST error body
type apiError struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	MoreInfo string `json:"more_info"`
	Status   int    `json:"status"`
}

// get performs an authenticated GET request
func (a *Adapter) get(ctx context.Context, endpoint string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return telephony.WrapError(err, "failed to create request")
	}
	return a.do(req, result)
}

// post performs an authenticated form POST request
func (a *Adapter) post(ctx context.Context, endpoint string, data url.Values, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return telephony.WrapError(err, "failed to create request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return a.do(req, result)
}

// do executes a request with BasicAuth and maps error responses to
// telephony.Error carrying the Twilio error code
func (a *Adapter) do(req *http.Request, result interface{}) error {
	req.SetBasicAuth(a.cfg.AccountSID, a.cfg.AuthToken)
	req.Header.Set("Accept", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return telephony.WrapError(err, "twilio request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return telephony.WrapError(err, "failed to read twilio response")
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Code != 0 {
			a.logger.Error("Twilio API error",
				logger.Int("code", apiErr.Code),
				logger.String("message", apiErr.Message))
			return telephony.NewError(fmt.Sprintf("%d", apiErr.Code), "%s", apiErr.Message)
		}
		return telephony.NewError(fmt.Sprintf("%d", resp.StatusCode), "twilio error: %s", string(body))
	}

	if result != nil {
		if err := json.Unmarshal(body, result); err != nil {
			return telephony.WrapError(err, "failed to parse twilio response")
		}
	}
	return nil
}

// xmlEscape escapes text for embedding in a TwiML document
func xmlEscape(s string) string {
	var buf bytes.Buffer
	if err := xml.EscapeText(&buf, []byte(s)); err != nil {
		return ""
	}
	return buf.String()
}
