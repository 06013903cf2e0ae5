// Package telnyx implements the telephony.Provider contract against the
// Telnyx Call Control v2 API.
package telnyx

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/m-check1B/telephony-core/internal/telephony"
	"github.com/m-check1B/telephony-core/pkg/logger"
)

// Verify interface compliance at compile time.
var _ telephony.Provider = (*Adapter)(nil)

const defaultBaseURL = "https://api.telnyx.com"

// Adapter implements telephony.Provider using Telnyx
type Adapter struct {
	cfg        telephony.Config
	baseURL    string
	httpClient *http.Client
	logger     *logger.Logger
}

// New creates a Telnyx adapter from the given config
func New(cfg telephony.Config, log *logger.Logger) (*Adapter, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("telnyx adapter requires an API key")
	}

	base := strings.TrimRight(cfg.APIBaseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}

	return &Adapter{
		cfg:     cfg,
		baseURL: base,
		logger:  log.Named("telnyx"),
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.RequestTimeout()) * time.Second,
		},
	}, nil
}

// Name returns the provider name
func (a *Adapter) Name() telephony.ProviderName {
	return telephony.ProviderTelnyx
}

// VerifySignature checks the telnyx-signature header: base64 of
// HMAC-SHA256 over "<timestamp>|<body>", keyed with the webhook signing
// secret. The timestamp comes from the telnyx-timestamp header.
func (a *Adapter) VerifySignature(rawBody []byte, headers http.Header, requestURL string) bool {
	provided := headers.Get("Telnyx-Signature")
	timestamp := headers.Get("Telnyx-Timestamp")
	if provided == "" || timestamp == "" {
		a.logger.Warn("Webhook request is missing telnyx signature headers")
		return false
	}
	if a.cfg.PublicKey == "" {
		a.logger.Warn("No telnyx webhook signing secret configured, rejecting webhook")
		return false
	}

	mac := hmac.New(sha256.New, []byte(a.cfg.PublicKey))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("|"))
	mac.Write(rawBody)

	providedRaw, err := base64.StdEncoding.DecodeString(provided)
	if err != nil {
		a.logger.Warn("Telnyx-Signature header is not valid base64", logger.Error(err))
		return false
	}

	if !hmac.Equal(providedRaw, mac.Sum(nil)) {
		a.logger.Warn("Webhook signature mismatch", logger.String("url", requestURL))
		return false
	}
	return true
}

// CreateCall places an outbound call via POST /v2/calls
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

	reqBody := map[string]interface{}{
		"connection_id":               a.cfg.ConnectionID,
		"from":                        from,
		"to":                          input.To,
		"webhook_url":                 webhookURL,
		"webhook_url_method":          a.callbackMethod(),
		"answering_machine_detection": "detect",
	}

	var result struct {
		Data struct {
			CallControlID string `json:"call_control_id"`
			CallLegID     string `json:"call_leg_id"`
		} `json:"data"`
	}
	if err := a.post(ctx, "/v2/calls", reqBody, &result); err != nil {
		return "", err
	}

	a.logger.Info("Outbound call created",
		logger.String("call_control_id", result.Data.CallControlID))
	return result.Data.CallControlID, nil
}

// Hangup requests termination via the hangup call-control action. A call
// that has already ended is not an error.
func (a *Adapter) Hangup(ctx context.Context, callSID string) error {
	err := a.post(ctx, fmt.Sprintf("/v2/calls/%s/actions/hangup", url.PathEscape(callSID)),
		map[string]interface{}{}, nil)
	if err != nil {
		var terr *telephony.Error
		// 90018: call has already ended, 404: call not found
		if errors.As(err, &terr) && (terr.Code == "90018" || terr.Code == "404") {
			a.logger.Debug("Hangup on unknown or ended call", logger.String("call_sid", callSID))
			return nil
		}
		return err
	}
	return nil
}

// Whisper plays synthesized speech into the call via the speak action
func (a *Adapter) Whisper(ctx context.Context, callSID, text string) error {
	return a.post(ctx, fmt.Sprintf("/v2/calls/%s/actions/speak", url.PathEscape(callSID)),
		map[string]interface{}{
			"payload":  text,
			"voice":    "female",
			"language": "en-US",
		}, nil)
}

// Transfer redirects the call via the transfer action
func (a *Adapter) Transfer(ctx context.Context, callSID, target string) error {
	if !telephony.ValidTransferTarget(target) {
		return telephony.NewError("", "transfer target is neither E.164 nor SIP URI")
	}
	a.logger.Info("Transferring call",
		logger.String("call_sid", callSID),
		logger.String("target", telephony.MaskNumber(target)))
	return a.post(ctx, fmt.Sprintf("/v2/calls/%s/actions/transfer", url.PathEscape(callSID)),
		map[string]interface{}{"to": target}, nil)
}

// GetRecording returns the newest recording for a call as a pre-signed
// download URL
func (a *Adapter) GetRecording(ctx context.Context, callSID string) (*telephony.RecordingResult, error) {
	endpoint := fmt.Sprintf("/v2/recordings?filter[call_control_id]=%s", url.QueryEscape(callSID))

	var result struct {
		Data []struct {
			ID           string `json:"id"`
			DownloadURLs struct {
				MP3 string `json:"mp3"`
				WAV string `json:"wav"`
			} `json:"download_urls"`
		} `json:"data"`
	}
	if err := a.get(ctx, endpoint, &result); err != nil {
		return nil, err
	}
	if len(result.Data) == 0 {
		return nil, telephony.NewError("no-recording", "no recording exists for call %s", callSID)
	}

	// Telnyx returns recordings newest first
	rec := result.Data[0]
	downloadURL := rec.DownloadURLs.MP3
	contentType := "audio/mpeg"
	filename := rec.ID + ".mp3"
	if downloadURL == "" {
		downloadURL = rec.DownloadURLs.WAV
		contentType = "audio/wav"
		filename = rec.ID + ".wav"
	}
	if downloadURL == "" {
		return nil, telephony.NewError("no-recording", "recording %s has no download URL", rec.ID)
	}

	return &telephony.RecordingResult{
		URL:         downloadURL,
		ContentType: contentType,
		Filename:    filename,
	}, nil
}

func (a *Adapter) callbackMethod() string {
	if a.cfg.CallbackMethod != "" {
		return a.cfg.CallbackMethod
	}
	return "POST"
}

// apiError is the Telnyx REST error body
type apiError struct {
	Errors []struct {
		Code   string `json:"code"`
		Title  string `json:"title"`
		Detail string `json:"detail"`
	} `json:"errors"`
}

// get performs an authenticated GET request
func (a *Adapter) get(ctx context.Context, path string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+path, nil)
	if err != nil {
		return telephony.WrapError(err, "failed to create request")
	}
	return a.do(req, result)
}

// post performs an authenticated JSON POST request
func (a *Adapter) post(ctx context.Context, path string, body interface{}, result interface{}) error {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return telephony.WrapError(err, "failed to marshal request body")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewBuffer(jsonData))
	if err != nil {
		return telephony.WrapError(err, "failed to create request")
	}
	req.Header.Set("Content-Type", "application/json")
	return a.do(req, result)
}

// do executes a request with Bearer auth and maps error responses to
// telephony.Error carrying the Telnyx error code
func (a *Adapter) do(req *http.Request, result interface{}) error {
	req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	req.Header.Set("Accept", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return telephony.WrapError(err, "telnyx request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return telephony.WrapError(err, "failed to read telnyx response")
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(body, &apiErr) == nil && len(apiErr.Errors) > 0 {
			first := apiErr.Errors[0]
			a.logger.Error("Telnyx API error",
				logger.String("code", first.Code),
				logger.String("title", first.Title),
				logger.String("detail", first.Detail))
			msg := first.Detail
			if msg == "" {
				msg = first.Title
			}
			return telephony.NewError(first.Code, "%s", msg)
		}
		return telephony.NewError(fmt.Sprintf("%d", resp.StatusCode), "telnyx error: %s", string(body))
	}

	if result != nil {
		if err := json.Unmarshal(body, result); err != nil {
			return telephony.WrapError(err, "failed to parse telnyx response")
		}
	}
	return nil
}
