package twilio

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m-check1B/telephony-core/internal/telephony"
	"github.com/m-check1B/telephony-core/pkg/logger"
)

const testAuthToken = "12345678901234567890123456789012"

func newTestAdapter(t *testing.T, baseURL string) *Adapter {
	t.Helper()
	adapter, err := New(telephony.Config{
		Provider:          telephony.ProviderTwilio,
		AccountSID:        "AC00000000000000000000000000000000",
		AuthToken:         testAuthToken,
		DefaultCallerID:   "+15550100001",
		WebhookURL:        "https://example.com/api/v1/webhooks/twilio/incoming",
		StatusCallbackURL: "https://example.com/api/v1/webhooks/twilio/status",
		APIBaseURL:        baseURL,
	}, logger.NewNop())
	require.NoError(t, err)
	return adapter
}

// sign computes the signature Twilio would attach to a webhook request
func sign(authToken, requestURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var data strings.Builder
	data.WriteString(requestURL)
	for _, k := range keys {
		for _, v := range form[k] {
			data.WriteString(k)
			data.WriteString(v)
		}
	}
	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(data.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestNewRequiresCredentials(t *testing.T) {
	_, err := New(telephony.Config{Provider: telephony.ProviderTwilio}, logger.NewNop())
	assert.Error(t, err)
}

func TestVerifySignature(t *testing.T) {
	adapter := newTestAdapter(t, "")
	requestURL := "https://example.com/api/v1/webhooks/twilio/incoming"
	form := url.Values{}
	form.Set("CallSid", "CA1234")
	form.Set("From", "+15551234567")
	form.Set("To", "+15557654321")
	body := []byte(form.Encode())

	t.Run("valid signature accepted", func(t *testing.T) {
		headers := http.Header{}
		headers.Set("X-Twilio-Signature", sign(testAuthToken, requestURL, form))
		assert.True(t, adapter.VerifySignature(body, headers, requestURL))
	})

	t.Run("wrong key rejected", func(t *testing.T) {
		headers := http.Header{}
		headers.Set("X-Twilio-Signature", sign("wrong-token", requestURL, form))
		assert.False(t, adapter.VerifySignature(body, headers, requestURL))
	})

	t.Run("missing header rejected", func(t *testing.T) {
		assert.False(t, adapter.VerifySignature(body, http.Header{}, requestURL))
	})

	t.Run("malformed header rejected without panic", func(t *testing.T) {
		headers := http.Header{}
		headers.Set("X-Twilio-Signature", "%%%not-base64%%%")
		assert.False(t, adapter.VerifySignature(body, headers, requestURL))
	})

	t.Run("tampered body rejected", func(t *testing.T) {
		headers := http.Header{}
		headers.Set("X-Twilio-Signature", sign(testAuthToken, requestURL, form))
		tampered := url.Values{}
		tampered.Set("CallSid", "CA9999")
		assert.False(t, adapter.VerifySignature([]byte(tampered.Encode()), headers, requestURL))
	})

	t.Run("different url rejected", func(t *testing.T) {
		headers := http.Header{}
		headers.Set("X-Twilio-Signature", sign(testAuthToken, requestURL, form))
		assert.False(t, adapter.VerifySignature(body, headers, "https://evil.example.com/hook"))
	})
}

func TestCreateCall(t *testing.T) {
	var gotForm url.Values
	var gotUser, gotPass string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotForm = r.PostForm
		gotUser, gotPass, _ = r.BasicAuth()
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Contains(t, r.URL.Path, "/Accounts/AC00000000000000000000000000000000/Calls.json")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"sid": "CA0001", "status": "queued"}`))
	}))
	defer server.Close()

	adapter := newTestAdapter(t, server.URL)
	sid, err := adapter.CreateCall(context.Background(), telephony.OutboundCallInput{
		To:       "+15557654321",
		Metadata: map[string]string{"session": "abc"},
	})
	require.NoError(t, err)
	assert.Equal(t, "CA0001", sid)

	assert.Equal(t, "AC00000000000000000000000000000000", gotUser)
	assert.Equal(t, testAuthToken, gotPass)
	assert.Equal(t, "+15550100001", gotForm.Get("From")) // default caller ID
	assert.Equal(t, "+15557654321", gotForm.Get("To"))
	assert.Equal(t, "https://example.com/api/v1/webhooks/twilio/incoming?session=abc", gotForm.Get("Url"))
	assert.Equal(t, "https://example.com/api/v1/webhooks/twilio/status", gotForm.Get("StatusCallback"))
	assert.ElementsMatch(t,
		[]string{"initiated", "ringing", "answered", "completed"},
		gotForm["StatusCallbackEvent"])
	assert.Equal(t, "Enable", gotForm.Get("MachineDetection"))
}

func TestCreateCallRejectsBadNumbers(t *testing.T) {
	adapter := newTestAdapter(t, "")
	_, err := adapter.CreateCall(context.Background(), telephony.OutboundCallInput{To: "5551234"})
	assert.Error(t, err)
}

func TestCreateCallAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code": 21211, "message": "Invalid 'To' Phone Number", "status": 400}`))
	}))
	defer server.Close()

	adapter := newTestAdapter(t, server.URL)
	_, err := adapter.CreateCall(context.Background(), telephony.OutboundCallInput{To: "+15557654321"})
	require.Error(t, err)

	var terr *telephony.Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "21211", terr.Code)
	assert.Contains(t, terr.Message, "Invalid 'To' Phone Number")
}

func TestHangup(t *testing.T) {
	t.Run("sets status completed", func(t *testing.T) {
		var gotStatus string
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, r.ParseForm())
			gotStatus = r.PostForm.Get("Status")
			w.Write([]byte(`{"sid": "CA0001", "status": "completed"}`))
		}))
		defer server.Close()

		adapter := newTestAdapter(t, server.URL)
		require.NoError(t, adapter.Hangup(context.Background(), "CA0001"))
		assert.Equal(t, "completed", gotStatus)
	})

	t.Run("already ended call is not an error", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"code": 20404, "message": "The requested resource was not found", "status": 404}`))
		}))
		defer server.Close()

		adapter := newTestAdapter(t, server.URL)
		assert.NoError(t, adapter.Hangup(context.Background(), "CA-gone"))
	})
}

func TestWhisper(t *testing.T) {
	var gotTwiml string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotTwiml = r.PostForm.Get("Twiml")
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	t.Run("escapes text and resumes the stream", func(t *testing.T) {
		adapter := newTestAdapter(t, server.URL)
		require.NoError(t, adapter.Whisper(context.Background(), "CA0001", `press <1> & say "yes"`))
		assert.Contains(t, gotTwiml, "<Say>press &lt;1&gt; &amp; say &#34;yes&#34;</Say>")
		// The in-call update replaces the active <Connect><Stream>
		// document; without the redirect the media stream stays dead.
		assert.Contains(t, gotTwiml,
			`<Redirect method="POST">https://example.com/api/v1/webhooks/twilio/incoming</Redirect>`)
		assert.NotContains(t, gotTwiml, "<Pause")
	})

	t.Run("no webhook url holds the call open", func(t *testing.T) {
		adapter, err := New(telephony.Config{
			Provider:   telephony.ProviderTwilio,
			AccountSID: "AC00000000000000000000000000000000",
			AuthToken:  testAuthToken,
			APIBaseURL: server.URL,
		}, logger.NewNop())
		require.NoError(t, err)

		require.NoError(t, adapter.Whisper(context.Background(), "CA0001", "one moment please"))
		assert.Contains(t, gotTwiml, `<Pause length="60"/>`)
		assert.NotContains(t, gotTwiml, "<Redirect")
	})
}

func TestTransfer(t *testing.T) {
	var gotTwiml string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotTwiml = r.PostForm.Get("Twiml")
		w.Write([]byte(`{}`))
	}))
	defer server.Close()
	adapter := newTestAdapter(t, server.URL)

	t.Run("number target uses Dial Number", func(t *testing.T) {
		require.NoError(t, adapter.Transfer(context.Background(), "CA0001", "+15559990000"))
		assert.Contains(t, gotTwiml, "<Dial><Number>+15559990000</Number></Dial>")
	})

	t.Run("sip target uses Dial Sip", func(t *testing.T) {
		require.NoError(t, adapter.Transfer(context.Background(), "CA0001", "sip:agent@example.com"))
		assert.Contains(t, gotTwiml, "<Dial><Sip>sip:agent@example.com</Sip></Dial>")
	})

	t.Run("invalid target rejected", func(t *testing.T) {
		assert.Error(t, adapter.Transfer(context.Background(), "CA0001", "not-a-number"))
	})
}

func TestGetRecording(t *testing.T) {
	t.Run("streams newest recording", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("/Accounts/AC00000000000000000000000000000000/Calls/CA0001/Recordings.json",
			func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{"recordings": [{"sid": "RE-new"}, {"sid": "RE-old"}]}`))
			})
		mux.HandleFunc("/Accounts/AC00000000000000000000000000000000/Recordings/RE-new.mp3",
			func(w http.ResponseWriter, r *http.Request) {
				user, pass, _ := r.BasicAuth()
				assert.Equal(t, "AC00000000000000000000000000000000", user)
				assert.Equal(t, testAuthToken, pass)
				w.Header().Set("Content-Type", "audio/mpeg")
				w.Write([]byte("mp3-bytes"))
			})
		server := httptest.NewServer(mux)
		defer server.Close()

		adapter := newTestAdapter(t, server.URL)
		recording, err := adapter.GetRecording(context.Background(), "CA0001")
		require.NoError(t, err)
		defer recording.Content.Close()

		assert.Equal(t, "audio/mpeg", recording.ContentType)
		assert.Equal(t, "RE-new.mp3", recording.Filename)
		assert.Contains(t, recording.URL, "/Recordings/RE-new.mp3")
	})

	t.Run("no recording reports distinct code", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"recordings": []}`))
		}))
		defer server.Close()

		adapter := newTestAdapter(t, server.URL)
		_, err := adapter.GetRecording(context.Background(), "CA-silent")
		require.Error(t, err)

		var terr *telephony.Error
		require.ErrorAs(t, err, &terr)
		assert.Equal(t, "no-recording", terr.Code)
	})
}
