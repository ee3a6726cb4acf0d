package notify

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campus-realtime/internal/config"
	"campus-realtime/internal/models"
)

func browserSubscription(t *testing.T, endpoint string) models.PushSubscription {
	t.Helper()
	key, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)
	secret := make([]byte, 16)
	_, err = rand.Read(secret)
	require.NoError(t, err)
	return models.PushSubscription{
		Endpoint: endpoint,
		Keys: models.PushKeys{
			P256dh: base64.RawURLEncoding.EncodeToString(key.PublicKey().Bytes()),
			Auth:   base64.RawURLEncoding.EncodeToString(secret),
		},
	}
}

func newTestPush(t *testing.T) *WebPush {
	t.Helper()
	private, public, err := webpush.GenerateVAPIDKeys()
	require.NoError(t, err)
	return NewWebPush(config.PushConfig{
		Enabled:         true,
		VAPIDPublicKey:  public,
		VAPIDPrivateKey: private,
		Subject:         "mailto:ops@campus.example",
		TTL:             time.Hour,
		Timeout:         2 * time.Second,
		BreakerFailures: 3,
		BreakerTimeout:  time.Minute,
	})
}

func TestWebPushOutcomes(t *testing.T) {
	statuses := map[string]int{"/ok": http.StatusCreated, "/gone": http.StatusGone, "/missing": http.StatusNotFound, "/broken": http.StatusBadGateway}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.Header.Get("Authorization"))
		assert.Equal(t, "3600", r.Header.Get("TTL"))
		w.WriteHeader(statuses[r.URL.Path])
	}))
	defer server.Close()

	push := newTestPush(t)
	ctx := context.Background()
	payload := PushPayload{Title: "hi", Body: "there", Priority: models.PriorityHigh}

	require.NoError(t, push.SendPush(ctx, browserSubscription(t, server.URL+"/ok"), payload))
	require.ErrorIs(t, push.SendPush(ctx, browserSubscription(t, server.URL+"/gone"), payload), ErrInvalidSubscription)
	require.ErrorIs(t, push.SendPush(ctx, browserSubscription(t, server.URL+"/missing"), payload), ErrInvalidSubscription)

	err := push.SendPush(ctx, browserSubscription(t, server.URL+"/broken"), payload)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidSubscription)
}

func TestWebPushBreakerOpensAfterServerErrors(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	push := newTestPush(t)
	sub := browserSubscription(t, server.URL)
	for i := 0; i < 5; i++ {
		require.Error(t, push.SendPush(context.Background(), sub, PushPayload{Title: "x"}))
	}
	assert.EqualValues(t, 3, hits.Load())
}

func TestEmailRender(t *testing.T) {
	mailer := NewSMTPMailer(config.EmailConfig{BaseURL: "https://campus.example/"})
	n := models.Notification{
		Type:      models.NotifyLecture,
		Title:     "Room change",
		Body:      "Networks moves to <b>LT2</b>",
		Metadata:  map[string]any{"room": "LT2"},
		Reference: &models.Reference{Type: "group", ID: "g1"},
	}

	subject, body, err := mailer.Render("lecture", EmailData{Name: "Bob", Notification: n})
	require.NoError(t, err)
	assert.Equal(t, "Room change", subject)
	assert.Contains(t, body, "Hello Bob")
	assert.Contains(t, body, "<strong>Room:</strong> LT2")
	assert.Contains(t, body, "&lt;b&gt;LT2&lt;/b&gt;")
	assert.Contains(t, body, `href="https://campus.example/groups/g1"`)

	subject, body, err = mailer.Render("unknown", EmailData{Name: "Bob", Notification: models.Notification{Body: "plain"}})
	require.NoError(t, err)
	assert.Equal(t, "Notification", subject)
	assert.Contains(t, body, "<p>plain</p>")

	msg := mailer.buildMessage("bob@campus.example", subject, body)
	assert.Contains(t, msg, "Subject: Notification\r\n")
	assert.Contains(t, msg, "Content-Type: text/html; charset=UTF-8")
}

func TestEmailTemplateNames(t *testing.T) {
	assert.Equal(t, "announcement", emailTemplate(models.NotifyAnnouncement))
	assert.Equal(t, "default", emailTemplate(models.NotifySystem))
	assert.Equal(t, "default", emailTemplate(models.NotifyReminder))
}
