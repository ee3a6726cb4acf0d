package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/sony/gobreaker/v2"

	"campus-realtime/internal/config"
	"campus-realtime/internal/logging"
	"campus-realtime/internal/models"
)

const pushTopic = "campus-notification"

// WebPush sends VAPID-signed web push messages through a circuit breaker so
// a failing push service is not hammered on every dispatch.
type WebPush struct {
	cfg     config.PushConfig
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[int]
}

func NewWebPush(cfg config.PushConfig) *WebPush {
	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = 5
	}
	log := logging.WithComponent("push")
	return &WebPush{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		breaker: gobreaker.NewCircuitBreaker[int](gobreaker.Settings{
			Name:        "web-push",
			MaxRequests: 1,
			Timeout:     cfg.BreakerTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= failures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("push breaker state change")
			},
		}),
	}
}

// SendPush delivers payload to sub. 404 and 410 answers mean the browser
// dropped the subscription; they do not count against the breaker.
func (w *WebPush) SendPush(ctx context.Context, sub models.PushSubscription, payload PushPayload) error {
	body, err := json.Marshal(map[string]any{"notification": payload})
	if err != nil {
		return err
	}

	urgency := webpush.UrgencyNormal
	if payload.Priority == models.PriorityHigh || payload.Priority == models.PriorityUrgent {
		urgency = webpush.UrgencyHigh
	}
	opts := &webpush.Options{
		HTTPClient:      w.client,
		Subscriber:      w.cfg.Subject,
		VAPIDPublicKey:  w.cfg.VAPIDPublicKey,
		VAPIDPrivateKey: w.cfg.VAPIDPrivateKey,
		TTL:             int(w.cfg.TTL / time.Second),
		Urgency:         urgency,
		Topic:           pushTopic,
	}
	target := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys:     webpush.Keys{P256dh: sub.Keys.P256dh, Auth: sub.Keys.Auth},
	}

	status, err := w.breaker.Execute(func() (int, error) {
		resp, err := webpush.SendNotificationWithContext(ctx, body, target, opts)
		if err != nil {
			return 0, err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
		if resp.StatusCode >= http.StatusInternalServerError {
			return resp.StatusCode, fmt.Errorf("push service returned %d", resp.StatusCode)
		}
		return resp.StatusCode, nil
	})
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return fmt.Errorf("push breaker open: %w", err)
	case err != nil:
		return err
	case status == http.StatusNotFound || status == http.StatusGone:
		return ErrInvalidSubscription
	case status >= http.StatusBadRequest:
		return fmt.Errorf("push rejected with status %d", status)
	}
	return nil
}
