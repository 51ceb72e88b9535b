package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"fieldwatch/internal/config"
	"fieldwatch/internal/events"
	"fieldwatch/internal/logging"
	"fieldwatch/internal/outbox"
)

const (
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookAttempts = 3
)

var defaultWebhookEvents = []string{events.TypeNewAlertLog}

var webhookBackoff = outbox.Backoff{Base: 500 * time.Millisecond, Max: 10 * time.Second}

// webhookForwarder posts selected live events to one configured URL.
type webhookForwarder struct {
	hub    *events.Hub
	hook   config.WebhookConfig
	types  []string
	client *http.Client
	log    *zap.SugaredLogger
	sleep  func(context.Context, time.Duration) error
}

// StartWebhooks subscribes one forwarder per enabled webhook and returns
// immediately. Forwarders stop when ctx is done.
func StartWebhooks(ctx context.Context, hub *events.Hub, hooks []config.WebhookConfig, log *zap.SugaredLogger) int {
	log = logging.OrNop(log)
	started := 0
	for _, hook := range hooks {
		if !hook.Enabled || strings.TrimSpace(hook.URL) == "" {
			continue
		}
		f := newWebhookForwarder(hub, hook, log)
		go f.run(ctx)
		started++
	}
	return started
}

func newWebhookForwarder(hub *events.Hub, hook config.WebhookConfig, log *zap.SugaredLogger) *webhookForwarder {
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	types := normalizeEvents(hook.Events)
	if len(types) == 0 {
		types = defaultWebhookEvents
	}
	return &webhookForwarder{
		hub:    hub,
		hook:   hook,
		types:  types,
		client: &http.Client{Timeout: timeout},
		log:    log.With("webhook", hook.ID, "url", hook.URL),
		sleep:  sleepCtx,
	}
}

func (f *webhookForwarder) run(ctx context.Context) {
	for ctx.Err() == nil {
		sub := f.hub.Subscribe(f.types...)
		f.forward(ctx, sub)
		sub.Close()
		if ctx.Err() != nil {
			return
		}
		// evicted for falling behind; resubscribe after a pause
		f.log.Warnw("webhook subscription dropped, resubscribing")
		if err := f.sleep(ctx, time.Second); err != nil {
			return
		}
	}
}

func (f *webhookForwarder) forward(ctx context.Context, sub *events.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-sub.C:
			if !ok {
				return
			}
			if err := f.deliver(ctx, frame); err != nil && ctx.Err() == nil {
				f.log.Errorw("webhook delivery failed", "event", frame.Type, "error", err)
			}
		}
	}
}

// deliver posts one frame, retrying transport errors and 5xx responses.
func (f *webhookForwarder) deliver(ctx context.Context, frame events.Frame) error {
	attempts := f.hook.MaxAttempts
	if attempts < 1 {
		attempts = defaultWebhookAttempts
	}
	deliveryID := uuid.NewString()
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := f.sleep(ctx, webhookBackoff.Delay(attempt-1)); err != nil {
				return err
			}
		}
		retry, err := f.post(ctx, frame, deliveryID)
		if err == nil {
			f.log.Debugw("webhook delivered", "event", frame.Type, "delivery", deliveryID, "attempt", attempt+1)
			return nil
		}
		lastErr = err
		if !retry {
			break
		}
		f.log.Warnw("webhook attempt failed", "event", frame.Type, "delivery", deliveryID, "attempt", attempt+1, "error", err)
	}
	return lastErr
}

func (f *webhookForwarder) post(ctx context.Context, frame events.Frame, deliveryID string) (retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.hook.URL, bytes.NewReader(frame.Data))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Fieldwatch-Event", frame.Type)
	req.Header.Set("X-Fieldwatch-Delivery", deliveryID)
	if strings.TrimSpace(f.hook.Secret) != "" {
		req.Header.Set("X-Fieldwatch-Signature", "sha256="+signPayload(f.hook.Secret, frame.Data))
	}
	res, err := f.client.Do(req)
	if err != nil {
		return true, err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return res.StatusCode >= 500, fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return false, nil
}

func signPayload(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func normalizeEvents(in []string) []string {
	out := make([]string, 0, len(in))
	for _, evt := range in {
		if key := strings.TrimSpace(evt); key != "" {
			out = append(out, key)
		}
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
