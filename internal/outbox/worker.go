package outbox

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"fieldwatch/internal/domain"
	"fieldwatch/internal/logging"
	"fieldwatch/internal/metrics"

	"go.uber.org/zap"
)

// Sender delivers one envelope. A nil error means the server accepted it.
type Sender interface {
	Send(ctx context.Context, env domain.ActionEnvelope) error
}

// PassResult summarizes one sync pass.
type PassResult struct {
	Delivered int
	Retried   int
	Discarded int
	Deferred  int
}

// Worker drains the outbox to the server. Only one pass runs at a time.
type Worker struct {
	Store   *Store
	Sender  Sender
	Backoff Backoff
	Log     *zap.SugaredLogger
	Now     func() time.Time

	// Tick is the periodic pass interval for Run; zero means 15s.
	Tick time.Duration
	// Probe, when set, gates passes started by Run and triggers a pass on
	// every offline to online transition.
	Probe         Probe
	ProbeInterval time.Duration
	// OnDiscard is called after a permanently rejected envelope is dropped.
	OnDiscard func(Discard)

	passMu sync.Mutex
	wake   chan struct{}
	once   sync.Once
	online atomic.Bool
}

func NewWorker(store *Store, sender Sender, log *zap.SugaredLogger) *Worker {
	return &Worker{
		Store:   store,
		Sender:  sender,
		Backoff: DefaultBackoff,
		Log:     logging.OrNop(log),
		Now:     func() time.Time { return time.Now().UTC() },
	}
}

func (w *Worker) init() {
	w.once.Do(func() {
		w.wake = make(chan struct{}, 1)
		w.online.Store(true)
		if w.Log == nil {
			w.Log = logging.Nop()
		}
		if w.Now == nil {
			w.Now = func() time.Time { return time.Now().UTC() }
		}
	})
}

// Trigger asks Run for a pass. Calls made while a pass is pending coalesce.
func (w *Worker) Trigger() {
	w.init()
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// SyncOnce attempts every eligible envelope once, in insertion order.
// Envelopes still backing off are skipped and counted as Deferred.
func (w *Worker) SyncOnce(ctx context.Context) (PassResult, error) {
	w.init()
	w.passMu.Lock()
	defer w.passMu.Unlock()

	var res PassResult
	pending, err := w.Store.Drain(ctx)
	if err != nil {
		return res, err
	}
	for _, env := range pending {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		now := w.Now()
		if env.NextAttemptAt.After(now) {
			res.Deferred++
			continue
		}
		sendErr := w.Sender.Send(ctx, env)
		if sendErr != nil && ctx.Err() != nil {
			// Shutting down mid-send is not a delivery failure.
			return res, ctx.Err()
		}
		switch classified := classify(sendErr).(type) {
		case nil:
			if err := w.Store.Remove(ctx, env.ActionID); err != nil {
				return res, err
			}
			metrics.IncOutboxDelivery("delivered")
			w.Log.Infow("action delivered", "actionId", env.ActionID, "method", env.Method, "url", env.URL, "attempt", env.AttemptCount+1)
			res.Delivered++
		case PermanentError:
			d := Discard{
				ActionID:    env.ActionID,
				URL:         env.URL,
				Method:      env.Method,
				Status:      classified.Status,
				Reason:      classified.Error(),
				DiscardedAt: now,
			}
			if err := w.Store.Discard(ctx, d); err != nil {
				return res, err
			}
			metrics.IncOutboxDelivery("discarded")
			w.Log.Warnw("action discarded", "actionId", env.ActionID, "url", env.URL, "status", classified.Status, "error", classified.Err)
			if w.OnDiscard != nil {
				w.OnDiscard(d)
			}
			res.Discarded++
		default:
			attempts := env.AttemptCount + 1
			nextAt := now.Add(w.Backoff.Delay(attempts))
			if err := w.Store.UpdateAttempt(ctx, env.ActionID, attempts, nextAt, classified.Error()); err != nil {
				return res, err
			}
			metrics.IncOutboxDelivery("retried")
			w.Log.Infow("action delivery failed, will retry", "actionId", env.ActionID, "attempt", attempts, "nextAttemptAt", nextAt, "error", classified)
			res.Retried++
		}
	}
	return res, nil
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	var sc StatusCoder
	if errors.As(err, &sc) {
		code := sc.StatusCode()
		switch {
		case code >= http.StatusOK && code < http.StatusMultipleChoices:
			return nil
		case retryableClientStatus(code):
			return TransientError{Status: code, Err: err}
		case code >= http.StatusBadRequest && code < http.StatusInternalServerError:
			return PermanentError{Status: code, Err: err}
		default:
			return TransientError{Status: code, Err: err}
		}
	}
	return TransientError{Err: err}
}

// retryableClientStatus reports 4xx answers that say nothing about the action
// itself: credentials that may be refreshed, timeouts and rate limiting.
func retryableClientStatus(code int) bool {
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	}
	return false
}

// Run passes at start, on every Tick, when the earliest backoff elapses,
// on Trigger, and when the probe reports connectivity returning. It returns
// when ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	w.init()
	tick := w.Tick
	if tick <= 0 {
		tick = 15 * time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	var reconnected <-chan struct{}
	if w.Probe != nil {
		reconnected = Watch(ctx, w.Probe, w.ProbeInterval, func(online bool) {
			w.online.Store(online)
			w.Log.Infow("connectivity changed", "online", online)
		})
	}

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		healthy := w.online.Load()
		if healthy {
			res, err := w.SyncOnce(ctx)
			if err != nil && ctx.Err() == nil {
				w.Log.Errorw("sync pass failed", "error", err)
				healthy = false
			} else if res.Delivered+res.Retried+res.Discarded > 0 {
				w.Log.Debugw("sync pass", "delivered", res.Delivered, "retried", res.Retried, "discarded", res.Discarded, "deferred", res.Deferred)
			}
		}
		w.armTimer(ctx, timer, healthy)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.wake:
		case <-ticker.C:
		case <-timer.C:
		case <-reconnected:
		}
	}
}

// armTimer schedules a wake-up for the earliest pending attempt. Offline or
// after a failed pass only the ticker, triggers and the probe wake Run.
func (w *Worker) armTimer(ctx context.Context, timer *time.Timer, healthy bool) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	if !healthy {
		timer.Reset(time.Hour)
		return
	}
	next, ok, err := w.Store.NextAttempt(ctx)
	if err != nil || !ok {
		timer.Reset(time.Hour)
		return
	}
	wait := next.Sub(w.Now())
	if wait < 50*time.Millisecond {
		wait = 50 * time.Millisecond
	}
	timer.Reset(wait)
}
