package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"fieldwatch/internal/domain"

	"github.com/google/uuid"
)

// Triggerer wakes a sync loop.
type Triggerer interface {
	Trigger()
}

// Dispatcher is the entry point for user actions: every mutation is queued
// durably before any network attempt.
type Dispatcher struct {
	Store  *Store
	Worker Triggerer
	Now    func() time.Time
	NewID  func() string
}

// Do builds an envelope for payload with a fresh actionId, persists it and
// nudges the worker. The returned envelope is already queued.
func (d Dispatcher) Do(ctx context.Context, method, endpoint string, payload map[string]any) (domain.ActionEnvelope, error) {
	now := time.Now().UTC()
	if d.Now != nil {
		now = d.Now()
	}
	id := uuid.NewString()
	if d.NewID != nil {
		id = d.NewID()
	}
	body := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		body[k] = v
	}
	body["actionId"] = id
	raw, err := json.Marshal(body)
	if err != nil {
		return domain.ActionEnvelope{}, FatalLocalError{Err: fmt.Errorf("encode payload: %w", err)}
	}
	env := domain.ActionEnvelope{
		ActionID:      id,
		URL:           endpoint,
		Method:        method,
		Payload:       raw,
		CreatedAt:     now,
		NextAttemptAt: now,
	}
	if err := d.Store.Enqueue(ctx, env); err != nil {
		return domain.ActionEnvelope{}, err
	}
	if d.Worker != nil {
		d.Worker.Trigger()
	}
	return env, nil
}
