package domain

import (
	"encoding/json"
	"time"
)

// ActionEnvelope is one mutating user action waiting for server confirmation.
// ActionID is fixed at creation and reused on every retry.
type ActionEnvelope struct {
	ActionID      string          `json:"id"`
	URL           string          `json:"url"`
	Method        string          `json:"method"`
	Payload       json.RawMessage `json:"payload"`
	CreatedAt     time.Time       `json:"timestamp"`
	AttemptCount  int             `json:"retryCount"`
	NextAttemptAt time.Time       `json:"nextAttemptAt"`
	LastError     string          `json:"lastError,omitempty"`
}
