package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"fieldwatch/internal/alerts"
	"fieldwatch/internal/config"
	"fieldwatch/internal/domain"
	"fieldwatch/internal/events"
	"fieldwatch/internal/idempotency"
	"fieldwatch/internal/logging"
	"fieldwatch/internal/metrics"
	"fieldwatch/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	ActionClaim        = "claim"
	ActionVerify       = "verify"
	ActionReject       = "reject"
	ActionNote         = "note"
	ActionRequestInfo  = "request-info"
	ActionStatus       = "status"
	ActionFNOL         = "fnol"
	ActionFNOLCallback = "fnol-callback"
	ActionAnonymize    = "anonymize"
)

const requestInfoNote = "Moderator requested more information from the reporter."

// Engine applies moderation actions to the incident store. Every mutating
// action goes through the idempotency guard keyed by its actionId.
type Engine struct {
	Config *config.Config
	Store  *store.Store
	Guard  *idempotency.Guard[domain.Incident]
	Hub    *events.Hub
	Alerts *alerts.Engine
	Log    *zap.SugaredLogger

	Now func() time.Time
	// Random returns a value in [0,1); it drives simulated insurer decisions
	// and stream jitter.
	Random func() float64

	timersMu sync.Mutex
	timers   map[*time.Timer]struct{}
	closed   bool
}

// New builds an engine from cfg and seeds it with the configured incidents.
func New(cfg *config.Config, log *zap.SugaredLogger) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("config not loaded")
	}
	log = logging.OrNop(log)
	hub := events.NewHub(cfg.Broadcast.SubscriberBuffer, log.Named("hub"))
	e := &Engine{
		Config: cfg,
		Hub:    hub,
		Guard:  idempotency.New[domain.Incident](),
		Log:    log,
		Now:    func() time.Time { return time.Now().UTC() },
		Random: rand.Float64,
		timers: map[*time.Timer]struct{}{},
	}
	e.Guard.Now = e.now
	e.Store = store.New(hubObserver{hub: hub, log: log})

	rules := make([]domain.AlertRule, 0, len(cfg.Rules))
	for _, seed := range cfg.Rules {
		rule, err := seed.Rule()
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	e.Alerts = alerts.New(alerts.Options{
		Incidents:   e.Store,
		Publisher:   hub,
		Log:         log.Named("alerts"),
		Cooldown:    cfg.Alerts.Cooldown,
		LogCapacity: cfg.Alerts.LogCapacity,
		Rules:       rules,
		Templates:   cfg.Templates,
	})
	e.Alerts.Now = e.now

	now := e.now()
	for _, seed := range cfg.Seed.Incidents {
		if err := e.Store.Insert(seed.Incident(now)); err != nil {
			return nil, fmt.Errorf("seed incident %s: %w", seed.ID, err)
		}
	}
	return e, nil
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now().UTC()
}

func (e *Engine) random() float64 {
	if e.Random != nil {
		return e.Random()
	}
	return rand.Float64()
}

// hubObserver turns committed store changes into live events.
type hubObserver struct {
	hub *events.Hub
	log *zap.SugaredLogger
}

func (o hubObserver) IncidentCreated(inc domain.Incident) {
	if err := o.hub.Publish(events.TypeNewIncident, inc); err != nil {
		o.log.Errorw("publish failed", "type", events.TypeNewIncident, "incidentId", inc.ID, "error", err)
	}
}

func (o hubObserver) IncidentUpdated(inc domain.Incident) {
	if err := o.hub.Publish(events.TypeUpdateIncident, inc); err != nil {
		o.log.Errorw("publish failed", "type", events.TypeUpdateIncident, "incidentId", inc.ID, "error", err)
	}
}

// mutation changes inc in place and names the audit entry to record.
type mutation func(inc *domain.Incident, now time.Time) (audit, comment string, err error)

// apply runs m at most once per actionID. The change, its single audit
// entry, and the update broadcast commit together under the incident lock.
func (e *Engine) apply(ctx context.Context, action, actionID, incidentID string, actor domain.Actor, m mutation) (domain.Incident, bool, error) {
	if strings.TrimSpace(actionID) == "" {
		return domain.Incident{}, false, domain.ErrMissingActionID
	}
	inc, replayed, err := e.Guard.Do(ctx, actionID, func() (domain.Incident, error) {
		return e.Store.Mutate(incidentID, func(inc *domain.Incident) error {
			now := e.now()
			audit, comment, err := m(inc, now)
			if err != nil {
				return err
			}
			inc.AuditLog = append(inc.AuditLog, domain.AuditLogEntry{
				User:      actor.Name,
				Role:      string(actor.Role),
				Timestamp: now,
				Action:    audit,
				Comment:   comment,
			})
			return nil
		})
	})
	if err != nil {
		e.Log.Infow("action refused", "action", action, "actionId", actionID, "incidentId", incidentID, "actor", actor.ID, "error", err)
		return domain.Incident{}, false, err
	}
	if replayed && inc.ID != incidentID {
		e.Log.Warnw("action id reused for another incident", "action", action, "actionId", actionID, "incidentId", incidentID, "appliedTo", inc.ID)
		return domain.Incident{}, false, fmt.Errorf("action %s was already applied to incident %s: %w", actionID, inc.ID, domain.ErrConflict)
	}
	if replayed {
		metrics.IncActionReplayed(action)
		e.Log.Infow("duplicate action skipped", "action", action, "actionId", actionID, "incidentId", incidentID)
		return inc, true, nil
	}
	metrics.IncActionApplied(action)
	e.Log.Infow("action applied", "action", action, "actionId", actionID, "incidentId", incidentID, "actor", actor.ID)
	return inc, false, nil
}

// Claim assigns the incident to actor. An incident claimed by someone else
// cannot be claimed.
func (e *Engine) Claim(ctx context.Context, actionID, incidentID string, actor domain.Actor) (domain.Incident, bool, error) {
	return e.apply(ctx, ActionClaim, actionID, incidentID, actor, func(inc *domain.Incident, _ time.Time) (string, string, error) {
		if inc.ClaimedBy != "" && inc.ClaimedBy != actor.ID {
			return "", "", domain.ConflictError{IncidentID: inc.ID, HeldBy: inc.ClaimedBy}
		}
		inc.ClaimedBy = actor.ID
		return "Claim", fmt.Sprintf("Incident claimed by %s.", actor.Name), nil
	})
}

func (e *Engine) RequestInfo(ctx context.Context, actionID, incidentID string, actor domain.Actor) (domain.Incident, bool, error) {
	return e.apply(ctx, ActionRequestInfo, actionID, incidentID, actor, func(inc *domain.Incident, _ time.Time) (string, string, error) {
		inc.IsFlagged = true
		inc.Notes = append(inc.Notes, requestInfoNote)
		return "Info Requested", "More information requested.", nil
	})
}

// Verify marks the incident verified and evaluates alert rules when
// configured to do so.
func (e *Engine) Verify(ctx context.Context, actionID, incidentID string, actor domain.Actor) (domain.Incident, bool, error) {
	inc, replayed, err := e.apply(ctx, ActionVerify, actionID, incidentID, actor, func(inc *domain.Incident, _ time.Time) (string, string, error) {
		inc.IsVerified = true
		return "Verify", "Incident verified.", nil
	})
	if err == nil && !replayed && e.Config.EvaluatesOn("verified") {
		e.Alerts.Evaluate(inc)
	}
	return inc, replayed, err
}

// Reject closes the incident and clears verification.
func (e *Engine) Reject(ctx context.Context, actionID, incidentID string, actor domain.Actor) (domain.Incident, bool, error) {
	return e.apply(ctx, ActionReject, actionID, incidentID, actor, func(inc *domain.Incident, _ time.Time) (string, string, error) {
		inc.Status = domain.StatusClosed
		inc.IsVerified = false
		return "Reject", "Incident rejected and closed.", nil
	})
}

func (e *Engine) AddNote(ctx context.Context, actionID, incidentID, note string, actor domain.Actor) (domain.Incident, bool, error) {
	if strings.TrimSpace(note) == "" {
		return domain.Incident{}, false, domain.ValidationError{Field: "note", Reason: "Note content is required"}
	}
	return e.apply(ctx, ActionNote, actionID, incidentID, actor, func(inc *domain.Incident, _ time.Time) (string, string, error) {
		inc.Notes = append(inc.Notes, note)
		return "Add Note", fmt.Sprintf("Note added: \"%s\"", note), nil
	})
}

// SetStatus moves the incident to status. Transitions are not restricted.
func (e *Engine) SetStatus(ctx context.Context, actionID, incidentID string, status domain.Status, actor domain.Actor) (domain.Incident, bool, error) {
	if !status.Valid() {
		return domain.Incident{}, false, domain.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", status)}
	}
	return e.apply(ctx, ActionStatus, actionID, incidentID, actor, func(inc *domain.Incident, _ time.Time) (string, string, error) {
		from := inc.Status
		inc.Status = status
		return "Status Changed", fmt.Sprintf("Status changed from %s to %s.", from, status), nil
	})
}

// CreateIncident stores a new incident reported by actor, records its
// creation in the audit trail, and evaluates alert rules when configured.
func (e *Engine) CreateIncident(ctx context.Context, inc domain.Incident, actor domain.Actor, comment string) (domain.Incident, error) {
	if err := ctx.Err(); err != nil {
		return domain.Incident{}, err
	}
	now := e.now()
	if inc.ID == "" {
		inc.ID = "inc-" + uuid.NewString()
	}
	if inc.Status == "" {
		inc.Status = domain.StatusReported
	}
	if inc.Timestamp.IsZero() {
		inc.Timestamp = now
	}
	if inc.Media == nil {
		inc.Media = []string{}
	}
	if inc.Notes == nil {
		inc.Notes = []string{}
	}
	if inc.Fnol.Status == "" {
		inc.Fnol = domain.Fnol{Status: domain.FnolNone, LastUpdated: now}
	}
	inc.AuditLog = []domain.AuditLogEntry{{
		User:      actor.Name,
		Role:      string(actor.Role),
		Timestamp: now,
		Action:    "Incident Created",
		Comment:   comment,
	}}
	if err := e.Store.Insert(inc); err != nil {
		return domain.Incident{}, err
	}
	e.Log.Infow("incident created", "incidentId", inc.ID, "type", inc.Type, "severity", inc.Severity, "source", inc.Source)
	if e.Config.EvaluatesOn("created") {
		e.Alerts.Evaluate(inc)
	}
	return inc.Clone(), nil
}

func (e *Engine) Incident(id string) (domain.Incident, error) {
	return e.Store.Get(id)
}

// Incidents lists incidents newest first, optionally only verified ones.
func (e *Engine) Incidents(verifiedOnly bool) []domain.Incident {
	if !verifiedOnly {
		return e.Store.List(nil)
	}
	return e.Store.List(func(i domain.Incident) bool { return i.IsVerified })
}

// Users returns the configured identities.
func (e *Engine) Users() []domain.User {
	return append([]domain.User{}, e.Config.Users...)
}

// User resolves a configured identity by id.
func (e *Engine) User(id string) (domain.User, error) {
	for _, u := range e.Config.Users {
		if u.ID == id {
			return u, nil
		}
	}
	return domain.User{}, domain.NotFound("user", id)
}

// DefaultActor is used when a request carries no identity.
func (e *Engine) DefaultActor() domain.Actor {
	if u, err := e.User(e.Config.Auth.DefaultActor); err == nil {
		return u
	}
	if len(e.Config.Users) > 0 {
		return e.Config.Users[0]
	}
	return domain.SystemActor
}

// after schedules fn and tracks the timer so Close can cancel it.
func (e *Engine) after(d time.Duration, fn func()) {
	e.timersMu.Lock()
	defer e.timersMu.Unlock()
	if e.closed {
		return
	}
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		e.timersMu.Lock()
		delete(e.timers, t)
		e.timersMu.Unlock()
		fn()
	})
	e.timers[t] = struct{}{}
}

// Close cancels pending simulated callbacks and drops live subscribers.
func (e *Engine) Close() {
	e.timersMu.Lock()
	e.closed = true
	for t := range e.timers {
		t.Stop()
	}
	e.timers = map[*time.Timer]struct{}{}
	e.timersMu.Unlock()
	e.Hub.Close()
}
