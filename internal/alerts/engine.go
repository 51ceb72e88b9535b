package alerts

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"fieldwatch/internal/domain"
	"fieldwatch/internal/events"
	"fieldwatch/internal/logging"
	"fieldwatch/internal/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultCooldown    = 15 * time.Minute
	DefaultLogCapacity = 100
)

// IncidentSource is the read side of the incident store.
type IncidentSource interface {
	List(keep func(domain.Incident) bool) []domain.Incident
}

type Publisher interface {
	Publish(eventType string, payload any) error
}

type Options struct {
	Incidents   IncidentSource
	Publisher   Publisher
	Log         *zap.SugaredLogger
	Cooldown    time.Duration
	LogCapacity int
	Rules       []domain.AlertRule
	Templates   []domain.AlertTemplate
}

// Engine owns alert rules and templates, evaluates rules against incidents,
// and keeps the bounded log of fired alerts. Evaluations never overlap.
type Engine struct {
	Now   func() time.Time
	NewID func() string

	incidents IncidentSource
	publisher Publisher
	log       *zap.SugaredLogger
	cooldown  time.Duration
	capacity  int

	mu        sync.Mutex
	rules     []domain.AlertRule
	templates []domain.AlertTemplate
	lastFired map[string]time.Time
	fired     map[string]time.Time
	logs      []domain.AlertLog
}

func New(opts Options) *Engine {
	e := &Engine{
		Now:       func() time.Time { return time.Now().UTC() },
		NewID:     uuid.NewString,
		incidents: opts.Incidents,
		publisher: opts.Publisher,
		log:       logging.OrNop(opts.Log),
		cooldown:  opts.Cooldown,
		capacity:  opts.LogCapacity,
		rules:     append([]domain.AlertRule{}, opts.Rules...),
		templates: append([]domain.AlertTemplate{}, opts.Templates...),
		lastFired: map[string]time.Time{},
		fired:     map[string]time.Time{},
	}
	if e.cooldown <= 0 {
		e.cooldown = DefaultCooldown
	}
	if e.capacity <= 0 {
		e.capacity = DefaultLogCapacity
	}
	return e
}

// Rules returns a snapshot of all rules in creation order.
func (e *Engine) Rules() []domain.AlertRule {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]domain.AlertRule{}, e.rules...)
}

func (e *Engine) Rule(id string) (domain.AlertRule, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if i := e.ruleIndex(id); i >= 0 {
		return e.rules[i], nil
	}
	return domain.AlertRule{}, domain.NotFound("rule", id)
}

func (e *Engine) ruleIndex(id string) int {
	for i, r := range e.rules {
		if r.ID == id {
			return i
		}
	}
	return -1
}

func (e *Engine) templateByID(id string) (domain.AlertTemplate, bool) {
	for _, t := range e.templates {
		if t.ID == id {
			return t, true
		}
	}
	return domain.AlertTemplate{}, false
}

func (e *Engine) validateRule(r domain.AlertRule) error {
	if strings.TrimSpace(r.Name) == "" {
		return domain.ValidationError{Field: "name", Reason: "rule name is required"}
	}
	if r.Conditions == nil {
		return domain.ValidationError{Field: "conditions", Reason: "conditions are required"}
	}
	if _, ok := e.templateByID(r.Action.TemplateID); !ok {
		return domain.ValidationError{Field: "action.template_id", Reason: fmt.Sprintf("unknown template %q", r.Action.TemplateID)}
	}
	for i, rcpt := range r.Action.Recipients {
		switch rcpt.Type {
		case "email", "sms", "push", "ivr":
		default:
			return domain.ValidationError{Field: fmt.Sprintf("action.recipients[%d].type", i), Reason: fmt.Sprintf("unknown channel %q", rcpt.Type)}
		}
		if strings.TrimSpace(rcpt.Target) == "" {
			return domain.ValidationError{Field: fmt.Sprintf("action.recipients[%d].target", i), Reason: "target is required"}
		}
	}
	return nil
}

// CreateRule stores a new rule under a fresh id.
func (e *Engine) CreateRule(r domain.AlertRule) (domain.AlertRule, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.validateRule(r); err != nil {
		return domain.AlertRule{}, err
	}
	r.ID = "rule-" + e.NewID()
	e.rules = append(e.rules, r)
	e.log.Infow("alert rule created", "ruleId", r.ID, "name", r.Name, "type", r.Conditions.Type())
	return r, nil
}

// UpdateRule replaces the rule with the given id. Its cooldown is kept.
func (e *Engine) UpdateRule(id string, r domain.AlertRule) (domain.AlertRule, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	i := e.ruleIndex(id)
	if i < 0 {
		return domain.AlertRule{}, domain.NotFound("rule", id)
	}
	if err := e.validateRule(r); err != nil {
		return domain.AlertRule{}, err
	}
	r.ID = id
	e.rules[i] = r
	e.log.Infow("alert rule updated", "ruleId", id, "enabled", r.IsEnabled)
	return r, nil
}

func (e *Engine) DeleteRule(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	i := e.ruleIndex(id)
	if i < 0 {
		return domain.NotFound("rule", id)
	}
	e.rules = append(e.rules[:i], e.rules[i+1:]...)
	delete(e.lastFired, id)
	e.log.Infow("alert rule deleted", "ruleId", id)
	return nil
}

func (e *Engine) Templates() []domain.AlertTemplate {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]domain.AlertTemplate{}, e.templates...)
}

// Logs returns fired alerts, newest first.
func (e *Engine) Logs() []domain.AlertLog {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]domain.AlertLog{}, e.logs...)
}

// Evaluate checks every enabled rule against trigger and fires the ones that
// match. A rule that fails to evaluate is logged and skipped; the others
// still run. It returns the alerts fired by this call.
func (e *Engine) Evaluate(trigger domain.Incident) []domain.AlertLog {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.Now()
	var fired []domain.AlertLog
	for _, rule := range e.rules {
		entry, ok, err := e.evaluateRule(rule, trigger, now)
		if err != nil {
			metrics.IncAlertEvaluationError()
			e.log.Errorw("alert rule evaluation failed", "ruleId", rule.ID, "incidentId", trigger.ID, "error", err)
			continue
		}
		if ok {
			fired = append(fired, entry)
		}
	}
	return fired
}

func firedKey(ruleID, incidentID string) string {
	return ruleID + "|" + incidentID
}

func (e *Engine) evaluateRule(rule domain.AlertRule, trigger domain.Incident, now time.Time) (entry domain.AlertLog, ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			ok = false
		}
	}()
	if !rule.IsEnabled || rule.Conditions == nil {
		return entry, false, nil
	}
	if last, seen := e.lastFired[rule.ID]; seen && now.Sub(last) < e.cooldown {
		return entry, false, nil
	}
	if _, seen := e.fired[firedKey(rule.ID, trigger.ID)]; seen {
		return entry, false, nil
	}
	if !trigger.Severity.AtLeast(rule.Conditions.Threshold()) {
		return entry, false, nil
	}

	var vars map[string]string
	switch c := rule.Conditions.(type) {
	case domain.SingleIncidentConditions:
		vars = map[string]string{
			"incident_id":   trigger.ID,
			"incident_type": trigger.Type,
			"incident_lat":  fixed4(trigger.Lat),
			"incident_lon":  fixed4(trigger.Lon),
		}
	case domain.DensityConditions:
		count := e.clusterSize(c, trigger, now)
		if count < c.IncidentCountThreshold {
			return entry, false, nil
		}
		vars = map[string]string{
			"incident_count":      strconv.Itoa(count),
			"severity_threshold":  string(c.SeverityThreshold),
			"radius_meters":       strconv.FormatFloat(c.RadiusMeters, 'f', -1, 64),
			"time_window_minutes": strconv.Itoa(c.TimeWindowMinutes),
			"center_lat":          fixed4(trigger.Lat),
			"center_lon":          fixed4(trigger.Lon),
		}
	default:
		return entry, false, fmt.Errorf("unsupported condition type %T", rule.Conditions)
	}

	tmpl, found := e.templateByID(rule.Action.TemplateID)
	if !found {
		return entry, false, fmt.Errorf("template %s not found", rule.Action.TemplateID)
	}

	triggeredBy := vars["incident_id"]
	if triggeredBy == "" {
		triggeredBy = "Cluster of " + vars["incident_count"]
	}
	entry = domain.AlertLog{
		ID:                "log-" + e.NewID(),
		Timestamp:         now,
		RuleID:            rule.ID,
		RuleName:          rule.Name,
		TriggeredBy:       triggeredBy,
		DispatchedMessage: Render(tmpl.Body, vars),
		Recipients:        append([]domain.AlertRecipient{}, rule.Action.Recipients...),
	}
	e.dispatch(rule, entry)
	e.lastFired[rule.ID] = now
	e.fired[firedKey(rule.ID, trigger.ID)] = now
	return entry, true, nil
}

// clusterSize counts incidents inside the rule's window, at or above its
// severity and within its radius of trigger. trigger itself counts when stored.
func (e *Engine) clusterSize(c domain.DensityConditions, trigger domain.Incident, now time.Time) int {
	if e.incidents == nil {
		return 0
	}
	windowStart := now.Add(-c.Window())
	cluster := e.incidents.List(func(i domain.Incident) bool {
		return !i.Timestamp.Before(windowStart) &&
			i.Severity.AtLeast(c.SeverityThreshold) &&
			DistanceMeters(trigger.Lat, trigger.Lon, i.Lat, i.Lon) <= c.RadiusMeters
	})
	return len(cluster)
}

func (e *Engine) dispatch(rule domain.AlertRule, entry domain.AlertLog) {
	e.logs = append([]domain.AlertLog{entry}, e.logs...)
	if len(e.logs) > e.capacity {
		e.logs = e.logs[:e.capacity]
	}
	metrics.IncAlertFired(rule.ID)
	e.log.Infow("alert dispatched", "ruleId", rule.ID, "rule", rule.Name, "triggeredBy", entry.TriggeredBy, "message", entry.DispatchedMessage)
	for _, r := range entry.Recipients {
		e.log.Infow("mock alert send", "ruleId", rule.ID, "channel", strings.ToUpper(r.Type), "target", r.Target)
	}
	if e.publisher != nil {
		if err := e.publisher.Publish(events.TypeNewAlertLog, entry); err != nil {
			e.log.Errorw("alert broadcast failed", "ruleId", rule.ID, "error", err)
		}
	}
}

// PruneFired forgets per-incident firing marks older than cutoff.
func (e *Engine) PruneFired(cutoff time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for k, at := range e.fired {
		if at.Before(cutoff) {
			delete(e.fired, k)
			n++
		}
	}
	return n
}

func fixed4(v float64) string {
	return strconv.FormatFloat(v, 'f', 4, 64)
}
