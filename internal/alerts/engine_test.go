package alerts

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"fieldwatch/internal/domain"
	"fieldwatch/internal/events"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type incidents []domain.Incident

func (s incidents) List(keep func(domain.Incident) bool) []domain.Incident {
	var out []domain.Incident
	for _, i := range s {
		if keep(i) {
			out = append(out, i)
		}
	}
	return out
}

type published struct {
	mu     sync.Mutex
	events []string
}

func (p *published) Publish(eventType string, _ any) error {
	p.mu.Lock()
	p.events = append(p.events, eventType)
	p.mu.Unlock()
	return nil
}

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func at(id string, lat, lon float64, sev domain.Severity, age time.Duration) domain.Incident {
	return domain.Incident{ID: id, Type: "Fire", Lat: lat, Lon: lon, Severity: sev, Status: domain.StatusReported, Timestamp: testNow.Add(-age)}
}

var templates = []domain.AlertTemplate{
	{ID: "t-density", Body: "{{incident_count}} at {{severity_threshold}}+ within {{radius_meters}}m/{{time_window_minutes}}min near {{center_lat}},{{center_lon}}"},
	{ID: "t-single", Body: "{{incident_type}} {{incident_id}} at {{incident_lat}},{{incident_lon}} {{unknown}}"},
}

func densityRule() domain.AlertRule {
	return domain.AlertRule{
		ID: "r-density", Name: "cluster", IsEnabled: true,
		Conditions: domain.DensityConditions{SeverityThreshold: domain.SeverityHigh, IncidentCountThreshold: 3, TimeWindowMinutes: 60, RadiusMeters: 1000},
		Action:     domain.AlertAction{TemplateID: "t-density", Recipients: []domain.AlertRecipient{{Type: "email", Target: "ops@example.com"}}},
	}
}

func singleRule() domain.AlertRule {
	return domain.AlertRule{
		ID: "r-single", Name: "critical", IsEnabled: true,
		Conditions: domain.SingleIncidentConditions{SeverityThreshold: domain.SeverityCritical},
		Action:     domain.AlertAction{TemplateID: "t-single", Recipients: []domain.AlertRecipient{{Type: "sms", Target: "+1555"}}},
	}
}

func newEngine(src IncidentSource, pub Publisher, rules ...domain.AlertRule) *Engine {
	e := New(Options{Incidents: src, Publisher: pub, Rules: rules, Templates: templates})
	e.Now = func() time.Time { return testNow }
	n := 0
	e.NewID = func() string { n++; return fmt.Sprintf("%d", n) }
	return e
}

func TestDistanceMeters(t *testing.T) {
	assert.InDelta(t, 0, DistanceMeters(40.7128, -74.0060, 40.7128, -74.0060), 1e-9)
	// one degree of latitude is about 111.2 km
	assert.InDelta(t, 111195, DistanceMeters(0, 0, 1, 0), 50)
}

func TestRenderLeavesUnknownPlaceholders(t *testing.T) {
	got := Render("{{a}} and {{a}} but {{b}}", map[string]string{"a": "x"})
	assert.Equal(t, "x and x but {{b}}", got)
}

func TestDensityFiresOnceThenCoolsDown(t *testing.T) {
	src := incidents{
		at("i1", 40.7128, -74.0060, domain.SeverityHigh, 10*time.Minute),
		at("i2", 40.7130, -74.0062, domain.SeverityCritical, 20*time.Minute),
		at("i3", 40.7135, -74.0058, domain.SeverityHigh, 5*time.Minute),
		at("far", 41.0, -74.0, domain.SeverityHigh, time.Minute),
		at("old", 40.7128, -74.0060, domain.SeverityHigh, 2*time.Hour),
		at("minor", 40.7128, -74.0060, domain.SeverityLow, time.Minute),
	}
	pub := &published{}
	e := newEngine(src, pub, densityRule())

	fired := e.Evaluate(src[2])
	require.Len(t, fired, 1)
	assert.Equal(t, "Cluster of 3", fired[0].TriggeredBy)
	assert.Equal(t, "3 at High+ within 1000m/60min near 40.7135,-74.0058", fired[0].DispatchedMessage)
	assert.Equal(t, []string{events.TypeNewAlertLog}, pub.events)

	// a fourth incident inside the cooldown does not fire again
	src = append(src, at("i4", 40.7129, -74.0061, domain.SeverityHigh, 0))
	e.incidents = src
	e.Now = func() time.Time { return testNow.Add(5 * time.Minute) }
	assert.Empty(t, e.Evaluate(src[len(src)-1]))
	assert.Len(t, e.Logs(), 1)

	e.Now = func() time.Time { return testNow.Add(16 * time.Minute) }
	assert.Len(t, e.Evaluate(src[len(src)-1]), 1)
}

func TestDensityPairNearOriginFiresOnce(t *testing.T) {
	rule := densityRule()
	rule.Conditions = domain.DensityConditions{SeverityThreshold: domain.SeverityHigh, IncidentCountThreshold: 2, TimeWindowMinutes: 60, RadiusMeters: 500}
	src := incidents{
		at("a", 0, 0, domain.SeverityHigh, 2*time.Minute),
		at("b", 0, 0.001, domain.SeverityHigh, time.Minute),
	}
	pub := &published{}
	e := newEngine(src, pub, rule)

	fired := e.Evaluate(src[1])
	require.Len(t, fired, 1)
	assert.Equal(t, "Cluster of 2", fired[0].TriggeredBy)
	assert.Equal(t, "2 at High+ within 500m/60min near 0.0000,0.0010", fired[0].DispatchedMessage)

	src = append(src, at("c", 0, 0.0005, domain.SeverityCritical, 0))
	e.incidents = src
	e.Now = func() time.Time { return testNow.Add(time.Minute) }
	assert.Empty(t, e.Evaluate(src[2]))
	assert.Len(t, e.Logs(), 1)
	assert.Len(t, pub.events, 1)
}

func TestDensityBelowThreshold(t *testing.T) {
	src := incidents{
		at("i1", 40.7128, -74.0060, domain.SeverityHigh, time.Minute),
		at("i2", 40.7130, -74.0062, domain.SeverityMedium, time.Minute),
	}
	e := newEngine(src, nil, densityRule())
	assert.Empty(t, e.Evaluate(src[0]))
	// trigger below the rule severity never fires
	assert.Empty(t, e.Evaluate(src[1]))
}

func TestSingleIncidentThreshold(t *testing.T) {
	e := newEngine(incidents{}, nil, singleRule())
	assert.Empty(t, e.Evaluate(at("h", 1, 2, domain.SeverityHigh, 0)))

	fired := e.Evaluate(at("c", 40.71284, -74.00601, domain.SeverityCritical, 0))
	require.Len(t, fired, 1)
	assert.Equal(t, "c", fired[0].TriggeredBy)
	assert.Equal(t, "Fire c at 40.7128,-74.0060 {{unknown}}", fired[0].DispatchedMessage)
	assert.Equal(t, "r-single", fired[0].RuleID)
}

func TestSameIncidentFiresRuleOnce(t *testing.T) {
	e := newEngine(incidents{}, nil, singleRule())
	e.cooldown = time.Nanosecond
	inc := at("c", 1, 2, domain.SeverityCritical, 0)
	require.Len(t, e.Evaluate(inc), 1)
	e.Now = func() time.Time { return testNow.Add(time.Hour) }
	assert.Empty(t, e.Evaluate(inc))
	assert.Equal(t, 1, e.PruneFired(testNow.Add(time.Minute)))
	assert.Len(t, e.Evaluate(inc), 1)
}

func TestMissingTemplateSkipsRuleOnly(t *testing.T) {
	broken := singleRule()
	broken.ID = "r-broken"
	broken.Action.TemplateID = "gone"
	e := newEngine(incidents{}, nil, broken, singleRule())

	fired := e.Evaluate(at("c", 1, 2, domain.SeverityCritical, 0))
	require.Len(t, fired, 1)
	assert.Equal(t, "r-single", fired[0].RuleID)
	// the broken rule did not enter cooldown
	_, cooling := e.lastFired["r-broken"]
	assert.False(t, cooling)
}

func TestDisabledRuleIgnored(t *testing.T) {
	r := singleRule()
	r.IsEnabled = false
	e := newEngine(incidents{}, nil, r)
	assert.Empty(t, e.Evaluate(at("c", 1, 2, domain.SeverityCritical, 0)))
}

func TestLogRingKeepsNewestFirst(t *testing.T) {
	e := newEngine(incidents{}, nil, singleRule())
	e.capacity = 3
	e.cooldown = time.Nanosecond
	for i := 0; i < 5; i++ {
		e.Now = func() time.Time { return testNow.Add(time.Duration(i) * time.Minute) }
		require.Len(t, e.Evaluate(at(fmt.Sprintf("c%d", i), 1, 2, domain.SeverityCritical, 0)), 1)
	}
	logs := e.Logs()
	require.Len(t, logs, 3)
	assert.Equal(t, "c4", logs[0].TriggeredBy)
	assert.Equal(t, "c2", logs[2].TriggeredBy)
}

func TestRuleCRUD(t *testing.T) {
	e := newEngine(incidents{}, nil)
	r := singleRule()
	r.ID = ""
	created, err := e.CreateRule(r)
	require.NoError(t, err)
	assert.Equal(t, "rule-1", created.ID)

	created.Name = "renamed"
	updated, err := e.UpdateRule(created.ID, created)
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Name)

	bad := created
	bad.Action.TemplateID = "missing"
	_, err = e.UpdateRule(created.ID, bad)
	var verr domain.ValidationError
	assert.ErrorAs(t, err, &verr)

	require.NoError(t, e.DeleteRule(created.ID))
	assert.ErrorIs(t, e.DeleteRule(created.ID), domain.ErrNotFound)
	assert.Empty(t, e.Rules())
}
