package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"fieldwatch/internal/config"
	"fieldwatch/internal/domain"
	"fieldwatch/internal/engine"
	"fieldwatch/internal/events"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	Engine *engine.Engine
	Ctx    context.Context
	Actor  domain.Actor
}

func newTestEnv(t *testing.T, mutate ...func(*config.Config)) testEnv {
	t.Helper()
	cfg := config.Default()
	cfg.Seed.Incidents = []config.IncidentSeed{
		{ID: "inc-1", Lat: 40.7128, Lon: -74.0060, Type: "Fire", Severity: domain.SeverityHigh, Status: domain.StatusReported, ReporterName: "Alex", Source: "Mobile", AgeMinutes: 5},
	}
	for _, m := range mutate {
		m(cfg)
	}
	require.NoError(t, cfg.Validate())
	eng, err := engine.New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(eng.Close)
	actor, err := eng.User("op-1")
	require.NoError(t, err)
	return testEnv{Engine: eng, Ctx: context.Background(), Actor: actor}
}

func countAudit(inc domain.Incident, action string) int {
	n := 0
	for _, a := range inc.AuditLog {
		if a.Action == action {
			n++
		}
	}
	return n
}

func drain(sub *events.Subscription) []events.Frame {
	var out []events.Frame
	for {
		select {
		case f := <-sub.C:
			out = append(out, f)
		default:
			return out
		}
	}
}

func TestVerifyTwiceAppliesOnce(t *testing.T) {
	env := newTestEnv(t)
	sub := env.Engine.Hub.Subscribe(events.TypeUpdateIncident)
	defer sub.Close()

	first, replayed, err := env.Engine.Verify(env.Ctx, "act-1", "inc-1", env.Actor)
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.True(t, first.IsVerified)

	for i := 0; i < 3; i++ {
		again, replayed, err := env.Engine.Verify(env.Ctx, "act-1", "inc-1", env.Actor)
		require.NoError(t, err)
		assert.True(t, replayed)
		assert.Equal(t, first, again)
	}

	inc, err := env.Engine.Incident("inc-1")
	require.NoError(t, err)
	assert.Equal(t, 1, countAudit(inc, "Verify"))
	assert.Len(t, inc.AuditLog, 1)
	assert.Len(t, drain(sub), 1)
}

func TestConcurrentDuplicateDeliveries(t *testing.T) {
	env := newTestEnv(t)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := env.Engine.AddNote(env.Ctx, "note-1", "inc-1", "smoke visible", env.Actor)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	inc, err := env.Engine.Incident("inc-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"smoke visible"}, inc.Notes)
	assert.Equal(t, 1, countAudit(inc, "Add Note"))
	assert.Equal(t, `Note added: "smoke visible"`, inc.AuditLog[0].Comment)
}

func TestActionsRequireActionID(t *testing.T) {
	env := newTestEnv(t)
	_, _, err := env.Engine.Claim(env.Ctx, "", "inc-1", env.Actor)
	var verr domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "actionId", verr.Field)
}

func TestModerationActions(t *testing.T) {
	env := newTestEnv(t)
	e := env.Engine

	inc, _, err := e.Claim(env.Ctx, "a1", "inc-1", env.Actor)
	require.NoError(t, err)
	assert.Equal(t, "op-1", inc.ClaimedBy)
	assert.Equal(t, "Incident claimed by Dana Operator.", inc.AuditLog[0].Comment)
	assert.Equal(t, "Operator", inc.AuditLog[0].Role)

	other, err := e.User("op-2")
	require.NoError(t, err)
	_, _, err = e.Claim(env.Ctx, "a2", "inc-1", other)
	assert.ErrorIs(t, err, domain.ErrConflict)

	inc, _, err = e.RequestInfo(env.Ctx, "a3", "inc-1", env.Actor)
	require.NoError(t, err)
	assert.True(t, inc.IsFlagged)
	assert.Contains(t, inc.Notes, "Moderator requested more information from the reporter.")

	_, _, err = e.AddNote(env.Ctx, "a4", "inc-1", "  ", env.Actor)
	var verr domain.ValidationError
	assert.ErrorAs(t, err, &verr)

	inc, _, err = e.SetStatus(env.Ctx, "a5", "inc-1", domain.StatusInProgress, env.Actor)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProgress, inc.Status)
	_, _, err = e.SetStatus(env.Ctx, "a6", "inc-1", "Frozen", env.Actor)
	assert.ErrorAs(t, err, &verr)

	inc, _, err = e.Reject(env.Ctx, "a7", "inc-1", env.Actor)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusClosed, inc.Status)
	assert.False(t, inc.IsVerified)

	_, _, err = e.Verify(env.Ctx, "a8", "missing", env.Actor)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	// one audit entry per applied action; refusals leave no trace
	inc, err = e.Incident("inc-1")
	require.NoError(t, err)
	assert.Len(t, inc.AuditLog, 4)
}

func TestFailedActionCanBeRetried(t *testing.T) {
	env := newTestEnv(t)
	other, err := env.Engine.User("op-2")
	require.NoError(t, err)
	_, _, err = env.Engine.Claim(env.Ctx, "hold", "inc-1", other)
	require.NoError(t, err)

	_, _, err = env.Engine.Claim(env.Ctx, "mine", "inc-1", env.Actor)
	require.ErrorIs(t, err, domain.ErrConflict)
	assert.False(t, env.Engine.Guard.Applied("mine"))
}

func TestVerifyEvaluatesAlerts(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) {
		c.Seed.Incidents[0].Severity = domain.SeverityCritical
	})
	sub := env.Engine.Hub.Subscribe(events.TypeNewAlertLog)
	defer sub.Close()

	_, _, err := env.Engine.Verify(env.Ctx, "v1", "inc-1", env.Actor)
	require.NoError(t, err)
	logs := env.Engine.Alerts.Logs()
	require.Len(t, logs, 1)
	assert.Equal(t, "rule-critical", logs[0].RuleID)
	assert.Equal(t, "inc-1", logs[0].TriggeredBy)
	assert.Len(t, drain(sub), 1)

	// a replay does not evaluate again
	_, _, err = env.Engine.Verify(env.Ctx, "v1", "inc-1", env.Actor)
	require.NoError(t, err)
	assert.Len(t, env.Engine.Alerts.Logs(), 1)
}

func TestDensityAlertFromIngestion(t *testing.T) {
	env := newTestEnv(t)
	ts := time.Now().UTC().Add(-time.Minute).Format(time.RFC3339)
	batch := []engine.KioskEvent{
		{"lat": 40.7129, "lon": -74.0061, "type": "Fire", "timestamp": ts, "severity": "High"},
		{"lat": "40.7131", "lon": "-74.0059", "type": "Fire", "timestamp": ts, "severity": "critical"},
	}
	res := env.Engine.Ingest(env.Ctx, batch)
	require.Equal(t, 2, res.SuccessCount)

	logs := env.Engine.Alerts.Logs()
	require.NotEmpty(t, logs)
	assert.Equal(t, "Cluster of 3", logs[len(logs)-1].TriggeredBy)
}

func TestIngestPartialFailure(t *testing.T) {
	env := newTestEnv(t)
	sub := env.Engine.Hub.Subscribe(events.TypeNewIncident)
	defer sub.Close()
	ts := time.Now().UTC().Format(time.RFC3339)

	res := env.Engine.Ingest(env.Ctx, []engine.KioskEvent{
		{"lat": 1.5, "lon": 2.5, "type": "Flood", "timestamp": ts},
		{"lon": 2.5, "type": "Flood", "timestamp": ts},
		{"lat": 0.0, "lon": 0.0, "type": "Theft", "timestamp": ts, "reporter_name": "Pat", "media": "http://img/1.jpg"},
		{"lat": 1, "lon": 2, "type": "Flood", "timestamp": "yesterday"},
	})
	assert.Equal(t, "Sync completed.", res.Message)
	assert.Equal(t, 2, res.SuccessCount)
	assert.Equal(t, 2, res.ErrorCount)
	assert.Equal(t, "Event at index 1 is missing required fields (lat, lon, type, timestamp).", res.Errors[0])
	assert.Contains(t, res.Errors[1], "index 3")

	frames := drain(sub)
	require.Len(t, frames, 2)
	var msg struct {
		Type    string          `json:"type"`
		Payload domain.Incident `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(frames[0].Data, &msg))
	assert.Equal(t, events.TypeNewIncident, msg.Type)
	assert.Equal(t, domain.SeverityMedium, msg.Payload.Severity)
	assert.Equal(t, "Kiosk Reporter", msg.Payload.ReporterName)
	assert.Equal(t, "Kiosk", msg.Payload.Source)
	require.Len(t, msg.Payload.AuditLog, 1)
	assert.Equal(t, "System", msg.Payload.AuditLog[0].User)
	assert.Equal(t, "Incident Created", msg.Payload.AuditLog[0].Action)

	require.NoError(t, json.Unmarshal(frames[1].Data, &msg))
	assert.Equal(t, []string{"http://img/1.jpg"}, msg.Payload.Media)
	assert.Equal(t, "Pat", msg.Payload.ReporterName)
	assert.Zero(t, msg.Payload.Lat)
}

func TestRetentionPurgeAnonymizesOnce(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) {
		c.Seed.Incidents = []config.IncidentSeed{
			{ID: "old-closed", Lat: 40.712812, Lon: -74.006045, Type: "Theft", Severity: domain.SeverityLow, Status: domain.StatusClosed, ReporterName: "Alex", AgeMinutes: 91 * 24 * 60},
			{ID: "old-open", Lat: 1.23456, Lon: 2.34567, Type: "Theft", Severity: domain.SeverityLow, Status: domain.StatusInProgress, ReporterName: "Sam", AgeMinutes: 91 * 24 * 60},
			{ID: "new-closed", Lat: 1.23456, Lon: 2.34567, Type: "Theft", Severity: domain.SeverityLow, Status: domain.StatusResolved, ReporterName: "Kim", AgeMinutes: 10},
		}
	})
	sub := env.Engine.Hub.Subscribe(events.TypeUpdateIncident)
	defer sub.Close()

	var wg sync.WaitGroup
	var mu sync.Mutex
	total := 0
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := env.Engine.RunRetentionPurge(env.Ctx)
			assert.NoError(t, err)
			mu.Lock()
			total += n
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, total)

	inc, err := env.Engine.Incident("old-closed")
	require.NoError(t, err)
	assert.True(t, inc.IsAnonymized)
	assert.Equal(t, "[Purged]", inc.ReporterName)
	assert.InDelta(t, 40.71, inc.Lat, 1e-9)
	assert.InDelta(t, -74.01, inc.Lon, 1e-9)
	assert.Equal(t, 1, countAudit(inc, "Data Purged"))
	assert.Len(t, drain(sub), 1)

	for _, id := range []string{"old-open", "new-closed"} {
		inc, err := env.Engine.Incident(id)
		require.NoError(t, err)
		assert.False(t, inc.IsAnonymized, id)
	}

	n, err := env.Engine.RunRetentionPurge(env.Ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestFNOLLifecycle(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) {
		c.Insurer.CallbackDelayMin = time.Millisecond
		c.Insurer.CallbackDelayMax = 2 * time.Millisecond
		c.Insurer.AcceptRatio = 1
	})
	sub := env.Engine.Hub.Subscribe(events.TypeUpdateIncident)
	defer sub.Close()

	_, _, err := env.Engine.FNOLCallback(env.Ctx, "cb-early", "inc-1", engine.InsurerDecision{Accepted: true})
	var verr domain.ValidationError
	require.ErrorAs(t, err, &verr)

	inc, replayed, err := env.Engine.SubmitFNOL(env.Ctx, "fnol-1", "inc-1", env.Actor)
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, domain.FnolSubmitted, inc.Fnol.Status)
	assert.Equal(t, 1, countAudit(inc, "FNOL Submitted"))

	require.Eventually(t, func() bool {
		inc, err := env.Engine.Incident("inc-1")
		return err == nil && inc.Fnol.Status == domain.FnolAccepted
	}, 2*time.Second, 5*time.Millisecond)

	inc, err = env.Engine.Incident("inc-1")
	require.NoError(t, err)
	assert.Regexp(t, `^CLM-[A-Z0-9]{7}$`, inc.Fnol.ClaimID)
	assert.Equal(t, 1, countAudit(inc, "FNOL Accepted"))
	assert.Equal(t, "Claim approved with ID: "+inc.Fnol.ClaimID, inc.AuditLog[len(inc.AuditLog)-1].Comment)

	// the callback is itself guarded
	_, replayed, err = env.Engine.FNOLCallback(env.Ctx, "fnol-callback:fnol-1", "inc-1", engine.InsurerDecision{})
	require.NoError(t, err)
	assert.True(t, replayed)

	_, _, err = env.Engine.SubmitFNOL(env.Ctx, "fnol-2", "inc-1", env.Actor)
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestFNOLRejection(t *testing.T) {
	env := newTestEnv(t)
	_, _, err := env.Engine.SubmitFNOL(env.Ctx, "f1", "inc-1", env.Actor)
	require.NoError(t, err)
	inc, _, err := env.Engine.FNOLCallback(env.Ctx, "cb-1", "inc-1", engine.InsurerDecision{Accepted: false})
	require.NoError(t, err)
	assert.Equal(t, domain.FnolRejected, inc.Fnol.Status)
	assert.Empty(t, inc.Fnol.ClaimID)
	assert.Equal(t, "Claim rejected due to policy exclusion.", inc.AuditLog[len(inc.AuditLog)-1].Comment)

	// a rejected claim may be resubmitted
	_, _, err = env.Engine.SubmitFNOL(env.Ctx, "f2", "inc-1", env.Actor)
	assert.NoError(t, err)
}

func TestSimulatedStream(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Random = func() float64 { return 0.75 }
	posts := env.Engine.Hub.Subscribe(events.TypeNewSocialPost)
	defer posts.Close()

	inc, ok, err := env.Engine.SimulateIncident(env.Ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotEqual(t, "inc-1", inc.ID)
	assert.InDelta(t, 40.7128+0.005, inc.Lat, 1e-9)
	assert.Equal(t, domain.StatusReported, inc.Status)
	assert.False(t, inc.IsVerified)
	assert.Len(t, env.Engine.Incidents(false), 2)

	post, ok, err := env.Engine.SimulateSocialPost()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, []string{"hazard", "noise"}, post.Classification)
	require.Len(t, drain(posts), 1)
}

func TestIncidentsVerifiedFilter(t *testing.T) {
	env := newTestEnv(t)
	assert.Empty(t, env.Engine.Incidents(true))
	_, _, err := env.Engine.Verify(env.Ctx, "v", "inc-1", env.Actor)
	require.NoError(t, err)
	assert.Len(t, env.Engine.Incidents(true), 1)
}

func TestCreateIncidentHonoursCancelledContext(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(env.Ctx)
	cancel()
	_, err := env.Engine.CreateIncident(ctx, domain.Incident{Type: "x", Severity: domain.SeverityLow}, env.Actor, "")
	assert.True(t, errors.Is(err, context.Canceled), fmt.Sprint(err))
}
