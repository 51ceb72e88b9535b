package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"fieldwatch/internal/domain"
)

// FNOLPayload is the first-notice-of-loss record handed to the insurer.
type FNOLPayload struct {
	PolicyHolder      string    `json:"policyHolder"`
	IncidentReference string    `json:"incidentReference"`
	IncidentTime      time.Time `json:"incidentTime"`
	Location          struct {
		Lat float64 `json:"lat"`
		Lon float64 `json:"lon"`
	} `json:"location"`
	Description string   `json:"description"`
	MediaURLs   []string `json:"mediaUrls"`
}

func fnolPayload(inc domain.Incident) FNOLPayload {
	notes := "N/A"
	if len(inc.Notes) > 0 {
		notes = strings.Join(inc.Notes, " ")
	}
	p := FNOLPayload{
		PolicyHolder:      inc.ReporterName,
		IncidentReference: inc.ID,
		IncidentTime:      inc.Timestamp,
		Description:       fmt.Sprintf("Incident of type '%s'. Notes: %s", inc.Type, notes),
		MediaURLs:         append([]string{}, inc.Media...),
	}
	p.Location.Lat = inc.Lat
	p.Location.Lon = inc.Lon
	return p
}

// InsurerDecision is the outcome of an insurer review.
type InsurerDecision struct {
	Accepted bool
	ClaimID  string
}

// SubmitFNOL sends the incident to the insurer and schedules the simulated
// insurer callback. A pending or accepted claim cannot be resubmitted.
func (e *Engine) SubmitFNOL(ctx context.Context, actionID, incidentID string, actor domain.Actor) (domain.Incident, bool, error) {
	var payload FNOLPayload
	inc, replayed, err := e.apply(ctx, ActionFNOL, actionID, incidentID, actor, func(inc *domain.Incident, now time.Time) (string, string, error) {
		switch inc.Fnol.Status {
		case domain.FnolSubmitted, domain.FnolAccepted:
			return "", "", fmt.Errorf("incident %s FNOL already %s: %w", inc.ID, inc.Fnol.Status, domain.ErrConflict)
		}
		payload = fnolPayload(*inc)
		inc.Fnol = domain.Fnol{Status: domain.FnolSubmitted, LastUpdated: now}
		return "FNOL Submitted", "User consented and incident data was submitted to insurer.", nil
	})
	if err != nil || replayed {
		return inc, replayed, err
	}
	e.Log.Infow("FNOL sent to insurer", "incidentId", inc.ID, "actionId", actionID, "payload", payload)
	e.scheduleInsurerCallback(actionID, inc.ID)
	return inc, false, nil
}

func (e *Engine) scheduleInsurerCallback(submitActionID, incidentID string) {
	lo, hi := e.Config.Insurer.CallbackDelayMin, e.Config.Insurer.CallbackDelayMax
	delay := lo + time.Duration(e.random()*float64(hi-lo))
	callbackID := "fnol-callback:" + submitActionID
	e.after(delay, func() {
		decision := e.Decide()
		if _, _, err := e.FNOLCallback(context.Background(), callbackID, incidentID, decision); err != nil {
			e.Log.Warnw("insurer callback failed", "incidentId", incidentID, "actionId", callbackID, "error", err)
		}
	})
}

// Decide simulates the insurer review.
func (e *Engine) Decide() InsurerDecision {
	if e.random() >= e.Config.Insurer.AcceptRatio {
		return InsurerDecision{}
	}
	return InsurerDecision{Accepted: true, ClaimID: e.claimID()}
}

const claimAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func (e *Engine) claimID() string {
	var b strings.Builder
	b.WriteString("CLM-")
	for i := 0; i < 7; i++ {
		b.WriteByte(claimAlphabet[int(e.random()*float64(len(claimAlphabet)))%len(claimAlphabet)])
	}
	return b.String()
}

// FNOLCallback records the insurer's decision. It is guarded like any other
// action; an incident that never had an FNOL submitted is refused.
func (e *Engine) FNOLCallback(ctx context.Context, actionID, incidentID string, d InsurerDecision) (domain.Incident, bool, error) {
	return e.apply(ctx, ActionFNOLCallback, actionID, incidentID, domain.SystemActor, func(inc *domain.Incident, now time.Time) (string, string, error) {
		if inc.Fnol.Status == domain.FnolNone || inc.Fnol.Status == "" {
			return "", "", domain.ValidationError{Field: "fnol", Reason: "Incident has no FNOL status to update."}
		}
		inc.Fnol.LastUpdated = now
		if !d.Accepted {
			inc.Fnol.Status = domain.FnolRejected
			inc.Fnol.ClaimID = ""
			return "FNOL Rejected", "Claim rejected due to policy exclusion.", nil
		}
		claimID := d.ClaimID
		if claimID == "" {
			claimID = e.claimID()
		}
		inc.Fnol.Status = domain.FnolAccepted
		inc.Fnol.ClaimID = claimID
		return "FNOL Accepted", "Claim approved with ID: " + claimID, nil
	})
}
