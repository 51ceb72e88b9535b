package engine

import (
	"context"
	"errors"
	"math"
	"time"

	"fieldwatch/internal/domain"
)

var errNotEligible = errors.New("incident not eligible for anonymization")

// RetentionCutoff is the timestamp before which inactive incidents are purged.
func (e *Engine) RetentionCutoff(now time.Time) time.Time {
	return now.Add(-time.Duration(e.Config.Retention.PeriodDays) * 24 * time.Hour)
}

func (e *Engine) eligible(inc domain.Incident, cutoff time.Time) bool {
	return !inc.IsAnonymized && inc.Status.Inactive() && inc.Timestamp.Before(cutoff)
}

func roundTo(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

// Anonymize coarsens location data and removes the reporter name of one
// incident. Eligibility is rechecked under the incident lock, so an incident
// is anonymized at most once however many purges race for it.
func (e *Engine) Anonymize(ctx context.Context, incidentID string, cutoff time.Time) (domain.Incident, bool, error) {
	places := e.Config.Retention.CoordinatePrecision
	return e.apply(ctx, ActionAnonymize, "retention-anonymize:"+incidentID, incidentID, domain.SystemActor, func(inc *domain.Incident, _ time.Time) (string, string, error) {
		if !e.eligible(*inc, cutoff) {
			return "", "", errNotEligible
		}
		inc.IsAnonymized = true
		inc.Lat = roundTo(inc.Lat, places)
		inc.Lon = roundTo(inc.Lon, places)
		inc.ReporterName = "[Purged]"
		for i := range inc.Breadcrumb {
			inc.Breadcrumb[i].Lat = roundTo(inc.Breadcrumb[i].Lat, places)
			inc.Breadcrumb[i].Lon = roundTo(inc.Breadcrumb[i].Lon, places)
		}
		return "Data Purged", "Incident anonymized by automated retention policy.", nil
	})
}

// RunRetentionPurge anonymizes every eligible incident and returns how many
// were changed by this run. It also expires old idempotency records and
// alert firing marks.
func (e *Engine) RunRetentionPurge(ctx context.Context) (int, error) {
	now := e.now()
	cutoff := e.RetentionCutoff(now)
	candidates := e.Store.List(func(i domain.Incident) bool { return e.eligible(i, cutoff) })
	purged := 0
	for _, inc := range candidates {
		if err := ctx.Err(); err != nil {
			return purged, err
		}
		_, replayed, err := e.Anonymize(ctx, inc.ID, cutoff)
		switch {
		case errors.Is(err, errNotEligible):
		case err != nil:
			e.Log.Errorw("anonymize failed", "incidentId", inc.ID, "error", err)
		case !replayed:
			purged++
		}
	}
	if ttl := e.Config.Idempotency.TTL; ttl > 0 {
		if n := e.Guard.Prune(now.Add(-ttl)); n > 0 {
			e.Log.Debugw("idempotency records expired", "count", n)
		}
		e.Alerts.PruneFired(now.Add(-ttl))
	}
	e.Log.Infow("retention purge finished", "candidates", len(candidates), "anonymized", purged)
	return purged, nil
}

// RunRetention purges once immediately and then every interval until ctx is done.
func (e *Engine) RunRetention(ctx context.Context) {
	interval := e.Config.Retention.PurgeInterval
	if _, err := e.RunRetentionPurge(ctx); err != nil && ctx.Err() == nil {
		e.Log.Errorw("retention purge failed", "error", err)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.RunRetentionPurge(ctx); err != nil && ctx.Err() == nil {
				e.Log.Errorw("retention purge failed", "error", err)
			}
		}
	}
}
