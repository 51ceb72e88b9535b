package engine

import (
	"context"
	"time"

	"fieldwatch/internal/domain"
	"fieldwatch/internal/events"
	"fieldwatch/internal/nlp"

	"github.com/google/uuid"
)

// SimulateIncident clones a random stored incident with jittered coordinates
// into a fresh Reported incident. It returns false when there is nothing to clone.
func (e *Engine) SimulateIncident(ctx context.Context) (domain.Incident, bool, error) {
	existing := e.Store.List(nil)
	if len(existing) == 0 {
		return domain.Incident{}, false, nil
	}
	src := existing[e.pick(len(existing))]
	inc := domain.Incident{
		Lat:          src.Lat + (e.random()-0.5)*0.02,
		Lon:          src.Lon + (e.random()-0.5)*0.02,
		Type:         src.Type,
		Severity:     src.Severity,
		Status:       domain.StatusReported,
		ReporterName: src.ReporterName,
		Source:       src.Source,
	}
	created, err := e.CreateIncident(ctx, inc, domain.SystemActor, "Incident automatically generated.")
	if err != nil {
		return domain.Incident{}, false, err
	}
	return created, true, nil
}

// SimulateSocialPost classifies a random seed post and broadcasts it.
func (e *Engine) SimulateSocialPost() (domain.ClassifiedPost, bool, error) {
	seeds := e.Config.Seed.SocialPosts
	if len(seeds) == 0 {
		return domain.ClassifiedPost{}, false, nil
	}
	post := seeds[e.pick(len(seeds))]
	post.ID = "soc-" + uuid.NewString()
	post.Timestamp = e.now()
	classified := nlp.Classify(post)
	if err := e.Hub.Publish(events.TypeNewSocialPost, classified); err != nil {
		return domain.ClassifiedPost{}, false, err
	}
	return classified, true, nil
}

func (e *Engine) pick(n int) int {
	i := int(e.random() * float64(n))
	if i >= n {
		i = n - 1
	}
	return i
}

// jittered returns a duration in [base, 2*base).
func (e *Engine) jittered(base time.Duration) time.Duration {
	return base + time.Duration(e.random()*float64(base))
}

// RunStream emits simulated incidents and social posts until ctx is done.
func (e *Engine) RunStream(ctx context.Context) {
	incidentTimer := time.NewTimer(e.jittered(e.Config.Stream.IncidentInterval))
	socialTimer := time.NewTimer(e.jittered(e.Config.Stream.SocialInterval))
	defer incidentTimer.Stop()
	defer socialTimer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-incidentTimer.C:
			if inc, ok, err := e.SimulateIncident(ctx); err != nil {
				e.Log.Warnw("simulated incident failed", "error", err)
			} else if ok {
				e.Log.Debugw("simulated incident", "incidentId", inc.ID)
			}
			incidentTimer.Reset(e.jittered(e.Config.Stream.IncidentInterval))
		case <-socialTimer.C:
			if _, _, err := e.SimulateSocialPost(); err != nil {
				e.Log.Warnw("simulated social post failed", "error", err)
			}
			socialTimer.Reset(e.jittered(e.Config.Stream.SocialInterval))
		}
	}
}

// Start runs the background loops: heartbeat, retention purge and, when
// enabled, the simulated stream. It returns immediately.
func (e *Engine) Start(ctx context.Context) {
	go e.Hub.RunHeartbeat(ctx, e.Config.Broadcast.HeartbeatInterval, e.now)
	go e.RunRetention(ctx)
	if e.Config.Stream.Enabled {
		go e.RunStream(ctx)
	}
}
