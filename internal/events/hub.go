package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"fieldwatch/internal/logging"
	"fieldwatch/internal/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	TypeNewIncident    = "new-incident"
	TypeUpdateIncident = "update-incident"
	TypeNewSocialPost  = "new-social-post"
	TypeNewAlertLog    = "new-alert-log"
	TypeHeartbeat      = "heartbeat"
)

// Message is the wire shape of every live event.
type Message struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// Frame is one encoded Message as delivered to subscribers.
type Frame struct {
	Type string
	Data []byte
}

type Heartbeat struct {
	Timestamp time.Time `json:"timestamp"`
}

// Subscription receives frames on C until it is closed or evicted.
type Subscription struct {
	ID string
	C  <-chan Frame

	ch    chan Frame
	types map[string]bool
	hub   *Hub
}

// Close unsubscribes. Safe to call more than once.
func (s *Subscription) Close() {
	s.hub.remove(s, false)
}

// Hub fans live events out to subscribers. A subscriber whose buffer is full
// is dropped rather than slowing the publisher; it is expected to reconnect
// and reload state.
type Hub struct {
	Buffer int
	Log    *zap.SugaredLogger

	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

func NewHub(buffer int, log *zap.SugaredLogger) *Hub {
	if buffer < 1 {
		buffer = 64
	}
	return &Hub{Buffer: buffer, Log: logging.OrNop(log), subs: map[*Subscription]struct{}{}}
}

// Subscribe registers a subscriber for the given event types, or for all
// types when none are given.
func (h *Hub) Subscribe(types ...string) *Subscription {
	ch := make(chan Frame, h.Buffer)
	sub := &Subscription{ID: uuid.NewString(), C: ch, ch: ch, hub: h}
	if len(types) > 0 {
		sub.types = map[string]bool{}
		for _, t := range types {
			sub.types[t] = true
		}
	}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	n := len(h.subs)
	h.mu.Unlock()
	metrics.SetLiveSubscribers(n)
	h.Log.Debugw("live subscriber joined", "subscriber", sub.ID, "subscribers", n)
	return sub
}

func (h *Hub) remove(sub *Subscription, evicted bool) {
	h.mu.Lock()
	h.removeLocked(sub, evicted)
	h.mu.Unlock()
}

func (h *Hub) removeLocked(sub *Subscription, evicted bool) {
	if _, ok := h.subs[sub]; !ok {
		return
	}
	delete(h.subs, sub)
	close(sub.ch)
	metrics.SetLiveSubscribers(len(h.subs))
	if evicted {
		metrics.IncBroadcastEviction()
		h.Log.Warnw("live subscriber evicted, buffer full", "subscriber", sub.ID)
	}
}

// Publish encodes the event once and offers it to every matching
// subscriber without blocking. Frames reach each subscriber in publish order.
func (h *Hub) Publish(eventType string, payload any) error {
	data, err := json.Marshal(Message{Type: eventType, Payload: payload})
	if err != nil {
		return fmt.Errorf("encode %s event: %w", eventType, err)
	}
	frame := Frame{Type: eventType, Data: data}
	metrics.IncBroadcast(eventType)

	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		if sub.types != nil && !sub.types[eventType] {
			continue
		}
		select {
		case sub.ch <- frame:
		default:
			h.removeLocked(sub, true)
		}
	}
	return nil
}

// Len returns the number of live subscribers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// RunHeartbeat publishes a heartbeat every interval until ctx is done.
func (h *Hub) RunHeartbeat(ctx context.Context, interval time.Duration, now func() time.Time) {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := h.Publish(TypeHeartbeat, Heartbeat{Timestamp: now()}); err != nil {
				h.Log.Errorw("heartbeat publish failed", "error", err)
			}
		}
	}
}

// Close drops every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		h.removeLocked(sub, false)
	}
}
