package outbox

import (
	"context"
	"net/http"
	"time"
)

// Probe reports whether the server is reachable right now.
type Probe interface {
	Online(ctx context.Context) bool
}

// HTTPProbe treats any 2xx from URL as online.
type HTTPProbe struct {
	URL    string
	Client *http.Client
}

func (p HTTPProbe) Online(ctx context.Context) bool {
	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: 3 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return false
	}
	res, err := client.Do(req)
	if err != nil {
		return false
	}
	defer res.Body.Close()
	return res.StatusCode >= 200 && res.StatusCode < 300
}

// ProbeFunc adapts a function to Probe.
type ProbeFunc func(ctx context.Context) bool

func (f ProbeFunc) Online(ctx context.Context) bool { return f(ctx) }

// Watch polls p every interval and signals on each offline to online
// transition. onChange, if set, sees every state change. The returned
// channel is buffered(1) and coalesces.
func Watch(ctx context.Context, p Probe, interval time.Duration, onChange func(online bool)) <-chan struct{} {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	out := make(chan struct{}, 1)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		online := true
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			now := p.Online(ctx)
			if now == online {
				continue
			}
			online = now
			if onChange != nil {
				onChange(now)
			}
			if now {
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()
	return out
}
