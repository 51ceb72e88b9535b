package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"fieldwatch/internal/domain"
	"fieldwatch/internal/metrics"
)

// KioskEvent is one offline report from a kiosk batch. Fields arrive loosely
// typed: coordinates may be numbers or numeric strings.
type KioskEvent map[string]any

type IngestResult struct {
	Message      string   `json:"message"`
	SuccessCount int      `json:"successCount"`
	ErrorCount   int      `json:"errorCount"`
	Errors       []string `json:"errors"`
}

// Ingest creates one incident per valid event. Invalid events are reported
// by index and do not affect the others.
func (e *Engine) Ingest(ctx context.Context, batch []KioskEvent) IngestResult {
	res := IngestResult{Message: "Sync completed.", Errors: []string{}}
	for i, ev := range batch {
		inc, err := e.parseKioskEvent(i, ev)
		if err == nil {
			_, err = e.CreateIncident(ctx, inc, domain.SystemActor, "Incident ingested via Kiosk Sync.")
		}
		if err != nil {
			metrics.IncIngest("error")
			res.Errors = append(res.Errors, err.Error())
			continue
		}
		metrics.IncIngest("success")
		res.SuccessCount++
	}
	res.ErrorCount = len(res.Errors)
	e.Log.Infow("kiosk batch ingested", "events", len(batch), "success", res.SuccessCount, "errors", res.ErrorCount)
	return res
}

func (e *Engine) parseKioskEvent(index int, ev KioskEvent) (domain.Incident, error) {
	missing := func() error {
		return fmt.Errorf("Event at index %d is missing required fields (lat, lon, type, timestamp).", index)
	}
	lat, okLat := number(ev["lat"])
	lon, okLon := number(ev["lon"])
	typ, okType := text(ev["type"])
	rawTS, okTS := text(ev["timestamp"])
	if !okLat || !okLon || !okType || !okTS || typ == "" || rawTS == "" {
		return domain.Incident{}, missing()
	}
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return domain.Incident{}, fmt.Errorf("Event at index %d has coordinates out of range.", index)
	}
	ts, err := time.Parse(time.RFC3339, rawTS)
	if err != nil {
		return domain.Incident{}, fmt.Errorf("Event at index %d has an invalid timestamp %q.", index, rawTS)
	}

	severity := domain.SeverityMedium
	if raw, ok := text(ev["severity"]); ok && raw != "" {
		s, ok := domain.ParseSeverity(raw)
		if !ok {
			return domain.Incident{}, fmt.Errorf("Event at index %d has an invalid severity %q.", index, raw)
		}
		severity = s
	}
	reporter := "Kiosk Reporter"
	if raw, ok := text(ev["reporter_name"]); ok && raw != "" {
		reporter = raw
	}
	source := "Kiosk"
	if raw, ok := text(ev["source"]); ok && raw != "" {
		source = raw
	}
	media := []string{}
	if raw, ok := text(ev["media"]); ok && raw != "" {
		media = append(media, raw)
	}
	return domain.Incident{
		Lat:          lat,
		Lon:          lon,
		Type:         typ,
		Severity:     severity,
		Status:       domain.StatusReported,
		Timestamp:    ts.UTC(),
		ReporterName: reporter,
		Source:       source,
		Media:        media,
	}, nil
}

// number accepts JSON numbers and numeric strings. Zero is a valid value.
func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case int:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

func text(v any) (string, bool) {
	s, ok := v.(string)
	return strings.TrimSpace(s), ok
}
