package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"fieldwatch/internal/domain"

	"gopkg.in/yaml.v3"
)

// Config models fieldwatch.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Broadcast struct {
		HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
		SubscriberBuffer  int           `yaml:"subscriber_buffer"`
	} `yaml:"broadcast"`
	Alerts struct {
		Cooldown    time.Duration `yaml:"cooldown"`
		LogCapacity int           `yaml:"log_capacity"`
		EvaluateOn  []string      `yaml:"evaluate_on"`
	} `yaml:"alerts"`
	Retention struct {
		PeriodDays          int           `yaml:"period_days"`
		PurgeInterval       time.Duration `yaml:"purge_interval"`
		CoordinatePrecision int           `yaml:"coordinate_precision"`
	} `yaml:"retention"`
	Idempotency struct {
		TTL time.Duration `yaml:"ttl"`
	} `yaml:"idempotency"`
	Insurer struct {
		CallbackDelayMin time.Duration `yaml:"callback_delay_min"`
		CallbackDelayMax time.Duration `yaml:"callback_delay_max"`
		AcceptRatio      float64       `yaml:"accept_ratio"`
	} `yaml:"insurer"`
	Stream struct {
		Enabled          bool          `yaml:"enabled"`
		IncidentInterval time.Duration `yaml:"incident_interval"`
		SocialInterval   time.Duration `yaml:"social_interval"`
	} `yaml:"stream"`
	Auth struct {
		JWTSecret    string `yaml:"jwt_secret"`
		DefaultActor string `yaml:"default_actor"`
	} `yaml:"auth"`
	Users     []domain.User          `yaml:"users"`
	Rules     []RuleSeed             `yaml:"rules"`
	Templates []domain.AlertTemplate `yaml:"templates"`
	Seed      struct {
		Incidents   []IncidentSeed      `yaml:"incidents"`
		SocialPosts []domain.SocialPost `yaml:"social_posts"`
	} `yaml:"seed"`
	Notifications struct {
		Webhooks []WebhookConfig `yaml:"webhooks"`
	} `yaml:"notifications"`
}

type RuleSeed struct {
	ID         string               `yaml:"id"`
	Name       string               `yaml:"name"`
	Enabled    bool                 `yaml:"enabled"`
	Conditions domain.ConditionSpec `yaml:"conditions"`
	Action     domain.AlertAction   `yaml:"action"`
}

// Rule converts the seed into a domain rule.
func (r RuleSeed) Rule() (domain.AlertRule, error) {
	cond, err := r.Conditions.Build()
	if err != nil {
		return domain.AlertRule{}, fmt.Errorf("rule %s: %w", r.ID, err)
	}
	return domain.AlertRule{ID: r.ID, Name: r.Name, IsEnabled: r.Enabled, Conditions: cond, Action: r.Action}, nil
}

type IncidentSeed struct {
	ID           string          `yaml:"id"`
	Lat          float64         `yaml:"lat"`
	Lon          float64         `yaml:"lon"`
	Type         string          `yaml:"type"`
	Severity     domain.Severity `yaml:"severity"`
	Status       domain.Status   `yaml:"status"`
	ReporterName string          `yaml:"reporter_name"`
	Source       string          `yaml:"source"`
	Verified     bool            `yaml:"verified"`
	AgeMinutes   int             `yaml:"age_minutes"`
}

// Incident materializes the seed relative to now.
func (s IncidentSeed) Incident(now time.Time) domain.Incident {
	ts := now.Add(-time.Duration(s.AgeMinutes) * time.Minute)
	return domain.Incident{
		ID:           s.ID,
		Lat:          s.Lat,
		Lon:          s.Lon,
		Type:         s.Type,
		Severity:     s.Severity,
		Status:       s.Status,
		Timestamp:    ts,
		ReporterName: s.ReporterName,
		Source:       s.Source,
		Media:        []string{},
		IsVerified:   s.Verified,
		Notes:        []string{},
		AuditLog:     []domain.AuditLogEntry{},
		Fnol:         domain.Fnol{Status: domain.FnolNone, LastUpdated: ts},
	}
}

type WebhookConfig struct {
	ID             string   `yaml:"id"`
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	MaxAttempts    int      `yaml:"max_attempts"`
	Enabled        bool     `yaml:"enabled"`
}

// EvaluatesOn reports whether alert evaluation is configured for the trigger.
func (c *Config) EvaluatesOn(trigger string) bool {
	for _, t := range c.Alerts.EvaluateOn {
		if strings.EqualFold(t, trigger) {
			return true
		}
	}
	return false
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if c.Broadcast.HeartbeatInterval <= 0 {
		return fmt.Errorf("config.broadcast.heartbeat_interval must be positive")
	}
	if c.Broadcast.SubscriberBuffer < 1 {
		return fmt.Errorf("config.broadcast.subscriber_buffer must be at least 1")
	}
	if c.Alerts.LogCapacity < 1 {
		return fmt.Errorf("config.alerts.log_capacity must be at least 1")
	}
	if c.Alerts.Cooldown < 0 {
		return fmt.Errorf("config.alerts.cooldown must not be negative")
	}
	for _, t := range c.Alerts.EvaluateOn {
		if t != "created" && t != "verified" {
			return fmt.Errorf("config.alerts.evaluate_on has unknown trigger %s", t)
		}
	}
	if c.Retention.PeriodDays < 1 {
		return fmt.Errorf("config.retention.period_days must be at least 1")
	}
	if c.Retention.PurgeInterval <= 0 {
		return fmt.Errorf("config.retention.purge_interval must be positive")
	}
	if c.Retention.CoordinatePrecision < 0 || c.Retention.CoordinatePrecision > 6 {
		return fmt.Errorf("config.retention.coordinate_precision must be between 0 and 6")
	}
	if c.Stream.Enabled && (c.Stream.IncidentInterval <= 0 || c.Stream.SocialInterval <= 0) {
		return fmt.Errorf("config.stream intervals must be positive when the stream is enabled")
	}
	if c.Insurer.CallbackDelayMax < c.Insurer.CallbackDelayMin {
		return fmt.Errorf("config.insurer.callback_delay_max must not be below callback_delay_min")
	}
	if c.Insurer.AcceptRatio < 0 || c.Insurer.AcceptRatio > 1 {
		return fmt.Errorf("config.insurer.accept_ratio must be between 0 and 1")
	}
	users := map[string]bool{}
	for _, u := range c.Users {
		if u.ID == "" {
			return fmt.Errorf("config.users contains empty id")
		}
		switch u.Role {
		case domain.RoleOperator, domain.RolePartner, domain.RoleSystem:
		default:
			return fmt.Errorf("user %s has unknown role %s", u.ID, u.Role)
		}
		users[u.ID] = true
	}
	if c.Auth.DefaultActor != "" && !users[c.Auth.DefaultActor] {
		return fmt.Errorf("config.auth.default_actor references unknown user %s", c.Auth.DefaultActor)
	}
	templates := map[string]bool{}
	for _, t := range c.Templates {
		if t.ID == "" {
			return fmt.Errorf("config.templates contains empty id")
		}
		templates[t.ID] = true
	}
	for _, r := range c.Rules {
		if r.ID == "" {
			return fmt.Errorf("config.rules contains empty id")
		}
		if _, err := r.Rule(); err != nil {
			return err
		}
		if !templates[r.Action.TemplateID] {
			return fmt.Errorf("rule %s references unknown template %s", r.ID, r.Action.TemplateID)
		}
	}
	for _, s := range c.Seed.Incidents {
		if s.ID == "" {
			return fmt.Errorf("config.seed.incidents contains empty id")
		}
		if s.Severity.Rank() == 0 {
			return fmt.Errorf("seed incident %s has unknown severity %s", s.ID, s.Severity)
		}
		if !s.Status.Valid() {
			return fmt.Errorf("seed incident %s has unknown status %s", s.ID, s.Status)
		}
	}
	for _, w := range c.Notifications.Webhooks {
		if w.URL == "" {
			return fmt.Errorf("config.notifications.webhooks entry %s has empty url", w.ID)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "fieldwatch.yml")
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the built-in config, including demo seed data.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return &cfg
}

// FromYAML parses config over the defaults and validates it.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `server:
  addr: ":8080"
  base_path: /api

broadcast:
  heartbeat_interval: 30s
  subscriber_buffer: 64

alerts:
  cooldown: 15m
  log_capacity: 100
  evaluate_on: [created, verified]

retention:
  period_days: 90
  purge_interval: 5m
  coordinate_precision: 2

idempotency:
  ttl: 24h

insurer:
  callback_delay_min: 5s
  callback_delay_max: 10s
  accept_ratio: 0.7

stream:
  enabled: false
  incident_interval: 10s
  social_interval: 7s

auth:
  jwt_secret: fieldwatch-dev-secret
  default_actor: op-1

users:
  - id: op-1
    name: Dana Operator
    role: Operator
    agency: City Dispatch
  - id: op-2
    name: Sam Moderator
    role: Operator
    agency: City Dispatch
  - id: partner-1
    name: Riley Adjuster
    role: Partner
    agency: Acme Insurance

templates:
  - id: tmpl-density
    name: Incident Cluster
    subject: "Cluster of {{incident_count}} incidents"
    body: "{{incident_count}} incidents at or above {{severity_threshold}} within {{radius_meters}}m over the last {{time_window_minutes}} minutes near {{center_lat}}, {{center_lon}}."
  - id: tmpl-single
    name: Critical Incident
    subject: "{{incident_type}} reported"
    body: "Incident {{incident_id}} ({{incident_type}}) at {{incident_lat}}, {{incident_lon}}."

rules:
  - id: rule-density
    name: High severity cluster
    enabled: true
    conditions:
      type: density
      severity_threshold: High
      incident_count_threshold: 3
      time_window_minutes: 60
      radius_meters: 1000
    action:
      template_id: tmpl-density
      recipients:
        - {type: email, target: dispatch@city.example}
        - {type: sms, target: "+15550100"}
  - id: rule-critical
    name: Critical incident
    enabled: true
    conditions:
      type: single_incident
      severity_threshold: Critical
    action:
      template_id: tmpl-single
      recipients:
        - {type: push, target: on-call}

seed:
  incidents:
    - {id: inc-1001, lat: 40.7128, lon: -74.0060, type: Fire, severity: High, status: Reported, reporter_name: Alex Doe, source: Mobile, verified: true, age_minutes: 30}
    - {id: inc-1002, lat: 40.7138, lon: -74.0070, type: Traffic Accident, severity: Medium, status: In Progress, reporter_name: Jordan Poe, source: Mobile, verified: false, age_minutes: 45}
    - {id: inc-1003, lat: 40.7306, lon: -73.9866, type: Theft, severity: Low, status: Resolved, reporter_name: Casey Roe, source: Kiosk, verified: true, age_minutes: 180}
  social_posts:
    - {id: post-1, author: "@citywatcher", content: "Huge fire near the bridge, smoke everywhere! Avoid the area.", source: Twitter}
    - {id: post-2, author: "@foodie", content: "Amazing food festival downtown, great music and fun!", source: Instagram}
    - {id: post-3, author: "@neighbor", content: "Police and ambulance on Main St, looks like a crash.", source: Facebook}
    - {id: post-4, author: "@parkfan", content: "Beautiful day at the park, everything feels safe.", source: Twitter}
`
