package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

type ConditionType string

const (
	ConditionDensity        ConditionType = "density"
	ConditionSingleIncident ConditionType = "single_incident"
)

// Conditions is the closed set of rule trigger shapes: DensityConditions or
// SingleIncidentConditions.
type Conditions interface {
	Type() ConditionType
	Threshold() Severity
	isConditions()
}

type DensityConditions struct {
	SeverityThreshold      Severity
	IncidentCountThreshold int
	TimeWindowMinutes      int
	RadiusMeters           float64
}

func (DensityConditions) Type() ConditionType   { return ConditionDensity }
func (c DensityConditions) Threshold() Severity { return c.SeverityThreshold }
func (DensityConditions) isConditions()         {}

// Window returns the lookback window as a duration.
func (c DensityConditions) Window() time.Duration {
	return time.Duration(c.TimeWindowMinutes) * time.Minute
}

type SingleIncidentConditions struct {
	SeverityThreshold Severity
}

func (SingleIncidentConditions) Type() ConditionType   { return ConditionSingleIncident }
func (c SingleIncidentConditions) Threshold() Severity { return c.SeverityThreshold }
func (SingleIncidentConditions) isConditions()         {}

// ConditionSpec is the flat wire/config form of Conditions.
type ConditionSpec struct {
	Type                   ConditionType `json:"type" yaml:"type" enum:"density,single_incident"`
	SeverityThreshold      Severity      `json:"severity_threshold" yaml:"severity_threshold" enum:"Low,Medium,High,Critical"`
	IncidentCountThreshold int           `json:"incident_count_threshold,omitempty" yaml:"incident_count_threshold,omitempty"`
	TimeWindowMinutes      int           `json:"time_window_minutes,omitempty" yaml:"time_window_minutes,omitempty"`
	RadiusMeters           float64       `json:"radius_meters,omitempty" yaml:"radius_meters,omitempty"`
}

// Build validates the spec and returns the matching Conditions variant.
func (s ConditionSpec) Build() (Conditions, error) {
	sev, ok := ParseSeverity(string(s.SeverityThreshold))
	if !ok {
		return nil, ValidationError{Field: "conditions.severity_threshold", Reason: fmt.Sprintf("unknown severity %q", s.SeverityThreshold)}
	}
	switch s.Type {
	case ConditionSingleIncident:
		return SingleIncidentConditions{SeverityThreshold: sev}, nil
	case ConditionDensity:
		if s.IncidentCountThreshold < 1 {
			return nil, ValidationError{Field: "conditions.incident_count_threshold", Reason: "must be at least 1"}
		}
		if s.TimeWindowMinutes < 1 {
			return nil, ValidationError{Field: "conditions.time_window_minutes", Reason: "must be at least 1"}
		}
		if s.RadiusMeters <= 0 {
			return nil, ValidationError{Field: "conditions.radius_meters", Reason: "must be positive"}
		}
		return DensityConditions{
			SeverityThreshold:      sev,
			IncidentCountThreshold: s.IncidentCountThreshold,
			TimeWindowMinutes:      s.TimeWindowMinutes,
			RadiusMeters:           s.RadiusMeters,
		}, nil
	default:
		return nil, ValidationError{Field: "conditions.type", Reason: fmt.Sprintf("unknown condition type %q", s.Type)}
	}
}

// SpecOf flattens c back into its wire form.
func SpecOf(c Conditions) ConditionSpec {
	switch v := c.(type) {
	case DensityConditions:
		return ConditionSpec{
			Type:                   ConditionDensity,
			SeverityThreshold:      v.SeverityThreshold,
			IncidentCountThreshold: v.IncidentCountThreshold,
			TimeWindowMinutes:      v.TimeWindowMinutes,
			RadiusMeters:           v.RadiusMeters,
		}
	case SingleIncidentConditions:
		return ConditionSpec{Type: ConditionSingleIncident, SeverityThreshold: v.SeverityThreshold}
	}
	return ConditionSpec{}
}

type AlertRecipient struct {
	Type   string `json:"type" yaml:"type" enum:"email,sms,push,ivr"`
	Target string `json:"target" yaml:"target"`
}

type AlertAction struct {
	TemplateID string           `json:"template_id" yaml:"template_id"`
	Recipients []AlertRecipient `json:"recipients" yaml:"recipients"`
}

type AlertRule struct {
	ID         string
	Name       string
	IsEnabled  bool
	Conditions Conditions
	Action     AlertAction
}

type alertRuleJSON struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	IsEnabled  bool          `json:"isEnabled"`
	Conditions ConditionSpec `json:"conditions"`
	Action     AlertAction   `json:"action"`
}

func (r AlertRule) MarshalJSON() ([]byte, error) {
	return json.Marshal(alertRuleJSON{
		ID:         r.ID,
		Name:       r.Name,
		IsEnabled:  r.IsEnabled,
		Conditions: SpecOf(r.Conditions),
		Action:     r.Action,
	})
}

func (r *AlertRule) UnmarshalJSON(data []byte) error {
	var raw alertRuleJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	cond, err := raw.Conditions.Build()
	if err != nil {
		return err
	}
	*r = AlertRule{ID: raw.ID, Name: raw.Name, IsEnabled: raw.IsEnabled, Conditions: cond, Action: raw.Action}
	return nil
}

type AlertTemplate struct {
	ID      string `json:"id" yaml:"id"`
	Name    string `json:"name" yaml:"name"`
	Subject string `json:"subject" yaml:"subject"`
	Body    string `json:"body" yaml:"body"`
}

// AlertLog is written once per rule firing and never modified.
type AlertLog struct {
	ID                string           `json:"id"`
	Timestamp         time.Time        `json:"timestamp" format:"date-time"`
	RuleID            string           `json:"rule_id"`
	RuleName          string           `json:"rule_name"`
	TriggeredBy       string           `json:"triggered_by"`
	DispatchedMessage string           `json:"dispatched_message"`
	Recipients        []AlertRecipient `json:"recipients"`
}
