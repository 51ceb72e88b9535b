package server

import (
	"fieldwatch/internal/domain"
)

// Request payloads

// ActionRequest is the body of every guarded moderation action.
type ActionRequest struct {
	ActionID string `json:"actionId" minLength:"1" doc:"Client-generated id; repeated deliveries are applied once"`
}

type NoteRequest struct {
	ActionID string `json:"actionId" minLength:"1"`
	Note     string `json:"note"`
}

type StatusRequest struct {
	ActionID string        `json:"actionId" minLength:"1"`
	Status   domain.Status `json:"status" enum:"Reported,In Progress,Resolved,Closed"`
}

type FNOLRequest struct {
	ActionID   string `json:"actionId" minLength:"1"`
	IncidentID string `json:"incidentId" minLength:"1"`
}

type InsurerCallbackRequest struct {
	ActionID   string `json:"actionId" minLength:"1"`
	IncidentID string `json:"incidentId" minLength:"1"`
	Status     string `json:"status,omitempty" enum:"Accepted,Rejected" doc:"Omit to let the simulated insurer decide"`
	ClaimID    string `json:"claimId,omitempty"`
}

// KioskSyncRequest items are checked one by one during ingestion, so a
// malformed entry only fails itself.
type KioskSyncRequest struct {
	Events []any `json:"events"`
}

type RuleRequest struct {
	Name       string               `json:"name" minLength:"1"`
	IsEnabled  *bool                `json:"isEnabled,omitempty"`
	Conditions domain.ConditionSpec `json:"conditions"`
	Action     domain.AlertAction   `json:"action"`
}

type DevLoginRequest struct {
	UserID string `json:"userId" minLength:"1"`
}

// Response payloads

type RuleResponse struct {
	ID         string               `json:"id"`
	Name       string               `json:"name"`
	IsEnabled  bool                 `json:"isEnabled"`
	Conditions domain.ConditionSpec `json:"conditions"`
	Action     domain.AlertAction   `json:"action"`
}

type FNOLResponse struct {
	Message  string          `json:"message"`
	Incident domain.Incident `json:"incident"`
}

type DevLoginResponse struct {
	Token string      `json:"token"`
	User  domain.User `json:"user"`
}

func ruleResponse(r domain.AlertRule) RuleResponse {
	return RuleResponse{
		ID:         r.ID,
		Name:       r.Name,
		IsEnabled:  r.IsEnabled,
		Conditions: domain.SpecOf(r.Conditions),
		Action:     r.Action,
	}
}

func mapRules(items []domain.AlertRule) []RuleResponse {
	out := make([]RuleResponse, 0, len(items))
	for _, r := range items {
		out = append(out, ruleResponse(r))
	}
	return out
}

func (r RuleRequest) rule() (domain.AlertRule, error) {
	cond, err := r.Conditions.Build()
	if err != nil {
		return domain.AlertRule{}, err
	}
	enabled := true
	if r.IsEnabled != nil {
		enabled = *r.IsEnabled
	}
	action := r.Action
	if action.Recipients == nil {
		action.Recipients = []domain.AlertRecipient{}
	}
	return domain.AlertRule{Name: r.Name, IsEnabled: enabled, Conditions: cond, Action: action}, nil
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
