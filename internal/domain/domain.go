package domain

import (
	"strings"
	"time"
)

type Status string

const (
	StatusReported   Status = "Reported"
	StatusInProgress Status = "In Progress"
	StatusResolved   Status = "Resolved"
	StatusClosed     Status = "Closed"
)

// Valid reports whether s is one of the known incident statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusReported, StatusInProgress, StatusResolved, StatusClosed:
		return true
	}
	return false
}

// Inactive statuses are eligible for retention purge.
func (s Status) Inactive() bool {
	return s == StatusResolved || s == StatusClosed
}

type Severity string

const (
	SeverityLow      Severity = "Low"
	SeverityMedium   Severity = "Medium"
	SeverityHigh     Severity = "High"
	SeverityCritical Severity = "Critical"
)

// Rank orders severities from 1 (Low) to 4 (Critical); unknown values rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// AtLeast reports whether s is as severe as threshold.
func (s Severity) AtLeast(threshold Severity) bool {
	return s.Rank() > 0 && s.Rank() >= threshold.Rank()
}

// ParseSeverity matches a severity name case-insensitively.
func ParseSeverity(raw string) (Severity, bool) {
	for _, s := range []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical} {
		if strings.EqualFold(strings.TrimSpace(raw), string(s)) {
			return s, true
		}
	}
	return "", false
}

type FnolState string

const (
	FnolNone      FnolState = "None"
	FnolSubmitted FnolState = "Submitted"
	FnolAccepted  FnolState = "Accepted"
	FnolRejected  FnolState = "Rejected"
)

type Fnol struct {
	Status      FnolState `json:"status" enum:"None,Submitted,Accepted,Rejected"`
	ClaimID     string    `json:"claimId,omitempty"`
	LastUpdated time.Time `json:"lastUpdated" format:"date-time"`
}

type AuditLogEntry struct {
	User      string    `json:"user"`
	Role      string    `json:"role"`
	Timestamp time.Time `json:"timestamp" format:"date-time"`
	Action    string    `json:"action"`
	Comment   string    `json:"comment"`
}

type Breadcrumb struct {
	TS  time.Time `json:"ts" format:"date-time"`
	Lat float64   `json:"lat"`
	Lon float64   `json:"lon"`
}

type Incident struct {
	ID           string          `json:"id"`
	Lat          float64         `json:"lat"`
	Lon          float64         `json:"lon"`
	Type         string          `json:"type"`
	Severity     Severity        `json:"severity" enum:"Low,Medium,High,Critical"`
	Status       Status          `json:"status" enum:"Reported,In Progress,Resolved,Closed"`
	Timestamp    time.Time       `json:"timestamp" format:"date-time"`
	ReporterName string          `json:"reporter_name"`
	Source       string          `json:"source"`
	Media        []string        `json:"media"`
	IsVerified   bool            `json:"isVerified"`
	IsFlagged    bool            `json:"isFlagged"`
	Notes        []string        `json:"notes"`
	Breadcrumb   []Breadcrumb    `json:"breadcrumb,omitempty"`
	ClaimedBy    string          `json:"claimedBy,omitempty"`
	AuditLog     []AuditLogEntry `json:"auditLog"`
	Fnol         Fnol            `json:"fnol"`
	IsAnonymized bool            `json:"isAnonymized"`
}

// Clone returns a deep copy safe to hand out for rendering.
func (i Incident) Clone() Incident {
	out := i
	out.Media = append([]string{}, i.Media...)
	out.Notes = append([]string{}, i.Notes...)
	out.AuditLog = append([]AuditLogEntry{}, i.AuditLog...)
	if i.Breadcrumb != nil {
		out.Breadcrumb = append([]Breadcrumb{}, i.Breadcrumb...)
	}
	return out
}

type Role string

const (
	RoleOperator Role = "Operator"
	RolePartner  Role = "Partner"
	RoleSystem   Role = "System"
)

// User is a known dashboard identity. The acting user of a request is its Actor.
type User struct {
	ID     string `json:"id" yaml:"id"`
	Name   string `json:"name" yaml:"name"`
	Role   Role   `json:"role" yaml:"role" enum:"Operator,Partner,System"`
	Agency string `json:"agency,omitempty" yaml:"agency,omitempty"`
}

type Actor = User

// SystemActor attributes automated mutations (ingestion, purge, insurer callbacks).
var SystemActor = Actor{ID: "system", Name: "System", Role: RoleSystem}

type SocialPost struct {
	ID        string    `json:"id" yaml:"id"`
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
	Author    string    `json:"author" yaml:"author"`
	Content   string    `json:"content" yaml:"content"`
	Source    string    `json:"source" yaml:"source" enum:"Twitter,Facebook,Instagram"`
}

type ClassifiedPost struct {
	SocialPost
	Classification string   `json:"classification" enum:"hazard,noise"`
	Sentiment      float64  `json:"sentiment"`
	Keywords       []string `json:"keywords"`
}
