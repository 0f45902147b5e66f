// Package risk scores behavioral telemetry events and decides how much
// friction to apply to them.
//
// Every event flows through four stages: the aggregator derives a feature
// set from the user's stored history, the rule scorer and the anomaly adapter
// each turn that feature set into a 0-100 contribution, the cascade fuses the
// two and applies ordered override policies, and the store gate decides
// whether the event may join the history used for future fingerprints.
package risk

import (
	"context"
	"errors"
	"time"
)

// Decision is the friction level applied to an event.
type Decision string

const (
	DecisionAllow     Decision = "Allow"
	DecisionAlert     Decision = "Alert"
	DecisionChallenge Decision = "Challenge"
	DecisionBlock     Decision = "Block"
)

// Rank orders decisions by increasing friction. Unknown values rank -1.
func (d Decision) Rank() int {
	switch d {
	case DecisionAllow:
		return 0
	case DecisionAlert:
		return 1
	case DecisionChallenge:
		return 2
	case DecisionBlock:
		return 3
	default:
		return -1
	}
}

// Valid reports whether d is one of the four known decisions.
func (d Decision) Valid() bool { return d.Rank() >= 0 }

// Errors
var (
	ErrValidation        = errors.New("risk: invalid event")
	ErrStore             = errors.New("risk: event store failure")
	ErrScorerUnavailable = errors.New("risk: anomaly scorer unavailable")
)

// Event is a normalized behavioral telemetry event.
type Event struct {
	UserID    string
	Device    string
	City      string
	Service   string
	EventTime time.Time
	Region    string
	OS        string
	Browser   string
}

// Record is a scored event as held by the event store.
type Record struct {
	ID string
	Event
	TimestampMs int64 // receipt time; the only windowing key
	AIRiskScore float64
	RulesScore  float64
	RiskScore   float64
	Decision    Decision
	RawPayload  string
}

// Payload is the normalized event echoed back to the caller and serialized
// into Record.RawPayload.
type Payload struct {
	UserID    string `json:"user_id"`
	Device    string `json:"device"`
	City      string `json:"city"`
	Service   string `json:"service"`
	EventTime string `json:"event_time"`
	Region    string `json:"region,omitempty"`
	OS        string `json:"os,omitempty"`
	Browser   string `json:"browser,omitempty"`
}

// Assessment is the result of scoring a single event.
type Assessment struct {
	EventID        string     `json:"event_id"`
	RiskScore      float64    `json:"risk_score"`
	AIRiskScore    float64    `json:"ai_risk_score"`
	RulesScore     float64    `json:"rules_score"`
	RawScore       float64    `json:"raw_score"`
	Decision       Decision   `json:"decision"`
	Baseline       Decision   `json:"baseline_decision"`
	PoliciesFired  []string   `json:"policies_fired"`
	RulesTriggered []RuleHit  `json:"rules_triggered"`
	Persisted      bool       `json:"persisted"`
	FeatureVersion string     `json:"feature_version"`
	Features       FeatureSet `json:"features_used"`
	Payload        Payload    `json:"received_payload"`
	EvaluatedAt    time.Time  `json:"evaluated_at"`
}

// Field names a fingerprint column that frequency queries may filter on.
type Field string

const (
	FieldCity    Field = "city"
	FieldDevice  Field = "device"
	FieldService Field = "service"
)

// Valid reports whether f is a queryable fingerprint column.
func (f Field) Valid() bool {
	switch f {
	case FieldCity, FieldDevice, FieldService:
		return true
	}
	return false
}

// WindowQuery counts a user's records received at or after SinceMs.
type WindowQuery struct {
	UserID  string
	SinceMs int64
}

// FrequencyQuery asks what share of a user's records carry Value in Field.
type FrequencyQuery struct {
	UserID string
	Field  Field
	Value  string
}

// LowRiskQuery counts a user's records with risk_score <= MaxRisk.
type LowRiskQuery struct {
	UserID  string
	MaxRisk float64
}

// RecentQuery lists the newest records across all users.
type RecentQuery struct {
	Limit int
}

// HistoryStats summarizes the size of a user's history.
type HistoryStats struct {
	Total        int
	DistinctDays int
}

// Store is the append-only event log the engine reads fingerprints from.
// LastRecord returns (nil, nil) when the user has no history.
type Store interface {
	Insert(ctx context.Context, rec *Record) error
	CountSince(ctx context.Context, q WindowQuery) (int, error)
	TotalAndDistinctDays(ctx context.Context, userID string) (HistoryStats, error)
	Frequency(ctx context.Context, q FrequencyQuery) (float64, error)
	LastRecord(ctx context.Context, userID string) (*Record, error)
	CountLowRisk(ctx context.Context, q LowRiskQuery) (int, error)
	Recent(ctx context.Context, q RecentQuery) ([]*Record, error)
	Ping(ctx context.Context) error
}
