package types

import (
	"fmt"
	"time"
)

// Category of a recommendation
type Category string

const (
	CategoryFinOps Category = "finops"
	CategorySecOps Category = "secops"
)

// Severity of a recommendation
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// RecommendationStatus is the only recommendation field persisted across syncs
type RecommendationStatus string

const (
	RecommendationOpen      RecommendationStatus = "open"
	RecommendationDismissed RecommendationStatus = "dismissed"
	RecommendationResolved  RecommendationStatus = "resolved"
)

// ParseRecommendationStatus validates a status string
func ParseRecommendationStatus(s string) (RecommendationStatus, error) {
	switch RecommendationStatus(s) {
	case RecommendationOpen, RecommendationDismissed, RecommendationResolved:
		return RecommendationStatus(s), nil
	}
	return "", fmt.Errorf("invalid recommendation status %q", s)
}

// Recommendation is a finding derived from one instance by the rule engine
type Recommendation struct {
	ID           string               `json:"id"`
	AccountID    string               `json:"account_id"`
	Provider     Provider             `json:"provider"`
	ResourceType string               `json:"resource_type"`
	ResourceID   string               `json:"resource_id"`
	Category     Category             `json:"category"`
	Severity     Severity             `json:"severity"`
	RuleID       string               `json:"rule_id"`
	Title        string               `json:"title"`
	Description  string               `json:"description"`
	Evidence     map[string]string    `json:"evidence,omitempty"`
	Status       RecommendationStatus `json:"status"`
	CreatedAt    time.Time            `json:"created_at"`
	UpdatedAt    time.Time            `json:"updated_at"`
}

// StatusKey identifies a recommendation across regenerations
func (r *Recommendation) StatusKey() string {
	return r.AccountID + "|" + r.RuleID + "|" + r.ResourceID
}

// RecommendationFilter for querying stored recommendations
type RecommendationFilter struct {
	AccountID string               `json:"account_id,omitempty"`
	Category  Category             `json:"category,omitempty"`
	Severity  Severity             `json:"severity,omitempty"`
	Status    RecommendationStatus `json:"status,omitempty"`
}

// Matches checks if the recommendation satisfies every set filter field
func (f RecommendationFilter) Matches(r *Recommendation) bool {
	if f.AccountID != "" && r.AccountID != f.AccountID {
		return false
	}
	if f.Category != "" && r.Category != f.Category {
		return false
	}
	if f.Severity != "" && r.Severity != f.Severity {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	return true
}

// RegenerateResult summarizes a rule pass over stored snapshots
type RegenerateResult struct {
	Accounts        int      `json:"accounts"`
	Instances       int      `json:"instances"`
	Recommendations int      `json:"recommendations_generated"`
	Skipped         []string `json:"skipped,omitempty"`
}
