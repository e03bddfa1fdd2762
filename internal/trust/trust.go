// Package trust scores user actions and turns the score into an
// authorization decision.
//
// Six extractors each produce a sub-score in [0,100] from the action and the
// user's signal history. The aggregator combines them with fixed weights,
// the policy maps the aggregate onto allow / verify / block using two
// thresholds, and the engine drives step-up verification and the audit log
// around that pure core.
package trust

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/trustgate/internal/mfa"
	"github.com/mbd888/trustgate/internal/pagination"
)

// Factor names one risk factor.
type Factor string

const (
	FactorDevice      Factor = "device"
	FactorVelocity    Factor = "velocity"
	FactorGeolocation Factor = "geolocation"
	FactorBehavior    Factor = "behavior"
	FactorAccount     Factor = "account_history"
	FactorTime        Factor = "time"
)

// Factors lists every factor in canonical order. Explanations break ties
// using this order.
var Factors = []Factor{
	FactorDevice,
	FactorVelocity,
	FactorGeolocation,
	FactorBehavior,
	FactorAccount,
	FactorTime,
}

// FactorScore is one extractor's output.
type FactorScore struct {
	Factor   Factor  `json:"factor"`
	Score    float64 `json:"score"`
	Weight   float64 `json:"weight"`
	Evidence string  `json:"evidence"`
	Degraded bool    `json:"degraded,omitempty"`
}

// RiskFactorSnapshot holds the six sub-scores for one action, in canonical
// order.
type RiskFactorSnapshot struct {
	ActionID string        `json:"actionId"`
	Factors  []FactorScore `json:"factors"`
}

// Get returns the score for f.
func (s *RiskFactorSnapshot) Get(f Factor) (FactorScore, bool) {
	for _, fs := range s.Factors {
		if fs.Factor == f {
			return fs, true
		}
	}
	return FactorScore{}, false
}

// Decision is the authorization verdict.
type Decision string

const (
	DecisionAllow  Decision = "allow"
	DecisionVerify Decision = "verify"
	DecisionBlock  Decision = "block"
)

// RiskLevel is the coarse risk band shown to operators.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// TrustScoreRecord is the immutable result of scoring one action.
type TrustScoreRecord struct {
	ID                 string             `json:"id"`
	ActionID           string             `json:"actionId"`
	UserID             string             `json:"userId"`
	Kind               ActionKind         `json:"kind"`
	Amount             *decimal.Decimal   `json:"amount,omitempty"`
	Score              float64            `json:"score"`
	Snapshot           RiskFactorSnapshot `json:"snapshot"`
	Decision           Decision           `json:"decision"`
	RiskLevel          RiskLevel          `json:"riskLevel"`
	Explanation        string             `json:"explanation"`
	Recommendations    []string           `json:"recommendations,omitempty"`
	VelocityVeto       bool               `json:"velocityVeto,omitempty"`
	ChallengeID        string             `json:"challengeId,omitempty"`
	ChallengeExpiresAt *time.Time         `json:"challengeExpiresAt,omitempty"`
	CreatedAt          time.Time          `json:"createdAt"`
}

// ChallengeOutcome records one verification attempt in the audit log.
type ChallengeOutcome struct {
	ID          string      `json:"id"`
	ChallengeID string      `json:"challengeId"`
	UserID      string      `json:"userId,omitempty"`
	ActionID    string      `json:"actionId,omitempty"`
	Outcome     mfa.Outcome `json:"outcome"`
	At          time.Time   `json:"at"`
}

// AuditLog is the append-only record of decisions and challenge outcomes.
// Reads are projections for reporting.
type AuditLog interface {
	Append(ctx context.Context, rec *TrustScoreRecord) error
	AppendOutcome(ctx context.Context, o *ChallengeOutcome) error

	// Recent returns up to limit records for userID, newest first by
	// (CreatedAt, ID).
	Recent(ctx context.Context, userID string, limit int, opts ...ListOption) ([]*TrustScoreRecord, error)
	// Alerts returns up to limit verify/block records across users, in the
	// same order as Recent.
	Alerts(ctx context.Context, limit int, opts ...ListOption) ([]*TrustScoreRecord, error)
	// Since returns records created at or after from, oldest first.
	Since(ctx context.Context, from time.Time) ([]*TrustScoreRecord, error)
	// OutcomesSince returns challenge outcomes at or after from, oldest first.
	OutcomesSince(ctx context.Context, from time.Time) ([]*ChallengeOutcome, error)
}

// ListOption narrows a newest-first audit listing.
type ListOption func(*ListOptions)

// ListOptions is the resolved form of a set of ListOption.
type ListOptions struct {
	Cursor *pagination.Cursor
}

// WithCursor restricts a listing to records after c. A nil cursor is a no-op.
func WithCursor(c *pagination.Cursor) ListOption {
	return func(o *ListOptions) { o.Cursor = c }
}

// ApplyListOptions resolves opts for store implementations.
func ApplyListOptions(opts []ListOption) ListOptions {
	var o ListOptions
	for _, fn := range opts {
		fn(&o)
	}
	return o
}
