// Package mfa implements the step-up verification challenge state machine.
//
// A challenge moves Pending -> Verified | Expired | Failed and never back.
// Each user has at most one Pending challenge; issuing again while it is
// still valid returns it unchanged. Expiry is evaluated lazily whenever a
// challenge is touched, so there is no timer per user.
package mfa

import (
	"context"
	"errors"
	"time"
)

var (
	ErrChallengeNotFound = errors.New("challenge not found")
	ErrChallengeExpired  = errors.New("challenge expired")
	ErrAttemptsExceeded  = errors.New("challenge attempts exceeded")
	ErrIncorrectCode     = errors.New("incorrect verification code")
	ErrMissingUser       = errors.New("user id is required")
)

// Defaults used when Config fields are zero.
const (
	DefaultTTL         = 5 * time.Minute
	DefaultMaxAttempts = 3
	DefaultCodeLength  = 6

	// retiredPerUser bounds how many resolved challenges stay addressable
	// so late verification attempts get a precise outcome.
	retiredPerUser = 4
)

// State is the lifecycle state of a challenge.
type State string

const (
	StatePending  State = "pending"
	StateVerified State = "verified"
	StateExpired  State = "expired"
	StateFailed   State = "failed"
)

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	return s != StatePending
}

// Challenge is a time-bounded verification request for one user.
type Challenge struct {
	ID          string     `json:"challengeId"`
	UserID      string     `json:"userId"`
	ActionID    string     `json:"actionId,omitempty"`
	Code        string     `json:"-"`
	State       State      `json:"state"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"maxAttempts"`
	IssuedAt    time.Time  `json:"issuedAt"`
	ExpiresAt   time.Time  `json:"expiresAt"`
	ResolvedAt  *time.Time `json:"resolvedAt,omitempty"`
	Delivered   bool       `json:"delivered"`
}

// Outcome is the result of one verification attempt.
type Outcome string

const (
	OutcomeVerified  Outcome = "verified"
	OutcomeIncorrect Outcome = "incorrect"
	OutcomeFailed    Outcome = "failed"
	OutcomeExpired   Outcome = "expired"
	OutcomeNotFound  Outcome = "not_found"
)

// Result describes a verification attempt. Callers branch on Outcome; the
// auth flow renders different guidance for each.
type Result struct {
	Outcome           Outcome `json:"outcome"`
	ChallengeID       string  `json:"challengeId"`
	UserID            string  `json:"userId,omitempty"`
	ActionID          string  `json:"actionId,omitempty"`
	State             State   `json:"state,omitempty"`
	AttemptsRemaining int     `json:"attemptsRemaining"`
}

// Err maps the outcome to its sentinel error, nil when verified.
func (r Result) Err() error {
	switch r.Outcome {
	case OutcomeVerified:
		return nil
	case OutcomeIncorrect:
		return ErrIncorrectCode
	case OutcomeFailed:
		return ErrAttemptsExceeded
	case OutcomeExpired:
		return ErrChallengeExpired
	default:
		return ErrChallengeNotFound
	}
}

// Config controls challenge lifetime and code shape.
type Config struct {
	TTL         time.Duration
	MaxAttempts int
	CodeLength  int
}

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.CodeLength <= 0 {
		c.CodeLength = DefaultCodeLength
	}
	return c
}

// Notifier delivers a freshly minted code to the user (SMS, email, ...).
type Notifier interface {
	Deliver(ctx context.Context, c *Challenge) error
}

// Mirror receives a copy of every state change for durability or
// cross-instance visibility. In-memory state stays authoritative.
type Mirror interface {
	Save(ctx context.Context, c *Challenge) error
}
