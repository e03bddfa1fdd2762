// Package signals is the Signal Store: per-user historical state read by the
// trust factor extractors. It holds data only, no policy.
//
// Devices, locations and behaviour samples are append-only histories. A user
// profile is created at provisioning, mutated by verification events and
// deactivated rather than deleted.
package signals

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

var (
	ErrUserNotFound = errors.New("user not found")
	ErrUserExists   = errors.New("user already exists")
	ErrInvalidUser  = errors.New("user id is required")
)

// History the scoring factors read. The memory store keeps no more than
// this per user.
const (
	BehaviorHistory   = 50
	LocationRetention = 90 * 24 * time.Hour
	MaxLocations      = 500
)

// Role is the account role.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Channel identifies a verification channel on a profile.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelPhone Channel = "phone"
)

// UserProfile is the account metadata read by the account history factor.
type UserProfile struct {
	ID            string     `json:"id"`
	Role          Role       `json:"role"`
	EmailVerified bool       `json:"emailVerified"`
	PhoneVerified bool       `json:"phoneVerified"`
	CreatedAt     time.Time  `json:"createdAt"`
	DeactivatedAt *time.Time `json:"deactivatedAt,omitempty"`
}

// Active reports whether the profile has not been deactivated.
func (p *UserProfile) Active() bool {
	return p.DeactivatedAt == nil
}

// AgeDays returns whole days between account creation and at.
func (p *UserProfile) AgeDays(at time.Time) int {
	if at.Before(p.CreatedAt) {
		return 0
	}
	return int(at.Sub(p.CreatedAt).Hours() / 24)
}

// DeviceTraits are the raw client signals a fingerprint is derived from.
type DeviceTraits struct {
	UserAgent string `json:"userAgent"`
	Platform  string `json:"platform"`
	Screen    string `json:"screen"`
	Language  string `json:"language"`
	Timezone  string `json:"timezone"`
}

// Fingerprint returns a stable SHA-256 hash of the traits. Values are
// normalised so cosmetic differences (case, surrounding spaces) hash equal.
// An all-empty trait set yields "".
func Fingerprint(t DeviceTraits) string {
	parts := []string{t.UserAgent, t.Platform, t.Screen, t.Language, t.Timezone}
	empty := true
	for i, p := range parts {
		parts[i] = strings.ToLower(strings.TrimSpace(p))
		if parts[i] != "" {
			empty = false
		}
	}
	if empty {
		return ""
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(sum[:])
}

// DeviceFingerprint is a device a user has acted from. Trust grows with
// recurrence count and age.
type DeviceFingerprint struct {
	UserID    string    `json:"userId"`
	Hash      string    `json:"hash"`
	FirstSeen time.Time `json:"firstSeen"`
	LastSeen  time.Time `json:"lastSeen"`
	SeenCount int       `json:"seenCount"`
}

// Coordinates is a coarse centroid for a location sample.
type Coordinates struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// LocationSample is a coarse geo observation tied to one action.
type LocationSample struct {
	UserID   string       `json:"userId"`
	ActionID string       `json:"actionId"`
	Country  string       `json:"country"`
	Region   string       `json:"region,omitempty"`
	Coords   *Coordinates `json:"coords,omitempty"`
	Timezone string       `json:"timezone,omitempty"`
	At       time.Time    `json:"at"`
}

// BehaviorSample is the shape of one past action, used to build the user's
// behavioural distribution.
type BehaviorSample struct {
	UserID       string    `json:"userId"`
	ActionID     string    `json:"actionId"`
	Kind         string    `json:"kind"`
	Category     string    `json:"category,omitempty"`
	AmountBucket int       `json:"amountBucket"`
	Hour         int       `json:"hour"`
	At           time.Time `json:"at"`
}

// Incident is a recorded security incident against a user.
type Incident struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	Kind        string    `json:"kind"`
	Severity    string    `json:"severity"`
	Description string    `json:"description,omitempty"`
	Resolved    bool      `json:"resolved"`
	At          time.Time `json:"at"`
}

// Store is the Signal Store contract.
type Store interface {
	CreateProfile(ctx context.Context, p *UserProfile) error
	GetProfile(ctx context.Context, userID string) (*UserProfile, error)
	MarkVerified(ctx context.Context, userID string, channel Channel) error
	Deactivate(ctx context.Context, userID string, at time.Time) error

	Devices(ctx context.Context, userID string) ([]DeviceFingerprint, error)
	TouchDevice(ctx context.Context, userID, hash string, at time.Time) error

	Locations(ctx context.Context, userID string, since time.Time) ([]LocationSample, error)
	AppendLocation(ctx context.Context, s *LocationSample) error

	Behavior(ctx context.Context, userID string, limit int) ([]BehaviorSample, error)
	AppendBehavior(ctx context.Context, s *BehaviorSample) error

	RecordIncident(ctx context.Context, inc *Incident) error
	OpenIncidents(ctx context.Context, userID string) (int, error)
}
