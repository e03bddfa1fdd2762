package trust

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mbd888/trustgate/internal/signals"
)

// ErrInvalidAction is wrapped by every InputError.
var ErrInvalidAction = errors.New("invalid action")

// MaxClockSkew is how far in the future an action timestamp may lie.
const MaxClockSkew = 5 * time.Minute

// InputError rejects a malformed action before any scoring happens.
type InputError struct {
	Field  string
	Reason string
}

func (e *InputError) Error() string {
	return fmt.Sprintf("invalid action: %s %s", e.Field, e.Reason)
}

func (e *InputError) Unwrap() error { return ErrInvalidAction }

// ActionKind names what the user is attempting.
type ActionKind string

const (
	KindLogin      ActionKind = "login"
	KindPurchase   ActionKind = "purchase"
	KindRefund     ActionKind = "refund"
	KindTransfer   ActionKind = "transfer"
	KindWithdrawal ActionKind = "withdrawal"
)

// Monetary reports whether the kind moves money and therefore needs an amount.
func (k ActionKind) Monetary() bool {
	switch k {
	case KindPurchase, KindRefund, KindTransfer, KindWithdrawal:
		return true
	}
	return false
}

// Location is the coarse geo context of an action.
type Location struct {
	Country   string   `json:"country"`
	Region    string   `json:"region,omitempty"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
	Timezone  string   `json:"timezone,omitempty"`
}

func (l *Location) coords() *signals.Coordinates {
	if l == nil || l.Latitude == nil || l.Longitude == nil {
		return nil
	}
	return &signals.Coordinates{Latitude: *l.Latitude, Longitude: *l.Longitude}
}

// ActionEvent is the unit under evaluation. It is not modified after
// Normalize returns.
type ActionEvent struct {
	ID         string               `json:"id"`
	UserID     string               `json:"userId"`
	Kind       ActionKind           `json:"kind"`
	Amount     *decimal.Decimal     `json:"amount,omitempty"`
	Merchant   string               `json:"merchant,omitempty"`
	Category   string               `json:"category,omitempty"`
	At         time.Time            `json:"at"`
	Device     signals.DeviceTraits `json:"device"`
	DeviceHash string               `json:"deviceHash,omitempty"`
	Location   *Location            `json:"location,omitempty"`
}

// Validate checks required fields without mutating the action.
func (a *ActionEvent) Validate() error {
	if a == nil {
		return &InputError{Field: "action", Reason: "is required"}
	}
	if strings.TrimSpace(a.UserID) == "" {
		return &InputError{Field: "userId", Reason: "is required"}
	}
	if strings.TrimSpace(string(a.Kind)) == "" {
		return &InputError{Field: "kind", Reason: "is required"}
	}
	if a.Amount != nil && a.Amount.IsNegative() {
		return &InputError{Field: "amount", Reason: "must not be negative"}
	}
	if a.Amount == nil && a.Kind.Monetary() {
		return &InputError{Field: "amount", Reason: fmt.Sprintf("is required for %s", a.Kind)}
	}
	if l := a.Location; l != nil {
		if strings.TrimSpace(l.Country) == "" {
			return &InputError{Field: "location.country", Reason: "is required when location is given"}
		}
		if (l.Latitude == nil) != (l.Longitude == nil) {
			return &InputError{Field: "location", Reason: "latitude and longitude must be given together"}
		}
		if l.Latitude != nil && (*l.Latitude < -90 || *l.Latitude > 90) {
			return &InputError{Field: "location.latitude", Reason: "out of range"}
		}
		if l.Longitude != nil && (*l.Longitude < -180 || *l.Longitude > 180) {
			return &InputError{Field: "location.longitude", Reason: "out of range"}
		}
		if l.Timezone != "" {
			if _, err := time.LoadLocation(l.Timezone); err != nil {
				return &InputError{Field: "location.timezone", Reason: "is not a known IANA zone"}
			}
		}
	}
	return nil
}

// Normalize validates the action and returns a copy with defaults filled:
// an id, a timestamp from now, a device hash derived from the traits and
// upper-cased country codes. A timestamp more than MaxClockSkew past now is
// rejected.
func (a *ActionEvent) Normalize(now time.Time) (*ActionEvent, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	out := *a
	out.Kind = ActionKind(strings.ToLower(strings.TrimSpace(string(a.Kind))))
	if out.ID == "" {
		out.ID = "act_" + uuid.NewString()
	}
	if out.At.IsZero() {
		out.At = now
	}
	if out.At.After(now.Add(MaxClockSkew)) {
		return nil, &InputError{Field: "at", Reason: "is in the future"}
	}
	out.At = out.At.UTC()
	if out.DeviceHash == "" {
		out.DeviceHash = signals.Fingerprint(out.Device)
	}
	if a.Amount != nil {
		amt := *a.Amount
		out.Amount = &amt
	}
	if a.Location != nil {
		loc := *a.Location
		loc.Country = strings.ToUpper(strings.TrimSpace(loc.Country))
		loc.Region = strings.TrimSpace(loc.Region)
		out.Location = &loc
	}
	return &out, nil
}

// AmountOrZero returns the amount, zero for amount-less actions.
func (a *ActionEvent) AmountOrZero() decimal.Decimal {
	if a.Amount == nil {
		return decimal.Zero
	}
	return *a.Amount
}
