// Package session issues signed session tokens once step-up verification
// succeeds.
package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mbd888/trustgate/internal/idgen"
)

const issuer = "trustgate"

var (
	ErrInvalidToken = errors.New("invalid session token")
	ErrNoSecret     = errors.New("session secret is required")
)

// Token is a signed session credential.
type Token struct {
	Value     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Claims are the JWT claims carried by a session token. ChallengeID ties the
// session to the verification that produced it.
type Claims struct {
	ChallengeID string `json:"cid,omitempty"`
	jwt.RegisteredClaims
}

// Issuer mints and validates HS256 session tokens.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer creates an issuer. ttl defaults to 12h.
func NewIssuer(secret string, ttl time.Duration) (*Issuer, error) {
	if secret == "" {
		return nil, ErrNoSecret
	}
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &Issuer{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// WithClock overrides the time source.
func (i *Issuer) WithClock(now func() time.Time) *Issuer {
	i.now = now
	return i
}

// Issue signs a token for userID.
func (i *Issuer) Issue(userID, challengeID string) (*Token, error) {
	now := i.now()
	exp := now.Add(i.ttl)
	claims := Claims{
		ChallengeID: challengeID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        idgen.WithPrefix("ses_"),
			Issuer:    issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return nil, fmt.Errorf("sign session token: %w", err)
	}
	return &Token{Value: signed, ExpiresAt: exp.Truncate(time.Second)}, nil
}

// Parse validates a token and returns its claims.
func (i *Issuer) Parse(value string) (*Claims, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(value, &claims, func(t *jwt.Token) (any, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return &claims, nil
}
