// Package webhooks delivers signed alert events to an operator endpoint.
//
// An AlertSink mirrors the audit log but only forwards what an on-call
// reviewer acts on: verify and block decisions, and challenges that were
// locked out after too many wrong codes.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/mbd888/trustgate/internal/mfa"
	"github.com/mbd888/trustgate/internal/retry"
	"github.com/mbd888/trustgate/internal/trust"
)

// EventType names an alert.
type EventType string

const (
	EventDecisionVerify  EventType = "decision.verify"
	EventDecisionBlock   EventType = "decision.block"
	EventChallengeFailed EventType = "challenge.failed"
)

// Delivery headers.
const (
	HeaderEvent     = "X-Trustgate-Event"
	HeaderTimestamp = "X-Trustgate-Timestamp"
	HeaderSignature = "X-Trustgate-Signature"
)

// ErrDelivery wraps transport failures and non-2xx responses.
var ErrDelivery = errors.New("webhook delivery failed")

// Event is the JSON body of a delivery.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// AlertSink posts alerts to a single URL. When secret is set each body is
// signed with HMAC-SHA256.
type AlertSink struct {
	url    string
	secret string
	client *http.Client
}

// NewAlertSink creates a sink with a 3s client timeout.
func NewAlertSink(url, secret string) *AlertSink {
	return &AlertSink{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: 3 * time.Second},
	}
}

// WithClient replaces the HTTP client.
func (s *AlertSink) WithClient(c *http.Client) *AlertSink {
	s.client = c
	return s
}

// Append forwards verify and block decisions. Allow records are dropped.
func (s *AlertSink) Append(ctx context.Context, rec *trust.TrustScoreRecord) error {
	var typ EventType
	switch rec.Decision {
	case trust.DecisionVerify:
		typ = EventDecisionVerify
	case trust.DecisionBlock:
		typ = EventDecisionBlock
	default:
		return nil
	}
	return s.send(ctx, &Event{ID: rec.ID, Type: typ, Timestamp: rec.CreatedAt, Data: rec})
}

// AppendOutcome forwards lockouts only.
func (s *AlertSink) AppendOutcome(ctx context.Context, o *trust.ChallengeOutcome) error {
	if o.Outcome != mfa.OutcomeFailed {
		return nil
	}
	return s.send(ctx, &Event{ID: o.ID, Type: EventChallengeFailed, Timestamp: o.At, Data: o})
}

func (s *AlertSink) send(ctx context.Context, ev *Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return retry.Permanent(fmt.Errorf("marshal %s: %w", ev.Type, err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(ev.Type))
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ev.Timestamp.Unix(), 10))
	if s.secret != "" {
		req.Header.Set(HeaderSignature, Sign(payload, s.secret))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDelivery, err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	err = fmt.Errorf("%w: status %d", ErrDelivery, resp.StatusCode)
	// 4xx other than 429 is final.
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return retry.Permanent(err)
	}
	return err
}

// Sign returns the hex HMAC-SHA256 of payload.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks a signature produced by Sign in constant time.
func Verify(payload []byte, secret, signature string) bool {
	want, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hmac.Equal(h.Sum(nil), want)
}
