package mfa

import (
	"context"
	"crypto/subtle"
	"time"

	"github.com/mbd888/trustgate/internal/idgen"
	"github.com/mbd888/trustgate/internal/logging"
	"github.com/mbd888/trustgate/internal/metrics"
	"github.com/mbd888/trustgate/internal/syncutil"
)

type userSlot struct {
	current *Challenge
	retired []*Challenge // oldest first
}

// find returns the challenge with id, current first.
func (s *userSlot) find(id string) *Challenge {
	if s.current != nil && s.current.ID == id {
		return s.current
	}
	for _, c := range s.retired {
		if c.ID == id {
			return c
		}
	}
	return nil
}

// retire moves current into the retired ring and returns the id of any
// challenge pushed out of it.
func (s *userSlot) retire() (dropped string) {
	if s.current == nil {
		return ""
	}
	s.retired = append(s.retired, s.current)
	s.current = nil
	if len(s.retired) > retiredPerUser {
		dropped = s.retired[0].ID
		s.retired = s.retired[1:]
	}
	return dropped
}

// Manager owns every user's challenge slot. Users are spread over a sharded
// arena and a second arena maps challenge ids back to users. The two are
// never locked at the same time.
type Manager struct {
	cfg      Config
	users    *syncutil.Shards[userSlot]
	index    *syncutil.Shards[string]
	notifier Notifier
	mirror   Mirror
	now      func() time.Time
	codes    func(n int) string
}

// NewManager creates a challenge manager. notifier may be nil, in which case
// codes are only available through the returned Challenge.
func NewManager(cfg Config, notifier Notifier) *Manager {
	return &Manager{
		cfg:      cfg.withDefaults(),
		users:    syncutil.NewShards[userSlot](0),
		index:    syncutil.NewShards[string](0),
		notifier: notifier,
		now:      time.Now,
		codes:    idgen.Digits,
	}
}

// WithMirror attaches a best-effort durable mirror.
func (m *Manager) WithMirror(mirror Mirror) *Manager {
	m.mirror = mirror
	return m
}

// WithClock overrides the time source.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Config returns the effective configuration.
func (m *Manager) Config() Config {
	return m.cfg
}

// Issue returns the user's Pending challenge if it is still valid, otherwise
// mints a new one. A lapsed Pending challenge is moved to Expired first.
// reused reports whether an existing challenge was returned.
func (m *Manager) Issue(ctx context.Context, userID, actionID string) (*Challenge, bool, error) {
	if userID == "" {
		return nil, false, ErrMissingUser
	}
	now := m.now()

	var (
		out       Challenge
		expired   *Challenge
		dropped   string
		reused    bool
		redeliver bool
	)
	m.users.With(userID, func(s *userSlot) {
		if cur := s.current; cur != nil && cur.State == StatePending {
			if now.Before(cur.ExpiresAt) {
				out = *cur
				reused = true
				redeliver = !cur.Delivered
				return
			}
			cur.State = StateExpired
			cur.ResolvedAt = &now
			cp := *cur
			expired = &cp
		}
		dropped = s.retire()

		s.current = &Challenge{
			ID:          idgen.WithPrefix("mfa_"),
			UserID:      userID,
			ActionID:    actionID,
			Code:        m.codes(m.cfg.CodeLength),
			State:       StatePending,
			MaxAttempts: m.cfg.MaxAttempts,
			IssuedAt:    now,
			ExpiresAt:   now.Add(m.cfg.TTL),
		}
		out = *s.current
	})

	if !reused {
		m.index.With(out.ID, func(uid *string) { *uid = userID })
	}
	if dropped != "" {
		m.index.Delete(dropped)
	}
	if expired != nil {
		m.save(ctx, expired)
	}

	log := logging.L(ctx).With("challenge_id", out.ID, "user_id", userID)
	metrics.ChallengesIssuedTotal.WithLabelValues(boolLabel(reused)).Inc()
	if reused && !redeliver {
		log.Debug("reusing pending challenge", "expires_at", out.ExpiresAt)
		return &out, true, nil
	}

	out.Delivered = m.deliver(ctx, &out)
	if out.Delivered {
		id := out.ID
		m.users.Peek(userID, func(s *userSlot) {
			if s.current != nil && s.current.ID == id {
				s.current.Delivered = true
			}
		})
	}
	m.save(ctx, &out)
	log.Info("challenge issued", "expires_at", out.ExpiresAt, "reused", reused, "delivered", out.Delivered)
	return &out, reused, nil
}

// Verify checks code against challenge id. Expiry is evaluated before the
// code, so a correct code after expiry yields OutcomeExpired. A challenge
// that was already verified cannot be replayed and reports not found.
func (m *Manager) Verify(ctx context.Context, challengeID, code string) Result {
	res := Result{Outcome: OutcomeNotFound, ChallengeID: challengeID}

	var userID string
	if !m.index.Peek(challengeID, func(uid *string) { userID = *uid }) {
		metrics.ChallengeOutcomesTotal.WithLabelValues(string(res.Outcome)).Inc()
		return res
	}

	now := m.now()
	var (
		snapshot *Challenge
		dropped  string
	)
	m.users.Peek(userID, func(s *userSlot) {
		c := s.find(challengeID)
		if c == nil {
			return
		}
		res.UserID = c.UserID
		res.ActionID = c.ActionID
		changed := transition(c, code, now, &res)
		res.State = c.State
		if changed {
			cp := *c
			snapshot = &cp
		}
		if c.State.Terminal() && s.current == c {
			dropped = s.retire()
		}
	})

	if dropped != "" {
		m.index.Delete(dropped)
	}
	if snapshot != nil {
		m.save(ctx, snapshot)
	}
	metrics.ChallengeOutcomesTotal.WithLabelValues(string(res.Outcome)).Inc()
	logging.L(ctx).Info("challenge verification",
		"challenge_id", challengeID,
		"user_id", res.UserID,
		"outcome", res.Outcome,
		"attempts_remaining", res.AttemptsRemaining,
	)
	return res
}

// transition applies one verification attempt and reports whether c changed.
func transition(c *Challenge, code string, now time.Time, res *Result) bool {
	switch c.State {
	case StateVerified:
		res.Outcome = OutcomeNotFound
		return false
	case StateExpired:
		res.Outcome = OutcomeExpired
		return false
	case StateFailed:
		res.Outcome = OutcomeFailed
		return false
	}

	if !now.Before(c.ExpiresAt) {
		c.State = StateExpired
		c.ResolvedAt = &now
		res.Outcome = OutcomeExpired
		return true
	}

	if subtle.ConstantTimeCompare([]byte(code), []byte(c.Code)) == 1 {
		c.State = StateVerified
		c.ResolvedAt = &now
		res.Outcome = OutcomeVerified
		return true
	}

	c.Attempts++
	res.AttemptsRemaining = c.MaxAttempts - c.Attempts
	if c.Attempts >= c.MaxAttempts {
		c.State = StateFailed
		c.ResolvedAt = &now
		res.Outcome = OutcomeFailed
		res.AttemptsRemaining = 0
		return true
	}
	res.Outcome = OutcomeIncorrect
	return true
}

// Get returns a copy of a challenge by id, evaluating expiry as of now.
func (m *Manager) Get(ctx context.Context, challengeID string) (*Challenge, error) {
	var userID string
	if !m.index.Peek(challengeID, func(uid *string) { userID = *uid }) {
		return nil, ErrChallengeNotFound
	}
	now := m.now()
	var out *Challenge
	var lapsed bool
	m.users.Peek(userID, func(s *userSlot) {
		c := s.find(challengeID)
		if c == nil {
			return
		}
		if c.State == StatePending && !now.Before(c.ExpiresAt) {
			c.State = StateExpired
			c.ResolvedAt = &now
			lapsed = true
		}
		cp := *c
		out = &cp
	})
	if out == nil {
		return nil, ErrChallengeNotFound
	}
	if lapsed {
		m.save(ctx, out)
	}
	return out, nil
}

// Pending returns the user's active challenge, if any.
func (m *Manager) Pending(ctx context.Context, userID string) (*Challenge, bool) {
	now := m.now()
	var out *Challenge
	m.users.Peek(userID, func(s *userSlot) {
		if c := s.current; c != nil && c.State == StatePending && now.Before(c.ExpiresAt) {
			cp := *c
			out = &cp
		}
	})
	return out, out != nil
}

func (m *Manager) deliver(ctx context.Context, c *Challenge) bool {
	if m.notifier == nil {
		return false
	}
	if err := m.notifier.Deliver(ctx, c); err != nil {
		logging.L(ctx).Warn("challenge delivery failed", "challenge_id", c.ID, "error", err)
		return false
	}
	return true
}

func (m *Manager) save(ctx context.Context, c *Challenge) {
	if m.mirror == nil {
		return
	}
	if err := m.mirror.Save(ctx, c); err != nil {
		logging.L(ctx).Warn("challenge mirror write failed", "challenge_id", c.ID, "error", err)
	}
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
