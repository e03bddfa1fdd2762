package trust

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/trustgate/internal/idgen"
	"github.com/mbd888/trustgate/internal/logging"
	"github.com/mbd888/trustgate/internal/metrics"
	"github.com/mbd888/trustgate/internal/mfa"
	"github.com/mbd888/trustgate/internal/pagination"
	"github.com/mbd888/trustgate/internal/session"
	"github.com/mbd888/trustgate/internal/signals"
	"github.com/mbd888/trustgate/internal/traces"
	"github.com/mbd888/trustgate/internal/velocity"
)

const (
	defaultActivityLimit = 20
	maxActivityLimit     = 200
)

// Engine is the scoring and authorization facade.
type Engine struct {
	signals    signals.Store
	tracker    *velocity.Tracker
	challenges *mfa.Manager
	audit      AuditLog
	sessions   *session.Issuer
	extractors []Extractor
	policy     Policy
	params     Params
	now        func() time.Time
}

// NewEngine wires the engine over its collaborators with default policy and
// parameters. The velocity lookback is taken from the tracker.
func NewEngine(store signals.Store, tracker *velocity.Tracker, challenges *mfa.Manager, audit AuditLog) *Engine {
	params := DefaultParams()
	params.Lookback = tracker.Lookback()
	return &Engine{
		signals:    store,
		tracker:    tracker,
		challenges: challenges,
		audit:      audit,
		extractors: DefaultExtractors(),
		policy:     DefaultPolicy(),
		params:     params,
		now:        time.Now,
	}
}

// WithPolicy overrides the decision thresholds.
func (e *Engine) WithPolicy(p Policy) *Engine {
	e.policy = p
	return e
}

// WithParams overrides extractor parameters. The lookback always follows
// the tracker.
func (e *Engine) WithParams(p Params) *Engine {
	p.Lookback = e.tracker.Lookback()
	e.params = p
	return e
}

// WithSessions enables session issuance on successful verification.
func (e *Engine) WithSessions(iss *session.Issuer) *Engine {
	e.sessions = iss
	return e
}

// WithClock overrides the time source used for defaults and reporting.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Policy returns the active policy.
func (e *Engine) Policy() Policy { return e.policy }

// ScoreAction scores one action for userID and returns its record. Only a
// malformed action is an error; missing history lowers sub-scores instead.
// The record is appended to the audit log before returning; if that append
// fails the decision is still returned and the failure is reported to
// monitoring.
func (e *Engine) ScoreAction(ctx context.Context, userID string, action *ActionEvent) (*TrustScoreRecord, error) {
	start := time.Now()
	ctx, span := traces.StartSpan(ctx, "trust.ScoreAction", traces.UserID(userID))
	defer span.End()

	if action != nil && action.UserID == "" {
		cp := *action
		cp.UserID = userID
		action = &cp
	}
	if action != nil && userID != "" && action.UserID != userID {
		return nil, &InputError{Field: "userId", Reason: "does not match the action's user"}
	}
	act, err := action.Normalize(e.now())
	if err != nil {
		traces.Fail(span, err)
		return nil, err
	}
	ctx = logging.WithUserID(ctx, act.UserID)
	span.SetAttributes(traces.ActionID(act.ID), traces.ActionKind(string(act.Kind)))

	sum := e.tracker.Record(act.UserID, act.At, act.AmountOrZero())
	metrics.VelocityWindowSize.Observe(float64(sum.Count))

	snap := e.evaluate(ctx, act, sum)
	total, veto := Aggregate(&snap)
	decision := e.policy.Decide(total)

	rec := &TrustScoreRecord{
		ID:              idgen.WithPrefix("trs_"),
		ActionID:        act.ID,
		UserID:          act.UserID,
		Kind:            act.Kind,
		Amount:          act.Amount,
		Score:           total,
		Snapshot:        snap,
		Decision:        decision,
		RiskLevel:       e.policy.Level(total),
		Explanation:     e.policy.Explain(&snap, decision, veto),
		Recommendations: Recommendations(decision),
		VelocityVeto:    veto,
		CreatedAt:       act.At,
	}

	if decision == DecisionVerify && e.challenges != nil {
		c, _, err := e.challenges.Issue(ctx, act.UserID, act.ID)
		if err != nil {
			logging.L(ctx).Warn("challenge issuance failed", "action_id", act.ID, "error", err)
		} else {
			rec.ChallengeID = c.ID
			exp := c.ExpiresAt
			rec.ChallengeExpiresAt = &exp
		}
	}

	e.appendRecord(ctx, rec)
	e.writeBack(ctx, act)

	metrics.DecisionsTotal.WithLabelValues(string(decision)).Inc()
	metrics.TrustScore.Observe(total)
	for _, fs := range snap.Factors {
		metrics.FactorSubscore.WithLabelValues(string(fs.Factor)).Observe(fs.Score)
	}
	metrics.ScoringDuration.Observe(time.Since(start).Seconds())
	span.SetAttributes(traces.Score(total), traces.Decision(string(decision)))

	logging.L(ctx).Debug("action scored",
		"action_id", act.ID,
		"kind", act.Kind,
		"score", total,
		"decision", decision,
		"velocity_count", sum.Count,
	)
	return rec, nil
}

func (e *Engine) evaluate(ctx context.Context, act *ActionEvent, sum velocity.Summary) RiskFactorSnapshot {
	in := &Input{Action: act, Velocity: sum, Signals: e.signals, Params: e.params}
	byFactor := make(map[Factor]FactorScore, len(e.extractors))
	for _, ex := range e.extractors {
		fs := ex.Evaluate(ctx, in)
		fs.Factor = ex.Factor()
		fs.Weight = Weights[fs.Factor]
		byFactor[fs.Factor] = fs
	}

	snap := RiskFactorSnapshot{ActionID: act.ID, Factors: make([]FactorScore, 0, len(Factors))}
	for _, f := range Factors {
		fs, ok := byFactor[f]
		if !ok {
			fs = FactorScore{Factor: f, Weight: Weights[f], Evidence: "not evaluated", Degraded: true}
		}
		snap.Factors = append(snap.Factors, fs)
	}
	return snap
}

func (e *Engine) appendRecord(ctx context.Context, rec *TrustScoreRecord) {
	if e.audit == nil {
		return
	}
	if err := e.audit.Append(ctx, rec); err != nil {
		metrics.AuditWriteFailuresTotal.WithLabelValues("log").Inc()
		logging.L(ctx).Warn("audit durability warning", "record_id", rec.ID, "action_id", rec.ActionID, "error", err)
	}
}

// writeBack records the action's device, location and behaviour so later
// actions see them as history.
func (e *Engine) writeBack(ctx context.Context, act *ActionEvent) {
	var errs []error
	if act.DeviceHash != "" {
		errs = append(errs, e.signals.TouchDevice(ctx, act.UserID, act.DeviceHash, act.At))
	}
	if l := act.Location; l != nil {
		errs = append(errs, e.signals.AppendLocation(ctx, &signals.LocationSample{
			UserID:   act.UserID,
			ActionID: act.ID,
			Country:  l.Country,
			Region:   l.Region,
			Coords:   l.coords(),
			Timezone: l.Timezone,
			At:       act.At,
		}))
	}
	errs = append(errs, e.signals.AppendBehavior(ctx, &signals.BehaviorSample{
		UserID:       act.UserID,
		ActionID:     act.ID,
		Kind:         string(act.Kind),
		Category:     act.Category,
		AmountBucket: AmountBucket(act.Amount),
		Hour:         LocalHour(act),
		At:           act.At,
	}))
	if err := errors.Join(errs...); err != nil {
		metrics.SignalWriteFailuresTotal.Inc()
		logging.L(ctx).Warn("signal write-back failed", "action_id", act.ID, "error", err)
	}
}

// IssueChallenge returns the user's pending challenge or a fresh one.
func (e *Engine) IssueChallenge(ctx context.Context, userID, actionID string) (*mfa.Challenge, error) {
	ctx, span := traces.StartSpan(ctx, "trust.IssueChallenge", traces.UserID(userID))
	defer span.End()

	c, _, err := e.challenges.Issue(logging.WithUserID(ctx, userID), userID, actionID)
	if err != nil {
		traces.Fail(span, err)
		return nil, err
	}
	span.SetAttributes(traces.ChallengeID(c.ID))
	return c, nil
}

// Verification is the result of VerifyChallenge. Session is set only when
// the outcome is verified and a session issuer is configured.
type Verification struct {
	mfa.Result
	Session *session.Token `json:"session,omitempty"`
}

// VerifyChallenge resolves a code submission and records the outcome. The
// returned error is reserved for internal failures; the verification
// outcome itself is in the result.
func (e *Engine) VerifyChallenge(ctx context.Context, challengeID, code string) (*Verification, error) {
	ctx, span := traces.StartSpan(ctx, "trust.VerifyChallenge", traces.ChallengeID(challengeID))
	defer span.End()

	res := e.challenges.Verify(ctx, challengeID, code)
	span.SetAttributes(traces.Outcome(string(res.Outcome)))
	if res.UserID != "" {
		ctx = logging.WithUserID(ctx, res.UserID)
	}

	if e.audit != nil {
		o := &ChallengeOutcome{
			ID:          idgen.WithPrefix("cho_"),
			ChallengeID: challengeID,
			UserID:      res.UserID,
			ActionID:    res.ActionID,
			Outcome:     res.Outcome,
			At:          e.now().UTC(),
		}
		if err := e.audit.AppendOutcome(ctx, o); err != nil {
			metrics.AuditWriteFailuresTotal.WithLabelValues("log").Inc()
			logging.L(ctx).Warn("audit durability warning", "challenge_id", challengeID, "error", err)
		}
	}

	v := &Verification{Result: res}
	if res.Outcome == mfa.OutcomeVerified && e.sessions != nil {
		tok, err := e.sessions.Issue(res.UserID, challengeID)
		if err != nil {
			err = fmt.Errorf("issue session: %w", err)
			traces.Fail(span, err)
			return v, err
		}
		v.Session = tok
	}
	return v, nil
}

// RecordPage is one newest-first page of audit records.
type RecordPage struct {
	Records    []*TrustScoreRecord `json:"records"`
	NextCursor string              `json:"nextCursor,omitempty"`
	HasMore    bool                `json:"hasMore"`
}

// RecentActivity returns a page of the user's records, newest first.
// cursor is the NextCursor of the previous page, or empty for the first.
func (e *Engine) RecentActivity(ctx context.Context, userID string, limit int, cursor string) (*RecordPage, error) {
	return page(cursor, limit, func(n int, opt ListOption) ([]*TrustScoreRecord, error) {
		return e.audit.Recent(ctx, userID, n, opt)
	})
}

// RecentAlerts returns a page of verify and block records across users.
func (e *Engine) RecentAlerts(ctx context.Context, limit int, cursor string) (*RecordPage, error) {
	return page(cursor, limit, func(n int, opt ListOption) ([]*TrustScoreRecord, error) {
		return e.audit.Alerts(ctx, n, opt)
	})
}

// page fetches one extra record to learn whether another page follows.
func page(cursor string, limit int, list func(int, ListOption) ([]*TrustScoreRecord, error)) (*RecordPage, error) {
	c, err := pagination.Decode(cursor)
	if err != nil {
		return nil, err
	}
	limit = clampLimit(limit)
	recs, err := list(limit+1, WithCursor(c))
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	recs, next, more := pagination.ComputePage(recs, limit, func(r *TrustScoreRecord) (time.Time, string) {
		return r.CreatedAt, r.ID
	})
	if recs == nil {
		recs = []*TrustScoreRecord{}
	}
	return &RecordPage{Records: recs, NextCursor: next, HasMore: more}, nil
}

// AggregateStats summarises decisions over the trailing window.
func (e *Engine) AggregateStats(ctx context.Context, window time.Duration) (*Stats, error) {
	if window <= 0 {
		window = DefaultStatsWindow
	}
	if window > MaxStatsWindow {
		window = MaxStatsWindow
	}
	to := e.now().UTC()
	from := to.Add(-window)

	recs, err := e.audit.Since(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("load records: %w", err)
	}
	outcomes, err := e.audit.OutcomesSince(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("load challenge outcomes: %w", err)
	}
	return ComputeStats(recs, outcomes, from, to), nil
}

// ProvisionUser creates a profile. CreatedAt defaults to now.
func (e *Engine) ProvisionUser(ctx context.Context, p *signals.UserProfile) error {
	cp := *p
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = e.now().UTC()
	}
	if err := e.signals.CreateProfile(ctx, &cp); err != nil {
		return err
	}
	*p = cp
	return nil
}

// MarkVerified flags a verification channel on the user's profile.
func (e *Engine) MarkVerified(ctx context.Context, userID string, ch signals.Channel) error {
	return e.signals.MarkVerified(ctx, userID, ch)
}

// Deactivate deactivates the profile and drops the user's velocity window.
func (e *Engine) Deactivate(ctx context.Context, userID string) error {
	if err := e.signals.Deactivate(ctx, userID, e.now().UTC()); err != nil {
		return err
	}
	e.tracker.Reset(userID)
	return nil
}

// RecordIncident stores a security incident against a user.
func (e *Engine) RecordIncident(ctx context.Context, inc *signals.Incident) error {
	if inc.ID == "" {
		inc.ID = idgen.WithPrefix("inc_")
	}
	if inc.At.IsZero() {
		inc.At = e.now().UTC()
	}
	return e.signals.RecordIncident(ctx, inc)
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultActivityLimit
	}
	return min(limit, maxActivityLimit)
}
