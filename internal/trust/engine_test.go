package trust

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/trustgate/internal/mfa"
	"github.com/mbd888/trustgate/internal/pagination"
	"github.com/mbd888/trustgate/internal/session"
	"github.com/mbd888/trustgate/internal/signals"
	"github.com/mbd888/trustgate/internal/velocity"
)

// fakeAudit is an in-memory AuditLog with switchable failure.
type fakeAudit struct {
	mu       sync.Mutex
	records  []*TrustScoreRecord
	outcomes []*ChallengeOutcome
	fail     bool
}

func (a *fakeAudit) Append(_ context.Context, r *TrustScoreRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fail {
		return errors.New("disk full")
	}
	a.records = append(a.records, r)
	return nil
}

func (a *fakeAudit) AppendOutcome(_ context.Context, o *ChallengeOutcome) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fail {
		return errors.New("disk full")
	}
	a.outcomes = append(a.outcomes, o)
	return nil
}

func (a *fakeAudit) Recent(_ context.Context, userID string, limit int, opts ...ListOption) ([]*TrustScoreRecord, error) {
	return a.newest(limit, opts, func(r *TrustScoreRecord) bool { return r.UserID == userID }), nil
}

func (a *fakeAudit) Alerts(_ context.Context, limit int, opts ...ListOption) ([]*TrustScoreRecord, error) {
	return a.newest(limit, opts, func(r *TrustScoreRecord) bool { return r.Decision != DecisionAllow }), nil
}

func (a *fakeAudit) newest(limit int, opts []ListOption, keep func(*TrustScoreRecord) bool) []*TrustScoreRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	o := ApplyListOptions(opts)
	var out []*TrustScoreRecord
	for _, r := range a.records {
		if keep(r) && o.Cursor.Admits(r.CreatedAt, r.ID) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (a *fakeAudit) Since(_ context.Context, from time.Time) ([]*TrustScoreRecord, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []*TrustScoreRecord
	for _, r := range a.records {
		if !r.CreatedAt.Before(from) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (a *fakeAudit) OutcomesSince(_ context.Context, from time.Time) ([]*ChallengeOutcome, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []*ChallengeOutcome
	for _, o := range a.outcomes {
		if !o.At.Before(from) {
			out = append(out, o)
		}
	}
	return out, nil
}

type harness struct {
	engine *Engine
	store  *signals.MemoryStore
	audit  *fakeAudit
	codes  map[string]string
	mu     sync.Mutex
	now    time.Time
}

func newHarness(t *testing.T, lookback time.Duration) *harness {
	t.Helper()
	h := &harness{
		store: signals.NewMemoryStore(),
		audit: &fakeAudit{},
		codes: map[string]string{},
		now:   t0,
	}
	clock := func() time.Time { return h.now }
	notifier := mfa.NotifierFunc(func(_ context.Context, c *mfa.Challenge) error {
		h.mu.Lock()
		h.codes[c.ID] = c.Code
		h.mu.Unlock()
		return nil
	})
	challenges := mfa.NewManager(mfa.Config{TTL: 5 * time.Minute, MaxAttempts: 3}, notifier).WithClock(clock)
	iss, err := session.NewIssuer("test-secret", time.Hour)
	require.NoError(t, err)

	h.engine = NewEngine(h.store, velocity.New(lookback), challenges, h.audit).
		WithSessions(iss.WithClock(clock)).
		WithClock(clock)
	return h
}

func (h *harness) code(id string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.codes[id]
}

var laptop = signals.DeviceTraits{UserAgent: "Mozilla/5.0 (Macintosh)", Platform: "MacIntel", Screen: "2560x1600", Language: "en-US", Timezone: "America/Los_Angeles"}

// seedEstablished gives u a 90-day-old verified account with a known device,
// a known location and a grocery purchasing habit at 14:00.
func (h *harness) seedEstablished(t *testing.T, u string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.store.CreateProfile(ctx, &signals.UserProfile{
		ID: u, CreatedAt: t0.Add(-90 * 24 * time.Hour), EmailVerified: true,
	}))
	hash := signals.Fingerprint(laptop)
	require.NoError(t, h.store.TouchDevice(ctx, u, hash, t0.Add(-90*24*time.Hour)))
	for i := 1; i < 40; i++ {
		require.NoError(t, h.store.TouchDevice(ctx, u, hash, t0.Add(-time.Duration(i)*24*time.Hour)))
	}
	require.NoError(t, h.store.AppendLocation(ctx, &signals.LocationSample{
		UserID: u, ActionID: "seed", Country: "US", Region: "CA", At: t0.Add(-24 * time.Hour),
	}))
	seedBehavior(h.store, u, 30, "purchase", "groceries", 3, 14)
}

func grocery(u string, at time.Time) *ActionEvent {
	return &ActionEvent{
		UserID:   u,
		Kind:     KindPurchase,
		Amount:   amt("89.99"),
		Merchant: "Whole Foods",
		Category: "groceries",
		At:       at,
		Device:   laptop,
		Location: &Location{Country: "us", Region: "CA"},
	}
}

func TestScenarioA_NewDeviceFirstAction(t *testing.T) {
	h := newHarness(t, 10*time.Minute)
	ctx := context.Background()
	require.NoError(t, h.engine.ProvisionUser(ctx, &signals.UserProfile{ID: "alice"}))

	rec, err := h.engine.ScoreAction(ctx, "alice", &ActionEvent{
		Kind:     KindPurchase,
		Amount:   amt("49.00"),
		Device:   signals.DeviceTraits{UserAgent: "Mozilla/5.0 (iPhone)", Platform: "iOS"},
		Location: &Location{Country: "US", Region: "NY"},
	})
	require.NoError(t, err)

	device, _ := rec.Snapshot.Get(FactorDevice)
	vel, _ := rec.Snapshot.Get(FactorVelocity)
	assert.Equal(t, 30.0, device.Score)
	assert.Equal(t, 100.0, vel.Score)
	assert.Equal(t, 53.5, rec.Score)
	assert.Equal(t, DecisionVerify, rec.Decision)
	assert.Equal(t, RiskMedium, rec.RiskLevel)
	assert.NotEmpty(t, rec.ChallengeID)
	require.NotNil(t, rec.ChallengeExpiresAt)
	assert.Equal(t, t0.Add(5*time.Minute), *rec.ChallengeExpiresAt)
	assert.Len(t, rec.Recommendations, 2)
	assert.Equal(t, t0, rec.CreatedAt)

	require.Len(t, h.audit.records, 1)
	assert.Same(t, rec, h.audit.records[0])
}

func TestScenarioB_KnownDeviceNormalPurchase(t *testing.T) {
	h := newHarness(t, 10*time.Minute)
	h.seedEstablished(t, "bob")

	rec, err := h.engine.ScoreAction(context.Background(), "bob", grocery("bob", t0))
	require.NoError(t, err)

	for _, fs := range rec.Snapshot.Factors {
		t.Logf("%-16s %5.1f  %s", fs.Factor, fs.Score, fs.Evidence)
	}
	assert.GreaterOrEqual(t, rec.Score, 70.0)
	assert.InDelta(t, 97.75, rec.Score, 0.1)
	assert.Equal(t, DecisionAllow, rec.Decision)
	assert.Empty(t, rec.ChallengeID)
	assert.Nil(t, rec.Recommendations)
}

func TestScenarioC_BurstBlocks(t *testing.T) {
	h := newHarness(t, 2*time.Minute)
	h.seedEstablished(t, "carol")
	ctx := context.Background()

	var last *TrustScoreRecord
	for i := 0; i < 5; i++ {
		rec, err := h.engine.ScoreAction(ctx, "carol", grocery("carol", t0.Add(time.Duration(i)*12*time.Second)))
		require.NoError(t, err)
		last = rec
	}

	vel, _ := last.Snapshot.Get(FactorVelocity)
	assert.LessOrEqual(t, vel.Score, 10.0)
	assert.Less(t, last.Score, 40.0)
	assert.Equal(t, DecisionBlock, last.Decision)
	assert.True(t, last.VelocityVeto)
	assert.Contains(t, last.Explanation, "velocity")
	assert.Len(t, last.Recommendations, 3)
}

func TestScenarioC_FutureDatedActionCannotResetVelocity(t *testing.T) {
	h := newHarness(t, 2*time.Minute)
	h.seedEstablished(t, "dave")
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := h.engine.ScoreAction(ctx, "dave", grocery("dave", t0.Add(time.Duration(i)*10*time.Second)))
		require.NoError(t, err)
	}
	_, err := h.engine.ScoreAction(ctx, "dave", grocery("dave", t0.Add(24*time.Hour)))
	require.ErrorIs(t, err, ErrInvalidAction)

	rec, err := h.engine.ScoreAction(ctx, "dave", grocery("dave", t0.Add(50*time.Second)))
	require.NoError(t, err)
	vel, _ := rec.Snapshot.Get(FactorVelocity)
	assert.LessOrEqual(t, vel.Score, 10.0)
	assert.Equal(t, DecisionBlock, rec.Decision)
}

func TestScoreAction_InputErrors(t *testing.T) {
	h := newHarness(t, 10*time.Minute)
	ctx := context.Background()

	tests := []struct {
		name   string
		user   string
		action *ActionEvent
		field  string
	}{
		{"nil action", "u1", nil, "action"},
		{"missing user", "", &ActionEvent{Kind: KindLogin}, "userId"},
		{"missing kind", "u1", &ActionEvent{}, "kind"},
		{"negative amount", "u1", &ActionEvent{Kind: KindRefund, Amount: amt("-1")}, "amount"},
		{"purchase without amount", "u1", &ActionEvent{Kind: KindPurchase}, "amount"},
		{"user mismatch", "u1", &ActionEvent{UserID: "u2", Kind: KindLogin}, "userId"},
		{"half coordinates", "u1", &ActionEvent{Kind: KindLogin, Location: &Location{Country: "US", Latitude: ptr(1.0)}}, "location"},
		{"bad timezone", "u1", &ActionEvent{Kind: KindLogin, Location: &Location{Country: "US", Timezone: "Mars/Olympus"}}, "location.timezone"},
		{"future timestamp", "u1", &ActionEvent{Kind: KindLogin, At: t0.Add(MaxClockSkew + time.Second)}, "at"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.engine.ScoreAction(ctx, tt.user, tt.action)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidAction)
			var ie *InputError
			require.ErrorAs(t, err, &ie)
			assert.Equal(t, tt.field, ie.Field)
		})
	}
	assert.Empty(t, h.audit.records, "rejected actions are never scored")
}

func TestScoreAction_LoginWithoutHistory(t *testing.T) {
	h := newHarness(t, 10*time.Minute)
	rec, err := h.engine.ScoreAction(context.Background(), "ghost", &ActionEvent{Kind: KindLogin})
	require.NoError(t, err)

	// Unknown user, no device, no location: gaps pull the score down into
	// step-up territory rather than erroring.
	assert.Equal(t, 50.0, rec.Score)
	assert.Equal(t, DecisionVerify, rec.Decision)
	degraded := 0
	for _, fs := range rec.Snapshot.Factors {
		if fs.Degraded {
			degraded++
		}
	}
	assert.GreaterOrEqual(t, degraded, 4)
	assert.NotEmpty(t, rec.ActionID)
}

func TestScoreAction_AuditFailureStillDecides(t *testing.T) {
	h := newHarness(t, 10*time.Minute)
	h.seedEstablished(t, "dave")
	h.audit.fail = true

	rec, err := h.engine.ScoreAction(context.Background(), "dave", grocery("dave", t0))
	require.NoError(t, err)
	assert.Equal(t, DecisionAllow, rec.Decision)
	assert.Empty(t, h.audit.records)
}

func TestScoreAction_WritesBackSignals(t *testing.T) {
	h := newHarness(t, 10*time.Minute)
	ctx := context.Background()

	_, err := h.engine.ScoreAction(ctx, "erin", grocery("erin", t0))
	require.NoError(t, err)

	devs, _ := h.store.Devices(ctx, "erin")
	require.Len(t, devs, 1)
	assert.Equal(t, signals.Fingerprint(laptop), devs[0].Hash)

	locs, _ := h.store.Locations(ctx, "erin", t0.Add(-time.Hour))
	require.Len(t, locs, 1)
	assert.Equal(t, "US", locs[0].Country)

	beh, _ := h.store.Behavior(ctx, "erin", 10)
	require.Len(t, beh, 1)
	assert.Equal(t, 3, beh[0].AmountBucket)
	assert.Equal(t, 14, beh[0].Hour)

	// Second action from the same device is no longer unseen.
	rec, err := h.engine.ScoreAction(ctx, "erin", grocery("erin", t0.Add(time.Hour)))
	require.NoError(t, err)
	dev, _ := rec.Snapshot.Get(FactorDevice)
	assert.Greater(t, dev.Score, 30.0)
}

func TestScoreAction_Deterministic(t *testing.T) {
	score := func() *TrustScoreRecord {
		h := newHarness(t, 10*time.Minute)
		h.seedEstablished(t, "fred")
		a := grocery("fred", t0)
		a.ID = "act_fixed"
		rec, err := h.engine.ScoreAction(context.Background(), "fred", a)
		require.NoError(t, err)
		return rec
	}
	r1, r2 := score(), score()
	assert.Equal(t, r1.Score, r2.Score)
	assert.Equal(t, r1.Snapshot, r2.Snapshot)
	assert.Equal(t, r1.Explanation, r2.Explanation)
}

func TestScoreAction_ConcurrentSameUser(t *testing.T) {
	h := newHarness(t, time.Hour)
	ctx := context.Background()

	const n = 40
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.engine.ScoreAction(ctx, "gina", &ActionEvent{Kind: KindLogin, At: t0})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, n, h.engine.tracker.Summary("gina", t0).Count)
	assert.Len(t, h.audit.records, n)
}

func TestVerifyFlow(t *testing.T) {
	h := newHarness(t, 10*time.Minute)
	ctx := context.Background()
	require.NoError(t, h.engine.ProvisionUser(ctx, &signals.UserProfile{ID: "alice"}))

	rec, err := h.engine.ScoreAction(ctx, "alice", &ActionEvent{
		Kind: KindPurchase, Amount: amt("49"), Device: laptop, Location: &Location{Country: "US"},
	})
	require.NoError(t, err)
	require.Equal(t, DecisionVerify, rec.Decision)

	// Re-issuing while pending returns the same challenge.
	c, err := h.engine.IssueChallenge(ctx, "alice", "")
	require.NoError(t, err)
	assert.Equal(t, rec.ChallengeID, c.ID)

	wrong, err := h.engine.VerifyChallenge(ctx, c.ID, "not-it")
	require.NoError(t, err)
	assert.Equal(t, mfa.OutcomeIncorrect, wrong.Outcome)
	assert.Nil(t, wrong.Session)

	ok, err := h.engine.VerifyChallenge(ctx, c.ID, h.code(c.ID))
	require.NoError(t, err)
	assert.Equal(t, mfa.OutcomeVerified, ok.Outcome)
	require.NotNil(t, ok.Session)
	assert.NotEmpty(t, ok.Session.Value)
	assert.Equal(t, rec.ActionID, ok.ActionID)

	require.Len(t, h.audit.outcomes, 2)
	assert.Equal(t, mfa.OutcomeIncorrect, h.audit.outcomes[0].Outcome)
	assert.Equal(t, mfa.OutcomeVerified, h.audit.outcomes[1].Outcome)
	assert.Equal(t, "alice", h.audit.outcomes[1].UserID)
}

func TestVerifyFlow_ExpiredAfterTTL(t *testing.T) {
	h := newHarness(t, 10*time.Minute)
	ctx := context.Background()

	c, err := h.engine.IssueChallenge(ctx, "zoe", "")
	require.NoError(t, err)
	h.now = t0.Add(6 * time.Minute)

	res, err := h.engine.VerifyChallenge(ctx, c.ID, h.code(c.ID))
	require.NoError(t, err)
	assert.Equal(t, mfa.OutcomeExpired, res.Outcome)
	assert.ErrorIs(t, res.Err(), mfa.ErrChallengeExpired)
	assert.Nil(t, res.Session)
}

func TestRecentActivityAndAlerts(t *testing.T) {
	h := newHarness(t, 10*time.Minute)
	h.seedEstablished(t, "hank")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := h.engine.ScoreAction(ctx, "hank", grocery("hank", t0.Add(time.Duration(i)*time.Hour)))
		require.NoError(t, err)
	}
	_, err := h.engine.ScoreAction(ctx, "ivy", &ActionEvent{Kind: KindLogin, At: t0})
	require.NoError(t, err)

	first, err := h.engine.RecentActivity(ctx, "hank", 2, "")
	require.NoError(t, err)
	require.Len(t, first.Records, 2)
	assert.True(t, first.Records[0].CreatedAt.After(first.Records[1].CreatedAt), "newest first")
	assert.True(t, first.HasMore)
	require.NotEmpty(t, first.NextCursor)

	second, err := h.engine.RecentActivity(ctx, "hank", 2, first.NextCursor)
	require.NoError(t, err)
	require.Len(t, second.Records, 1)
	assert.False(t, second.HasMore)
	assert.Empty(t, second.NextCursor)
	assert.True(t, second.Records[0].CreatedAt.Before(first.Records[1].CreatedAt))

	alerts, err := h.engine.RecentAlerts(ctx, 10, "")
	require.NoError(t, err)
	require.Len(t, alerts.Records, 1)
	assert.Equal(t, "ivy", alerts.Records[0].UserID)

	none, err := h.engine.RecentActivity(ctx, "nobody", 10, "")
	require.NoError(t, err)
	assert.NotNil(t, none.Records)
	assert.Empty(t, none.Records)

	_, err = h.engine.RecentActivity(ctx, "hank", 2, "%%%")
	assert.ErrorIs(t, err, pagination.ErrInvalidCursor)
}

func TestProvisioningSurface(t *testing.T) {
	h := newHarness(t, 10*time.Minute)
	ctx := context.Background()

	p := &signals.UserProfile{ID: "jo"}
	require.NoError(t, h.engine.ProvisionUser(ctx, p))
	assert.Equal(t, t0, p.CreatedAt)
	assert.ErrorIs(t, h.engine.ProvisionUser(ctx, &signals.UserProfile{ID: "jo"}), signals.ErrUserExists)

	require.NoError(t, h.engine.MarkVerified(ctx, "jo", signals.ChannelEmail))
	inc := &signals.Incident{UserID: "jo", Kind: "account_takeover", Severity: "high"}
	require.NoError(t, h.engine.RecordIncident(ctx, inc))
	assert.NotEmpty(t, inc.ID)

	_, err := h.engine.ScoreAction(ctx, "jo", &ActionEvent{Kind: KindLogin})
	require.NoError(t, err)
	require.NoError(t, h.engine.Deactivate(ctx, "jo"))
	assert.Equal(t, 0, h.engine.tracker.Summary("jo", t0).Count)

	prof, _ := h.store.GetProfile(ctx, "jo")
	assert.False(t, prof.Active())
	assert.ErrorIs(t, h.engine.Deactivate(ctx, "nobody"), signals.ErrUserNotFound)
}
