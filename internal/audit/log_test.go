package audit

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/trustgate/internal/circuitbreaker"
	"github.com/mbd888/trustgate/internal/metrics"
	"github.com/mbd888/trustgate/internal/mfa"
	"github.com/mbd888/trustgate/internal/retry"
	"github.com/mbd888/trustgate/internal/trust"
)

type failingSink struct{ calls atomic.Int32 }

func (f *failingSink) Append(context.Context, *trust.TrustScoreRecord) error {
	f.calls.Add(1)
	return errors.New("broker down")
}

func (f *failingSink) AppendOutcome(context.Context, *trust.ChallengeOutcome) error {
	f.calls.Add(1)
	return errors.New("broker down")
}

func TestLog_MirrorFailureIsNotReturned(t *testing.T) {
	ctx := context.Background()
	primary := NewMemoryStore()
	secondary := NewMemoryStore()
	bad := &failingSink{}
	log := NewLog(primary).
		WithRetry(retry.Policy{Attempts: 1}).
		WithMirror("copy", secondary).
		WithMirror("flaky", bad)

	before := testutil.ToFloat64(metrics.AuditWriteFailuresTotal.WithLabelValues("flaky"))

	require.NoError(t, log.Append(ctx, record("r1", "u1", trust.DecisionVerify, t0)))
	require.NoError(t, log.AppendOutcome(ctx, &trust.ChallengeOutcome{ID: "o1", ChallengeID: "c1", Outcome: mfa.OutcomeVerified, At: t0}))
	log.Wait()

	assert.Equal(t, int32(2), bad.calls.Load())
	assert.Equal(t, before+2, testutil.ToFloat64(metrics.AuditWriteFailuresTotal.WithLabelValues("flaky")))

	mirrored, err := secondary.Recent(ctx, "u1", 10)
	require.NoError(t, err)
	assert.Len(t, mirrored, 1)

	alerts, err := log.Alerts(ctx, 10)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "r1", alerts[0].ID)
}

type brokenPrimary struct{ *MemoryStore }

func (brokenPrimary) Append(context.Context, *trust.TrustScoreRecord) error {
	return errors.New("disk full")
}

func TestLog_PrimaryFailureIsReturnedAndMirrorsStillWritten(t *testing.T) {
	ctx := context.Background()
	mirror := NewMemoryStore()
	log := NewLog(brokenPrimary{NewMemoryStore()}).WithMirror("copy", mirror)

	err := log.Append(ctx, record("r1", "u1", trust.DecisionAllow, t0))
	require.Error(t, err)
	log.Wait()

	got, _ := mirror.Recent(ctx, "u1", 10)
	assert.Len(t, got, 1)
}

type flakySink struct {
	nopSink
	failures int
	calls    int
}

func (f *flakySink) Append(context.Context, *trust.TrustScoreRecord) error {
	f.calls++
	if f.calls <= f.failures {
		return errors.New("leader election")
	}
	return nil
}

// nopSink accepts everything.
type nopSink struct{}

func (nopSink) Append(context.Context, *trust.TrustScoreRecord) error        { return nil }
func (nopSink) AppendOutcome(context.Context, *trust.ChallengeOutcome) error { return nil }

func TestLog_MirrorRetriesTransientFailure(t *testing.T) {
	sink := &flakySink{failures: 1}
	log := NewLog(NewMemoryStore()).
		WithRetry(retry.Policy{Attempts: 2, BaseDelay: time.Millisecond}).
		WithMirror("retrying", sink)

	before := testutil.ToFloat64(metrics.AuditWriteFailuresTotal.WithLabelValues("retrying"))
	require.NoError(t, log.Append(context.Background(), record("r1", "u1", trust.DecisionAllow, t0)))
	log.Wait()

	assert.Equal(t, 2, sink.calls)
	assert.Equal(t, before, testutil.ToFloat64(metrics.AuditWriteFailuresTotal.WithLabelValues("retrying")))
}

func TestLog_OpenCircuitSkipsMirror(t *testing.T) {
	bad := &failingSink{}
	log := NewLog(NewMemoryStore()).
		WithRetry(retry.Policy{Attempts: 1}).
		WithBreaker(circuitbreaker.New(2, time.Hour)).
		WithMirror("tripping", bad)

	ctx := context.Background()
	before := testutil.ToFloat64(metrics.AuditWriteFailuresTotal.WithLabelValues("tripping"))
	for i := 0; i < 5; i++ {
		require.NoError(t, log.Append(ctx, record("r", "u1", trust.DecisionAllow, t0)))
		log.Wait()
	}

	assert.Equal(t, int32(2), bad.calls.Load(), "writes after the circuit opens must be skipped")
	assert.Equal(t, before+5, testutil.ToFloat64(metrics.AuditWriteFailuresTotal.WithLabelValues("tripping")))
}

// blockingSink holds every write until release is closed or ctx ends.
type blockingSink struct {
	nopSink
	release chan struct{}
	started chan struct{}
}

func (b *blockingSink) Append(ctx context.Context, _ *trust.TrustScoreRecord) error {
	b.started <- struct{}{}
	select {
	case <-b.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestLog_SlowMirrorDoesNotBlockAppend(t *testing.T) {
	slow := &blockingSink{release: make(chan struct{}), started: make(chan struct{}, 4)}
	primary := NewMemoryStore()
	log := NewLog(primary).WithRetry(retry.Policy{Attempts: 1}).WithMirror("slow", slow)

	reqCtx, cancel := context.WithCancel(context.Background())
	start := time.Now()
	require.NoError(t, log.Append(reqCtx, record("r1", "u1", trust.DecisionBlock, t0)))
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	got, err := primary.Recent(context.Background(), "u1", 10)
	require.NoError(t, err)
	assert.Len(t, got, 1, "primary write is synchronous")

	<-slow.started
	cancel() // the request finishing must not abort the mirror write
	before := testutil.ToFloat64(metrics.AuditWriteFailuresTotal.WithLabelValues("slow"))
	close(slow.release)
	log.Wait()
	assert.Equal(t, before, testutil.ToFloat64(metrics.AuditWriteFailuresTotal.WithLabelValues("slow")))
}

func TestLog_MirrorTimeout(t *testing.T) {
	slow := &blockingSink{release: make(chan struct{}), started: make(chan struct{}, 1)}
	log := NewLog(NewMemoryStore()).
		WithRetry(retry.Policy{Attempts: 1}).
		WithMirrorLimits(20*time.Millisecond, 4).
		WithMirror("stuck", slow)

	before := testutil.ToFloat64(metrics.AuditWriteFailuresTotal.WithLabelValues("stuck"))
	require.NoError(t, log.Append(context.Background(), record("r1", "u1", trust.DecisionBlock, t0)))
	log.Wait()

	assert.Equal(t, before+1, testutil.ToFloat64(metrics.AuditWriteFailuresTotal.WithLabelValues("stuck")))
}

func TestLog_FullQueueDropsMirrorWrite(t *testing.T) {
	slow := &blockingSink{release: make(chan struct{}), started: make(chan struct{}, 4)}
	log := NewLog(NewMemoryStore()).
		WithRetry(retry.Policy{Attempts: 1}).
		WithMirrorLimits(time.Minute, 1).
		WithMirror("busy", slow)

	ctx := context.Background()
	before := testutil.ToFloat64(metrics.AuditWriteFailuresTotal.WithLabelValues("busy"))
	require.NoError(t, log.Append(ctx, record("r1", "u1", trust.DecisionBlock, t0)))
	<-slow.started
	require.NoError(t, log.Append(ctx, record("r2", "u1", trust.DecisionBlock, t0)))

	assert.Equal(t, before+1, testutil.ToFloat64(metrics.AuditWriteFailuresTotal.WithLabelValues("busy")))
	close(slow.release)
	log.Wait()
}
