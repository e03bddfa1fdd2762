// Package audit stores the append-only record of trust decisions and
// challenge outcomes.
//
// A Log writes to one primary store, which also serves reads, and copies
// every entry to any number of mirrors. The primary write is synchronous and
// only its failure is returned. Mirror writes run in the background on a
// bounded number of goroutines, detached from the request context; when
// the bound is reached the write is dropped. Mirror failures and drops are
// logged and counted. Each mirror sits behind a retry and a circuit breaker
// keyed by its name.
package audit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mbd888/trustgate/internal/circuitbreaker"
	"github.com/mbd888/trustgate/internal/logging"
	"github.com/mbd888/trustgate/internal/metrics"
	"github.com/mbd888/trustgate/internal/retry"
	"github.com/mbd888/trustgate/internal/trust"
)

// ErrMirrorOpen is reported when a mirror's circuit is open and the write
// was skipped.
var ErrMirrorOpen = errors.New("audit mirror circuit open")

// ErrMirrorBusy is reported when too many mirror writes are in flight.
var ErrMirrorBusy = errors.New("audit mirror queue full")

// DefaultMirrorRetry is the retry policy for mirror writes.
var DefaultMirrorRetry = retry.Policy{Attempts: 2, BaseDelay: 50 * time.Millisecond, MaxDelay: time.Second}

// Mirror write bounds.
const (
	DefaultMirrorTimeout  = 10 * time.Second
	DefaultMirrorInFlight = 256
)

// Sink is a write-only audit destination.
type Sink interface {
	Append(ctx context.Context, rec *trust.TrustScoreRecord) error
	AppendOutcome(ctx context.Context, o *trust.ChallengeOutcome) error
}

type mirror struct {
	name string
	sink Sink
}

// Log fans entries out to a primary store and its mirrors.
type Log struct {
	primary trust.AuditLog
	mirrors []mirror
	breaker *circuitbreaker.Breaker
	retry   retry.Policy
	timeout time.Duration
	slots   chan struct{}
	wg      sync.WaitGroup
}

var _ trust.AuditLog = (*Log)(nil)

// NewLog creates a log over primary.
func NewLog(primary trust.AuditLog) *Log {
	return &Log{
		primary: primary,
		breaker: circuitbreaker.New(5, 30*time.Second),
		retry:   DefaultMirrorRetry,
		timeout: DefaultMirrorTimeout,
		slots:   make(chan struct{}, DefaultMirrorInFlight),
	}
}

// WithMirrorLimits bounds each background mirror write to timeout and caps
// concurrent writes across all mirrors at inFlight.
func (l *Log) WithMirrorLimits(timeout time.Duration, inFlight int) *Log {
	if timeout > 0 {
		l.timeout = timeout
	}
	if inFlight > 0 {
		l.slots = make(chan struct{}, inFlight)
	}
	return l
}

// WithBreaker replaces the mirror circuit breaker.
func (l *Log) WithBreaker(b *circuitbreaker.Breaker) *Log {
	l.breaker = b
	return l
}

// WithRetry sets the retry policy for mirror writes.
func (l *Log) WithRetry(p retry.Policy) *Log {
	l.retry = p
	return l
}

// WithMirror adds a named mirror.
func (l *Log) WithMirror(name string, s Sink) *Log {
	l.mirrors = append(l.mirrors, mirror{name: name, sink: s})
	return l
}

func (l *Log) Append(ctx context.Context, rec *trust.TrustScoreRecord) error {
	err := l.primary.Append(ctx, rec)
	if len(l.mirrors) > 0 {
		cp := copyRecord(rec)
		for _, m := range l.mirrors {
			l.dispatch(ctx, m, "record_id", cp.ID, func(ctx context.Context) error {
				return m.sink.Append(ctx, cp)
			})
		}
	}
	return err
}

func (l *Log) AppendOutcome(ctx context.Context, o *trust.ChallengeOutcome) error {
	err := l.primary.AppendOutcome(ctx, o)
	if len(l.mirrors) > 0 {
		cp := *o
		for _, m := range l.mirrors {
			l.dispatch(ctx, m, "challenge_id", cp.ChallengeID, func(ctx context.Context) error {
				return m.sink.AppendOutcome(ctx, &cp)
			})
		}
	}
	return err
}

// Wait blocks until every background mirror write has finished.
func (l *Log) Wait() {
	l.wg.Wait()
}

// dispatch runs one mirror write in the background. It never blocks the
// caller.
func (l *Log) dispatch(ctx context.Context, m mirror, idKey, id string, write func(context.Context) error) {
	select {
	case l.slots <- struct{}{}:
	default:
		l.fail(ctx, m, idKey, id, ErrMirrorBusy)
		return
	}

	l.wg.Add(1)
	go func() {
		defer func() {
			<-l.slots
			l.wg.Done()
		}()
		mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.timeout)
		defer cancel()
		l.mirror(mctx, m, idKey, id, write)
	}()
}

func (l *Log) mirror(ctx context.Context, m mirror, idKey, id string, write func(context.Context) error) {
	var err error
	if l.breaker.Allow(m.name) {
		err = retry.Do(ctx, l.retry, write)
		l.breaker.Record(m.name, err)
	} else {
		err = ErrMirrorOpen
	}
	if err != nil {
		l.fail(ctx, m, idKey, id, err)
	}
}

func (l *Log) fail(ctx context.Context, m mirror, idKey, id string, err error) {
	metrics.AuditWriteFailuresTotal.WithLabelValues(m.name).Inc()
	logging.L(ctx).Warn("audit mirror write failed", "sink", m.name, idKey, id, "error", err)
}

func (l *Log) Recent(ctx context.Context, userID string, limit int, opts ...trust.ListOption) ([]*trust.TrustScoreRecord, error) {
	return l.primary.Recent(ctx, userID, limit, opts...)
}

func (l *Log) Alerts(ctx context.Context, limit int, opts ...trust.ListOption) ([]*trust.TrustScoreRecord, error) {
	return l.primary.Alerts(ctx, limit, opts...)
}

func (l *Log) Since(ctx context.Context, from time.Time) ([]*trust.TrustScoreRecord, error) {
	return l.primary.Since(ctx, from)
}

func (l *Log) OutcomesSince(ctx context.Context, from time.Time) ([]*trust.ChallengeOutcome, error) {
	return l.primary.OutcomesSince(ctx, from)
}
