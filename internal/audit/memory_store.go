package audit

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/trustgate/internal/trust"
)

// MemoryStore is an in-memory audit log for demo/test use.
type MemoryStore struct {
	mu       sync.RWMutex
	records  []*trust.TrustScoreRecord // append order
	outcomes []*trust.ChallengeOutcome
}

var _ trust.AuditLog = (*MemoryStore)(nil)

// NewMemoryStore creates an in-memory audit store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Append(_ context.Context, rec *trust.TrustScoreRecord) error {
	cp := copyRecord(rec)
	m.mu.Lock()
	m.records = append(m.records, cp)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) AppendOutcome(_ context.Context, o *trust.ChallengeOutcome) error {
	cp := *o
	m.mu.Lock()
	m.outcomes = append(m.outcomes, &cp)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Recent(_ context.Context, userID string, limit int, opts ...trust.ListOption) ([]*trust.TrustScoreRecord, error) {
	return m.newest(limit, opts, func(r *trust.TrustScoreRecord) bool { return r.UserID == userID }), nil
}

func (m *MemoryStore) Alerts(_ context.Context, limit int, opts ...trust.ListOption) ([]*trust.TrustScoreRecord, error) {
	return m.newest(limit, opts, func(r *trust.TrustScoreRecord) bool { return r.Decision != trust.DecisionAllow }), nil
}

func (m *MemoryStore) Since(_ context.Context, from time.Time) ([]*trust.TrustScoreRecord, error) {
	m.mu.RLock()
	var out []*trust.TrustScoreRecord
	for _, r := range m.records {
		if !r.CreatedAt.Before(from) {
			out = append(out, copyRecord(r))
		}
	}
	m.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) OutcomesSince(_ context.Context, from time.Time) ([]*trust.ChallengeOutcome, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*trust.ChallengeOutcome
	for _, o := range m.outcomes {
		if !o.At.Before(from) {
			cp := *o
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out, nil
}

// newest orders by (CreatedAt, ID) descending, matching the Postgres keyset.
func (m *MemoryStore) newest(limit int, opts []trust.ListOption, keep func(*trust.TrustScoreRecord) bool) []*trust.TrustScoreRecord {
	cursor := trust.ApplyListOptions(opts).Cursor

	m.mu.RLock()
	var out []*trust.TrustScoreRecord
	for _, r := range m.records {
		if keep(r) && cursor.Admits(r.CreatedAt, r.ID) {
			out = append(out, r)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	for i, r := range out {
		out[i] = copyRecord(r)
	}
	return out
}

func copyRecord(r *trust.TrustScoreRecord) *trust.TrustScoreRecord {
	cp := *r
	cp.Snapshot.Factors = append([]trust.FactorScore(nil), r.Snapshot.Factors...)
	cp.Recommendations = append([]string(nil), r.Recommendations...)
	if r.Amount != nil {
		a := *r.Amount
		cp.Amount = &a
	}
	if r.ChallengeExpiresAt != nil {
		t := *r.ChallengeExpiresAt
		cp.ChallengeExpiresAt = &t
	}
	return &cp
}
