// Package velocity tracks per-user sliding windows of recent actions.
//
// Windows live in a sharded arena keyed by user id: one mutex per shard,
// never one per user and never a global lock. Entries are kept in timestamp
// order and evicted lazily whenever the window is touched, so idle users
// cost no background work.
package velocity

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/trustgate/internal/syncutil"
)

const (
	// DefaultLookback is used when a non-positive lookback is configured.
	DefaultLookback = 10 * time.Minute

	// DefaultMaxEntries bounds memory per user regardless of lookback.
	DefaultMaxEntries = 1000
)

// Entry is one recorded action.
type Entry struct {
	At     time.Time
	Amount decimal.Decimal
}

// Summary is a consistent view of one user's window.
type Summary struct {
	Count    int             `json:"count"`
	Total    decimal.Decimal `json:"total"`
	Oldest   time.Time       `json:"oldest"`
	Lookback time.Duration   `json:"lookback"`
}

type window struct {
	entries []Entry // ascending by At
}

// Tracker maintains per-user sliding windows.
type Tracker struct {
	lookback   time.Duration
	maxEntries int
	windows    *syncutil.Shards[window]
}

// New creates a tracker with the given lookback.
func New(lookback time.Duration) *Tracker {
	if lookback <= 0 {
		lookback = DefaultLookback
	}
	return &Tracker{
		lookback:   lookback,
		maxEntries: DefaultMaxEntries,
		windows:    syncutil.NewShards[window](0),
	}
}

// WithMaxEntries overrides the per-user entry cap.
func (t *Tracker) WithMaxEntries(n int) *Tracker {
	if n > 0 {
		t.maxEntries = n
	}
	return t
}

// Lookback returns the configured window length.
func (t *Tracker) Lookback() time.Duration {
	return t.lookback
}

// Record appends an action and returns the window summary as of that
// action's timestamp, the action itself included. Append and summary happen
// in the same critical section, so concurrent records for one user each see
// a distinct, complete count.
func (t *Tracker) Record(userID string, at time.Time, amount decimal.Decimal) Summary {
	var sum Summary
	t.windows.With(userID, func(w *window) {
		w.insert(Entry{At: at, Amount: amount})
		w.evict(at.Add(-t.lookback), t.maxEntries)
		sum = w.summarize(at, t.lookback)
	})
	return sum
}

// Summary returns the window as of now without recording anything.
func (t *Tracker) Summary(userID string, now time.Time) Summary {
	sum := Summary{Total: decimal.Zero, Lookback: t.lookback}
	t.windows.Peek(userID, func(w *window) {
		w.evict(now.Add(-t.lookback), t.maxEntries)
		sum = w.summarize(now, t.lookback)
	})
	return sum
}

// Reset drops a user's window.
func (t *Tracker) Reset(userID string) {
	t.windows.Delete(userID)
}

// Users returns the number of users with a live window slot.
func (t *Tracker) Users() int {
	return t.windows.Len()
}

func (w *window) insert(e Entry) {
	i := sort.Search(len(w.entries), func(i int) bool {
		return w.entries[i].At.After(e.At)
	})
	w.entries = append(w.entries, Entry{})
	copy(w.entries[i+1:], w.entries[i:])
	w.entries[i] = e
}

// evict drops entries before cutoff, then trims the oldest beyond max.
// Callers pass a cutoff derived from the time being summarized, so entries
// dated later than that never push out the ones the summary counts.
func (w *window) evict(cutoff time.Time, max int) {
	if len(w.entries) == 0 {
		return
	}
	i := sort.Search(len(w.entries), func(i int) bool {
		return !w.entries[i].At.Before(cutoff)
	})
	if extra := len(w.entries) - i - max; extra > 0 {
		i += extra
	}
	if i > 0 {
		w.entries = append(w.entries[:0], w.entries[i:]...)
	}
}

func (w *window) summarize(at time.Time, lookback time.Duration) Summary {
	sum := Summary{Total: decimal.Zero, Lookback: lookback}
	from := at.Add(-lookback)
	for _, e := range w.entries {
		if e.At.Before(from) || e.At.After(at) {
			continue
		}
		if sum.Count == 0 {
			sum.Oldest = e.At
		}
		sum.Count++
		sum.Total = sum.Total.Add(e.Amount)
	}
	return sum
}
