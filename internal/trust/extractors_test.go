package trust

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/mbd888/trustgate/internal/signals"
	"github.com/mbd888/trustgate/internal/velocity"
)

var t0 = time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)

func amt(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func ptr[T any](v T) *T { return &v }

func input(store signals.Store, a *ActionEvent) *Input {
	return &Input{
		Action:   a,
		Velocity: velocity.Summary{Count: 1, Total: a.AmountOrZero(), Lookback: 10 * time.Minute},
		Signals:  store,
		Params:   DefaultParams(),
	}
}

// brokenStore fails every read.
type brokenStore struct{ signals.MemoryStore }

var errDown = errors.New("store down")

func (*brokenStore) GetProfile(context.Context, string) (*signals.UserProfile, error) {
	return nil, errDown
}
func (*brokenStore) Devices(context.Context, string) ([]signals.DeviceFingerprint, error) {
	return nil, errDown
}
func (*brokenStore) Locations(context.Context, string, time.Time) ([]signals.LocationSample, error) {
	return nil, errDown
}
func (*brokenStore) Behavior(context.Context, string, int) ([]signals.BehaviorSample, error) {
	return nil, errDown
}
func (*brokenStore) OpenIncidents(context.Context, string) (int, error) { return 0, errDown }

func TestDeviceExtractor(t *testing.T) {
	ctx := context.Background()
	store := signals.NewMemoryStore()
	ex := DeviceExtractor{}

	missing := ex.Evaluate(ctx, input(store, &ActionEvent{UserID: "u1", At: t0}))
	assert.Equal(t, 20.0, missing.Score)
	assert.True(t, missing.Degraded)

	unseen := ex.Evaluate(ctx, input(store, &ActionEvent{UserID: "u1", DeviceHash: "h1", At: t0}))
	assert.Equal(t, 30.0, unseen.Score)

	_ = store.TouchDevice(ctx, "u1", "h1", t0.Add(-15*24*time.Hour))
	for i := 0; i < 9; i++ {
		_ = store.TouchDevice(ctx, "u1", "h1", t0.Add(-time.Hour))
	}
	known := ex.Evaluate(ctx, input(store, &ActionEvent{UserID: "u1", DeviceHash: "h1", At: t0}))
	assert.Equal(t, 65.0, known.Score) // 30 + 40*10/20 + 30*15/30
	assert.Contains(t, known.Evidence, "seen 10 times")

	for i := 0; i < 30; i++ {
		_ = store.TouchDevice(ctx, "u1", "h1", t0.Add(-time.Hour))
	}
	veteran := ex.Evaluate(ctx, input(store, &ActionEvent{UserID: "u1", DeviceHash: "h1", At: t0.Add(60 * 24 * time.Hour)}))
	assert.Equal(t, 100.0, veteran.Score)

	broken := ex.Evaluate(ctx, input(&brokenStore{}, &ActionEvent{UserID: "u1", DeviceHash: "h1", At: t0}))
	assert.Equal(t, 20.0, broken.Score)
	assert.True(t, broken.Degraded)
}

func TestCountLimit(t *testing.T) {
	assert.Equal(t, 3, CountLimit(50, 2*time.Minute))
	assert.Equal(t, 5, CountLimit(50, 2*time.Hour)) // ceil(50*2/24)
	assert.Equal(t, 50, CountLimit(50, 24*time.Hour))
}

func TestVelocityExtractor(t *testing.T) {
	ex := VelocityExtractor{}
	p := DefaultParams()
	tests := []struct {
		name  string
		count int
		total string
		want  float64
	}{
		{"single small action", 1, "50", 100},
		{"at limit", 3, "50", 80},
		{"one over", 4, "50", 40},
		{"two over", 5, "50", 0},
		{"half of cap", 1, "2500", 100},
		{"at cap", 1, "5000", 60},
		{"double cap", 1, "10000", 0},
		{"amount dominates", 1, "3750", 80},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := &Input{
				Action:   &ActionEvent{UserID: "u1", At: t0},
				Velocity: velocity.Summary{Count: tt.count, Total: decimal.RequireFromString(tt.total), Lookback: 2 * time.Minute},
				Params:   p,
			}
			assert.Equal(t, tt.want, ex.Evaluate(context.Background(), in).Score)
		})
	}
}

func TestGeolocationExtractor(t *testing.T) {
	ctx := context.Background()
	ex := GeolocationExtractor{}
	store := signals.NewMemoryStore()

	none := ex.Evaluate(ctx, input(store, &ActionEvent{UserID: "u1", At: t0}))
	assert.Equal(t, 40.0, none.Score)

	first := ex.Evaluate(ctx, input(store, &ActionEvent{UserID: "u1", At: t0, Location: &Location{Country: "US", Region: "CA"}}))
	assert.Equal(t, 50.0, first.Score)

	_ = store.AppendLocation(ctx, &signals.LocationSample{
		UserID: "u1", ActionID: "a0", Country: "US", Region: "CA",
		Coords: &signals.Coordinates{Latitude: 37.77, Longitude: -122.42}, At: t0.Add(-24 * time.Hour),
	})

	same := ex.Evaluate(ctx, input(store, &ActionEvent{UserID: "u1", At: t0, Location: &Location{Country: "US", Region: "ca"}}))
	assert.Equal(t, 100.0, same.Score)

	region := ex.Evaluate(ctx, input(store, &ActionEvent{UserID: "u1", At: t0, Location: &Location{Country: "US", Region: "NY"}}))
	assert.Equal(t, 85.0, region.Score)

	abroad := ex.Evaluate(ctx, input(store, &ActionEvent{UserID: "u1", At: t0, Location: &Location{Country: "FR"}}))
	assert.Equal(t, 45.0, abroad.Score)

	// San Francisco to Paris in 30 minutes.
	jump := ex.Evaluate(ctx, input(store, &ActionEvent{
		UserID: "u1", At: t0.Add(-24*time.Hour + 30*time.Minute),
		Location: &Location{Country: "FR", Latitude: ptr(48.86), Longitude: ptr(2.35)},
	}))
	assert.Equal(t, 15.0, jump.Score)
	assert.Contains(t, jump.Evidence, "implausible")

	// Country hop within an hour without coordinates.
	hop := ex.Evaluate(ctx, input(store, &ActionEvent{UserID: "u1", At: t0.Add(-24*time.Hour + 20*time.Minute), Location: &Location{Country: "MX"}}))
	assert.Equal(t, 15.0, hop.Score)

	// Samples older than the recency window are ignored.
	stale := ex.Evaluate(ctx, input(store, &ActionEvent{UserID: "u1", At: t0.Add(100 * 24 * time.Hour), Location: &Location{Country: "US", Region: "CA"}}))
	assert.Equal(t, 50.0, stale.Score)
}

func TestHaversine(t *testing.T) {
	sf := signals.Coordinates{Latitude: 37.7749, Longitude: -122.4194}
	ny := signals.Coordinates{Latitude: 40.7128, Longitude: -74.0060}
	assert.InDelta(t, 4129, haversineKm(sf, ny), 15)
	assert.Zero(t, haversineKm(sf, sf))
}

func seedBehavior(store signals.Store, userID string, n int, kind, category string, bucket, hour int) {
	for i := 0; i < n; i++ {
		_ = store.AppendBehavior(context.Background(), &signals.BehaviorSample{
			UserID: userID, Kind: kind, Category: category, AmountBucket: bucket, Hour: hour,
			At: t0.Add(-time.Duration(i+1) * time.Hour),
		})
	}
}

func TestBehaviorExtractor(t *testing.T) {
	ctx := context.Background()
	ex := BehaviorExtractor{}
	action := &ActionEvent{UserID: "u1", Kind: KindPurchase, Category: "groceries", Amount: amt("89.99"), At: t0}

	store := signals.NewMemoryStore()
	none := ex.Evaluate(ctx, input(store, action))
	assert.Equal(t, 50.0, none.Score)
	assert.True(t, none.Degraded)

	seedBehavior(store, "u1", 20, "purchase", "groceries", 3, 13)
	assert.Equal(t, 100.0, ex.Evaluate(ctx, input(store, action)).Score)

	odd := signals.NewMemoryStore()
	seedBehavior(odd, "u1", 20, "login", "", 0, 3)
	assert.Equal(t, 30.0, ex.Evaluate(ctx, input(odd, action)).Score)

	// Two familiar samples: limited toward neutral.
	thin := signals.NewMemoryStore()
	seedBehavior(thin, "u1", 2, "purchase", "groceries", 3, 14)
	assert.Equal(t, 70.0, ex.Evaluate(ctx, input(thin, action)).Score) // 50 + 50*2/5

	// Thin unfamiliar history is not softened.
	thinOdd := signals.NewMemoryStore()
	seedBehavior(thinOdd, "u1", 2, "login", "", 0, 3)
	assert.Equal(t, 30.0, ex.Evaluate(ctx, input(thinOdd, action)).Score)
}

func TestAmountBucket(t *testing.T) {
	assert.Equal(t, 0, AmountBucket(nil))
	assert.Equal(t, 1, AmountBucket(amt("9.99")))
	assert.Equal(t, 3, AmountBucket(amt("89.99")))
	assert.Equal(t, 6, AmountBucket(amt("4999")))
	assert.Equal(t, 7, AmountBucket(amt("5000")))
}

func TestAccountExtractor(t *testing.T) {
	ctx := context.Background()
	ex := AccountExtractor{}
	store := signals.NewMemoryStore()
	action := &ActionEvent{UserID: "u1", At: t0}

	unknown := ex.Evaluate(ctx, input(store, action))
	assert.Equal(t, 0.0, unknown.Score)
	assert.True(t, unknown.Degraded)

	_ = store.CreateProfile(ctx, &signals.UserProfile{ID: "u1", CreatedAt: t0.Add(-45 * 24 * time.Hour), EmailVerified: true})
	assert.Equal(t, 45.0, ex.Evaluate(ctx, input(store, action)).Score) // 30 + 15

	_ = store.MarkVerified(ctx, "u1", signals.ChannelPhone)
	seedBehavior(store, "u1", 25, "login", "", 0, 14)
	assert.Equal(t, 70.0, ex.Evaluate(ctx, input(store, action)).Score) // 30 + 15 + 15 + 10

	_ = store.RecordIncident(ctx, &signals.Incident{ID: "i1", UserID: "u1", Kind: "chargeback", Severity: "high", At: t0})
	_ = store.RecordIncident(ctx, &signals.Incident{ID: "i2", UserID: "u1", Kind: "chargeback", Severity: "high", At: t0})
	withIncidents := ex.Evaluate(ctx, input(store, action))
	assert.Equal(t, 50.0, withIncidents.Score)
	assert.Contains(t, withIncidents.Evidence, "2 open incidents")

	old := &ActionEvent{UserID: "u1", At: t0.Add(365 * 24 * time.Hour)}
	assert.Equal(t, 80.0, ex.Evaluate(ctx, input(store, old)).Score) // 60 + 30 + 10 - 20

	_ = store.Deactivate(ctx, "u1", t0)
	assert.Equal(t, 0.0, ex.Evaluate(ctx, input(store, action)).Score)
}

func TestTimeExtractor(t *testing.T) {
	ex := TimeExtractor{}
	store := signals.NewMemoryStore()

	day := ex.Evaluate(context.Background(), input(store, &ActionEvent{At: t0}))
	assert.Equal(t, 100.0, day.Score)

	night := ex.Evaluate(context.Background(), input(store, &ActionEvent{At: time.Date(2026, 3, 2, 3, 0, 0, 0, time.UTC)}))
	assert.Equal(t, 60.0, night.Score)

	// 14:00 UTC is 23:00 in Tokyo, outside the default 0-6 window; 18:00 UTC is 03:00.
	tokyo := &Location{Country: "JP", Timezone: "Asia/Tokyo"}
	assert.Equal(t, 100.0, ex.Evaluate(context.Background(), input(store, &ActionEvent{At: t0, Location: tokyo})).Score)
	late := ex.Evaluate(context.Background(), input(store, &ActionEvent{At: t0.Add(4 * time.Hour), Location: tokyo}))
	assert.Equal(t, 60.0, late.Score)
	assert.Contains(t, late.Evidence, "Asia/Tokyo")
}

func TestInWindowWraps(t *testing.T) {
	assert.True(t, inWindow(23, 22, 5))
	assert.True(t, inWindow(2, 22, 5))
	assert.False(t, inWindow(12, 22, 5))
	assert.True(t, inWindow(0, 0, 6))
	assert.False(t, inWindow(6, 0, 6))
	assert.False(t, inWindow(3, 4, 4))
}

func TestExtractorsAreTotal(t *testing.T) {
	a := &ActionEvent{UserID: "u1", Kind: KindLogin, DeviceHash: "h", At: t0, Location: &Location{Country: "US"}}
	in := input(&brokenStore{}, a)
	for _, ex := range DefaultExtractors() {
		fs := ex.Evaluate(context.Background(), in)
		assert.GreaterOrEqual(t, fs.Score, 0.0, ex.Factor())
		assert.LessOrEqual(t, fs.Score, 100.0, ex.Factor())
	}
}
