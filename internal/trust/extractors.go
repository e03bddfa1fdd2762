package trust

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/trustgate/internal/signals"
	"github.com/mbd888/trustgate/internal/velocity"
)

// Scoring constants. Sub-scores are on a 0..100 scale.
const (
	deviceMissing  = 20.0
	deviceUnseen   = 30.0
	deviceCountCap = 20
	deviceAgeCap   = 30.0 // days

	geoNoLocation   = 40.0
	geoNoHistory    = 50.0
	geoSameRegion   = 100.0
	geoSameCountry  = 85.0
	geoNewCountry   = 45.0
	geoImplausible  = 15.0
	geoRecency      = signals.LocationRetention
	maxTravelKmH    = 900.0
	countryHopLimit = time.Hour

	behaviorHistory      = signals.BehaviorHistory
	behaviorNoHistory    = 50.0
	behaviorMinSamples   = 5
	behaviorFamiliarFrac = 0.2
	behaviorHourSpread   = 2

	accountAgeWeight   = 60.0
	accountEmailBonus  = 15.0
	accountPhoneBonus  = 15.0
	accountActivityCap = 10
	incidentPenalty    = 10.0

	timeNight = 60.0
	timeDay   = 100.0
)

// Params are the tunable inputs shared by the extractors.
type Params struct {
	MaxTransactionAmount     decimal.Decimal
	MaxDailyTransactions     int
	Lookback                 time.Duration
	AccountAgeSaturationDays int
	NightStartHour           int
	NightEndHour             int
}

// DefaultParams returns the documented defaults.
func DefaultParams() Params {
	return Params{
		MaxTransactionAmount:     decimal.NewFromInt(5000),
		MaxDailyTransactions:     50,
		Lookback:                 10 * time.Minute,
		AccountAgeSaturationDays: 90,
		NightStartHour:           0,
		NightEndHour:             6,
	}
}

// Input is everything an extractor may read.
type Input struct {
	Action   *ActionEvent
	Velocity velocity.Summary
	Signals  signals.Store
	Params   Params
}

// Extractor computes one factor. Evaluate never fails: missing or
// unreadable history yields a conservative sub-score flagged Degraded.
type Extractor interface {
	Factor() Factor
	Evaluate(ctx context.Context, in *Input) FactorScore
}

// DefaultExtractors returns the six extractors in canonical order.
func DefaultExtractors() []Extractor {
	return []Extractor{
		DeviceExtractor{},
		VelocityExtractor{},
		GeolocationExtractor{},
		BehaviorExtractor{},
		AccountExtractor{},
		TimeExtractor{},
	}
}

func score(f Factor, v float64, evidence string, degraded bool) FactorScore {
	return FactorScore{Factor: f, Score: round1(clamp(v, 0, 100)), Evidence: evidence, Degraded: degraded}
}

// DeviceExtractor trusts devices by recurrence and age.
type DeviceExtractor struct{}

func (DeviceExtractor) Factor() Factor { return FactorDevice }

func (DeviceExtractor) Evaluate(ctx context.Context, in *Input) FactorScore {
	a := in.Action
	if a.DeviceHash == "" {
		return score(FactorDevice, deviceMissing, "no device fingerprint", true)
	}
	devs, err := in.Signals.Devices(ctx, a.UserID)
	if err != nil {
		return score(FactorDevice, deviceMissing, "device history unavailable", true)
	}
	for _, d := range devs {
		if d.Hash != a.DeviceHash {
			continue
		}
		ageDays := math.Max(0, a.At.Sub(d.FirstSeen).Hours()/24)
		v := deviceUnseen +
			40*float64(min(d.SeenCount, deviceCountCap))/deviceCountCap +
			30*math.Min(ageDays, deviceAgeCap)/deviceAgeCap
		return score(FactorDevice, v, fmt.Sprintf("known device: seen %d times over %.0f days", d.SeenCount, ageDays), false)
	}
	return score(FactorDevice, deviceUnseen, "new device", false)
}

// VelocityExtractor penalises bursts of actions and spend inside the lookback.
type VelocityExtractor struct{}

func (VelocityExtractor) Factor() Factor { return FactorVelocity }

func (VelocityExtractor) Evaluate(_ context.Context, in *Input) FactorScore {
	p := in.Params
	sum := in.Velocity
	count := max(sum.Count, 1)
	lookback := sum.Lookback
	if lookback <= 0 {
		lookback = p.Lookback
	}

	limit := CountLimit(p.MaxDailyTransactions, lookback)
	var countScore float64
	if count <= limit {
		countScore = 100 - 10*float64(count-1)
	} else {
		span := math.Ceil(float64(limit) / 2)
		countScore = 80 * math.Max(0, 1-float64(count-limit)/span)
	}

	amountScore := 100.0
	ratio := 0.0
	if p.MaxTransactionAmount.IsPositive() {
		ratio, _ = sum.Total.Div(p.MaxTransactionAmount).Float64()
		switch {
		case ratio <= 0.5:
			amountScore = 100
		case ratio <= 1:
			amountScore = 100 - 80*(ratio-0.5)
		default:
			amountScore = 60 * math.Max(0, 2-ratio)
		}
	}

	evidence := fmt.Sprintf("%d actions in %s (limit %d), total %s of %s cap",
		count, lookback, limit, sum.Total.StringFixed(2), p.MaxTransactionAmount.StringFixed(2))
	return score(FactorVelocity, math.Min(countScore, amountScore), evidence, false)
}

// CountLimit is the number of actions tolerated in one lookback window:
// the daily cap pro-rated to the window, never below 3.
func CountLimit(maxDaily int, lookback time.Duration) int {
	l := int(math.Ceil(float64(maxDaily) * lookback.Hours() / 24))
	return max(l, 3)
}

// GeolocationExtractor compares the action's location with recent history.
type GeolocationExtractor struct{}

func (GeolocationExtractor) Factor() Factor { return FactorGeolocation }

func (GeolocationExtractor) Evaluate(ctx context.Context, in *Input) FactorScore {
	a := in.Action
	loc := a.Location
	if loc == nil {
		return score(FactorGeolocation, geoNoLocation, "no location", true)
	}
	samples, err := in.Signals.Locations(ctx, a.UserID, a.At.Add(-geoRecency))
	if err != nil {
		return score(FactorGeolocation, geoNoLocation, "location history unavailable", true)
	}
	prior := samples[:0:0]
	for _, s := range samples {
		if s.ActionID != a.ID && !s.At.After(a.At) {
			prior = append(prior, s)
		}
	}
	if len(prior) == 0 {
		return score(FactorGeolocation, geoNoHistory, fmt.Sprintf("first location %s", place(loc.Country, loc.Region)), true)
	}

	last := prior[len(prior)-1]
	elapsed := a.At.Sub(last.At)
	if cur := loc.coords(); cur != nil && last.Coords != nil {
		km := haversineKm(*last.Coords, *cur)
		hours := math.Max(elapsed.Hours(), 1.0/60)
		if speed := km / hours; speed > maxTravelKmH {
			return score(FactorGeolocation, geoImplausible,
				fmt.Sprintf("implausible travel: %.0f km from %s in %s", km, place(last.Country, last.Region), elapsed.Round(time.Second)), false)
		}
	} else if last.Country != loc.Country && elapsed < countryHopLimit {
		return score(FactorGeolocation, geoImplausible,
			fmt.Sprintf("implausible travel: %s to %s in %s", last.Country, loc.Country, elapsed.Round(time.Second)), false)
	}

	sameCountry := false
	for _, s := range prior {
		if s.Country != loc.Country {
			continue
		}
		sameCountry = true
		if loc.Region != "" && strings.EqualFold(s.Region, loc.Region) {
			return score(FactorGeolocation, geoSameRegion, fmt.Sprintf("known location %s", place(loc.Country, loc.Region)), false)
		}
	}
	if sameCountry {
		return score(FactorGeolocation, geoSameCountry, fmt.Sprintf("known country %s, new region", loc.Country), false)
	}
	return score(FactorGeolocation, geoNewCountry, fmt.Sprintf("first time in %s", loc.Country), false)
}

func place(country, region string) string {
	if region == "" {
		return country
	}
	return country + "/" + region
}

func haversineKm(a, b signals.Coordinates) float64 {
	const earthRadiusKm = 6371.0
	rad := math.Pi / 180
	dLat := (b.Latitude - a.Latitude) * rad
	dLon := (b.Longitude - a.Longitude) * rad
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(a.Latitude*rad)*math.Cos(b.Latitude*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Min(1, math.Sqrt(h)))
}

// BehaviorExtractor measures how familiar the action's shape is.
type BehaviorExtractor struct{}

func (BehaviorExtractor) Factor() Factor { return FactorBehavior }

func (BehaviorExtractor) Evaluate(ctx context.Context, in *Input) FactorScore {
	a := in.Action
	hist, err := in.Signals.Behavior(ctx, a.UserID, behaviorHistory)
	if err != nil {
		return score(FactorBehavior, behaviorNoHistory, "behaviour history unavailable", true)
	}
	if len(hist) == 0 {
		return score(FactorBehavior, behaviorNoHistory, "no behavioural history", true)
	}

	n := float64(len(hist))
	hour := LocalHour(a)
	bucket := AmountBucket(a.Amount)
	var kind, category, amount, hourly float64
	for _, s := range hist {
		if s.Kind == string(a.Kind) {
			kind++
		}
		if a.Category != "" && strings.EqualFold(s.Category, a.Category) {
			category++
		}
		if s.AmountBucket == bucket {
			amount++
		}
		if hourDistance(s.Hour, hour) <= behaviorHourSpread {
			hourly++
		}
	}

	parts := []float64{familiar(kind / n), familiar(amount / n), familiar(hourly / n)}
	if a.Category != "" {
		parts = append(parts, familiar(category/n))
	}
	var sim float64
	for _, p := range parts {
		sim += p
	}
	sim /= float64(len(parts))

	v := 30 + 70*sim
	if len(hist) < behaviorMinSamples {
		v = math.Min(v, 50+(v-50)*n/behaviorMinSamples)
	}
	return score(FactorBehavior, v, fmt.Sprintf("%.0f%% similar to %d past actions", sim*100, len(hist)), false)
}

func familiar(frac float64) float64 {
	return math.Min(1, frac/behaviorFamiliarFrac)
}

func hourDistance(a, b int) int {
	d := a - b
	if d < 0 {
		d = -d
	}
	return min(d, 24-d)
}

// AmountBucket maps an amount onto a coarse log-like scale; 0 means none.
func AmountBucket(amount *decimal.Decimal) int {
	if amount == nil {
		return 0
	}
	v, _ := amount.Float64()
	switch {
	case v < 10:
		return 1
	case v < 50:
		return 2
	case v < 100:
		return 3
	case v < 500:
		return 4
	case v < 1000:
		return 5
	case v < 5000:
		return 6
	default:
		return 7
	}
}

// AccountExtractor scores account age, verification and standing.
type AccountExtractor struct{}

func (AccountExtractor) Factor() Factor { return FactorAccount }

func (AccountExtractor) Evaluate(ctx context.Context, in *Input) FactorScore {
	a := in.Action
	p, err := in.Signals.GetProfile(ctx, a.UserID)
	if err != nil {
		return score(FactorAccount, 0, "unknown account", true)
	}
	if !p.Active() {
		return score(FactorAccount, 0, "account deactivated", false)
	}

	sat := in.Params.AccountAgeSaturationDays
	if sat <= 0 {
		sat = 90
	}
	age := p.AgeDays(a.At)
	v := accountAgeWeight * math.Min(float64(age)/float64(sat), 1)

	var notes []string
	notes = append(notes, fmt.Sprintf("account %d days old", age))
	if p.EmailVerified {
		v += accountEmailBonus
		notes = append(notes, "email verified")
	}
	if p.PhoneVerified {
		v += accountPhoneBonus
		notes = append(notes, "phone verified")
	}

	degraded := false
	if hist, err := in.Signals.Behavior(ctx, a.UserID, accountActivityCap); err == nil {
		v += float64(len(hist))
	} else {
		degraded = true
	}
	if open, err := in.Signals.OpenIncidents(ctx, a.UserID); err != nil {
		degraded = true
	} else if open > 0 {
		v -= incidentPenalty * float64(open)
		notes = append(notes, fmt.Sprintf("%d open incidents", open))
	}
	return score(FactorAccount, v, strings.Join(notes, ", "), degraded)
}

// TimeExtractor applies a modest penalty inside the local night window.
type TimeExtractor struct{}

func (TimeExtractor) Factor() Factor { return FactorTime }

func (TimeExtractor) Evaluate(_ context.Context, in *Input) FactorScore {
	hour := LocalHour(in.Action)
	zone := "UTC"
	if l := in.Action.Location; l != nil && l.Timezone != "" {
		zone = l.Timezone
	}
	if inWindow(hour, in.Params.NightStartHour, in.Params.NightEndHour) {
		return score(FactorTime, timeNight, fmt.Sprintf("off-hours activity at %02d:00 %s", hour, zone), false)
	}
	return score(FactorTime, timeDay, fmt.Sprintf("normal hours %02d:00 %s", hour, zone), false)
}

// LocalHour is the hour of the action in its location's time zone, UTC when
// unknown.
func LocalHour(a *ActionEvent) int {
	t := a.At
	if l := a.Location; l != nil && l.Timezone != "" {
		if tz, err := time.LoadLocation(l.Timezone); err == nil {
			t = t.In(tz)
		}
	}
	return t.Hour()
}

// inWindow reports whether hour falls in [start, end), wrapping past midnight.
func inWindow(hour, start, end int) bool {
	if start == end {
		return false
	}
	if start < end {
		return hour >= start && hour < end
	}
	return hour >= start || hour < end
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
