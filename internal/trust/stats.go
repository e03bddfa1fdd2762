package trust

import (
	"math"
	"time"
)

const (
	DefaultStatsWindow = 24 * time.Hour
	MaxStatsWindow     = 31 * 24 * time.Hour
)

// HourlyBucket aggregates one clock hour.
type HourlyBucket struct {
	Hour         time.Time        `json:"hour"`
	Count        int              `json:"count"`
	ByDecision   map[Decision]int `json:"byDecision"`
	AverageScore float64          `json:"averageScore"`
}

// Stats is the reporting projection over a window.
type Stats struct {
	From              time.Time         `json:"from"`
	To                time.Time         `json:"to"`
	Total             int               `json:"total"`
	ByDecision        map[Decision]int  `json:"byDecision"`
	AverageScore      float64           `json:"averageScore"`
	RiskDistribution  map[RiskLevel]int `json:"riskDistribution"`
	ChallengeOutcomes map[string]int    `json:"challengeOutcomes"`
	Hourly            []HourlyBucket    `json:"hourly"`
}

// ComputeStats builds Stats from records and outcomes. Records outside
// [from, to] are ignored. Hourly buckets cover every hour in the window,
// empty ones included, oldest first.
func ComputeStats(recs []*TrustScoreRecord, outcomes []*ChallengeOutcome, from, to time.Time) *Stats {
	st := &Stats{
		From:              from,
		To:                to,
		ByDecision:        map[Decision]int{DecisionAllow: 0, DecisionVerify: 0, DecisionBlock: 0},
		RiskDistribution:  map[RiskLevel]int{RiskLow: 0, RiskMedium: 0, RiskHigh: 0},
		ChallengeOutcomes: map[string]int{},
	}

	first := from.Truncate(time.Hour)
	n := int(to.Truncate(time.Hour).Sub(first)/time.Hour) + 1
	st.Hourly = make([]HourlyBucket, n)
	sums := make([]float64, n)
	for i := range st.Hourly {
		st.Hourly[i] = HourlyBucket{Hour: first.Add(time.Duration(i) * time.Hour), ByDecision: map[Decision]int{}}
	}

	var total float64
	for _, r := range recs {
		if r.CreatedAt.Before(from) || r.CreatedAt.After(to) {
			continue
		}
		st.Total++
		total += r.Score
		st.ByDecision[r.Decision]++
		st.RiskDistribution[r.RiskLevel]++

		i := int(r.CreatedAt.Truncate(time.Hour).Sub(first) / time.Hour)
		if i >= 0 && i < n {
			b := &st.Hourly[i]
			b.Count++
			b.ByDecision[r.Decision]++
			sums[i] += r.Score
		}
	}
	if st.Total > 0 {
		st.AverageScore = math.Round(total/float64(st.Total)*10) / 10
	}
	for i := range st.Hourly {
		if c := st.Hourly[i].Count; c > 0 {
			st.Hourly[i].AverageScore = math.Round(sums[i]/float64(c)*10) / 10
		}
	}

	for _, o := range outcomes {
		if o.At.Before(from) || o.At.After(to) {
			continue
		}
		st.ChallengeOutcomes[string(o.Outcome)]++
	}
	return st
}
