package trust

// Weights are the fixed factor coefficients. They sum to 1.
var Weights = map[Factor]float64{
	FactorDevice:      0.20,
	FactorVelocity:    0.25,
	FactorGeolocation: 0.15,
	FactorBehavior:    0.20,
	FactorAccount:     0.15,
	FactorTime:        0.05,
}

const (
	// A velocity sub-score at or below vetoFloor caps the aggregate at
	// vetoCap, whatever the other factors say.
	vetoFloor = 10.0
	vetoCap   = 35.0
)

// Aggregate combines the snapshot's sub-scores into a score in [0,100],
// rounded to one decimal. Factors are summed in canonical order so the
// result does not depend on snapshot ordering; a missing factor counts as 0.
// veto reports whether the velocity cap was applied.
func Aggregate(snap *RiskFactorSnapshot) (total float64, veto bool) {
	for _, f := range Factors {
		fs, ok := snap.Get(f)
		if !ok {
			continue
		}
		total += Weights[f] * fs.Score
	}
	total = clamp(total, 0, 100)

	if v, ok := snap.Get(FactorVelocity); ok && v.Score <= vetoFloor && total > vetoCap {
		total = vetoCap
		veto = true
	}
	return round1(total), veto
}
