package trust

import (
	"fmt"
	"sort"
	"strings"
)

// Default thresholds.
const (
	DefaultHighRiskThreshold   = 40.0
	DefaultMediumRiskThreshold = 70.0
)

// Policy maps a trust score to a decision. Each threshold is the inclusive
// lower bound of the more permissive band.
type Policy struct {
	HighRiskThreshold   float64
	MediumRiskThreshold float64
}

// DefaultPolicy returns the 40/70 policy.
func DefaultPolicy() Policy {
	return Policy{
		HighRiskThreshold:   DefaultHighRiskThreshold,
		MediumRiskThreshold: DefaultMediumRiskThreshold,
	}
}

// Validate checks 0 <= high < medium <= 100.
func (p Policy) Validate() error {
	if p.HighRiskThreshold < 0 || p.MediumRiskThreshold > 100 || p.HighRiskThreshold >= p.MediumRiskThreshold {
		return fmt.Errorf("invalid thresholds: need 0 <= high (%.1f) < medium (%.1f) <= 100",
			p.HighRiskThreshold, p.MediumRiskThreshold)
	}
	return nil
}

// Decide returns Allow at or above medium, Block below high, Verify between.
func (p Policy) Decide(score float64) Decision {
	switch {
	case score >= p.MediumRiskThreshold:
		return DecisionAllow
	case score >= p.HighRiskThreshold:
		return DecisionVerify
	default:
		return DecisionBlock
	}
}

// Level maps a score onto the operator-facing risk band.
func (p Policy) Level(score float64) RiskLevel {
	switch p.Decide(score) {
	case DecisionAllow:
		return RiskLow
	case DecisionVerify:
		return RiskMedium
	default:
		return RiskHigh
	}
}

// Explain names the lowest factor, and the second lowest when it is also
// below the medium threshold. Ties break by canonical factor order, so the
// text is reproducible from the snapshot alone.
func (p Policy) Explain(snap *RiskFactorSnapshot, d Decision, veto bool) string {
	ranked := make([]FactorScore, 0, len(Factors))
	for _, f := range Factors {
		if fs, ok := snap.Get(f); ok {
			ranked = append(ranked, fs)
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Score < ranked[j].Score })

	var b strings.Builder
	b.WriteString(decisionLabel(d))
	if len(ranked) > 0 {
		b.WriteString(": lowest ")
		b.WriteString(describe(ranked[0]))
		if len(ranked) > 1 && ranked[1].Score < p.MediumRiskThreshold {
			b.WriteString("; ")
			b.WriteString(describe(ranked[1]))
		}
	}
	if veto {
		fmt.Fprintf(&b, "; velocity limit exceeded, score capped at %.0f", vetoCap)
	}
	return b.String()
}

func describe(fs FactorScore) string {
	if fs.Evidence == "" {
		return fmt.Sprintf("%s %.1f", fs.Factor, fs.Score)
	}
	return fmt.Sprintf("%s %.1f (%s)", fs.Factor, fs.Score, fs.Evidence)
}

func decisionLabel(d Decision) string {
	switch d {
	case DecisionAllow:
		return "allowed"
	case DecisionVerify:
		return "verification required"
	default:
		return "blocked"
	}
}

// Recommendations lists the next steps shown to the user for a decision.
func Recommendations(d Decision) []string {
	switch d {
	case DecisionBlock:
		return []string{
			"Contact customer support",
			"Verify your identity with an alternative method",
			"Review your account security settings",
		}
	case DecisionVerify:
		return []string{
			"Complete additional verification",
			"Review the action details",
		}
	default:
		return nil
	}
}
