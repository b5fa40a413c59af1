// Package conflict detects drug-gene and drug-drug conflicts that gate a
// prescription before dispensing.
package conflict

import "strings"

// Risk is the severity attached to a drug-gene conflict
type Risk string

const (
	RiskHigh     Risk = "High"
	RiskModerate Risk = "Moderate"
	RiskLow      Risk = "Low"
)

// ParseRisk normalizes a stored risk level. Unrecognized values are kept
// verbatim and rank below Low.
func ParseRisk(s string) Risk {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high":
		return RiskHigh
	case "moderate":
		return RiskModerate
	case "low":
		return RiskLow
	}
	return Risk(strings.TrimSpace(s))
}

// Rank orders risks for queue display: High=1, Moderate=2, Low=3, other=4
func (r Risk) Rank() int {
	switch r {
	case RiskHigh:
		return 1
	case RiskModerate:
		return 2
	case RiskLow:
		return 3
	}
	return 4
}

// Highest returns the most severe of the given risks
func Highest(risks ...Risk) Risk {
	var best Risk
	for _, r := range risks {
		if best == "" || r.Rank() < best.Rank() {
			best = r
		}
	}
	return best
}

// RiskFromScore maps an external evidence score onto a risk level
func RiskFromScore(score float64) Risk {
	switch {
	case score >= 4:
		return RiskHigh
	case score >= 2:
		return RiskModerate
	default:
		return RiskLow
	}
}
