package conflict

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseRisk(t *testing.T) {
	assert.Equal(t, RiskHigh, ParseRisk(" high "))
	assert.Equal(t, RiskModerate, ParseRisk("MODERATE"))
	assert.Equal(t, RiskLow, ParseRisk("Low"))
	assert.Equal(t, Risk("Informative"), ParseRisk("Informative"))
}

func TestRankOrdering(t *testing.T) {
	assert.Less(t, RiskHigh.Rank(), RiskModerate.Rank())
	assert.Less(t, RiskModerate.Rank(), RiskLow.Rank())
	assert.Less(t, RiskLow.Rank(), Risk("Unknown").Rank())
}

func TestHighest(t *testing.T) {
	assert.Equal(t, RiskHigh, Highest(RiskLow, RiskHigh, RiskModerate))
	assert.Equal(t, RiskLow, Highest("", RiskLow))
	assert.Equal(t, Risk(""), Highest())
}

func TestRiskFromScore(t *testing.T) {
	tests := []struct {
		score float64
		want  Risk
	}{
		{0, RiskLow},
		{1.99, RiskLow},
		{2, RiskModerate},
		{3.5, RiskModerate},
		{4, RiskHigh},
		{10, RiskHigh},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, RiskFromScore(tt.score), "score %v", tt.score)
	}
}
