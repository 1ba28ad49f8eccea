package models

import "testing"

func TestTier_Valid(t *testing.T) {
	tests := []struct {
		name string
		tier Tier
		want bool
	}{
		{"scout is valid", TierScout, true},
		{"builder is valid", TierBuilder, true},
		{"architect is valid", TierArchitect, true},
		{"empty string is invalid", Tier(""), false},
		{"quick is no longer a tier", Tier("quick"), false},
		{"uppercase is invalid", Tier("SCOUT"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.tier.Valid(); got != tt.want {
				t.Errorf("Tier(%q).Valid() = %v, want %v", tt.tier, got, tt.want)
			}
		})
	}
}

func TestTierForComplexity(t *testing.T) {
	tests := []struct {
		complexity int
		want       Tier
	}{
		{0, TierScout},
		{3, TierScout},
		{4, TierBuilder},
		{7, TierBuilder},
		{8, TierArchitect},
		{10, TierArchitect},
	}
	for _, tt := range tests {
		if got := TierForComplexity(tt.complexity); got != tt.want {
			t.Errorf("TierForComplexity(%d) = %s, want %s", tt.complexity, got, tt.want)
		}
	}
}
