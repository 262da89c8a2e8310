package plans

import "testing"

func TestForTier(t *testing.T) {
	cases := []struct {
		tier   string
		washes int
	}{
		{"lite", 2},
		{"plus", 4},
		{"pro", 8},
		{"PRO", 8},
		{" plus ", 4},
		{"enterprise", 2},
		{"", 2},
	}
	for _, tc := range cases {
		if got := ForTier(tc.tier).WashesPerCycle; got != tc.washes {
			t.Fatalf("ForTier(%q): expected %d washes, got %d", tc.tier, tc.washes, got)
		}
	}
}

func TestKnown(t *testing.T) {
	if !Known("pro") || !Known("Lite") {
		t.Fatal("expected offered tiers to be known")
	}
	if Known("gold") || Known("") {
		t.Fatal("expected unknown tiers to be rejected")
	}
}
