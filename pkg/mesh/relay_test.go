package mesh

import (
	"testing"
)

func TestRelayCurveShape(t *testing.T) {
	tests := []struct {
		neighbors int
		want      float64
	}{
		{0, 1.0},
		{1, 1.0},
		{2, 1.0},
		{3, 0.7},
		{5, 0.7},
		{6, 0.5},
		{10, 0.5},
		{11, 0.3},
		{50, 0.3},
	}

	for _, tt := range tests {
		if got := DefaultRelayCurve(tt.neighbors); got != tt.want {
			t.Errorf("curve(%d) = %v, want %v", tt.neighbors, got, tt.want)
		}
	}
}

func TestSparseTopologyAlwaysRelays(t *testing.T) {
	rm := NewRelayManager(DefaultRelayPolicy(), 1)

	for i := 0; i < 100; i++ {
		if !rm.ShouldRelay(2) {
			t.Fatal("relay suppressed despite probability 1.0")
		}
	}
}

func TestDenseTopologyDampens(t *testing.T) {
	rm := NewRelayManager(DefaultRelayPolicy(), 1)

	relayed := 0
	for i := 0; i < 1000; i++ {
		if rm.ShouldRelay(50) {
			relayed++
		}
	}

	// p=0.3; anything near 0 or 1000 means the roll is broken
	if relayed < 200 || relayed > 400 {
		t.Fatalf("relayed %d of 1000 at p=0.3", relayed)
	}

	_, damped, _ := rm.Stats()
	if damped != uint64(1000-relayed) {
		t.Fatalf("damped counter %d, want %d", damped, 1000-relayed)
	}
}

func TestZeroCurveNeverRelays(t *testing.T) {
	policy := DefaultRelayPolicy()
	policy.Curve = func(int) float64 { return 0 }
	rm := NewRelayManager(policy, 1)

	for i := 0; i < 50; i++ {
		if rm.ShouldRelay(1) {
			t.Fatal("relayed with a zero curve")
		}
	}
}

func TestBandwidthCapChokesLoudLink(t *testing.T) {
	rm := NewRelayManager(DefaultRelayPolicy(), 1)

	// The burst allows one full padded frame, then the link is choked
	if !rm.AllowBandwidth("loud", 2048) {
		t.Fatal("first frame within burst rejected")
	}
	if rm.AllowBandwidth("loud", 2048) {
		t.Fatal("second frame should exceed the budget")
	}

	// Budgets are per link
	if !rm.AllowBandwidth("other", 2048) {
		t.Fatal("quiet link punished for loud one")
	}

	relayed, _, choked := rm.Stats()
	if relayed != 2 || choked != 1 {
		t.Fatalf("stats relayed=%d choked=%d, want 2 1", relayed, choked)
	}
}

func TestForgetLinkResetsBudget(t *testing.T) {
	rm := NewRelayManager(DefaultRelayPolicy(), 1)

	rm.AllowBandwidth("a", 2048)
	if rm.AllowBandwidth("a", 2048) {
		t.Fatal("budget should be exhausted")
	}

	rm.ForgetLink("a")
	if !rm.AllowBandwidth("a", 2048) {
		t.Fatal("fresh link should get a fresh budget")
	}
}
