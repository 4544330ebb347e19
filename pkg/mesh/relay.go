package mesh

import (
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RelayPolicy governs flood forwarding. The probability curve trades
// reachability against channel congestion: sparse neighborhoods relay
// close to always, dense ones back off because redundant copies are
// nearly free there. The curve is an informal heuristic, not a verified
// optimum, which is why it is injected rather than hard-coded.
type RelayPolicy struct {
	// Curve maps live-neighbor count to relay probability [0,1]
	Curve func(neighbors int) float64

	// Per-neighbor outbound relay bandwidth cap
	BytesPerSecond int
	Burst          int
}

// DefaultRelayPolicy returns the shipping relay policy
func DefaultRelayPolicy() RelayPolicy {
	return RelayPolicy{
		Curve:          DefaultRelayCurve,
		BytesPerSecond: 1000,
		Burst:          2048, // one padded frame
	}
}

// DefaultRelayCurve is the shipping probability curve
func DefaultRelayCurve(neighbors int) float64 {
	switch {
	case neighbors <= 2:
		return 1.0
	case neighbors <= 5:
		return 0.7
	case neighbors <= 10:
		return 0.5
	default:
		return 0.3
	}
}

// RelayManager decides whether and where flood packets are forwarded.
// Loop prevention itself lives in RelayHistory; this component only
// applies the probabilistic damping and the per-neighbor bandwidth caps.
type RelayManager struct {
	mu sync.Mutex

	policy   RelayPolicy
	limiters map[LinkID]*rate.Limiter
	rng      *rand.Rand

	relayed uint64
	damped  uint64
	choked  uint64
}

// NewRelayManager creates a relay manager with the given policy
func NewRelayManager(policy RelayPolicy, seed int64) *RelayManager {
	return &RelayManager{
		policy:   policy,
		limiters: make(map[LinkID]*rate.Limiter),
		rng:      rand.New(rand.NewSource(seed)),
	}
}

// ShouldRelay rolls the probability curve for the current topology
// density. TTL and duplicate checks happen before this is consulted.
func (rm *RelayManager) ShouldRelay(neighbors int) bool {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	p := rm.policy.Curve(neighbors)
	if p >= 1.0 {
		return true
	}
	if rm.rng.Float64() < p {
		return true
	}
	rm.damped++
	return false
}

// AllowBandwidth charges a frame against a neighbor's relay budget and
// reports whether it may be sent. One loud peer exhausting its budget
// does not affect the others.
func (rm *RelayManager) AllowBandwidth(link LinkID, frameSize int) bool {
	rm.mu.Lock()
	limiter, ok := rm.limiters[link]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(rm.policy.BytesPerSecond), rm.policy.Burst)
		rm.limiters[link] = limiter
	}
	rm.mu.Unlock()

	if limiter.AllowN(time.Now(), frameSize) {
		rm.mu.Lock()
		rm.relayed++
		rm.mu.Unlock()
		return true
	}

	rm.mu.Lock()
	rm.choked++
	rm.mu.Unlock()
	return false
}

// ForgetLink drops the limiter of a lost link
func (rm *RelayManager) ForgetLink(link LinkID) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	delete(rm.limiters, link)
}

// Stats returns forwarding counters: frames relayed, dropped by the
// probability roll, and dropped by bandwidth caps
func (rm *RelayManager) Stats() (relayed, damped, choked uint64) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.relayed, rm.damped, rm.choked
}
