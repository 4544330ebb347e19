package mesh

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/bitmesh/bitmesh-node/pkg/protocol"
)

var (
	ErrPeerBlocked   = errors.New("peer temporarily blocked")
	ErrRateLimited   = errors.New("peer rate limited")
	ErrRSSIOutOfBand = errors.New("rssi outside sane band")
)

// SecurityConfig is the slice of Config the security manager consumes
type SecurityConfig struct {
	RateLimitPerMinute int
	RateLimitPerHour   int
	RSSIFloor          int
	RSSICeiling        int
	ViolationThreshold int
	BlockDuration      time.Duration
}

// peerCounters tracks one peer's fixed-window message counts
type peerCounters struct {
	minuteStart time.Time
	minuteCount int
	hourStart   time.Time
	hourCount   int
	violations  int
}

// SecurityManager gates inbound packets: per-peer rate limits, RSSI
// sanity, malformed-frame accounting, and escalation to a temporary
// block list. Every rejection is a silent drop; the sender learns
// nothing it could use to probe.
type SecurityManager struct {
	mu sync.Mutex

	cfg SecurityConfig
	clk clock.Clock

	counters map[protocol.PeerID]*peerCounters
	blocked  map[protocol.PeerID]time.Time

	droppedRate      uint64
	droppedRSSI      uint64
	droppedMalformed uint64
	droppedBlocked   uint64
}

// NewSecurityManager creates a security manager
func NewSecurityManager(cfg SecurityConfig, clk clock.Clock) *SecurityManager {
	return &SecurityManager{
		cfg:      cfg,
		clk:      clk,
		counters: make(map[protocol.PeerID]*peerCounters),
		blocked:  make(map[protocol.PeerID]time.Time),
	}
}

// CheckRSSI validates the received signal strength. A reading of 0
// means the adapter could not measure and is exempt.
func (sm *SecurityManager) CheckRSSI(rssi int) error {
	if rssi == 0 {
		return nil
	}
	if rssi < sm.cfg.RSSIFloor || rssi > sm.cfg.RSSICeiling {
		sm.mu.Lock()
		sm.droppedRSSI++
		sm.mu.Unlock()
		return ErrRSSIOutOfBand
	}
	return nil
}

// CheckPeer admits or rejects one inbound packet from a peer, charging
// it against the peer's rate windows
func (sm *SecurityManager) CheckPeer(peer protocol.PeerID) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	now := sm.clk.Now()

	if until, ok := sm.blocked[peer]; ok {
		if now.Before(until) {
			sm.droppedBlocked++
			return ErrPeerBlocked
		}
		delete(sm.blocked, peer)
	}

	c, ok := sm.counters[peer]
	if !ok {
		c = &peerCounters{minuteStart: now, hourStart: now}
		sm.counters[peer] = c
	}

	if now.Sub(c.minuteStart) >= time.Minute {
		c.minuteStart = now
		c.minuteCount = 0
	}
	if now.Sub(c.hourStart) >= time.Hour {
		c.hourStart = now
		c.hourCount = 0
	}

	if c.minuteCount >= sm.cfg.RateLimitPerMinute || c.hourCount >= sm.cfg.RateLimitPerHour {
		sm.droppedRate++
		sm.escalate(peer, c)
		return ErrRateLimited
	}

	c.minuteCount++
	c.hourCount++
	return nil
}

// RecordMalformed charges a peer with an undecodable frame
func (sm *SecurityManager) RecordMalformed(peer protocol.PeerID) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	sm.droppedMalformed++

	c, ok := sm.counters[peer]
	if !ok {
		now := sm.clk.Now()
		c = &peerCounters{minuteStart: now, hourStart: now}
		sm.counters[peer] = c
	}
	sm.escalate(peer, c)
}

// escalate bumps a peer's violation count and blocks repeat offenders.
// Caller holds the lock.
func (sm *SecurityManager) escalate(peer protocol.PeerID, c *peerCounters) {
	c.violations++
	if c.violations >= sm.cfg.ViolationThreshold {
		sm.blocked[peer] = sm.clk.Now().Add(sm.cfg.BlockDuration)
		c.violations = 0
		log.Printf("🚫 Temporarily blocked %s for %v", peer, sm.cfg.BlockDuration)
	}
}

// IsBlocked reports whether a peer is currently on the block list
func (sm *SecurityManager) IsBlocked(peer protocol.PeerID) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	until, ok := sm.blocked[peer]
	return ok && sm.clk.Now().Before(until)
}

// Stats returns drop counters: rate limited, RSSI gated, malformed, and
// blocked-peer drops
func (sm *SecurityManager) Stats() (rate, rssi, malformed, blocked uint64) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.droppedRate, sm.droppedRSSI, sm.droppedMalformed, sm.droppedBlocked
}

// Clear resets all counters and the block list
func (sm *SecurityManager) Clear() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.counters = make(map[protocol.PeerID]*peerCounters)
	sm.blocked = make(map[protocol.PeerID]time.Time)
}
