package mesh

import (
	"time"
)

// Config collects the tunables of the mesh core. Zero values are filled
// from DefaultConfig; the defaults mirror what ships on the phone ports.
type Config struct {
	// Nickname is announced to peers alongside the key material
	Nickname string

	// FragmentSize is the largest payload carried by one packet before
	// fragmentation, derived from the BLE MTU minus protocol overhead
	FragmentSize int

	// Deduplication / loop prevention window
	DedupWindow   time.Duration
	DedupCapacity int

	// Fragment reassembly bounds
	MaxAssemblies    int
	AssemblyTimeout  time.Duration
	MaxAssemblyBytes int

	// Relay governance
	Relay RelayPolicy

	// Security limits
	RateLimitPerMinute int
	RateLimitPerHour   int
	RSSIFloor          int // dBm, weaker signals are dropped
	RSSICeiling        int // dBm, implausibly strong signals are dropped
	ViolationThreshold int
	BlockDuration      time.Duration

	// Housekeeping cadence
	InactivityTimeout time.Duration
	MaintenanceTick   time.Duration
	AnnounceInterval  time.Duration
	PowerTick         time.Duration

	// EventBuffer bounds the application event channel
	EventBuffer int
}

// DefaultConfig returns the shipping defaults
func DefaultConfig() Config {
	return Config{
		Nickname:           "anon",
		FragmentSize:       469,
		DedupWindow:        60 * time.Second,
		DedupCapacity:      4096,
		MaxAssemblies:      128,
		AssemblyTimeout:    30 * time.Second,
		MaxAssemblyBytes:   8 << 20,
		Relay:              DefaultRelayPolicy(),
		RateLimitPerMinute: 60,
		RateLimitPerHour:   1000,
		RSSIFloor:          -95,
		RSSICeiling:        -10,
		ViolationThreshold: 5,
		BlockDuration:      5 * time.Minute,
		InactivityTimeout:  2 * time.Minute,
		MaintenanceTick:    10 * time.Second,
		AnnounceInterval:   30 * time.Second,
		PowerTick:          60 * time.Second,
		EventBuffer:        64,
	}
}

// withDefaults fills zero fields from DefaultConfig
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Nickname == "" {
		c.Nickname = def.Nickname
	}
	if c.FragmentSize <= 0 {
		c.FragmentSize = def.FragmentSize
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = def.DedupWindow
	}
	if c.DedupCapacity <= 0 {
		c.DedupCapacity = def.DedupCapacity
	}
	if c.MaxAssemblies <= 0 {
		c.MaxAssemblies = def.MaxAssemblies
	}
	if c.AssemblyTimeout <= 0 {
		c.AssemblyTimeout = def.AssemblyTimeout
	}
	if c.MaxAssemblyBytes <= 0 {
		c.MaxAssemblyBytes = def.MaxAssemblyBytes
	}
	if c.Relay.Curve == nil {
		c.Relay.Curve = def.Relay.Curve
	}
	if c.Relay.BytesPerSecond <= 0 {
		c.Relay.BytesPerSecond = def.Relay.BytesPerSecond
	}
	if c.Relay.Burst <= 0 {
		c.Relay.Burst = def.Relay.Burst
	}
	if c.RateLimitPerMinute <= 0 {
		c.RateLimitPerMinute = def.RateLimitPerMinute
	}
	if c.RateLimitPerHour <= 0 {
		c.RateLimitPerHour = def.RateLimitPerHour
	}
	if c.RSSIFloor == 0 {
		c.RSSIFloor = def.RSSIFloor
	}
	if c.RSSICeiling == 0 {
		c.RSSICeiling = def.RSSICeiling
	}
	if c.ViolationThreshold <= 0 {
		c.ViolationThreshold = def.ViolationThreshold
	}
	if c.BlockDuration <= 0 {
		c.BlockDuration = def.BlockDuration
	}
	if c.InactivityTimeout <= 0 {
		c.InactivityTimeout = def.InactivityTimeout
	}
	if c.MaintenanceTick <= 0 {
		c.MaintenanceTick = def.MaintenanceTick
	}
	if c.AnnounceInterval <= 0 {
		c.AnnounceInterval = def.AnnounceInterval
	}
	if c.PowerTick <= 0 {
		c.PowerTick = def.PowerTick
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = def.EventBuffer
	}
	return c
}
