package mesh

import (
	"log"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// PowerMode is the current duty-cycling regime
type PowerMode int

const (
	PowerModeNormal PowerMode = iota
	PowerModeLowBattery
	PowerModeCriticalBattery
	PowerModeBackground
)

// String returns the mode name
func (m PowerMode) String() string {
	switch m {
	case PowerModeNormal:
		return "normal"
	case PowerModeLowBattery:
		return "lowBattery"
	case PowerModeCriticalBattery:
		return "criticalBattery"
	case PowerModeBackground:
		return "background"
	}
	return "unknown"
}

// Battery thresholds
const (
	lowBatteryLevel      = 0.20
	criticalBatteryLevel = 0.10
)

// PowerParams are the radio budgets derived from a power mode
type PowerParams struct {
	ScanInterval      time.Duration
	MaxConnections    int
	ConnectionTimeout time.Duration
}

// paramsFor maps a mode to its budgets
func paramsFor(mode PowerMode) PowerParams {
	switch mode {
	case PowerModeLowBattery:
		return PowerParams{ScanInterval: 8 * time.Second, MaxConnections: 4, ConnectionTimeout: 60 * time.Second}
	case PowerModeCriticalBattery:
		return PowerParams{ScanInterval: 20 * time.Second, MaxConnections: 2, ConnectionTimeout: 30 * time.Second}
	case PowerModeBackground:
		return PowerParams{ScanInterval: 30 * time.Second, MaxConnections: 2, ConnectionTimeout: 45 * time.Second}
	default:
		return PowerParams{ScanInterval: 3 * time.Second, MaxConnections: 8, ConnectionTimeout: 120 * time.Second}
	}
}

// PowerManager computes the power mode from battery level, charging
// state, and app foreground status, and pushes the derived radio budgets
// to listeners. The mode is recomputed on a fixed tick and immediately
// on every state update; there is no hysteresis.
type PowerManager struct {
	mu sync.Mutex

	batteryLevel float64
	charging     bool
	background   bool

	mode      PowerMode
	listeners []func(PowerMode, PowerParams)

	clk    clock.Clock
	tick   time.Duration
	ticker *clock.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
}

// NewPowerManager creates a power manager assuming a full, foregrounded
// battery until told otherwise
func NewPowerManager(tick time.Duration, clk clock.Clock) *PowerManager {
	return &PowerManager{
		batteryLevel: 1.0,
		mode:         PowerModeNormal,
		clk:          clk,
		tick:         tick,
		stop:         make(chan struct{}),
	}
}

// OnModeChange registers a listener invoked with the new mode and its
// budgets whenever the mode changes. Register before Start.
func (pm *PowerManager) OnModeChange(fn func(PowerMode, PowerParams)) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.listeners = append(pm.listeners, fn)
}

// Start begins the periodic recomputation tick
func (pm *PowerManager) Start() {
	pm.ticker = pm.clk.Ticker(pm.tick)
	pm.wg.Add(1)
	go func() {
		defer pm.wg.Done()
		for {
			select {
			case <-pm.ticker.C:
				pm.recompute()
			case <-pm.stop:
				return
			}
		}
	}()
}

// Stop halts the tick loop
func (pm *PowerManager) Stop() {
	close(pm.stop)
	if pm.ticker != nil {
		pm.ticker.Stop()
	}
	pm.wg.Wait()
}

// UpdateBattery feeds a battery reading (level in [0,1]) and recomputes
// immediately
func (pm *PowerManager) UpdateBattery(level float64, charging bool) {
	pm.mu.Lock()
	pm.batteryLevel = level
	pm.charging = charging
	pm.mu.Unlock()
	pm.recompute()
}

// SetAppState feeds a foreground/background transition and recomputes
// immediately
func (pm *PowerManager) SetAppState(background bool) {
	pm.mu.Lock()
	pm.background = background
	pm.mu.Unlock()
	pm.recompute()
}

// Mode returns the current power mode
func (pm *PowerManager) Mode() PowerMode {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.mode
}

// Params returns the budgets for the current mode
func (pm *PowerManager) Params() PowerParams {
	return paramsFor(pm.Mode())
}

// recompute derives the mode from current inputs and notifies listeners
// on change
func (pm *PowerManager) recompute() {
	pm.mu.Lock()

	var mode PowerMode
	switch {
	case pm.background:
		mode = PowerModeBackground
	case pm.charging:
		mode = PowerModeNormal
	case pm.batteryLevel <= criticalBatteryLevel:
		mode = PowerModeCriticalBattery
	case pm.batteryLevel <= lowBatteryLevel:
		mode = PowerModeLowBattery
	default:
		mode = PowerModeNormal
	}

	if mode == pm.mode {
		pm.mu.Unlock()
		return
	}
	pm.mode = mode
	listeners := make([]func(PowerMode, PowerParams), len(pm.listeners))
	copy(listeners, pm.listeners)
	pm.mu.Unlock()

	params := paramsFor(mode)
	log.Printf("🔋 Power mode → %s (scan %v, max %d connections)", mode, params.ScanInterval, params.MaxConnections)
	for _, fn := range listeners {
		fn(mode, params)
	}
}
