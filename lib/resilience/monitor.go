package resilience

import (
	"context"
	"sync"
	"time"
)

// ProbeFunc reports whether the engine is up.
type ProbeFunc func(ctx context.Context) bool

// MonitorConfig configures an EngineMonitor.
type MonitorConfig struct {
	CheckInterval time.Duration
	ProbeTimeout  time.Duration
}

// DefaultMonitorConfig returns the default probe cadence.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		CheckInterval: 30 * time.Second,
		ProbeTimeout:  10 * time.Second,
	}
}

// EngineMonitor periodically probes the tunnel engine. Callbacks fire when
// the probe result flips.
type EngineMonitor struct {
	mu     sync.RWMutex
	name   string
	config MonitorConfig
	probe  ProbeFunc

	isHealthy   bool
	onUnhealthy func()
	onHealthy   func()

	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewEngineMonitor creates a monitor that starts out assuming the engine is up.
func NewEngineMonitor(name string, probe ProbeFunc, cfg MonitorConfig) *EngineMonitor {
	def := DefaultMonitorConfig()
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = def.CheckInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}
	return &EngineMonitor{name: name, config: cfg, probe: probe, isHealthy: true}
}

// SetCallbacks sets the callbacks for health transitions.
func (m *EngineMonitor) SetCallbacks(onUnhealthy, onHealthy func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onUnhealthy = onUnhealthy
	m.onHealthy = onHealthy
}

// Start begins probing. Calling Start on a running monitor is a no-op.
func (m *EngineMonitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.mu.Unlock()

	log.WithField("monitor", m.name).WithField("checkInterval", m.config.CheckInterval).Debug("starting engine monitor")

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.config.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Check(ctx)
			}
		}
	}()
	return nil
}

// Stop halts probing and waits for the loop to exit.
func (m *EngineMonitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.cancel()
	m.mu.Unlock()

	m.wg.Wait()
	log.WithField("monitor", m.name).Debug("engine monitor stopped")
}

// Check runs one probe on the caller's goroutine.
func (m *EngineMonitor) Check(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, m.config.ProbeTimeout)
	healthy := m.probe(probeCtx)
	cancel()

	m.mu.Lock()
	was := m.isHealthy
	m.isHealthy = healthy
	onUnhealthy, onHealthy := m.onUnhealthy, m.onHealthy
	m.mu.Unlock()

	switch {
	case healthy && !was && onHealthy != nil:
		log.WithField("monitor", m.name).Info("tunnel engine up again")
		onHealthy()
	case !healthy && was && onUnhealthy != nil:
		log.WithField("monitor", m.name).Warn("tunnel engine down")
		onUnhealthy()
	}
}
