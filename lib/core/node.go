// Package core wires the control plane together. A Node owns the state
// store, the peer manager, the verification guard, the engine health monitor
// and the web server, and implements the web Backend over them.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wgcontrol/wgcontrol/lib/config"
	apperrors "github.com/wgcontrol/wgcontrol/lib/errors"
	"github.com/wgcontrol/wgcontrol/lib/metrics"
	"github.com/wgcontrol/wgcontrol/lib/peers"
	"github.com/wgcontrol/wgcontrol/lib/resilience"
	"github.com/wgcontrol/wgcontrol/lib/state"
	"github.com/wgcontrol/wgcontrol/lib/tunnel"
	"github.com/wgcontrol/wgcontrol/lib/web"
)

// NodeState represents the current state of the node.
type NodeState int

const (
	// StateInitial is the initial state before Start is called.
	StateInitial NodeState = iota
	// StateStarting means the node is in the process of starting.
	StateStarting
	// StateRunning means the node is fully operational.
	StateRunning
	// StateStopping means the node is shutting down.
	StateStopping
	// StateStopped means the node has been stopped.
	StateStopped
)

func (s NodeState) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// shutdownTimeout bounds the web server drain when the node stops.
const shutdownTimeout = 10 * time.Second

// Options configures a Node.
type Options struct {
	// SettingsPath is the TOML settings file.
	SettingsPath string
	// Engine overrides the tunnel engine selected by the settings.
	Engine tunnel.Engine
	// ListenAddr overrides the settings' listen address and port.
	ListenAddr string
	// Version is reported by /health.
	Version string
	// HealthCheckInterval is how often the engine is probed. Zero uses the
	// resilience default.
	HealthCheckInterval time.Duration
	// RateLimit configures the per-client API limits.
	RateLimit web.RateLimitConfig
}

// Node is the control plane orchestrator.
type Node struct {
	mu       sync.RWMutex
	opts     Options
	settings *config.Settings
	logger   *slog.Logger
	state    NodeState

	engine      tunnel.Engine
	closeEngine func() error
	store       *state.Store
	peers       *peers.Manager
	guard       *web.Guard

	// created by Start, released when the run loop exits
	server *web.Server
	health *resilience.EngineMonitor

	// cancel is used to signal shutdown to all goroutines
	cancel context.CancelFunc
	// done signals that the node has fully stopped
	done chan struct{}

	startedAt time.Time

	onStateChange func(oldState, newState NodeState)
	onError       func(err error, message string)
}

// NewNode loads and validates the settings and builds the node's
// collaborators. Nothing is reconciled until Start is called.
func NewNode(opts Options, logger *slog.Logger) (*Node, error) {
	if opts.SettingsPath == "" {
		return nil, errors.New("settings path is required")
	}

	settings, err := config.LoadSettings(opts.SettingsPath)
	if err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	engine, closeEngine := opts.Engine, func() error { return nil }
	if engine == nil {
		engine, closeEngine, err = newEngine(settings)
		if err != nil {
			return nil, fmt.Errorf("creating tunnel engine: %w", err)
		}
	}

	store := state.New(state.Options{SettingsPath: opts.SettingsPath, Engine: engine})
	return &Node{
		opts:        opts,
		settings:    settings,
		logger:      logger.With("component", "node"),
		state:       StateInitial,
		engine:      engine,
		closeEngine: closeEngine,
		store:       store,
		peers:       peers.NewManager(store),
		guard:       web.NewGuard(settings.RuntimeArtifactPath()),
		done:        make(chan struct{}),
	}, nil
}

// newEngine builds the engine the settings select.
func newEngine(s *config.Settings) (tunnel.Engine, func() error, error) {
	commands := tunnel.NewCommandEngine(tunnel.CommandConfig{Timeout: s.WireGuard.CommandTimeout.Std()})
	if s.WireGuard.Engine == config.EngineNative {
		native, err := tunnel.NewNativeEngine(commands)
		if err != nil {
			return nil, nil, err
		}
		return native, native.Close, nil
	}
	return commands, func() error { return nil }, nil
}

// Start reconciles the on-disk state, publishes the first verification
// token, starts the engine health monitor and the web server.
//
// A reconciliation failure (missing secrets, weak passphrase, unreadable
// settings) aborts the start.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	if n.state != StateInitial && n.state != StateStopped {
		n.mu.Unlock()
		return fmt.Errorf("cannot start node in state %s", n.state)
	}
	oldState := n.state
	n.state = StateStarting
	n.done = make(chan struct{})
	n.mu.Unlock()

	n.emitStateChange(oldState, StateStarting)

	n.logger.Info("starting control plane",
		"settings", n.opts.SettingsPath,
		"definitions", n.settings.DefinitionsDir(),
		"data_dir", n.settings.Peers.DataDir,
	)

	if err := n.settings.EnsureDataDir(); err != nil {
		return n.failStart(err, "failed to create data directory")
	}

	snap, err := n.store.Reload(ctx)
	if err != nil {
		return n.failStart(err, "initial reconciliation failed")
	}
	n.logger.Info("reconciled",
		"interfaces", snap.InterfaceNames(),
		"default", snap.DefaultInterface,
		"peers", len(snap.Peers),
		"config_ok", snap.ConfigOK,
		"engine_up", snap.EngineUp,
	)

	if err := n.guard.Reconfigure(snap.Settings.RotationInterval()); err != nil {
		return n.failStart(err, "failed to publish verification token")
	}

	nodeCtx, cancel := context.WithCancel(ctx)

	health := resilience.NewEngineMonitor("tunnel-engine", func(ctx context.Context) bool {
		return tunnel.IsRunning(ctx, n.engine)
	}, resilience.MonitorConfig{CheckInterval: n.opts.HealthCheckInterval})
	health.SetCallbacks(
		func() { n.store.SetEngineUp(false) },
		func() { n.store.SetEngineUp(true) },
	)
	// align the monitor's optimistic start with the reconciled flag
	health.Check(ctx)
	if err := health.Start(nodeCtx); err != nil {
		cancel()
		n.guard.Stop()
		return n.failStart(err, "failed to start engine health monitor")
	}

	listen := n.opts.ListenAddr
	if listen == "" {
		listen = snap.Settings.Address()
	}
	server, err := web.New(web.Config{
		ListenAddr:     listen,
		PublicDir:      snap.Settings.Server.PublicDir,
		AllowedOrigins: snap.Settings.Server.AllowedOrigins,
		RateLimit:      n.opts.RateLimit,
		Version:        n.opts.Version,
		Backend:        n,
		Guard:          n.guard,
		Logger:         n.logger,
	})
	if err == nil {
		err = server.Start()
	}
	if err != nil {
		cancel()
		health.Stop()
		n.guard.Stop()
		if server != nil {
			server.Stop(context.Background())
		}
		return n.failStart(err, "failed to start web server")
	}

	metrics.RecordStartTime()

	n.mu.Lock()
	n.cancel = cancel
	n.server = server
	n.health = health
	n.state = StateRunning
	n.startedAt = time.Now()
	n.mu.Unlock()

	n.emitStateChange(StateStarting, StateRunning)
	n.logger.Info("control plane started", "addr", server.Addr())

	go n.run(nodeCtx)

	return nil
}

// failStart returns the node to the stopped state and reports err.
func (n *Node) failStart(err error, message string) error {
	n.transitionToStopped()
	n.emitError(err, message)
	return fmt.Errorf("%s: %w", message, err)
}

// run waits for the context to be cancelled and then tears down the
// components Start created.
func (n *Node) run(ctx context.Context) {
	defer close(n.done)

	<-ctx.Done()

	n.logger.Info("control plane shutting down")

	n.mu.RLock()
	server, health := n.server, n.health
	n.mu.RUnlock()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		n.emitError(err, "web server shutdown failed")
	}
	health.Stop()
	n.guard.Stop()

	n.mu.Lock()
	oldState := n.state
	n.state = StateStopped
	n.mu.Unlock()

	n.emitStateChange(oldState, StateStopped)
}

// Stop gracefully shuts down the node.
// It blocks until all components have stopped or the context is cancelled.
func (n *Node) Stop(ctx context.Context) error {
	n.mu.Lock()
	if n.state != StateRunning {
		n.mu.Unlock()
		return fmt.Errorf("cannot stop node in state %s", n.state)
	}
	n.state = StateStopping
	cancel := n.cancel
	done := n.done
	n.mu.Unlock()

	n.emitStateChange(StateRunning, StateStopping)
	n.logger.Info("stopping control plane")

	if cancel != nil {
		cancel()
	}

	select {
	case <-done:
		n.logger.Info("control plane stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close releases the tunnel engine. Call it after Stop.
func (n *Node) Close() error {
	return n.closeEngine()
}

// transitionToStopped updates the state to stopped.
func (n *Node) transitionToStopped() {
	n.mu.Lock()
	n.state = StateStopped
	n.mu.Unlock()
}

// GetState returns the current state of the node.
func (n *Node) GetState() NodeState {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state
}

// Settings returns the settings the node was created with.
func (n *Node) Settings() *config.Settings {
	return n.settings
}

// Addr returns the web server address while the node is running.
func (n *Node) Addr() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.server == nil {
		return ""
	}
	return n.server.Addr()
}

// Guard returns the verification guard.
func (n *Node) Guard() *web.Guard {
	return n.guard
}

// Done returns a channel that is closed when the node has stopped.
func (n *Node) Done() <-chan struct{} {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.done
}

// Uptime returns how long the node has been running.
// Returns zero if not running.
func (n *Node) Uptime() time.Duration {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.startedAt.IsZero() || n.state != StateRunning {
		return 0
	}
	return time.Since(n.startedAt)
}

// SetOnStateChange sets a callback for state changes.
// The callback is invoked synchronously during state transitions.
func (n *Node) SetOnStateChange(callback func(oldState, newState NodeState)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onStateChange = callback
}

// SetOnError sets a callback for error events.
func (n *Node) SetOnError(callback func(err error, message string)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onError = callback
}

func (n *Node) emitStateChange(oldState, newState NodeState) {
	n.mu.RLock()
	callback := n.onStateChange
	n.mu.RUnlock()

	if callback != nil {
		callback(oldState, newState)
	}
}

func (n *Node) emitError(err error, message string) {
	n.logger.Error(message, "error", err)

	n.mu.RLock()
	callback := n.onError
	n.mu.RUnlock()

	if callback != nil {
		callback(err, message)
	}
}

// Snapshot implements web.Backend.
func (n *Node) Snapshot() *state.Snapshot {
	return n.store.Snapshot()
}

// InterfaceDefinition implements web.Backend.
func (n *Node) InterfaceDefinition(iface string) (peers.DefinitionView, error) {
	return n.peers.InterfaceDefinition(iface)
}

// FreeAddress implements web.Backend.
func (n *Node) FreeAddress(iface string) (string, error) {
	return n.peers.FreeAddress(iface)
}

// AddPeer implements web.Backend.
func (n *Node) AddPeer(ctx context.Context, req peers.AddRequest) (peers.ClientConfig, error) {
	return n.peers.Add(ctx, req)
}

// RemovePeer implements web.Backend.
func (n *Node) RemovePeer(ctx context.Context, iface, publicKey string) error {
	return n.peers.Remove(ctx, iface, publicKey)
}

// RenamePeer implements web.Backend.
func (n *Node) RenamePeer(ctx context.Context, publicKey, name string) error {
	return n.peers.Rename(ctx, publicKey, name)
}

// ClientConfig implements web.Backend.
func (n *Node) ClientConfig(publicKey string) (peers.ClientConfig, error) {
	return n.peers.FetchClientConfig(publicKey)
}

// UpdateFrontend persists the changed frontend settings, reconciles, and
// restarts token rotation with the resulting interval. The rotation is
// restarted even when the interval is unchanged.
func (n *Node) UpdateFrontend(ctx context.Context, update web.FrontendUpdate) error {
	snap, err := n.store.Mutate(ctx, func(tx *state.Tx) error {
		settings, err := tx.Settings()
		if err != nil {
			return err
		}
		if update.DNS != nil {
			settings.Frontend.DNS = append([]string(nil), update.DNS...)
		}
		if update.Passkey != "" {
			settings.Frontend.Passkey = update.Passkey
		}
		if update.RotationMinutes > 0 {
			settings.Frontend.RuntimeRotationMinutes = update.RotationMinutes
		}
		return tx.SaveSettings()
	})
	if err != nil {
		return err
	}

	n.logger.Info("frontend settings updated",
		"dns", snap.Settings.Frontend.DNS,
		"rotation_minutes", snap.Settings.Frontend.RuntimeRotationMinutes,
		"passkey_changed", update.Passkey != "",
	)
	return n.guard.Reconfigure(snap.Settings.RotationInterval())
}

// EngineStatus implements web.Backend. A disabled engine is reported as
// unavailable.
func (n *Node) EngineStatus(ctx context.Context) (tunnel.ParsedStatus, error) {
	raw, err := n.engine.Status(ctx)
	if err != nil {
		n.store.SetEngineUp(false)
		return tunnel.ParsedStatus{}, err
	}
	if raw == "" {
		n.store.SetEngineUp(false)
		return tunnel.ParsedStatus{}, fmt.Errorf("tunnel engine is not running: %w", apperrors.ErrUnavailable)
	}
	n.store.SetEngineUp(true)
	return tunnel.ParseStatus(raw), nil
}

// RestartInterface implements web.Backend. The state is reconciled
// afterwards so the snapshot reflects the restarted interface.
func (n *Node) RestartInterface(ctx context.Context, iface string) error {
	if _, ok := n.store.Snapshot().Interface(iface); !ok {
		return apperrors.ErrUnknownInterface
	}
	if err := tunnel.Restart(ctx, n.engine, iface); err != nil {
		n.store.SetEngineUp(tunnel.IsRunning(ctx, n.engine))
		return err
	}
	n.logger.Info("interface restarted", "iface", iface)

	_, err := n.store.Reload(ctx)
	return err
}

var _ web.Backend = (*Node)(nil)
