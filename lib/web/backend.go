package web

import (
	"context"

	"github.com/wgcontrol/wgcontrol/lib/peers"
	"github.com/wgcontrol/wgcontrol/lib/state"
	"github.com/wgcontrol/wgcontrol/lib/tunnel"
)

// Backend is the control plane the HTTP surface drives. core.Node is the
// production implementation.
type Backend interface {
	// Snapshot returns the current reconciled state.
	Snapshot() *state.Snapshot

	// InterfaceDefinition returns the parsed definition of iface.
	InterfaceDefinition(iface string) (peers.DefinitionView, error)
	// FreeAddress returns the next address a new peer of iface would get.
	FreeAddress(iface string) (string, error)

	// UpdateFrontend persists frontend settings and reconfigures the guard.
	UpdateFrontend(ctx context.Context, update FrontendUpdate) error

	AddPeer(ctx context.Context, req peers.AddRequest) (peers.ClientConfig, error)
	RemovePeer(ctx context.Context, iface, publicKey string) error
	RenamePeer(ctx context.Context, publicKey, name string) error
	ClientConfig(publicKey string) (peers.ClientConfig, error)

	// EngineStatus returns the parsed tunnel engine status.
	EngineStatus(ctx context.Context) (tunnel.ParsedStatus, error)
	// RestartInterface takes iface down and up again.
	RestartInterface(ctx context.Context, iface string) error
}

// FrontendUpdate changes frontend settings. Zero fields are left unchanged;
// a nil DNS keeps the current list.
type FrontendUpdate struct {
	DNS             []string
	Passkey         string
	RotationMinutes int
}
