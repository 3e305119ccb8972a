// Package tunnel is the boundary to the WireGuard tunnel engine.
//
// The control plane never performs handshakes or forwards packets. It asks an
// Engine for key material, for the engine's status text and to bring
// interfaces up or down. CommandEngine shells out to wg, wg-quick and ip with
// a bounded timeout per command. NativeEngine does key work in-process and
// reads device state over the wgctrl netlink/UAPI client.
package tunnel

import (
	"context"
	"fmt"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// KeyPair is the key material generated for a new peer.
type KeyPair struct {
	PrivateKey   string
	PresharedKey string
	PublicKey    string
}

// Engine is the contract with the tunnel engine.
type Engine interface {
	// DerivePublicKey returns the public key for a base64 private key.
	DerivePublicKey(ctx context.Context, privateKey string) (string, error)
	// GenerateKeyPair returns fresh private, preshared and public keys.
	GenerateKeyPair(ctx context.Context) (KeyPair, error)
	// Status returns the engine's status text, or "" when it is disabled.
	Status(ctx context.Context) (string, error)
	// Up brings an interface up.
	Up(ctx context.Context, iface string) error
	// Down takes an interface down.
	Down(ctx context.Context, iface string) error
	// ExternalAddress returns the host's primary IPv4 address.
	ExternalAddress(ctx context.Context) (string, error)
}

// Restart takes an interface down and brings it back up. A failing Down is
// logged and ignored because the interface may already be down.
func Restart(ctx context.Context, e Engine, iface string) error {
	if err := e.Down(ctx, iface); err != nil {
		log.WithField("iface", iface).WithError(err).Warn("interface down failed, continuing with up")
	}
	return e.Up(ctx, iface)
}

// IsRunning reports whether the engine has at least one interface up.
func IsRunning(ctx context.Context, e Engine) bool {
	status, err := e.Status(ctx)
	if err != nil {
		log.WithError(err).Debug("engine status unavailable")
		return false
	}
	return status != ""
}

// ValidateKey reports whether s is a well formed base64 WireGuard key.
func ValidateKey(s string) error {
	if _, err := wgtypes.ParseKey(s); err != nil {
		return fmt.Errorf("invalid key: %w", err)
	}
	return nil
}

// derivePublic derives a public key in-process.
func derivePublic(privateKey string) (string, error) {
	key, err := wgtypes.ParseKey(privateKey)
	if err != nil {
		return "", fmt.Errorf("parsing private key: %w", err)
	}
	return key.PublicKey().String(), nil
}

// generateKeyPair creates a key pair in-process.
func generateKeyPair() (KeyPair, error) {
	private, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		return KeyPair{}, fmt.Errorf("generating private key: %w", err)
	}
	preshared, err := wgtypes.GenerateKey()
	if err != nil {
		return KeyPair{}, fmt.Errorf("generating preshared key: %w", err)
	}
	return KeyPair{
		PrivateKey:   private.String(),
		PresharedKey: preshared.String(),
		PublicKey:    private.PublicKey().String(),
	}, nil
}
