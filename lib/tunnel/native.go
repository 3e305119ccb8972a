package tunnel

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// DeviceLister reads WireGuard device state. *wgctrl.Client implements it.
type DeviceLister interface {
	Devices() ([]*wgtypes.Device, error)
	Close() error
}

// NativeEngine generates and derives keys in-process and reads status from
// the kernel or userspace devices. Interface up/down and address discovery
// are delegated to a CommandEngine since wg-quick also applies routes and DNS.
type NativeEngine struct {
	devices  DeviceLister
	commands *CommandEngine
}

// NewNativeEngine opens a wgctrl client. The caller must Close the engine.
func NewNativeEngine(commands *CommandEngine) (*NativeEngine, error) {
	client, err := wgctrl.New()
	if err != nil {
		return nil, fmt.Errorf("opening wgctrl client: %w", err)
	}
	return NewNativeEngineWithLister(client, commands), nil
}

// NewNativeEngineWithLister creates a NativeEngine over an existing lister.
func NewNativeEngineWithLister(devices DeviceLister, commands *CommandEngine) *NativeEngine {
	return &NativeEngine{devices: devices, commands: commands}
}

// Close releases the wgctrl client.
func (e *NativeEngine) Close() error {
	return e.devices.Close()
}

// DerivePublicKey derives the public key with wgtypes.
func (e *NativeEngine) DerivePublicKey(_ context.Context, privateKey string) (string, error) {
	return derivePublic(strings.TrimSpace(privateKey))
}

// GenerateKeyPair generates keys with crypto/rand through wgtypes.
func (e *NativeEngine) GenerateKeyPair(_ context.Context) (KeyPair, error) {
	return generateKeyPair()
}

// Status renders the configured devices in the same layout as "wg".
func (e *NativeEngine) Status(_ context.Context) (string, error) {
	devices, err := e.devices.Devices()
	if err != nil {
		return "", fmt.Errorf("listing devices: %w", err)
	}
	return RenderDevices(devices, time.Now()), nil
}

// Up delegates to wg-quick.
func (e *NativeEngine) Up(ctx context.Context, iface string) error {
	return e.commands.Up(ctx, iface)
}

// Down delegates to wg-quick.
func (e *NativeEngine) Down(ctx context.Context, iface string) error {
	return e.commands.Down(ctx, iface)
}

// ExternalAddress delegates to ip.
func (e *NativeEngine) ExternalAddress(ctx context.Context) (string, error) {
	return e.commands.ExternalAddress(ctx)
}

// RenderDevices formats devices like the output of "wg". Private keys are
// never printed. An empty device list renders as "".
func RenderDevices(devices []*wgtypes.Device, now time.Time) string {
	var b strings.Builder
	for i, d := range devices {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "interface: %s\n", d.Name)
		fmt.Fprintf(&b, "  public key: %s\n", d.PublicKey)
		b.WriteString("  private key: (hidden)\n")
		fmt.Fprintf(&b, "  listening port: %d\n", d.ListenPort)

		for _, p := range d.Peers {
			fmt.Fprintf(&b, "\npeer: %s\n", p.PublicKey)
			if p.PresharedKey != (wgtypes.Key{}) {
				b.WriteString("  preshared key: (hidden)\n")
			}
			if p.Endpoint != nil {
				fmt.Fprintf(&b, "  endpoint: %s\n", p.Endpoint)
			}
			ips := make([]string, 0, len(p.AllowedIPs))
			for _, n := range p.AllowedIPs {
				ips = append(ips, n.String())
			}
			if len(ips) == 0 {
				ips = append(ips, "(none)")
			}
			fmt.Fprintf(&b, "  allowed ips: %s\n", strings.Join(ips, ", "))
			if !p.LastHandshakeTime.IsZero() {
				fmt.Fprintf(&b, "  latest handshake: %s ago\n", now.Sub(p.LastHandshakeTime).Truncate(time.Second))
			}
			if p.ReceiveBytes > 0 || p.TransmitBytes > 0 {
				fmt.Fprintf(&b, "  transfer: %d B received, %d B sent\n", p.ReceiveBytes, p.TransmitBytes)
			}
			if p.PersistentKeepaliveInterval > 0 {
				fmt.Fprintf(&b, "  persistent keepalive: every %s\n", p.PersistentKeepaliveInterval)
			}
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
