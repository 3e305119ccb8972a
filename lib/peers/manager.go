// Package peers adds, removes and renames peers of the reconciled interfaces
// and renders their client-side definitions.
//
// Every mutation runs as a state.Store transaction: the definition file and
// peers.json are changed under the store lock and the store reconciles before
// the call returns.
package peers

import (
	"context"
	"fmt"
	"slices"
	"strings"

	apperrors "github.com/wgcontrol/wgcontrol/lib/errors"
	"github.com/wgcontrol/wgcontrol/lib/ipam"
	"github.com/wgcontrol/wgcontrol/lib/metrics"
	"github.com/wgcontrol/wgcontrol/lib/state"
	"github.com/wgcontrol/wgcontrol/lib/wgconf"
)

// PublicKeyLength is the length of a base64 encoded peer public key.
const PublicKeyLength = 44

// AddRequest describes a new peer. Address is optional; when empty the
// lowest free address of the interface is allocated.
type AddRequest struct {
	Interface string
	Name      string
	Address   string
}

// Client is the public identity of a peer.
type Client struct {
	PublicKey string `json:"pubKey"`
	Name      string `json:"name"`
	IP        string `json:"ip"`
	Interface string `json:"iface"`
}

// ClientConfig is a peer identity with its rendered client definition.
type ClientConfig struct {
	Client Client `json:"client"`
	Config string `json:"config"`
}

// Manager implements the peer lifecycle on top of a state.Store.
type Manager struct {
	store *state.Store
}

// NewManager creates a Manager.
func NewManager(store *state.Store) *Manager {
	return &Manager{store: store}
}

// Add allocates an address, generates keys through the tunnel engine,
// appends the [Peer] block to the interface definition and stores the
// encrypted secrets.
func (m *Manager) Add(ctx context.Context, req AddRequest) (ClientConfig, error) {
	var result ClientConfig

	_, err := m.store.Mutate(ctx, func(tx *state.Tx) error {
		snap := tx.Snapshot()
		iface, err := tx.Interface(req.Interface)
		if err != nil {
			return err
		}

		busy := BusyAddresses(snap, iface)
		ip, err := chooseAddress(iface, busy, req.Address)
		if err != nil {
			return err
		}

		keys, err := tx.Engine().GenerateKeyPair(ctx)
		if err != nil {
			return err
		}
		peers, err := tx.Peers()
		if err != nil {
			return err
		}
		if _, exists := peers.Get(keys.PublicKey); exists {
			return apperrors.New(apperrors.CodeConflict, "generated public key already exists")
		}

		sealedPSK, err := snap.PeerCipher.Encrypt(keys.PresharedKey)
		if err != nil {
			return err
		}
		sealedKey, err := snap.PeerCipher.Encrypt(keys.PrivateKey)
		if err != nil {
			return err
		}

		clientIP := hostAddress(ip)
		if err := tx.AppendPeer(iface.Name, wgconf.Block{
			{Key: wgconf.KeyPublicKey, Value: keys.PublicKey},
			{Key: wgconf.KeyPresharedKey, Value: keys.PresharedKey},
			{Key: wgconf.KeyAllowedIPs, Value: clientIP},
		}); err != nil {
			return err
		}

		now := tx.Now()
		peers.Put(keys.PublicKey, state.PeerRecord{
			Name:         req.Name,
			Active:       true,
			IP:           clientIP,
			PresharedKey: sealedPSK,
			SecretKey:    sealedKey,
			Iface:        iface.Name,
			CreatedAt:    now,
			UpdatedAt:    now,
		})
		if err := tx.SavePeers(); err != nil {
			return err
		}

		result = ClientConfig{
			Client: Client{PublicKey: keys.PublicKey, Name: req.Name, IP: clientIP, Interface: iface.Name},
			Config: RenderClientConfig(ClientParams{
				PrivateKey:      keys.PrivateKey,
				Address:         clientIP,
				DNS:             snap.Settings.Frontend.DNS,
				PresharedKey:    keys.PresharedKey,
				ServerPublicKey: iface.PublicKey,
				Endpoint:        snap.Endpoint,
				Port:            iface.ListenPort,
			}),
		}
		return nil
	})
	if err != nil {
		return ClientConfig{}, err
	}

	metrics.PeersAdded.Inc()
	log.WithField("interface", req.Interface).
		WithField("publicKey", result.Client.PublicKey).
		WithField("ip", result.Client.IP).
		Info("peer added")
	return result, nil
}

// chooseAddress validates an explicit address or allocates the lowest free one.
func chooseAddress(iface state.InterfaceSnapshot, busy []string, requested string) (string, error) {
	if requested = ipam.Host(requested); requested != "" {
		if !ipam.IsIPv4(requested) {
			return "", fmt.Errorf("address %q is not IPv4: %w", requested, apperrors.ErrInvalidInput)
		}
		if !ipam.Contains(iface.Address, iface.Prefix, requested) {
			return "", fmt.Errorf("address %s outside %s/%d: %w", requested, iface.Address, iface.Prefix, apperrors.ErrInvalidInput)
		}
		if slices.Contains(busy, requested) {
			return "", fmt.Errorf("%s: %w", requested, apperrors.ErrAddressInUse)
		}
		return requested, nil
	}

	ip, ok := ipam.FirstAvailable(busy, iface.Prefix)
	if !ok {
		return "", fmt.Errorf("%s: %w", iface.Name, apperrors.ErrAddressPoolExhausted)
	}
	return ip, nil
}

// Remove deletes the [Peer] block of publicKey from the definition of iface
// and then its record. Nothing is changed when either is missing.
func (m *Manager) Remove(ctx context.Context, iface, publicKey string) error {
	publicKey, err := checkIdentity(publicKey)
	if err != nil {
		return err
	}

	_, err = m.store.Mutate(ctx, func(tx *state.Tx) error {
		if _, err := tx.Interface(iface); err != nil {
			return err
		}
		peers, err := tx.Peers()
		if err != nil {
			return err
		}
		if _, ok := peers.Get(publicKey); !ok {
			return apperrors.ErrPeerNotFound
		}

		removed, err := tx.RemovePeer(iface, publicKey)
		if err != nil {
			return err
		}
		if !removed {
			return fmt.Errorf("%w in %s definition", apperrors.ErrPeerNotFound, iface)
		}

		peers.Delete(publicKey)
		return tx.SavePeers()
	})
	if err != nil {
		return err
	}

	metrics.PeersRemoved.Inc()
	log.WithField("interface", iface).WithField("publicKey", publicKey).Info("peer removed")
	return nil
}

// Rename changes the display name of a peer. Definition files are not touched.
func (m *Manager) Rename(ctx context.Context, publicKey, name string) error {
	publicKey, err := checkIdentity(publicKey)
	if err != nil {
		return err
	}

	_, err = m.store.Mutate(ctx, func(tx *state.Tx) error {
		peers, err := tx.Peers()
		if err != nil {
			return err
		}
		rec, ok := peers.Get(publicKey)
		if !ok {
			return apperrors.ErrPeerNotFound
		}
		rec.Name = name
		rec.UpdatedAt = tx.Now()
		peers.Put(publicKey, rec)
		return tx.SavePeers()
	})
	return err
}

// FetchClientConfig re-renders the client definition of a peer from its
// stored record. Secrets are decrypted, never regenerated.
func (m *Manager) FetchClientConfig(publicKey string) (ClientConfig, error) {
	snap := m.store.Snapshot()

	rec, ok := snap.Peer(publicKey)
	if !ok || rec.Iface == "" {
		return ClientConfig{}, apperrors.ErrPeerNotFound
	}
	iface, ok := snap.Interface(rec.Iface)
	if !ok {
		return ClientConfig{}, apperrors.ErrUnknownInterface
	}
	if rec.SecretKey == "" || rec.PresharedKey == "" {
		return ClientConfig{}, fmt.Errorf("client secrets are missing: %w", apperrors.ErrNotFound)
	}

	privateKey, err := snap.PeerCipher.Decrypt(rec.SecretKey)
	if err != nil {
		return ClientConfig{}, err
	}
	presharedKey, err := snap.PeerCipher.Decrypt(rec.PresharedKey)
	if err != nil {
		return ClientConfig{}, err
	}

	return ClientConfig{
		Client: Client{PublicKey: publicKey, Name: rec.Name, IP: rec.IP, Interface: rec.Iface},
		Config: RenderClientConfig(ClientParams{
			PrivateKey:      privateKey,
			Address:         rec.IP,
			DNS:             snap.Settings.Frontend.DNS,
			PresharedKey:    presharedKey,
			ServerPublicKey: iface.PublicKey,
			Endpoint:        snap.Endpoint,
			Port:            iface.ListenPort,
		}),
	}, nil
}

// FreeAddress returns the address Add would allocate for iface.
func (m *Manager) FreeAddress(iface string) (string, error) {
	snap := m.store.Snapshot()
	is, ok := snap.Interface(iface)
	if !ok {
		return "", apperrors.ErrUnknownInterface
	}
	return chooseAddress(is, BusyAddresses(snap, is), "")
}

// DefinitionView is a parsed interface definition as shown to operators.
type DefinitionView struct {
	Interface map[string]string   `json:"interface"`
	Peers     []map[string]string `json:"peers"`
}

// ExternalIPKey is the pseudo key carrying the public endpoint in a DefinitionView.
const ExternalIPKey = "External IP"

// InterfaceDefinition parses the current definition file of iface. The
// private key of the interface is never included.
func (m *Manager) InterfaceDefinition(iface string) (DefinitionView, error) {
	snap := m.store.Snapshot()
	if _, ok := snap.Interface(iface); !ok {
		return DefinitionView{}, apperrors.ErrUnknownInterface
	}

	def, err := wgconf.ParseFile(wgconf.Path(snap.Settings.DefinitionsDir(), iface))
	if err != nil {
		return DefinitionView{}, err
	}

	view := DefinitionView{
		Interface: def.Interface.Map(),
		Peers:     make([]map[string]string, 0, len(def.Peers)),
	}
	for k := range view.Interface {
		if strings.EqualFold(k, wgconf.KeyPrivateKey) {
			delete(view.Interface, k)
		}
	}
	view.Interface[ExternalIPKey] = snap.Endpoint
	for _, p := range def.Peers {
		view.Peers = append(view.Peers, p.Map())
	}
	return view, nil
}

// Busy returns the occupied addresses of iface.
func (m *Manager) Busy(iface string) ([]string, error) {
	snap := m.store.Snapshot()
	is, ok := snap.Interface(iface)
	if !ok {
		return nil, apperrors.ErrUnknownInterface
	}
	return BusyAddresses(snap, is), nil
}

// BusyAddresses returns the interface's own address plus the hosts of every
// peer listed in its definition. Comma separated lists are split, prefixes
// stripped and 0.0.0.0 skipped.
func BusyAddresses(snap *state.Snapshot, iface state.InterfaceSnapshot) []string {
	busy := make([]string, 0, len(iface.Peers)+1)
	for _, pk := range iface.Peers {
		rec, ok := snap.Peer(pk)
		if !ok {
			continue
		}
		for _, entry := range wgconf.SplitList(rec.IP) {
			host := ipam.Host(entry)
			if host == "0.0.0.0" {
				continue
			}
			if slices.Contains(busy, host) {
				log.WithField("interface", iface.Name).WithField("ip", host).Warn("possible address conflict")
				continue
			}
			busy = append(busy, host)
		}
	}
	if !slices.Contains(busy, iface.Address) {
		busy = append(busy, iface.Address)
	}
	return busy
}

// checkIdentity trims publicKey and rejects it unless exactly 44 characters remain.
func checkIdentity(publicKey string) (string, error) {
	publicKey = strings.TrimSpace(publicKey)
	if len(publicKey) != PublicKeyLength {
		return "", apperrors.ErrInvalidIdentity
	}
	return publicKey, nil
}
