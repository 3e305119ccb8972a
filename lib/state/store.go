// Package state reconciles on-disk interface definitions with the persisted
// peer store and publishes the result as an immutable Snapshot.
//
// Reads are lock-free: Snapshot returns the most recently published pass.
// Every write (a reconciliation, or a Mutate transaction followed by its
// reconciliation) runs under one store-wide mutex, so definition files,
// peers.json, interfaces.json and the settings file are never modified by
// two callers at once.
package state

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wgcontrol/wgcontrol/lib/config"
	apperrors "github.com/wgcontrol/wgcontrol/lib/errors"
	"github.com/wgcontrol/wgcontrol/lib/metrics"
	"github.com/wgcontrol/wgcontrol/lib/secret"
	"github.com/wgcontrol/wgcontrol/lib/tunnel"
	"github.com/wgcontrol/wgcontrol/lib/wgconf"
)

// Options configures a Store.
type Options struct {
	// SettingsPath is the TOML settings file reloaded on every pass.
	SettingsPath string
	// Engine is the tunnel engine collaborator.
	Engine tunnel.Engine
	// Now overrides the clock. Nil means time.Now.
	Now func() time.Time
}

// Store owns the published Snapshot and serialises every write.
type Store struct {
	mu           sync.Mutex
	settingsPath string
	engine       tunnel.Engine
	now          func() time.Time

	current atomic.Pointer[Snapshot]

	// cipher caches, guarded by mu
	peerCipher      cipherCache
	transportCipher cipherCache
}

// New creates a Store. Nothing is read until the first Reload.
func New(opts Options) *Store {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Store{
		settingsPath: opts.SettingsPath,
		engine:       opts.Engine,
		now:          opts.Now,
	}
	s.current.Store(emptySnapshot())
	return s
}

// Snapshot returns the current snapshot. It never returns nil.
func (s *Store) Snapshot() *Snapshot {
	return s.current.Load()
}

// Engine returns the tunnel engine collaborator.
func (s *Store) Engine() tunnel.Engine {
	return s.engine
}

// SettingsPath returns the settings file the store reloads.
func (s *Store) SettingsPath() string {
	return s.settingsPath
}

// Reload runs one reconciliation pass and publishes its snapshot.
func (s *Store) Reload(ctx context.Context) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconcile(ctx)
}

// SetEngineUp publishes a copy of the current snapshot with the engine
// liveness flag replaced. It does not take the write lock.
func (s *Store) SetEngineUp(up bool) {
	for {
		old := s.current.Load()
		if old.EngineUp == up {
			return
		}
		if s.current.CompareAndSwap(old, old.withEngineUp(up)) {
			metrics.EngineUp.SetBool(up)
			return
		}
	}
}

// Mutate runs fn as a write transaction. When fn changed anything on disk the
// store reconciles before releasing the lock, so the returned snapshot
// reflects the change. fn's error is returned as is.
func (s *Store) Mutate(ctx context.Context, fn func(tx *Tx) error) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &Tx{store: s, snap: s.current.Load()}
	err := fn(tx)
	if !tx.dirty {
		return tx.snap, err
	}

	snap, rerr := s.reconcile(ctx)
	if err != nil {
		if rerr != nil {
			log.WithError(rerr).Warn("reconciliation after failed mutation also failed")
		}
		return s.current.Load(), err
	}
	if rerr != nil {
		return s.current.Load(), rerr
	}
	return snap, nil
}

// reconcile implements one pass. Callers hold s.mu.
func (s *Store) reconcile(ctx context.Context) (snap *Snapshot, err error) {
	start := s.now()
	metrics.Reconciliations.Inc()
	defer func() {
		metrics.ReconcileDuration.ObserveSince(start)
		if err != nil {
			metrics.ReconciliationFailures.Inc()
			log.WithError(err).Error("reconciliation failed")
		}
	}()

	// Settings and secrets.
	settings, err := config.LoadSettings(s.settingsPath)
	if err != nil {
		return nil, err
	}
	if err := settings.RequireSecrets(); err != nil {
		return nil, err
	}
	peerCipher, err := s.peerCipher.get(settings.Secrets.ClientEncryptionPass)
	if err != nil {
		return nil, fmt.Errorf("secrets.client_encryption_pass: %w", err)
	}
	transportCipher, err := s.transportCipher.get(settings.Frontend.Passkey)
	if err != nil {
		return nil, fmt.Errorf("frontend.passkey: %w", err)
	}

	// Supporting files.
	if err := ensureSupportingFiles(settings); err != nil {
		return nil, err
	}
	peers, err := LoadPeerStore(settings.DataPath(config.PeersFile))
	if err != nil {
		return nil, err
	}
	known, err := LoadKnownInterfaces(settings.DataPath(config.InterfacesFile))
	if err != nil {
		return nil, err
	}
	knownBefore := known.Len()

	engineUp := tunnel.IsRunning(ctx, s.engine)
	endpoint := s.endpoint(ctx, settings)

	// Interface definitions.
	now := s.now()
	dir := settings.DefinitionsDir()
	names, listErr := wgconf.List(dir)
	if listErr != nil {
		log.WithField("dir", dir).WithError(listErr).Warn("cannot enumerate interface definitions")
	}

	f := &fold{peers: peers, now: now, seen: map[string]string{}, failed: map[string]bool{}}
	interfaces := make(map[string]InterfaceSnapshot, len(names))
	for _, name := range names {
		iface, err := s.loadInterface(ctx, dir, name, f)
		if err != nil {
			metrics.ParseFailures.Inc()
			f.failed[name] = true
			log.WithField("interface", name).WithError(err).Warn("interface excluded from snapshot")
			continue
		}
		interfaces[name] = iface
	}

	// Drift. A failed enumeration says nothing about which peers are gone.
	if listErr == nil {
		f.markAbsentInactive()
	}
	f.purge(settings.Peers.InactiveRetention.Std())
	if f.changed {
		if err := peers.Save(); err != nil {
			return nil, err
		}
	}

	// Default interface election and validity.
	configOK := true
	if len(interfaces) == 0 {
		configOK = false
		log.WithField("dir", dir).Error("no interface definition parsed successfully")
	} else if _, ok := interfaces[settings.Frontend.DefaultInterface]; !ok {
		elected := firstName(names, interfaces)
		log.WithField("previous", settings.Frontend.DefaultInterface).
			WithField("elected", elected).
			Info("default interface missing or invalid, electing a new one")
		settings.Frontend.DefaultInterface = elected
		if err := config.SaveSettings(settings, s.settingsPath); err != nil {
			return nil, err
		}
	}
	if knownBefore == 0 && !engineUp {
		configOK = false
		log.Error("no interfaces were ever known and the tunnel engine is down")
	}
	parsedNames := make([]string, 0, len(interfaces))
	for name := range interfaces {
		parsedNames = append(parsedNames, name)
	}
	if known.Add(parsedNames...) {
		if err := known.Save(); err != nil {
			return nil, err
		}
	}

	snap = &Snapshot{
		Settings:         settings.Clone(),
		EngineUp:         engineUp,
		ConfigOK:         configOK,
		Endpoint:         endpoint,
		DefaultInterface: settings.Frontend.DefaultInterface,
		Interfaces:       interfaces,
		Peers:            peers.Records(),
		PeerCipher:       peerCipher,
		TransportCipher:  transportCipher,
		LoadedAt:         now,
	}
	if len(interfaces) == 0 {
		snap.DefaultInterface = ""
	}
	s.current.Store(snap)
	s.publishMetrics(snap)

	log.WithField("interfaces", len(interfaces)).
		WithField("peers", len(snap.Peers)).
		WithField("configOK", configOK).
		WithField("engineUp", engineUp).
		Debug("reconciliation complete")
	return snap, nil
}

// loadInterface parses one definition, derives its public key and folds its
// peers into the store.
func (s *Store) loadInterface(ctx context.Context, dir, name string, f *fold) (InterfaceSnapshot, error) {
	def, err := wgconf.ParseFile(wgconf.Path(dir, name))
	if err != nil {
		return InterfaceSnapshot{}, err
	}
	typed, err := def.Typed(name)
	if err != nil {
		return InterfaceSnapshot{}, err
	}
	publicKey, err := s.engine.DerivePublicKey(ctx, typed.PrivateKey)
	if err != nil {
		return InterfaceSnapshot{}, fmt.Errorf("deriving public key of %s: %w", name, err)
	}

	return InterfaceSnapshot{
		Name:       name,
		Address:    typed.Address,
		Prefix:     typed.Prefix,
		ListenPort: typed.ListenPort,
		PublicKey:  publicKey,
		Peers:      f.add(name, def.Peers),
	}, nil
}

// endpoint returns the configured endpoint or asks the engine for the
// external address. Failure leaves it empty.
func (s *Store) endpoint(ctx context.Context, settings *config.Settings) string {
	if settings.Frontend.Endpoint != "" {
		return settings.Frontend.Endpoint
	}
	addr, err := s.engine.ExternalAddress(ctx)
	if err != nil {
		log.WithError(err).Warn("cannot determine external address")
		return ""
	}
	return addr
}

func (s *Store) publishMetrics(snap *Snapshot) {
	active, inactive := 0, 0
	for _, rec := range snap.Peers {
		if rec.Active {
			active++
		} else {
			inactive++
		}
	}
	metrics.InterfacesTotal.Set(int64(len(snap.Interfaces)))
	metrics.PeersActive.Set(int64(active))
	metrics.PeersInactive.Set(int64(inactive))
	metrics.ConfigValid.SetBool(snap.ConfigOK)
	metrics.EngineUp.SetBool(snap.EngineUp)
}

// ensureSupportingFiles creates the data directory, peers.json and
// interfaces.json when absent.
func ensureSupportingFiles(settings *config.Settings) error {
	if err := settings.EnsureDataDir(); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	for file, empty := range map[string]string{
		config.PeersFile:      "{}",
		config.InterfacesFile: "[]",
	} {
		path := settings.DataPath(file)
		if _, err := os.Stat(path); err == nil {
			continue
		} else if !os.IsNotExist(err) {
			return fmt.Errorf("checking %s: %w", filepath.Base(path), err)
		}
		if err := os.WriteFile(path, []byte(empty), 0o600); err != nil {
			return fmt.Errorf("creating %s: %w", filepath.Base(path), err)
		}
	}
	return nil
}

// firstName returns the first name in names present in interfaces.
func firstName(names []string, interfaces map[string]InterfaceSnapshot) string {
	for _, name := range names {
		if _, ok := interfaces[name]; ok {
			return name
		}
	}
	return ""
}

// cipherCache keeps one Cipher per passphrase so scrypt runs only when the
// passphrase changes.
type cipherCache struct {
	passphrase string
	cipher     *secret.Cipher
}

func (c *cipherCache) get(passphrase string) (*secret.Cipher, error) {
	if c.cipher != nil && c.passphrase == passphrase {
		return c.cipher, nil
	}
	cipher, err := secret.New(passphrase)
	if err != nil {
		return nil, err
	}
	c.passphrase, c.cipher = passphrase, cipher
	return cipher, nil
}

// fold merges parsed peer blocks into the peer store during one pass.
type fold struct {
	peers   *PeerStore
	now     time.Time
	seen    map[string]string // public key -> interface
	failed  map[string]bool   // interfaces that did not parse
	changed bool
}

// add folds the peers of one interface and returns their public keys in
// file order. A key already claimed by another interface is skipped.
func (f *fold) add(iface string, blocks []wgconf.Block) []string {
	keys := make([]string, 0, len(blocks))
	for _, block := range blocks {
		pk := block.Value(wgconf.KeyPublicKey)
		if owner, dup := f.seen[pk]; dup {
			log.WithField("publicKey", pk).
				WithField("interface", iface).
				WithField("owner", owner).
				Warn("duplicate peer public key ignored")
			continue
		}
		f.seen[pk] = iface
		keys = append(keys, pk)

		rec, ok := f.peers.Get(pk)
		updated := rec
		if !ok {
			updated.CreatedAt = f.now
		}
		updated.Active = true
		updated.IP = block.Value(wgconf.KeyAllowedIPs)
		updated.Iface = iface
		if !ok || updated != rec {
			updated.UpdatedAt = f.now
			f.peers.Put(pk, updated)
			f.changed = true
		}
	}
	return keys
}

// markAbsentInactive flips every record not seen in this pass to inactive.
// Records owned by an interface that failed to parse keep their flag.
func (f *fold) markAbsentInactive() {
	for _, pk := range f.peers.Keys() {
		if _, ok := f.seen[pk]; ok {
			continue
		}
		rec, _ := f.peers.Get(pk)
		if !rec.Active || f.failed[rec.Iface] {
			continue
		}
		rec.Active = false
		rec.UpdatedAt = f.now
		f.peers.Put(pk, rec)
		f.changed = true
		log.WithField("publicKey", pk).WithField("interface", rec.Iface).Info("peer absent from definitions, marked inactive")
	}
}

// purge deletes inactive records untouched for longer than retention.
// Zero retention keeps them forever.
func (f *fold) purge(retention time.Duration) {
	if retention <= 0 {
		return
	}
	cutoff := f.now.Add(-retention)
	for _, pk := range f.peers.Keys() {
		rec, _ := f.peers.Get(pk)
		if rec.Active || rec.UpdatedAt.After(cutoff) {
			continue
		}
		f.peers.Delete(pk)
		f.changed = true
		metrics.PeersPurged.Inc()
		log.WithField("publicKey", pk).Info("purged inactive peer record")
	}
}

// Tx is a write transaction handed to Mutate callbacks. Files loaded through
// a Tx are read fresh from disk under the store lock.
type Tx struct {
	store    *Store
	snap     *Snapshot
	peers    *PeerStore
	settings *config.Settings
	dirty    bool
}

// Snapshot returns the snapshot current when the transaction began.
func (tx *Tx) Snapshot() *Snapshot {
	return tx.snap
}

// Engine returns the tunnel engine collaborator.
func (tx *Tx) Engine() tunnel.Engine {
	return tx.store.engine
}

// Now returns the store clock.
func (tx *Tx) Now() time.Time {
	return tx.store.now()
}

// Interface returns the snapshot of iface or ErrUnknownInterface.
func (tx *Tx) Interface(iface string) (InterfaceSnapshot, error) {
	snap, ok := tx.snap.Interface(iface)
	if !ok {
		return InterfaceSnapshot{}, apperrors.ErrUnknownInterface
	}
	return snap, nil
}

// DefinitionPath returns the definition file of iface.
func (tx *Tx) DefinitionPath(iface string) string {
	return wgconf.Path(tx.snap.Settings.DefinitionsDir(), iface)
}

// Peers loads peers.json.
func (tx *Tx) Peers() (*PeerStore, error) {
	if tx.peers == nil {
		peers, err := LoadPeerStore(tx.snap.Settings.DataPath(config.PeersFile))
		if err != nil {
			return nil, err
		}
		tx.peers = peers
	}
	return tx.peers, nil
}

// SavePeers writes peers.json.
func (tx *Tx) SavePeers() error {
	if tx.peers == nil {
		return nil
	}
	tx.dirty = true
	return tx.peers.Save()
}

// Settings loads the settings file.
func (tx *Tx) Settings() (*config.Settings, error) {
	if tx.settings == nil {
		settings, err := config.LoadSettings(tx.store.settingsPath)
		if err != nil {
			return nil, err
		}
		tx.settings = settings
	}
	return tx.settings, nil
}

// SaveSettings validates and writes the settings file.
func (tx *Tx) SaveSettings() error {
	if tx.settings == nil {
		return nil
	}
	if err := tx.settings.Validate(); err != nil {
		return err
	}
	tx.dirty = true
	return config.SaveSettings(tx.settings, tx.store.settingsPath)
}

// AppendPeer appends a rendered [Peer] block to the definition of iface.
func (tx *Tx) AppendPeer(iface string, block wgconf.Block) error {
	tx.dirty = true
	return wgconf.AppendPeer(tx.DefinitionPath(iface), wgconf.RenderSection(wgconf.SectionPeer, block))
}

// RemovePeer deletes the [Peer] block of publicKey from the definition of
// iface. The file is untouched when no block matches.
func (tx *Tx) RemovePeer(iface, publicKey string) (bool, error) {
	removed, err := wgconf.RemovePeerFromFile(tx.DefinitionPath(iface), publicKey)
	if removed {
		tx.dirty = true
	}
	return removed, err
}
