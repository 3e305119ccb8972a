package state

import (
	"slices"
	"time"

	"github.com/wgcontrol/wgcontrol/lib/config"
	"github.com/wgcontrol/wgcontrol/lib/secret"
)

// InterfaceSnapshot is the reconciled view of one interface definition.
type InterfaceSnapshot struct {
	Name       string   `json:"name"`
	Address    string   `json:"ip"`
	Prefix     int      `json:"cidr"`
	ListenPort int      `json:"port"`
	PublicKey  string   `json:"pubkey"`
	Peers      []string `json:"peers"`
}

// Snapshot is the authoritative server state produced by one reconciliation
// pass. It is never modified after publication; readers may hold it freely.
type Snapshot struct {
	// Settings is a private copy of the settings the pass loaded.
	Settings *config.Settings

	EngineUp         bool
	ConfigOK         bool
	Endpoint         string
	DefaultInterface string
	Interfaces       map[string]InterfaceSnapshot

	// Peers is a copy of the peer store as of this pass.
	Peers map[string]PeerRecord

	// PeerCipher seals stored peer secrets, TransportCipher seals API payloads.
	PeerCipher      *secret.Cipher
	TransportCipher *secret.Cipher

	LoadedAt time.Time
}

// emptySnapshot is published before the first reconciliation.
func emptySnapshot() *Snapshot {
	return &Snapshot{
		Settings:   config.DefaultSettings(),
		Interfaces: map[string]InterfaceSnapshot{},
		Peers:      map[string]PeerRecord{},
	}
}

// InterfaceNames returns the reconciled interface names in sorted order.
func (s *Snapshot) InterfaceNames() []string {
	names := make([]string, 0, len(s.Interfaces))
	for name := range s.Interfaces {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Interface returns the snapshot of one interface.
func (s *Snapshot) Interface(name string) (InterfaceSnapshot, bool) {
	iface, ok := s.Interfaces[name]
	return iface, ok
}

// Peer returns the record for a public key.
func (s *Snapshot) Peer(publicKey string) (PeerRecord, bool) {
	rec, ok := s.Peers[publicKey]
	return rec, ok
}

// withEngineUp returns a shallow copy of s with EngineUp replaced.
func (s *Snapshot) withEngineUp(up bool) *Snapshot {
	c := *s
	c.EngineUp = up
	return &c
}
