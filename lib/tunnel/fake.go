package tunnel

import (
	"context"
	"sync"
)

// FakeEngine is an in-memory Engine for tests and dry runs. Keys are real
// WireGuard keys generated with wgtypes so they pass validation.
type FakeEngine struct {
	mu sync.Mutex

	// StatusText is returned by Status. "" means disabled.
	StatusText string
	// Address is returned by ExternalAddress.
	Address string
	// Err, when set, is returned by every call.
	Err error

	// Calls records Up and Down invocations as "up wg0" / "down wg0".
	Calls []string
	// Generated counts GenerateKeyPair calls.
	Generated int
}

// NewFakeEngine returns a running FakeEngine reporting address.
func NewFakeEngine(address string) *FakeEngine {
	return &FakeEngine{StatusText: "interface: wg0", Address: address}
}

func (f *FakeEngine) err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Err
}

// SetErr sets the error returned by every call.
func (f *FakeEngine) SetErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Err = err
}

// SetStatus sets the text returned by Status.
func (f *FakeEngine) SetStatus(text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.StatusText = text
}

// DerivePublicKey implements Engine.
func (f *FakeEngine) DerivePublicKey(_ context.Context, privateKey string) (string, error) {
	if err := f.err(); err != nil {
		return "", err
	}
	return derivePublic(privateKey)
}

// GenerateKeyPair implements Engine.
func (f *FakeEngine) GenerateKeyPair(_ context.Context) (KeyPair, error) {
	if err := f.err(); err != nil {
		return KeyPair{}, err
	}
	f.mu.Lock()
	f.Generated++
	f.mu.Unlock()
	return generateKeyPair()
}

// Status implements Engine.
func (f *FakeEngine) Status(_ context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return "", f.Err
	}
	return f.StatusText, nil
}

// Up implements Engine.
func (f *FakeEngine) Up(_ context.Context, iface string) error {
	return f.record("up " + iface)
}

// Down implements Engine.
func (f *FakeEngine) Down(_ context.Context, iface string) error {
	return f.record("down " + iface)
}

// ExternalAddress implements Engine.
func (f *FakeEngine) ExternalAddress(_ context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return "", f.Err
	}
	return f.Address, nil
}

func (f *FakeEngine) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	f.Calls = append(f.Calls, call)
	return nil
}
