package peers

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/wgcontrol/wgcontrol/lib/config"
	apperrors "github.com/wgcontrol/wgcontrol/lib/errors"
	"github.com/wgcontrol/wgcontrol/lib/state"
	"github.com/wgcontrol/wgcontrol/lib/tunnel"
)

type testEnv struct {
	t       *testing.T
	defsDir string
	engine  *tunnel.FakeEngine
	store   *state.Store
	manager *Manager
	server  wgtypes.Key
}

// newTestEnv creates wg0 at 10.8.0.1/<prefix> listening on 51820.
func newTestEnv(t *testing.T, prefix int) *testEnv {
	t.Helper()
	root := t.TempDir()
	env := &testEnv{
		t:       t,
		defsDir: filepath.Join(root, "wireguard"),
		engine:  tunnel.NewFakeEngine("203.0.113.10"),
	}
	if err := os.MkdirAll(env.defsDir, 0o700); err != nil {
		t.Fatal(err)
	}

	s := config.DefaultSettings()
	s.Frontend.Passkey = "frontend-passkey"
	s.Secrets.ClientEncryptionPass = "client-passphrase"
	s.WireGuard.ConfigDir = env.defsDir
	s.Peers.DataDir = filepath.Join(root, "data")
	settingsPath := filepath.Join(root, "wgcontrol.toml")
	if err := config.SaveSettings(s, settingsPath); err != nil {
		t.Fatal(err)
	}

	key, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	env.server = key
	env.writeDef("wg0", fmt.Sprintf("[Interface]\nPrivateKey = %s\nAddress = 10.8.0.1/%d\nListenPort = 51820\n\n", key, prefix))

	now := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	env.store = state.New(state.Options{
		SettingsPath: settingsPath,
		Engine:       env.engine,
		Now:          func() time.Time { return now },
	})
	if _, err := env.store.Reload(context.Background()); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	env.manager = NewManager(env.store)
	return env
}

func (env *testEnv) writeDef(name, content string) {
	env.t.Helper()
	if err := os.WriteFile(filepath.Join(env.defsDir, name+".conf"), []byte(content), 0o600); err != nil {
		env.t.Fatal(err)
	}
}

func (env *testEnv) readDef(name string) string {
	env.t.Helper()
	data, err := os.ReadFile(filepath.Join(env.defsDir, name+".conf"))
	if err != nil {
		env.t.Fatal(err)
	}
	return string(data)
}

func (env *testEnv) add(req AddRequest) ClientConfig {
	env.t.Helper()
	res, err := env.manager.Add(context.Background(), req)
	if err != nil {
		env.t.Fatalf("Add(%+v) error = %v", req, err)
	}
	return res
}

func TestAdd_FetchReturnsIdenticalConfig(t *testing.T) {
	env := newTestEnv(t, 24)

	res := env.add(AddRequest{Interface: "wg0", Name: "laptop"})

	if res.Client.IP != "10.8.0.2/32" || res.Client.Name != "laptop" || res.Client.Interface != "wg0" {
		t.Errorf("Client = %+v", res.Client)
	}
	for _, want := range []string{
		"Address = 10.8.0.2/32\n",
		"DNS = 10.8.1.1\n",
		"PublicKey = " + env.server.PublicKey().String() + "\n",
		"AllowedIPs = 0.0.0.0/0\n",
		"Endpoint = 203.0.113.10:51820\n",
		"PersistentKeepalive = 25\n",
	} {
		if !strings.Contains(res.Config, want) {
			t.Errorf("Config missing %q:\n%s", want, res.Config)
		}
	}
	if !strings.HasPrefix(res.Config, "[Interface]\n") {
		t.Errorf("Config should start with [Interface], got %q", res.Config)
	}

	def := env.readDef("wg0")
	if !strings.Contains(def, "PublicKey = "+res.Client.PublicKey) || !strings.Contains(def, "AllowedIPs = 10.8.0.2/32") {
		t.Errorf("definition missing the new peer:\n%s", def)
	}

	snap := env.store.Snapshot()
	rec, ok := snap.Peer(res.Client.PublicKey)
	if !ok || !rec.Active || rec.Name != "laptop" || rec.Iface != "wg0" {
		t.Fatalf("record = %+v, %v", rec, ok)
	}
	if rec.SecretKey == "" || strings.Contains(res.Config, rec.SecretKey) || strings.Contains(res.Config, rec.PresharedKey) {
		t.Error("client secrets must be stored encrypted")
	}

	fetched, err := env.manager.FetchClientConfig(res.Client.PublicKey)
	if err != nil {
		t.Fatalf("FetchClientConfig() error = %v", err)
	}
	if fetched.Config != res.Config {
		t.Errorf("fetched config differs\n got: %q\nwant: %q", fetched.Config, res.Config)
	}

	second := env.add(AddRequest{Interface: "wg0", Name: "phone"})
	if second.Client.IP != "10.8.0.3/32" {
		t.Errorf("second IP = %q, want 10.8.0.3/32", second.Client.IP)
	}
}

func TestAdd_ExplicitAddress(t *testing.T) {
	env := newTestEnv(t, 24)

	tests := []struct {
		name    string
		address string
		check   func(error) bool
	}{
		{"interface address", "10.8.0.1", func(err error) bool { return errors.Is(err, apperrors.ErrAddressInUse) }},
		{"outside range", "10.9.0.5", apperrors.IsInvalidInput},
		{"network address", "10.8.0.0", apperrors.IsInvalidInput},
		{"not ipv4", "fd00::2", apperrors.IsInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.manager.Add(context.Background(), AddRequest{Interface: "wg0", Name: "x", Address: tt.address})
			if !tt.check(err) {
				t.Errorf("Add(%s) error = %v", tt.address, err)
			}
		})
	}
	if env.engine.Generated != 0 {
		t.Errorf("rejected requests generated %d key pairs", env.engine.Generated)
	}

	res := env.add(AddRequest{Interface: "wg0", Name: "fixed", Address: "10.8.0.20/32"})
	if res.Client.IP != "10.8.0.20/32" {
		t.Errorf("IP = %q", res.Client.IP)
	}
	_, err := env.manager.Add(context.Background(), AddRequest{Interface: "wg0", Name: "dup", Address: "10.8.0.20"})
	if !errors.Is(err, apperrors.ErrAddressInUse) {
		t.Errorf("collision error = %v, want ErrAddressInUse", err)
	}
}

func TestAdd_PoolExhausted(t *testing.T) {
	env := newTestEnv(t, 30)

	env.add(AddRequest{Interface: "wg0", Name: "only"})
	before := env.readDef("wg0")

	_, err := env.manager.Add(context.Background(), AddRequest{Interface: "wg0", Name: "overflow"})
	if !errors.Is(err, apperrors.ErrAddressPoolExhausted) {
		t.Fatalf("Add() error = %v, want ErrAddressPoolExhausted", err)
	}
	if env.readDef("wg0") != before {
		t.Error("definition changed after a failed add")
	}
	if _, err := env.manager.FreeAddress("wg0"); !errors.Is(err, apperrors.ErrAddressPoolExhausted) {
		t.Errorf("FreeAddress() error = %v", err)
	}
}

func TestAdd_UnknownInterface(t *testing.T) {
	env := newTestEnv(t, 24)
	_, err := env.manager.Add(context.Background(), AddRequest{Interface: "wg7", Name: "x"})
	if !errors.Is(err, apperrors.ErrUnknownInterface) {
		t.Errorf("Add() error = %v, want ErrUnknownInterface", err)
	}
}

func TestAdd_EngineFailure(t *testing.T) {
	env := newTestEnv(t, 24)
	env.engine.SetErr(apperrors.ErrExternalCommand)
	before := env.readDef("wg0")

	_, err := env.manager.Add(context.Background(), AddRequest{Interface: "wg0", Name: "x"})
	if !apperrors.IsExternalCommand(err) {
		t.Errorf("Add() error = %v, want ErrExternalCommand", err)
	}
	if env.readDef("wg0") != before {
		t.Error("definition changed after engine failure")
	}
}

func TestRemove(t *testing.T) {
	env := newTestEnv(t, 24)
	res := env.add(AddRequest{Interface: "wg0", Name: "laptop"})
	other, _ := wgtypes.GeneratePrivateKey()
	env.writeDef("wg1", fmt.Sprintf("[Interface]\nPrivateKey = %s\nAddress = 10.9.0.1/24\n\n", other))
	if _, err := env.store.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	t.Run("bad identity", func(t *testing.T) {
		if err := env.manager.Remove(ctx, "wg0", "short"); !errors.Is(err, apperrors.ErrInvalidIdentity) {
			t.Errorf("Remove() error = %v, want ErrInvalidIdentity", err)
		}
	})

	t.Run("padded identity is trimmed", func(t *testing.T) {
		padded := "  " + res.Client.PublicKey + "\n"
		if err := env.manager.Remove(ctx, "wg1", padded); !errors.Is(err, apperrors.ErrPeerNotFound) {
			t.Fatalf("Remove(wg1) error = %v, want the wg1 block to be missing", err)
		}
		if err := env.manager.Rename(ctx, padded, "trimmed"); err != nil {
			t.Fatalf("Rename() with padded key error = %v", err)
		}
		if rec, _ := env.store.Snapshot().Peer(res.Client.PublicKey); rec.Name != "trimmed" {
			t.Errorf("Name = %q, want trimmed", rec.Name)
		}
	})

	t.Run("unknown key leaves file untouched", func(t *testing.T) {
		before := env.readDef("wg0")
		unknown, _ := wgtypes.GeneratePrivateKey()
		err := env.manager.Remove(ctx, "wg0", unknown.PublicKey().String())
		if !errors.Is(err, apperrors.ErrPeerNotFound) || !apperrors.IsNotFound(err) {
			t.Errorf("Remove() error = %v, want ErrPeerNotFound", err)
		}
		if env.readDef("wg0") != before {
			t.Error("definition changed")
		}
	})

	t.Run("block missing from interface", func(t *testing.T) {
		before := env.readDef("wg1")
		if err := env.manager.Remove(ctx, "wg1", res.Client.PublicKey); !errors.Is(err, apperrors.ErrPeerNotFound) {
			t.Errorf("Remove() error = %v, want ErrPeerNotFound", err)
		}
		if env.readDef("wg1") != before {
			t.Error("wg1 definition changed")
		}
		if _, ok := env.store.Snapshot().Peer(res.Client.PublicKey); !ok {
			t.Error("record deleted although the block was missing")
		}
	})

	t.Run("removes block and record", func(t *testing.T) {
		if err := env.manager.Remove(ctx, "wg0", " "+res.Client.PublicKey+" "); err != nil {
			t.Fatalf("Remove() error = %v", err)
		}
		if strings.Contains(env.readDef("wg0"), res.Client.PublicKey) {
			t.Error("peer block still present")
		}
		snap := env.store.Snapshot()
		if _, ok := snap.Peer(res.Client.PublicKey); ok {
			t.Error("record still present")
		}
		if iface, _ := snap.Interface("wg0"); len(iface.Peers) != 0 {
			t.Errorf("interface peers = %v", iface.Peers)
		}
		if _, err := env.manager.FetchClientConfig(res.Client.PublicKey); !errors.Is(err, apperrors.ErrPeerNotFound) {
			t.Errorf("FetchClientConfig() after remove = %v", err)
		}
	})
}

func TestAdd_ConcurrentCallsAreSerialized(t *testing.T) {
	const n = 20
	env := newTestEnv(t, 24)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make(chan ClientConfig, n)
	errs := make(chan error, 2*n)
	for i := 0; i < n; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			res, err := env.manager.Add(ctx, AddRequest{Interface: "wg0", Name: fmt.Sprintf("peer-%d", i)})
			if err != nil {
				errs <- err
				return
			}
			results <- res
		}(i)
		go func() {
			defer wg.Done()
			if _, err := env.store.Reload(ctx); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(results)
	close(errs)
	for err := range errs {
		t.Errorf("concurrent call error = %v", err)
	}

	seen := map[string]bool{}
	for res := range results {
		if seen[res.Client.IP] {
			t.Errorf("address %s handed out twice", res.Client.IP)
		}
		seen[res.Client.IP] = true
	}
	if len(seen) != n {
		t.Errorf("distinct addresses = %d, want %d", len(seen), n)
	}

	snap := env.store.Snapshot()
	if len(snap.Peers) != n {
		t.Errorf("records = %d, want %d", len(snap.Peers), n)
	}
	if iface, _ := snap.Interface("wg0"); len(iface.Peers) != n {
		t.Errorf("wg0 peers = %d, want %d", len(iface.Peers), n)
	}
	if blocks := strings.Count(env.readDef("wg0"), "[Peer]"); blocks != n {
		t.Errorf("[Peer] blocks = %d, want %d", blocks, n)
	}
}

func TestRename(t *testing.T) {
	env := newTestEnv(t, 24)
	res := env.add(AddRequest{Interface: "wg0", Name: "old"})
	before := env.readDef("wg0")
	ctx := context.Background()

	if err := env.manager.Rename(ctx, res.Client.PublicKey, "new"); err != nil {
		t.Fatalf("Rename() error = %v", err)
	}
	if rec, _ := env.store.Snapshot().Peer(res.Client.PublicKey); rec.Name != "new" {
		t.Errorf("Name = %q, want new", rec.Name)
	}
	if env.readDef("wg0") != before {
		t.Error("rename touched the definition file")
	}

	fetched, err := env.manager.FetchClientConfig(res.Client.PublicKey)
	if err != nil || fetched.Config != res.Config || fetched.Client.Name != "new" {
		t.Errorf("FetchClientConfig() = %+v, %v", fetched.Client, err)
	}

	unknown, _ := wgtypes.GeneratePrivateKey()
	if err := env.manager.Rename(ctx, unknown.PublicKey().String(), "x"); !errors.Is(err, apperrors.ErrPeerNotFound) {
		t.Errorf("Rename(unknown) error = %v", err)
	}
	if err := env.manager.Rename(ctx, "nope", "x"); !errors.Is(err, apperrors.ErrInvalidIdentity) {
		t.Errorf("Rename(bad) error = %v", err)
	}
}

func TestFreeAddressAndBusy(t *testing.T) {
	env := newTestEnv(t, 24)

	ip, err := env.manager.FreeAddress("wg0")
	if err != nil || ip != "10.8.0.2" {
		t.Fatalf("FreeAddress() = %q, %v", ip, err)
	}
	env.add(AddRequest{Interface: "wg0", Name: "a"})

	ip, _ = env.manager.FreeAddress("wg0")
	if ip != "10.8.0.3" {
		t.Errorf("FreeAddress() = %q, want 10.8.0.3", ip)
	}
	busy, err := env.manager.Busy("wg0")
	if err != nil || strings.Join(busy, ",") != "10.8.0.2,10.8.0.1" {
		t.Errorf("Busy() = %v, %v", busy, err)
	}
	if _, err := env.manager.FreeAddress("wg9"); !errors.Is(err, apperrors.ErrUnknownInterface) {
		t.Errorf("FreeAddress(wg9) error = %v", err)
	}
}

func TestBusyAddresses_SplitsLists(t *testing.T) {
	snap := &state.Snapshot{Peers: map[string]state.PeerRecord{
		"a": {IP: "10.8.0.2/32, 0.0.0.0/0"},
		"b": {IP: "10.8.0.2/32"},
		"c": {IP: "10.8.0.9"},
	}}
	iface := state.InterfaceSnapshot{Name: "wg0", Address: "10.8.0.1", Prefix: 24, Peers: []string{"a", "b", "c", "missing"}}

	got := BusyAddresses(snap, iface)
	if strings.Join(got, ",") != "10.8.0.2,10.8.0.9,10.8.0.1" {
		t.Errorf("BusyAddresses() = %v", got)
	}
}

func TestInterfaceDefinition(t *testing.T) {
	env := newTestEnv(t, 24)
	res := env.add(AddRequest{Interface: "wg0", Name: "a"})

	view, err := env.manager.InterfaceDefinition("wg0")
	if err != nil {
		t.Fatalf("InterfaceDefinition() error = %v", err)
	}
	if _, leaked := view.Interface["PrivateKey"]; leaked {
		t.Error("private key exposed")
	}
	if view.Interface[ExternalIPKey] != "203.0.113.10" || view.Interface["ListenPort"] != "51820" {
		t.Errorf("Interface = %v", view.Interface)
	}
	if len(view.Peers) != 1 || view.Peers[0]["PublicKey"] != res.Client.PublicKey {
		t.Errorf("Peers = %v", view.Peers)
	}
	if _, err := env.manager.InterfaceDefinition("nope"); !errors.Is(err, apperrors.ErrUnknownInterface) {
		t.Errorf("InterfaceDefinition(nope) error = %v", err)
	}
}

func TestRenderClientConfig(t *testing.T) {
	got := RenderClientConfig(ClientParams{
		PrivateKey:      "PRIV",
		Address:         "10.8.0.2/32",
		DNS:             []string{"1.1.1.1", "9.9.9.9"},
		PresharedKey:    "PSK",
		ServerPublicKey: "SERVER",
		Endpoint:        "vpn.example.com",
		Port:            51820,
	})
	want := "[Interface]\nPrivateKey = PRIV\nAddress = 10.8.0.2/32\nDNS = 1.1.1.1, 9.9.9.9\n\n" +
		"[Peer]\nPresharedKey = PSK\nPublicKey = SERVER\nAllowedIPs = 0.0.0.0/0\n" +
		"Endpoint = vpn.example.com:51820\nPersistentKeepalive = 25\n\n"
	if got != want {
		t.Errorf("RenderClientConfig()\n got: %q\nwant: %q", got, want)
	}
}
