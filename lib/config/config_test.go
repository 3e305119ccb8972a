package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	apperrors "github.com/wgcontrol/wgcontrol/lib/errors"
)

func TestDefaultSettings(t *testing.T) {
	s := DefaultSettings()

	if s.Server.Port != DefaultPort {
		t.Errorf("default port = %d, want %d", s.Server.Port, DefaultPort)
	}
	if len(s.Frontend.DNS) != 1 || s.Frontend.DNS[0] != DefaultDNS {
		t.Errorf("default DNS = %v", s.Frontend.DNS)
	}
	if s.Frontend.RuntimeRotationMinutes != DefaultRotationMinutes {
		t.Errorf("default rotation = %d", s.Frontend.RuntimeRotationMinutes)
	}
	if s.WireGuard.CommandTimeout.Std() != DefaultCommandTimeout {
		t.Errorf("default command timeout = %v", s.WireGuard.CommandTimeout.Std())
	}
	if s.Peers.InactiveRetention != 0 {
		t.Error("inactive records should be kept forever by default")
	}
	if err := s.Validate(); err != nil {
		t.Errorf("default settings should validate: %v", err)
	}
}

func TestSettings_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Settings)
		wantErr bool
	}{
		{
			name:    "valid default settings",
			modify:  func(s *Settings) {},
			wantErr: false,
		},
		{
			name:    "port zero",
			modify:  func(s *Settings) { s.Server.Port = 0 },
			wantErr: true,
		},
		{
			name:    "empty public dir",
			modify:  func(s *Settings) { s.Server.PublicDir = "" },
			wantErr: true,
		},
		{
			name:    "origin without scheme",
			modify:  func(s *Settings) { s.Server.AllowedOrigins = []string{"panel.example"} },
			wantErr: true,
		},
		{
			name:    "wildcard origin",
			modify:  func(s *Settings) { s.Server.AllowedOrigins = []string{"*"} },
			wantErr: false,
		},
		{
			name:    "bad dns entry",
			modify:  func(s *Settings) { s.Frontend.DNS = []string{"10.8.1.1", "dns.example"} },
			wantErr: true,
		},
		{
			name:    "rotation below one minute",
			modify:  func(s *Settings) { s.Frontend.RuntimeRotationMinutes = -1 },
			wantErr: true,
		},
		{
			name:    "unknown engine",
			modify:  func(s *Settings) { s.WireGuard.Engine = "kernel" },
			wantErr: true,
		},
		{
			name:    "native engine",
			modify:  func(s *Settings) { s.WireGuard.Engine = EngineNative },
			wantErr: false,
		},
		{
			name:    "zero command timeout",
			modify:  func(s *Settings) { s.WireGuard.CommandTimeout = 0 },
			wantErr: true,
		},
		{
			name:    "negative retention",
			modify:  func(s *Settings) { s.Peers.InactiveRetention = Duration(-time.Hour) },
			wantErr: true,
		},
		{
			name:    "command timeout too long",
			modify:  func(s *Settings) { s.WireGuard.CommandTimeout = Duration(time.Hour) },
			wantErr: true,
		},
		{
			name:    "retention below an hour",
			modify:  func(s *Settings) { s.Peers.InactiveRetention = Duration(time.Minute) },
			wantErr: true,
		},
		{
			name:    "retention of thirty days",
			modify:  func(s *Settings) { s.Peers.InactiveRetention = Duration(720 * time.Hour) },
			wantErr: false,
		},
		{
			name:    "endpoint host",
			modify:  func(s *Settings) { s.Frontend.Endpoint = "vpn.example.org" },
			wantErr: false,
		},
		{
			name:    "endpoint with port",
			modify:  func(s *Settings) { s.Frontend.Endpoint = "vpn.example.org:51820" },
			wantErr: true,
		},
		{
			name:    "listen with port",
			modify:  func(s *Settings) { s.Server.Listen = "127.0.0.1:8090" },
			wantErr: true,
		},
		{
			name:    "empty data dir",
			modify:  func(s *Settings) { s.Peers.DataDir = "" },
			wantErr: true,
		},
		{
			name:    "bad default interface",
			modify:  func(s *Settings) { s.Frontend.DefaultInterface = "../wg0" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := DefaultSettings()
			tt.modify(s)
			err := s.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadSettings_DefaultsWhenMissing(t *testing.T) {
	s, err := LoadSettings(filepath.Join(t.TempDir(), "nonexistent.toml"))
	if err != nil {
		t.Fatalf("LoadSettings should not error on missing file: %v", err)
	}
	if s.Server.Port != DefaultPort {
		t.Errorf("port = %d, want default", s.Server.Port)
	}
}

func TestSaveAndLoadSettings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wgcontrol.toml")

	original := DefaultSettings()
	original.Server.Port = 3001
	original.Server.AllowedOrigins = []string{"https://panel.example"}
	original.Frontend.Passkey = "front-passkey"
	original.Frontend.DNS = []string{"1.1.1.1", "8.8.8.8"}
	original.Frontend.DefaultInterface = "wg1"
	original.Secrets.ClientEncryptionPass = "client-pass"
	original.WireGuard.CommandTimeout = Duration(3 * time.Second)
	original.Peers.InactiveRetention = Duration(720 * time.Hour)

	if err := SaveSettings(original, path); err != nil {
		t.Fatalf("SaveSettings failed: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temporary file should be renamed away")
	}

	loaded, err := LoadSettings(path)
	if err != nil {
		t.Fatalf("LoadSettings failed: %v", err)
	}

	if loaded.Server.Port != 3001 {
		t.Errorf("port mismatch: got %d", loaded.Server.Port)
	}
	if strings.Join(loaded.Frontend.DNS, ",") != "1.1.1.1,8.8.8.8" {
		t.Errorf("dns mismatch: got %v", loaded.Frontend.DNS)
	}
	if loaded.Frontend.DefaultInterface != "wg1" || loaded.Frontend.Passkey != "front-passkey" {
		t.Errorf("frontend mismatch: %+v", loaded.Frontend)
	}
	if loaded.Secrets.ClientEncryptionPass != "client-pass" {
		t.Errorf("passphrase mismatch: %q", loaded.Secrets.ClientEncryptionPass)
	}
	if loaded.WireGuard.CommandTimeout.Std() != 3*time.Second {
		t.Errorf("command timeout mismatch: %v", loaded.WireGuard.CommandTimeout.Std())
	}
	if loaded.Peers.InactiveRetention.Std() != 720*time.Hour {
		t.Errorf("retention mismatch: %v", loaded.Peers.InactiveRetention.Std())
	}
}

func TestLoadSettings_HumanDurations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wgcontrol.toml")
	content := `
[frontend]
runtime_rotation_minutes = 2

[wireguard]
command_timeout = "1m30s"

[peers]
data_dir = "/var/lib/wgcontrol"
inactive_retention = "48h"
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	s, err := LoadSettings(path)
	if err != nil {
		t.Fatalf("LoadSettings failed: %v", err)
	}
	if s.WireGuard.CommandTimeout.Std() != 90*time.Second {
		t.Errorf("command timeout = %v", s.WireGuard.CommandTimeout.Std())
	}
	if s.Peers.InactiveRetention.Std() != 48*time.Hour {
		t.Errorf("retention = %v", s.Peers.InactiveRetention.Std())
	}
	if s.RotationInterval() != 2*time.Minute {
		t.Errorf("rotation interval = %v", s.RotationInterval())
	}
	if len(s.Frontend.DNS) != 1 || s.Frontend.DNS[0] != DefaultDNS {
		t.Errorf("missing dns should fall back to default, got %v", s.Frontend.DNS)
	}
}

func TestLoadSettings_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"invalid toml", "this is not [valid toml"},
		{"invalid duration", "[wireguard]\ncommand_timeout = \"soon\"\n"},
		{"invalid port", "[server]\nport = 70000\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "wgcontrol.toml")
			if err := os.WriteFile(path, []byte(tt.content), 0o600); err != nil {
				t.Fatal(err)
			}
			if _, err := LoadSettings(path); err == nil {
				t.Error("LoadSettings should fail")
			}
		})
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv(EnvConfigDir, "/srv/wireguard")
	t.Setenv(EnvDataDir, "/srv/data")
	t.Setenv(EnvPort, "9000")

	s, err := LoadSettings(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if s.WireGuard.ConfigDir != "/srv/wireguard" || s.DefinitionsDir() != "/srv/wireguard" {
		t.Errorf("config dir = %q", s.WireGuard.ConfigDir)
	}
	if s.Peers.DataDir != "/srv/data" {
		t.Errorf("data dir = %q", s.Peers.DataDir)
	}
	if s.Server.Port != 9000 {
		t.Errorf("port = %d", s.Server.Port)
	}

	t.Setenv(EnvPort, "ninety")
	if _, err := LoadSettings(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Error("non-numeric port should fail")
	}
}

func TestDefinitionsDir_Detection(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chdir(wd) })

	s := DefaultSettings()
	if got := s.DefinitionsDir(); got != "/etc/wireguard" {
		t.Errorf("without a local dir got %q, want /etc/wireguard", got)
	}

	if err := os.MkdirAll(filepath.Join(dir, "etc", "wireguard"), 0o755); err != nil {
		t.Fatal(err)
	}
	if got := s.DefinitionsDir(); got != filepath.Join("etc", "wireguard") {
		t.Errorf("with a local dir got %q", got)
	}
}

func TestRequireSecrets(t *testing.T) {
	s := DefaultSettings()
	if err := s.RequireSecrets(); !apperrors.Is(err, apperrors.ErrMissingConfiguration) {
		t.Errorf("RequireSecrets() = %v, want ErrMissingConfiguration", err)
	}

	changed, err := s.GenerateSecrets()
	if err != nil || !changed {
		t.Fatalf("GenerateSecrets() = %v, %v", changed, err)
	}
	if len(s.Frontend.Passkey) != 48 || len(s.Secrets.ClientEncryptionPass) != 48 {
		t.Errorf("generated secrets have unexpected length")
	}
	if s.Frontend.Passkey == s.Secrets.ClientEncryptionPass {
		t.Error("secrets should be independent")
	}
	if err := s.RequireSecrets(); err != nil {
		t.Errorf("RequireSecrets() after generation = %v", err)
	}

	changed, _ = s.GenerateSecrets()
	if changed {
		t.Error("existing secrets must not be replaced")
	}
}

func TestSettings_Paths(t *testing.T) {
	s := DefaultSettings()
	s.Peers.DataDir = "/var/lib/wgcontrol"
	s.Server.PublicDir = "/srv/public"
	s.Server.Listen = "0.0.0.0"
	s.Server.Port = 3001

	if got := s.DataPath(PeersFile); got != "/var/lib/wgcontrol/peers.json" {
		t.Errorf("DataPath = %q", got)
	}
	if got := s.RuntimeArtifactPath(); got != "/srv/public/assets/runtime.js" {
		t.Errorf("RuntimeArtifactPath = %q", got)
	}
	if got := s.Address(); got != "0.0.0.0:3001" {
		t.Errorf("Address = %q", got)
	}
}

func TestSettings_Clone(t *testing.T) {
	s := DefaultSettings()
	c := s.Clone()
	c.Frontend.DNS[0] = "9.9.9.9"
	if s.Frontend.DNS[0] != DefaultDNS {
		t.Error("Clone should copy the DNS slice")
	}
}

func TestEnsureDataDir(t *testing.T) {
	s := DefaultSettings()
	s.Peers.DataDir = filepath.Join(t.TempDir(), "new", "data")
	if err := s.EnsureDataDir(); err != nil {
		t.Fatalf("EnsureDataDir failed: %v", err)
	}
	if info, err := os.Stat(s.Peers.DataDir); err != nil || !info.IsDir() {
		t.Error("data dir was not created")
	}
}
