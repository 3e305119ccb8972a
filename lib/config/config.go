// Package config holds the control plane settings file. Settings are stored
// as TOML and cover the HTTP surface, the frontend options the web UI edits,
// the peer secret passphrase, the tunnel engine and the peer store.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	apperrors "github.com/wgcontrol/wgcontrol/lib/errors"
	"github.com/wgcontrol/wgcontrol/lib/validation"
)

// Default configuration values
const (
	DefaultListen          = "127.0.0.1"
	DefaultPort            = 8080
	DefaultPublicDir       = "public"
	DefaultDataDir         = ".data"
	DefaultDNS             = "10.8.1.1"
	DefaultRotationMinutes = 5
	DefaultEngine          = EngineCommand
	DefaultCommandTimeout  = 10 * time.Second
	DefaultSettingsFile    = "wgcontrol.toml"
)

// Tunnel engine backends.
const (
	EngineCommand = "command"
	EngineNative  = "native"
)

// Environment overrides.
const (
	EnvConfigDir = "WG_CONFIG_DIR"
	EnvDataDir   = "WGCONTROL_DATA_DIR"
	EnvPort      = "WGCONTROL_PORT"
)

// Supporting files in the data directory.
const (
	PeersFile      = "peers.json"
	InterfacesFile = "interfaces.json"
)

// definitionDirCandidates are probed when no definitions directory is set.
var definitionDirCandidates = []string{
	filepath.Join("etc", "wireguard"),
	"/etc/wireguard",
}

// Duration is a time.Duration stored as a string such as "10s" or "720h".
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", b, err)
	}
	*d = Duration(parsed)
	return nil
}

// Settings holds all configuration for the control plane.
type Settings struct {
	Server    ServerSettings    `toml:"server"`
	Frontend  FrontendSettings  `toml:"frontend"`
	Secrets   SecretSettings    `toml:"secrets"`
	WireGuard WireGuardSettings `toml:"wireguard"`
	Peers     PeerSettings      `toml:"peers"`
}

// ServerSettings configures the HTTP surface.
type ServerSettings struct {
	// Listen is the host the web server binds to
	Listen string `toml:"listen"`
	// Port is the TCP port of the web server
	Port int `toml:"port"`
	// AllowedOrigins are the CORS origins allowed to call /api
	AllowedOrigins []string `toml:"allowed_origins"`
	// PublicDir holds the static web UI and the runtime artifact
	PublicDir string `toml:"public_dir"`
	// LogFile, when set, receives a rotated copy of the log
	LogFile string `toml:"log_file,omitempty"`
}

// FrontendSettings are the options the web UI reads and edits.
type FrontendSettings struct {
	// Passkey keys the encryption of sensitive API payloads
	Passkey string `toml:"passkey"`
	// DNS is written into generated client definitions
	DNS []string `toml:"dns"`
	// RuntimeRotationMinutes is the verification token rotation interval
	RuntimeRotationMinutes int `toml:"runtime_rotation_minutes"`
	// DefaultInterface is elected during reconciliation
	DefaultInterface string `toml:"default_interface"`
	// Endpoint overrides the discovered external address
	Endpoint string `toml:"endpoint,omitempty"`
}

// SecretSettings holds the passphrase for stored peer secrets.
type SecretSettings struct {
	ClientEncryptionPass string `toml:"client_encryption_pass"`
}

// WireGuardSettings configures definition discovery and the tunnel engine.
type WireGuardSettings struct {
	// ConfigDir is the definitions directory. Empty means auto-detect.
	ConfigDir string `toml:"config_dir,omitempty"`
	// Engine selects the tunnel engine backend: "command" or "native"
	Engine string `toml:"engine"`
	// CommandTimeout bounds every engine command
	CommandTimeout Duration `toml:"command_timeout"`
}

// PeerSettings configures the peer record store.
type PeerSettings struct {
	// DataDir holds peers.json and interfaces.json
	DataDir string `toml:"data_dir"`
	// InactiveRetention purges inactive records older than this. Zero keeps them forever.
	InactiveRetention Duration `toml:"inactive_retention"`
}

// DefaultSettings returns Settings with sensible defaults. Passkey and
// passphrase are left empty; see GenerateSecrets.
func DefaultSettings() *Settings {
	return &Settings{
		Server: ServerSettings{
			Listen:    DefaultListen,
			Port:      DefaultPort,
			PublicDir: DefaultPublicDir,
		},
		Frontend: FrontendSettings{
			DNS:                    []string{DefaultDNS},
			RuntimeRotationMinutes: DefaultRotationMinutes,
		},
		WireGuard: WireGuardSettings{
			Engine:         DefaultEngine,
			CommandTimeout: Duration(DefaultCommandTimeout),
		},
		Peers: PeerSettings{
			DataDir: DefaultDataDir,
		},
	}
}

// LoadSettings reads settings from a TOML file, applies environment
// overrides and validates the result.
// If the file doesn't exist, it returns the default settings.
func LoadSettings(path string) (*Settings, error) {
	s := DefaultSettings()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading settings file: %w", err)
	}
	if err == nil {
		if err := toml.Unmarshal(data, s); err != nil {
			return nil, apperrors.Wrap(apperrors.CodeMissingConfiguration, "parsing settings file", err)
		}
	}

	if err := s.ApplyEnv(); err != nil {
		return nil, err
	}
	s.normalize()

	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}

	return s, nil
}

// SaveSettings writes the settings to a TOML file through a temporary file
// and rename. It creates the parent directory if it doesn't exist.
func SaveSettings(s *Settings, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating settings directory: %w", err)
	}

	data, err := toml.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshaling settings: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing settings file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing settings file: %w", err)
	}

	log.WithField("path", path).Debug("settings saved")
	return nil
}

// ApplyEnv overrides settings from the environment.
func (s *Settings) ApplyEnv() error {
	if v, ok := os.LookupEnv(EnvConfigDir); ok && v != "" {
		s.WireGuard.ConfigDir = v
	}
	if v, ok := os.LookupEnv(EnvDataDir); ok && v != "" {
		s.Peers.DataDir = v
	}
	if v, ok := os.LookupEnv(EnvPort); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return validation.NewResult(EnvPort, "must be a number", validation.ErrInvalidFormat)
		}
		s.Server.Port = port
	}
	return nil
}

// normalize fills values the file may leave empty.
func (s *Settings) normalize() {
	if len(s.Frontend.DNS) == 0 {
		s.Frontend.DNS = []string{DefaultDNS}
	}
	if s.Frontend.RuntimeRotationMinutes == 0 {
		s.Frontend.RuntimeRotationMinutes = DefaultRotationMinutes
	}
	if s.WireGuard.Engine == "" {
		s.WireGuard.Engine = DefaultEngine
	}
	if s.WireGuard.CommandTimeout == 0 {
		s.WireGuard.CommandTimeout = Duration(DefaultCommandTimeout)
	}
	for i, d := range s.Frontend.DNS {
		s.Frontend.DNS[i] = strings.TrimSpace(d)
	}
}

// Validate checks the settings for errors. Missing secrets are reported by
// RequireSecrets instead so that a fresh install can still start.
func (s *Settings) Validate() error {
	var errs validation.Errors
	errs.Add(validation.Port("server.port", s.Server.Port))
	if s.Server.Listen != "" {
		errs.Add(validation.Host("server.listen", s.Server.Listen))
	}
	errs.Add(validation.Required("server.public_dir", s.Server.PublicDir))
	for _, origin := range s.Server.AllowedOrigins {
		errs.Add(validation.Origin("server.allowed_origins", origin))
	}
	errs.Add(validation.DNSServers("frontend.dns", s.Frontend.DNS))
	errs.Add(validation.RotationMinutes("frontend.runtime_rotation_minutes", s.Frontend.RuntimeRotationMinutes))
	if s.Frontend.DefaultInterface != "" {
		errs.Add(validation.InterfaceName("frontend.default_interface", s.Frontend.DefaultInterface))
	}
	if s.Frontend.Endpoint != "" {
		errs.Add(validation.Host("frontend.endpoint", s.Frontend.Endpoint))
	}
	if s.WireGuard.Engine != EngineCommand && s.WireGuard.Engine != EngineNative {
		errs.Add(validation.NewResult("wireguard.engine", "must be \"command\" or \"native\"", validation.ErrInvalidFormat))
	}
	errs.Add(validation.DurationRange("wireguard.command_timeout", time.Duration(s.WireGuard.CommandTimeout),
		validation.MinCommandTimeout, validation.MaxCommandTimeout))
	errs.Add(validation.Required("peers.data_dir", s.Peers.DataDir))
	if s.Peers.InactiveRetention != 0 {
		errs.Add(validation.DurationRange("peers.inactive_retention", time.Duration(s.Peers.InactiveRetention),
			validation.MinRetention, validation.MaxRetention))
	}
	if errs.HasErrors() {
		return errs
	}
	return nil
}

// RequireSecrets reports ErrMissingConfiguration when the frontend passkey
// or the peer secret passphrase is absent.
func (s *Settings) RequireSecrets() error {
	if strings.TrimSpace(s.Frontend.Passkey) == "" {
		return fmt.Errorf("frontend.passkey: %w", apperrors.ErrMissingConfiguration)
	}
	if strings.TrimSpace(s.Secrets.ClientEncryptionPass) == "" {
		return fmt.Errorf("secrets.client_encryption_pass: %w", apperrors.ErrMissingConfiguration)
	}
	return nil
}

// GenerateSecrets fills an empty passkey and passphrase with random values.
// It reports whether anything changed.
func (s *Settings) GenerateSecrets() (bool, error) {
	changed := false
	for _, field := range []*string{&s.Frontend.Passkey, &s.Secrets.ClientEncryptionPass} {
		if *field != "" {
			continue
		}
		b := make([]byte, 24)
		if _, err := rand.Read(b); err != nil {
			return false, fmt.Errorf("generating secret: %w", err)
		}
		*field = hex.EncodeToString(b)
		changed = true
	}
	return changed, nil
}

// Clone returns a deep copy of s.
func (s *Settings) Clone() *Settings {
	c := *s
	c.Server.AllowedOrigins = append([]string(nil), s.Server.AllowedOrigins...)
	c.Frontend.DNS = append([]string(nil), s.Frontend.DNS...)
	return &c
}

// Address returns the host:port the web server listens on.
func (s *Settings) Address() string {
	return net.JoinHostPort(s.Server.Listen, strconv.Itoa(s.Server.Port))
}

// DefinitionsDir returns the interface definitions directory. An explicit
// config_dir (or WG_CONFIG_DIR) wins; otherwise ./etc/wireguard is used when
// it exists, then /etc/wireguard.
func (s *Settings) DefinitionsDir() string {
	if s.WireGuard.ConfigDir != "" {
		return s.WireGuard.ConfigDir
	}
	for _, dir := range definitionDirCandidates {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return dir
		}
	}
	return definitionDirCandidates[len(definitionDirCandidates)-1]
}

// DataPath returns a path within the data directory.
func (s *Settings) DataPath(elem ...string) string {
	parts := append([]string{s.Peers.DataDir}, elem...)
	return filepath.Join(parts...)
}

// EnsureDataDir creates the data directory if it doesn't exist.
func (s *Settings) EnsureDataDir() error {
	return os.MkdirAll(s.Peers.DataDir, 0o700)
}

// RuntimeArtifactPath is where the verification guard publishes its token.
func (s *Settings) RuntimeArtifactPath() string {
	return filepath.Join(s.Server.PublicDir, "assets", "runtime.js")
}

// RotationInterval returns the token rotation interval as a duration.
func (s *Settings) RotationInterval() time.Duration {
	return time.Duration(s.Frontend.RuntimeRotationMinutes) * time.Minute
}
