package tunnel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	apperrors "github.com/wgcontrol/wgcontrol/lib/errors"
	"github.com/wgcontrol/wgcontrol/lib/metrics"
	"github.com/wgcontrol/wgcontrol/lib/resilience"
)

// DefaultCommandTimeout bounds every engine command when none is configured.
const DefaultCommandTimeout = 10 * time.Second

// maxStderr caps the diagnostic output kept on a CommandError.
const maxStderr = 1024

// CommandError reports an engine command that exited non-zero, timed out or
// was rejected by the circuit breaker.
type CommandError struct {
	Command  string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Command, e.Err)
	if e.ExitCode != 0 {
		msg = fmt.Sprintf("%s: exit status %d", e.Command, e.ExitCode)
	}
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

// Unwrap exposes ErrExternalCommand and the underlying cause.
func (e *CommandError) Unwrap() []error {
	return []error{apperrors.ErrExternalCommand, e.Err}
}

// Runner executes one command. stdin may be empty.
type Runner interface {
	Run(ctx context.Context, stdin string, name string, args ...string) (string, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run executes name with args, feeding stdin, and returns trimmed stdout.
// Failures are reported as *CommandError.
func (ExecRunner) Run(ctx context.Context, stdin string, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}

	err := cmd.Run()
	out := strings.TrimSpace(stdout.String())
	if err == nil {
		return out, nil
	}

	cmdErr := &CommandError{
		Command: strings.Join(append([]string{name}, args...), " "),
		Stderr:  truncate(strings.TrimSpace(stderr.String()), maxStderr),
		Err:     err,
	}
	if ctx.Err() != nil {
		cmdErr.Err = fmt.Errorf("%w: %w", apperrors.ErrTimeout, ctx.Err())
		return out, cmdErr
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		cmdErr.ExitCode = exitErr.ExitCode()
	}
	return out, cmdErr
}

// CommandConfig configures a CommandEngine.
type CommandConfig struct {
	// Timeout bounds each command. Zero means DefaultCommandTimeout.
	Timeout time.Duration
	// Runner executes commands. Nil means ExecRunner.
	Runner Runner
	// Binary names, defaulting to wg, wg-quick and ip.
	WG      string
	WGQuick string
	IP      string
	// CircuitBreaker guards all commands.
	CircuitBreaker resilience.CircuitBreakerConfig
}

// CommandEngine drives the engine through its command line tools.
type CommandEngine struct {
	cfg     CommandConfig
	breaker *resilience.CircuitBreaker
}

// NewCommandEngine creates a CommandEngine, filling in defaults.
func NewCommandEngine(cfg CommandConfig) *CommandEngine {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultCommandTimeout
	}
	if cfg.Runner == nil {
		cfg.Runner = ExecRunner{}
	}
	if cfg.WG == "" {
		cfg.WG = "wg"
	}
	if cfg.WGQuick == "" {
		cfg.WGQuick = "wg-quick"
	}
	if cfg.IP == "" {
		cfg.IP = "ip"
	}
	return &CommandEngine{
		cfg:     cfg,
		breaker: resilience.NewCircuitBreaker("tunnel-engine", cfg.CircuitBreaker),
	}
}

// run executes one command under the timeout and the circuit breaker.
func (e *CommandEngine) run(ctx context.Context, stdin, name string, args ...string) (string, error) {
	var out string
	start := time.Now()
	err := e.breaker.ExecuteWithContext(ctx, func(ctx context.Context) error {
		cmdCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
		var err error
		out, err = e.cfg.Runner.Run(cmdCtx, stdin, name, args...)
		return err
	})
	metrics.CommandDuration.ObserveSince(start)

	if err == nil {
		return out, nil
	}
	metrics.CommandFailures.Inc(name)

	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		cmdErr = &CommandError{Command: name, Err: err}
	}
	log.WithField("command", cmdErr.Command).
		WithField("exitCode", cmdErr.ExitCode).
		WithError(err).
		Warn("engine command failed")
	return "", cmdErr
}

// DerivePublicKey pipes the private key through "wg pubkey".
func (e *CommandEngine) DerivePublicKey(ctx context.Context, privateKey string) (string, error) {
	return e.run(ctx, strings.TrimSpace(privateKey)+"\n", e.cfg.WG, "pubkey")
}

// GenerateKeyPair runs "wg genkey" twice and derives the public key.
func (e *CommandEngine) GenerateKeyPair(ctx context.Context) (KeyPair, error) {
	private, err := e.run(ctx, "", e.cfg.WG, "genkey")
	if err != nil {
		return KeyPair{}, err
	}
	preshared, err := e.run(ctx, "", e.cfg.WG, "genkey")
	if err != nil {
		return KeyPair{}, err
	}
	public, err := e.DerivePublicKey(ctx, private)
	if err != nil {
		return KeyPair{}, err
	}
	return KeyPair{PrivateKey: private, PresharedKey: preshared, PublicKey: public}, nil
}

// Status returns the output of "wg". Empty output means no interface is up.
func (e *CommandEngine) Status(ctx context.Context) (string, error) {
	return e.run(ctx, "", e.cfg.WG)
}

// Up runs "wg-quick up".
func (e *CommandEngine) Up(ctx context.Context, iface string) error {
	_, err := e.run(ctx, "", e.cfg.WGQuick, "up", iface)
	return err
}

// Down runs "wg-quick down".
func (e *CommandEngine) Down(ctx context.Context, iface string) error {
	_, err := e.run(ctx, "", e.cfg.WGQuick, "down", iface)
	return err
}

// ExternalAddress finds the device of the default route and returns its
// first IPv4 address.
func (e *CommandEngine) ExternalAddress(ctx context.Context) (string, error) {
	routes, err := e.run(ctx, "", e.cfg.IP, "-4", "route", "show", "default")
	if err != nil {
		return "", err
	}
	dev := fieldAfter(routes, "dev")
	if dev == "" {
		return "", fmt.Errorf("no default route device in %q", routes)
	}

	addrs, err := e.run(ctx, "", e.cfg.IP, "-4", "-o", "addr", "show", "dev", dev)
	if err != nil {
		return "", err
	}
	inet := fieldAfter(addrs, "inet")
	if inet == "" {
		return "", fmt.Errorf("no IPv4 address on %s", dev)
	}
	host, _, _ := strings.Cut(inet, "/")
	return host, nil
}

// fieldAfter returns the whitespace separated field following the first
// occurrence of key in text.
func fieldAfter(text, key string) string {
	fields := strings.Fields(text)
	for i := 0; i < len(fields)-1; i++ {
		if fields[i] == key {
			return fields[i+1]
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
