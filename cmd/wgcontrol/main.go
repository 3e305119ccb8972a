// wgcontrol is the control plane for a host's WireGuard interfaces.
//
// It reconciles the interface definitions under the definitions directory
// with its peer store, allocates addresses for new peers and serves the web
// front end behind a rotating verification token.
//
// Usage:
//
//	wgcontrol [flags] serve        Start the control plane
//	wgcontrol init                 Create public/ and an example settings file
//	wgcontrol [flags] init-config  Write a settings file with generated secrets
//	wgcontrol version              Print version and exit
//	wgcontrol help                 Show this help
//
// Flags:
//
//	-config string
//	    Path to the settings file (default "wgcontrol.toml")
//	-listen string
//	    Listen address (overrides settings)
//	-v
//	    Enable verbose logging
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/wgcontrol/wgcontrol/lib/config"
	"github.com/wgcontrol/wgcontrol/lib/core"
	"github.com/wgcontrol/wgcontrol/lib/validation"
	"github.com/wgcontrol/wgcontrol/version"
)

// envConfigPath overrides the default settings path.
const envConfigPath = "WGCONTROL_CONFIG"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	defaultConfigPath := config.DefaultSettingsFile
	if v := os.Getenv(envConfigPath); v != "" {
		defaultConfigPath = v
	}

	fs := flag.NewFlagSet("wgcontrol", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", defaultConfigPath, "Path to the settings file")
	listen := fs.String("listen", "", "Listen address (overrides settings)")
	verbose := fs.Bool("v", false, "Enable verbose logging")
	fs.Usage = func() { printUsage(stderr, fs) }

	if err := fs.Parse(args); err != nil {
		return 2
	}

	command := "serve"
	if fs.NArg() > 0 {
		command = fs.Arg(0)
	}
	if *listen != "" {
		if err := validation.HostPort("listen", *listen); err != nil {
			fmt.Fprintf(stderr, "Invalid -listen: %v\n", err)
			return 2
		}
	}

	switch command {
	case "serve":
		return serve(*configPath, *listen, *verbose, stderr)
	case "init":
		return initProject(".", stdout, stderr)
	case "init-config":
		return initConfig(*configPath, stdout, stderr)
	case "version":
		fmt.Fprintf(stdout, "wgcontrol version %s\n", version.Full())
		return 0
	case "help":
		printUsage(stdout, fs)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n\n", command)
		printUsage(stderr, fs)
		return 2
	}
}

func printUsage(w io.Writer, fs *flag.FlagSet) {
	fmt.Fprintf(w, "wgcontrol - WireGuard control plane\n\n")
	fmt.Fprintf(w, "Usage:\n")
	fmt.Fprintf(w, "  wgcontrol [flags] serve        Start the control plane (default)\n")
	fmt.Fprintf(w, "  wgcontrol init                 Create public/ and an example settings file here\n")
	fmt.Fprintf(w, "  wgcontrol [flags] init-config  Write a settings file with generated secrets\n")
	fmt.Fprintf(w, "  wgcontrol version              Print version and exit\n")
	fmt.Fprintf(w, "  wgcontrol help                 Show this help\n\n")
	fmt.Fprintf(w, "Flags:\n")
	fs.SetOutput(w)
	fs.PrintDefaults()
}

// newLogger logs to stderr and, when logFile is set, to a rotated file.
func newLogger(stderr io.Writer, logFile string, verbose bool) (*slog.Logger, func() error, error) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	out := stderr
	closer := func() error { return nil }
	if logFile != "" {
		if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err != nil {
			return nil, nil, fmt.Errorf("creating log directory: %w", err)
		}
		rotated := &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    10, // megabytes
			MaxBackups: 5,
			MaxAge:     30, // days
			Compress:   true,
		}
		out = io.MultiWriter(stderr, rotated)
		closer = rotated.Close
	}

	return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})), closer, nil
}

// initConfig writes the settings file, generating the frontend passkey and
// the peer secret passphrase when they are empty. Existing values are kept.
func initConfig(path string, stdout, stderr io.Writer) int {
	settings, err := config.LoadSettings(path)
	if err != nil {
		fmt.Fprintf(stderr, "Error loading settings: %v\n", err)
		return 1
	}

	_, statErr := os.Stat(path)
	changed, err := settings.GenerateSecrets()
	if err != nil {
		fmt.Fprintf(stderr, "Error generating secrets: %v\n", err)
		return 1
	}
	if !changed && statErr == nil {
		fmt.Fprintf(stdout, "Settings %s already complete, nothing changed\n", path)
		return 0
	}

	if err := config.SaveSettings(settings, path); err != nil {
		fmt.Fprintf(stderr, "Error saving settings: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "Wrote settings to %s\n", path)
	fmt.Fprintf(stdout, "Definitions directory: %s\n", settings.DefinitionsDir())
	return 0
}

func serve(configPath, listen string, verbose bool, stderr io.Writer) int {
	settings, err := config.LoadSettings(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error loading settings: %v\n", err)
		return 1
	}

	logger, closeLog, err := newLogger(stderr, settings.Server.LogFile, verbose)
	if err != nil {
		fmt.Fprintf(stderr, "Error opening log file: %v\n", err)
		return 1
	}
	defer closeLog()

	node, err := core.NewNode(core.Options{
		SettingsPath: configPath,
		ListenAddr:   listen,
		Version:      version.Full(),
	}, logger)
	if err != nil {
		logger.Error("failed to create control plane", "error", err)
		return 1
	}
	defer node.Close()

	// Create a context that is cancelled on SIGINT/SIGTERM
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	if err := node.Start(ctx); err != nil {
		logger.Error("failed to start control plane", "error", err)
		if settings.RequireSecrets() != nil {
			logger.Error("run \"wgcontrol init-config\" to generate the missing secrets", "config", configPath)
		}
		return 1
	}

	logger.Info("wgcontrol started", "addr", node.Addr(), "version", version.Full())

	select {
	case sig := <-sigChan:
		logger.Info("received signal, shutting down", "signal", sig)
	case <-node.Done():
		logger.Info("control plane stopped unexpectedly")
		return 1
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := node.Stop(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		return 1
	}

	logger.Info("wgcontrol stopped")
	return 0
}
