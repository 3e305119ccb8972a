package main

import (
	"embed"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/wgcontrol/wgcontrol/lib/config"
)

// ExampleSettingsFile is written by init next to the front end.
const ExampleSettingsFile = "wgcontrol.example.toml"

//go:embed skel
var skel embed.FS

// initProject scaffolds the static front end and an example settings file
// in dir. Existing files are never overwritten.
func initProject(dir string, stdout, stderr io.Writer) int {
	fmt.Fprintf(stdout, "Initializing wgcontrol in %s\n", dir)

	publicDir := filepath.Join(dir, config.DefaultPublicDir)
	if _, err := os.Stat(publicDir); err == nil {
		fmt.Fprintf(stdout, "Directory %q already exists, skipping\n", config.DefaultPublicDir)
	} else if err := copySkel("skel/public", publicDir); err != nil {
		fmt.Fprintf(stderr, "Error writing front end: %v\n", err)
		return 1
	} else {
		fmt.Fprintf(stdout, "Created %s/\n", config.DefaultPublicDir)
	}

	examplePath := filepath.Join(dir, ExampleSettingsFile)
	if _, err := os.Stat(examplePath); err == nil {
		fmt.Fprintf(stdout, "%s already exists, skipping\n", ExampleSettingsFile)
	} else if err := config.SaveSettings(config.DefaultSettings(), examplePath); err != nil {
		fmt.Fprintf(stderr, "Error writing example settings: %v\n", err)
		return 1
	} else {
		fmt.Fprintf(stdout, "Created %s\n", ExampleSettingsFile)
	}

	fmt.Fprintf(stdout, "\nNext steps:\n")
	fmt.Fprintf(stdout, "  1. Copy %s to %s and edit it\n", ExampleSettingsFile, config.DefaultSettingsFile)
	fmt.Fprintf(stdout, "  2. Run: wgcontrol init-config\n")
	fmt.Fprintf(stdout, "  3. Run: wgcontrol serve\n")
	return 0
}

// copySkel copies an embedded directory tree to dest.
func copySkel(root, dest string) error {
	return fs.WalkDir(skel, root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		data, err := skel.ReadFile(path)
		if err != nil {
			return err
		}
		if err := os.WriteFile(target, data, 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", target, err)
		}
		return nil
	})
}
