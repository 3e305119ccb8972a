package wgconf

import (
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	apperrors "github.com/wgcontrol/wgcontrol/lib/errors"
	"github.com/wgcontrol/wgcontrol/lib/ipam"
	"github.com/wgcontrol/wgcontrol/lib/validation"
)

// Extension is the file extension of interface definition files.
const Extension = ".conf"

// ParseError reports a definition file that could not be read or used.
type ParseError struct {
	File string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parsing %s: %v", e.File, e.Err)
}

// Unwrap returns both the cause and ErrParse so callers can match either.
func (e *ParseError) Unwrap() []error {
	return []error{apperrors.ErrParse, e.Err}
}

// InterfaceDefinition is the typed [Interface] section of a definition file.
type InterfaceDefinition struct {
	Name       string
	Address    string
	Prefix     int
	ListenPort int
	PrivateKey string
	DNS        []string
}

// Path returns the definition file path for an interface name. Surrounding
// whitespace and a trailing ".conf" are stripped from name.
func Path(dir, name string) string {
	return filepath.Join(dir, SanitizeName(name)+Extension)
}

// SanitizeName trims name and strips a trailing ".conf".
func SanitizeName(name string) string {
	name = strings.TrimSpace(name)
	if strings.HasSuffix(strings.ToLower(name), Extension) {
		name = name[:len(name)-len(Extension)]
	}
	return name
}

// ParseFile reads and parses the definition file at path. It fails with a
// ParseError when path is not an existing regular file or cannot be read.
func ParseFile(path string) (*Definition, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, &ParseError{File: path, Err: err}
	}
	if !info.Mode().IsRegular() {
		return nil, &ParseError{File: path, Err: fmt.Errorf("not a regular file")}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ParseError{File: path, Err: err}
	}

	log.WithField("path", path).Debug("parsed interface definition")
	return Parse(string(data)), nil
}

// Typed returns the typed interface section. The first IPv4 entry of the
// Address list is used; a missing prefix defaults to /24.
func (d *Definition) Typed(name string) (InterfaceDefinition, error) {
	iface := InterfaceDefinition{Name: name, Prefix: ipam.DefaultPrefix}

	iface.PrivateKey = d.Interface.Value(KeyPrivateKey)
	if iface.PrivateKey == "" {
		return iface, &ParseError{File: name, Err: fmt.Errorf("missing %s", KeyPrivateKey)}
	}

	host, prefix, err := firstIPv4(d.Interface.Value(KeyAddress))
	if err != nil {
		return iface, &ParseError{File: name, Err: err}
	}
	iface.Address = host
	if prefix >= 0 {
		iface.Prefix = prefix
	}

	if raw := d.Interface.Value(KeyListenPort); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil || port < 0 || port > 65535 {
			return iface, &ParseError{File: name, Err: fmt.Errorf("invalid %s %q", KeyListenPort, raw)}
		}
		iface.ListenPort = port
	}

	iface.DNS = SplitList(d.Interface.Value(KeyDNS))
	return iface, nil
}

// SplitList splits a comma separated value, trimming entries and dropping empty ones.
func SplitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// firstIPv4 returns the host and prefix of the first IPv4 entry in a comma
// separated address list. prefix is -1 when the entry has none.
func firstIPv4(list string) (string, int, error) {
	entries := SplitList(list)
	if len(entries) == 0 {
		return "", 0, fmt.Errorf("missing %s", KeyAddress)
	}
	for _, entry := range entries {
		host := ipam.Host(entry)
		if !ipam.IsIPv4(host) {
			continue
		}
		if !strings.Contains(entry, "/") {
			return host, -1, nil
		}
		if err := validation.CIDR(KeyAddress, entry); err != nil {
			return "", 0, err
		}
		return host, netip.MustParsePrefix(entry).Bits(), nil
	}
	return "", 0, fmt.Errorf("no IPv4 entry in %s %q", KeyAddress, list)
}

// List returns the sorted interface names of every definition file in dir.
func List(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading definitions directory: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), Extension) {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), Extension))
	}
	slices.Sort(names)
	return names, nil
}

// AppendPeer appends block to the definition file at path, surrounded by newlines.
func AppendPeer(path, block string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("opening definition file: %w", err)
	}
	if _, err := f.WriteString("\n" + block + "\n"); err != nil {
		f.Close()
		return fmt.Errorf("appending peer: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing definition file: %w", err)
	}
	log.WithField("path", path).Debug("appended peer block")
	return nil
}

// RemovePeerFromFile removes the peer block with publicKey from the file at
// path. The file is left untouched when no block matches.
func RemovePeerFromFile(path, publicKey string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, &ParseError{File: path, Err: err}
	}
	updated, removed := RemovePeer(string(data), publicKey)
	if !removed {
		return false, nil
	}
	if err := writeFileAtomic(path, []byte(updated)); err != nil {
		return false, err
	}
	log.WithField("path", path).Debug("removed peer block")
	return true, nil
}

// writeFileAtomic replaces path keeping its permissions.
func writeFileAtomic(path string, data []byte) error {
	mode := os.FileMode(0600)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, mode); err != nil {
		return fmt.Errorf("writing definition file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming definition file: %w", err)
	}
	return nil
}
