package state

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"slices"
)

// KnownInterfaces is the interfaces.json registry of every interface name a
// reconciliation pass has ever parsed. An empty registry together with a
// stopped engine marks the configuration as invalid.
type KnownInterfaces struct {
	path  string
	names []string
}

// LoadKnownInterfaces reads the registry. Both a JSON array of names and a
// JSON object keyed by name are accepted; a missing file is empty.
func LoadKnownInterfaces(path string) (*KnownInterfaces, error) {
	k := &KnownInterfaces{path: path}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return k, nil
		}
		return nil, fmt.Errorf("reading interface registry: %w", err)
	}

	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0:
	case data[0] == '{':
		var m map[string]json.RawMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("parsing interface registry: %w", err)
		}
		for name := range m {
			k.names = append(k.names, name)
		}
	default:
		if err := json.Unmarshal(data, &k.names); err != nil {
			return nil, fmt.Errorf("parsing interface registry: %w", err)
		}
	}
	slices.Sort(k.names)
	k.names = slices.Compact(k.names)
	return k, nil
}

// Names returns the known names in sorted order.
func (k *KnownInterfaces) Names() []string {
	return slices.Clone(k.names)
}

// Len returns the number of known interfaces.
func (k *KnownInterfaces) Len() int {
	return len(k.names)
}

// Add records names and reports whether the registry changed.
func (k *KnownInterfaces) Add(names ...string) bool {
	changed := false
	for _, name := range names {
		if i, found := slices.BinarySearch(k.names, name); !found {
			k.names = slices.Insert(k.names, i, name)
			changed = true
		}
	}
	return changed
}

// Save writes the registry as a JSON array via a temporary file and rename.
func (k *KnownInterfaces) Save() error {
	names := k.names
	if names == nil {
		names = []string{}
	}
	data, err := json.MarshalIndent(names, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling interface registry: %w", err)
	}
	return writeFileAtomic(k.path, data)
}

// writeFileAtomic writes data through a temporary file and rename.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming %s: %w", path, err)
	}
	return nil
}
