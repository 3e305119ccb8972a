package tunnel

import (
	"strings"
)

// Section keys added by ParseStatus.
const (
	StatusKeyName      = "name"
	StatusKeyPublicKey = "public key"
	StatusKeyInterface = "interface"
)

// ParsedStatus is the structured form of "wg" output.
type ParsedStatus struct {
	Interfaces []map[string]string `json:"interfaces"`
	Peers      []map[string]string `json:"peers"`
}

// ParseStatus splits "wg" output into interface and peer sections. A line
// "interface: X" or "peer: X" opens a section named X; following "key: value"
// lines fill it. Each peer records the interface it was listed under.
func ParseStatus(raw string) ParsedStatus {
	status := ParsedStatus{
		Interfaces: []map[string]string{},
		Peers:      []map[string]string{},
	}

	var (
		current      map[string]string
		currentIface string
	)
	for _, line := range strings.Split(strings.ReplaceAll(raw, "\r\n", "\n"), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)

		switch key {
		case "interface":
			currentIface = value
			current = map[string]string{StatusKeyName: value}
			status.Interfaces = append(status.Interfaces, current)
		case "peer":
			current = map[string]string{
				StatusKeyPublicKey: value,
				StatusKeyInterface: currentIface,
			}
			status.Peers = append(status.Peers, current)
		default:
			if current != nil {
				current[key] = value
			}
		}
	}
	return status
}
