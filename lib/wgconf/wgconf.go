// Package wgconf reads and writes WireGuard interface definition files.
//
// Parsing happens in two passes. Tokenize turns text into sections of ordered
// key/value pairs and skips anything it cannot read (comments, blank lines,
// lines without '=', content before the first header). Parse then folds those
// sections into a Definition: one merged [Interface] block and an ordered list
// of [Peer] blocks.
package wgconf

import (
	"bufio"
	"fmt"
	"strings"
)

// Section names.
const (
	SectionInterface = "Interface"
	SectionPeer      = "Peer"
)

// Well-known keys.
const (
	KeyPrivateKey          = "PrivateKey"
	KeyPublicKey           = "PublicKey"
	KeyPresharedKey        = "PresharedKey"
	KeyAddress             = "Address"
	KeyListenPort          = "ListenPort"
	KeyDNS                 = "DNS"
	KeyAllowedIPs          = "AllowedIPs"
	KeyEndpoint            = "Endpoint"
	KeyPersistentKeepalive = "PersistentKeepalive"
)

// KeyValue is a single "Key = Value" line.
type KeyValue struct {
	Key   string
	Value string
}

// Block is an ordered set of keys. Keys compare case-insensitively.
type Block []KeyValue

// Get returns the value for key.
func (b Block) Get(key string) (string, bool) {
	for _, kv := range b {
		if strings.EqualFold(kv.Key, key) {
			return kv.Value, true
		}
	}
	return "", false
}

// Value returns the value for key or "".
func (b Block) Value(key string) string {
	v, _ := b.Get(key)
	return v
}

// Set overwrites key in place, or appends it if absent.
func (b Block) Set(key, value string) Block {
	for i, kv := range b {
		if strings.EqualFold(kv.Key, key) {
			b[i].Value = value
			return b
		}
	}
	return append(b, KeyValue{Key: key, Value: value})
}

// Map returns a copy of the block as a map keyed by the original key spelling.
func (b Block) Map() map[string]string {
	m := make(map[string]string, len(b))
	for _, kv := range b {
		m[kv.Key] = kv.Value
	}
	return m
}

// Section is one bracket-delimited section as written in the file.
type Section struct {
	Name  string
	Pairs Block
}

// Is reports whether the section has the given name, ignoring case.
func (s Section) Is(name string) bool {
	return strings.EqualFold(s.Name, name)
}

// Definition is a parsed interface definition file.
type Definition struct {
	Interface Block
	Peers     []Block
}

// PublicKeys returns the public keys of all peers in file order.
func (d *Definition) PublicKeys() []string {
	keys := make([]string, 0, len(d.Peers))
	for _, p := range d.Peers {
		keys = append(keys, p.Value(KeyPublicKey))
	}
	return keys
}

// Peer returns the peer block with the given public key.
func (d *Definition) Peer(publicKey string) (Block, bool) {
	for _, p := range d.Peers {
		if p.Value(KeyPublicKey) == publicKey {
			return p, true
		}
	}
	return nil, false
}

// Tokenize splits text into sections. Within a section, a repeated key
// overwrites the earlier value in place.
func Tokenize(text string) []Section {
	var (
		sections []Section
		current  *Section
	)

	scanner := bufio.NewScanner(strings.NewReader(normalizeLineBreaks(text)))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if name, ok := sectionHeader(line); ok {
			sections = append(sections, Section{Name: name})
			current = &sections[len(sections)-1]
			continue
		}

		if current == nil {
			continue
		}

		key, value, ok := parseLine(line)
		if !ok {
			continue
		}
		current.Pairs = current.Pairs.Set(key, value)
	}

	return sections
}

// Parse builds a Definition from text. All [Interface] sections are merged,
// each [Peer] section becomes its own block, and peers without a PublicKey
// are dropped. Other sections are ignored.
func Parse(text string) *Definition {
	def := &Definition{}
	for _, s := range Tokenize(text) {
		switch {
		case s.Is(SectionInterface):
			for _, kv := range s.Pairs {
				def.Interface = def.Interface.Set(kv.Key, kv.Value)
			}
		case s.Is(SectionPeer):
			if s.Pairs.Value(KeyPublicKey) == "" {
				log.WithField("section", s.Name).Debug("skipping peer without public key")
				continue
			}
			def.Peers = append(def.Peers, s.Pairs)
		}
	}
	return def
}

// RenderSection formats one section as "[Name]\nKey = Value\n...\n\n".
func RenderSection(name string, pairs Block) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s]\n", name)
	for _, kv := range pairs {
		fmt.Fprintf(&b, "%s = %s\n", kv.Key, kv.Value)
	}
	b.WriteString("\n")
	return b.String()
}

// Render formats a whole definition: the interface section followed by every peer.
func Render(def *Definition) string {
	var b strings.Builder
	if len(def.Interface) > 0 {
		b.WriteString(RenderSection(SectionInterface, def.Interface))
	}
	for _, p := range def.Peers {
		b.WriteString(RenderSection(SectionPeer, p))
	}
	return b.String()
}

// RemovePeer drops the [Peer] block whose PublicKey equals publicKey. Every
// other byte of text is preserved. It reports whether a block was removed.
func RemovePeer(text, publicKey string) (string, bool) {
	chunks := splitAtHeaders(text)
	var b strings.Builder
	b.Grow(len(text))
	removed := false
	for _, chunk := range chunks {
		if !removed && isPeerChunk(chunk) && chunkPublicKey(chunk) == publicKey {
			removed = true
			continue
		}
		b.WriteString(chunk)
	}
	if !removed {
		return text, false
	}
	return b.String(), true
}

// splitAtHeaders cuts text immediately before every line that opens a section.
// Concatenating the result yields text unchanged.
func splitAtHeaders(text string) []string {
	var chunks []string
	start := 0
	lineStart := 0
	for lineStart < len(text) {
		end := strings.IndexByte(text[lineStart:], '\n')
		next := len(text)
		if end >= 0 {
			next = lineStart + end + 1
		}
		if lineStart > start {
			if _, ok := sectionHeader(strings.TrimSpace(text[lineStart:next])); ok {
				chunks = append(chunks, text[start:lineStart])
				start = lineStart
			}
		}
		lineStart = next
	}
	return append(chunks, text[start:])
}

func isPeerChunk(chunk string) bool {
	line, _, _ := strings.Cut(chunk, "\n")
	name, ok := sectionHeader(strings.TrimSpace(line))
	return ok && strings.EqualFold(name, SectionPeer)
}

func chunkPublicKey(chunk string) string {
	sections := Tokenize(chunk)
	if len(sections) == 0 {
		return ""
	}
	return sections[0].Pairs.Value(KeyPublicKey)
}

func sectionHeader(line string) (string, bool) {
	if len(line) < 3 || line[0] != '[' || line[len(line)-1] != ']' {
		return "", false
	}
	name := strings.TrimSpace(line[1 : len(line)-1])
	if name == "" {
		return "", false
	}
	return name, true
}

func parseLine(line string) (key, value string, ok bool) {
	if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
		return "", "", false
	}
	key, value, found := strings.Cut(line, "=")
	if !found {
		return "", "", false
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return "", "", false
	}
	return key, strings.TrimSpace(value), true
}

func normalizeLineBreaks(s string) string {
	return strings.ReplaceAll(s, "\r\n", "\n")
}
