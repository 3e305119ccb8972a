package state

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestPeerStore_SaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "peers.json")
	store := NewPeerStore(path)

	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.Put("KEY-B", PeerRecord{Name: "laptop", Active: true, IP: "10.8.0.3/32", Iface: "wg0", CreatedAt: created, UpdatedAt: created})
	store.Put("KEY-A", PeerRecord{Name: "phone", IP: "10.8.0.2/32"})

	if err := store.Save(); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temporary file should be renamed away")
	}

	loaded, err := LoadPeerStore(path)
	if err != nil {
		t.Fatalf("LoadPeerStore() error = %v", err)
	}
	if keys := loaded.Keys(); strings.Join(keys, ",") != "KEY-A,KEY-B" {
		t.Errorf("Keys() = %v", keys)
	}
	rec, ok := loaded.Get("KEY-B")
	if !ok || rec.Name != "laptop" || !rec.Active || !rec.CreatedAt.Equal(created) {
		t.Errorf("Get(KEY-B) = %+v, %v", rec, ok)
	}

	data, _ := os.ReadFile(path)
	if strings.Contains(string(data), "0001-01-01") {
		t.Error("zero timestamps should be omitted")
	}

	if !loaded.Delete("KEY-A") || loaded.Delete("KEY-A") {
		t.Error("Delete() should report whether the record existed")
	}
	if loaded.Len() != 1 {
		t.Errorf("Len() = %d", loaded.Len())
	}
}

func TestPeerStore_MissingAndEmpty(t *testing.T) {
	dir := t.TempDir()

	store, err := LoadPeerStore(filepath.Join(dir, "missing.json"))
	if err != nil || store.Len() != 0 {
		t.Errorf("missing file = %v, %v", store, err)
	}

	path := filepath.Join(dir, "null.json")
	if err := os.WriteFile(path, []byte("null"), 0o600); err != nil {
		t.Fatal(err)
	}
	store, err = LoadPeerStore(path)
	if err != nil {
		t.Fatal(err)
	}
	store.Put("k", PeerRecord{})
	if store.Len() != 1 {
		t.Error("store loaded from null should be usable")
	}

	if err := os.WriteFile(path, []byte("{broken"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadPeerStore(path); err == nil {
		t.Error("corrupt store should fail to load")
	}
}

func TestPeerStore_RecordsIsCopy(t *testing.T) {
	store := NewPeerStore(filepath.Join(t.TempDir(), "peers.json"))
	store.Put("k", PeerRecord{Name: "a"})
	records := store.Records()
	records["k"] = PeerRecord{Name: "b"}
	if rec, _ := store.Get("k"); rec.Name != "a" {
		t.Error("Records() must return a copy")
	}
}

func TestKnownInterfaces(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"array", `["wg1","wg0","wg1"]`, "wg0,wg1"},
		{"legacy object", `{"wg2": {}, "wg0": true}`, "wg0,wg2"},
		{"empty file", ``, ""},
		{"empty object", `{}`, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name+".json")
			if err := os.WriteFile(path, []byte(tt.content), 0o600); err != nil {
				t.Fatal(err)
			}
			k, err := LoadKnownInterfaces(path)
			if err != nil {
				t.Fatalf("LoadKnownInterfaces() error = %v", err)
			}
			if got := strings.Join(k.Names(), ","); got != tt.want {
				t.Errorf("Names() = %q, want %q", got, tt.want)
			}
		})
	}

	path := filepath.Join(dir, "interfaces.json")
	k, err := LoadKnownInterfaces(path)
	if err != nil {
		t.Fatal(err)
	}
	if !k.Add("wg1", "wg0") || k.Add("wg0") {
		t.Error("Add() should report changes only")
	}
	if err := k.Save(); err != nil {
		t.Fatal(err)
	}
	reloaded, err := LoadKnownInterfaces(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.Join(reloaded.Names(), ","); got != "wg0,wg1" {
		t.Errorf("saved registry = %q", got)
	}
}
