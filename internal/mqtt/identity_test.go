package mqtt

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestLoadOrCreateInstanceID(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("first call error = %v", err)
	}
	raw, err := os.ReadFile(filepath.Join(dir, instanceFile))
	if err != nil {
		t.Fatalf("instance file not written: %v", err)
	}
	if strings.TrimSpace(string(raw)) != first {
		t.Errorf("file holds %q, returned %q", raw, first)
	}
	if _, err := os.Stat(filepath.Join(dir, instanceFile+".tmp")); !os.IsNotExist(err) {
		t.Errorf("temp file left behind: %v", err)
	}

	second, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("second call error = %v", err)
	}
	if second != first {
		t.Errorf("id changed across calls: %q then %q", first, second)
	}
}

func TestLoadOrCreateInstanceID_ReplacesGarbage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, instanceFile)
	for _, content := range []string{"", "  \n", "not-a-uuid"} {
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
		id, err := LoadOrCreateInstanceID(dir)
		if err != nil {
			t.Fatalf("content %q: %v", content, err)
		}
		if _, err := uuid.Parse(id); err != nil {
			t.Errorf("content %q: id %q is not a UUID", content, id)
		}
	}
}

func TestLoadOrCreateInstanceID_KeepsExisting(t *testing.T) {
	dir := t.TempDir()
	const existing = "0190f1c2-7a4b-7c3d-8e9f-0a1b2c3d4e5f"
	if err := os.WriteFile(filepath.Join(dir, instanceFile), []byte(existing+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	id, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatal(err)
	}
	if id != existing {
		t.Errorf("id = %q, want %q", id, existing)
	}
}

func TestLoadOrCreateInstanceID_MissingDir(t *testing.T) {
	if _, err := LoadOrCreateInstanceID(filepath.Join(t.TempDir(), "gone")); err == nil {
		t.Error("missing data dir accepted")
	}
}

func TestClientID(t *testing.T) {
	tests := []struct {
		prefix string
		want   string
	}{
		{"", "domos_"},
		{"kitchen-panel", "kitchen-panel_"},
	}
	for _, tt := range tests {
		id := ClientID(tt.prefix)
		suffix, ok := strings.CutPrefix(id, tt.want)
		if !ok {
			t.Errorf("ClientID(%q) = %q, want prefix %q", tt.prefix, id, tt.want)
			continue
		}
		u, err := uuid.Parse(suffix)
		if err != nil || u.Version() != 7 {
			t.Errorf("ClientID(%q) suffix %q is not a UUIDv7 (%v)", tt.prefix, suffix, err)
		}
	}
	if ClientID("") == ClientID("") {
		t.Error("ClientID repeated an id")
	}
}
