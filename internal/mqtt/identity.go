package mqtt

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const (
	instanceFile  = "instance_id"
	defaultPrefix = "domos"
)

// LoadOrCreateInstanceID returns the installation id kept in
// dataDir/instance_id. A missing or unparsable file is replaced with a
// fresh UUIDv7. The id tags log lines so several installations
// sharing one broker can be told apart.
func LoadOrCreateInstanceID(dataDir string) (string, error) {
	path := filepath.Join(dataDir, instanceFile)

	if raw, err := os.ReadFile(path); err == nil {
		if id, err := uuid.Parse(strings.TrimSpace(string(raw))); err == nil {
			return id.String(), nil
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate instance id: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(id.String()+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("write instance id: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("write instance id: %w", err)
	}
	return id.String(), nil
}

// ClientID returns "<prefix>_<uuidv7>", fresh on every call. Brokers
// drop the older of two connections that share a client id, so ids
// are never reused across processes.
func ClientID(prefix string) string {
	if prefix == "" {
		prefix = defaultPrefix
	}
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return prefix + "_" + id.String()
}
