package mqtt

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// LoadOrCreateInstanceID reads the instance ID from a file in dataDir,
// or generates a new UUIDv7 and persists it if the file does not exist.
// The ID is the stable HA device identifier and the seed of the default
// MQTT client ID, so it must survive restarts and device renames.
func LoadOrCreateInstanceID(dataDir string) (string, error) {
	path := filepath.Join(dataDir, "instance_id")

	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if id != "" {
			return id, nil
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate instance ID: %w", err)
	}

	idStr := id.String()
	if err := os.WriteFile(path, []byte(idStr+"\n"), 0644); err != nil {
		return "", fmt.Errorf("persist instance ID to %s: %w", path, err)
	}

	return idStr, nil
}

// DefaultClientID derives a client ID from the instance ID. The random
// tail of a UUIDv7 keeps two devices on one broker from colliding.
func DefaultClientID(instanceID string) string {
	compact := strings.ReplaceAll(instanceID, "-", "")
	if len(compact) > 12 {
		compact = compact[len(compact)-12:]
	}
	return "brunnen-" + compact
}
