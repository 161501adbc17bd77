// Package plugin manages out-of-process plugins: spawning their declared
// executables, correlating each one's inbound control connection by id, and
// relaying events in both directions over newline-delimited JSON.
package plugin

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ManifestFileName is the manifest each plugin ships in its install
// directory.
const ManifestFileName = "plugin.json"

// Manifest declares a plugin: its identity and how to start it.
type Manifest struct {
	ID                string   `json:"id"`
	Version           string   `json:"version"`
	SupportedVersions []string `json:"supported_versions"`
	File              string   `json:"file"`
	Args              []string `json:"args"`
}

// LoadManifest reads and validates dir/plugin.json.
func LoadManifest(dir string) (*Manifest, error) {
	path := filepath.Join(dir, ManifestFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	if strings.TrimSpace(m.ID) == "" {
		return nil, fmt.Errorf("%s: plugin id is required", path)
	}
	if strings.TrimSpace(m.File) == "" {
		return nil, fmt.Errorf("%s: executable file is required", path)
	}
	return &m, nil
}
