package cli

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/vxchat/vxnode/pkg/logger"
	"github.com/vxchat/vxnode/pkg/plugin"
)

// Install unpacks a plugin archive (a zip carrying plugin.json at its root)
// into root/<plugin id> and returns the id. An existing install of the same
// id is replaced.
func Install(root, archivePath string) (string, error) {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return "", fmt.Errorf("open archive: %w", err)
	}
	defer r.Close()

	manifest, err := manifestFromArchive(&r.Reader)
	if err != nil {
		return "", err
	}

	dest := filepath.Join(root, manifest.ID)
	if err := os.RemoveAll(dest); err != nil {
		return "", fmt.Errorf("clear previous install: %w", err)
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return "", fmt.Errorf("create plugin directory: %w", err)
	}

	for _, f := range r.File {
		if err := extractFile(dest, f); err != nil {
			return "", err
		}
	}

	logger.InfoCF("cli", "Plugin installed", map[string]interface{}{
		"plugin_id": manifest.ID,
		"version":   manifest.Version,
		"dir":       dest,
	})
	return manifest.ID, nil
}

func manifestFromArchive(r *zip.Reader) (*plugin.Manifest, error) {
	for _, f := range r.File {
		if f.Name != plugin.ManifestFileName {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", f.Name, err)
		}
		defer rc.Close()

		var m plugin.Manifest
		if err := json.NewDecoder(rc).Decode(&m); err != nil {
			return nil, fmt.Errorf("parse %s: %w", f.Name, err)
		}
		if strings.TrimSpace(m.ID) == "" {
			return nil, fmt.Errorf("archive manifest: plugin id is required")
		}
		return &m, nil
	}
	return nil, fmt.Errorf("archive has no %s at its root", plugin.ManifestFileName)
}

func extractFile(dest string, f *zip.File) error {
	// Reject entries that would escape the install directory.
	target := filepath.Join(dest, filepath.Clean(f.Name))
	if !strings.HasPrefix(target, dest+string(os.PathSeparator)) {
		return fmt.Errorf("archive entry %q escapes the install directory", f.Name)
	}

	if f.FileInfo().IsDir() {
		return os.MkdirAll(target, 0o755)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create directory for %s: %w", f.Name, err)
	}

	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("open %s: %w", f.Name, err)
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode())
	if err != nil {
		return fmt.Errorf("create %s: %w", target, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, rc); err != nil {
		return fmt.Errorf("extract %s: %w", f.Name, err)
	}
	return nil
}
