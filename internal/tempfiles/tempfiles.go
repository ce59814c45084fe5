// Package tempfiles manages the local sandbox directory that holds
// transcoded video output awaiting upload. Files live here between a
// transcode completing and the corresponding upload record reaching a
// terminal state; anything left over without a durable record is an orphan.
package tempfiles

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
)

// Manager owns one sandbox directory for temporary transcode output.
type Manager struct {
	dir string
}

// NewManager creates the sandbox directory if needed and returns a Manager
// rooted at it.
func NewManager(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create temp sandbox %s: %w", dir, err)
	}
	return &Manager{dir: dir}, nil
}

// Dir returns the sandbox directory path.
func (m *Manager) Dir() string {
	return m.dir
}

// CreateTemp reserves a uniquely named file in the sandbox with the given
// prefix and extension (e.g. "transcode-", ".mp4") and returns its path.
// The file is created empty; callers hand the path to ffmpeg for output.
func (m *Manager) CreateTemp(prefix, ext string) (string, error) {
	f, err := os.CreateTemp(m.dir, prefix+"*"+ext)
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	path := f.Name()
	f.Close()
	return path, nil
}

// Remove deletes a temp file, logging rather than failing when the file is
// already gone.
func (m *Manager) Remove(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("path", path).Msg("Failed to remove temp file")
		return
	}
	log.Debug().Str("path", path).Msg("Temp file removed")
}

// ListOrphaned returns sandbox files that are not referenced by any durable
// upload record. referenced maps temp paths (as stored on records) to true.
func (m *Manager) ListOrphaned(referenced map[string]bool) ([]string, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read temp sandbox: %w", err)
	}

	var orphans []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(m.dir, entry.Name())
		if !referenced[path] {
			orphans = append(orphans, path)
		}
	}
	return orphans, nil
}

// PurgeOrphaned deletes every sandbox file not referenced by a durable
// record and returns the number removed.
func (m *Manager) PurgeOrphaned(referenced map[string]bool) (int, error) {
	orphans, err := m.ListOrphaned(referenced)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, path := range orphans {
		if err := os.Remove(path); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("Failed to remove orphaned temp file")
			continue
		}
		removed++
	}

	if removed > 0 {
		log.Info().Int("removed", removed).Str("dir", m.dir).Msg("Orphaned temp files purged")
	}
	return removed, nil
}

// Contains reports whether path lies inside the sandbox directory.
func (m *Manager) Contains(path string) bool {
	rel, err := filepath.Rel(m.dir, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(os.PathSeparator))
}
