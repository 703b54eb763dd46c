// Package manager orchestrates the plugin lifecycle: installation,
// sandboxing, execution routing, and persisted per-plugin state.
package manager

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/quillhost/quill/pkg/pluginsdk"
)

// Store persists plugins on disk: one directory per plugin under the plugins
// root, holding the extracted package, the manifest descriptor, and the
// state descriptor.
type Store struct {
	basePath string
	logger   *slog.Logger
}

// NewStore creates the plugins root if needed.
func NewStore(basePath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default().With("component", "manager.store")
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create plugins directory: %w", err)
	}
	return &Store{basePath: basePath, logger: logger}, nil
}

// BasePath returns the plugins root.
func (s *Store) BasePath() string {
	return s.basePath
}

// PluginDir returns the private directory for a plugin id.
func (s *Store) PluginDir(id string) string {
	return filepath.Join(s.basePath, sanitizeID(id))
}

// sanitizeID maps a plugin id to a single path segment.
func sanitizeID(id string) string {
	safe := strings.ReplaceAll(id, "/", "--")
	safe = filepath.Base(filepath.Clean(safe))
	if safe == "." || safe == ".." || safe == "" {
		return "_invalid_"
	}
	return safe
}

// Exists reports whether a plugin directory is present.
func (s *Store) Exists(id string) bool {
	info, err := os.Stat(s.PluginDir(id))
	return err == nil && info.IsDir()
}

// StageDir creates a temporary staging directory next to the live ones so a
// finished stage can be promoted with a rename.
func (s *Store) StageDir() (string, error) {
	dir, err := os.MkdirTemp(s.basePath, ".install-")
	if err != nil {
		return "", fmt.Errorf("create staging dir: %w", err)
	}
	return dir, nil
}

// Promote moves a fully staged directory into place as the plugin's live
// directory. The live path must not already exist.
func (s *Store) Promote(stageDir, id string) (string, error) {
	live := s.PluginDir(id)
	if _, err := os.Stat(live); err == nil {
		return "", fmt.Errorf("plugin directory already exists: %s", live)
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("stat live path: %w", err)
	}
	if err := os.Rename(stageDir, live); err != nil {
		return "", fmt.Errorf("activate plugin: %w", err)
	}
	return live, nil
}

// ReadManifest loads the manifest descriptor from a plugin's directory.
func (s *Store) ReadManifest(id string) (*pluginsdk.Manifest, error) {
	return pluginsdk.DecodeManifestFile(filepath.Join(s.PluginDir(id), pluginsdk.ManifestFilename))
}

// ReadState loads the persisted state for a plugin. A missing state file is
// "never configured", not an error.
func (s *Store) ReadState(id string) (*pluginsdk.State, bool, error) {
	data, err := os.ReadFile(filepath.Join(s.PluginDir(id), pluginsdk.StateFilename))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read state: %w", err)
	}
	state, err := pluginsdk.DecodeState(data)
	if err != nil {
		return nil, false, err
	}
	return state, true, nil
}

// WriteState persists a plugin's state descriptor.
func (s *Store) WriteState(state *pluginsdk.State) error {
	data, err := state.Encode()
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	dir := s.PluginDir(state.ID)
	tmp, err := os.CreateTemp(dir, ".state-*")
	if err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write state: %w", err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write state: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, pluginsdk.StateFilename)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write state: %w", err)
	}
	return nil
}

// Remove deletes a plugin's directory recursively.
func (s *Store) Remove(id string) error {
	if err := os.RemoveAll(s.PluginDir(id)); err != nil {
		return fmt.Errorf("remove plugin directory: %w", err)
	}
	return nil
}

// Record pairs a persisted plugin with its directory.
type Record struct {
	Manifest *pluginsdk.Manifest
	State    *pluginsdk.State
	Dir      string
}

// LoadAll reads every persisted plugin. A failure to load one plugin is
// logged and skipped so it cannot prevent the others from loading.
func (s *Store) LoadAll() []*Record {
	dirEntries, err := os.ReadDir(s.basePath)
	if err != nil {
		s.logger.Warn("read plugins directory failed", "error", err)
		return nil
	}

	var records []*Record
	for _, de := range dirEntries {
		if !de.IsDir() || strings.HasPrefix(de.Name(), ".") {
			continue
		}
		dir := filepath.Join(s.basePath, de.Name())

		manifest, err := pluginsdk.DecodeManifestFile(filepath.Join(dir, pluginsdk.ManifestFilename))
		if err != nil {
			s.logger.Warn("skipping plugin with unreadable manifest", "dir", dir, "error", err)
			continue
		}

		state, found, err := s.ReadState(manifest.ID)
		if err != nil {
			s.logger.Warn("resetting unreadable plugin state", "plugin", manifest.ID, "error", err)
			found = false
		}
		if !found {
			state = pluginsdk.NewState(manifest.ID, manifest.Version)
		}
		if err := state.Validate(manifest.ID); err != nil {
			s.logger.Warn("resetting mismatched plugin state", "plugin", manifest.ID, "error", err)
			state = pluginsdk.NewState(manifest.ID, manifest.Version)
		}

		records = append(records, &Record{Manifest: manifest, State: state, Dir: dir})
	}
	return records
}
