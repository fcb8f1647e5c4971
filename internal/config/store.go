package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

const fileName = "config.json"

// Store implements atomic load/save against a directory, per spec.md §4.B.
type Store struct {
	dir string
	log *zap.Logger
}

// NewStore creates a Store rooted at dir. dir is created lazily on Save.
func NewStore(dir string, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{dir: dir, log: log}
}

// Load reads config.json from the store's directory. A missing file yields
// defaults. An unparseable file is moved aside to
// config-backup-<RFC3339>.json and defaults are persisted and returned —
// the load never panics and never returns an error to the caller.
func (s *Store) Load() *Config {
	path := filepath.Join(s.dir, fileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default()
		}
		s.log.Error("config: failed to read file, resetting to defaults", zap.String("path", path), zap.Error(err))
		return s.resetToDefaults(path)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		s.log.Error("config: failed to parse file, resetting to defaults", zap.String("path", path), zap.Error(err))
		return s.resetToDefaults(path)
	}
	cfg.Migrate()
	return cfg
}

func (s *Store) resetToDefaults(path string) *Config {
	backupPath := filepath.Join(s.dir, fmt.Sprintf("config-backup-%s.json", time.Now().UTC().Format(time.RFC3339)))
	if err := os.Rename(path, backupPath); err != nil && !os.IsNotExist(err) {
		s.log.Error("config: failed to move broken config aside", zap.String("backupPath", backupPath), zap.Error(err))
	}
	def := Default()
	if err := s.Save(def); err != nil {
		s.log.Error("config: failed to persist defaults after reset", zap.Error(err))
	}
	return def
}

// Save serializes cfg as pretty JSON to a temp file in the store's
// directory, fsyncs it, then atomically renames it over config.json.
func (s *Store) Save(cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		s.log.Error("config: failed to serialize", zap.Error(err))
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		s.log.Error("config: failed to create directory", zap.String("dir", s.dir), zap.Error(err))
		return fmt.Errorf("create config dir: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, "config-*.json.tmp")
	if err != nil {
		s.log.Error("config: failed to create temp file", zap.Error(err))
		return fmt.Errorf("create temp config file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		s.log.Error("config: failed to write temp file", zap.Error(err))
		return fmt.Errorf("write temp config file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		s.log.Error("config: failed to fsync temp file", zap.Error(err))
		return fmt.Errorf("fsync temp config file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		s.log.Error("config: failed to close temp file", zap.Error(err))
		return fmt.Errorf("close temp config file: %w", err)
	}

	path := filepath.Join(s.dir, fileName)
	if err := os.Rename(tmpPath, path); err != nil {
		s.log.Error("config: failed to persist temp file", zap.Error(err))
		return fmt.Errorf("rename temp config file: %w", err)
	}
	return nil
}

// Handle is the single mutation path (spec.md §3: "mutated through a
// single copy-on-write path that persists only when a diff is detected").
type Handle struct {
	store *Store
	mu    sync.Mutex
	cfg   *Config
}

// NewHandle loads the current config and wraps it in a Handle.
func NewHandle(store *Store) *Handle {
	return &Handle{store: store, cfg: store.Load()}
}

// Snapshot returns a deep copy of the current config for read-only use.
func (h *Handle) Snapshot() *Config {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cfg.Clone()
}

// Change applies f to the config under lock, persisting only if the result
// differs from what was loaded.
func (h *Handle) Change(f func(*Config)) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	before, err := json.Marshal(h.cfg)
	if err != nil {
		return fmt.Errorf("config: marshal before mutation: %w", err)
	}
	f(h.cfg)
	after, err := json.Marshal(h.cfg)
	if err != nil {
		return fmt.Errorf("config: marshal after mutation: %w", err)
	}
	if string(before) == string(after) {
		return nil
	}
	return h.store.Save(h.cfg)
}
