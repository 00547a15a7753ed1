package queue

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const (
	MinConcurrentTasks     = 1
	MaxConcurrentTasks     = 10
	DefaultConcurrentTasks = 3

	settingsKeyMaxConcurrent = "maxConcurrentTasks"
)

// Settings are the operator-tunable queue limits.
type Settings struct {
	MaxConcurrentTasks int `json:"maxConcurrentTasks"`
}

// SettingsPatch is a partial update; nil fields keep their current value.
type SettingsPatch struct {
	MaxConcurrentTasks *int `json:"maxConcurrentTasks,omitempty"`
}

// DefaultSettings is what a fresh install runs with.
func DefaultSettings() Settings {
	return Settings{MaxConcurrentTasks: DefaultConcurrentTasks}
}

// Normalize clamps out-of-range values instead of rejecting them.
func (s Settings) Normalize() Settings {
	switch {
	case s.MaxConcurrentTasks < MinConcurrentTasks:
		s.MaxConcurrentTasks = MinConcurrentTasks
	case s.MaxConcurrentTasks > MaxConcurrentTasks:
		s.MaxConcurrentTasks = MaxConcurrentTasks
	}
	return s
}

// Merge applies patch and normalizes the result.
func (s Settings) Merge(patch SettingsPatch) Settings {
	if patch.MaxConcurrentTasks != nil {
		s.MaxConcurrentTasks = *patch.MaxConcurrentTasks
	}
	return s.Normalize()
}

// SettingsStore persists Settings across restarts.
type SettingsStore interface {
	Load(ctx context.Context) (Settings, error)
	Save(ctx context.Context, settings Settings) error
}

// FileSettingsStore keeps settings in a JSON object on disk. Fields it does
// not know about are carried over on every rewrite.
type FileSettingsStore struct {
	mu   sync.Mutex
	path string
}

func NewFileSettingsStore(path string) *FileSettingsStore {
	return &FileSettingsStore{path: path}
}

func (s *FileSettingsStore) Path() string { return s.path }

func (s *FileSettingsStore) Load(_ context.Context) (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := s.readLocked()
	if err != nil {
		return DefaultSettings(), err
	}
	out := DefaultSettings()
	if v, ok := raw[settingsKeyMaxConcurrent]; ok {
		var n int
		if err := json.Unmarshal(v, &n); err != nil {
			return DefaultSettings(), fmt.Errorf("parse %s: %w", settingsKeyMaxConcurrent, err)
		}
		out.MaxConcurrentTasks = n
	}
	return out.Normalize(), nil
}

func (s *FileSettingsStore) Save(_ context.Context, settings Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := s.readLocked()
	if err != nil {
		// A corrupt file is replaced rather than blocking every save.
		raw = make(map[string]json.RawMessage)
	}
	encoded, err := json.Marshal(settings.Normalize().MaxConcurrentTasks)
	if err != nil {
		return err
	}
	raw[settingsKeyMaxConcurrent] = encoded

	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	return atomicWrite(s.path, append(data, '\n'))
}

func (s *FileSettingsStore) readLocked() (map[string]json.RawMessage, error) {
	raw := make(map[string]json.RawMessage)
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return raw, nil
		}
		return nil, fmt.Errorf("read settings: %w", err)
	}
	if len(data) == 0 {
		return raw, nil
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode settings: %w", err)
	}
	return raw, nil
}

// MemorySettingsStore is used when no settings path is configured.
type MemorySettingsStore struct {
	mu       sync.Mutex
	settings Settings
}

func NewMemorySettingsStore(initial Settings) *MemorySettingsStore {
	return &MemorySettingsStore{settings: initial.Normalize()}
}

func (s *MemorySettingsStore) Load(context.Context) (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings, nil
}

func (s *MemorySettingsStore) Save(_ context.Context, settings Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = settings.Normalize()
	return nil
}

// atomicWrite writes to a temp file in the same directory, fsyncs it, renames
// it over path and fsyncs the directory.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create settings directory: %w", err)
	}

	suffix := make([]byte, 6)
	if _, err := rand.Read(suffix); err != nil {
		return fmt.Errorf("generate temp suffix: %w", err)
	}
	tmpPath := filepath.Join(dir, fmt.Sprintf(".%s.tmp.%d.%s", filepath.Base(path), os.Getpid(), hex.EncodeToString(suffix)))

	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	ok := false
	defer func() {
		_ = tmp.Close()
		if !ok {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	ok = true

	d, err := os.Open(dir)
	if err != nil {
		return nil
	}
	defer d.Close()
	_ = d.Sync()
	return nil
}
