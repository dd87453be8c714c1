package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"pylon/internal/models"
)

// ErrNotLoaded is returned when the store holds no configuration.
var ErrNotLoaded = errors.New("configuration not loaded")

// Store holds the live configuration shared by all components.
// Readers get copies; only Update and reloads replace the value.
type Store struct {
	path string

	mu      sync.RWMutex
	cfg     *Config
	modTime time.Time
}

// NewStore loads path and returns a store serving it.
func NewStore(path string) (*Store, error) {
	s := &Store{path: path}
	if _, err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewStaticStore serves cfg without a backing file.
func NewStaticStore(cfg Config) *Store {
	return &Store{cfg: &cfg}
}

// Path returns the backing file, empty for static stores.
func (s *Store) Path() string {
	return s.path
}

// Current returns a copy of the active configuration.
func (s *Store) Current() (Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.cfg == nil {
		return Config{}, ErrNotLoaded
	}
	return s.cfg.clone(), nil
}

// Update applies fn to a copy of the configuration, validates the result,
// persists it when the store is file-backed and makes it current.
func (s *Store) Update(fn func(*Config) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg == nil {
		return ErrNotLoaded
	}
	next := s.cfg.clone()
	if err := fn(&next); err != nil {
		return err
	}
	next.normalize()
	if err := next.Validate(); err != nil {
		return err
	}
	if s.path != "" {
		if err := Save(s.path, next); err != nil {
			return err
		}
		if info, err := os.Stat(s.path); err == nil {
			s.modTime = info.ModTime()
		}
	}
	s.cfg = &next
	return nil
}

// Reload re-reads the backing file when its modification time changed.
// It reports whether a new configuration was installed.
func (s *Store) Reload() (bool, error) {
	if s.path == "" {
		return false, nil
	}

	var modTime time.Time
	info, err := os.Stat(s.path)
	switch {
	case err == nil:
		modTime = info.ModTime()
	case errors.Is(err, os.ErrNotExist):
	default:
		return false, fmt.Errorf("stat config: %w", err)
	}

	s.mu.RLock()
	unchanged := s.cfg != nil && modTime.Equal(s.modTime)
	s.mu.RUnlock()
	if unchanged {
		return false, nil
	}

	cfg, err := Load(s.path)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	s.cfg = &cfg
	s.modTime = modTime
	s.mu.Unlock()
	return true, nil
}

// Watch polls the backing file and reloads it on change until ctx ends.
// A broken file keeps the previous configuration active.
func (s *Store) Watch(ctx context.Context, interval time.Duration, log zerolog.Logger) {
	if s.path == "" {
		return
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			changed, err := s.Reload()
			if err != nil {
				log.Warn().Err(err).Str("path", s.path).Msg("config reload failed")
				continue
			}
			if changed {
				log.Info().Str("path", s.path).Msg("config reloaded")
			}
		case <-ctx.Done():
			log.Debug().Msg("config watcher stopped")
			return
		}
	}
}

func (c Config) clone() Config {
	out := c
	if c.RemotePylons != nil {
		out.RemotePylons = make([]models.PeerDescriptor, len(c.RemotePylons))
		copy(out.RemotePylons, c.RemotePylons)
	}
	return out
}
