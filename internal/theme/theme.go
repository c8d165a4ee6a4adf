// Package theme holds the light/dark display theme as explicit, observable
// state that rendering components receive as a dependency.
package theme

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Theme is a display theme
type Theme string

const (
	Light Theme = "light"
	Dark  Theme = "dark"
)

// ErrUnknownTheme is returned for theme names other than light and dark.
var ErrUnknownTheme = errors.New("unknown theme")

// Parse validates a theme name.
func Parse(name string) (Theme, error) {
	switch Theme(name) {
	case Light, Dark:
		return Theme(name), nil
	default:
		return "", fmt.Errorf("%w: %q (must be light or dark)", ErrUnknownTheme, name)
	}
}

// IsDark reports whether t is the dark theme.
func (t Theme) IsDark() bool {
	return t == Dark
}

type persisted struct {
	Theme Theme `json:"theme"`
}

// State is the current theme plus its subscribers. When path is set the theme
// is persisted there as JSON.
type State struct {
	mu      sync.RWMutex
	current Theme
	path    string
	subs    map[int]func(Theme)
	nextSub int
	logger  *slog.Logger
}

// NewState creates a theme state starting at initial. path may be empty to
// keep the theme in memory only.
func NewState(path string, initial Theme, logger *slog.Logger) *State {
	if initial == "" {
		initial = Light
	}
	return &State{
		current: initial,
		path:    path,
		subs:    make(map[int]func(Theme)),
		logger:  logger,
	}
}

// Load restores the persisted theme. A missing file keeps the initial theme.
func (s *State) Load() error {
	if s.path == "" {
		return nil
	}

	t, err := s.read()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}

	s.apply(t)
	return nil
}

// Get returns the current theme.
func (s *State) Get() Theme {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Set switches the theme, persists it and notifies subscribers if it changed.
func (s *State) Set(t Theme) error {
	if _, err := Parse(string(t)); err != nil {
		return err
	}

	if s.path != "" {
		if err := s.write(t); err != nil {
			return fmt.Errorf("failed to persist theme: %w", err)
		}
	}

	s.apply(t)
	return nil
}

// Subscribe registers fn to be called with the new theme after every change.
// The returned function removes the subscription.
func (s *State) Subscribe(fn func(Theme)) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// Watch reloads the theme whenever the persisted file changes on disk, until
// ctx is cancelled.
func (s *State) Watch(ctx context.Context) error {
	if s.path == "" {
		return fmt.Errorf("theme state has no file to watch")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create theme watcher: %w", err)
	}
	defer func() {
		_ = watcher.Close()
	}()

	// Watch the directory: editors and our own atomic writes replace the file.
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create theme directory: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(s.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			t, err := s.read()
			if err != nil {
				s.logger.Warn("ignoring unreadable theme file", "path", s.path, "error", err)
				continue
			}
			s.apply(t)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("theme watcher error", "error", err)
		}
	}
}

func (s *State) apply(t Theme) {
	s.mu.Lock()
	if s.current == t {
		s.mu.Unlock()
		return
	}
	s.current = t
	subs := make([]func(Theme), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	s.logger.Info("theme changed", "theme", string(t))
	for _, fn := range subs {
		fn(t)
	}
}

func (s *State) read() (Theme, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return "", err
	}

	var p persisted
	if err := json.Unmarshal(data, &p); err != nil {
		return "", fmt.Errorf("failed to parse theme file: %w", err)
	}
	return Parse(string(p.Theme))
}

// write replaces the theme file atomically.
func (s *State) write(t Theme) error {
	data, err := json.MarshalIndent(persisted{Theme: t}, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".listsyncd-theme-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmpPath, s.path)
}
