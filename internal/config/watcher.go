package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// SettingsWatcher invalidates cached profile settings when a settings.json
// changes on disk.
type SettingsWatcher struct {
	store    *SettingsStore
	watcher  *fsnotify.Watcher
	debounce time.Duration
	onChange func(profileID string)

	done           chan struct{}
	stopOnce       sync.Once
	debounceMu     sync.Mutex
	debounceTimers map[string]*time.Timer
}

// NewSettingsWatcher creates a watcher for store. onChange may be nil.
func NewSettingsWatcher(store *SettingsStore, debounce time.Duration, onChange func(profileID string)) (*SettingsWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if debounce <= 0 {
		debounce = 100 * time.Millisecond
	}
	return &SettingsWatcher{
		store:          store,
		watcher:        w,
		debounce:       debounce,
		onChange:       onChange,
		done:           make(chan struct{}),
		debounceTimers: make(map[string]*time.Timer),
	}, nil
}

// Start watches the profiles directory and every existing profile directory.
func (w *SettingsWatcher) Start() error {
	root := w.store.ProfilesDir()
	if err := os.MkdirAll(root, 0755); err != nil {
		return fmt.Errorf("failed to create profiles dir: %w", err)
	}
	if err := w.watcher.Add(root); err != nil {
		return fmt.Errorf("failed to watch profiles dir: %w", err)
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return fmt.Errorf("failed to list profiles: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			if err := w.watcher.Add(filepath.Join(root, e.Name())); err != nil {
				log.Warn().Err(err).Str("profile_id", e.Name()).Msg("Failed to watch profile dir")
			}
		}
	}

	go w.eventLoop()
	log.Info().Str("path", root).Msg("Settings watcher started")
	return nil
}

// Stop stops the watcher
func (w *SettingsWatcher) Stop() error {
	w.stopOnce.Do(func() { close(w.done) })

	w.debounceMu.Lock()
	for _, timer := range w.debounceTimers {
		timer.Stop()
	}
	clear(w.debounceTimers)
	w.debounceMu.Unlock()

	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

func (w *SettingsWatcher) eventLoop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Settings watcher error")
		case <-w.done:
			return
		}
	}
}

func (w *SettingsWatcher) handleEvent(event fsnotify.Event) {
	root := w.store.ProfilesDir()

	// New profile directory: start watching it.
	if filepath.Dir(event.Name) == root && event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			_ = w.watcher.Add(event.Name)
		}
		return
	}

	if filepath.Base(event.Name) != settingsFile {
		return
	}
	profileID := filepath.Base(filepath.Dir(event.Name))

	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()
	if timer, ok := w.debounceTimers[profileID]; ok {
		timer.Stop()
	}
	w.debounceTimers[profileID] = time.AfterFunc(w.debounce, func() {
		w.debounceMu.Lock()
		delete(w.debounceTimers, profileID)
		w.debounceMu.Unlock()

		select {
		case <-w.done:
			return
		default:
		}

		w.store.Invalidate(profileID)
		log.Info().Str("profile_id", profileID).Msg("Profile settings reloaded")
		if w.onChange != nil {
			w.onChange(profileID)
		}
	})
}
