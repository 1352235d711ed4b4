package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/harun/deskchat/internal/fsutil"
)

const (
	DefaultOllamaBaseURL = "http://localhost:11434"
	DefaultModel         = "ollama/huihui_ai/qwen3-abliterated:8b"
	settingsFile         = "settings.json"
	settingsVersion      = 1
)

// ProfileSettings is the per-profile settings.json document.
type ProfileSettings struct {
	Version int `json:"version"`

	// Backend kind used for chats of this profile; empty means the daemon default
	Backend       string `json:"backend,omitempty"`
	AgentPath     string `json:"agent_path,omitempty"`
	AgentProfile  string `json:"agent_profile,omitempty"`
	OllamaBaseURL string `json:"ollama_base_url"`
	Model         string `json:"model"`

	// Lets the model run shell commands through the exec tool
	UnrestrictedExec bool `json:"unrestricted_exec"`

	// Pushes action requests toward a tool call instead of a plan
	AutoAct bool `json:"auto_act"`
}

// ResolvedModel returns the model name with any "ollama/" routing prefix removed.
func (s ProfileSettings) ResolvedModel() string {
	return strings.TrimPrefix(strings.TrimSpace(s.Model), "ollama/")
}

// DefaultProfileSettings returns the settings used when settings.json is absent.
func DefaultProfileSettings(defaultBackend string) ProfileSettings {
	return ProfileSettings{
		Version:       settingsVersion,
		Backend:       defaultBackend,
		OllamaBaseURL: DefaultOllamaBaseURL,
		Model:         DefaultModel,
	}
}

func (s *ProfileSettings) backfill(defaultBackend string) {
	if s.Version == 0 {
		s.Version = settingsVersion
	}
	if strings.TrimSpace(s.Backend) == "" {
		s.Backend = defaultBackend
	}
	if strings.TrimSpace(s.OllamaBaseURL) == "" {
		s.OllamaBaseURL = DefaultOllamaBaseURL
	}
	if strings.TrimSpace(s.Model) == "" {
		s.Model = DefaultModel
	}
}

// SettingsStore loads and caches profile settings from <profilesDir>/<id>/settings.json.
type SettingsStore struct {
	profilesDir    string
	defaultBackend string
	validator      *Validator

	mu    sync.RWMutex
	cache map[string]ProfileSettings
}

// NewSettingsStore creates a settings store rooted at profilesDir.
func NewSettingsStore(profilesDir, defaultBackend string) *SettingsStore {
	if defaultBackend == "" {
		defaultBackend = BackendChat
	}
	return &SettingsStore{
		profilesDir:    profilesDir,
		defaultBackend: defaultBackend,
		validator:      NewValidator(),
		cache:          make(map[string]ProfileSettings),
	}
}

// ProfilesDir returns the root directory of the profiles.
func (s *SettingsStore) ProfilesDir() string {
	return s.profilesDir
}

// Path returns the settings.json path of a profile.
func (s *SettingsStore) Path(profileID string) string {
	return filepath.Join(s.profilesDir, profileID, settingsFile)
}

// Get returns the settings of profileID with defaults backfilled.
func (s *SettingsStore) Get(profileID string) (ProfileSettings, error) {
	if err := s.validator.ValidateProfileID(profileID); err != nil {
		return ProfileSettings{}, err
	}

	s.mu.RLock()
	cached, ok := s.cache[profileID]
	s.mu.RUnlock()
	if ok {
		return cached, nil
	}

	settings := DefaultProfileSettings(s.defaultBackend)
	var onDisk ProfileSettings
	found, err := fsutil.ReadJSON(s.Path(profileID), &onDisk)
	if err != nil {
		return ProfileSettings{}, fmt.Errorf("failed to load settings for profile %s: %w", profileID, err)
	}
	if found {
		onDisk.backfill(s.defaultBackend)
		settings = onDisk
	}

	s.mu.Lock()
	s.cache[profileID] = settings
	s.mu.Unlock()
	return settings, nil
}

// Save validates and atomically writes the settings of profileID.
func (s *SettingsStore) Save(profileID string, settings ProfileSettings) error {
	if err := s.validator.ValidateProfileID(profileID); err != nil {
		return err
	}
	if err := s.validator.ValidateBackendKind(settings.Backend); err != nil {
		return err
	}
	settings.backfill(s.defaultBackend)

	if err := fsutil.WriteJSONAtomic(s.Path(profileID), settings); err != nil {
		return fmt.Errorf("failed to save settings for profile %s: %w", profileID, err)
	}

	s.mu.Lock()
	s.cache[profileID] = settings
	s.mu.Unlock()
	return nil
}

// Invalidate drops the cached settings of profileID.
func (s *SettingsStore) Invalidate(profileID string) {
	s.mu.Lock()
	delete(s.cache, profileID)
	s.mu.Unlock()
}

// ProfileDir returns the data directory of a profile, creating it.
func (s *SettingsStore) ProfileDir(profileID string) (string, error) {
	if err := s.validator.ValidateProfileID(profileID); err != nil {
		return "", err
	}
	dir := filepath.Join(s.profilesDir, profileID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create profile dir: %w", err)
	}
	return dir, nil
}
