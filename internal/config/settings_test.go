package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestSettings(t *testing.T) *SettingsStore {
	t.Helper()
	return NewSettingsStore(filepath.Join(t.TempDir(), "profiles"), BackendChat)
}

func TestSettingsDefaultsWhenMissing(t *testing.T) {
	store := setupTestSettings(t)

	s, err := store.Get("default")
	require.NoError(t, err)
	assert.Equal(t, 1, s.Version)
	assert.Equal(t, BackendChat, s.Backend)
	assert.Equal(t, DefaultOllamaBaseURL, s.OllamaBaseURL)
	assert.Equal(t, DefaultModel, s.Model)
	assert.Equal(t, "huihui_ai/qwen3-abliterated:8b", s.ResolvedModel())
	assert.False(t, s.UnrestrictedExec)
	assert.False(t, s.AutoAct)
}

func TestSettingsBackfillsPartialFile(t *testing.T) {
	store := setupTestSettings(t)
	path := store.Path("p1")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(`{"auto_act": true, "model": "llama3"}`), 0644))

	s, err := store.Get("p1")
	require.NoError(t, err)
	assert.True(t, s.AutoAct)
	assert.Equal(t, "llama3", s.Model)
	assert.Equal(t, DefaultOllamaBaseURL, s.OllamaBaseURL)
	assert.Equal(t, 1, s.Version)
}

func TestSettingsSaveAndCache(t *testing.T) {
	store := setupTestSettings(t)

	in := DefaultProfileSettings(BackendChat)
	in.UnrestrictedExec = true
	in.Backend = BackendAgent
	require.NoError(t, store.Save("p2", in))

	got, err := store.Get("p2")
	require.NoError(t, err)
	assert.True(t, got.UnrestrictedExec)
	assert.Equal(t, BackendAgent, got.Backend)

	// cached until invalidated
	require.NoError(t, os.WriteFile(store.Path("p2"), []byte(`{"backend":"chat"}`), 0644))
	got, _ = store.Get("p2")
	assert.Equal(t, BackendAgent, got.Backend)

	store.Invalidate("p2")
	got, _ = store.Get("p2")
	assert.Equal(t, BackendChat, got.Backend)
}

func TestSettingsRejectsBadInput(t *testing.T) {
	store := setupTestSettings(t)

	_, err := store.Get("../escape")
	assert.Error(t, err)

	s := DefaultProfileSettings(BackendChat)
	s.Backend = "gemini"
	assert.Error(t, store.Save("p3", s))
}

func TestSettingsCorruptFile(t *testing.T) {
	store := setupTestSettings(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(store.Path("p4")), 0755))
	require.NoError(t, os.WriteFile(store.Path("p4"), []byte("{nope"), 0644))

	_, err := store.Get("p4")
	assert.Error(t, err)
}

func TestSettingsWatcherInvalidates(t *testing.T) {
	store := setupTestSettings(t)
	_, err := store.ProfileDir("p5")
	require.NoError(t, err)

	changed := make(chan string, 4)
	w, err := NewSettingsWatcher(store, 20*time.Millisecond, func(id string) { changed <- id })
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer w.Stop()

	_, err = store.Get("p5")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(store.Path("p5"), []byte(`{"auto_act": true}`), 0644))

	select {
	case id := <-changed:
		assert.Equal(t, "p5", id)
	case <-time.After(3 * time.Second):
		t.Fatal("settings change not observed")
	}

	s, err := store.Get("p5")
	require.NoError(t, err)
	assert.True(t, s.AutoAct)
}
