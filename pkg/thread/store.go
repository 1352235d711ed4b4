package thread

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/harun/deskchat/internal/fsutil"
	"github.com/harun/deskchat/internal/observability"
	"github.com/harun/deskchat/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

const (
	indexFile    = "chats.json"
	threadPrefix = "chat_"
	tracerName   = "deskchat.thread"
)

// ErrInvalidKey is returned for profile or chat ids that are not path-safe.
var ErrInvalidKey = errors.New("invalid key")

// Store keeps chat indexes and logs under <profilesDir>/<profile>/.
type Store struct {
	profilesDir string
	writeLocks  map[string]*sync.Mutex
	locksMu     sync.Mutex
}

// New creates a store rooted at profilesDir.
func New(profilesDir string) (*Store, error) {
	observability.EnsureRegistered()

	if profilesDir == "" {
		return nil, fmt.Errorf("profiles dir is required")
	}
	if err := os.MkdirAll(profilesDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create profiles directory: %w", err)
	}

	log.Info().Str("dir", profilesDir).Msg("Thread store initialized")
	return &Store{
		profilesDir: profilesDir,
		writeLocks:  make(map[string]*sync.Mutex),
	}, nil
}

// ProfilesDir returns the root directory.
func (s *Store) ProfilesDir() string {
	return s.profilesDir
}

func validateKey(kind, key string) error {
	switch {
	case key == "":
		return fmt.Errorf("%w: %s cannot be empty", ErrInvalidKey, kind)
	case key == "." || strings.Contains(key, ".."):
		return fmt.Errorf("%w: %s cannot contain '..'", ErrInvalidKey, kind)
	case strings.ContainsAny(key, "/\\"):
		return fmt.Errorf("%w: %s cannot contain path separators", ErrInvalidKey, kind)
	case strings.Contains(key, "\x00"):
		return fmt.Errorf("%w: %s cannot contain null bytes", ErrInvalidKey, kind)
	}
	return nil
}

// ProfileDir returns the directory of profileID, creating it.
func (s *Store) ProfileDir(profileID string) (string, error) {
	if err := validateKey("profile id", profileID); err != nil {
		return "", err
	}
	dir := filepath.Join(s.profilesDir, profileID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create profile directory: %w", err)
	}
	return dir, nil
}

func (s *Store) indexPath(profileID string) string {
	return filepath.Join(s.profilesDir, profileID, indexFile)
}

func (s *Store) threadPath(profileID, chatID string) string {
	return filepath.Join(s.profilesDir, profileID, threadPrefix+chatID+".json")
}

// getWriteLock gets or creates the lock guarding one document.
func (s *Store) getWriteLock(key string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	if lock, ok := s.writeLocks[key]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	s.writeLocks[key] = lock
	return lock
}

// LoadIndex returns the chat index of profileID. A missing file yields an empty index.
func (s *Store) LoadIndex(ctx context.Context, profileID string) (*Index, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "thread.load_index", attribute.String("profile_id", profileID))
	idx, err := s.loadIndex(ctx, profileID)
	tracing.EndSpan(span, err)
	return idx, err
}

func (s *Store) loadIndex(_ context.Context, profileID string) (*Index, error) {
	if err := validateKey("profile id", profileID); err != nil {
		return nil, err
	}
	start := time.Now()
	defer func() { observability.RecordStoreLoad("index", time.Since(start)) }()

	idx := NewIndex()
	if _, err := fsutil.ReadJSON(s.indexPath(profileID), idx); err != nil {
		return nil, err
	}
	if idx.Version == 0 {
		idx.Version = DocVersion
	}
	if idx.Chats == nil {
		idx.Chats = []Chat{}
	}
	return idx, nil
}

// SaveIndex atomically replaces the chat index of profileID.
func (s *Store) SaveIndex(ctx context.Context, profileID string, idx *Index) error {
	ctx, span := tracing.StartSpan(ctx, tracerName, "thread.save_index", attribute.String("profile_id", profileID))
	lock := s.getWriteLock("index:" + profileID)
	lock.Lock()
	err := s.saveIndex(ctx, profileID, idx)
	lock.Unlock()
	tracing.EndSpan(span, err)
	return err
}

func (s *Store) saveIndex(_ context.Context, profileID string, idx *Index) error {
	if err := validateKey("profile id", profileID); err != nil {
		return err
	}
	start := time.Now()
	defer func() { observability.RecordStoreSave("index", time.Since(start)) }()

	if idx.Version == 0 {
		idx.Version = DocVersion
	}
	if err := fsutil.WriteJSONAtomic(s.indexPath(profileID), idx); err != nil {
		return fmt.Errorf("failed to save chat index: %w", err)
	}
	return nil
}

// UpdateIndex loads the index, applies fn and saves the result while holding
// the index write lock. Nothing is written when fn returns an error.
func (s *Store) UpdateIndex(ctx context.Context, profileID string, fn func(*Index) error) (*Index, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "thread.update_index", attribute.String("profile_id", profileID))
	lock := s.getWriteLock("index:" + profileID)
	lock.Lock()
	defer lock.Unlock()

	idx, err := s.loadIndex(ctx, profileID)
	if err == nil {
		err = fn(idx)
	}
	if err == nil {
		err = s.saveIndex(ctx, profileID, idx)
	}
	tracing.EndSpan(span, err)
	if err != nil {
		return nil, err
	}
	return idx, nil
}

// LoadThread returns the log of chatID. A missing file yields an empty log.
func (s *Store) LoadThread(ctx context.Context, profileID, chatID string) (*Thread, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "thread.load",
		attribute.String("profile_id", profileID),
		attribute.String("chat_id", chatID),
	)
	t, err := s.loadThread(ctx, profileID, chatID)
	tracing.EndSpan(span, err)
	return t, err
}

func (s *Store) loadThread(_ context.Context, profileID, chatID string) (*Thread, error) {
	if err := validateKey("profile id", profileID); err != nil {
		return nil, err
	}
	if err := validateKey("chat id", chatID); err != nil {
		return nil, err
	}
	start := time.Now()
	defer func() { observability.RecordStoreLoad("thread", time.Since(start)) }()

	t := NewThread(chatID)
	if _, err := fsutil.ReadJSON(s.threadPath(profileID, chatID), t); err != nil {
		return nil, err
	}
	if t.Version == 0 {
		t.Version = DocVersion
	}
	if t.ChatID == "" {
		t.ChatID = chatID
	}
	if t.Messages == nil {
		t.Messages = []Message{}
	}
	return t, nil
}

// SaveThread atomically replaces the log of t.ChatID.
func (s *Store) SaveThread(ctx context.Context, profileID string, t *Thread) error {
	ctx, span := tracing.StartSpan(ctx, tracerName, "thread.save",
		attribute.String("profile_id", profileID),
		attribute.String("chat_id", t.ChatID),
		attribute.Int("messages", len(t.Messages)),
	)
	lock := s.getWriteLock("thread:" + profileID + "/" + t.ChatID)
	lock.Lock()
	err := s.saveThread(ctx, profileID, t)
	lock.Unlock()
	tracing.EndSpan(span, err)
	return err
}

func (s *Store) saveThread(_ context.Context, profileID string, t *Thread) error {
	if err := validateKey("profile id", profileID); err != nil {
		return err
	}
	if err := validateKey("chat id", t.ChatID); err != nil {
		return err
	}
	start := time.Now()
	defer func() { observability.RecordStoreSave("thread", time.Since(start)) }()

	if t.Version == 0 {
		t.Version = DocVersion
	}
	if err := fsutil.WriteJSONAtomic(s.threadPath(profileID, t.ChatID), t); err != nil {
		return fmt.Errorf("failed to save thread: %w", err)
	}
	return nil
}

// UpdateThread loads the log of chatID, applies fn and saves the result while
// holding the thread write lock. Nothing is written when fn returns an error.
func (s *Store) UpdateThread(ctx context.Context, profileID, chatID string, fn func(*Thread) error) (*Thread, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "thread.update",
		attribute.String("profile_id", profileID),
		attribute.String("chat_id", chatID),
	)
	lock := s.getWriteLock("thread:" + profileID + "/" + chatID)
	lock.Lock()
	defer lock.Unlock()

	t, err := s.loadThread(ctx, profileID, chatID)
	if err == nil {
		err = fn(t)
	}
	if err == nil {
		err = s.saveThread(ctx, profileID, t)
	}
	tracing.EndSpan(span, err)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// DeleteThread removes the log file of chatID. A missing file is not an error.
func (s *Store) DeleteThread(ctx context.Context, profileID, chatID string) error {
	if err := validateKey("profile id", profileID); err != nil {
		return err
	}
	if err := validateKey("chat id", chatID); err != nil {
		return err
	}
	_, span := tracing.StartSpan(ctx, tracerName, "thread.delete",
		attribute.String("profile_id", profileID),
		attribute.String("chat_id", chatID),
	)
	lock := s.getWriteLock("thread:" + profileID + "/" + chatID)
	lock.Lock()
	err := os.Remove(s.threadPath(profileID, chatID))
	lock.Unlock()
	if os.IsNotExist(err) {
		err = nil
	}
	tracing.EndSpan(span, err)
	if err != nil {
		return fmt.Errorf("failed to delete thread: %w", err)
	}
	return nil
}

// ListProfiles returns the profiles that have a data directory.
func (s *Store) ListProfiles() ([]string, error) {
	entries, err := os.ReadDir(s.profilesDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to list profiles: %w", err)
	}
	profiles := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			profiles = append(profiles, e.Name())
		}
	}
	return profiles, nil
}
