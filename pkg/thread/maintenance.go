package thread

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// SweepTempFiles removes write-replace leftovers (".*.tmp") older than maxAge
// from every profile directory. It returns the number of files removed.
func (s *Store) SweepTempFiles(maxAge time.Duration) (int, error) {
	profiles, err := s.ListProfiles()
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, p := range profiles {
		matches, err := filepath.Glob(filepath.Join(s.profilesDir, p, ".*.tmp"))
		if err != nil {
			return removed, fmt.Errorf("failed to scan profile %s: %w", p, err)
		}
		for _, m := range matches {
			info, err := os.Stat(m)
			if err != nil || info.ModTime().After(cutoff) {
				continue
			}
			if err := os.Remove(m); err != nil {
				log.Warn().Err(err).Str("path", m).Msg("Failed to remove stale temp file")
				continue
			}
			removed++
		}
	}

	if removed > 0 {
		log.Info().Int("removed", removed).Msg("Stale temp files removed")
	}
	return removed, nil
}

// OrphanThreads returns the chat ids of thread files in profileID that are not
// listed in the index.
func (s *Store) OrphanThreads(profileID string) ([]string, error) {
	idx, err := s.loadIndex(context.Background(), profileID)
	if err != nil {
		return nil, err
	}
	matches, err := filepath.Glob(filepath.Join(s.profilesDir, profileID, threadPrefix+"*.json"))
	if err != nil {
		return nil, err
	}

	var orphans []string
	for _, m := range matches {
		id := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(m), threadPrefix), ".json")
		if idx.Find(id) == nil {
			orphans = append(orphans, id)
		}
	}
	return orphans, nil
}
