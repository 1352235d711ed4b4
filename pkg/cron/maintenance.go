package cron

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Maintenance job names.
const (
	JobSweepTempFiles = "sweep-temp-files"
	JobPruneJournal   = "prune-journal"
)

// TempSweeper removes abandoned temp files left by interrupted atomic writes.
type TempSweeper interface {
	SweepTempFiles(maxAge time.Duration) (int, error)
}

// JournalPruner deletes old run records.
type JournalPruner interface {
	Prune(ctx context.Context, olderThan time.Time) (int64, error)
}

// SweepTempFilesJob builds the temp file janitor.
func SweepTempFilesJob(schedule string, store TempSweeper, maxAge time.Duration) Job {
	return Job{
		Name:     JobSweepTempFiles,
		Schedule: schedule,
		Run: func(ctx context.Context) error {
			n, err := store.SweepTempFiles(maxAge)
			if n > 0 {
				log.Info().Int("removed", n).Msg("Removed stale temp files")
			}
			return err
		},
	}
}

// PruneJournalJob builds the run journal retention job.
func PruneJournalJob(schedule string, journal JournalPruner, retention time.Duration) Job {
	return Job{
		Name:     JobPruneJournal,
		Schedule: schedule,
		Run: func(ctx context.Context) error {
			n, err := journal.Prune(ctx, time.Now().Add(-retention))
			if n > 0 {
				log.Info().Int64("removed", n).Msg("Pruned run journal")
			}
			return err
		},
	}
}
