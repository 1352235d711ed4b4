package daemon

import (
	"context"
	"time"

	"github.com/harun/deskchat/pkg/cron"
)

// EventLoop logs periodic health information about the daemon.
type EventLoop struct {
	daemon   *Daemon
	interval time.Duration
}

// NewEventLoop creates a new event loop
func NewEventLoop(d *Daemon) *EventLoop {
	return &EventLoop{
		daemon:   d,
		interval: 30 * time.Second,
	}
}

// Run runs the event loop until ctx is cancelled
func (e *EventLoop) Run(ctx context.Context) {
	log := e.daemon.logger.Component("eventloop")
	log.Info().Msg("Event loop started")

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Event loop stopping")
			return

		case <-ticker.C:
			e.processTasks()
		}
	}
}

// processTasks logs busy chats and failing maintenance jobs
func (e *EventLoop) processTasks() {
	log := e.daemon.logger.Component("eventloop")

	stats := e.daemon.orchestrator.Stats()
	if len(stats.Inflight) > 0 || stats.BackgroundSends > 0 {
		log.Debug().
			Strs("inflight", stats.Inflight).
			Int("background_sends", stats.BackgroundSends).
			Msg("Orchestrator stats")
	}

	if e.daemon.cronService == nil {
		return
	}
	for _, job := range e.daemon.cronService.Status() {
		if job.State.LastStatus == cron.StatusError {
			log.Warn().
				Str("job", job.Name).
				Str("error", job.State.LastError).
				Msg("Maintenance job failing")
		}
	}
}
