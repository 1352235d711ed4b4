// Package cron runs the daemon's maintenance jobs on cron schedules.
package cron

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/harun/deskchat/internal/tracing"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// ErrStopped is returned when the service no longer accepts work.
var ErrStopped = errors.New("service is stopped")

// ErrJobNotFound is returned for an unknown job name.
var ErrJobNotFound = errors.New("job not found")

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule parses a 5-field cron expression or descriptor such as @hourly.
func ParseSchedule(expr string) (cron.Schedule, error) {
	if expr == "" {
		return nil, fmt.Errorf("schedule expression is required")
	}
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}
	return sched, nil
}

// NextRun returns the next activation of expr after from, in unix milliseconds.
func NextRun(expr string, from time.Time) (int64, error) {
	sched, err := ParseSchedule(expr)
	if err != nil {
		return 0, err
	}
	return sched.Next(from).UnixMilli(), nil
}

type entry struct {
	job     Job
	id      cron.EntryID
	state   JobState
	running bool
}

// Service schedules jobs. A job never overlaps itself; an activation that
// fires while the previous run is still going is recorded as skipped.
type Service struct {
	cron    *cron.Cron
	jobs    map[string]*entry
	mu      sync.Mutex
	wg      sync.WaitGroup
	started bool
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewService creates a stopped service.
func NewService() *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		cron:   cron.New(cron.WithParser(parser)),
		jobs:   make(map[string]*entry),
		ctx:    ctx,
		cancel: cancel,
	}
}

// AddJob registers a job. Names are unique.
func (s *Service) AddJob(job Job) error {
	if job.Name == "" {
		return fmt.Errorf("job name is required")
	}
	if job.Run == nil {
		return fmt.Errorf("job %s has no run function", job.Name)
	}
	sched, err := ParseSchedule(job.Schedule)
	if err != nil {
		return fmt.Errorf("invalid schedule for %s: %w", job.Name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrStopped
	}
	if _, exists := s.jobs[job.Name]; exists {
		return fmt.Errorf("job %s already registered", job.Name)
	}

	e := &entry{job: job}
	e.state.NextRunAtMs = Int64Ptr(sched.Next(time.Now()).UnixMilli())
	e.id = s.cron.Schedule(sched, cron.FuncJob(func() {
		s.execute(e.job.Name, false)
	}))
	s.jobs[job.Name] = e

	log.Info().Str("job", job.Name).Str("schedule", job.Schedule).Msg("Maintenance job registered")
	return nil
}

// Start begins firing scheduled jobs.
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true
	s.cron.Start()
	log.Info().Int("jobCount", len(s.jobs)).Msg("Cron service started")
}

// RunNow runs a job synchronously, outside its schedule.
func (s *Service) RunNow(name string) (JobState, error) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return JobState{}, ErrStopped
	}
	if _, ok := s.jobs[name]; !ok {
		s.mu.Unlock()
		return JobState{}, fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}
	s.mu.Unlock()

	s.execute(name, true)

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[name].state, nil
}

// Status returns a snapshot of every job sorted by name.
func (s *Service) Status() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]JobStatus, 0, len(s.jobs))
	for _, e := range s.jobs {
		out = append(out, JobStatus{Name: e.job.Name, Schedule: e.job.Schedule, State: e.state})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Stop stops scheduling, cancels running jobs and waits for them until ctx
// is done.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	s.cancel()
	stopped := s.cron.Stop()

	done := make(chan struct{})
	go func() {
		<-stopped.Done()
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("Cron service stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) execute(name string, manual bool) {
	s.mu.Lock()
	e, ok := s.jobs[name]
	if !ok || s.stopped {
		s.mu.Unlock()
		return
	}
	if e.running {
		e.state.LastStatus = StatusSkipped
		s.mu.Unlock()
		log.Warn().Str("job", name).Msg("Maintenance job still running, skipping activation")
		return
	}
	start := time.Now()
	e.running = true
	e.state.RunningAtMs = Int64Ptr(start.UnixMilli())
	s.wg.Add(1)
	s.mu.Unlock()

	defer s.wg.Done()

	ctx, span := tracing.StartSpan(s.ctx, "deskchat.cron", "cron.job",
		attribute.String("job", name),
		attribute.Bool("manual", manual),
	)
	err := runProtected(ctx, e.job.Run)
	tracing.EndSpan(span, err)

	duration := time.Since(start)

	s.mu.Lock()
	e.running = false
	e.state.RunningAtMs = nil
	e.state.LastRunAtMs = Int64Ptr(start.UnixMilli())
	e.state.LastDurationMs = Int64Ptr(duration.Milliseconds())
	if sched, perr := ParseSchedule(e.job.Schedule); perr == nil {
		e.state.NextRunAtMs = Int64Ptr(sched.Next(time.Now()).UnixMilli())
	}
	if err != nil {
		e.state.LastStatus = StatusError
		e.state.LastError = err.Error()
		e.state.ConsecutiveErrors++
	} else {
		e.state.LastStatus = StatusOK
		e.state.LastError = ""
		e.state.ConsecutiveErrors = 0
	}
	s.mu.Unlock()

	if err != nil {
		log.Error().Err(err).Str("job", name).Dur("duration", duration).Msg("Maintenance job failed")
		return
	}
	log.Debug().Str("job", name).Dur("duration", duration).Msg("Maintenance job finished")
}

func runProtected(ctx context.Context, fn JobFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return fn(ctx)
}
