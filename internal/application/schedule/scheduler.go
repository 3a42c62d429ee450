// Package schedule fires a full-fleet scan once a day at a configured time.
package schedule

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/bryanwahyu/automaton-hardening/internal/application"
	"github.com/bryanwahyu/automaton-hardening/internal/application/scans"
)

var ErrAlreadyRunning = errors.New("a scheduled scan is already running")

// Starter is the coordinator entry point.
type Starter interface {
	Start(ctx context.Context, cmd scans.StartCommand) (scans.Summary, error)
}

// LastRun outcome of the latest fire, manual or timed
type LastRun struct {
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Manual     bool           `json:"manual"`
	Summary    *scans.Summary `json:"summary,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// Status snapshot for the api
type Status struct {
	At      string    `json:"at"`
	NextRun time.Time `json:"next_run"`
	Running bool      `json:"running"`
	LastRun *LastRun  `json:"last_run,omitempty"`
}

type Scheduler struct {
	starter     Starter
	hour        int
	minute      int
	batchSize   int
	requestedBy string
	clock       application.Clock
	log         zerolog.Logger

	mu      sync.Mutex
	running bool
	last    *LastRun
}

func New(st Starter, hour, minute, batchSize int, requestedBy string, clock application.Clock, log zerolog.Logger) *Scheduler {
	if clock == nil {
		clock = application.SystemClock{}
	}
	return &Scheduler{
		starter:     st,
		hour:        hour,
		minute:      minute,
		batchSize:   batchSize,
		requestedBy: requestedBy,
		clock:       clock,
		log:         log,
	}
}

// NextRun first fire time strictly after now, in now's location.
func (s *Scheduler) NextRun(now time.Time) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), s.hour, s.minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// Run waits for each fire time until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		now := s.clock.Now()
		next := s.NextRun(now)
		s.log.Info().Time("next_run", next).Msg("scan scheduled")

		t := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
		if _, err := s.fire(ctx, false); err != nil && !errors.Is(err, ErrAlreadyRunning) {
			s.log.Error().Err(err).Msg("scheduled scan failed")
		}
	}
}

// Trigger fires a scan now, outside the schedule.
func (s *Scheduler) Trigger(ctx context.Context) (scans.Summary, error) {
	return s.fire(ctx, true)
}

func (s *Scheduler) fire(ctx context.Context, manual bool) (scans.Summary, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return scans.Summary{}, ErrAlreadyRunning
	}
	s.running = true
	s.mu.Unlock()

	run := &LastRun{StartedAt: s.clock.Now(), Manual: manual}
	sum, err := s.starter.Start(ctx, scans.StartCommand{All: true, BatchSize: s.batchSize, RequestedBy: s.requestedBy})
	run.FinishedAt = s.clock.Now()
	run.Summary = &sum
	if err != nil {
		run.Error = err.Error()
	}

	s.mu.Lock()
	s.running = false
	s.last = run
	s.mu.Unlock()
	return sum, err
}

func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		At:      time.Date(0, 1, 1, s.hour, s.minute, 0, 0, time.UTC).Format("15:04"),
		NextRun: s.NextRun(s.clock.Now()),
		Running: s.running,
	}
	if s.last != nil {
		cp := *s.last
		st.LastRun = &cp
	}
	return st
}
