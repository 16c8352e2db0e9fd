// Package scheduler runs the periodic jobs of the bridge on a cron
// scheduler.
package scheduler

import (
	"sync"

	"scadabridge/internal/utils"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Scheduler manages time-based jobs. Named jobs can be replaced or removed.
type Scheduler struct {
	cron      *cron.Cron
	logger    zerolog.Logger
	jobMap    map[string]cron.EntryID // Maps job name to cron entry ID
	jobMapMux sync.RWMutex            // Protects jobMap
}

// NewScheduler creates a scheduler. A job still running when its next
// run is due is skipped, and panics are recovered.
func NewScheduler() *Scheduler {
	logger := utils.Logger("SCHEDULER")
	cronLogger := cron.PrintfLogger(&logger)
	return &Scheduler{
		cron: cron.New(cron.WithChain(
			cron.Recover(cronLogger),
			cron.SkipIfStillRunning(cronLogger),
		)),
		logger: logger,
		jobMap: make(map[string]cron.EntryID),
	}
}

// Start starts the scheduler
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info().Msg("Cron scheduler started")
}

// Stop stops the scheduler and waits for running jobs
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info().Msg("Cron scheduler stopped")
}

// AddJob adds an anonymous cron job and returns the entry ID
func (s *Scheduler) AddJob(spec string, fn func()) (cron.EntryID, error) {
	id, err := s.cron.AddFunc(spec, fn)
	if err != nil {
		s.logger.Error().Err(err).Str("spec", spec).Msg("Failed to add job")
		return 0, err
	}
	s.logger.Debug().Str("spec", spec).Int("entry_id", int(id)).Msg("Added job")
	return id, nil
}

// AddNamedJob adds a job under name, replacing any job with the same name
func (s *Scheduler) AddNamedJob(name, spec string, fn func()) error {
	id, err := s.AddJob(spec, func() {
		s.logger.Debug().Str("job", name).Msg("Job triggered")
		fn()
	})
	if err != nil {
		return err
	}

	s.jobMapMux.Lock()
	old, exists := s.jobMap[name]
	s.jobMap[name] = id
	s.jobMapMux.Unlock()
	if exists {
		s.cron.Remove(old)
	}
	s.logger.Info().Str("job", name).Str("spec", spec).Msg("Scheduled job")
	return nil
}

// RemoveJob removes a named job
func (s *Scheduler) RemoveJob(name string) {
	s.jobMapMux.Lock()
	defer s.jobMapMux.Unlock()

	if entryID, exists := s.jobMap[name]; exists {
		s.cron.Remove(entryID)
		delete(s.jobMap, name)
		s.logger.Info().Str("job", name).Msg("Removed job")
	}
}

// GetScheduledJobCount returns the number of scheduled jobs, named or not
func (s *Scheduler) GetScheduledJobCount() int {
	return len(s.cron.Entries())
}
