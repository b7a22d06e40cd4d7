// Package scheduler triggers poll cycles on their configured interval.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Job is one periodic task, typically a poller cycle.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context)
}

type Scheduler struct {
	cron *cron.Cron
	log  zerolog.Logger
}

func New(log zerolog.Logger) *Scheduler {
	cl := cronLogger{log: log}
	return &Scheduler{
		// A cycle still running when its next tick fires is skipped.
		cron: cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		log:  log,
	}
}

// Add registers job. It fires every Interval once Start is called.
func (s *Scheduler) Add(ctx context.Context, job Job) error {
	if job.Interval <= 0 {
		return fmt.Errorf("job %s: interval must be > 0", job.Name)
	}
	spec := "@every " + job.Interval.String()
	_, err := s.cron.AddFunc(spec, func() {
		if ctx.Err() != nil {
			return
		}
		job.Run(ctx)
	})
	if err != nil {
		return fmt.Errorf("job %s: %w", job.Name, err)
	}
	s.log.Info().Str("job", job.Name).Str("schedule", spec).Msg("job scheduled")
	return nil
}

func (s *Scheduler) Start() {
	s.log.Info().Int("jobs", len(s.cron.Entries())).Msg("starting scheduler")
	s.cron.Start()
}

// Stop prevents new runs and waits for running ones to finish.
func (s *Scheduler) Stop() {
	s.log.Info().Msg("stopping scheduler")
	<-s.cron.Stop().Done()
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
