// Package scheduler runs each reconciliation rule on its own period.
package scheduler

import (
	"context"
	"sync"
	"time"

	"pairbot/internal/config"
	"pairbot/internal/logging"
	"pairbot/internal/metrics"
	"pairbot/internal/reconcile"

	"github.com/rs/zerolog"
)

const skipStoreUnhealthy = "store_unhealthy"

type Readier interface {
	Ready() <-chan struct{}
}

type Job struct {
	Rule     reconcile.Rule
	Interval time.Duration
}

// JobStats is the last observed state of one job.
type JobStats struct {
	Rule         string        `json:"rule"`
	Interval     time.Duration `json:"interval"`
	Runs         int64         `json:"runs"`
	SkippedTicks int64         `json:"skipped_ticks"`
	LastRun      time.Time     `json:"last_run,omitempty"`
	LastDuration time.Duration `json:"last_duration"`
	Applied      int           `json:"applied"`
	Skipped      int           `json:"skipped"`
	Failed       int           `json:"failed"`
	Invariant    int           `json:"invariant"`
	LastError    string        `json:"last_error,omitempty"`
}

// Jobs pairs rules with their configured periods, keeping rule order.
func Jobs(rules []reconcile.Rule, cfg config.ScheduleConfig) []Job {
	jobs := make([]Job, 0, len(rules))
	for _, r := range rules {
		jobs = append(jobs, Job{Rule: r, Interval: intervalFor(r.Name(), cfg)})
	}
	return jobs
}

func intervalFor(rule string, cfg config.ScheduleConfig) time.Duration {
	switch rule {
	case reconcile.RuleEarlySurface, reconcile.RuleVoiceProvisioning, reconcile.RuleInstantVoice:
		return cfg.Provisioning
	case reconcile.RuleExtensionOffer:
		return cfg.Extension
	case reconcile.RuleTeardown:
		return cfg.Teardown
	case reconcile.RuleTextCleanup:
		return cfg.Cleanup
	default:
		return cfg.SafetyNet
	}
}

type Scheduler struct {
	jobs        []Job
	platform    Readier
	gate        *HealthGate
	loc         *time.Location
	healthEvery time.Duration
	now         func() time.Time
	logger      *zerolog.Logger

	mu    sync.Mutex
	stats map[string]*JobStats
}

func New(jobs []Job, platform Readier, gate *HealthGate, loc *time.Location, healthEvery time.Duration, logger *zerolog.Logger) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	stats := make(map[string]*JobStats, len(jobs))
	for _, j := range jobs {
		stats[j.Rule.Name()] = &JobStats{Rule: j.Rule.Name(), Interval: j.Interval}
	}
	return &Scheduler{
		jobs:        jobs,
		platform:    platform,
		gate:        gate,
		loc:         loc,
		healthEvery: healthEvery,
		now:         time.Now,
		logger:      logging.Component(logger, "scheduler"),
		stats:       stats,
	}
}

// Run waits for the platform, makes one pass over every rule in order and
// then ticks each rule on its own period until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.WaitReady(ctx); err != nil {
		return err
	}

	s.RunOnce(ctx)

	var wg sync.WaitGroup
	for _, job := range s.jobs {
		if job.Interval <= 0 {
			s.logger.Warn().Str("rule", job.Rule.Name()).Msg("Job has no interval, startup pass only")
			continue
		}
		wg.Add(1)
		go func(job Job) {
			defer wg.Done()
			s.loop(ctx, job)
		}(job)
	}
	if s.healthEvery > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.probeLoop(ctx)
		}()
	}

	s.logger.Info().Int("jobs", len(s.jobs)).Msg("Scheduler started")
	wg.Wait()
	s.logger.Info().Msg("Scheduler stopped")
	return nil
}

func (s *Scheduler) WaitReady(ctx context.Context) error {
	if s.platform == nil {
		return nil
	}
	select {
	case <-s.platform.Ready():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce runs every job once, sequentially, in dependency order.
func (s *Scheduler) RunOnce(ctx context.Context) {
	for _, job := range s.jobs {
		if ctx.Err() != nil {
			return
		}
		s.tick(ctx, job)
	}
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, job)
		}
	}
}

func (s *Scheduler) probeLoop(ctx context.Context) {
	ticker := time.NewTicker(s.healthEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = s.gate.Probe(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, job Job) {
	name := job.Rule.Name()
	if s.gate != nil && !s.gate.Healthy() {
		metrics.IncTickSkipped(name, skipStoreUnhealthy)
		s.record(name, func(st *JobStats) { st.SkippedTicks++ })
		s.logger.Debug().Str("rule", name).Msg("Tick skipped, store unhealthy")
		return
	}

	now := s.now().In(s.loc)
	started := time.Now()
	report := job.Rule.Apply(ctx, now)
	elapsed := time.Since(started)

	s.record(name, func(st *JobStats) {
		st.Runs++
		st.LastRun = now
		st.LastDuration = elapsed
		st.Applied = report.Count(reconcile.OutcomeApplied)
		st.Skipped = report.Count(reconcile.OutcomeSkipped)
		st.Failed = report.Count(reconcile.OutcomeFailed)
		st.Invariant = report.Count(reconcile.OutcomeInvariant)
		st.LastError = ""
		if report.QueryErr != nil {
			st.LastError = report.QueryErr.Error()
		}
	})

	if report.QueryErr != nil && s.gate != nil {
		s.gate.ReportFailure(ctx, report.QueryErr)
	}
	if len(report.Results) > 0 {
		s.logger.Debug().
			Str("rule", name).
			Int("applied", report.Count(reconcile.OutcomeApplied)).
			Int("failed", report.Count(reconcile.OutcomeFailed)).
			Dur("took", elapsed).
			Msg("Rule pass finished")
	}
}

func (s *Scheduler) record(rule string, update func(st *JobStats)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.stats[rule]; ok {
		update(st)
	}
}

// Stats returns a snapshot in job order.
func (s *Scheduler) Stats() []JobStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStats, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, *s.stats[j.Rule.Name()])
	}
	return out
}

func (s *Scheduler) Healthy() bool {
	return s.gate == nil || s.gate.Healthy()
}
