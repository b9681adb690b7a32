package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pairbot/internal/config"
	"pairbot/internal/reconcile"
	"pairbot/internal/worker"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type journal struct {
	mu    sync.Mutex
	calls []string
}

func (j *journal) add(name string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.calls = append(j.calls, name)
}

func (j *journal) snapshot() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.calls...)
}

type fakeRule struct {
	name     string
	journal  *journal
	queryErr error
	results  []reconcile.Result
	calls    atomic.Int32
	lastNow  atomic.Value
}

func (r *fakeRule) Name() string { return r.name }

func (r *fakeRule) Apply(_ context.Context, now time.Time) reconcile.Report {
	r.calls.Add(1)
	r.lastNow.Store(now)
	if r.journal != nil {
		r.journal.add(r.name)
	}
	return reconcile.Report{Rule: r.name, Now: now, Results: r.results, QueryErr: r.queryErr}
}

type readyChan chan struct{}

func (c readyChan) Ready() <-chan struct{} { return c }

type fakePinger struct {
	failures atomic.Int32
	calls    atomic.Int32
}

func (p *fakePinger) Ping(context.Context) error {
	p.calls.Add(1)
	if p.failures.Load() > 0 {
		p.failures.Add(-1)
		return errors.New("connection refused")
	}
	return nil
}

var fastRetry = worker.RetryPolicy{InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, BackoffFactor: 2}

func newGate(p Pinger) *HealthGate {
	logger := zerolog.Nop()
	return NewHealthGate(p, fastRetry, &logger)
}

func newScheduler(jobs []Job, ready Readier, gate *HealthGate) *Scheduler {
	logger := zerolog.Nop()
	return New(jobs, ready, gate, time.UTC, 0, &logger)
}

func TestJobsIntervals(t *testing.T) {
	cfg := config.ScheduleConfig{
		Provisioning: time.Second,
		Extension:    2 * time.Second,
		Teardown:     3 * time.Second,
		Cleanup:      4 * time.Second,
		SafetyNet:    5 * time.Second,
	}
	names := []string{
		reconcile.RuleEarlySurface, reconcile.RuleVoiceProvisioning, reconcile.RuleInstantVoice,
		reconcile.RuleExtensionOffer, reconcile.RuleTeardown, reconcile.RuleTextCleanup,
		reconcile.RuleMissedRating, reconcile.RuleRatingExpiry,
	}
	rules := make([]reconcile.Rule, 0, len(names))
	for _, n := range names {
		rules = append(rules, &fakeRule{name: n})
	}

	jobs := Jobs(rules, cfg)
	require.Len(t, jobs, len(names))

	want := []time.Duration{1, 1, 1, 2, 3, 4, 5, 5}
	for i, j := range jobs {
		assert.Equal(t, names[i], j.Rule.Name())
		assert.Equal(t, want[i]*time.Second, j.Interval, j.Rule.Name())
	}
}

func TestRunOnceOrder(t *testing.T) {
	j := &journal{}
	jobs := []Job{
		{Rule: &fakeRule{name: "a", journal: j}},
		{Rule: &fakeRule{name: "b", journal: j}},
		{Rule: &fakeRule{name: "c", journal: j}},
	}
	s := newScheduler(jobs, nil, newGate(&fakePinger{}))
	s.RunOnce(context.Background())

	assert.Equal(t, []string{"a", "b", "c"}, j.snapshot())
	for _, st := range s.Stats() {
		assert.Equal(t, int64(1), st.Runs)
	}
}

func TestTickUsesConfiguredZone(t *testing.T) {
	loc, err := time.LoadLocation("Asia/Taipei")
	require.NoError(t, err)

	rule := &fakeRule{name: "a"}
	logger := zerolog.Nop()
	s := New([]Job{{Rule: rule}}, nil, nil, loc, 0, &logger)
	fixed := time.Date(2026, 3, 10, 4, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	s.RunOnce(context.Background())
	got := rule.lastNow.Load().(time.Time)
	assert.Equal(t, loc, got.Location())
	assert.True(t, got.Equal(fixed))
}

func TestRunWaitsForReadiness(t *testing.T) {
	rule := &fakeRule{name: "a"}
	ready := make(readyChan)
	s := newScheduler([]Job{{Rule: rule, Interval: 10 * time.Millisecond}}, ready, newGate(&fakePinger{}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, rule.calls.Load())

	close(ready)
	assert.Eventually(t, func() bool { return rule.calls.Load() >= 3 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestRunCancelledBeforeReady(t *testing.T) {
	rule := &fakeRule{name: "a"}
	s := newScheduler([]Job{{Rule: rule, Interval: time.Millisecond}}, make(readyChan), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Run(ctx), context.Canceled)
	assert.Zero(t, rule.calls.Load())
}

func TestUnhealthyStoreSkipsTicks(t *testing.T) {
	pinger := &fakePinger{}
	pinger.failures.Store(1 << 20)
	gate := newGate(pinger)

	failing := &fakeRule{name: "a", queryErr: errors.New("database is closed")}
	other := &fakeRule{name: "b"}
	s := newScheduler([]Job{{Rule: failing}, {Rule: other}}, nil, gate)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.RunOnce(ctx)
	assert.False(t, gate.Healthy())
	assert.Equal(t, int32(1), failing.calls.Load())
	assert.Zero(t, other.calls.Load(), "rules after a lost store are paused")

	stats := s.Stats()
	assert.Equal(t, "database is closed", stats[0].LastError)
	assert.Equal(t, int64(1), stats[1].SkippedTicks)
	assert.False(t, s.Healthy())
}

func TestGateRecoversWithBackoff(t *testing.T) {
	pinger := &fakePinger{}
	pinger.failures.Store(3)
	gate := newGate(pinger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gate.ReportFailure(ctx, errors.New("boom"))
	gate.ReportFailure(ctx, errors.New("boom again"))
	assert.False(t, gate.Healthy())

	assert.Eventually(t, gate.Healthy, time.Second, time.Millisecond)
	assert.Equal(t, int32(4), pinger.calls.Load(), "one probe loop at a time")
}

func TestGateProbe(t *testing.T) {
	pinger := &fakePinger{}
	gate := newGate(pinger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, gate.Probe(ctx))
	assert.True(t, gate.Healthy())

	pinger.failures.Store(1)
	assert.Error(t, gate.Probe(ctx))
	assert.Eventually(t, gate.Healthy, time.Second, time.Millisecond)
}

func TestStatsCountsOutcomes(t *testing.T) {
	rule := &fakeRule{name: "a", results: []reconcile.Result{
		{BookingID: "1", Outcome: reconcile.OutcomeApplied},
		{BookingID: "2", Outcome: reconcile.OutcomeApplied},
		{BookingID: "3", Outcome: reconcile.OutcomeFailed},
		{BookingID: "4", Outcome: reconcile.OutcomeInvariant},
	}}
	s := newScheduler([]Job{{Rule: rule, Interval: time.Minute}}, nil, nil)
	s.RunOnce(context.Background())

	st := s.Stats()[0]
	assert.Equal(t, 2, st.Applied)
	assert.Equal(t, 1, st.Failed)
	assert.Equal(t, 1, st.Invariant)
	assert.Equal(t, time.Minute, st.Interval)
}
