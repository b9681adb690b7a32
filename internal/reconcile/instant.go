package reconcile

import (
	"context"
	"sync"
	"time"

	"pairbot/internal/models"
)

type stopper interface {
	Stop() bool
}

type instantTimer struct {
	stop  stopper
	gen   uint64
	dueAt time.Time
}

// instantVoiceRule opens voice for instant bookings once their open delay has
// passed. Bookings not yet due get one timer each.
type instantVoiceRule struct {
	e *Engine

	mu      sync.Mutex
	timers  map[string]*instantTimer
	gen     uint64
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc

	afterFunc func(d time.Duration, f func()) stopper
}

func newInstantVoiceRule(e *Engine) *instantVoiceRule {
	ctx, cancel := context.WithCancel(context.Background())
	return &instantVoiceRule{
		e:      e,
		timers: make(map[string]*instantTimer),
		ctx:    ctx,
		cancel: cancel,
		afterFunc: func(d time.Duration, f func()) stopper {
			return time.AfterFunc(d, f)
		},
	}
}

func (r *instantVoiceRule) Name() string { return RuleInstantVoice }

func (r *instantVoiceRule) Apply(ctx context.Context, now time.Time) Report {
	qualifying := make(map[string]struct{})
	report := scan(ctx, r.e, RuleInstantVoice, now,
		func(ctx context.Context) ([]models.InstantVoiceCandidate, error) {
			return r.e.store.FindInstantVoiceCandidates(ctx, now)
		},
		func(ctx context.Context, c models.InstantVoiceCandidate) (Outcome, error) {
			qualifying[c.ID()] = struct{}{}
			openAt := c.OpenAt()
			if openAt.After(now) {
				r.arm(c.ID(), openAt, openAt.Sub(now))
				return OutcomeSkipped, nil
			}
			r.disarm(c.ID())
			return r.provision(ctx, c.ID())
		})

	if report.QueryErr == nil && ctx.Err() == nil {
		r.prune(qualifying)
	}
	return report
}

func (r *instantVoiceRule) provision(ctx context.Context, bookingID string) (Outcome, error) {
	e := r.e
	if e.recentlyApplied(ctx, bookingID, RuleInstantVoice) {
		return OutcomeSkipped, nil
	}
	b, outcome, err := e.loadBooking(ctx, bookingID)
	if b == nil {
		return outcome, err
	}
	if b.Status != models.StatusConfirmed || !b.IsInstantMode || b.VoiceChannelCreated || b.EarlyTextChannelRef == "" {
		return OutcomeSkipped, nil
	}
	return e.provisionVoice(ctx, b, RuleInstantVoice)
}

// arm schedules provisioning at dueAt unless a timer for the same moment exists.
func (r *instantVoiceRule) arm(bookingID string, dueAt time.Time, delay time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	if t, ok := r.timers[bookingID]; ok {
		if t.dueAt.Equal(dueAt) {
			return
		}
		t.stop.Stop()
	}

	r.gen++
	gen := r.gen
	r.timers[bookingID] = &instantTimer{
		gen:   gen,
		dueAt: dueAt,
		stop:  r.afterFunc(delay, func() { r.fire(bookingID, gen) }),
	}
}

func (r *instantVoiceRule) fire(bookingID string, gen uint64) {
	r.mu.Lock()
	t, ok := r.timers[bookingID]
	if !ok || t.gen != gen || r.stopped {
		r.mu.Unlock()
		return
	}
	delete(r.timers, bookingID)
	r.mu.Unlock()

	r.e.applyOne(r.ctx, RuleInstantVoice, bookingID, func(ctx context.Context) (Outcome, error) {
		return r.provision(ctx, bookingID)
	})
}

func (r *instantVoiceRule) disarm(bookingID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.timers[bookingID]; ok {
		t.stop.Stop()
		delete(r.timers, bookingID)
	}
}

// prune drops timers for bookings that no longer qualify.
func (r *instantVoiceRule) prune(qualifying map[string]struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, t := range r.timers {
		if _, ok := qualifying[id]; !ok {
			t.stop.Stop()
			delete(r.timers, id)
		}
	}
}

func (r *instantVoiceRule) pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.timers)
}

func (r *instantVoiceRule) Stop() {
	r.mu.Lock()
	r.stopped = true
	for id, t := range r.timers {
		t.stop.Stop()
		delete(r.timers, id)
	}
	r.mu.Unlock()
	r.cancel()
}
