package reconcile

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"pairbot/internal/config"
	"pairbot/internal/database"
	"pairbot/internal/domain"
	"pairbot/internal/events"
	"pairbot/internal/models"
	"pairbot/internal/repository"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type fakePlatform struct {
	mu       sync.Mutex
	ready    chan struct{}
	nextID   int
	channels map[string]string // ref -> name
	voice    map[string]bool
	messages map[string][]string
	prompts  map[string][]models.Prompt
	moves    []string
	deleted  []string
	creates  int

	createErr  map[string]error // by channel name
	deleteErr  map[string]error // by ref
	promptErr  error
	panicOnRef string
}

func newFakePlatform() *fakePlatform {
	ready := make(chan struct{})
	close(ready)
	return &fakePlatform{
		ready:     ready,
		channels:  map[string]string{},
		voice:     map[string]bool{},
		messages:  map[string][]string{},
		prompts:   map[string][]models.Prompt{},
		createErr: map[string]error{},
		deleteErr: map[string]error{},
	}
}

func (f *fakePlatform) Ready() <-chan struct{} { return f.ready }

func (f *fakePlatform) FindChannel(_ context.Context, name string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for ref, n := range f.channels {
		if n == name {
			return ref, true, nil
		}
	}
	return "", false, nil
}

func (f *fakePlatform) create(name string, voice bool) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.createErr[name]; err != nil {
		return "", err
	}
	f.nextID++
	f.creates++
	ref := fmt.Sprintf("ch-%d", f.nextID)
	f.channels[ref] = name
	f.voice[ref] = voice
	return ref, nil
}

func (f *fakePlatform) CreateTextChannel(_ context.Context, name string, _ []string) (string, error) {
	return f.create(name, false)
}

func (f *fakePlatform) CreateVoiceChannel(_ context.Context, name string, _ []string) (string, error) {
	return f.create(name, true)
}

func (f *fakePlatform) RenameChannel(_ context.Context, ref, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.channels[ref]; !ok {
		return domain.ErrChannelNotFound
	}
	f.channels[ref] = name
	return nil
}

func (f *fakePlatform) DeleteChannel(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.deleteErr[ref]; err != nil {
		return err
	}
	if _, ok := f.channels[ref]; !ok {
		return domain.ErrChannelNotFound
	}
	delete(f.channels, ref)
	f.deleted = append(f.deleted, ref)
	return nil
}

func (f *fakePlatform) MoveParticipant(_ context.Context, participantRef, voiceRef string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.moves = append(f.moves, participantRef+"->"+voiceRef)
	return nil
}

func (f *fakePlatform) PostMessage(_ context.Context, ref, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ref == f.panicOnRef {
		panic("platform exploded")
	}
	f.messages[ref] = append(f.messages[ref], content)
	return nil
}

func (f *fakePlatform) PostInteractivePrompt(_ context.Context, ref string, prompt models.Prompt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.promptErr != nil {
		return f.promptErr
	}
	f.prompts[ref] = append(f.prompts[ref], prompt)
	return nil
}

func (f *fakePlatform) has(ref string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.channels[ref]
	return ok
}

type fakeFlusher struct {
	mu      sync.Mutex
	flushed []string
	err     error
}

func (f *fakeFlusher) FlushBooking(_ context.Context, bookingID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushed = append(f.flushed, bookingID)
	return f.err
}

type testEnv struct {
	db        *database.DB
	platform  *fakePlatform
	flusher   *fakeFlusher
	engine    *Engine
	completed []events.BookingCompletedPayload
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := zerolog.Nop()
	db, err := database.NewDB(config.DatabaseConfig{Driver: database.DriverSQLite, Path: ":memory:"}, &logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	env := &testEnv{db: db, platform: newFakePlatform(), flusher: &fakeFlusher{}}
	bus := events.NewEventBus()
	bus.Subscribe(events.EventBookingCompleted, func(e *events.Event) error {
		var p events.BookingCompletedPayload
		if err := e.Decode(&p); err != nil {
			return err
		}
		env.completed = append(env.completed, p)
		return nil
	})

	env.engine = NewEngine(Deps{
		Store:    db,
		Platform: env.platform,
		Dedup:    repository.NewMemoryDedupTracker(time.Minute),
		Events:   bus,
		Ratings:  env.flusher,
		Logger:   &logger,
	}, config.ReconcileConfig{
		VoiceLead:          5 * time.Minute,
		ExtensionWindow:    10 * time.Minute,
		ExtensionIncrement: 5 * time.Minute,
		MissedRatingGrace:  time.Hour,
		Timezone:           "UTC",
	}, config.RatingConfig{OuterTimeout: 5 * time.Minute})
	t.Cleanup(env.engine.Stop)
	return env
}

// seed stores a confirmed booking starting at start and lasting 30 minutes.
func (env *testEnv) seed(t *testing.T, start time.Time, mutate func(b *models.Booking)) *models.Booking {
	t.Helper()
	b := &models.Booking{
		Status:       models.StatusConfirmed,
		ConfirmedAt:  testNow.Add(-time.Hour),
		CustomerName: "Alice",
		CustomerRef:  "111",
		PartnerName:  "Bob",
		PartnerRef:   "222",
		Schedule: models.Schedule{
			StartTime: start,
			EndTime:   start.Add(30 * time.Minute),
		},
	}
	if mutate != nil {
		mutate(b)
	}
	require.NoError(t, env.db.CreateBooking(context.Background(), b))
	return b
}

func (env *testEnv) get(t *testing.T, id string) *models.Booking {
	t.Helper()
	b, err := env.db.GetBooking(context.Background(), id)
	require.NoError(t, err)
	return b
}

func (env *testEnv) apply(t *testing.T, name string, now time.Time) Report {
	t.Helper()
	rule, ok := env.engine.Rule(name)
	require.True(t, ok, name)
	return rule.Apply(context.Background(), now)
}

func resultFor(r Report, id string) (Result, bool) {
	for _, res := range r.Results {
		if res.BookingID == id {
			return res, true
		}
	}
	return Result{}, false
}
