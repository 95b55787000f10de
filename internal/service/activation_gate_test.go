package service

import (
	"context"
	"errors"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Leafyheader/LabSync/internal/database"
	"github.com/Leafyheader/LabSync/internal/model"
	"github.com/Leafyheader/LabSync/internal/queue"
	"github.com/Leafyheader/LabSync/internal/repository"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []queue.ActivationEvent
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, ev queue.ActivationEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return p.err
}

func (p *recordingPublisher) kinds() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Kind)
	}
	return out
}

func newTestGate(t *testing.T, opts ...Option) (*ActivationGate, *fakeClock, *recordingPublisher) {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "gate.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, database.Migrate(context.Background(), db, database.SQLite))

	clock := &fakeClock{now: time.Date(2025, 8, 12, 9, 0, 0, 0, time.UTC)}
	pub := &recordingPublisher{}
	opts = append([]Option{WithClock(clock.Now), WithPublisher(pub)}, opts...)
	return NewActivationGate(repository.NewActivationRepo(db), zerolog.Nop(), opts...), clock, pub
}

func TestScenario_LAB42(t *testing.T) {
	ctx := context.Background()
	gate, clock, pub := newTestGate(t)

	_, err := gate.SetStatus(ctx, "LAB42", model.StatusActive, nil)
	require.NoError(t, err)

	st, err := gate.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.RequiresActivation)
	assert.Equal(t, 1, st.ActiveCount)
	require.NotNil(t, st.LastUpdated)
	assert.True(t, st.ServerTime.Equal(clock.Now()))

	res, err := gate.Validate(ctx, "LAB42")
	require.NoError(t, err)
	assert.Equal(t, model.StatusDisabled, res.Activation.Status)
	assert.True(t, res.ServerTime.Equal(clock.Now()))

	_, err = gate.Validate(ctx, "LAB42")
	assert.ErrorIs(t, err, ErrCodeDisabled)

	st, err = gate.Status(ctx)
	require.NoError(t, err)
	assert.False(t, st.RequiresActivation)
	assert.Equal(t, 0, st.ActiveCount)
	assert.Nil(t, st.LastUpdated)

	assert.Equal(t, []string{queue.KindUpdated, queue.KindConsumed}, pub.kinds())
}

func TestScenario_FUTURE1(t *testing.T) {
	ctx := context.Background()
	gate, clock, _ := newTestGate(t)

	at := clock.Now().Add(time.Hour)
	_, err := gate.SetStatus(ctx, "FUTURE1", model.StatusActive, &at)
	require.NoError(t, err)

	_, err = gate.Validate(ctx, "FUTURE1")
	assert.ErrorIs(t, err, ErrCodeNotYetActive)

	st, err := gate.Status(ctx)
	require.NoError(t, err)
	assert.False(t, st.RequiresActivation, "pending codes do not count as active")

	clock.Advance(2 * time.Hour)
	res, err := gate.Validate(ctx, "FUTURE1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusDisabled, res.Activation.Status)
}

func TestValidate_Errors(t *testing.T) {
	ctx := context.Background()
	gate, _, pub := newTestGate(t)

	_, err := gate.Validate(ctx, "UNKNOWN")
	assert.ErrorIs(t, err, ErrCodeNotFound)

	_, err = gate.Validate(ctx, "   ")
	assert.ErrorIs(t, err, ErrValidation)

	_, err = gate.SetStatus(ctx, "OFFCODE", model.StatusDisabled, nil)
	require.NoError(t, err)
	_, err = gate.Validate(ctx, "OFFCODE")
	assert.ErrorIs(t, err, ErrCodeDisabled)

	_, err = gate.Validate(ctx, "offcode")
	assert.ErrorIs(t, err, ErrCodeNotFound, "codes are case-sensitive")

	assert.Equal(t, []string{queue.KindUpdated}, pub.kinds(), "rejections publish nothing")
}

func TestValidate_MatchesCodeExactly(t *testing.T) {
	ctx := context.Background()
	gate, _, _ := newTestGate(t)
	_, err := gate.SetStatus(ctx, "LAB42", model.StatusActive, nil)
	require.NoError(t, err)

	for _, c := range []string{"  LAB42\t", " LAB42", "LAB42\n"} {
		_, err = gate.Validate(ctx, c)
		assert.ErrorIs(t, err, ErrCodeNotFound, "%q", c)
	}
	st, err := gate.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.ActiveCount, "padded codes consume nothing")

	_, err = gate.Validate(ctx, "LAB42")
	assert.NoError(t, err)
}

func TestValidate_OneTimeUseUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	gate, _, _ := newTestGate(t)
	_, err := gate.SetStatus(ctx, "ONCE", model.StatusActive, nil)
	require.NoError(t, err)

	const n = 20
	errs := make([]error, n)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = gate.Validate(ctx, "ONCE")
		}(i)
	}
	close(start)
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, ErrCodeDisabled)
	}
	assert.Equal(t, 1, wins)
}

func TestStatus_Idempotent(t *testing.T) {
	ctx := context.Background()
	gate, clock, _ := newTestGate(t)
	_, err := gate.SetStatus(ctx, "A", model.StatusActive, nil)
	require.NoError(t, err)
	clock.Advance(time.Second)
	_, err = gate.SetStatus(ctx, "B", model.StatusActive, nil)
	require.NoError(t, err)

	first, err := gate.Status(ctx)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := gate.Status(ctx)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
	assert.Equal(t, 2, first.ActiveCount)
	require.NotNil(t, first.LastUpdated)
	assert.True(t, first.LastUpdated.Equal(clock.Now()), "lastUpdated comes from the most recently changed code")
}

func TestSetStatus_UpsertKeepsOneRecord(t *testing.T) {
	ctx := context.Background()
	gate, clock, _ := newTestGate(t)

	a, err := gate.SetStatus(ctx, "DUP", model.StatusActive, nil)
	require.NoError(t, err)
	clock.Advance(time.Minute)
	b, err := gate.SetStatus(ctx, "DUP", model.StatusDisabled, nil)
	require.NoError(t, err)
	assert.Equal(t, a.ID, b.ID)

	all, err := gate.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, model.StatusDisabled, all[0].Status)

	// Only an admin brings a dormant code back.
	_, err = gate.SetStatus(ctx, "DUP", model.StatusActive, nil)
	require.NoError(t, err)
	_, err = gate.Validate(ctx, "DUP")
	assert.NoError(t, err)
}

func TestSetStatus_Validation(t *testing.T) {
	ctx := context.Background()
	gate, _, _ := newTestGate(t)

	_, err := gate.SetStatus(ctx, "", model.StatusActive, nil)
	assert.ErrorIs(t, err, ErrValidation)
	_, err = gate.SetStatus(ctx, "X", model.ActivationStatus("MAYBE"), nil)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	gate, _, pub := newTestGate(t)
	a, err := gate.SetStatus(ctx, "GONE", model.StatusActive, nil)
	require.NoError(t, err)

	require.NoError(t, gate.Remove(ctx, a.ID))
	assert.ErrorIs(t, gate.Remove(ctx, a.ID), ErrNotFound)
	assert.ErrorIs(t, gate.Remove(ctx, ""), ErrValidation)

	_, err = gate.Validate(ctx, "GONE")
	assert.ErrorIs(t, err, ErrCodeNotFound)
	assert.Equal(t, []string{queue.KindUpdated, queue.KindDeleted}, pub.kinds())
}

func TestSeed_OnlyWhenEmpty(t *testing.T) {
	ctx := context.Background()
	gate, _, _ := newTestGate(t)

	seeded, err := gate.Seed(ctx, "MEDLAB2025", model.StatusActive)
	require.NoError(t, err)
	assert.True(t, seeded)

	seeded, err = gate.Seed(ctx, "OTHER", model.StatusActive)
	require.NoError(t, err)
	assert.False(t, seeded)

	all, err := gate.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "MEDLAB2025", all[0].Code)

	seeded, err = gate.Seed(ctx, "", model.StatusActive)
	require.NoError(t, err)
	assert.False(t, seeded)
}

func TestGenerate(t *testing.T) {
	ctx := context.Background()
	gate, clock, pub := newTestGate(t)

	at := clock.Now().Add(time.Hour)
	a, err := gate.Generate(ctx, &at)
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^[A-HJ-NP-Z2-9]{4}-[A-HJ-NP-Z2-9]{4}-[A-HJ-NP-Z2-9]{4}$`), a.Code)
	assert.Equal(t, model.StatusActive, a.Status)
	assert.Equal(t, model.PhasePending, a.PhaseAt(clock.Now()))

	ev := pub.events[len(pub.events)-1]
	assert.Equal(t, queue.KindGenerated, ev.Kind)
	assert.NotEqual(t, a.Code, ev.Code, "events carry a redacted code")
	assert.Equal(t, model.FormatTime(at), ev.ActivateAt)
}

func TestPublishFailureDoesNotFailCall(t *testing.T) {
	ctx := context.Background()
	gate, _, pub := newTestGate(t)
	pub.err = errors.New("broker down")

	_, err := gate.SetStatus(ctx, "P", model.StatusActive, nil)
	require.NoError(t, err)
	_, err = gate.Validate(ctx, "P")
	assert.NoError(t, err)
}

func TestNewActivationCode_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		c, err := NewActivationCode()
		require.NoError(t, err)
		assert.Len(t, c, 14)
		assert.False(t, seen[c])
		seen[c] = true
	}
}
