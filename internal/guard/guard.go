package guard

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// messageError is an error whose text is already fit for display.
type messageError string

func (e messageError) Error() string       { return string(e) }
func (e messageError) UserMessage() string { return string(e) }

// ErrEmptyCode is returned by Activate before any network call when the
// code is empty or whitespace.
var ErrEmptyCode error = messageError("Please enter an activation code")

// connError wraps ErrUnreachable for Activate callers.
type connError struct{ err error }

func (e *connError) Error() string { return e.err.Error() }
func (e *connError) Unwrap() error { return e.err }
func (e *connError) UserMessage() string {
	return "Cannot reach the activation server. Check the connection and try again."
}

// UserError is implemented by every error Activate returns.
type UserError interface {
	error
	UserMessage() string
}

// API is the part of Client the guard uses.
type API interface {
	Status(ctx context.Context) (StatusResponse, error)
	ServerTime(ctx context.Context) (TimeResponse, error)
	Check(ctx context.Context, code string) (CheckResponse, error)
}

// State is what the UI renders.  Provisional means the decision came from
// the persisted snapshot because the server could not be asked; it is
// replaced by the next successful poll.
type State struct {
	IsActivated     bool
	NeedsActivation bool
	Provisional     bool
	TamperSuspected bool
	Drift           time.Duration // |server - local| at the last successful poll
	LastChecked     time.Time     // local time of the last successful poll
}

// Options tune the guard.  Zero values take the defaults noted.
type Options struct {
	PollInterval    time.Duration    // 5m
	TamperThreshold time.Duration    // 5m
	DriftWarn       time.Duration    // 10m
	Now             func() time.Time // local clock, time.Now
}

// Guard decides whether the application is usable.  The server is the only
// authority: local records are consulted only while the server is
// unreachable, and then only when they are derived from a server answer.
type Guard struct {
	api   API
	store *SnapshotStore
	log   zerolog.Logger
	opts  Options

	flight singleflight.Group

	mu        sync.Mutex
	state     State
	listeners []func(State)
}

func New(api API, store *SnapshotStore, log zerolog.Logger, opts Options) *Guard {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Minute
	}
	if opts.TamperThreshold <= 0 {
		opts.TamperThreshold = 5 * time.Minute
	}
	if opts.DriftWarn <= 0 {
		opts.DriftWarn = 10 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Guard{
		api:   api,
		store: store,
		log:   log.With().Str("component", "activation_guard").Logger(),
		opts:  opts,
		// Blocked until the first check says otherwise.
		state: State{NeedsActivation: true, Provisional: true},
	}
}

// State returns the current decision.
func (g *Guard) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// OnChange registers fn to be called after every state change.
func (g *Guard) OnChange(fn func(State)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.listeners = append(g.listeners, fn)
}

func (g *Guard) setState(s State) {
	g.mu.Lock()
	changed := s != g.state
	g.state = s
	ls := slices.Clone(g.listeners)
	g.mu.Unlock()
	if changed {
		for _, fn := range ls {
			fn(s)
		}
	}
}

// CheckStatus asks the server whether activation is required.  Calls that
// overlap an in-flight check share its result.  When the server cannot be
// reached the returned state is the provisional fallback and the error
// wraps ErrUnreachable.
func (g *Guard) CheckStatus(ctx context.Context) (State, error) {
	v, err, _ := g.flight.Do("status", func() (any, error) {
		return g.checkStatus(ctx)
	})
	return v.(State), err
}

func (g *Guard) checkStatus(ctx context.Context) (State, error) {
	st, err := g.api.Status(ctx)
	if err != nil {
		return g.fallback(err), err
	}
	serverTime := st.ServerTime
	if tr, err := g.api.ServerTime(ctx); err == nil {
		serverTime = tr.ServerTime
	} else {
		g.log.Debug().Err(err).Msg("server time unavailable; using status time")
	}
	local := g.opts.Now()

	drift := absDur(serverTime.Sub(local))
	if drift > g.opts.DriftWarn {
		g.log.Warn().Dur("drift", drift).Time("server_time", serverTime).Time("local_time", local).
			Msg("local clock differs from server clock")
	}

	tamper := false
	prev, ok, err := g.store.LoadClock()
	switch {
	case errors.Is(err, ErrTampered):
		tamper = true
	case err != nil:
		g.log.Error().Err(err).Msg("load clock snapshot")
	case ok:
		serverDelta := serverTime.Sub(prev.ServerTime)
		localDelta := local.Sub(prev.LocalTime)
		if skew := absDur(serverDelta - localDelta); skew > g.opts.TamperThreshold {
			tamper = true
			g.log.Warn().Dur("server_delta", serverDelta).Dur("local_delta", localDelta).
				Msg("local clock moved independently of the server; possible tampering")
		}
	}
	if tamper {
		g.clearActivation("clock tamper suspected")
	}
	if st.RequiresActivation {
		g.clearActivation("server requires activation")
	}

	if err := g.store.SaveClock(ClockPair{ServerTime: serverTime, LocalTime: local}); err != nil {
		g.log.Error().Err(err).Msg("save clock snapshot")
	}
	if err := g.store.SaveDecision(Decision{RequiresActivation: st.RequiresActivation, ServerTime: serverTime}); err != nil {
		g.log.Error().Err(err).Msg("save decision snapshot")
	}

	s := State{
		IsActivated:     !st.RequiresActivation,
		NeedsActivation: st.RequiresActivation,
		TamperSuspected: tamper,
		Drift:           drift,
		LastChecked:     local,
	}
	g.setState(s)
	return s, nil
}

// fallback derives a provisional state from server-derived records only.
func (g *Guard) fallback(cause error) State {
	g.log.Warn().Err(cause).Msg("activation status unavailable; using last server decision")
	prev := g.State()
	s := State{
		NeedsActivation: true,
		Provisional:     true,
		TamperSuspected: prev.TamperSuspected,
		Drift:           prev.Drift,
		LastChecked:     prev.LastChecked,
	}

	dec, ok, err := g.store.LoadDecision()
	if errors.Is(err, ErrTampered) {
		s.TamperSuspected = true
	}
	if !ok {
		g.setState(s)
		return s
	}
	if !dec.RequiresActivation {
		s.IsActivated, s.NeedsActivation = true, false
		g.setState(s)
		return s
	}

	act, ok, err := g.store.LoadActivation()
	if errors.Is(err, ErrTampered) {
		s.TamperSuspected = true
	}
	// Only an activation the server confirmed after its last "required"
	// answer can stand in for it.
	if ok && !act.ServerTime.Before(dec.ServerTime) {
		s.IsActivated, s.NeedsActivation = true, false
	}
	g.setState(s)
	return s
}

// Activate submits code to the server.  On success the server-supplied
// consumption time is persisted.  On failure the state is left unchanged
// and the error implements UserError.
func (g *Guard) Activate(ctx context.Context, code string) (State, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return g.State(), ErrEmptyCode
	}

	resp, err := g.api.Check(ctx, code)
	if err != nil {
		var re *RejectError
		switch {
		case errors.As(err, &re):
			g.log.Info().Str("reason", re.Kind.String()).Int("status", re.StatusCode).Msg("activation code rejected")
			return g.State(), re
		case errors.Is(err, ErrUnreachable):
			return g.State(), &connError{err: err}
		default:
			return g.State(), &connError{err: fmt.Errorf("%w: %v", ErrUnreachable, err)}
		}
	}

	local := g.opts.Now()
	if err := g.store.SaveActivation(LocalActivation{
		ActivationID: resp.Activation.ID,
		Code:         code,
		ServerTime:   resp.ServerTime,
	}); err != nil {
		g.log.Error().Err(err).Msg("save activation snapshot")
	}
	if err := g.store.SaveClock(ClockPair{ServerTime: resp.ServerTime, LocalTime: local}); err != nil {
		g.log.Error().Err(err).Msg("save clock snapshot")
	}
	g.log.Info().Str("activation_id", resp.Activation.ID).Time("server_time", resp.ServerTime).Msg("activated")

	prev := g.State()
	s := State{
		IsActivated:     true,
		NeedsActivation: false,
		TamperSuspected: prev.TamperSuspected,
		Drift:           absDur(resp.ServerTime.Sub(local)),
		LastChecked:     prev.LastChecked,
	}
	g.setState(s)
	return s, nil
}

// Run checks at start and then every PollInterval until ctx is done.  Each
// check runs on its own goroutine; Run waits for them before returning.
func (g *Guard) Run(ctx context.Context) {
	var wg sync.WaitGroup
	poll := func() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := g.CheckStatus(ctx); err != nil && ctx.Err() == nil {
				g.log.Warn().Err(err).Msg("activation poll failed")
			}
		}()
	}

	poll()
	t := time.NewTicker(g.opts.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case <-t.C:
			poll()
		}
	}
}

func (g *Guard) clearActivation(why string) {
	if err := g.store.ClearActivation(); err != nil {
		g.log.Error().Err(err).Msg("clear activation snapshot")
		return
	}
	g.log.Debug().Str("why", why).Msg("local activation cleared")
}

func absDur(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
