// Package service holds the activation gate: the server-side rules that
// decide whether the application must be blocked, and that consume
// one-time activation codes against the server clock.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/Leafyheader/LabSync/internal/logging"
	"github.com/Leafyheader/LabSync/internal/metrics"
	"github.com/Leafyheader/LabSync/internal/model"
	"github.com/Leafyheader/LabSync/internal/queue"
	"github.com/Leafyheader/LabSync/internal/repository"
)

var (
	ErrCodeNotFound     = errors.New("activation code not found")
	ErrCodeDisabled     = errors.New("activation code is disabled")
	ErrCodeNotYetActive = errors.New("activation code is not yet active")
	ErrNotFound         = errors.New("activation not found")
	ErrValidation       = errors.New("validation failed")
)

// ActivationStore is the persistence the gate needs.  It is satisfied by
// *repository.ActivationRepo.
type ActivationStore interface {
	UpsertByCode(ctx context.Context, code string, status model.ActivationStatus, activateAt *time.Time, now time.Time) (model.Activation, error)
	FindByCode(ctx context.Context, code string) (model.Activation, error)
	ListActive(ctx context.Context, now time.Time) ([]model.Activation, error)
	ListAll(ctx context.Context) ([]model.Activation, error)
	Count(ctx context.Context) (int, error)
	Consume(ctx context.Context, code string, now time.Time) (model.Activation, error)
	DeleteByID(ctx context.Context, id string) error
}

// EventPublisher receives an event after every successful mutation.
type EventPublisher interface {
	Publish(ctx context.Context, ev queue.ActivationEvent) error
}

// StatusReport answers "must the application be gated right now".
type StatusReport struct {
	RequiresActivation bool
	ActiveCount        int
	LastUpdated        *time.Time // updated_at of the most recently changed usable code
	ServerTime         time.Time
}

// ValidationResult is returned by a successful Validate.  ServerTime is the
// instant the decision was taken at; Activation shows the record after it
// was switched off.
type ValidationResult struct {
	ServerTime time.Time
	Activation model.Activation
}

// ActivationGate applies the activation rules.  The server clock is the
// only time source: every operation reads it exactly once, up front, and
// uses that value for every comparison and write it makes.
type ActivationGate struct {
	store     ActivationStore
	log       zerolog.Logger
	clock     func() time.Time
	publisher EventPublisher
}

type Option func(*ActivationGate)

// WithClock replaces the server clock.  Tests use it to pin time.
func WithClock(clock func() time.Time) Option {
	return func(g *ActivationGate) { g.clock = clock }
}

// WithPublisher enables audit events.
func WithPublisher(p EventPublisher) Option {
	return func(g *ActivationGate) { g.publisher = p }
}

func NewActivationGate(store ActivationStore, log zerolog.Logger, opts ...Option) *ActivationGate {
	g := &ActivationGate{
		store: store,
		log:   log.With().Str("component", "activation_gate").Logger(),
		clock: func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// ServerTime returns the current server time.
func (g *ActivationGate) ServerTime() time.Time {
	return g.now()
}

func (g *ActivationGate) now() time.Time {
	return model.StoreTime(g.clock())
}

// Status reports whether activation is required.  It has no side effects.
func (g *ActivationGate) Status(ctx context.Context) (StatusReport, error) {
	now := g.now()
	active, err := g.store.ListActive(ctx, now)
	if err != nil {
		return StatusReport{}, fmt.Errorf("list active: %w", err)
	}
	metrics.ObserveStatus(len(active))

	rep := StatusReport{
		RequiresActivation: len(active) > 0,
		ActiveCount:        len(active),
		ServerTime:         now,
	}
	if len(active) > 0 {
		t := active[0].UpdatedAt
		rep.LastUpdated = &t
	}
	return rep, nil
}

// Validate consumes code.  Exactly one of any number of concurrent callers
// for the same usable code succeeds; the others get ErrCodeDisabled.
func (g *ActivationGate) Validate(ctx context.Context, code string) (ValidationResult, error) {
	now := g.now()
	if model.BlankCode(code) {
		metrics.IncValidation("invalid")
		return ValidationResult{}, fmt.Errorf("%w: code is required", ErrValidation)
	}

	a, err := g.store.Consume(ctx, code, now)
	switch {
	case err == nil:
	case errors.Is(err, repository.ErrNotFound):
		return g.rejected(code, "not_found", ErrCodeNotFound)
	case errors.Is(err, repository.ErrCodeDisabled):
		return g.rejected(code, "disabled", ErrCodeDisabled)
	case errors.Is(err, repository.ErrCodeNotYetActive):
		return g.rejected(code, "not_yet_active", ErrCodeNotYetActive)
	default:
		metrics.IncValidation("error")
		return ValidationResult{}, fmt.Errorf("consume: %w", err)
	}

	metrics.IncValidation("success")
	g.log.Info().Str("activation_id", a.ID).Str("code", logging.Redact(code)).
		Time("server_time", now).Msg("activation code consumed")
	g.publish(ctx, queue.KindConsumed, a, now)
	return ValidationResult{ServerTime: now, Activation: a}, nil
}

func (g *ActivationGate) rejected(code, reason string, err error) (ValidationResult, error) {
	metrics.IncValidation(reason)
	g.log.Info().Str("code", logging.Redact(code)).Str("reason", reason).Msg("activation code rejected")
	return ValidationResult{}, err
}

// SetStatus is the administrative upsert.  No time-window rule applies:
// any status may be combined with any activateAt, past or future.
func (g *ActivationGate) SetStatus(ctx context.Context, code string, status model.ActivationStatus, activateAt *time.Time) (model.Activation, error) {
	now := g.now()
	if model.BlankCode(code) {
		metrics.IncAdminOp("manage", "invalid")
		return model.Activation{}, fmt.Errorf("%w: code is required", ErrValidation)
	}
	if _, err := model.ParseStatus(string(status)); err != nil {
		metrics.IncAdminOp("manage", "invalid")
		return model.Activation{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	a, err := g.store.UpsertByCode(ctx, code, status, activateAt, now)
	if err != nil {
		metrics.IncAdminOp("manage", "error")
		return model.Activation{}, fmt.Errorf("upsert: %w", err)
	}
	metrics.IncAdminOp("manage", "success")
	g.log.Info().Str("activation_id", a.ID).Str("code", logging.Redact(code)).
		Str("status", string(status)).Msg("activation status updated")
	g.publish(ctx, queue.KindUpdated, a, now)
	return a, nil
}

// List returns every record, most recently updated first.
func (g *ActivationGate) List(ctx context.Context) ([]model.Activation, error) {
	all, err := g.store.ListAll(ctx)
	if err != nil {
		metrics.IncAdminOp("list", "error")
		return nil, fmt.Errorf("list: %w", err)
	}
	metrics.IncAdminOp("list", "success")
	return all, nil
}

// Remove hard-deletes the record with the given id.
func (g *ActivationGate) Remove(ctx context.Context, id string) error {
	now := g.now()
	if id == "" {
		metrics.IncAdminOp("delete", "invalid")
		return fmt.Errorf("%w: id is required", ErrValidation)
	}
	err := g.store.DeleteByID(ctx, id)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		metrics.IncAdminOp("delete", "not_found")
		return ErrNotFound
	case err != nil:
		metrics.IncAdminOp("delete", "error")
		return fmt.Errorf("delete: %w", err)
	}
	metrics.IncAdminOp("delete", "success")
	g.log.Info().Str("activation_id", id).Msg("activation deleted")
	g.publish(ctx, queue.KindDeleted, model.Activation{ID: id}, now)
	return nil
}

// Seed creates code with status when the store holds no record at all.
// It reports whether a record was created.
func (g *ActivationGate) Seed(ctx context.Context, code string, status model.ActivationStatus) (bool, error) {
	now := g.now()
	if model.BlankCode(code) {
		return false, nil
	}
	if _, err := model.ParseStatus(string(status)); err != nil {
		return false, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	n, err := g.store.Count(ctx)
	if err != nil {
		return false, fmt.Errorf("count: %w", err)
	}
	if n > 0 {
		return false, nil
	}
	a, err := g.store.UpsertByCode(ctx, code, status, nil, now)
	if err != nil {
		return false, fmt.Errorf("seed: %w", err)
	}
	g.log.Info().Str("activation_id", a.ID).Str("code", logging.Redact(code)).
		Str("status", string(status)).Msg("seeded initial activation code")
	g.publish(ctx, queue.KindSeeded, a, now)
	return true, nil
}

// Generate creates a fresh random code in status ON, optionally gated by
// activateAt.
func (g *ActivationGate) Generate(ctx context.Context, activateAt *time.Time) (model.Activation, error) {
	now := g.now()
	for attempt := 0; attempt < 5; attempt++ {
		code, err := NewActivationCode()
		if err != nil {
			metrics.IncAdminOp("generate", "error")
			return model.Activation{}, err
		}
		_, err = g.store.FindByCode(ctx, code)
		if err == nil {
			continue // taken; draw again
		}
		if !errors.Is(err, repository.ErrNotFound) {
			metrics.IncAdminOp("generate", "error")
			return model.Activation{}, fmt.Errorf("lookup: %w", err)
		}
		a, err := g.store.UpsertByCode(ctx, code, model.StatusActive, activateAt, now)
		if err != nil {
			metrics.IncAdminOp("generate", "error")
			return model.Activation{}, fmt.Errorf("create: %w", err)
		}
		metrics.IncAdminOp("generate", "success")
		g.log.Info().Str("activation_id", a.ID).Str("code", logging.Redact(code)).Msg("activation code generated")
		g.publish(ctx, queue.KindGenerated, a, now)
		return a, nil
	}
	metrics.IncAdminOp("generate", "error")
	return model.Activation{}, errors.New("could not draw an unused activation code")
}

// publish never fails the caller; the mutation has already committed.
func (g *ActivationGate) publish(ctx context.Context, kind string, a model.Activation, now time.Time) {
	if g.publisher == nil {
		return
	}
	ev := queue.ActivationEvent{
		Kind:         kind,
		ActivationID: a.ID,
		Status:       string(a.Status),
		ServerTime:   model.FormatTime(now),
	}
	if a.Code != "" {
		ev.Code = logging.Redact(a.Code)
	}
	if a.ActivateAt != nil {
		ev.ActivateAt = model.FormatTime(*a.ActivateAt)
	}
	// Detached from the request so a client disconnect does not drop the event.
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := g.publisher.Publish(pctx, ev); err != nil {
		g.log.Warn().Err(err).Str("kind", kind).Str("activation_id", a.ID).Msg("publish activation event failed")
	}
}
