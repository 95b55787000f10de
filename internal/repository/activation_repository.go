package repository

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/Leafyheader/LabSync/internal/model"
)

const activationColumns = "id, code, status, activate_at, created_at, updated_at"

// ActivationRepo persists activation codes in the `activations` table.  All
// timestamps are supplied by the caller (the gate's server clock) so the
// store never consults a clock of its own.
type ActivationRepo struct {
	db *sql.DB

	// afterRead runs inside Consume between the read and the conditional
	// update.  Nil outside tests.
	afterRead func(ctx context.Context, tx *sql.Tx) error
}

func NewActivationRepo(db *sql.DB) *ActivationRepo { return &ActivationRepo{db: db} }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanActivation(s rowScanner) (model.Activation, error) {
	var (
		a          model.Activation
		status     string
		activateAt sql.NullTime
	)
	if err := s.Scan(&a.ID, &a.Code, &status, &activateAt, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return model.Activation{}, err
	}
	a.Status = model.ActivationStatus(status)
	if activateAt.Valid {
		t := activateAt.Time.UTC()
		a.ActivateAt = &t
	}
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	return a, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: model.StoreTime(*t), Valid: true}
}

// FindByCode fetches a record by its exact (case-sensitive) code.
func (r *ActivationRepo) FindByCode(ctx context.Context, code string) (model.Activation, error) {
	a, err := scanActivation(r.db.QueryRowContext(ctx,
		"SELECT "+activationColumns+" FROM activations WHERE code=? LIMIT 1", code))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Activation{}, ErrNotFound
	}
	return a, err
}

// FindByID fetches a record by id.
func (r *ActivationRepo) FindByID(ctx context.Context, id string) (model.Activation, error) {
	a, err := scanActivation(r.db.QueryRowContext(ctx,
		"SELECT "+activationColumns+" FROM activations WHERE id=? LIMIT 1", id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Activation{}, ErrNotFound
	}
	return a, err
}

// UpsertByCode creates the record for code or updates its status and
// activate_at.  The id, code and created_at of an existing record are never
// touched.  When two callers race to create the same code, the loser
// retries as an update.
func (r *ActivationRepo) UpsertByCode(ctx context.Context, code string, status model.ActivationStatus, activateAt *time.Time, now time.Time) (model.Activation, error) {
	now = model.StoreTime(now)
	for attempt := 0; attempt < 3; attempt++ {
		a, err := r.upsertOnce(ctx, code, status, activateAt, now)
		if err == nil {
			return a, nil
		}
		if !isDuplicate(err) {
			return model.Activation{}, err
		}
	}
	return model.Activation{}, ErrConflict
}

func (r *ActivationRepo) upsertOnce(ctx context.Context, code string, status model.ActivationStatus, activateAt *time.Time, now time.Time) (model.Activation, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Activation{}, err
	}
	defer func() { _ = tx.Rollback() }()

	at := nullTime(activateAt)
	a, err := scanActivation(tx.QueryRowContext(ctx,
		"SELECT "+activationColumns+" FROM activations WHERE code=? LIMIT 1", code))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		a = model.Activation{ID: uuid.NewString(), Code: code, CreatedAt: now}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO activations ("+activationColumns+") VALUES (?,?,?,?,?,?)",
			a.ID, code, string(status), at, now, now); err != nil {
			return model.Activation{}, err
		}
	case err != nil:
		return model.Activation{}, err
	default:
		if _, err := tx.ExecContext(ctx,
			"UPDATE activations SET status=?, activate_at=?, updated_at=? WHERE id=?",
			string(status), at, now, a.ID); err != nil {
			return model.Activation{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return model.Activation{}, err
	}

	a.Status = status
	a.ActivateAt = nil
	if at.Valid {
		t := at.Time
		a.ActivateAt = &t
	}
	a.UpdatedAt = now
	return a, nil
}

// Consume is the one-time-use step.  Inside a single transaction it loads
// the record, rejects it when it is not usable at now, and switches it off
// with a conditional update guarded by status=ON.  Of any number of
// concurrent callers for the same code exactly one sees an affected row;
// the rest get ErrCodeDisabled.
func (r *ActivationRepo) Consume(ctx context.Context, code string, now time.Time) (model.Activation, error) {
	now = model.StoreTime(now)
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Activation{}, err
	}
	defer func() { _ = tx.Rollback() }()

	a, err := scanActivation(tx.QueryRowContext(ctx,
		"SELECT "+activationColumns+" FROM activations WHERE code=? LIMIT 1", code))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Activation{}, ErrNotFound
	}
	if err != nil {
		return model.Activation{}, err
	}
	switch a.PhaseAt(now) {
	case model.PhaseDormant:
		return a, ErrCodeDisabled
	case model.PhasePending:
		return a, ErrCodeNotYetActive
	}
	if r.afterRead != nil {
		if err := r.afterRead(ctx, tx); err != nil {
			return model.Activation{}, err
		}
	}

	res, err := tx.ExecContext(ctx,
		"UPDATE activations SET status=?, updated_at=? WHERE code=? AND status=?",
		string(model.StatusDisabled), now, code, string(model.StatusActive))
	if err != nil {
		return model.Activation{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return model.Activation{}, err
	}
	if n != 1 {
		return a, ErrCodeDisabled
	}
	if err := tx.Commit(); err != nil {
		return model.Activation{}, err
	}
	a.Status = model.StatusDisabled
	a.UpdatedAt = now
	return a, nil
}

// Disable switches a code off and bumps updated_at.  Disabling a code that
// is already off succeeds.
func (r *ActivationRepo) Disable(ctx context.Context, code string, now time.Time) (model.Activation, error) {
	now = model.StoreTime(now)
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Activation{}, err
	}
	defer func() { _ = tx.Rollback() }()

	a, err := scanActivation(tx.QueryRowContext(ctx,
		"SELECT "+activationColumns+" FROM activations WHERE code=? LIMIT 1", code))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Activation{}, ErrNotFound
	}
	if err != nil {
		return model.Activation{}, err
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE activations SET status=?, updated_at=? WHERE id=?",
		string(model.StatusDisabled), now, a.ID); err != nil {
		return model.Activation{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.Activation{}, err
	}
	a.Status = model.StatusDisabled
	a.UpdatedAt = now
	return a, nil
}

// ListActive returns the records usable at now: status ON and activate_at
// absent or not after now.  The result is ordered by updated_at descending
// so the first element is the most recently changed usable code.
func (r *ActivationRepo) ListActive(ctx context.Context, now time.Time) ([]model.Activation, error) {
	all, err := r.query(ctx,
		"SELECT "+activationColumns+" FROM activations WHERE status=?", string(model.StatusActive))
	if err != nil {
		return nil, err
	}
	now = model.StoreTime(now)
	active := make([]model.Activation, 0, len(all))
	for _, a := range all {
		if a.PhaseAt(now) == model.PhaseUsable {
			active = append(active, a)
		}
	}
	sortByUpdatedDesc(active)
	return active, nil
}

// ListAll returns every record, most recently updated first.
func (r *ActivationRepo) ListAll(ctx context.Context) ([]model.Activation, error) {
	all, err := r.query(ctx, "SELECT "+activationColumns+" FROM activations")
	if err != nil {
		return nil, err
	}
	sortByUpdatedDesc(all)
	return all, nil
}

// Count returns the number of stored records.
func (r *ActivationRepo) Count(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM activations").Scan(&n)
	return n, err
}

// DeleteByID hard-deletes a record.
func (r *ActivationRepo) DeleteByID(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, "DELETE FROM activations WHERE id=?", id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *ActivationRepo) query(ctx context.Context, q string, args ...any) ([]model.Activation, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Activation{}
	for rows.Next() {
		a, err := scanActivation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// sortByUpdatedDesc orders in Go rather than SQL: SQLite keeps DATETIME as
// text, so ordering there would depend on the stored string format.
func sortByUpdatedDesc(list []model.Activation) {
	sort.SliceStable(list, func(i, j int) bool {
		if !list[i].UpdatedAt.Equal(list[j].UpdatedAt) {
			return list[i].UpdatedAt.After(list[j].UpdatedAt)
		}
		return list[i].ID < list[j].ID
	})
}
