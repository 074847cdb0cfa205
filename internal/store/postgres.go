package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/immerspwada/deliber-sub005/internal/models"
)

// Postgres implements Store on a SQL database. Acceptance is a single
// conditional UPDATE whose RowsAffected count resolves the race;
// cancellation and completion run inside one transaction.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) Close() error { return p.db.Close() }

// Exec runs a raw statement. Used for migrations at startup.
func (p *Postgres) Exec(q string) error {
	_, err := p.db.Exec(q)
	return err
}

func (p *Postgres) Ping(ctx context.Context) error {
	var one int
	return p.db.QueryRowContext(ctx, `SELECT 1`).Scan(&one)
}

// statusTimestampColumn maps each status to its arrival timestamp column.
var statusTimestampColumn = map[models.JobStatus]string{
	models.StatusMatched:    "matched_at",
	models.StatusArriving:   "arriving_at",
	models.StatusArrived:    "arrived_at",
	models.StatusPickedUp:   "picked_up_at",
	models.StatusInProgress: "in_progress_at",
	models.StatusCompleted:  "completed_at",
	models.StatusCancelled:  "cancelled_at",
}

func (p *Postgres) CreateJob(ctx context.Context, j *models.Job) error {
	details, err := models.EncodeDetails(j.Details)
	if err != nil {
		return err
	}
	var dropLat, dropLng sql.NullFloat64
	if j.Dropoff != nil {
		dropLat = sql.NullFloat64{Float64: j.Dropoff.Lat, Valid: true}
		dropLng = sql.NullFloat64{Float64: j.Dropoff.Lng, Valid: true}
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO jobs (id, tracking_code, customer_id, category,
			pickup_lat, pickup_lng, pickup_address,
			dropoff_lat, dropoff_lng, dropoff_address,
			estimated_fare, status, details, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$14)`,
		j.ID, j.TrackingCode, j.CustomerID, j.Category,
		j.Pickup.Lat, j.Pickup.Lng, j.PickupAddress,
		dropLat, dropLng, j.DropoffAddress,
		j.EstimatedFare, j.Status, details, j.CreatedAt)
	return err
}

const jobColumns = `id, tracking_code, customer_id, provider_id, category,
	pickup_lat, pickup_lng, pickup_address,
	dropoff_lat, dropoff_lng, dropoff_address,
	estimated_fare, final_fare, status, details,
	created_at, updated_at, matched_at, completed_at, cancelled_at,
	cancelled_by, cancelled_by_role, cancel_reason`

func (p *Postgres) GetJob(ctx context.Context, id string) (*models.Job, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return j, err
}

func (p *Postgres) ListOpenJobs(ctx context.Context, cats []models.ServiceCategory, limit int) ([]models.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	args := []any{limit}
	q := `SELECT ` + jobColumns + ` FROM jobs
		WHERE status = 'pending' AND provider_id IS NULL`
	if len(cats) > 0 {
		q += ` AND category = ANY($2)`
		cs := make([]string, len(cats))
		for i, c := range cats {
			cs[i] = string(c)
		}
		args = append(args, pq.Array(cs))
	}
	q += ` ORDER BY created_at DESC LIMIT $1`
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

func (p *Postgres) TryAcceptJob(ctx context.Context, jobID, providerID string, at time.Time) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE jobs SET status = 'matched', provider_id = $1, matched_at = $2, updated_at = $2
		WHERE id = $3 AND status = 'pending' AND provider_id IS NULL`,
		providerID, at, jobID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Lost the race, or no such job. Distinguish for the caller.
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM jobs WHERE id = $1)`, jobID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrAlreadyAccepted
	}
	var tracking string
	if err := tx.QueryRowContext(ctx, `SELECT tracking_code FROM jobs WHERE id = $1`, jobID).Scan(&tracking); err != nil {
		return err
	}
	if err := insertAudit(ctx, tx, models.AuditEntry{
		EntityType:   "job",
		EntityID:     jobID,
		TrackingCode: tracking,
		OldStatus:    models.StatusPending,
		NewStatus:    models.StatusMatched,
		ActorID:      providerID,
		ActorRole:    models.RoleProvider,
		At:           at,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *Postgres) UpdateJobStatus(ctx context.Context, jobID string, next models.JobStatus, entry models.AuditEntry) error {
	col, ok := statusTimestampColumn[next]
	if !ok {
		return fmt.Errorf("%w: no timestamp column for status %q", ErrInvalidState, next)
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, fmt.Sprintf(`
		UPDATE jobs SET status = $1, %s = $2, updated_at = $2
		WHERE id = $3 AND status NOT IN ('completed', 'cancelled')`, col),
		next, entry.At, jobID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrInvalidState
	}
	if err := insertAudit(ctx, tx, entry); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *Postgres) CompleteJob(ctx context.Context, jobID string, finalFare, providerShare float64, entry models.AuditEntry) (Settlement, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return Settlement{}, err
	}
	defer tx.Rollback()

	var estimated float64
	var customerID string
	err = tx.QueryRowContext(ctx, `
		SELECT estimated_fare, customer_id FROM jobs
		WHERE id = $1 AND status = 'in_progress' FOR UPDATE`, jobID).Scan(&estimated, &customerID)
	if errors.Is(err, sql.ErrNoRows) {
		return Settlement{}, ErrInvalidState
	}
	if err != nil {
		return Settlement{}, err
	}
	if finalFare <= 0 {
		finalFare = estimated
	}
	s := Settlement{
		FinalFare:   finalFare,
		ProviderNet: finalFare * providerShare,
		PlatformFee: finalFare * (1 - providerShare),
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE jobs SET status = 'completed', final_fare = $1, completed_at = $2, updated_at = $2
		WHERE id = $3`, finalFare, entry.At, jobID); err != nil {
		return Settlement{}, err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE wallets w SET held = w.held - h.amount
		FROM holds h
		WHERE h.job_id = $1 AND NOT h.released AND w.customer_id = h.customer_id`, jobID); err != nil {
		return Settlement{}, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE holds SET released = TRUE WHERE job_id = $1`, jobID); err != nil {
		return Settlement{}, err
	}
	if err := insertAudit(ctx, tx, entry); err != nil {
		return Settlement{}, err
	}
	return s, tx.Commit()
}

func (p *Postgres) CancelJob(ctx context.Context, cp CancelParams) (CancelResult, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return CancelResult{}, err
	}
	defer tx.Rollback()

	var prior models.JobStatus
	var tracking string
	err = tx.QueryRowContext(ctx, `
		SELECT status, tracking_code FROM jobs WHERE id = $1 FOR UPDATE`, cp.JobID).
		Scan(&prior, &tracking)
	if errors.Is(err, sql.ErrNoRows) {
		return CancelResult{}, ErrNotFound
	}
	if err != nil {
		return CancelResult{}, err
	}
	if prior.Terminal() {
		return CancelResult{}, ErrInvalidState
	}

	var fee float64
	if cp.Fee != nil {
		fee = cp.Fee(prior)
	}

	var refund float64
	var customerID, holdRef sql.NullString
	var held sql.NullFloat64
	err = tx.QueryRowContext(ctx, `
		SELECT customer_id, amount, ref FROM holds WHERE job_id = $1 AND NOT released FOR UPDATE`, cp.JobID).
		Scan(&customerID, &held, &holdRef)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return CancelResult{}, err
	}
	if held.Valid {
		refund = held.Float64 - fee
		if refund < 0 {
			refund = 0
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE wallets SET held = held - $1, balance = balance + $2
			WHERE customer_id = $3`, held.Float64, refund, customerID.String); err != nil {
			return CancelResult{}, err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE holds SET released = TRUE WHERE job_id = $1`, cp.JobID); err != nil {
			return CancelResult{}, err
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE jobs SET status = 'cancelled', cancelled_at = $1, updated_at = $1,
			cancelled_by = $2, cancelled_by_role = $3, cancel_reason = $4
		WHERE id = $5`, cp.At, cp.ActorID, cp.ActorRole, cp.Reason, cp.JobID); err != nil {
		return CancelResult{}, err
	}
	if err := insertAudit(ctx, tx, models.AuditEntry{
		EntityType:   "job",
		EntityID:     cp.JobID,
		TrackingCode: tracking,
		OldStatus:    prior,
		NewStatus:    models.StatusCancelled,
		ActorID:      cp.ActorID,
		ActorRole:    cp.ActorRole,
		At:           cp.At,
	}); err != nil {
		return CancelResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return CancelResult{}, err
	}
	return CancelResult{PriorStatus: prior, RefundAmount: refund, Fee: fee, HoldRef: holdRef.String}, nil
}

func (p *Postgres) OverrideStatus(ctx context.Context, jobID string, next models.JobStatus, entry models.AuditEntry) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Unconditional by design: the single operator actor has no race to
	// lose, and the audit row keeps the bypass traceable.
	q := `UPDATE jobs SET status = $1, updated_at = $2 WHERE id = $3`
	if col, ok := statusTimestampColumn[next]; ok {
		q = fmt.Sprintf(`UPDATE jobs SET status = $1, %s = $2, updated_at = $2 WHERE id = $3`, col)
	}
	res, err := tx.ExecContext(ctx, q, next, entry.At, jobID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrNotFound
	}
	if err := insertAudit(ctx, tx, entry); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *Postgres) PlaceHold(ctx context.Context, jobID, customerID string, amount float64, ref string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO wallets (customer_id, balance, held) VALUES ($1, 0, 0)
		ON CONFLICT (customer_id) DO NOTHING`, customerID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE wallets SET balance = balance - $1, held = held + $1 WHERE customer_id = $2`,
		amount, customerID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO holds (job_id, customer_id, amount, ref, released)
		VALUES ($1, $2, $3, $4, FALSE)`, jobID, customerID, amount, ref); err != nil {
		return err
	}
	return tx.Commit()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertAudit(ctx context.Context, db execer, e models.AuditEntry) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO audit_log (entity_type, entity_id, tracking_code, old_status, new_status, actor_id, actor_role, at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		e.EntityType, e.EntityID, e.TrackingCode, e.OldStatus, e.NewStatus, e.ActorID, e.ActorRole, e.At)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var j models.Job
	var providerID, dropoffAddr, cancelledBy, cancelledByRole, cancelReason sql.NullString
	var dropLat, dropLng, finalFare sql.NullFloat64
	var details []byte
	var matchedAt, completedAt, cancelledAt sql.NullTime
	err := row.Scan(
		&j.ID, &j.TrackingCode, &j.CustomerID, &providerID, &j.Category,
		&j.Pickup.Lat, &j.Pickup.Lng, &j.PickupAddress,
		&dropLat, &dropLng, &dropoffAddr,
		&j.EstimatedFare, &finalFare, &j.Status, &details,
		&j.CreatedAt, &j.UpdatedAt, &matchedAt, &completedAt, &cancelledAt,
		&cancelledBy, &cancelledByRole, &cancelReason,
	)
	if err != nil {
		return nil, err
	}
	j.ProviderID = providerID.String
	j.DropoffAddress = dropoffAddr.String
	j.CancelledBy = cancelledBy.String
	j.CancelledByRole = cancelledByRole.String
	j.CancelReason = cancelReason.String
	j.FinalFare = finalFare.Float64
	if dropLat.Valid && dropLng.Valid {
		j.Dropoff = &models.Coord{Lat: dropLat.Float64, Lng: dropLng.Float64}
	}
	if matchedAt.Valid {
		t := matchedAt.Time
		j.MatchedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		j.CompletedAt = &t
	}
	if cancelledAt.Valid {
		t := cancelledAt.Time
		j.CancelledAt = &t
	}
	if d, err := models.DecodeDetails(j.Category, details); err == nil {
		j.Details = d
	}
	return &j, nil
}
