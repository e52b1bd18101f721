package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"sangha/internal/retry/models"
	id "sangha/pkg/domain"
	"sangha/pkg/platform/sentinel"
	txctx "sangha/pkg/platform/tx"
)

// Postgres persists retry records in the retry_records table. Attempts are
// stored as a JSONB array and rewritten on every Save.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Postgres) queryer(ctx context.Context) queryer {
	if tx, ok := txctx.From(ctx); ok {
		return tx
	}
	return s.db
}

const retryColumns = `id, user_id, registration_data, status, attempts, final_order_id,
	registration_id, last_error, next_attempt_at, created_at, updated_at`

func (s *Postgres) Create(ctx context.Context, rec *models.RetryRecord) error {
	args, err := retryArgs(rec)
	if err != nil {
		return err
	}
	_, err = s.queryer(ctx).ExecContext(ctx, `
		INSERT INTO retry_records (`+retryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`, args...)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return sentinel.ErrConflict
		}
		return fmt.Errorf("insert retry record: %w", err)
	}
	return nil
}

func (s *Postgres) Get(ctx context.Context, retryID id.RetryID) (*models.RetryRecord, error) {
	return scanRetry(s.queryer(ctx).QueryRowContext(ctx,
		`SELECT `+retryColumns+` FROM retry_records WHERE id = $1`, retryID.String()))
}

func (s *Postgres) ListByUser(ctx context.Context, userID id.UserID) ([]*models.RetryRecord, error) {
	return s.list(ctx, `WHERE user_id = $1`, string(userID))
}

// ListActive returns records still waiting for an attempt.
func (s *Postgres) ListActive(ctx context.Context) ([]*models.RetryRecord, error) {
	return s.list(ctx, `WHERE status IN ('pending', 'retrying')`)
}

func (s *Postgres) list(ctx context.Context, where string, args ...any) ([]*models.RetryRecord, error) {
	rows, err := s.queryer(ctx).QueryContext(ctx,
		`SELECT `+retryColumns+` FROM retry_records `+where+` ORDER BY seq`, args...)
	if err != nil {
		return nil, fmt.Errorf("list retry records: %w", err)
	}
	defer rows.Close()

	out := make([]*models.RetryRecord, 0)
	for rows.Next() {
		rec, err := scanRetry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate retry records: %w", err)
	}
	return out, nil
}

// Save rewrites a non-terminal record that holds exactly one attempt fewer
// than rec. Zero matched rows means the record is unknown, terminal, or was
// advanced by another writer.
func (s *Postgres) Save(ctx context.Context, rec *models.RetryRecord) error {
	args, err := retryArgs(rec)
	if err != nil {
		return err
	}
	args = append(args, len(rec.Attempts)-1)
	res, err := s.queryer(ctx).ExecContext(ctx, `
		UPDATE retry_records
		SET user_id = $2, registration_data = $3, status = $4, attempts = $5, final_order_id = $6,
		    registration_id = $7, last_error = $8, next_attempt_at = $9, created_at = $10, updated_at = $11
		WHERE id = $1 AND status NOT IN ('success', 'failed') AND jsonb_array_length(attempts) = $12`, args...)
	if err != nil {
		return fmt.Errorf("update retry record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update retry record: %w", err)
	}
	if n == 0 {
		current, err := s.Get(ctx, rec.ID)
		if err != nil {
			return err
		}
		if current.Status.IsTerminal() {
			return sentinel.ErrInvalidState
		}
		return sentinel.ErrConflict
	}
	return nil
}

// ClearAll truncates the table. Tests only.
func (s *Postgres) ClearAll(ctx context.Context) error {
	if _, err := s.queryer(ctx).ExecContext(ctx, `TRUNCATE retry_records RESTART IDENTITY`); err != nil {
		return fmt.Errorf("clear retry records: %w", err)
	}
	return nil
}

func retryArgs(rec *models.RetryRecord) ([]any, error) {
	data, err := json.Marshal(rec.RegistrationData)
	if err != nil {
		return nil, fmt.Errorf("encode registration data: %w", err)
	}
	attempts, err := json.Marshal(rec.Attempts)
	if err != nil {
		return nil, fmt.Errorf("encode attempts: %w", err)
	}
	var regID sql.NullString
	if rec.RegistrationID != nil {
		regID = sql.NullString{String: rec.RegistrationID.String(), Valid: true}
	}
	var next sql.NullTime
	if rec.NextAttemptAt != nil {
		next = sql.NullTime{Time: *rec.NextAttemptAt, Valid: true}
	}
	return []any{
		rec.ID.String(), string(rec.UserID), data, string(rec.Status), attempts,
		sql.NullString{String: rec.FinalOrderID, Valid: rec.FinalOrderID != ""},
		regID,
		sql.NullString{String: rec.LastError, Valid: rec.LastError != ""},
		next, rec.CreatedAt, rec.UpdatedAt,
	}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRetry(row rowScanner) (*models.RetryRecord, error) {
	var (
		rec                       models.RetryRecord
		retryID, userID, status   string
		data, attempts            []byte
		finalOrder, regID, lastEr sql.NullString
		next                      sql.NullTime
		createdAt, updatedAt      time.Time
	)
	err := row.Scan(&retryID, &userID, &data, &status, &attempts, &finalOrder,
		&regID, &lastEr, &next, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("scan retry record: %w", err)
	}
	if err := (&rec.ID).UnmarshalText([]byte(retryID)); err != nil {
		return nil, fmt.Errorf("decode retry id: %w", err)
	}
	rec.UserID = id.UserID(userID)
	rec.Status = models.Status(status)
	rec.FinalOrderID = finalOrder.String
	rec.LastError = lastEr.String
	rec.CreatedAt = createdAt
	rec.UpdatedAt = updatedAt
	if err := json.Unmarshal(data, &rec.RegistrationData); err != nil {
		return nil, fmt.Errorf("decode registration data: %w", err)
	}
	if err := json.Unmarshal(attempts, &rec.Attempts); err != nil {
		return nil, fmt.Errorf("decode attempts: %w", err)
	}
	if regID.Valid {
		var v id.RegistrationID
		if err := (&v).UnmarshalText([]byte(regID.String)); err != nil {
			return nil, fmt.Errorf("decode registration id: %w", err)
		}
		rec.RegistrationID = &v
	}
	if next.Valid {
		t := next.Time
		rec.NextAttemptAt = &t
	}
	return &rec, nil
}
