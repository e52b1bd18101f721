package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"sangha/internal/registration/models"
	id "sangha/pkg/domain"
	"sangha/pkg/platform/clock"
	"sangha/pkg/platform/sentinel"
	txctx "sangha/pkg/platform/tx"
)

// uniqueViolation is the PostgreSQL SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// Postgres persists registrations and history in PostgreSQL. The partial
// unique index registrations_active_pair enforces one active registration
// per user and event.
type Postgres struct {
	db    *sql.DB
	clock clock.Clock
}

func NewPostgres(db *sql.DB, opts ...Option) *Postgres {
	o := buildOptions(opts)
	return &Postgres{db: db, clock: o.clock}
}

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// inTx runs fn inside the transaction carried by ctx, or a new one.
func (s *Postgres) inTx(ctx context.Context, fn func(q queryer) error) error {
	return txctx.Run(ctx, s.db, func(ctx context.Context) error {
		return fn(s.queryer(ctx))
	})
}

func (s *Postgres) queryer(ctx context.Context) queryer {
	if tx, ok := txctx.From(ctx); ok {
		return tx
	}
	return s.db
}

const registrationColumns = `id, user_id, event_id, identity_type, personal_info, transport,
	external_order_id, status, created_at, updated_at`

func (s *Postgres) Create(ctx context.Context, reg *models.Registration, meta models.HistoryMeta) (*models.HistoryRecord, error) {
	rec := newHistory(reg.ID, models.ActionCreated, []models.Change{}, meta, reg.CreatedAt)
	err := s.inTx(ctx, func(q queryer) error {
		personal, transport, err := encodeRegistration(reg)
		if err != nil {
			return err
		}
		_, err = q.ExecContext(ctx, `
			INSERT INTO registrations (`+registrationColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			reg.ID.String(), string(reg.UserID), string(reg.EventID), string(reg.IdentityType),
			personal, transport, nullString(reg.ExternalOrderID), string(reg.Status),
			reg.CreatedAt, reg.UpdatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return sentinel.ErrConflict
			}
			return fmt.Errorf("insert registration: %w", err)
		}
		return insertHistory(ctx, q, rec)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Postgres) GetByID(ctx context.Context, regID id.RegistrationID) (*models.Registration, error) {
	row := s.queryer(ctx).QueryRowContext(ctx,
		`SELECT `+registrationColumns+` FROM registrations WHERE id = $1`, regID.String())
	return scanRegistration(row)
}

func (s *Postgres) FindActive(ctx context.Context, userID id.UserID, eventID id.EventID) (*models.Registration, error) {
	row := s.queryer(ctx).QueryRowContext(ctx,
		`SELECT `+registrationColumns+` FROM registrations
		 WHERE user_id = $1 AND event_id = $2 AND status <> 'cancelled'`,
		string(userID), string(eventID))
	return scanRegistration(row)
}

func (s *Postgres) GetByUser(ctx context.Context, userID id.UserID) ([]*models.Registration, error) {
	return s.list(ctx, `WHERE user_id = $1`, string(userID))
}

func (s *Postgres) GetByEvent(ctx context.Context, eventID id.EventID) ([]*models.Registration, error) {
	return s.list(ctx, `WHERE event_id = $1`, string(eventID))
}

func (s *Postgres) list(ctx context.Context, where string, args ...any) ([]*models.Registration, error) {
	rows, err := s.queryer(ctx).QueryContext(ctx,
		`SELECT `+registrationColumns+` FROM registrations `+where+` ORDER BY seq`, args...)
	if err != nil {
		return nil, fmt.Errorf("list registrations: %w", err)
	}
	defer rows.Close()

	out := make([]*models.Registration, 0)
	for rows.Next() {
		reg, err := scanRegistration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, reg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate registrations: %w", err)
	}
	return out, nil
}

func (s *Postgres) Update(ctx context.Context, regID id.RegistrationID, patch models.Patch, meta models.HistoryMeta) (*models.Registration, *models.HistoryRecord, error) {
	var (
		next *models.Registration
		rec  *models.HistoryRecord
	)
	err := s.inTx(ctx, func(q queryer) error {
		current, err := scanRegistration(q.QueryRowContext(ctx,
			`SELECT `+registrationColumns+` FROM registrations WHERE id = $1 FOR UPDATE`, regID.String()))
		if err != nil {
			return err
		}
		next, rec, err = applyPatch(current, patch, meta, s.clock.Now())
		if err != nil {
			return err
		}
		personal, transport, err := encodeRegistration(next)
		if err != nil {
			return err
		}
		_, err = q.ExecContext(ctx, `
			UPDATE registrations
			SET personal_info = $2, transport = $3, status = $4, updated_at = $5
			WHERE id = $1`,
			regID.String(), personal, transport, string(next.Status), next.UpdatedAt)
		if err != nil {
			return fmt.Errorf("update registration: %w", err)
		}
		return insertHistory(ctx, q, rec)
	})
	if err != nil {
		return nil, nil, err
	}
	return next, rec, nil
}

func (s *Postgres) ListHistory(ctx context.Context, regID id.RegistrationID) ([]*models.HistoryRecord, error) {
	q := s.queryer(ctx)
	var exists bool
	if err := q.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM registrations WHERE id = $1)`, regID.String()).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check registration: %w", err)
	}
	if !exists {
		return nil, sentinel.ErrNotFound
	}

	rows, err := q.QueryContext(ctx, `
		SELECT id, registration_id, user_id, action, changes, reason, metadata, created_at
		FROM registration_history WHERE registration_id = $1 ORDER BY seq`, regID.String())
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	out := make([]*models.HistoryRecord, 0)
	for rows.Next() {
		var (
			rec              models.HistoryRecord
			recID, ownerID   string
			userID, action   string
			changes, rawMeta []byte
			reason           sql.NullString
		)
		if err := rows.Scan(&recID, &ownerID, &userID, &action, &changes, &reason, &rawMeta, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		if err := (&rec.ID).UnmarshalText([]byte(recID)); err != nil {
			return nil, fmt.Errorf("decode history id: %w", err)
		}
		if err := (&rec.RegistrationID).UnmarshalText([]byte(ownerID)); err != nil {
			return nil, fmt.Errorf("decode registration id: %w", err)
		}
		rec.UserID = id.UserID(userID)
		rec.Action = models.Action(action)
		rec.Reason = reason.String
		if err := json.Unmarshal(changes, &rec.Changes); err != nil {
			return nil, fmt.Errorf("decode history changes: %w", err)
		}
		if len(rawMeta) > 0 {
			if err := json.Unmarshal(rawMeta, &rec.Metadata); err != nil {
				return nil, fmt.Errorf("decode history metadata: %w", err)
			}
		}
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return out, nil
}

// ClearAll truncates both tables. Tests only.
func (s *Postgres) ClearAll(ctx context.Context) error {
	if _, err := s.queryer(ctx).ExecContext(ctx,
		`TRUNCATE registration_history, registrations RESTART IDENTITY`); err != nil {
		return fmt.Errorf("clear registrations: %w", err)
	}
	return nil
}

func insertHistory(ctx context.Context, q queryer, rec *models.HistoryRecord) error {
	changes, err := json.Marshal(rec.Changes)
	if err != nil {
		return fmt.Errorf("encode history changes: %w", err)
	}
	var meta []byte
	if len(rec.Metadata) > 0 {
		if meta, err = json.Marshal(rec.Metadata); err != nil {
			return fmt.Errorf("encode history metadata: %w", err)
		}
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO registration_history (id, registration_id, user_id, action, changes, reason, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.ID.String(), rec.RegistrationID.String(), string(rec.UserID), string(rec.Action),
		changes, nullString(rec.Reason), meta, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert history: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRegistration(row rowScanner) (*models.Registration, error) {
	var (
		reg                    models.Registration
		regID, userID, eventID string
		identity, status       string
		personal, transport    []byte
		externalOrderID        sql.NullString
	)
	err := row.Scan(&regID, &userID, &eventID, &identity, &personal, &transport,
		&externalOrderID, &status, &reg.CreatedAt, &reg.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("scan registration: %w", err)
	}
	if err := (&reg.ID).UnmarshalText([]byte(regID)); err != nil {
		return nil, fmt.Errorf("decode registration id: %w", err)
	}
	reg.UserID = id.UserID(userID)
	reg.EventID = id.EventID(eventID)
	reg.IdentityType = models.IdentityType(identity)
	reg.Status = models.Status(status)
	reg.ExternalOrderID = externalOrderID.String
	if err := json.Unmarshal(personal, &reg.PersonalInfo); err != nil {
		return nil, fmt.Errorf("decode personal info: %w", err)
	}
	if len(transport) > 0 {
		reg.Transport = &models.Transport{}
		if err := json.Unmarshal(transport, reg.Transport); err != nil {
			return nil, fmt.Errorf("decode transport: %w", err)
		}
	}
	return &reg, nil
}

func encodeRegistration(reg *models.Registration) (personal, transport []byte, err error) {
	if personal, err = json.Marshal(reg.PersonalInfo); err != nil {
		return nil, nil, fmt.Errorf("encode personal info: %w", err)
	}
	if reg.Transport != nil {
		if transport, err = json.Marshal(reg.Transport); err != nil {
			return nil, nil, fmt.Errorf("encode transport: %w", err)
		}
	}
	return personal, transport, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
