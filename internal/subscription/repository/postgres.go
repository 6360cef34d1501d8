package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"push-auth-control-plane/backend/internal/subscription/domain"
)

const subscriptionColumns = `id, user_id, device_id, endpoint, p256dh, auth, device_name, push_auth_enabled, failed_attempts, last_used_at, created_at, updated_at`

// PostgresRepository implements Repository using push_subscriptions.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a subscription repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*domain.Subscription, error) {
	return scanSubscription(r.db.QueryRowContext(ctx, `SELECT `+subscriptionColumns+` FROM push_subscriptions WHERE id = $1`, id))
}

func (r *PostgresRepository) GetByUserAndEndpoint(ctx context.Context, userID, endpoint string) (*domain.Subscription, error) {
	return scanSubscription(r.db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM push_subscriptions WHERE user_id = $1 AND endpoint = $2`, userID, endpoint))
}

func (r *PostgresRepository) ListByUser(ctx context.Context, userID string) ([]*domain.Subscription, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+subscriptionColumns+` FROM push_subscriptions WHERE user_id = $1 ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.Subscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) Create(ctx context.Context, s *domain.Subscription) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO push_subscriptions (`+subscriptionColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		s.ID, s.UserID, s.DeviceID, s.Endpoint, s.P256dh, s.Auth, s.DeviceName, s.PushAuthEnabled, s.FailedAttempts,
		nullTime(s.LastUsedAt), s.CreatedAt, s.UpdatedAt)
	return err
}

func (r *PostgresRepository) Update(ctx context.Context, s *domain.Subscription) error {
	_, err := r.db.ExecContext(ctx, `UPDATE push_subscriptions
		SET device_id = $2, p256dh = $3, auth = $4, device_name = $5, push_auth_enabled = $6, failed_attempts = 0, updated_at = $7
		WHERE id = $1`,
		s.ID, s.DeviceID, s.P256dh, s.Auth, s.DeviceName, s.PushAuthEnabled, s.UpdatedAt)
	return err
}

func (r *PostgresRepository) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM push_subscriptions WHERE id = $1`, id)
	return err
}

func (r *PostgresRepository) SetPushAuthEnabled(ctx context.Context, id string, enabled bool, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `UPDATE push_subscriptions SET push_auth_enabled = $2, updated_at = $3 WHERE id = $1`, id, enabled, at)
	return err
}

// RecordFailure runs as a single UPDATE so concurrent fan-out failures never lose an increment.
func (r *PostgresRepository) RecordFailure(ctx context.Context, id string, maxFailures int, at time.Time) (int, bool, error) {
	var (
		attempts int
		enabled  bool
	)
	err := r.db.QueryRowContext(ctx, `UPDATE push_subscriptions
		SET failed_attempts = failed_attempts + 1,
		    push_auth_enabled = push_auth_enabled AND failed_attempts + 1 < $2,
		    updated_at = $3
		WHERE id = $1
		RETURNING failed_attempts, push_auth_enabled`, id, maxFailures, at).Scan(&attempts, &enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return attempts, !enabled, nil
}

func (r *PostgresRepository) RecordSuccess(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE push_subscriptions SET failed_attempts = 0, last_used_at = $2, updated_at = $2 WHERE id = $1`, id, at)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row rowScanner) (*domain.Subscription, error) {
	var (
		s        domain.Subscription
		lastUsed sql.NullTime
	)
	err := row.Scan(&s.ID, &s.UserID, &s.DeviceID, &s.Endpoint, &s.P256dh, &s.Auth, &s.DeviceName,
		&s.PushAuthEnabled, &s.FailedAttempts, &lastUsed, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if lastUsed.Valid {
		t := lastUsed.Time
		s.LastUsedAt = &t
	}
	return &s, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
