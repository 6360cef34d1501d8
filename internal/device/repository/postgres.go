package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"push-auth-control-plane/backend/internal/device/domain"
)

const deviceColumns = `id, user_id, name, fingerprint, trusted, trusted_until, revoked_at, last_seen_at, created_at`

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a device repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// GetByID returns the device for id, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*domain.Device, error) {
	return scanDevice(r.db.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE id = $1`, id))
}

// GetByUserAndFingerprint returns the device for the given user and fingerprint, or nil if not found.
func (r *PostgresRepository) GetByUserAndFingerprint(ctx context.Context, userID, fingerprint string) (*domain.Device, error) {
	return scanDevice(r.db.QueryRowContext(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE user_id = $1 AND fingerprint = $2`, userID, fingerprint))
}

// ListByUser returns all devices for the given user, oldest first. Returns (nil, error) only on database errors.
func (r *PostgresRepository) ListByUser(ctx context.Context, userID string) ([]*domain.Device, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Create persists the device to the database. The device must have ID set.
func (r *PostgresRepository) Create(ctx context.Context, d *domain.Device) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO devices (`+deviceColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		d.ID, d.UserID, d.Name, d.Fingerprint, d.Trusted,
		nullTime(d.TrustedUntil), nullTime(d.RevokedAt), nullTime(d.LastSeenAt), d.CreatedAt)
	return err
}

// UpdateTrustedWithExpiry sets the device's trusted flag and trusted_until for the given id; clears revoked_at.
// Pass nil for trustedUntil to set no expiry.
func (r *PostgresRepository) UpdateTrustedWithExpiry(ctx context.Context, id string, trusted bool, trustedUntil *time.Time) error {
	_, err := r.db.ExecContext(ctx, `UPDATE devices SET trusted = $2, trusted_until = $3, revoked_at = NULL WHERE id = $1`,
		id, trusted, nullTime(trustedUntil))
	return err
}

// Revoke sets revoked_at and clears trusted and trusted_until for the given device id.
func (r *PostgresRepository) Revoke(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `UPDATE devices SET revoked_at = $2, trusted = FALSE, trusted_until = NULL WHERE id = $1`, id, at)
	return err
}

// UpdateLastSeen sets the device's last-seen timestamp for the given id. Returns an error if the update fails.
func (r *PostgresRepository) UpdateLastSeen(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `UPDATE devices SET last_seen_at = $2 WHERE id = $1`, id, at)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (*domain.Device, error) {
	var (
		d                                   domain.Device
		trustedUntil, revokedAt, lastSeenAt sql.NullTime
	)
	err := row.Scan(&d.ID, &d.UserID, &d.Name, &d.Fingerprint, &d.Trusted, &trustedUntil, &revokedAt, &lastSeenAt, &d.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	d.TrustedUntil = timePtr(trustedUntil)
	d.RevokedAt = timePtr(revokedAt)
	d.LastSeenAt = timePtr(lastSeenAt)
	return &d, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
