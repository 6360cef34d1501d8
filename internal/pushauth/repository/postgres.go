package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"push-auth-control-plane/backend/internal/pushauth/domain"
)

const uniqueViolation = "23505"

const challengeColumns = `id, user_id, token_hash, purpose, state, array_to_json(notified_subscription_ids)::text,
	responding_subscription_id, approved, resolved_at, ip_address, user_agent, location, expires_at, created_at, consumed_at`

// PostgresRepository stores challenges in push_auth_challenges. TryResolve, MarkConsumed and Expire are
// each one conditional UPDATE, which is what makes them safe across service replicas.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a challenge repository that uses the given db.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Create persists the challenge. The challenge must have ID and TokenHash set.
func (r *PostgresRepository) Create(ctx context.Context, c *domain.Challenge) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO push_auth_challenges
			(id, user_id, token_hash, purpose, state, notified_subscription_ids, ip_address, user_agent, location, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		c.ID, c.UserID, c.TokenHash, string(c.Purpose), string(domain.StatePending), c.NotifiedSubscriptionIDs,
		c.IPAddress, c.UserAgent, c.Location, c.ExpiresAt, c.CreatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrDuplicateChallenge
	}
	return err
}

// GetByID returns the challenge for id, or nil if not found.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*domain.Challenge, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+challengeColumns+` FROM push_auth_challenges WHERE id = $1`, id)
	return scanChallenge(row)
}

// GetByTokenHash returns the challenge for tokenHash, or nil if not found.
func (r *PostgresRepository) GetByTokenHash(ctx context.Context, tokenHash string) (*domain.Challenge, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+challengeColumns+` FROM push_auth_challenges WHERE token_hash = $1`, tokenHash)
	return scanChallenge(row)
}

// TryResolve performs the PENDING to APPROVED/DENIED transition as one UPDATE. When nothing matched,
// the current row is read only to report why.
func (r *PostgresRepository) TryResolve(ctx context.Context, id, subscriptionID string, approved bool, now time.Time) (domain.ResolveResult, error) {
	state := domain.StateDenied
	if approved {
		state = domain.StateApproved
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE push_auth_challenges
		SET state = $3, responding_subscription_id = $2, approved = $4, resolved_at = $5
		WHERE id = $1 AND state = 'PENDING' AND expires_at > $5 AND $2 = ANY(notified_subscription_ids)`,
		id, subscriptionID, string(state), approved, now,
	)
	if err != nil {
		return "", err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", err
	}
	if n == 1 {
		return domain.Resolved, nil
	}

	c, err := r.GetByID(ctx, id)
	if err != nil {
		return "", err
	}
	if c == nil {
		return domain.ResolveNotFound, nil
	}
	out := c.Classify(subscriptionID, now)
	if out == domain.Resolved {
		// The row left PENDING between our UPDATE and this read only by being resolved by someone else.
		out = domain.AlreadyResolved
	}
	return out, nil
}

// MarkConsumed moves APPROVED or DENIED to CONSUMED.
func (r *PostgresRepository) MarkConsumed(ctx context.Context, id string, now time.Time) (bool, error) {
	return r.execOne(ctx, `
		UPDATE push_auth_challenges SET state = 'CONSUMED', consumed_at = $2
		WHERE id = $1 AND state IN ('APPROVED', 'DENIED')`, id, now)
}

// Expire forces a pending challenge to EXPIRED.
func (r *PostgresRepository) Expire(ctx context.Context, id string) (bool, error) {
	return r.execOne(ctx, `UPDATE push_auth_challenges SET state = 'EXPIRED' WHERE id = $1 AND state = 'PENDING'`, id)
}

func (r *PostgresRepository) execOne(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ListPendingByUser returns the user's effectively pending challenges, oldest first.
func (r *PostgresRepository) ListPendingByUser(ctx context.Context, userID string, now time.Time) ([]*domain.Challenge, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+challengeColumns+` FROM push_auth_challenges
		WHERE user_id = $1 AND state = 'PENDING' AND expires_at > $2
		ORDER BY created_at ASC`, userID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.Challenge
	for rows.Next() {
		c, err := scanChallenge(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// MarkExpired persists EXPIRED for lapsed pending challenges.
func (r *PostgresRepository) MarkExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE push_auth_challenges SET state = 'EXPIRED' WHERE state = 'PENDING' AND expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteFinishedBefore removes challenges created before cutoff that are no longer pending.
func (r *PostgresRepository) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM push_auth_challenges
		WHERE created_at < $1 AND (state <> 'PENDING' OR expires_at <= $1)`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChallenge(row rowScanner) (*domain.Challenge, error) {
	var (
		c           domain.Challenge
		purpose     string
		state       string
		notified    string
		respondedBy sql.NullString
		approved    sql.NullBool
		resolvedAt  sql.NullTime
		consumedAt  sql.NullTime
	)
	err := row.Scan(&c.ID, &c.UserID, &c.TokenHash, &purpose, &state, &notified,
		&respondedBy, &approved, &resolvedAt, &c.IPAddress, &c.UserAgent, &c.Location,
		&c.ExpiresAt, &c.CreatedAt, &consumedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if err := json.Unmarshal([]byte(notified), &c.NotifiedSubscriptionIDs); err != nil {
		return nil, err
	}
	c.Purpose = domain.Purpose(purpose)
	c.State = domain.State(state)
	if respondedBy.Valid && resolvedAt.Valid {
		c.Resolution = &domain.Resolution{
			Approved:       approved.Valid && approved.Bool,
			SubscriptionID: respondedBy.String,
			ResolvedAt:     resolvedAt.Time,
		}
	}
	if consumedAt.Valid {
		t := consumedAt.Time
		c.ConsumedAt = &t
	}
	return &c, nil
}
