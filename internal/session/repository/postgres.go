package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"session-control-plane/internal/session/domain"
)

// PostgresStore implements Store over Postgres with hand-written SQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore returns a session store that uses the given db for persistence.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// querier is satisfied by *sql.DB and *sql.Tx so store methods run inside the
// WithUserLock transaction when the ctx carries one.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type txKey struct{}

func (r *PostgresStore) q(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return r.db
}

const sessionColumns = `id, user_id, access_token_hash, refresh_token_hash, is_active,
	device_user_agent, device_ip, device_platform, device_browser,
	location_country, location_city, location_timezone,
	created_at, last_activity, expires_at, revoked_at, revoked_reason`

// Insert persists the session. A duplicate refresh token hash maps to ErrConflict.
func (r *PostgresStore) Insert(ctx context.Context, s *domain.Session) error {
	query := `
		INSERT INTO sessions (` + sessionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`
	var country, city, tz sql.NullString
	if s.Location != nil {
		country = sql.NullString{String: s.Location.Country, Valid: s.Location.Country != ""}
		city = sql.NullString{String: s.Location.City, Valid: s.Location.City != ""}
		tz = sql.NullString{String: s.Location.Timezone, Valid: s.Location.Timezone != ""}
	}
	_, err := r.q(ctx).ExecContext(ctx, query,
		s.ID, s.UserID, s.AccessTokenHash, s.RefreshTokenHash, s.IsActive,
		s.Device.UserAgent, s.Device.IP, s.Device.Platform, s.Device.Browser,
		country, city, tz,
		s.CreatedAt, timeToNullTime(s.LastActivity), s.ExpiresAt,
		timeToNullTime(s.RevokedAt), reasonToNullString(s.RevokedReason),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

// GetByID returns the session for id, or ErrNotFound.
func (r *PostgresStore) GetByID(ctx context.Context, id string) (*domain.Session, error) {
	row := r.q(ctx).QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	return scanSession(row)
}

// FindByRefreshTokenHash returns the session holding the hash, or ErrNotFound.
func (r *PostgresStore) FindByRefreshTokenHash(ctx context.Context, hash string) (*domain.Session, error) {
	row := r.q(ctx).QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE refresh_token_hash = $1`, hash)
	return scanSession(row)
}

// FindByAccessTokenHash returns the session whose current access token has
// the hash, or ErrNotFound.
func (r *PostgresStore) FindByAccessTokenHash(ctx context.Context, hash string) (*domain.Session, error) {
	row := r.q(ctx).QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE access_token_hash = $1`, hash)
	return scanSession(row)
}

// FindActiveByUser returns active sessions for the user, most recent activity first.
func (r *PostgresStore) FindActiveByUser(ctx context.Context, userID string) ([]*domain.Session, error) {
	query := `
		SELECT ` + sessionColumns + `
		FROM sessions
		WHERE user_id = $1 AND is_active
		ORDER BY COALESCE(last_activity, created_at) DESC, created_at DESC
	`
	rows, err := r.q(ctx).QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("listing active sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*domain.Session
	for rows.Next() {
		s, err := scanSessionRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating session rows: %w", err)
	}
	return out, nil
}

// CountActiveByUser returns the number of active sessions for the user.
func (r *PostgresStore) CountActiveByUser(ctx context.Context, userID string) (int, error) {
	var n int
	err := r.q(ctx).QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sessions WHERE user_id = $1 AND is_active`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting active sessions: %w", err)
	}
	return n, nil
}

// UpdateLastActivity advances last_activity. The WHERE guard keeps the column
// monotone: a slow write carrying an older timestamp affects zero rows.
func (r *PostgresStore) UpdateLastActivity(ctx context.Context, sessionID string, at time.Time) error {
	query := `
		UPDATE sessions
		SET last_activity = $2
		WHERE id = $1 AND is_active
		  AND (last_activity IS NULL OR last_activity <= $2)
	`
	if _, err := r.q(ctx).ExecContext(ctx, query, sessionID, at); err != nil {
		return fmt.Errorf("updating last activity: %w", err)
	}
	return nil
}

// RotateTokens swaps both token hashes in one statement keyed on the current
// refresh hash, so a replayed stale token cannot rotate a second time.
func (r *PostgresStore) RotateTokens(ctx context.Context, sessionID, oldRefreshHash, newRefreshHash, newAccessHash string, at time.Time) error {
	query := `
		UPDATE sessions
		SET refresh_token_hash = $3, access_token_hash = $4,
		    last_activity = GREATEST(COALESCE(last_activity, $5), $5)
		WHERE id = $1 AND refresh_token_hash = $2 AND is_active
	`
	res, err := r.q(ctx).ExecContext(ctx, query, sessionID, oldRefreshHash, newRefreshHash, newAccessHash, at)
	if err != nil {
		return fmt.Errorf("rotating tokens: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rotating tokens: %w", err)
	}
	if n == 0 {
		exists, err := r.exists(ctx, sessionID)
		if err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

// MarkRevoked deactivates the session. Already-revoked sessions are left
// untouched (idempotent); a missing id is ErrNotFound.
func (r *PostgresStore) MarkRevoked(ctx context.Context, sessionID string, reason domain.RevokeReason, at time.Time) error {
	query := `
		UPDATE sessions
		SET is_active = FALSE, revoked_at = $2, revoked_reason = $3
		WHERE id = $1 AND is_active
	`
	res, err := r.q(ctx).ExecContext(ctx, query, sessionID, at, string(reason))
	if err != nil {
		return fmt.Errorf("revoking session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("revoking session: %w", err)
	}
	if n == 0 {
		exists, err := r.exists(ctx, sessionID)
		if err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
	}
	return nil
}

// MarkAllRevokedForUser deactivates every active session for the user in one statement.
func (r *PostgresStore) MarkAllRevokedForUser(ctx context.Context, userID string, reason domain.RevokeReason, at time.Time) (int64, error) {
	query := `
		UPDATE sessions
		SET is_active = FALSE, revoked_at = $2, revoked_reason = $3
		WHERE user_id = $1 AND is_active
	`
	res, err := r.q(ctx).ExecContext(ctx, query, userID, at, string(reason))
	if err != nil {
		return 0, fmt.Errorf("revoking user sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("revoking user sessions: %w", err)
	}
	return n, nil
}

// DeleteExpiredOrStaleRevoked reclaims storage. Filter-then-delete; no stable
// snapshot assumed, rows revoked or expiring mid-sweep are caught next run.
func (r *PostgresStore) DeleteExpiredOrStaleRevoked(ctx context.Context, now time.Time, retention time.Duration) (int64, error) {
	query := `
		DELETE FROM sessions
		WHERE expires_at <= $1
		   OR (NOT is_active AND revoked_at IS NOT NULL AND revoked_at <= $2)
	`
	res, err := r.q(ctx).ExecContext(ctx, query, now, now.Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("deleting stale sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("deleting stale sessions: %w", err)
	}
	return n, nil
}

// WithUserLock opens a transaction, takes a per-user advisory lock, and runs fn
// with a ctx whose store calls go through that transaction. The lock releases
// on commit or rollback.
func (r *PostgresStore) WithUserLock(ctx context.Context, userID string, fn func(ctx context.Context) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning user lock tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, userID); err != nil {
		return fmt.Errorf("acquiring user lock: %w", err)
	}

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing user lock tx: %w", err)
	}
	return nil
}

func (r *PostgresStore) exists(ctx context.Context, sessionID string) (bool, error) {
	var one int
	err := r.q(ctx).QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = $1`, sessionID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking session: %w", err)
	}
	return true, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row *sql.Row) (*domain.Session, error) {
	s, err := scanInto(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning session: %w", err)
	}
	return s, nil
}

func scanSessionRow(rows *sql.Rows) (*domain.Session, error) {
	s, err := scanInto(rows)
	if err != nil {
		return nil, fmt.Errorf("scanning session row: %w", err)
	}
	return s, nil
}

func scanInto(r rowScanner) (*domain.Session, error) {
	var s domain.Session
	var country, city, tz, reason sql.NullString
	var lastActivity, revokedAt sql.NullTime

	err := r.Scan(
		&s.ID, &s.UserID, &s.AccessTokenHash, &s.RefreshTokenHash, &s.IsActive,
		&s.Device.UserAgent, &s.Device.IP, &s.Device.Platform, &s.Device.Browser,
		&country, &city, &tz,
		&s.CreatedAt, &lastActivity, &s.ExpiresAt, &revokedAt, &reason,
	)
	if err != nil {
		return nil, err
	}
	s.LastActivity = nullTimeToPtr(lastActivity)
	s.RevokedAt = nullTimeToPtr(revokedAt)
	if reason.Valid {
		s.RevokedReason = domain.RevokeReason(reason.String)
	}
	if country.Valid || city.Valid || tz.Valid {
		s.Location = &domain.Location{Country: country.String, City: city.String, Timezone: tz.String}
	}
	return &s, nil
}

func timeToNullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullTimeToPtr(n sql.NullTime) *time.Time {
	if !n.Valid {
		return nil
	}
	return &n.Time
}

func reasonToNullString(r domain.RevokeReason) sql.NullString {
	if r == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: string(r), Valid: true}
}
