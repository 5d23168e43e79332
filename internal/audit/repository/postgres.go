package repository

import (
	"context"
	"database/sql"
	"fmt"

	"session-control-plane/internal/audit/domain"
)

// PostgresRepository implements Repository over Postgres.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a security-event repository backed by db.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Create persists one security event. UserID and SessionID may be empty
// (failed logins, unresolved tokens); they are stored as NULL since the
// columns are UUIDs.
func (r *PostgresRepository) Create(ctx context.Context, e *domain.SecurityEvent) error {
	query := `
		INSERT INTO security_events (id, user_id, session_id, action, reason, ip, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := r.db.ExecContext(ctx, query,
		e.ID, nullString(e.UserID), nullString(e.SessionID), e.Action, e.Reason, e.IP, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting security event: %w", err)
	}
	return nil
}

// ListByUser returns the user's security events, newest first.
func (r *PostgresRepository) ListByUser(ctx context.Context, userID string, limit, offset int32) ([]*domain.SecurityEvent, error) {
	query := `
		SELECT id, user_id, session_id, action, reason, ip, created_at
		FROM security_events
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := r.db.QueryContext(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing security events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*domain.SecurityEvent
	for rows.Next() {
		var e domain.SecurityEvent
		var uid, sid sql.NullString
		if err := rows.Scan(&e.ID, &uid, &sid, &e.Action, &e.Reason, &e.IP, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning security event: %w", err)
		}
		e.UserID = uid.String
		e.SessionID = sid.String
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating security events: %w", err)
	}
	return out, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var _ Repository = (*PostgresRepository)(nil)
