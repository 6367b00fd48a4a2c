package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"

	"github.com/cory-johannsen/mudbridge/internal/session"
)

// SessionStore is a session.Storage backed by the bridge_sessions table.
// Owner tokens are stored only as bcrypt hashes; reads return OwnerHash and
// leave OwnerToken empty.
type SessionStore struct {
	db *pgxpool.Pool
}

var _ session.Storage = (*SessionStore)(nil)

// NewSessionStore creates a SessionStore backed by the given pool.
//
// Precondition: db must be a valid, open connection pool with the
// bridge_sessions migration applied.
func NewSessionStore(db *pgxpool.Pool) *SessionStore {
	return &SessionStore{db: db}
}

// Save inserts rec or replaces the existing row for rec.PublicID. An empty
// rec.OwnerToken keeps the stored hash.
//
// Postcondition: The row for rec.PublicID reflects rec.
func (s *SessionStore) Save(ctx context.Context, rec session.Record) error {
	var hash string
	if rec.OwnerToken != "" {
		h, err := HashOwnerToken(rec.OwnerToken)
		if err != nil {
			return fmt.Errorf("hashing owner token: %w", err)
		}
		hash = h
	}

	_, err := s.db.Exec(ctx,
		`INSERT INTO bridge_sessions (public_id, owner_hash, state, created_at, last_activity)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (public_id) DO UPDATE SET
		     owner_hash    = COALESCE(NULLIF(EXCLUDED.owner_hash, ''), bridge_sessions.owner_hash),
		     state         = EXCLUDED.state,
		     last_activity = EXCLUDED.last_activity`,
		rec.PublicID, hash, string(rec.State), rec.CreatedAt, rec.LastActivity,
	)
	if err != nil {
		return fmt.Errorf("saving session %s: %w", rec.PublicID, err)
	}
	return nil
}

// Get returns the record for publicID.
//
// Postcondition: Returns session.ErrNotFound when no row exists.
func (s *SessionStore) Get(ctx context.Context, publicID string) (session.Record, error) {
	row := s.db.QueryRow(ctx,
		`SELECT public_id, owner_hash, state, created_at, last_activity
		 FROM bridge_sessions WHERE public_id = $1`,
		publicID,
	)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return session.Record{}, session.ErrNotFound
	}
	if err != nil {
		return session.Record{}, fmt.Errorf("loading session %s: %w", publicID, err)
	}
	return rec, nil
}

// Delete removes the row for publicID. Unknown ids are not an error.
func (s *SessionStore) Delete(ctx context.Context, publicID string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM bridge_sessions WHERE public_id = $1`, publicID); err != nil {
		return fmt.Errorf("deleting session %s: %w", publicID, err)
	}
	return nil
}

// List returns every stored record ordered by public id.
func (s *SessionStore) List(ctx context.Context) ([]session.Record, error) {
	rows, err := s.db.Query(ctx,
		`SELECT public_id, owner_hash, state, created_at, last_activity
		 FROM bridge_sessions ORDER BY public_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var out []session.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	return out, nil
}

// UpdateLastActivity sets last_activity for publicID.
//
// Postcondition: Returns session.ErrNotFound when no row exists.
func (s *SessionStore) UpdateLastActivity(ctx context.Context, publicID string, at time.Time) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE bridge_sessions SET last_activity = $2 WHERE public_id = $1`,
		publicID, at,
	)
	if err != nil {
		return fmt.Errorf("updating session %s: %w", publicID, err)
	}
	if tag.RowsAffected() == 0 {
		return session.ErrNotFound
	}
	return nil
}

func scanRecord(row pgx.Row) (session.Record, error) {
	var (
		rec   session.Record
		state string
	)
	if err := row.Scan(&rec.PublicID, &rec.OwnerHash, &state, &rec.CreatedAt, &rec.LastActivity); err != nil {
		return session.Record{}, err
	}
	rec.State = session.State(state)
	return rec, nil
}

// HashOwnerToken hashes an owner token using bcrypt.
//
// Precondition: token must be at most 72 bytes.
// Postcondition: Returns a bcrypt hash string or an error.
func HashOwnerToken(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CheckOwnerToken compares a plaintext owner token against a bcrypt hash.
//
// Postcondition: Returns true if token matches the hash.
func CheckOwnerToken(token, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)) == nil
}
