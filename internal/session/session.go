// Package session implements the Session Store (spec §3, §4.5, §5): a
// per-(userId, scope) record with a TTL, used by interactions that span
// multiple user turns (dispute drafting, key validation). Redis is the fast
// read/write path; Postgres is the system of record a crash-restarted
// process falls back to, mirroring the fast-cache-plus-durable-backing split
// channeldb draws between its in-memory channel state and the on-disk bolt
// store.
package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v7"

	"github.com/escrowd/escrowd/internal/domain"
)

// record is the JSON wire shape stored in both Redis and Postgres.
type record struct {
	UserID        string                     `json:"user_id"`
	Scope         domain.SessionScope        `json:"scope"`
	Dispute       *domain.DisputeDraft       `json:"dispute,omitempty"`
	KeyValidation *domain.KeyValidationData  `json:"key_validation,omitempty"`
	CreatedAt     time.Time                  `json:"created_at"`
	ExpiresAt     time.Time                  `json:"expires_at"`
}

func toRecord(s *domain.Session) *record {
	return &record{
		UserID: s.UserID, Scope: s.Scope,
		Dispute: s.Dispute, KeyValidation: s.KeyValidation,
		CreatedAt: s.CreatedAt, ExpiresAt: s.ExpiresAt,
	}
}

func (r *record) toSession() *domain.Session {
	return &domain.Session{
		UserID: r.UserID, Scope: r.Scope,
		Dispute: r.Dispute, KeyValidation: r.KeyValidation,
		CreatedAt: r.CreatedAt, ExpiresAt: r.ExpiresAt,
	}
}

func key(userID string, scope domain.SessionScope) string {
	return fmt.Sprintf("escrowd:session:%s:%s", userID, scope)
}

// Store is the Session Store's public surface.
type Store struct {
	redis *redis.Client
	sql   *sql.DB
}

// New wires a Store over an already-connected Redis client and Postgres
// handle. sqlDB may be nil, in which case the store runs Redis-only (used
// by tests that don't need the durable fallback).
func New(redisClient *redis.Client, sqlDB *sql.DB) *Store {
	return &Store{redis: redisClient, sql: sqlDB}
}

func ttlFor(scope domain.SessionScope) time.Duration {
	if scope == domain.ScopeDispute {
		return domain.DefaultDisputeTTL
	}
	return domain.DefaultKeyValidationTTL
}

// Put persists s, stamping CreatedAt/ExpiresAt if unset, to both Redis (with
// a native TTL) and Postgres (the durable latch).
func (st *Store) Put(ctx context.Context, s *domain.Session) error {
	now := time.Now()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	if s.ExpiresAt.IsZero() {
		s.ExpiresAt = now.Add(ttlFor(s.Scope))
	}

	raw, err := json.Marshal(toRecord(s))
	if err != nil {
		return err
	}

	ttl := time.Until(s.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("session: refusing to store already-expired session")
	}
	if err := st.redis.Set(key(s.UserID, s.Scope), raw, ttl).Err(); err != nil {
		return fmt.Errorf("session: redis set: %w", err)
	}

	if st.sql != nil {
		_, err := st.sql.ExecContext(ctx, `
			INSERT INTO sessions (user_id, scope, payload, expires_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (user_id, scope) DO UPDATE SET
				payload = EXCLUDED.payload, expires_at = EXCLUDED.expires_at`,
			s.UserID, s.Scope, raw, s.ExpiresAt)
		if err != nil {
			return fmt.Errorf("session: postgres upsert: %w", err)
		}
	}
	return nil
}

// Get returns the active session for (userID, scope), trying Redis first
// and falling back to Postgres on a cache miss (e.g. after a Redis
// restart). A found-but-expired session is treated as not found and GC'd.
func (st *Store) Get(ctx context.Context, userID string, scope domain.SessionScope) (*domain.Session, bool, error) {
	raw, err := st.redis.Get(key(userID, scope)).Bytes()
	switch err {
	case nil:
		return decodeRecord(raw)
	case redis.Nil:
		// fall through to Postgres
	default:
		return nil, false, fmt.Errorf("session: redis get: %w", err)
	}

	if st.sql == nil {
		return nil, false, nil
	}

	var payload []byte
	var expiresAt time.Time
	row := st.sql.QueryRowContext(ctx, `
		SELECT payload, expires_at FROM sessions WHERE user_id = $1 AND scope = $2`, userID, scope)
	if err := row.Scan(&payload, &expiresAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("session: postgres get: %w", err)
	}
	if time.Now().After(expiresAt) {
		_ = st.Delete(ctx, userID, scope)
		return nil, false, nil
	}

	s, found, err := decodeRecord(payload)
	if err != nil || !found {
		return s, found, err
	}
	// Warm the fast path so the next read doesn't need Postgres again.
	if ttl := time.Until(s.ExpiresAt); ttl > 0 {
		_ = st.redis.Set(key(userID, scope), payload, ttl).Err()
	}
	return s, true, nil
}

func decodeRecord(raw []byte) (*domain.Session, bool, error) {
	var r record
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, false, fmt.Errorf("session: decode: %w", err)
	}
	s := r.toSession()
	if s.Expired(time.Now()) {
		return nil, false, nil
	}
	return s, true, nil
}

// Delete removes the session from both tiers. Absence in either is not an
// error — Delete is idempotent, matching the latch-then-notify pattern the
// monitors rely on elsewhere.
func (st *Store) Delete(ctx context.Context, userID string, scope domain.SessionScope) error {
	if err := st.redis.Del(key(userID, scope)).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("session: redis del: %w", err)
	}
	if st.sql != nil {
		if _, err := st.sql.ExecContext(ctx, `DELETE FROM sessions WHERE user_id = $1 AND scope = $2`, userID, scope); err != nil {
			return fmt.Errorf("session: postgres del: %w", err)
		}
	}
	return nil
}

// GCExpired deletes durably-stored sessions past their TTL. Redis expires
// its own keys natively; this only needs to sweep the Postgres mirror,
// which has no TTL of its own (spec §5: "expired sessions are GC'd").
func (st *Store) GCExpired(ctx context.Context) (int64, error) {
	if st.sql == nil {
		return 0, nil
	}
	res, err := st.sql.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at < now()`)
	if err != nil {
		return 0, fmt.Errorf("session: gc: %w", err)
	}
	return res.RowsAffected()
}
