package gateway

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// ErrIdempotencyMismatch is returned when an idempotency key is replayed with
// a different request body than the original call.
var ErrIdempotencyMismatch = errors.New("gateway: idempotency key reused with different payload")

// IdempotencyStore persists responses for idempotent POST handling so retried
// requests replay the original outcome instead of re-executing.
type IdempotencyStore struct {
	db    *sql.DB
	nowFn func() time.Time
}

// StoredResponse is a previously recorded handler outcome.
type StoredResponse struct {
	Status int
	Body   []byte
}

// OpenIdempotencyStore opens (and migrates) the sqlite-backed store at path.
func OpenIdempotencyStore(path string) (*IdempotencyStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("gateway: open idempotency store: %w", err)
	}
	db.SetMaxOpenConns(1)
	schema := `
CREATE TABLE IF NOT EXISTS idempotency_keys (
    api_key      TEXT NOT NULL,
    idem_key     TEXT NOT NULL,
    request_hash TEXT NOT NULL,
    status       INTEGER NOT NULL,
    body         BLOB NOT NULL,
    created_at   INTEGER NOT NULL,
    PRIMARY KEY (api_key, idem_key)
);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("gateway: migrate idempotency store: %w", err)
	}
	return &IdempotencyStore{db: db, nowFn: time.Now}, nil
}

// Lookup returns the stored response for the key, if any. A replay with a
// different request hash yields ErrIdempotencyMismatch.
func (s *IdempotencyStore) Lookup(apiKey, idemKey string, body []byte) (*StoredResponse, error) {
	row := s.db.QueryRow(
		`SELECT request_hash, status, body FROM idempotency_keys WHERE api_key = ? AND idem_key = ?`,
		apiKey, idemKey,
	)
	var storedHash string
	var resp StoredResponse
	if err := row.Scan(&storedHash, &resp.Status, &resp.Body); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("gateway: lookup idempotency key: %w", err)
	}
	if storedHash != hashRequest(body) {
		return nil, ErrIdempotencyMismatch
	}
	return &resp, nil
}

// Record stores the handler outcome for later replays of the same key.
func (s *IdempotencyStore) Record(apiKey, idemKey string, requestBody []byte, status int, responseBody []byte) error {
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO idempotency_keys (api_key, idem_key, request_hash, status, body, created_at)
         VALUES (?, ?, ?, ?, ?, ?)`,
		apiKey, idemKey, hashRequest(requestBody), status, responseBody, s.nowFn().UTC().Unix(),
	)
	if err != nil {
		return fmt.Errorf("gateway: record idempotency key: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *IdempotencyStore) Close() error {
	return s.db.Close()
}

func hashRequest(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
