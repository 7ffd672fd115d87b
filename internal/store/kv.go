package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Put stores value under key. ttl <= 0 means no expiry.
func (s *Store) Put(key string, value []byte, ttl time.Duration) error {
	var expires sql.NullInt64
	if ttl > 0 {
		expires = sql.NullInt64{Int64: toMillis(s.now().Add(ttl)), Valid: true}
	}
	err := retryOnBusy(func() error {
		_, e := s.db.Exec(
			`INSERT INTO kv (key, value, expires_at) VALUES (?, ?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
			key, value, expires,
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("kv put %s: %w", key, err)
	}
	return nil
}

// Get returns the live value for key. Expired entries read as missing.
func (s *Store) Get(key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRow(
		`SELECT value FROM kv WHERE key = ? AND (expires_at IS NULL OR expires_at > ?)`,
		key, toMillis(s.now()),
	).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("kv get %s: %w", key, err)
	}
	return value, true, nil
}

func (s *Store) Delete(key string) error {
	err := retryOnBusy(func() error {
		_, e := s.db.Exec(`DELETE FROM kv WHERE key = ?`, key)
		return e
	})
	if err != nil {
		return fmt.Errorf("kv delete %s: %w", key, err)
	}
	return nil
}

// Scan returns every live entry whose key starts with prefix.
func (s *Store) Scan(prefix string) (map[string][]byte, error) {
	rows, err := s.db.Query(
		`SELECT key, value FROM kv WHERE key >= ? AND (expires_at IS NULL OR expires_at > ?) ORDER BY key`,
		prefix, toMillis(s.now()),
	)
	if err != nil {
		return nil, fmt.Errorf("kv scan %s: %w", prefix, err)
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var k string
		var v []byte
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("kv scan: %w", err)
		}
		if !strings.HasPrefix(k, prefix) {
			break
		}
		out[k] = v
	}
	return out, rows.Err()
}

// PurgeExpired deletes expired entries and reports how many went.
func (s *Store) PurgeExpired() (int64, error) {
	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		result, e = s.db.Exec(`DELETE FROM kv WHERE expires_at IS NOT NULL AND expires_at <= ?`, toMillis(s.now()))
		return e
	})
	if err != nil {
		return 0, fmt.Errorf("kv purge: %w", err)
	}
	return result.RowsAffected()
}

// PutJSON marshals v and stores it under key.
func (s *Store) PutJSON(key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("kv marshal %s: %w", key, err)
	}
	return s.Put(key, data, ttl)
}

// GetJSON loads key into v and reports whether it was present.
func (s *Store) GetJSON(key string, v any) (bool, error) {
	data, ok, err := s.Get(key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("kv unmarshal %s: %w", key, err)
	}
	return true, nil
}
