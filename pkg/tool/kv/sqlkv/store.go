// Package sqlkv stores kv records in a single SQL table (see internal/db).
// Conditional updates are compare-and-swap on the row version, so the
// check-then-write in ConditionalUpdate never overwrites a concurrent change.
package sqlkv

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mind-engage/mindengage-lti/pkg/tool/kv"
)

type Store struct {
	db  *sql.DB
	Now func() time.Time
}

func New(db *sql.DB) *Store {
	return &Store{db: db, Now: time.Now}
}

var _ kv.Store = (*Store)(nil)

func (s *Store) now() int64 { return s.Now().Unix() }

func (s *Store) load(ctx context.Context, table, key string) (kv.Item, int64, error) {
	var raw string
	var version int64
	err := s.db.QueryRowContext(ctx,
		`SELECT value, version FROM kv_items WHERE tbl=$1 AND k=$2 AND (ttl=0 OR ttl>$3)`,
		table, key, s.now()).Scan(&raw, &version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, 0, kv.ErrNotFound
		}
		return nil, 0, fmt.Errorf("sqlkv: get %s: %w", table, err)
	}
	var it kv.Item
	if err := json.Unmarshal([]byte(raw), &it); err != nil {
		return nil, 0, fmt.Errorf("sqlkv: decode %s: %w", table, err)
	}
	return it, version, nil
}

func (s *Store) Get(ctx context.Context, table, key string) (kv.Item, error) {
	it, _, err := s.load(ctx, table, key)
	return it, err
}

func (s *Store) Put(ctx context.Context, table, key string, item kv.Item) error {
	raw, err := json.Marshal(item)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO kv_items (tbl,k,value,ttl,version)
		VALUES ($1,$2,$3,$4,1)
		ON CONFLICT (tbl,k) DO UPDATE SET value=EXCLUDED.value, ttl=EXCLUDED.ttl, version=kv_items.version+1`,
		table, key, string(raw), item.ExpiresAt())
	if err != nil {
		return fmt.Errorf("sqlkv: put %s: %w", table, err)
	}
	return nil
}

func (s *Store) Create(ctx context.Context, table, key string, item kv.Item) error {
	if item.Expired(s.Now()) {
		return kv.ErrExpired
	}
	raw, err := json.Marshal(item)
	if err != nil {
		return err
	}
	// The DO UPDATE branch only fires over an expired row.
	res, err := s.db.ExecContext(ctx, `INSERT INTO kv_items (tbl,k,value,ttl,version)
		VALUES ($1,$2,$3,$4,1)
		ON CONFLICT (tbl,k) DO UPDATE SET value=EXCLUDED.value, ttl=EXCLUDED.ttl, version=kv_items.version+1
		WHERE kv_items.ttl > 0 AND kv_items.ttl <= $5`,
		table, key, string(raw), item.ExpiresAt(), s.now())
	if err != nil {
		return fmt.Errorf("sqlkv: create %s: %w", table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlkv: create %s: %w", table, err)
	}
	if n == 0 {
		return kv.ErrConditionFailed
	}
	return nil
}

func (s *Store) ConditionalUpdate(ctx context.Context, table, key string, expect, set kv.Item) error {
	it, version, err := s.load(ctx, table, key)
	if err != nil {
		return err
	}
	if !it.Matches(expect) {
		return kv.ErrConditionFailed
	}
	next := it.Merge(set)
	raw, err := json.Marshal(next)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE kv_items SET value=$1, ttl=$2, version=version+1 WHERE tbl=$3 AND k=$4 AND version=$5`,
		string(raw), next.ExpiresAt(), table, key, version)
	if err != nil {
		return fmt.Errorf("sqlkv: update %s: %w", table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlkv: update %s: %w", table, err)
	}
	if n == 0 {
		return kv.ErrConditionFailed
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, table, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_items WHERE tbl=$1 AND k=$2`, table, key); err != nil {
		return fmt.Errorf("sqlkv: delete %s: %w", table, err)
	}
	return nil
}

func (s *Store) Scan(ctx context.Context, table string) ([]kv.Item, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT value FROM kv_items WHERE tbl=$1 AND (ttl=0 OR ttl>$2) ORDER BY k`, table, s.now())
	if err != nil {
		return nil, fmt.Errorf("sqlkv: scan %s: %w", table, err)
	}
	defer rows.Close()

	var out []kv.Item
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("sqlkv: scan %s: %w", table, err)
		}
		var it kv.Item
		if err := json.Unmarshal([]byte(raw), &it); err != nil {
			return nil, fmt.Errorf("sqlkv: decode %s: %w", table, err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// Reap deletes expired rows and reports how many were removed. Reads already
// hide expired rows; this only reclaims space.
func (s *Store) Reap(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM kv_items WHERE ttl>0 AND ttl<=$1`, s.now())
	if err != nil {
		return 0, fmt.Errorf("sqlkv: reap: %w", err)
	}
	return res.RowsAffected()
}
