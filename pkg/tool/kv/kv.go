// Package kv is the record store consumed by the LTI core.
//
// Records are flat JSON documents addressed by (table, key). Every record may
// carry an epoch-seconds "ttl" attribute; a record whose ttl has passed is
// treated as absent by every backend, whether or not it has been reaped yet.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// TTLAttr is the attribute holding a record's expiry in epoch seconds.
const TTLAttr = "ttl"

var (
	ErrNotFound        = errors.New("kv: record not found")
	ErrConditionFailed = errors.New("kv: condition failed")
	// ErrExpired is returned by Create for an item whose ttl has passed.
	ErrExpired         = errors.New("kv: item already expired")
)

// Item is a single record. Values are JSON-compatible scalars, slices or maps.
type Item map[string]any

// Store is implemented by the memory, SQL and Redis backends.
type Store interface {
	Get(ctx context.Context, table, key string) (Item, error)
	Put(ctx context.Context, table, key string, item Item) error
	// Create writes item only when no live record exists under key.
	Create(ctx context.Context, table, key string, item Item) error
	// ConditionalUpdate merges set into the record when every attribute in
	// expect equals the stored value. The check and write are atomic.
	ConditionalUpdate(ctx context.Context, table, key string, expect, set Item) error
	Delete(ctx context.Context, table, key string) error
	Scan(ctx context.Context, table string) ([]Item, error)
}

// Encode converts a tagged struct into an Item.
func Encode(v any) (Item, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var it Item
	if err := json.Unmarshal(b, &it); err != nil {
		return nil, err
	}
	return it, nil
}

// Decode fills v from an Item.
func Decode(it Item, v any) error {
	b, err := json.Marshal(it)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// ExpiresAt reads the ttl attribute. Zero means the record never expires.
func (it Item) ExpiresAt() int64 {
	switch v := it[TTLAttr].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	}
	return 0
}

// Expired reports whether the record's ttl is at or before now.
func (it Item) Expired(now time.Time) bool {
	ttl := it.ExpiresAt()
	return ttl > 0 && ttl <= now.Unix()
}

// Matches reports whether every attribute in expect equals the stored value.
// Values are compared by their JSON encoding so 0, int64(0) and 0.0 agree.
func (it Item) Matches(expect Item) bool {
	for k, want := range expect {
		got, ok := it[k]
		if !ok || !sameJSON(got, want) {
			return false
		}
	}
	return true
}

// Merge returns a copy of it with set applied.
func (it Item) Merge(set Item) Item {
	out := make(Item, len(it)+len(set))
	for k, v := range it {
		out[k] = v
	}
	for k, v := range set {
		out[k] = v
	}
	return out
}

func sameJSON(a, b any) bool {
	ab, err1 := json.Marshal(a)
	bb, err2 := json.Marshal(b)
	return err1 == nil && err2 == nil && string(ab) == string(bb)
}

// TableName joins an optional deployment prefix and a logical table name.
func TableName(prefix, table string) string {
	if prefix == "" {
		return table
	}
	return fmt.Sprintf("%s%s", prefix, table)
}
