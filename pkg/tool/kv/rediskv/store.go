// Package rediskv stores kv records as JSON strings in Redis. Record expiry is
// delegated to Redis key expiry; ConditionalUpdate runs as a Lua script so the
// compare and the write are a single atomic step on the server.
package rediskv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mind-engage/mindengage-lti/pkg/tool/kv"
)

type Store struct {
	client    redis.UniversalClient
	keyPrefix string
	Now       func() time.Time
}

// New wraps an existing client; keys are "<prefix><table>:<key>".
func New(client redis.UniversalClient, keyPrefix string) *Store {
	return &Store{client: client, keyPrefix: keyPrefix, Now: time.Now}
}

var _ kv.Store = (*Store)(nil)

func (s *Store) key(table, key string) string {
	return s.keyPrefix + table + ":" + key
}

// ttl returns the relative expiry for item; ok is false when the record is
// already expired.
func (s *Store) ttl(item kv.Item) (time.Duration, bool) {
	at := item.ExpiresAt()
	if at == 0 {
		return 0, true
	}
	d := time.Unix(at, 0).Sub(s.Now())
	if d <= 0 {
		return 0, false
	}
	return d, true
}

func (s *Store) decode(table, raw string) (kv.Item, error) {
	var it kv.Item
	if err := json.Unmarshal([]byte(raw), &it); err != nil {
		return nil, fmt.Errorf("rediskv: decode %s: %w", table, err)
	}
	return it, nil
}

func (s *Store) Get(ctx context.Context, table, key string) (kv.Item, error) {
	raw, err := s.client.Get(ctx, s.key(table, key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, kv.ErrNotFound
		}
		return nil, fmt.Errorf("rediskv: get %s: %w", table, err)
	}
	it, err := s.decode(table, raw)
	if err != nil {
		return nil, err
	}
	if it.Expired(s.Now()) {
		return nil, kv.ErrNotFound
	}
	return it, nil
}

func (s *Store) Put(ctx context.Context, table, key string, item kv.Item) error {
	raw, err := json.Marshal(item)
	if err != nil {
		return err
	}
	d, live := s.ttl(item)
	k := s.key(table, key)
	if !live {
		return s.client.Del(ctx, k).Err()
	}
	if err := s.client.Set(ctx, k, raw, d).Err(); err != nil {
		return fmt.Errorf("rediskv: put %s: %w", table, err)
	}
	return nil
}

func (s *Store) Create(ctx context.Context, table, key string, item kv.Item) error {
	raw, err := json.Marshal(item)
	if err != nil {
		return err
	}
	d, live := s.ttl(item)
	if !live {
		return kv.ErrExpired
	}
	ok, err := s.client.SetNX(ctx, s.key(table, key), raw, d).Result()
	if err != nil {
		return fmt.Errorf("rediskv: create %s: %w", table, err)
	}
	if !ok {
		return kv.ErrConditionFailed
	}
	return nil
}

// conditionalUpdateScript compares scalar attributes of the stored document
// with ARGV[1] and merges ARGV[2] on a match. Expiry follows the merged
// document's ttl attribute, as with Put.
// Returns 1 on success, 0 when the key is absent and -1 on a mismatch.
var conditionalUpdateScript = redis.NewScript(`
local data = redis.call('GET', KEYS[1])
if not data then
	return 0
end
local doc = cjson.decode(data)
local expect = cjson.decode(ARGV[1])
for k, v in pairs(expect) do
	if doc[k] ~= v then
		return -1
	end
end
local set = cjson.decode(ARGV[2])
for k, v in pairs(set) do
	doc[k] = v
end
redis.call('SET', KEYS[1], cjson.encode(doc))
local ttl = tonumber(doc['ttl'])
if ttl and ttl > 0 then
	redis.call('EXPIREAT', KEYS[1], ttl)
end
return 1
`)

func (s *Store) ConditionalUpdate(ctx context.Context, table, key string, expect, set kv.Item) error {
	for k, v := range expect {
		switch v.(type) {
		case string, bool, int, int64, float64, nil:
		default:
			return fmt.Errorf("rediskv: condition on %q must be a scalar", k)
		}
	}
	ej, err := json.Marshal(expect)
	if err != nil {
		return err
	}
	sj, err := json.Marshal(set)
	if err != nil {
		return err
	}
	res, err := conditionalUpdateScript.Run(ctx, s.client, []string{s.key(table, key)}, string(ej), string(sj)).Int()
	if err != nil {
		return fmt.Errorf("rediskv: update %s: %w", table, err)
	}
	switch res {
	case 0:
		return kv.ErrNotFound
	case -1:
		return kv.ErrConditionFailed
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, table, key string) error {
	if err := s.client.Del(ctx, s.key(table, key)).Err(); err != nil {
		return fmt.Errorf("rediskv: delete %s: %w", table, err)
	}
	return nil
}

func (s *Store) Scan(ctx context.Context, table string) ([]kv.Item, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, s.key(table, "*"), 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("rediskv: scan %s: %w", table, err)
	}
	sort.Strings(keys)

	out := make([]kv.Item, 0, len(keys))
	for _, k := range keys {
		raw, err := s.client.Get(ctx, k).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("rediskv: scan %s: %w", table, err)
		}
		it, err := s.decode(table, raw)
		if err != nil {
			return nil, err
		}
		if !it.Expired(s.Now()) {
			out = append(out, it)
		}
	}
	return out, nil
}
