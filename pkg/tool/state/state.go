// Package state keeps login/launch sessions. A record's nonce can be redeemed
// exactly once: Load with a nonce flips nonce_count from 0 to 1 through a
// conditional write, so concurrent or repeated redemptions lose.
package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mind-engage/mindengage-lti/pkg/tool/kv"
	"github.com/mind-engage/mindengage-lti/pkg/tool/ltierr"
)

const (
	Table      = "state"
	DefaultTTL = 7200 * time.Second
)

// Record is one session. ID doubles as the authorization code once the
// session bridge clones it.
type Record struct {
	ID               string `json:"id"`
	Nonce            string `json:"nonce"`
	NonceCount       int    `json:"nonce_count"`
	TTL              int64  `json:"ttl"`
	IDToken          string `json:"id_token,omitempty"`
	PlatformLTIToken string `json:"platform_lti_token,omitempty"`
	LearnRESTToken   string `json:"learn_rest_token,omitempty"`
}

// Store is the state table over a kv.Store.
type Store struct {
	KV    kv.Store
	Table string
	TTL   time.Duration
	Now   func() time.Time
}

func New(store kv.Store, tablePrefix string, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{KV: store, Table: kv.TableName(tablePrefix, Table), TTL: ttl, Now: time.Now}
}

// NewRecord returns an unsaved record with a fresh id and nonce.
func NewRecord() *Record {
	return &Record{ID: uuid.NewString(), Nonce: uuid.NewString()}
}

// Save writes rec, creating a fresh one when rec is nil. The ttl is always
// recomputed from the store's window.
func (s *Store) Save(ctx context.Context, rec *Record) (*Record, error) {
	if rec == nil {
		rec = NewRecord()
	}
	if rec.ID == "" {
		return nil, fmt.Errorf("%w: state id is required", ltierr.ErrInvalidValue)
	}
	rec.TTL = s.Now().Add(s.TTL).Unix()
	it, err := kv.Encode(rec)
	if err != nil {
		return nil, fmt.Errorf("%w: encode state: %v", ltierr.ErrStoreAccess, err)
	}
	if err := s.KV.Put(ctx, s.Table, rec.ID, it); err != nil {
		return nil, fmt.Errorf("%w: save state: %v", ltierr.ErrStoreAccess, err)
	}
	return rec, nil
}

// Load fetches the record for id. With a non-empty nonce it also redeems the
// nonce; a mismatch or an earlier redemption fails ErrInvalidState.
func (s *Store) Load(ctx context.Context, id, nonce string) (*Record, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: state id is required", ltierr.ErrInvalidValue)
	}
	it, err := s.KV.Get(ctx, s.Table, id)
	if err != nil {
		return nil, s.loadErr(err)
	}
	var rec Record
	if err := kv.Decode(it, &rec); err != nil {
		return nil, fmt.Errorf("%w: decode state: %v", ltierr.ErrStoreAccess, err)
	}
	if nonce == "" {
		return &rec, nil
	}

	if rec.Nonce != nonce || rec.NonceCount != 0 {
		return nil, fmt.Errorf("%w: nonce mismatch or already used", ltierr.ErrInvalidState)
	}
	err = s.KV.ConditionalUpdate(ctx, s.Table, id,
		kv.Item{"nonce": nonce, "nonce_count": 0},
		kv.Item{"nonce_count": 1})
	switch {
	case errors.Is(err, kv.ErrConditionFailed):
		return nil, fmt.Errorf("%w: nonce already used", ltierr.ErrInvalidState)
	case err != nil:
		return nil, s.loadErr(err)
	}
	rec.NonceCount = 1
	return &rec, nil
}

// Delete removes id. Missing records are not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.KV.Delete(ctx, s.Table, id); err != nil {
		return fmt.Errorf("%w: delete state: %v", ltierr.ErrStoreAccess, err)
	}
	return nil
}

// RotateNonce gives rec a fresh, unredeemed nonce and saves it.
func (s *Store) RotateNonce(ctx context.Context, rec *Record) (*Record, error) {
	rec.Nonce = uuid.NewString()
	rec.NonceCount = 0
	return s.Save(ctx, rec)
}

// Clone saves a copy of rec's payload under a new id with a fresh nonce.
func (s *Store) Clone(ctx context.Context, rec *Record) (*Record, error) {
	c := NewRecord()
	c.IDToken = rec.IDToken
	c.PlatformLTIToken = rec.PlatformLTIToken
	c.LearnRESTToken = rec.LearnRESTToken
	return s.Save(ctx, c)
}

func (s *Store) loadErr(err error) error {
	if errors.Is(err, kv.ErrNotFound) {
		return ltierr.ErrSessionNotFound
	}
	return fmt.Errorf("%w: load state: %v", ltierr.ErrStoreAccess, err)
}
