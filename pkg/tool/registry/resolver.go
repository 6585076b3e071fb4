package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/mind-engage/mindengage-lti/pkg/tool/kv"
	"github.com/mind-engage/mindengage-lti/pkg/tool/ltierr"
)

const (
	PlatformTable = "platforms"
	ToolTable     = "tools"
)

// PlatformConfig loads and saves PlatformRecords.
type PlatformConfig struct {
	Store kv.Store
	Table string
}

func NewPlatformConfig(store kv.Store, tablePrefix string) *PlatformConfig {
	return &PlatformConfig{Store: store, Table: kv.TableName(tablePrefix, PlatformTable)}
}

// Load looks up (clientID, issuer, deploymentID). When a deployment id was
// given and no record matches, the lookup is retried once without it: some
// platforms omit the deployment id at login but send it at launch.
func (c *PlatformConfig) Load(ctx context.Context, clientID, issuer, deploymentID string) (PlatformRecord, error) {
	rec, err := c.get(ctx, PlatformKey(clientID, issuer, deploymentID))
	if errors.Is(err, ltierr.ErrRecordNotFound) && deploymentID != "" {
		rec, err = c.get(ctx, PlatformKey(clientID, issuer, ""))
	}
	if err != nil {
		return PlatformRecord{}, err
	}
	return rec, nil
}

func (c *PlatformConfig) get(ctx context.Context, key string) (PlatformRecord, error) {
	it, err := c.Store.Get(ctx, c.Table, key)
	if err != nil {
		return PlatformRecord{}, storeErr("platform", err)
	}
	var rec PlatformRecord
	if err := kv.Decode(it, &rec); err != nil {
		return PlatformRecord{}, fmt.Errorf("%w: decode platform: %v", ltierr.ErrStoreAccess, err)
	}
	return rec, nil
}

// Save validates and upserts rec, returning the stored form.
func (c *PlatformConfig) Save(ctx context.Context, rec PlatformRecord) (PlatformRecord, error) {
	rec = rec.Normalize()
	if err := rec.Validate(); err != nil {
		return PlatformRecord{}, err
	}
	it, err := kv.Encode(rec)
	if err != nil {
		return PlatformRecord{}, fmt.Errorf("%w: encode platform: %v", ltierr.ErrStoreAccess, err)
	}
	if err := c.Store.Put(ctx, c.Table, rec.Key(), it); err != nil {
		return PlatformRecord{}, fmt.Errorf("%w: save platform: %v", ltierr.ErrStoreAccess, err)
	}
	return rec, nil
}

// List returns every registration.
func (c *PlatformConfig) List(ctx context.Context) ([]PlatformRecord, error) {
	items, err := c.Store.Scan(ctx, c.Table)
	if err != nil {
		return nil, fmt.Errorf("%w: scan platforms: %v", ltierr.ErrStoreAccess, err)
	}
	out := make([]PlatformRecord, 0, len(items))
	for _, it := range items {
		var rec PlatformRecord
		if err := kv.Decode(it, &rec); err != nil {
			return nil, fmt.Errorf("%w: decode platform: %v", ltierr.ErrStoreAccess, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// ToolConfig loads and saves ToolRecords.
type ToolConfig struct {
	Store kv.Store
	Table string
}

func NewToolConfig(store kv.Store, tablePrefix string) *ToolConfig {
	return &ToolConfig{Store: store, Table: kv.TableName(tablePrefix, ToolTable)}
}

func (c *ToolConfig) Load(ctx context.Context, id, issuer string) (ToolRecord, error) {
	it, err := c.Store.Get(ctx, c.Table, ToolKey(id, issuer))
	if err != nil {
		return ToolRecord{}, storeErr("tool", err)
	}
	var rec ToolRecord
	if err := kv.Decode(it, &rec); err != nil {
		return ToolRecord{}, fmt.Errorf("%w: decode tool: %v", ltierr.ErrStoreAccess, err)
	}
	return rec, nil
}

func (c *ToolConfig) Save(ctx context.Context, rec ToolRecord) (ToolRecord, error) {
	if err := rec.Validate(); err != nil {
		return ToolRecord{}, err
	}
	it, err := kv.Encode(rec)
	if err != nil {
		return ToolRecord{}, fmt.Errorf("%w: encode tool: %v", ltierr.ErrStoreAccess, err)
	}
	if err := c.Store.Put(ctx, c.Table, rec.Key(), it); err != nil {
		return ToolRecord{}, fmt.Errorf("%w: save tool: %v", ltierr.ErrStoreAccess, err)
	}
	return rec, nil
}

func (c *ToolConfig) List(ctx context.Context) ([]ToolRecord, error) {
	items, err := c.Store.Scan(ctx, c.Table)
	if err != nil {
		return nil, fmt.Errorf("%w: scan tools: %v", ltierr.ErrStoreAccess, err)
	}
	out := make([]ToolRecord, 0, len(items))
	for _, it := range items {
		var rec ToolRecord
		if err := kv.Decode(it, &rec); err != nil {
			return nil, fmt.Errorf("%w: decode tool: %v", ltierr.ErrStoreAccess, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func storeErr(what string, err error) error {
	if errors.Is(err, kv.ErrNotFound) {
		return fmt.Errorf("%w: %s", ltierr.ErrRecordNotFound, what)
	}
	return fmt.Errorf("%w: load %s: %v", ltierr.ErrStoreAccess, what, err)
}
