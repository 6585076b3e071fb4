package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mind-engage/mindengage-lti/internal/config"
	"github.com/mind-engage/mindengage-lti/internal/db"
	"github.com/mind-engage/mindengage-lti/pkg/tool/kv"
	"github.com/mind-engage/mindengage-lti/pkg/tool/kv/rediskv"
	"github.com/mind-engage/mindengage-lti/pkg/tool/kv/sqlkv"
)

// ReapInterval is how often expired SQL rows are deleted.
const ReapInterval = 10 * time.Minute

// OpenStore connects the record store named by cfg.StoreBackend. The returned
// close func releases the connection and stops the SQL reaper.
func OpenStore(ctx context.Context, cfg config.Config, log *slog.Logger) (kv.Store, func() error, error) {
	switch cfg.StoreBackend {
	case config.StoreMemory:
		log.Warn("using in-memory record store; state does not survive restarts")
		return kv.NewMemory(), func() error { return nil }, nil

	case config.StoreRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
		}
		log.Info("record store ready", "backend", "redis", "addr", cfg.RedisAddr)
		return rediskv.New(client, cfg.RedisKeyPrefix), client.Close, nil

	case config.StoreSQL:
		driver, err := db.ParseDriver(cfg.DBDriver)
		if err != nil {
			return nil, nil, err
		}
		conn, err := db.Open(ctx, driver, cfg.DBDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("db open: %w", err)
		}
		store := sqlkv.New(conn)
		reapCtx, stop := context.WithCancel(context.Background())
		go reap(reapCtx, store, log)
		log.Info("record store ready", "backend", "sql", "driver", driver)
		return store, func() error {
			stop()
			return conn.Close()
		}, nil
	}
	return nil, nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
}

func reap(ctx context.Context, store *sqlkv.Store, log *slog.Logger) {
	t := time.NewTicker(ReapInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := store.Reap(ctx)
			if err != nil {
				log.Warn("reap expired records", "err", err)
				continue
			}
			if n > 0 {
				log.Debug("reaped expired records", "rows", n)
			}
		}
	}
}
