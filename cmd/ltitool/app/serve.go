package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mind-engage/mindengage-lti/internal/config"
	"github.com/mind-engage/mindengage-lti/internal/server"
	"github.com/mind-engage/mindengage-lti/pkg/tool/keys"
	"github.com/mind-engage/mindengage-lti/pkg/tool/kv"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the LTI endpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, newLogger(os.Stdout, cfg, true))
		},
	}
}

func serve(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	store, closeStore, err := server.OpenStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			log.Warn("close store", "err", err)
		}
	}()

	oracle, err := loadOracle(ctx, cfg, store, log)
	if err != nil {
		return err
	}
	hc := &http.Client{Timeout: cfg.HTTPClientTimeout}
	srv, err := server.New(ctx, cfg, log, store, oracle, hc)
	if err != nil {
		return err
	}

	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", cfg.HTTPAddr, "store", cfg.StoreBackend)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

// loadOracle reads the signing key from SIGNING_KEY_FILE or generates one.
// A generated key does not match any key record left in a persistent store,
// so that record is dropped and republished on first use.
func loadOracle(ctx context.Context, cfg config.Config, store kv.Store, log *slog.Logger) (*keys.LocalOracle, error) {
	oracle := keys.NewLocalOracle()
	if cfg.SigningKeyFile != "" {
		if err := oracle.LoadPEMFile(cfg.SigningKeyID, cfg.SigningKeyFile); err != nil {
			return nil, fmt.Errorf("signing key: %w", err)
		}
		return oracle, nil
	}
	log.Warn("SIGNING_KEY_FILE is empty; generating an ephemeral signing key")
	if err := oracle.Generate(cfg.SigningKeyID); err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	table := kv.TableName(cfg.TablePrefix, keys.JWKTable)
	if err := store.Delete(ctx, table, cfg.SigningKeyID); err != nil && !errors.Is(err, kv.ErrNotFound) {
		return nil, fmt.Errorf("drop stale key record: %w", err)
	}
	return oracle, nil
}
