// Package app provides the ltitool commands.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/mind-engage/mindengage-lti/internal/config"
	"github.com/mind-engage/mindengage-lti/internal/server"
	"github.com/mind-engage/mindengage-lti/pkg/tool/registry"
)

// NewRootCmd creates the root command with every subcommand attached.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:               "ltitool",
		DisableAutoGenTag: true,
		Short:             "ltitool runs the security core of an LTI 1.3 Advantage tool",
		Long: `ltitool runs the tool side of LTI 1.3: OIDC login, launch validation,
deep linking responses, the session bridge and the AGS/NRPS service proxies.

Configuration is read from the environment (HTTP_ADDR, STORE_BACKEND, DB_DSN,
REDIS_ADDR, SIGNING_KEY_FILE and friends). The register subcommands write
platform and tool records straight into the configured store.`,
		SilenceUsage: true,
		Run: func(cmd *cobra.Command, _ []string) {
			// If no subcommand is provided, print help
			if err := cmd.Help(); err != nil {
				fmt.Fprintf(os.Stderr, "Error displaying help: %v\n", err)
			}
		},
	}
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newPlatformCmd())
	rootCmd.AddCommand(newToolCmd())
	rootCmd.AddCommand(newJWKSCmd())
	return rootCmd
}

func newLogger(w io.Writer, cfg config.Config, json bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if json {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// registries opens the configured store for the admin subcommands.
func registries(ctx context.Context, cfg config.Config, log *slog.Logger) (*registry.PlatformConfig, *registry.ToolConfig, func() error, error) {
	store, closeStore, err := server.OpenStore(ctx, cfg, log)
	if err != nil {
		return nil, nil, nil, err
	}
	if cfg.StoreBackend == config.StoreMemory {
		log.Warn("records written to the memory store are lost when this command exits")
	}
	return registry.NewPlatformConfig(store, cfg.TablePrefix), registry.NewToolConfig(store, cfg.TablePrefix), closeStore, nil
}
