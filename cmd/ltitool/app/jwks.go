package app

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/mind-engage/mindengage-lti/internal/config"
	"github.com/mind-engage/mindengage-lti/internal/server"
	"github.com/mind-engage/mindengage-lti/pkg/tool/keys"
)

func newJWKSCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "jwks",
		Short: "Print the tool's public key set",
		Long: `Print the JWK set served at /.well-known/jwks.json. The key record is
created in the configured store when it is missing or close to expiry.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			// a generated key would replace the one a running server publishes
			if cfg.SigningKeyFile == "" {
				return errors.New("SIGNING_KEY_FILE is required")
			}
			ctx := cmd.Context()
			log := newLogger(cmd.ErrOrStderr(), cfg, false)
			store, closeStore, err := server.OpenStore(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer closeStore()

			oracle, err := loadOracle(ctx, cfg, store, log)
			if err != nil {
				return err
			}
			set, err := keys.NewRegistry(store, cfg.TablePrefix, oracle, cfg.SigningKeyID).All(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd, set)
		},
	}
}

