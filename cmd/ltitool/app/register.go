package app

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mind-engage/mindengage-lti/internal/config"
	"github.com/mind-engage/mindengage-lti/pkg/tool/registry"
)

func newPlatformCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "platform",
		Short: "Manage platform registrations",
	}
	cmd.AddCommand(newPlatformRegisterCmd())
	return cmd
}

func newPlatformRegisterCmd() *cobra.Command {
	var (
		rec  registry.PlatformRecord
		file string
	)
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register or update a platform (LMS)",
		Long: `Register writes a platform record keyed by client id, issuer and deployment id.
Fields come from flags, or from a JSON document with --file (flags are then ignored).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if file != "" {
				if err := readJSON(file, &rec); err != nil {
					return err
				}
			}
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			log := newLogger(cmd.ErrOrStderr(), cfg, false)
			platforms, _, closeStore, err := registries(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer closeStore()

			saved, err := platforms.Save(cmd.Context(), rec)
			if err != nil {
				return err
			}
			return printJSON(cmd, saved)
		},
	}
	f := cmd.Flags()
	f.StringVar(&file, "file", "", "read the record from a JSON file")
	f.StringVar(&rec.Issuer, "issuer", "", "platform issuer (iss)")
	f.StringVar(&rec.ClientID, "client-id", "", "client id the platform assigned to the tool")
	f.StringVar(&rec.DeploymentID, "deployment-id", "", "deployment id; empty registers the issuer-wide fallback")
	f.StringVar(&rec.AuthLoginURL, "auth-login-url", "", "platform OIDC authorization endpoint")
	f.StringVar(&rec.AuthTokenURL, "auth-token-url", "", "platform OAuth2 token endpoint")
	f.StringVar(&rec.AccessTokenURL, "access-token-url", "", "audience of client assertions")
	f.StringVar(&rec.KeySetURL, "key-set-url", "", "platform JWKS URL")
	return cmd
}

func newToolCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tool",
		Short: "Manage tool records",
	}
	cmd.AddCommand(newToolRegisterCmd())
	return cmd
}

func newToolRegisterCmd() *cobra.Command {
	var (
		rec         registry.ToolRecord
		redirectURL string
		file        string
	)
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register or update the tool record for a platform issuer",
		Long: `Register writes a tool record keyed by id (the client id) and issuer.
Deep linking templates can only be supplied through --file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if file != "" {
				if err := readJSON(file, &rec); err != nil {
					return err
				}
			} else if redirectURL != "" {
				rec.OIDC = &registry.OIDCRelay{RedirectURL: redirectURL}
			}
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			log := newLogger(cmd.ErrOrStderr(), cfg, false)
			_, tools, closeStore, err := registries(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer closeStore()

			saved, err := tools.Save(cmd.Context(), rec)
			if err != nil {
				return err
			}
			return printJSON(cmd, saved)
		},
	}
	f := cmd.Flags()
	f.StringVar(&file, "file", "", "read the record from a JSON file")
	f.StringVar(&rec.ID, "id", "", "tool id (the client id)")
	f.StringVar(&rec.Issuer, "issuer", "", "platform issuer")
	f.StringVar(&rec.URL, "url", "", "tool URL")
	f.StringVar(&redirectURL, "redirect-url", "", "where resource-link launches are handed off; defaults to --url")
	f.StringSliceVar(&rec.Features, "feature", nil, "enabled feature (repeatable)")
	return cmd
}

func readJSON(path string, v any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
