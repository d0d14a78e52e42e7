package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/aula-app/aula-engine/internal/auth"
)

var tokenFlags = struct {
	ttl time.Duration
}{}

func tokenCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Issue a signed bearer token for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.AuthSecret == "" {
				return fmt.Errorf("AULA_AUTH_SECRET is required to sign tokens")
			}
			if err := auth.Configure(cfg.AuthSecret); err != nil {
				return err
			}
			ttl := tokenFlags.ttl
			if ttl <= 0 {
				ttl = cfg.TokenTTL
			}
			token, expires, err := auth.GenerateToken(args[0], ttl)
			if err != nil {
				return fmt.Errorf("generate token: %w", err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{
				"token":      token,
				"token_type": "Bearer",
				"expires_at": expires.UTC().Format(time.RFC3339),
			})
		},
	}
	cmd.Flags().DurationVar(&tokenFlags.ttl, "ttl", 0, "token lifetime (default $AULA_TOKEN_TTL)")
	return cmd
}
