package main

import (
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/litelens/litelens-core/internal/auth"
)

type tokenOptions struct {
	*rootOptions
	Subject string
	TTL     time.Duration
}

func newTokenCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &tokenOptions{rootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an API session token",
		Long: `Mint a session token signed with security.jwt.secret (or
LITELENS_JWT_SECRET). Clients send it as "Authorization: Bearer <token>".`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if cfg.Security.JWT.Secret == "" {
				return errors.New("no JWT secret configured (security.jwt.secret or LITELENS_JWT_SECRET)")
			}

			ttl := opts.TTL
			if ttl == 0 {
				ttl = cfg.Security.SessionTTLDuration()
			}
			if ttl <= 0 {
				ttl = auth.DefaultSessionTTL
			}
			token, err := auth.GenerateSessionToken(opts.Subject, cfg.Security.JWT.Secret, ttl)
			if err != nil {
				return err
			}

			out := newPrinter(cmd.OutOrStdout(), opts.Format)
			if opts.Format == formatJSON {
				return out.json(map[string]any{
					"token":      token,
					"subject":    opts.Subject,
					"expires_at": time.Now().Add(ttl).UTC(),
				})
			}
			out.linef("%s", token)
			return out.err
		},
	}

	cmd.Flags().StringVarP(&opts.Subject, "subject", "s", "cli", "token subject")
	cmd.Flags().DurationVar(&opts.TTL, "ttl", 0, "token lifetime (default security.jwt.session_ttl)")

	return cmd
}
