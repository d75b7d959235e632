package cmd

import (
	"fmt"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/bargom/taskqueue/internal/auth"
)

var knownScopes = []string{auth.ScopeEnqueue, auth.ScopeRead, auth.ScopeAdmin}

// tokenInfo is the JSON form of a minted token.
type tokenInfo struct {
	Token     string    `json:"token"`
	Subject   string    `json:"subject"`
	Scopes    []string  `json:"scopes"`
	ExpiresAt time.Time `json:"expires_at"`
}

// newTokenCmd creates the token command.
func newTokenCmd(o *rootOptions) *cobra.Command {
	var (
		subject string
		scopes  []string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an API token",
		Long: `Sign a JWT for the HTTP API with http.jwt_secret.

Scopes:
  tasks:enqueue  POST /api/v1/tasks
  queue:read     queue stats and message listings
  queue:admin    everything, including requeue and purge`,
		Args: cobra.NoArgs,
		Example: `  taskqueue token --subject billing-service
  taskqueue token --subject ops --scope queue:admin --ttl 1h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, s := range scopes {
				if !slices.Contains(knownScopes, s) {
					return fmt.Errorf("unknown scope %q (want one of %v)", s, knownScopes)
				}
			}

			cfg, err := o.loadConfig()
			if err != nil {
				return err
			}

			now := time.Now()
			tok, err := auth.Issue(auth.Config{
				Secret: cfg.HTTP.JWTSecret,
				Issuer: cfg.HTTP.JWTIssuer,
			}, subject, scopes, ttl, now)
			if err != nil {
				return err
			}

			if o.jsonOutput() {
				return printJSON(cmd, tokenInfo{
					Token:     tok,
					Subject:   subject,
					Scopes:    scopes,
					ExpiresAt: now.Add(ttl).UTC().Truncate(time.Second),
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "", "token subject, usually the calling service")
	cmd.Flags().StringSliceVar(&scopes, "scope", []string{auth.ScopeEnqueue}, "granted scopes")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("subject")

	return cmd
}
