package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/openmonetize/openmonetize-sub001/internal/auth"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage operator tokens",
}

var (
	tokenSubject string
	tokenRoles   []string
	tokenTTL     time.Duration
)

var tokenIssueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Issue a signed operator token",
	Long: `Issue an HS256 token signed with JWT_SECRET. Roles:
  service  submit usage events and request quotes
  viewer   read the dead-letter queue
  admin    everything, including dead-letter replay`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.JWTSecret == "" {
			return auth.ErrMissingSecret
		}
		if len(tokenRoles) == 0 {
			return errors.New("at least one --role is required")
		}

		roles := make([]auth.Role, 0, len(tokenRoles))
		for _, r := range tokenRoles {
			role := auth.Role(r)
			if !role.IsValid() {
				return fmt.Errorf("unknown role %q", r)
			}
			roles = append(roles, role)
		}

		token, expiresAt, err := auth.IssueToken([]byte(cfg.JWTSecret), tokenSubject, roles, tokenTTL)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), map[string]interface{}{
			"token":      token,
			"subject":    tokenSubject,
			"roles":      roles,
			"expires_at": expiresAt,
		})
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.AddCommand(tokenIssueCmd)

	tokenIssueCmd.Flags().StringVar(&tokenSubject, "subject", "", "operator or service name [REQUIRED]")
	tokenIssueCmd.Flags().StringSliceVar(&tokenRoles, "role", nil, "role to grant (repeatable)")
	tokenIssueCmd.Flags().DurationVar(&tokenTTL, "ttl", auth.DefaultTokenTTL, "token lifetime")
	_ = tokenIssueCmd.MarkFlagRequired("subject")
}
