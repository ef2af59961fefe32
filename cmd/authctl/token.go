package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"contestkit.org/internal/auth"
)

type tokenOutput struct {
	Token     string         `json:"token,omitempty"`
	Subject   string         `json:"sub"`
	Phone     string         `json:"phone,omitempty"`
	Role      auth.Role      `json:"role"`
	Kind      auth.Kind      `json:"type"`
	ID        string         `json:"jti,omitempty"`
	IssuedAt  *time.Time     `json:"iat,omitempty"`
	ExpiresAt *time.Time     `json:"exp,omitempty"`
	Extra     map[string]any `json:"extra,omitempty"`
}

func newTokenCmd(load loader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue and verify session tokens.",
	}
	cmd.AddCommand(newTokenIssueCmd(load), newTokenVerifyCmd(load))
	return cmd
}

func newTokenIssueCmd(load loader) *cobra.Command {
	var (
		sub, phone, role, kind string
		ttl                    time.Duration
		claims                 map[string]string
	)
	cmd := &cobra.Command{
		Use:     "issue",
		Short:   "Mint a signed token.",
		Example: "authctl token issue --sub 42 --role sponsor --ttl 15m",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			tokens, err := cfg.TokenService()
			if err != nil {
				return err
			}
			var extra map[string]any
			if len(claims) > 0 {
				extra = make(map[string]any, len(claims))
				for k, v := range claims {
					extra[k] = v
				}
			}
			tok, err := tokens.Issue(sub, phone, auth.Role(role), auth.Kind(kind), extra, ttl)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), tokenOutput{
				Token:   tok,
				Subject: sub,
				Phone:   phone,
				Role:    auth.Role(role),
				Kind:    auth.Kind(kind),
				Extra:   extra,
			})
		},
	}
	cmd.Flags().StringVar(&sub, "sub", "", "subject (user id)")
	cmd.Flags().StringVar(&phone, "phone", "", "phone claim")
	cmd.Flags().StringVar(&role, "role", string(auth.RoleUser), "admin, sponsor, user or refresh")
	cmd.Flags().StringVar(&kind, "kind", string(auth.KindAccess), "access or refresh")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "lifetime (0 uses the configured ttl for the kind)")
	cmd.Flags().StringToStringVar(&claims, "claim", nil, "extra string claims, key=value")
	_ = cmd.MarkFlagRequired("sub")
	return cmd
}

func newTokenVerifyCmd(load loader) *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "verify <token>",
		Short: "Verify a token and print its claims.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			tokens, err := cfg.TokenService()
			if err != nil {
				return err
			}
			claims, ok := tokens.Verify(args[0], auth.Kind(kind))
			if !ok {
				return errors.New("token is invalid, expired or of another kind")
			}
			return printJSON(cmd.OutOrStdout(), tokenOutput{
				Subject:   claims.Subject,
				Phone:     claims.Phone,
				Role:      claims.Role,
				Kind:      claims.Kind,
				ID:        claims.ID,
				IssuedAt:  &claims.IssuedAt,
				ExpiresAt: &claims.ExpiresAt,
				Extra:     claims.Extra,
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", string(auth.KindAccess), "expected kind: access or refresh")
	return cmd
}

func newPermissionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "permissions <role>",
		Short:   "List the permission set of a role.",
		Example: "authctl permissions sponsor",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			perms := auth.PermissionSet(auth.Role(args[0]))
			if len(perms) == 0 {
				fmt.Fprintf(cmd.ErrOrStderr(), "role %q grants no permissions\n", args[0])
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"role":        args[0],
				"permissions": perms,
			})
		},
	}
}
