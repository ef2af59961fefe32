package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"contestkit.org/internal/auth"
	"contestkit.org/internal/migrate"
	"contestkit.org/internal/otp"
	"contestkit.org/internal/store/pg"
)

var errNoDSN = errors.New("CONTESTKIT_PG_DSN is not set")

func openStore(load loader) (*pg.Store, error) {
	cfg, err := load()
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.PGDSN) == "" {
		return nil, errNoDSN
	}
	return pg.Open(cfg.PGDSN)
}

func newMigrateCmd(load loader) *cobra.Command {
	run := func(action string) *cobra.Command {
		return &cobra.Command{
			Use:   action,
			Short: "Run the " + action + " migration action on the users table.",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				store, err := openStore(load)
				if err != nil {
					return err
				}
				defer store.Close()
				mgr := migrate.NewManager(store.DB(), pg.Migrations)

				var out any
				switch action {
				case "up":
					out, err = mgr.Up(cmd.Context())
				case "down":
					out, err = mgr.Down(cmd.Context())
				case "status":
					out, err = mgr.Status(cmd.Context())
				}
				if err != nil {
					return fmt.Errorf("migrate %s: %w", action, err)
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{action: out})
			},
		}
	}
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back the embedded users table migrations.",
	}
	cmd.AddCommand(run("up"), run("down"), run("status"))
	return cmd
}

func newUserCmd(load loader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage stored users.",
	}

	var (
		phone, role string
		verified    bool
	)
	create := &cobra.Command{
		Use:     "create",
		Short:   "Create an active user.",
		Example: "authctl user create --phone +15550100 --role admin --verified",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			normalized, err := otp.NormalizePhone(phone)
			if err != nil {
				return err
			}
			store, err := openStore(load)
			if err != nil {
				return err
			}
			defer store.Close()
			u, err := store.CreateUser(cmd.Context(), normalized, auth.Role(role), verified)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), u)
		},
	}
	create.Flags().StringVar(&phone, "phone", "", "phone number")
	create.Flags().StringVar(&role, "role", string(auth.RoleUser), "admin, sponsor or user")
	create.Flags().BoolVar(&verified, "verified", false, "mark the user verified")
	_ = create.MarkFlagRequired("phone")

	setActive := func(use, short string, active bool) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <id>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				id, err := strconv.ParseInt(args[0], 10, 64)
				if err != nil || id <= 0 {
					return fmt.Errorf("invalid user id %q", args[0])
				}
				store, err := openStore(load)
				if err != nil {
					return err
				}
				defer store.Close()
				if err := store.SetUserActive(cmd.Context(), id, active); err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{"id": id, "active": active})
			},
		}
	}

	cmd.AddCommand(
		create,
		setActive("disable", "Disable a user.", false),
		setActive("enable", "Re-enable a disabled user.", true),
	)
	return cmd
}
