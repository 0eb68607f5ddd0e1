package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/trymwestin/ufanet/internal/core/api"
	"github.com/trymwestin/ufanet/pkg/ufanet"
)

// errInvalidCredentials is reported by check when the backend rejects the
// contract and password.
var errInvalidCredentials = errors.New("invalid credentials")

func newCheckCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Verify the configured contract and password",
		Long: `Authenticate once against the backend and report the result.
No token is kept.

Example:
  ufanetd check --config config.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := loadConfig(flags, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			err = ufanet.CheckCredentials(cmd.Context(), cfg.Ufanet.APIBase, cfg.Ufanet.Contract, cfg.Ufanet.Password, cfg.Ufanet.RequestTimeout, log)
			switch {
			case ufanet.IsRejected(err):
				return errInvalidCredentials
			case err != nil:
				kind, _ := ufanet.KindOf(err)
				return fmt.Errorf("check: %s: %w", kind, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "credentials ok for contract %s\n", cfg.Ufanet.Contract)
			return nil
		},
	}
}

func newOpenCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "open <intercom-id>",
		Short: "Open an intercom door",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := api.ParseIntercomID(args[0])
			if err != nil {
				return err
			}
			cfg, log, err := loadConfig(flags, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			svc, err := newService(cfg, nil, log)
			if err != nil {
				return err
			}
			opened, err := svc.Doors.OpenDoor(cmd.Context(), id)
			if err != nil {
				return fmt.Errorf("open: intercom %d: %w", id, err)
			}
			if !opened {
				return fmt.Errorf("open: intercom %d: backend refused", id)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "intercom %d opened\n", id)
			return nil
		},
	}
}

func newSnapshotCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot",
		Short: "Run one poll cycle and print the snapshot as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := loadConfig(flags, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			svc, err := newService(cfg, nil, log)
			if err != nil {
				return err
			}
			snap, cycleErr := svc.Coordinator.RefreshNow(cmd.Context())

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(snap); err != nil {
				return fmt.Errorf("snapshot: encode: %w", err)
			}
			if cycleErr != nil {
				return fmt.Errorf("snapshot: %w", cycleErr)
			}
			return nil
		},
	}
}
