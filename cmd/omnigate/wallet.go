package main

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/omnigate/omnigate/internal/logger"
	"github.com/omnigate/omnigate/internal/models"
	"github.com/omnigate/omnigate/internal/services/keyauth"
	"github.com/omnigate/omnigate/internal/services/wallet"
)

func walletCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wallet",
		Short: "Manage prepaid wallets",
	}
	cmd.AddCommand(
		walletTopupCmd(),
		walletBalanceCmd(),
		walletLockCmd(),
		walletUnlockCmd(),
		walletReconcileCmd(),
		walletLedgerCmd(),
	)
	return cmd
}

// ownerFlags resolves the --user / --org pair every wallet command takes.
func ownerFlags(cmd *cobra.Command, userID, orgID *string) {
	cmd.Flags().StringVar(userID, "user", "", "user owner id")
	cmd.Flags().StringVar(orgID, "org", "", "org owner id")
}

func parseOwner(userID, orgID string) (models.Owner, error) {
	if (userID == "") == (orgID == "") {
		return models.Owner{}, fmt.Errorf("exactly one of --user or --org is required")
	}
	if userID != "" {
		id, err := uuid.Parse(userID)
		if err != nil {
			return models.Owner{}, fmt.Errorf("invalid user id: %w", err)
		}
		return models.UserOwner(id), nil
	}
	id, err := uuid.Parse(orgID)
	if err != nil {
		return models.Owner{}, fmt.Errorf("invalid org id: %w", err)
	}
	return models.OrgOwner(id), nil
}

func walletService() *wallet.Service {
	return wallet.New(db, rdb, logger.Get())
}

func walletTopupCmd() *cobra.Command {
	var userID, orgID, note string
	var cents int64

	cmd := &cobra.Command{
		Use:   "topup",
		Short: "Credit a wallet in integer cents",
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, err := parseOwner(userID, orgID)
			if err != nil {
				return err
			}
			w, err := walletService().TopUp(context.Background(), owner, cents, note)
			if err != nil {
				return err
			}
			fmt.Printf("credited %d cents to %s, balance now %d cents\n",
				cents, owner.Key(), w.BalanceCents)
			return nil
		},
	}

	ownerFlags(cmd, &userID, &orgID)
	cmd.Flags().Int64Var(&cents, "cents", 0, "amount in cents")
	cmd.Flags().StringVar(&note, "note", "", "ledger description")
	_ = cmd.MarkFlagRequired("cents")
	return cmd
}

func walletBalanceCmd() *cobra.Command {
	var userID, orgID string

	cmd := &cobra.Command{
		Use:   "balance",
		Short: "Show durable and mirrored balances",
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, err := parseOwner(userID, orgID)
			if err != nil {
				return err
			}
			w, err := walletService().Get(context.Background(), owner)
			if err != nil {
				return err
			}
			mirror, merr := rdb.Get(context.Background(), wallet.BalanceKey(owner)).Int64()

			fmt.Printf("owner:     %s\n", owner.Key())
			fmt.Printf("durable:   %d cents\n", w.BalanceCents)
			if merr == nil {
				fmt.Printf("mirror:    %d cents\n", mirror)
			} else {
				fmt.Printf("mirror:    (not bootstrapped)\n")
			}
			fmt.Printf("topped up: %d cents, spent: %d cents\n", w.TotalToppedUpCents, w.TotalSpentCents)
			if w.IsLocked {
				fmt.Printf("LOCKED: %s\n", w.LockReason)
			}
			return nil
		},
	}

	ownerFlags(cmd, &userID, &orgID)
	return cmd
}

func walletLockCmd() *cobra.Command {
	var userID, orgID, reason string

	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Freeze spending, e.g. during a payment dispute",
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, err := parseOwner(userID, orgID)
			if err != nil {
				return err
			}
			if err := walletService().Lock(context.Background(), owner, reason); err != nil {
				return err
			}
			invalidatePolicy(owner)
			fmt.Printf("locked wallet for %s\n", owner.Key())
			return nil
		},
	}

	ownerFlags(cmd, &userID, &orgID)
	cmd.Flags().StringVar(&reason, "reason", "", "why the wallet is locked")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func walletUnlockCmd() *cobra.Command {
	var userID, orgID string

	cmd := &cobra.Command{
		Use:   "unlock",
		Short: "Resume spending on a locked wallet",
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, err := parseOwner(userID, orgID)
			if err != nil {
				return err
			}
			if err := walletService().Unlock(context.Background(), owner); err != nil {
				return err
			}
			invalidatePolicy(owner)
			fmt.Printf("unlocked wallet for %s\n", owner.Key())
			return nil
		},
	}

	ownerFlags(cmd, &userID, &orgID)
	return cmd
}

func walletReconcileCmd() *cobra.Command {
	var userID, orgID string

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Force the redis mirror back to the durable balance",
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, err := parseOwner(userID, orgID)
			if err != nil {
				return err
			}
			durable, mirror, err := walletService().Reconcile(context.Background(), owner)
			if err != nil {
				return err
			}
			if durable == mirror {
				fmt.Printf("no drift: %d cents\n", durable)
			} else {
				fmt.Printf("repaired drift: durable %d cents, mirror was %d cents\n", durable, mirror)
			}
			return nil
		},
	}

	ownerFlags(cmd, &userID, &orgID)
	return cmd
}

func walletLedgerCmd() *cobra.Command {
	var userID, orgID string
	var limit int

	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Show recent ledger entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, err := parseOwner(userID, orgID)
			if err != nil {
				return err
			}
			rows, err := walletService().Ledger(context.Background(), owner, limit)
			if err != nil {
				return err
			}
			for _, row := range rows {
				fmt.Printf("%s  %-17s %+8d -> %8d  %s %s\n",
					row.CreatedAt.Format("2006-01-02 15:04:05"),
					row.TxType, row.AmountCents, row.BalanceAfterCents,
					row.RequestID, row.Description)
			}
			return nil
		},
	}

	ownerFlags(cmd, &userID, &orgID)
	cmd.Flags().IntVar(&limit, "limit", 50, "entries to show")
	return cmd
}

func invalidatePolicy(owner models.Owner) {
	resolver := keyauth.NewResolver(db, rdb, logger.Get(), 0, 0)
	if err := resolver.InvalidatePolicy(context.Background(), owner); err != nil {
		fmt.Printf("warning: policy cache invalidation failed, change applies within the cache TTL: %v\n", err)
	}
}
