package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/omnigate/omnigate/internal/logger"
	"github.com/omnigate/omnigate/internal/models"
	"github.com/omnigate/omnigate/internal/services/keyauth"
)

func keyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Manage API keys",
	}
	cmd.AddCommand(keyCreateCmd(), keyRevokeCmd(), keyListCmd())
	return cmd
}

func keyCreateCmd() *cobra.Command {
	var (
		name      string
		userID    string
		projectID string
		expiresIn time.Duration
		allowed   []string
		ips       []string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Issue a new API key; the secret prints once and is never recoverable",
		RunE: func(cmd *cobra.Command, args []string) error {
			if (userID == "") == (projectID == "") {
				return fmt.Errorf("exactly one of --user or --project is required")
			}

			key := models.ApiKey{
				Name:          name,
				IsActive:      true,
				AllowedModels: allowed,
				AllowedIPs:    ips,
			}
			if userID != "" {
				id, err := uuid.Parse(userID)
				if err != nil {
					return fmt.Errorf("invalid user id: %w", err)
				}
				key.UserID = &id
			} else {
				id, err := uuid.Parse(projectID)
				if err != nil {
					return fmt.Errorf("invalid project id: %w", err)
				}
				key.ProjectID = &id
			}
			if expiresIn > 0 {
				at := time.Now().Add(expiresIn)
				key.ExpiresAt = &at
			}

			secret, digest, err := models.GenerateKey()
			if err != nil {
				return err
			}
			key.KeyHash = digest
			key.KeyPrefix = models.DisplayPrefix(secret)

			if err := db.Create(&key).Error; err != nil {
				return fmt.Errorf("failed to persist key: %w", err)
			}

			fmt.Printf("key id:   %s\n", key.ID)
			fmt.Printf("prefix:   %s\n", key.KeyPrefix)
			fmt.Printf("secret:   %s\n", secret)
			fmt.Println("store the secret now; it cannot be shown again")
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "human-readable key name")
	cmd.Flags().StringVar(&userID, "user", "", "owning user id")
	cmd.Flags().StringVar(&projectID, "project", "", "owning project id (bills the project's org)")
	cmd.Flags().DurationVar(&expiresIn, "expires-in", 0, "lifetime, e.g. 720h; zero means no expiry")
	cmd.Flags().StringSliceVar(&allowed, "models", nil, "restrict key to these model ids")
	cmd.Flags().StringSliceVar(&ips, "ips", nil, "restrict key to these client addresses")
	return cmd
}

func keyRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke a key and invalidate its cache entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid key id: %w", err)
			}

			var key models.ApiKey
			if err := db.First(&key, "id = ?", id).Error; err != nil {
				return fmt.Errorf("key not found: %w", err)
			}
			key.Revoke()
			if err := db.Save(&key).Error; err != nil {
				return fmt.Errorf("failed to revoke key: %w", err)
			}

			resolver := keyauth.NewResolver(db, rdb, logger.Get(), 0, 0)
			if err := resolver.InvalidateKey(context.Background(), key.KeyHash); err != nil {
				fmt.Printf("warning: cache invalidation failed, revocation takes effect within the cache TTL: %v\n", err)
			}

			fmt.Printf("revoked %s (%s)\n", key.ID, key.KeyPrefix)
			return nil
		},
	}
}

func keyListCmd() *cobra.Command {
	var userID, projectID string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List keys, optionally filtered by owner",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := db.Model(&models.ApiKey{}).Order("created_at DESC").Limit(200)
			if userID != "" {
				q = q.Where("user_id = ?", userID)
			}
			if projectID != "" {
				q = q.Where("project_id = ?", projectID)
			}

			var keys []models.ApiKey
			if err := q.Find(&keys).Error; err != nil {
				return err
			}

			for _, k := range keys {
				state := "active"
				if !k.CanUse() {
					state = "disabled"
				}
				fmt.Printf("%s  %-14s %-8s uses=%-6d %s\n",
					k.ID, k.KeyPrefix, state, k.UsageCount, k.Name)
			}
			fmt.Printf("%d keys\n", len(keys))
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "filter by user id")
	cmd.Flags().StringVar(&projectID, "project", "", "filter by project id")
	return cmd
}
