// omnigate is the operator CLI: key issuance and revocation, wallet
// operations, and catalog management.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/omnigate/omnigate/internal/config"
	"github.com/omnigate/omnigate/internal/database"
	"github.com/omnigate/omnigate/internal/logger"
)

var (
	configPath string

	cfg *config.Config
	db  *gorm.DB
	rdb *redis.Client
)

func main() {
	root := &cobra.Command{
		Use:   "omnigate",
		Short: "Operator tooling for the omnigate API gateway",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_ = godotenv.Load()

			var err error
			cfg, err = config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if _, err := logger.Initialize(cfg.Logging); err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}

			if err := database.Initialize(&database.Config{
				DSN:            cfg.Database.URL,
				MaxConnections: 5,
			}); err != nil {
				return fmt.Errorf("database initialization failed: %w", err)
			}
			db = database.GetDB()

			rdb, err = database.NewRedisClient(cfg.Redis)
			if err != nil {
				return fmt.Errorf("redis initialization failed: %w", err)
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if rdb != nil {
				_ = rdb.Close()
			}
			_ = database.Close()
			logger.Sync()
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config directory")

	root.AddCommand(keyCmd())
	root.AddCommand(walletCmd())
	root.AddCommand(modelCmd())
	root.AddCommand(seedCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func seedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Install the default plan and model catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := database.Seed(db); err != nil {
				return err
			}
			fmt.Println("seeded default plan and models")
			return nil
		},
	}
}
