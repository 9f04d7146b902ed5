package database

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/omnigate/omnigate/internal/models"
)

var DB *gorm.DB

type Config struct {
	DSN             string
	MaxConnections  int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	LogLevel        logger.LogLevel
}

func Initialize(cfg *Config) error {
	if cfg.DSN == "" {
		cfg.DSN = os.Getenv("DATABASE_URL")
	}
	if cfg.DSN == "" {
		return fmt.Errorf("database DSN is required")
	}

	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 100
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 10
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = time.Hour
	}
	if cfg.LogLevel == 0 {
		cfg.LogLevel = logger.Warn
	}

	newLogger := logger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  cfg.LogLevel,
			IgnoreRecordNotFoundError: true,
			ParameterizedQueries:      true,
		},
	)

	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger:      newLogger,
		PrepareStmt: true,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get database instance: %w", err)
	}

	sqlDB.SetMaxOpenConns(cfg.MaxConnections)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	DB = db

	if err := Migrate(); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	if shouldAutoSeed() {
		log.Println("Database is empty, seeding default plan and models...")
		if err := Seed(DB); err != nil {
			log.Printf("Warning: failed to seed database: %v", err)
		}
	}

	return nil
}

func shouldAutoSeed() bool {
	if os.Getenv("DB_AUTO_SEED") == "false" {
		return false
	}
	var count int64
	DB.Model(&models.Plan{}).Count(&count)
	return count == 0
}

func Migrate() error {
	if DB == nil {
		return fmt.Errorf("database not initialized")
	}

	DB.Exec(`CREATE EXTENSION IF NOT EXISTS "uuid-ossp"`)

	if err := DB.AutoMigrate(
		&models.User{},
		&models.Org{},
		&models.Project{},
		&models.ApiKey{},
		&models.Plan{},
		&models.Subscription{},
		&models.Model{},
		&models.Pricing{},
		&models.Wallet{},
		&models.WalletLedger{},
		&models.RequestEvent{},
		&models.UsageDaily{},
	); err != nil {
		return fmt.Errorf("failed to migrate models: %w", err)
	}

	return createIndexes()
}

func createIndexes() error {
	DB.Exec("CREATE INDEX IF NOT EXISTS idx_api_keys_key_hash ON api_keys(key_hash)")
	DB.Exec("CREATE INDEX IF NOT EXISTS idx_api_keys_user_id ON api_keys(user_id)")
	DB.Exec("CREATE INDEX IF NOT EXISTS idx_api_keys_project_id ON api_keys(project_id)")
	DB.Exec("CREATE INDEX IF NOT EXISTS idx_api_keys_is_active ON api_keys(is_active)")

	DB.Exec("CREATE INDEX IF NOT EXISTS idx_subscriptions_owner ON subscriptions(owner_type, owner_id)")

	DB.Exec("CREATE UNIQUE INDEX IF NOT EXISTS idx_wallets_owner ON wallets(owner_type, owner_id)")
	DB.Exec("CREATE INDEX IF NOT EXISTS idx_wallet_ledgers_owner ON wallet_ledgers(owner_type, owner_id)")
	DB.Exec("CREATE INDEX IF NOT EXISTS idx_wallet_ledgers_request_id ON wallet_ledgers(request_id)")

	DB.Exec("CREATE INDEX IF NOT EXISTS idx_request_events_owner_ts ON request_events(owner_type, owner_id, timestamp)")
	DB.Exec("CREATE INDEX IF NOT EXISTS idx_request_events_model ON request_events(model)")

	DB.Exec("CREATE UNIQUE INDEX IF NOT EXISTS idx_usage_daily_owner_date ON usage_dailies(owner_type, owner_id, date)")

	DB.Exec("CREATE INDEX IF NOT EXISTS idx_pricings_model_effective ON pricings(model_id, effective_from)")

	return nil
}

// TestConnection verifies connectivity without keeping a pool open.
func TestConnection(ctx context.Context, cfg *Config) error {
	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()
	return sqlDB.PingContext(ctx)
}

func GetDB() *gorm.DB {
	return DB
}

func Close() error {
	if DB == nil {
		return nil
	}
	sqlDB, err := DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
