package database

import (
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/omnigate/omnigate/internal/models"
)

// Seed installs the default free plan and catalog entries on an empty
// database. Safe to call repeatedly.
func Seed(db *gorm.DB) error {
	if err := seedPlans(db); err != nil {
		return fmt.Errorf("failed to seed plans: %w", err)
	}
	if err := seedModels(db); err != nil {
		return fmt.Errorf("failed to seed models: %w", err)
	}
	return nil
}

func seedPlans(db *gorm.DB) error {
	free := models.Plan{
		Name:              "free",
		RequestsPerMinute: 10,
		RequestsPerHour:   50,
		RequestsPerDay:    100,
		DailyAllowance:    100,
		MaxConcurrent:     2,
		MaxInputTokens:    4000,
		MaxOutputTokens:   2000,
		MaxBodyBytes:      512 * 1024,
		HasStreaming:      true,
		HasWalletAccess:   false,
		AllowedModels:     []string{"gpt-3.5-turbo", "claude-3-haiku"},
		IsActive:          true,
	}
	return db.Where(models.Plan{Name: free.Name}).FirstOrCreate(&free).Error
}

func seedModels(db *gorm.DB) error {
	seedTime := time.Now().UTC()
	catalog := []struct {
		model   models.Model
		inCents int64
		outCents int64
	}{
		{
			model: models.Model{
				ModelID:           "gpt-3.5-turbo",
				UpstreamModelID:   "gpt-3.5-turbo",
				Provider:          "openai",
				SupportsStreaming: true,
				ContextTokens:     16384,
				MaxOutputTokens:   4096,
				IsActive:          true,
			},
			inCents:  50,
			outCents: 150,
		},
		{
			model: models.Model{
				ModelID:           "claude-3-haiku",
				UpstreamModelID:   "claude-3-haiku-20240307",
				Provider:          "anthropic",
				SupportsStreaming: true,
				SupportsVision:    true,
				ContextTokens:     200000,
				MaxOutputTokens:   4096,
				IsActive:          true,
			},
			inCents:  25,
			outCents: 125,
		},
	}

	for _, entry := range catalog {
		m := entry.model
		if err := db.Where(models.Model{ModelID: m.ModelID}).FirstOrCreate(&m).Error; err != nil {
			return err
		}

		var count int64
		db.Model(&models.Pricing{}).Where("model_id = ?", m.ID).Count(&count)
		if count == 0 {
			pricing := models.Pricing{
				ModelID:               m.ID,
				InputPerMillionCents:  entry.inCents,
				OutputPerMillionCents: entry.outCents,
				EffectiveFrom:         seedTime,
			}
			if err := db.Create(&pricing).Error; err != nil {
				return err
			}
		}
	}
	return nil
}
