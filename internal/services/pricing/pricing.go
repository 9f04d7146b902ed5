// Package pricing resolves the per-request charge for a model through a
// three-tier cache: in-process, redis, then the pricing table.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/omnigate/omnigate/internal/models"
)

const cachePrefix = "pricing:"

type Service struct {
	db     *gorm.DB
	redis  *redis.Client
	logger *zap.Logger

	localTTL time.Duration
	redisTTL time.Duration

	local sync.Map // model_id -> localPrice
}

type localPrice struct {
	cents     int64
	expiresAt time.Time
}

func New(db *gorm.DB, rdb *redis.Client, logger *zap.Logger, localTTL, redisTTL time.Duration) *Service {
	if localTTL <= 0 {
		localTTL = 5 * time.Minute
	}
	if redisTTL <= 0 {
		redisTTL = 10 * time.Minute
	}
	return &Service{
		db:       db,
		redis:    rdb,
		logger:   logger,
		localTTL: localTTL,
		redisTTL: redisTTL,
	}
}

// RequestCents returns the integer-cent charge for one request to the
// given model. A model with no effective pricing row charges the 1-cent
// floor rather than going free or failing the request.
func (s *Service) RequestCents(ctx context.Context, modelID string, modelUUID uuid.UUID) int64 {
	if v, ok := s.local.Load(modelID); ok {
		entry := v.(localPrice)
		if time.Now().Before(entry.expiresAt) {
			return entry.cents
		}
	}

	cacheKey := cachePrefix + modelID
	if raw, err := s.redis.Get(ctx, cacheKey).Result(); err == nil {
		if cents, err := strconv.ParseInt(raw, 10, 64); err == nil && cents >= 1 {
			s.storeLocal(modelID, cents)
			return cents
		}
		s.redis.Del(ctx, cacheKey)
	}

	cents := s.loadFromDB(ctx, modelID, modelUUID)
	s.redis.Set(ctx, cacheKey, strconv.FormatInt(cents, 10), s.redisTTL)
	s.storeLocal(modelID, cents)
	return cents
}

func (s *Service) loadFromDB(ctx context.Context, modelID string, modelUUID uuid.UUID) int64 {
	now := time.Now()
	var p models.Pricing
	err := s.db.WithContext(ctx).
		Where("model_id = ?", modelUUID).
		Where("effective_from <= ?", now).
		Where("effective_to IS NULL OR effective_to > ?", now).
		Order("effective_from DESC").
		First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		s.logger.Warn("no effective pricing for model, charging floor",
			zap.String("model", modelID))
		return models.DefaultRequestCents
	}
	if err != nil {
		s.logger.Error("pricing lookup failed, charging floor",
			zap.String("model", modelID),
			zap.Error(err))
		return models.DefaultRequestCents
	}
	return p.PerRequestCents()
}

func (s *Service) storeLocal(modelID string, cents int64) {
	s.local.Store(modelID, localPrice{cents: cents, expiresAt: time.Now().Add(s.localTTL)})
}

// SetPricing closes the current price window and opens a new one, then
// invalidates both cache tiers so the new price takes effect within one
// local TTL across all gateways.
func (s *Service) SetPricing(ctx context.Context, modelID string, modelUUID uuid.UUID, inputCents, outputCents int64) error {
	if inputCents < 0 || outputCents < 0 {
		return fmt.Errorf("pricing must be non-negative")
	}
	now := time.Now()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.Pricing{}).
			Where("model_id = ? AND effective_to IS NULL", modelUUID).
			Update("effective_to", now).Error; err != nil {
			return err
		}
		return tx.Create(&models.Pricing{
			ModelID:               modelUUID,
			InputPerMillionCents:  inputCents,
			OutputPerMillionCents: outputCents,
			EffectiveFrom:         now,
		}).Error
	})
	if err != nil {
		return fmt.Errorf("failed to set pricing: %w", err)
	}

	return s.Invalidate(ctx, modelID)
}

// Invalidate drops both cache tiers for a model.
func (s *Service) Invalidate(ctx context.Context, modelID string) error {
	s.local.Delete(modelID)
	return s.redis.Del(ctx, cachePrefix+modelID).Err()
}
