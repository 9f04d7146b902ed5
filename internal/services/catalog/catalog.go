// Package catalog serves the model registry: which models exist, which
// provider backs them, and whether a caller may use them.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/omnigate/omnigate/internal/models"
)

const (
	cachePrefix = "catalog:model:"
	cacheTTL    = 5 * time.Minute
)

var (
	ErrModelNotFound   = errors.New("model not found")
	ErrModelInactive   = errors.New("model is not currently served")
	ErrModelNotAllowed = errors.New("model not permitted by plan")
	ErrNoStreaming     = errors.New("model does not support streaming")
)

type Catalog struct {
	db     *gorm.DB
	redis  *redis.Client
	logger *zap.Logger

	mu    sync.RWMutex
	local map[string]localEntry
}

type localEntry struct {
	model     models.Model
	missing   bool
	expiresAt time.Time
}

func New(db *gorm.DB, rdb *redis.Client, logger *zap.Logger) *Catalog {
	return &Catalog{
		db:     db,
		redis:  rdb,
		logger: logger,
		local:  make(map[string]localEntry),
	}
}

// Lookup returns the catalog entry for a public model id. Misses are
// cached too, so unknown-model floods stay off the database.
func (c *Catalog) Lookup(ctx context.Context, modelID string) (*models.Model, error) {
	c.mu.RLock()
	entry, ok := c.local[modelID]
	c.mu.RUnlock()
	if ok && time.Now().Before(entry.expiresAt) {
		if entry.missing {
			return nil, ErrModelNotFound
		}
		m := entry.model
		return &m, nil
	}

	cacheKey := cachePrefix + modelID
	if raw, err := c.redis.Get(ctx, cacheKey).Result(); err == nil {
		var m models.Model
		if err := json.Unmarshal([]byte(raw), &m); err == nil {
			c.storeLocal(modelID, m, false)
			return &m, nil
		}
		c.redis.Del(ctx, cacheKey)
	}

	var m models.Model
	err := c.db.WithContext(ctx).Where("model_id = ?", modelID).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		c.storeLocal(modelID, models.Model{}, true)
		return nil, ErrModelNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("catalog lookup failed: %w", err)
	}

	if raw, err := json.Marshal(m); err == nil {
		c.redis.Set(ctx, cacheKey, raw, cacheTTL)
	}
	c.storeLocal(modelID, m, false)
	return &m, nil
}

func (c *Catalog) storeLocal(modelID string, m models.Model, missing bool) {
	c.mu.Lock()
	c.local[modelID] = localEntry{model: m, missing: missing, expiresAt: time.Now().Add(cacheTTL)}
	c.mu.Unlock()
}

// Admit validates a request's model against the catalog and the caller's
// policy, in the order a caller can act on: existence, availability,
// permission, capability.
func (c *Catalog) Admit(ctx context.Context, modelID string, policy *models.Policy, wantStream bool) (*models.Model, error) {
	m, err := c.Lookup(ctx, modelID)
	if err != nil {
		return nil, err
	}
	if !m.IsActive {
		return nil, ErrModelInactive
	}
	if !policy.ModelAllowed(modelID) {
		return nil, ErrModelNotAllowed
	}
	if wantStream && !m.SupportsStreaming {
		return nil, ErrNoStreaming
	}
	if m.IsDeprecated {
		c.logger.Warn("deprecated model requested",
			zap.String("model", modelID),
			zap.String("provider", m.Provider))
	}
	return m, nil
}

// List returns all active models, for the /v1/models surface.
func (c *Catalog) List(ctx context.Context) ([]models.Model, error) {
	var out []models.Model
	err := c.db.WithContext(ctx).
		Where("is_active = ?", true).
		Order("model_id ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("catalog list failed: %w", err)
	}
	return out, nil
}

// Invalidate drops both cache tiers for a model after an admin edit.
func (c *Catalog) Invalidate(ctx context.Context, modelID string) error {
	c.mu.Lock()
	delete(c.local, modelID)
	c.mu.Unlock()
	return c.redis.Del(ctx, cachePrefix+modelID).Err()
}
