// Package keyauth resolves bearer secrets to API keys, billing owners
// and admission policies, with a redis cache in front of the database.
package keyauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/omnigate/omnigate/internal/models"
)

const (
	keyCachePrefix    = "auth:key:"
	policyCachePrefix = "policy:"
)

var (
	ErrInvalidKey  = errors.New("invalid api key")
	ErrKeyDisabled = errors.New("api key is disabled, expired, or revoked")
	ErrIPBlocked   = errors.New("client ip not in key allowlist")
)

// Identity is everything downstream stages need about the caller.
type Identity struct {
	Key    *models.ApiKey `json:"key"`
	Owner  models.Owner   `json:"owner"`
	Policy models.Policy  `json:"policy"`
}

type Resolver struct {
	db     *gorm.DB
	redis  *redis.Client
	logger *zap.Logger

	keyTTL    time.Duration
	policyTTL time.Duration
}

func NewResolver(db *gorm.DB, rdb *redis.Client, logger *zap.Logger, keyTTL, policyTTL time.Duration) *Resolver {
	if keyTTL <= 0 {
		keyTTL = 5 * time.Minute
	}
	if policyTTL <= 0 {
		policyTTL = 5 * time.Minute
	}
	return &Resolver{
		db:        db,
		redis:     rdb,
		logger:    logger,
		keyTTL:    keyTTL,
		policyTTL: policyTTL,
	}
}

// ParseBearer extracts the gateway secret from an Authorization header.
// Only "Bearer omni_..." is accepted.
func ParseBearer(header string) (string, error) {
	if header == "" {
		return "", ErrInvalidKey
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", ErrInvalidKey
	}
	secret := strings.TrimSpace(parts[1])
	if !strings.HasPrefix(secret, models.KeyPrefix) {
		return "", ErrInvalidKey
	}
	return secret, nil
}

// cachedKey is the redis representation of a resolved key. The owner is
// flattened in so project keys do not need a second lookup on cache hit.
type cachedKey struct {
	Key   models.ApiKey `json:"key"`
	Owner models.Owner  `json:"owner"`
}

// Resolve authenticates a bearer secret and returns the caller identity.
// clientIP is checked against the key's allowlist after authentication,
// so allowlist failures never reveal whether the key exists.
func (r *Resolver) Resolve(ctx context.Context, authHeader, clientIP string) (*Identity, error) {
	secret, err := ParseBearer(authHeader)
	if err != nil {
		return nil, err
	}
	digest := models.HashKey(secret)

	key, owner, err := r.lookupKey(ctx, digest)
	if err != nil {
		return nil, err
	}
	if !key.CanUse() {
		return nil, ErrKeyDisabled
	}
	if !key.IPAllowed(clientIP) {
		return nil, ErrIPBlocked
	}

	policy, err := r.ResolvePolicy(ctx, owner)
	if err != nil {
		return nil, err
	}

	r.touchLastUsed(key.ID.String(), clientIP)

	return &Identity{Key: key, Owner: owner, Policy: policy}, nil
}

// cachedKeyEntry reads the cache for one digest. Anything that does not
// decode as a resolved key is a miss, so only successful resolutions are
// ever served from cache; unknown digests always go to the database and
// a key becomes usable the moment it is created.
func (r *Resolver) cachedKeyEntry(ctx context.Context, cacheKey string) (*cachedKey, bool) {
	raw, err := r.redis.Get(ctx, cacheKey).Result()
	if err != nil {
		return nil, false
	}
	var cached cachedKey
	if err := json.Unmarshal([]byte(raw), &cached); err != nil || cached.Key.ID == uuid.Nil {
		r.redis.Del(ctx, cacheKey)
		return nil, false
	}
	return &cached, true
}

func (r *Resolver) lookupKey(ctx context.Context, digest string) (*models.ApiKey, models.Owner, error) {
	cacheKey := keyCachePrefix + digest

	if cached, ok := r.cachedKeyEntry(ctx, cacheKey); ok {
		return &cached.Key, cached.Owner, nil
	}

	var key models.ApiKey
	err := r.db.WithContext(ctx).
		Preload("Project").
		Where("key_hash = ?", digest).
		First(&key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.Owner{}, ErrInvalidKey
	}
	if err != nil {
		return nil, models.Owner{}, fmt.Errorf("key lookup failed: %w", err)
	}

	owner, err := r.resolveOwner(ctx, &key)
	if err != nil {
		return nil, models.Owner{}, err
	}

	if raw, err := json.Marshal(cachedKey{Key: key, Owner: owner}); err == nil {
		r.redis.Set(ctx, cacheKey, raw, r.keyTTL)
	}
	return &key, owner, nil
}

// resolveOwner maps a key to its billing principal. Project keys bill
// the project's parent org; user keys bill the user directly.
func (r *Resolver) resolveOwner(ctx context.Context, key *models.ApiKey) (models.Owner, error) {
	if key.ProjectID != nil {
		project := key.Project
		if project == nil {
			project = &models.Project{}
			if err := r.db.WithContext(ctx).First(project, "id = ?", *key.ProjectID).Error; err != nil {
				return models.Owner{}, fmt.Errorf("project lookup failed: %w", err)
			}
		}
		return models.OrgOwner(project.OrgID), nil
	}
	if key.UserID != nil {
		return models.UserOwner(*key.UserID), nil
	}
	return models.Owner{}, ErrInvalidKey
}

// ResolvePolicy returns the owner's admission policy, consulting the
// redis cache first. Owners with no billable subscription get the
// default free policy; the synthesized result is cached like any other.
func (r *Resolver) ResolvePolicy(ctx context.Context, owner models.Owner) (models.Policy, error) {
	cacheKey := policyCachePrefix + owner.Key()

	if raw, err := r.redis.Get(ctx, cacheKey).Result(); err == nil {
		var policy models.Policy
		if err := json.Unmarshal([]byte(raw), &policy); err == nil {
			return policy, nil
		}
		r.redis.Del(ctx, cacheKey)
	}

	policy, err := r.derivePolicy(ctx, owner)
	if err != nil {
		return models.Policy{}, err
	}

	if raw, err := json.Marshal(policy); err == nil {
		r.redis.Set(ctx, cacheKey, raw, r.policyTTL)
	}
	return policy, nil
}

func (r *Resolver) derivePolicy(ctx context.Context, owner models.Owner) (models.Policy, error) {
	var sub models.Subscription
	err := r.db.WithContext(ctx).
		Preload("Plan").
		Where("owner_type = ? AND owner_id = ?", owner.Type, owner.ID).
		Order("created_at DESC").
		First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && !sub.Status.Billable()) {
		return models.DefaultFreePolicy(), nil
	}
	if err != nil {
		return models.Policy{}, fmt.Errorf("subscription lookup failed: %w", err)
	}

	plan := sub.Plan
	policy := models.Policy{
		PlanName:           plan.Name,
		RequestsPerMinute:  plan.RequestsPerMinute,
		RequestsPerHour:    plan.RequestsPerHour,
		RequestsPerDay:     plan.RequestsPerDay,
		DailyAllowance:     plan.DailyAllowance,
		MaxConcurrent:      plan.MaxConcurrent,
		MaxInputTokens:     plan.MaxInputTokens,
		MaxOutputTokens:    plan.MaxOutputTokens,
		MaxBodyBytes:       plan.MaxBodyBytes,
		HasStreaming:       plan.HasStreaming,
		HasPriority:        plan.HasPriority,
		HasWalletAccess:    plan.HasWalletAccess,
		AllowedModels:      plan.AllowedModels,
		SubscriptionStatus: sub.Status,
		ResolvedAt:         time.Now(),
	}

	if plan.HasWalletAccess {
		var wallet models.Wallet
		err := r.db.WithContext(ctx).
			Where("owner_type = ? AND owner_id = ?", owner.Type, owner.ID).
			First(&wallet).Error
		switch {
		case err == nil:
			policy.WalletEnabled = true
			policy.WalletLocked = wallet.IsLocked
		case errors.Is(err, gorm.ErrRecordNotFound):
			// Plan grants wallet access but no wallet exists yet.
		default:
			return models.Policy{}, fmt.Errorf("wallet lookup failed: %w", err)
		}
	}

	return policy, nil
}

// touchLastUsed records key usage out of band. Losing an update here is
// acceptable; blocking the request path is not.
func (r *Resolver) touchLastUsed(keyID, clientIP string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		now := time.Now()
		err := r.db.WithContext(ctx).Model(&models.ApiKey{}).
			Where("id = ?", keyID).
			Updates(map[string]interface{}{
				"last_used_at": now,
				"last_used_ip": clientIP,
				"usage_count":  gorm.Expr("usage_count + 1"),
			}).Error
		if err != nil {
			r.logger.Debug("failed to record key usage",
				zap.String("key_id", keyID),
				zap.Error(err))
		}
	}()
}

// InvalidateKey drops the cached entry for one key digest. Called after
// revocation so the change takes effect before the cache TTL.
func (r *Resolver) InvalidateKey(ctx context.Context, digest string) error {
	return r.redis.Del(ctx, keyCachePrefix+digest).Err()
}

// InvalidatePolicy drops the cached policy for one owner. Called after
// plan changes, wallet locks, and subscription updates.
func (r *Resolver) InvalidatePolicy(ctx context.Context, owner models.Owner) error {
	return r.redis.Del(ctx, policyCachePrefix+owner.Key()).Err()
}
