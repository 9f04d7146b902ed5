// Package wallet manages prepaid balances. The database row plus ledger
// is the source of truth; the redis mirror exists so the billing script
// can decide admission without a database round trip.
//
// Write ordering is durable-first for money coming in (topups, refunds
// recorded here) and hot-first for money going out (charges, which the
// billing script deducts atomically before the ledger write lands).
package wallet

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/omnigate/omnigate/internal/models"
)

const (
	balancePrefix = "wallet:"
	lockSuffix    = ":locked"
)

var (
	ErrWalletNotFound = errors.New("wallet not found")
	ErrWalletLocked   = errors.New("wallet is locked")
	ErrInvalidAmount  = errors.New("amount must be positive")
	ErrBalanceCap     = errors.New("topup would exceed maximum balance")
)

type Service struct {
	db     *gorm.DB
	redis  *redis.Client
	logger *zap.Logger
}

func New(db *gorm.DB, rdb *redis.Client, logger *zap.Logger) *Service {
	return &Service{db: db, redis: rdb, logger: logger}
}

func BalanceKey(owner models.Owner) string {
	return balancePrefix + owner.Key()
}

func LockKey(owner models.Owner) string {
	return balancePrefix + owner.Key() + lockSuffix
}

// Get returns the durable wallet row, creating it lazily on first use.
func (s *Service) Get(ctx context.Context, owner models.Owner) (*models.Wallet, error) {
	var w models.Wallet
	err := s.db.WithContext(ctx).
		Where("owner_type = ? AND owner_id = ?", owner.Type, owner.ID).
		First(&w).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		w = models.Wallet{OwnerType: owner.Type, OwnerID: owner.ID}
		if err := s.db.WithContext(ctx).Create(&w).Error; err != nil {
			return nil, fmt.Errorf("failed to create wallet: %w", err)
		}
		return &w, nil
	}
	if err != nil {
		return nil, fmt.Errorf("wallet lookup failed: %w", err)
	}
	return &w, nil
}

// TopUp credits the wallet: durable transaction first, then the mirror.
// The mirror write is an INCRBY, never a SET, so concurrent charges that
// raced the topup are not erased.
func (s *Service) TopUp(ctx context.Context, owner models.Owner, amountCents int64, description string) (*models.Wallet, error) {
	if amountCents <= 0 {
		return nil, ErrInvalidAmount
	}

	var updated models.Wallet
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		w, err := s.lockRow(tx, owner)
		if err != nil {
			return err
		}
		if w.BalanceCents > models.MaxWalletBalanceCents-amountCents {
			return ErrBalanceCap
		}
		w.BalanceCents += amountCents
		w.TotalToppedUpCents += amountCents
		if err := tx.Save(w).Error; err != nil {
			return err
		}
		updated = *w
		return tx.Create(&models.WalletLedger{
			OwnerType:         owner.Type,
			OwnerID:           owner.ID,
			TxType:            models.LedgerTopup,
			AmountCents:       amountCents,
			BalanceAfterCents: w.BalanceCents,
			Description:       description,
		}).Error
	})
	if err != nil {
		return nil, err
	}

	if err := s.redis.IncrBy(ctx, BalanceKey(owner), amountCents).Err(); err != nil {
		s.logger.Warn("wallet mirror topup failed, reconcile will repair",
			zap.String("owner", owner.Key()),
			zap.Error(err))
	}
	return &updated, nil
}

// RecordCharge writes the durable CHARGE after the billing script has
// already deducted from the mirror. Returns the new durable balance.
func (s *Service) RecordCharge(ctx context.Context, owner models.Owner, amountCents int64, requestID string) (int64, error) {
	if amountCents <= 0 {
		return 0, ErrInvalidAmount
	}
	var balanceAfter int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		w, err := s.lockRow(tx, owner)
		if err != nil {
			return err
		}
		w.BalanceCents -= amountCents
		w.TotalSpentCents += amountCents
		if err := tx.Save(w).Error; err != nil {
			return err
		}
		balanceAfter = w.BalanceCents
		return tx.Create(&models.WalletLedger{
			OwnerType:         owner.Type,
			OwnerID:           owner.ID,
			TxType:            models.LedgerCharge,
			AmountCents:       -amountCents,
			BalanceAfterCents: w.BalanceCents,
			RequestID:         requestID,
		}).Error
	})
	return balanceAfter, err
}

// RecordRefund writes the durable REFUND after the refund script has
// already credited the mirror.
func (s *Service) RecordRefund(ctx context.Context, owner models.Owner, amountCents int64, requestID, reason string) (int64, error) {
	if amountCents <= 0 {
		return 0, ErrInvalidAmount
	}
	var balanceAfter int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		w, err := s.lockRow(tx, owner)
		if err != nil {
			return err
		}
		w.BalanceCents += amountCents
		w.TotalSpentCents -= amountCents
		if err := tx.Save(w).Error; err != nil {
			return err
		}
		balanceAfter = w.BalanceCents
		return tx.Create(&models.WalletLedger{
			OwnerType:         owner.Type,
			OwnerID:           owner.ID,
			TxType:            models.LedgerRefund,
			AmountCents:       amountCents,
			BalanceAfterCents: w.BalanceCents,
			RequestID:         requestID,
			Description:       reason,
		}).Error
	})
	return balanceAfter, err
}

// RollbackCache undoes a hot-state deduction whose durable write failed.
// Cache-only on purpose: no ledger row exists for the failed charge.
func (s *Service) RollbackCache(ctx context.Context, owner models.Owner, amountCents int64) error {
	return s.redis.IncrBy(ctx, BalanceKey(owner), amountCents).Err()
}

// Lock freezes spending: durable flag first, then the hot-state flag the
// billing script checks, then the policy cache entry is the caller's to
// invalidate.
func (s *Service) Lock(ctx context.Context, owner models.Owner, reason string) error {
	now := time.Now()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		w, err := s.lockRow(tx, owner)
		if err != nil {
			return err
		}
		w.IsLocked = true
		w.LockReason = reason
		w.LockedAt = &now
		if err := tx.Save(w).Error; err != nil {
			return err
		}
		return tx.Create(&models.WalletLedger{
			OwnerType:         owner.Type,
			OwnerID:           owner.ID,
			TxType:            models.LedgerLock,
			BalanceAfterCents: w.BalanceCents,
			Description:       reason,
		}).Error
	})
	if err != nil {
		return fmt.Errorf("failed to lock wallet: %w", err)
	}
	if err := s.redis.Set(ctx, LockKey(owner), "1", 0).Err(); err != nil {
		return fmt.Errorf("wallet locked durably but hot flag failed: %w", err)
	}
	s.logger.Warn("wallet locked",
		zap.String("owner", owner.Key()),
		zap.String("reason", reason))
	return nil
}

// Unlock reverses Lock, hot flag first so spending cannot resume before
// the durable row agrees.
func (s *Service) Unlock(ctx context.Context, owner models.Owner) error {
	if err := s.redis.Del(ctx, LockKey(owner)).Err(); err != nil {
		return fmt.Errorf("failed to clear hot lock flag: %w", err)
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		w, err := s.lockRow(tx, owner)
		if err != nil {
			return err
		}
		w.IsLocked = false
		w.LockReason = ""
		w.LockedAt = nil
		if err := tx.Save(w).Error; err != nil {
			return err
		}
		return tx.Create(&models.WalletLedger{
			OwnerType:         owner.Type,
			OwnerID:           owner.ID,
			TxType:            models.LedgerUnlock,
			BalanceAfterCents: w.BalanceCents,
		}).Error
	})
	if err != nil {
		return fmt.Errorf("failed to unlock wallet: %w", err)
	}
	return nil
}

// Bootstrap seeds the mirror from the durable balance, only when the
// mirror key is absent. SET NX so a concurrent charge that already
// recreated the key is never clobbered.
func (s *Service) Bootstrap(ctx context.Context, owner models.Owner) error {
	w, err := s.Get(ctx, owner)
	if err != nil {
		return err
	}
	set, err := s.redis.SetNX(ctx, BalanceKey(owner), strconv.FormatInt(w.BalanceCents, 10), 0).Result()
	if err != nil {
		return fmt.Errorf("wallet bootstrap failed: %w", err)
	}
	if set {
		s.logger.Info("wallet mirror bootstrapped",
			zap.String("owner", owner.Key()),
			zap.Int64("balance_cents", w.BalanceCents))
	}
	if w.IsLocked {
		return s.redis.Set(ctx, LockKey(owner), "1", 0).Err()
	}
	return nil
}

// Reconcile forces the mirror to the durable balance and stamps the
// wallet row. Run from the operator CLI, never from the request path.
func (s *Service) Reconcile(ctx context.Context, owner models.Owner) (durable, mirror int64, err error) {
	w, err := s.Get(ctx, owner)
	if err != nil {
		return 0, 0, err
	}
	durable = w.BalanceCents

	mirror, err = s.redis.Get(ctx, BalanceKey(owner)).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return durable, 0, fmt.Errorf("failed to read wallet mirror: %w", err)
	}

	if mirror != durable {
		s.logger.Warn("wallet mirror drift detected",
			zap.String("owner", owner.Key()),
			zap.Int64("durable_cents", durable),
			zap.Int64("mirror_cents", mirror))
		if err := s.redis.Set(ctx, BalanceKey(owner), strconv.FormatInt(durable, 10), 0).Err(); err != nil {
			return durable, mirror, fmt.Errorf("failed to repair wallet mirror: %w", err)
		}
	}

	now := time.Now()
	err = s.db.WithContext(ctx).Model(&models.Wallet{}).
		Where("id = ?", w.ID).
		Update("last_reconciled_at", now).Error
	return durable, mirror, err
}

// Ledger returns the most recent ledger rows for an owner.
func (s *Service) Ledger(ctx context.Context, owner models.Owner, limit int) ([]models.WalletLedger, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var rows []models.WalletLedger
	err := s.db.WithContext(ctx).
		Where("owner_type = ? AND owner_id = ?", owner.Type, owner.ID).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// lockRow takes a FOR UPDATE lock on the owner's wallet inside tx.
func (s *Service) lockRow(tx *gorm.DB, owner models.Owner) (*models.Wallet, error) {
	var w models.Wallet
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("owner_type = ? AND owner_id = ?", owner.Type, owner.ID).
		First(&w).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		w = models.Wallet{OwnerType: owner.Type, OwnerID: owner.ID}
		if err := tx.Create(&w).Error; err != nil {
			return nil, err
		}
		return &w, nil
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}
