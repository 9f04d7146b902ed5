package models

import (
	"time"

	"github.com/google/uuid"
)

// MaxWalletBalanceCents keeps wallet arithmetic exactly representable in
// every likely client language (2^53-1).
const MaxWalletBalanceCents int64 = 1<<53 - 1

// Wallet is the prepaid integer-cent balance of one owner. The redis
// mirror of BalanceCents is strictly lossy; this row is the source of
// truth for charges, topups and refunds.
type Wallet struct {
	BaseModel
	OwnerType OwnerType `gorm:"not null" json:"owner_type"`
	OwnerID   uuid.UUID `gorm:"type:uuid;not null" json:"owner_id"`

	BalanceCents int64 `gorm:"not null;default:0" json:"balance_cents"`

	IsLocked   bool       `gorm:"default:false" json:"is_locked"`
	LockReason string     `json:"lock_reason,omitempty"`
	LockedAt   *time.Time `json:"locked_at,omitempty"`

	TotalToppedUpCents int64 `gorm:"not null;default:0" json:"total_topped_up_cents"`
	TotalSpentCents    int64 `gorm:"not null;default:0" json:"total_spent_cents"`

	LastReconciledAt *time.Time `json:"last_reconciled_at,omitempty"`
}

func (w *Wallet) Owner() Owner {
	return Owner{Type: w.OwnerType, ID: w.OwnerID}
}

type LedgerTxType string

const (
	LedgerCharge          LedgerTxType = "CHARGE"
	LedgerTopup           LedgerTxType = "TOPUP"
	LedgerRefund          LedgerTxType = "REFUND"
	LedgerAdminAdjustment LedgerTxType = "ADMIN_ADJUSTMENT"
	LedgerChargeback      LedgerTxType = "CHARGEBACK"

	// Zero-amount audit rows.
	LedgerLock   LedgerTxType = "LOCK"
	LedgerUnlock LedgerTxType = "UNLOCK"
)

// WalletLedger is append-only. The signed amounts of an owner's rows sum
// to the wallet balance whenever no charge is in flight.
type WalletLedger struct {
	BaseModel
	OwnerType OwnerType `gorm:"not null" json:"owner_type"`
	OwnerID   uuid.UUID `gorm:"type:uuid;not null" json:"owner_id"`

	TxType            LedgerTxType `gorm:"not null" json:"tx_type"`
	AmountCents       int64        `gorm:"not null" json:"amount_cents"`
	BalanceAfterCents int64        `gorm:"not null" json:"balance_after_cents"`

	RequestID   string `gorm:"index" json:"request_id,omitempty"`
	Description string `json:"description,omitempty"`
}
