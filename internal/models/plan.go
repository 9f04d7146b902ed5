package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

type SubscriptionStatus string

const (
	SubscriptionActive   SubscriptionStatus = "ACTIVE"
	SubscriptionTrialing SubscriptionStatus = "TRIALING"
	SubscriptionPastDue  SubscriptionStatus = "PAST_DUE"
	SubscriptionCanceled SubscriptionStatus = "CANCELED"
)

// Billable reports whether the subscription still confers its plan.
func (s SubscriptionStatus) Billable() bool {
	switch s {
	case SubscriptionActive, SubscriptionTrialing, SubscriptionPastDue:
		return true
	}
	return false
}

// Plan is the catalog of admission and billing limits a subscription
// confers on its owner.
type Plan struct {
	BaseModel
	Name string `gorm:"uniqueIndex;not null" json:"name"`

	RequestsPerMinute int `gorm:"default:10" json:"requests_per_minute"`
	RequestsPerHour   int `gorm:"default:50" json:"requests_per_hour"`
	RequestsPerDay    int `gorm:"default:100" json:"requests_per_day"`

	DailyAllowance int `gorm:"default:100" json:"daily_allowance"`
	MaxConcurrent  int `gorm:"default:2" json:"max_concurrent"`

	MaxInputTokens  int   `gorm:"default:4000" json:"max_input_tokens"`
	MaxOutputTokens int   `gorm:"default:2000" json:"max_output_tokens"`
	MaxBodyBytes    int64 `gorm:"default:524288" json:"max_body_bytes"`

	HasStreaming    bool `gorm:"default:true" json:"has_streaming"`
	HasPriority     bool `gorm:"default:false" json:"has_priority"`
	HasWalletAccess bool `gorm:"default:false" json:"has_wallet_access"`

	AllowedModels pq.StringArray `gorm:"type:text[]" json:"allowed_models,omitempty"`

	IsActive bool `gorm:"default:true" json:"is_active"`
}

// Subscription binds an owner to a plan.
type Subscription struct {
	BaseModel
	OwnerType OwnerType `gorm:"not null" json:"owner_type"`
	OwnerID   uuid.UUID `gorm:"type:uuid;not null" json:"owner_id"`

	PlanID uuid.UUID `gorm:"type:uuid;not null" json:"plan_id"`
	Plan   Plan      `gorm:"foreignKey:PlanID" json:"-"`

	Status           SubscriptionStatus `gorm:"default:ACTIVE" json:"status"`
	CurrentPeriodEnd *time.Time         `json:"current_period_end,omitempty"`
}

// Policy is the resolved, cacheable set of per-owner limits the pipeline
// enforces. Derived from subscription+plan+wallet, never stored back.
type Policy struct {
	PlanName string `json:"plan_name"`

	RequestsPerMinute int `json:"requests_per_minute"`
	RequestsPerHour   int `json:"requests_per_hour"`
	RequestsPerDay    int `json:"requests_per_day"`

	DailyAllowance int `json:"daily_allowance"`
	MaxConcurrent  int `json:"max_concurrent"`

	MaxInputTokens  int   `json:"max_input_tokens"`
	MaxOutputTokens int   `json:"max_output_tokens"`
	MaxBodyBytes    int64 `json:"max_body_bytes"`

	HasStreaming    bool `json:"has_streaming"`
	HasPriority     bool `json:"has_priority"`
	HasWalletAccess bool `json:"has_wallet_access"`

	AllowedModels []string `json:"allowed_models,omitempty"`

	SubscriptionStatus SubscriptionStatus `json:"subscription_status"`
	WalletEnabled      bool               `json:"wallet_enabled"`
	WalletLocked       bool               `json:"wallet_locked"`

	ResolvedAt time.Time `json:"resolved_at"`
}

// DefaultFreePolicy is synthesized when an owner has no billable
// subscription. Constants are fixed; changing them is a plan edit, not a
// code path.
func DefaultFreePolicy() Policy {
	return Policy{
		PlanName:           "free",
		RequestsPerMinute:  10,
		RequestsPerHour:    50,
		RequestsPerDay:     100,
		DailyAllowance:     100,
		MaxConcurrent:      2,
		MaxInputTokens:     4000,
		MaxOutputTokens:    2000,
		MaxBodyBytes:       512 * 1024,
		HasStreaming:       true,
		HasWalletAccess:    false,
		AllowedModels:      []string{"gpt-3.5-turbo", "claude-3-haiku"},
		SubscriptionStatus: SubscriptionCanceled,
		ResolvedAt:         time.Now(),
	}
}

// ModelAllowed checks the policy allowlist; empty means every model.
func (p *Policy) ModelAllowed(model string) bool {
	if len(p.AllowedModels) == 0 {
		return true
	}
	for _, m := range p.AllowedModels {
		if m == model || m == "*" {
			return true
		}
	}
	return false
}
