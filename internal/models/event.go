package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type RequestStatus string

const (
	RequestSuccess        RequestStatus = "SUCCESS"
	RequestClientError    RequestStatus = "CLIENT_ERROR"
	RequestUpstreamError  RequestStatus = "UPSTREAM_ERROR"
	RequestTimeout        RequestStatus = "TIMEOUT"
	RequestRateLimited    RequestStatus = "RATE_LIMITED"
	RequestBillingBlocked RequestStatus = "BILLING_BLOCKED"
)

type BillingSource string

const (
	BillingSourceAllowance BillingSource = "allowance"
	BillingSourceWallet    BillingSource = "wallet"
	BillingSourceNone      BillingSource = "none"
)

// RequestEvent is the immutable terminal record of one request, unique
// by request id.
type RequestEvent struct {
	BaseModel
	RequestID string    `gorm:"uniqueIndex;not null" json:"request_id"`
	Timestamp time.Time `gorm:"index;not null" json:"timestamp"`

	OwnerType OwnerType  `gorm:"not null" json:"owner_type"`
	OwnerID   uuid.UUID  `gorm:"type:uuid;not null" json:"owner_id"`
	ApiKeyID  *uuid.UUID `gorm:"type:uuid;index" json:"api_key_id,omitempty"`

	Model    string `gorm:"index" json:"model"`
	Provider string `gorm:"index" json:"provider"`
	Endpoint string `json:"endpoint"`

	Status     RequestStatus `gorm:"index;not null" json:"status"`
	StatusCode int           `json:"status_code"`

	TotalMs int64  `json:"total_ms"`
	TTFBMs  *int64 `json:"ttfb_ms,omitempty"`

	InputBytes  int64 `json:"input_bytes"`
	OutputBytes int64 `json:"output_bytes"`

	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`

	BillingSource BillingSource `gorm:"default:none" json:"billing_source"`
	CostCents     int64         `json:"cost_cents"`

	IsStreaming bool `json:"is_streaming"`
	ChunkCount  int  `json:"chunk_count"`

	ClientIP  string `json:"client_ip"`
	UserAgent string `json:"user_agent"`

	// Detail carries the upstream error body for failed requests, so
	// support can see what the provider actually said.
	Detail datatypes.JSON `json:"detail,omitempty"`
}

func (RequestEvent) TableName() string {
	return "request_events"
}

// UsageDaily aggregates request events per owner per UTC day. Updates are
// increments applied in the same transaction as the event inserts they
// derive from, so a retried batch cannot double-count.
type UsageDaily struct {
	BaseModel
	OwnerType OwnerType `gorm:"not null" json:"owner_type"`
	OwnerID   uuid.UUID `gorm:"type:uuid;not null" json:"owner_id"`
	Date      time.Time `gorm:"type:date;not null" json:"date"`

	RequestCount int64 `gorm:"not null;default:0" json:"request_count"`
	SuccessCount int64 `gorm:"not null;default:0" json:"success_count"`
	ErrorCount   int64 `gorm:"not null;default:0" json:"error_count"`

	InputTokens  int64 `gorm:"not null;default:0" json:"input_tokens"`
	OutputTokens int64 `gorm:"not null;default:0" json:"output_tokens"`

	CostCents     int64 `gorm:"not null;default:0" json:"cost_cents"`
	AllowanceUsed int64 `gorm:"not null;default:0" json:"allowance_used"`
}

func (UsageDaily) TableName() string {
	return "usage_dailies"
}
