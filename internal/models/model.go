package models

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// Model is one entry in the serving catalog.
type Model struct {
	BaseModel
	ModelID         string `gorm:"uniqueIndex;not null" json:"model_id"`
	UpstreamModelID string `gorm:"not null" json:"upstream_model_id"`
	Provider        string `gorm:"index;not null" json:"provider"`

	SupportsStreaming    bool `gorm:"default:true" json:"supports_streaming"`
	SupportsVision       bool `gorm:"default:false" json:"supports_vision"`
	SupportsTools        bool `gorm:"default:false" json:"supports_tools"`
	SupportsFunctionCall bool `gorm:"default:false" json:"supports_function_call"`
	SupportsJSONMode     bool `gorm:"default:false" json:"supports_json_mode"`

	ContextTokens   int `gorm:"default:8192" json:"context_tokens"`
	MaxOutputTokens int `gorm:"default:4096" json:"max_output_tokens"`

	IsActive     bool `gorm:"default:true" json:"is_active"`
	IsDeprecated bool `gorm:"default:false" json:"is_deprecated"`
}

// Pricing is a time-bounded price record for one model, in cents per
// million tokens.
type Pricing struct {
	BaseModel
	ModelID uuid.UUID `gorm:"type:uuid;not null;index" json:"model_id"`
	Model   Model     `gorm:"foreignKey:ModelID" json:"-"`

	InputPerMillionCents  int64 `gorm:"not null" json:"input_per_million_cents"`
	OutputPerMillionCents int64 `gorm:"not null" json:"output_per_million_cents"`

	EffectiveFrom time.Time  `gorm:"not null" json:"effective_from"`
	EffectiveTo   *time.Time `json:"effective_to,omitempty"`
}

// AvgRequestTokens is the synthetic per-request settlement size. Real
// per-token billing is a reconciliation pass, not done here.
const AvgRequestTokens = 1000

// PerRequestCents derives the charge unit the billing engine uses:
// ceil(max(1, (in+out)/1e6 * avg_tokens)).
func (p *Pricing) PerRequestCents() int64 {
	perToken := float64(p.InputPerMillionCents+p.OutputPerMillionCents) / 1e6
	cents := math.Ceil(perToken * AvgRequestTokens)
	if cents < 1 {
		return 1
	}
	return int64(cents)
}

// DefaultRequestCents is the safe fallback when a model has no pricing
// row: 1 cent per request.
const DefaultRequestCents = 1
