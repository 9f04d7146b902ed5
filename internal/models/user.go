package models

import (
	"github.com/google/uuid"
)

type User struct {
	BaseModel
	Email    string `gorm:"uniqueIndex;not null" json:"email"`
	Name     string `json:"name"`
	IsActive bool   `gorm:"default:true" json:"is_active"`
}

type Org struct {
	BaseModel
	Name     string `gorm:"not null" json:"name"`
	IsActive bool   `gorm:"default:true" json:"is_active"`
}

// Project groups keys under an org; a project key bills to the org.
type Project struct {
	BaseModel
	Name  string    `gorm:"not null" json:"name"`
	OrgID uuid.UUID `gorm:"type:uuid;not null;index" json:"org_id"`
	Org   Org       `gorm:"foreignKey:OrgID" json:"-"`
}
