package models

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

const (
	// KeyPrefix marks every secret this gateway issues.
	KeyPrefix = "omni_"

	// KeySecretBytes of randomness before base64url encoding.
	KeySecretBytes = 24

	// KeyPrefixLen is how much of the secret is user-visible after creation.
	KeyPrefixLen = 12
)

// ApiKey is owned by exactly one principal: a user (user key) or a
// project (project key, billed to the project's org). Only the SHA-256
// digest of the secret is persisted; the plaintext exists once, at
// creation.
type ApiKey struct {
	BaseModel
	Name      string `json:"name"`
	KeyHash   string `gorm:"uniqueIndex;not null" json:"-"`
	KeyPrefix string `gorm:"not null" json:"key_prefix"`

	UserID    *uuid.UUID `gorm:"type:uuid" json:"user_id,omitempty"`
	User      *User      `gorm:"foreignKey:UserID" json:"-"`
	ProjectID *uuid.UUID `gorm:"type:uuid" json:"project_id,omitempty"`
	Project   *Project   `gorm:"foreignKey:ProjectID" json:"-"`

	Scopes        pq.StringArray `gorm:"type:text[]" json:"scopes,omitempty"`
	AllowedModels pq.StringArray `gorm:"type:text[]" json:"allowed_models,omitempty"`
	AllowedIPs    pq.StringArray `gorm:"type:text[]" json:"allowed_ips,omitempty"`

	IsActive  bool       `gorm:"default:true" json:"is_active"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`

	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	LastUsedIP string     `json:"last_used_ip,omitempty"`
	UsageCount int64      `json:"usage_count"`
}

// GenerateKey returns (plaintext, digest). The plaintext is
// "omni_" + base64url(24 random bytes) with padding stripped.
func GenerateKey() (string, string, error) {
	buf := make([]byte, KeySecretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("failed to generate random key: %w", err)
	}
	secret := KeyPrefix + strings.TrimRight(base64.URLEncoding.EncodeToString(buf), "=")
	return secret, HashKey(secret), nil
}

// HashKey returns the hex SHA-256 digest used for storage and lookup.
func HashKey(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// DisplayPrefix returns the first 12 chars, safe for UI and logs.
func DisplayPrefix(secret string) string {
	if len(secret) < KeyPrefixLen {
		return secret
	}
	return secret[:KeyPrefixLen]
}

func (k *ApiKey) IsExpired() bool {
	return k.ExpiresAt != nil && time.Now().After(*k.ExpiresAt)
}

func (k *ApiKey) IsRevoked() bool {
	return k.RevokedAt != nil
}

func (k *ApiKey) CanUse() bool {
	return k.IsActive && !k.IsExpired() && !k.IsRevoked()
}

func (k *ApiKey) Revoke() {
	now := time.Now()
	k.RevokedAt = &now
	k.IsActive = false
}

// IPAllowed reports whether the client IP passes the key's allowlist.
// An empty allowlist admits every address.
func (k *ApiKey) IPAllowed(ip string) bool {
	if len(k.AllowedIPs) == 0 {
		return true
	}
	for _, allowed := range k.AllowedIPs {
		if allowed == ip {
			return true
		}
	}
	return false
}

// Owner resolves the billing principal for this key.
func (k *ApiKey) OwnerRef(projectOrg uuid.UUID) Owner {
	if k.ProjectID != nil {
		return OrgOwner(projectOrg)
	}
	return UserOwner(*k.UserID)
}
