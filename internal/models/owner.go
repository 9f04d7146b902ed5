package models

import (
	"fmt"

	"github.com/google/uuid"
)

// OwnerType is the billing principal variant. It is a closed set: every
// hot-state key and SQL scope pivots on it explicitly.
type OwnerType string

const (
	OwnerTypeUser OwnerType = "user"
	OwnerTypeOrg  OwnerType = "org"
)

// Owner identifies the billing principal of a request. User keys resolve
// to (user, user_id); project keys resolve to the project's parent org.
type Owner struct {
	Type OwnerType `json:"type"`
	ID   uuid.UUID `json:"id"`
}

func UserOwner(id uuid.UUID) Owner {
	return Owner{Type: OwnerTypeUser, ID: id}
}

func OrgOwner(id uuid.UUID) Owner {
	return Owner{Type: OwnerTypeOrg, ID: id}
}

// Key returns the hot-state key fragment, e.g. "user:9f3c...".
func (o Owner) Key() string {
	return fmt.Sprintf("%s:%s", o.Type, o.ID)
}

func (o Owner) String() string {
	return o.Key()
}
