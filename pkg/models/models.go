package models

import (
	"strings"
	"time"
)

// RuleType is the effect of an authorization rule.
type RuleType string

const (
	RuleAllow RuleType = "ALLOW"
	RuleDeny  RuleType = "DENY"
)

func ParseRuleType(raw string) (RuleType, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "ALLOW":
		return RuleAllow, nil
	case "DENY":
		return RuleDeny, nil
	default:
		return "", Validationf("rule_type must be ALLOW or DENY")
	}
}

// AccessLevel is the resolved permission for a (user, area) pair.
// It is derived on demand and never persisted.
type AccessLevel string

const (
	AccessNone     AccessLevel = "NONE"
	AccessReadOnly AccessLevel = "READ_ONLY"
	AccessFull     AccessLevel = "FULL"
)

// GeographicArea is a node in the area forest. A nil ParentAreaID marks a
// root. AreaType is descriptive only and does not constrain nesting.
type GeographicArea struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	AreaType     string    `json:"area_type"`
	ParentAreaID *string   `json:"parent_area_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// AuthorizationRule grants or revokes a user's access at one area. At most
// one rule exists per (user, area) pair.
type AuthorizationRule struct {
	ID               string    `json:"id"`
	UserID           string    `json:"user_id"`
	GeographicAreaID string    `json:"geographic_area_id"`
	RuleType         RuleType  `json:"rule_type"`
	CreatedBy        string    `json:"created_by"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

type AreaDetail struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	AreaType     string    `json:"area_type"`
	ParentAreaID *string   `json:"parent_area_id,omitempty"`
	ChildCount   int       `json:"child_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// AreaAccess annotates one explicitly ruled area with its effective level.
type AreaAccess struct {
	AreaID      string      `json:"area_id"`
	AccessLevel AccessLevel `json:"access_level"`
}

// AuthorizationInfo is the per-user bulk filtering contract. When
// HasRestrictions is false the id list is empty and means "no filtering
// required", never "nothing visible". AuthorizedAreaIDs is sorted and holds
// exactly the areas with FULL access (descendant-expanded, DENY-pruned).
type AuthorizationInfo struct {
	HasRestrictions   bool     `json:"has_restrictions"`
	AuthorizedAreaIDs []string `json:"authorized_area_ids"`
}

// Authorized reports membership in the sorted AuthorizedAreaIDs list.
func (i AuthorizationInfo) Authorized(areaID string) bool {
	lo, hi := 0, len(i.AuthorizedAreaIDs)
	for lo < hi {
		mid := (lo + hi) / 2
		if i.AuthorizedAreaIDs[mid] < areaID {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo < len(i.AuthorizedAreaIDs) && i.AuthorizedAreaIDs[lo] == areaID
}
