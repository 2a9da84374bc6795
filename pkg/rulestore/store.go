// Package rulestore persists per-user, per-area authorization rules. It
// performs single-row writes only; cascades on user or area deletion belong
// to the callers that own those lifecycles.
package rulestore

import (
	"context"

	"github.com/sinanour/cultivate-sub007/pkg/models"
)

type Store interface {
	RulesForUser(ctx context.Context, userID string) ([]models.AuthorizationRule, error)
	Create(ctx context.Context, userID, areaID string, ruleType models.RuleType, createdBy string) (models.AuthorizationRule, error)
	Delete(ctx context.Context, ruleID string) error
	DeleteByUserArea(ctx context.Context, userID, areaID string) error
	CountForArea(ctx context.Context, areaID string) (int, error)
}
