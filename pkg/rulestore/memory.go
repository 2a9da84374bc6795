package rulestore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sinanour/cultivate-sub007/pkg/models"
)

// Memory mirrors the postgres semantics for tests and local runs.
type Memory struct {
	mu    sync.RWMutex
	rules map[string]models.AuthorizationRule // keyed by rule id
}

func NewMemory() *Memory {
	return &Memory{rules: map[string]models.AuthorizationRule{}}
}

func (m *Memory) RulesForUser(ctx context.Context, userID string) ([]models.AuthorizationRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.AuthorizationRule
	for _, r := range m.rules {
		if r.UserID == userID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *Memory) Create(ctx context.Context, userID, areaID string, ruleType models.RuleType, createdBy string) (models.AuthorizationRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rules {
		if r.UserID == userID && r.GeographicAreaID == areaID {
			return models.AuthorizationRule{}, fmt.Errorf("rule for user %s on area %s: %w", userID, areaID, models.ErrConflict)
		}
	}
	now := time.Now().UTC()
	rule := models.AuthorizationRule{
		ID:               uuid.New().String(),
		UserID:           userID,
		GeographicAreaID: areaID,
		RuleType:         ruleType,
		CreatedBy:        createdBy,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	m.rules[rule.ID] = rule
	return rule, nil
}

func (m *Memory) Delete(ctx context.Context, ruleID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rules[ruleID]; !ok {
		return fmt.Errorf("rule %s: %w", ruleID, models.ErrNotFound)
	}
	delete(m.rules, ruleID)
	return nil
}

func (m *Memory) DeleteByUserArea(ctx context.Context, userID, areaID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, r := range m.rules {
		if r.UserID == userID && r.GeographicAreaID == areaID {
			delete(m.rules, id)
			return nil
		}
	}
	return fmt.Errorf("rule for user %s on area %s: %w", userID, areaID, models.ErrNotFound)
}

func (m *Memory) CountForArea(ctx context.Context, areaID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, r := range m.rules {
		if r.GeographicAreaID == areaID {
			n++
		}
	}
	return n, nil
}
