package rulestore

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/sinanour/cultivate-sub007/pkg/models"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

type ruleDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Postgres struct {
	DB ruleDB
}

func (s *Postgres) RulesForUser(ctx context.Context, userID string) ([]models.AuthorizationRule, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, user_id, geographic_area_id, rule_type, created_by, created_at, updated_at
		FROM authorization_rules
		WHERE user_id=$1
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("load rules for user %s: %w", userID, err)
	}
	defer rows.Close()
	var out []models.AuthorizationRule
	for rows.Next() {
		var r models.AuthorizationRule
		if err := rows.Scan(&r.ID, &r.UserID, &r.GeographicAreaID, &r.RuleType, &r.CreatedBy, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Create inserts one rule row. A second rule for the same (user, area) pair
// is a Conflict, never an overwrite; an unknown area surfaces as NotFound
// through the foreign key.
func (s *Postgres) Create(ctx context.Context, userID, areaID string, ruleType models.RuleType, createdBy string) (models.AuthorizationRule, error) {
	rule := models.AuthorizationRule{
		ID:               uuid.New().String(),
		UserID:           userID,
		GeographicAreaID: areaID,
		RuleType:         ruleType,
		CreatedBy:        createdBy,
	}
	row := s.DB.QueryRow(ctx, `
		INSERT INTO authorization_rules(id, user_id, geographic_area_id, rule_type, created_by)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING created_at, updated_at
	`, rule.ID, rule.UserID, rule.GeographicAreaID, rule.RuleType, rule.CreatedBy)
	if err := row.Scan(&rule.CreatedAt, &rule.UpdatedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case pgUniqueViolation:
				return models.AuthorizationRule{}, fmt.Errorf("rule for user %s on area %s: %w", userID, areaID, models.ErrConflict)
			case pgForeignKeyViolation:
				return models.AuthorizationRule{}, fmt.Errorf("area %s: %w", areaID, models.ErrNotFound)
			}
		}
		return models.AuthorizationRule{}, fmt.Errorf("create rule: %w", err)
	}
	return rule, nil
}

func (s *Postgres) Delete(ctx context.Context, ruleID string) error {
	cmd, err := s.DB.Exec(ctx, `DELETE FROM authorization_rules WHERE id=$1`, ruleID)
	if err != nil {
		return fmt.Errorf("delete rule %s: %w", ruleID, err)
	}
	if cmd.RowsAffected() == 0 {
		return fmt.Errorf("rule %s: %w", ruleID, models.ErrNotFound)
	}
	return nil
}

func (s *Postgres) DeleteByUserArea(ctx context.Context, userID, areaID string) error {
	cmd, err := s.DB.Exec(ctx, `DELETE FROM authorization_rules WHERE user_id=$1 AND geographic_area_id=$2`, userID, areaID)
	if err != nil {
		return fmt.Errorf("delete rule for user %s on area %s: %w", userID, areaID, err)
	}
	if cmd.RowsAffected() == 0 {
		return fmt.Errorf("rule for user %s on area %s: %w", userID, areaID, models.ErrNotFound)
	}
	return nil
}

// CountForArea backs the delete-time referential check on areas.
func (s *Postgres) CountForArea(ctx context.Context, areaID string) (int, error) {
	var n int
	row := s.DB.QueryRow(ctx, `SELECT COUNT(*) FROM authorization_rules WHERE geographic_area_id=$1`, areaID)
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count rules for area %s: %w", areaID, err)
	}
	return n, nil
}
