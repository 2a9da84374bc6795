package areatree

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/sinanour/cultivate-sub007/pkg/models"
)

type areaDB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresSource materializes a fresh Tree per call. Authorization state is
// always recomputed from current rows, so no snapshot outlives a request.
type PostgresSource struct {
	DB areaDB
}

func (s *PostgresSource) Tree(ctx context.Context) (*Tree, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, name, area_type, parent_area_id, created_at, updated_at
		FROM geographic_areas
	`)
	if err != nil {
		return nil, fmt.Errorf("load areas: %w", err)
	}
	defer rows.Close()
	var areas []models.GeographicArea
	for rows.Next() {
		var a models.GeographicArea
		if err := rows.Scan(&a.ID, &a.Name, &a.AreaType, &a.ParentAreaID, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan area: %w", err)
		}
		areas = append(areas, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load areas: %w", err)
	}
	return New(areas)
}

// StaticSource serves a fixed snapshot. Used by tests and by callers that
// already hold a tree for the current request.
type StaticSource struct {
	Snapshot *Tree
}

func (s *StaticSource) Tree(ctx context.Context) (*Tree, error) {
	if s.Snapshot == nil {
		return nil, fmt.Errorf("no tree snapshot configured")
	}
	return s.Snapshot, nil
}
