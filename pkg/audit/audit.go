// Package audit appends an immutable record for every mutation of areas and
// rules. Records are write-once; there is no update or delete path.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type Writer struct {
	DB auditDB
}

type Record struct {
	ID        string          `json:"id"`
	Actor     string          `json:"actor"`
	Action    string          `json:"action"`
	UserID    string          `json:"user_id,omitempty"`
	AreaID    string          `json:"area_id,omitempty"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

func (w *Writer) Append(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := w.DB.Exec(ctx, `
		INSERT INTO audit_records (id, actor, action, user_id, area_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, rec.ID, rec.Actor, rec.Action, rec.UserID, rec.AreaID, rec.Detail, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("append audit record: %w", err)
	}
	return nil
}

// ListForUser returns records affecting one subject user, newest first.
func (w *Writer) ListForUser(ctx context.Context, userID string, limit int) ([]Record, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := w.DB.Query(ctx, `
		SELECT id, actor, action, user_id, area_id, detail, created_at
		FROM audit_records
		WHERE user_id=$1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit records: %w", err)
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.Actor, &rec.Action, &rec.UserID, &rec.AreaID, &rec.Detail, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
