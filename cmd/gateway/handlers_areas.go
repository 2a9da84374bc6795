package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/sinanour/cultivate-sub007/pkg/httpx"
	"github.com/sinanour/cultivate-sub007/pkg/models"
	"github.com/sinanour/cultivate-sub007/pkg/stream"
)

// mapPgError converts constraint violations into domain errors so handlers
// respond with 409/404 instead of 500.
func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return fmt.Errorf("%w: %s", models.ErrConflict, pgErr.ConstraintName)
		case "23503":
			return fmt.Errorf("%w: %s", models.ErrNotFound, pgErr.ConstraintName)
		}
	}
	return err
}

type createAreaRequest struct {
	Name         string  `json:"name"`
	AreaType     string  `json:"area_type"`
	ParentAreaID *string `json:"parent_area_id"`
}

func (s *Server) createArea(w http.ResponseWriter, r *http.Request) {
	var req createAreaRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.ErrorFrom(w, err)
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	req.AreaType = strings.TrimSpace(req.AreaType)
	if req.Name == "" {
		httpx.ErrorFrom(w, models.Validationf("name is required"))
		return
	}
	if req.AreaType == "" {
		httpx.ErrorFrom(w, models.Validationf("area_type is required"))
		return
	}
	if req.ParentAreaID != nil {
		if err := models.ValidateAreaID(*req.ParentAreaID); err != nil {
			httpx.ErrorFrom(w, err)
			return
		}
	}
	now := time.Now().UTC()
	area := models.GeographicArea{
		ID:           uuid.New().String(),
		Name:         req.Name,
		AreaType:     req.AreaType,
		ParentAreaID: req.ParentAreaID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	_, err := s.DB.Exec(r.Context(),
		`INSERT INTO geographic_areas (id, name, area_type, parent_area_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $5)`,
		area.ID, area.Name, area.AreaType, area.ParentAreaID, now)
	if err != nil {
		httpx.ErrorFrom(w, mapPgError(err))
		return
	}
	s.recordAudit(r, "area.create", "", area.ID, map[string]string{"name": area.Name})
	s.publish(r.Context(), stream.AreaEvent(stream.EventAreaCreated, area))
	httpx.WriteJSON(w, http.StatusCreated, area)
}

func (s *Server) getArea(w http.ResponseWriter, r *http.Request) {
	areaID := chi.URLParam(r, "area_id")
	if err := models.ValidateAreaID(areaID); err != nil {
		httpx.ErrorFrom(w, err)
		return
	}
	req := s.requester(r)
	snap, err := s.Eval.Snapshot(r.Context(), req.UserID)
	if err != nil {
		httpx.ErrorFrom(w, err)
		return
	}
	if !snap.Tree.Has(areaID) {
		httpx.ErrorFrom(w, fmt.Errorf("area %s: %w", areaID, models.ErrNotFound))
		return
	}
	if !req.Admin {
		lvl, err := snap.Evaluate(areaID)
		if err != nil || lvl == models.AccessNone {
			httpx.ErrorFrom(w, fmt.Errorf("area %s: %w", areaID, models.ErrNotFound))
			return
		}
	}
	detail, err := snap.Tree.Detail(areaID)
	if err != nil {
		httpx.ErrorFrom(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, detail)
}

// patchAreaRequest distinguishes an absent parent_area_id from an explicit
// null: raw nil means leave the parent alone, raw "null" detaches the area
// into a new root.
type patchAreaRequest struct {
	Name         *string         `json:"name"`
	AreaType     *string         `json:"area_type"`
	ParentAreaID json.RawMessage `json:"parent_area_id"`
}

func (s *Server) patchArea(w http.ResponseWriter, r *http.Request) {
	areaID := chi.URLParam(r, "area_id")
	if err := models.ValidateAreaID(areaID); err != nil {
		httpx.ErrorFrom(w, err)
		return
	}
	var req patchAreaRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.ErrorFrom(w, err)
		return
	}
	tree, err := s.Areas.Tree(r.Context())
	if err != nil {
		httpx.ErrorFrom(w, err)
		return
	}
	area, err := tree.Area(areaID)
	if err != nil {
		httpx.ErrorFrom(w, err)
		return
	}
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			httpx.ErrorFrom(w, models.Validationf("name must not be empty"))
			return
		}
		area.Name = name
	}
	if req.AreaType != nil {
		areaType := strings.TrimSpace(*req.AreaType)
		if areaType == "" {
			httpx.ErrorFrom(w, models.Validationf("area_type must not be empty"))
			return
		}
		area.AreaType = areaType
	}
	if len(req.ParentAreaID) > 0 {
		if string(req.ParentAreaID) == "null" {
			area.ParentAreaID = nil
		} else {
			var parentID string
			if err := json.Unmarshal(req.ParentAreaID, &parentID); err != nil {
				httpx.ErrorFrom(w, models.Validationf("parent_area_id must be a string or null"))
				return
			}
			if err := models.ValidateAreaID(parentID); err != nil {
				httpx.ErrorFrom(w, err)
				return
			}
			if !tree.Has(parentID) {
				httpx.ErrorFrom(w, fmt.Errorf("parent area %s: %w", parentID, models.ErrNotFound))
				return
			}
			if tree.WouldCreateCycle(areaID, parentID) {
				httpx.ErrorFrom(w, models.Validationf("reparenting area %s under %s would create a cycle", areaID, parentID))
				return
			}
			area.ParentAreaID = &parentID
		}
	}
	area.UpdatedAt = time.Now().UTC()
	tag, err := s.DB.Exec(r.Context(),
		`UPDATE geographic_areas SET name = $2, area_type = $3, parent_area_id = $4, updated_at = $5 WHERE id = $1`,
		area.ID, area.Name, area.AreaType, area.ParentAreaID, area.UpdatedAt)
	if err != nil {
		httpx.ErrorFrom(w, mapPgError(err))
		return
	}
	if tag.RowsAffected() == 0 {
		httpx.ErrorFrom(w, fmt.Errorf("area %s: %w", areaID, models.ErrNotFound))
		return
	}
	s.recordAudit(r, "area.update", "", area.ID, map[string]string{"name": area.Name})
	s.publish(r.Context(), stream.AreaEvent(stream.EventAreaUpdated, area))
	httpx.WriteJSON(w, http.StatusOK, area)
}

func (s *Server) deleteArea(w http.ResponseWriter, r *http.Request) {
	areaID := chi.URLParam(r, "area_id")
	if err := models.ValidateAreaID(areaID); err != nil {
		httpx.ErrorFrom(w, err)
		return
	}
	tree, err := s.Areas.Tree(r.Context())
	if err != nil {
		httpx.ErrorFrom(w, err)
		return
	}
	area, err := tree.Area(areaID)
	if err != nil {
		httpx.ErrorFrom(w, err)
		return
	}
	if n := tree.ChildCount(areaID); n > 0 {
		httpx.ErrorFrom(w, fmt.Errorf("area %s has %d child areas: %w", areaID, n, models.ErrConflict))
		return
	}
	if n, err := s.Rules.CountForArea(r.Context(), areaID); err != nil {
		httpx.ErrorFrom(w, err)
		return
	} else if n > 0 {
		httpx.ErrorFrom(w, fmt.Errorf("area %s has %d authorization rules: %w", areaID, n, models.ErrConflict))
		return
	}
	tag, err := s.DB.Exec(r.Context(), `DELETE FROM geographic_areas WHERE id = $1`, areaID)
	if err != nil {
		httpx.ErrorFrom(w, mapPgError(err))
		return
	}
	if tag.RowsAffected() == 0 {
		httpx.ErrorFrom(w, fmt.Errorf("area %s: %w", areaID, models.ErrNotFound))
		return
	}
	s.recordAudit(r, "area.delete", "", areaID, nil)
	s.publish(r.Context(), stream.AreaEvent(stream.EventAreaDeleted, area))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listChildren(w http.ResponseWriter, r *http.Request) {
	areaID := chi.URLParam(r, "area_id")
	if err := models.ValidateAreaID(areaID); err != nil {
		httpx.ErrorFrom(w, err)
		return
	}
	req := s.requester(r)
	snap, err := s.Eval.Snapshot(r.Context(), req.UserID)
	if err != nil {
		httpx.ErrorFrom(w, err)
		return
	}
	children, err := snap.Tree.ChildrenOf(areaID)
	if err != nil {
		httpx.ErrorFrom(w, err)
		return
	}
	out := make([]models.AreaDetail, 0, len(children))
	for _, childID := range children {
		if !req.Admin {
			lvl, err := snap.Evaluate(childID)
			if err != nil || lvl == models.AccessNone {
				continue
			}
		}
		d, err := snap.Tree.Detail(childID)
		if err != nil {
			continue
		}
		out = append(out, d)
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"area_id":  areaID,
		"children": out,
	})
}

type batchRequest struct {
	AreaIDs []string `json:"area_ids"`
}

func (s *Server) batchDetails(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.ErrorFrom(w, err)
		return
	}
	s.Metrics.ObserveBatchSize("batchDetails", len(req.AreaIDs))
	details, err := s.Batch.BatchDetails(r.Context(), s.requester(r), req.AreaIDs)
	if err != nil {
		httpx.ErrorFrom(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"areas": details})
}

func (s *Server) batchAncestors(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.ErrorFrom(w, err)
		return
	}
	s.Metrics.ObserveBatchSize("batchAncestors", len(req.AreaIDs))
	parents, err := s.Batch.BatchAncestors(r.Context(), s.requester(r), req.AreaIDs)
	if err != nil {
		httpx.ErrorFrom(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"parents": parents})
}

func (s *Server) batchDescendants(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.ErrorFrom(w, err)
		return
	}
	s.Metrics.ObserveBatchSize("batchDescendants", len(req.AreaIDs))
	descendants, err := s.Batch.BatchDescendants(r.Context(), s.requester(r), req.AreaIDs)
	if err != nil {
		httpx.ErrorFrom(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"descendants": descendants})
}

func (s *Server) recordAudit(r *http.Request, action, userID, areaID string, detail map[string]string) {
	if s.Audit == nil {
		return
	}
	var raw json.RawMessage
	if detail != nil {
		raw, _ = json.Marshal(detail)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.Audit.Append(ctx, auditRecord(s.actor(r), action, userID, areaID, raw)); err != nil {
		logAuditError(action, err)
	}
}
