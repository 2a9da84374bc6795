package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/sinanour/cultivate-sub007/pkg/audit"
	"github.com/sinanour/cultivate-sub007/pkg/httpx"
	"github.com/sinanour/cultivate-sub007/pkg/models"
	"github.com/sinanour/cultivate-sub007/pkg/stream"
)

func auditRecord(actor, action, userID, areaID string, detail json.RawMessage) audit.Record {
	return audit.Record{
		Actor:  actor,
		Action: action,
		UserID: userID,
		AreaID: areaID,
		Detail: detail,
	}
}

func logAuditError(action string, err error) {
	log.Printf("audit append failed for %s: %v", action, err)
}

type createRuleRequest struct {
	UserID           string `json:"user_id"`
	GeographicAreaID string `json:"geographic_area_id"`
	RuleType         string `json:"rule_type"`
}

func (s *Server) createRule(w http.ResponseWriter, r *http.Request) {
	var req createRuleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.ErrorFrom(w, err)
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		httpx.ErrorFrom(w, models.Validationf("user_id is required"))
		return
	}
	if err := models.ValidateAreaID(req.GeographicAreaID); err != nil {
		httpx.ErrorFrom(w, err)
		return
	}
	ruleType, err := models.ParseRuleType(req.RuleType)
	if err != nil {
		httpx.ErrorFrom(w, err)
		return
	}

	idemKey := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	cacheKey := ""
	if idemKey != "" && s.Cache != nil {
		cacheKey = "geoauthz:idem:" + s.actor(r) + ":" + idemKey
		if cached, err := s.Cache.Get(r.Context(), cacheKey); err == nil && cached != "" {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Idempotency-Replayed", "true")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(cached))
			return
		}
	}

	rule, err := s.Rules.Create(r.Context(), req.UserID, req.GeographicAreaID, ruleType, s.actor(r))
	if err != nil {
		httpx.ErrorFrom(w, err)
		return
	}
	s.Metrics.IncRuleOp("create", string(rule.RuleType))
	s.recordAudit(r, "rule.create", rule.UserID, rule.GeographicAreaID, map[string]string{
		"rule_id":   rule.ID,
		"rule_type": string(rule.RuleType),
	})
	s.publish(r.Context(), stream.RuleEvent(stream.EventRuleCreated, rule))

	if cacheKey != "" {
		if body, err := json.Marshal(rule); err == nil {
			ttl := s.IdempotencyTTL
			if ttl <= 0 {
				ttl = 10 * time.Minute
			}
			if err := s.Cache.Set(r.Context(), cacheKey, string(body), ttl); err != nil {
				log.Printf("idempotency cache set failed: %v", err)
			}
		}
	}
	httpx.WriteJSON(w, http.StatusCreated, rule)
}

func (s *Server) deleteRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "rule_id")
	if _, err := uuid.Parse(ruleID); err != nil {
		httpx.ErrorFrom(w, models.Validationf("rule id %q is not a valid uuid", ruleID))
		return
	}
	if err := s.Rules.Delete(r.Context(), ruleID); err != nil {
		httpx.ErrorFrom(w, err)
		return
	}
	s.Metrics.IncRuleOp("delete", "")
	s.recordAudit(r, "rule.delete", "", "", map[string]string{"rule_id": ruleID})
	s.publish(r.Context(), stream.NewEvent(stream.EventRuleDeleted, map[string]string{"rule_id": ruleID}))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listUserRules(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(chi.URLParam(r, "user_id"))
	if userID == "" {
		httpx.ErrorFrom(w, models.Validationf("user_id is required"))
		return
	}
	snap, err := s.Eval.Snapshot(r.Context(), userID)
	if err != nil {
		httpx.ErrorFrom(w, err)
		return
	}
	rules, err := s.Rules.RulesForUser(r.Context(), userID)
	if err != nil {
		httpx.ErrorFrom(w, err)
		return
	}
	access := snap.RuledAreaAccess()
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":     userID,
		"rules":       rules,
		"area_access": access,
	})
}

func (s *Server) checkAccess(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(chi.URLParam(r, "user_id"))
	areaID := chi.URLParam(r, "area_id")
	if userID == "" {
		httpx.ErrorFrom(w, models.Validationf("user_id is required"))
		return
	}
	if err := models.ValidateAreaID(areaID); err != nil {
		httpx.ErrorFrom(w, err)
		return
	}
	start := time.Now()
	lvl, err := s.Eval.Evaluate(r.Context(), userID, areaID)
	if err != nil {
		httpx.ErrorFrom(w, err)
		return
	}
	s.Metrics.ObserveEvalLatency(time.Since(start))
	s.Metrics.IncAccessLevel(string(lvl))
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":      userID,
		"area_id":      areaID,
		"access_level": lvl,
	})
}

func (s *Server) authorizationInfo(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(chi.URLParam(r, "user_id"))
	if userID == "" {
		httpx.ErrorFrom(w, models.Validationf("user_id is required"))
		return
	}
	start := time.Now()
	info, err := s.Eval.BuildInfo(r.Context(), userID)
	if err != nil {
		httpx.ErrorFrom(w, err)
		return
	}
	s.Metrics.ObserveEvalLatency(time.Since(start))
	if info.AuthorizedAreaIDs == nil {
		info.AuthorizedAreaIDs = []string{}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":             userID,
		"has_restrictions":    info.HasRestrictions,
		"authorized_area_ids": info.AuthorizedAreaIDs,
	})
}

func (s *Server) listUserAudit(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(chi.URLParam(r, "user_id"))
	if userID == "" {
		httpx.ErrorFrom(w, models.Validationf("user_id is required"))
		return
	}
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			httpx.ErrorFrom(w, models.Validationf("limit must be a non-negative integer"))
			return
		}
		limit = parsed
	}
	recs, err := s.Audit.ListForUser(r.Context(), userID, limit)
	if err != nil {
		httpx.ErrorFrom(w, fmt.Errorf("list audit records: %w", err))
		return
	}
	if recs == nil {
		recs = []audit.Record{}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"user_id": userID,
		"records": recs,
	})
}
