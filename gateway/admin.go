// Copyright 2025 ModGate
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"modgate/platform/metrics"
	"modgate/platform/rules"
)

// refreshRuleCache makes a rule mutation visible before the response
// returns. Failure is not fatal; the background refresh catches up and the
// engine keeps serving the last good snapshot meanwhile.
func refreshRuleCache(ctx context.Context) {
	if err := ruleCache.Refresh(ctx); err != nil {
		gatewayLog.ErrorWithErr("", "", "Rule snapshot refresh failed after mutation", err, nil)
	}
}

// rulePayload is the admin create-rule body. Kind and region arrive as
// strings so clients may use any case.
type rulePayload struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	RuleType    string   `json:"rule_type"`
	Region      string   `json:"region"`
	Patterns    []string `json:"patterns"`
	Threshold   *float64 `json:"threshold"`
	Priority    *int     `json:"priority"`
	IsActive    *bool    `json:"is_active"`
	Blocking    *bool    `json:"blocking"`
	CreatedBy   string   `json:"created_by"`
}

// ruleUpdatePayload carries a partial update. Absent fields keep their
// stored values; the rule kind is immutable once created.
type ruleUpdatePayload struct {
	Name        *string   `json:"name"`
	Description *string   `json:"description"`
	Region      *string   `json:"region"`
	Patterns    *[]string `json:"patterns"`
	Threshold   *float64  `json:"threshold"`
	Priority    *int      `json:"priority"`
	IsActive    *bool     `json:"is_active"`
	Blocking    *bool     `json:"blocking"`
}

// listRulesHandler returns all rules, optionally filtered by rule_type,
// region, and is_active query parameters.
func listRulesHandler(w http.ResponseWriter, r *http.Request) {
	all, err := ruleStore.ListAll(r.Context())
	if err != nil {
		gatewayLog.ErrorWithErr("", "", "Failed to list rules", err, nil)
		sendGatewayError(w, "Error fetching rules", http.StatusInternalServerError)
		return
	}

	q := r.URL.Query()
	var kindFilter rules.Kind
	if v := q.Get("rule_type"); v != "" {
		kind, err := rules.ParseKind(v)
		if err != nil {
			sendGatewayError(w, err.Error(), http.StatusBadRequest)
			return
		}
		kindFilter = kind
	}
	var regionFilter rules.Region
	if v := q.Get("region"); v != "" {
		region, err := rules.ParseRegion(v)
		if err != nil {
			sendGatewayError(w, err.Error(), http.StatusBadRequest)
			return
		}
		regionFilter = region
	}
	var activeFilter *bool
	if v := q.Get("is_active"); v != "" {
		active, err := strconv.ParseBool(v)
		if err != nil {
			sendGatewayError(w, "is_active must be a boolean", http.StatusBadRequest)
			return
		}
		activeFilter = &active
	}

	filtered := make([]rules.Rule, 0, len(all))
	for _, rule := range all {
		if kindFilter != "" && rule.Kind != kindFilter {
			continue
		}
		if regionFilter != "" && rule.Region != regionFilter {
			continue
		}
		if activeFilter != nil && rule.IsActive != *activeFilter {
			continue
		}
		filtered = append(filtered, rule)
	}
	writeJSON(w, http.StatusOK, filtered)
}

// createRuleHandler persists a new rule and invalidates the snapshot so
// the engine sees it immediately.
func createRuleHandler(w http.ResponseWriter, r *http.Request) {
	var p rulePayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		sendGatewayError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	kind, err := rules.ParseKind(p.RuleType)
	if err != nil {
		sendGatewayError(w, err.Error(), http.StatusBadRequest)
		return
	}
	region := rules.RegionGlobal
	if p.Region != "" {
		if region, err = rules.ParseRegion(p.Region); err != nil {
			sendGatewayError(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	rule := rules.Rule{
		Name:        p.Name,
		Description: p.Description,
		Kind:        kind,
		Region:      region,
		Patterns:    p.Patterns,
		IsActive:    true,
		Blocking:    p.Blocking,
		CreatedBy:   p.CreatedBy,
	}
	if p.Threshold != nil {
		rule.Threshold = *p.Threshold
	} else if kind == rules.KindToxicity {
		rule.Threshold = rules.DefaultThreshold
	}
	if p.Priority != nil {
		rule.Priority = *p.Priority
	}
	if p.IsActive != nil {
		rule.IsActive = *p.IsActive
	}

	if err := rule.Validate(); err != nil {
		sendGatewayError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := ruleStore.Create(r.Context(), &rule); err != nil {
		gatewayLog.ErrorWithErr("", "", "Failed to create rule", err, map[string]interface{}{"rule_name": rule.Name})
		sendGatewayError(w, "Error creating rule", http.StatusInternalServerError)
		return
	}
	refreshRuleCache(r.Context())

	gatewayLog.Info("", "", "Rule created", map[string]interface{}{
		"rule_id":   rule.ID,
		"rule_name": rule.Name,
		"rule_type": rule.Kind.Label(),
	})
	writeJSON(w, http.StatusCreated, rule)
}

// getRuleHandler returns one rule by id.
func getRuleHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := ruleID(w, r)
	if !ok {
		return
	}
	rule, err := ruleStore.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, rules.ErrRuleNotFound) {
			sendGatewayError(w, "Rule not found", http.StatusNotFound)
			return
		}
		gatewayLog.ErrorWithErr("", "", "Failed to fetch rule", err, map[string]interface{}{"rule_id": id})
		sendGatewayError(w, "Error fetching rule", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// updateRuleHandler applies a partial update to an existing rule.
func updateRuleHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := ruleID(w, r)
	if !ok {
		return
	}
	rule, err := ruleStore.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, rules.ErrRuleNotFound) {
			sendGatewayError(w, "Rule not found", http.StatusNotFound)
			return
		}
		gatewayLog.ErrorWithErr("", "", "Failed to fetch rule", err, map[string]interface{}{"rule_id": id})
		sendGatewayError(w, "Error updating rule", http.StatusInternalServerError)
		return
	}

	var p ruleUpdatePayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		sendGatewayError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if p.Name != nil {
		rule.Name = *p.Name
	}
	if p.Description != nil {
		rule.Description = *p.Description
	}
	if p.Region != nil {
		region, err := rules.ParseRegion(*p.Region)
		if err != nil {
			sendGatewayError(w, err.Error(), http.StatusBadRequest)
			return
		}
		rule.Region = region
	}
	if p.Patterns != nil {
		rule.Patterns = *p.Patterns
	}
	if p.Threshold != nil {
		rule.Threshold = *p.Threshold
	}
	if p.Priority != nil {
		rule.Priority = *p.Priority
	}
	if p.IsActive != nil {
		rule.IsActive = *p.IsActive
	}
	if p.Blocking != nil {
		rule.Blocking = p.Blocking
	}

	if err := rule.Validate(); err != nil {
		sendGatewayError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := ruleStore.Update(r.Context(), rule); err != nil {
		if errors.Is(err, rules.ErrRuleNotFound) {
			sendGatewayError(w, "Rule not found", http.StatusNotFound)
			return
		}
		gatewayLog.ErrorWithErr("", "", "Failed to update rule", err, map[string]interface{}{"rule_id": id})
		sendGatewayError(w, "Error updating rule", http.StatusInternalServerError)
		return
	}
	refreshRuleCache(r.Context())

	gatewayLog.Info("", "", "Rule updated", map[string]interface{}{
		"rule_id":   rule.ID,
		"rule_name": rule.Name,
	})
	writeJSON(w, http.StatusOK, rule)
}

// deleteRuleHandler removes a rule.
func deleteRuleHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := ruleID(w, r)
	if !ok {
		return
	}
	if err := ruleStore.Delete(r.Context(), id); err != nil {
		if errors.Is(err, rules.ErrRuleNotFound) {
			sendGatewayError(w, "Rule not found", http.StatusNotFound)
			return
		}
		gatewayLog.ErrorWithErr("", "", "Failed to delete rule", err, map[string]interface{}{"rule_id": id})
		sendGatewayError(w, "Error deleting rule", http.StatusInternalServerError)
		return
	}
	refreshRuleCache(r.Context())

	gatewayLog.Info("", "", "Rule deleted", map[string]interface{}{"rule_id": id})
	w.WriteHeader(http.StatusNoContent)
}

func ruleID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		sendGatewayError(w, "Invalid rule id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

// auditLogEntry is one row of the audit trail as served by the admin API.
type auditLogEntry struct {
	RequestID     string          `json:"request_id"`
	Timestamp     time.Time       `json:"timestamp"`
	SessionID     string          `json:"session_id,omitempty"`
	Region        string          `json:"region"`
	UserMessage   string          `json:"user_message"`
	BotResponse   string          `json:"bot_response"`
	FinalResponse string          `json:"final_response"`
	IsFlagged     bool            `json:"is_flagged"`
	IsBlocked     bool            `json:"is_blocked"`
	Triggered     json.RawMessage `json:"triggered_rules,omitempty"`
	Scores        json.RawMessage `json:"scores,omitempty"`
	LatencyMS     float64         `json:"latency_ms"`
	Tag           string          `json:"tag,omitempty"`
}

const auditSelectColumns = `request_id, ts, session_id, region, user_message, bot_response,
	final_response, is_flagged, is_blocked, triggered_rules, scores, latency_ms, tag`

// listAuditLogsHandler returns audit records, newest first, with optional
// is_flagged/is_blocked/region/session_id filters and limit/offset paging.
func listAuditLogsHandler(w http.ResponseWriter, r *http.Request) {
	if auditDB == nil {
		sendGatewayError(w, "Audit log reads require the postgres audit backend", http.StatusServiceUnavailable)
		return
	}

	q := r.URL.Query()
	conds := make([]string, 0, 4)
	args := make([]interface{}, 0, 6)

	addBool := func(param, column string) bool {
		v := q.Get(param)
		if v == "" {
			return true
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			sendGatewayError(w, param+" must be a boolean", http.StatusBadRequest)
			return false
		}
		args = append(args, b)
		conds = append(conds, fmt.Sprintf("%s = $%d", column, len(args)))
		return true
	}
	if !addBool("is_flagged", "is_flagged") || !addBool("is_blocked", "is_blocked") {
		return
	}
	if v := q.Get("region"); v != "" {
		region, err := rules.ParseRegion(v)
		if err != nil {
			sendGatewayError(w, err.Error(), http.StatusBadRequest)
			return
		}
		args = append(args, string(region))
		conds = append(conds, fmt.Sprintf("region = $%d", len(args)))
	}
	if v := q.Get("session_id"); v != "" {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf("session_id = $%d", len(args)))
	}

	limit := 100
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			sendGatewayError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		if n > 1000 {
			n = 1000
		}
		limit = n
	}
	offset := 0
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			sendGatewayError(w, "offset must be a non-negative integer", http.StatusBadRequest)
			return
		}
		offset = n
	}

	query := "SELECT " + auditSelectColumns + " FROM moderation_audit"
	for i, c := range conds {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}
	args = append(args, limit, offset)
	query += fmt.Sprintf(" ORDER BY ts DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	start := time.Now()
	rows, err := auditDB.QueryContext(r.Context(), query, args...)
	metrics.DatabaseQueryTime.WithLabelValues("list_audit_logs").Observe(time.Since(start).Seconds())
	if err != nil {
		gatewayLog.ErrorWithErr("", "", "Failed to query audit logs", err, nil)
		sendGatewayError(w, "Error fetching audit logs", http.StatusInternalServerError)
		return
	}
	defer func() { _ = rows.Close() }()

	entries := make([]auditLogEntry, 0, limit)
	for rows.Next() {
		entry, err := scanAuditEntry(rows)
		if err != nil {
			gatewayLog.ErrorWithErr("", "", "Failed to scan audit row", err, nil)
			sendGatewayError(w, "Error fetching audit logs", http.StatusInternalServerError)
			return
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		gatewayLog.ErrorWithErr("", "", "Audit log iteration failed", err, nil)
		sendGatewayError(w, "Error fetching audit logs", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// getAuditLogHandler returns the newest audit record for a request id.
func getAuditLogHandler(w http.ResponseWriter, r *http.Request) {
	if auditDB == nil {
		sendGatewayError(w, "Audit log reads require the postgres audit backend", http.StatusServiceUnavailable)
		return
	}
	requestID := mux.Vars(r)["request_id"]

	start := time.Now()
	row := auditDB.QueryRowContext(r.Context(),
		"SELECT "+auditSelectColumns+" FROM moderation_audit WHERE request_id = $1 ORDER BY ts DESC LIMIT 1",
		requestID)
	entry, err := scanAuditEntry(row)
	metrics.DatabaseQueryTime.WithLabelValues("get_audit_log").Observe(time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			sendGatewayError(w, "Audit log not found", http.StatusNotFound)
			return
		}
		gatewayLog.ErrorWithErr("", "", "Failed to fetch audit log", err, map[string]interface{}{"request_id": requestID})
		sendGatewayError(w, "Error fetching audit log", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// statsHandler summarizes the audit trail. Unlike the per-family counters
// on /metrics this reads the persisted records, so it survives restarts.
func statsHandler(w http.ResponseWriter, r *http.Request) {
	if auditDB == nil {
		sendGatewayError(w, "Audit log reads require the postgres audit backend", http.StatusServiceUnavailable)
		return
	}

	var (
		total      int64
		flagged    int64
		blocked    int64
		avgLatency sql.NullFloat64
	)
	start := time.Now()
	err := auditDB.QueryRowContext(r.Context(), `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE is_flagged),
		       COUNT(*) FILTER (WHERE is_blocked),
		       AVG(latency_ms)
		FROM moderation_audit`).Scan(&total, &flagged, &blocked, &avgLatency)
	metrics.DatabaseQueryTime.WithLabelValues("audit_stats").Observe(time.Since(start).Seconds())
	if err != nil {
		gatewayLog.ErrorWithErr("", "", "Failed to compute stats", err, nil)
		sendGatewayError(w, "Error fetching statistics", http.StatusInternalServerError)
		return
	}

	blockRate := 0.0
	if flagged > 0 {
		blockRate = float64(blocked) / float64(flagged) * 100
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total_requests":         total,
		"total_flagged_requests": flagged,
		"blocked_requests":       blocked,
		"block_rate_of_flagged":  blockRate,
		"avg_latency_ms":         avgLatency.Float64,
	})
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAuditEntry(sc rowScanner) (auditLogEntry, error) {
	var (
		entry     auditLogEntry
		sessionID sql.NullString
		triggered []byte
		scores    []byte
	)
	err := sc.Scan(
		&entry.RequestID,
		&entry.Timestamp,
		&sessionID,
		&entry.Region,
		&entry.UserMessage,
		&entry.BotResponse,
		&entry.FinalResponse,
		&entry.IsFlagged,
		&entry.IsBlocked,
		&triggered,
		&scores,
		&entry.LatencyMS,
		&entry.Tag,
	)
	if err != nil {
		return auditLogEntry{}, err
	}
	entry.SessionID = sessionID.String
	if len(triggered) > 0 && string(triggered) != "null" {
		entry.Triggered = json.RawMessage(triggered)
	}
	if len(scores) > 0 && string(scores) != "null" {
		entry.Scores = json.RawMessage(scores)
	}
	return entry, nil
}
