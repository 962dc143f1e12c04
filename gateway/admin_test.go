// Copyright 2025 ModGate
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modgate/platform/rules"
)

func adminRequest(t *testing.T, router *mux.Router, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.Header.Set("Authorization", "Bearer "+serviceToken(t, testJWTSecret, "admin-test"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestAdminEndpointsRequireToken(t *testing.T) {
	router, _ := newTestGateway(t, nil, &scriptedProvider{reply: "ok"})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/rules", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/admin/rules", nil)
	req.Header.Set("Authorization", "Bearer "+serviceToken(t, "wrong-secret", "intruder"))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateRule(t *testing.T) {
	router, _ := newTestGateway(t, nil, &scriptedProvider{reply: "ok"})

	rec := adminRequest(t, router, http.MethodPost, "/api/v1/admin/rules",
		`{"name": "Crypto Scam Detection", "rule_type": "keyword", "patterns": ["send bitcoin"], "priority": 75}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created rules.Rule
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, int64(1), created.ID)
	assert.Equal(t, rules.KindKeyword, created.Kind)
	assert.Equal(t, rules.RegionGlobal, created.Region)
	assert.True(t, created.IsActive)
	assert.Equal(t, 75, created.Priority)

	// The mutation is visible to the engine before the response returns.
	assert.Len(t, ruleCache.ForRegion(rules.RegionGlobal), 1)
}

func TestCreateRuleDefaultsToxicityThreshold(t *testing.T) {
	router, _ := newTestGateway(t, nil, &scriptedProvider{reply: "ok"})

	rec := adminRequest(t, router, http.MethodPost, "/api/v1/admin/rules",
		`{"name": "Toxicity Screen", "rule_type": "toxicity"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created rules.Rule
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, rules.DefaultThreshold, created.Threshold)
}

func TestCreateRuleRejectsBadPayloads(t *testing.T) {
	router, store := newTestGateway(t, nil, &scriptedProvider{reply: "ok"})

	cases := []struct {
		name string
		body string
	}{
		{"malformed json", `{"name": `},
		{"unknown kind", `{"name": "X", "rule_type": "telepathy"}`},
		{"unknown region", `{"name": "X", "rule_type": "pii", "region": "MOON"}`},
		{"keyword without patterns", `{"name": "X", "rule_type": "keyword"}`},
		{"missing name", `{"rule_type": "pii"}`},
		{"invalid regex", `{"name": "X", "rule_type": "regex", "patterns": ["("]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := adminRequest(t, router, http.MethodPost, "/api/v1/admin/rules", tc.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
	all, err := store.ListAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestCreateRuleStoreFailure(t *testing.T) {
	router, store := newTestGateway(t, nil, &scriptedProvider{reply: "ok"})
	store.err = errors.New("connection reset")

	rec := adminRequest(t, router, http.MethodPost, "/api/v1/admin/rules",
		`{"name": "PII Screen", "rule_type": "pii"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "Error creating rule")
}

func TestListRulesFilters(t *testing.T) {
	seed := []rules.Rule{
		activePIIRule(),
		keywordRule("EU Crypto Watch", rules.RegionEU, "crypto"),
		{Name: "Old Financial Screen", Kind: rules.KindFinancial, Region: rules.RegionGlobal, Priority: 10},
	}
	router, _ := newTestGateway(t, seed, &scriptedProvider{reply: "ok"})

	decode := func(rec *httptest.ResponseRecorder) []rules.Rule {
		t.Helper()
		require.Equal(t, http.StatusOK, rec.Code)
		var out []rules.Rule
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
		return out
	}

	assert.Len(t, decode(adminRequest(t, router, http.MethodGet, "/api/v1/admin/rules", "")), 3)
	assert.Len(t, decode(adminRequest(t, router, http.MethodGet, "/api/v1/admin/rules?rule_type=pii", "")), 1)
	assert.Len(t, decode(adminRequest(t, router, http.MethodGet, "/api/v1/admin/rules?region=eu", "")), 1)
	assert.Len(t, decode(adminRequest(t, router, http.MethodGet, "/api/v1/admin/rules?is_active=false", "")), 1)

	rec := adminRequest(t, router, http.MethodGet, "/api/v1/admin/rules?rule_type=telepathy", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = adminRequest(t, router, http.MethodGet, "/api/v1/admin/rules?is_active=banana", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListRulesStoreFailure(t *testing.T) {
	router, store := newTestGateway(t, nil, &scriptedProvider{reply: "ok"})
	store.err = errors.New("connection reset")

	rec := adminRequest(t, router, http.MethodGet, "/api/v1/admin/rules", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "Error fetching rules")
}

func TestGetRule(t *testing.T) {
	router, _ := newTestGateway(t, []rules.Rule{activePIIRule()}, &scriptedProvider{reply: "ok"})

	rec := adminRequest(t, router, http.MethodGet, "/api/v1/admin/rules/1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got rules.Rule
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "PII Detection", got.Name)

	rec = adminRequest(t, router, http.MethodGet, "/api/v1/admin/rules/999", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "Rule not found")
}

func TestUpdateRule(t *testing.T) {
	router, _ := newTestGateway(t,
		[]rules.Rule{keywordRule("Crypto Watch", rules.RegionGlobal, "crypto")},
		&scriptedProvider{reply: "ok"})

	rec := adminRequest(t, router, http.MethodPut, "/api/v1/admin/rules/1",
		`{"name": "Crypto Scam Watch", "blocking": true, "priority": 99}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var updated rules.Rule
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &updated))
	assert.Equal(t, "Crypto Scam Watch", updated.Name)
	assert.Equal(t, rules.KindKeyword, updated.Kind)
	assert.Equal(t, []string{"crypto"}, updated.Patterns)
	assert.Equal(t, 99, updated.Priority)
	require.NotNil(t, updated.Blocking)
	assert.True(t, *updated.Blocking)
}

func TestUpdateRuleValidation(t *testing.T) {
	router, _ := newTestGateway(t,
		[]rules.Rule{keywordRule("Crypto Watch", rules.RegionGlobal, "crypto")},
		&scriptedProvider{reply: "ok"})

	rec := adminRequest(t, router, http.MethodPut, "/api/v1/admin/rules/1", `{"patterns": []}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = adminRequest(t, router, http.MethodPut, "/api/v1/admin/rules/1", `{"region": "MOON"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = adminRequest(t, router, http.MethodPut, "/api/v1/admin/rules/999", `{"name": "X"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteRule(t *testing.T) {
	router, _ := newTestGateway(t, []rules.Rule{activePIIRule()}, &scriptedProvider{reply: "ok"})
	require.Len(t, ruleCache.ForRegion(rules.RegionGlobal), 1)

	rec := adminRequest(t, router, http.MethodDelete, "/api/v1/admin/rules/1", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Body.String())
	assert.Empty(t, ruleCache.ForRegion(rules.RegionGlobal))

	// Deactivating twice reports not found, matching the SQL store.
	rec = adminRequest(t, router, http.MethodDelete, "/api/v1/admin/rules/1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func newAuditMock(t *testing.T) sqlmock.Sqlmock {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	auditDB = db
	t.Cleanup(func() {
		auditDB = nil
		_ = db.Close()
	})
	return mock
}

func auditRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"request_id", "ts", "session_id", "region", "user_message", "bot_response",
		"final_response", "is_flagged", "is_blocked", "triggered_rules", "scores", "latency_ms", "tag",
	})
}

func TestAuditEndpointsWithoutPostgresBackend(t *testing.T) {
	router, _ := newTestGateway(t, nil, &scriptedProvider{reply: "ok"})

	for _, path := range []string{
		"/api/v1/admin/audit-logs",
		"/api/v1/admin/audit-logs/req-1",
		"/api/v1/admin/stats",
	} {
		rec := adminRequest(t, router, http.MethodGet, path, "")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, path)
		assert.Contains(t, rec.Body.String(), "postgres audit backend")
	}
}

func TestListAuditLogs(t *testing.T) {
	router, _ := newTestGateway(t, nil, &scriptedProvider{reply: "ok"})
	mock := newAuditMock(t)

	now := time.Now().UTC()
	mock.ExpectQuery(`FROM moderation_audit ORDER BY ts DESC LIMIT \$1 OFFSET \$2`).
		WithArgs(100, 0).
		WillReturnRows(auditRows().
			AddRow("req-1", now, "sess-1", "GLOBAL", "question", "answer", "answer",
				true, false, []byte(`[{"rule_id":1}]`), []byte(`{"toxicity":0.42}`), 12.5, "").
			AddRow("req-2", now.Add(-time.Minute), nil, "EU", "q2", "a2", "a2",
				false, false, []byte(`null`), []byte(`null`), 3.25, ""))

	rec := adminRequest(t, router, http.MethodGet, "/api/v1/admin/audit-logs", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var entries []auditLogEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 2)
	assert.Equal(t, "req-1", entries[0].RequestID)
	assert.Equal(t, "sess-1", entries[0].SessionID)
	assert.True(t, entries[0].IsFlagged)
	assert.JSONEq(t, `[{"rule_id":1}]`, string(entries[0].Triggered))
	assert.Empty(t, entries[1].SessionID)
	assert.Nil(t, entries[1].Triggered)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListAuditLogsFilters(t *testing.T) {
	router, _ := newTestGateway(t, nil, &scriptedProvider{reply: "ok"})
	mock := newAuditMock(t)

	mock.ExpectQuery(`FROM moderation_audit WHERE is_flagged = \$1 AND region = \$2 ORDER BY ts DESC LIMIT \$3 OFFSET \$4`).
		WithArgs(true, "EU", 5, 10).
		WillReturnRows(auditRows())

	rec := adminRequest(t, router, http.MethodGet,
		"/api/v1/admin/audit-logs?is_flagged=true&region=eu&limit=5&offset=10", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]\n", rec.Body.String())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListAuditLogsRejectsBadParams(t *testing.T) {
	router, _ := newTestGateway(t, nil, &scriptedProvider{reply: "ok"})
	newAuditMock(t)

	for _, path := range []string{
		"/api/v1/admin/audit-logs?is_flagged=banana",
		"/api/v1/admin/audit-logs?is_blocked=banana",
		"/api/v1/admin/audit-logs?region=MOON",
		"/api/v1/admin/audit-logs?limit=0",
		"/api/v1/admin/audit-logs?limit=abc",
		"/api/v1/admin/audit-logs?offset=-1",
	} {
		rec := adminRequest(t, router, http.MethodGet, path, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, path)
	}
}

func TestGetAuditLog(t *testing.T) {
	router, _ := newTestGateway(t, nil, &scriptedProvider{reply: "ok"})
	mock := newAuditMock(t)

	mock.ExpectQuery(`FROM moderation_audit WHERE request_id = \$1 ORDER BY ts DESC LIMIT 1`).
		WithArgs("req-9").
		WillReturnRows(auditRows().
			AddRow("req-9", time.Now().UTC(), nil, "US", "q", "a", "blocked reply",
				true, true, []byte(`[]`), []byte(`{}`), 21.0, "engine_error"))

	rec := adminRequest(t, router, http.MethodGet, "/api/v1/admin/audit-logs/req-9", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var entry auditLogEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entry))
	assert.Equal(t, "req-9", entry.RequestID)
	assert.True(t, entry.IsBlocked)
	assert.Equal(t, "engine_error", entry.Tag)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetAuditLogNotFound(t *testing.T) {
	router, _ := newTestGateway(t, nil, &scriptedProvider{reply: "ok"})
	mock := newAuditMock(t)

	mock.ExpectQuery(`FROM moderation_audit WHERE request_id = \$1 ORDER BY ts DESC LIMIT 1`).
		WithArgs("req-404").
		WillReturnError(sql.ErrNoRows)

	rec := adminRequest(t, router, http.MethodGet, "/api/v1/admin/audit-logs/req-404", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "Audit log not found")
}

func TestStats(t *testing.T) {
	router, _ := newTestGateway(t, nil, &scriptedProvider{reply: "ok"})
	mock := newAuditMock(t)

	mock.ExpectQuery(`(?s)SELECT COUNT\(\*\),.+FROM moderation_audit`).
		WillReturnRows(sqlmock.NewRows([]string{"total", "flagged", "blocked", "avg"}).
			AddRow(10, 4, 2, 123.5))

	rec := adminRequest(t, router, http.MethodGet, "/api/v1/admin/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var stats map[string]float64
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.EqualValues(t, 10, stats["total_requests"])
	assert.EqualValues(t, 4, stats["total_flagged_requests"])
	assert.EqualValues(t, 2, stats["blocked_requests"])
	assert.EqualValues(t, 50, stats["block_rate_of_flagged"])
	assert.EqualValues(t, 123.5, stats["avg_latency_ms"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStatsEmptyTrail(t *testing.T) {
	router, _ := newTestGateway(t, nil, &scriptedProvider{reply: "ok"})
	mock := newAuditMock(t)

	mock.ExpectQuery(`(?s)SELECT COUNT\(\*\),.+FROM moderation_audit`).
		WillReturnRows(sqlmock.NewRows([]string{"total", "flagged", "blocked", "avg"}).
			AddRow(0, 0, 0, nil))

	rec := adminRequest(t, router, http.MethodGet, "/api/v1/admin/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var stats map[string]float64
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Zero(t, stats["total_requests"])
	assert.Zero(t, stats["block_rate_of_flagged"])
	assert.Zero(t, stats["avg_latency_ms"])
}
