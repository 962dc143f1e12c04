// Copyright 2025 ModGate
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"modgate/platform/metrics"
)

const auditColumns = "request_id, ts, session_id, region, user_message, bot_response, " +
	"final_response, is_flagged, is_blocked, triggered_rules, scores, latency_ms, tag"

const auditColumnCount = 13

const postgresAuditSchema = `
CREATE TABLE IF NOT EXISTS moderation_audit (
	id              BIGSERIAL PRIMARY KEY,
	request_id      TEXT NOT NULL,
	ts              TIMESTAMPTZ NOT NULL,
	session_id      TEXT,
	region          TEXT NOT NULL,
	user_message    TEXT NOT NULL,
	bot_response    TEXT NOT NULL,
	final_response  TEXT NOT NULL,
	is_flagged      BOOLEAN NOT NULL,
	is_blocked      BOOLEAN NOT NULL,
	triggered_rules JSONB,
	scores          JSONB,
	latency_ms      DOUBLE PRECISION NOT NULL,
	tag             TEXT NOT NULL DEFAULT ''
)`

// PostgresWriter persists audit batches with a single multi-row INSERT.
type PostgresWriter struct {
	db *sql.DB
}

// NewPostgresWriter opens the database, verifies connectivity, and ensures
// the audit table and indexes exist.
func NewPostgresWriter(ctx context.Context, dsn string) (*PostgresWriter, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping audit database: %w", err)
	}

	w := &PostgresWriter{db: db}
	if err := w.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return w, nil
}

func (w *PostgresWriter) ensureSchema(ctx context.Context) error {
	statements := []string{
		postgresAuditSchema,
		`CREATE INDEX IF NOT EXISTS idx_moderation_audit_ts ON moderation_audit (ts)`,
		`CREATE INDEX IF NOT EXISTS idx_moderation_audit_request ON moderation_audit (request_id)`,
		`CREATE INDEX IF NOT EXISTS idx_moderation_audit_session ON moderation_audit (session_id) WHERE session_id IS NOT NULL`,
	}
	for _, stmt := range statements {
		if _, err := w.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure audit schema: %w", err)
		}
	}
	return nil
}

// WriteBatch inserts every record in one statement.
func (w *PostgresWriter) WriteBatch(ctx context.Context, recs []Record) error {
	if len(recs) == 0 {
		return nil
	}
	query, args, err := buildAuditInsert(recs)
	if err != nil {
		return err
	}

	start := time.Now()
	_, err = w.db.ExecContext(ctx, query, args...)
	metrics.DatabaseQueryTime.WithLabelValues("insert_audit_batch").Observe(time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("failed to insert audit batch: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (w *PostgresWriter) Close(ctx context.Context) error {
	return w.db.Close()
}

// buildAuditInsert renders a multi-row INSERT with positional placeholders.
func buildAuditInsert(recs []Record) (string, []interface{}, error) {
	var sb strings.Builder
	sb.WriteString("INSERT INTO moderation_audit (")
	sb.WriteString(auditColumns)
	sb.WriteString(") VALUES ")

	args := make([]interface{}, 0, len(recs)*auditColumnCount)
	for i, rec := range recs {
		triggered, err := json.Marshal(rec.Triggered)
		if err != nil {
			return "", nil, fmt.Errorf("failed to marshal triggered rules for %s: %w", rec.RequestID, err)
		}
		scores, err := json.Marshal(rec.Scores)
		if err != nil {
			return "", nil, fmt.Errorf("failed to marshal scores for %s: %w", rec.RequestID, err)
		}

		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(")
		base := i * auditColumnCount
		for j := 1; j <= auditColumnCount; j++ {
			if j > 1 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", base+j)
		}
		sb.WriteString(")")

		args = append(args,
			rec.RequestID,
			rec.Timestamp,
			nullString(rec.SessionID),
			string(rec.Region),
			rec.UserMessage,
			rec.BotResponse,
			rec.FinalResponse,
			rec.IsFlagged,
			rec.IsBlocked,
			triggered,
			scores,
			rec.LatencyMS,
			rec.Tag,
		)
	}
	return sb.String(), args, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
