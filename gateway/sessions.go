// Copyright 2025 ModGate
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"modgate/platform/chatbot"
	"modgate/platform/metrics"
)

// sessionStore persists chat sessions and their messages so a session_id
// carries conversation context across requests. The stored assistant turn
// is the delivered reply: a blocked exchange replays its fallback message,
// never the original response.
type sessionStore struct {
	db           *sql.DB
	historyLimit int
}

func newSessionStore(db *sql.DB, historyLimit int) *sessionStore {
	if historyLimit <= 0 {
		historyLimit = 10
	}
	return &sessionStore{db: db, historyLimit: historyLimit}
}

func (s *sessionStore) ensureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS chat_sessions (
			session_id    TEXT PRIMARY KEY,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
			last_active   TIMESTAMPTZ NOT NULL DEFAULT now(),
			message_count INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS chat_messages (
			id         BIGSERIAL PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES chat_sessions(session_id) ON DELETE CASCADE,
			role       TEXT NOT NULL,
			content    TEXT NOT NULL,
			request_id TEXT,
			is_flagged BOOLEAN NOT NULL DEFAULT FALSE,
			is_blocked BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chat_messages_session ON chat_messages (session_id, id)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure session schema: %w", err)
		}
	}
	return nil
}

// Touch creates the session row on first use and bumps last_active.
func (s *sessionStore) Touch(ctx context.Context, sessionID string) error {
	start := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_sessions (session_id) VALUES ($1)
		ON CONFLICT (session_id) DO UPDATE SET last_active = now()`,
		sessionID)
	metrics.DatabaseQueryTime.WithLabelValues("session_touch").Observe(time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("failed to touch session %s: %w", sessionID, err)
	}
	return nil
}

// History returns the most recent turns of the conversation, oldest first,
// bounded by the configured history limit.
func (s *sessionStore) History(ctx context.Context, sessionID string) ([]chatbot.Turn, error) {
	start := time.Now()
	rows, err := s.db.QueryContext(ctx, `
		SELECT role, content FROM chat_messages
		WHERE session_id = $1
		ORDER BY id DESC
		LIMIT $2`,
		sessionID, s.historyLimit)
	metrics.DatabaseQueryTime.WithLabelValues("session_history").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("failed to load session history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var turns []chatbot.Turn
	for rows.Next() {
		var t chatbot.Turn
		if err := rows.Scan(&t.Role, &t.Content); err != nil {
			return nil, fmt.Errorf("failed to scan session message: %w", err)
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate session history: %w", err)
	}

	// The query reads newest-first; providers want oldest-first.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// RecordExchange appends the user message and the delivered reply in one
// transaction. The reply row carries the moderation marks.
func (s *sessionStore) RecordExchange(ctx context.Context, sessionID, requestID, userMessage, finalResponse string, flagged, blocked bool) error {
	start := time.Now()
	defer func() {
		metrics.DatabaseQueryTime.WithLabelValues("session_record").Observe(time.Since(start).Seconds())
	}()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin session transaction: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO chat_messages (session_id, role, content, request_id)
		VALUES ($1, $2, $3, $4)`,
		sessionID, chatbot.RoleUser, userMessage, requestID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to record user message: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO chat_messages (session_id, role, content, request_id, is_flagged, is_blocked)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		sessionID, chatbot.RoleAssistant, finalResponse, requestID, flagged, blocked); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to record assistant message: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE chat_sessions
		SET last_active = now(), message_count = message_count + 2
		WHERE session_id = $1`,
		sessionID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to update session counters: %w", err)
	}
	return tx.Commit()
}
