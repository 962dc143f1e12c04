// Copyright 2025 ModGate
// SPDX-License-Identifier: Apache-2.0

package rules

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"regexp"
	"time"

	"modgate/platform/metrics"
)

// ErrRuleNotFound is returned when a rule id does not exist or was
// already deactivated.
var ErrRuleNotFound = errors.New("rule not found")

// Store is the persistence surface shared by the snapshot cache, the
// admin handlers, and the modctl CLI.
type Store interface {
	// ListActive returns active rules ordered by priority descending.
	// The snapshot cache calls this exactly once per refresh.
	ListActive(ctx context.Context) ([]Rule, error)

	// ListAll returns every rule, active or not, for the admin surface.
	ListAll(ctx context.Context) ([]Rule, error)

	// Get returns a single rule by id.
	Get(ctx context.Context, id int64) (*Rule, error)

	// Create validates and inserts a rule, filling in its id and timestamps.
	Create(ctx context.Context, r *Rule) error

	// Update validates and rewrites an existing rule.
	Update(ctx context.Context, r *Rule) error

	// Delete deactivates a rule. Rows are kept for audit history.
	Delete(ctx context.Context, id int64) error
}

// Supported SQL drivers.
const (
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
)

// SQLStore implements Store on PostgreSQL (the default) or MySQL.
// Queries are written with PostgreSQL placeholders and rebound for MySQL.
type SQLStore struct {
	db     *sql.DB
	driver string
}

// NewSQLStore wraps an open database handle. driver must be
// DriverPostgres or DriverMySQL.
func NewSQLStore(db *sql.DB, driver string) (*SQLStore, error) {
	switch driver {
	case DriverPostgres, DriverMySQL:
	default:
		return nil, fmt.Errorf("unsupported rule store driver %q", driver)
	}
	return &SQLStore{db: db, driver: driver}, nil
}

var placeholderPattern = regexp.MustCompile(`\$\d+`)

// rebind converts $N placeholders to ? for MySQL.
func (s *SQLStore) rebind(query string) string {
	if s.driver == DriverMySQL {
		return placeholderPattern.ReplaceAllString(query, "?")
	}
	return query
}

const ruleColumns = `id, name, description, rule_type, region, patterns, threshold, priority, is_active, blocking, created_by, created_at, updated_at`

// ListActive returns active rules ordered by priority descending, then id
// for a stable order between rules of equal priority.
func (s *SQLStore) ListActive(ctx context.Context) ([]Rule, error) {
	start := time.Now()
	defer func() {
		metrics.DatabaseQueryTime.WithLabelValues("list_active_rules").Observe(time.Since(start).Seconds())
	}()

	query := `SELECT ` + ruleColumns + `
		FROM moderation_rules
		WHERE is_active = true
		ORDER BY priority DESC, id ASC`

	return s.list(ctx, s.rebind(query))
}

// ListAll returns every rule ordered by priority descending.
func (s *SQLStore) ListAll(ctx context.Context) ([]Rule, error) {
	start := time.Now()
	defer func() {
		metrics.DatabaseQueryTime.WithLabelValues("list_all_rules").Observe(time.Since(start).Seconds())
	}()

	query := `SELECT ` + ruleColumns + `
		FROM moderation_rules
		ORDER BY priority DESC, id ASC`

	return s.list(ctx, s.rebind(query))
}

func (s *SQLStore) list(ctx context.Context, query string) ([]Rule, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var rules []Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read rules: %w", err)
	}
	return rules, nil
}

// Get returns a single rule by id.
func (s *SQLStore) Get(ctx context.Context, id int64) (*Rule, error) {
	start := time.Now()
	defer func() {
		metrics.DatabaseQueryTime.WithLabelValues("get_rule").Observe(time.Since(start).Seconds())
	}()

	query := s.rebind(`SELECT ` + ruleColumns + ` FROM moderation_rules WHERE id = $1`)

	row := s.db.QueryRowContext(ctx, query, id)
	r, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRuleNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// Create validates and inserts a rule. The rule's ID, CreatedAt and
// UpdatedAt are filled in on success.
func (s *SQLStore) Create(ctx context.Context, r *Rule) error {
	if err := r.Validate(); err != nil {
		return err
	}

	start := time.Now()
	defer func() {
		metrics.DatabaseQueryTime.WithLabelValues("create_rule").Observe(time.Since(start).Seconds())
	}()

	now := time.Now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now
	if r.CreatedBy == "" {
		r.CreatedBy = "admin"
	}

	patterns, err := marshalPatterns(r.Patterns)
	if err != nil {
		return err
	}

	if s.driver == DriverPostgres {
		query := `INSERT INTO moderation_rules
			(name, description, rule_type, region, patterns, threshold, priority, is_active, blocking, created_by, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			RETURNING id`
		err := s.db.QueryRowContext(ctx, query,
			r.Name, r.Description, string(r.Kind), string(r.Region), patterns,
			r.Threshold, r.Priority, r.IsActive, nullBool(r.Blocking), r.CreatedBy, r.CreatedAt, r.UpdatedAt,
		).Scan(&r.ID)
		if err != nil {
			return fmt.Errorf("failed to insert rule: %w", err)
		}
		return nil
	}

	query := s.rebind(`INSERT INTO moderation_rules
		(name, description, rule_type, region, patterns, threshold, priority, is_active, blocking, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`)
	res, err := s.db.ExecContext(ctx, query,
		r.Name, r.Description, string(r.Kind), string(r.Region), patterns,
		r.Threshold, r.Priority, r.IsActive, nullBool(r.Blocking), r.CreatedBy, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert rule: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read inserted rule id: %w", err)
	}
	r.ID = id
	return nil
}

// Update validates and rewrites an existing rule. UpdatedAt is bumped.
func (s *SQLStore) Update(ctx context.Context, r *Rule) error {
	if err := r.Validate(); err != nil {
		return err
	}

	start := time.Now()
	defer func() {
		metrics.DatabaseQueryTime.WithLabelValues("update_rule").Observe(time.Since(start).Seconds())
	}()

	r.UpdatedAt = time.Now().UTC()

	patterns, err := marshalPatterns(r.Patterns)
	if err != nil {
		return err
	}

	query := s.rebind(`UPDATE moderation_rules SET
		name = $1, description = $2, rule_type = $3, region = $4, patterns = $5,
		threshold = $6, priority = $7, is_active = $8, blocking = $9, updated_at = $10
		WHERE id = $11`)

	res, err := s.execWithRetry(ctx, query,
		r.Name, r.Description, string(r.Kind), string(r.Region), patterns,
		r.Threshold, r.Priority, r.IsActive, nullBool(r.Blocking), r.UpdatedAt, r.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return ErrRuleNotFound
	}
	return nil
}

// Delete deactivates a rule instead of removing the row so audit records
// that reference it stay resolvable.
func (s *SQLStore) Delete(ctx context.Context, id int64) error {
	start := time.Now()
	defer func() {
		metrics.DatabaseQueryTime.WithLabelValues("delete_rule").Observe(time.Since(start).Seconds())
	}()

	query := s.rebind(`UPDATE moderation_rules SET is_active = false, updated_at = $1 WHERE id = $2 AND is_active = true`)

	res, err := s.execWithRetry(ctx, query, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return ErrRuleNotFound
	}
	return nil
}

// execWithRetry executes a database write with exponential backoff retry.
func (s *SQLStore) execWithRetry(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	maxRetries := 3
	baseDelay := 100 * time.Millisecond

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err == nil {
			return res, nil
		}

		lastErr = err
		if ctx.Err() != nil {
			return nil, lastErr
		}
		if attempt < maxRetries-1 {
			delay := baseDelay * time.Duration(1<<uint(attempt)) // Exponential: 100ms, 200ms, 400ms
			log.Printf("Rule store write failed (attempt %d/%d), retrying in %v: %v",
				attempt+1, maxRetries, delay, err)
			time.Sleep(delay)
		}
	}

	log.Printf("Rule store write failed after %d attempts: %v", maxRetries, lastErr)
	return nil, lastErr
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRule(sc scanner) (Rule, error) {
	var (
		r         Rule
		kind      string
		region    string
		patterns  []byte
		blocking  sql.NullBool
		createdBy sql.NullString
	)

	err := sc.Scan(&r.ID, &r.Name, &r.Description, &kind, &region, &patterns,
		&r.Threshold, &r.Priority, &r.IsActive, &blocking, &createdBy, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return Rule{}, err
	}

	r.Kind = Kind(kind)
	r.Region = Region(region)
	if blocking.Valid {
		b := blocking.Bool
		r.Blocking = &b
	}
	if createdBy.Valid {
		r.CreatedBy = createdBy.String
	}
	if len(patterns) > 0 {
		if err := json.Unmarshal(patterns, &r.Patterns); err != nil {
			return Rule{}, fmt.Errorf("rule %d has malformed patterns: %w", r.ID, err)
		}
	}
	return r, nil
}

// marshalPatterns stores patterns as a JSON array so the same text column
// works on both drivers.
func marshalPatterns(patterns []string) ([]byte, error) {
	if patterns == nil {
		patterns = []string{}
	}
	b, err := json.Marshal(patterns)
	if err != nil {
		return nil, fmt.Errorf("failed to encode patterns: %w", err)
	}
	return b, nil
}

func nullBool(b *bool) sql.NullBool {
	if b == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *b, Valid: true}
}

// EnsureSchema creates the moderation_rules table and its indexes when
// they do not exist yet.
func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	var ddl []string
	if s.driver == DriverPostgres {
		ddl = []string{
			`CREATE TABLE IF NOT EXISTS moderation_rules (
				id BIGSERIAL PRIMARY KEY,
				name TEXT NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				rule_type TEXT NOT NULL,
				region TEXT NOT NULL DEFAULT 'GLOBAL',
				patterns TEXT NOT NULL DEFAULT '[]',
				threshold DOUBLE PRECISION NOT NULL DEFAULT 0.7,
				priority INTEGER NOT NULL DEFAULT 0,
				is_active BOOLEAN NOT NULL DEFAULT true,
				blocking BOOLEAN,
				created_by TEXT NOT NULL DEFAULT 'system',
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`,
			`CREATE INDEX IF NOT EXISTS idx_moderation_rules_active
				ON moderation_rules (is_active, priority DESC)`,
			`CREATE INDEX IF NOT EXISTS idx_moderation_rules_region
				ON moderation_rules (region)`,
		}
	} else {
		ddl = []string{
			`CREATE TABLE IF NOT EXISTS moderation_rules (
				id BIGINT AUTO_INCREMENT PRIMARY KEY,
				name VARCHAR(255) NOT NULL,
				description TEXT,
				rule_type VARCHAR(32) NOT NULL,
				region VARCHAR(16) NOT NULL DEFAULT 'GLOBAL',
				patterns TEXT,
				threshold DOUBLE NOT NULL DEFAULT 0.7,
				priority INT NOT NULL DEFAULT 0,
				is_active BOOLEAN NOT NULL DEFAULT true,
				blocking BOOLEAN,
				created_by VARCHAR(255) NOT NULL DEFAULT 'system',
				created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
				updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
				INDEX idx_moderation_rules_active (is_active, priority DESC),
				INDEX idx_moderation_rules_region (region)
			)`,
		}
	}

	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure rule schema: %w", err)
		}
	}
	return nil
}
