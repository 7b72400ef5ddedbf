// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-health/kestrel/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a repository from configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveCase stores an audit case with tenant isolation. The full facts are
// kept as JSON next to the indexed columns used by history queries.
func (r *SQLRepository) SaveCase(ctx context.Context, tenantID string, c *domain.Case) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	facts, err := json.Marshal(c.Facts)
	if err != nil {
		return fmt.Errorf("failed to marshal facts: %w", err)
	}

	query := `
		INSERT INTO cases (
			id, tenant_id, provider_id, patient_id, claim_type,
			claim_amount, currency, submitted_at, facts, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		c.ID, tenantID,
		c.Facts.ProviderID, c.Facts.PatientID, c.Facts.ClaimType,
		c.Facts.ClaimAmount, c.Facts.Currency, c.Facts.SubmittedAt,
		string(facts), c.CreatedAt,
	)
	return err
}

// GetCase retrieves a case by ID with tenant isolation.
func (r *SQLRepository) GetCase(ctx context.Context, tenantID string, caseID string) (*domain.Case, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, facts, created_at
		FROM cases
		WHERE tenant_id = ? AND id = ?
	`

	var c domain.Case
	var facts string

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, caseID).Scan(
		&c.ID, &c.TenantID, &facts, &c.CreatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(facts), &c.Facts); err != nil {
		return nil, fmt.Errorf("failed to parse case facts: %w", err)
	}

	return &c, nil
}

// CountClaimsByEntity counts cases where the entity appears as provider or
// patient inside the window.
func (r *SQLRepository) CountClaimsByEntity(ctx context.Context, tenantID string, entityID string, since time.Time) (int64, error) {
	if tenantID == "" {
		return 0, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT COUNT(*) FROM cases
		WHERE tenant_id = ?
		  AND (provider_id = ? OR patient_id = ?)
		  AND submitted_at >= ?
	`

	var count int64
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, entityID, entityID, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count claims: %w", err)
	}
	return count, nil
}

// SumClaimAmountByEntity sums claim amounts where the entity appears as
// provider or patient inside the window.
func (r *SQLRepository) SumClaimAmountByEntity(ctx context.Context, tenantID string, entityID string, since time.Time) (float64, error) {
	if tenantID == "" {
		return 0, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT COALESCE(SUM(claim_amount), 0) FROM cases
		WHERE tenant_id = ?
		  AND (provider_id = ? OR patient_id = ?)
		  AND submitted_at >= ?
	`

	var sum float64
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, entityID, entityID, since).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("failed to sum claim amounts: %w", err)
	}
	return sum, nil
}

// SaveFraudRule stores a fraud rule with tenant isolation, upserting on
// (id, tenant).
func (r *SQLRepository) SaveFraudRule(ctx context.Context, tenantID string, rule *domain.FraudIndicatorRule) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	condition, err := json.Marshal(rule.Condition)
	if err != nil {
		return fmt.Errorf("failed to marshal condition: %w", err)
	}

	active := 0
	if rule.Active {
		active = 1
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO fraud_rules (
			id, tenant_id, name, category, description, severity, rule_type,
			condition, active, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id) DO UPDATE SET
			name = excluded.name,
			category = excluded.category,
			description = excluded.description,
			severity = excluded.severity,
			rule_type = excluded.rule_type,
			condition = excluded.condition,
			active = excluded.active,
			updated_at = excluded.updated_at
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, tenantID, rule.Name, rule.Category, rule.Description,
		string(rule.Severity), string(rule.RuleType), string(condition), active,
		now, now,
	)
	return err
}

// GetFraudRule retrieves a fraud rule with tenant isolation.
func (r *SQLRepository) GetFraudRule(ctx context.Context, tenantID string, ruleID string) (*domain.FraudIndicatorRule, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, name, category, description, severity, rule_type, condition, active
		FROM fraud_rules
		WHERE tenant_id = ? AND id = ?
	`

	rule, err := scanFraudRule(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, ruleID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rule, err
}

// ListFraudRules retrieves all fraud rules for a tenant, active and
// inactive, ordered by name.
func (r *SQLRepository) ListFraudRules(ctx context.Context, tenantID string) ([]*domain.FraudIndicatorRule, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, name, category, description, severity, rule_type, condition, active
		FROM fraud_rules
		WHERE tenant_id = ?
		ORDER BY name
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*domain.FraudIndicatorRule
	for rows.Next() {
		rule, err := scanFraudRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}

	return rules, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFraudRule(row rowScanner) (*domain.FraudIndicatorRule, error) {
	var rule domain.FraudIndicatorRule
	var condition string
	var active int

	if err := row.Scan(
		&rule.ID, &rule.Name, &rule.Category, &rule.Description,
		&rule.Severity, &rule.RuleType, &condition, &active,
	); err != nil {
		return nil, err
	}

	rule.Active = active == 1
	if err := json.Unmarshal([]byte(condition), &rule.Condition); err != nil {
		return nil, fmt.Errorf("failed to parse condition for rule %s: %w", rule.ID, err)
	}

	return &rule, nil
}

// SavePipeline stores a pipeline definition with tenant isolation,
// upserting on (name, tenant).
func (r *SQLRepository) SavePipeline(ctx context.Context, tenantID string, def *domain.PipelineDefinition) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if err := def.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	definition, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("failed to marshal definition: %w", err)
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO pipelines (name, tenant_id, version, definition, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(name, tenant_id) DO UPDATE SET
			version = excluded.version,
			definition = excluded.definition,
			updated_at = excluded.updated_at
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		def.Name, tenantID, def.Version, string(definition), now, now,
	)
	return err
}

// GetPipeline retrieves a pipeline definition with tenant isolation.
func (r *SQLRepository) GetPipeline(ctx context.Context, tenantID string, name string) (*domain.PipelineDefinition, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT definition FROM pipelines
		WHERE tenant_id = ? AND name = ?
	`

	var definition string
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, name).Scan(&definition)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var def domain.PipelineDefinition
	if err := json.Unmarshal([]byte(definition), &def); err != nil {
		return nil, fmt.Errorf("failed to parse pipeline %s: %w", name, err)
	}
	return &def, nil
}

// ListPipelines retrieves all pipeline definitions for a tenant.
func (r *SQLRepository) ListPipelines(ctx context.Context, tenantID string) ([]*domain.PipelineDefinition, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT definition FROM pipelines
		WHERE tenant_id = ?
		ORDER BY name
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var defs []*domain.PipelineDefinition
	for rows.Next() {
		var definition string
		if err := rows.Scan(&definition); err != nil {
			return nil, err
		}
		var def domain.PipelineDefinition
		if err := json.Unmarshal([]byte(definition), &def); err != nil {
			return nil, fmt.Errorf("failed to parse pipeline: %w", err)
		}
		defs = append(defs, &def)
	}

	return defs, rows.Err()
}

// SaveDecision appends a decision record. There is no update path: the
// audit trail is insert-only.
func (r *SQLRepository) SaveDecision(ctx context.Context, tenantID string, d *domain.AggregateDecision) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	record, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to marshal decision: %w", err)
	}

	query := `
		INSERT INTO decisions (
			id, tenant_id, case_id, state, recommendation, confidence,
			weighted_score, timestamp, record
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		d.ID, tenantID, d.CaseID, string(d.State),
		string(d.Recommendation), string(d.Confidence),
		d.WeightedScore, d.Timestamp, string(record),
	)
	return err
}

// GetDecision retrieves a decision by ID with tenant isolation.
func (r *SQLRepository) GetDecision(ctx context.Context, tenantID string, decisionID string) (*domain.AggregateDecision, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT record FROM decisions
		WHERE tenant_id = ? AND id = ?
	`

	var record string
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, decisionID).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var d domain.AggregateDecision
	if err := json.Unmarshal([]byte(record), &d); err != nil {
		return nil, fmt.Errorf("failed to parse decision %s: %w", decisionID, err)
	}
	return &d, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
