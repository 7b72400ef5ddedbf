package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
// All methods require tenantID for strict multi-tenancy isolation.
// Decisions are append-only: they are written once and never updated.
type Repository interface {
	// Case operations
	SaveCase(ctx context.Context, tenantID string, c *Case) error
	GetCase(ctx context.Context, tenantID string, caseID string) (*Case, error)

	// History queries backing volume/temporal/statistical enrichment
	CountClaimsByEntity(ctx context.Context, tenantID string, entityID string, since time.Time) (int64, error)
	SumClaimAmountByEntity(ctx context.Context, tenantID string, entityID string, since time.Time) (float64, error)

	// Fraud rule operations
	SaveFraudRule(ctx context.Context, tenantID string, rule *FraudIndicatorRule) error
	GetFraudRule(ctx context.Context, tenantID string, ruleID string) (*FraudIndicatorRule, error)
	ListFraudRules(ctx context.Context, tenantID string) ([]*FraudIndicatorRule, error)

	// Pipeline definition operations
	SavePipeline(ctx context.Context, tenantID string, def *PipelineDefinition) error
	GetPipeline(ctx context.Context, tenantID string, name string) (*PipelineDefinition, error)
	ListPipelines(ctx context.Context, tenantID string) ([]*PipelineDefinition, error)

	// Audit decisions (append-only)
	SaveDecision(ctx context.Context, tenantID string, d *AggregateDecision) error
	GetDecision(ctx context.Context, tenantID string, decisionID string) (*AggregateDecision, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
