// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
// All methods require tenantID for strict multi-tenancy isolation.
type Repository interface {
	// Transaction window operations
	SaveTransactions(ctx context.Context, tenantID string, txs []*Transaction) error
	ListTransactions(ctx context.Context, tenantID string, scopeID string, from, to time.Time) ([]*Transaction, error)
	ListScopes(ctx context.Context, tenantID string, from, to time.Time) ([]string, error)

	// Actor directory (display only)
	SaveActor(ctx context.Context, tenantID string, actor *ActorProfile) error
	GetActor(ctx context.Context, tenantID string, actorID string) (*ActorProfile, error)

	// Scan output
	SaveFindings(ctx context.Context, tenantID string, runID string, findings []Finding) error
	// SaveConsolidated stores a consolidated finding once per (run, actor, scope).
	// It reports false when the record already existed.
	SaveConsolidated(ctx context.Context, tenantID string, cf *ConsolidatedFinding) (bool, error)
	GetConsolidatedID(ctx context.Context, tenantID, runID, actorID, scopeID string) (string, error)
	SaveScanRun(ctx context.Context, tenantID string, run *ScanResult) error
	GetScanRun(ctx context.Context, tenantID string, runID string) (*ScanResult, error)

	// Case operations
	CreateCase(ctx context.Context, tenantID string, c *Case, audit []AuditLogEntry) error
	GetCase(ctx context.Context, tenantID string, caseID string) (*Case, error)
	ListCases(ctx context.Context, tenantID string, filter CaseFilter) ([]*Case, error)
	// FindCases returns every case about an actor in a scope, newest first.
	FindCases(ctx context.Context, tenantID string, actorID, scopeID, caseType string) ([]*Case, error)
	// CommitCase applies a change only if the stored version still equals
	// change.Case.Version, returning ErrConflict otherwise. It returns the new version.
	CommitCase(ctx context.Context, tenantID string, change *CaseChange) (int, error)
	GetActionCaseID(ctx context.Context, tenantID string, actionID string) (string, error)
	GetEvidenceCaseID(ctx context.Context, tenantID string, evidenceID string) (string, error)
	ListAuditLog(ctx context.Context, tenantID string, caseID string) ([]AuditLogEntry, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `json:"driver" mapstructure:"driver"`

	// SQLite specific
	SQLitePath string `json:"sqlitePath" mapstructure:"sqlite_path"`

	// PostgreSQL specific
	PostgresHost     string `json:"postgresHost" mapstructure:"postgres_host"`
	PostgresPort     int    `json:"postgresPort" mapstructure:"postgres_port"`
	PostgresUser     string `json:"postgresUser" mapstructure:"postgres_user"`
	PostgresPassword string `json:"-" mapstructure:"postgres_password"`
	PostgresDB       string `json:"postgresDb" mapstructure:"postgres_db"`
	PostgresSSLMode  string `json:"postgresSslMode" mapstructure:"postgres_sslmode"`

	// Connection pool settings
	MaxOpenConns    int           `json:"maxOpenConns" mapstructure:"max_open_conns"`
	MaxIdleConns    int           `json:"maxIdleConns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"connMaxLifetime" mapstructure:"conn_max_lifetime"`
}
