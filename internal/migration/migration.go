package migration

import (
	"context"

	"tcshrink/internal/errors"

	"github.com/jmoiron/sqlx"
)

// Migrator defines the interface for database migration operations
type Migrator interface {
	Run(ctx context.Context, db *sqlx.DB) error
	Version() string
}

// MigrationRunner handles database schema migrations
type MigrationRunner struct {
	version string
}

// NewRunner creates a new migration runner
func NewRunner() *MigrationRunner {
	return &MigrationRunner{
		version: "1.0.0",
	}
}

// Version returns the migration version
func (r *MigrationRunner) Version() string {
	return r.version
}

// Statements returns the DDL in the order Run applies it
func (r *MigrationRunner) Statements() []string {
	return []string{runsTable, strataTable, resultsTable, resultsIndexes}
}

// Run executes all database migrations in the correct order. Every statement
// is idempotent.
func (r *MigrationRunner) Run(ctx context.Context, db *sqlx.DB) error {
	steps := []struct {
		name string
		ddl  string
	}{
		{"shrinkage_runs table", runsTable},
		{"shrinkage_strata table", strataTable},
		{"shrinkage_results table", resultsTable},
		{"indexes", resultsIndexes},
	}
	for _, step := range steps {
		if _, err := db.ExecContext(ctx, step.ddl); err != nil {
			return errors.DatabaseError("failed to create "+step.name, err)
		}
	}
	return nil
}

const runsTable = `
	CREATE TABLE IF NOT EXISTS shrinkage_runs (
		id UUID PRIMARY KEY,
		fingerprint CHAR(64) NOT NULL,
		code_version VARCHAR(32) NOT NULL,
		settings JSONB NOT NULL,
		method VARCHAR(32) NOT NULL,
		lambda DOUBLE PRECISION NOT NULL,
		global_null_fraction DOUBLE PRECISION NOT NULL,
		input_rows INTEGER NOT NULL,
		excluded_zero INTEGER NOT NULL,
		output_rows INTEGER NOT NULL,
		clamp_below INTEGER NOT NULL DEFAULT 0,
		clamp_above INTEGER NOT NULL DEFAULT 0,
		clamp_nan INTEGER NOT NULL DEFAULT 0,
		runtime_ms BIGINT NOT NULL,
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	)
`

const strataTable = `
	CREATE TABLE IF NOT EXISTS shrinkage_strata (
		run_id UUID NOT NULL REFERENCES shrinkage_runs(id) ON DELETE CASCADE,
		time DOUBLE PRECISION NOT NULL,
		count INTEGER NOT NULL,
		null_fraction DOUBLE PRECISION NOT NULL,
		raw_null_fraction DOUBLE PRECISION NOT NULL,
		PRIMARY KEY (run_id, time)
	)
`

const resultsTable = `
	CREATE TABLE IF NOT EXISTS shrinkage_results (
		run_id UUID NOT NULL REFERENCES shrinkage_runs(id) ON DELETE CASCADE,
		row_index INTEGER NOT NULL,
		feature TEXT NOT NULL,
		condition TEXT NOT NULL,
		time DOUBLE PRECISION NOT NULL,
		value DOUBLE PRECISION NOT NULL,
		feature_variance DOUBLE PRECISION NOT NULL,
		condition_variance DOUBLE PRECISION NOT NULL,
		z_score DOUBLE PRECISION NOT NULL,
		p_value DOUBLE PRECISION NOT NULL,
		local_fdr DOUBLE PRECISION NOT NULL,
		shrunken_value DOUBLE PRECISION NOT NULL,
		clamped BOOLEAN NOT NULL DEFAULT false,
		PRIMARY KEY (run_id, row_index)
	)
`

const resultsIndexes = `
	CREATE INDEX IF NOT EXISTS idx_shrinkage_runs_fingerprint ON shrinkage_runs(fingerprint);
	CREATE INDEX IF NOT EXISTS idx_shrinkage_results_time ON shrinkage_results(run_id, time);
	CREATE INDEX IF NOT EXISTS idx_shrinkage_results_feature ON shrinkage_results(run_id, feature);
`
