package store

import (
	"context"
	"fmt"
	"time"

	log "github.com/go-pkgz/lgr"
)

// migration is a versioned set of statements applied in one transaction
type migration struct {
	version int
	name    string
	stmts   []string
}

var migrations = []migration{
	{version: 1, name: "projects, assets and generation history", stmts: []string{
		`CREATE TABLE projects (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE assets (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			type TEXT NOT NULL,
			file_path TEXT NOT NULL DEFAULT '',
			fbx_path TEXT NOT NULL DEFAULT '',
			file_size INTEGER NOT NULL DEFAULT 0,
			metadata TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX idx_assets_project ON assets(project_id)`,
		`CREATE TABLE generation_history (
			id TEXT PRIMARY KEY,
			project_id TEXT REFERENCES projects(id) ON DELETE SET NULL,
			asset_id TEXT REFERENCES assets(id) ON DELETE SET NULL,
			type TEXT NOT NULL CHECK (type IN ('mesh', 'image', 'full')),
			prompt TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL CHECK (status IN ('queued', 'processing', 'complete', 'failed')),
			retry_count INTEGER NOT NULL DEFAULT 0,
			generation_time REAL NOT NULL DEFAULT 0,
			resource_usage TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			started_at INTEGER NOT NULL DEFAULT 0,
			completed_at INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX idx_history_status ON generation_history(status, created_at)`,
	}},
	{version: 2, name: "session checkpoints", stmts: []string{
		`CREATE TABLE sessions (
			id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL,
			type TEXT NOT NULL,
			state TEXT NOT NULL,
			stage TEXT NOT NULL DEFAULT '',
			percent INTEGER NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			result TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX idx_sessions_job ON sessions(job_id)`,
	}},
	{version: 3, name: "job options and working paths", stmts: []string{
		`ALTER TABLE generation_history ADD COLUMN options TEXT NOT NULL DEFAULT ''`,
		`ALTER TABLE generation_history ADD COLUMN input_path TEXT NOT NULL DEFAULT ''`,
		`ALTER TABLE generation_history ADD COLUMN output_dir TEXT NOT NULL DEFAULT ''`,
		`CREATE INDEX idx_history_project ON generation_history(project_id)`,
	}},
}

// SchemaVersion returns the latest applied migration version, 0 for an empty database
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var version int
	if err := s.db.GetContext(ctx, &version, "SELECT COALESCE(MAX(version), 0) FROM schema_version"); err != nil {
		return 0, fmt.Errorf("failed to get schema version: %w", err)
	}
	return version, nil
}

// migrate applies every migration above the current version, each one together with its ledger row
func (s *Store) migrate(ctx context.Context, list []migration) error {
	prev := 0
	for _, m := range list {
		if m.version <= prev {
			return fmt.Errorf("migration %d (%s) is out of order after %d", m.version, m.name, prev)
		}
		prev = m.version
	}

	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at INTEGER NOT NULL
	)`); err != nil {
		return fmt.Errorf("failed to create schema_version: %w", err)
	}

	current, err := s.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	if current > prev {
		return fmt.Errorf("database schema version %d is newer than supported %d", current, prev)
	}

	for _, m := range list {
		if m.version <= current {
			continue
		}
		if err := s.applyMigration(ctx, m); err != nil {
			return err
		}
		log.Printf("[INFO] applied migration %d, %s", m.version, m.name)
	}
	return nil
}

func (s *Store) applyMigration(ctx context.Context, m migration) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin migration %d: %w", m.version, err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	for _, stmt := range m.stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", m.version, m.name, err)
		}
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version, name, applied_at) VALUES (?, ?, ?)",
		m.version, m.name, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("failed to record migration %d: %w", m.version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration %d: %w", m.version, err)
	}
	return nil
}
