package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// latestVersion is the schema version Migrate brings a database to.
const latestVersion = 1

// Migrate applies pending schema migrations. It is safe to call more than once.
func (d *DB) Migrate(ctx context.Context) error {
	if _, err := d.exec(ctx, `
CREATE TABLE IF NOT EXISTS ephost_schema_migrations (
  version BIGINT PRIMARY KEY,
  applied_at_ns BIGINT NOT NULL
)`); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	cur, err := d.currentVersion(ctx)
	if err != nil {
		return err
	}
	for v := cur + 1; v <= latestVersion; v++ {
		if err := d.apply(ctx, v); err != nil {
			return err
		}
	}

	return nil
}

func (d *DB) currentVersion(ctx context.Context) (int, error) {
	var v sql.NullInt64
	if err := d.queryRow(ctx, `SELECT MAX(version) FROM ephost_schema_migrations`).Scan(&v); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	if !v.Valid {
		return 0, nil
	}

	return int(v.Int64), nil
}

func (d *DB) apply(ctx context.Context, version int) error {
	tx, err := d.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var statements []string
	switch version {
	case 1:
		statements = []string{
			`CREATE TABLE IF NOT EXISTS ephost_stores (
  name TEXT PRIMARY KEY,
  created_at_ns BIGINT NOT NULL
)`,
			`CREATE TABLE IF NOT EXISTS ephost_leases (
  partition_id TEXT PRIMARY KEY,
  owner TEXT NOT NULL DEFAULT '',
  token TEXT NOT NULL DEFAULT '',
  epoch BIGINT NOT NULL DEFAULT 0,
  expires_at_ns BIGINT NOT NULL DEFAULT 0,
  checkpoint_offset TEXT NOT NULL DEFAULT '',
  checkpoint_sequence BIGINT NOT NULL DEFAULT 0,
  version BIGINT NOT NULL DEFAULT 0
)`,
			`CREATE INDEX IF NOT EXISTS idx_ephost_leases_owner ON ephost_leases(owner)`,
		}
	default:
		return fmt.Errorf("unknown migration version: %d", version)
	}

	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration v%d failed: %w", version, err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		d.rebind(`INSERT INTO ephost_schema_migrations(version, applied_at_ns) VALUES(?, ?)`),
		version, time.Now().UnixNano()); err != nil {
		return err
	}

	return tx.Commit()
}
