// Package migrate bootstraps the two Postgres schemas Toygres owns (the
// workflow engine's history store and the CMS) using
// github.com/golang-migrate/migrate/v4 against embedded SQL files, the way
// r3e-network-service_layer's internal/platform/migrations package embeds
// and applies schema files — but through golang-migrate's source/database
// driver pair instead of a hand-rolled sorted-exec loop, since
// golang-migrate is already a listed dependency and gives us versioned,
// idempotent-by-tracking migrations for free.
package migrate

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/affandar/toygres/pkg/logging"
)

//go:embed schema/workflow/*.sql
var workflowSchema embed.FS

//go:embed schema/cms/*.sql
var cmsSchema embed.FS

// ApplyWorkflowSchema runs every workflow-schema migration against dsn,
// in a "workflow" schema search path. Safe to call on every process start:
// golang-migrate no-ops when already at the latest version.
func ApplyWorkflowSchema(ctx context.Context, dsn string) error {
	return apply(ctx, dsn, workflowSchema, "schema/workflow", "workflow_schema_migrations")
}

// ApplyCMSSchema runs every CMS-schema migration against dsn.
func ApplyCMSSchema(ctx context.Context, dsn string) error {
	return apply(ctx, dsn, cmsSchema, "schema/cms", "cms_schema_migrations")
}

func apply(ctx context.Context, dsn string, files embed.FS, root, versionTable string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("migrate: open %s: %w", versionTable, err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("migrate: ping %s: %w", versionTable, err)
	}

	source, err := iofs.New(files, root)
	if err != nil {
		return fmt.Errorf("migrate: load %s source: %w", versionTable, err)
	}

	dbDriver, err := postgres.WithInstance(db, &postgres.Config{MigrationsTable: versionTable})
	if err != nil {
		return fmt.Errorf("migrate: %s driver: %w", versionTable, err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "pgx", dbDriver)
	if err != nil {
		return fmt.Errorf("migrate: %s instance: %w", versionTable, err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate: apply %s: %w", versionTable, err)
	}

	logging.Info("migrate", "schema %s up to date", versionTable)
	return nil
}
