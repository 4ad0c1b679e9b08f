package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/tradewarden/delegation-engine/internal/infrastructure/config"
)

const (
	ledgerTable   = "schema_migrations"
	migrationsDir = "migrations"
	downSuffix    = ".down.sql"
)

// migration pairs a forward SQL file with its rollback companion. The
// rollback lives next to the forward file as <id>.down.sql and may be
// absent, in which case the migration cannot be rolled back.
type migration struct {
	ID   string
	Up   string
	Down string
}

func main() {
	var (
		action     = flag.String("action", "up", "Migration action: up, down, status")
		steps      = flag.Int("steps", 0, "Number of migrations to run (0 = all)")
		configPath = flag.String("config", "", "Path to config file")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	m := &migrator{db: db, dir: migrationsDir}
	ctx := context.Background()

	switch *action {
	case "up":
		err = m.up(ctx, *steps)
	case "down":
		err = m.down(ctx, *steps)
	case "status":
		err = m.status(ctx)
	default:
		slog.Error("unknown action", "action", *action)
		os.Exit(1)
	}

	if err != nil {
		slog.Error("migration failed", "error", err)
		os.Exit(1)
	}
}

type migrator struct {
	db  *sql.DB
	dir string
}

// loadMigrations lists the forward migrations in application order and
// attaches each one's rollback file when present.
func loadMigrations(dir string) ([]migration, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		return nil, fmt.Errorf("failed to list migration files: %w", err)
	}

	var out []migration
	for _, file := range files {
		if strings.HasSuffix(file, downSuffix) {
			continue
		}
		m := migration{
			ID: migrationID(filepath.Base(file)),
			Up: file,
		}
		down := strings.TrimSuffix(file, ".sql") + downSuffix
		if _, err := os.Stat(down); err == nil {
			m.Down = down
		}
		out = append(out, m)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func migrationID(filename string) string {
	return strings.TrimSuffix(filename, ".sql")
}

func (m *migrator) ensureLedger(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id VARCHAR(255) PRIMARY KEY,
			applied_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		)
	`, ledgerTable)

	_, err := m.db.ExecContext(ctx, query)
	return err
}

// applied returns the IDs recorded in the ledger with their apply times.
func (m *migrator) applied(ctx context.Context) (map[string]time.Time, error) {
	if err := m.ensureLedger(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure ledger table: %w", err)
	}

	rows, err := m.db.QueryContext(ctx,
		fmt.Sprintf("SELECT id, applied_at FROM %s", ledgerTable))
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]time.Time)
	for rows.Next() {
		var (
			id string
			at time.Time
		)
		if err := rows.Scan(&id, &at); err != nil {
			return nil, fmt.Errorf("failed to scan ledger row: %w", err)
		}
		applied[id] = at
	}
	return applied, rows.Err()
}

func (m *migrator) up(ctx context.Context, steps int) error {
	applied, err := m.applied(ctx)
	if err != nil {
		return err
	}
	all, err := loadMigrations(m.dir)
	if err != nil {
		return err
	}

	var pending []migration
	for _, mig := range all {
		if _, done := applied[mig.ID]; !done {
			pending = append(pending, mig)
		}
	}
	if len(pending) == 0 {
		slog.Info("no pending migrations")
		return nil
	}
	if steps > 0 && steps < len(pending) {
		pending = pending[:steps]
	}

	for _, mig := range pending {
		if err := m.runInTx(ctx, mig.Up, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx,
				fmt.Sprintf("INSERT INTO %s (id) VALUES ($1)", ledgerTable), mig.ID)
			return err
		}); err != nil {
			return fmt.Errorf("failed to apply %s: %w", mig.ID, err)
		}
		slog.Info("applied migration", "id", mig.ID)
	}

	slog.Info("migrations completed", "count", len(pending))
	return nil
}

// down rolls applied migrations back in reverse order by executing each
// one's rollback SQL and removing its ledger row in one transaction. A
// migration without a rollback file stops the run before anything below
// it is touched.
func (m *migrator) down(ctx context.Context, steps int) error {
	applied, err := m.applied(ctx)
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		slog.Info("no migrations to roll back")
		return nil
	}
	all, err := loadMigrations(m.dir)
	if err != nil {
		return err
	}

	var targets []migration
	for i := len(all) - 1; i >= 0; i-- {
		if _, done := applied[all[i].ID]; done {
			targets = append(targets, all[i])
		}
	}
	if steps > 0 && steps < len(targets) {
		targets = targets[:steps]
	}

	for _, mig := range targets {
		if mig.Down == "" {
			return fmt.Errorf("migration %s has no rollback file", mig.ID)
		}
		if err := m.runInTx(ctx, mig.Down, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx,
				fmt.Sprintf("DELETE FROM %s WHERE id = $1", ledgerTable), mig.ID)
			return err
		}); err != nil {
			return fmt.Errorf("failed to roll back %s: %w", mig.ID, err)
		}
		slog.Info("rolled back migration", "id", mig.ID)
	}

	slog.Info("rollback completed", "count", len(targets))
	return nil
}

func (m *migrator) status(ctx context.Context) error {
	applied, err := m.applied(ctx)
	if err != nil {
		return err
	}
	all, err := loadMigrations(m.dir)
	if err != nil {
		return err
	}

	for _, mig := range all {
		state := "pending"
		if at, done := applied[mig.ID]; done {
			state = "applied " + at.Format(time.RFC3339)
		}
		rollback := "no rollback"
		if mig.Down != "" {
			rollback = "rollback available"
		}
		fmt.Printf("%-50s %-30s %s\n", mig.ID, state, rollback)
	}
	return nil
}

// runInTx executes the SQL file's statements and the ledger update in a
// single transaction, so a half-applied migration never gets recorded.
func (m *migrator) runInTx(ctx context.Context, file string, ledger func(*sql.Tx) error) error {
	content, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", file, err)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, string(content)); err != nil {
		return fmt.Errorf("failed to execute %s: %w", file, err)
	}
	if err := ledger(tx); err != nil {
		return fmt.Errorf("failed to update ledger: %w", err)
	}
	return tx.Commit()
}
