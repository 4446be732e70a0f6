package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const defaultMigrationsTable = "schema_migrations"

// baseline is the schema the service cannot run without. It is applied
// before any on-disk migration and recorded under baselineName, so adding
// a migrations directory later does not re-run it.
const (
	baselineName = "0001_users_baseline"
	baselineDDL  = `
		create table if not exists users (
			id text primary key,
			phone text not null unique,
			password_hash text not null,
			role text not null default 'customer',
			status text not null default 'active',
			created_at timestamptz not null default now()
		);`
)

// Manager bootstraps and migrates the credential database.
type Manager struct {
	db            *sql.DB
	migrationsDir string
	table         string
}

// Option configures Manager.
type Option func(*Manager)

// WithTable overrides the default migrations bookkeeping table.
func WithTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.table = name
		}
	}
}

// NewManager constructs a Manager. migrationsDir may be empty when only the
// built-in baseline is wanted.
func NewManager(db *sql.DB, migrationsDir string, opts ...Option) *Manager {
	m := &Manager{
		db:            db,
		migrationsDir: migrationsDir,
		table:         defaultMigrationsTable,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Bootstrap creates the bookkeeping table and applies the built-in baseline
// schema. Safe to run on every startup.
func (m *Manager) Bootstrap(ctx context.Context) error {
	ddl := fmt.Sprintf(`
		create table if not exists %s (
			name text primary key,
			applied_at timestamptz not null default now()
		);`, m.table)
	if _, err := m.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("migrate: ensure bookkeeping table: %w", err)
	}

	applied, err := m.applied(ctx)
	if err != nil {
		return err
	}
	if applied[baselineName] {
		return nil
	}
	if err := m.execStatements(ctx, baselineDDL); err != nil {
		return fmt.Errorf("migrate: apply baseline: %w", err)
	}
	return m.record(ctx, baselineName)
}

// Up applies the baseline plus all pending on-disk migrations in name order.
func (m *Manager) Up(ctx context.Context) error {
	if err := m.Bootstrap(ctx); err != nil {
		return err
	}
	applied, err := m.applied(ctx)
	if err != nil {
		return err
	}
	files, err := collectSQL(m.migrationsDir, ".up.sql")
	if err != nil {
		return err
	}
	for _, mig := range files {
		if applied[mig.Base] {
			continue
		}
		raw, err := os.ReadFile(mig.Path)
		if err != nil {
			return err
		}
		if err := m.execStatements(ctx, string(raw)); err != nil {
			return fmt.Errorf("migrate: apply %s: %w", mig.Base, err)
		}
		if err := m.record(ctx, mig.Base); err != nil {
			return err
		}
	}
	return nil
}

// Down rolls back the most recent on-disk migration. The baseline is never
// rolled back.
func (m *Manager) Down(ctx context.Context) error {
	history, err := m.Status(ctx)
	if err != nil {
		return err
	}
	if len(history) == 0 {
		return errors.New("migrate: nothing applied")
	}
	last := history[len(history)-1]
	if last == baselineName {
		return errors.New("migrate: baseline cannot be rolled back")
	}
	downPath := strings.TrimSuffix(filepath.Join(m.migrationsDir, last), ".up.sql") + ".down.sql"
	raw, err := os.ReadFile(downPath)
	if err != nil {
		return fmt.Errorf("migrate: missing down migration for %s", last)
	}
	if err := m.execStatements(ctx, string(raw)); err != nil {
		return fmt.Errorf("migrate: rollback %s: %w", last, err)
	}
	_, err = m.db.ExecContext(ctx, fmt.Sprintf(`delete from %s where name = $1`, m.table), last)
	return err
}

// Status returns applied migrations in application order.
func (m *Manager) Status(ctx context.Context) ([]string, error) {
	rows, err := m.db.QueryContext(ctx, fmt.Sprintf(`select name from %s order by applied_at asc`, m.table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		res = append(res, name)
	}
	return res, rows.Err()
}

// SeedUser inserts or updates a user with the given bcrypt password hash.
// Meant for local development and first-run provisioning.
func (m *Manager) SeedUser(ctx context.Context, id, phone, passwordHash, role string) error {
	if strings.TrimSpace(phone) == "" || strings.TrimSpace(passwordHash) == "" {
		return errors.New("migrate: phone and password hash are required")
	}
	_, err := m.db.ExecContext(ctx, `
		insert into users (id, phone, password_hash, role, status, created_at)
		values ($1, $2, $3, $4, 'active', $5)
		on conflict (phone) do update set password_hash = excluded.password_hash, role = excluded.role`,
		id, phone, passwordHash, role, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("migrate: seed user: %w", err)
	}
	return nil
}

func (m *Manager) applied(ctx context.Context) (map[string]bool, error) {
	rows, err := m.db.QueryContext(ctx, fmt.Sprintf(`select name from %s`, m.table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		res[name] = true
	}
	return res, rows.Err()
}

func (m *Manager) record(ctx context.Context, name string) error {
	_, err := m.db.ExecContext(ctx, fmt.Sprintf(`insert into %s(name, applied_at) values ($1, $2)`, m.table),
		name, time.Now().UTC())
	return err
}

// execStatements runs the semicolon-separated statements of one migration
// inside a single transaction.
func (m *Manager) execStatements(ctx context.Context, script string) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range splitStatements(script) {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

type sqlFile struct {
	Base string
	Path string
}

func collectSQL(dir, suffix string) ([]sqlFile, error) {
	if dir == "" {
		return nil, nil
	}
	var files []sqlFile
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if strings.HasSuffix(d.Name(), suffix) {
			files = append(files, sqlFile{Base: d.Name(), Path: path})
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Base < files[j].Base })
	return files, nil
}

// splitStatements splits SQL on semicolons outside single-quoted strings.
func splitStatements(script string) []string {
	var stmts []string
	var current strings.Builder
	var inString bool
	for _, r := range script {
		switch r {
		case '\'':
			current.WriteRune(r)
			inString = !inString
		case ';':
			current.WriteRune(r)
			if !inString {
				stmts = append(stmts, current.String())
				current.Reset()
			}
		default:
			current.WriteRune(r)
		}
	}
	if strings.TrimSpace(current.String()) != "" {
		stmts = append(stmts, current.String())
	}
	return stmts
}
