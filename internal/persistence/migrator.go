package persistence

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// migrationLockKey is the pg_advisory_lock key held while migrating, so two
// engines starting against the same database apply each file once.
const migrationLockKey int64 = 0x7065727072697368 // "perprish"

// Migrator applies the numbered SQL files in a directory
// ({version}_{name}.up.sql / .down.sql) and records them in
// public.perprisk_migrations with a checksum of the up file.
type Migrator struct {
	db     *sql.DB
	files  fs.FS
	logger zerolog.Logger
}

// MigrationStatus is one up file and its recorded state. Drifted means the
// file changed after it was applied.
type MigrationStatus struct {
	Version  string
	Filename string
	Applied  bool
	Drifted  bool
}

type migrationFile struct {
	version  string
	filename string
	checksum string
	sql      string
}

type appliedMigration struct {
	filename string
	checksum string
}

func NewMigrator(db *sql.DB, migrationsDir string, logger zerolog.Logger) *Migrator {
	return NewMigratorFS(db, os.DirFS(migrationsDir), logger)
}

// NewMigratorFS reads migrations from any filesystem, e.g. an embed.FS.
func NewMigratorFS(db *sql.DB, files fs.FS, logger zerolog.Logger) *Migrator {
	return &Migrator{db: db, files: files, logger: logger}
}

// Up applies every pending up file in version order. An applied file whose
// checksum changed is reported but not re-run.
func (m *Migrator) Up(ctx context.Context) error {
	return m.locked(ctx, func(conn *sql.Conn) error {
		applied, err := m.applied(ctx, conn)
		if err != nil {
			return err
		}
		pending, err := readMigrations(m.files, ".up.sql")
		if err != nil {
			return err
		}

		for _, f := range pending {
			if prev, ok := applied[f.version]; ok {
				if prev.checksum != "" && prev.checksum != f.checksum {
					m.logger.Warn().Str("file", f.filename).Msg("applied migration changed on disk")
				}
				continue
			}
			err := m.execInTx(ctx, conn, f, `INSERT INTO public.perprisk_migrations (version, filename, checksum) VALUES ($1, $2, $3)`,
				f.version, f.filename, f.checksum)
			if err != nil {
				return err
			}
			m.logger.Info().Str("file", f.filename).Msg("applied migration")
		}
		return nil
	})
}

// Down rolls back the most recently applied version.
func (m *Migrator) Down(ctx context.Context) error {
	return m.locked(ctx, func(conn *sql.Conn) error {
		var version, filename string
		err := conn.QueryRowContext(ctx,
			`SELECT version, filename FROM public.perprisk_migrations ORDER BY version DESC LIMIT 1`,
		).Scan(&version, &filename)
		if errors.Is(err, sql.ErrNoRows) {
			m.logger.Info().Msg("no migrations to roll back")
			return nil
		}
		if err != nil {
			return fmt.Errorf("latest migration: %w", err)
		}

		down, err := readMigration(m.files, strings.Replace(filename, ".up.sql", ".down.sql", 1))
		if err != nil {
			return err
		}
		if err := m.execInTx(ctx, conn, down, `DELETE FROM public.perprisk_migrations WHERE version = $1`, version); err != nil {
			return err
		}
		m.logger.Info().Str("file", down.filename).Msg("rolled back migration")
		return nil
	})
}

// Status lists every up file with its applied and drift state.
func (m *Migrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	var out []MigrationStatus
	err := m.locked(ctx, func(conn *sql.Conn) error {
		applied, err := m.applied(ctx, conn)
		if err != nil {
			return err
		}
		files, err := readMigrations(m.files, ".up.sql")
		if err != nil {
			return err
		}
		out = make([]MigrationStatus, 0, len(files))
		for _, f := range files {
			prev, ok := applied[f.version]
			out = append(out, MigrationStatus{
				Version:  f.version,
				Filename: f.filename,
				Applied:  ok,
				Drifted:  ok && prev.checksum != "" && prev.checksum != f.checksum,
			})
		}
		return nil
	})
	return out, err
}

// locked runs fn on one connection holding the migration advisory lock.
// Session-level advisory locks belong to a connection, not the pool.
func (m *Migrator) locked(ctx context.Context, fn func(*sql.Conn) error) error {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("migration conn: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, migrationLockKey); err != nil {
		return fmt.Errorf("migration lock: %w", err)
	}
	defer func() {
		if _, err := conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, migrationLockKey); err != nil {
			m.logger.Warn().Err(err).Msg("migration unlock failed")
		}
	}()

	if _, err := conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS public.perprisk_migrations (
			version    TEXT PRIMARY KEY,
			filename   TEXT NOT NULL,
			checksum   TEXT NOT NULL DEFAULT '',
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}
	return fn(conn)
}

// execInTx runs a migration file and its bookkeeping statement atomically.
func (m *Migrator) execInTx(ctx context.Context, conn *sql.Conn, f migrationFile, record string, args ...any) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s: %w", f.filename, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, f.sql); err != nil {
		return fmt.Errorf("exec %s: %w", f.filename, err)
	}
	if _, err := tx.ExecContext(ctx, record, args...); err != nil {
		return fmt.Errorf("record %s: %w", f.filename, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s: %w", f.filename, err)
	}
	return nil
}

func (m *Migrator) applied(ctx context.Context, conn *sql.Conn) (map[string]appliedMigration, error) {
	rows, err := conn.QueryContext(ctx, `SELECT version, filename, checksum FROM public.perprisk_migrations`)
	if err != nil {
		return nil, fmt.Errorf("applied migrations: %w", err)
	}
	defer rows.Close()

	out := make(map[string]appliedMigration)
	for rows.Next() {
		var v string
		var a appliedMigration
		if err := rows.Scan(&v, &a.filename, &a.checksum); err != nil {
			return nil, err
		}
		out[v] = a
	}
	return out, rows.Err()
}

// readMigrations loads every file with the suffix, sorted by name. Version
// prefixes must be unique.
func readMigrations(files fs.FS, suffix string) ([]migrationFile, error) {
	entries, err := fs.ReadDir(files, ".")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), suffix) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	out := make([]migrationFile, 0, len(names))
	seen := make(map[string]string, len(names))
	for _, name := range names {
		f, err := readMigration(files, name)
		if err != nil {
			return nil, err
		}
		if other, dup := seen[f.version]; dup {
			return nil, fmt.Errorf("migrations %s and %s share version %s", other, name, f.version)
		}
		seen[f.version] = name
		out = append(out, f)
	}
	return out, nil
}

func readMigration(files fs.FS, name string) (migrationFile, error) {
	content, err := fs.ReadFile(files, name)
	if err != nil {
		return migrationFile{}, fmt.Errorf("read migration %s: %w", name, err)
	}
	sum := sha256.Sum256(content)
	return migrationFile{
		version:  migrationVersion(name),
		filename: name,
		checksum: hex.EncodeToString(sum[:]),
		sql:      string(content),
	}, nil
}

// migrationVersion is the prefix before the first underscore:
// "000001_event_log.up.sql" -> "000001".
func migrationVersion(filename string) string {
	version, _, _ := strings.Cut(filename, "_")
	return version
}
