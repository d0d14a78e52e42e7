// Package migrate applies the PostgreSQL schema and demo seeds.
package migrate

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"
)

const (
	defaultMigrationsTable = "schema_migrations"
	defaultSeedsTable      = "schema_seeds"

	// lockKey is the pg_advisory_lock key held while a Manager runs, so
	// replicas starting together do not apply the same file twice.
	lockKey int64 = 0x61756c61
)

//go:embed sql/*.sql seeds/*.sql
var bundled embed.FS

// ErrChecksumMismatch reports an applied file whose content changed since.
var ErrChecksumMismatch = errors.New("migration changed after it was applied")

// Manager applies SQL files from two file systems: versioned migrations
// (NNNN_name.up.sql with a matching .down.sql) and one-shot seeds.
type Manager struct {
	db              *sql.DB
	migrations      fs.FS
	seeds           fs.FS
	migrationsTable string
	seedsTable      string
	now             func() time.Time
}

// Option configures Manager.
type Option func(*Manager)

// WithMigrationsTable overrides the default migrations bookkeeping table.
func WithMigrationsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.migrationsTable = name
		}
	}
}

// WithSeedsTable overrides the default seeds bookkeeping table.
func WithSeedsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.seedsTable = name
		}
	}
}

// NewManager constructs a Manager. Either file system may be nil.
func NewManager(db *sql.DB, migrations, seeds fs.FS, opts ...Option) *Manager {
	m := &Manager{
		db:              db,
		migrations:      migrations,
		seeds:           seeds,
		migrationsTable: defaultMigrationsTable,
		seedsTable:      defaultSeedsTable,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Bundled returns a Manager over the schema and demo seeds compiled into the
// binary.
func Bundled(db *sql.DB, opts ...Option) *Manager {
	migrations, _ := fs.Sub(bundled, "sql")
	seeds, _ := fs.Sub(bundled, "seeds")
	return NewManager(db, migrations, seeds, opts...)
}

// Entry is one line of Status output.
type Entry struct {
	Name      string
	AppliedAt time.Time // zero while pending
}

func (e Entry) String() string {
	if e.AppliedAt.IsZero() {
		return "pending  " + e.Name
	}
	return "applied  " + e.Name + "  " + e.AppliedAt.UTC().Format(time.RFC3339)
}

type record struct {
	name      string
	checksum  string
	appliedAt time.Time
}

// Up applies all pending migrations in name order. Each file and its history
// row commit together. Applied files are checked against their recorded
// checksum first.
func (m *Manager) Up(ctx context.Context) error {
	return m.locked(ctx, func(conn *sql.Conn) error {
		applied, err := m.history(ctx, conn, m.migrationsTable)
		if err != nil {
			return err
		}
		byName := make(map[string]record, len(applied))
		for _, r := range applied {
			byName[r.name] = r
		}
		files, err := collectSQL(m.migrations, ".up.sql")
		if err != nil {
			return err
		}
		for _, f := range files {
			if r, ok := byName[f.Base]; ok {
				if r.checksum != "" && r.checksum != f.Checksum {
					return fmt.Errorf("%s: %w", f.Base, ErrChecksumMismatch)
				}
				continue
			}
			insert := fmt.Sprintf(`insert into %s(name, checksum, applied_at) values ($1, $2, $3)`, m.migrationsTable)
			err := m.apply(ctx, conn, f, insert, f.Base, f.Checksum, m.now().UTC())
			if err != nil {
				return fmt.Errorf("apply migration %s: %w", f.Base, err)
			}
		}
		return nil
	})
}

// Down rolls back the most recently applied migration.
func (m *Manager) Down(ctx context.Context) error {
	return m.locked(ctx, func(conn *sql.Conn) error {
		applied, err := m.history(ctx, conn, m.migrationsTable)
		if err != nil {
			return err
		}
		if len(applied) == 0 {
			return errors.New("no migrations applied")
		}
		last := applied[len(applied)-1].name
		if m.migrations == nil {
			return fmt.Errorf("missing down migration for %s", last)
		}
		down, err := readSQL(m.migrations, strings.TrimSuffix(last, ".up.sql")+".down.sql")
		if err != nil {
			return fmt.Errorf("missing down migration for %s", last)
		}
		remove := fmt.Sprintf(`delete from %s where name = $1`, m.migrationsTable)
		if err := m.apply(ctx, conn, down, remove, last); err != nil {
			return fmt.Errorf("rollback migration %s: %w", last, err)
		}
		return nil
	})
}

// Status lists applied migrations in order, followed by pending ones.
func (m *Manager) Status(ctx context.Context) ([]Entry, error) {
	var out []Entry
	err := m.locked(ctx, func(conn *sql.Conn) error {
		applied, err := m.history(ctx, conn, m.migrationsTable)
		if err != nil {
			return err
		}
		seen := make(map[string]bool, len(applied))
		for _, r := range applied {
			seen[r.name] = true
			out = append(out, Entry{Name: r.name, AppliedAt: r.appliedAt})
		}
		files, err := collectSQL(m.migrations, ".up.sql")
		if err != nil {
			return err
		}
		for _, f := range files {
			if !seen[f.Base] {
				out = append(out, Entry{Name: f.Base})
			}
		}
		return nil
	})
	return out, err
}

// Seed applies seed files that have not run yet. Seeds are never rolled back.
func (m *Manager) Seed(ctx context.Context) error {
	return m.locked(ctx, func(conn *sql.Conn) error {
		applied, err := m.history(ctx, conn, m.seedsTable)
		if err != nil {
			return err
		}
		done := make(map[string]bool, len(applied))
		for _, r := range applied {
			done[r.name] = true
		}
		files, err := collectSQL(m.seeds, ".sql")
		if err != nil {
			return err
		}
		for _, f := range files {
			if done[f.Base] {
				continue
			}
			insert := fmt.Sprintf(`insert into %s(name, checksum, applied_at) values ($1, $2, $3)`, m.seedsTable)
			if err := m.apply(ctx, conn, f, insert, f.Base, f.Checksum, m.now().UTC()); err != nil {
				return fmt.Errorf("apply seed %s: %w", f.Base, err)
			}
		}
		return nil
	})
}

// locked runs fn on a dedicated connection holding the advisory lock, after
// making sure the bookkeeping tables exist.
func (m *Manager) locked(ctx context.Context, fn func(*sql.Conn) error) (err error) {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `select pg_advisory_lock($1)`, lockKey); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		// The lock is session scoped; release it even if ctx already ended.
		_, uerr := conn.ExecContext(context.WithoutCancel(ctx), `select pg_advisory_unlock($1)`, lockKey)
		if err == nil && uerr != nil {
			err = fmt.Errorf("release migration lock: %w", uerr)
		}
	}()

	for _, table := range []string{m.migrationsTable, m.seedsTable} {
		ddl := fmt.Sprintf(`create table if not exists %s (
			name text primary key,
			checksum text not null default '',
			applied_at timestamptz not null default now()
		)`, table)
		if _, err := conn.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("ensure %s: %w", table, err)
		}
	}
	return fn(conn)
}

// apply runs the statements of f and the bookkeeping statement in one
// transaction.
func (m *Manager) apply(ctx context.Context, conn *sql.Conn, f sqlFile, bookkeeping string, args ...any) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range splitStatements(f.Body) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, bookkeeping, args...); err != nil {
		return fmt.Errorf("record history: %w", err)
	}
	return tx.Commit()
}

func (m *Manager) history(ctx context.Context, conn *sql.Conn, table string) ([]record, error) {
	rows, err := conn.QueryContext(ctx, fmt.Sprintf(`select name, checksum, applied_at from %s order by applied_at, name`, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []record
	for rows.Next() {
		var r record
		if err := rows.Scan(&r.name, &r.checksum, &r.appliedAt); err != nil {
			return nil, err
		}
		res = append(res, r)
	}
	return res, rows.Err()
}

type sqlFile struct {
	Base     string
	Path     string
	Body     string
	Checksum string
}

func readSQL(fsys fs.FS, name string) (sqlFile, error) {
	body, err := fs.ReadFile(fsys, name)
	if err != nil {
		return sqlFile{}, err
	}
	sum := sha256.Sum256(body)
	return sqlFile{
		Base:     path.Base(name),
		Path:     name,
		Body:     string(body),
		Checksum: hex.EncodeToString(sum[:]),
	}, nil
}

func collectSQL(fsys fs.FS, suffix string) ([]sqlFile, error) {
	if fsys == nil {
		return nil, nil
	}
	var files []sqlFile
	err := fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), suffix) {
			return nil
		}
		f, err := readSQL(fsys, p)
		if err != nil {
			return err
		}
		files = append(files, f)
		return nil
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].Base < files[j].Base
	})
	return files, nil
}

// splitStatements splits SQL on semicolons outside quoted strings, dropping
// "--" line comments and empty statements.
func splitStatements(src string) []string {
	var (
		stmts    []string
		current  strings.Builder
		inString bool
	)
	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			stmts = append(stmts, s)
		}
		current.Reset()
	}
	for i := 0; i < len(src); i++ {
		c := src[i]
		switch {
		case c == '\'':
			inString = !inString
			current.WriteByte(c)
		case !inString && c == '-' && i+1 < len(src) && src[i+1] == '-':
			for i < len(src) && src[i] != '\n' {
				i++
			}
			current.WriteByte('\n')
		case !inString && c == ';':
			flush()
		default:
			current.WriteByte(c)
		}
	}
	flush()
	return stmts
}
