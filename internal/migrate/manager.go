// Package migrate applies the SQL schema and seed files of the service and
// keeps a ledger of what has run.
package migrate

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"realmkey.org/internal/obs"
)

// Embedded holds the schema migrations and development seeds shipped with
// the binary.
//
//go:embed sql
var Embedded embed.FS

const (
	EmbeddedMigrations = "sql/migrations"
	EmbeddedSeeds      = "sql/seeds"
)

const (
	upSuffix   = ".up.sql"
	downSuffix = ".down.sql"
)

// ErrNothingApplied is returned by Down when the ledger is empty.
var ErrNothingApplied = errors.New("migrate: no migrations applied")

// Migration is one schema file and, once run, when it was applied.
type Migration struct {
	Name      string
	AppliedAt *time.Time
}

// Applied reports whether the ledger has a record for m.
func (m Migration) Applied() bool { return m.AppliedAt != nil }

// source is a directory of SQL files together with the ledger table that
// records which of them ran.
type source struct {
	dir    string
	suffix string
	table  string
}

type sqlFile struct {
	name string
	path string
}

// Manager runs migration and seed files read from an fs.FS. Every file is
// executed together with its ledger update in a single transaction.
type Manager struct {
	db         *sql.DB
	fsys       fs.FS
	migrations source
	seeds      source
	log        *log.Entry
}

// Option configures Manager.
type Option func(*Manager)

// WithMigrationsTable names the ledger of schema migrations.
func WithMigrationsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.migrations.table = name
		}
	}
}

// WithSeedsTable names the ledger of seed files.
func WithSeedsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.seeds.table = name
		}
	}
}

// WithLogger sends progress to l instead of the service logger.
func WithLogger(l *log.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l.WithField("component", "migrate")
		}
	}
}

// NewManager reads migrations from migrationsDir and seeds from seedsDir
// inside fsys. Pass Embedded with EmbeddedMigrations and EmbeddedSeeds to
// use the files compiled into the binary.
func NewManager(db *sql.DB, fsys fs.FS, migrationsDir, seedsDir string, opts ...Option) *Manager {
	m := &Manager{
		db:         db,
		fsys:       fsys,
		migrations: source{dir: migrationsDir, suffix: upSuffix, table: "schema_migrations"},
		seeds:      source{dir: seedsDir, suffix: ".sql", table: "schema_seeds"},
		log:        obs.Logger().WithField("component", "migrate"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Up applies pending migrations in name order and returns the ones it ran.
func (m *Manager) Up(ctx context.Context) ([]string, error) {
	return m.applyPending(ctx, m.migrations)
}

// Seed applies seed files that have not run yet and returns their names.
func (m *Manager) Seed(ctx context.Context) ([]string, error) {
	return m.applyPending(ctx, m.seeds)
}

// Down reverts the most recently applied migration and returns its name.
func (m *Manager) Down(ctx context.Context) (string, error) {
	src := m.migrations
	if err := m.ensureLedger(ctx, src.table); err != nil {
		return "", err
	}
	var last string
	err := m.db.QueryRowContext(ctx,
		fmt.Sprintf(`select name from %s order by applied_at desc, name desc limit 1`, src.table),
	).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNothingApplied
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", src.table, err)
	}

	downPath := path.Join(src.dir, strings.TrimSuffix(last, upSuffix)+downSuffix)
	if _, err := fs.Stat(m.fsys, downPath); err != nil {
		return "", fmt.Errorf("%s has no down migration: %w", last, err)
	}
	err = m.runFile(ctx, downPath, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, fmt.Sprintf(`delete from %s where name = $1`, src.table), last)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("revert %s: %w", last, err)
	}
	m.log.WithField("file", last).Info("reverted")
	return last, nil
}

// Status lists every migration file in order with the time it was applied.
// Ledger entries whose file no longer exists are appended at the end.
func (m *Manager) Status(ctx context.Context) ([]Migration, error) {
	src := m.migrations
	if err := m.ensureLedger(ctx, src.table); err != nil {
		return nil, err
	}
	applied, err := m.applied(ctx, src.table)
	if err != nil {
		return nil, err
	}
	files, err := listFiles(m.fsys, src.dir, src.suffix)
	if err != nil {
		return nil, err
	}

	out := make([]Migration, 0, len(files))
	for _, f := range files {
		mig := Migration{Name: f.name}
		if at, ok := applied[f.name]; ok {
			mig.AppliedAt = &at
			delete(applied, f.name)
		}
		out = append(out, mig)
	}
	orphans := make([]string, 0, len(applied))
	for name := range applied {
		orphans = append(orphans, name)
	}
	sort.Strings(orphans)
	for _, name := range orphans {
		at := applied[name]
		out = append(out, Migration{Name: name, AppliedAt: &at})
	}
	return out, nil
}

func (m *Manager) applyPending(ctx context.Context, src source) ([]string, error) {
	if err := m.ensureLedger(ctx, src.table); err != nil {
		return nil, err
	}
	applied, err := m.applied(ctx, src.table)
	if err != nil {
		return nil, err
	}
	files, err := listFiles(m.fsys, src.dir, src.suffix)
	if err != nil {
		return nil, err
	}

	var ran []string
	for _, f := range files {
		if _, ok := applied[f.name]; ok {
			continue
		}
		name := f.name
		err := m.runFile(ctx, f.path, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx,
				fmt.Sprintf(`insert into %s (name, applied_at) values ($1, $2)`, src.table),
				name, time.Now().UTC())
			return err
		})
		if err != nil {
			return ran, fmt.Errorf("apply %s: %w", name, err)
		}
		m.log.WithFields(log.Fields{"file": name, "ledger": src.table}).Info("applied")
		ran = append(ran, name)
	}
	return ran, nil
}

func (m *Manager) ensureLedger(ctx context.Context, table string) error {
	_, err := m.db.ExecContext(ctx, fmt.Sprintf(`
		create table if not exists %s (
			name text primary key,
			applied_at timestamptz not null default now()
		)`, table))
	if err != nil {
		return fmt.Errorf("create %s: %w", table, err)
	}
	return nil
}

func (m *Manager) applied(ctx context.Context, table string) (map[string]time.Time, error) {
	rows, err := m.db.QueryContext(ctx, fmt.Sprintf(`select name, applied_at from %s`, table))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", table, err)
	}
	defer rows.Close()
	out := make(map[string]time.Time)
	for rows.Next() {
		var (
			name string
			at   time.Time
		)
		if err := rows.Scan(&name, &at); err != nil {
			return nil, err
		}
		out[name] = at
	}
	return out, rows.Err()
}

// runFile executes the statements of p and then record inside one
// transaction.
func (m *Manager) runFile(ctx context.Context, p string, record func(*sql.Tx) error) error {
	body, err := fs.ReadFile(m.fsys, p)
	if err != nil {
		return err
	}
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for i, stmt := range splitStatements(string(body)) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("statement %d: %w", i+1, err)
		}
	}
	if err := record(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// listFiles returns the files of dir ending in suffix, sorted by name. A
// missing directory holds no files.
func listFiles(fsys fs.FS, dir, suffix string) ([]sqlFile, error) {
	if fsys == nil || dir == "" {
		return nil, nil
	}
	entries, err := fs.ReadDir(fsys, dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []sqlFile
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), suffix) {
			continue
		}
		out = append(out, sqlFile{name: e.Name(), path: path.Join(dir, e.Name())})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out, nil
}

// splitStatements cuts a SQL script at top-level semicolons. Quoted
// strings and identifiers, dollar-quoted bodies and -- comments are
// understood; comments are dropped and empty statements skipped.
func splitStatements(script string) []string {
	var (
		stmts []string
		cur   strings.Builder
	)
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			stmts = append(stmts, s)
		}
		cur.Reset()
	}

	for i := 0; i < len(script); {
		c := script[i]
		switch {
		case c == '-' && strings.HasPrefix(script[i:], "--"):
			nl := strings.IndexByte(script[i:], '\n')
			if nl < 0 {
				i = len(script)
			} else {
				i += nl
			}
		case c == '\'' || c == '"':
			end := skipQuoted(script, i+1, c)
			cur.WriteString(script[i:end])
			i = end
		case c == '$':
			tag, ok := dollarTag(script[i:])
			if !ok {
				cur.WriteByte(c)
				i++
				break
			}
			end := len(script)
			if j := strings.Index(script[i+len(tag):], tag); j >= 0 {
				end = i + len(tag) + j + len(tag)
			}
			cur.WriteString(script[i:end])
			i = end
		case c == ';':
			flush()
			i++
		default:
			cur.WriteByte(c)
			i++
		}
	}
	flush()
	return stmts
}

// skipQuoted returns the index just past the quote closing a literal that
// starts at i. A doubled quote is an escaped one.
func skipQuoted(s string, i int, quote byte) int {
	for i < len(s) {
		if s[i] == quote {
			if i+1 < len(s) && s[i+1] == quote {
				i += 2
				continue
			}
			return i + 1
		}
		i++
	}
	return len(s)
}

// dollarTag reports the $tag$ opening s, if any. Positional parameters
// such as $1 are not tags.
func dollarTag(s string) (string, bool) {
	end := strings.IndexByte(s[1:], '$')
	if end < 0 {
		return "", false
	}
	body := s[1 : end+1]
	for k := 0; k < len(body); k++ {
		b := body[k]
		letter := b == '_' || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
		digit := b >= '0' && b <= '9'
		if !letter && !(digit && k > 0) {
			return "", false
		}
	}
	return s[:end+2], true
}
