package metadata

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/agentic-research/arbor/internal/classvtab"
	_ "modernc.org/sqlite"
)

// SourceSchema is the class metadata layout SQLiteInspector reads from the
// source database.
const SourceSchema = `
	CREATE TABLE IF NOT EXISTS classes (
		name TEXT PRIMARY KEY,
		label TEXT,
		table_name TEXT
	);
	CREATE TABLE IF NOT EXISTS class_bases (
		class TEXT NOT NULL,
		base TEXT NOT NULL
	);
`

type classInfo struct {
	id    uint32
	label string
	table string
}

// SQLiteInspector loads the class hierarchy of a source database once and
// answers is-a questions from roaring bitmaps. The bitmaps are also written
// to a sidecar database and exposed there through the class_derivations
// virtual table.
type SQLiteInspector struct {
	classes map[string]classInfo
	// derived maps a class to the bitmap of itself and all its subclasses.
	derived map[string]*roaring.Bitmap

	sidecar     *sql.DB
	sidecarPath string
	ownsPath    bool
	dbID        string
}

var sidecarSeq atomic.Uint64

// OpenSQLiteInspector reads classes and class_bases from db. The sidecar is
// created at sidecarPath, or in a temp file when sidecarPath is empty. The
// sidecar is a derived index and is rebuilt on every open.
func OpenSQLiteInspector(ctx context.Context, db *sql.DB, sidecarPath string) (*SQLiteInspector, error) {
	s := &SQLiteInspector{
		classes: make(map[string]classInfo),
		derived: make(map[string]*roaring.Bitmap),
	}
	if err := s.load(ctx, db); err != nil {
		return nil, err
	}
	if err := s.openSidecar(ctx, sidecarPath); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteInspector) load(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx, `SELECT name, COALESCE(label, ''), COALESCE(table_name, '') FROM classes ORDER BY name`)
	if err != nil {
		return fmt.Errorf("query classes: %w", err)
	}
	var next uint32
	for rows.Next() {
		var name string
		var ci classInfo
		if err := rows.Scan(&name, &ci.label, &ci.table); err != nil {
			_ = rows.Close() // safe to ignore
			return fmt.Errorf("scan class: %w", err)
		}
		ci.id = next
		next++
		s.classes[name] = ci
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close() // safe to ignore
		return fmt.Errorf("classes rows: %w", err)
	}
	_ = rows.Close() // safe to ignore

	// subclasses: base -> direct subclasses
	subclasses := make(map[string][]string)
	rows, err = db.QueryContext(ctx, `SELECT class, base FROM class_bases`)
	if err != nil {
		return fmt.Errorf("query class_bases: %w", err)
	}
	defer func() { _ = rows.Close() }() // safe to ignore
	for rows.Next() {
		var class, base string
		if err := rows.Scan(&class, &base); err != nil {
			return fmt.Errorf("scan class base: %w", err)
		}
		if _, ok := s.classes[class]; !ok {
			return fmt.Errorf("class_bases references %w", notFound(class))
		}
		if _, ok := s.classes[base]; !ok {
			return fmt.Errorf("class_bases references %w", notFound(base))
		}
		subclasses[base] = append(subclasses[base], class)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("class_bases rows: %w", err)
	}

	for name := range s.classes {
		s.closure(name, subclasses)
	}
	return nil
}

// closure computes the derived bitmap of name, memoized in s.derived.
func (s *SQLiteInspector) closure(name string, subclasses map[string][]string) *roaring.Bitmap {
	if bm, ok := s.derived[name]; ok {
		return bm
	}
	bm := roaring.New()
	bm.Add(s.classes[name].id)
	// Placeholder breaks cycles in malformed inheritance data.
	s.derived[name] = bm
	for _, sub := range subclasses[name] {
		bm.Or(s.closure(sub, subclasses))
	}
	return bm
}

func (s *SQLiteInspector) openSidecar(ctx context.Context, path string) error {
	if path == "" {
		f, err := os.CreateTemp("", "arbor-classes-*.db")
		if err != nil {
			return fmt.Errorf("create sidecar: %w", err)
		}
		path = f.Name()
		_ = f.Close() // safe to ignore
		s.ownsPath = true
	}
	_ = os.Remove(path) // derived index, rebuilt each open
	s.sidecarPath = path

	mod, err := classvtab.Register()
	if err != nil {
		return err
	}

	sidecar, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("open sidecar %s: %w", path, err)
	}
	// One connection for the outer query, one for the vtab Filter callback.
	sidecar.SetMaxOpenConns(2)
	s.sidecar = sidecar

	if _, err := sidecar.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = s.Close()
		return fmt.Errorf("set WAL mode on sidecar: %w", err)
	}
	if _, err := sidecar.ExecContext(ctx, classvtab.Schema); err != nil {
		_ = s.Close()
		return fmt.Errorf("create sidecar tables: %w", err)
	}
	if err := s.flush(ctx); err != nil {
		_ = s.Close()
		return err
	}

	s.dbID = fmt.Sprintf("classes_%d_%d", time.Now().UnixNano(), sidecarSeq.Add(1))
	mod.RegisterDB(s.dbID, sidecar)
	q := fmt.Sprintf("CREATE VIRTUAL TABLE IF NOT EXISTS class_derivations USING %s(%s)", classvtab.ModuleName, s.dbID)
	if _, err := sidecar.ExecContext(ctx, q); err != nil {
		_ = s.Close()
		return fmt.Errorf("create class_derivations vtab: %w", err)
	}
	return nil
}

func (s *SQLiteInspector) flush(ctx context.Context) error {
	tx, err := s.sidecar.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin sidecar flush: %w", err)
	}
	defer func() { _ = tx.Rollback() }() // safe to ignore

	idStmt, err := tx.PrepareContext(ctx, "INSERT INTO class_ids (id, name) VALUES (?, ?)")
	if err != nil {
		return fmt.Errorf("prepare class_ids insert: %w", err)
	}
	defer func() { _ = idStmt.Close() }() // safe to ignore
	for name, ci := range s.classes {
		if _, err := idStmt.ExecContext(ctx, int64(ci.id), name); err != nil {
			return fmt.Errorf("insert class id %s: %w", name, err)
		}
	}

	bmStmt, err := tx.PrepareContext(ctx, "INSERT INTO class_bitmaps (base, bitmap) VALUES (?, ?)")
	if err != nil {
		return fmt.Errorf("prepare class_bitmaps insert: %w", err)
	}
	defer func() { _ = bmStmt.Close() }() // safe to ignore
	var buf bytes.Buffer
	for name, bm := range s.derived {
		buf.Reset()
		if _, err := bm.WriteTo(&buf); err != nil {
			return fmt.Errorf("serialize bitmap for %s: %w", name, err)
		}
		if _, err := bmStmt.ExecContext(ctx, name, buf.Bytes()); err != nil {
			return fmt.Errorf("insert bitmap %s: %w", name, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteInspector) DerivesFrom(_ context.Context, derived, base string) (bool, error) {
	d, ok := s.classes[derived]
	if !ok {
		return false, notFound(derived)
	}
	bm, ok := s.derived[base]
	if !ok {
		return false, notFound(base)
	}
	return bm.Contains(d.id), nil
}

func (s *SQLiteInspector) ClassLabel(_ context.Context, name string) (string, error) {
	ci, ok := s.classes[name]
	if !ok {
		return "", notFound(name)
	}
	if ci.label == "" {
		return name, nil
	}
	return ci.label, nil
}

func (s *SQLiteInspector) TableName(_ context.Context, name string) (string, error) {
	ci, ok := s.classes[name]
	if !ok {
		return "", notFound(name)
	}
	return ci.table, nil
}

// DerivedClasses reads class_derivations on the sidecar.
func (s *SQLiteInspector) DerivedClasses(ctx context.Context, base string) ([]string, error) {
	if _, ok := s.classes[base]; !ok {
		return nil, notFound(base)
	}
	rows, err := s.sidecar.QueryContext(ctx, "SELECT derived FROM class_derivations WHERE base = ? ORDER BY derived", base)
	if err != nil {
		return nil, fmt.Errorf("query class_derivations: %w", err)
	}
	defer func() { _ = rows.Close() }() // safe to ignore

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan derived class: %w", err)
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// QuerySidecar runs a query against the sidecar database, which includes
// the class_derivations virtual table.
func (s *SQLiteInspector) QuerySidecar(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.sidecar.QueryContext(ctx, query, args...)
}

// Close releases the sidecar. The source database is not owned.
func (s *SQLiteInspector) Close() error {
	if s.dbID != "" {
		if mod, err := classvtab.Register(); err == nil && mod != nil {
			mod.UnregisterDB(s.dbID)
		}
	}
	var err error
	if s.sidecar != nil {
		err = s.sidecar.Close()
	}
	if s.ownsPath {
		for _, suffix := range []string{"", "-wal", "-shm"} {
			_ = os.Remove(s.sidecarPath + suffix) // best-effort cleanup
		}
	}
	return err
}
