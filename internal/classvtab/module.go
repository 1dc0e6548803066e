// Package classvtab exposes the derived-class bitmaps of a sidecar database
// as the virtual table class_derivations(base, derived).
package classvtab

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"github.com/RoaringBitmap/roaring"
	"modernc.org/sqlite/vtab"
)

// ModuleName is the name used in CREATE VIRTUAL TABLE ... USING.
const ModuleName = "class_derivations"

// Schema of the sidecar tables the module reads.
const Schema = `
	CREATE TABLE IF NOT EXISTS class_bitmaps (
		base TEXT PRIMARY KEY,
		bitmap BLOB
	);
	CREATE TABLE IF NOT EXISTS class_ids (
		id INTEGER PRIMARY KEY,
		name TEXT UNIQUE NOT NULL
	);
`

var (
	once      sync.Once
	singleton *Module
	initErr   error
)

// Module implements vtab.Module. modernc.org/sqlite registers modules per
// driver, so there is one Module per process and databases register with it
// by id.
type Module struct {
	mu  sync.RWMutex
	dbs map[string]*sql.DB
}

// Register registers the module with the SQLite driver once and returns it.
func Register() (*Module, error) {
	once.Do(func() {
		singleton = &Module{dbs: make(map[string]*sql.DB)}
		if err := vtab.RegisterModule(nil, ModuleName, singleton); err != nil {
			initErr = fmt.Errorf("classvtab: register module: %w", err)
			singleton = nil
		}
	})
	return singleton, initErr
}

// RegisterDB makes db available to CREATE VIRTUAL TABLE ... USING
// class_derivations(id).
func (m *Module) RegisterDB(id string, db *sql.DB) {
	m.mu.Lock()
	m.dbs[id] = db
	m.mu.Unlock()
}

func (m *Module) UnregisterDB(id string) {
	m.mu.Lock()
	delete(m.dbs, id)
	m.mu.Unlock()
}

func (m *Module) Create(ctx vtab.Context, args []string) (vtab.Table, error) {
	// args: module name, database name, table name, then USING arguments.
	if len(args) < 4 {
		return nil, fmt.Errorf("%s: missing DB ID argument (expected USING %s(id))", ModuleName, ModuleName)
	}
	id := args[3]

	m.mu.RLock()
	db, ok := m.dbs[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%s: unknown DB ID %q", ModuleName, id)
	}

	if err := ctx.Declare("CREATE TABLE x(base TEXT, derived TEXT)"); err != nil {
		return nil, err
	}
	return &table{db: db}, nil
}

func (m *Module) Connect(ctx vtab.Context, args []string) (vtab.Table, error) {
	return m.Create(ctx, args)
}

type table struct {
	db *sql.DB
}

const (
	idxScan = iota
	idxBaseEQ
	idxBaseLike
)

func (t *table) BestIndex(info *vtab.IndexInfo) error {
	for i := range info.Constraints {
		c := &info.Constraints[i]
		if !c.Usable || c.Column != 0 {
			continue
		}
		switch c.Op {
		case vtab.OpEQ:
			c.ArgIndex = 0
			c.Omit = true
			info.IdxNum = idxBaseEQ
			info.EstimatedCost = 1
			info.EstimatedRows = 10
			return nil
		case vtab.OpLIKE:
			c.ArgIndex = 0
			c.Omit = true
			info.IdxNum = idxBaseLike
			info.EstimatedCost = 100
			info.EstimatedRows = 100
			return nil
		}
	}
	info.IdxNum = idxScan
	info.EstimatedCost = 1e6
	info.EstimatedRows = 1e6
	return nil
}

func (t *table) Open() (vtab.Cursor, error) {
	return &cursor{table: t}, nil
}

func (t *table) Disconnect() error { return nil }
func (t *table) Destroy() error    { return nil }

type row struct {
	base    string
	derived string
}

type cursor struct {
	table *table
	rows  []row
	pos   int
}

func (c *cursor) Filter(idxNum int, _ string, vals []vtab.Value) error {
	c.rows = c.rows[:0]
	c.pos = 0

	switch idxNum {
	case idxBaseEQ:
		base, ok := vals[0].(string)
		if !ok {
			return nil
		}
		return c.load("SELECT base, bitmap FROM class_bitmaps WHERE base = ?", base)
	case idxBaseLike:
		pattern, ok := vals[0].(string)
		if !ok {
			return nil
		}
		return c.load("SELECT base, bitmap FROM class_bitmaps WHERE base LIKE ?", pattern)
	default:
		return c.load("SELECT base, bitmap FROM class_bitmaps")
	}
}

// load materializes the matching bitmaps before expanding them; expansion
// needs the connection the scan would otherwise hold.
func (c *cursor) load(query string, args ...any) error {
	type entry struct {
		base string
		blob []byte
	}

	rows, err := c.table.db.Query(query, args...)
	if err != nil {
		return fmt.Errorf("classvtab: scan class_bitmaps: %w", err)
	}
	var entries []entry
	for rows.Next() {
		var e entry
		if err := rows.Scan(&e.base, &e.blob); err != nil {
			continue // skip the row, the rest may still be valid
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close() // safe to ignore
		return fmt.Errorf("classvtab: scan class_bitmaps rows: %w", err)
	}
	_ = rows.Close() // safe to ignore

	for _, e := range entries {
		if err := c.expand(e.base, e.blob); err != nil {
			return err
		}
	}
	return nil
}

func (c *cursor) expand(base string, blob []byte) error {
	rb := roaring.New()
	if err := rb.UnmarshalBinary(blob); err != nil {
		return fmt.Errorf("classvtab: unmarshal bitmap for %q: %w", base, err)
	}
	if rb.IsEmpty() {
		return nil
	}

	ids := rb.ToArray()
	args := make([]any, len(ids))
	placeholders := make([]string, len(ids))
	for i, id := range ids {
		args[i] = int64(id)
		placeholders[i] = "?"
	}
	query := fmt.Sprintf("SELECT name FROM class_ids WHERE id IN (%s) ORDER BY name", strings.Join(placeholders, ","))
	rows, err := c.table.db.Query(query, args...)
	if err != nil {
		return fmt.Errorf("classvtab: resolve class_ids: %w", err)
	}
	defer func() { _ = rows.Close() }() // safe to ignore

	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			continue
		}
		c.rows = append(c.rows, row{base: base, derived: name})
	}
	return rows.Err()
}

func (c *cursor) Next() error {
	c.pos++
	return nil
}

func (c *cursor) Eof() bool {
	return c.pos >= len(c.rows)
}

func (c *cursor) Column(col int) (vtab.Value, error) {
	if c.pos >= len(c.rows) {
		return nil, nil
	}
	switch col {
	case 0:
		return c.rows[c.pos].base, nil
	case 1:
		return c.rows[c.pos].derived, nil
	}
	return nil, nil
}

func (c *cursor) Rowid() (int64, error) {
	return int64(c.pos), nil
}

func (c *cursor) Close() error {
	c.rows = nil
	return nil
}
