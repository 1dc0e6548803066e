package provider

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"slices"
	"strconv"
	"strings"

	"github.com/agentic-research/arbor/api"
	"github.com/agentic-research/arbor/internal/metadata"
	_ "modernc.org/sqlite"
)

var ErrRowContract = errors.New("level query does not follow the row contract")

// LevelQuery is one level definition's query with its bound context.
type LevelQuery struct {
	SQL    string
	Params map[string]any
	Filter *api.InstanceFilter
	// MaxRows caps the rows read; 0 means no cap.
	MaxRows int
}

// RowSource executes level queries.
type RowSource interface {
	Query(ctx context.Context, q LevelQuery) iter.Seq2[Row, error]
}

// SQLiteSource runs level queries against a SQLite source database.
type SQLiteSource struct {
	db      *sql.DB
	catalog metadata.Catalog
}

// OpenSQLiteDB opens a source database read-only.
func OpenSQLiteDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("open source db: %w", err)
	}
	db.SetMaxOpenConns(4)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open source db: %w", err)
	}
	return db, nil
}

func NewSQLiteSource(db *sql.DB, catalog metadata.Catalog) *SQLiteSource {
	return &SQLiteSource{db: db, catalog: catalog}
}

func (s *SQLiteSource) Query(ctx context.Context, q LevelQuery) iter.Seq2[Row, error] {
	return func(yield func(Row, error) bool) {
		stmt, args, err := s.build(ctx, q)
		if err != nil {
			yield(Row{}, err)
			return
		}
		rows, err := s.db.QueryContext(ctx, stmt, args...)
		if err != nil {
			yield(Row{}, fmt.Errorf("level query: %w", err))
			return
		}
		defer func() { _ = rows.Close() }() // safe to ignore

		cols, err := rows.Columns()
		if err != nil {
			yield(Row{}, err)
			return
		}
		if !slices.Equal(cols, RowColumns) {
			yield(Row{}, fmt.Errorf("%w: got columns %v", ErrRowContract, cols))
			return
		}

		for rows.Next() {
			var (
				r                                          Row
				label, grouping, merge, extended           sql.NullString
				hasChildren, hideNoChildren, hide, autoExp sql.NullBool
			)
			if err := rows.Scan(&r.ClassName, &r.InstanceID, &label, &hasChildren, &hideNoChildren,
				&hide, &grouping, &merge, &extended, &autoExp); err != nil {
				yield(Row{}, fmt.Errorf("scan level row: %w", err))
				return
			}
			r.DisplayLabel = label.String
			if hasChildren.Valid {
				v := hasChildren.Bool
				r.HasChildren = &v
			}
			r.HideIfNoChildren = hideNoChildren.Bool
			r.HideInHierarchy = hide.Bool
			r.Grouping = grouping.String
			r.MergeByLabelID = merge.String
			r.ExtendedData = extended.String
			r.AutoExpand = autoExp.Bool
			if !yield(r, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(Row{}, fmt.Errorf("level query: %w", err))
		}
	}
}

// build wraps the level query so that filters and the row cap apply to
// its result set. Only params referenced by the query are bound.
func (s *SQLiteSource) build(ctx context.Context, q LevelQuery) (string, []any, error) {
	inner := strings.TrimRight(strings.TrimSpace(q.SQL), ";")

	var args []any
	names := make([]string, 0, len(q.Params))
	for name := range q.Params {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		if strings.Contains(inner, ":"+name) {
			args = append(args, sql.Named(name, q.Params[name]))
		}
	}

	var b strings.Builder
	b.WriteString("SELECT q.* FROM (")
	b.WriteString(inner)
	b.WriteString(") AS q")

	where, fargs, err := s.filterClause(ctx, q.Filter)
	if err != nil {
		return "", nil, err
	}
	if where != "" {
		b.WriteString(" WHERE ")
		b.WriteString(where)
		args = append(args, fargs...)
	}
	if q.MaxRows > 0 {
		b.WriteString(" LIMIT ")
		b.WriteString(strconv.Itoa(q.MaxRows))
	}
	return b.String(), args, nil
}
