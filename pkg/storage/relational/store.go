package relational

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// Record is one row keyed by column name.
type Record = goqu.Record

// Store is the relational capability the backend is written against.
type Store interface {
	// Dialect names the goqu dialect used to render queries for this store.
	Dialect() string

	// CreateTable creates t unless a table of that name exists.
	CreateTable(ctx context.Context, t Table) error

	// Insert adds rows to table. All rows must share the same columns.
	Insert(ctx context.Context, table string, rows ...Record) error

	// LookupOne returns the first row of table equal to where on every column.
	LookupOne(ctx context.Context, table string, where Record, cols ...string) (Record, bool, error)

	// DeleteWhere deletes the rows of table matching a raw predicate with
	// positional parameters and returns how many went.
	DeleteWhere(ctx context.Context, table string, predicate string, args ...interface{}) (int64, error)

	// Query runs a raw select with positional parameters.
	Query(ctx context.Context, query string, args ...interface{}) ([]Record, error)

	Close() error
}

// Column describes one table column.
type Column struct {
	Name    string
	Type    string
	NotNull bool
	Unique  bool

	// AutoIncrement makes the column the single-column surrogate key.
	AutoIncrement bool
}

// ForeignKey references RefColumns of RefTable from Columns.
type ForeignKey struct {
	Columns       []string
	RefTable      string
	RefColumns    []string
	CascadeDelete bool
}

// Table is a create-if-absent table definition.
type Table struct {
	Name        string
	Columns     []Column
	PrimaryKey  []string
	Unique      [][]string
	ForeignKeys []ForeignKey
	Indexes     [][]string
}

func quote(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func quoteAll(names []string) string {
	q := make([]string, len(names))
	for i, n := range names {
		q[i] = quote(n)
	}
	return strings.Join(q, ", ")
}

// DDL renders the CREATE statements for t.
func (t Table) DDL() []string {
	var defs []string
	for _, c := range t.Columns {
		def := quote(c.Name) + " " + c.Type
		if c.AutoIncrement {
			def += " PRIMARY KEY AUTOINCREMENT"
		}
		if c.NotNull {
			def += " NOT NULL"
		}
		if c.Unique {
			def += " UNIQUE"
		}
		defs = append(defs, def)
	}
	if len(t.PrimaryKey) > 0 {
		defs = append(defs, "PRIMARY KEY ("+quoteAll(t.PrimaryKey)+")")
	}
	for _, u := range t.Unique {
		defs = append(defs, "UNIQUE ("+quoteAll(u)+")")
	}
	for _, fk := range t.ForeignKeys {
		def := fmt.Sprintf("FOREIGN KEY (%s) REFERENCES %s (%s)", quoteAll(fk.Columns), quote(fk.RefTable), quoteAll(fk.RefColumns))
		if fk.CascadeDelete {
			def += " ON DELETE CASCADE"
		}
		defs = append(defs, def)
	}

	stmts := []string{fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)", quote(t.Name), strings.Join(defs, ",\n\t"))}
	for i, idx := range t.Indexes {
		stmts = append(stmts, fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
			quote(fmt.Sprintf("%s_ix%d", t.Name, i)), quote(t.Name), quoteAll(idx)))
	}
	return stmts
}

// SQLStore implements Store on database/sql with goqu building the DML.
type SQLStore struct {
	raw     *sql.DB
	db      *goqu.Database
	dialect string
}

// NewSQLStore wraps an open database. dialect is a registered goqu dialect.
func NewSQLStore(db *sql.DB, dialect string) *SQLStore {
	return &SQLStore{raw: db, db: goqu.New(dialect, db), dialect: dialect}
}

// OpenSQLite opens a SQLite database with foreign keys enforced. path may be
// a file name or a "file:" URI, e.g. "file:test?mode=memory&cache=shared".
func OpenSQLite(path string) (*SQLStore, error) {
	dsn := path
	if strings.Contains(dsn, "?") {
		dsn += "&_foreign_keys=on"
	} else {
		dsn += "?_foreign_keys=on"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open sqlite")
	}

	// SQLite works best with a single connection; it also keeps in-memory
	// databases alive for the lifetime of the store.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to ping sqlite")
	}
	return NewSQLStore(db, "sqlite3"), nil
}

func (s *SQLStore) Dialect() string {
	return s.dialect
}

func (s *SQLStore) CreateTable(ctx context.Context, t Table) error {
	for _, stmt := range t.DDL() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrapf(err, "create table %s", t.Name)
		}
	}
	return nil
}

func (s *SQLStore) Insert(ctx context.Context, table string, rows ...Record) error {
	if len(rows) == 0 {
		return nil
	}
	vals := make([]interface{}, len(rows))
	for i, r := range rows {
		vals[i] = r
	}

	_, err := s.db.Insert(table).Rows(vals...).Prepared(true).Executor().ExecContext(ctx)
	return errors.Wrapf(err, "insert into %s", table)
}

func (s *SQLStore) LookupOne(ctx context.Context, table string, where Record, cols ...string) (Record, bool, error) {
	ds := s.db.From(table).Where(goqu.Ex(where)).Limit(1).Prepared(true)
	if len(cols) > 0 {
		sel := make([]interface{}, len(cols))
		for i, c := range cols {
			sel[i] = c
		}
		ds = ds.Select(sel...)
	}

	query, args, err := ds.ToSQL()
	if err != nil {
		return nil, false, errors.Wrapf(err, "lookup in %s", table)
	}
	rows, err := s.Query(ctx, query, args...)
	if err != nil {
		return nil, false, err
	}
	if len(rows) == 0 {
		return nil, false, nil
	}
	return rows[0], true, nil
}

func (s *SQLStore) DeleteWhere(ctx context.Context, table string, predicate string, args ...interface{}) (int64, error) {
	res, err := s.db.Delete(table).Where(goqu.L(predicate, args...)).Prepared(true).Executor().ExecContext(ctx)
	if err != nil {
		return 0, errors.Wrapf(err, "delete from %s", table)
	}
	n, err := res.RowsAffected()
	return n, errors.Wrapf(err, "delete from %s", table)
}

func (s *SQLStore) Query(ctx context.Context, query string, args ...interface{}) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query")
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, errors.Wrap(err, "query columns")
	}

	var out []Record
	for rows.Next() {
		vals := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, errors.Wrap(err, "query scan")
		}
		r := make(Record, len(cols))
		for i, c := range cols {
			r[c] = vals[i]
		}
		out = append(out, r)
	}
	return out, errors.Wrap(rows.Err(), "query rows")
}

func (s *SQLStore) Close() error {
	return s.raw.Close()
}
