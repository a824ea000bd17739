package db

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	apperrors "github.com/fieldops/spbsync/internal/errors"
)

// ErrNotFound is returned when a single-row lookup matches nothing.
var ErrNotFound = apperrors.New(apperrors.ErrNotFound, "record not found")

var identRegex = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Row is one table row keyed by column name. Values read back from SQLite
// are int64, float64, string, []byte or nil.
type Row map[string]any

// String returns the column as a string ("" for NULL).
func (r Row) String(col string) string {
	switch v := r[col].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// Bytes returns the column as raw bytes.
func (r Row) Bytes(col string) []byte {
	switch v := r[col].(type) {
	case []byte:
		return v
	case string:
		return []byte(v)
	default:
		return nil
	}
}

// Int64 returns the column as an int64 (0 for NULL).
func (r Row) Int64(col string) int64 {
	switch v := r[col].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	case bool:
		if v {
			return 1
		}
	}
	return 0
}

// Int returns the column as an int.
func (r Row) Int(col string) int {
	return int(r.Int64(col))
}

// Bool returns the column as a bool (non-zero integers are true).
func (r Row) Bool(col string) bool {
	return r.Int64(col) != 0
}

// NullInt64 returns nil for NULL columns.
func (r Row) NullInt64(col string) *int64 {
	if r[col] == nil {
		return nil
	}
	v := r.Int64(col)
	return &v
}

// NullFloat64 returns nil for NULL columns.
func (r Row) NullFloat64(col string) *float64 {
	switch v := r[col].(type) {
	case float64:
		return &v
	case int64:
		f := float64(v)
		return &f
	default:
		return nil
	}
}

type clause struct {
	column string
	op     string
	value  any
}

// Predicate is a conjunction of column comparisons.
type Predicate struct {
	clauses []clause
}

// All matches every row.
func All() Predicate {
	return Predicate{}
}

// Where starts a predicate with an equality test.
func Where(column string, value any) Predicate {
	return Predicate{}.And(column, value)
}

// And adds an equality test.
func (p Predicate) And(column string, value any) Predicate {
	return p.AndOp(column, "=", value)
}

// AndOp adds a comparison. Supported operators: = != < <= > >= and
// "IS NULL" / "IS NOT NULL" (value ignored).
func (p Predicate) AndOp(column, op string, value any) Predicate {
	clauses := make([]clause, len(p.clauses), len(p.clauses)+1)
	copy(clauses, p.clauses)
	return Predicate{clauses: append(clauses, clause{column: column, op: op, value: value})}
}

func (p Predicate) build() (string, []any, error) {
	if len(p.clauses) == 0 {
		return "", nil, nil
	}
	parts := make([]string, 0, len(p.clauses))
	args := make([]any, 0, len(p.clauses))
	for _, c := range p.clauses {
		if err := checkIdent(c.column); err != nil {
			return "", nil, err
		}
		switch c.op {
		case "=", "!=", "<", "<=", ">", ">=":
			parts = append(parts, fmt.Sprintf("%s %s ?", c.column, c.op))
			args = append(args, bindValue(c.value))
		case "IS NULL", "IS NOT NULL":
			parts = append(parts, fmt.Sprintf("%s %s", c.column, c.op))
		default:
			return "", nil, fmt.Errorf("unsupported operator %q", c.op)
		}
	}
	return " WHERE " + strings.Join(parts, " AND "), args, nil
}

// Order sorts query results by one column.
type Order struct {
	Column string
	Desc   bool
}

// QueryOptions shapes a Query.
type QueryOptions struct {
	OrderBy []Order
	Limit   int
}

// Executor is implemented by *Store and *Tx so repositories work both
// inside and outside a transaction.
type Executor interface {
	Insert(ctx context.Context, table string, row Row) error
	Upsert(ctx context.Context, table string, row Row, conflict ...string) error
	Query(ctx context.Context, table string, where Predicate, opts *QueryOptions) ([]Row, error)
	QueryOne(ctx context.Context, table string, where Predicate) (Row, error)
	Count(ctx context.Context, table string, where Predicate) (int, error)
	Update(ctx context.Context, table string, set Row, where Predicate) (int64, error)
	Delete(ctx context.Context, table string, where Predicate) (int64, error)
	Now() time.Time
}

type conn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Store is the single logical writer over the local database. Writes made
// through the Store and whole transactions are serialized by one mutex.
// Inside WithTx callbacks use the *Tx, never the Store, or the call
// deadlocks.
type Store struct {
	db  *sql.DB
	mu  sync.Mutex
	now func() time.Time
}

// NewStore wraps an open database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// SetClock replaces the time source used to stamp rows.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// DB returns the underlying handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Now returns the store clock's current time.
func (s *Store) Now() time.Time {
	return s.now()
}

// WithTx runs fn inside a transaction. fn's error, or a panic, rolls back.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Cache("begin transaction", err)
	}
	tx := &Tx{tx: sqlTx, now: s.now}

	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = sqlTx.Rollback()
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if err = sqlTx.Commit(); err != nil {
		return apperrors.Cache("commit transaction", err)
	}
	return nil
}

func (s *Store) Insert(ctx context.Context, table string, row Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return insert(ctx, s.db, s.now(), table, row, nil)
}

func (s *Store) Upsert(ctx context.Context, table string, row Row, conflict ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return insert(ctx, s.db, s.now(), table, row, conflict)
}

func (s *Store) Query(ctx context.Context, table string, where Predicate, opts *QueryOptions) ([]Row, error) {
	return query(ctx, s.db, table, where, opts)
}

func (s *Store) QueryOne(ctx context.Context, table string, where Predicate) (Row, error) {
	return queryOne(ctx, s.db, table, where)
}

func (s *Store) Count(ctx context.Context, table string, where Predicate) (int, error) {
	return count(ctx, s.db, table, where)
}

func (s *Store) Update(ctx context.Context, table string, set Row, where Predicate) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return update(ctx, s.db, s.now(), table, set, where)
}

func (s *Store) Delete(ctx context.Context, table string, where Predicate) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return remove(ctx, s.db, table, where)
}

// Tx is an open transaction handed to WithTx callbacks.
type Tx struct {
	tx  *sql.Tx
	now func() time.Time
}

func (t *Tx) Now() time.Time {
	return t.now()
}

func (t *Tx) Insert(ctx context.Context, table string, row Row) error {
	return insert(ctx, t.tx, t.now(), table, row, nil)
}

func (t *Tx) Upsert(ctx context.Context, table string, row Row, conflict ...string) error {
	return insert(ctx, t.tx, t.now(), table, row, conflict)
}

func (t *Tx) Query(ctx context.Context, table string, where Predicate, opts *QueryOptions) ([]Row, error) {
	return query(ctx, t.tx, table, where, opts)
}

func (t *Tx) QueryOne(ctx context.Context, table string, where Predicate) (Row, error) {
	return queryOne(ctx, t.tx, table, where)
}

func (t *Tx) Count(ctx context.Context, table string, where Predicate) (int, error) {
	return count(ctx, t.tx, table, where)
}

func (t *Tx) Update(ctx context.Context, table string, set Row, where Predicate) (int64, error) {
	return update(ctx, t.tx, t.now(), table, set, where)
}

func (t *Tx) Delete(ctx context.Context, table string, where Predicate) (int64, error) {
	return remove(ctx, t.tx, table, where)
}

func insert(ctx context.Context, c conn, now time.Time, table string, row Row, conflict []string) error {
	if err := checkIdent(table); err != nil {
		return apperrors.Cache("insert", err)
	}
	stamped := make(Row, len(row)+2)
	for k, v := range row {
		stamped[k] = v
	}
	ms := now.UnixMilli()
	if _, ok := stamped["created_at"]; !ok {
		stamped["created_at"] = ms
	}
	stamped["updated_at"] = ms

	cols, err := sortedColumns(stamped)
	if err != nil {
		return apperrors.Cache("insert into "+table, err)
	}
	args := make([]any, len(cols))
	marks := make([]string, len(cols))
	for i, col := range cols {
		args[i] = bindValue(stamped[col])
		marks[i] = "?"
	}

	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(cols, ", "), strings.Join(marks, ", "))
	if len(conflict) > 0 {
		for _, c := range conflict {
			if err := checkIdent(c); err != nil {
				return apperrors.Cache("upsert into "+table, err)
			}
		}
		skip := map[string]bool{"created_at": true}
		for _, c := range conflict {
			skip[c] = true
		}
		var sets []string
		for _, col := range cols {
			if !skip[col] {
				sets = append(sets, fmt.Sprintf("%s = excluded.%s", col, col))
			}
		}
		q += fmt.Sprintf(" ON CONFLICT(%s) DO UPDATE SET %s", strings.Join(conflict, ", "), strings.Join(sets, ", "))
	}

	if _, err := c.ExecContext(ctx, q, args...); err != nil {
		return apperrors.Cache("insert into "+table, err)
	}
	return nil
}

func query(ctx context.Context, c conn, table string, where Predicate, opts *QueryOptions) ([]Row, error) {
	if err := checkIdent(table); err != nil {
		return nil, apperrors.Cache("query", err)
	}
	whereSQL, args, err := where.build()
	if err != nil {
		return nil, apperrors.Cache("query "+table, err)
	}
	q := "SELECT * FROM " + table + whereSQL
	if opts != nil {
		if len(opts.OrderBy) > 0 {
			terms := make([]string, 0, len(opts.OrderBy))
			for _, o := range opts.OrderBy {
				if err := checkIdent(o.Column); err != nil {
					return nil, apperrors.Cache("query "+table, err)
				}
				dir := "ASC"
				if o.Desc {
					dir = "DESC"
				}
				terms = append(terms, o.Column+" "+dir)
			}
			q += " ORDER BY " + strings.Join(terms, ", ")
		}
		if opts.Limit > 0 {
			q += fmt.Sprintf(" LIMIT %d", opts.Limit)
		}
	}

	rows, err := c.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, apperrors.Cache("query "+table, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, apperrors.Cache("query "+table, err)
	}
	var out []Row
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, apperrors.Cache("scan "+table, err)
		}
		row := make(Row, len(cols))
		for i, col := range cols {
			row[col] = values[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Cache("iterate "+table, err)
	}
	return out, nil
}

func queryOne(ctx context.Context, c conn, table string, where Predicate) (Row, error) {
	rows, err := query(ctx, c, table, where, &QueryOptions{Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return rows[0], nil
}

func count(ctx context.Context, c conn, table string, where Predicate) (int, error) {
	if err := checkIdent(table); err != nil {
		return 0, apperrors.Cache("count", err)
	}
	whereSQL, args, err := where.build()
	if err != nil {
		return 0, apperrors.Cache("count "+table, err)
	}
	rows, err := c.QueryContext(ctx, "SELECT COUNT(*) FROM "+table+whereSQL, args...)
	if err != nil {
		return 0, apperrors.Cache("count "+table, err)
	}
	defer rows.Close()
	var n int
	if rows.Next() {
		if err := rows.Scan(&n); err != nil {
			return 0, apperrors.Cache("count "+table, err)
		}
	}
	return n, rows.Err()
}

func update(ctx context.Context, c conn, now time.Time, table string, set Row, where Predicate) (int64, error) {
	if err := checkIdent(table); err != nil {
		return 0, apperrors.Cache("update", err)
	}
	stamped := make(Row, len(set)+1)
	for k, v := range set {
		stamped[k] = v
	}
	stamped["updated_at"] = now.UnixMilli()

	cols, err := sortedColumns(stamped)
	if err != nil {
		return 0, apperrors.Cache("update "+table, err)
	}
	sets := make([]string, len(cols))
	args := make([]any, 0, len(cols))
	for i, col := range cols {
		sets[i] = col + " = ?"
		args = append(args, bindValue(stamped[col]))
	}
	whereSQL, whereArgs, err := where.build()
	if err != nil {
		return 0, apperrors.Cache("update "+table, err)
	}
	args = append(args, whereArgs...)

	res, err := c.ExecContext(ctx, "UPDATE "+table+" SET "+strings.Join(sets, ", ")+whereSQL, args...)
	if err != nil {
		return 0, apperrors.Cache("update "+table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, apperrors.Cache("update "+table, err)
	}
	return n, nil
}

func remove(ctx context.Context, c conn, table string, where Predicate) (int64, error) {
	if err := checkIdent(table); err != nil {
		return 0, apperrors.Cache("delete", err)
	}
	whereSQL, args, err := where.build()
	if err != nil {
		return 0, apperrors.Cache("delete from "+table, err)
	}
	res, err := c.ExecContext(ctx, "DELETE FROM "+table+whereSQL, args...)
	if err != nil {
		return 0, apperrors.Cache("delete from "+table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, apperrors.Cache("delete from "+table, err)
	}
	return n, nil
}

func sortedColumns(row Row) ([]string, error) {
	cols := make([]string, 0, len(row))
	for k := range row {
		if err := checkIdent(k); err != nil {
			return nil, err
		}
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols, nil
}

func checkIdent(name string) error {
	if !identRegex.MatchString(name) {
		return fmt.Errorf("invalid identifier %q", name)
	}
	return nil
}

// bindValue normalizes Go values into SQLite storage classes.
func bindValue(v any) any {
	switch x := v.(type) {
	case bool:
		if x {
			return int64(1)
		}
		return int64(0)
	case time.Time:
		if x.IsZero() {
			return nil
		}
		return x.UnixMilli()
	case *int64:
		if x == nil {
			return nil
		}
		return *x
	case *float64:
		if x == nil {
			return nil
		}
		return *x
	case *string:
		if x == nil {
			return nil
		}
		return *x
	default:
		return v
	}
}

// IsNotFound reports whether err is ErrNotFound.
func IsNotFound(err error) bool {
	return stderrors.Is(err, ErrNotFound)
}
