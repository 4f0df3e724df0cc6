package repo

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("settlement: not found")

// ErrDuplicate is returned when an insert hits a unique key.
var ErrDuplicate = errors.New("settlement: duplicate key")

// Driver names accepted by NewConn.
const (
	DriverMySQL    = "mysql"
	DriverPostgres = "pgx"
)

// Conn wraps the database handle and hides placeholder differences between
// the MySQL and Postgres drivers. Queries are written with `?` placeholders.
type Conn struct {
	db *sql.DB
	pg bool
}

// NewConn constructs a Conn for the given driver name.
func NewConn(db *sql.DB, driver string) *Conn {
	return &Conn{db: db, pg: driver == DriverPostgres}
}

// DB exposes the underlying handle.
func (c *Conn) DB() *sql.DB {
	return c.db
}

func (c *Conn) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return c.db.ExecContext(ctx, c.rebind(query), args...)
}

func (c *Conn) queryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return c.db.QueryRowContext(ctx, c.rebind(query), args...)
}

func (c *Conn) query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return c.db.QueryContext(ctx, c.rebind(query), args...)
}

// execAffected runs a conditional update and reports whether it changed a row.
func (c *Conn) execAffected(ctx context.Context, query string, args ...interface{}) (bool, error) {
	res, err := c.exec(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// insert runs an insert and maps unique violations to ErrDuplicate.
func (c *Conn) insert(ctx context.Context, query string, args ...interface{}) error {
	if _, err := c.exec(ctx, query, args...); err != nil {
		if IsDuplicate(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

func (c *Conn) rebind(query string) string {
	if !c.pg {
		return query
	}
	return Rebind(query)
}

// Rebind rewrites `?` placeholders into Postgres `$n` form.
func Rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		ch := query[i]
		if ch == '\'' {
			inQuote = !inQuote
		}
		if ch == '?' && !inQuote {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(ch)
	}
	return b.String()
}

// IsDuplicate reports whether err is a unique-key violation from either driver.
func IsDuplicate(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDuplicate) {
		return true
	}
	var me *mysql.MySQLError
	if errors.As(err, &me) && me.Number == 1062 {
		return true
	}
	var pe *pgconn.PgError
	if errors.As(err, &pe) && pe.Code == "23505" {
		return true
	}
	return false
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
