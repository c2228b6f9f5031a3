package inbox

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	mssql "github.com/microsoft/go-mssqldb"
)

// Table names the ledger table. Schema is ignored by dialects without schemas.
type Table struct {
	Schema string
	Name   string
}

// Dialect renders the ledger statements for one database and classifies its
// driver errors. Statements use the driver's own placeholder syntax.
//
// Argument order is fixed across dialects:
//
//	Insert:        id, kind, data, occurredOn, lockedUntil, lockToken
//	Reclaim:       lockedUntil, lockToken, id, now
//	Extend:        lockedUntil, id, lockToken
//	Release:       id, lockToken
//	MarkProcessed: processedDate, id, lockToken
//	Status:        id
//	Lookup:        id
//	TableExists:   the args returned alongside the query
type Dialect interface {
	Name() string
	// DriverName is the database/sql driver used when none is configured.
	DriverName() string
	CreateTable(t Table) []string
	TableExists(t Table) (string, []any)
	Insert(t Table) string
	Reclaim(t Table) string
	Extend(t Table) string
	Release(t Table) string
	MarkProcessed(t Table) string
	Status(t Table) string
	Lookup(t Table) string
	// Time converts a timestamp into a driver argument.
	Time(t time.Time) any
	IsUniqueViolation(err error) bool
}

// DialectFor returns the dialect registered under name.
func DialectFor(name string) (Dialect, error) {
	switch strings.ToLower(name) {
	case "sqlserver", "mssql":
		return SQLServer{}, nil
	case "postgres", "postgresql", "pgx":
		return PostgreSQL{}, nil
	case "mysql":
		return MySQL{}, nil
	case "sqlite", "sqlite3":
		return SQLite{}, nil
	default:
		return nil, fmt.Errorf("inbox: unsupported dialect %q", name)
	}
}

// Dialects lists the SQL dialects, in a stable order.
func Dialects() []Dialect {
	return []Dialect{SQLServer{}, PostgreSQL{}, MySQL{}, SQLite{}}
}

// The ledger statements differ only in identifier quoting, placeholders and
// column types; ledgerSQL renders them once those are known.
type ledgerSQL struct {
	table string
	ph    func(n int) string
}

func (l ledgerSQL) insert() string {
	return fmt.Sprintf("INSERT INTO %s (Id, Kind, Data, OccurredOn, LockedUntil, LockToken) VALUES (%s, %s, %s, %s, %s, %s)",
		l.table, l.ph(1), l.ph(2), l.ph(3), l.ph(4), l.ph(5), l.ph(6))
}

func (l ledgerSQL) reclaim() string {
	return fmt.Sprintf("UPDATE %s SET LockedUntil = %s, LockToken = %s WHERE Id = %s AND ProcessedDate IS NULL AND (LockedUntil IS NULL OR LockedUntil < %s)",
		l.table, l.ph(1), l.ph(2), l.ph(3), l.ph(4))
}

func (l ledgerSQL) extend() string {
	return fmt.Sprintf("UPDATE %s SET LockedUntil = %s WHERE Id = %s AND LockToken = %s AND ProcessedDate IS NULL",
		l.table, l.ph(1), l.ph(2), l.ph(3))
}

func (l ledgerSQL) release() string {
	return fmt.Sprintf("UPDATE %s SET LockedUntil = NULL, LockToken = NULL WHERE Id = %s AND LockToken = %s AND ProcessedDate IS NULL",
		l.table, l.ph(1), l.ph(2))
}

func (l ledgerSQL) markProcessed() string {
	return fmt.Sprintf("UPDATE %s SET ProcessedDate = %s, LockedUntil = NULL, LockToken = NULL WHERE Id = %s AND LockToken = %s AND ProcessedDate IS NULL",
		l.table, l.ph(1), l.ph(2), l.ph(3))
}

func (l ledgerSQL) status() string {
	return fmt.Sprintf("SELECT CASE WHEN ProcessedDate IS NULL THEN 0 ELSE 1 END FROM %s WHERE Id = %s", l.table, l.ph(1))
}

func (l ledgerSQL) lookup() string {
	return fmt.Sprintf("SELECT Id, Kind, Data, ProcessedDate, LockToken FROM %s WHERE Id = %s", l.table, l.ph(1))
}

func question(int) string { return "?" }

// SQLServer is the Microsoft SQL Server dialect.
type SQLServer struct{}

func (SQLServer) Name() string       { return "sqlserver" }
func (SQLServer) DriverName() string { return "sqlserver" }

func (SQLServer) sql(t Table) ledgerSQL {
	return ledgerSQL{
		table: fmt.Sprintf("[%s].[%s]", t.Schema, t.Name),
		ph:    func(n int) string { return fmt.Sprintf("@p%d", n) },
	}
}

func (d SQLServer) CreateTable(t Table) []string {
	return []string{
		fmt.Sprintf("IF SCHEMA_ID('%s') IS NULL EXEC('CREATE SCHEMA [%s]')", t.Schema, t.Schema),
		fmt.Sprintf(`CREATE TABLE %s (
	Id NVARCHAR(64) NOT NULL PRIMARY KEY,
	Kind NVARCHAR(256) NOT NULL,
	Data NVARCHAR(MAX) NOT NULL,
	OccurredOn DATETIME2 NOT NULL,
	ProcessedDate DATETIME2 NULL,
	LockedUntil DATETIME2 NULL,
	LockToken NVARCHAR(64) NULL
)`, d.sql(t).table),
	}
}

func (SQLServer) TableExists(t Table) (string, []any) {
	return "SELECT COUNT(*) FROM INFORMATION_SCHEMA.TABLES WHERE TABLE_SCHEMA = @p1 AND TABLE_NAME = @p2",
		[]any{t.Schema, t.Name}
}

func (d SQLServer) Insert(t Table) string        { return d.sql(t).insert() }
func (d SQLServer) Reclaim(t Table) string       { return d.sql(t).reclaim() }
func (d SQLServer) Extend(t Table) string        { return d.sql(t).extend() }
func (d SQLServer) Release(t Table) string       { return d.sql(t).release() }
func (d SQLServer) MarkProcessed(t Table) string { return d.sql(t).markProcessed() }
func (d SQLServer) Status(t Table) string        { return d.sql(t).status() }
func (d SQLServer) Lookup(t Table) string        { return d.sql(t).lookup() }
func (SQLServer) Time(t time.Time) any           { return t.UTC() }

// IsUniqueViolation matches primary key (2627) and unique index (2601) violations.
func (SQLServer) IsUniqueViolation(err error) bool {
	var e mssql.Error
	if errors.As(err, &e) {
		return e.Number == 2627 || e.Number == 2601
	}
	return false
}

// PostgreSQL works with both the pgx and lib/pq drivers.
type PostgreSQL struct{}

func (PostgreSQL) Name() string       { return "postgres" }
func (PostgreSQL) DriverName() string { return "pgx" }

func (PostgreSQL) sql(t Table) ledgerSQL {
	return ledgerSQL{
		table: fmt.Sprintf(`"%s"."%s"`, t.Schema, t.Name),
		ph:    func(n int) string { return fmt.Sprintf("$%d", n) },
	}
}

func (d PostgreSQL) CreateTable(t Table) []string {
	return []string{
		fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS "%s"`, t.Schema),
		fmt.Sprintf(`CREATE TABLE %s (
	Id VARCHAR(64) NOT NULL PRIMARY KEY,
	Kind VARCHAR(256) NOT NULL,
	Data TEXT NOT NULL,
	OccurredOn TIMESTAMPTZ NOT NULL,
	ProcessedDate TIMESTAMPTZ NULL,
	LockedUntil TIMESTAMPTZ NULL,
	LockToken VARCHAR(64) NULL
)`, d.sql(t).table),
	}
}

func (PostgreSQL) TableExists(t Table) (string, []any) {
	return "SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = $1 AND table_name = $2",
		[]any{t.Schema, t.Name}
}

func (d PostgreSQL) Insert(t Table) string        { return d.sql(t).insert() }
func (d PostgreSQL) Reclaim(t Table) string       { return d.sql(t).reclaim() }
func (d PostgreSQL) Extend(t Table) string        { return d.sql(t).extend() }
func (d PostgreSQL) Release(t Table) string       { return d.sql(t).release() }
func (d PostgreSQL) MarkProcessed(t Table) string { return d.sql(t).markProcessed() }
func (d PostgreSQL) Status(t Table) string        { return d.sql(t).status() }
func (d PostgreSQL) Lookup(t Table) string        { return d.sql(t).lookup() }
func (PostgreSQL) Time(t time.Time) any           { return t.UTC() }

const pgUniqueViolation = "23505"

func (PostgreSQL) IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == pgUniqueViolation
	}
	return false
}

// MySQL keeps the ledger in the connection's current database; Schema is ignored.
type MySQL struct{}

func (MySQL) Name() string       { return "mysql" }
func (MySQL) DriverName() string { return "mysql" }

func (MySQL) sql(t Table) ledgerSQL {
	return ledgerSQL{table: fmt.Sprintf("`%s`", t.Name), ph: question}
}

func (d MySQL) CreateTable(t Table) []string {
	return []string{fmt.Sprintf(`CREATE TABLE %s (
	Id VARCHAR(64) NOT NULL PRIMARY KEY,
	Kind VARCHAR(256) NOT NULL,
	Data LONGTEXT NOT NULL,
	OccurredOn DATETIME(6) NOT NULL,
	ProcessedDate DATETIME(6) NULL,
	LockedUntil DATETIME(6) NULL,
	LockToken VARCHAR(64) NULL
)`, d.sql(t).table)}
}

func (MySQL) TableExists(t Table) (string, []any) {
	return "SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = DATABASE() AND table_name = ?",
		[]any{t.Name}
}

func (d MySQL) Insert(t Table) string        { return d.sql(t).insert() }
func (d MySQL) Reclaim(t Table) string       { return d.sql(t).reclaim() }
func (d MySQL) Extend(t Table) string        { return d.sql(t).extend() }
func (d MySQL) Release(t Table) string       { return d.sql(t).release() }
func (d MySQL) MarkProcessed(t Table) string { return d.sql(t).markProcessed() }
func (d MySQL) Status(t Table) string        { return d.sql(t).status() }
func (d MySQL) Lookup(t Table) string        { return d.sql(t).lookup() }
func (MySQL) Time(t time.Time) any           { return t.UTC() }

const mysqlDuplicateEntry = 1062

func (MySQL) IsUniqueViolation(err error) bool {
	var e *mysql.MySQLError
	return errors.As(err, &e) && e.Number == mysqlDuplicateEntry
}

// SQLite has no schemas. Timestamps are stored as fixed-width UTC text so
// that string comparison orders them.
type SQLite struct{}

const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

func (SQLite) Name() string       { return "sqlite" }
func (SQLite) DriverName() string { return "sqlite3" }

func (SQLite) sql(t Table) ledgerSQL {
	return ledgerSQL{table: fmt.Sprintf(`"%s"`, t.Name), ph: question}
}

func (d SQLite) CreateTable(t Table) []string {
	return []string{fmt.Sprintf(`CREATE TABLE %s (
	Id TEXT NOT NULL PRIMARY KEY,
	Kind TEXT NOT NULL,
	Data TEXT NOT NULL,
	OccurredOn TEXT NOT NULL,
	ProcessedDate TEXT NULL,
	LockedUntil TEXT NULL,
	LockToken TEXT NULL
)`, d.sql(t).table)}
}

func (SQLite) TableExists(t Table) (string, []any) {
	return "SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", []any{t.Name}
}

func (d SQLite) Insert(t Table) string        { return d.sql(t).insert() }
func (d SQLite) Reclaim(t Table) string       { return d.sql(t).reclaim() }
func (d SQLite) Extend(t Table) string        { return d.sql(t).extend() }
func (d SQLite) Release(t Table) string       { return d.sql(t).release() }
func (d SQLite) MarkProcessed(t Table) string { return d.sql(t).markProcessed() }
func (d SQLite) Status(t Table) string        { return d.sql(t).status() }
func (d SQLite) Lookup(t Table) string        { return d.sql(t).lookup() }
func (SQLite) Time(t time.Time) any           { return t.UTC().Format(sqliteTimeLayout) }

func (SQLite) IsUniqueViolation(err error) bool {
	var e sqlite3.Error
	if !errors.As(err, &e) || e.Code != sqlite3.ErrConstraint {
		return false
	}
	return e.ExtendedCode == sqlite3.ErrConstraintUnique || e.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}
