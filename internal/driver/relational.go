package driver

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/seantiz/querygate/internal/model"
)

const (
	postgresListQuery = `SELECT datname FROM pg_database WHERE NOT datistemplate AND datallowconn ORDER BY datname`
	mysqlListQuery    = `SHOW DATABASES`

	// adminDatabase is connected to when listing postgres databases.
	adminDatabase = "postgres"
)

// Compile-time interface satisfaction check.
var _ Driver = (*Relational)(nil)

// Relational serves postgres and mysql instances through database/sql.
//
// With caching enabled, one *sql.DB per (instance, database) is kept and
// bounded to MaxConns open connections. Without it, every call opens and
// closes its own handle.
type Relational struct {
	MaxConns int
	cache    bool

	mu  sync.Mutex
	dbs map[string]*sql.DB
}

// NewRelational creates a relational driver. maxConns bounds each cached
// handle; cache selects whether handles outlive a call.
func NewRelational(maxConns int, cache bool) *Relational {
	if maxConns <= 0 {
		maxConns = 1
	}
	return &Relational{MaxConns: maxConns, cache: cache, dbs: make(map[string]*sql.DB)}
}

// Kind reports model.EngineRelational.
func (r *Relational) Kind() model.EngineKind { return model.EngineRelational }

// Validate requires an inline query to hold exactly one statement and a
// script to hold at least one.
func (r *Relational) Validate(dialect string, kind model.PayloadKind, payload string) error {
	_, err := parseSQL(kind, payload, dialect)
	return err
}

func parseSQL(kind model.PayloadKind, payload, dialect string) ([]string, error) {
	stmts, err := SplitStatements(payload, dialect)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrMalformedQuery, err)
	}
	switch kind {
	case model.PayloadInlineQuery:
		if len(stmts) != 1 {
			return nil, fmt.Errorf("%w: inline query must contain exactly one statement, found %d", model.ErrMalformedQuery, len(stmts))
		}
	case model.PayloadUploadedScript:
		if len(stmts) == 0 {
			return nil, fmt.Errorf("%w: script contains no statements", model.ErrMalformedQuery)
		}
	default:
		return nil, fmt.Errorf("%w: unknown payload kind %q", model.ErrMalformedQuery, kind)
	}
	return stmts, nil
}

// ListDatabases lists the databases visible to the instance credential.
func (r *Relational) ListDatabases(ctx context.Context, t Target) ([]string, error) {
	database := ""
	query := mysqlListQuery
	if t.Dialect != model.DialectMySQL {
		database = adminDatabase
		query = postgresListQuery
	}

	db, release, err := r.open(t, database)
	if err != nil {
		return nil, err
	}
	defer release()

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list databases on %s: %w", t.InstanceID, err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan database name: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate database names: %w", err)
	}
	return names, nil
}

// Execute runs an inline statement, or a script inside one transaction.
func (r *Relational) Execute(ctx context.Context, t Target, exec Exec, logf LogFunc) (*Result, error) {
	stmts, err := parseSQL(exec.PayloadKind, exec.Payload, t.Dialect)
	if err != nil {
		return nil, err
	}
	if logf == nil {
		logf = func(string) {}
	}

	ctx, cancel := withBudget(ctx, exec.Budget)
	defer cancel()

	db, release, err := r.open(t, exec.Database)
	if err != nil {
		return nil, err
	}
	defer release()

	if exec.PayloadKind == model.PayloadInlineQuery {
		logf(fmt.Sprintf("executing statement on %s/%s", t.InstanceID, exec.Database))
		res, err := runStatement(ctx, db, stmts[0], t.Dialect)
		if err != nil {
			return nil, execError(ctx, err)
		}
		logf(summary(res))
		return res, nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, execError(ctx, err)
	}
	defer tx.Rollback()

	script := &Result{}
	for i, stmt := range stmts {
		logf(fmt.Sprintf("statement %d/%d", i+1, len(stmts)))
		res, err := runStatement(ctx, tx, stmt, t.Dialect)
		if err != nil {
			return nil, execError(ctx, fmt.Errorf("statement %d: %w", i+1, err))
		}
		logf(summary(res))
		script.Steps = append(script.Steps, res)
		script.RowsAffected += res.RowsAffected
		script.RowCount += res.RowCount
	}
	if err := tx.Commit(); err != nil {
		return nil, execError(ctx, fmt.Errorf("commit: %w", err))
	}
	logf("script committed")
	return script, nil
}

// Close closes every cached handle.
func (r *Relational) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for key, db := range r.dbs {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(r.dbs, key)
	}
	return firstErr
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func runStatement(ctx context.Context, q queryer, stmt, dialect string) (*Result, error) {
	if !returnsRows(stmt, dialect) {
		res, err := q.ExecContext(ctx, stmt)
		if err != nil {
			return nil, err
		}
		n, _ := res.RowsAffected()
		return &Result{RowsAffected: n}, nil
	}

	rows, err := q.QueryContext(ctx, stmt)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	res := &Result{Columns: cols, Rows: [][]any{}}
	for rows.Next() {
		if res.RowCount >= MaxRows {
			res.Truncated = true
			break
		}
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		for i, v := range vals {
			if b, ok := v.([]byte); ok {
				vals[i] = string(b)
			}
		}
		res.Rows = append(res.Rows, vals)
		res.RowCount++
	}
	return res, rows.Err()
}

func summary(res *Result) string {
	if res.Columns != nil {
		s := fmt.Sprintf("%d row(s) returned", res.RowCount)
		if res.Truncated {
			s += fmt.Sprintf(" (truncated at %d)", MaxRows)
		}
		return s
	}
	return fmt.Sprintf("%d row(s) affected", res.RowsAffected)
}

// execError classifies a failed call as a timeout when the budget expired.
func execError(ctx context.Context, err error) error {
	if ctx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("%w: %v", model.ErrTimedOut, err)
	}
	return fmt.Errorf("%w: %v", model.ErrExecutionFailed, err)
}

// open returns a handle for (t, database) and a release func.
func (r *Relational) open(t Target, database string) (*sql.DB, func(), error) {
	if !r.cache {
		db, err := r.connect(t, database)
		if err != nil {
			return nil, nil, err
		}
		return db, func() { db.Close() }, nil
	}

	key := t.InstanceID + "/" + database
	r.mu.Lock()
	defer r.mu.Unlock()
	if db, ok := r.dbs[key]; ok {
		return db, func() {}, nil
	}
	db, err := r.connect(t, database)
	if err != nil {
		return nil, nil, err
	}
	r.dbs[key] = db
	return db, func() {}, nil
}

func (r *Relational) connect(t Target, database string) (*sql.DB, error) {
	var db *sql.DB
	switch t.Dialect {
	case model.DialectMySQL:
		cfg, err := mysqlConfig(t, database)
		if err != nil {
			return nil, err
		}
		connector, err := mysql.NewConnector(cfg)
		if err != nil {
			return nil, fmt.Errorf("%w: mysql connector: %v", model.ErrTargetUnavailable, err)
		}
		db = sql.OpenDB(connector)
	default:
		cfg, err := postgresConfig(t, database)
		if err != nil {
			return nil, err
		}
		db = stdlib.OpenDB(*cfg)
	}

	db.SetMaxOpenConns(r.MaxConns)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return db, nil
}

func postgresConfig(t Target, database string) (*pgx.ConnConfig, error) {
	dsn := t.ConnectionString
	if dsn == "" {
		dsn = "host=" + t.Host + " port=" + strconv.Itoa(t.Port)
	}
	cfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: parse postgres config for %s: %v", model.ErrTargetUnavailable, t.InstanceID, err)
	}
	if t.User != "" {
		cfg.User = t.User
	}
	if t.Password != "" {
		cfg.Password = t.Password
	}
	if database != "" {
		cfg.Database = database
	}
	return cfg, nil
}

func mysqlConfig(t Target, database string) (*mysql.Config, error) {
	cfg := mysql.NewConfig()
	if t.ConnectionString != "" {
		parsed, err := mysql.ParseDSN(t.ConnectionString)
		if err != nil {
			return nil, fmt.Errorf("%w: parse mysql dsn for %s: %v", model.ErrTargetUnavailable, t.InstanceID, err)
		}
		cfg = parsed
	} else {
		cfg.Net = "tcp"
		cfg.Addr = fmt.Sprintf("%s:%d", t.Host, t.Port)
	}
	if t.User != "" {
		cfg.User = t.User
	}
	if t.Password != "" {
		cfg.Passwd = t.Password
	}
	if database != "" {
		cfg.DBName = database
	}
	cfg.ParseTime = true
	return cfg, nil
}
