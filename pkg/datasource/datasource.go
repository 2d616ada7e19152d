// Package datasource provides the DataSource capability the repositories
// consume: a sqlx connector, transaction support, schema registration, and
// rendering of compiled query specs to dialect SQL.
package datasource

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/doug-martin/goqu/v9"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	// PostgreSQL driver and goqu dialect.
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	_ "github.com/lib/pq"

	"github.com/ignis-framework/ignis/pkg/config"
	"github.com/ignis-framework/ignis/pkg/errors"
	"github.com/ignis-framework/ignis/pkg/observability"
	"github.com/ignis-framework/ignis/pkg/query"
)

// Connector is the execution surface shared by the pooled connection and a
// transaction, so repository operations route through either untouched.
type Connector interface {
	sqlx.ExtContext
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
}

// DataSource is the capability the framework core depends on. The concrete
// SQL dialect and pooling driver stay behind this interface.
type DataSource interface {
	Name() string
	Connect(ctx context.Context) error
	Close() error
	Connector() Connector
	BeginTransaction(ctx context.Context, isolation sql.IsolationLevel) (*Transaction, error)
	Render(table string, spec *query.Spec) (string, []interface{}, error)
	Dialect() goqu.DialectWrapper
}

// Transaction carries an isolated connector. Repository operations passed
// a transaction route through it instead of the pooled connection.
type Transaction struct {
	tx *sqlx.Tx
}

// Connector returns the transaction-scoped connector.
func (t *Transaction) Connector() Connector { return t.tx }

// Commit commits the transaction.
func (t *Transaction) Commit() error { return t.tx.Commit() }

// Rollback aborts the transaction.
func (t *Transaction) Rollback() error { return t.tx.Rollback() }

// Relational is the sqlx-backed DataSource. Instantiation via the booter
// calls Connect, which opens and pings the pool.
type Relational struct {
	name    string
	cfg     config.DatabaseConfig
	db      *sqlx.DB
	dialect goqu.DialectWrapper
	logger  observability.Logger
}

// NewRelational creates a relational data source; Connect must be called
// before use (the application boot phase does this).
func NewRelational(name string, cfg config.DatabaseConfig, logger observability.Logger) *Relational {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	driver := cfg.Driver
	if driver == "" {
		driver = "postgres"
	}
	return &Relational{name: name, cfg: cfg, dialect: goqu.Dialect(driver), logger: logger}
}

// NewRelationalFromDB wraps an already-open pool. Connect becomes a no-op;
// callers own the pool's lifecycle configuration.
func NewRelationalFromDB(name string, db *sqlx.DB, dialect string, logger observability.Logger) *Relational {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if dialect == "" {
		dialect = "postgres"
	}
	return &Relational{name: name, db: db, dialect: goqu.Dialect(dialect), logger: logger}
}

// Name returns the data source name used as its binding key suffix.
func (ds *Relational) Name() string { return ds.name }

// Dialect exposes the goqu dialect for statement building.
func (ds *Relational) Dialect() goqu.DialectWrapper { return ds.dialect }

// Connect opens the pool and verifies it with a ping.
func (ds *Relational) Connect(ctx context.Context) error {
	if ds.db != nil {
		return nil
	}
	dsn := ds.cfg.DSN
	if dsn == "" {
		dsn = fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
			ds.cfg.Host, ds.cfg.Port, ds.cfg.Database, ds.cfg.Username,
			ds.cfg.Password, ds.cfg.SSLMode)
	}
	driver := ds.cfg.Driver
	if driver == "" {
		driver = "postgres"
	}

	db, err := sqlx.ConnectContext(ctx, driver, dsn)
	if err != nil {
		return errors.Wrap(err, errors.KindConfigInvalid,
			"data source %q failed to connect", ds.name)
	}
	if ds.cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(ds.cfg.MaxOpenConns)
	}
	if ds.cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(ds.cfg.MaxIdleConns)
	}
	if ds.cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(ds.cfg.ConnMaxLifetime)
	}
	ds.db = db
	ds.logger.Info("data source connected", map[string]interface{}{
		"name":   ds.name,
		"driver": driver,
	})
	return nil
}

// Close shuts the pool down.
func (ds *Relational) Close() error {
	if ds.db == nil {
		return nil
	}
	return ds.db.Close()
}

// Connector returns the pooled connection surface.
func (ds *Relational) Connector() Connector { return ds.db }

// BeginTransaction starts a transaction at the given isolation level
// (sql.LevelDefault for the driver default).
func (ds *Relational) BeginTransaction(ctx context.Context, isolation sql.IsolationLevel) (*Transaction, error) {
	tx, err := ds.db.BeginTxx(ctx, &sql.TxOptions{Isolation: isolation})
	if err != nil {
		return nil, MapError(err)
	}
	return &Transaction{tx: tx}, nil
}

// Render turns a compiled query spec into dialect SQL with bound args.
func (ds *Relational) Render(table string, spec *query.Spec) (string, []interface{}, error) {
	dataset := ds.dialect.From(table).Prepared(true)
	if len(spec.Columns) > 0 {
		cols := make([]interface{}, len(spec.Columns))
		for i, c := range spec.Columns {
			cols[i] = goqu.C(c)
		}
		dataset = dataset.Select(cols...)
	}
	if spec.Where != nil {
		dataset = dataset.Where(spec.Where)
	}
	if len(spec.OrderBy) > 0 {
		dataset = dataset.Order(spec.OrderBy...)
	}
	if spec.Limit != nil {
		dataset = dataset.Limit(*spec.Limit)
	}
	if spec.Offset != nil {
		dataset = dataset.Offset(*spec.Offset)
	}
	sqlText, args, err := dataset.ToSQL()
	if err != nil {
		return "", nil, errors.Wrap(err, errors.KindQueryInvalid,
			"failed to render query for table %q", table)
	}
	return sqlText, args, nil
}

// MapError classifies driver errors into the framework taxonomy: missing
// rows to not-found, integrity-constraint violations (SQLSTATE class 23)
// to conflict.
func MapError(err error) error {
	if err == nil {
		return nil
	}
	if err == sql.ErrNoRows {
		return errors.Wrap(err, errors.KindNotFound, "no rows in result set")
	}
	if pqErr, ok := err.(*pq.Error); ok {
		if strings.HasPrefix(string(pqErr.Code), "23") {
			return errors.Wrap(err, errors.KindConflict, "constraint violation: %s", pqErr.Constraint)
		}
	}
	return err
}
