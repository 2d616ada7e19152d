package datasource

import (
	"context"
	"database/sql"
	"fmt"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignis-framework/ignis/pkg/config"
	"github.com/ignis-framework/ignis/pkg/errors"
	"github.com/ignis-framework/ignis/pkg/query"
)

func newMockDataSource(t *testing.T) (*Relational, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewRelationalFromDB("main", sqlx.NewDb(db, "sqlmock"), "postgres", nil), mock
}

func uintPtr(v uint) *uint { return &v }

func TestRenderFullSpec(t *testing.T) {
	ds, _ := newMockDataSource(t)

	spec := &query.Spec{
		Columns: []string{"id", "name"},
		Where:   goqu.C("status").Eq("active"),
		OrderBy: []exp.OrderedExpression{goqu.C("name").Asc()},
		Limit:   uintPtr(10),
		Offset:  uintPtr(20),
	}

	sqlText, args, err := ds.Render("customers", spec)
	require.NoError(t, err)
	assert.Equal(t,
		`SELECT "id", "name" FROM "customers" WHERE ("status" = $1) ORDER BY "name" ASC LIMIT $2 OFFSET $3`,
		sqlText)
	require.Len(t, args, 3)
	assert.Equal(t, "active", args[0])
	assert.EqualValues(t, 10, args[1])
	assert.EqualValues(t, 20, args[2])
}

func TestRenderEmptySpecSelectsAll(t *testing.T) {
	ds, _ := newMockDataSource(t)

	sqlText, args, err := ds.Render("customers", &query.Spec{})
	require.NoError(t, err)
	assert.Equal(t, `SELECT * FROM "customers"`, sqlText)
	assert.Empty(t, args)
}

func TestConnectIsNoOpWithWrappedPool(t *testing.T) {
	ds, _ := newMockDataSource(t)
	assert.NoError(t, ds.Connect(context.Background()))
	assert.NotNil(t, ds.Connector())
	assert.Equal(t, "main", ds.Name())
}

func TestCloseWithoutPool(t *testing.T) {
	ds := NewRelational("idle", config.DatabaseConfig{Driver: "postgres"}, nil)
	assert.NoError(t, ds.Close())
}

func TestTransactionCommit(t *testing.T) {
	ds, mock := newMockDataSource(t)
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE customers").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	tx, err := ds.BeginTransaction(context.Background(), sql.LevelDefault)
	require.NoError(t, err)
	_, err = tx.Connector().ExecContext(context.Background(), "UPDATE customers SET name = $1", "n")
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransactionRollback(t *testing.T) {
	ds, mock := newMockDataSource(t)
	mock.ExpectBegin()
	mock.ExpectRollback()

	tx, err := ds.BeginTransaction(context.Background(), sql.LevelDefault)
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMapErrorClassification(t *testing.T) {
	assert.NoError(t, MapError(nil))

	err := MapError(sql.ErrNoRows)
	assert.True(t, errors.IsKind(err, errors.KindNotFound))

	err = MapError(&pq.Error{Code: "23505", Constraint: "customers_email_key"})
	assert.True(t, errors.IsKind(err, errors.KindConflict))
	assert.Contains(t, err.Error(), "customers_email_key")

	// Foreign key violations are the same SQLSTATE class.
	err = MapError(&pq.Error{Code: "23503"})
	assert.True(t, errors.IsKind(err, errors.KindConflict))

	// Errors outside class 23 pass through unclassified.
	undefined := &pq.Error{Code: "42P01"}
	assert.Equal(t, error(undefined), MapError(undefined))

	plain := fmt.Errorf("connection reset")
	assert.Equal(t, error(plain), MapError(plain))
}
