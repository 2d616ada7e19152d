// Package repository implements the default CRUD repository over a
// DataSource and a registered model. Every read composes the model's
// default filter with the caller's filter through the FilterBuilder unless
// the call opts out with SkipDefaultFilter. Results are returned in
// {data, count} envelopes. Repositories are stateless beyond the cached
// default-filter reference and safe to share across requests.
package repository

import (
	"context"
	"database/sql"
	"sync"

	"github.com/doug-martin/goqu/v9"

	"github.com/ignis-framework/ignis/pkg/datasource"
	"github.com/ignis-framework/ignis/pkg/errors"
	"github.com/ignis-framework/ignis/pkg/query"
)

// Options modifies a single repository call.
type Options struct {
	// Transaction routes the operation through the transaction's connector
	// instead of the data source's pooled connection.
	Transaction *datasource.Transaction
	// SkipDefaultFilter runs the user filter alone on read paths.
	SkipDefaultFilter bool
	// ShouldReturn controls whether create operations fetch the inserted
	// rows back. Defaults to true.
	ShouldReturn *bool
}

// ListEnvelope wraps a sequence result.
type ListEnvelope[T any] struct {
	Data  []T `json:"data"`
	Count int `json:"count"`
}

// ItemEnvelope wraps a single-record result; Data is nil when no row
// matched and the operation tolerates that.
type ItemEnvelope[T any] struct {
	Data *T `json:"data"`
}

// CountEnvelope wraps a primitive count result.
type CountEnvelope struct {
	Data  int64 `json:"data"`
	Count int64 `json:"count"`
}

// Crud is the default repository for one registered model.
type Crud[T any] struct {
	ds      datasource.DataSource
	builder *query.FilterBuilder
	models  query.ModelResolver
	table   string

	mu            sync.Mutex
	defaultFilter *query.Filter
	defaultRead   bool
}

// NewCrud creates a repository for the model registered under table.
func NewCrud[T any](ds datasource.DataSource, builder *query.FilterBuilder, models query.ModelResolver, table string) *Crud[T] {
	return &Crud[T]{ds: ds, builder: builder, models: models, table: table}
}

// Table returns the model table this repository operates on.
func (r *Crud[T]) Table() string { return r.table }

func (r *Crud[T]) entry() (*query.ModelEntry, error) {
	entry, ok := r.models.ModelByName(r.table)
	if !ok {
		return nil, errors.New(errors.KindConfigInvalid,
			"model %q is not registered", r.table)
	}
	return entry, nil
}

// getDefaultFilter reads the model's default filter from the registry on
// first use and caches it for the repository lifetime.
func (r *Crud[T]) getDefaultFilter() (*query.Filter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.defaultRead {
		return r.defaultFilter, nil
	}
	entry, err := r.entry()
	if err != nil {
		return nil, err
	}
	r.defaultFilter = entry.DefaultFilter
	r.defaultRead = true
	return r.defaultFilter, nil
}

// composeFilter merges the default filter under the user filter, or passes
// the user filter through when the call skips the default.
func (r *Crud[T]) composeFilter(filter *query.Filter, opts *Options) (*query.Filter, error) {
	if opts != nil && opts.SkipDefaultFilter {
		return filter, nil
	}
	def, err := r.getDefaultFilter()
	if err != nil {
		return nil, err
	}
	if def == nil {
		return filter, nil
	}
	return query.Merge(def, filter), nil
}

func (r *Crud[T]) connector(opts *Options) datasource.Connector {
	if opts != nil && opts.Transaction != nil {
		return opts.Transaction.Connector()
	}
	return r.ds.Connector()
}

// Find returns all records matching the composed filter.
func (r *Crud[T]) Find(ctx context.Context, filter *query.Filter, opts *Options) (*ListEnvelope[T], error) {
	entry, err := r.entry()
	if err != nil {
		return nil, err
	}
	composed, err := r.composeFilter(filter, opts)
	if err != nil {
		return nil, err
	}
	spec, err := r.builder.Build(entry, composed)
	if err != nil {
		return nil, err
	}
	sqlText, args, err := r.ds.Render(r.table, spec)
	if err != nil {
		return nil, err
	}
	var out []T
	if err := r.connector(opts).SelectContext(ctx, &out, sqlText, args...); err != nil {
		return nil, datasource.MapError(err)
	}
	return &ListEnvelope[T]{Data: out, Count: len(out)}, nil
}

// FindOne returns the first record matching the composed filter, with the
// limit forced to 1 in the compiled spec. Data is nil when nothing matched.
func (r *Crud[T]) FindOne(ctx context.Context, filter *query.Filter, opts *Options) (*ItemEnvelope[T], error) {
	entry, err := r.entry()
	if err != nil {
		return nil, err
	}
	composed, err := r.composeFilter(filter, opts)
	if err != nil {
		return nil, err
	}
	spec, err := r.builder.Build(entry, composed)
	if err != nil {
		return nil, err
	}
	one := uint(1)
	spec.Limit = &one
	sqlText, args, err := r.ds.Render(r.table, spec)
	if err != nil {
		return nil, err
	}
	var out T
	if err := r.connector(opts).GetContext(ctx, &out, sqlText, args...); err != nil {
		if errors.IsKind(datasource.MapError(err), errors.KindNotFound) {
			return &ItemEnvelope[T]{}, nil
		}
		return nil, datasource.MapError(err)
	}
	return &ItemEnvelope[T]{Data: &out}, nil
}

// FindByID returns the record with the given id, with an id-equality
// predicate injected into the composed filter's where.
func (r *Crud[T]) FindByID(ctx context.Context, id interface{}, filter *query.Filter, opts *Options) (*ItemEnvelope[T], error) {
	entry, err := r.entry()
	if err != nil {
		return nil, err
	}
	idFilter := &query.Filter{Where: query.Where{entry.Schema.IDColumn: id}}
	if filter == nil {
		filter = idFilter
	} else {
		filter = query.Merge(filter, idFilter)
	}
	return r.FindOne(ctx, filter, opts)
}

func shouldReturn(opts *Options) bool {
	if opts == nil || opts.ShouldReturn == nil {
		return true
	}
	return *opts.ShouldReturn
}

// Create inserts one record. With ShouldReturn (the default) the inserted
// row, including generated columns, comes back in the envelope.
func (r *Crud[T]) Create(ctx context.Context, data *T, opts *Options) (*ItemEnvelope[T], error) {
	insert := r.ds.Dialect().Insert(r.table).Prepared(true).Rows(data)
	if shouldReturn(opts) {
		sqlText, args, err := insert.Returning(goqu.Star()).ToSQL()
		if err != nil {
			return nil, errors.Wrap(err, errors.KindQueryInvalid, "failed to render insert")
		}
		var out T
		if err := r.connector(opts).GetContext(ctx, &out, sqlText, args...); err != nil {
			return nil, datasource.MapError(err)
		}
		return &ItemEnvelope[T]{Data: &out}, nil
	}
	sqlText, args, err := insert.ToSQL()
	if err != nil {
		return nil, errors.Wrap(err, errors.KindQueryInvalid, "failed to render insert")
	}
	if _, err := r.connector(opts).ExecContext(ctx, sqlText, args...); err != nil {
		return nil, datasource.MapError(err)
	}
	return &ItemEnvelope[T]{Data: data}, nil
}

// CreateAll inserts a batch in one statement.
func (r *Crud[T]) CreateAll(ctx context.Context, data []T, opts *Options) (*ListEnvelope[T], error) {
	if len(data) == 0 {
		return &ListEnvelope[T]{Data: []T{}}, nil
	}
	rows := make([]interface{}, len(data))
	for i := range data {
		rows[i] = data[i]
	}
	insert := r.ds.Dialect().Insert(r.table).Prepared(true).Rows(rows...)
	if shouldReturn(opts) {
		sqlText, args, err := insert.Returning(goqu.Star()).ToSQL()
		if err != nil {
			return nil, errors.Wrap(err, errors.KindQueryInvalid, "failed to render insert")
		}
		var out []T
		if err := r.connector(opts).SelectContext(ctx, &out, sqlText, args...); err != nil {
			return nil, datasource.MapError(err)
		}
		return &ListEnvelope[T]{Data: out, Count: len(out)}, nil
	}
	sqlText, args, err := insert.ToSQL()
	if err != nil {
		return nil, errors.Wrap(err, errors.KindQueryInvalid, "failed to render insert")
	}
	if _, err := r.connector(opts).ExecContext(ctx, sqlText, args...); err != nil {
		return nil, datasource.MapError(err)
	}
	return &ListEnvelope[T]{Data: data, Count: len(data)}, nil
}

// compileWhere compiles a bare where tree for update/delete/count paths.
func (r *Crud[T]) compileWhere(where query.Where) (*query.Spec, error) {
	entry, err := r.entry()
	if err != nil {
		return nil, err
	}
	return r.builder.Build(entry, &query.Filter{Where: where})
}

// UpdateByID updates one record by id. A missing row fails with not-found.
func (r *Crud[T]) UpdateByID(ctx context.Context, id interface{}, data map[string]interface{}, opts *Options) (*CountEnvelope, error) {
	entry, err := r.entry()
	if err != nil {
		return nil, err
	}
	env, err := r.updateWhere(ctx, query.Where{entry.Schema.IDColumn: id}, data, opts)
	if err != nil {
		return nil, err
	}
	if env.Count == 0 {
		return nil, errors.New(errors.KindNotFound,
			"no %q record with id %v", r.table, id)
	}
	return env, nil
}

// UpdateWhere updates every record matching the where tree and returns the
// affected count.
func (r *Crud[T]) UpdateWhere(ctx context.Context, where query.Where, data map[string]interface{}, opts *Options) (*CountEnvelope, error) {
	return r.updateWhere(ctx, where, data, opts)
}

func (r *Crud[T]) updateWhere(ctx context.Context, where query.Where, data map[string]interface{}, opts *Options) (*CountEnvelope, error) {
	spec, err := r.compileWhere(where)
	if err != nil {
		return nil, err
	}
	update := r.ds.Dialect().Update(r.table).Prepared(true).Set(goqu.Record(data))
	if spec.Where != nil {
		update = update.Where(spec.Where)
	}
	sqlText, args, err := update.ToSQL()
	if err != nil {
		return nil, errors.Wrap(err, errors.KindQueryInvalid, "failed to render update")
	}
	res, err := r.connector(opts).ExecContext(ctx, sqlText, args...)
	if err != nil {
		return nil, datasource.MapError(err)
	}
	affected, _ := res.RowsAffected()
	return &CountEnvelope{Data: affected, Count: affected}, nil
}

// DeleteByID deletes one record by id. A missing row fails with not-found.
func (r *Crud[T]) DeleteByID(ctx context.Context, id interface{}, opts *Options) (*CountEnvelope, error) {
	entry, err := r.entry()
	if err != nil {
		return nil, err
	}
	env, err := r.DeleteWhere(ctx, query.Where{entry.Schema.IDColumn: id}, opts)
	if err != nil {
		return nil, err
	}
	if env.Count == 0 {
		return nil, errors.New(errors.KindNotFound,
			"no %q record with id %v", r.table, id)
	}
	return env, nil
}

// DeleteWhere deletes every record matching the where tree and returns the
// affected count.
func (r *Crud[T]) DeleteWhere(ctx context.Context, where query.Where, opts *Options) (*CountEnvelope, error) {
	spec, err := r.compileWhere(where)
	if err != nil {
		return nil, err
	}
	del := r.ds.Dialect().Delete(r.table).Prepared(true)
	if spec.Where != nil {
		del = del.Where(spec.Where)
	}
	sqlText, args, err := del.ToSQL()
	if err != nil {
		return nil, errors.Wrap(err, errors.KindQueryInvalid, "failed to render delete")
	}
	res, err := r.connector(opts).ExecContext(ctx, sqlText, args...)
	if err != nil {
		return nil, datasource.MapError(err)
	}
	affected, _ := res.RowsAffected()
	return &CountEnvelope{Data: affected, Count: affected}, nil
}

// Count returns how many records match the where tree, composed with the
// default filter's where unless skipped.
func (r *Crud[T]) Count(ctx context.Context, where query.Where, opts *Options) (*CountEnvelope, error) {
	composed, err := r.composeFilter(&query.Filter{Where: where}, opts)
	if err != nil {
		return nil, err
	}
	spec, err := r.compileWhere(composed.Where)
	if err != nil {
		return nil, err
	}
	dataset := r.ds.Dialect().From(r.table).Prepared(true).Select(goqu.COUNT(goqu.Star()))
	if spec.Where != nil {
		dataset = dataset.Where(spec.Where)
	}
	sqlText, args, err := dataset.ToSQL()
	if err != nil {
		return nil, errors.Wrap(err, errors.KindQueryInvalid, "failed to render count")
	}
	var count int64
	if err := r.connector(opts).GetContext(ctx, &count, sqlText, args...); err != nil {
		return nil, datasource.MapError(err)
	}
	return &CountEnvelope{Data: count, Count: count}, nil
}

// BeginTransaction starts a transaction on the underlying data source. The
// returned handle is passed back through Options.Transaction.
func (r *Crud[T]) BeginTransaction(ctx context.Context, isolation sql.IsolationLevel) (*datasource.Transaction, error) {
	return r.ds.BeginTransaction(ctx, isolation)
}
