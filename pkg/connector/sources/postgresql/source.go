// Package postgresql reads record groups from PostgreSQL: parent rows in
// keyset-paginated chunks, children with one grouped lookup per chunk and
// child type.
package postgresql

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/fairagro/sql2arc/pkg/config"
	"github.com/fairagro/sql2arc/pkg/errors"
	"github.com/fairagro/sql2arc/pkg/models"
)

// Querier is the subset of pgxpool.Pool used by the source
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// ChildSpec describes one child record type
type ChildSpec struct {
	Name       string
	Table      string
	Columns    []string
	IDColumn   string
	ForeignKey string
	// Parent is "" for children of the root record, otherwise the name of
	// an earlier child type.
	Parent string
}

// Options configures a Source
type Options struct {
	Table    string
	IDColumn string
	Columns  []string
	Children []ChildSpec
}

// OptionsFromConfig converts the source section of the run configuration
func OptionsFromConfig(cfg config.SourceConfig) Options {
	opts := Options{
		Table:    cfg.ParentTable,
		IDColumn: cfg.IDColumn,
		Columns:  cfg.ParentColumns,
	}
	for _, ch := range cfg.Children {
		opts.Children = append(opts.Children, ChildSpec{
			Name:       ch.Name,
			Table:      ch.Table,
			Columns:    ch.Columns,
			IDColumn:   ch.IDColumn,
			ForeignKey: ch.ForeignKey,
			Parent:     ch.Parent,
		})
	}
	return opts
}

// Source implements core.Source for PostgreSQL
type Source struct {
	logger *zap.Logger
	db     Querier
	pool   *pgxpool.Pool

	opts     Options
	children map[string]ChildSpec
	builder  sq.StatementBuilderType

	// Keyset cursor; only touched by NextChunk, which is not called concurrently
	lastID interface{}
	done   bool

	chunksRead    atomic.Int64
	groupsRead    atomic.Int64
	childRowsRead atomic.Int64
	queries       atomic.Int64

	closeOnce sync.Once
}

// NewSource creates a source reading through db. The caller keeps
// ownership of db unless it is attached with WithPool.
func NewSource(db Querier, opts Options, logger *zap.Logger) (*Source, error) {
	if opts.Table == "" || opts.IDColumn == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "parent table and id column are required")
	}

	s := &Source{
		logger:   logger.With(zap.String("component", "postgresql_source"), zap.String("table", opts.Table)),
		db:       db,
		opts:     opts,
		children: make(map[string]ChildSpec, len(opts.Children)),
		builder:  sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
	s.opts.Children = append([]ChildSpec(nil), opts.Children...)

	for i, ch := range s.opts.Children {
		if ch.Name == "" || ch.Table == "" || ch.ForeignKey == "" {
			return nil, errors.Newf(errors.ErrorTypeConfig, "child %d: name, table and foreign key are required", i)
		}
		if _, dup := s.children[ch.Name]; dup {
			return nil, errors.Newf(errors.ErrorTypeConfig, "duplicate child type %q", ch.Name)
		}
		if ch.Parent != "" {
			if _, ok := s.children[ch.Parent]; !ok {
				return nil, errors.Newf(errors.ErrorTypeConfig, "child %q: parent %q must be declared before it", ch.Name, ch.Parent)
			}
		}
		if ch.IDColumn == "" {
			ch.IDColumn = "id"
		}
		ch.Columns = withColumns(ch.Columns, ch.IDColumn, ch.ForeignKey)
		s.opts.Children[i] = ch
		s.children[ch.Name] = ch
	}
	s.opts.Columns = withColumns(opts.Columns, opts.IDColumn)

	return s, nil
}

// WithPool makes the source close pool on Close
func (s *Source) WithPool(pool *pgxpool.Pool) *Source {
	s.pool = pool
	return s
}

// NextChunk fetches up to n parent rows after the keyset cursor and
// resolves their children, one query per child type.
func (s *Source) NextChunk(ctx context.Context, n int) ([]*models.RecordGroup, bool, error) {
	if s.done {
		return nil, false, nil
	}
	if n <= 0 {
		return nil, false, errors.Newf(errors.ErrorTypeValidation, "chunk size must be positive, got %d", n)
	}

	start := time.Now()
	query := s.builder.
		Select(quoteAll(s.opts.Columns)...).
		From(quote(s.opts.Table)).
		OrderBy(quote(s.opts.IDColumn)).
		Limit(uint64(n))
	if s.lastID != nil {
		query = query.Where(sq.Gt{quote(s.opts.IDColumn): s.lastID})
	}

	parents, err := s.queryRows(ctx, query)
	if err != nil {
		return nil, false, errors.Wrap(err, errors.ErrorTypeSourceFetch, "failed to fetch parent chunk").
			WithDetail("table", s.opts.Table)
	}

	hasMore := len(parents) == n
	if !hasMore {
		s.done = true
	}
	if len(parents) == 0 {
		return nil, false, nil
	}
	s.lastID = parents[len(parents)-1][s.opts.IDColumn]

	groups := make([]*models.RecordGroup, 0, len(parents))
	// owners maps a record id (root or child) to the group it belongs to,
	// per record type. The root type is "".
	owners := map[string]map[string]*models.RecordGroup{"": {}}
	rowsByType := map[string][]models.Row{"": parents}

	for _, row := range parents {
		g := &models.RecordGroup{
			ID:       FormatID(row[s.opts.IDColumn]),
			Parent:   row,
			Children: make(map[string][]models.Row, len(s.opts.Children)),
		}
		for _, ch := range s.opts.Children {
			g.Children[ch.Name] = []models.Row{}
		}
		owners[""][g.ID] = g
		groups = append(groups, g)
	}

	for _, ch := range s.opts.Children {
		parentIDColumn := s.opts.IDColumn
		if ch.Parent != "" {
			parentIDColumn = s.children[ch.Parent].IDColumn
		}

		ids := make([]interface{}, 0, len(rowsByType[ch.Parent]))
		for _, row := range rowsByType[ch.Parent] {
			ids = append(ids, row[parentIDColumn])
		}

		byParent, err := s.FetchChildren(ctx, ids, ch.Name)
		if err != nil {
			return nil, false, err
		}

		owners[ch.Name] = make(map[string]*models.RecordGroup)
		for _, id := range ids {
			key := FormatID(id)
			g, ok := owners[ch.Parent][key]
			if !ok {
				continue
			}
			for _, row := range byParent[key] {
				g.Children[ch.Name] = append(g.Children[ch.Name], row)
				rowsByType[ch.Name] = append(rowsByType[ch.Name], row)
				owners[ch.Name][FormatID(row[ch.IDColumn])] = g
			}
		}
	}

	s.chunksRead.Add(1)
	s.groupsRead.Add(int64(len(groups)))
	s.logger.Debug("chunk fetched",
		zap.Int("groups", len(groups)),
		zap.Bool("has_more", hasMore),
		zap.Duration("duration", time.Since(start)))

	return groups, hasMore, nil
}

// FetchChildren resolves the children of childType for parentIDs with a
// single `fk = ANY($1)` query.
func (s *Source) FetchChildren(ctx context.Context, parentIDs []interface{}, childType string) (map[string][]models.Row, error) {
	ch, ok := s.children[childType]
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeSourceFetch, "unknown child type %q", childType)
	}
	result := make(map[string][]models.Row)
	if len(parentIDs) == 0 {
		return result, nil
	}

	query := s.builder.
		Select(quoteAll(ch.Columns)...).
		From(quote(ch.Table)).
		Where(quote(ch.ForeignKey)+" = ANY(?)", typedIDs(parentIDs)).
		OrderBy(quote(ch.ForeignKey), quote(ch.IDColumn))

	rows, err := s.queryRows(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeSourceFetch, "failed to fetch children").
			WithDetail("child_type", childType).
			WithDetail("table", ch.Table)
	}

	for _, row := range rows {
		key := FormatID(row[ch.ForeignKey])
		result[key] = append(result[key], row)
	}
	s.childRowsRead.Add(int64(len(rows)))
	return result, nil
}

func (s *Source) queryRows(ctx context.Context, query sq.SelectBuilder) ([]models.Row, error) {
	sql, args, err := query.ToSql()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to build query")
	}

	s.queries.Add(1)
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	var out []models.Row
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to get row values")
		}
		row := make(models.Row, len(values))
		for i, value := range values {
			if i < len(fields) {
				row[fields[i].Name] = convertValue(value)
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Close releases the connection pool, when owned
func (s *Source) Close(_ context.Context) error {
	s.closeOnce.Do(func() {
		if s.pool != nil {
			s.pool.Close()
		}
		s.logger.Info("PostgreSQL source closed",
			zap.Int64("chunks_read", s.chunksRead.Load()),
			zap.Int64("groups_read", s.groupsRead.Load()),
			zap.Int64("child_rows_read", s.childRowsRead.Load()))
	})
	return nil
}

// Metrics returns read counters and pool statistics
func (s *Source) Metrics() map[string]interface{} {
	metrics := map[string]interface{}{
		"chunks_read":     s.chunksRead.Load(),
		"groups_read":     s.groupsRead.Load(),
		"child_rows_read": s.childRowsRead.Load(),
		"queries":         s.queries.Load(),
		"table":           s.opts.Table,
	}

	if s.pool != nil {
		stat := s.pool.Stat()
		metrics["pool_stats"] = map[string]interface{}{
			"total_conns":    stat.TotalConns(),
			"acquired_conns": stat.AcquiredConns(),
			"idle_conns":     stat.IdleConns(),
			"acquire_count":  stat.AcquireCount(),
		}
	}
	return metrics
}

// FormatID renders a primary or foreign key value as the group identifier
func FormatID(v interface{}) string {
	switch id := v.(type) {
	case nil:
		return ""
	case string:
		return id
	case [16]byte:
		return uuid.UUID(id).String()
	case []byte:
		return string(id)
	default:
		return fmt.Sprint(id)
	}
}

// typedIDs narrows ids to a concrete slice type so pgx can encode the
// ANY($1) parameter as a typed array.
func typedIDs(ids []interface{}) interface{} {
	switch ids[0].(type) {
	case int64:
		return narrow[int64](ids)
	case int32:
		return narrow[int32](ids)
	case string:
		return narrow[string](ids)
	}
	return ids
}

func narrow[T any](ids []interface{}) interface{} {
	out := make([]T, 0, len(ids))
	for _, id := range ids {
		v, ok := id.(T)
		if !ok {
			return ids
		}
		out = append(out, v)
	}
	return out
}

func convertValue(value interface{}) interface{} {
	switch v := value.(type) {
	case nil:
		return nil
	case []byte:
		return string(v)
	case [16]byte:
		return uuid.UUID(v).String()
	default:
		return v
	}
}

func quote(ident string) string {
	return pgx.Identifier{ident}.Sanitize()
}

func quoteAll(idents []string) []string {
	if len(idents) == 0 {
		return []string{"*"}
	}
	out := make([]string, len(idents))
	for i, ident := range idents {
		out[i] = quote(ident)
	}
	return out
}

// withColumns appends required columns missing from cols. An empty
// column list means all columns and is left as is.
func withColumns(cols []string, required ...string) []string {
	if len(cols) == 0 {
		return nil
	}
	out := append([]string(nil), cols...)
	for _, r := range required {
		found := false
		for _, c := range out {
			if c == r {
				found = true
				break
			}
		}
		if !found {
			out = append(out, r)
		}
	}
	return out
}
