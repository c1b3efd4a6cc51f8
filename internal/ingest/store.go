package ingest

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/quantmill/marketsync/internal/catalog"
	"github.com/quantmill/marketsync/internal/db"
)

// DuplicateKeyError is returned in strict mode when a batch collides with an
// existing business key. The whole batch is rolled back.
type DuplicateKeyError struct {
	Table string
	Err   error
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("ingest: duplicate business key in %s: %v", e.Table, e.Err)
}

func (e *DuplicateKeyError) Unwrap() error { return e.Err }

// StoreError is a task-fatal persistence failure. The task's transaction is
// rolled back; other tasks are unaffected.
type StoreError struct {
	Table string
	Err   error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("ingest: store %s: %v", e.Table, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// PersistResult reports what one persistence call did.
type PersistResult struct {
	Inserted int64
	Skipped  int64
}

// Persister is the persistence contract the executor depends on.
type Persister interface {
	// ExistingKeys returns the business-key tuples already stored for the
	// key range covered by the candidate batch.
	ExistingKeys(ctx context.Context, iface *catalog.Interface, candidates []Record) (KeySet, error)

	// Persist writes the novel batch in a single transaction.
	Persist(ctx context.Context, iface *catalog.Interface, mode catalog.DuplicateMode, novel []Record) (PersistResult, error)
}

// SQLStore implements Persister on Postgres. The in-memory diff is an
// optimization only; the unique constraint on each target table's business
// key remains the authority, since concurrent runs can race past the
// comparator.
type SQLStore struct {
	pool db.Pool
}

// NewSQLStore creates a SQLStore backed by the given pool.
func NewSQLStore(pool db.Pool) *SQLStore {
	return &SQLStore{pool: pool}
}

// ExistingKeys looks up stored key tuples scoped to the candidate batch: the
// query is bounded by the distinct values of the leading key column (for
// daily quotes, the trade dates being loaded), never a full-table scan.
func (s *SQLStore) ExistingKeys(ctx context.Context, iface *catalog.Interface, candidates []Record) (KeySet, error) {
	keys := make(KeySet)
	if len(candidates) == 0 {
		return keys, nil
	}

	scopeName := iface.BusinessKey[0]
	scopeField, _ := iface.Field(scopeName)

	seen := make(map[string]bool)
	var scope []string
	for _, rec := range candidates {
		v := keyPart(scopeField, rec.Fields[scopeName])
		if !seen[v] {
			seen[v] = true
			scope = append(scope, v)
		}
	}

	cols := make([]string, len(iface.BusinessKey))
	for idx, k := range iface.BusinessKey {
		cols[idx] = pgx.Identifier{k}.Sanitize() + "::text"
	}

	sql := fmt.Sprintf(
		"SELECT %s FROM %s WHERE %s = ANY($1::%s)",
		strings.Join(cols, ", "),
		tableIdent(iface.Table),
		pgx.Identifier{scopeName}.Sanitize(),
		arrayType(scopeField.Type),
	)

	rows, err := s.pool.Query(ctx, sql, scope)
	if err != nil {
		if db.IsUndefinedTable(err) {
			// First run against a table the migrations don't own.
			zap.L().Warn("ingest: target table missing, treating as empty",
				zap.String("table", iface.Table))
			return keys, nil
		}
		return nil, &StoreError{Table: iface.Table, Err: err}
	}
	defer rows.Close()

	parts := make([]string, len(iface.BusinessKey))
	dest := make([]any, len(iface.BusinessKey))
	raw := make([]string, len(iface.BusinessKey))
	for idx := range dest {
		dest[idx] = &raw[idx]
	}
	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return nil, &StoreError{Table: iface.Table, Err: err}
		}
		for idx, k := range iface.BusinessKey {
			f, _ := iface.Field(k)
			parts[idx] = textKeyPart(f, raw[idx])
		}
		keys.Add(strings.Join(parts, "|"))
	}
	if err := rows.Err(); err != nil {
		return nil, &StoreError{Table: iface.Table, Err: err}
	}

	return keys, nil
}

// Persist writes the batch atomically: either every row of the task's novel
// set commits, or none does. Duplicate handling follows the task's mode.
func (s *SQLStore) Persist(ctx context.Context, iface *catalog.Interface, mode catalog.DuplicateMode, novel []Record) (PersistResult, error) {
	if len(novel) == 0 {
		return PersistResult{}, nil
	}

	columns := append(iface.Columns(), "fetch_time", "source_interface")
	rows := make([][]any, len(novel))
	for i, rec := range novel {
		row := make([]any, 0, len(columns))
		for _, f := range iface.Schema {
			row = append(row, rec.Fields[f.Name])
		}
		row = append(row, rec.FetchTime, rec.Interface)
		rows[i] = row
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return PersistResult{}, &StoreError{Table: iface.Table, Err: err}
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cfg := db.BatchConfig{
		Table:        iface.Table,
		Columns:      columns,
		ConflictKeys: iface.BusinessKey,
	}

	var result PersistResult
	switch mode {
	case catalog.ModeStrict:
		n, err := db.CopyInto(ctx, tx, cfg.Table, cfg.Columns, rows)
		if err != nil {
			if db.IsUniqueViolation(err) {
				return PersistResult{}, &DuplicateKeyError{Table: iface.Table, Err: err}
			}
			return PersistResult{}, &StoreError{Table: iface.Table, Err: err}
		}
		result.Inserted = n

	case catalog.ModeIgnore:
		n, err := db.InsertSkipConflicts(ctx, tx, cfg, rows)
		if err != nil {
			return PersistResult{}, &StoreError{Table: iface.Table, Err: err}
		}
		result.Inserted = n
		result.Skipped = int64(len(rows)) - n

	case catalog.ModeUpsert:
		n, err := db.UpsertRows(ctx, tx, cfg, rows)
		if err != nil {
			return PersistResult{}, &StoreError{Table: iface.Table, Err: err}
		}
		result.Inserted = n

	default:
		return PersistResult{}, &StoreError{Table: iface.Table, Err: fmt.Errorf("unknown duplicate mode %q", mode)}
	}

	if err := tx.Commit(ctx); err != nil {
		if db.IsUniqueViolation(err) {
			return PersistResult{}, &DuplicateKeyError{Table: iface.Table, Err: err}
		}
		return PersistResult{}, &StoreError{Table: iface.Table, Err: err}
	}

	return result, nil
}

// tableIdent renders a possibly schema-qualified table name.
func tableIdent(table string) string {
	parts := strings.SplitN(table, ".", 2)
	if len(parts) == 2 {
		return pgx.Identifier{parts[0], parts[1]}.Sanitize()
	}
	return pgx.Identifier{table}.Sanitize()
}

// arrayType maps a field type to the Postgres array type used for the
// scoped key lookup.
func arrayType(t catalog.FieldType) string {
	switch t {
	case catalog.FieldDate:
		return "date[]"
	case catalog.FieldTimestamp:
		return "timestamptz[]"
	case catalog.FieldDecimal:
		return "numeric[]"
	case catalog.FieldBool:
		return "boolean[]"
	default:
		return "text[]"
	}
}

// textKeyPart canonicalizes a key column value scanned as text so it encodes
// identically to keyPart on in-memory records.
func textKeyPart(f *catalog.Field, s string) string {
	switch f.Type {
	case catalog.FieldDecimal:
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return s
		}
		return strconv.FormatFloat(v, 'f', 8, 64)
	case catalog.FieldDate:
		if len(s) >= 10 {
			return s[:10]
		}
		return s
	case catalog.FieldTimestamp:
		t, err := dateparse.ParseAny(s)
		if err != nil {
			return s
		}
		return t.UTC().Format(time.RFC3339)
	default:
		return s
	}
}
