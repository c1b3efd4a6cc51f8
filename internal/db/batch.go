package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// BatchConfig defines the target of a batch write.
type BatchConfig struct {
	Table        string   // target table, optionally schema-qualified
	Columns      []string // columns being inserted
	ConflictKeys []string // columns forming the unique constraint
}

func (cfg BatchConfig) validate() error {
	if cfg.Table == "" {
		return eris.New("db: batch: no table specified")
	}
	if len(cfg.Columns) == 0 {
		return eris.New("db: batch: no columns specified")
	}
	return nil
}

// CopyInto bulk-inserts rows into the target table with the COPY protocol
// inside the caller's transaction. A unique-constraint violation aborts the
// whole batch; nothing is written.
func CopyInto(ctx context.Context, tx pgx.Tx, table string, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	n, err := tx.CopyFrom(ctx, tableIdent(table), columns, pgx.CopyFromRows(rows))
	if err != nil {
		return 0, eris.Wrapf(err, "db: COPY INTO %s", table)
	}
	return n, nil
}

// InsertSkipConflicts inserts rows, silently skipping any that collide with
// an existing row on the conflict keys. Returns the number actually
// inserted; the caller derives the skip count from len(rows).
//
// Rows are staged via COPY into a temp table, then moved with
// INSERT ... ON CONFLICT DO NOTHING so the skip happens server-side.
func InsertSkipConflicts(ctx context.Context, tx pgx.Tx, cfg BatchConfig, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if err := cfg.validate(); err != nil {
		return 0, err
	}
	if len(cfg.ConflictKeys) == 0 {
		return 0, eris.New("db: batch: no conflict keys specified")
	}

	stage, err := stageRows(ctx, tx, cfg, rows)
	if err != nil {
		return 0, err
	}

	colList := quoteAndJoin(cfg.Columns)
	sql := fmt.Sprintf(
		"INSERT INTO %s (%s) SELECT %s FROM %s ON CONFLICT (%s) DO NOTHING",
		tableIdent(cfg.Table).Sanitize(),
		colList,
		colList,
		pgx.Identifier{stage}.Sanitize(),
		quoteAndJoin(cfg.ConflictKeys),
	)

	tag, err := tx.Exec(ctx, sql)
	if err != nil {
		return 0, eris.Wrapf(err, "db: insert-skip into %s", cfg.Table)
	}
	return tag.RowsAffected(), nil
}

// UpsertRows inserts rows, replacing existing rows that collide on the
// conflict keys. Only the supplied columns are overwritten, so columns the
// batch does not carry (surrogate id, insert_time) keep their original
// values.
func UpsertRows(ctx context.Context, tx pgx.Tx, cfg BatchConfig, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if err := cfg.validate(); err != nil {
		return 0, err
	}
	if len(cfg.ConflictKeys) == 0 {
		return 0, eris.New("db: batch: no conflict keys specified")
	}

	stage, err := stageRows(ctx, tx, cfg, rows)
	if err != nil {
		return 0, err
	}

	conflictSet := make(map[string]bool, len(cfg.ConflictKeys))
	for _, k := range cfg.ConflictKeys {
		conflictSet[k] = true
	}
	var setClauses []string
	for _, col := range cfg.Columns {
		if conflictSet[col] {
			continue
		}
		q := pgx.Identifier{col}.Sanitize()
		setClauses = append(setClauses, fmt.Sprintf("%s = EXCLUDED.%s", q, q))
	}
	if len(setClauses) == 0 {
		return 0, eris.Errorf("db: upsert into %s: no non-key columns to update", cfg.Table)
	}

	colList := quoteAndJoin(cfg.Columns)
	sql := fmt.Sprintf(
		"INSERT INTO %s (%s) SELECT %s FROM %s ON CONFLICT (%s) DO UPDATE SET %s",
		tableIdent(cfg.Table).Sanitize(),
		colList,
		colList,
		pgx.Identifier{stage}.Sanitize(),
		quoteAndJoin(cfg.ConflictKeys),
		strings.Join(setClauses, ", "),
	)

	tag, err := tx.Exec(ctx, sql)
	if err != nil {
		return 0, eris.Wrapf(err, "db: upsert into %s", cfg.Table)
	}
	return tag.RowsAffected(), nil
}

// stageRows creates a temp table mirroring the target and COPYs rows into it.
// The temp table is dropped automatically when the transaction ends.
func stageRows(ctx context.Context, tx pgx.Tx, cfg BatchConfig, rows [][]any) (string, error) {
	stage := "_stage_" + strings.ReplaceAll(cfg.Table, ".", "_")

	createSQL := fmt.Sprintf(
		"CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP",
		pgx.Identifier{stage}.Sanitize(),
		tableIdent(cfg.Table).Sanitize(),
	)
	if _, err := tx.Exec(ctx, createSQL); err != nil {
		return "", eris.Wrapf(err, "db: create stage table for %s", cfg.Table)
	}

	if _, err := tx.CopyFrom(ctx, pgx.Identifier{stage}, cfg.Columns, pgx.CopyFromRows(rows)); err != nil {
		return "", eris.Wrapf(err, "db: COPY into stage table for %s", cfg.Table)
	}

	return stage, nil
}

// tableIdent builds a pgx.Identifier for a possibly schema-qualified name.
func tableIdent(table string) pgx.Identifier {
	parts := strings.SplitN(table, ".", 2)
	if len(parts) == 2 {
		return pgx.Identifier{parts[0], parts[1]}
	}
	return pgx.Identifier{table}
}

// quoteAndJoin quotes each column name and joins with commas.
func quoteAndJoin(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}
