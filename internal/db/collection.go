package db

import (
	"context"
	"fmt"
	"slices"
	"strings"
)

type scanner interface {
	Scan(dest ...any) error
}

// table describes how one record type maps onto a SQLite table. The first
// column is always the id.
type table[T any] struct {
	name    string
	ddl     string
	columns []string
	upsert  string

	// partitionColumn is empty for unpartitioned collections.
	partitionColumn string
	partitionOf     func(T) string

	id   func(T) string
	args func(T) ([]any, error)
	scan func(scanner) (T, error)
}

// Collection is an ordered, keyed set of records with cursor pagination.
// Each Store and Load call runs independently; no locks are held between calls.
type Collection[T any] struct {
	db        *Database
	table     table[T]
	partition string
}

// Store upserts every record in a single transaction. Either all records are
// visible afterwards or none are.
func (c *Collection[T]) Store(ctx context.Context, records []T) error {
	if len(records) == 0 {
		return nil
	}

	if c.table.partitionOf != nil {
		for _, r := range records {
			if got := c.table.partitionOf(r); got != c.partition {
				return fmt.Errorf("%w: %s %s belongs to %q, collection is bound to %q",
					ErrPartitionMismatch, c.table.name, c.table.id(r), got, c.partition)
			}
		}
	}

	if err := c.db.ensure(ctx, c.table.name, c.table.ddl); err != nil {
		return err
	}

	tx, err := c.db.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin %s: %w", ErrStorageUnavailable, c.table.name, err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, c.table.upsert)
	if err != nil {
		return classify("prepare "+c.table.name, err)
	}
	defer stmt.Close()

	for _, r := range records {
		args, err := c.table.args(r)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", c.table.name, c.table.id(r), err)
		}
		res, err := stmt.ExecContext(ctx, args...)
		if err != nil {
			return classify("upsert "+c.table.name, err)
		}
		// A guarded upsert that touched nothing hit an immutable column.
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return fmt.Errorf("%w: %s %s conflicts with an existing record",
				ErrConstraintViolation, c.table.name, c.table.id(r))
		}
	}

	if err := tx.Commit(); err != nil {
		return classify("commit "+c.table.name, err)
	}
	return nil
}

// Load returns up to limit records with id <= upperBoundID in ascending id
// order. The rows are read walking backwards from the bound, so the result is
// the window immediately preceding (and including) it. An empty upperBoundID
// starts the walk from the newest record; limit <= 0 means no limit.
func (c *Collection[T]) Load(ctx context.Context, upperBoundID string, limit int) ([]T, error) {
	if err := c.db.ensure(ctx, c.table.name, c.table.ddl); err != nil {
		return nil, err
	}

	var (
		conds []string
		args  []any
	)
	if c.table.partitionColumn != "" {
		conds = append(conds, c.table.partitionColumn+" = ?")
		args = append(args, c.partition)
	}
	if upperBoundID != "" {
		conds = append(conds, "id <= ?")
		args = append(args, upperBoundID)
	}
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	args = append(args, limit)

	query := "SELECT " + strings.Join(c.table.columns, ", ") + " FROM " + c.table.name
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY id DESC LIMIT ?"

	rows, err := c.db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("query "+c.table.name, err)
	}
	defer rows.Close()

	records := make([]T, 0)
	for rows.Next() {
		r, err := c.table.scan(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan %s: %w", ErrStorageUnavailable, c.table.name, err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate "+c.table.name, err)
	}

	slices.Reverse(records)
	return records, nil
}
