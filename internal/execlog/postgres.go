// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugrun Contributors

package execlog

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// ErrSchemaMissing is returned when the execution log table does not exist.
// Run "plugrun migrate up" to create it.
var ErrSchemaMissing = errors.New("execution log schema missing")

// poolIface is the subset of pgxpool.Pool used by PostgresSink.
// pgxmock.PgxPoolIface satisfies it in tests.
type poolIface interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresSink stores execution records in PostgreSQL.
type PostgresSink struct {
	pool  poolIface
	close func()
}

// NewPostgresSink connects to dsn.
func NewPostgresSink(ctx context.Context, dsn string) (*PostgresSink, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, oops.Code("EXECLOG_CONNECT_FAILED").With("operation", "connect").Wrap(err)
	}
	return &PostgresSink{pool: pool, close: pool.Close}, nil
}

// newPostgresSinkWithPool wraps an existing pool.
func newPostgresSinkWithPool(pool poolIface) *PostgresSink {
	return &PostgresSink{pool: pool}
}

// Close closes the connection pool.
func (s *PostgresSink) Close() {
	if s.close != nil {
		s.close()
	}
}

// Insert persists r.
func (s *PostgresSink) Insert(ctx context.Context, r *Record) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO plugin_execution_logs
		 (id, plugin_name, version, status, correlation_id, started_at, completed_at, output_payload, error, tags)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		r.ID.String(),
		r.PluginName,
		r.Version,
		string(r.Status),
		r.CorrelationID,
		r.StartedAt,
		r.CompletedAt,
		r.OutputPayload,
		r.Error,
		tagsArg(r.Tags),
	)
	if err != nil {
		return wrapPgError(err, "insert execution log", r)
	}
	return nil
}

// Update writes the mutable fields of r.
func (s *PostgresSink) Update(ctx context.Context, r *Record) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE plugin_execution_logs
		 SET status = $2, completed_at = $3, output_payload = $4, error = $5
		 WHERE id = $1`,
		r.ID.String(),
		string(r.Status),
		r.CompletedAt,
		r.OutputPayload,
		r.Error,
	)
	if err != nil {
		return wrapPgError(err, "update execution log", r)
	}
	return nil
}

// Recent returns up to limit records, newest first.
func (s *PostgresSink) Recent(ctx context.Context, limit int) ([]Record, error) {
	limit = normalizeLimit(limit)
	rows, err := s.pool.Query(ctx,
		`SELECT id, plugin_name, version, status, correlation_id, started_at, completed_at, output_payload, error, tags
		 FROM plugin_execution_logs ORDER BY started_at DESC, id DESC LIMIT $1`,
		limit)
	if err != nil {
		return nil, wrapPgError(err, "query recent execution logs", nil)
	}
	defer rows.Close()

	records := make([]Record, 0, min(limit, DefaultRecentLimit))
	for rows.Next() {
		var (
			r           Record
			idStr       string
			status      string
			completedAt *time.Time
		)
		if err := rows.Scan(&idStr, &r.PluginName, &r.Version, &status, &r.CorrelationID,
			&r.StartedAt, &completedAt, &r.OutputPayload, &r.Error, &r.Tags); err != nil {
			return nil, oops.With("operation", "scan execution log row").Wrap(err)
		}
		r.ID, err = ulid.Parse(idStr)
		if err != nil {
			return nil, oops.Code("EXECLOG_CORRUPT_ID").With("id", idStr).Wrap(err)
		}
		r.Status = Status(status)
		r.CompletedAt = completedAt
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, oops.With("operation", "iterate execution logs").Wrap(err)
	}
	return records, nil
}

func tagsArg(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}

func wrapPgError(err error, operation string, r *Record) error {
	b := oops.With("operation", operation)
	if r != nil {
		b = b.With("record_id", r.ID.String()).With("plugin", r.PluginName)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UndefinedTable {
		return b.Code("EXECLOG_SCHEMA_MISSING").Wrap(errors.Join(ErrSchemaMissing, err))
	}
	return b.Wrap(err)
}
