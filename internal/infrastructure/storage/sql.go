package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"FeedTriage/internal/domain"
	"FeedTriage/internal/logging"
	"FeedTriage/internal/ports"
)

const recordsTable = "redundancy_records"

// Dialect selects DDL and placeholder style.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// SQLLedger stores records in a SQL table keyed by (topic, fingerprint).
type SQLLedger struct {
	db      *sql.DB
	dialect Dialect
	builder sq.StatementBuilderType
	logger  *slog.Logger
}

var _ ports.Ledger = (*SQLLedger)(nil)

// OpenSQLite opens the database at path and applies the WAL pragmas.
func OpenSQLite(ctx context.Context, path string, logger *slog.Logger) (*SQLLedger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite ledger: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, err)
		}
	}
	return newSQLLedger(ctx, db, DialectSQLite, logger)
}

// OpenPostgres connects through the pgx stdlib driver.
func OpenPostgres(ctx context.Context, dsn string, logger *slog.Logger) (*SQLLedger, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres ledger: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres ledger: %w", err)
	}
	return newSQLLedger(ctx, db, DialectPostgres, logger)
}

// NewSQLLedger wraps an already opened database and ensures the schema exists.
func NewSQLLedger(ctx context.Context, db *sql.DB, dialect Dialect, logger *slog.Logger) (*SQLLedger, error) {
	return newSQLLedger(ctx, db, dialect, logger)
}

func newSQLLedger(ctx context.Context, db *sql.DB, dialect Dialect, logger *slog.Logger) (*SQLLedger, error) {
	builder := sq.StatementBuilder.PlaceholderFormat(sq.Question)
	if dialect == DialectPostgres {
		builder = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)
	}
	l := &SQLLedger{
		db:      db,
		dialect: dialect,
		builder: builder,
		logger:  logging.OrDiscard(logger),
	}
	if err := l.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

func (l *SQLLedger) migrate(ctx context.Context) error {
	seq := "seq INTEGER PRIMARY KEY AUTOINCREMENT"
	if l.dialect == DialectPostgres {
		seq = "seq BIGSERIAL PRIMARY KEY"
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	%s,
	fingerprint       TEXT NOT NULL,
	topic             TEXT NOT NULL,
	first_seen_run_id TEXT NOT NULL,
	canonical_title   TEXT NOT NULL,
	canonical_url     TEXT NOT NULL,
	source_name       TEXT NOT NULL DEFAULT '',
	score             DOUBLE PRECISION NOT NULL DEFAULT 0,
	tags              TEXT NOT NULL DEFAULT '',
	recorded_at       TEXT NOT NULL DEFAULT '',
	UNIQUE (topic, fingerprint)
)`, recordsTable, seq)

	if _, err := l.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("migrate ledger schema: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (l *SQLLedger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

func (l *SQLLedger) ListRecords(ctx context.Context, topic string) ([]domain.RedundancyRecord, error) {
	query, args, err := l.selectRecords().
		Where(sq.Eq{"topic": topic}).
		OrderBy("seq").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	out := []domain.RedundancyRecord{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return out, nil
}

// AppendRecords inserts every record in one transaction. Rows already present
// for (topic, fingerprint) are left untouched and reported as stored.
func (l *SQLLedger) AppendRecords(ctx context.Context, records []domain.RedundancyRecord) (_ []domain.AppendOutcome, err error) {
	if len(records) == 0 {
		return []domain.AppendOutcome{}, nil
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin ledger tx: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				l.logger.Error("rollback ledger tx", "error", rbErr)
			}
		}
	}()

	outcomes := make([]domain.AppendOutcome, len(records))
	for i, rec := range records {
		query, args, err := l.builder.
			Insert(recordsTable).
			Columns(ledgerColumns...).
			Values(
				rec.Fingerprint,
				rec.Topic,
				rec.FirstSeenRunID,
				rec.CanonicalTitle,
				rec.CanonicalURL,
				rec.SourceName,
				rec.Score,
				joinTags(rec.Tags),
				formatTime(rec.RecordedAt),
			).
			Suffix("ON CONFLICT (topic, fingerprint) DO NOTHING").
			ToSql()
		if err != nil {
			return nil, fmt.Errorf("build insert: %w", err)
		}

		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("insert ledger record %s: %w", rec.Fingerprint, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("rows affected: %w", err)
		}
		if affected == 1 {
			outcomes[i] = domain.AppendOutcome{Stored: rec, Created: true}
			continue
		}

		stored, err := l.lookup(ctx, tx, rec.Topic, rec.Fingerprint)
		if err != nil {
			return nil, err
		}
		outcomes[i] = domain.AppendOutcome{Stored: stored}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit ledger tx: %w", err)
	}
	return outcomes, nil
}

func (l *SQLLedger) ClearTopic(ctx context.Context, topic string) (int, error) {
	query, args, err := l.builder.
		Delete(recordsTable).
		Where(sq.Eq{"topic": topic}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build delete: %w", err)
	}
	res, err := l.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("delete topic records: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}

func (l *SQLLedger) selectRecords() sq.SelectBuilder {
	return l.builder.Select(ledgerColumns...).From(recordsTable)
}

func (l *SQLLedger) lookup(ctx context.Context, tx *sql.Tx, topic, fingerprint string) (domain.RedundancyRecord, error) {
	query, args, err := l.selectRecords().
		Where(sq.Eq{"topic": topic, "fingerprint": fingerprint}).
		ToSql()
	if err != nil {
		return domain.RedundancyRecord{}, fmt.Errorf("build lookup: %w", err)
	}
	rec, err := scanRecord(tx.QueryRowContext(ctx, query, args...))
	if err != nil {
		return domain.RedundancyRecord{}, fmt.Errorf("lookup %s: %w", fingerprint, err)
	}
	return rec, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (domain.RedundancyRecord, error) {
	var (
		rec        domain.RedundancyRecord
		tags       string
		recordedAt string
	)
	if err := row.Scan(
		&rec.Fingerprint,
		&rec.Topic,
		&rec.FirstSeenRunID,
		&rec.CanonicalTitle,
		&rec.CanonicalURL,
		&rec.SourceName,
		&rec.Score,
		&tags,
		&recordedAt,
	); err != nil {
		return domain.RedundancyRecord{}, fmt.Errorf("scan ledger record: %w", err)
	}
	rec.Tags = splitTags(tags)
	rec.RecordedAt = parseTime(recordedAt)
	return rec, nil
}
