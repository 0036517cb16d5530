// Package sqllog keeps the relay change log in a SQL database.
// SQLite runs on the pure Go modernc driver, PostgreSQL on pgx.
package sqllog

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/denismitr/synceddb/changelog"
	"github.com/denismitr/synceddb/protocol"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pkg/errors"

	_ "modernc.org/sqlite"
)

var _ changelog.ChangeLog = (*Log)(nil)

type Log struct {
	mu      sync.Mutex
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

// New creates the changes table if needed. The caller owns db.
func New(ctx context.Context, db *sql.DB, dialect Dialect) (*Log, error) {
	if _, err := db.ExecContext(ctx, dialect.createTable); err != nil {
		return nil, errors.Wrapf(changelog.ErrStorageFailed, "could not create %s table on %s: %s", tableName, dialect, err.Error())
	}

	return &Log{db: db, dialect: dialect, now: time.Now}, nil
}

func OpenSQLite(ctx context.Context, dsn string) (*Log, changelog.Closer, error) {
	db, err := sql.Open(SQLite.driver, dsn)
	if err != nil {
		return nil, changelog.NullCloser, errors.Wrapf(changelog.ErrStorageFailed, "could not open sqlite database %s: %s", dsn, err.Error())
	}

	// sqlite allows a single writer
	db.SetMaxOpenConns(1)

	l, err := New(ctx, db, SQLite)
	if err != nil {
		_ = db.Close()
		return nil, changelog.NullCloser, err
	}

	return l, db.Close, nil
}

func OpenPostgres(ctx context.Context, dsn string) (*Log, changelog.Closer, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, changelog.NullCloser, errors.Wrapf(changelog.ErrStorageFailed, "unable to connect to database: %s", err.Error())
	}

	db := stdlib.OpenDBFromPool(pool)
	closer := func() error {
		err := db.Close()
		pool.Close()
		return err
	}

	l, err := New(ctx, db, Postgres)
	if err != nil {
		_ = closer()
		return nil, changelog.NullCloser, err
	}

	return l, closer, nil
}

func (l *Log) SaveChange(ctx context.Context, c protocol.Change) (changelog.Entry, error) {
	if err := changelog.Validate(c); err != nil {
		return changelog.Entry{}, err
	}

	payload, err := protocol.Encode(c)
	if err != nil {
		return changelog.Entry{}, errors.Wrap(changelog.ErrInvalidChange, err.Error())
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	savedAt := l.now()

	var seq int64
	row := l.db.QueryRowContext(ctx, l.dialect.insertQuery(),
		c.Store(), c.RecordKey(), string(c.Type()), string(payload), savedAt.UnixNano(),
	)
	if err := row.Scan(&seq); err != nil {
		return changelog.Entry{}, errors.Wrapf(changelog.ErrStorageFailed, "could not save %s change of %s/%s: %s", c.Type(), c.Store(), c.RecordKey(), err.Error())
	}

	return changelog.Entry{Seq: uint64(seq), Change: c, SavedAt: savedAt}, nil
}

func (l *Log) GetChanges(ctx context.Context, q protocol.GetChanges) ([]changelog.Entry, error) {
	args := make([]interface{}, len(q.StoreNames))
	for i, name := range q.StoreNames {
		args[i] = name
	}

	rows, err := l.db.QueryContext(ctx, l.dialect.selectQuery(len(args)), args...)
	if err != nil {
		return nil, errors.Wrapf(changelog.ErrStorageFailed, "could not retrieve changes: %s", err.Error())
	}
	defer rows.Close()

	result := make([]changelog.Entry, 0)
	for rows.Next() {
		var seq, savedAt int64
		var payload string
		if err := rows.Scan(&seq, &payload, &savedAt); err != nil {
			return nil, errors.Wrapf(changelog.ErrStorageFailed, "failed to scan change: %s", err.Error())
		}

		c, err := protocol.DecodeChange([]byte(payload))
		if err != nil {
			return nil, errors.Wrapf(changelog.ErrStorageFailed, "corrupted change #%d: %s", seq, err.Error())
		}

		result = append(result, changelog.Entry{Seq: uint64(seq), Change: c, SavedAt: time.Unix(0, savedAt)})
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(changelog.ErrStorageFailed, "failed to iterate changes: %s", err.Error())
	}

	return result, nil
}

func (l *Log) ResetChanges(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.db.ExecContext(ctx, "DELETE FROM "+tableName); err != nil {
		return errors.Wrapf(changelog.ErrStorageFailed, "could not reset changes: %s", err.Error())
	}
	return nil
}
