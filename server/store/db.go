package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

type DatabaseConfig struct {
	ConnectionString   DatabaseConnectionString
	Driver             DBDriver
	MaxIdleConnections int
	MaxOpenConnections int
}

type DBDriver string

func (d DBDriver) String() string {
	return string(d)
}

type DatabaseConnectionString string

func (d DatabaseConnectionString) String() string {
	return string(d)
}

const (
	Sqlite   DBDriver = "sqlite3"
	Postgres DBDriver = "postgres"

	DefaultDatabaseMaxIdleConnections = 2
	// DefaultDatabaseMaxOpenConnections is the default ceiling of the
	// connection pool (max_db_connections).
	DefaultDatabaseMaxOpenConnections = 128
)

type DB struct {
	*sqlx.DB
	Driver           DBDriver
	ConnectionString DatabaseConnectionString
	lock             sync.RWMutex

	// localNotifier delivers pub/sub notifications in process for databases
	// without LISTEN/NOTIFY (sqlite, used in tests).
	localNotifier *LocalNotifier
}

type Tx struct {
	tx *sqlx.Tx
	// notifications queued by Notify, delivered locally after commit when
	// the database has no native NOTIFY.
	pending []Notification
}

// MigrationRunner applies database migrations.
type MigrationRunner interface {
	// Up migrates the given database up to the latest version.
	Up(ctx context.Context, driver DBDriver, connectionString DatabaseConnectionString) error
	// Down migrates the given database down to empty.
	Down(ctx context.Context, driver DBDriver, connectionString DatabaseConnectionString) error
}

// NewDatabase performs any database specific init required before returning a
// new database connection pool, plus a cleanup function. If a MigrationRunner
// is supplied an 'Up' migration brings the schema to the latest version.
func NewDatabase(ctx context.Context, config DatabaseConfig, migrationRunner MigrationRunner) (*DB, func(), error) {
	switch config.Driver {
	case Sqlite:
		err := sqliteConnectionInit(string(config.ConnectionString))
		if err != nil {
			return nil, nil, err
		}
	case Postgres:
	default:
		return nil, nil, fmt.Errorf("unknown database driver %s", config.Driver)
	}

	sqlxDB, err := sqlx.Open(string(config.Driver), string(config.ConnectionString))
	if err != nil {
		return nil, nil, fmt.Errorf("error opening %s database: %w", config.Driver, err)
	}

	err = sqlxDB.PingContext(ctx)
	if err != nil {
		sqlxDB.Close()
		return nil, nil, fmt.Errorf("error pinging %s database: %w", config.Driver, err)
	}

	if migrationRunner != nil {
		err := migrationRunner.Up(ctx, config.Driver, config.ConnectionString)
		if err != nil {
			sqlxDB.Close()
			return nil, nil, fmt.Errorf("error running %s database migrations: %w", config.Driver, err)
		}
	}

	db := &DB{
		DB:               sqlxDB,
		Driver:           config.Driver,
		ConnectionString: config.ConnectionString,
		localNotifier:    NewLocalNotifier(),
	}

	db.DB.SetMaxIdleConns(config.MaxIdleConnections)
	db.DB.SetMaxOpenConns(config.MaxOpenConnections)
	cleanup := func() {
		db.Close()
	}
	return db, cleanup, nil
}

// sqliteConnectionInit creates the local db file if a file based connection
// string is used.
func sqliteConnectionInit(connectionString string) error {
	if strings.Contains(connectionString, ":memory:") {
		return nil
	}
	const sqliteFileKeyword = "file:"
	var databaseFilePath string
	s := strings.Index(connectionString, sqliteFileKeyword)
	if s == -1 {
		return nil
	}
	s += len(sqliteFileKeyword)
	e := strings.Index(connectionString[s:], "?")
	if e == -1 {
		databaseFilePath = connectionString[s:]
	} else {
		databaseFilePath = connectionString[s : s+e]
	}

	dir := filepath.Dir(databaseFilePath)
	err := os.MkdirAll(dir, 0755)
	if err != nil {
		return fmt.Errorf("error ensuring database directory %q exists: %w", dir, err)
	}
	file, err := os.OpenFile(databaseFilePath, os.O_RDONLY|os.O_CREATE, 0660)
	if err != nil {
		return fmt.Errorf("error opening or creating database file %q: %w", databaseFilePath, err)
	}
	return file.Close()
}

// WithTx runs fn inside a database transaction. If fn returns an error the
// transaction will be rolled back and aborted. If fn returns nil, the
// transaction will be committed.
func (d *DB) WithTx(ctx context.Context, txOrNil *Tx, fn func(tx *Tx) error) error {
	if txOrNil != nil {
		return fn(txOrNil)
	}

	if d.Driver == Sqlite {
		d.lock.Lock()
		defer d.lock.Unlock()
	}

	sqlxTx, err := d.DB.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "error beginning database transaction")
	}
	tx := &Tx{tx: sqlxTx}

	err = fn(tx)
	if err != nil {
		originalErr := err
		err = sqlxTx.Rollback()
		if err != nil {
			return errors.Wrapf(err, "error rolling back database transaction: %s", originalErr)
		}
		return originalErr
	}

	err = sqlxTx.Commit()
	if err != nil {
		return errors.Wrap(err, "error committing database transaction")
	}

	// Native NOTIFY fires on commit; emulate that ordering here.
	for _, n := range tx.pending {
		d.localNotifier.Publish(n)
	}
	return nil
}

// Write prepares the database for writing and calls fn() with a goqu writer,
// bound to the transaction if one is supplied.
func (d *DB) Write(txOrNil *Tx, fn func(Writer) error) error {
	if txOrNil == nil {
		if d.Driver == Sqlite {
			d.lock.Lock()
			defer d.lock.Unlock()
		}
		return fn(goqu.New(d.DriverName(), d.DB))
	}
	return fn(goqu.NewTx(d.DriverName(), txOrNil.tx))
}

// Read prepares the database for reading and calls fn() with a goqu reader,
// bound to the transaction if one is supplied.
func (d *DB) Read(txOrNil *Tx, fn func(Reader) error) error {
	if txOrNil == nil {
		if d.Driver == Sqlite {
			d.lock.RLock()
			defer d.lock.RUnlock()
		}
		return fn(goqu.New(d.DriverName(), d.DB))
	}
	return fn(goqu.NewTx(d.DriverName(), txOrNil.tx))
}

// Close the connection to the database. The DB object must not be used after
// a call to Close.
func (d *DB) Close() error {
	return d.DB.Close()
}

type Writer interface {
	Reader
	Update(table interface{}) *goqu.UpdateDataset
	Insert(table interface{}) *goqu.InsertDataset
	Delete(table interface{}) *goqu.DeleteDataset
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

type Reader interface {
	From(from ...interface{}) *goqu.SelectDataset
	Select(cols ...interface{}) *goqu.SelectDataset
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ScanStructsContext(ctx context.Context, i interface{}, query string, args ...interface{}) error
	ScanStructContext(ctx context.Context, i interface{}, query string, args ...interface{}) (bool, error)
	ScanValsContext(ctx context.Context, i interface{}, query string, args ...interface{}) error
	ScanValContext(ctx context.Context, i interface{}, query string, args ...interface{}) (bool, error)
}
