package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/poiesic/mailkb/core"
	"github.com/poiesic/mailkb/storage"
)

// Connection pool configuration
const (
	DefaultMaxIdleConns    = 10
	DefaultMaxOpenConns    = 50
	DefaultConnMaxLifetime = time.Hour
	DefaultConnMaxIdleTime = 10 * time.Minute
)

// Store implements every relational repository over one GORM handle.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

var (
	_ storage.Transactor        = (*Store)(nil)
	_ storage.SourceRepository  = (*Store)(nil)
	_ storage.JobRepository     = (*Store)(nil)
	_ storage.MessageRepository = (*Store)(nil)
)

// gormLogWriter adapts slog.Logger to the GORM logger writer.
type gormLogWriter struct {
	logger *slog.Logger
}

func (w gormLogWriter) Printf(msg string, items ...any) {
	w.logger.Warn(fmt.Sprintf(msg, items...))
}

func newGormLogger(l *slog.Logger) logger.Interface {
	return logger.New(gormLogWriter{logger: l}, logger.Config{
		SlowThreshold:             500 * time.Millisecond,
		LogLevel:                  logger.Warn,
		IgnoreRecordNotFoundError: true,
	})
}

// IsPostgres reports whether dsn addresses a PostgreSQL server.
func IsPostgres(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") ||
		strings.HasPrefix(dsn, "postgresql://") ||
		strings.Contains(dsn, "host=")
}

// Connect opens the database named by dsn and migrates the schema.
func Connect(dsn string) (*Store, error) {
	gcfg := &gorm.Config{Logger: newGormLogger(slog.Default())}

	var dialector gorm.Dialector
	if IsPostgres(dsn) {
		dialector = postgres.Open(dsn)
	} else {
		dialector = sqlite.Open(sqliteDSN(dsn))
	}

	db, err := gorm.Open(dialector, gcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := configureConnectionPool(db, !IsPostgres(dsn)); err != nil {
		return nil, err
	}

	store := New(db)
	if err := store.Migrate(); err != nil {
		store.Close()
		return nil, err
	}
	slog.Info("connected to database", "driver", db.Dialector.Name())
	return store, nil
}

// New wraps an already opened handle. The schema is not migrated.
func New(db *gorm.DB) *Store {
	return &Store{db: db, logger: slog.Default()}
}

func sqliteDSN(dsn string) string {
	if dsn == ":memory:" || strings.Contains(dsn, "?") {
		return dsn
	}
	return dsn + "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"
}

// configureConnectionPool sets up connection pool limits
func configureConnectionPool(db *gorm.DB, single bool) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	if single {
		sqlDB.SetMaxOpenConns(1)
		return nil
	}
	sqlDB.SetMaxIdleConns(DefaultMaxIdleConns)
	sqlDB.SetMaxOpenConns(DefaultMaxOpenConns)
	sqlDB.SetConnMaxLifetime(DefaultConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(DefaultConnMaxIdleTime)
	return nil
}

// Migrate runs auto-migration for all tables.
func (s *Store) Migrate() error {
	s.logger.Debug("running database migrations")
	if err := s.db.AutoMigrate(&sourceRow{}, &jobRow{}, &messageRow{}, &attachmentRow{}); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	return sqlDB.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

type txKey struct{}

// conn returns the transaction carried by ctx, or the root handle.
func (s *Store) conn(ctx context.Context) *gorm.DB {
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return tx.WithContext(ctx)
	}
	return s.db.WithContext(ctx)
}

// WithTransaction executes fn within a transaction.
// If fn returns an error, the transaction is rolled back.
// Nested calls run as savepoints of the outer transaction.
func (s *Store) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(context.WithValue(ctx, txKey{}, tx))
	})
}

// wrap classifies GORM failures.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return storage.ErrNotFound
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return core.E(core.KindTimeout, op, err)
	}
	if errors.Is(err, context.Canceled) {
		return core.E(core.KindCancelled, op, err)
	}
	return core.E(core.KindInfrastructure, op, err)
}

// paginate applies limit and offset when set. A zero limit means no limit.
func paginate(opts storage.ListOptions) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		if opts.Limit > 0 {
			db = db.Limit(opts.Limit)
		}
		if opts.Offset > 0 {
			db = db.Offset(opts.Offset)
		}
		return db
	}
}
