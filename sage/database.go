package sage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lmittmann/tint"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const (
	dbTypeSQLite   = "sqlite"
	dbTypePostgres = "postgres"

	postgresNotifyChannelRuntimeConfigUpdated = "sage_reload_runtime_config"
)

var (
	sqliteMaxOpenConns    = 1
	sqliteMaxIdleConns    = 1
	sqliteMaxConnLifetime = 5 * time.Minute
	sqliteExecPragma      = []string{
		"pragma journal_mode=WAL;",
		"pragma synchronous = normal;",
		"pragma temp_store = memory;",
		"pragma foreign_keys = ON;",
	}
	dbNotifierSendTimeout = 15 * time.Second
)

// ModelUnixTime is an embeddable model with Unix millisecond timestamps for
// creation, update, and (soft) deletion.
type ModelUnixTime struct {
	CreatedAt int64          `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64          `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

type ModelUintID struct {
	ID uint `gorm:"primaryKey" json:"id"`
}

// CreateDB initializes a GORM connection for the given database type
// ('sqlite' or 'postgres') and runs migrations for all Sage models.
func CreateDB(ctx context.Context, databaseType string, database string) (*gorm.DB, error) {
	handler := tint.NewHandler(
		os.Stdout,
		&tint.Options{
			Level:     slog.LevelWarn,
			AddSource: true,
		},
	)
	gormLogger := newGORMLogger(handler, DefaultDatabaseSlowThreshold)
	dbLogger := slog.New(handler)

	dbLogger.InfoContext(
		ctx,
		"initializing database",
		"database_type", databaseType,
		"database", database,
	)
	db, err := getDB(databaseType, database, gormLogger)
	if err != nil {
		return db, err
	}

	if databaseType == dbTypeSQLite {
		sqlDB, sqlErr := db.DB()
		if sqlErr != nil {
			return db, sqlErr
		}
		// Serializing writes through a single connection avoids
		// SQLITE_BUSY under concurrent message handlers.
		sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
		sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
		sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)
		for _, pragma := range sqliteExecPragma {
			if execErr := db.Exec(pragma).Error; execErr != nil {
				return db, fmt.Errorf("error setting pragma %q: %w", pragma, execErr)
			}
		}
	}

	err = db.WithContext(ctx).AutoMigrate(
		&FAQEntry{},
		&CooldownRecord{},
		&FAQUsageStat{},
		&FAQUsageEvent{},
		&RuntimeConfig{},
	)
	if err != nil {
		return db, err
	}

	return db, nil
}

func getDB(
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	switch databaseType {
	case dbTypeSQLite:
		parentDir := filepath.Dir(database)
		if parentDir != "" {
			if err := os.MkdirAll(parentDir, 0755); err != nil {
				if !errors.Is(err, os.ErrExist) {
					return nil, err
				}
			}
		}
		return gorm.Open(
			sqlite.Open(database),
			&gorm.Config{
				Logger: gormLogger,
				NowFunc: func() time.Time {
					return time.Now().UTC()
				},
			},
		)
	case dbTypePostgres:
		return gorm.Open(
			postgres.Open(database), &gorm.Config{
				Logger: gormLogger,
				NowFunc: func() time.Time {
					return time.Now().UTC()
				},
			},
		)
	default:
		return nil, fmt.Errorf(
			"unsupported database type: %s (must be %q or %q)",
			databaseType, dbTypeSQLite, dbTypePostgres,
		)
	}
}

// DBNotifier announces runtime config updates to other bot instances.
// With PostgreSQL this uses LISTEN/NOTIFY; with SQLite only a single
// instance is expected, so the notifier signals the local instance directly.
type DBNotifier interface {
	RuntimeConfigChannelName() string

	// ReloadRuntimeConfig tells bot instances to reload their runtime
	// configuration from the database
	ReloadRuntimeConfig(context.Context) bool

	// ID returns the identifier for this notifier. Instances use this
	// to filter out their own notifications.
	ID() string

	Listen(ctx context.Context, channel string) error
}

func newDBNotifier(s *Sage) (DBNotifier, error) {
	notifyID := newCorrelationID()
	log := s.logger.With(loggerNameKey, "db_notifier")
	switch s.config.DatabaseType {
	case dbTypeSQLite:
		return &sqliteNotifier{
			logger:         log,
			sage:           s,
			sqliteNotifyID: notifyID,
		}, nil
	case dbTypePostgres:
		return &postgresNotifier{
			sage:       s,
			logger:     log,
			pgNotifyID: notifyID,
		}, nil
	default:
		return nil, errors.New("invalid database type")
	}
}

type sqliteNotifier struct {
	logger         *slog.Logger
	sage           *Sage
	sqliteNotifyID string
}

func (s *sqliteNotifier) Listen(_ context.Context, channel string) error {
	s.logger.Debug("listener called", "channel", channel)
	return nil
}

func (sqliteNotifier) RuntimeConfigChannelName() string {
	return ""
}

func (s *sqliteNotifier) ID() string {
	return s.sqliteNotifyID
}

func (s *sqliteNotifier) ReloadRuntimeConfig(ctx context.Context) bool {
	s.logger.Info("got runtime config reload notification")
	select {
	case s.sage.triggerRuntimeConfigRefreshCh <- true:
	//
	case <-ctx.Done():
		s.logger.Warn("timeout sending runtime config refresh signal")
		return false
	}
	return true
}

type postgresNotifier struct {
	sage       *Sage
	logger     *slog.Logger
	pgNotifyID string
}

func (postgresNotifier) RuntimeConfigChannelName() string {
	return postgresNotifyChannelRuntimeConfigUpdated
}

func (p *postgresNotifier) ID() string {
	return p.pgNotifyID
}

func (p *postgresNotifier) ReloadRuntimeConfig(ctx context.Context) bool {
	notifyErr := p.sage.db.WithContext(ctx).Exec(
		"SELECT pg_notify(?, ?)",
		p.RuntimeConfigChannelName(),
		p.ID(),
	).Error
	if notifyErr != nil {
		p.logger.ErrorContext(
			ctx,
			"error sending NOTIFY to reload runtime config",
			tint.Err(notifyErr),
		)
		return false
	}
	p.logger.Info("sent runtime config refresh notification", "pg_notify_id", p.ID())

	select {
	case p.sage.triggerRuntimeConfigRefreshCh <- true:
	//
	case <-ctx.Done():
		p.logger.Warn("timeout sending local runtime config refresh signal")
	}
	return true
}

func (p *postgresNotifier) Listen(ctx context.Context, channel string) error {
	p.logger.Info("starting db listener", "channel", channel)

	config, err := pgxpool.ParseConfig(p.sage.config.Database)
	if err != nil {
		p.logger.ErrorContext(ctx, "error parsing database config", tint.Err(err))
		return err
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		p.logger.ErrorContext(ctx, "error creating connection pool", tint.Err(err))
		return err
	}
	defer pool.Close()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		p.logger.ErrorContext(ctx, "error acquiring connection", tint.Err(err))
		return err
	}
	defer conn.Release()

	_, err = conn.Exec(ctx, fmt.Sprintf("LISTEN %s", channel))
	if err != nil {
		p.logger.ErrorContext(ctx, "error setting up listener", tint.Err(err))
		return err
	}
	logger := p.logger.With("channel", channel)
	logger.InfoContext(ctx, "started listening on channel")

	for ctx.Err() == nil {
		notification, e := conn.Conn().WaitForNotification(ctx)
		if e != nil {
			if ctx.Err() != nil {
				break
			}
			logger.ErrorContext(ctx, "error waiting for notification", tint.Err(e))
			time.Sleep(5 * time.Second)
			continue
		}
		if notification.Payload == p.ID() {
			logger.Info(
				"received notification from self, ignoring",
				"payload", notification.Payload,
			)
			continue
		}
		logger.InfoContext(ctx, "received notification for runtime config update")
		select {
		case p.sage.triggerRuntimeConfigRefreshCh <- true:
			logger.Info("sent runtime config refresh signal from postgres listener")
		case <-time.After(dbNotifierSendTimeout):
			logger.Warn("timed out sending config refresh signal")
		}
	}

	return nil
}
