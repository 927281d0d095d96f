package database

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Config holds configuration for the shared database connection.
type Config struct {
	Host     string `hcl:"host,optional"`
	Port     int    `hcl:"port,optional"`
	User     string `hcl:"user,optional"`
	Password string `hcl:"password,optional"`
	DBName   string `hcl:"dbname,optional"`
	SSLMode  string `hcl:"sslmode,optional"`

	// DSN, when set, is used verbatim and the fields above are ignored.
	DSN string `hcl:"dsn,optional"`

	// Connection pool settings.
	MaxIdleConns int `hcl:"max_idle_conns,optional"`
	MaxOpenConns int `hcl:"max_open_conns,optional"`

	ConnMaxLifetime time.Duration `hcl:"-"`

	// StatementTimeout bounds every statement on the connection; runaway
	// queries are cancelled server-side. Zero means 60s.
	StatementTimeout time.Duration `hcl:"-"`
}

// Connect opens the gorm connection used by every binary. Each process gets
// its own pool; pools are never shared across consumer loops, only
// connections checked out per operation.
func Connect(cfg Config, log hclog.Logger) (*gorm.DB, error) {
	timeout := cfg.StatementTimeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}

	dsn := cfg.DSN
	if dsn == "" {
		host := cfg.Host
		if host == "" {
			host = "localhost"
		}
		port := cfg.Port
		if port == 0 {
			port = 5432
		}
		sslMode := cfg.SSLMode
		if sslMode == "" {
			sslMode = "disable"
		}
		dsn = fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s TimeZone=UTC options='-c statement_timeout=%d'",
			host, port, cfg.User, cfg.Password, cfg.DBName, sslMode,
			timeout.Milliseconds(),
		)
	}

	gormConfig := &gorm.Config{
		TranslateError: true,
	}
	if log != nil {
		gormConfig.Logger = NewGormLogger(log.Named("gorm"))
	} else {
		gormConfig.Logger = logger.Default.LogMode(logger.Silent)
	}

	db, err := gorm.Open(postgres.Open(dsn), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying SQL DB: %w", err)
	}

	maxIdle := cfg.MaxIdleConns
	if maxIdle == 0 {
		maxIdle = 10
	}
	sqlDB.SetMaxIdleConns(maxIdle)

	maxOpen := cfg.MaxOpenConns
	if maxOpen == 0 {
		maxOpen = 25
	}
	sqlDB.SetMaxOpenConns(maxOpen)

	lifetime := cfg.ConnMaxLifetime
	if lifetime == 0 {
		lifetime = 5 * time.Minute
	}
	sqlDB.SetConnMaxLifetime(lifetime)

	if log != nil {
		log.Info("connected to database",
			"host", cfg.Host,
			"database", cfg.DBName,
			"max_idle_conns", maxIdle,
			"max_open_conns", maxOpen,
			"statement_timeout", timeout,
		)
	}

	return db, nil
}

// gormHclogAdapter adapts hclog.Logger to gorm's logger.Interface.
type gormHclogAdapter struct {
	logger hclog.Logger
	level  logger.LogLevel
}

// NewGormLogger creates a GORM logger backed by hclog.
func NewGormLogger(log hclog.Logger) logger.Interface {
	return &gormHclogAdapter{logger: log, level: logger.Warn}
}

func (g *gormHclogAdapter) LogMode(level logger.LogLevel) logger.Interface {
	return &gormHclogAdapter{logger: g.logger, level: level}
}

func (g *gormHclogAdapter) Info(ctx context.Context, msg string, data ...interface{}) {
	if g.level >= logger.Info {
		g.logger.Info(msg, data...)
	}
}

func (g *gormHclogAdapter) Warn(ctx context.Context, msg string, data ...interface{}) {
	if g.level >= logger.Warn {
		g.logger.Warn(msg, data...)
	}
}

func (g *gormHclogAdapter) Error(ctx context.Context, msg string, data ...interface{}) {
	if g.level >= logger.Error {
		g.logger.Error(msg, data...)
	}
}

func (g *gormHclogAdapter) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if g.level <= logger.Silent {
		return
	}

	elapsed := time.Since(begin)
	sql, rows := fc()

	switch {
	case err != nil && g.level >= logger.Error:
		g.logger.Error("database query failed",
			"error", err, "elapsed", elapsed, "rows", rows, "sql", sql)
	case elapsed > 200*time.Millisecond && g.level >= logger.Warn:
		g.logger.Warn("slow database query",
			"elapsed", elapsed, "rows", rows, "sql", sql)
	case g.level >= logger.Info:
		g.logger.Debug("database query",
			"elapsed", elapsed, "rows", rows, "sql", sql)
	}
}
