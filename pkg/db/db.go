package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	_ "modernc.org/sqlite"
)

// Supported ledger drivers.
const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

// Open connects to the ledger database and migrates the given models.
//
// sqlite: dsn is a file path, opened through the pure-Go modernc driver.
// mysql: dsn is a go-sql-driver DSN; when empty it is assembled from
//
//	MYSQL_HOST, MYSQL_PORT, MYSQL_USER, MYSQL_PASS, MYSQL_DB
func Open(driver, dsn string, models ...any) (*gorm.DB, error) {
	_ = loadDotEnv()
	cfg := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	}
	var (
		gdb *gorm.DB
		err error
	)
	switch driver {
	case DriverSQLite, "":
		gdb, err = openSQLite(dsn, cfg)
	case DriverMySQL:
		gdb, err = openMySQL(dsn, cfg)
	default:
		return nil, fmt.Errorf("unknown ledger driver %q", driver)
	}
	if err != nil {
		return nil, err
	}
	if err := gdb.AutoMigrate(models...); err != nil {
		return nil, fmt.Errorf("migrate ledger: %w", err)
	}
	return gdb, nil
}

func openSQLite(path string, cfg *gorm.Config) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite ledger path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}
	sqlDB, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout=5000&_pragma=journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open sqlite ledger: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite ledger: %w", err)
	}
	return gorm.Open(sqlite.Dialector{DriverName: "sqlite", Conn: sqlDB}, cfg)
}

// mysqlEnv is the server addressed by the MYSQL_* variables.
type mysqlEnv struct {
	host, port, user, pass, name string
}

func (e mysqlEnv) dsn(withDB bool) string {
	db := ""
	if withDB {
		db = e.name
	}
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC", e.user, e.pass, e.host, e.port, db)
}

func openMySQL(dsn string, cfg *gorm.Config) (*gorm.DB, error) {
	env := mysqlEnv{
		host: envOr("MYSQL_HOST", "127.0.0.1"),
		port: envOr("MYSQL_PORT", "3306"),
		user: envOr("MYSQL_USER", "root"),
		pass: os.Getenv("MYSQL_PASS"),
		name: envOr("MYSQL_DB", "deckhand"),
	}
	assembled := false
	if dsn == "" {
		dsn = os.Getenv("MYSQL_DSN")
	}
	if dsn == "" {
		dsn, assembled = env.dsn(true), true
	}

	gdb, err := gorm.Open(mysql.Open(dsn), cfg)
	if err != nil && assembled && strings.Contains(err.Error(), "Unknown database") {
		if cerr := ensureDatabase(env, cfg); cerr != nil {
			return nil, fmt.Errorf("create mysql database %s: %w", env.name, cerr)
		}
		gdb, err = gorm.Open(mysql.Open(dsn), cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("open mysql ledger: %w", err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetMaxIdleConns(2)
	sqlDB.SetMaxOpenConns(8)
	return gdb, nil
}

// ensureDatabase creates the ledger schema on a server that lacks it.
func ensureDatabase(env mysqlEnv, cfg *gorm.Config) error {
	server, err := gorm.Open(mysql.Open(env.dsn(false)), cfg)
	if err != nil {
		return err
	}
	if sqlDB, err := server.DB(); err == nil {
		defer sqlDB.Close()
	}
	return server.Exec("CREATE DATABASE IF NOT EXISTS `" + env.name + "` DEFAULT CHARACTER SET utf8mb4").Error
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// loadDotEnv reads ./.env when present; a missing file is not an error.
func loadDotEnv() error {
	if _, err := os.Stat(".env"); err != nil {
		return nil
	}
	return godotenv.Load(".env")
}
