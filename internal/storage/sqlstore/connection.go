package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"
)

const (
	// DriverMySQL 使用 go-sql-driver/mysql。
	DriverMySQL = "mysql"
	// DriverSQLite 使用纯 Go 实现的 modernc.org/sqlite。
	DriverSQLite = "sqlite"
)

// Config 描述数据库连接参数。
type Config struct {
	Driver          string        `json:"driver" yaml:"driver"`
	DSN             string        `json:"dsn" yaml:"dsn"`
	MaxOpenConns    int           `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `json:"conn_max_idle_time" yaml:"conn_max_idle_time"`
}

func normalizeDriver(driver string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverMySQL:
		return DriverMySQL, nil
	case DriverSQLite, "sqlite3":
		return DriverSQLite, nil
	default:
		return "", fmt.Errorf("不支持的数据库驱动: %s", driver)
	}
}

func openDatabase(ctx context.Context, cfg Config) (*sql.DB, string, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, "", fmt.Errorf("数据库 DSN 不能为空")
	}
	driver, err := normalizeDriver(cfg.Driver)
	if err != nil {
		return nil, "", err
	}

	dsn := cfg.DSN
	if driver == DriverMySQL {
		parsed, err := mysql.ParseDSN(cfg.DSN)
		if err != nil {
			return nil, "", fmt.Errorf("解析 MySQL DSN 失败: %w", err)
		}
		parsed.MultiStatements = false
		dsn = parsed.FormatDSN()
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, "", fmt.Errorf("连接数据库失败: %w", err)
	}

	if driver == DriverSQLite {
		// SQLite 只允许单写者。
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		if cfg.MaxOpenConns > 0 {
			db.SetMaxOpenConns(cfg.MaxOpenConns)
		} else {
			db.SetMaxOpenConns(20)
		}
		if cfg.MaxIdleConns > 0 {
			db.SetMaxIdleConns(cfg.MaxIdleConns)
		} else {
			db.SetMaxIdleConns(10)
		}
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, "", fmt.Errorf("无法连接到数据库: %w", err)
	}
	return db, driver, nil
}
