package logger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// AuditConfig 控制审计日志文件及其轮转策略。
type AuditConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	Path       string `json:"path" yaml:"path"`
	MaxSizeMB  int    `json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `json:"compress" yaml:"compress"`
}

const redactedValue = "[REDACTED]"

var auditTag = slog.String("stream", "audit")

// 这些字段只允许以脱敏形式出现在日志里。
var sensitiveKeys = map[string]struct{}{
	"signature":     {},
	"access_token":  {},
	"authorization": {},
	"private_key":   {},
	"jwt_secret":    {},
}

func buildAuditLogger(cfg AuditConfig) (*slog.Logger, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("启用审计日志时 path 不能为空")
	}
	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = 100
	}
	if cfg.MaxBackups <= 0 {
		cfg.MaxBackups = 7
	}
	if cfg.MaxAgeDays <= 0 {
		cfg.MaxAgeDays = 30
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("创建审计日志目录失败: %w", err)
	}

	writer := &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
	closers = append(closers, writer)
	return newAuditLogger(writer), nil
}

// newAuditLogger 构造写入 w 的审计日志：JSON 格式、Info 级别、带 stream=audit 标记。
func newAuditLogger(w io.Writer) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo, ReplaceAttr: redact})
	return slog.New(handler).With(auditTag)
}

func redact(_ []string, attr slog.Attr) slog.Attr {
	if _, ok := sensitiveKeys[strings.ToLower(attr.Key)]; ok {
		return slog.String(attr.Key, redactedValue)
	}
	return attr
}

// Audit 返回审计日志实例。未单独配置审计文件时写入应用日志。
func Audit() *slog.Logger {
	if auditLogger == nil {
		return L().With(auditTag)
	}
	return auditLogger
}

// Mutation 记录一次已提交的账本变更，op 为操作名，如 mint、purchase。
func Mutation(op string, attrs ...slog.Attr) {
	mutation(Audit(), op, attrs...)
}

func mutation(log *slog.Logger, op string, attrs ...slog.Attr) {
	all := make([]slog.Attr, 0, len(attrs)+1)
	all = append(all, slog.String("op", op))
	all = append(all, attrs...)
	log.LogAttrs(context.Background(), slog.LevelInfo, "ledger_mutation", all...)
}
