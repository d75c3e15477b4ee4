package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"AgentLedger/internal/auth"
	"AgentLedger/internal/events"
	"AgentLedger/internal/ledger"
	"AgentLedger/internal/storage/sqlstore"
	"AgentLedger/internal/web3"
	"AgentLedger/internal/web3/ethereum"
	"AgentLedger/pkg/logger"
)

// 环境变量名称。
const (
	EnvConfigPath = "AGENTLEDGER_CONFIG"
	EnvAuthSecret = "AGENTLEDGER_AUTH_SECRET"
	EnvStorageDSN = "AGENTLEDGER_STORAGE_DSN"
	EnvAnchorKey  = "AGENTLEDGER_ANCHOR_KEY"
)

// DefaultPath 是未设置 AGENTLEDGER_CONFIG 时读取的配置文件。
var DefaultPath = filepath.Join("configs", "agentledger.yaml")

// Config 描述了 AgentLedger 在启动阶段需要加载的核心配置。
type Config struct {
	Server   ServerConfig   `json:"server" yaml:"server"`
	Logging  logger.Config  `json:"logging" yaml:"logging"`
	Ledger   LedgerConfig   `json:"ledger" yaml:"ledger"`
	Storage  StorageConfig  `json:"storage" yaml:"storage"`
	Events   EventsConfig   `json:"events" yaml:"events"`
	Auth     AuthConfig     `json:"auth" yaml:"auth"`
	Indexer  IndexerConfig  `json:"indexer" yaml:"indexer"`
	Alerting AlertingConfig `json:"alerting" yaml:"alerting"`
	Anchor   AnchorConfig   `json:"anchor" yaml:"anchor"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address" yaml:"address"`
	// MetricsAddress 非空时在独立端口暴露 /metrics。
	MetricsAddress string `json:"metrics_address" yaml:"metrics_address"`
	// ShutdownTimeoutSeconds 控制优雅退出的最长等待时间。
	ShutdownTimeoutSeconds int `json:"shutdown_timeout_seconds" yaml:"shutdown_timeout_seconds"`
}

// LedgerConfig 描述账本的发行方与挂单策略。
type LedgerConfig struct {
	Issuer string `json:"issuer" yaml:"issuer"`
	// AllowFreeListings 为空时允许零价格挂单。
	AllowFreeListings *bool `json:"allow_free_listings" yaml:"allow_free_listings"`
}

// StorageConfig 描述账本持久化后端，driver 为 memory、mysql 或 sqlite。
type StorageConfig struct {
	Driver                 string `json:"driver" yaml:"driver"`
	DSN                    string `json:"dsn" yaml:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds" yaml:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `json:"conn_max_idle_time_seconds" yaml:"conn_max_idle_time_seconds"`
}

// EventsConfig 描述事件总线。
type EventsConfig struct {
	Driver     string                `json:"driver" yaml:"driver"`
	BufferSize int                   `json:"buffer_size" yaml:"buffer_size"`
	Redis      RedisConfig           `json:"redis" yaml:"redis"`
	RabbitMQ   events.RabbitMQConfig `json:"rabbitmq" yaml:"rabbitmq"`
}

// RedisConfig 同时用于事件总线与挑战存储。
type RedisConfig struct {
	Address          string `json:"address" yaml:"address"`
	Password         string `json:"password" yaml:"password"`
	DB               int    `json:"db" yaml:"db"`
	Queue            string `json:"queue" yaml:"queue"`
	BlockWaitSeconds int    `json:"block_wait_seconds" yaml:"block_wait_seconds"`
	MaxAttempts      int    `json:"max_attempts" yaml:"max_attempts"`
}

// AuthConfig 描述钱包登录与令牌参数。
type AuthConfig struct {
	Mode                string `json:"mode" yaml:"mode"`
	Secret              string `json:"secret" yaml:"secret"`
	Issuer              string `json:"issuer" yaml:"issuer"`
	Audience            string `json:"audience" yaml:"audience"`
	Domain              string `json:"domain" yaml:"domain"`
	TokenTTLSeconds     int    `json:"token_ttl_seconds" yaml:"token_ttl_seconds"`
	ChallengeTTLSeconds int    `json:"challenge_ttl_seconds" yaml:"challenge_ttl_seconds"`
	// NonceStore 为 memory 或 redis。
	NonceStore string      `json:"nonce_store" yaml:"nonce_store"`
	Redis      RedisConfig `json:"redis" yaml:"redis"`
}

// IndexerConfig 控制事件索引器。
type IndexerConfig struct {
	Workers     int `json:"workers" yaml:"workers"`
	RecentLimit int `json:"recent_limit" yaml:"recent_limit"`
}

// AlertingConfig 配置告警渠道。
type AlertingConfig struct {
	WebhookURL string `json:"webhook_url" yaml:"webhook_url"`
}

// AnchorConfig 控制检查点的链上锚定。
type AnchorConfig struct {
	Enabled         bool   `json:"enabled" yaml:"enabled"`
	Chain           string `json:"chain" yaml:"chain"`
	RPCURL          string `json:"rpc_url" yaml:"rpc_url"`
	BatchRPCURL     string `json:"batch_rpc_url" yaml:"batch_rpc_url"`
	PrivateKey      string `json:"private_key" yaml:"private_key"`
	Sink            string `json:"sink" yaml:"sink"`
	IntervalSeconds int    `json:"interval_seconds" yaml:"interval_seconds"`
}

// LoadFromEnv 读取 AGENTLEDGER_CONFIG 指向的配置文件，未设置时读取 DefaultPath。
func LoadFromEnv() (*Config, error) {
	path := os.Getenv(EnvConfigPath)
	if path == "" {
		path = DefaultPath
	}
	return Load(path)
}

// Load 负责解析指定路径的配置文件，.json 按 JSON 解析，.yaml/.yml 按 YAML 解析。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(content))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("解析配置失败: %w", err)
		}
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(content))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("解析配置失败: %w", err)
		}
	default:
		return nil, fmt.Errorf("不支持的配置文件格式: %s", ext)
	}

	cfg.applyEnv()
	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv 允许通过环境变量覆盖敏感配置。
func (c *Config) applyEnv() {
	if v := os.Getenv(EnvAuthSecret); v != "" {
		c.Auth.Secret = v
	}
	if v := os.Getenv(EnvStorageDSN); v != "" {
		c.Storage.DSN = v
	}
	if v := os.Getenv(EnvAnchorKey); v != "" {
		c.Anchor.PrivateKey = v
	}
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ShutdownTimeoutSeconds <= 0 {
		c.Server.ShutdownTimeoutSeconds = 10
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path != "" && !filepath.IsAbs(c.Logging.Audit.Path) {
		c.Logging.Audit.Path = filepath.Join(baseDir, c.Logging.Audit.Path)
	}

	c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Storage.Driver == sqlstore.DriverSQLite && c.Storage.DSN != "" && !filepath.IsAbs(c.Storage.DSN) && !strings.HasPrefix(c.Storage.DSN, "file:") && c.Storage.DSN != ":memory:" {
		c.Storage.DSN = filepath.Join(baseDir, c.Storage.DSN)
	}

	if c.Events.Driver == "" {
		c.Events.Driver = events.DriverMemory
	}
	if c.Events.BufferSize <= 0 {
		c.Events.BufferSize = 1024
	}

	if c.Auth.Mode == "" {
		c.Auth.Mode = string(auth.ModeDisabled)
	}
	if c.Auth.NonceStore == "" {
		c.Auth.NonceStore = "memory"
	}
	if c.Auth.TokenTTLSeconds <= 0 {
		c.Auth.TokenTTLSeconds = 3600
	}
	if c.Auth.ChallengeTTLSeconds <= 0 {
		c.Auth.ChallengeTTLSeconds = 300
	}

	if c.Indexer.Workers <= 0 {
		c.Indexer.Workers = 1
	}
	if c.Indexer.RecentLimit <= 0 {
		c.Indexer.RecentLimit = 100
	}

	if c.Anchor.Chain == "" {
		c.Anchor.Chain = "ethereum"
	}
	if c.Anchor.IntervalSeconds <= 0 {
		c.Anchor.IntervalSeconds = int(web3.DefaultInterval / time.Second)
	}
}

// Validate 校验配置是否完整。
func (c *Config) Validate() error {
	var errs []error
	if _, err := c.IssuerAddress(); err != nil {
		errs = append(errs, err)
	}
	switch c.Storage.Driver {
	case "memory":
	case sqlstore.DriverMySQL, sqlstore.DriverSQLite, "sqlite3":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			errs = append(errs, fmt.Errorf("storage.dsn 不能为空 (driver=%s)", c.Storage.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("未知的存储驱动: %s", c.Storage.Driver))
	}
	switch strings.ToLower(c.Events.Driver) {
	case events.DriverMemory:
	case events.DriverRedis:
		if c.Events.Redis.Address == "" {
			errs = append(errs, errors.New("events.redis.address 不能为空"))
		}
	case events.DriverRabbitMQ:
		if c.Events.RabbitMQ.URL == "" {
			errs = append(errs, errors.New("events.rabbitmq.url 不能为空"))
		}
	default:
		errs = append(errs, fmt.Errorf("未知的事件总线驱动: %s", c.Events.Driver))
	}
	switch auth.Mode(strings.ToLower(c.Auth.Mode)) {
	case auth.ModeDisabled:
	case auth.ModeWallet:
		if strings.TrimSpace(c.Auth.Secret) == "" {
			errs = append(errs, errors.New("auth.secret 不能为空 (mode=wallet)"))
		}
		switch c.Auth.NonceStore {
		case "memory":
		case "redis":
			if c.Auth.Redis.Address == "" {
				errs = append(errs, errors.New("auth.redis.address 不能为空"))
			}
		default:
			errs = append(errs, fmt.Errorf("未知的挑战存储: %s", c.Auth.NonceStore))
		}
	default:
		errs = append(errs, fmt.Errorf("未知的认证模式: %s", c.Auth.Mode))
	}
	if c.Anchor.Enabled {
		if strings.TrimSpace(c.Anchor.RPCURL) == "" {
			errs = append(errs, errors.New("anchor.rpc_url 不能为空"))
		}
		if strings.TrimSpace(c.Anchor.PrivateKey) == "" {
			errs = append(errs, errors.New("anchor.private_key 不能为空"))
		}
		if c.Anchor.Sink != "" && !common.IsHexAddress(c.Anchor.Sink) {
			errs = append(errs, fmt.Errorf("anchor.sink 不是合法地址: %q", c.Anchor.Sink))
		}
	}
	return errors.Join(errs...)
}

// IssuerAddress 返回校验后的发行方地址。
func (c *Config) IssuerAddress() (common.Address, error) {
	raw := strings.TrimSpace(c.Ledger.Issuer)
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("ledger.issuer 不是合法地址: %q", raw)
	}
	addr := common.HexToAddress(raw)
	if addr == (common.Address{}) {
		return common.Address{}, errors.New("ledger.issuer 不能为零地址")
	}
	return addr, nil
}

// LedgerPolicy 返回账本策略。
func (c *Config) LedgerPolicy() ledger.Policy {
	policy := ledger.DefaultPolicy()
	if c.Ledger.AllowFreeListings != nil {
		policy.AllowFreeListings = *c.Ledger.AllowFreeListings
	}
	return policy
}

// SQLStore 返回 SQL 存储配置。
func (c *Config) SQLStore() sqlstore.Config {
	return sqlstore.Config{
		Driver:          c.Storage.Driver,
		DSN:             c.Storage.DSN,
		MaxOpenConns:    c.Storage.MaxOpenConns,
		MaxIdleConns:    c.Storage.MaxIdleConns,
		ConnMaxLifetime: time.Duration(c.Storage.ConnMaxLifetimeSeconds) * time.Second,
		ConnMaxIdleTime: time.Duration(c.Storage.ConnMaxIdleTimeSeconds) * time.Second,
	}
}

// EventBus 返回事件总线配置。
func (c *Config) EventBus() events.Config {
	return events.Config{
		Driver:     c.Events.Driver,
		BufferSize: c.Events.BufferSize,
		Workers:    c.Indexer.Workers,
		Redis: events.RedisConfig{
			Address:     c.Events.Redis.Address,
			Password:    c.Events.Redis.Password,
			DB:          c.Events.Redis.DB,
			Queue:       c.Events.Redis.Queue,
			BlockWait:   time.Duration(c.Events.Redis.BlockWaitSeconds) * time.Second,
			MaxAttempts: c.Events.Redis.MaxAttempts,
		},
		RabbitMQ: c.Events.RabbitMQ,
	}
}

// AuthService 返回身份认证配置。
func (c *Config) AuthService() auth.Config {
	return auth.Config{
		Mode:         auth.Mode(c.Auth.Mode),
		Secret:       c.Auth.Secret,
		Issuer:       c.Auth.Issuer,
		Audience:     c.Auth.Audience,
		Domain:       c.Auth.Domain,
		TokenTTL:     time.Duration(c.Auth.TokenTTLSeconds) * time.Second,
		ChallengeTTL: time.Duration(c.Auth.ChallengeTTLSeconds) * time.Second,
	}
}

// AnchorClient 返回锚定链客户端配置。
func (c *Config) AnchorClient() ethereum.Config {
	return ethereum.Config{
		Name:        c.Anchor.Chain,
		RPCURL:      c.Anchor.RPCURL,
		BatchRPCURL: c.Anchor.BatchRPCURL,
		PrivateKey:  c.Anchor.PrivateKey,
		Sink:        c.Anchor.Sink,
	}
}

// AnchorInterval 返回锚定周期。
func (c *Config) AnchorInterval() time.Duration {
	return time.Duration(c.Anchor.IntervalSeconds) * time.Second
}

// ShutdownTimeout 返回优雅退出超时时间。
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSeconds) * time.Second
}
