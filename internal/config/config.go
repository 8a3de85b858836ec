package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"AgentPay-Chain/pkg/logger"
)

// EnvConfigPath 指定配置文件路径的环境变量。
const EnvConfigPath = "AGENTPAY_CONFIG"

// DefaultPath 是未设置环境变量时使用的配置文件。
const DefaultPath = "configs/agentpay.json"

// Config 描述了 AgentPay 在启动阶段需要加载的核心配置。
type Config struct {
	Server      ServerConfig      `json:"server"`
	Logging     LoggingConfig     `json:"logging"`
	Web3        Web3Config        `json:"web3"`
	Vault       VaultConfig       `json:"vault"`
	SpendGuard  SpendGuardConfig  `json:"spend_guard"`
	Funding     FundingConfig     `json:"funding"`
	Swap        SwapConfig        `json:"swap"`
	IntentQueue IntentQueueConfig `json:"intent_queue"`
	Alerting    AlertingConfig    `json:"alerting"`
	Runtime     RuntimeConfig     `json:"runtime"`
	Metrics     MetricsConfig     `json:"metrics"`
}

// ServerConfig 控制 API 服务的监听地址与访问令牌。
type ServerConfig struct {
	Address string `json:"address"`
	// APIToken 为空时拒绝所有 /api 请求。
	APIToken string `json:"api_token"`
	// APITokenEnv 允许从环境变量读取令牌，优先级高于 APIToken。
	APITokenEnv string `json:"api_token_env"`
}

// LoggingConfig 对应 pkg/logger 的配置。
type LoggingConfig struct {
	Level   string      `json:"level"`
	Format  string      `json:"format"`
	Outputs []string    `json:"outputs"`
	Audit   AuditConfig `json:"audit"`
}

// AuditConfig 控制资金流水审计日志。max_backups 与 max_age_days 为 0 时保留全部已封存分段。
type AuditConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

// Web3Config 指向链定义文件并提供默认参数。
type Web3Config struct {
	ChainConfig string `json:"chain_config"`
	// Confirmations 为以太坊未在链定义中指定确认数时的默认值。
	Confirmations uint64 `json:"confirmations"`
}

// VaultConfig 选择会话密钥的存储后端。
type VaultConfig struct {
	// Driver 可选 memory、file、redis、mysql。
	Driver string           `json:"driver"`
	File   FileVaultConfig  `json:"file"`
	Redis  RedisVaultConfig `json:"redis"`
	MySQL  MySQLVaultConfig `json:"mysql"`
}

// FileVaultConfig 描述文件存储的位置。
type FileVaultConfig struct {
	Path string `json:"path"`
}

// RedisVaultConfig 描述 Redis 存储的连接参数。
type RedisVaultConfig struct {
	Address    string `json:"address"`
	Password   string `json:"password"`
	DB         int    `json:"db"`
	KeyPrefix  string `json:"key_prefix"`
	TTLSeconds int    `json:"ttl_seconds"`
}

// MySQLVaultConfig 描述 MySQL 存储的连接参数。
type MySQLVaultConfig struct {
	DSN          string `json:"dsn"`
	MaxOpenConns int    `json:"max_open_conns"`
	MaxIdleConns int    `json:"max_idle_conns"`
}

// SpendGuardConfig 以十进制字符串描述每条链的限额。
type SpendGuardConfig struct {
	Chains map[string]ChainLimitConfig `json:"chains"`
}

// ChainLimitConfig 是单条链的限额。
type ChainLimitConfig struct {
	MaxTotal          string   `json:"max_total"`
	MaxPerTransaction string   `json:"max_per_transaction"`
	AllowList         []string `json:"allow_list"`
}

// FundingConfig 配置开发环境使用的密钥资金签名器。
type FundingConfig struct {
	// Driver 为 keyed 时从环境变量加载用户主密钥。
	Driver string `json:"driver"`
	// KeyEnv 将链名映射到保存主密钥的环境变量名。
	KeyEnv map[string]string `json:"key_env"`
}

// SwapConfig 配置报价聚合服务。
type SwapConfig struct {
	BaseURL        string `json:"base_url"`
	APIKeyEnv      string `json:"api_key_env"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	SlippageBps    int    `json:"slippage_bps"`
}

// IntentQueueConfig 配置异步意图队列。
type IntentQueueConfig struct {
	// Driver 可选 disabled、memory、redis、rabbitmq。
	Driver        string `json:"driver"`
	Workers       int    `json:"workers"`
	RedisAddress  string `json:"redis_address"`
	RedisPassword string `json:"redis_password"`
	RedisDB       int    `json:"redis_db"`
	RabbitMQURL   string `json:"rabbitmq_url"`
	Queue         string `json:"queue"`
	ResultQueue   string `json:"result_queue"`
}

// AlertingConfig 配置告警通知渠道。
type AlertingConfig struct {
	SlackWebhook    string `json:"slack_webhook"`
	DingTalkWebhook string `json:"dingtalk_webhook"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir                string `json:"data_dir"`
	RPCTimeoutSeconds      int    `json:"rpc_timeout_seconds"`
	ConfirmTimeoutSeconds  int    `json:"confirm_timeout_seconds"`
	BalancePollSeconds     int    `json:"balance_poll_seconds"`
	ShutdownTimeoutSeconds int    `json:"shutdown_timeout_seconds"`
}

// MetricsConfig 配置 Prometheus 指标暴露。
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
	// Address 非空时在独立端口暴露指标，否则挂载在 API 服务上。
	Address string `json:"address"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// PathFromEnv 返回 AGENTPAY_CONFIG 指定的路径或默认路径。
func PathFromEnv() string {
	if path := strings.TrimSpace(os.Getenv(EnvConfigPath)); path != "" {
		return path
	}
	return DefaultPath
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.APITokenEnv != "" {
		if token := os.Getenv(c.Server.APITokenEnv); token != "" {
			c.Server.APIToken = token
		}
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
	if c.Runtime.RPCTimeoutSeconds <= 0 {
		c.Runtime.RPCTimeoutSeconds = 10
	}
	if c.Runtime.ConfirmTimeoutSeconds <= 0 {
		c.Runtime.ConfirmTimeoutSeconds = 120
	}
	if c.Runtime.BalancePollSeconds <= 0 {
		c.Runtime.BalancePollSeconds = 30
	}
	if c.Runtime.ShutdownTimeoutSeconds <= 0 {
		c.Runtime.ShutdownTimeoutSeconds = 10
	}

	if c.Logging.Audit.Enabled && c.Logging.Audit.Path == "" {
		c.Logging.Audit.Path = filepath.Join(c.Runtime.DataDir, "audit.log")
	}

	if c.Web3.ChainConfig != "" && !filepath.IsAbs(c.Web3.ChainConfig) {
		c.Web3.ChainConfig = filepath.Join(baseDir, c.Web3.ChainConfig)
	}
	if c.Web3.Confirmations == 0 {
		c.Web3.Confirmations = 1
	}

	if c.Vault.Driver == "" {
		c.Vault.Driver = "file"
	}
	if c.Vault.File.Path == "" {
		c.Vault.File.Path = filepath.Join(c.Runtime.DataDir, "session-secrets.json")
	} else if !filepath.IsAbs(c.Vault.File.Path) {
		c.Vault.File.Path = filepath.Join(baseDir, c.Vault.File.Path)
	}

	if c.Funding.Driver == "" {
		c.Funding.Driver = "keyed"
	}
	if c.Funding.KeyEnv == nil {
		c.Funding.KeyEnv = map[string]string{}
	}
	if _, ok := c.Funding.KeyEnv["solana"]; !ok {
		c.Funding.KeyEnv["solana"] = "AGENTPAY_FUNDING_SOLANA_KEY"
	}
	if _, ok := c.Funding.KeyEnv["ethereum"]; !ok {
		c.Funding.KeyEnv["ethereum"] = "AGENTPAY_FUNDING_ETHEREUM_KEY"
	}

	if c.Swap.TimeoutSeconds <= 0 {
		c.Swap.TimeoutSeconds = 10
	}
	if c.Swap.SlippageBps <= 0 {
		c.Swap.SlippageBps = 50
	}

	if c.IntentQueue.Driver == "" {
		c.IntentQueue.Driver = "disabled"
	}
	if c.IntentQueue.Workers <= 0 {
		c.IntentQueue.Workers = 1
	}
	if c.IntentQueue.Queue == "" {
		c.IntentQueue.Queue = "agentpay:intents"
	}
	if c.IntentQueue.ResultQueue == "" {
		c.IntentQueue.ResultQueue = "agentpay:results"
	}

	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// LoggerConfig 转换为 pkg/logger 的配置。
func (l LoggingConfig) LoggerConfig() logger.Config {
	return logger.Config{
		Level:       l.Level,
		Format:      l.Format,
		OutputPaths: l.Outputs,
		Audit: logger.AuditConfig{
			Enabled:    l.Audit.Enabled,
			Path:       l.Audit.Path,
			MaxSizeMB:  l.Audit.MaxSizeMB,
			MaxBackups: l.Audit.MaxBackups,
			MaxAgeDays: l.Audit.MaxAgeDays,
		},
	}
}

// RPCTimeout 返回单次链上调用的超时时间。
func (r RuntimeConfig) RPCTimeout() time.Duration {
	return time.Duration(r.RPCTimeoutSeconds) * time.Second
}

// ConfirmTimeout 返回等待交易确认的超时时间。
func (r RuntimeConfig) ConfirmTimeout() time.Duration {
	return time.Duration(r.ConfirmTimeoutSeconds) * time.Second
}

// BalancePollInterval 返回后台余额轮询间隔。
func (r RuntimeConfig) BalancePollInterval() time.Duration {
	return time.Duration(r.BalancePollSeconds) * time.Second
}

// ShutdownTimeout 返回优雅退出的等待时间。
func (r RuntimeConfig) ShutdownTimeout() time.Duration {
	return time.Duration(r.ShutdownTimeoutSeconds) * time.Second
}

// Timeout 返回报价请求超时。
func (s SwapConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}
