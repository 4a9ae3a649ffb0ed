package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"AgentDesk/pkg/logger"
)

// EnvPrefix 是环境变量覆盖配置时使用的前缀。
const EnvPrefix = "AGENTDESK_"

// Config 描述了 AgentDesk 在启动阶段需要加载的全部配置。
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logging   logger.Config   `yaml:"logging"`
	Storage   StorageConfig   `yaml:"storage"`
	Queue     QueueConfig     `yaml:"queue"`
	Web3      Web3Config      `yaml:"web3"`
	Agent     AgentConfig     `yaml:"agent"`
	Transfer  TransferConfig  `yaml:"transfer"`
	Notify    NotifyConfig    `yaml:"notify"`
	Contacts  ContactsConfig  `yaml:"contacts"`
	Intent    IntentConfig    `yaml:"intent"`
	Alerting  AlertingConfig  `yaml:"alerting"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Runtime   RuntimeConfig   `yaml:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address        string        `yaml:"address"`
	MetricsAddress string        `yaml:"metrics_address"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
}

// StorageConfig 描述定时任务与历史记录的存储后端。
type StorageConfig struct {
	TaskStore TaskStoreConfig `yaml:"task_store"`
	History   HistoryConfig   `yaml:"history"`
}

// TaskStoreConfig 支持 memory 与 mysql 两种驱动。
type TaskStoreConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// HistoryConfig 支持 file (JSON 日志) 与 mysql 两种驱动。
type HistoryConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
	Path   string `yaml:"path"`
}

// QueueConfig 描述调度队列。
type QueueConfig struct {
	Driver   string         `yaml:"driver"`
	Buffer   int            `yaml:"buffer"`
	Redis    RedisConfig    `yaml:"redis"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
}

// RedisConfig 是 Redis 连接的公共参数。
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Key      string `yaml:"key"`
}

// RabbitMQConfig 描述 RabbitMQ 连接。
type RabbitMQConfig struct {
	URL   string `yaml:"url"`
	Queue string `yaml:"queue"`
}

// TokenConfig 描述一个 ERC-20 代币。
type TokenConfig struct {
	Address  string `yaml:"address"`
	Decimals int32  `yaml:"decimals"`
}

// Web3Config 包含链访问、代付中继与时间锁合约的配置。
type Web3Config struct {
	ChainConfig     string                 `yaml:"chain_config"`
	DefaultChain    string                 `yaml:"default_chain"`
	RPCURL          string                 `yaml:"rpc_url"`
	RelayURL        string                 `yaml:"relay_url"`
	TimeLockAddress string                 `yaml:"timelock_address"`
	NativeSymbol    string                 `yaml:"native_symbol"`
	Tokens          map[string]TokenConfig `yaml:"tokens"`
	AdminKeyEnv     string                 `yaml:"admin_key_env"`
	AdminKey        string                 `yaml:"-"`
	ReceiptTimeout  time.Duration          `yaml:"receipt_timeout"`
}

// AgentConfig 是批量执行代理的参数。
type AgentConfig struct {
	Interval             time.Duration `yaml:"interval"`
	Retention            time.Duration `yaml:"retention"`
	DefaultScheduleDelay time.Duration `yaml:"default_schedule_delay"`
}

// TransferConfig 是单笔与定时转账的时间参数。
type TransferConfig struct {
	BalancePollAttempts int           `yaml:"balance_poll_attempts"`
	BalancePollInterval time.Duration `yaml:"balance_poll_interval"`
	TopUpWait           time.Duration `yaml:"topup_wait"`
	TopUpAmount         string        `yaml:"topup_amount"`
	GasReserve          string        `yaml:"gas_reserve"`
}

// NotifyConfig 描述通知收件箱与对话记录。
type NotifyConfig struct {
	Driver   string      `yaml:"driver"`
	Redis    RedisConfig `yaml:"redis"`
	Capacity int         `yaml:"capacity"`
}

// ContactsConfig 描述联系人目录与全局注册表。
type ContactsConfig struct {
	StaticFile  string        `yaml:"static_file"`
	RegistryURL string        `yaml:"registry_url"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
	Redis       RedisConfig   `yaml:"redis"`
}

// IntentConfig 指向外部的自然语言意图解析服务，为空时禁用。
type IntentConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// AlertingConfig 描述运维告警的投递方式，WebhookURL 为空时只写审计日志。
type AlertingConfig struct {
	WebhookURL string        `yaml:"webhook_url"`
	Timeout    time.Duration `yaml:"timeout"`
}

// SchedulerConfig 控制到期任务的扫描与释放。
type SchedulerConfig struct {
	Enabled      bool          `yaml:"enabled"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Workers      int           `yaml:"workers"`
	MaxAttempts  int           `yaml:"max_attempts"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `yaml:"data_dir"`
}

// Load 解析指定路径的 YAML 配置文件，并加载同目录下的 .env。
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("配置文件路径为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	baseDir := filepath.Dir(path)
	if err := loadDotEnv(filepath.Join(baseDir, ".env")); err != nil {
		return nil, err
	}

	cfg.applyEnv()
	cfg.applyDefaults(baseDir)
	return &cfg, nil
}

// Default 返回仅由默认值和环境变量组成的配置。
func Default(baseDir string) *Config {
	var cfg Config
	_ = loadDotEnv(filepath.Join(baseDir, ".env"))
	cfg.applyEnv()
	cfg.applyDefaults(baseDir)
	return &cfg
}

func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("读取 .env 失败: %w", err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("加载 .env 失败: %w", err)
	}
	return nil
}

// applyEnv 使用 AGENTDESK_* 环境变量覆盖敏感信息与地址。
func (c *Config) applyEnv() {
	override := func(name string, target *string) {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok && strings.TrimSpace(v) != "" {
			*target = strings.TrimSpace(v)
		}
	}

	override("HTTP_ADDR", &c.Server.Address)
	override("RPC_URL", &c.Web3.RPCURL)
	override("RELAY_URL", &c.Web3.RelayURL)
	override("TIMELOCK_ADDRESS", &c.Web3.TimeLockAddress)
	override("MYSQL_DSN", &c.Storage.TaskStore.DSN)
	override("HISTORY_DSN", &c.Storage.History.DSN)
	override("REDIS_ADDR", &c.Queue.Redis.Addr)
	override("RABBITMQ_URL", &c.Queue.RabbitMQ.URL)
	override("REGISTRY_URL", &c.Contacts.RegistryURL)
	override("INTENT_URL", &c.Intent.URL)
	override("ALERT_WEBHOOK", &c.Alerting.WebhookURL)
	override("LOG_LEVEL", &c.Logging.Level)

	if v, ok := os.LookupEnv(EnvPrefix + "SCHEDULER_ENABLED"); ok {
		if enabled, err := strconv.ParseBool(v); err == nil {
			c.Scheduler.Enabled = enabled
		}
	}

	keyEnv := c.Web3.AdminKeyEnv
	if keyEnv == "" {
		keyEnv = EnvPrefix + "ADMIN_KEY"
	}
	if v := strings.TrimSpace(os.Getenv(keyEnv)); v != "" {
		c.Web3.AdminKey = v
	}
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ReadTimeout <= 0 {
		c.Server.ReadTimeout = 15 * time.Second
	}
	if c.Server.WriteTimeout <= 0 {
		c.Server.WriteTimeout = 30 * time.Second
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}

	if c.Storage.TaskStore.Driver == "" {
		c.Storage.TaskStore.Driver = "memory"
	}
	if c.Storage.History.Driver == "" {
		c.Storage.History.Driver = "file"
	}
	if c.Storage.History.Path == "" {
		c.Storage.History.Path = filepath.Join(c.Runtime.DataDir, "history.jsonl")
	} else if !filepath.IsAbs(c.Storage.History.Path) {
		c.Storage.History.Path = filepath.Join(baseDir, c.Storage.History.Path)
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Buffer <= 0 {
		c.Queue.Buffer = 128
	}
	if c.Queue.Redis.Key == "" {
		c.Queue.Redis.Key = "agentdesk:scheduled"
	}
	if c.Queue.RabbitMQ.Queue == "" {
		c.Queue.RabbitMQ.Queue = "agentdesk.scheduled"
	}

	if c.Web3.ChainConfig != "" && !filepath.IsAbs(c.Web3.ChainConfig) {
		c.Web3.ChainConfig = filepath.Join(baseDir, c.Web3.ChainConfig)
	}
	if c.Web3.NativeSymbol == "" {
		c.Web3.NativeSymbol = "ETH"
	}
	if c.Web3.ReceiptTimeout <= 0 {
		c.Web3.ReceiptTimeout = 2 * time.Minute
	}

	if c.Agent.Interval <= 0 {
		c.Agent.Interval = 10 * time.Second
	}
	if c.Agent.Retention <= 0 {
		c.Agent.Retention = 60 * time.Second
	}
	if c.Agent.DefaultScheduleDelay <= 0 {
		c.Agent.DefaultScheduleDelay = 5 * time.Minute
	}

	if c.Transfer.BalancePollAttempts <= 0 {
		c.Transfer.BalancePollAttempts = 3
	}
	if c.Transfer.BalancePollInterval <= 0 {
		c.Transfer.BalancePollInterval = 3 * time.Second
	}
	if c.Transfer.TopUpWait <= 0 {
		c.Transfer.TopUpWait = 8 * time.Second
	}
	if c.Transfer.TopUpAmount == "" {
		c.Transfer.TopUpAmount = "0.01"
	}
	if c.Transfer.GasReserve == "" {
		c.Transfer.GasReserve = "0.002"
	}

	if c.Notify.Driver == "" {
		c.Notify.Driver = "memory"
	}
	if c.Notify.Capacity <= 0 {
		c.Notify.Capacity = 200
	}
	if c.Notify.Redis.Key == "" {
		c.Notify.Redis.Key = "agentdesk:inbox"
	}

	if c.Contacts.StaticFile != "" && !filepath.IsAbs(c.Contacts.StaticFile) {
		c.Contacts.StaticFile = filepath.Join(baseDir, c.Contacts.StaticFile)
	}
	if c.Contacts.CacheTTL <= 0 {
		c.Contacts.CacheTTL = 10 * time.Minute
	}
	if c.Contacts.Redis.Key == "" {
		c.Contacts.Redis.Key = "agentdesk:registry"
	}

	if c.Intent.Timeout <= 0 {
		c.Intent.Timeout = 20 * time.Second
	}

	if c.Alerting.Timeout <= 0 {
		c.Alerting.Timeout = 5 * time.Second
	}

	if c.Scheduler.PollInterval <= 0 {
		c.Scheduler.PollInterval = 15 * time.Second
	}
	if c.Scheduler.Workers <= 0 {
		c.Scheduler.Workers = 2
	}
	if c.Scheduler.MaxAttempts <= 0 {
		c.Scheduler.MaxAttempts = 3
	}
}
