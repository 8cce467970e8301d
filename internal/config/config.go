package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"QuantDesk/pkg/logger"
)

// Config 描述了 QuantDesk 在启动阶段需要加载的核心配置。
type Config struct {
	Server   ServerConfig   `json:"server" yaml:"server"`
	Logging  logger.Config  `json:"logging" yaml:"logging"`
	Store    StoreConfig    `json:"store" yaml:"store"`
	Broker   BrokerConfig   `json:"broker" yaml:"broker"`
	Worker   WorkerConfig   `json:"worker" yaml:"worker"`
	Defaults DefaultsConfig `json:"defaults" yaml:"defaults"`
	Alerting AlertingConfig `json:"alerting" yaml:"alerting"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address" yaml:"address"`
}

// StoreConfig 描述任务状态存储的后端与连接信息。
type StoreConfig struct {
	Driver string      `json:"driver" yaml:"driver"`
	Redis  RedisConfig `json:"redis" yaml:"redis"`
	MySQL  MySQLConfig `json:"mysql" yaml:"mysql"`
}

// BrokerConfig 描述队列协调后端的连接信息。
type BrokerConfig struct {
	Driver   string         `json:"driver" yaml:"driver"`
	Redis    RedisConfig    `json:"redis" yaml:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq" yaml:"rabbitmq"`
}

// RedisConfig 描述 Redis 连接参数。
type RedisConfig struct {
	Address  string `json:"address" yaml:"address"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
}

// MySQLConfig 描述 MySQL 连接参数。
type MySQLConfig struct {
	DSN          string `json:"dsn" yaml:"dsn"`
	MaxOpenConns int    `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns int    `json:"max_idle_conns" yaml:"max_idle_conns"`
}

// RabbitMQConfig 描述 RabbitMQ 连接参数。
type RabbitMQConfig struct {
	URL      string `json:"url" yaml:"url"`
	Exchange string `json:"exchange" yaml:"exchange"`
	Prefetch int    `json:"prefetch" yaml:"prefetch"`
}

// WorkerConfig 控制消费循环的行为。
type WorkerConfig struct {
	Queue              string `json:"queue" yaml:"queue"`
	Concurrency        int    `json:"concurrency" yaml:"concurrency"`
	PopWaitSeconds     int    `json:"pop_wait_seconds" yaml:"pop_wait_seconds"`
	CleanupAgeHours    int    `json:"cleanup_age_hours" yaml:"cleanup_age_hours"`
	WebhookTimeoutSecs int    `json:"webhook_timeout_seconds" yaml:"webhook_timeout_seconds"`
}

// DefaultsConfig 是服务级的任务重试默认值。
type DefaultsConfig struct {
	MaxRetries        int `json:"max_retries" yaml:"max_retries"`
	RetryDelaySeconds int `json:"retry_delay_seconds" yaml:"retry_delay_seconds"`
}

// AlertingConfig 描述告警渠道配置。
type AlertingConfig struct {
	WebhookURL string `json:"webhook_url" yaml:"webhook_url"`
}

// Load 解析指定路径的配置文件，按扩展名支持 JSON 与 YAML。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("解析 YAML 配置失败: %w", err)
		}
	default:
		if err := json.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("解析 JSON 配置失败: %w", err)
		}
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// Default 返回一份带默认值的配置，供不带配置文件启动时使用。
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Store.Driver == "" {
		c.Store.Driver = "memory"
	}
	if c.Broker.Driver == "" {
		c.Broker.Driver = "memory"
	}
	if c.Worker.Queue == "" {
		c.Worker.Queue = "capabilities"
	}
	if c.Worker.Concurrency <= 0 {
		c.Worker.Concurrency = 4
	}
	if c.Worker.PopWaitSeconds <= 0 {
		c.Worker.PopWaitSeconds = 1
	}
	if c.Worker.CleanupAgeHours <= 0 {
		c.Worker.CleanupAgeHours = 24
	}
	if c.Worker.WebhookTimeoutSecs <= 0 {
		c.Worker.WebhookTimeoutSecs = 10
	}
	if c.Defaults.MaxRetries < 0 {
		c.Defaults.MaxRetries = 0
	}
	if c.Defaults.RetryDelaySeconds < 0 {
		c.Defaults.RetryDelaySeconds = 0
	}
}
