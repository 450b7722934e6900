package config

import (
	"bytes"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"Stimulus-Agent/internal/delivery"
	xerrors "Stimulus-Agent/internal/errors"
	"Stimulus-Agent/internal/observability/tracing"
	"Stimulus-Agent/pkg/logger"
)

// EnvConfigPath 是未指定配置文件时读取的环境变量。
const EnvConfigPath = "STIMULUS_CONFIG"

// Config 描述守护进程启动时需要的全部配置。
type Config struct {
	Agent      AgentConfig      `json:"agent" yaml:"agent" toml:"agent"`
	Broker     BrokerConfig     `json:"broker" yaml:"broker" toml:"broker"`
	Redelivery RedeliveryConfig `json:"redelivery" yaml:"redelivery" toml:"redelivery"`
	Trigger    TriggerConfig    `json:"trigger" yaml:"trigger" toml:"trigger"`
	DeadLetter DeadLetterConfig `json:"dead_letter" yaml:"dead_letter" toml:"dead_letter"`
	Logging    LoggingConfig    `json:"logging" yaml:"logging" toml:"logging"`
	Metrics    MetricsConfig    `json:"metrics" yaml:"metrics" toml:"metrics"`
	Tracing    TracingConfig    `json:"tracing" yaml:"tracing" toml:"tracing"`
	Alerting   AlertingConfig   `json:"alerting" yaml:"alerting" toml:"alerting"`
}

// AgentConfig 控制 agent 本身。
type AgentConfig struct {
	Name string `json:"name" yaml:"name" toml:"name"`
	// Heartbeat 为空或 "0s" 时不启用定时 stimulus。
	Heartbeat string `json:"heartbeat" yaml:"heartbeat" toml:"heartbeat"`
	// Workers 限制整个 agent 同时运行的工作单元数量，所有 stimulus 共用一个池；
	// 0 表示不限制。broker 监听器的并发仍由 prefetch 决定。
	Workers      int    `json:"workers" yaml:"workers" toml:"workers"`
	FailurePause string `json:"failure_pause" yaml:"failure_pause" toml:"failure_pause"`
}

// BrokerConfig 描述 AMQP broker 及监听的队列。
type BrokerConfig struct {
	URL            string          `json:"url" yaml:"url" toml:"url"`
	RetryInterval  string          `json:"retry_interval" yaml:"retry_interval" toml:"retry_interval"`
	Heartbeat      string          `json:"heartbeat" yaml:"heartbeat" toml:"heartbeat"`
	ConnectionName string          `json:"connection_name" yaml:"connection_name" toml:"connection_name"`
	Bindings       []BindingConfig `json:"bindings" yaml:"bindings" toml:"bindings"`
}

// BindingConfig 对应一个监听器 stimulus。
type BindingConfig struct {
	Name        string   `json:"name" yaml:"name" toml:"name"`
	Queue       string   `json:"queue" yaml:"queue" toml:"queue"`
	Exchanges   []string `json:"exchanges" yaml:"exchanges" toml:"exchanges"`
	Prefetch    int      `json:"prefetch" yaml:"prefetch" toml:"prefetch"`
	RoutingKey  string   `json:"routing_key" yaml:"routing_key" toml:"routing_key"`
	Predeclared bool     `json:"predeclared" yaml:"predeclared" toml:"predeclared"`
	Durable     bool     `json:"durable" yaml:"durable" toml:"durable"`
}

// RedeliveryConfig 是监听器消息的重投策略。
type RedeliveryConfig struct {
	Strategy   string `json:"strategy" yaml:"strategy" toml:"strategy"`
	BaseDelay  string `json:"base_delay" yaml:"base_delay" toml:"base_delay"`
	MaxRetries int    `json:"max_retries" yaml:"max_retries" toml:"max_retries"`
}

// TriggerConfig 汇总自定义触发器。
type TriggerConfig struct {
	Redis RedisTriggerConfig `json:"redis" yaml:"redis" toml:"redis"`
}

// RedisTriggerConfig 描述基于 Redis list 的触发器。
type RedisTriggerConfig struct {
	Enabled   bool     `json:"enabled" yaml:"enabled" toml:"enabled"`
	Address   string   `json:"address" yaml:"address" toml:"address"`
	Password  string   `json:"password" yaml:"password" toml:"password"`
	DB        int      `json:"db" yaml:"db" toml:"db"`
	Keys      []string `json:"keys" yaml:"keys" toml:"keys"`
	BlockWait string   `json:"block_wait" yaml:"block_wait" toml:"block_wait"`
}

// DeadLetterConfig 选择达到重投上限的消息的存储方式。
type DeadLetterConfig struct {
	Driver string `json:"driver" yaml:"driver" toml:"driver"`
	DSN    string `json:"dsn" yaml:"dsn" toml:"dsn"`
}

// LoggingConfig 对应 pkg/logger 的配置。
type LoggingConfig struct {
	Level       string   `json:"level" yaml:"level" toml:"level"`
	Format      string   `json:"format" yaml:"format" toml:"format"`
	OutputPaths []string `json:"output_paths" yaml:"output_paths" toml:"output_paths"`
	AuditPath   string   `json:"audit_path" yaml:"audit_path" toml:"audit_path"`
}

// MetricsConfig 控制指标端点，Address 为空时不启动。
type MetricsConfig struct {
	Address string `json:"address" yaml:"address" toml:"address"`
}

// TracingConfig 选择工作单元 span 的导出方式：none、stdout 或 otlp。
type TracingConfig struct {
	Exporter string `json:"exporter" yaml:"exporter" toml:"exporter"`
	// Endpoint 是 OTLP gRPC collector 地址，仅 otlp 使用。
	Endpoint string `json:"endpoint" yaml:"endpoint" toml:"endpoint"`
	Insecure bool   `json:"insecure" yaml:"insecure" toml:"insecure"`
}

// AlertingConfig 控制告警渠道。
type AlertingConfig struct {
	WebhookURL string `json:"webhook_url" yaml:"webhook_url" toml:"webhook_url"`
}

// Load 按扩展名解析配置文件，path 为空时读取 STIMULUS_CONFIG。
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "配置文件路径为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "读取配置文件失败")
	}

	cfg, err := Parse(content, filepath.Ext(path))
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse 按格式（".json"、".yaml"、".yml"、".toml"）解码配置，不填充默认值。
func Parse(content []byte, ext string) (*Config, error) {
	var cfg Config
	var err error
	switch strings.ToLower(ext) {
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(content))
		dec.DisallowUnknownFields()
		err = dec.Decode(&cfg)
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(content))
		dec.KnownFields(true)
		err = dec.Decode(&cfg)
	case ".toml":
		var meta toml.MetaData
		meta, err = toml.Decode(string(content), &cfg)
		if err == nil {
			if undecoded := meta.Undecoded(); len(undecoded) > 0 {
				err = fmt.Errorf("未知配置项 %v", undecoded)
			}
		}
	default:
		return nil, xerrors.Newf(xerrors.CodeInvalidArgument, "不支持的配置文件格式 %q", ext)
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析配置失败")
	}
	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Agent.Name == "" {
		c.Agent.Name = "stimulus-agent"
	}
	if c.Agent.FailurePause == "" {
		c.Agent.FailurePause = "100ms"
	}

	if url := os.Getenv("STIMULUS_BROKER_URL"); url != "" {
		c.Broker.URL = url
	}
	if c.Broker.RetryInterval == "" {
		c.Broker.RetryInterval = "5s"
	}
	if c.Broker.Heartbeat == "" {
		c.Broker.Heartbeat = "10s"
	}
	if c.Broker.ConnectionName == "" {
		c.Broker.ConnectionName = c.Agent.Name
	}
	for i := range c.Broker.Bindings {
		if c.Broker.Bindings[i].Name == "" {
			c.Broker.Bindings[i].Name = c.Broker.Bindings[i].Queue
		}
	}

	if c.Redelivery.Strategy == "" {
		c.Redelivery.Strategy = string(delivery.StrategyExponential)
	}
	if c.Redelivery.BaseDelay == "" {
		c.Redelivery.BaseDelay = "1s"
	}
	if c.Redelivery.MaxRetries == 0 {
		c.Redelivery.MaxRetries = 5
	}

	if c.Trigger.Redis.BlockWait == "" {
		c.Trigger.Redis.BlockWait = "5s"
	}

	if dsn := os.Getenv("STIMULUS_DEADLETTER_DSN"); dsn != "" {
		c.DeadLetter.DSN = dsn
	}
	if c.DeadLetter.Driver == "" {
		c.DeadLetter.Driver = "memory"
	}

	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" && c.Tracing.Endpoint == "" {
		c.Tracing.Endpoint = endpoint
	}
	if c.Tracing.Exporter == "" {
		c.Tracing.Exporter = "none"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.AuditPath != "" && !filepath.IsAbs(c.Logging.AuditPath) {
		c.Logging.AuditPath = filepath.Join(baseDir, c.Logging.AuditPath)
	}
}

// Validate 检查配置，任何错误都属于配置错误，启动应立即失败。
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, xerrors.Newf(xerrors.CodeInvalidArgument, format, args...))
	}

	if c.Agent.Workers < 0 {
		add("agent.workers 不能为负数")
	}
	checkDuration := func(field, value string) {
		if value == "" {
			return
		}
		if d, err := time.ParseDuration(value); err != nil || d < 0 {
			add("%s 不是合法的时长: %q", field, value)
		}
	}
	checkDuration("agent.heartbeat", c.Agent.Heartbeat)
	checkDuration("agent.failure_pause", c.Agent.FailurePause)
	checkDuration("broker.retry_interval", c.Broker.RetryInterval)
	checkDuration("broker.heartbeat", c.Broker.Heartbeat)
	checkDuration("redelivery.base_delay", c.Redelivery.BaseDelay)
	checkDuration("trigger.redis.block_wait", c.Trigger.Redis.BlockWait)

	if len(c.Broker.Bindings) > 0 && strings.TrimSpace(c.Broker.URL) == "" {
		add("配置了 broker.bindings 但缺少 broker.url")
	}
	seen := make(map[string]bool, len(c.Broker.Bindings))
	for i, b := range c.Broker.Bindings {
		if b.Name == "" {
			add("broker.bindings[%d] 缺少 name 或 queue", i)
		} else if seen[b.Name] {
			add("broker.bindings[%d] 名称 %s 重复", i, b.Name)
		}
		seen[b.Name] = true
		if b.Prefetch < 0 {
			add("broker.bindings[%d].prefetch 不能为负数", i)
		}
		if b.Predeclared && b.Queue == "" {
			add("broker.bindings[%d] 预先声明的队列必须指定 queue", i)
		}
	}

	if _, err := delivery.ParseStrategy(c.Redelivery.Strategy); err != nil {
		errs = append(errs, err)
	}
	if c.Redelivery.MaxRetries < 0 {
		add("redelivery.max_retries 不能为负数")
	}

	if c.Trigger.Redis.Enabled {
		if c.Trigger.Redis.Address == "" {
			add("trigger.redis.address 不能为空")
		}
		if len(c.Trigger.Redis.Keys) == 0 {
			add("trigger.redis.keys 不能为空")
		}
	}

	switch c.DeadLetter.Driver {
	case "memory":
	case "mysql":
		if c.DeadLetter.DSN == "" {
			add("dead_letter.driver 为 mysql 时必须配置 dsn")
		}
	default:
		add("未知的 dead_letter.driver %q", c.DeadLetter.Driver)
	}

	switch strings.ToLower(c.Tracing.Exporter) {
	case "", "none", "stdout":
	case "otlp":
		if strings.TrimSpace(c.Tracing.Endpoint) == "" {
			add("tracing.exporter 为 otlp 时必须配置 endpoint")
		}
	default:
		add("未知的 tracing.exporter %q", c.Tracing.Exporter)
	}

	return stdErrors.Join(errs...)
}

// Duration 解析已校验过的时长字段，空字符串返回 0。
func Duration(value string) time.Duration {
	d, _ := time.ParseDuration(value)
	return d
}

// Policy 返回配置对应的重投策略，回调留给调用方填写。
func (c *Config) Policy() delivery.RequeuePolicy {
	strategy, _ := delivery.ParseStrategy(c.Redelivery.Strategy)
	return delivery.RequeuePolicy{
		Strategy:   strategy,
		BaseDelay:  Duration(c.Redelivery.BaseDelay),
		MaxRetries: c.Redelivery.MaxRetries,
	}
}

// TracerConfig 转换为 tracing.Setup 的配置。
func (c *Config) TracerConfig() tracing.Config {
	return tracing.Config{
		ServiceName: c.Agent.Name,
		Exporter:    c.Tracing.Exporter,
		Endpoint:    c.Tracing.Endpoint,
		Insecure:    c.Tracing.Insecure,
	}
}

// LoggerConfig 转换为 pkg/logger 的配置。
func (c *Config) LoggerConfig() logger.Config {
	return logger.Config{
		Level:       c.Logging.Level,
		Format:      c.Logging.Format,
		OutputPaths: c.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    c.Logging.AuditPath != "",
			Path:       c.Logging.AuditPath,
			MaxSizeMB:  64,
			MaxBackups: 5,
		},
	}
}
