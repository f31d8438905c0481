package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 应用配置结构
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Log       LogConfig       `mapstructure:"log"`
	ACC       ACCConfig       `mapstructure:"acc"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	WhatsApp  WhatsAppConfig  `mapstructure:"whatsapp"`
	Email     EmailConfig     `mapstructure:"email"`
	Report    ReportConfig    `mapstructure:"report"`
}

// ServerConfig 运维 HTTP 服务配置
type ServerConfig struct {
	Port         int    `mapstructure:"port"`
	Mode         string `mapstructure:"mode"` // debug, release, test
	ReadTimeout  int    `mapstructure:"read_timeout"`
	WriteTimeout int    `mapstructure:"write_timeout"`
}

// DatabaseConfig 中心库配置（租户注册表 + 用户目录）
type DatabaseConfig struct {
	Driver          string `mapstructure:"driver"` // postgres, sqlite
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	User            string `mapstructure:"user"`
	Password        string `mapstructure:"password"`
	DBName          string `mapstructure:"dbname"`
	SSLMode         string `mapstructure:"sslmode"`
	Path            string `mapstructure:"path"` // sqlite 文件路径
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime"` // 秒
	AutoMigrate     bool   `mapstructure:"auto_migrate"`
}

// RedisConfig Redis 配置（asynq 与 2-legged token 缓存共用）
type RedisConfig struct {
	Mode         string   `mapstructure:"mode"` // standalone, cluster
	Host         string   `mapstructure:"host"`
	Port         int      `mapstructure:"port"`
	Password     string   `mapstructure:"password"`
	DB           int      `mapstructure:"db"`
	ClusterAddrs []string `mapstructure:"cluster_addrs"`
	PoolSize     int      `mapstructure:"pool_size"`
	MinIdleConns int      `mapstructure:"min_idle_conns"`
}

// Addr 单节点地址
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `mapstructure:"level"`       // debug, info, warn, error
	Format     string `mapstructure:"format"`      // json, console
	OutputPath string `mapstructure:"output_path"` // stdout, stderr, /path/to/log
}

// ACCConfig 外部项目管理 API 配置
type ACCConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	TokenURL       string        `mapstructure:"token_url"`
	ClientID       string        `mapstructure:"client_id"`
	ClientSecret   string        `mapstructure:"client_secret"`
	Scopes         []string      `mapstructure:"scopes"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	PageLimit      int           `mapstructure:"page_limit"`
	RatePerSecond  float64       `mapstructure:"rate_per_second"` // 单租户限速
	RateBurst      int           `mapstructure:"rate_burst"`
	MaxRetries     int           `mapstructure:"max_retries"`
}

// SchedulerConfig 调度配置
type SchedulerConfig struct {
	Mode          string `mapstructure:"mode"` // local, asynq
	Timezone      string `mapstructure:"timezone"`
	AggregateSpec string `mapstructure:"aggregate_spec"` // cron 表达式或 @every 5m
	DeliverSpec   string `mapstructure:"deliver_spec"`
}

// PipelineConfig 聚合流程配置
type PipelineConfig struct {
	TenantConcurrency int           `mapstructure:"tenant_concurrency"`
	DedupeItems       bool          `mapstructure:"dedupe_items"`
	ExpiryBuffer      time.Duration `mapstructure:"expiry_buffer"`
	RunTimeout        time.Duration `mapstructure:"run_timeout"`
}

// DispatchConfig 投递配置
type DispatchConfig struct {
	LookbackDays int    `mapstructure:"lookback_days"`
	DeepLinkBase string `mapstructure:"deep_link_base"`
}

// WhatsAppConfig WhatsApp Cloud API 配置
type WhatsAppConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	APIBase       string        `mapstructure:"api_base"`
	PhoneNumberID string        `mapstructure:"phone_number_id"`
	AccessToken   string        `mapstructure:"access_token"`
	TemplateName  string        `mapstructure:"template_name"`
	Language      string        `mapstructure:"language"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

// EmailConfig SMTP 配置
type EmailConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	SMTPHost    string `mapstructure:"smtp_host"`
	SMTPPort    int    `mapstructure:"smtp_port"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	FromAddress string `mapstructure:"from_address"`
	FromName    string `mapstructure:"from_name"`
	UseTLS      bool   `mapstructure:"use_tls"` // 隐式 TLS（465）；否则服务端支持时走 STARTTLS
}

// ReportConfig 外部报表（PDF附件）目录
type ReportConfig struct {
	Dir string `mapstructure:"dir"`
}

var globalConfig *Config

// Load 加载配置
// env: 环境名称（dev, prod, test）
// configPath: 配置文件路径（可选）
func Load(env string, configPath string) (*Config, error) {
	v := viper.New()

	if configPath == "" {
		v.SetConfigName(env)
		v.AddConfigPath("./config")
		v.AddConfigPath("../config")
		v.AddConfigPath("../../config")
	} else {
		v.SetConfigFile(configPath)
	}

	v.SetConfigType("yaml")
	setDefaults(v)

	// 环境变量优先级高于配置文件：APP_ACC_CLIENT_ID
	v.SetEnvPrefix("APP")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	globalConfig = &cfg
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.read_timeout", 15)
	v.SetDefault("server.write_timeout", 15)

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 1800)

	v.SetDefault("redis.mode", "standalone")
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output_path", "stdout")

	v.SetDefault("acc.base_url", "https://developer.api.autodesk.com")
	v.SetDefault("acc.token_url", "https://developer.api.autodesk.com/authentication/v2/token")
	v.SetDefault("acc.scopes", []string{"data:read", "account:read"})
	v.SetDefault("acc.request_timeout", 30*time.Second)
	v.SetDefault("acc.page_limit", 100)
	v.SetDefault("acc.rate_per_second", 5.0)
	v.SetDefault("acc.rate_burst", 5)
	v.SetDefault("acc.max_retries", 3)

	v.SetDefault("scheduler.mode", "local")
	v.SetDefault("scheduler.timezone", "Asia/Kolkata")
	v.SetDefault("scheduler.aggregate_spec", "0 6 * * *")
	v.SetDefault("scheduler.deliver_spec", "30 6 * * *")

	v.SetDefault("pipeline.tenant_concurrency", 4)
	v.SetDefault("pipeline.dedupe_items", false)
	v.SetDefault("pipeline.expiry_buffer", 5*time.Minute)
	v.SetDefault("pipeline.run_timeout", 25*time.Minute)

	v.SetDefault("dispatch.lookback_days", 0)

	v.SetDefault("whatsapp.api_base", "https://graph.facebook.com/v19.0")
	v.SetDefault("whatsapp.language", "en")
	v.SetDefault("whatsapp.timeout", 15*time.Second)

	v.SetDefault("email.smtp_port", 587)
	v.SetDefault("email.use_tls", false)

	v.SetDefault("report.dir", "./reports")
}

// Validate 检查关键配置项
func (c *Config) Validate() error {
	if _, err := time.LoadLocation(c.Scheduler.Timezone); err != nil {
		return fmt.Errorf("无效的调度时区 %q: %w", c.Scheduler.Timezone, err)
	}
	switch c.Scheduler.Mode {
	case "local", "asynq":
	default:
		return fmt.Errorf("不支持的调度模式: %s (可选: local, asynq)", c.Scheduler.Mode)
	}
	if c.Scheduler.AggregateSpec == "" || c.Scheduler.DeliverSpec == "" {
		return fmt.Errorf("scheduler.aggregate_spec 与 scheduler.deliver_spec 必填")
	}
	if c.Pipeline.TenantConcurrency <= 0 {
		c.Pipeline.TenantConcurrency = 1
	}
	return nil
}

// Location 调度所用时区
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Scheduler.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Get 获取全局配置
func Get() *Config {
	if globalConfig == nil {
		panic("配置未初始化，请先调用 Load()")
	}
	return globalConfig
}

// GetDSN 获取 postgres 连接字符串
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}
