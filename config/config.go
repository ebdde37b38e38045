package config

import (
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"
)

// SysConfig system configuration
type SysConfig struct {
	Appid            string `yaml:"appid" json:"appid"`
	Location         string `yaml:"location" json:"location"`
	Workdir          string `yaml:"workdir" json:"workdir"`
	Debug            bool   `yaml:"debug" json:"debug"`
	LogRetentionDays int    `yaml:"log_retention_days" json:"log_retention_days"`
}

// WebConfig http api server
type WebConfig struct {
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	ApiToken string `yaml:"api_token" json:"-"`
}

// DBConfig database config, sqlite or postgres
type DBConfig struct {
	Type     string `yaml:"type" json:"type"`
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	Name     string `yaml:"name" json:"name"`
	User     string `yaml:"user" json:"user"`
	Passwd   string `yaml:"passwd" json:"-"`
	MaxConn  int    `yaml:"max_conn" json:"max_conn"`
	IdleConn int    `yaml:"idle_conn" json:"idle_conn"`
	Debug    bool   `yaml:"debug" json:"debug"`
}

type LogConfig struct {
	Mode       string `yaml:"mode" json:"mode"`
	FileEnable bool   `yaml:"file_enable" json:"file_enable"`
	Filename   string `yaml:"filename" json:"filename"`
}

// WhatsAppConfig session supervision settings
type WhatsAppConfig struct {
	StartTimeout      time.Duration `yaml:"start_timeout" json:"start_timeout"`
	ReconnectBase     time.Duration `yaml:"reconnect_base" json:"reconnect_base"`
	ReconnectCap      time.Duration `yaml:"reconnect_cap" json:"reconnect_cap"`
	ReplayWorkers     int           `yaml:"replay_workers" json:"replay_workers"`
	EventBuffer       int           `yaml:"event_buffer" json:"event_buffer"`
	IdentityCacheSize int           `yaml:"identity_cache_size" json:"identity_cache_size"`
	PrintQR           bool          `yaml:"print_qr" json:"print_qr"`
}

// WebhookConfig outbound callback delivery
type WebhookConfig struct {
	Timeout     time.Duration `yaml:"timeout" json:"timeout"`
	MaxAttempts int           `yaml:"max_attempts" json:"max_attempts"`
	RetryBase   time.Duration `yaml:"retry_base" json:"retry_base"`
	RetryMax    time.Duration `yaml:"retry_max" json:"retry_max"`
	QueueSize   int           `yaml:"queue_size" json:"queue_size"`
}

type AppConfig struct {
	System   SysConfig      `yaml:"system" json:"system"`
	Web      WebConfig      `yaml:"web" json:"web"`
	Database DBConfig       `yaml:"database" json:"database"`
	Logger   LogConfig      `yaml:"logger" json:"logger"`
	WhatsApp WhatsAppConfig `yaml:"whatsapp" json:"whatsapp"`
	Webhook  WebhookConfig  `yaml:"webhook" json:"webhook"`
}

func (c *AppConfig) GetSessionsDir() string {
	return path.Join(c.System.Workdir, "sessions")
}

func (c *AppConfig) GetLogDir() string {
	return path.Join(c.System.Workdir, "logs")
}

func (c *AppConfig) GetDataDir() string {
	return path.Join(c.System.Workdir, "data")
}

func (c *AppConfig) initDirs() error {
	for _, dir := range []string{c.GetSessionsDir(), c.GetLogDir(), c.GetDataDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// Validate checks the values that the rest of the process cannot work without.
func (c *AppConfig) Validate() error {
	if c.Web.Port <= 0 || c.Web.Port > 65535 {
		return fmt.Errorf("web.port out of range: %d", c.Web.Port)
	}
	switch strings.ToLower(c.Database.Type) {
	case "sqlite", "sqlite3", "postgres", "postgresql":
	default:
		return fmt.Errorf("database.type %q is not supported", c.Database.Type)
	}
	if c.WhatsApp.ReconnectBase <= 0 || c.WhatsApp.ReconnectCap < c.WhatsApp.ReconnectBase {
		return fmt.Errorf("whatsapp reconnect window is invalid: base=%s cap=%s",
			c.WhatsApp.ReconnectBase, c.WhatsApp.ReconnectCap)
	}
	if c.Webhook.MaxAttempts < 1 {
		return fmt.Errorf("webhook.max_attempts must be at least 1")
	}
	return nil
}

var DefaultAppConfig = &AppConfig{
	System: SysConfig{
		Appid:            "wabridge",
		Location:         "UTC",
		Workdir:          "./data",
		Debug:            false,
		LogRetentionDays: 30,
	},
	Web: WebConfig{
		Host: "0.0.0.0",
		Port: 3000,
	},
	Database: DBConfig{
		Type:     "sqlite",
		Host:     "127.0.0.1",
		Port:     5432,
		Name:     "wabridge.db",
		User:     "postgres",
		MaxConn:  10,
		IdleConn: 2,
	},
	Logger: LogConfig{
		Mode:       "development",
		FileEnable: false,
		Filename:   "./data/logs/wabridge.log",
	},
	WhatsApp: WhatsAppConfig{
		StartTimeout:      40 * time.Second,
		ReconnectBase:     5 * time.Second,
		ReconnectCap:      60 * time.Second,
		ReplayWorkers:     8,
		EventBuffer:       256,
		IdentityCacheSize: 10000,
	},
	Webhook: WebhookConfig{
		Timeout:     10 * time.Second,
		MaxAttempts: 3,
		RetryBase:   time.Second,
		RetryMax:    5 * time.Second,
		QueueSize:   512,
	},
}

func defaultConfig() *AppConfig {
	cfg := *DefaultAppConfig
	return &cfg
}

func setEnvValue(name string, val *string) {
	if evalue := os.Getenv(name); evalue != "" {
		*val = evalue
	}
}

func setEnvBoolValue(name string, val *bool) {
	if evalue := os.Getenv(name); evalue != "" {
		*val = cast.ToBool(evalue)
	}
}

func setEnvIntValue(name string, val *int) {
	if evalue := os.Getenv(name); evalue != "" {
		if v, err := cast.ToIntE(evalue); err == nil {
			*val = v
		}
	}
}

func setEnvDurationValue(name string, val *time.Duration) {
	if evalue := os.Getenv(name); evalue != "" {
		if v, err := cast.ToDurationE(evalue); err == nil {
			*val = v
		}
	}
}

func (c *AppConfig) fillDefaults() {
	d := DefaultAppConfig
	if c.System.Workdir == "" {
		c.System.Workdir = d.System.Workdir
	}
	if c.System.Location == "" {
		c.System.Location = d.System.Location
	}
	if c.System.LogRetentionDays <= 0 {
		c.System.LogRetentionDays = d.System.LogRetentionDays
	}
	if c.Web.Port == 0 {
		c.Web.Port = d.Web.Port
	}
	if c.Database.Type == "" {
		c.Database.Type = d.Database.Type
	}
	if c.Database.Name == "" {
		c.Database.Name = d.Database.Name
	}
	if c.WhatsApp.StartTimeout <= 0 {
		c.WhatsApp.StartTimeout = d.WhatsApp.StartTimeout
	}
	if c.WhatsApp.ReconnectBase <= 0 {
		c.WhatsApp.ReconnectBase = d.WhatsApp.ReconnectBase
	}
	if c.WhatsApp.ReconnectCap <= 0 {
		c.WhatsApp.ReconnectCap = d.WhatsApp.ReconnectCap
	}
	if c.WhatsApp.ReplayWorkers <= 0 {
		c.WhatsApp.ReplayWorkers = d.WhatsApp.ReplayWorkers
	}
	if c.WhatsApp.EventBuffer <= 0 {
		c.WhatsApp.EventBuffer = d.WhatsApp.EventBuffer
	}
	if c.WhatsApp.IdentityCacheSize <= 0 {
		c.WhatsApp.IdentityCacheSize = d.WhatsApp.IdentityCacheSize
	}
	if c.Webhook.Timeout <= 0 {
		c.Webhook.Timeout = d.Webhook.Timeout
	}
	if c.Webhook.MaxAttempts <= 0 {
		c.Webhook.MaxAttempts = d.Webhook.MaxAttempts
	}
	if c.Webhook.RetryBase <= 0 {
		c.Webhook.RetryBase = d.Webhook.RetryBase
	}
	if c.Webhook.RetryMax <= 0 {
		c.Webhook.RetryMax = d.Webhook.RetryMax
	}
	if c.Webhook.QueueSize <= 0 {
		c.Webhook.QueueSize = d.Webhook.QueueSize
	}
}

func (c *AppConfig) applyEnv() {
	setEnvValue("WABRIDGE_SYSTEM_WORKER_DIR", &c.System.Workdir)
	setEnvValue("WABRIDGE_SYSTEM_LOCATION", &c.System.Location)
	setEnvBoolValue("WABRIDGE_SYSTEM_DEBUG", &c.System.Debug)
	setEnvIntValue("WABRIDGE_SYSTEM_LOG_RETENTION_DAYS", &c.System.LogRetentionDays)

	setEnvValue("WABRIDGE_WEB_HOST", &c.Web.Host)
	setEnvIntValue("WABRIDGE_WEB_PORT", &c.Web.Port)
	setEnvValue("WABRIDGE_WEB_API_TOKEN", &c.Web.ApiToken)

	setEnvValue("WABRIDGE_DB_TYPE", &c.Database.Type)
	setEnvValue("WABRIDGE_DB_HOST", &c.Database.Host)
	setEnvIntValue("WABRIDGE_DB_PORT", &c.Database.Port)
	setEnvValue("WABRIDGE_DB_NAME", &c.Database.Name)
	setEnvValue("WABRIDGE_DB_USER", &c.Database.User)
	setEnvValue("WABRIDGE_DB_PWD", &c.Database.Passwd)
	setEnvBoolValue("WABRIDGE_DB_DEBUG", &c.Database.Debug)

	setEnvValue("WABRIDGE_LOGGER_MODE", &c.Logger.Mode)
	setEnvBoolValue("WABRIDGE_LOGGER_FILE_ENABLE", &c.Logger.FileEnable)
	setEnvValue("WABRIDGE_LOGGER_FILENAME", &c.Logger.Filename)

	setEnvDurationValue("WABRIDGE_WHATSAPP_START_TIMEOUT", &c.WhatsApp.StartTimeout)
	setEnvDurationValue("WABRIDGE_WHATSAPP_RECONNECT_BASE", &c.WhatsApp.ReconnectBase)
	setEnvDurationValue("WABRIDGE_WHATSAPP_RECONNECT_CAP", &c.WhatsApp.ReconnectCap)
	setEnvIntValue("WABRIDGE_WHATSAPP_REPLAY_WORKERS", &c.WhatsApp.ReplayWorkers)
	setEnvBoolValue("WABRIDGE_WHATSAPP_PRINT_QR", &c.WhatsApp.PrintQR)

	setEnvDurationValue("WABRIDGE_WEBHOOK_TIMEOUT", &c.Webhook.Timeout)
	setEnvIntValue("WABRIDGE_WEBHOOK_MAX_ATTEMPTS", &c.Webhook.MaxAttempts)
}

// LoadConfig reads the yaml file (wabridge.yml in the working directory or
// /etc/wabridge.yml when cfile is empty), loads a .env file if present and
// applies WABRIDGE_* environment overrides.
func LoadConfig(cfile string) (*AppConfig, error) {
	_ = godotenv.Load()

	if cfile == "" {
		cfile = "wabridge.yml"
		if _, err := os.Stat(cfile); err != nil {
			cfile = "/etc/wabridge.yml"
		}
	}

	cfg := defaultConfig()
	if data, err := os.ReadFile(cfile); err == nil {
		cfg = new(AppConfig)
		if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", cfile, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config %s: %w", cfile, err)
	}

	cfg.fillDefaults()
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.initDirs(); err != nil {
		return nil, err
	}
	return cfg, nil
}
