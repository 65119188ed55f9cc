package config

import (
	"os"

	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"
)

// SystemConfig holds process-level settings.
type SystemConfig struct {
	Appid    string `yaml:"appid" json:"appid"`
	Location string `yaml:"location" json:"location"`
	Workdir  string `yaml:"workdir" json:"workdir"`
}

// LoggerConfig controls the zap logger outputs.
type LoggerConfig struct {
	Mode       string `yaml:"mode" json:"mode"`
	FileEnable bool   `yaml:"file_enable" json:"file_enable"`
	Filename   string `yaml:"filename" json:"filename"`
	// DBLevel is the minimum level mirrored into the sys_log table
	// (debug|info|warn|error). Empty disables the DB sink.
	DBLevel string `yaml:"db_level" json:"db_level"`
}

// DatabaseConfig holds the relational store connection.
type DatabaseConfig struct {
	Type string `yaml:"type" json:"type"`
	URL  string `yaml:"url" json:"url"`
}

// RedisConfig holds the shared queue broker connection.
type RedisConfig struct {
	URL string `yaml:"url" json:"url"`
}

// WorkerConfig holds the session & delivery engine settings.
type WorkerConfig struct {
	HealthPort            int    `yaml:"health_port" json:"health_port"`
	AuthEncKeyB64         string `yaml:"auth_enc_key_b64" json:"-"`
	ReconnectAllDelayMs   int    `yaml:"reconnect_all_delay_ms" json:"reconnect_all_delay_ms"`
	ReconnectStaggerMs    int    `yaml:"reconnect_stagger_ms" json:"reconnect_stagger_ms"`
	InboundAckMessage     string `yaml:"inbound_ack_message" json:"inbound_ack_message"`
	ComposingBeforeSendMs int    `yaml:"composing_before_send_ms" json:"composing_before_send_ms"`
}

// SmtpConfig is used for the best-effort crash alert mail.
type SmtpConfig struct {
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"-"`
	From     string `yaml:"from" json:"from"`
	AlertTo  string `yaml:"alert_to" json:"alert_to"`
}

type AppConfig struct {
	System   SystemConfig   `yaml:"system" json:"system"`
	Logger   LoggerConfig   `yaml:"logger" json:"logger"`
	Database DatabaseConfig `yaml:"database" json:"database"`
	Redis    RedisConfig    `yaml:"redis" json:"redis"`
	Worker   WorkerConfig   `yaml:"worker" json:"worker"`
	Smtp     SmtpConfig     `yaml:"smtp" json:"smtp"`
}

// DefaultAppConfig returns the built-in defaults before file and
// environment overrides are applied.
func DefaultAppConfig() *AppConfig {
	return &AppConfig{
		System: SystemConfig{
			Appid:    "waconnect",
			Location: "UTC",
			Workdir:  "/var/waconnect",
		},
		Logger: LoggerConfig{
			Mode:       "development",
			FileEnable: false,
			Filename:   "/var/waconnect/waconnect.log",
			DBLevel:    "warn",
		},
		Database: DatabaseConfig{
			Type: "postgres",
		},
		Worker: WorkerConfig{
			HealthPort:            3030,
			ReconnectAllDelayMs:   5000,
			ReconnectStaggerMs:    5000,
			ComposingBeforeSendMs: 1500,
		},
		Smtp: SmtpConfig{
			Port: 587,
		},
	}
}

// LoadConfig reads the optional YAML file at path and applies environment
// overrides. A missing file is not an error; the environment alone is a
// complete configuration.
func LoadConfig(path string) (*AppConfig, error) {
	cfg := DefaultAppConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *AppConfig) applyEnv() {
	setString(&c.Database.URL, "DATABASE_URL")
	setString(&c.Database.Type, "DATABASE_TYPE")
	setString(&c.Redis.URL, "REDIS_URL")
	setString(&c.Worker.AuthEncKeyB64, "WA_AUTH_ENC_KEY_B64")
	setInt(&c.Worker.HealthPort, "WORKER_HEALTH_PORT")
	setInt(&c.Worker.ReconnectAllDelayMs, "WORKER_RECONNECT_ALL_DELAY_MS")
	setInt(&c.Worker.ReconnectStaggerMs, "WORKER_RECONNECT_STAGGER_MS")
	setString(&c.Worker.InboundAckMessage, "WORKER_INBOUND_ACK_MESSAGE")
	setInt(&c.Worker.ComposingBeforeSendMs, "WORKER_COMPOSING_BEFORE_SEND_MS")
	setString(&c.Smtp.Host, "SMTP_HOST")
	setInt(&c.Smtp.Port, "SMTP_PORT")
	setString(&c.Smtp.Username, "SMTP_USERNAME")
	setString(&c.Smtp.Password, "SMTP_PASSWORD")
	setString(&c.Smtp.From, "SMTP_FROM")
	setString(&c.Smtp.AlertTo, "SMTP_ALERT_TO")
}

func setString(dst *string, name string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func setInt(dst *int, name string) {
	if v := os.Getenv(name); v != "" {
		*dst = cast.ToInt(v)
	}
}
