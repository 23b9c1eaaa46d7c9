package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Port        int            `mapstructure:"port"`
	JWTSecret   string         `mapstructure:"jwt_secret"`
	JWTTTLHours int            `mapstructure:"jwt_ttl_hours"`
	CORSOrigins []string       `mapstructure:"cors_origins"`
	LogConfig   LogConfig      `mapstructure:"log_config"`
	Database    DatabaseConfig `mapstructure:"database"`
	Redis       RedisConfig    `mapstructure:"redis"`
	Mail        MailConfig     `mapstructure:"mail"`
	Security    SecurityConfig `mapstructure:"security"`
	Schedule    ScheduleConfig `mapstructure:"schedule"`
	RateLimit   RateLimit      `mapstructure:"rate_limit"`
}

type LogConfig struct {
	File      string `mapstructure:"file"`
	Level     string `mapstructure:"level"`
	FileCount uint64 `mapstructure:"file_count"`
	FileSize  uint64 `mapstructure:"file_size"`
	KeepDays  uint64 `mapstructure:"keep_days"`
	Console   bool   `mapstructure:"console"`
}

type DatabaseConfig struct {
	DSN      string `mapstructure:"dsn"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// RedisConfig is optional. Without an addr the cooldown cache stays in process.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type MailConfig struct {
	Type string                 `mapstructure:"type"`
	Data map[string]interface{} `mapstructure:"data"`
}

type SecurityConfig struct {
	CodeTTLSeconds        int    `mapstructure:"code_ttl_seconds"`
	ResendCooldownSeconds int    `mapstructure:"resend_cooldown_seconds"`
	CodeRetentionHours    int    `mapstructure:"code_retention_hours"`
	LockoutThreshold      int    `mapstructure:"lockout_threshold"`
	LockoutMinutes        int    `mapstructure:"lockout_minutes"`
	RevocationWindowHours int    `mapstructure:"revocation_window_hours"`
	BcryptCost            int    `mapstructure:"bcrypt_cost"`
	RevokeURL             string `mapstructure:"revoke_url"`
	CooldownCacheSize     int    `mapstructure:"cooldown_cache_size"`
	AllowRegister         bool   `mapstructure:"allow_register"`
}

type ScheduleConfig struct {
	PurgeSpec  string `mapstructure:"purge_spec"`
	SettleSpec string `mapstructure:"settle_spec"`
}

type RateLimit struct {
	PerSecond float64 `mapstructure:"per_second"`
	Burst     int     `mapstructure:"burst"`
}

func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("TOOLNAV")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("jwt_ttl_hours", 72)
	v.SetDefault("log_config.level", "info")
	v.SetDefault("log_config.console", true)
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("mail.type", "noop")
	v.SetDefault("security.code_ttl_seconds", 300)
	v.SetDefault("security.resend_cooldown_seconds", 60)
	v.SetDefault("security.code_retention_hours", 24)
	v.SetDefault("security.lockout_threshold", 5)
	v.SetDefault("security.lockout_minutes", 30)
	v.SetDefault("security.revocation_window_hours", 48)
	v.SetDefault("security.bcrypt_cost", 10)
	v.SetDefault("security.cooldown_cache_size", 10000)
	v.SetDefault("security.allow_register", true)
	v.SetDefault("schedule.purge_spec", "*/10 * * * *")
	v.SetDefault("schedule.settle_spec", "0 * * * *")
	v.SetDefault("rate_limit.per_second", 2)
	v.SetDefault("rate_limit.burst", 10)
}

func (c *Config) validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("jwt_secret is required")
	}
	if c.Port == 0 {
		return fmt.Errorf("port is required")
	}
	if c.Database.DSN == "" && (c.Database.Host == "" || c.Database.DBName == "") {
		return fmt.Errorf("database.dsn or database.host/dbname is required")
	}
	if c.Security.RevokeURL == "" {
		return fmt.Errorf("security.revoke_url is required")
	}
	if c.Security.CodeTTLSeconds <= 0 || c.Security.ResendCooldownSeconds < 0 {
		return fmt.Errorf("security.code_ttl_seconds must be positive")
	}
	if c.Security.LockoutThreshold <= 0 || c.Security.LockoutMinutes <= 0 {
		return fmt.Errorf("security.lockout_threshold and lockout_minutes must be positive")
	}
	if c.Security.RevocationWindowHours <= 0 {
		return fmt.Errorf("security.revocation_window_hours must be positive")
	}
	switch strings.ToLower(c.Mail.Type) {
	case "smtp", "resend", "noop":
	default:
		return fmt.Errorf("mail.type must be smtp, resend or noop")
	}
	return nil
}
