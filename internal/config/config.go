package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"

	"github.com/BlueSageSolutions/db-maintenance/internal/logger"
	"github.com/BlueSageSolutions/db-maintenance/internal/session"
	"github.com/BlueSageSolutions/db-maintenance/internal/stall"
	dbtls "github.com/BlueSageSolutions/db-maintenance/internal/tls"
)

// EnvPrefix prefixes environment overrides, e.g. PURGEFIXER_MYSQL_PASSWORD.
const EnvPrefix = "PURGEFIXER"

// Server engines.
const (
	EngineGin  = "gin"
	EngineEcho = "echo"
)

// Config represents the daemon configuration file.
type Config struct {
	EnvFiles []string      `toml:"env_files" mapstructure:"env_files"`
	MySQL    MySQLConfig   `toml:"mysql" mapstructure:"mysql"`
	Monitor  MonitorConfig `toml:"monitor" mapstructure:"monitor"`
	Log      logger.Config `toml:"log" mapstructure:"log"`
	History  HistoryConfig `toml:"history" mapstructure:"history"`
	Metrics  MetricsConfig `toml:"metrics" mapstructure:"metrics"`
	Server   ServerConfig  `toml:"server" mapstructure:"server"`
}

type MySQLConfig struct {
	Host           string        `toml:"host" mapstructure:"host"`
	Port           int           `toml:"port" mapstructure:"port"`
	User           string        `toml:"user" mapstructure:"user"`
	Password       string        `toml:"password" mapstructure:"password"`
	Database       string        `toml:"database" mapstructure:"database"`
	DSN            string        `toml:"dsn" mapstructure:"dsn"` // overrides the fields above
	TLS            string        `toml:"tls" mapstructure:"tls"` // driver tls= value, e.g. "preferred"
	SSL            dbtls.Options `toml:"ssl" mapstructure:"ssl"` // CA bundle / client certificate
	ConnectTimeout time.Duration `toml:"connect_timeout" mapstructure:"connect_timeout"`
}

type MonitorConfig struct {
	Interval       time.Duration `toml:"interval" mapstructure:"interval"`
	StallThreshold uint32        `toml:"stall_threshold" mapstructure:"stall_threshold"`
	QueryTimeout   time.Duration `toml:"query_timeout" mapstructure:"query_timeout"`
	KillTimeout    time.Duration `toml:"kill_timeout" mapstructure:"kill_timeout"`
	ExcludedUsers  []string      `toml:"excluded_users" mapstructure:"excluded_users"`
	KillMode       string        `toml:"kill_mode" mapstructure:"kill_mode"`
	SnippetLen     int           `toml:"snippet_len" mapstructure:"snippet_len"`
	DryRun         bool          `toml:"dry_run" mapstructure:"dry_run"`
}

// HistoryConfig lists remediation audit destinations; see factory.NewSinkFromDSN.
type HistoryConfig struct {
	DSN     []string      `toml:"dsn" mapstructure:"dsn"`
	Timeout time.Duration `toml:"timeout" mapstructure:"timeout"` // per audit write
}

type MetricsConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	Listen  string `toml:"listen" mapstructure:"listen"`
}

type ServerConfig struct {
	Listen   string `toml:"listen" mapstructure:"listen"`
	BasePath string `toml:"base_path" mapstructure:"base_path"`
	Engine   string `toml:"engine" mapstructure:"engine"`
	PIDFile  string `toml:"pidfile" mapstructure:"pidfile"`
	LogFile  string `toml:"logfile" mapstructure:"logfile"`
}

// Default returns the configuration used when a key is not set anywhere.
func Default() *Config {
	return &Config{
		MySQL: MySQLConfig{
			Host:           "127.0.0.1",
			Port:           3306,
			ConnectTimeout: 10 * time.Second,
		},
		Monitor: MonitorConfig{
			Interval:       5 * time.Minute,
			StallThreshold: stall.DefaultThreshold,
			QueryTimeout:   30 * time.Second,
			KillTimeout:    30 * time.Second,
			ExcludedUsers:  append([]string(nil), session.DefaultExcludedUsers...),
			KillMode:       string(session.KillStatement),
			SnippetLen:     session.DefaultSnippetLen,
		},
		Log: logger.Config{
			File:       logger.DefaultFile,
			MaxSizeMB:  logger.DefaultMaxSizeMB,
			MaxBackups: logger.DefaultMaxBackups,
			MaxAgeDays: logger.DefaultMaxAgeDays,
			Level:      "info",
		},
		History: HistoryConfig{Timeout: 10 * time.Second},
		Metrics: MetricsConfig{Listen: ":9108"},
		Server:  ServerConfig{BasePath: "/", Engine: EngineGin},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("env_files", []string{})
	v.SetDefault("mysql.host", d.MySQL.Host)
	v.SetDefault("mysql.port", d.MySQL.Port)
	v.SetDefault("mysql.user", "")
	v.SetDefault("mysql.password", "")
	v.SetDefault("mysql.database", "")
	v.SetDefault("mysql.dsn", "")
	v.SetDefault("mysql.tls", "")
	v.SetDefault("mysql.connect_timeout", d.MySQL.ConnectTimeout)
	v.SetDefault("mysql.ssl.ca_file", "")
	v.SetDefault("mysql.ssl.cert_file", "")
	v.SetDefault("mysql.ssl.key_file", "")
	v.SetDefault("mysql.ssl.server_name", "")
	v.SetDefault("mysql.ssl.min_version", "")
	v.SetDefault("mysql.ssl.skip_verify", false)
	v.SetDefault("monitor.interval", d.Monitor.Interval)
	v.SetDefault("monitor.stall_threshold", d.Monitor.StallThreshold)
	v.SetDefault("monitor.query_timeout", d.Monitor.QueryTimeout)
	v.SetDefault("monitor.kill_timeout", d.Monitor.KillTimeout)
	v.SetDefault("monitor.excluded_users", d.Monitor.ExcludedUsers)
	v.SetDefault("monitor.kill_mode", d.Monitor.KillMode)
	v.SetDefault("monitor.snippet_len", d.Monitor.SnippetLen)
	v.SetDefault("monitor.dry_run", false)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
	v.SetDefault("log.compress", false)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("history.dsn", []string{})
	v.SetDefault("history.timeout", d.History.Timeout)
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", d.Metrics.Listen)
	v.SetDefault("server.listen", "")
	v.SetDefault("server.base_path", d.Server.BasePath)
	v.SetDefault("server.engine", d.Server.Engine)
	v.SetDefault("server.pidfile", "")
	v.SetDefault("server.logfile", "")
}

// Load reads path (TOML, or JSON/YAML by extension), applies env_files and
// PURGEFIXER_* environment overrides and validates the result. An empty
// path loads defaults and environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType(configType(path))
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	for _, p := range v.GetStringSlice("env_files") {
		pairs, err := loadEnvFile(p)
		if err != nil {
			return nil, fmt.Errorf("env file %s: %w", p, err)
		}
		keys := envKeys(v)
		for k, val := range pairs {
			key, ok := keys[k]
			if !ok {
				continue
			}
			// the process environment wins over env files
			if _, set := os.LookupEnv(k); set {
				continue
			}
			v.Set(key, val)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func configType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return "json"
	case ".yaml", ".yml":
		return "yaml"
	}
	return "toml"
}

// envKeys maps every known environment name to its config key, e.g.
// PURGEFIXER_MYSQL_SSL_CA_FILE to mysql.ssl.ca_file.
func envKeys(v *viper.Viper) map[string]string {
	keys := make(map[string]string)
	for _, k := range v.AllKeys() {
		keys[envName(k)] = k
	}
	return keys
}

func envName(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// loadEnvFile parses a simple .env file with KEY=VALUE lines (no export, no quotes). Lines starting with # are ignored.
func loadEnvFile(path string) (map[string]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i >= 0 {
			m[strings.TrimSpace(line[:i])] = strings.TrimSpace(line[i+1:])
		}
	}
	return m, nil
}

// Validate rejects settings the daemon cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.MySQL.DSN == "" && c.MySQL.Host == "" {
		errs = append(errs, errors.New("mysql.host or mysql.dsn is required"))
	}
	if c.Monitor.Interval <= 0 {
		errs = append(errs, fmt.Errorf("monitor.interval must be positive, got %s", c.Monitor.Interval))
	}
	if c.Monitor.QueryTimeout <= 0 {
		errs = append(errs, fmt.Errorf("monitor.query_timeout must be positive, got %s", c.Monitor.QueryTimeout))
	}
	if c.Monitor.KillTimeout <= 0 {
		errs = append(errs, fmt.Errorf("monitor.kill_timeout must be positive, got %s", c.Monitor.KillTimeout))
	}
	if c.Monitor.StallThreshold == 0 {
		errs = append(errs, errors.New("monitor.stall_threshold must be at least 1"))
	}
	if c.History.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("history.timeout must be positive, got %s", c.History.Timeout))
	}
	if c.Monitor.SnippetLen < 0 {
		errs = append(errs, fmt.Errorf("monitor.snippet_len must not be negative, got %d", c.Monitor.SnippetLen))
	}
	if _, err := session.ParseKillMode(c.Monitor.KillMode); err != nil {
		errs = append(errs, fmt.Errorf("monitor.kill_mode: %w", err))
	}
	switch c.Server.Engine {
	case "", EngineGin, EngineEcho:
	default:
		errs = append(errs, fmt.Errorf("server.engine %q must be %q or %q", c.Server.Engine, EngineGin, EngineEcho))
	}
	return errors.Join(errs...)
}

// FormatDSN returns the go-sql-driver DSN, either verbatim from mysql.dsn or
// built from the individual fields. File based TLS settings are not part of
// it; use DriverConfig to connect.
func (m MySQLConfig) FormatDSN() string {
	if m.DSN != "" {
		return m.DSN
	}
	return m.baseConfig().FormatDSN()
}

// DriverConfig returns the driver configuration including the TLS client
// settings from [mysql.ssl].
func (m MySQLConfig) DriverConfig() (*mysql.Config, error) {
	var mc *mysql.Config
	if m.DSN != "" {
		parsed, err := mysql.ParseDSN(m.DSN)
		if err != nil {
			return nil, fmt.Errorf("mysql.dsn: %w", err)
		}
		// session start times are scanned as time.Time
		parsed.ParseTime = true
		mc = parsed
	} else {
		mc = m.baseConfig()
	}
	if m.SSL.Enabled() {
		tc, err := dbtls.ClientConfig(m.SSL)
		if err != nil {
			return nil, fmt.Errorf("mysql.ssl: %w", err)
		}
		if tc.ServerName == "" && !tc.InsecureSkipVerify {
			host, _, err := net.SplitHostPort(mc.Addr)
			if err != nil {
				host = mc.Addr
			}
			tc.ServerName = host
		}
		mc.TLS = tc
	}
	return mc, nil
}

func (m MySQLConfig) baseConfig() *mysql.Config {
	mc := mysql.NewConfig()
	mc.User = m.User
	mc.Passwd = m.Password
	mc.Net = "tcp"
	port := m.Port
	if port == 0 {
		port = 3306
	}
	mc.Addr = net.JoinHostPort(m.Host, strconv.Itoa(port))
	mc.DBName = m.Database
	mc.ParseTime = true
	mc.Timeout = m.ConnectTimeout
	mc.TLSConfig = m.TLS
	return mc
}

// WriteSample writes the default configuration as TOML to path. Durations
// are written in their string form so the file stays hand-editable.
func WriteSample(path string) error {
	b, err := SampleTOML()
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Clean(path), b, 0o600)
}

// SampleTOML renders the default configuration as TOML.
func SampleTOML() ([]byte, error) {
	d := Default()
	doc := map[string]any{
		"mysql": map[string]any{
			"host":            d.MySQL.Host,
			"port":            d.MySQL.Port,
			"user":            "purgefixer",
			"password":        "",
			"database":        "",
			"tls":             "",
			"connect_timeout": d.MySQL.ConnectTimeout.String(),
			"ssl": map[string]any{
				"ca_file":     "",
				"min_version": "1.2",
			},
		},
		"monitor": map[string]any{
			"interval":        d.Monitor.Interval.String(),
			"stall_threshold": d.Monitor.StallThreshold,
			"query_timeout":   d.Monitor.QueryTimeout.String(),
			"kill_timeout":    d.Monitor.KillTimeout.String(),
			"excluded_users":  d.Monitor.ExcludedUsers,
			"kill_mode":       d.Monitor.KillMode,
			"snippet_len":     d.Monitor.SnippetLen,
			"dry_run":         d.Monitor.DryRun,
		},
		"log": map[string]any{
			"file":         d.Log.File,
			"max_size_mb":  d.Log.MaxSizeMB,
			"max_backups":  d.Log.MaxBackups,
			"max_age_days": d.Log.MaxAgeDays,
			"compress":     d.Log.Compress,
			"level":        d.Log.Level,
		},
		"history": map[string]any{
			"dsn":     []string{},
			"timeout": d.History.Timeout.String(),
		},
		"metrics": map[string]any{
			"enabled": d.Metrics.Enabled,
			"listen":  d.Metrics.Listen,
		},
		"server": map[string]any{
			"listen":    "",
			"base_path": d.Server.BasePath,
			"engine":    d.Server.Engine,
		},
	}
	return toml.Marshal(doc)
}
