// File: internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger  LoggerConfig  `mapstructure:"logger" yaml:"logger"`
	Server  ServerConfig  `mapstructure:"server" yaml:"server"`
	Browser BrowserConfig `mapstructure:"browser" yaml:"browser"`
	Harvest HarvestConfig `mapstructure:"harvest" yaml:"harvest"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// ServerConfig configures the HTTP endpoint layer.
type ServerConfig struct {
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr"`
	// StaticDir, when set, serves index.html at the root path.
	StaticDir string `mapstructure:"static_dir" yaml:"static_dir"`
	// StreamPollInterval bounds how long a stream waits for a line before
	// re-checking whether the run is still active.
	StreamPollInterval time.Duration `mapstructure:"stream_poll_interval" yaml:"stream_poll_interval"`
	ShutdownTimeout    time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// BrowserConfig holds settings for the controlled browser instance.
type BrowserConfig struct {
	Headless         bool           `mapstructure:"headless" yaml:"headless"`
	DisableCache     bool           `mapstructure:"disable_cache" yaml:"disable_cache"`
	IgnoreTLSErrors  bool           `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	Debug            bool           `mapstructure:"debug" yaml:"debug"`
	Args             []string       `mapstructure:"args" yaml:"args"`
	Viewport         map[string]int `mapstructure:"viewport" yaml:"viewport"`
	ExecPath         string         `mapstructure:"exec_path" yaml:"exec_path"`
	OperationTimeout time.Duration  `mapstructure:"operation_timeout" yaml:"operation_timeout"`
}

// HarvestConfig tunes the scrape loop and the waits around each browser step.
type HarvestConfig struct {
	OutputDir    string `mapstructure:"output_dir" yaml:"output_dir"`
	RowSelector  string `mapstructure:"row_selector" yaml:"row_selector"`
	CellSelector string `mapstructure:"cell_selector" yaml:"cell_selector"`

	LoginSettle      time.Duration `mapstructure:"login_settle" yaml:"login_settle"`
	TableLoadWait    time.Duration `mapstructure:"table_load_wait" yaml:"table_load_wait"`
	RowsWaitTimeout  time.Duration `mapstructure:"rows_wait_timeout" yaml:"rows_wait_timeout"`
	RowClickWait     time.Duration `mapstructure:"row_click_wait" yaml:"row_click_wait"`
	DetailSwitchWait time.Duration `mapstructure:"detail_switch_wait" yaml:"detail_switch_wait"`
	RowPause         time.Duration `mapstructure:"row_pause" yaml:"row_pause"`
	PollInterval     time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`

	// RowRateLimit caps rows processed per second. Zero disables pacing.
	RowRateLimit    float64 `mapstructure:"row_rate_limit" yaml:"row_rate_limit"`
	PrintBackground bool    `mapstructure:"print_background" yaml:"print_background"`
	// LogBuffer caps buffered progress lines. Zero means unbounded.
	LogBuffer int `mapstructure:"log_buffer" yaml:"log_buffer"`
}

// DefaultRowSelector matches the data rows of the harvested tables.
const DefaultRowSelector = `//tr[starts-with(@id, "R")]`

// NewDefaultConfig returns a configuration populated only with defaults.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "pdfharvest")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Server --
	v.SetDefault("server.listen_addr", "127.0.0.1:5000")
	v.SetDefault("server.static_dir", "")
	v.SetDefault("server.stream_poll_interval", "1s")
	v.SetDefault("server.shutdown_timeout", "10s")

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.disable_cache", false)
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.debug", false)
	v.SetDefault("browser.args", []string{})
	v.SetDefault("browser.viewport", map[string]int{"width": 1920, "height": 1080})
	v.SetDefault("browser.exec_path", "")
	v.SetDefault("browser.operation_timeout", "30s")

	// -- Harvest --
	v.SetDefault("harvest.output_dir", "pdf_output")
	v.SetDefault("harvest.row_selector", DefaultRowSelector)
	v.SetDefault("harvest.cell_selector", "td")
	v.SetDefault("harvest.login_settle", "2s")
	v.SetDefault("harvest.table_load_wait", "3s")
	v.SetDefault("harvest.rows_wait_timeout", "10s")
	v.SetDefault("harvest.row_click_wait", "3s")
	v.SetDefault("harvest.detail_switch_wait", "2s")
	v.SetDefault("harvest.row_pause", "1s")
	v.SetDefault("harvest.poll_interval", "250ms")
	v.SetDefault("harvest.row_rate_limit", 0.0)
	v.SetDefault("harvest.print_background", true)
	v.SetDefault("harvest.log_buffer", 0)
}

// NewConfigFromViper unmarshals, expands and validates the configuration
// held by v.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// expandPaths resolves a leading ~ in every filesystem path setting.
func (c *Config) expandPaths() error {
	paths := []*string{&c.Harvest.OutputDir, &c.Server.StaticDir, &c.Logger.LogFile, &c.Browser.ExecPath}
	for _, p := range paths {
		if *p == "" {
			continue
		}
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("failed to expand path %q: %w", *p, err)
		}
		*p = expanded
	}
	return nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	var errs []error

	switch strings.ToLower(c.Logger.Level) {
	case "debug", "info", "warn", "error", "dpanic", "panic", "fatal":
	default:
		errs = append(errs, fmt.Errorf("logger.level %q is not a known level", c.Logger.Level))
	}
	if c.Logger.Format != "console" && c.Logger.Format != "json" {
		errs = append(errs, fmt.Errorf("logger.format must be 'console' or 'json', got %q", c.Logger.Format))
	}

	if c.Server.StreamPollInterval <= 0 {
		errs = append(errs, errors.New("server.stream_poll_interval must be positive"))
	}
	if c.Server.ShutdownTimeout < 0 {
		errs = append(errs, errors.New("server.shutdown_timeout must not be negative"))
	}

	if c.Browser.OperationTimeout <= 0 {
		errs = append(errs, errors.New("browser.operation_timeout must be positive"))
	}

	if err := c.Harvest.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Validate checks the harvest loop settings.
func (h *HarvestConfig) Validate() error {
	var errs []error
	if strings.TrimSpace(h.OutputDir) == "" {
		errs = append(errs, errors.New("harvest.output_dir is required"))
	}
	if strings.TrimSpace(h.RowSelector) == "" {
		errs = append(errs, errors.New("harvest.row_selector is required"))
	}
	if strings.TrimSpace(h.CellSelector) == "" {
		errs = append(errs, errors.New("harvest.cell_selector is required"))
	}

	waits := map[string]time.Duration{
		"login_settle":       h.LoginSettle,
		"table_load_wait":    h.TableLoadWait,
		"row_click_wait":     h.RowClickWait,
		"detail_switch_wait": h.DetailSwitchWait,
		"row_pause":          h.RowPause,
	}
	for name, d := range waits {
		if d < 0 {
			errs = append(errs, fmt.Errorf("harvest.%s must not be negative", name))
		}
	}
	if h.RowsWaitTimeout <= 0 {
		errs = append(errs, errors.New("harvest.rows_wait_timeout must be positive"))
	}
	if h.PollInterval <= 0 {
		errs = append(errs, errors.New("harvest.poll_interval must be positive"))
	}
	if h.RowRateLimit < 0 {
		errs = append(errs, errors.New("harvest.row_rate_limit must not be negative"))
	}
	if h.LogBuffer < 0 {
		errs = append(errs, errors.New("harvest.log_buffer must not be negative"))
	}
	return errors.Join(errs...)
}
