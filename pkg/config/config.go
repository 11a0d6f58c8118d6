package config

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/ethpandaops/testrelay/pkg/fsutil"
	"github.com/ethpandaops/testrelay/pkg/receiver"
	"github.com/ethpandaops/testrelay/pkg/reporter"
	"github.com/spf13/viper"
)

const (
	// EnvPrefix prefixes every environment override, e.g.
	// TESTRELAY_REPORTER_PORT overrides reporter.port.
	EnvPrefix = "TESTRELAY"

	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultReporterHost is the host the reporter socket dials.
	DefaultReporterHost = reporter.DefaultHost

	// DefaultDialTimeout bounds the reporter socket connect.
	DefaultDialTimeout = reporter.DefaultDialTimeout

	// DefaultReceiverListen binds an ephemeral loopback port.
	DefaultReceiverListen = receiver.DefaultListen

	// DefaultJoinTimeout bounds how long receive waits for the stream to end.
	DefaultJoinTimeout = 5 * time.Second

	// DefaultMaxLineBytes bounds a single wire line.
	DefaultMaxLineBytes = receiver.DefaultMaxLineBytes

	// DefaultOutputDir is where summaries are written.
	DefaultOutputDir = "./results"

	// DefaultSummaryFormat is the summary file format.
	DefaultSummaryFormat = "json"

	// DefaultAPIListen is the status API listen address.
	DefaultAPIListen = "127.0.0.1:9090"

	// DefaultRequestsPerMinute is the per-IP status API budget.
	DefaultRequestsPerMinute = 120

	// DefaultUploadPrefix is the S3 key prefix for uploaded summaries.
	DefaultUploadPrefix = "testrelay/sessions"
)

// Config is the root configuration for testrelay.
type Config struct {
	Global   GlobalConfig   `yaml:"global" mapstructure:"global"`
	Reporter ReporterConfig `yaml:"reporter" mapstructure:"reporter"`
	Receiver ReceiverConfig `yaml:"receiver" mapstructure:"receiver"`
	Summary  SummaryConfig  `yaml:"summary" mapstructure:"summary"`
	API      APIConfig      `yaml:"api" mapstructure:"api"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level" mapstructure:"log_level"`
}

// ReporterConfig selects the report sinks. With neither file nor port set
// the reporter is inert.
type ReporterConfig struct {
	File        string        `yaml:"file,omitempty" mapstructure:"file"`
	Port        int           `yaml:"port,omitempty" mapstructure:"port"`
	Host        string        `yaml:"host,omitempty" mapstructure:"host"`
	DialTimeout time.Duration `yaml:"dial_timeout,omitempty" mapstructure:"dial_timeout"`
}

// Enabled reports whether any sink is configured.
func (c *ReporterConfig) Enabled() bool {
	return c.File != "" || c.Port > 0
}

// ReceiverConfig configures the socket receiver.
type ReceiverConfig struct {
	Listen       string        `yaml:"listen" mapstructure:"listen"`
	JoinTimeout  time.Duration `yaml:"join_timeout" mapstructure:"join_timeout"`
	MaxLineBytes int           `yaml:"max_line_bytes" mapstructure:"max_line_bytes"`
}

// SummaryConfig configures where and how session summaries are written.
type SummaryConfig struct {
	OutputDir string       `yaml:"output_dir" mapstructure:"output_dir"`
	Format    string       `yaml:"format" mapstructure:"format"`
	Owner     string       `yaml:"owner,omitempty" mapstructure:"owner"`
	Upload    UploadConfig `yaml:"upload,omitempty" mapstructure:"upload"`
}

// UploadConfig configures optional remote storage for summaries.
type UploadConfig struct {
	S3 S3UploadConfig `yaml:"s3,omitempty" mapstructure:"s3"`
}

// S3UploadConfig contains S3-compatible upload settings.
type S3UploadConfig struct {
	Enabled         bool   `yaml:"enabled" mapstructure:"enabled"`
	EndpointURL     string `yaml:"endpoint_url,omitempty" mapstructure:"endpoint_url"`
	Region          string `yaml:"region,omitempty" mapstructure:"region"`
	Bucket          string `yaml:"bucket" mapstructure:"bucket"`
	Prefix          string `yaml:"prefix,omitempty" mapstructure:"prefix"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style" mapstructure:"force_path_style"`
	StorageClass    string `yaml:"storage_class,omitempty" mapstructure:"storage_class"`
	ACL             string `yaml:"acl,omitempty" mapstructure:"acl"`
}

// APIConfig configures the read-only status API served while receiving.
type APIConfig struct {
	Enabled     bool            `yaml:"enabled" mapstructure:"enabled"`
	Listen      string          `yaml:"listen" mapstructure:"listen"`
	CORSOrigins []string        `yaml:"cors_origins,omitempty" mapstructure:"cors_origins"`
	RateLimit   RateLimitConfig `yaml:"rate_limit,omitempty" mapstructure:"rate_limit"`
}

// RateLimitConfig configures per-IP rate limiting.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled" mapstructure:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
}

// Load reads the given YAML files in order, later files overriding earlier
// ones, then applies TESTRELAY_* environment overrides and defaults. With
// no paths only defaults and the environment are used.
func Load(paths ...string) (*Config, error) {
	v := newViper()

	for i, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}

		if i == 0 {
			err = v.ReadConfig(bytes.NewReader(data))
		} else {
			err = v.MergeConfig(bytes.NewReader(data))
		}

		if err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// newViper returns a viper instance with every key registered, so that
// environment overrides apply to keys absent from the files.
func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := map[string]any{
		"global.log_level":                    DefaultLogLevel,
		"reporter.file":                       "",
		"reporter.port":                       0,
		"reporter.host":                       DefaultReporterHost,
		"reporter.dial_timeout":               DefaultDialTimeout,
		"receiver.listen":                     DefaultReceiverListen,
		"receiver.join_timeout":               DefaultJoinTimeout,
		"receiver.max_line_bytes":             DefaultMaxLineBytes,
		"summary.output_dir":                  DefaultOutputDir,
		"summary.format":                      DefaultSummaryFormat,
		"summary.owner":                       "",
		"summary.upload.s3.enabled":           false,
		"summary.upload.s3.endpoint_url":      "",
		"summary.upload.s3.region":            "",
		"summary.upload.s3.bucket":            "",
		"summary.upload.s3.prefix":            DefaultUploadPrefix,
		"summary.upload.s3.access_key_id":     "",
		"summary.upload.s3.secret_access_key": "",
		"summary.upload.s3.force_path_style":  false,
		"summary.upload.s3.storage_class":     "",
		"summary.upload.s3.acl":               "",
		"api.enabled":                         false,
		"api.listen":                          DefaultAPIListen,
		"api.cors_origins":                    []string{},
		"api.rate_limit.enabled":              false,
		"api.rate_limit.requests_per_minute":  DefaultRequestsPerMinute,
	}

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	return v
}

// applyDefaults fills values that were explicitly set to their zero value.
func (c *Config) applyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = DefaultLogLevel
	}

	if c.Reporter.Host == "" {
		c.Reporter.Host = DefaultReporterHost
	}

	if c.Reporter.DialTimeout <= 0 {
		c.Reporter.DialTimeout = DefaultDialTimeout
	}

	if c.Receiver.Listen == "" {
		c.Receiver.Listen = DefaultReceiverListen
	}

	if c.Receiver.JoinTimeout <= 0 {
		c.Receiver.JoinTimeout = DefaultJoinTimeout
	}

	if c.Receiver.MaxLineBytes <= 0 {
		c.Receiver.MaxLineBytes = DefaultMaxLineBytes
	}

	if c.Summary.OutputDir == "" {
		c.Summary.OutputDir = DefaultOutputDir
	}

	if c.Summary.Format == "" {
		c.Summary.Format = DefaultSummaryFormat
	}

	c.Summary.Format = strings.ToLower(c.Summary.Format)

	if c.API.Listen == "" {
		c.API.Listen = DefaultAPIListen
	}

	if c.API.RateLimit.RequestsPerMinute <= 0 {
		c.API.RateLimit.RequestsPerMinute = DefaultRequestsPerMinute
	}
}

// validFormats is the list of supported summary formats.
var validFormats = map[string]struct{}{
	"json": {},
	"yaml": {},
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Reporter.Port < 0 || c.Reporter.Port > 65535 {
		errs = append(errs, fmt.Errorf("reporter.port %d is out of range", c.Reporter.Port))
	}

	if _, _, err := net.SplitHostPort(c.Receiver.Listen); err != nil {
		errs = append(errs, fmt.Errorf("receiver.listen %q: %w", c.Receiver.Listen, err))
	}

	if c.Receiver.MaxLineBytes < receiver.MinMaxLineBytes {
		errs = append(errs, fmt.Errorf("receiver.max_line_bytes %d is below the minimum of %d",
			c.Receiver.MaxLineBytes, receiver.MinMaxLineBytes))
	}

	if _, ok := validFormats[c.Summary.Format]; !ok {
		errs = append(errs, fmt.Errorf("summary.format %q must be json or yaml", c.Summary.Format))
	}

	if _, err := fsutil.ParseOwner(c.Summary.Owner); err != nil {
		errs = append(errs, fmt.Errorf("summary.owner: %w", err))
	}

	if s3 := c.Summary.Upload.S3; s3.Enabled && s3.Bucket == "" {
		errs = append(errs, errors.New("summary.upload.s3.bucket is required when upload is enabled"))
	}

	if c.API.Enabled {
		if _, _, err := net.SplitHostPort(c.API.Listen); err != nil {
			errs = append(errs, fmt.Errorf("api.listen %q: %w", c.API.Listen, err))
		}
	}

	return errors.Join(errs...)
}
