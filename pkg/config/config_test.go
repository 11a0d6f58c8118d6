package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	return path
}

func TestLoad_EnvVarOverrides(t *testing.T) {
	configPath := writeConfig(t, `
global:
  log_level: info
reporter:
  file: /tmp/original.log
  port: 4000
receiver:
  listen: 127.0.0.1:7000
  join_timeout: 2s
summary:
  output_dir: ./original-results
  format: json
api:
  enabled: false
  cors_origins:
    - https://example.com
`)

	tests := []struct {
		name     string
		envVars  map[string]string
		validate func(t *testing.T, cfg *Config)
	}{
		{
			name:    "no env vars uses yaml values",
			envVars: map[string]string{},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "info", cfg.Global.LogLevel)
				assert.Equal(t, "/tmp/original.log", cfg.Reporter.File)
				assert.Equal(t, 4000, cfg.Reporter.Port)
				assert.Equal(t, 2*time.Second, cfg.Receiver.JoinTimeout)
				assert.Equal(t, "./original-results", cfg.Summary.OutputDir)
				assert.Equal(t, []string{"https://example.com"}, cfg.API.CORSOrigins)
			},
		},
		{
			name: "string override - log_level",
			envVars: map[string]string{
				"TESTRELAY_GLOBAL_LOG_LEVEL": "debug",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "debug", cfg.Global.LogLevel)
			},
		},
		{
			name: "int override - reporter.port",
			envVars: map[string]string{
				"TESTRELAY_REPORTER_PORT": "5555",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 5555, cfg.Reporter.Port)
			},
		},
		{
			name: "duration override - receiver.join_timeout",
			envVars: map[string]string{
				"TESTRELAY_RECEIVER_JOIN_TIMEOUT": "750ms",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 750*time.Millisecond, cfg.Receiver.JoinTimeout)
			},
		},
		{
			name: "boolean override - api.enabled",
			envVars: map[string]string{
				"TESTRELAY_API_ENABLED": "true",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.True(t, cfg.API.Enabled)
			},
		},
		{
			name: "key absent from file - summary.owner",
			envVars: map[string]string{
				"TESTRELAY_SUMMARY_OWNER": "1000:1000",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "1000:1000", cfg.Summary.Owner)
			},
		},
		{
			name: "nested override - summary.upload.s3.bucket",
			envVars: map[string]string{
				"TESTRELAY_SUMMARY_UPLOAD_S3_ENABLED": "true",
				"TESTRELAY_SUMMARY_UPLOAD_S3_BUCKET":  "my-bucket",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.True(t, cfg.Summary.Upload.S3.Enabled)
				assert.Equal(t, "my-bucket", cfg.Summary.Upload.S3.Bucket)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for key, value := range tt.envVars {
				t.Setenv(key, value)
			}

			cfg, err := Load(configPath)
			require.NoError(t, err)

			tt.validate(t, cfg)
		})
	}
}

func TestLoad_DefaultsAppliedWhenEmpty(t *testing.T) {
	cfg, err := Load(writeConfig(t, "global: {}\n"))
	require.NoError(t, err)

	assert.Equal(t, DefaultLogLevel, cfg.Global.LogLevel)
	assert.Equal(t, DefaultReporterHost, cfg.Reporter.Host)
	assert.Equal(t, DefaultDialTimeout, cfg.Reporter.DialTimeout)
	assert.False(t, cfg.Reporter.Enabled())
	assert.Equal(t, DefaultReceiverListen, cfg.Receiver.Listen)
	assert.Equal(t, DefaultJoinTimeout, cfg.Receiver.JoinTimeout)
	assert.Equal(t, DefaultMaxLineBytes, cfg.Receiver.MaxLineBytes)
	assert.Equal(t, DefaultOutputDir, cfg.Summary.OutputDir)
	assert.Equal(t, DefaultSummaryFormat, cfg.Summary.Format)
	assert.Equal(t, DefaultUploadPrefix, cfg.Summary.Upload.S3.Prefix)
	assert.Equal(t, DefaultAPIListen, cfg.API.Listen)
	assert.Equal(t, DefaultRequestsPerMinute, cfg.API.RateLimit.RequestsPerMinute)
	require.NoError(t, cfg.Validate())
}

func TestLoad_NoFiles(t *testing.T) {
	t.Setenv("TESTRELAY_REPORTER_FILE", "/tmp/report.log")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "/tmp/report.log", cfg.Reporter.File)
	assert.True(t, cfg.Reporter.Enabled())
}

func TestLoad_LaterFilesOverride(t *testing.T) {
	base := writeConfig(t, `
global:
  log_level: info
summary:
  format: json
  output_dir: ./base
`)
	overlay := writeConfig(t, `
summary:
  format: YAML
`)

	cfg, err := Load(base, overlay)
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Global.LogLevel)
	assert.Equal(t, "yaml", cfg.Summary.Format)
	assert.Equal(t, "./base", cfg.Summary.OutputDir)
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config file")
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "global: [unclosed\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing config file")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(cfg *Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(*Config) {},
		},
		{
			name:    "port out of range",
			mutate:  func(cfg *Config) { cfg.Reporter.Port = 70000 },
			wantErr: "reporter.port 70000 is out of range",
		},
		{
			name:    "bad listen address",
			mutate:  func(cfg *Config) { cfg.Receiver.Listen = "nope" },
			wantErr: "receiver.listen",
		},
		{
			name:    "line bound too small",
			mutate:  func(cfg *Config) { cfg.Receiver.MaxLineBytes = 512 },
			wantErr: "receiver.max_line_bytes 512 is below the minimum of 1024",
		},
		{
			name:    "unknown format",
			mutate:  func(cfg *Config) { cfg.Summary.Format = "xml" },
			wantErr: `summary.format "xml" must be json or yaml`,
		},
		{
			name:    "bad owner",
			mutate:  func(cfg *Config) { cfg.Summary.Owner = "root" },
			wantErr: "summary.owner",
		},
		{
			name: "upload without bucket",
			mutate: func(cfg *Config) {
				cfg.Summary.Upload.S3.Enabled = true
			},
			wantErr: "summary.upload.s3.bucket is required",
		},
		{
			name: "api with bad listen",
			mutate: func(cfg *Config) {
				cfg.API.Enabled = true
				cfg.API.Listen = ":::"
			},
			wantErr: "api.listen",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load()
			require.NoError(t, err)

			tt.mutate(cfg)

			err = cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)

				return
			}

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
