package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_DefaultsAreValid(t *testing.T) {
	require.NoError(t, Validate(DefaultConfig()))
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"relative api url", func(c *Config) { c.Account.APIURL = "api.backblazeb2.com" }, "api_url"},
		{"ftp api url", func(c *Config) { c.Account.APIURL = "ftp://host" }, "api_url"},
		{"short connect timeout", func(c *Config) { c.Network.ConnectTimeout = "100ms" }, "connect_timeout"},
		{"bad data timeout", func(c *Config) { c.Network.DataTimeout = "soon" }, "data_timeout"},
		{"too many uploads", func(c *Config) { c.Transfers.ParallelUploads = 100 }, "parallel_uploads"},
		{"oversized max file", func(c *Config) { c.Transfers.MaxFileSize = "6GB" }, "max_file_size"},
		{"unparsable max file", func(c *Config) { c.Transfers.MaxFileSize = "big" }, "max_file_size"},
		{"log level", func(c *Config) { c.Logging.LogLevel = "trace" }, "log_level"},
		{"log format", func(c *Config) { c.Logging.LogFormat = "xml" }, "log_format"},
		{"history path", func(c *Config) { c.History.DBPath = "" }, "db_path"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := Validate(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidate_DisabledHistoryNeedsNoPath(t *testing.T) {
	cfg := DefaultConfig()
	cfg.History.Enabled = false
	cfg.History.DBPath = ""

	assert.NoError(t, Validate(cfg))
}
