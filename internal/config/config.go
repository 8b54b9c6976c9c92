// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for b2-go. Values resolve through a
// four-layer override chain: defaults -> config file -> environment -> CLI
// flags.
package config

import "time"

// Config is the top-level configuration structure parsed from a TOML file.
type Config struct {
	Account   AccountConfig   `toml:"account"`
	Network   NetworkConfig   `toml:"network"`
	Transfers TransfersConfig `toml:"transfers"`
	Logging   LoggingConfig   `toml:"logging"`
	History   HistoryConfig   `toml:"history"`
}

// AccountConfig locates the application key and the authorize endpoint.
type AccountConfig struct {
	KeyFile string `toml:"key_file"`
	APIURL  string `toml:"api_url"`
}

// NetworkConfig controls HTTP client behavior.
type NetworkConfig struct {
	ConnectTimeout string `toml:"connect_timeout"`
	DataTimeout    string `toml:"data_timeout"`
	UserAgent      string `toml:"user_agent"`
}

// TransfersConfig controls upload concurrency and the unchanged-file check.
// max_file_size caps single-request uploads; "0" means the B2 limit.
// detect_content_type sniffs the MIME type locally instead of asking B2 to
// guess from the file name.
type TransfersConfig struct {
	ParallelUploads   int    `toml:"parallel_uploads"`
	SkipUnchanged     bool   `toml:"skip_unchanged"`
	MaxFileSize       string `toml:"max_file_size"`
	DetectContentType bool   `toml:"detect_content_type"`
}

// LoggingConfig controls log output: level, destination, and format.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFile   string `toml:"log_file"`
	LogFormat string `toml:"log_format"`
}

// HistoryConfig controls the local upload ledger.
type HistoryConfig struct {
	Enabled bool   `toml:"enabled"`
	DBPath  string `toml:"db_path"`
}

// CLIOverrides holds values from CLI flags. Pointer fields distinguish "not
// specified" (nil) from an explicit zero value.
type CLIOverrides struct {
	ConfigPath      string  // --config flag (empty = use default)
	APIURL          *string // --api-url flag
	ParallelUploads *int    // --parallel flag
}

// Resolved is the effective configuration after every override layer has
// been applied and validated. Durations and sizes are parsed, paths are
// expanded.
type Resolved struct {
	ConfigPath string

	KeyFile string
	APIURL  string

	// Credentials from the environment. Empty when not set; the CLI then
	// falls back to the key file.
	KeyID          string
	ApplicationKey string

	ConnectTimeout time.Duration
	DataTimeout    time.Duration
	UserAgent      string

	ParallelUploads   int
	SkipUnchanged     bool
	MaxFileSize       int64
	DetectContentType bool

	Logging LoggingConfig

	HistoryEnabled bool
	HistoryPath    string
}
