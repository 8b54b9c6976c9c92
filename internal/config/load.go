package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Load reads and parses a TOML config file, validates it, and returns the
// resulting Config. Unknown keys are fatal, with "did you mean?" suggestions.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := checkUnknownKeys(&md); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault reads a TOML config file if it exists, otherwise returns
// a Config populated with all default values.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// Resolve loads configuration and applies the override chain:
// defaults -> config file -> environment variables -> CLI flags.
func Resolve(env EnvOverrides, cli CLIOverrides) (*Resolved, error) {
	cfgPath := DefaultConfigPath()
	if env.ConfigPath != "" {
		cfgPath = env.ConfigPath
	}

	if cli.ConfigPath != "" {
		cfgPath = cli.ConfigPath
	}

	cfg, err := LoadOrDefault(cfgPath)
	if err != nil {
		return nil, err
	}

	if env.APIURL != "" {
		cfg.Account.APIURL = env.APIURL
	}

	if cli.APIURL != nil {
		cfg.Account.APIURL = *cli.APIURL
	}

	if cli.ParallelUploads != nil {
		cfg.Transfers.ParallelUploads = *cli.ParallelUploads
	}

	// Overrides can introduce bad values the file check never saw.
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return buildResolved(cfg, cfgPath, env)
}

// buildResolved converts a validated Config into its parsed form.
func buildResolved(cfg *Config, cfgPath string, env EnvOverrides) (*Resolved, error) {
	connect, err := time.ParseDuration(cfg.Network.ConnectTimeout)
	if err != nil {
		return nil, fmt.Errorf("connect_timeout: %w", err)
	}

	data, err := time.ParseDuration(cfg.Network.DataTimeout)
	if err != nil {
		return nil, fmt.Errorf("data_timeout: %w", err)
	}

	maxSize, err := ParseUploadSize(cfg.Transfers.MaxFileSize)
	if err != nil {
		return nil, fmt.Errorf("max_file_size: %w", err)
	}

	return &Resolved{
		ConfigPath:        cfgPath,
		KeyFile:           expandTilde(cfg.Account.KeyFile),
		APIURL:            strings.TrimRight(cfg.Account.APIURL, "/"),
		KeyID:             env.KeyID,
		ApplicationKey:    env.ApplicationKey,
		ConnectTimeout:    connect,
		DataTimeout:       data,
		UserAgent:         cfg.Network.UserAgent,
		ParallelUploads:   cfg.Transfers.ParallelUploads,
		SkipUnchanged:     cfg.Transfers.SkipUnchanged,
		MaxFileSize:       maxSize,
		DetectContentType: cfg.Transfers.DetectContentType,
		Logging: LoggingConfig{
			LogLevel:  cfg.Logging.LogLevel,
			LogFile:   expandTilde(cfg.Logging.LogFile),
			LogFormat: cfg.Logging.LogFormat,
		},
		HistoryEnabled: cfg.History.Enabled,
		HistoryPath:    expandTilde(cfg.History.DBPath),
	}, nil
}
