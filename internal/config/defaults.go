package config

// Default values for configuration options. These are layer 0 of the
// override chain and work without any config file.
const (
	defaultAPIURL          = "https://api.backblazeb2.com"
	defaultConnectTimeout  = "10s"
	defaultDataTimeout     = "60s"
	defaultParallelUploads = 4
	defaultMaxFileSize     = "0"
	defaultLogLevel        = "info"
	defaultLogFormat       = "auto"
)

// DefaultConfig returns a Config populated with all default values. TOML is
// decoded on top of it so unset fields keep their defaults.
func DefaultConfig() *Config {
	return &Config{
		Account:   defaultAccountConfig(),
		Network:   defaultNetworkConfig(),
		Transfers: defaultTransfersConfig(),
		Logging:   defaultLoggingConfig(),
		History:   defaultHistoryConfig(),
	}
}

func defaultAccountConfig() AccountConfig {
	return AccountConfig{
		KeyFile: DefaultKeyFilePath(),
		APIURL:  defaultAPIURL,
	}
}

func defaultNetworkConfig() NetworkConfig {
	return NetworkConfig{
		ConnectTimeout: defaultConnectTimeout,
		DataTimeout:    defaultDataTimeout,
	}
}

func defaultTransfersConfig() TransfersConfig {
	return TransfersConfig{
		ParallelUploads: defaultParallelUploads,
		SkipUnchanged:   true,
		MaxFileSize:     defaultMaxFileSize,
	}
}

func defaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		LogLevel:  defaultLogLevel,
		LogFormat: defaultLogFormat,
	}
}

func defaultHistoryConfig() HistoryConfig {
	return HistoryConfig{
		Enabled: true,
		DBPath:  DefaultHistoryPath(),
	}
}
