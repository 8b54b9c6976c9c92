package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig         = "B2_GO_CONFIG"
	EnvAPIURL         = "B2_GO_API_URL"
	EnvKeyID          = "B2_APPLICATION_KEY_ID"
	EnvApplicationKey = "B2_APPLICATION_KEY"
)

// EnvOverrides holds values derived from environment variables.
type EnvOverrides struct {
	ConfigPath     string // B2_GO_CONFIG: override config file path
	APIURL         string // B2_GO_API_URL: authorize endpoint
	KeyID          string // B2_APPLICATION_KEY_ID
	ApplicationKey string // B2_APPLICATION_KEY
}

// ReadEnvOverrides reads environment variables and returns any overrides found.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath:     os.Getenv(EnvConfig),
		APIURL:         os.Getenv(EnvAPIURL),
		KeyID:          os.Getenv(EnvKeyID),
		ApplicationKey: os.Getenv(EnvApplicationKey),
	}
}
