package config

import "github.com/kelseyhightower/envconfig"

// envPrefix namespaces the environment, e.g. GOPHAUTH_SECRET_KEY.
const envPrefix = "gophauth"

// parseEnv overlays GOPHAUTH_* variables. Unset variables leave the current
// value untouched because no field carries a default tag.
func parseEnv(config *Config) error {
	return envconfig.Process(envPrefix, config)
}
