package config

import (
	"os"
	"strings"
)

const (
	appEnvVar              = "APP_ENV"
	environmentDevelopment = "development"
	environmentProduction  = "production"
	environmentStaging     = "staging"
)

var environmentAliases = map[string]string{
	"dev":  environmentDevelopment,
	"prod": environmentProduction,
	"stag": environmentStaging,
}

// AppEnvironment reads the application environment from APP_ENV, normalising
// common aliases and defaulting to development when unset.
func AppEnvironment() string {
	env := strings.ToLower(strings.TrimSpace(os.Getenv(appEnvVar)))
	if env == "" {
		return environmentDevelopment
	}
	if canonical, ok := environmentAliases[env]; ok {
		return canonical
	}
	return env
}

// IsProductionLike reports whether the environment should behave like a
// production deployment. Production-like environments fail hard on
// configuration errors instead of falling back to defaults.
func IsProductionLike(env string) bool {
	switch env {
	case environmentProduction, environmentStaging:
		return true
	default:
		return false
	}
}
