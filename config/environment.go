package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	appEnvVar              = "APP_ENV"
	environmentDevelopment = "development"
	environmentProduction  = "production"
	environmentStaging     = "staging"
)

var environmentAliases = map[string]string{
	"dev":   environmentDevelopment,
	"prod":  environmentProduction,
	"stag":  environmentStaging,
	"stage": environmentStaging,
}

// getAppEnvironment reads the application environment from APP_ENV and
// defaults to development when no value is provided.
func getAppEnvironment() string {
	env := strings.ToLower(strings.TrimSpace(os.Getenv(appEnvVar)))
	if env == "" {
		return environmentDevelopment
	}
	if canonical, ok := environmentAliases[env]; ok {
		return canonical
	}
	return env
}

// envConfigPaths lists the environment specific config files that exist next
// to the default config file.
func envConfigPaths() map[string]string {
	dir := filepath.Dir(defaultConfigPath)
	paths := make(map[string]string)
	for _, env := range []string{environmentDevelopment, environmentStaging, environmentProduction} {
		candidate := filepath.Join(dir, fmt.Sprintf("config.%s.yml", env))
		if _, err := os.Stat(candidate); err == nil {
			paths[env] = candidate
		}
	}
	return paths
}

// resolveEnvSpecificPath selects an environment specific configuration file
// when one is available for the current environment and the caller did not
// ask for an explicit file.
func resolveEnvSpecificPath(path, defaultPath string, envPaths map[string]string) string {
	if path == "" {
		path = defaultPath
	}

	env := getAppEnvironment()
	if envPath, ok := envPaths[env]; ok {
		if path == defaultPath || path == envPath {
			return envPath
		}
	}

	return path
}

// AppEnvironment exposes the current application environment as configured
// through APP_ENV.
func AppEnvironment() string {
	return getAppEnvironment()
}
