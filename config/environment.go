package config

import (
	"os"
	"strings"
)

// Environment is the deployment stage selected through CRYPTOSTREAM_ENV or
// APP_ENV. The first non-empty variable wins.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

const defaultConfigPath = "config/config.yml"

var envVars = []string{"CRYPTOSTREAM_ENV", "APP_ENV"}

// ParseEnvironment normalises raw. Common abbreviations and misspellings map
// to their stage; anything else is returned lowercased.
func ParseEnvironment(raw string) Environment {
	v := strings.ToLower(strings.TrimSpace(raw))
	switch v {
	case "":
		return Development
	case "dev", "develop", "local":
		return Development
	case "stag", "stage", "stagging":
		return Staging
	case "prod", "producation", "live":
		return Production
	}
	return Environment(v)
}

// AppEnvironment reads the environment from the process.
func AppEnvironment() Environment {
	for _, name := range envVars {
		if v := os.Getenv(name); strings.TrimSpace(v) != "" {
			return ParseEnvironment(v)
		}
	}
	return Development
}

// IsProductionLike is true for staging and production.
func IsProductionLike(env Environment) bool {
	return env == Production || env == Staging
}

// ConfigFile returns the stage specific file, config/config.<stage>.yml,
// for non-development stages and the default file otherwise.
func (e Environment) ConfigFile() string {
	if !IsProductionLike(e) {
		return defaultConfigPath
	}
	return "config/config." + string(e) + ".yml"
}

// ResolvePath maps path to a file for the current environment. An explicit
// path other than the default is returned unchanged.
func ResolvePath(path string) string {
	if path != "" && path != defaultConfigPath {
		return path
	}
	return AppEnvironment().ConfigFile()
}
