// Package config loads process configuration from environment variables
// (and an optional .env file), following the same "${VAR}" / "${VAR:-default}"
// expansion convention used for the skill table's instruction overrides
// and keyword patterns.
package config

import (
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

var (
	envWithDefault = regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*):-(.*?)\}`)
	envBraced      = regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*)\}`)
)

// ExpandEnv expands ${VAR:-default} and ${VAR} references in s using the
// current process environment. Unset ${VAR} (no default) expands to "".
func ExpandEnv(s string) string {
	if !strings.Contains(s, "$") {
		return s
	}
	s = envWithDefault.ReplaceAllStringFunc(s, func(m string) string {
		parts := envWithDefault.FindStringSubmatch(m)
		if v := os.Getenv(parts[1]); v != "" {
			return v
		}
		return parts[2]
	})
	s = envBraced.ReplaceAllStringFunc(s, func(m string) string {
		parts := envBraced.FindStringSubmatch(m)
		return os.Getenv(parts[1])
	})
	return s
}

// LoadDotEnv loads a .env file into the process environment if present.
// Missing files are not an error; this mirrors local-dev convenience only.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	return godotenv.Load(path)
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
