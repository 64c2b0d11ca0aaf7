package config

import (
	"os"
	"strings"
)

// expandEnvWithDefault substitutes $VAR and ${VAR} references from the
// process environment. The ${VAR:-fallback} form yields the fallback when
// the variable is unset or empty, matching shell behaviour. Defaults
// containing '}' are not supported.
func expandEnvWithDefault(s string) string {
	return os.Expand(s, func(ref string) string {
		name, fallback, hasFallback := strings.Cut(ref, ":-")
		if value, ok := os.LookupEnv(name); ok && value != "" {
			return value
		}
		if hasFallback {
			return fallback
		}
		return ""
	})
}
