package config

import (
	"os"
	"regexp"

	"github.com/joho/godotenv"

	"github.com/hupe1980/llmwire/model"
)

// secretRef matches a whole-value $NAME or ${NAME} reference. Credentials
// are references or literals, never interpolated strings.
var secretRef = regexp.MustCompile(`^\$\{?([A-Za-z_][A-Za-z0-9_]*)\}?$`)

// ReadEnvFiles reads dotenv files into an overlay map without touching the
// process environment. Missing files are skipped; later files win, so pass
// them in ascending precedence (".env", ".env.local").
func ReadEnvFiles(paths ...string) map[string]string {
	overlay := map[string]string{}
	for _, path := range paths {
		vals, err := godotenv.Read(path)
		if err != nil {
			continue
		}
		for k, v := range vals {
			overlay[k] = v
		}
	}
	return overlay
}

// MergeEnv layers the config's env block over an overlay read from files.
func (c *Config) MergeEnv(overlay map[string]string) map[string]string {
	merged := make(map[string]string, len(overlay)+len(c.Env))
	for k, v := range overlay {
		merged[k] = v
	}
	for k, v := range c.Env {
		merged[k] = v
	}
	return merged
}

// ResolveSecret resolves a credential value. A $NAME reference is looked up
// in the overlay first and the process environment second; an unresolvable
// reference is a configuration error raised before any network traffic.
// Empty values and literals pass through.
func ResolveSecret(value string, overlay map[string]string) (string, error) {
	m := secretRef.FindStringSubmatch(value)
	if m == nil {
		return value, nil
	}
	name := m[1]
	if v, ok := overlay[name]; ok && v != "" {
		return v, nil
	}
	if v := os.Getenv(name); v != "" {
		return v, nil
	}
	return "", model.Errorf(model.ErrConfig, "environment variable %q is not set", name)
}
