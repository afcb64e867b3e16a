package config

import (
	"os"
	"strings"

	"github.com/caarlos0/env/v11"

	"github.com/affandar/toygres/pkg/logging"
)

// envPrefix namespaces every Toygres environment variable so the process
// can run alongside unrelated services without colliding on generic names
// like DB_URL.
const envPrefix = "TOYGRES_"

// Load binds Config from the process environment. Unrecognized TOYGRES_*
// keys are logged and ignored rather than rejected, matching spec.md §6
// ("Values outside recognized options are ignored (config error logged)").
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: envPrefix}); err != nil {
		return nil, err
	}

	warnUnrecognized()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// warnUnrecognized scans the environment for TOYGRES_-prefixed variables
// that Config doesn't bind and logs one warning per unknown key.
func warnUnrecognized() {
	known := make(map[string]bool, len(recognizedEnvKeys))
	for _, k := range recognizedEnvKeys {
		known[k] = true
	}

	for _, kv := range os.Environ() {
		key, _, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, envPrefix) {
			continue
		}
		if !known[key] {
			logging.Warn("config", "ignoring unrecognized environment option %s", key)
		}
	}
}
