package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Load assembles the process-wide Config from compiled-in defaults,
// an optional YAML file at path (skipped entirely if path is empty or
// the file does not exist), and environment variable overrides, then
// validates and installs it as the singleton returned by GetConfig.
//
// Env overrides recognized (a small, closed set — everything else is
// file/default-only, per §4.9's "environment-overridable" meaning model
// routing and operational knobs, not the whole schema):
//   - CADFORGE_DEFAULT_PROVIDER
//   - CADFORGE_PIPELINE_MAX_ITERATIONS
//   - CADFORGE_LLM_DEADLINE_SECONDS
//   - CADFORGE_EXEC_DEADLINE_SECONDS
//   - CADFORGE_SESSION_TTL_SECONDS
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			data, readErr := os.ReadFile(path) //nolint:gosec // operator-supplied config path
			if readErr != nil {
				return Config{}, fmt.Errorf("config: reading %s: %w", path, readErr)
			}
			if unmarshalErr := yaml.Unmarshal(data, &cfg); unmarshalErr != nil {
				return Config{}, fmt.Errorf("config: parsing %s: %w", path, unmarshalErr)
			}
		} else if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("config: checking %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	mu.Lock()
	current = cfg
	hasLoaded = true
	mu.Unlock()

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CADFORGE_DEFAULT_PROVIDER"); v != "" {
		cfg.DefaultProvider = v
	}
	if v := envInt("CADFORGE_PIPELINE_MAX_ITERATIONS"); v != nil {
		cfg.Pipeline.MaxIterations = *v
	}
	if v := envInt("CADFORGE_LLM_DEADLINE_SECONDS"); v != nil {
		cfg.Deadlines.LLMSeconds = *v
	}
	if v := envInt("CADFORGE_EXEC_DEADLINE_SECONDS"); v != nil {
		cfg.Deadlines.ExecSeconds = *v
	}
	if v := envInt("CADFORGE_SESSION_TTL_SECONDS"); v != nil {
		cfg.Session.TTLSeconds = *v
	}
}

func envInt(name string) *int {
	raw := os.Getenv(name)
	if raw == "" {
		return nil
	}
	var n int
	if _, err := fmt.Sscanf(raw, "%d", &n); err != nil {
		return nil
	}
	return &n
}
