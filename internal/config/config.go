// Package config loads the control plane's environment-variable configuration.
package config

import (
	"fmt"
	"strconv"
	"strings"
)

// Config holds every environment-derived setting the control plane reads at
// startup. Nothing here is reloaded at runtime.
type Config struct {
	// AdminAPIKey is the single bearer token accepted in the admin scope.
	AdminAPIKey string
	// AgentAPIKeys is the set of tokens accepted in the agent scope.
	AgentAPIKeys map[string]struct{}

	// DBPath is the filesystem path of the store. ":memory:" means ephemeral.
	DBPath string

	// TaskLease is how long a claimed task may sit without a heartbeat before
	// the dispatcher's lease sweep reclaims it.
	TaskLeaseSeconds int

	// EnableSwagger mounts the OpenAPI document when true.
	EnableSwagger bool

	// BindAddr is the HTTP listen address.
	BindAddr string

	// LogLevel controls the minimum level the logger emits.
	LogLevel string

	// DispatchTickMillis is the dispatcher's fixed tick period.
	DispatchTickMillis int

	// DispatchMaxPerRegion bounds how many tasks the dispatcher claims per
	// region per tick.
	DispatchMaxPerRegion int

	// OTLPEndpoint, when non-empty, enables OTLP trace export to that
	// collector endpoint. Empty disables tracing.
	OTLPEndpoint string
}

const (
	defaultDBPath               = "data/controlplane.db"
	defaultTaskLeaseSeconds     = 300
	defaultBindAddr             = ":8080"
	defaultLogLevel             = "info"
	defaultDispatchTickMillis   = 250
	defaultDispatchMaxPerRegion = 25
)

// Load reads configuration from the process environment via the supplied
// lookup function (ordinarily os.LookupEnv; tests pass a fake).
func Load(lookup func(string) (string, bool)) (Config, error) {
	cfg := Config{
		AgentAPIKeys:         map[string]struct{}{},
		DBPath:               defaultDBPath,
		TaskLeaseSeconds:     defaultTaskLeaseSeconds,
		BindAddr:             defaultBindAddr,
		LogLevel:             defaultLogLevel,
		DispatchTickMillis:   defaultDispatchTickMillis,
		DispatchMaxPerRegion: defaultDispatchMaxPerRegion,
	}

	if v, ok := lookup("ADMIN_API_KEY"); ok {
		cfg.AdminAPIKey = v
	}
	if v, ok := lookup("AGENT_API_KEYS"); ok && v != "" {
		for _, tok := range strings.Split(v, ",") {
			tok = strings.TrimSpace(tok)
			if tok != "" {
				cfg.AgentAPIKeys[tok] = struct{}{}
			}
		}
	}
	if v, ok := lookup("DB_PATH"); ok && v != "" {
		cfg.DBPath = v
	}
	if v, ok := lookup("TASK_LEASE_SECONDS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("invalid TASK_LEASE_SECONDS %q: must be a positive integer", v)
		}
		cfg.TaskLeaseSeconds = n
	}
	if v, ok := lookup("ENABLE_SWAGGER"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid ENABLE_SWAGGER %q: %w", v, err)
		}
		cfg.EnableSwagger = b
	}
	if v, ok := lookup("BIND_ADDR"); ok && v != "" {
		cfg.BindAddr = v
	}
	if v, ok := lookup("LOG_LEVEL"); ok && v != "" {
		cfg.LogLevel = v
	}
	if v, ok := lookup("DISPATCH_TICK_MS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("invalid DISPATCH_TICK_MS %q: must be a positive integer", v)
		}
		cfg.DispatchTickMillis = n
	}
	if v, ok := lookup("DISPATCH_MAX_PER_REGION"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("invalid DISPATCH_MAX_PER_REGION %q: must be a positive integer", v)
		}
		cfg.DispatchMaxPerRegion = n
	}
	if v, ok := lookup("OTEL_EXPORTER_OTLP_ENDPOINT"); ok {
		cfg.OTLPEndpoint = v
	}

	return cfg, nil
}

// IsAgentToken reports whether token is one of the configured agent-scope
// bearer tokens.
func (c Config) IsAgentToken(token string) bool {
	if token == "" {
		return false
	}
	_, ok := c.AgentAPIKeys[token]
	return ok
}

// IsAdminToken reports whether token matches the configured admin bearer
// token. An empty configured token never matches (admin scope is disabled).
func (c Config) IsAdminToken(token string) bool {
	return token != "" && c.AdminAPIKey != "" && token == c.AdminAPIKey
}
