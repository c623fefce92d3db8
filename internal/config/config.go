// Package config provides configuration parsing and validation for the
// gateway and remote server.
package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Role selects which endpoint a process runs as.
type Role string

const (
	RoleGateway Role = "gateway"
	RoleServer  Role = "server"
)

// DefaultServerListen is the remote server's default listen address. The
// reference implementation hard-codes port 1240; this rewrite keeps it as
// the default while allowing an operator to override it.
const DefaultServerListen = "0.0.0.0:1240"

// DefaultPassword is the server command's fallback when no password is
// supplied anywhere, matching the reference implementation's (insecure)
// fallback. Config.Validate does not reject it, but the server command
// prints a warning to stderr when it is in use.
const DefaultPassword = "password"

// Config is the complete process configuration, loadable from a YAML file
// and overridable by CLI flags.
type Config struct {
	Role Role `yaml:"role"`

	// Gateway fields.
	GatewayListen string `yaml:"gateway_listen"`
	ServerAddr    string `yaml:"server_addr"`

	// Server fields.
	ServerListen string `yaml:"server_listen"`

	Password string `yaml:"password"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	MetricsListen string `yaml:"metrics_listen"` // empty disables the /metrics endpoint

	// AcceptRatePerSecond bounds the remote server's accept rate via
	// golang.org/x/time/rate; zero means unlimited.
	AcceptRatePerSecond float64 `yaml:"accept_rate_per_second"`
}

// Default returns a Config with every field set to its default value.
func Default() *Config {
	return &Config{
		Role:         RoleGateway,
		ServerListen: DefaultServerListen,
		LogLevel:     "info",
		LogFormat:    "text",
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse parses configuration from YAML bytes, applying environment
// expansion first.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return cfg, nil
}

// envVarRegex matches ${VAR} or ${VAR:-default}.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		name := match[2 : len(match)-1]

		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate aggregates every configuration problem into a single error
// rather than failing on the first one found.
func (c *Config) Validate() error {
	var errs []string

	switch c.Role {
	case RoleGateway:
		if c.GatewayListen == "" {
			errs = append(errs, "gateway_listen is required for role=gateway")
		} else if err := validateHostPort(c.GatewayListen); err != nil {
			errs = append(errs, fmt.Sprintf("gateway_listen: %v", err))
		}
		if c.ServerAddr == "" {
			errs = append(errs, "server_addr is required for role=gateway")
		} else if err := validateHostPort(c.ServerAddr); err != nil {
			errs = append(errs, fmt.Sprintf("server_addr: %v", err))
		}
	case RoleServer:
		if c.ServerListen == "" {
			errs = append(errs, "server_listen is required for role=server")
		} else if err := validateHostPort(c.ServerListen); err != nil {
			errs = append(errs, fmt.Sprintf("server_listen: %v", err))
		}
	default:
		errs = append(errs, fmt.Sprintf("role must be %q or %q, got %q", RoleGateway, RoleServer, c.Role))
	}

	if !isValidLogLevel(c.LogLevel) {
		errs = append(errs, fmt.Sprintf("invalid log_level: %s (must be debug, info, warn, or error)", c.LogLevel))
	}
	if !isValidLogFormat(c.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid log_format: %s (must be text or json)", c.LogFormat))
	}
	if c.MetricsListen != "" {
		if err := validateHostPort(c.MetricsListen); err != nil {
			errs = append(errs, fmt.Sprintf("metrics_listen: %v", err))
		}
	}
	if c.AcceptRatePerSecond < 0 {
		errs = append(errs, "accept_rate_per_second must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func validateHostPort(addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("expected host:port: %w", err)
	}
	if _, err := strconv.ParseUint(port, 10, 16); err != nil {
		return fmt.Errorf("invalid port %q", port)
	}
	_ = host
	return nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

const redactedValue = "[REDACTED]"

// Redacted returns a copy of c with the password masked, safe to log.
func (c *Config) Redacted() *Config {
	cp := *c
	if cp.Password != "" {
		cp.Password = redactedValue
	}
	return &cp
}
