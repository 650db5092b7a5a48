// Package config provides configuration management for the PowerPlatform MCP
// server. It supports loading configuration from environment variables, YAML
// config files, and command-line flags with proper precedence handling.
//
// Dataverse credentials are deliberately NOT validated at load time: the
// server must start without them and fail only when the first operation
// needs a client. Use Missing to check them.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds the configuration for the PowerPlatform MCP server.
type Config struct {
	// OrganizationURL is the Dataverse organization base URL,
	// e.g. https://yourorg.crm.dynamics.com
	OrganizationURL string `yaml:"organization_url"`

	// ClientID is the Entra ID application (client) id
	ClientID string `yaml:"client_id"`

	// ClientSecret is the client secret for the application
	ClientSecret string `yaml:"client_secret"`

	// TenantID is the Entra ID tenant id
	TenantID string `yaml:"tenant_id"`

	// LogLevel controls the logging verbosity (debug, info, warn, error)
	LogLevel string `yaml:"log_level"`

	// LogJSON enables JSON-formatted logging output
	LogJSON bool `yaml:"log_json"`

	// ConfigFile is the path to the YAML config file
	ConfigFile string `yaml:"-"`
}

// MissingError reports which required Dataverse configuration fields are
// blank. It is raised on first use of the service, not at load time.
type MissingError struct {
	Fields []string
}

func (e *MissingError) Error() string {
	return fmt.Sprintf("missing PowerPlatform configuration: %s. Set these in environment variables.",
		strings.Join(e.Fields, ", "))
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		LogJSON:  false,
	}
}

// FromEnv loads configuration from environment variables.
// Returns nil if none of the relevant variables are set.
func FromEnv() *Config {
	cfg := &Config{
		OrganizationURL: strings.TrimSuffix(os.Getenv("POWERPLATFORM_URL"), "/"),
		ClientID:        os.Getenv("POWERPLATFORM_CLIENT_ID"),
		ClientSecret:    os.Getenv("POWERPLATFORM_CLIENT_SECRET"),
		TenantID:        os.Getenv("POWERPLATFORM_TENANT_ID"),
		LogLevel:        os.Getenv("LOG_LEVEL"),
	}

	if logJSON := os.Getenv("LOG_JSON"); logJSON == "true" || logJSON == "1" {
		cfg.LogJSON = true
	}

	if cfg.OrganizationURL == "" && cfg.ClientID == "" && cfg.ClientSecret == "" &&
		cfg.TenantID == "" && cfg.LogLevel == "" && !cfg.LogJSON {
		return nil
	}

	return cfg
}

// FromFile loads configuration from a YAML file.
func FromFile(path string) (*Config, error) {
	if path == "" {
		return nil, nil
	}

	// Expand home directory
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil // File doesn't exist, not an error
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if cfg.OrganizationURL != "" {
		cfg.OrganizationURL = strings.TrimSuffix(cfg.OrganizationURL, "/")
	}

	return cfg, nil
}

// Load loads configuration with proper precedence:
// CLI flags (via cfg parameter) > environment variables > config file > defaults
func Load(cfg *Config) (*Config, error) {
	result := DefaultConfig()

	if cfg != nil && cfg.ConfigFile != "" {
		fileCfg, err := FromFile(cfg.ConfigFile)
		if err != nil {
			return nil, err
		}
		if fileCfg != nil {
			result = mergeConfigs(result, fileCfg)
		}
	} else {
		for _, defaultPath := range []string{
			"~/.powerplatform-mcp.yaml",
			"~/.config/powerplatform-mcp/config.yaml",
		} {
			fileCfg, err := FromFile(defaultPath)
			if err != nil {
				return nil, err
			}
			if fileCfg != nil {
				result = mergeConfigs(result, fileCfg)
				break
			}
		}
	}

	envCfg := FromEnv()
	if envCfg != nil {
		result = mergeConfigs(result, envCfg)
	}

	if cfg != nil {
		result = mergeConfigs(result, cfg)
	}

	if err := result.Validate(); err != nil {
		return nil, err
	}

	return result, nil
}

// Validate checks the parts of the configuration that must be correct at
// startup. Dataverse credentials are checked lazily via CheckComplete.
func (c *Config) Validate() error {
	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	return nil
}

// Missing returns the names of the required Dataverse configuration fields
// that are blank, in a fixed order. An empty result means the configuration
// is complete.
func (c *Config) Missing() []string {
	var missing []string
	if c.OrganizationURL == "" {
		missing = append(missing, "organization_url")
	}
	if c.ClientID == "" {
		missing = append(missing, "client_id")
	}
	if c.ClientSecret == "" {
		missing = append(missing, "client_secret")
	}
	if c.TenantID == "" {
		missing = append(missing, "tenant_id")
	}
	return missing
}

// CheckComplete returns a MissingError naming every blank Dataverse field,
// or nil if the configuration is complete.
func (c *Config) CheckComplete() error {
	if missing := c.Missing(); len(missing) > 0 {
		return &MissingError{Fields: missing}
	}
	return nil
}

// mergeConfigs merges two configs, with values from 'override' taking
// precedence. Only non-zero values from 'override' are used.
func mergeConfigs(base, override *Config) *Config {
	result := *base

	if override.OrganizationURL != "" {
		result.OrganizationURL = override.OrganizationURL
	}
	if override.ClientID != "" {
		result.ClientID = override.ClientID
	}
	if override.ClientSecret != "" {
		result.ClientSecret = override.ClientSecret
	}
	if override.TenantID != "" {
		result.TenantID = override.TenantID
	}
	if override.LogLevel != "" {
		result.LogLevel = override.LogLevel
	}
	if override.LogJSON {
		result.LogJSON = override.LogJSON
	}
	if override.ConfigFile != "" {
		result.ConfigFile = override.ConfigFile
	}

	return &result
}
