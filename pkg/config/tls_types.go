package config

import (
	"fmt"
	"strings"

	gwtls "github.com/budgetiq/budgetiq-gateway/internal/tls"
)

// ConfigError represents a configuration validation error
type ConfigError struct {
	Field       string
	Value       interface{}
	Reason      string
	Suggestions []string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration error in field '%s': %s", e.Field, e.Reason)
}

func (e *ConfigError) WithSuggestion(suggestion string) *ConfigError {
	e.Suggestions = append(e.Suggestions, suggestion)
	return e
}

func NewConfigMissingError(field string) *ConfigError {
	return &ConfigError{
		Field:  field,
		Reason: fmt.Sprintf("required field '%s' is missing", field),
	}
}

func NewConfigValidationError(field string, value interface{}, reason string) *ConfigError {
	return &ConfigError{
		Field:  field,
		Value:  value,
		Reason: reason,
	}
}

// TLSConfig represents TLS termination on the data listener
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	// ClientCAFile enables mutual TLS when set.
	ClientCAFile string `yaml:"client_ca_file,omitempty"`
	MinVersion   string `yaml:"min_version,omitempty"`
}

// UpstreamTLSConfig configures upstream TLS connections
type UpstreamTLSConfig struct {
	ServerName string `yaml:"server_name,omitempty"`
	CAFile     string `yaml:"ca_file,omitempty"`
	CertFile   string `yaml:"cert_file,omitempty"`
	KeyFile    string `yaml:"key_file,omitempty"`
	MinVersion string `yaml:"min_version,omitempty"`
}

// Validate performs validation of TLS termination configuration
func (c *TLSConfig) Validate() error {
	if strings.TrimSpace(c.CertFile) == "" {
		return NewConfigMissingError("cert_file").
			WithSuggestion("Provide a path to a valid TLS certificate file").
			WithSuggestion("Ensure the certificate file is in PEM format")
	}
	if strings.TrimSpace(c.KeyFile) == "" {
		return NewConfigMissingError("key_file").
			WithSuggestion("Provide a path to a valid TLS private key file").
			WithSuggestion("Ensure the private key file is in PEM format and matches the certificate")
	}
	if _, err := gwtls.ParseVersion(c.MinVersion); err != nil {
		return NewConfigValidationError("min_version", c.MinVersion, err.Error()).
			WithSuggestion("TLS 1.3 is recommended for best security and performance")
	}
	return nil
}

// Server converts the section into the TLS builder's settings.
func (c *TLSConfig) Server() gwtls.Config {
	return gwtls.Config{
		CertFile:   c.CertFile,
		KeyFile:    c.KeyFile,
		CAFile:     c.ClientCAFile,
		MinVersion: c.MinVersion,
	}
}

// Validate performs validation of upstream TLS configuration
func (c *UpstreamTLSConfig) Validate() error {
	if _, err := gwtls.ParseVersion(c.MinVersion); err != nil {
		return fmt.Errorf("invalid min_version: %w", err)
	}

	if c.CertFile != "" && c.KeyFile == "" {
		return fmt.Errorf("key_file is required when cert_file is specified")
	}
	if c.KeyFile != "" && c.CertFile == "" {
		return fmt.Errorf("cert_file is required when key_file is specified")
	}

	return nil
}

// Client converts the section into the TLS builder's settings.
func (c *UpstreamTLSConfig) Client() gwtls.Config {
	return gwtls.Config{
		CertFile:   c.CertFile,
		KeyFile:    c.KeyFile,
		CAFile:     c.CAFile,
		ServerName: c.ServerName,
		MinVersion: c.MinVersion,
	}
}
