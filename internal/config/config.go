// ABOUTME: Typed configuration model for the gateway: immutable Init and mutable Base.
// ABOUTME: Hard-coded defaults and validation that fails atomically with every problem listed.

package config

import (
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/hashicorp/go-multierror"
)

// Transport names.
const (
	TransportStdio  = "stdio"
	TransportSocket = "socket"
)

// Tool permission levels accepted in base.tool_permissions.
const (
	PermissionAlwaysAllow = "always_allow"
	PermissionAskBefore   = "ask_before"
	PermissionNeverAllow  = "never_allow"
)

// MaxSessionCeiling is the largest accepted init.max_concurrent_sessions.
const MaxSessionCeiling = 100

var (
	validLogLevels  = []string{"trace", "debug", "info", "warn", "error"}
	validLogFormats = []string{"text", "json"}
	validPolicies   = []string{PermissionAlwaysAllow, PermissionAskBefore, PermissionNeverAllow}
)

// Settings is the full decoded configuration.
type Settings struct {
	Init InitConfig `mapstructure:"init"`
	Base BaseConfig `mapstructure:"base"`
}

// InitConfig is fixed for the lifetime of the process.
type InitConfig struct {
	Transport             string        `mapstructure:"transport" json:"transport"`
	SocketPath            string        `mapstructure:"socket_path" json:"socket_path,omitempty"`
	LogLevel              string        `mapstructure:"log_level" json:"log_level"`
	LogFormat             string        `mapstructure:"log_format" json:"log_format"`
	MaxConcurrentSessions int           `mapstructure:"max_concurrent_sessions" json:"max_concurrent_sessions"`
	SessionIdleTimeout    time.Duration `mapstructure:"session_idle_timeout" json:"session_idle_timeout"`
	InteractionTimeout    time.Duration `mapstructure:"interaction_timeout" json:"interaction_timeout"`
	CancelGracePeriod     time.Duration `mapstructure:"cancel_grace_period" json:"cancel_grace_period"`
	StoragePath           string        `mapstructure:"storage_path" json:"storage_path,omitempty"`
	MetricsSocket         string        `mapstructure:"metrics_socket" json:"metrics_socket,omitempty"`
}

// BaseConfig is the runtime-changeable part of the configuration.
type BaseConfig struct {
	Model           ModelConfig       `mapstructure:"model" json:"model"`
	ToolPermissions map[string]string `mapstructure:"tool_permissions" json:"tool_permissions,omitempty"`
	Tools           ToolsConfig       `mapstructure:"tools" json:"tools"`
}

// ModelConfig selects the model the engine should use.
type ModelConfig struct {
	Provider    string  `mapstructure:"provider" json:"provider"`
	Model       string  `mapstructure:"model" json:"model"`
	Temperature float64 `mapstructure:"temperature" json:"temperature"`
	MaxTokens   int     `mapstructure:"max_tokens" json:"max_tokens,omitempty"`
}

// ToolsConfig lists the tools the engine may use. Empty means all.
type ToolsConfig struct {
	Enabled []string `mapstructure:"enabled" json:"enabled,omitempty"`
}

// Clone returns a deep copy.
func (b BaseConfig) Clone() BaseConfig {
	b.ToolPermissions = maps.Clone(b.ToolPermissions)
	b.Tools.Enabled = slices.Clone(b.Tools.Enabled)
	return b
}

// Defaults returns the hard-coded lowest-priority layer fields.
func Defaults() map[string]any {
	return map[string]any{
		"init": map[string]any{
			"transport":               TransportStdio,
			"socket_path":             "",
			"log_level":               "info",
			"log_format":              "text",
			"max_concurrent_sessions": 10,
			"session_idle_timeout":    "30m",
			"interaction_timeout":     "5m",
			"cancel_grace_period":     "5s",
			"storage_path":            "",
			"metrics_socket":          "",
		},
		"base": map[string]any{
			"model": map[string]any{
				"provider":    "openai",
				"model":       "gpt-4o",
				"temperature": 0.01,
				"max_tokens":  0,
			},
			"tools": map[string]any{
				"enabled": []any{},
			},
		},
	}
}

// Validate checks both subsets and reports every problem at once.
func (s *Settings) Validate() error {
	var result *multierror.Error
	result = multierror.Append(result, s.Init.validate()...)
	if err := s.Base.Validate(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

func (c *InitConfig) validate() []error {
	var errs []error

	switch c.Transport {
	case TransportStdio:
	case TransportSocket:
		if c.SocketPath == "" {
			errs = append(errs, fmt.Errorf("init.socket_path is required when transport is %q", TransportSocket))
		}
	default:
		errs = append(errs, fmt.Errorf("init.transport %q is not one of stdio, socket", c.Transport))
	}

	if !slices.Contains(validLogLevels, c.LogLevel) {
		errs = append(errs, fmt.Errorf("init.log_level %q is not one of %v", c.LogLevel, validLogLevels))
	}
	if !slices.Contains(validLogFormats, c.LogFormat) {
		errs = append(errs, fmt.Errorf("init.log_format %q is not one of %v", c.LogFormat, validLogFormats))
	}
	if c.MaxConcurrentSessions < 1 || c.MaxConcurrentSessions > MaxSessionCeiling {
		errs = append(errs, fmt.Errorf("init.max_concurrent_sessions %d is outside 1..%d", c.MaxConcurrentSessions, MaxSessionCeiling))
	}
	if c.SessionIdleTimeout <= 0 {
		errs = append(errs, fmt.Errorf("init.session_idle_timeout must be positive"))
	}
	if c.InteractionTimeout <= 0 {
		errs = append(errs, fmt.Errorf("init.interaction_timeout must be positive"))
	}
	if c.CancelGracePeriod <= 0 {
		errs = append(errs, fmt.Errorf("init.cancel_grace_period must be positive"))
	}

	return errs
}

// Validate checks the Base subset on its own, used when it changes at runtime.
func (b *BaseConfig) Validate() error {
	var result *multierror.Error

	if b.Model.Provider == "" {
		result = multierror.Append(result, fmt.Errorf("base.model.provider is required"))
	}
	if b.Model.Model == "" {
		result = multierror.Append(result, fmt.Errorf("base.model.model is required"))
	}
	if b.Model.Temperature < 0 || b.Model.Temperature > 2 {
		result = multierror.Append(result, fmt.Errorf("base.model.temperature %v is outside 0..2", b.Model.Temperature))
	}
	if b.Model.MaxTokens < 0 {
		result = multierror.Append(result, fmt.Errorf("base.model.max_tokens must not be negative"))
	}

	for _, tool := range slices.Sorted(maps.Keys(b.ToolPermissions)) {
		level := b.ToolPermissions[tool]
		if !slices.Contains(validPolicies, level) {
			result = multierror.Append(result, fmt.Errorf("base.tool_permissions[%s] %q is not one of %v", tool, level, validPolicies))
		}
	}

	return result.ErrorOrNil()
}
