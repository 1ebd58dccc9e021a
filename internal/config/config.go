// Package config provides configuration types for quota-gate.
//
// Configuration is file based (quota-gate.yaml) with environment overrides.
// Endpoints and tier quotas declared here seed the registry at boot; once a
// state file exists, changes made through the admin API are kept there and
// the YAML endpoints are only added when missing.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/Sentinel-Gate/quotagate/internal/domain/endpoint"
	"github.com/Sentinel-Gate/quotagate/internal/domain/ratelimit"
)

// Config is the top-level configuration for quota-gate.
type Config struct {
	// Server configures the HTTP listener.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Access configures the admission engine.
	Access AccessConfig `yaml:"access" mapstructure:"access"`

	// Endpoints declares the routes known at boot.
	Endpoints []EndpointConfig `yaml:"endpoints" mapstructure:"endpoints" validate:"omitempty,dive"`

	// State configures the persisted registry file.
	State StateConfig `yaml:"state" mapstructure:"state"`

	// AccessLog configures the access-log archive.
	AccessLog AccessLogConfig `yaml:"access_log" mapstructure:"access_log"`

	// Audit configures where the event journal is written.
	Audit AuditConfig `yaml:"audit" mapstructure:"audit"`

	// Admin configures the admin API.
	Admin AdminConfig `yaml:"admin" mapstructure:"admin"`

	// Tracing configures OpenTelemetry spans.
	Tracing TracingConfig `yaml:"tracing" mapstructure:"tracing"`

	// DevMode enables development features (verbose logging, sample endpoints).
	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	// HTTPAddr is the address to listen on (e.g., "127.0.0.1:8080").
	// Defaults to "127.0.0.1:8080" if empty.
	HTTPAddr string `yaml:"http_addr" mapstructure:"http_addr" validate:"omitempty,hostname_port"`

	// LogLevel sets the minimum log level.
	// Valid values: "debug", "info", "warn", "error". DevMode=true overrides to "debug".
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`

	// ShutdownTimeout bounds graceful shutdown (e.g., "10s").
	ShutdownTimeout string `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" validate:"omitempty,duration"`
}

// AccessConfig configures the admission engine.
type AccessConfig struct {
	// RegistryID names the registry in events. Generated when empty.
	RegistryID string `yaml:"registry_id" mapstructure:"registry_id"`

	// Shards is the number of independently locked registry shards.
	// Actors are routed to a shard by hash. Defaults to 1.
	Shards int `yaml:"shards" mapstructure:"shards" validate:"omitempty,min=1,max=1024"`

	// WindowPolicy is "sliding" (default) or "fixed".
	WindowPolicy string `yaml:"window_policy" mapstructure:"window_policy" validate:"omitempty,oneof=sliding fixed"`

	// DefaultLimits maps tier names (TIER1..TIER3) to quotas.
	DefaultLimits map[string]LimitConfig `yaml:"default_limits" mapstructure:"default_limits" validate:"omitempty,dive,keys,tier_name,endkeys"`

	// Retention is how long access-log entries are kept in memory (e.g., "10m").
	Retention string `yaml:"retention" mapstructure:"retention" validate:"omitempty,duration"`

	// CleanupInterval is how often retention runs (e.g., "1m").
	CleanupInterval string `yaml:"cleanup_interval" mapstructure:"cleanup_interval" validate:"omitempty,duration"`
}

// LimitConfig is a quota of MaxRequests per WindowSeconds.
type LimitConfig struct {
	MaxRequests   int `yaml:"max_requests" mapstructure:"max_requests" validate:"required,min=1"`
	WindowSeconds int `yaml:"window_seconds" mapstructure:"window_seconds" validate:"required,min=1"`
}

// Spec converts the config to the domain quota spec.
func (l LimitConfig) Spec() ratelimit.LimitSpec {
	return ratelimit.LimitSpec{MaxRequests: l.MaxRequests, WindowSeconds: l.WindowSeconds}
}

// EndpointConfig declares one endpoint.
type EndpointConfig struct {
	// Path is the route pattern; supports "*" and ":name" segments.
	Path string `yaml:"path" mapstructure:"path" validate:"required,endpoint_path"`

	// Verb is the HTTP method.
	Verb string `yaml:"verb" mapstructure:"verb" validate:"required,http_verb"`

	// Visibility is one of public, protected, internal, admin.
	Visibility string `yaml:"visibility" mapstructure:"visibility" validate:"required,oneof=public protected internal admin"`

	Description string `yaml:"description,omitempty" mapstructure:"description"`

	// Active defaults to true when omitted.
	Active *bool `yaml:"active,omitempty" mapstructure:"active"`

	// RateLimit overrides the tier defaults for this endpoint.
	RateLimit *LimitConfig `yaml:"rate_limit,omitempty" mapstructure:"rate_limit" validate:"omitempty"`
}

// Descriptor converts the config to an endpoint descriptor.
func (e EndpointConfig) Descriptor() endpoint.Descriptor {
	d := endpoint.Descriptor{
		Path:        e.Path,
		Verb:        e.Verb,
		Visibility:  endpoint.Visibility(e.Visibility),
		Description: e.Description,
		Active:      e.Active == nil || *e.Active,
	}
	if e.RateLimit != nil {
		spec := e.RateLimit.Spec()
		d.RateLimit = &spec
	}
	return d
}

// StateConfig configures the state file.
type StateConfig struct {
	// Backend is "file" (default) or "memory". The memory backend keeps
	// runtime endpoint changes until the process exits.
	Backend string `yaml:"backend" mapstructure:"backend" validate:"omitempty,oneof=file memory"`

	// Path of the JSON state file. Defaults to "./state.json".
	Path string `yaml:"path" mapstructure:"path"`
}

// AccessLogConfig configures the access-log archive.
type AccessLogConfig struct {
	// Backend is "memory" (default), "sqlite" or "redis".
	Backend string `yaml:"backend" mapstructure:"backend" validate:"omitempty,oneof=memory sqlite redis"`

	// SQLitePath is the database file for the sqlite backend.
	SQLitePath string `yaml:"sqlite_path" mapstructure:"sqlite_path"`

	// Redis configures the redis backend.
	Redis RedisConfig `yaml:"redis" mapstructure:"redis"`

	// Retention is how long archived entries are kept (e.g., "24h").
	Retention string `yaml:"retention" mapstructure:"retention" validate:"omitempty,duration"`

	// CleanupInterval is how often archive retention runs.
	CleanupInterval string `yaml:"cleanup_interval" mapstructure:"cleanup_interval" validate:"omitempty,duration"`

	// QueueSize buffers entries between admission and the backend
	// (default 4096). Entries arriving at a full queue are dropped.
	QueueSize int `yaml:"queue_size" mapstructure:"queue_size" validate:"omitempty,min=1"`
}

// RedisConfig configures the redis connection.
type RedisConfig struct {
	Addr      string `yaml:"addr" mapstructure:"addr" validate:"omitempty,hostname_port"`
	Password  string `yaml:"password" mapstructure:"password"`
	DB        int    `yaml:"db" mapstructure:"db" validate:"omitempty,min=0"`
	KeyPrefix string `yaml:"key_prefix" mapstructure:"key_prefix"`
}

// AuditConfig configures the event journal.
type AuditConfig struct {
	// Output specifies where audit records are written.
	// Valid values: "stdout", "none", "file:///absolute/path/to/audit.log" or
	// "dir:///absolute/path/to/audit" for daily rotated journal files.
	Output string `yaml:"output" mapstructure:"output" validate:"required,audit_output"`

	// ChannelSize is the buffer size for the audit channel. Defaults to 1000.
	ChannelSize int `yaml:"channel_size" mapstructure:"channel_size" validate:"omitempty,min=1"`

	// BatchSize is the number of records to batch before writing. Defaults to 100.
	BatchSize int `yaml:"batch_size" mapstructure:"batch_size" validate:"omitempty,min=1"`

	// FlushInterval is how often to flush pending records (e.g., "1s").
	FlushInterval string `yaml:"flush_interval" mapstructure:"flush_interval" validate:"omitempty,duration"`

	// SendTimeout is how long to block when the channel is full.
	// "0" drops immediately.
	SendTimeout string `yaml:"send_timeout" mapstructure:"send_timeout" validate:"omitempty,duration"`

	// WarningThreshold is the channel fill percentage (0-100) that triggers
	// a warning. 0 disables warnings. Defaults to 80.
	WarningThreshold int `yaml:"warning_threshold" mapstructure:"warning_threshold" validate:"omitempty,min=0,max=100"`

	// BufferSize is the number of recent records kept for the admin API.
	BufferSize int `yaml:"buffer_size" mapstructure:"buffer_size" validate:"omitempty,min=1"`

	// RetentionDays is how long rotated journal files are kept (dir:// only).
	RetentionDays int `yaml:"retention_days" mapstructure:"retention_days" validate:"omitempty,min=1"`

	// MaxFileSizeMB rotates the journal file once it reaches this size (dir:// only).
	MaxFileSizeMB int `yaml:"max_file_size_mb" mapstructure:"max_file_size_mb" validate:"omitempty,min=1"`
}

// AdminConfig configures the admin API.
type AdminConfig struct {
	// Enabled mounts /admin/api. Defaults to true.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// APIKeyHash is the argon2id PHC hash of the admin key
	// (generate with "quota-gate hash-key"). When empty, only
	// localhost clients may use the admin API.
	APIKeyHash string `yaml:"api_key_hash" mapstructure:"api_key_hash" validate:"omitempty,startswith=$argon2id$"`

	// RatePerMinute bounds admin requests per client IP. Defaults to 120.
	RatePerMinute int `yaml:"rate_per_minute" mapstructure:"rate_per_minute" validate:"omitempty,min=1"`
}

// TracingConfig configures OpenTelemetry.
type TracingConfig struct {
	// Enabled exports spans to stdout.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
}

// SetDevDefaults applies permissive defaults for development mode.
// These defaults are applied BEFORE validation.
func (c *Config) SetDevDefaults() {
	if !c.DevMode {
		return
	}

	// Sample endpoints so the gateway is usable with an empty config.
	if len(c.Endpoints) == 0 {
		c.Endpoints = []EndpointConfig{
			{Path: "/health", Verb: "GET", Visibility: "public", Description: "liveness"},
			{Path: "/api/users/:id", Verb: "GET", Visibility: "protected", Description: "read a user"},
			{Path: "/api/reports/*", Verb: "POST", Visibility: "internal", Description: "generate a report"},
		}
	}

	if c.Audit.Output == "" {
		c.Audit.Output = "stdout"
	}
}

// SetDefaults applies default values to the configuration.
func (c *Config) SetDefaults() {
	// Bind to localhost only unless configured otherwise.
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "127.0.0.1:8080"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Server.ShutdownTimeout == "" {
		c.Server.ShutdownTimeout = "10s"
	}
	if c.State.Backend == "" {
		c.State.Backend = "file"
	}

	// Access defaults
	if c.Access.Shards == 0 {
		c.Access.Shards = 1
	}
	if c.Access.WindowPolicy == "" {
		c.Access.WindowPolicy = string(ratelimit.DefaultWindowPolicy)
	}
	if len(c.Access.DefaultLimits) == 0 {
		c.Access.DefaultLimits = make(map[string]LimitConfig)
		for tier, l := range ratelimit.DefaultTierLimits() {
			c.Access.DefaultLimits[string(tier)] = LimitConfig{MaxRequests: l.MaxRequests, WindowSeconds: l.WindowSeconds()}
		}
	}
	if c.Access.Retention == "" {
		c.Access.Retention = "10m"
	}
	if c.Access.CleanupInterval == "" {
		c.Access.CleanupInterval = "1m"
	}

	if c.State.Path == "" {
		c.State.Path = "./state.json"
	}

	// Access log defaults
	if c.AccessLog.Backend == "" {
		c.AccessLog.Backend = "memory"
	}
	if c.AccessLog.SQLitePath == "" {
		c.AccessLog.SQLitePath = "./access-log.db"
	}
	if c.AccessLog.Redis.Addr == "" {
		c.AccessLog.Redis.Addr = "127.0.0.1:6379"
	}
	if c.AccessLog.Redis.KeyPrefix == "" {
		c.AccessLog.Redis.KeyPrefix = "quota-gate:"
	}
	if c.AccessLog.Retention == "" {
		c.AccessLog.Retention = "24h"
	}
	if c.AccessLog.QueueSize == 0 {
		c.AccessLog.QueueSize = 4096
	}
	if c.AccessLog.CleanupInterval == "" {
		c.AccessLog.CleanupInterval = "5m"
	}

	// Audit defaults
	if c.Audit.Output == "" {
		c.Audit.Output = "stdout"
	}
	if c.Audit.ChannelSize == 0 {
		c.Audit.ChannelSize = 1000
	}
	if c.Audit.BatchSize == 0 {
		c.Audit.BatchSize = 100
	}
	if c.Audit.FlushInterval == "" {
		c.Audit.FlushInterval = "1s"
	}
	if c.Audit.SendTimeout == "" {
		c.Audit.SendTimeout = "100ms"
	}
	if c.Audit.WarningThreshold == 0 {
		c.Audit.WarningThreshold = 80
	}
	if c.Audit.BufferSize == 0 {
		c.Audit.BufferSize = 1000
	}
	if c.Audit.RetentionDays == 0 {
		c.Audit.RetentionDays = 7
	}
	if c.Audit.MaxFileSizeMB == 0 {
		c.Audit.MaxFileSizeMB = 100
	}

	// Admin API is on by default.
	// viper.IsSet distinguishes "not set" (zero value) from "explicitly false".
	if !viper.IsSet("admin.enabled") {
		c.Admin.Enabled = true
	}
	if c.Admin.RatePerMinute == 0 {
		c.Admin.RatePerMinute = 120
	}
}

// DefaultLimitSpecs returns the configured tier quotas keyed by tier.
func (c *Config) DefaultLimitSpecs() (map[ratelimit.Tier]ratelimit.Limit, error) {
	out := make(map[ratelimit.Tier]ratelimit.Limit, len(c.Access.DefaultLimits))
	for name, lc := range c.Access.DefaultLimits {
		tier, err := ratelimit.ParseTier(name)
		if err != nil || !tier.Known() {
			return nil, fmt.Errorf("access.default_limits: unknown tier %q", name)
		}
		l, err := lc.Spec().Limit()
		if err != nil {
			return nil, fmt.Errorf("access.default_limits[%s]: %w", name, err)
		}
		out[tier] = l
	}
	return out, nil
}

// Descriptors returns the configured endpoints in declaration order.
func (c *Config) Descriptors() []endpoint.Descriptor {
	out := make([]endpoint.Descriptor, 0, len(c.Endpoints))
	for _, e := range c.Endpoints {
		out = append(out, e.Descriptor())
	}
	return out
}

// ParseDuration parses a duration setting, returning def when s is empty.
func ParseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
