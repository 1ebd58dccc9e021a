package config

import (
	"strings"
	"testing"
)

// minimalValidConfig returns a minimal valid Config for testing.
func minimalValidConfig() *Config {
	return &Config{
		Access: AccessConfig{
			WindowPolicy:  "sliding",
			DefaultLimits: map[string]LimitConfig{"TIER1": {MaxRequests: 60, WindowSeconds: 60}},
		},
		Endpoints: []EndpointConfig{
			{Path: "/api/users/:id", Verb: "GET", Visibility: "protected"},
			{Path: "/api/items/*", Verb: "POST", Visibility: "internal", RateLimit: &LimitConfig{MaxRequests: 5, WindowSeconds: 10}},
		},
		Audit: AuditConfig{Output: "stdout"},
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() unexpected error: %v", err)
	}
}

func TestValidate_Rejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantSub string
	}{
		{
			name:    "relative audit file",
			mutate:  func(c *Config) { c.Audit.Output = "file://relative/audit.log" },
			wantSub: "Audit.Output",
		},
		{
			name:    "relative audit dir",
			mutate:  func(c *Config) { c.Audit.Output = "dir://audit" },
			wantSub: "Audit.Output",
		},
		{
			name:    "unknown audit output",
			mutate:  func(c *Config) { c.Audit.Output = "syslog" },
			wantSub: "Audit.Output",
		},
		{
			name:    "endpoint path without slash",
			mutate:  func(c *Config) { c.Endpoints[0].Path = "api/users" },
			wantSub: "Endpoints[0].Path",
		},
		{
			name:    "endpoint path with bad characters",
			mutate:  func(c *Config) { c.Endpoints[0].Path = "/api/users?id=1" },
			wantSub: "Endpoints[0].Path",
		},
		{
			name:    "unknown verb",
			mutate:  func(c *Config) { c.Endpoints[1].Verb = "BREW" },
			wantSub: "Endpoints[1].Verb",
		},
		{
			name:    "unknown visibility",
			mutate:  func(c *Config) { c.Endpoints[0].Visibility = "secret" },
			wantSub: "Endpoints[0].Visibility",
		},
		{
			name:    "zero endpoint quota",
			mutate:  func(c *Config) { c.Endpoints[1].RateLimit.MaxRequests = 0 },
			wantSub: "MaxRequests",
		},
		{
			name:    "unknown tier",
			mutate:  func(c *Config) { c.Access.DefaultLimits["GOLD"] = LimitConfig{MaxRequests: 1, WindowSeconds: 1} },
			wantSub: "TIER1 TIER2 TIER3",
		},
		{
			name:    "unknown window policy",
			mutate:  func(c *Config) { c.Access.WindowPolicy = "rolling" },
			wantSub: "Access.WindowPolicy",
		},
		{
			name:    "bad retention",
			mutate:  func(c *Config) { c.Access.Retention = "ten minutes" },
			wantSub: "Access.Retention",
		},
		{
			name:    "unknown backend",
			mutate:  func(c *Config) { c.AccessLog.Backend = "postgres" },
			wantSub: "AccessLog.Backend",
		},
		{
			name:    "sqlite without path",
			mutate:  func(c *Config) { c.AccessLog.Backend = "sqlite" },
			wantSub: "sqlite_path",
		},
		{
			name:    "plaintext admin key",
			mutate:  func(c *Config) { c.Admin.APIKeyHash = "secret" },
			wantSub: "Admin.APIKeyHash",
		},
		{
			name: "duplicate endpoint after normalization",
			mutate: func(c *Config) {
				c.Endpoints = append(c.Endpoints, EndpointConfig{Path: "/api//users/:id/", Verb: "get", Visibility: "public"})
			},
			wantSub: "duplicate",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := minimalValidConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("error = %q, want to contain %q", err.Error(), tt.wantSub)
			}
		})
	}
}

func TestValidate_ValidAuditOutputs(t *testing.T) {
	t.Parallel()

	for _, out := range []string{"stdout", "none", "file:///var/log/audit.log", "dir:///var/log/quota-gate"} {
		cfg := minimalValidConfig()
		cfg.Audit.Output = out
		if err := cfg.Validate(); err != nil {
			t.Errorf("Validate() with %q unexpected error: %v", out, err)
		}
	}
}

func TestValidate_LowercaseTierKeys(t *testing.T) {
	t.Parallel()

	// Viper lower-cases map keys when unmarshalling.
	cfg := minimalValidConfig()
	cfg.Access.DefaultLimits = map[string]LimitConfig{"tier2": {MaxRequests: 10, WindowSeconds: 60}}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() unexpected error: %v", err)
	}
	limits, err := cfg.DefaultLimitSpecs()
	if err != nil {
		t.Fatalf("DefaultLimitSpecs() error: %v", err)
	}
	if len(limits) != 1 {
		t.Errorf("limits = %v, want one entry", limits)
	}
}

func TestValidate_ArgonAdminKey(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.Admin.APIKeyHash = "$argon2id$v=19$m=65536,t=1,p=2$c2FsdA$aGFzaA"
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() unexpected error: %v", err)
	}
}

func TestValidate_ZeroConfig(t *testing.T) {
	t.Parallel()

	// Zero config fails: audit output is required.
	cfg := &Config{}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error for zero config, got nil")
	}
	if !strings.Contains(err.Error(), "Audit.Output") {
		t.Errorf("error = %q, want to mention Audit.Output", err.Error())
	}

	// After SetDefaults the zero config is valid.
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() after SetDefaults unexpected error: %v", err)
	}
}
