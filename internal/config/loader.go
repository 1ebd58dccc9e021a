package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"
)

const (
	configBaseName = "quota-gate"
	envPrefix      = "QUOTA_GATE"
)

// envKeys are the scalar keys that QUOTA_GATE_* variables may override, for
// example QUOTA_GATE_ACCESS_WINDOW_POLICY for access.window_policy. Lists
// and maps (endpoints, access.default_limits) come from the file only.
var envKeys = []string{
	"server.http_addr",
	"server.log_level",
	"server.shutdown_timeout",

	"access.registry_id",
	"access.shards",
	"access.window_policy",
	"access.retention",
	"access.cleanup_interval",

	"state.backend",
	"state.path",

	"access_log.backend",
	"access_log.sqlite_path",
	"access_log.redis.addr",
	"access_log.redis.password",
	"access_log.redis.db",
	"access_log.redis.key_prefix",
	"access_log.retention",
	"access_log.cleanup_interval",
	"access_log.queue_size",

	"audit.output",
	"audit.channel_size",
	"audit.batch_size",
	"audit.flush_interval",
	"audit.retention_days",
	"audit.max_file_size_mb",

	"admin.enabled",
	"admin.api_key_hash",
	"admin.rate_per_minute",

	"tracing.enabled",
	"dev_mode",
}

// InitViper points Viper at configFile, or at the first quota-gate.yaml or
// quota-gate.yml found in the search directories, and enables QUOTA_GATE_*
// environment overrides.
func InitViper(configFile string) {
	if configFile == "" {
		configFile = findConfigFileInPaths(searchDirs())
	}
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		// No search paths: ReadInConfig reports ConfigFileNotFoundError,
		// which LoadConfigRaw tolerates.
		viper.SetConfigName(configBaseName)
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
	for _, key := range envKeys {
		_ = viper.BindEnv(key)
	}
}

// searchDirs lists the working directory, ~/.quota-gate and the system
// config directory.
func searchDirs() []string {
	dirs := []string{"."}
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(home, ".quota-gate"))
	}
	if runtime.GOOS != "windows" {
		return append(dirs, "/etc/quota-gate")
	}
	if pd := os.Getenv("ProgramData"); pd != "" {
		dirs = append(dirs, filepath.Join(pd, "quota-gate"))
	}
	return dirs
}

// findConfigFileInPaths returns the first quota-gate.yaml or .yml in dirs.
// The extension is required so the quota-gate binary itself never matches.
func findConfigFileInPaths(dirs []string) string {
	for _, dir := range dirs {
		for _, ext := range []string{".yaml", ".yml"} {
			p := filepath.Join(dir, configBaseName+ext)
			if _, err := os.Stat(p); err == nil {
				return p
			}
		}
	}
	return ""
}

// LoadConfigRaw reads the file and environment and applies defaults. It does
// not apply dev defaults or validate, so CLI flags such as --dev can still
// change the result; callers finish with SetDevDefaults and Validate.
func LoadConfigRaw() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.SetDefaults()
	return &cfg, nil
}

// ConfigFileUsed returns the loaded file, or "" when running on environment
// variables alone.
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
