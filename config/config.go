package config

import (
	"fmt"
	"runtime"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Pool      PoolConfig      `mapstructure:"pool"`
	Sandbox   SandboxConfig   `mapstructure:"sandbox"`
	Benchmark BenchmarkConfig `mapstructure:"benchmark"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Transport string `mapstructure:"transport"`
	HTTPPort  int    `mapstructure:"http_port"`
}

// PoolConfig holds the pool geometry
type PoolConfig struct {
	Capacity   int `mapstructure:"capacity"`
	TotalCores int `mapstructure:"total_cores"`
}

// SandboxConfig holds the host environment the sandboxes run against
type SandboxConfig struct {
	Runtime       string `mapstructure:"runtime"`
	OSSFuzzDir    string `mapstructure:"oss_fuzz_dir"`
	Engine        string `mapstructure:"engine"`
	Platform      string `mapstructure:"platform"`
	UseBuildCache bool   `mapstructure:"use_build_cache"`
}

// BenchmarkConfig identifies the project and fuzz target under test
type BenchmarkConfig struct {
	Project    string `mapstructure:"project"`
	Language   string `mapstructure:"language"`
	TargetName string `mapstructure:"target_name"`
	TargetPath string `mapstructure:"target_path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

// New loads and validates the application configuration
func New() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Set default values
	viper.SetDefault("server.transport", "stdio")
	viper.SetDefault("server.http_port", 8080)
	viper.SetDefault("pool.capacity", 4)
	viper.SetDefault("pool.total_cores", runtime.NumCPU())
	viper.SetDefault("sandbox.runtime", "docker")
	viper.SetDefault("sandbox.oss_fuzz_dir", "./oss-fuzz")
	viper.SetDefault("sandbox.engine", "libfuzzer")
	viper.SetDefault("sandbox.platform", "linux/amd64")
	viper.SetDefault("sandbox.use_build_cache", true)
	viper.SetDefault("logging.mode", "production")
	viper.SetDefault("logging.level", "info")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, continue with defaults
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Validate configuration
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

// validate ensures the configuration is valid
func (c *Config) validate() error {
	if c.Server.Transport != "stdio" && c.Server.Transport != "http" {
		return fmt.Errorf("invalid server.transport: %s, must be 'stdio' or 'http'", c.Server.Transport)
	}

	if c.Pool.Capacity <= 0 {
		return fmt.Errorf("pool.capacity must be positive, got: %d", c.Pool.Capacity)
	}

	if c.Pool.TotalCores <= 0 {
		return fmt.Errorf("pool.total_cores must be positive, got: %d", c.Pool.TotalCores)
	}

	if c.Sandbox.Runtime != "docker" && c.Sandbox.Runtime != "podman" {
		return fmt.Errorf("unsupported sandbox.runtime: %s, must be 'docker' or 'podman'", c.Sandbox.Runtime)
	}

	if c.Sandbox.OSSFuzzDir == "" {
		return fmt.Errorf("sandbox.oss_fuzz_dir must not be empty")
	}

	if c.Benchmark.Project == "" {
		return fmt.Errorf("benchmark.project must not be empty")
	}

	if c.Benchmark.TargetName == "" {
		return fmt.Errorf("benchmark.target_name must not be empty")
	}

	return nil
}
