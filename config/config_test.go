package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Transport: "stdio",
			HTTPPort:  8080,
		},
		Pool: PoolConfig{
			Capacity:   4,
			TotalCores: 24,
		},
		Sandbox: SandboxConfig{
			Runtime:       "docker",
			OSSFuzzDir:    "/fuzz/oss-fuzz",
			Engine:        "libfuzzer",
			Platform:      "linux/amd64",
			UseBuildCache: true,
		},
		Benchmark: BenchmarkConfig{
			Project:    "libxml2",
			Language:   "c++",
			TargetName: "xml_fuzzer",
			TargetPath: "/src/libxml2/fuzz/xml_fuzzer.cc",
		},
		Logging: LoggingConfig{
			Mode:  "production",
			Level: "info",
		},
	}
}

func TestConfigValidation(t *testing.T) {
	t.Run("ValidConfig", func(t *testing.T) {
		require.NoError(t, validConfig().validate())
	})

	t.Run("InvalidServerTransport", func(t *testing.T) {
		cfg := validConfig()
		cfg.Server.Transport = "grpc"

		err := cfg.validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid server.transport")
	})

	t.Run("NonPositiveCapacity", func(t *testing.T) {
		cfg := validConfig()
		cfg.Pool.Capacity = 0

		err := cfg.validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "pool.capacity must be positive")
	})

	t.Run("NonPositiveTotalCores", func(t *testing.T) {
		cfg := validConfig()
		cfg.Pool.TotalCores = -1

		err := cfg.validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "pool.total_cores must be positive")
	})

	t.Run("UnsupportedRuntime", func(t *testing.T) {
		cfg := validConfig()
		cfg.Sandbox.Runtime = "containerd"

		err := cfg.validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported sandbox.runtime")
	})

	t.Run("PodmanRuntimeAccepted", func(t *testing.T) {
		cfg := validConfig()
		cfg.Sandbox.Runtime = "podman"

		assert.NoError(t, cfg.validate())
	})

	t.Run("MissingOSSFuzzDir", func(t *testing.T) {
		cfg := validConfig()
		cfg.Sandbox.OSSFuzzDir = ""

		err := cfg.validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "oss_fuzz_dir")
	})

	t.Run("MissingBenchmarkProject", func(t *testing.T) {
		cfg := validConfig()
		cfg.Benchmark.Project = ""

		err := cfg.validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "benchmark.project")
	})

	t.Run("MissingTargetName", func(t *testing.T) {
		cfg := validConfig()
		cfg.Benchmark.TargetName = ""

		err := cfg.validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "benchmark.target_name")
	})
}
