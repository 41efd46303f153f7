// Package config provides application configuration management.
//
// The config package handles loading and validation of the application's
// configuration from YAML files. It covers the pool geometry (capacity
// and total core budget), the host environment the sandboxes run
// against (container runtime, OSS-Fuzz checkout, fuzzing engine), the
// benchmark under test and the server transport.
//
// Usage:
//
//	cfg, err := config.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("Pool capacity: %d\n", cfg.Pool.Capacity)
package config
