// Package config provides configuration management for the dagrun engine.
//
// Configuration is loaded from environment variables using the env package.
// All configuration values have sensible defaults for development use: an
// in-memory store and event bus, eight workers and an 8 cpu / 16 GiB
// capacity.
//
// Example usage:
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	fmt.Printf("HTTP server will listen on %s\n", cfg.GetHTTPAddr())
package config
