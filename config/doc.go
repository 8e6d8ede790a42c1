// Package config provides application configuration management.
//
// The config package loads the orchestrator's configuration from an optional
// config.yaml (searched in . and ./config), applies CODUS_-prefixed
// environment overrides and validates the result. It covers the submission
// transport, sandbox limits and backend selection, logging, the job archive
// and the per-language image layout.
//
// Usage:
//
//	cfg, err := config.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	java, _, _ := cfg.Language("java")
//	fmt.Printf("Image: %s, timeout: %s\n", java.Image, cfg.GetTimeout())
package config
