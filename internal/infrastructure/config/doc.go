// Package config handles loading and validating LiteLens Core configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables
//   - Validation of required fields
//   - Default value handling
//
// Security Considerations:
//   - The session secret should be passed through LITELENS_JWT_SECRET by the
//     launching shell, never written to the config file
//   - The API binds to loopback by default
//
// Usage:
//
//	cfg, err := config.Load("configs/litelens.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Engine.MaxWindow)
package config
