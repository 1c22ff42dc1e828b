// Package config loads typed configuration from environment variables.
//
// It wraps github.com/joho/godotenv and github.com/caarlos0/env/v11:
//
//   - the default .env file is read on first use when present;
//   - LoadEnv reads additional .env files explicitly;
//   - Load parses the environment into a tagged struct and caches the result
//     per type, so repeated calls are cheap;
//   - LoadPrefixed does the same with a key prefix, caching per (type, prefix),
//     which lets one struct describe several instances such as per-provider
//     webhook secrets.
//
// Usage:
//
//	type StoreConfig struct {
//	    Backend string `env:"BILLING_STORE,required"`
//	}
//
//	var cfg StoreConfig
//	if err := config.Load(&cfg); err != nil {
//	    return err
//	}
//
//	var stripeSecrets billing.SourceConfig
//	if err := config.LoadPrefixed(&stripeSecrets, "STRIPE_"); err != nil {
//	    return err
//	}
//
// A failed parse is not cached; fixing the environment and calling Load again
// retries. ResetCache clears everything and is meant for tests.
package config
