// Package config provides loading, environment overlay, and hot reload for
// relay configuration. It exposes a Default() baseline, a JSON Load, and a
// Manager whose Get() returns the live snapshot for settings that may change
// at runtime.
//
// Example:
//
//	cfg, err := config.Load("/etc/relay.json")
//	if err != nil {
//	    cfg = config.Default()
//	}
//	config.FromEnv(&cfg)
//	mgr := config.NewManager("/etc/relay.json", cfg, logger)
//	go mgr.Watch(ctx)
//	// components call mgr.Get() at point of use
package config
