// Package config provides loading and environment overlay for raftlog
// server configuration. It exposes a Default() baseline that runs a single
// node with one partition.
//
// Example:
//
//	cfg, err := config.Load("/etc/raftlog.yaml") // .json also works
//	if err != nil {
//	    return err
//	}
//	config.FromEnv(&cfg)
//	if err := cfg.Validate(); err != nil {
//	    return err
//	}
//	rt, _ := runtime.Open(runtime.Options{Config: cfg})
//	defer rt.Close()
package config
