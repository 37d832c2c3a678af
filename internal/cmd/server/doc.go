// Package serverrun exposes a shared Run entrypoint used by the CLI to start
// a raftlog node with its gRPC peer transport and HTTP admin API, handling
// lifecycle and shutdown.
//
// Example:
//
//	cfg, _ := config.Load("raftlog.yaml")
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	_ = serverrun.Run(ctx, serverrun.Options{Config: cfg, Version: "dev"})
package serverrun
