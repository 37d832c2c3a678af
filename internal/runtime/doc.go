// Package runtime wires storage, consensus and state machines into a single
// raftlog node. One pebble database holds the log of every partition; each
// partition gets its own raft group, log stream, snapshot directory and
// state machine manager.
//
// Example:
//
//	cfg := config.Default()
//	rt, _ := runtime.Open(runtime.Options{Config: cfg})
//	defer rt.Close()
//	p, _ := rt.Partition(1)
//	pos, _ := p.Stream.NewWriter().Write(ctx, logstream.Batch{Records: recs}).Wait(ctx)
//	// Serve peers
//	srv := grpctransport.NewServer(rt.Handler(), logger)
//	_ = srv.ListenAndServe(ctx, cfg.GRPCAddr)
package runtime
