// Package httpserver provides the admin REST surface of a raftlog node:
// health, node and partition status, leadership and compaction controls, a
// paged view of each partition log and key lookups against the key index.
//
// Example:
//
//	rt, _ := runtime.Open(runtime.Options{Config: config.Default()})
//	s := httpserver.New(rt, logger, "dev")
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	_ = s.ListenAndServe(ctx, ":7080")
package httpserver
