// Package grpctransport carries raft RPCs between nodes over gRPC.
//
// The service is declared by hand and messages are encoded with protowire,
// so no generated code is involved:
//
//	mux := transport.NewMux()
//	mux.Register(1, node)
//	srv := grpctransport.NewServer(mux, logger)
//	go srv.ListenAndServe(ctx, ":7070")
//
//	cli := grpctransport.NewClient(map[transport.NodeID]string{2: "10.0.0.2:7070"})
//	resp, err := cli.Append(ctx, 2, req)
package grpctransport
