package grpctransport

import (
	"bytes"
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc/test/bufconn"

	"github.com/rzbill/raftlog/internal/transport"
	logpkg "github.com/rzbill/raftlog/pkg/log"
)

type echoHandler struct{}

func (echoHandler) HandleVote(_ context.Context, req *transport.VoteRequest) (*transport.VoteResponse, error) {
	return &transport.VoteResponse{Term: req.Term, Granted: req.LastLogIndex >= 10}, nil
}

func (echoHandler) HandleAppend(_ context.Context, req *transport.AppendRequest) (*transport.AppendResponse, error) {
	return &transport.AppendResponse{Term: req.Term, Success: true, LastLogIndex: req.PrevLogIndex + uint64(len(req.Entries))}, nil
}

func (echoHandler) HandleInstallSnapshot(_ context.Context, req *transport.InstallSnapshotRequest) (*transport.InstallSnapshotResponse, error) {
	return &transport.InstallSnapshotResponse{Term: req.Term, Success: len(req.Data) > 0}, nil
}

func TestCodecAppendRequest(t *testing.T) {
	in := &appendRequest{transport.AppendRequest{
		Partition: 3, Term: 7, LeaderID: 2, PrevLogIndex: 41, PrevLogTerm: 6, LeaderCommit: 40,
		Entries: []transport.Entry{{Term: 7, Data: []byte("a")}, {Term: 7, Data: []byte("bc")}, {Term: 7}},
	}}
	b, err := codec{}.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	out := new(appendRequest)
	if err := (codec{}).Unmarshal(b, out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Partition != 3 || out.Term != 7 || out.LeaderID != 2 || out.PrevLogIndex != 41 || out.PrevLogTerm != 6 || out.LeaderCommit != 40 {
		t.Fatalf("header mismatch: %+v", out.AppendRequest)
	}
	if len(out.Entries) != 3 || !bytes.Equal(out.Entries[1].Data, []byte("bc")) || len(out.Entries[2].Data) != 0 {
		t.Fatalf("entries mismatch: %+v", out.Entries)
	}
}

func TestCodecRejectsForeignTypes(t *testing.T) {
	if _, err := (codec{}).Marshal("nope"); err == nil {
		t.Fatalf("expected marshal error")
	}
	if err := (codec{}).Unmarshal([]byte{0xff}, new(voteRequest)); err == nil {
		t.Fatalf("expected parse error for truncated tag")
	}
}

func TestRoundTripOverBufconn(t *testing.T) {
	lis := bufconn.Listen(1 << 20)
	mux := transport.NewMux()
	mux.Register(1, echoHandler{})
	srv := NewServer(mux, logpkg.NewNopLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = srv.Serve(ctx, lis) }()

	cli := NewClient(map[transport.NodeID]string{2: "bufnet"},
		WithDialer(func(context.Context, string) (net.Conn, error) { return lis.Dial() }))
	defer cli.Close()

	callCtx, callCancel := context.WithTimeout(ctx, 5*time.Second)
	defer callCancel()

	vr, err := cli.Vote(callCtx, 2, &transport.VoteRequest{Partition: 1, Term: 4, CandidateID: 1, LastLogIndex: 12})
	if err != nil {
		t.Fatalf("vote: %v", err)
	}
	if vr.Term != 4 || !vr.Granted {
		t.Fatalf("vote response: %+v", vr)
	}

	ar, err := cli.Append(callCtx, 2, &transport.AppendRequest{Partition: 1, Term: 4, PrevLogIndex: 5,
		Entries: []transport.Entry{{Term: 4, Data: []byte("x")}, {Term: 4, Data: []byte("y")}}})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if !ar.Success || ar.LastLogIndex != 7 {
		t.Fatalf("append response: %+v", ar)
	}

	sr, err := cli.InstallSnapshot(callCtx, 2, &transport.InstallSnapshotRequest{Partition: 1, Term: 4, Index: 9, Data: []byte("snap")})
	if err != nil {
		t.Fatalf("install: %v", err)
	}
	if !sr.Success {
		t.Fatalf("install response: %+v", sr)
	}

	if _, err := cli.Vote(callCtx, 2, &transport.VoteRequest{Partition: 9, Term: 1}); err == nil {
		t.Fatalf("expected error for unknown partition")
	}
	if _, err := cli.Vote(callCtx, 5, &transport.VoteRequest{Partition: 1}); !errors.Is(err, transport.ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable for unknown member, got %v", err)
	}
}
