package memnet

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rzbill/raftlog/internal/transport"
)

type echo struct {
	appends atomic.Int32
	last    atomic.Pointer[transport.AppendRequest]
}

func (e *echo) HandleVote(ctx context.Context, req *transport.VoteRequest) (*transport.VoteResponse, error) {
	return &transport.VoteResponse{Term: req.Term, Granted: true}, nil
}

func (e *echo) HandleAppend(ctx context.Context, req *transport.AppendRequest) (*transport.AppendResponse, error) {
	e.appends.Add(1)
	e.last.Store(req)
	return &transport.AppendResponse{Term: req.Term, Success: true}, nil
}

func (e *echo) HandleInstallSnapshot(ctx context.Context, req *transport.InstallSnapshotRequest) (*transport.InstallSnapshotResponse, error) {
	return &transport.InstallSnapshotResponse{Term: req.Term}, nil
}

func TestDeliversAndCopies(t *testing.T) {
	net := New(1)
	a := net.Join(1, &echo{})
	b := &echo{}
	net.Join(2, b)

	data := []byte("payload")
	req := &transport.AppendRequest{Term: 3, Entries: []transport.Entry{{Term: 3, Data: data}}}
	resp, err := a.Append(context.Background(), 2, req)
	if err != nil || !resp.Success || resp.Term != 3 {
		t.Fatalf("append = %+v, %v", resp, err)
	}
	data[0] = 'X'
	if got := string(b.last.Load().Entries[0].Data); got != "payload" {
		t.Fatalf("receiver shares sender memory: %q", got)
	}
}

func TestPartitionAndHeal(t *testing.T) {
	net := New(1)
	a := net.Join(1, &echo{})
	net.Join(2, &echo{})
	net.Join(3, &echo{})

	net.Isolate(1)
	if _, err := a.Vote(context.Background(), 2, &transport.VoteRequest{Term: 1}); !errors.Is(err, transport.ErrUnreachable) {
		t.Fatalf("isolated vote err = %v", err)
	}
	net.Heal()
	if _, err := a.Vote(context.Background(), 2, &transport.VoteRequest{Term: 1}); err != nil {
		t.Fatalf("healed vote: %v", err)
	}
	net.Disconnect(1, 3)
	if _, err := a.Vote(context.Background(), 3, &transport.VoteRequest{Term: 1}); !errors.Is(err, transport.ErrUnreachable) {
		t.Fatalf("disconnected vote err = %v", err)
	}
	net.Leave(2)
	if _, err := a.Vote(context.Background(), 2, &transport.VoteRequest{Term: 1}); !errors.Is(err, transport.ErrUnreachable) {
		t.Fatalf("vote to departed node err = %v", err)
	}
}

func TestDropAndDelay(t *testing.T) {
	net := New(1)
	a := net.Join(1, &echo{})
	b := &echo{}
	net.Join(2, b)

	net.SetDropRate(1)
	if _, err := a.Append(context.Background(), 2, &transport.AppendRequest{}); !errors.Is(err, transport.ErrUnreachable) {
		t.Fatalf("dropped append err = %v", err)
	}
	if b.appends.Load() != 0 {
		t.Fatal("dropped message was delivered")
	}

	net.SetDropRate(0)
	net.SetDelay(time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := a.Append(ctx, 2, &transport.AppendRequest{}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("delayed append err = %v", err)
	}
}
