package grpctransport

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/rzbill/raftlog/internal/transport"
)

// Raft messages are encoded as protobuf wire format by hand. Field numbers are
// stable and listed next to each message; unknown fields are skipped so peers
// can add fields without breaking older nodes.

const codecName = "raftlog-proto"

type wireMessage interface {
	marshal() []byte
	unmarshal(b []byte) error
}

// codec plugs wireMessage into gRPC's encoding.Codec.
type codec struct{}

func (codec) Marshal(v any) ([]byte, error) {
	m, ok := v.(wireMessage)
	if !ok {
		return nil, fmt.Errorf("grpctransport: cannot marshal %T", v)
	}
	return m.marshal(), nil
}

func (codec) Unmarshal(data []byte, v any) error {
	m, ok := v.(wireMessage)
	if !ok {
		return fmt.Errorf("grpctransport: cannot unmarshal into %T", v)
	}
	return m.unmarshal(data)
}

func (codec) Name() string { return codecName }

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	return appendVarint(b, num, protowire.EncodeBool(v))
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// walk calls onVarint/onBytes for each field of b and skips other wire types.
func walk(b []byte, onVarint func(protowire.Number, uint64), onBytes func(protowire.Number, []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			if onVarint != nil {
				onVarint(num, v)
			}
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			if onBytes != nil {
				if err := onBytes(num, v); err != nil {
					return err
				}
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return nil
}

// voteRequest: 1 partition, 2 term, 3 candidate, 4 last_log_index, 5 last_log_term.
type voteRequest struct{ transport.VoteRequest }

func (m *voteRequest) marshal() []byte {
	var b []byte
	b = appendVarint(b, 1, uint64(m.Partition))
	b = appendVarint(b, 2, m.Term)
	b = appendVarint(b, 3, m.CandidateID)
	b = appendVarint(b, 4, m.LastLogIndex)
	b = appendVarint(b, 5, m.LastLogTerm)
	return b
}

func (m *voteRequest) unmarshal(b []byte) error {
	return walk(b, func(num protowire.Number, v uint64) {
		switch num {
		case 1:
			m.Partition = uint32(v)
		case 2:
			m.Term = v
		case 3:
			m.CandidateID = v
		case 4:
			m.LastLogIndex = v
		case 5:
			m.LastLogTerm = v
		}
	}, nil)
}

// voteResponse: 1 term, 2 granted.
type voteResponse struct{ transport.VoteResponse }

func (m *voteResponse) marshal() []byte {
	var b []byte
	b = appendVarint(b, 1, m.Term)
	b = appendBool(b, 2, m.Granted)
	return b
}

func (m *voteResponse) unmarshal(b []byte) error {
	return walk(b, func(num protowire.Number, v uint64) {
		switch num {
		case 1:
			m.Term = v
		case 2:
			m.Granted = protowire.DecodeBool(v)
		}
	}, nil)
}

// appendRequest: 1 partition, 2 term, 3 leader, 4 prev_log_index,
// 5 prev_log_term, 6 leader_commit, 7 repeated entry{1 term, 2 data}.
type appendRequest struct{ transport.AppendRequest }

func (m *appendRequest) marshal() []byte {
	var b []byte
	b = appendVarint(b, 1, uint64(m.Partition))
	b = appendVarint(b, 2, m.Term)
	b = appendVarint(b, 3, m.LeaderID)
	b = appendVarint(b, 4, m.PrevLogIndex)
	b = appendVarint(b, 5, m.PrevLogTerm)
	b = appendVarint(b, 6, m.LeaderCommit)
	var eb []byte
	for _, e := range m.Entries {
		eb = appendVarint(eb[:0], 1, e.Term)
		eb = appendBytes(eb, 2, e.Data)
		b = appendBytes(b, 7, eb)
	}
	return b
}

func (m *appendRequest) unmarshal(b []byte) error {
	return walk(b, func(num protowire.Number, v uint64) {
		switch num {
		case 1:
			m.Partition = uint32(v)
		case 2:
			m.Term = v
		case 3:
			m.LeaderID = v
		case 4:
			m.PrevLogIndex = v
		case 5:
			m.PrevLogTerm = v
		case 6:
			m.LeaderCommit = v
		}
	}, func(num protowire.Number, v []byte) error {
		if num != 7 {
			return nil
		}
		var e transport.Entry
		err := walk(v, func(num protowire.Number, v uint64) {
			if num == 1 {
				e.Term = v
			}
		}, func(num protowire.Number, v []byte) error {
			if num == 2 {
				e.Data = append([]byte(nil), v...)
			}
			return nil
		})
		if err != nil {
			return err
		}
		m.Entries = append(m.Entries, e)
		return nil
	})
}

// appendResponse: 1 term, 2 success, 3 last_log_index.
type appendResponse struct{ transport.AppendResponse }

func (m *appendResponse) marshal() []byte {
	var b []byte
	b = appendVarint(b, 1, m.Term)
	b = appendBool(b, 2, m.Success)
	b = appendVarint(b, 3, m.LastLogIndex)
	return b
}

func (m *appendResponse) unmarshal(b []byte) error {
	return walk(b, func(num protowire.Number, v uint64) {
		switch num {
		case 1:
			m.Term = v
		case 2:
			m.Success = protowire.DecodeBool(v)
		case 3:
			m.LastLogIndex = v
		}
	}, nil)
}

// installSnapshotRequest: 1 partition, 2 term, 3 leader, 4 index,
// 5 index_term, 6 data.
type installSnapshotRequest struct{ transport.InstallSnapshotRequest }

func (m *installSnapshotRequest) marshal() []byte {
	var b []byte
	b = appendVarint(b, 1, uint64(m.Partition))
	b = appendVarint(b, 2, m.Term)
	b = appendVarint(b, 3, m.LeaderID)
	b = appendVarint(b, 4, m.Index)
	b = appendVarint(b, 5, m.IndexTerm)
	b = appendBytes(b, 6, m.Data)
	return b
}

func (m *installSnapshotRequest) unmarshal(b []byte) error {
	return walk(b, func(num protowire.Number, v uint64) {
		switch num {
		case 1:
			m.Partition = uint32(v)
		case 2:
			m.Term = v
		case 3:
			m.LeaderID = v
		case 4:
			m.Index = v
		case 5:
			m.IndexTerm = v
		}
	}, func(num protowire.Number, v []byte) error {
		if num == 6 {
			m.Data = append([]byte(nil), v...)
		}
		return nil
	})
}

// installSnapshotResponse: 1 term, 2 success.
type installSnapshotResponse struct{ transport.InstallSnapshotResponse }

func (m *installSnapshotResponse) marshal() []byte {
	var b []byte
	b = appendVarint(b, 1, m.Term)
	b = appendBool(b, 2, m.Success)
	return b
}

func (m *installSnapshotResponse) unmarshal(b []byte) error {
	return walk(b, func(num protowire.Number, v uint64) {
		switch num {
		case 1:
			m.Term = v
		case 2:
			m.Success = protowire.DecodeBool(v)
		}
	}, nil)
}
