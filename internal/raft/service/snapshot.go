package service

import (
	"errors"
	"fmt"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"

	"raftcore/internal/raft"
)

/*
Snapshot layout. The snapshot is a sequence of length-prefixed service blocks (field 1), each block being decoded on
its own so one service never reads past the state of another:

	service block: 1 id, 2 type, 3 name, 4 config, 5 index, 6 timestamp, 7 session (repeated), 8 state
	session block: 1 id, 2 member, 3 min timeout, 4 max timeout, 5 last updated, 6 command sequence,
	               7 command low water mark, 8 event index, 9 complete index, 10 result (repeated),
	               11 event (repeated)
	result block:  1 sequence, 2 index, 3 event index, 4 output, 5 error type, 6 error message. Only failed
	               results carry 5 and 6.
	event block:   1 index, 2 data
*/

const snapshotServiceField protowire.Number = 1

type serviceSnapshot struct {
	id          uint64
	serviceType string
	name        string
	config      []byte
	index       uint64
	timestamp   int64
	sessions    []sessionSnapshot
	state       []byte
}

type sessionSnapshot struct {
	id                  uint64
	member              string
	minTimeout          int64
	maxTimeout          int64
	lastUpdated         int64
	commandSequence     uint64
	commandLowWaterMark uint64
	eventIndex          uint64
	completeIndex       uint64
	results             []resultSnapshot
	events              []Event
}

// resultSnapshot is a cached command result, kept so a client retrying a command after a snapshot install gets
// the original output
type resultSnapshot struct {
	sequence   uint64
	index      uint64
	eventIndex uint64
	output     []byte
	failed     bool
	errType    uint64
	errMessage string
}

// snapshotResults returns the cached results of s ordered by sequence
func snapshotResults(s *Session) []resultSnapshot {
	sequences := make([]uint64, 0, len(s.results))
	for sequence := range s.results {
		// results of unsequenced commands are never served from the cache
		if sequence > 0 {
			sequences = append(sequences, sequence)
		}
	}
	sort.Slice(sequences, func(i, j int) bool { return sequences[i] < sequences[j] })

	results := make([]resultSnapshot, 0, len(sequences))
	for _, sequence := range sequences {
		r := s.results[sequence]
		rs := resultSnapshot{sequence: sequence, index: r.Index, eventIndex: r.EventIndex, output: r.Result}
		if r.Err != nil {
			rs.failed = true
			rs.errType = uint64(raft.ErrorApplication)
			rs.errMessage = r.Err.Error()
			var re *raft.ResponseError
			if errors.As(r.Err, &re) {
				rs.errType = uint64(re.Type)
				rs.errMessage = re.Message
			}
		}
		results = append(results, rs)
	}
	return results
}

func (r *resultSnapshot) operationResult() *OperationResult {
	if r.failed {
		return failed(r.index, r.eventIndex, &raft.ResponseError{Type: raft.ErrorType(r.errType), Message: r.errMessage})
	}
	return succeeded(r.index, r.eventIndex, r.output)
}

func appendServiceBlock(b []byte, s *serviceSnapshot) []byte {
	var block []byte
	block = protowire.AppendTag(block, 1, protowire.VarintType)
	block = protowire.AppendVarint(block, s.id)
	block = protowire.AppendTag(block, 2, protowire.BytesType)
	block = protowire.AppendString(block, s.serviceType)
	block = protowire.AppendTag(block, 3, protowire.BytesType)
	block = protowire.AppendString(block, s.name)
	block = protowire.AppendTag(block, 4, protowire.BytesType)
	block = protowire.AppendBytes(block, s.config)
	block = protowire.AppendTag(block, 5, protowire.VarintType)
	block = protowire.AppendVarint(block, s.index)
	block = protowire.AppendTag(block, 6, protowire.VarintType)
	block = protowire.AppendVarint(block, protowire.EncodeZigZag(s.timestamp))
	for i := range s.sessions {
		block = protowire.AppendTag(block, 7, protowire.BytesType)
		block = protowire.AppendBytes(block, encodeSessionBlock(&s.sessions[i]))
	}
	block = protowire.AppendTag(block, 8, protowire.BytesType)
	block = protowire.AppendBytes(block, s.state)

	b = protowire.AppendTag(b, snapshotServiceField, protowire.BytesType)
	return protowire.AppendBytes(b, block)
}

func encodeSessionBlock(s *sessionSnapshot) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, s.id)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendString(b, s.member)
	for i, v := range []int64{s.minTimeout, s.maxTimeout, s.lastUpdated} {
		b = protowire.AppendTag(b, protowire.Number(3+i), protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(v))
	}
	for i, v := range []uint64{s.commandSequence, s.commandLowWaterMark, s.eventIndex, s.completeIndex} {
		b = protowire.AppendTag(b, protowire.Number(6+i), protowire.VarintType)
		b = protowire.AppendVarint(b, v)
	}
	for i := range s.results {
		b = protowire.AppendTag(b, 10, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeResultBlock(&s.results[i]))
	}
	for _, e := range s.events {
		var event []byte
		event = protowire.AppendTag(event, 1, protowire.VarintType)
		event = protowire.AppendVarint(event, e.Index)
		event = protowire.AppendTag(event, 2, protowire.BytesType)
		event = protowire.AppendBytes(event, e.Data)
		b = protowire.AppendTag(b, 11, protowire.BytesType)
		b = protowire.AppendBytes(b, event)
	}
	return b
}

func encodeResultBlock(r *resultSnapshot) []byte {
	var b []byte
	for i, v := range []uint64{r.sequence, r.index, r.eventIndex} {
		b = protowire.AppendTag(b, protowire.Number(1+i), protowire.VarintType)
		b = protowire.AppendVarint(b, v)
	}
	b = protowire.AppendTag(b, 4, protowire.BytesType)
	b = protowire.AppendBytes(b, r.output)
	if r.failed {
		b = protowire.AppendTag(b, 5, protowire.VarintType)
		b = protowire.AppendVarint(b, r.errType)
		b = protowire.AppendTag(b, 6, protowire.BytesType)
		b = protowire.AppendString(b, r.errMessage)
	}
	return b
}

// splitServiceBlocks returns the raw service blocks of a snapshot
func splitServiceBlocks(data []byte) ([][]byte, error) {
	var blocks [][]byte
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]
		if num != snapshotServiceField || typ != protowire.BytesType {
			return nil, fmt.Errorf("unexpected snapshot field %d of type %d", num, typ)
		}
		block, m := protowire.ConsumeBytes(data)
		if m < 0 {
			return nil, protowire.ParseError(m)
		}
		blocks = append(blocks, block)
		data = data[m:]
	}
	return blocks, nil
}

func decodeServiceBlock(block []byte) (*serviceSnapshot, error) {
	s := &serviceSnapshot{}
	err := consumeFields(block, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeVarint(typ, b, &s.id)
		case 2:
			return consumeString(typ, b, &s.serviceType)
		case 3:
			return consumeString(typ, b, &s.name)
		case 4:
			return consumeBytes(typ, b, &s.config)
		case 5:
			return consumeVarint(typ, b, &s.index)
		case 6:
			return consumeZigZag(typ, b, &s.timestamp)
		case 7:
			var raw []byte
			n, err := consumeBytes(typ, b, &raw)
			if err != nil {
				return 0, err
			}
			session, err := decodeSessionBlock(raw)
			if err != nil {
				return 0, err
			}
			s.sessions = append(s.sessions, *session)
			return n, nil
		case 8:
			return consumeBytes(typ, b, &s.state)
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	if s.name == "" || s.serviceType == "" {
		return nil, fmt.Errorf("service block without name or type")
	}
	return s, nil
}

func decodeSessionBlock(block []byte) (*sessionSnapshot, error) {
	s := &sessionSnapshot{}
	err := consumeFields(block, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeVarint(typ, b, &s.id)
		case 2:
			return consumeString(typ, b, &s.member)
		case 3:
			return consumeZigZag(typ, b, &s.minTimeout)
		case 4:
			return consumeZigZag(typ, b, &s.maxTimeout)
		case 5:
			return consumeZigZag(typ, b, &s.lastUpdated)
		case 6:
			return consumeVarint(typ, b, &s.commandSequence)
		case 7:
			return consumeVarint(typ, b, &s.commandLowWaterMark)
		case 8:
			return consumeVarint(typ, b, &s.eventIndex)
		case 9:
			return consumeVarint(typ, b, &s.completeIndex)
		case 10:
			var raw []byte
			n, err := consumeBytes(typ, b, &raw)
			if err != nil {
				return 0, err
			}
			result, err := decodeResultBlock(raw)
			if err != nil {
				return 0, err
			}
			s.results = append(s.results, *result)
			return n, nil
		case 11:
			var raw []byte
			n, err := consumeBytes(typ, b, &raw)
			if err != nil {
				return 0, err
			}
			event, err := decodeEventBlock(raw)
			if err != nil {
				return 0, err
			}
			s.events = append(s.events, event)
			return n, nil
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	if s.id == 0 {
		return nil, fmt.Errorf("session block without id")
	}
	return s, nil
}

func decodeResultBlock(block []byte) (*resultSnapshot, error) {
	r := &resultSnapshot{}
	err := consumeFields(block, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeVarint(typ, b, &r.sequence)
		case 2:
			return consumeVarint(typ, b, &r.index)
		case 3:
			return consumeVarint(typ, b, &r.eventIndex)
		case 4:
			return consumeBytes(typ, b, &r.output)
		case 5:
			r.failed = true
			return consumeVarint(typ, b, &r.errType)
		case 6:
			return consumeString(typ, b, &r.errMessage)
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	if r.sequence == 0 {
		return nil, fmt.Errorf("result block without sequence")
	}
	return r, nil
}

func decodeEventBlock(block []byte) (Event, error) {
	var e Event
	err := consumeFields(block, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeVarint(typ, b, &e.Index)
		case 2:
			return consumeBytes(typ, b, &e.Data)
		}
		return 0, nil
	})
	return e, err
}

func consumeFields(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m == 0 {
			if m = protowire.ConsumeFieldValue(num, typ, b); m < 0 {
				return protowire.ParseError(m)
			}
		}
		b = b[m:]
	}
	return nil
}

func consumeVarint(typ protowire.Type, b []byte, dst *uint64) (int, error) {
	if typ != protowire.VarintType {
		return 0, fmt.Errorf("unexpected wire type %d for varint field", typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*dst = v
	return n, nil
}

func consumeZigZag(typ protowire.Type, b []byte, dst *int64) (int, error) {
	var v uint64
	n, err := consumeVarint(typ, b, &v)
	*dst = protowire.DecodeZigZag(v)
	return n, err
}

func consumeBytes(typ protowire.Type, b []byte, dst *[]byte) (int, error) {
	if typ != protowire.BytesType {
		return 0, fmt.Errorf("unexpected wire type %d for bytes field", typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*dst = append([]byte(nil), v...)
	return n, nil
}

func consumeString(typ protowire.Type, b []byte, dst *string) (int, error) {
	var v []byte
	n, err := consumeBytes(typ, b, &v)
	*dst = string(v)
	return n, err
}
