package storage

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"raftcore/internal/raft"
)

// Entries, configurations and snapshot records are stored in the protobuf wire format. Field numbers are stable,
// unknown fields are skipped on decode so records written by newer versions can still be read.

const (
	entryIndexField     protowire.Number = 1
	entryTermField      protowire.Number = 2
	entryTimestampField protowire.Number = 3
	entryTypeField      protowire.Number = 4
	entryPayloadField   protowire.Number = 5
)

// EncodeEntry serializes a log entry
func EncodeEntry(entry *raft.Entry) ([]byte, error) {
	if entry.Payload == nil {
		return nil, fmt.Errorf("entry %d has no payload", entry.Index)
	}
	payload, err := encodePayload(entry.Payload)
	if err != nil {
		return nil, err
	}

	var b []byte
	b = appendVarint(b, entryIndexField, entry.Index)
	b = appendVarint(b, entryTermField, entry.Term)
	b = appendVarint(b, entryTimestampField, uint64(entry.Timestamp))
	b = appendVarint(b, entryTypeField, uint64(entry.Payload.Type()))
	b = appendBytes(b, entryPayloadField, payload)
	return b, nil
}

// DecodeEntry deserializes a log entry. The returned entry does not reference data.
func DecodeEntry(data []byte) (*raft.Entry, error) {
	entry := &raft.Entry{}
	var entryType raft.EntryType
	var payload []byte

	err := consumeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case entryIndexField:
			return readVarint(typ, b, &entry.Index)
		case entryTermField:
			return readVarint(typ, b, &entry.Term)
		case entryTimestampField:
			var ts uint64
			n, err := readVarint(typ, b, &ts)
			entry.Timestamp = int64(ts)
			return n, err
		case entryTypeField:
			var t uint64
			n, err := readVarint(typ, b, &t)
			entryType = raft.EntryType(t)
			return n, err
		case entryPayloadField:
			return readBytes(typ, b, &payload)
		}
		return 0, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to decode entry: %w", err)
	}

	entry.Payload, err = decodePayload(entryType, payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decode entry %d: %w", entry.Index, err)
	}
	return entry, nil
}

func encodePayload(p raft.Payload) ([]byte, error) {
	var b []byte
	switch v := p.(type) {
	case *raft.InitializeEntry:
	case *raft.ConfigurationEntry:
		for _, m := range v.Members {
			b = appendBytes(b, 1, encodeMember(m))
		}
	case *raft.CommandEntry:
		b = appendVarint(b, 1, v.Session)
		b = appendVarint(b, 2, v.Sequence)
		b = appendBytes(b, 3, v.Operation)
	case *raft.QueryEntry:
		b = appendVarint(b, 1, v.Session)
		b = appendVarint(b, 2, v.Sequence)
		b = appendBytes(b, 3, v.Operation)
	case *raft.OpenSessionEntry:
		b = appendBytes(b, 1, []byte(v.MemberID))
		b = appendBytes(b, 2, []byte(v.ServiceName))
		b = appendBytes(b, 3, []byte(v.ServiceType))
		b = appendBytes(b, 4, v.Config)
		b = appendVarint(b, 5, uint64(v.MinTimeout))
		b = appendVarint(b, 6, uint64(v.MaxTimeout))
	case *raft.KeepAliveEntry:
		b = appendPacked(b, 1, v.SessionIDs)
		b = appendPacked(b, 2, v.CommandSequences)
		b = appendPacked(b, 3, v.EventIndexes)
	case *raft.CloseSessionEntry:
		b = appendVarint(b, 1, v.Session)
		b = appendVarint(b, 2, protowire.EncodeBool(v.Expired))
		b = appendVarint(b, 3, protowire.EncodeBool(v.Delete))
	case *raft.MetadataEntry:
		b = appendVarint(b, 1, v.Session)
	case *raft.ApplicationEntry:
		b = appendBytes(b, 1, v.Data)
	default:
		return nil, raft.NewProtocolError("unknown entry type %T", p)
	}
	return b, nil
}

func decodePayload(t raft.EntryType, data []byte) (raft.Payload, error) {
	switch t {
	case raft.EntryInitialize:
		return &raft.InitializeEntry{}, nil

	case raft.EntryConfiguration:
		p := &raft.ConfigurationEntry{}
		err := consumeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			if num != 1 {
				return 0, nil
			}
			var raw []byte
			n, err := readBytes(typ, b, &raw)
			if err != nil {
				return n, err
			}
			m, err := decodeMember(raw)
			if err != nil {
				return n, err
			}
			p.Members = append(p.Members, m)
			return n, nil
		})
		return p, err

	case raft.EntryCommand:
		p := &raft.CommandEntry{}
		err := consumeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			switch num {
			case 1:
				return readVarint(typ, b, &p.Session)
			case 2:
				return readVarint(typ, b, &p.Sequence)
			case 3:
				return readBytes(typ, b, &p.Operation)
			}
			return 0, nil
		})
		return p, err

	case raft.EntryQuery:
		p := &raft.QueryEntry{}
		err := consumeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			switch num {
			case 1:
				return readVarint(typ, b, &p.Session)
			case 2:
				return readVarint(typ, b, &p.Sequence)
			case 3:
				return readBytes(typ, b, &p.Operation)
			}
			return 0, nil
		})
		return p, err

	case raft.EntryOpenSession:
		p := &raft.OpenSessionEntry{}
		err := consumeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			var raw []byte
			var v uint64
			switch num {
			case 1:
				n, err := readBytes(typ, b, &raw)
				p.MemberID = raft.MemberID(raw)
				return n, err
			case 2:
				n, err := readBytes(typ, b, &raw)
				p.ServiceName = string(raw)
				return n, err
			case 3:
				n, err := readBytes(typ, b, &raw)
				p.ServiceType = string(raw)
				return n, err
			case 4:
				return readBytes(typ, b, &p.Config)
			case 5:
				n, err := readVarint(typ, b, &v)
				p.MinTimeout = int64(v)
				return n, err
			case 6:
				n, err := readVarint(typ, b, &v)
				p.MaxTimeout = int64(v)
				return n, err
			}
			return 0, nil
		})
		return p, err

	case raft.EntryKeepAlive:
		p := &raft.KeepAliveEntry{}
		err := consumeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			switch num {
			case 1:
				return readPacked(typ, b, &p.SessionIDs)
			case 2:
				return readPacked(typ, b, &p.CommandSequences)
			case 3:
				return readPacked(typ, b, &p.EventIndexes)
			}
			return 0, nil
		})
		return p, err

	case raft.EntryCloseSession:
		p := &raft.CloseSessionEntry{}
		err := consumeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			var v uint64
			switch num {
			case 1:
				return readVarint(typ, b, &p.Session)
			case 2:
				n, err := readVarint(typ, b, &v)
				p.Expired = protowire.DecodeBool(v)
				return n, err
			case 3:
				n, err := readVarint(typ, b, &v)
				p.Delete = protowire.DecodeBool(v)
				return n, err
			}
			return 0, nil
		})
		return p, err

	case raft.EntryMetadata:
		p := &raft.MetadataEntry{}
		err := consumeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			if num == 1 {
				return readVarint(typ, b, &p.Session)
			}
			return 0, nil
		})
		return p, err

	case raft.EntryApplication:
		p := &raft.ApplicationEntry{}
		err := consumeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			if num == 1 {
				return readBytes(typ, b, &p.Data)
			}
			return 0, nil
		})
		return p, err
	}
	return nil, raft.NewProtocolError("unknown entry type %d", t)
}

func encodeMember(m raft.Member) []byte {
	var b []byte
	b = appendBytes(b, 1, []byte(m.ID))
	b = appendVarint(b, 2, uint64(m.Type))
	b = appendVarint(b, 3, protowire.EncodeZigZag(int64(m.Priority)))
	if !m.Updated.IsZero() {
		b = appendVarint(b, 4, uint64(m.Updated.UnixNano()))
	}
	return b
}

func decodeMember(data []byte) (raft.Member, error) {
	var m raft.Member
	err := consumeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		var v uint64
		switch num {
		case 1:
			var raw []byte
			n, err := readBytes(typ, b, &raw)
			m.ID = raft.MemberID(raw)
			return n, err
		case 2:
			n, err := readVarint(typ, b, &v)
			m.Type = raft.MemberType(v)
			return n, err
		case 3:
			n, err := readVarint(typ, b, &v)
			m.Priority = int32(protowire.DecodeZigZag(v))
			return n, err
		case 4:
			n, err := readVarint(typ, b, &v)
			m.Updated = time.Unix(0, int64(v))
			return n, err
		}
		return 0, nil
	})
	return m, err
}

// EncodeConfiguration serializes a cluster configuration
func EncodeConfiguration(c *raft.Configuration) []byte {
	var b []byte
	b = appendVarint(b, 1, c.Index)
	b = appendVarint(b, 2, c.Term)
	b = appendVarint(b, 3, uint64(c.Time))
	for _, m := range c.Members {
		b = appendBytes(b, 4, encodeMember(m))
	}
	return b
}

// DecodeConfiguration deserializes a cluster configuration
func DecodeConfiguration(data []byte) (*raft.Configuration, error) {
	c := &raft.Configuration{}
	err := consumeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return readVarint(typ, b, &c.Index)
		case 2:
			return readVarint(typ, b, &c.Term)
		case 3:
			var v uint64
			n, err := readVarint(typ, b, &v)
			c.Time = int64(v)
			return n, err
		case 4:
			var raw []byte
			n, err := readBytes(typ, b, &raw)
			if err != nil {
				return n, err
			}
			m, err := decodeMember(raw)
			if err != nil {
				return n, err
			}
			c.Members = append(c.Members, m)
			return n, nil
		}
		return 0, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	return c, nil
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendPacked(b []byte, num protowire.Number, values []uint64) []byte {
	if len(values) == 0 {
		return b
	}
	var packed []byte
	for _, v := range values {
		packed = protowire.AppendVarint(packed, v)
	}
	return appendBytes(b, num, packed)
}

// consumeFields walks the fields of a message. fn returns the number of bytes it consumed for the field value,
// or 0 to have the field skipped.
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
			m = protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return protowire.ParseError(m)
			}
		}
		b = b[m:]
	}
	return nil
}

func readVarint(typ protowire.Type, b []byte, dst *uint64) (int, error) {
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

// readBytes copies the field value, storage buffers are only valid for the duration of a transaction
func readBytes(typ protowire.Type, b []byte, dst *[]byte) (int, error) {
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

func readPacked(typ protowire.Type, b []byte, dst *[]uint64) (int, error) {
	if typ == protowire.VarintType {
		var v uint64
		n, err := readVarint(typ, b, &v)
		*dst = append(*dst, v)
		return n, err
	}
	var packed []byte
	n, err := readBytes(typ, b, &packed)
	if err != nil {
		return 0, err
	}
	for len(packed) > 0 {
		v, m := protowire.ConsumeVarint(packed)
		if m < 0 {
			return 0, protowire.ParseError(m)
		}
		*dst = append(*dst, v)
		packed = packed[m:]
	}
	return n, nil
}
