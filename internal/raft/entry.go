package raft

/*
Notes from Section 5.3 of the Raft paper:
Each log entry stores a state machine command along with the term number when the entry was received by the leader.
The term numbers in log entries are used to detect inconsistencies between logs. If two entries in different logs have
the same index and term, then the logs are identical in all preceding entries.

Raft never commits log entries from previous terms by counting replicas. A new leader therefore appends an
InitializeEntry in its own term and commits it before it is considered active.
*/

// EntryType identifies the payload carried by an Entry
type EntryType uint8

const (
	EntryInitialize EntryType = iota + 1
	EntryConfiguration
	EntryCommand
	EntryQuery
	EntryOpenSession
	EntryKeepAlive
	EntryCloseSession
	EntryMetadata
	EntryApplication
)

func (t EntryType) String() string {
	switch t {
	case EntryInitialize:
		return "Initialize"
	case EntryConfiguration:
		return "Configuration"
	case EntryCommand:
		return "Command"
	case EntryQuery:
		return "Query"
	case EntryOpenSession:
		return "OpenSession"
	case EntryKeepAlive:
		return "KeepAlive"
	case EntryCloseSession:
		return "CloseSession"
	case EntryMetadata:
		return "Metadata"
	case EntryApplication:
		return "Application"
	default:
		return "Unknown"
	}
}

// Payload is implemented by every entry variant
type Payload interface {
	Type() EntryType
}

// Entry is a single log entry. Timestamp is assigned by the leader when the entry is appended and is the only
// clock used when the entry is applied, so every replica observes the same time.
type Entry struct {
	Index     uint64
	Term      uint64
	Timestamp int64
	Payload   Payload
}

// Type returns the type of the entry payload
func (e *Entry) Type() EntryType {
	if e == nil || e.Payload == nil {
		return 0
	}
	return e.Payload.Type()
}

// InitializeEntry is appended by every new leader in its own term
type InitializeEntry struct{}

func (InitializeEntry) Type() EntryType { return EntryInitialize }

// ConfigurationEntry carries a cluster membership change
type ConfigurationEntry struct {
	Members []Member
}

func (ConfigurationEntry) Type() EntryType { return EntryConfiguration }

// CommandEntry is a state machine command submitted through a session
type CommandEntry struct {
	Session   uint64
	Sequence  uint64
	Operation []byte
}

func (CommandEntry) Type() EntryType { return EntryCommand }

// QueryEntry is a read-only operation. Queries are never written to the log.
type QueryEntry struct {
	Session   uint64
	Sequence  uint64
	Operation []byte
}

func (QueryEntry) Type() EntryType { return EntryQuery }

// OpenSessionEntry registers a new session. The session id is the index of the entry.
type OpenSessionEntry struct {
	MemberID    MemberID
	ServiceName string
	ServiceType string
	Config      []byte
	MinTimeout  int64
	MaxTimeout  int64
}

func (OpenSessionEntry) Type() EntryType { return EntryOpenSession }

// KeepAliveEntry keeps a batch of sessions alive. The three slices are parallel: CommandSequences[i] and
// EventIndexes[i] are the watermarks acknowledged by the client for SessionIDs[i].
type KeepAliveEntry struct {
	SessionIDs       []uint64
	CommandSequences []uint64
	EventIndexes     []uint64
}

func (KeepAliveEntry) Type() EntryType { return EntryKeepAlive }

// CloseSessionEntry closes a session. When Delete is set the session's service is removed as well.
type CloseSessionEntry struct {
	Session uint64
	Expired bool
	Delete  bool
}

func (CloseSessionEntry) Type() EntryType { return EntryCloseSession }

// MetadataEntry lists sessions. A zero Session lists every session, otherwise the sessions of the same service.
type MetadataEntry struct {
	Session uint64
}

func (MetadataEntry) Type() EntryType { return EntryMetadata }

// ApplicationEntry carries opaque data which is validated by an EntryValidator before it is appended
type ApplicationEntry struct {
	Data []byte
}

func (ApplicationEntry) Type() EntryType { return EntryApplication }

// EntryValidator validates application entries before the leader appends them
type EntryValidator interface {
	Validate(last *ApplicationEntry, next *ApplicationEntry) error
}

// NoopEntryValidator accepts every entry
type NoopEntryValidator struct{}

func (NoopEntryValidator) Validate(*ApplicationEntry, *ApplicationEntry) error { return nil }
