package service

import "raftcore/internal/raft"

// OperationResult is the outcome of a command or query. A nil Err with a nil Result is a no-op, which is returned
// for commands that were already applied and whose result has been released.
type OperationResult struct {
	Index      uint64
	EventIndex uint64
	Result     []byte
	Err        error
}

// Succeeded reports whether the operation did not fail
func (r *OperationResult) Succeeded() bool {
	return r.Err == nil
}

func succeeded(index, eventIndex uint64, result []byte) *OperationResult {
	return &OperationResult{Index: index, EventIndex: eventIndex, Result: result}
}

func noop(index, eventIndex uint64) *OperationResult {
	return &OperationResult{Index: index, EventIndex: eventIndex}
}

func failed(index, eventIndex uint64, err error) *OperationResult {
	return &OperationResult{Index: index, EventIndex: eventIndex, Err: err}
}

// MetadataResult lists the sessions returned by a Metadata entry
type MetadataResult struct {
	Sessions []raft.SessionMetadata
}
