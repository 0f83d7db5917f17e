package raft

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotLeader is returned by leader-only operations on any other role
	ErrNotLeader = errors.New("raft: not the leader")
	// ErrIllegalMemberState is returned when an operation is not valid in the member's current state
	ErrIllegalMemberState = errors.New("raft: illegal member state")
	// ErrUnknownSession is returned when an operation references a session that does not exist
	ErrUnknownSession = errors.New("raft: unknown session")
	// ErrUnknownService is returned when an operation references a service that does not exist
	ErrUnknownService = errors.New("raft: unknown service")
	// ErrIndexOutOfBounds is returned when a log index cannot be read
	ErrIndexOutOfBounds = errors.New("raft: index out of bounds")
	// ErrInvalidIndex is returned when an entry is appended at a non contiguous index
	ErrInvalidIndex = errors.New("raft: invalid entry index")
	// ErrClosed is returned after the member has been closed
	ErrClosed = errors.New("raft: closed")
	// ErrSnapshotInstallFailed is the terminal error of a member that could not install a snapshot
	ErrSnapshotInstallFailed = errors.New("raft: snapshot install failed")
	// ErrStorageLocked is returned when the storage directory is locked by another member
	ErrStorageLocked = errors.New("raft: storage locked")
	// ErrConfigurationInProgress is returned when a membership change is requested while another one is in flight
	ErrConfigurationInProgress = errors.New("raft: configuration change in progress")

	// ErrNoSuchMember is a transient error returned when a request targets an unknown member
	ErrNoSuchMember = errors.New("raft: no such member")
	// ErrNoRemoteHandler is a transient error returned when the remote member has no handler registered
	ErrNoRemoteHandler = errors.New("raft: no remote handler")
	// ErrConnect is a transient error returned when the remote member cannot be reached
	ErrConnect = errors.New("raft: connection failed")
)

// ProtocolError is raised on an unexpected protocol state, such as an unknown entry type or a failed leadership
// transfer.
type ProtocolError struct {
	Message string
}

func (e *ProtocolError) Error() string {
	return "raft: protocol error: " + e.Message
}

// NewProtocolError creates a ProtocolError with a formatted message
func NewProtocolError(format string, args ...any) *ProtocolError {
	return &ProtocolError{Message: fmt.Sprintf(format, args...)}
}

// StorageError is an unrecoverable local persistence fault
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("raft: storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is a network or availability error that is worth retrying against another member
func IsTransient(err error) bool {
	return errors.Is(err, ErrNoSuchMember) ||
		errors.Is(err, ErrNoRemoteHandler) ||
		errors.Is(err, ErrConnect) ||
		errors.Is(err, context.DeadlineExceeded)
}

// IsUnknownSession reports whether err was caused by a missing session
func IsUnknownSession(err error) bool {
	var respErr *ResponseError
	if errors.As(err, &respErr) {
		return respErr.Type == ErrorUnknownSession
	}
	return errors.Is(err, ErrUnknownSession)
}
