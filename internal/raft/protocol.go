package raft

import (
	"context"
	"fmt"
)

// Status is the outcome carried by every response envelope
type Status uint8

const (
	StatusOK Status = iota
	StatusError
)

func (s Status) String() string {
	if s == StatusOK {
		return "OK"
	}
	return "ERROR"
}

// ErrorType classifies an ERROR response
type ErrorType uint8

const (
	ErrorNoLeader ErrorType = iota + 1
	ErrorUnavailable
	ErrorProtocol
	ErrorIllegalMemberState
	ErrorUnknownSession
	ErrorUnknownService
	ErrorConfiguration
	ErrorCommandFailure
	ErrorQueryFailure
	ErrorApplication
)

func (t ErrorType) String() string {
	switch t {
	case ErrorNoLeader:
		return "NO_LEADER"
	case ErrorUnavailable:
		return "UNAVAILABLE"
	case ErrorProtocol:
		return "PROTOCOL_ERROR"
	case ErrorIllegalMemberState:
		return "ILLEGAL_MEMBER_STATE"
	case ErrorUnknownSession:
		return "UNKNOWN_SESSION"
	case ErrorUnknownService:
		return "UNKNOWN_SERVICE"
	case ErrorConfiguration:
		return "CONFIGURATION_ERROR"
	case ErrorCommandFailure:
		return "COMMAND_FAILURE"
	case ErrorQueryFailure:
		return "QUERY_FAILURE"
	case ErrorApplication:
		return "APPLICATION_ERROR"
	default:
		return "UNKNOWN"
	}
}

// ResponseError is the typed error of an ERROR response
type ResponseError struct {
	Type    ErrorType
	Message string
}

func (e *ResponseError) Error() string {
	if e.Message == "" {
		return e.Type.String()
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Retryable reports whether the request should be retried against another member. Any other error is surfaced
// to the caller.
func (e *ResponseError) Retryable() bool {
	return e != nil && (e.Type == ErrorNoLeader || e.Type == ErrorUnavailable)
}

// NewResponseError creates a ResponseError with a formatted message
func NewResponseError(t ErrorType, format string, args ...any) *ResponseError {
	return &ResponseError{Type: t, Message: fmt.Sprintf(format, args...)}
}

// Response is the envelope embedded by every response
type Response struct {
	Status Status
	Error  *ResponseError
}

// OK reports whether the response status is OK
func (r Response) OK() bool {
	return r.Status == StatusOK
}

// Err returns the response error, or nil for OK responses
func (r Response) Err() error {
	if r.Status == StatusOK || r.Error == nil {
		return nil
	}
	return r.Error
}

// ErrorResponse creates an ERROR envelope
func ErrorResponse(t ErrorType, format string, args ...any) Response {
	return Response{Status: StatusError, Error: NewResponseError(t, format, args...)}
}

// OKResponse creates an OK envelope
func OKResponse() Response {
	return Response{Status: StatusOK}
}

// AppendRequest is sent by the leader to replicate entries and as heartbeat (Section 5.3)
type AppendRequest struct {
	Term         uint64
	Leader       MemberID
	PrevLogIndex uint64
	PrevLogTerm  uint64
	Entries      []*Entry
	CommitIndex  uint64
}

type AppendResponse struct {
	Response
	Term               uint64
	Succeeded          bool
	LastLogIndex       uint64
	LastSnapshotIndex  uint64
	ConfigurationIndex uint64
}

// VoteRequest is sent by candidates to gather votes (Section 5.2)
type VoteRequest struct {
	Term         uint64
	Candidate    MemberID
	LastLogIndex uint64
	LastLogTerm  uint64
}

type VoteResponse struct {
	Response
	Term  uint64
	Voted bool
}

// PollRequest is the pre-vote sent by followers before they start an election (Section 9.6 of the Raft thesis)
type PollRequest struct {
	Term         uint64
	Candidate    MemberID
	LastLogIndex uint64
	LastLogTerm  uint64
}

type PollResponse struct {
	Response
	Term     uint64
	Accepted bool
}

// ConfigureRequest pushes the leader's configuration to a member
type ConfigureRequest struct {
	Term      uint64
	Leader    MemberID
	Index     uint64
	Timestamp int64
	Members   []Member
}

type ConfigureResponse struct {
	Response
}

// InstallRequest carries one chunk of a snapshot. Chunks of one snapshot are sent in order, Complete is set on the
// last one.
type InstallRequest struct {
	Term         uint64
	Leader       MemberID
	Index        uint64
	SnapshotTerm uint64
	Timestamp    int64
	Offset       uint64
	Data         []byte
	Complete     bool
}

type InstallResponse struct {
	Response
}

// ReconfigureRequest changes the membership. Index and Term identify the configuration the change is based on.
type ReconfigureRequest struct {
	Index  uint64
	Term   uint64
	Member Member
	Remove bool
}

type ReconfigureResponse struct {
	Response
	Index     uint64
	Term      uint64
	Timestamp int64
	Members   []Member
}

// TransferRequest asks the leader to hand leadership over to Member
type TransferRequest struct {
	Member MemberID
}

type TransferResponse struct {
	Response
}

// JoinRequest asks the leader to add Member to the configuration
type JoinRequest struct {
	Member Member
}

type JoinResponse struct {
	Response
	Index     uint64
	Term      uint64
	Timestamp int64
	Members   []Member
}

// LeaveRequest asks the leader to remove Member from the configuration
type LeaveRequest struct {
	Member MemberID
}

type LeaveResponse struct {
	Response
	Index     uint64
	Term      uint64
	Timestamp int64
	Members   []Member
}

// MetadataRequest discovers sessions. A zero Session lists all sessions.
type MetadataRequest struct {
	Session uint64
}

// SessionMetadata describes an open session
type SessionMetadata struct {
	ID          uint64
	MemberID    MemberID
	ServiceName string
	ServiceType string
}

type MetadataResponse struct {
	Response
	Sessions []SessionMetadata
}

// ProtocolHandler is registered by a member to serve inbound requests
type ProtocolHandler interface {
	OnAppend(ctx context.Context, req *AppendRequest) (*AppendResponse, error)
	OnVote(ctx context.Context, req *VoteRequest) (*VoteResponse, error)
	OnPoll(ctx context.Context, req *PollRequest) (*PollResponse, error)
	OnConfigure(ctx context.Context, req *ConfigureRequest) (*ConfigureResponse, error)
	OnInstall(ctx context.Context, req *InstallRequest) (*InstallResponse, error)
	OnReconfigure(ctx context.Context, req *ReconfigureRequest) (*ReconfigureResponse, error)
	OnTransfer(ctx context.Context, req *TransferRequest) (*TransferResponse, error)
	OnJoin(ctx context.Context, req *JoinRequest) (*JoinResponse, error)
	OnLeave(ctx context.Context, req *LeaveRequest) (*LeaveResponse, error)
	OnMetadata(ctx context.Context, req *MetadataRequest) (*MetadataResponse, error)
}

// Protocol is the request/response transport consumed by the consensus core. Implementations return transient
// errors (ErrNoSuchMember, ErrNoRemoteHandler, ErrConnect, context.DeadlineExceeded) when the remote member
// could not be reached.
type Protocol interface {
	Append(ctx context.Context, to MemberID, req *AppendRequest) (*AppendResponse, error)
	Vote(ctx context.Context, to MemberID, req *VoteRequest) (*VoteResponse, error)
	Poll(ctx context.Context, to MemberID, req *PollRequest) (*PollResponse, error)
	Configure(ctx context.Context, to MemberID, req *ConfigureRequest) (*ConfigureResponse, error)
	Install(ctx context.Context, to MemberID, req *InstallRequest) (*InstallResponse, error)
	Reconfigure(ctx context.Context, to MemberID, req *ReconfigureRequest) (*ReconfigureResponse, error)
	Transfer(ctx context.Context, to MemberID, req *TransferRequest) (*TransferResponse, error)
	Join(ctx context.Context, to MemberID, req *JoinRequest) (*JoinResponse, error)
	Leave(ctx context.Context, to MemberID, req *LeaveRequest) (*LeaveResponse, error)
	Metadata(ctx context.Context, to MemberID, req *MetadataRequest) (*MetadataResponse, error)

	// Register installs the handler serving requests addressed to member
	Register(member MemberID, handler ProtocolHandler)
	// Unregister removes the handler of member
	Unregister(member MemberID)
}
