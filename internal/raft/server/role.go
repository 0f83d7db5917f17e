package server

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"raftcore/internal/concurrent"
	"raftcore/internal/raft"
)

// role is the behaviour of the member in one of the raft.Role states. Roles run on the raft thread: start, stop
// and the request handlers are never called concurrently.
type role interface {
	Role() raft.Role
	start() error
	stop() error

	onAppend(req *raft.AppendRequest) *concurrent.Future[*raft.AppendResponse]
	onVote(req *raft.VoteRequest) *concurrent.Future[*raft.VoteResponse]
	onPoll(req *raft.PollRequest) *concurrent.Future[*raft.PollResponse]
	onConfigure(req *raft.ConfigureRequest) *concurrent.Future[*raft.ConfigureResponse]
	onInstall(req *raft.InstallRequest) *concurrent.Future[*raft.InstallResponse]
	onReconfigure(req *raft.ReconfigureRequest) *concurrent.Future[*raft.ReconfigureResponse]
	onTransfer(req *raft.TransferRequest) *concurrent.Future[*raft.TransferResponse]
	onJoin(req *raft.JoinRequest) *concurrent.Future[*raft.JoinResponse]
	onLeave(req *raft.LeaveRequest) *concurrent.Future[*raft.LeaveResponse]
	onMetadata(req *raft.MetadataRequest) *concurrent.Future[*raft.MetadataResponse]
}

type baseRole struct {
	raft    *RaftContext
	logger  *zap.Logger
	running bool
}

func newBaseRole(c *RaftContext, kind raft.Role) baseRole {
	return baseRole{raft: c, logger: c.logger.With(zap.Stringer("role", kind))}
}

func (r *baseRole) start() error {
	r.running = true
	return nil
}

func (r *baseRole) stop() error {
	r.running = false
	return nil
}

// updateTermAndLeader adopts a newer term, or the leader of the current term once it is known. It reports whether
// anything changed.
func (r *baseRole) updateTermAndLeader(term uint64, leader raft.MemberID) bool {
	current := r.raft.getTerm()
	if term > current || (term == current && r.raft.getLeader() == "" && leader != "") {
		r.raft.SetTerm(term)
		r.raft.SetLeader(leader)
		return true
	}
	return false
}

// inactiveRole refuses every request
type inactiveRole struct {
	baseRole
}

func newInactiveRole(c *RaftContext) *inactiveRole {
	return &inactiveRole{baseRole: newBaseRole(c, raft.RoleInactive)}
}

func (r *inactiveRole) Role() raft.Role {
	return raft.RoleInactive
}

func unavailable() raft.Response {
	return raft.ErrorResponse(raft.ErrorUnavailable, "member is not active")
}

func (r *inactiveRole) onAppend(*raft.AppendRequest) *concurrent.Future[*raft.AppendResponse] {
	return concurrent.Completed(&raft.AppendResponse{Response: unavailable()})
}

func (r *inactiveRole) onVote(*raft.VoteRequest) *concurrent.Future[*raft.VoteResponse] {
	return concurrent.Completed(&raft.VoteResponse{Response: unavailable()})
}

func (r *inactiveRole) onPoll(*raft.PollRequest) *concurrent.Future[*raft.PollResponse] {
	return concurrent.Completed(&raft.PollResponse{Response: unavailable()})
}

func (r *inactiveRole) onConfigure(*raft.ConfigureRequest) *concurrent.Future[*raft.ConfigureResponse] {
	return concurrent.Completed(&raft.ConfigureResponse{Response: unavailable()})
}

func (r *inactiveRole) onInstall(*raft.InstallRequest) *concurrent.Future[*raft.InstallResponse] {
	return concurrent.Completed(&raft.InstallResponse{Response: unavailable()})
}

func (r *inactiveRole) onReconfigure(*raft.ReconfigureRequest) *concurrent.Future[*raft.ReconfigureResponse] {
	return concurrent.Completed(&raft.ReconfigureResponse{Response: unavailable()})
}

func (r *inactiveRole) onTransfer(*raft.TransferRequest) *concurrent.Future[*raft.TransferResponse] {
	return concurrent.Completed(&raft.TransferResponse{Response: unavailable()})
}

func (r *inactiveRole) onJoin(*raft.JoinRequest) *concurrent.Future[*raft.JoinResponse] {
	return concurrent.Completed(&raft.JoinResponse{Response: unavailable()})
}

func (r *inactiveRole) onLeave(*raft.LeaveRequest) *concurrent.Future[*raft.LeaveResponse] {
	return concurrent.Completed(&raft.LeaveResponse{Response: unavailable()})
}

func (r *inactiveRole) onMetadata(*raft.MetadataRequest) *concurrent.Future[*raft.MetadataResponse] {
	return concurrent.Completed(&raft.MetadataResponse{Response: unavailable()})
}

// forward sends req to the leader. Transport failures and an unknown leader are answered with a NO_LEADER error
// built by noLeader so the client retries elsewhere.
func forward[Req, Resp any](c *RaftContext, req Req, send func(context.Context, raft.MemberID, Req) (Resp, error),
	noLeader func(raft.Response) Resp) *concurrent.Future[Resp] {
	leader := c.getLeader()
	if leader == "" || leader == c.member {
		return concurrent.Completed(noLeader(raft.ErrorResponse(raft.ErrorNoLeader, "no leader")))
	}
	future := concurrent.NewFuture[Resp]()
	call(c, leader, req, send, func(resp Resp, err error) {
		if err != nil {
			future.Complete(noLeader(raft.ErrorResponse(raft.ErrorNoLeader, "failed to forward to %s: %v", leader, err)))
			return
		}
		future.Complete(resp)
	})
	return future
}

// errorResponse maps an error to the ERROR envelope sent to clients
func errorResponse(err error) raft.Response {
	var re *raft.ResponseError
	switch {
	case errors.As(err, &re):
		return raft.Response{Status: raft.StatusError, Error: re}
	case errors.Is(err, raft.ErrNotLeader):
		return raft.ErrorResponse(raft.ErrorNoLeader, "%v", err)
	case raft.IsUnknownSession(err):
		return raft.ErrorResponse(raft.ErrorUnknownSession, "%v", err)
	case errors.Is(err, raft.ErrUnknownService):
		return raft.ErrorResponse(raft.ErrorUnknownService, "%v", err)
	case errors.Is(err, raft.ErrClosed):
		return raft.ErrorResponse(raft.ErrorUnavailable, "%v", err)
	case errors.Is(err, raft.ErrIllegalMemberState):
		return raft.ErrorResponse(raft.ErrorIllegalMemberState, "%v", err)
	default:
		return raft.ErrorResponse(raft.ErrorProtocol, "%v", err)
	}
}
