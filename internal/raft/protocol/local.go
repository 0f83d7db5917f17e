// Package protocol provides an in-process implementation of raft.Protocol. Members of a LocalNetwork call each
// other's handlers directly, the network can be partitioned to simulate failures.
package protocol

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"raftcore/internal/raft"
)

// link is an unordered pair of members
type link struct {
	a, b raft.MemberID
}

func newLink(a, b raft.MemberID) link {
	if b < a {
		a, b = b, a
	}
	return link{a: a, b: b}
}

// LocalNetwork routes requests between members running in the same process
type LocalNetwork struct {
	mu         sync.RWMutex
	handlers   map[raft.MemberID]raft.ProtocolHandler
	partitions map[link]struct{}
	isolated   map[raft.MemberID]struct{}

	// timeout bounds a single request when the caller's context has no earlier deadline
	timeout time.Duration
	logger  *zap.Logger
}

// NewLocalNetwork creates a network without partitions. A zero timeout leaves request deadlines to the callers.
func NewLocalNetwork(timeout time.Duration, logger *zap.Logger) *LocalNetwork {
	return &LocalNetwork{
		handlers:   make(map[raft.MemberID]raft.ProtocolHandler),
		partitions: make(map[link]struct{}),
		isolated:   make(map[raft.MemberID]struct{}),
		timeout:    timeout,
		logger:     logger.Named("network"),
	}
}

// Protocol returns the protocol used by member to reach the others. Requests are counted by metrics, which may be
// nil.
func (n *LocalNetwork) Protocol(member raft.MemberID, metrics raft.MetricsCollector) *LocalProtocol {
	if metrics == nil {
		metrics = raft.NoopMetricsCollector{}
	}
	return &LocalProtocol{network: n, member: member, metrics: metrics}
}

// Partition drops every request between a and b, in both directions
func (n *LocalNetwork) Partition(a, b raft.MemberID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.partitions[newLink(a, b)] = struct{}{}
	n.logger.Info("Partitioned members", zap.String("a", string(a)), zap.String("b", string(b)))
}

// Isolate drops every request sent to or by member
func (n *LocalNetwork) Isolate(member raft.MemberID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.isolated[member] = struct{}{}
	n.logger.Info("Isolated member", zap.String("member", string(member)))
}

// Heal removes every partition
func (n *LocalNetwork) Heal() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.partitions = make(map[link]struct{})
	n.isolated = make(map[raft.MemberID]struct{})
	n.logger.Info("Healed network")
}

func (n *LocalNetwork) register(member raft.MemberID, handler raft.ProtocolHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[member] = handler
}

func (n *LocalNetwork) unregister(member raft.MemberID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.handlers, member)
}

func (n *LocalNetwork) route(from, to raft.MemberID) (raft.ProtocolHandler, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if _, ok := n.isolated[from]; ok {
		return nil, fmt.Errorf("%s is isolated: %w", from, raft.ErrConnect)
	}
	if _, ok := n.isolated[to]; ok {
		return nil, fmt.Errorf("%s is isolated: %w", to, raft.ErrConnect)
	}
	if _, ok := n.partitions[newLink(from, to)]; ok {
		return nil, fmt.Errorf("%s cannot reach %s: %w", from, to, raft.ErrConnect)
	}
	handler, ok := n.handlers[to]
	if !ok {
		return nil, fmt.Errorf("%s: %w", to, raft.ErrNoRemoteHandler)
	}
	return handler, nil
}

// LocalProtocol is the raft.Protocol of one member of a LocalNetwork
type LocalProtocol struct {
	network *LocalNetwork
	member  raft.MemberID
	metrics raft.MetricsCollector
}

// send routes req to the handler of member to. The handler sees the sender in its context.
func send[Req, Resp any](ctx context.Context, p *LocalProtocol, to raft.MemberID, req Req,
	call func(raft.ProtocolHandler, context.Context, Req) (Resp, error)) (Resp, error) {
	var zero Resp
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	if to == "" {
		return zero, raft.ErrNoSuchMember
	}

	handler, err := p.network.route(p.member, to)
	if err != nil {
		return zero, err
	}

	if p.network.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.network.timeout)
		defer cancel()
	}
	resp, err := call(handler, raft.WithSender(ctx, p.member), req)
	if err != nil {
		return zero, fmt.Errorf("request from %s to %s: %w", p.member, to, err)
	}
	return resp, nil
}

func (p *LocalProtocol) Append(ctx context.Context, to raft.MemberID, req *raft.AppendRequest) (*raft.AppendResponse, error) {
	if len(req.Entries) == 0 {
		p.metrics.RecordHeartbeat()
	} else {
		p.metrics.RecordAppendEntries()
	}
	return send(ctx, p, to, req, raft.ProtocolHandler.OnAppend)
}

func (p *LocalProtocol) Vote(ctx context.Context, to raft.MemberID, req *raft.VoteRequest) (*raft.VoteResponse, error) {
	p.metrics.RecordRequestVote()
	return send(ctx, p, to, req, raft.ProtocolHandler.OnVote)
}

func (p *LocalProtocol) Poll(ctx context.Context, to raft.MemberID, req *raft.PollRequest) (*raft.PollResponse, error) {
	return send(ctx, p, to, req, raft.ProtocolHandler.OnPoll)
}

func (p *LocalProtocol) Configure(ctx context.Context, to raft.MemberID, req *raft.ConfigureRequest) (*raft.ConfigureResponse, error) {
	return send(ctx, p, to, req, raft.ProtocolHandler.OnConfigure)
}

func (p *LocalProtocol) Install(ctx context.Context, to raft.MemberID, req *raft.InstallRequest) (*raft.InstallResponse, error) {
	return send(ctx, p, to, req, raft.ProtocolHandler.OnInstall)
}

func (p *LocalProtocol) Reconfigure(ctx context.Context, to raft.MemberID, req *raft.ReconfigureRequest) (*raft.ReconfigureResponse, error) {
	return send(ctx, p, to, req, raft.ProtocolHandler.OnReconfigure)
}

func (p *LocalProtocol) Transfer(ctx context.Context, to raft.MemberID, req *raft.TransferRequest) (*raft.TransferResponse, error) {
	return send(ctx, p, to, req, raft.ProtocolHandler.OnTransfer)
}

func (p *LocalProtocol) Join(ctx context.Context, to raft.MemberID, req *raft.JoinRequest) (*raft.JoinResponse, error) {
	return send(ctx, p, to, req, raft.ProtocolHandler.OnJoin)
}

func (p *LocalProtocol) Leave(ctx context.Context, to raft.MemberID, req *raft.LeaveRequest) (*raft.LeaveResponse, error) {
	return send(ctx, p, to, req, raft.ProtocolHandler.OnLeave)
}

func (p *LocalProtocol) Metadata(ctx context.Context, to raft.MemberID, req *raft.MetadataRequest) (*raft.MetadataResponse, error) {
	return send(ctx, p, to, req, raft.ProtocolHandler.OnMetadata)
}

// Register installs the handler of member. A LocalProtocol may register handlers for any member, which lets tests
// stand in for remote members.
func (p *LocalProtocol) Register(member raft.MemberID, handler raft.ProtocolHandler) {
	p.network.register(member, handler)
}

func (p *LocalProtocol) Unregister(member raft.MemberID) {
	p.network.unregister(member)
}

var _ raft.Protocol = (*LocalProtocol)(nil)
