package server

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"raftcore/internal/config"
	"raftcore/internal/pubsub"
	"raftcore/internal/raft"
	"raftcore/internal/raft/state_machine"
	"raftcore/internal/raft/storage"
)

// Server is a raft member backed by bbolt storage. It publishes the changes of its consensus state as pubsub events,
// the Monitor subscribes to them.
type Server struct {
	cfg     *config.Config
	raft    *RaftContext
	pubSub  *pubsub.PubSubClient
	monitor *Monitor
	logger  *zap.Logger
}

// NewServer opens the storage in cfg.Storage.DataDir and restores the member from it. The member stays INACTIVE
// until Start or Join.
func NewServer(cfg *config.Config, protocol raft.Protocol, types *state_machine.Registry,
	metrics raft.MetricsCollector, logger *zap.Logger, opts ...Option) (*Server, error) {
	store, err := storage.Open(cfg.Storage.DataDir, storage.Options{
		FlushExplicitly: cfg.Storage.FlushExplicitly,
		LockTimeout:     cfg.Storage.LockTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("open storage of %s: %w", cfg.Node.ID, err)
	}

	c, err := NewRaftContext(cfg, protocol, StoresFromStorage(store), types, metrics, logger, opts...)
	if err != nil {
		if e := store.Close(); e != nil {
			logger.Error("Failed to close the storage", zap.Error(e))
		}
		return nil, err
	}

	s := &Server{
		cfg:    cfg,
		raft:   c,
		pubSub: pubsub.NewPubSub(logger),
		logger: logger.Named("server"),
	}
	s.monitor = NewMonitor(s.pubSub, logger)
	go s.monitor.Run()

	c.AddRoleListener(func(change RoleChange) {
		pubsub.Publish(s.pubSub, pubsub.NewEvent(RoleChanged, change))
	})
	c.AddStateListener(func(state raft.State) {
		pubsub.Publish(s.pubSub, pubsub.NewEvent(StateChanged, state))
	})
	c.AddElectionListener(func(leader raft.MemberID) {
		pubsub.Publish(s.pubSub, pubsub.NewEvent(LeaderElected, leader))
	})
	c.AddFailureListener(func(failure Failure) {
		pubsub.Publish(s.pubSub, pubsub.NewEvent(MemberFailed, failure))
	})
	return s, nil
}

// Start makes the member participate in the cluster. A member listed in cfg.Cluster.Members bootstraps the
// configuration, any other member joins through the listed ones. Start returns once the member is READY.
func (s *Server) Start(ctx context.Context) error {
	members, err := bootstrapMembers(s.cfg)
	if err != nil {
		return err
	}

	local := raft.MemberID(s.cfg.Node.ID)
	for _, m := range members {
		if m.ID == local {
			s.logger.Info("Bootstrapping cluster", zap.Int("members", len(members)))
			_, err := awaitFuture(ctx, s.raft, s.raft.Bootstrap(members))
			return err
		}
	}

	assisting := make([]raft.MemberID, 0, len(members))
	for _, m := range members {
		assisting = append(assisting, m.ID)
	}
	return s.Join(ctx, assisting)
}

// Join adds the member to an existing cluster through the assisting members
func (s *Server) Join(ctx context.Context, assisting []raft.MemberID) error {
	s.logger.Info("Joining cluster", zap.Int("assisting", len(assisting)))
	_, err := awaitFuture(ctx, s.raft, s.raft.Join(assisting))
	return err
}

func bootstrapMembers(cfg *config.Config) ([]raft.Member, error) {
	members := make([]raft.Member, 0, len(cfg.Cluster.Members))
	for _, m := range cfg.Cluster.Members {
		t := raft.MemberTypeActive
		if m.Type != "" {
			var err error
			if t, err = raft.ParseMemberType(m.Type); err != nil {
				return nil, fmt.Errorf("member %s: %w", m.ID, err)
			}
		}
		members = append(members, raft.Member{ID: raft.MemberID(m.ID), Type: t, Priority: m.Priority})
	}
	return members, nil
}

// Context returns the consensus state of the member, it serves the client operations
func (s *Server) Context() *RaftContext {
	return s.raft
}

// PubSub returns the broker the server publishes its events to
func (s *Server) PubSub() *pubsub.PubSubClient {
	return s.pubSub
}

func (s *Server) Monitor() *Monitor {
	return s.monitor
}

// Shutdown stops the member without removing it from the cluster configuration. The event broker is drained before
// Shutdown returns.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down")
	err := s.raft.Close(ctx)
	pubsub.Publish(s.pubSub, pubsub.NewEvent(ServerShutDown, struct{}{}))
	s.pubSub.GracefulShutdown()
	<-s.monitor.Done()
	return err
}
