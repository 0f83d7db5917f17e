// Command demo runs a raft cluster inside one process. Members talk over an in-process network and persist their
// state in bbolt files under the data directory. The demo writes to a key-value service, crashes the leader and
// checks the cluster recovers, then prints the metrics of every member.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	gometrics "github.com/armon/go-metrics"
	"go.uber.org/zap"

	"raftcore/internal/config"
	"raftcore/internal/logging"
	"raftcore/internal/raft"
	"raftcore/internal/raft/metrics"
	"raftcore/internal/raft/protocol"
	"raftcore/internal/raft/server"
	"raftcore/internal/raft/state_machine"
)

type member struct {
	server  *server.Server
	metrics *metrics.Metrics
}

func main() {
	configPath := flag.String("config", "", "YAML configuration shared by every member")
	clusterSize := flag.Int("members", 3, "Number of members")
	dataDir := flag.String("data", "./data", "Directory holding the storage of every member")
	commands := flag.Int("commands", 10, "Number of commands written before and after the leader crash")
	flag.Parse()

	base := config.DefaultConfig()
	if *configPath != "" {
		var err error
		if base, err = config.LoadConfig(*configPath); err != nil {
			log.Fatalf("Failed to load configuration: %v", err)
		}
	}

	logger, err := logging.NewLogger(base.Logging, "demo")
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	signalCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Metrics of every member end up in the same sink, labelled with the member id
	sink := gometrics.NewInmemSink(10*time.Second, time.Minute)
	network := protocol.NewLocalNetwork(base.Partition.RequestTimeout, logger)
	members, err := createCluster(base, *clusterSize, *dataDir, network, sink)
	if err != nil {
		logger.Fatal("Failed to create cluster", zap.Error(err))
	}
	defer shutdownCluster(members, logger)

	if err := bootCluster(signalCtx, members); err != nil {
		logger.Error("Failed to boot cluster", zap.Error(err))
		return
	}

	if err := run(signalCtx, members, network, *commands, logger); err != nil {
		logger.Error("Demo failed", zap.Error(err))
	}
	for id, m := range members {
		logger.Info("Member metrics", zap.String("member", string(id)), zap.Any("report", m.metrics.GetReport()))
	}
}

func createCluster(base *config.Config, size int, dataDir string, network *protocol.LocalNetwork,
	sink gometrics.MetricSink) (map[raft.MemberID]*member, error) {
	var bootstrap []config.MemberConfig
	for i := 0; i < size; i++ {
		bootstrap = append(bootstrap, config.MemberConfig{ID: fmt.Sprintf("member-%d", i+1), Type: "ACTIVE"})
	}

	members := make(map[raft.MemberID]*member)
	for _, b := range bootstrap {
		cfg := *base
		cfg.Node.ID = b.ID
		cfg.Cluster.Members = bootstrap
		cfg.Storage.DataDir = filepath.Join(dataDir, b.ID)
		if err := cfg.Validate(); err != nil {
			return nil, err
		}

		logger, err := logging.NewLogger(cfg.Logging, b.ID)
		if err != nil {
			return nil, err
		}
		types := state_machine.NewRegistry()
		types.Register("kv", state_machine.KVFactory(logger))

		id := raft.MemberID(b.ID)
		m := &member{metrics: metrics.NewMetrics(id, sink)}
		m.server, err = server.NewServer(&cfg, network.Protocol(id, m.metrics), types, m.metrics, logger)
		if err != nil {
			return nil, fmt.Errorf("member %s: %w", b.ID, err)
		}
		members[id] = m
	}
	return members, nil
}

// bootCluster starts every member concurrently, a member is READY once the first leader committed an entry
func bootCluster(ctx context.Context, members map[raft.MemberID]*member) error {
	var wg sync.WaitGroup
	errs := make(chan error, len(members))
	for _, m := range members {
		wg.Add(1)
		go func(s *server.Server) {
			defer wg.Done()
			if err := s.Start(ctx); err != nil {
				errs <- fmt.Errorf("member %s: %w", s.Context().ID(), err)
			}
		}(m.server)
	}
	wg.Wait()
	close(errs)
	return <-errs
}

func run(ctx context.Context, members map[raft.MemberID]*member, network *protocol.LocalNetwork, commands int,
	logger *zap.Logger) error {
	leader, err := awaitLeader(ctx, members, "")
	if err != nil {
		return err
	}
	logger.Info("Leader elected", zap.String("leader", string(leader.ID())), zap.Uint64("term", leader.Term()))

	session, err := leader.OpenSession(ctx, "demo", "store", "kv", nil, 5*time.Second, 30*time.Second)
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}

	sequence := uint64(0)
	write := func(leader *server.RaftContext, from, to int) error {
		for i := from; i < to; i++ {
			sequence++
			op := fmt.Sprintf("SET key-%d=value-%d", i, i)
			result, err := leader.Command(ctx, session, sequence, []byte(op))
			if err != nil {
				return fmt.Errorf("command %q: %w", op, err)
			}
			if result.Err != nil {
				return fmt.Errorf("command %q: %w", op, result.Err)
			}
			logger.Info("Command committed", zap.String("operation", op), zap.Uint64("index", result.Index))
		}
		return nil
	}
	if err := write(leader, 0, commands); err != nil {
		return err
	}

	crashed := leader.ID()
	logger.Info("Crashing leader", zap.String("leader", string(crashed)))
	network.Isolate(crashed)

	leader, err = awaitLeader(ctx, members, crashed)
	if err != nil {
		return err
	}
	logger.Info("New leader elected", zap.String("leader", string(leader.ID())), zap.Uint64("term", leader.Term()))

	if err := write(leader, commands, 2*commands); err != nil {
		return err
	}
	result, err := leader.Query(ctx, session, sequence, []byte("GET key-0"))
	if err != nil {
		return fmt.Errorf("query: %w", err)
	}
	logger.Info("Read value written before the crash", zap.ByteString("value", result.Result))

	network.Heal()
	logger.Info("Healed network, old leader catches up", zap.String("member", string(crashed)))
	return nil
}

// awaitLeader polls the members until one other than excluded leads the cluster
func awaitLeader(ctx context.Context, members map[raft.MemberID]*member, excluded raft.MemberID) (*server.RaftContext, error) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		for id, m := range members {
			c := m.server.Context()
			if id != excluded && c.Role() == raft.RoleLeader {
				return c, nil
			}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func shutdownCluster(members map[raft.MemberID]*member, logger *zap.Logger) {
	// Every member has 5 seconds to close
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for id, m := range members {
		wg.Add(1)
		go func(id raft.MemberID, s *server.Server) {
			defer wg.Done()
			if err := s.Shutdown(ctx); err != nil {
				logger.Warn("Failed to shut down member", zap.String("member", string(id)), zap.Error(err))
			}
		}(id, m.server)
	}
	wg.Wait()
	logger.Info("Cluster exiting")
}
