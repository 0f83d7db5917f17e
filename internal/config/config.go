// Package config provides configuration parsing for a raft member.
package config

import "time"

// Config holds the complete member configuration.
type Config struct {
	Node      NodeConfig        `yaml:"node"`
	Cluster   ClusterConfig     `yaml:"cluster"`
	Election  ElectionConfig    `yaml:"election"`
	Partition PartitionConfig   `yaml:"partition"`
	Storage   StorageConfig     `yaml:"storage"`
	Snapshot  SnapshotConfig    `yaml:"snapshot"`
	Load      LoadMonitorConfig `yaml:"load"`
	Logging   LogConfig         `yaml:"logging"`
}

// NodeConfig identifies the local member.
type NodeConfig struct {
	ID       string `yaml:"id"`
	Priority int32  `yaml:"priority"`
	// ThreadChecks asserts that raft state is only touched from the raft goroutine. It slows every state access
	// and applies to the whole process.
	ThreadChecks bool `yaml:"threadChecks"`
}

// ClusterConfig holds the bootstrap membership.
type ClusterConfig struct {
	Members []MemberConfig `yaml:"members"`
}

// MemberConfig is one bootstrap member. Type is one of ACTIVE, PASSIVE, PROMOTABLE or BOOTSTRAP.
type MemberConfig struct {
	ID       string `yaml:"id"`
	Type     string `yaml:"type"`
	Priority int32  `yaml:"priority"`
}

// ElectionConfig holds election timer configuration.
type ElectionConfig struct {
	Timeout               time.Duration `yaml:"timeout"`
	PriorityElection      bool          `yaml:"priorityElection"`
	InitialTargetPriority int32         `yaml:"initialTargetPriority"`
}

// PartitionConfig holds replication configuration.
type PartitionConfig struct {
	HeartbeatInterval        time.Duration `yaml:"heartbeatInterval"`
	RequestTimeout           time.Duration `yaml:"requestTimeout"`
	MaxAppendBatchSize       int           `yaml:"maxAppendBatchSize"`
	MaxAppendsPerFollower    int           `yaml:"maxAppendsPerFollower"`
	MinStepDownFailureCount  int           `yaml:"minStepDownFailureCount"`
	MaxQuorumResponseTimeout time.Duration `yaml:"maxQuorumResponseTimeout"`
	SnapshotChunkSize        int           `yaml:"snapshotChunkSize"`
	JoinRetryBackoff         time.Duration `yaml:"joinRetryBackoff"`
}

// StorageConfig holds storage configuration.
type StorageConfig struct {
	DataDir              string        `yaml:"dataDir"`
	FlushExplicitly      bool          `yaml:"flushExplicitly"`
	LockTimeout          time.Duration `yaml:"lockTimeout"`
	ReplicationThreshold uint64        `yaml:"replicationThreshold"`
	FreeDiskBuffer       float64       `yaml:"freeDiskBuffer"`
	FreeMemoryBuffer     float64       `yaml:"freeMemoryBuffer"`
	DynamicCompaction    bool          `yaml:"dynamicCompaction"`
}

// SnapshotConfig holds snapshot scheduling configuration.
type SnapshotConfig struct {
	Interval        time.Duration `yaml:"interval"`
	CompletionDelay time.Duration `yaml:"completionDelay"`
	CompactDelay    time.Duration `yaml:"compactDelay"`
}

// LoadMonitorConfig configures the load monitor that postpones snapshots under high load.
type LoadMonitorConfig struct {
	Window            time.Duration `yaml:"window"`
	HighLoadThreshold int           `yaml:"highLoadThreshold"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}
