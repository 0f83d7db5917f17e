package config

import (
	"time"

	"github.com/google/uuid"
)

// DefaultConfig returns a configuration with default values. The member id is random.
func DefaultConfig() *Config {
	return &Config{
		Node: NodeConfig{
			ID:       uuid.NewString(),
			Priority: 1,
		},
		Election: ElectionConfig{
			Timeout:               2500 * time.Millisecond,
			PriorityElection:      false,
			InitialTargetPriority: 1,
		},
		Partition: PartitionConfig{
			HeartbeatInterval:        250 * time.Millisecond,
			RequestTimeout:           5 * time.Second,
			MaxAppendBatchSize:       256,
			MaxAppendsPerFollower:    2,
			MinStepDownFailureCount:  3,
			MaxQuorumResponseTimeout: 5 * time.Second,
			SnapshotChunkSize:        1 << 20,
			JoinRetryBackoff:         100 * time.Millisecond,
		},
		Storage: StorageConfig{
			DataDir:              "data",
			FlushExplicitly:      true,
			LockTimeout:          time.Second,
			ReplicationThreshold: 100,
			FreeDiskBuffer:       0.2,
			FreeMemoryBuffer:     0.2,
			DynamicCompaction:    true,
		},
		Snapshot: SnapshotConfig{
			Interval:        10 * time.Second,
			CompletionDelay: 10 * time.Second,
			CompactDelay:    10 * time.Second,
		},
		Load: LoadMonitorConfig{
			Window:            time.Second,
			HighLoadThreshold: 500,
		},
		Logging: LogConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}
