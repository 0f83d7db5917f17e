package config

import (
	"errors"
	"fmt"
	"strings"
)

// ValidationError lists every invalid field of a configuration.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}

var validMemberTypes = map[string]bool{
	"ACTIVE":     true,
	"PASSIVE":    true,
	"PROMOTABLE": true,
	"BOOTSTRAP":  true,
}

// Validate checks the configuration for values the member cannot run with.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.Node.ID == "" {
		add("node.id must not be empty")
	}
	if c.Election.Timeout <= 0 {
		add("election.timeout must be positive")
	}
	if c.Partition.HeartbeatInterval <= 0 {
		add("partition.heartbeatInterval must be positive")
	} else if c.Partition.HeartbeatInterval >= c.Election.Timeout {
		add("partition.heartbeatInterval (%s) must be lower than election.timeout (%s)",
			c.Partition.HeartbeatInterval, c.Election.Timeout)
	}
	if c.Partition.MaxAppendBatchSize <= 0 {
		add("partition.maxAppendBatchSize must be positive")
	}
	if c.Partition.MaxAppendsPerFollower <= 0 {
		add("partition.maxAppendsPerFollower must be positive")
	}
	if c.Partition.SnapshotChunkSize <= 0 {
		add("partition.snapshotChunkSize must be positive")
	}
	if c.Storage.FreeDiskBuffer < 0 || c.Storage.FreeDiskBuffer >= 1 {
		add("storage.freeDiskBuffer must be in [0, 1)")
	}
	if c.Storage.FreeMemoryBuffer < 0 || c.Storage.FreeMemoryBuffer >= 1 {
		add("storage.freeMemoryBuffer must be in [0, 1)")
	}
	if c.Snapshot.Interval <= 0 {
		add("snapshot.interval must be positive")
	}

	seen := make(map[string]bool)
	for i, m := range c.Cluster.Members {
		if m.ID == "" {
			add("cluster.members[%d].id must not be empty", i)
		}
		if seen[m.ID] {
			add("cluster.members[%d].id %q is duplicated", i, m.ID)
		}
		seen[m.ID] = true
		if m.Type != "" && !validMemberTypes[strings.ToUpper(m.Type)] {
			add("cluster.members[%d].type %q is unknown", i, m.Type)
		}
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json", "console":
	default:
		add("logging.format %q must be json or console", c.Logging.Format)
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// IsValidationError reports whether err is a ValidationError.
func IsValidationError(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
