package raft

// Role is the role a member plays in the consensus protocol at any given point. The member starts as
// RoleInactive and moves between the roles as a result of membership changes, elections and failures.
type Role uint8

// As Golang does not support Enums this is a common pattern for implementing one
const (
	RoleInactive Role = iota
	RolePassive
	RolePromotable
	RoleFollower
	RoleCandidate
	RoleLeader
)

// String returns the string representation of the Role
func (r Role) String() string {
	switch r {
	case RoleInactive:
		return "INACTIVE"
	case RolePassive:
		return "PASSIVE"
	case RolePromotable:
		return "PROMOTABLE"
	case RoleFollower:
		return "FOLLOWER"
	case RoleCandidate:
		return "CANDIDATE"
	case RoleLeader:
		return "LEADER"
	default:
		return "UNKNOWN"
	}
}

// Active reports whether the role takes part in elections
func (r Role) Active() bool {
	return r == RoleFollower || r == RoleCandidate || r == RoleLeader
}

// State is the lifecycle state of a member. A member is ACTIVE once started and becomes READY after it committed
// through the commit index it observed when it started. LEFT is set after the member left the cluster.
type State uint8

const (
	StateActive State = iota
	StateReady
	StateLeft
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "ACTIVE"
	case StateReady:
		return "READY"
	case StateLeft:
		return "LEFT"
	default:
		return "UNKNOWN"
	}
}

// Health is reported to failure listeners
type Health uint8

const (
	HealthHealthy Health = iota
	// HealthUnhealthy means the member stopped participating but may recover after a restart
	HealthUnhealthy
	// HealthDead means the member hit an unrecoverable error, such as a corrupted snapshot
	HealthDead
)

func (h Health) String() string {
	switch h {
	case HealthHealthy:
		return "HEALTHY"
	case HealthUnhealthy:
		return "UNHEALTHY"
	case HealthDead:
		return "DEAD"
	default:
		return "UNKNOWN"
	}
}
