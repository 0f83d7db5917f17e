package raft

import (
	"fmt"
	"strings"
	"time"
)

// MemberID is the id of a member in the cluster
type MemberID string

// MemberType describes how a member participates in the cluster. Only ACTIVE (and BOOTSTRAP, which is an ACTIVE
// member that was part of the initial configuration) members vote and can become leaders.
type MemberType uint8

const (
	MemberTypeInactive MemberType = iota
	MemberTypePassive
	MemberTypePromotable
	MemberTypeActive
	MemberTypeBootstrap
)

// String returns the string representation of the MemberType
func (t MemberType) String() string {
	switch t {
	case MemberTypeInactive:
		return "INACTIVE"
	case MemberTypePassive:
		return "PASSIVE"
	case MemberTypePromotable:
		return "PROMOTABLE"
	case MemberTypeActive:
		return "ACTIVE"
	case MemberTypeBootstrap:
		return "BOOTSTRAP"
	default:
		return "UNKNOWN"
	}
}

// ParseMemberType parses the name of a member type, as written by MemberType.String
func ParseMemberType(s string) (MemberType, error) {
	switch strings.ToUpper(s) {
	case "INACTIVE":
		return MemberTypeInactive, nil
	case "PASSIVE":
		return MemberTypePassive, nil
	case "PROMOTABLE":
		return MemberTypePromotable, nil
	case "ACTIVE":
		return MemberTypeActive, nil
	case "BOOTSTRAP":
		return MemberTypeBootstrap, nil
	default:
		return MemberTypeInactive, fmt.Errorf("unknown member type %q", s)
	}
}

// IsVoting reports whether members of this type count towards the quorum
func (t MemberType) IsVoting() bool {
	return t == MemberTypeActive || t == MemberTypeBootstrap
}

// Member is a single entry of a cluster Configuration
type Member struct {
	ID       MemberID
	Type     MemberType
	Priority int32
	Updated  time.Time
}

// Configuration is a snapshot of the cluster membership. Index is the index of the log entry the configuration
// was appended at, the configuration only becomes committed once that index is committed.
type Configuration struct {
	Index   uint64
	Term    uint64
	Time    int64
	Members []Member
}

// Member returns the member with the given id
func (c *Configuration) Member(id MemberID) (Member, bool) {
	if c == nil {
		return Member{}, false
	}
	for _, m := range c.Members {
		if m.ID == id {
			return m, true
		}
	}
	return Member{}, false
}

// VotingMembers returns the ids of all members that count towards the quorum
func (c *Configuration) VotingMembers() []MemberID {
	if c == nil {
		return nil
	}
	ids := make([]MemberID, 0, len(c.Members))
	for _, m := range c.Members {
		if m.Type.IsVoting() {
			ids = append(ids, m.ID)
		}
	}
	return ids
}

// QuorumSize returns the number of votes needed for a majority: floor(n/2) + 1 voting members.
func (c *Configuration) QuorumSize() int {
	return len(c.VotingMembers())/2 + 1
}

// Clone returns a deep copy of the configuration
func (c *Configuration) Clone() *Configuration {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Members = append([]Member(nil), c.Members...)
	return &cp
}
