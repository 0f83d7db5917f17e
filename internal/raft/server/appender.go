package server

import (
	"sort"
	"time"

	"go.uber.org/zap"

	"raftcore/internal/concurrent"
	"raftcore/internal/raft"
)

// maxFailuresBeforeProbing is the number of consecutive failures after which a member only receives empty appends
// until it answers again
const maxFailuresBeforeProbing = 5

// memberContext is the replication state the leader keeps for one remote member
type memberContext struct {
	member raft.Member
	// The index of the next entry to send, and the highest index known to be replicated on the member
	nextIndex  uint64
	matchIndex uint64
	// The configuration the member acknowledged
	configIndex uint64
	configTerm  uint64
	configuring bool
	// The snapshot being sent and the offset of its next chunk
	snapshotIndex  uint64
	snapshotOffset uint64
	installing     bool

	appending       int
	appendSucceeded bool
	failures        int
	// The send time of the latest request the member answered, and when it last answered
	heartbeatTime time.Time
	responseTime  time.Time
}

type heartbeatFuture struct {
	time   time.Time
	future *concurrent.Future[uint64]
}

// leaderAppender replicates the leader's log to the other members. Appends are pipelined: while a member keeps
// acknowledging, up to MaxAppendsPerFollower requests are in flight. An entry commits once a quorum of voting
// members stored it and it belongs to the leader's term.
type leaderAppender struct {
	raft   *RaftContext
	leader *leaderRole
	logger *zap.Logger

	members          map[raft.MemberID]*memberContext
	leaderTime       time.Time
	leaderIndex      uint64
	appendFutures    map[uint64]*concurrent.Future[uint64]
	heartbeatFutures []heartbeatFuture
	open             bool
}

func newLeaderAppender(leader *leaderRole) *leaderAppender {
	a := &leaderAppender{
		raft:          leader.raft,
		leader:        leader,
		logger:        leader.logger.Named("appender"),
		members:       make(map[raft.MemberID]*memberContext),
		leaderTime:    time.Now(),
		leaderIndex:   leader.raft.log.LastIndex() + 1,
		appendFutures: make(map[uint64]*concurrent.Future[uint64]),
		open:          true,
	}
	a.syncMembers()
	return a
}

// syncMembers creates a context for every remote member of the latest configuration and drops removed ones
func (a *leaderAppender) syncMembers() {
	remote := a.raft.cluster.remoteMembers()
	seen := make(map[raft.MemberID]bool, len(remote))
	for _, m := range remote {
		seen[m.ID] = true
		if ctx, ok := a.members[m.ID]; ok {
			ctx.member = m
			continue
		}
		a.members[m.ID] = &memberContext{
			member:       m,
			nextIndex:    a.raft.log.LastIndex() + 1,
			responseTime: a.leaderTime,
		}
	}
	for id := range a.members {
		if !seen[id] {
			delete(a.members, id)
		}
	}
}

func (a *leaderAppender) votingMembers() []*memberContext {
	var voters []*memberContext
	for _, m := range a.members {
		if m.member.Type.IsVoting() {
			voters = append(voters, m)
		}
	}
	return voters
}

// appendEntries replicates the log through index and returns a future completed once index is committed. Index 0
// sends a heartbeat instead, completed once a quorum answered a request sent after the call.
func (a *leaderAppender) appendEntries(index uint64) *concurrent.Future[uint64] {
	if index == 0 {
		return a.heartbeat()
	}
	if !a.open {
		return concurrent.Failed[uint64](raft.ErrNotLeader)
	}
	if index <= a.raft.getCommitIndex() {
		return concurrent.Completed(index)
	}

	if len(a.votingMembers()) == 0 {
		a.raft.SetCommitIndex(index)
		a.appendToAll(false)
		return concurrent.Completed(index)
	}

	future, ok := a.appendFutures[index]
	if !ok {
		future = concurrent.NewFuture[uint64]()
		a.appendFutures[index] = future
	}
	a.appendToAll(false)
	return future
}

func (a *leaderAppender) heartbeat() *concurrent.Future[uint64] {
	if !a.open {
		return concurrent.Failed[uint64](raft.ErrNotLeader)
	}
	if len(a.votingMembers()) == 0 {
		return concurrent.Completed(a.raft.getCommitIndex())
	}
	future := concurrent.NewFuture[uint64]()
	a.heartbeatFutures = append(a.heartbeatFutures, heartbeatFuture{time: time.Now(), future: future})
	a.appendToAll(true)
	return future
}

// onHeartbeatTick runs every heartbeat interval
func (a *leaderAppender) onHeartbeatTick() {
	if !a.open {
		return
	}
	a.failStaleHeartbeats()
	a.appendToAll(true)
}

func (a *leaderAppender) appendToAll(force bool) {
	for _, m := range a.members {
		a.appendToMember(m, force)
	}
}

// appendToMember sends the next request the member needs: its configuration, a snapshot chunk or entries
func (a *leaderAppender) appendToMember(m *memberContext, force bool) {
	if !a.open || m.configuring || m.installing {
		return
	}
	cfg := a.raft.cluster.configuration
	if cfg != nil && (m.configTerm < a.raft.getTerm() || m.configIndex < cfg.Index) {
		a.sendConfigure(m, cfg)
		return
	}
	if a.needsSnapshot(m) {
		a.sendInstall(m)
		return
	}

	hasEntries := m.nextIndex <= a.raft.log.LastIndex()
	if m.appending == 0 {
		if hasEntries || force || a.heartbeatPending(m) {
			a.sendAppend(m, m.failures < maxFailuresBeforeProbing)
		}
		return
	}
	if hasEntries && m.appendSucceeded && m.failures == 0 &&
		m.appending < a.raft.cfg.Partition.MaxAppendsPerFollower {
		a.sendAppend(m, true)
	}
}

// needsSnapshot reports whether the member can only be caught up with a snapshot: the entries it needs were
// compacted, or the entry preceding them was compacted and the member never acknowledged it, so its term cannot
// be checked.
func (a *leaderAppender) needsSnapshot(m *memberContext) bool {
	first := a.raft.log.FirstIndex()
	prevIndex := m.nextIndex - 1
	if m.nextIndex >= first {
		if prevIndex == 0 || prevIndex >= first || m.matchIndex >= prevIndex || a.raft.termAt(prevIndex) != 0 {
			return false
		}
	}
	snapshot, err := a.raft.snapshots.Latest()
	return err == nil && snapshot != nil
}

func (a *leaderAppender) buildAppendRequest(m *memberContext, withEntries bool) *raft.AppendRequest {
	prevIndex := m.nextIndex - 1
	req := &raft.AppendRequest{
		Term:         a.raft.getTerm(),
		Leader:       a.raft.member,
		PrevLogIndex: prevIndex,
		PrevLogTerm:  a.raft.termAt(prevIndex),
		CommitIndex:  a.raft.getCommitIndex(),
	}
	if !withEntries {
		return req
	}
	last := a.raft.log.LastIndex()
	batch := a.raft.cfg.Partition.MaxAppendBatchSize
	for index := m.nextIndex; index <= last && len(req.Entries) < batch; index++ {
		entry, err := a.raft.log.Entry(index)
		if err != nil {
			a.logger.Warn("Failed to read entry", zap.Uint64("index", index), zap.Error(err))
			break
		}
		req.Entries = append(req.Entries, entry)
	}
	return req
}

func (a *leaderAppender) sendAppend(m *memberContext, withEntries bool) {
	req := a.buildAppendRequest(m, withEntries)
	if n := len(req.Entries); n > 0 {
		m.nextIndex = req.Entries[n-1].Index + 1
	}
	m.appending++
	sent := time.Now()

	call(a.raft, m.member.ID, req, a.raft.protocol.Append, func(resp *raft.AppendResponse, err error) {
		m.appending--
		if !a.open {
			return
		}
		if err != nil {
			a.failAttempt(m, err)
			return
		}
		a.handleAppendResponse(m, req, resp, sent)
	})
}

func (a *leaderAppender) handleAppendResponse(m *memberContext, req *raft.AppendRequest, resp *raft.AppendResponse,
	sent time.Time) {
	if !resp.OK() {
		a.failAttempt(m, resp.Err())
		return
	}
	if resp.Term > a.raft.getTerm() {
		a.logger.Info("Found a newer term, stepping down", zap.String("member", string(m.member.ID)),
			zap.Uint64("term", resp.Term))
		a.raft.SetTerm(resp.Term)
		a.leader.stepDown()
		return
	}
	a.succeedAttempt(m, sent)

	if resp.Succeeded {
		m.appendSucceeded = true
		last := req.PrevLogIndex + uint64(len(req.Entries))
		if last > m.matchIndex {
			m.matchIndex = last
			m.nextIndex = max(m.nextIndex, last+1)
			a.commitEntries()
		}
	} else {
		m.appendSucceeded = false
		m.nextIndex = max(m.matchIndex+1, min(resp.LastLogIndex+1, req.PrevLogIndex))
		if m.nextIndex == 0 {
			m.nextIndex = 1
		}
		a.logger.Debug("Member log is inconsistent, backing off", zap.String("member", string(m.member.ID)),
			zap.Uint64("next_index", m.nextIndex))
	}
	if a.open {
		a.appendToMember(m, false)
	}
}

func (a *leaderAppender) sendConfigure(m *memberContext, cfg *raft.Configuration) {
	req := &raft.ConfigureRequest{
		Term:      a.raft.getTerm(),
		Leader:    a.raft.member,
		Index:     cfg.Index,
		Timestamp: cfg.Time,
		Members:   cfg.Members,
	}
	m.configuring = true
	sent := time.Now()
	call(a.raft, m.member.ID, req, a.raft.protocol.Configure, func(resp *raft.ConfigureResponse, err error) {
		m.configuring = false
		if !a.open {
			return
		}
		if err == nil {
			err = resp.Err()
		}
		if err != nil {
			a.failAttempt(m, err)
			return
		}
		m.configIndex = req.Index
		m.configTerm = req.Term
		a.succeedAttempt(m, sent)
		a.appendToMember(m, false)
	})
}

// sendInstall sends the next chunk of the latest snapshot. A failed chunk restarts the transfer.
func (a *leaderAppender) sendInstall(m *memberContext) {
	snapshot, err := a.raft.snapshots.Latest()
	if err != nil || snapshot == nil {
		a.logger.Warn("No snapshot to install", zap.String("member", string(m.member.ID)), zap.Error(err))
		return
	}
	if m.snapshotIndex != snapshot.Index {
		m.snapshotIndex = snapshot.Index
		m.snapshotOffset = 0
	}
	offset := m.snapshotOffset
	end := min(offset+uint64(a.raft.cfg.Partition.SnapshotChunkSize), uint64(len(snapshot.Data)))
	req := &raft.InstallRequest{
		Term:         a.raft.getTerm(),
		Leader:       a.raft.member,
		Index:        snapshot.Index,
		SnapshotTerm: snapshot.Term,
		Timestamp:    snapshot.Timestamp,
		Offset:       offset,
		Data:         snapshot.Data[offset:end],
		Complete:     end == uint64(len(snapshot.Data)),
	}
	if offset == 0 {
		a.logger.Info("Installing snapshot on member", zap.String("member", string(m.member.ID)),
			zap.Uint64("index", snapshot.Index), zap.Int("size", len(snapshot.Data)))
	}

	m.installing = true
	sent := time.Now()
	call(a.raft, m.member.ID, req, a.raft.protocol.Install, func(resp *raft.InstallResponse, err error) {
		m.installing = false
		if !a.open {
			return
		}
		if err == nil {
			err = resp.Err()
		}
		if err != nil {
			m.snapshotOffset = 0
			a.failAttempt(m, err)
			return
		}
		a.succeedAttempt(m, sent)
		if req.Complete {
			m.nextIndex = req.Index + 1
			m.matchIndex = max(m.matchIndex, req.Index)
			m.snapshotIndex = 0
			m.snapshotOffset = 0
			a.commitEntries()
		} else {
			m.snapshotOffset = end
		}
		a.appendToMember(m, false)
	})
}

func (a *leaderAppender) succeedAttempt(m *memberContext, sent time.Time) {
	m.failures = 0
	m.responseTime = time.Now()
	if sent.After(m.heartbeatTime) {
		m.heartbeatTime = sent
	}
	a.completeHeartbeats()
}

// failAttempt counts a failed request. The leader steps down once it could not reach a quorum for longer than
// MaxQuorumResponseTimeout.
func (a *leaderAppender) failAttempt(m *memberContext, err error) {
	m.failures++
	m.appendSucceeded = false
	if m.failures == 1 || m.failures%maxFailuresBeforeProbing == 0 {
		a.logger.Debug("Failed to replicate to member", zap.String("member", string(m.member.ID)),
			zap.Int("failures", m.failures), zap.Error(err))
	}

	partition := a.raft.cfg.Partition
	if m.failures >= partition.MinStepDownFailureCount &&
		time.Since(a.quorumTime(func(m *memberContext) time.Time { return m.responseTime })) > partition.MaxQuorumResponseTimeout {
		a.logger.Warn("Lost contact with a quorum, stepping down", zap.Error(err))
		a.leader.stepDown()
	}
}

// quorumTime returns the latest time a quorum of voting members, the leader included, reached according to get
func (a *leaderAppender) quorumTime(get func(*memberContext) time.Time) time.Time {
	voters := a.votingMembers()
	if len(voters) == 0 {
		return time.Now()
	}
	times := make([]time.Time, len(voters))
	for i, m := range voters {
		times[i] = get(m)
	}
	sort.Slice(times, func(i, j int) bool { return times[i].After(times[j]) })
	quorum := (len(voters)+1)/2 + 1
	return times[quorum-2]
}

// commitEntries raises the commit index to the highest index stored on a quorum of voting members, as long as it
// belongs to the leader's term
func (a *leaderAppender) commitEntries() {
	voters := a.votingMembers()
	var commitIndex uint64
	if len(voters) == 0 {
		commitIndex = a.raft.log.LastIndex()
	} else {
		matches := make([]uint64, len(voters))
		for i, m := range voters {
			matches[i] = m.matchIndex
		}
		sort.Slice(matches, func(i, j int) bool { return matches[i] > matches[j] })
		commitIndex = matches[(len(voters)+1)/2+1-2]
	}

	previous := a.raft.getCommitIndex()
	if commitIndex <= previous || commitIndex < a.leaderIndex {
		return
	}
	commitIndex = a.raft.SetCommitIndex(commitIndex)
	a.completeAppends(commitIndex)
}

func (a *leaderAppender) completeAppends(commitIndex uint64) {
	var indexes []uint64
	for index := range a.appendFutures {
		if index <= commitIndex {
			indexes = append(indexes, index)
		}
	}
	sort.Slice(indexes, func(i, j int) bool { return indexes[i] < indexes[j] })
	futures := make([]*concurrent.Future[uint64], len(indexes))
	for i, index := range indexes {
		futures[i] = a.appendFutures[index]
		delete(a.appendFutures, index)
	}
	// callbacks may step down and close the appender
	for i, future := range futures {
		future.Complete(indexes[i])
	}
}

func (a *leaderAppender) heartbeatPending(m *memberContext) bool {
	n := len(a.heartbeatFutures)
	return n > 0 && a.heartbeatFutures[n-1].time.After(m.heartbeatTime)
}

// completeHeartbeats completes the heartbeats a quorum answered
func (a *leaderAppender) completeHeartbeats() {
	if len(a.heartbeatFutures) == 0 {
		return
	}
	reached := a.quorumTime(func(m *memberContext) time.Time { return m.heartbeatTime })
	futures := a.heartbeatFutures
	i := 0
	for i < len(futures) && !futures[i].time.After(reached) {
		i++
	}
	a.heartbeatFutures = futures[i:]
	commitIndex := a.raft.getCommitIndex()
	for _, h := range futures[:i] {
		h.future.Complete(commitIndex)
	}
}

// failStaleHeartbeats fails heartbeats a quorum did not answer within an election timeout
func (a *leaderAppender) failStaleHeartbeats() {
	deadline := time.Now().Add(-a.raft.cfg.Election.Timeout)
	futures := a.heartbeatFutures
	i := 0
	for i < len(futures) && futures[i].time.Before(deadline) {
		i++
	}
	a.heartbeatFutures = futures[i:]
	for _, h := range futures[:i] {
		h.future.Fail(raft.NewProtocolError("failed to reach a quorum"))
	}
}

// close fails every pending future, responses arriving later are ignored
func (a *leaderAppender) close() {
	if !a.open {
		return
	}
	a.open = false
	futures := a.appendFutures
	a.appendFutures = make(map[uint64]*concurrent.Future[uint64])
	for _, f := range futures {
		f.Fail(raft.ErrNotLeader)
	}
	heartbeats := a.heartbeatFutures
	a.heartbeatFutures = nil
	for _, h := range heartbeats {
		h.future.Fail(raft.ErrNotLeader)
	}
}
