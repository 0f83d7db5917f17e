package service

import (
	"errors"
	"fmt"
	"math"
	"runtime"
	"runtime/debug"
	"sort"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"raftcore/internal/concurrent"
	"raftcore/internal/config"
	"raftcore/internal/raft"
	"raftcore/internal/raft/state_machine"
)

// Raft is the part of the consensus context the manager depends on
type Raft interface {
	Log() raft.Log
	SnapshotStore() raft.SnapshotStore
	LastApplied() uint64
	LastAppliedTerm() uint64
	// SetLastApplied is called on the service goroutine once the entry at index was applied
	SetLastApplied(index, term uint64)
	// Compact hands the index of a completed snapshot to the log compactor, on the raft goroutine
	Compact(index uint64, force bool)
	// ReportUnrecoverable is called once when the manager stops applying entries for good
	ReportUnrecoverable(err error)
}

// DiskStatistics reports the free disk space of the storage directory
type DiskStatistics interface {
	UsableRatio() (float64, error)
}

// Options tunes snapshotting
type Options struct {
	SnapshotInterval  time.Duration
	CompletionDelay   time.Duration
	CompactDelay      time.Duration
	DynamicCompaction bool
	FreeDiskBuffer    float64
	FreeMemoryBuffer  float64
	LoadWindow        time.Duration
	HighLoadThreshold int
}

// OptionsFromConfig extracts the manager options from the member configuration
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		SnapshotInterval:  cfg.Snapshot.Interval,
		CompletionDelay:   cfg.Snapshot.CompletionDelay,
		CompactDelay:      cfg.Snapshot.CompactDelay,
		DynamicCompaction: cfg.Storage.DynamicCompaction,
		FreeDiskBuffer:    cfg.Storage.FreeDiskBuffer,
		FreeMemoryBuffer:  cfg.Storage.FreeMemoryBuffer,
		LoadWindow:        cfg.Load.Window,
		HighLoadThreshold: cfg.Load.HighLoadThreshold,
	}
}

// Manager applies committed entries to the services in strict index order. Entries are read from the log on the
// raft goroutine and applied on the service goroutine, sessions and services are owned by the latter.
//
// A manager that failed to install a snapshot enters a terminal state: every further entry is refused with
// raft.ErrSnapshotInstallFailed and the failure is reported to the raft context as unrecoverable.
type Manager struct {
	raft          Raft
	raftThread    concurrent.Scheduler
	serviceThread concurrent.Scheduler
	types         *state_machine.Registry
	opts          Options
	load          *LoadMonitor
	stats         DiskStatistics
	metrics       raft.MetricsCollector
	logger        *zap.Logger

	// raft goroutine
	reader        *raft.Reader
	futures       map[uint64]*concurrent.Future[any]
	lastEnqueued  uint64
	epoch         uint64
	lastCompacted uint64
	compactFuture *concurrent.Future[struct{}]
	snapshotTimer concurrent.Scheduled

	// service goroutine
	services      map[string]*ServiceContext
	sessions      *sessionRegistry
	snapshotIndex uint64

	failure atomic.Pointer[error]
	closed  atomic.Bool
}

// NewManager creates a manager reading r's log from its first index
func NewManager(r Raft, raftThread, serviceThread concurrent.Scheduler, types *state_machine.Registry, opts Options,
	stats DiskStatistics, metrics raft.MetricsCollector, logger *zap.Logger) *Manager {
	if metrics == nil {
		metrics = raft.NoopMetricsCollector{}
	}
	log := r.Log()
	return &Manager{
		raft:          r,
		raftThread:    raftThread,
		serviceThread: serviceThread,
		types:         types,
		opts:          opts,
		load:          NewLoadMonitor(opts.LoadWindow, opts.HighLoadThreshold),
		stats:         stats,
		metrics:       metrics,
		logger:        logger.Named("services"),
		reader:        raft.NewReader(log, log.FirstIndex(), raft.ReadCommits),
		futures:       make(map[uint64]*concurrent.Future[any]),
		lastEnqueued:  log.FirstIndex() - 1,
		services:      make(map[string]*ServiceContext),
		sessions:      newSessionRegistry(),
	}
}

// Start schedules periodic snapshots
func (m *Manager) Start() {
	m.scheduleSnapshots()
}

// LoadMonitor returns the monitor counting applied commands
func (m *Manager) LoadMonitor() *LoadMonitor {
	return m.load
}

// Failed returns the error that moved the manager into its terminal state, nil while it is healthy
func (m *Manager) Failed() error {
	if err := m.failure.Load(); err != nil {
		return *err
	}
	return nil
}

// ApplyAll enqueues every entry up to index for application. Must be called on the raft goroutine.
func (m *Manager) ApplyAll(index uint64) {
	m.enqueueBatch(index)
}

// Apply enqueues every entry up to index and returns a future completed with the result of the entry at index.
// Must be called on the raft goroutine.
func (m *Manager) Apply(index uint64) *concurrent.Future[any] {
	future, ok := m.futures[index]
	if !ok {
		future = concurrent.NewFuture[any]()
		m.futures[index] = future
	}
	m.enqueueBatch(index)
	return future
}

// ApplyQuery runs a query against the state at the last applied index. Queries are never written to the log.
func (m *Manager) ApplyQuery(entry *raft.Entry) *concurrent.Future[any] {
	return m.applyEntry(entry)
}

func (m *Manager) enqueueBatch(index uint64) {
	for m.lastEnqueued < index {
		m.lastEnqueued++
		next, epoch := m.lastEnqueued, m.epoch
		m.raftThread.Execute(func() {
			if epoch == m.epoch {
				m.applyIndex(next)
			}
		})
	}
}

func (m *Manager) applyIndex(index uint64) {
	if m.reader.HasNext() && m.reader.NextIndex() == index {
		future := m.futures[index]
		delete(m.futures, index)

		entry, err := m.reader.Next()
		if err != nil {
			m.logger.Error("Failed to read entry", zap.Uint64("index", index), zap.Error(err))
			if future != nil {
				future.Fail(err)
			}
			return
		}

		term := entry.Term
		m.applyEntry(entry).OnComplete(func(result any, err error) {
			if m.Failed() == nil {
				m.raft.SetLastApplied(index, term)
			}
			if future != nil {
				future.Resolve(result, err)
			}
		})
		return
	}

	if future, ok := m.futures[index]; ok {
		delete(m.futures, index)
		m.logger.Error("Cannot apply index", zap.Uint64("index", index))
		future.Fail(fmt.Errorf("cannot apply index %d: %w", index, raft.ErrIndexOutOfBounds))
	}
}

func (m *Manager) applyEntry(entry *raft.Entry) *concurrent.Future[any] {
	future := concurrent.NewFuture[any]()
	ok := m.serviceThread.Execute(func() {
		if err := m.Failed(); err != nil {
			future.Fail(err)
			return
		}
		if entry.Type() == raft.EntryQuery {
			future.Resolve(m.applyQuery(entry))
			return
		}

		snapshot, err := m.raft.SnapshotStore().Latest()
		if err != nil {
			m.logger.Warn("Failed to read the latest snapshot", zap.Error(err))
		}
		if snapshot != nil {
			if snapshot.Index > m.snapshotIndex && (snapshot.Index == entry.Index || snapshot.Index+1 == entry.Index) {
				if err := m.install(snapshot); err != nil {
					m.fail(err)
					future.Fail(err)
					return
				}
			}
			if snapshot.Index >= entry.Index {
				future.Complete(nil)
				return
			}
		}

		future.Resolve(m.apply(entry))
	})
	if !ok {
		future.Fail(raft.ErrClosed)
	}
	return future
}

func (m *Manager) apply(entry *raft.Entry) (any, error) {
	m.logger.Debug("Applying entry", zap.Uint64("index", entry.Index), zap.Stringer("type", entry.Type()))

	switch p := entry.Payload.(type) {
	case *raft.CommandEntry:
		return m.applyCommand(entry, p)
	case *raft.OpenSessionEntry:
		return m.applyOpenSession(entry, p)
	case *raft.KeepAliveEntry:
		return m.applyKeepAlive(entry, p)
	case *raft.CloseSessionEntry:
		return nil, m.applyCloseSession(entry, p)
	case *raft.MetadataEntry:
		return m.applyMetadata(p)
	case *raft.InitializeEntry, *raft.ConfigurationEntry:
		m.keepAliveSessions(entry.Index, entry.Timestamp)
		return nil, nil
	case *raft.ApplicationEntry:
		return nil, nil
	default:
		return nil, raft.NewProtocolError("unknown entry type %T at index %d", entry.Payload, entry.Index)
	}
}

func (m *Manager) applyCommand(entry *raft.Entry, p *raft.CommandEntry) (any, error) {
	session, ok := m.sessions.get(p.Session)
	if !ok {
		// sessions may legitimately be gone after a snapshot was installed
		m.logger.Debug("Unknown session", zap.Uint64("session", p.Session), zap.Uint64("index", entry.Index))
		return nil, fmt.Errorf("session %d: %w", p.Session, raft.ErrUnknownSession)
	}
	m.load.RecordEvent()
	return session.service.executeCommand(entry.Index, p.Sequence, entry.Timestamp, session, p.Operation), nil
}

func (m *Manager) applyQuery(entry *raft.Entry) (any, error) {
	p, ok := entry.Payload.(*raft.QueryEntry)
	if !ok {
		return nil, raft.NewProtocolError("query entry with payload %T", entry.Payload)
	}
	session, ok := m.sessions.get(p.Session)
	if !ok {
		m.logger.Warn("Unknown session", zap.Uint64("session", p.Session))
		return nil, fmt.Errorf("session %d: %w", p.Session, raft.ErrUnknownSession)
	}
	return session.service.executeQuery(entry.Index, p.Sequence, entry.Timestamp, session, p.Operation), nil
}

func (m *Manager) applyOpenSession(entry *raft.Entry, p *raft.OpenSessionEntry) (any, error) {
	service, ok := m.services[p.ServiceName]
	if !ok {
		sm, err := m.types.New(p.ServiceType, p.Config)
		if err != nil {
			return nil, err
		}
		service = m.registerService(newServiceContext(entry.Index, p.ServiceName, p.ServiceType, p.Config, sm, m.sessions, m.logger))
	}

	session := newSession(entry.Index, p.MemberID, p.ServiceName, p.ServiceType, p.MinTimeout, p.MaxTimeout, entry.Timestamp, service)
	m.sessions.add(session)
	return service.openSession(entry.Index, entry.Timestamp, session), nil
}

func (m *Manager) applyKeepAlive(entry *raft.Entry, p *raft.KeepAliveEntry) (any, error) {
	if len(p.CommandSequences) != len(p.SessionIDs) || len(p.EventIndexes) != len(p.SessionIDs) {
		return nil, raft.NewProtocolError("keep-alive with %d sessions, %d sequences and %d event indexes",
			len(p.SessionIDs), len(p.CommandSequences), len(p.EventIndexes))
	}

	succeeded := make([]uint64, 0, len(p.SessionIDs))
	var services []*ServiceContext
	seen := make(map[*ServiceContext]bool)
	for i, id := range p.SessionIDs {
		session, ok := m.sessions.get(id)
		if !ok {
			continue
		}
		if session.service.keepAlive(entry.Index, entry.Timestamp, session, p.CommandSequences[i], p.EventIndexes[i]) {
			succeeded = append(succeeded, id)
			if !seen[session.service] {
				seen[session.service] = true
				services = append(services, session.service)
			}
		}
	}

	for _, service := range services {
		service.completeKeepAlive(entry.Index, entry.Timestamp)
	}
	m.expireOrphanSessions(entry.Timestamp)
	return succeeded, nil
}

// expireOrphanSessions removes timed out sessions of deleted services
func (m *Manager) expireOrphanSessions(timestamp int64) {
	for _, session := range m.sessions.all() {
		if session.service.deleted && session.isTimedOut(timestamp) {
			m.logger.Debug("Orphaned session expired",
				zap.Uint64("session", session.id),
				zap.Int64("idle_ms", timestamp-session.lastUpdated))
			m.sessions.remove(session.id)
			session.state = SessionExpired
		}
	}
}

func (m *Manager) applyCloseSession(entry *raft.Entry, p *raft.CloseSessionEntry) error {
	session, ok := m.sessions.get(p.Session)
	if !ok {
		return fmt.Errorf("session %d: %w", p.Session, raft.ErrUnknownSession)
	}

	service := session.service
	service.closeSession(entry.Index, entry.Timestamp, session, p.Expired)
	if p.Delete {
		if registered, ok := m.services[service.name]; ok && registered == service {
			delete(m.services, service.name)
		}
		service.close()
	}
	return nil
}

func (m *Manager) applyMetadata(p *raft.MetadataEntry) (any, error) {
	var serviceName string
	if p.Session > 0 {
		session, ok := m.sessions.get(p.Session)
		if !ok {
			m.logger.Warn("Unknown session", zap.Uint64("session", p.Session))
			return nil, fmt.Errorf("session %d: %w", p.Session, raft.ErrUnknownSession)
		}
		serviceName = session.serviceName
	}

	result := &MetadataResult{}
	for _, s := range m.sessions.all() {
		if serviceName == "" || s.serviceName == serviceName {
			result.Sessions = append(result.Sessions, s.metadata())
		}
	}
	return result, nil
}

func (m *Manager) keepAliveSessions(index uint64, timestamp int64) {
	for _, service := range m.sortedServices() {
		service.keepAliveSessions(index, timestamp)
	}
}

func (m *Manager) registerService(service *ServiceContext) *ServiceContext {
	if old, ok := m.services[service.name]; ok {
		old.unregisterSessions()
		old.close()
	}
	m.services[service.name] = service
	return service
}

func (m *Manager) sortedServices() []*ServiceContext {
	services := make([]*ServiceContext, 0, len(m.services))
	for _, s := range m.services {
		services = append(services, s)
	}
	sort.Slice(services, func(i, j int) bool { return services[i].name < services[j].name })
	return services
}

// Service returns the service registered under name. Must be called on the service goroutine.
func (m *Manager) Service(name string) (*ServiceContext, bool) {
	s, ok := m.services[name]
	return s, ok
}

// Session returns the open session with id. Must be called on the service goroutine.
func (m *Manager) Session(id uint64) (*Session, bool) {
	return m.sessions.get(id)
}

// Compact takes a snapshot of every service regardless of the load and compacts the log once it completes
func (m *Manager) Compact() *concurrent.Future[struct{}] {
	future := concurrent.NewFuture[struct{}]()
	ok := m.raftThread.Execute(func() {
		m.takeSnapshots(false, true).OnComplete(func(_ struct{}, err error) {
			future.Resolve(struct{}{}, err)
		})
	})
	if !ok {
		future.Fail(raft.ErrClosed)
	}
	return future
}

func (m *Manager) scheduleSnapshots() {
	if m.closed.Load() {
		return
	}
	m.snapshotTimer = m.raftThread.Schedule(m.opts.SnapshotInterval, func() {
		m.takeSnapshots(true, false)
	})
}

// takeSnapshots runs on the raft goroutine. Only one snapshot is in flight at any time.
func (m *Manager) takeSnapshots(reschedule, force bool) *concurrent.Future[struct{}] {
	if m.compactFuture != nil {
		if reschedule {
			m.compactFuture.OnComplete(func(struct{}, error) { m.scheduleSnapshots() })
		}
		return m.compactFuture
	}

	index := m.raft.LastApplied()
	if index <= m.lastCompacted || m.Failed() != nil {
		if reschedule {
			m.scheduleSnapshots()
		}
		return concurrent.Completed(struct{}{})
	}

	outOfDisk := m.isRunningOutOfDiskSpace()
	outOfMemory := m.isRunningOutOfMemory()
	if !force && !outOfMemory && m.opts.DynamicCompaction && !outOfDisk && m.load.IsUnderHighLoad() {
		m.logger.Debug("Skipping snapshot due to high load", zap.Int("load", m.load.Load()))
		if reschedule {
			m.scheduleSnapshots()
		}
		return concurrent.Completed(struct{}{})
	}

	m.logger.Debug("Snapshotting services", zap.Uint64("index", index))
	m.lastCompacted = index
	m.compactFuture = concurrent.NewFuture[struct{}]()
	future := m.compactFuture

	m.snapshot().OnComplete(func(snapshot *raft.Snapshot, err error) {
		if err != nil {
			m.logger.Error("Failed to snapshot services", zap.Error(err))
			m.raftThread.Execute(func() { m.completeCompaction(err) })
			return
		}
		m.tryToCompleteSnapshot(snapshot)
	})

	if reschedule {
		future.OnComplete(func(struct{}, error) { m.scheduleSnapshots() })
	}
	return future
}

func (m *Manager) completeCompaction(err error) {
	future := m.compactFuture
	m.compactFuture = nil
	if future != nil {
		future.Resolve(struct{}{}, err)
	}
}

func (m *Manager) snapshot() *concurrent.Future[*raft.Snapshot] {
	future := concurrent.NewFuture[*raft.Snapshot]()
	ok := m.serviceThread.Execute(func() {
		start := time.Now()
		snapshot, err := m.takeSnapshot()
		if err == nil {
			m.metrics.RecordSnapshotDuration(time.Since(start))
		}
		future.Resolve(snapshot, err)
	})
	if !ok {
		future.Fail(raft.ErrClosed)
	}
	return future
}

// takeSnapshot writes one block per service and saves the snapshot as pending
func (m *Manager) takeSnapshot() (*raft.Snapshot, error) {
	index, term := m.raft.LastApplied(), m.raft.LastAppliedTerm()

	var data []byte
	for _, service := range m.sortedServices() {
		state, err := service.sm.Backup()
		if err != nil {
			return nil, fmt.Errorf("backup service %s: %w", service.name, err)
		}
		block := &serviceSnapshot{
			id:          service.id,
			serviceType: service.serviceType,
			name:        service.name,
			config:      service.config,
			index:       service.currentIndex,
			timestamp:   service.currentTimestamp,
			state:       state,
		}
		for _, s := range service.sortedSessions() {
			block.sessions = append(block.sessions, sessionSnapshot{
				id:                  s.id,
				member:              string(s.member),
				minTimeout:          s.minTimeout,
				maxTimeout:          s.maxTimeout,
				lastUpdated:         s.lastUpdated,
				commandSequence:     s.commandSequence,
				commandLowWaterMark: s.commandLowWaterMark,
				eventIndex:          s.eventIndex,
				completeIndex:       s.completeIndex,
				results:             snapshotResults(s),
				events:              s.Events(),
			})
		}
		data = appendServiceBlock(data, block)
	}

	snapshot := &raft.Snapshot{Index: index, Term: term, Timestamp: time.Now().UnixMilli(), Data: data}
	if err := m.raft.SnapshotStore().Save(snapshot); err != nil {
		return nil, err
	}
	if index > m.snapshotIndex {
		m.snapshotIndex = index
	}
	return snapshot, nil
}

// tryToCompleteSnapshot runs on the service goroutine. The snapshot is completed once no session has pending state
// below its index, otherwise completion is retried later.
func (m *Manager) tryToCompleteSnapshot(snapshot *raft.Snapshot) {
	if !m.completeSnapshot(snapshot.Index) {
		m.scheduleCompletion(snapshot)
		return
	}

	m.logger.Debug("Completing snapshot", zap.Uint64("index", snapshot.Index))
	if err := m.raft.SnapshotStore().Complete(snapshot.Index); err != nil {
		m.logger.Error("Failed to complete snapshot, rescheduling completion", zap.Uint64("index", snapshot.Index), zap.Error(err))
		m.scheduleCompletion(snapshot)
		return
	}

	if !m.load.IsUnderHighLoad() || m.isRunningOutOfDiskSpace() || m.isRunningOutOfMemory() {
		m.compactLogs(snapshot.Index)
	} else {
		m.logger.Debug("Scheduling compaction", zap.Duration("delay", m.opts.CompactDelay))
		m.serviceThread.Schedule(m.opts.CompactDelay, func() { m.compactLogs(snapshot.Index) })
	}
}

func (m *Manager) completeSnapshot(index uint64) bool {
	lastApplied := m.raft.LastApplied()
	lastCompleted := index
	for _, session := range m.sessions.all() {
		if completed := session.lastCompleted(lastApplied); completed < lastCompleted {
			lastCompleted = completed
		}
	}
	return lastCompleted >= index
}

func (m *Manager) scheduleCompletion(snapshot *raft.Snapshot) {
	if m.closed.Load() {
		return
	}
	m.serviceThread.Schedule(m.opts.CompletionDelay, func() { m.tryToCompleteSnapshot(snapshot) })
}

func (m *Manager) compactLogs(index uint64) {
	force := m.isRunningOutOfDiskSpace() || m.isRunningOutOfMemory()
	m.raftThread.Execute(func() {
		m.logger.Debug("Compacting logs", zap.Uint64("index", index), zap.Bool("force", force))
		m.raft.Compact(index, force)
		m.completeCompaction(nil)
		m.takeSnapshots(false, false)
	})
}

func (m *Manager) isRunningOutOfDiskSpace() bool {
	if m.stats == nil {
		return false
	}
	ratio, err := m.stats.UsableRatio()
	if err != nil {
		m.logger.Warn("Failed to read disk statistics", zap.Error(err))
		return false
	}
	return ratio < m.opts.FreeDiskBuffer
}

func (m *Manager) isRunningOutOfMemory() bool {
	limit := debug.SetMemoryLimit(-1)
	if limit <= 0 || limit == math.MaxInt64 {
		return false
	}
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	free := limit - int64(stats.Sys)
	return float64(free)/float64(limit) < m.opts.FreeMemoryBuffer
}

// InstallSnapshot replaces the state of every service with snapshot. The log reader skips to the entry after the
// snapshot and entries enqueued up to it are dropped. Must be called on the raft goroutine.
func (m *Manager) InstallSnapshot(snapshot *raft.Snapshot) *concurrent.Future[struct{}] {
	m.epoch++
	m.reader.Reset(snapshot.Index + 1)
	m.lastEnqueued = snapshot.Index
	for index, future := range m.futures {
		if index <= snapshot.Index {
			delete(m.futures, index)
			future.Fail(fmt.Errorf("index %d superseded by snapshot %d: %w", index, snapshot.Index, raft.ErrIndexOutOfBounds))
		}
	}

	future := concurrent.NewFuture[struct{}]()
	ok := m.serviceThread.Execute(func() {
		if err := m.Failed(); err != nil {
			future.Fail(err)
			return
		}
		if err := m.install(snapshot); err != nil {
			m.fail(err)
			future.Fail(err)
			return
		}
		m.raft.SetLastApplied(snapshot.Index, snapshot.Term)
		future.Complete(struct{}{})
	})
	if !ok {
		future.Fail(raft.ErrClosed)
	}
	return future
}

// install decodes one block per service and replaces the services it contains. Services missing from the snapshot
// were deleted before it was taken and are dropped.
func (m *Manager) install(snapshot *raft.Snapshot) error {
	m.logger.Info("Installing snapshot", zap.Uint64("index", snapshot.Index), zap.Uint64("term", snapshot.Term))

	blocks, err := splitServiceBlocks(snapshot.Data)
	if err != nil {
		return fmt.Errorf("%w: snapshot %d: %w", raft.ErrSnapshotInstallFailed, snapshot.Index, err)
	}

	installed := make(map[string]bool, len(blocks))
	for _, block := range blocks {
		s, err := decodeServiceBlock(block)
		if err != nil {
			return fmt.Errorf("%w: snapshot %d: %w", raft.ErrSnapshotInstallFailed, snapshot.Index, err)
		}
		if err := m.installService(s); err != nil {
			return fmt.Errorf("%w: snapshot %d: service %s: %w", raft.ErrSnapshotInstallFailed, snapshot.Index, s.name, err)
		}
		installed[s.name] = true
	}

	for _, service := range m.sortedServices() {
		if !installed[service.name] {
			service.unregisterSessions()
			service.close()
			delete(m.services, service.name)
		}
	}
	m.snapshotIndex = snapshot.Index
	return nil
}

func (m *Manager) installService(s *serviceSnapshot) error {
	m.logger.Debug("Installing service", zap.Uint64("id", s.id), zap.String("name", s.name))

	sm, err := m.types.New(s.serviceType, s.config)
	if err != nil {
		return err
	}
	if err := sm.Restore(s.state); err != nil {
		return err
	}

	service := newServiceContext(s.id, s.name, s.serviceType, s.config, sm, m.sessions, m.logger)
	service.currentIndex = s.index
	service.currentTimestamp = s.timestamp
	m.registerService(service)

	for _, ss := range s.sessions {
		session := newSession(ss.id, raft.MemberID(ss.member), s.name, s.serviceType, ss.minTimeout, ss.maxTimeout, ss.lastUpdated, service)
		session.commandSequence = ss.commandSequence
		session.commandLowWaterMark = ss.commandLowWaterMark
		session.eventIndex = ss.eventIndex
		session.completeIndex = ss.completeIndex
		for i := range ss.results {
			session.registerResult(ss.results[i].sequence, ss.results[i].operationResult())
		}
		session.events = ss.events
		service.sessions[session.id] = session
		m.sessions.add(session)
	}
	return nil
}

func (m *Manager) fail(err error) {
	if !errors.Is(err, raft.ErrSnapshotInstallFailed) {
		err = fmt.Errorf("%w: %w", raft.ErrSnapshotInstallFailed, err)
	}
	if !m.failure.CompareAndSwap(nil, &err) {
		return
	}
	m.logger.Error("Expected to install a snapshot but hit a non recoverable error, refusing to apply further entries",
		zap.Error(err))
	m.raft.ReportUnrecoverable(err)
}

// Close stops scheduling snapshots and fails the pending futures. Must be called on the raft goroutine.
func (m *Manager) Close() {
	if !m.closed.CompareAndSwap(false, true) {
		return
	}
	if m.snapshotTimer != nil {
		m.snapshotTimer.Cancel()
	}
	for index, future := range m.futures {
		delete(m.futures, index)
		future.Fail(raft.ErrClosed)
	}
	if m.compactFuture != nil {
		m.completeCompaction(raft.ErrClosed)
	}
}
