// Package synchronizer coordinates concurrent agent writes to one shared,
// versioned context. Each update is built as a full snapshot on top of the
// current head, checked for conflicts against other agents' recent and
// pending versions, resolved when a strategy allows it, and committed
// under a single global lock.
package synchronizer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/adalundhe/ctxsync/core/concurrency"
	"github.com/adalundhe/ctxsync/core/conflict"
	syncerr "github.com/adalundhe/ctxsync/core/errors"
	"github.com/adalundhe/ctxsync/core/metrics"
	"github.com/adalundhe/ctxsync/core/value"
	"github.com/adalundhe/ctxsync/core/versioning"
)

const verifierEntries = 4096

type Synchronizer struct {
	store      *versioning.Store
	locks      *concurrency.LockManager
	detector   *conflict.Detector
	chooser    *conflict.Chooser
	resolver   *conflict.Resolver
	priorities *conflict.PriorityTable
	archive    *conflict.Archive
	verifier   *versioning.Verifier
	metrics    *metrics.Recorder
	logger     *slog.Logger

	stateMu         sync.Mutex
	activeConflicts map[string]*conflict.ContextConflict
	pendingUpdates  map[string][]*versioning.ContextVersion

	// candidateHook runs after a candidate is built, before detection.
	candidateHook func(*versioning.ContextVersion)
}

// option adjusts internals that Options does not expose.
type option func(*Synchronizer)

// New builds an engine and commits its initial empty SYSTEM version.
func New(opts Options) (*Synchronizer, error) {
	return newSynchronizer(opts)
}

func newSynchronizer(opts Options, extra ...option) (*Synchronizer, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	chooser, err := conflict.NewChooser(opts.StrategyRules)
	if err != nil {
		return nil, fmt.Errorf("strategy rules: %w", err)
	}
	archive, err := conflict.NewArchive(opts.ResolvedArchiveSize)
	if err != nil {
		return nil, fmt.Errorf("resolved archive: %w", err)
	}
	verifier, err := versioning.NewVerifier(verifierEntries)
	if err != nil {
		return nil, fmt.Errorf("verifier: %w", err)
	}

	store := versioning.NewStore(opts.HistoryCapacity)
	priorities := conflict.NewPriorityTable(opts.Priorities)
	collector := metrics.NewCollector(opts.MetricsNamespace, opts.Registerer)

	s := &Synchronizer{
		store:           store,
		locks:           concurrency.NewLockManager(opts.LockTimeout),
		detector:        conflict.NewDetector(store, chooser, opts.DetectionWindow),
		chooser:         chooser,
		resolver:        conflict.NewResolver(priorities, logger),
		priorities:      priorities,
		archive:         archive,
		verifier:        verifier,
		metrics:         metrics.NewRecorder(opts.LatencySamples, metrics.WithCollector(collector)),
		logger:          logger,
		activeConflicts: make(map[string]*conflict.ContextConflict),
		pendingUpdates:  make(map[string][]*versioning.ContextVersion),
	}
	for _, o := range extra {
		o(s)
	}

	initial, err := versioning.NewContextVersion(versioning.SystemAgent, nil)
	if err != nil {
		verifier.Close()
		return nil, fmt.Errorf("initial version: %w", err)
	}
	s.commit(initial)
	logger.Debug("synchronizer initialized", "version", initial.VersionID)
	return s, nil
}

// Close releases the verifier cache. The engine must not be used after.
func (s *Synchronizer) Close() {
	s.verifier.Close()
}

// UpdateContext applies updates on top of the current head as agentID.
// Calls for the same agent are serialized; calls for different agents run
// concurrently and meet only at the commit lock. Failures are reported in
// the result, never returned or panicked.
func (s *Synchronizer) UpdateContext(ctx context.Context, agentID string, updates map[string]any, priority int) (result SyncResult) {
	result = SyncResult{
		UpdateID: uuid.NewString(),
		AgentID:  agentID,
		Status:   StatusPendingSync,
	}
	start := time.Now()

	if agentID == "" {
		result.fail(syncerr.New(syncerr.KindInvalidInput, "update_context", "agent id is required"))
		return result
	}

	release, err := s.locks.AcquireAgent(ctx, agentID)
	if err != nil {
		result.fail(err)
		result.SyncTimeMs = elapsedMs(start)
		s.logger.Warn("agent lock unavailable", "agent", agentID, "error", err)
		return result
	}

	resolved := 0
	defer func() {
		elapsed := time.Since(start)
		result.SyncTimeMs = float64(elapsed) / float64(time.Millisecond)
		result.Success = result.Status == StatusSynchronized
		s.metrics.RecordSync(string(result.Status), elapsed, result.ConflictsDetected, resolved)
	}()
	defer release()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic during update", "agent", agentID, "panic", r, "stack", string(debug.Stack()))
			result.fail(syncerr.New(syncerr.KindInternal, "update_context", fmt.Sprintf("panic: %v", r)))
		}
	}()

	resolved = s.applyUpdate(agentID, updates, priority, &result)
	return result
}

// applyUpdate does the work of UpdateContext under the agent lock and
// returns the number of conflicts the resolver settled.
func (s *Synchronizer) applyUpdate(agentID string, updates map[string]any, priority int, result *SyncResult) int {
	normalized, err := value.NormalizeMap(updates)
	if err != nil {
		result.fail(syncerr.Wrap(syncerr.KindInvalidInput, "update_context", "normalize updates", err))
		return 0
	}

	var (
		data   map[string]any
		parent versioning.VersionID
	)
	if head := s.store.Head(); head != nil {
		data = head.Snapshot()
		parent = head.VersionID
	} else {
		data = make(map[string]any, len(normalized))
	}
	for k, v := range normalized {
		data[k] = v
	}

	candidate, err := versioning.NewContextVersion(agentID, data,
		versioning.WithParent(parent),
		versioning.WithPriority(priority),
	)
	if err != nil {
		result.fail(syncerr.Wrap(syncerr.KindInternal, "update_context", "build candidate", err))
		return 0
	}
	result.VersionID = candidate.VersionID
	if s.candidateHook != nil {
		s.candidateHook(candidate)
	}

	conflicts := s.detector.Detect(candidate, s.pendingSnapshot())
	result.ConflictsDetected = len(conflicts)
	result.ConflictIDs = conflict.IDs(conflicts)

	if len(conflicts) == 0 {
		s.commit(candidate)
		result.Status = StatusSynchronized
		s.logger.Debug("update committed", "agent", agentID, "version", candidate.VersionID)
		return 0
	}

	outcome, err := s.resolver.Resolve(candidate, conflicts)
	if err != nil {
		result.fail(syncerr.Wrap(syncerr.KindInternal, "update_context", "resolve conflicts", err))
		return 0
	}

	if outcome.Success {
		s.commit(outcome.Version)
		s.archive.AddAll(conflicts)
		result.VersionID = outcome.Version.VersionID
		result.Status = StatusSynchronized
		s.logger.Info("conflicts resolved and committed",
			"agent", agentID,
			"candidate", candidate.VersionID,
			"version", outcome.Version.VersionID,
			"conflicts", len(conflicts),
		)
		return len(conflicts)
	}

	s.stateMu.Lock()
	for _, c := range outcome.Unresolved {
		s.activeConflicts[c.ConflictID] = c
	}
	s.pendingUpdates[agentID] = append(s.pendingUpdates[agentID], candidate)
	s.stateMu.Unlock()

	result.Status = StatusConflictDetected
	result.setErr(syncerr.New(syncerr.KindConflictUnresolved, "update_context",
		fmt.Sprintf("%d of %d conflicts need external resolution", len(outcome.Unresolved), len(conflicts))))
	s.logger.Info("update held pending",
		"agent", agentID,
		"candidate", candidate.VersionID,
		"unresolved", len(outcome.Unresolved),
	)
	return 0
}

func (s *Synchronizer) commit(v *versioning.ContextVersion) {
	_ = s.locks.WithCommitLock(func() error {
		s.store.Commit(v)
		return nil
	})
}

func (s *Synchronizer) pendingSnapshot() map[string][]*versioning.ContextVersion {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	cp := make(map[string][]*versioning.ContextVersion, len(s.pendingUpdates))
	for agent, versions := range s.pendingUpdates {
		cp[agent] = append([]*versioning.ContextVersion(nil), versions...)
	}
	return cp
}

// Rollback commits a new SYSTEM_ROLLBACK version whose data and checksum
// are copied from targetID. History is never rewritten.
func (s *Synchronizer) Rollback(targetID versioning.VersionID) RollbackResult {
	result := RollbackResult{TargetVersionID: targetID}

	target, ok := s.store.Get(targetID)
	if !ok {
		err := syncerr.New(syncerr.KindVersionNotFound, "rollback", fmt.Sprintf("version %s not found", targetID))
		result.Err = err
		result.Error = err.Error()
		result.ErrorCode = syncerr.Code(err)
		s.metrics.RecordRollback(false)
		return result
	}

	var committed *versioning.ContextVersion
	err := s.locks.WithCommitLock(func() error {
		v, err := versioning.NewContextVersion(versioning.RollbackAgent, target.Snapshot(),
			versioning.WithParent(s.store.HeadID()),
			versioning.WithChecksum(target.Checksum),
		)
		if err != nil {
			return err
		}
		s.store.Commit(v)
		committed = v
		return nil
	})
	if err != nil {
		wrapped := syncerr.Wrap(syncerr.KindInternal, "rollback", "build rollback version", err)
		result.Err = wrapped
		result.Error = wrapped.Error()
		result.ErrorCode = syncerr.Code(wrapped)
		s.metrics.RecordRollback(false)
		return result
	}

	result.Success = true
	result.VersionID = committed.VersionID
	s.metrics.RecordRollback(true)
	s.logger.Info("rolled back", "target", targetID, "version", committed.VersionID)
	return result
}

func (s *Synchronizer) GetStatus() StatusSnapshot {
	s.stateMu.Lock()
	active := len(s.activeConflicts)
	pending := 0
	for _, versions := range s.pendingUpdates {
		pending += len(versions)
	}
	s.stateMu.Unlock()

	return StatusSnapshot{
		CurrentVersionID: s.store.HeadID(),
		TotalVersions:    s.store.Len(),
		HistoryLength:    len(s.store.History()),
		HistoryCapacity:  s.store.Capacity(),
		DetectionWindow:  s.detector.Window(),
		StrategyRules:    s.chooser.Rules(),
		ActiveConflicts:  active,
		PendingUpdates:   pending,
		AgentLocks:       s.locks.AgentLockCount(),
		HeldLocks:        s.locks.HeldCount(),
		Metrics:          s.metrics.Snapshot(),
	}
}

func elapsedMs(start time.Time) float64 {
	return float64(time.Since(start)) / float64(time.Millisecond)
}
