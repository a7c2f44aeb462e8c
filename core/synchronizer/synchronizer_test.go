package synchronizer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/adalundhe/ctxsync/core/conflict"
	syncerr "github.com/adalundhe/ctxsync/core/errors"
	"github.com/adalundhe/ctxsync/core/versioning"
)

func newSync(t *testing.T, opts Options, extra ...option) *Synchronizer {
	t.Helper()
	s, err := newSynchronizer(opts, extra...)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func withCandidateHook(fn func(*versioning.ContextVersion)) option {
	return func(s *Synchronizer) { s.candidateHook = fn }
}

func mustSync(t *testing.T, s *Synchronizer, agent string, updates map[string]any) SyncResult {
	t.Helper()
	res := s.UpdateContext(context.Background(), agent, updates, 5)
	require.Equal(t, StatusSynchronized, res.Status, "update from %s: %s", agent, res.Error)
	return res
}

func TestNew_InitialVersion(t *testing.T) {
	s := newSync(t, Options{})

	id, data := s.CurrentContext()
	require.NotEmpty(t, id)
	assert.Empty(t, data)

	v, err := s.GetVersion(id)
	require.NoError(t, err)
	assert.Equal(t, versioning.SystemAgent, v.AgentID)
	assert.Empty(t, v.ParentVersion)
	assert.Equal(t, []versioning.VersionID{id}, s.History())
}

func TestNew_RejectsBadRules(t *testing.T) {
	_, err := New(Options{StrategyRules: []conflict.Rule{{Pattern: "x", Strategy: "nope"}}})
	assert.Error(t, err)
}

func TestUpdateContext_NoConflictUnion(t *testing.T) {
	s := newSync(t, Options{})

	a := mustSync(t, s, "A", map[string]any{"x": 1})
	b := mustSync(t, s, "B", map[string]any{"y": 2})

	assert.True(t, a.Success)
	assert.True(t, b.Success)
	assert.Zero(t, b.ConflictsDetected)
	assert.NotEmpty(t, a.UpdateID)
	assert.NotEqual(t, a.UpdateID, b.UpdateID)

	id, data := s.CurrentContext()
	assert.Equal(t, b.VersionID, id)
	assert.Equal(t, map[string]any{"x": int64(1), "y": int64(2)}, data)

	head, err := s.GetVersion(id)
	require.NoError(t, err)
	assert.Equal(t, a.VersionID, head.ParentVersion)
	assert.Equal(t, 5, head.Priority)
}

func TestUpdateContext_LastWriterWins(t *testing.T) {
	s := newSync(t, Options{})

	mustSync(t, s, "A", map[string]any{"x": 1})
	b := mustSync(t, s, "B", map[string]any{"x": 2})

	assert.Equal(t, 1, b.ConflictsDetected)
	require.Len(t, b.ConflictIDs, 1)

	_, data := s.CurrentContext()
	assert.Equal(t, int64(2), data["x"])
	assert.Empty(t, s.ActiveConflicts())

	head, err := s.GetVersion(b.VersionID)
	require.NoError(t, err)
	assert.Equal(t, "RESOLVED_B", head.AgentID)
	assert.Equal(t, b.ConflictIDs, head.MergeConflicts)

	c, err := s.GetConflict(b.ConflictIDs[0])
	require.NoError(t, err)
	assert.True(t, c.Resolved)
	assert.Equal(t, []string{"x"}, c.ConflictingKeys)
	assert.Equal(t, [2]string{"B", "A"}, c.ConflictingAgents)
	assert.Equal(t, conflict.LastWriterWins, c.ResolutionResult.Strategy)
	assert.Equal(t, conflict.ResolvedByEngine, c.ResolutionResult.ResolvedBy)
}

func TestUpdateContext_ConcurrentLastWriterWins(t *testing.T) {
	s := newSync(t, Options{})
	want := map[string]int64{"A": 1, "B": 2}

	results := make([]SyncResult, 2)
	var g errgroup.Group
	for i, agent := range []string{"A", "B"} {
		i, agent := i, agent
		g.Go(func() error {
			results[i] = s.UpdateContext(context.Background(), agent, map[string]any{"x": want[agent]}, 5)
			return nil
		})
	}
	require.NoError(t, g.Wait())

	for _, r := range results {
		assert.True(t, r.Success, r.Error)
	}
	assert.Empty(t, s.ActiveConflicts())

	id, data := s.CurrentContext()
	head, err := s.GetVersion(id)
	require.NoError(t, err)
	writer := strings.TrimPrefix(head.AgentID, versioning.ResolvedAgentPrefix)
	assert.Equal(t, want[writer], data["x"], "last commit's value prevails")
}

func TestUpdateContext_DatasetMerge(t *testing.T) {
	s := newSync(t, Options{})

	mustSync(t, s, "A", map[string]any{"dataset": map[string]any{"a": 1}})
	b := mustSync(t, s, "B", map[string]any{"dataset": map[string]any{"b": 2}})

	assert.Equal(t, 1, b.ConflictsDetected)
	_, data := s.CurrentContext()
	assert.Equal(t, map[string]any{"a": int64(1), "b": int64(2)}, data["dataset"])

	c, err := s.GetConflict(b.ConflictIDs[0])
	require.NoError(t, err)
	assert.Equal(t, conflict.MergeStrategy, c.ResolutionStrategy)
}

func TestUpdateContext_RaceCaughtByRecentWindow(t *testing.T) {
	var (
		s    *Synchronizer
		once bool
	)
	s = newSync(t, Options{}, withCandidateHook(func(v *versioning.ContextVersion) {
		if v.AgentID != "B" || once {
			return
		}
		once = true
		// A commits after B read the head but before B is checked.
		mustSync(t, s, "A", map[string]any{"dataset": map[string]any{"a": 1}})
	}))

	b := s.UpdateContext(context.Background(), "B", map[string]any{"dataset": map[string]any{"b": 2}}, 5)
	require.Equal(t, StatusSynchronized, b.Status)
	assert.Equal(t, 1, b.ConflictsDetected)

	_, data := s.CurrentContext()
	assert.Equal(t, map[string]any{"a": int64(1), "b": int64(2)}, data["dataset"])

	head, err := s.GetVersion(b.VersionID)
	require.NoError(t, err)
	history := s.History()
	assert.Contains(t, history, head.BaseVersion, "resolved version traces back to a committed head")
	assert.NotEqual(t, head.BaseVersion, head.ParentVersion)
}

// A candidate is a full snapshot of the head it was built on. Keys another
// agent commits after that read, without overlapping the candidate's
// values, are not carried forward when the candidate commits.
func TestUpdateContext_StaleSnapshotDropsDisjointKeys(t *testing.T) {
	var (
		s    *Synchronizer
		once bool
	)
	s = newSync(t, Options{}, withCandidateHook(func(v *versioning.ContextVersion) {
		if v.AgentID != "B" || once {
			return
		}
		once = true
		mustSync(t, s, "A", map[string]any{"x": 1})
	}))

	b := s.UpdateContext(context.Background(), "B", map[string]any{"y": 2}, 5)
	require.Equal(t, StatusSynchronized, b.Status)
	assert.Zero(t, b.ConflictsDetected)

	_, data := s.CurrentContext()
	assert.Equal(t, map[string]any{"y": int64(2)}, data)

	// A's version is still in history and can be restored.
	history := s.History()
	require.Len(t, history, 3)
	a, err := s.GetVersion(history[1])
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"x": int64(1)}, a.Data)
}

func TestGetStatus_ReportsEngineSettings(t *testing.T) {
	rules := []conflict.Rule{{Pattern: "secret*", Strategy: conflict.ManualResolution}}
	s := newSync(t, Options{HistoryCapacity: 10, DetectionWindow: 3, StrategyRules: rules})

	status := s.GetStatus()
	assert.Equal(t, 10, status.HistoryCapacity)
	assert.Equal(t, 3, status.DetectionWindow)
	assert.Equal(t, rules, status.StrategyRules)

	status = newSync(t, Options{}).GetStatus()
	assert.Equal(t, versioning.DefaultHistoryCapacity, status.HistoryCapacity)
	assert.Equal(t, conflict.DefaultWindowSize, status.DetectionWindow)
	assert.Empty(t, status.StrategyRules)
}

func TestUpdateContext_PriorityBased(t *testing.T) {
	s := newSync(t, Options{Priorities: map[string]int{"A": 9, "B": 2}})

	mustSync(t, s, "A", map[string]any{"config": "a"})
	b := mustSync(t, s, "B", map[string]any{"config": "b"})

	_, data := s.CurrentContext()
	assert.Equal(t, "b", data["config"], "winner values are not applied")

	c, err := s.GetConflict(b.ConflictIDs[0])
	require.NoError(t, err)
	assert.Equal(t, conflict.PriorityBased, c.ResolutionStrategy)
	assert.Equal(t, "A", c.ResolutionResult.WinningAgent)
	assert.False(t, c.ResolutionResult.Applied)
	assert.Equal(t, "a", c.TheirValues["config"])
}

func manualSync(t *testing.T) *Synchronizer {
	return newSync(t, Options{
		StrategyRules: []conflict.Rule{{Pattern: "secret*", Strategy: conflict.ManualResolution}},
	})
}

func TestUpdateContext_ManualConflictHeldPending(t *testing.T) {
	s := manualSync(t)

	a := mustSync(t, s, "A", map[string]any{"secret": "a"})
	b := s.UpdateContext(context.Background(), "B", map[string]any{"secret": "b"}, 5)

	assert.Equal(t, StatusConflictDetected, b.Status)
	assert.False(t, b.Success)
	assert.Equal(t, 1, b.ConflictsDetected)
	assert.Equal(t, "CONFLICT_UNRESOLVED", b.ErrorCode)
	assert.True(t, errors.Is(b.Err, syncerr.ErrConflictUnresolved))

	id, data := s.CurrentContext()
	assert.Equal(t, a.VersionID, id, "nothing committed")
	assert.Equal(t, "a", data["secret"])

	pending := s.PendingUpdates("B")
	require.Len(t, pending, 1)
	assert.Equal(t, b.VersionID, pending[0].VersionID)
	assert.Equal(t, "b", pending[0].Data["secret"])

	active := s.ActiveConflicts()
	require.Len(t, active, 1)
	assert.False(t, active[0].Resolved)
	assert.Equal(t, conflict.ManualResolution, active[0].ResolutionStrategy)

	status := s.GetStatus()
	assert.Equal(t, 1, status.ActiveConflicts)
	assert.Equal(t, 1, status.PendingUpdates)
	assert.Equal(t, int64(0), status.Metrics.ConflictsResolved)
	assert.Equal(t, int64(1), status.Metrics.ConflictsDetected)
}

func TestUpdateContext_PendingVersionsOfOthersAreChecked(t *testing.T) {
	s := manualSync(t)

	mustSync(t, s, "A", map[string]any{"secret": "a"})
	s.UpdateContext(context.Background(), "B", map[string]any{"secret": "b"}, 5)

	// A's own committed value matches; B's pending one does not.
	res := s.UpdateContext(context.Background(), "A", map[string]any{"other": 1}, 5)
	assert.Equal(t, StatusConflictDetected, res.Status)
	assert.Equal(t, 1, res.ConflictsDetected)
	assert.Len(t, s.ActiveConflicts(), 2)
}

func TestAcknowledgeConflictAndClearPending(t *testing.T) {
	s := manualSync(t)

	mustSync(t, s, "A", map[string]any{"secret": "a"})
	b := s.UpdateContext(context.Background(), "B", map[string]any{"secret": "b"}, 5)
	require.Len(t, b.ConflictIDs, 1)
	id := b.ConflictIDs[0]

	require.NoError(t, s.AcknowledgeConflict(id, "kept A's secret"))
	assert.Empty(t, s.ActiveConflicts())

	c, err := s.GetConflict(id)
	require.NoError(t, err)
	assert.True(t, c.Resolved)
	assert.Equal(t, conflict.ResolvedByExternal, c.ResolutionResult.ResolvedBy)
	assert.Equal(t, "kept A's secret", c.ResolutionResult.Note)

	err = s.AcknowledgeConflict(id, "again")
	assert.True(t, syncerr.IsKind(err, syncerr.KindConflictNotFound))

	assert.Len(t, s.PendingUpdates("B"), 1, "acknowledging does not drop pending versions")
	assert.Equal(t, 1, s.ClearPending("B"))
	assert.Empty(t, s.PendingUpdates("B"))
	assert.Zero(t, s.ClearPending("B"))

	// With B's pending version gone, A can write again.
	mustSync(t, s, "A", map[string]any{"other": 1})
}

func TestGetConflict_Unknown(t *testing.T) {
	s := newSync(t, Options{})
	_, err := s.GetConflict("missing")
	assert.True(t, errors.Is(err, syncerr.ErrConflictNotFound))
}

func TestUpdateContext_InvalidInput(t *testing.T) {
	s := newSync(t, Options{})
	headBefore, _ := s.CurrentContext()

	res := s.UpdateContext(context.Background(), "", map[string]any{"x": 1}, 5)
	assert.Equal(t, StatusSyncFailed, res.Status)
	assert.Equal(t, "INVALID_INPUT", res.ErrorCode)
	assert.Zero(t, s.GetStatus().Metrics.TotalSyncs, "rejected before the lock")

	res = s.UpdateContext(context.Background(), "A", map[string]any{"ch": make(chan int)}, 5)
	assert.Equal(t, StatusSyncFailed, res.Status)
	assert.False(t, res.Success)
	assert.True(t, syncerr.IsKind(res.Err, syncerr.KindInvalidInput))
	assert.Equal(t, int64(1), s.GetStatus().Metrics.TotalSyncs)

	headAfter, _ := s.CurrentContext()
	assert.Equal(t, headBefore, headAfter)
}

func TestUpdateContext_PanicRecovered(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	s := newSync(t, Options{}, withCandidateHook(func(*versioning.ContextVersion) {
		if fail.Load() {
			panic("boom")
		}
	}))

	res := s.UpdateContext(context.Background(), "A", map[string]any{"x": 1}, 5)
	assert.Equal(t, StatusSyncFailed, res.Status)
	assert.Equal(t, "INTERNAL_ERROR", res.ErrorCode)
	assert.Contains(t, res.Error, "boom")
	assert.Zero(t, s.GetStatus().HeldLocks)

	fail.Store(false)
	mustSync(t, s, "A", map[string]any{"x": 1})
}

func TestUpdateContext_LockUnavailable(t *testing.T) {
	s := newSync(t, Options{LockTimeout: 20 * time.Millisecond})

	release, err := s.locks.AcquireAgent(context.Background(), "A")
	require.NoError(t, err)
	defer release()

	res := s.UpdateContext(context.Background(), "A", map[string]any{"x": 1}, 5)
	assert.Equal(t, StatusSyncFailed, res.Status)
	assert.Equal(t, "LOCK_UNAVAILABLE", res.ErrorCode)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res = s.UpdateContext(ctx, "B", map[string]any{"x": 1}, 5)
	assert.Equal(t, StatusSyncFailed, res.Status)
	assert.True(t, errors.Is(res.Err, context.Canceled))

	assert.Zero(t, s.GetStatus().Metrics.TotalSyncs, "attempts without the lock are not counted")
}

func TestRollback_RoundTrip(t *testing.T) {
	s := newSync(t, Options{})

	v1 := mustSync(t, s, "A", map[string]any{"x": 1, "nested": map[string]any{"k": []any{"a"}}})
	mustSync(t, s, "A", map[string]any{"x": 2, "y": true})
	headBefore, _ := s.CurrentContext()

	res := s.Rollback(v1.VersionID)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, v1.VersionID, res.TargetVersionID)

	target, err := s.GetVersion(v1.VersionID)
	require.NoError(t, err)
	rolled, err := s.GetVersion(res.VersionID)
	require.NoError(t, err)

	assert.Equal(t, target.Data, rolled.Data)
	assert.Equal(t, target.Checksum, rolled.Checksum)
	assert.Equal(t, versioning.RollbackAgent, rolled.AgentID)
	assert.Equal(t, headBefore, rolled.ParentVersion)

	id, _ := s.CurrentContext()
	assert.Equal(t, res.VersionID, id)

	ok, err := s.VerifyVersion(res.VersionID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(1), s.GetStatus().Metrics.Rollbacks)
}

func TestRollback_NotFound(t *testing.T) {
	s := newSync(t, Options{})
	headBefore, _ := s.CurrentContext()

	res := s.Rollback("0000000000000000001-missing")
	assert.False(t, res.Success)
	assert.Equal(t, "NOT_FOUND", res.ErrorCode)
	assert.True(t, errors.Is(res.Err, syncerr.ErrVersionNotFound))

	headAfter, _ := s.CurrentContext()
	assert.Equal(t, headBefore, headAfter)
	assert.Zero(t, s.GetStatus().Metrics.Rollbacks)
}

func TestBoundedHistory(t *testing.T) {
	s := newSync(t, Options{})
	initial, _ := s.CurrentContext()

	committed := []versioning.VersionID{initial}
	for i := 0; i < 150; i++ {
		res := mustSync(t, s, "A", map[string]any{fmt.Sprintf("k%d", i): i})
		committed = append(committed, res.VersionID)
	}

	history := s.History()
	require.Len(t, history, 100)
	assert.Equal(t, committed[len(committed)-100:], history)
	assert.Equal(t, len(committed), s.GetStatus().TotalVersions)
	assert.Equal(t, 100, s.GetStatus().HistoryLength)
}

func TestLinearHead_ConcurrentAgents(t *testing.T) {
	const agents, perAgent = 8, 20
	s := newSync(t, Options{HistoryCapacity: 1000})

	var g errgroup.Group
	for a := 0; a < agents; a++ {
		agent := fmt.Sprintf("agent-%d", a)
		g.Go(func() error {
			for i := 0; i < perAgent; i++ {
				res := s.UpdateContext(context.Background(), agent, map[string]any{agent: i}, 5)
				if !res.Success {
					return fmt.Errorf("%s update %d: %s", agent, i, res.Error)
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	history := s.History()
	require.Len(t, history, agents*perAgent+1)

	seen := make(map[versioning.VersionID]bool, len(history))
	for i, id := range history {
		require.False(t, seen[id], "duplicate commit %s", id)
		seen[id] = true
		if i == 0 {
			continue
		}
		v, err := s.GetVersion(id)
		require.NoError(t, err)
		assert.True(t, seen[v.BaseVersion], "version %s built on uncommitted or later base %s", id, v.BaseVersion)
	}

	id, _ := s.CurrentContext()
	assert.Equal(t, history[len(history)-1], id)

	status := s.GetStatus()
	assert.Equal(t, int64(agents*perAgent), status.Metrics.TotalSyncs)
	assert.Equal(t, agents, status.AgentLocks)
	assert.Zero(t, status.HeldLocks)
	assert.Zero(t, status.ActiveConflicts)
}

func TestMetrics_CountedAndExported(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := newSync(t, Options{Registerer: reg, MetricsNamespace: "ctxtest"})

	mustSync(t, s, "A", map[string]any{"x": 1})
	mustSync(t, s, "B", map[string]any{"x": 2})
	s.Rollback("missing")

	m := s.GetStatus().Metrics
	assert.Equal(t, int64(2), m.TotalSyncs)
	assert.Equal(t, int64(1), m.ConflictsDetected)
	assert.Equal(t, int64(1), m.ConflictsResolved)
	assert.Greater(t, m.AverageSyncTimeMs, 0.0)
	assert.Equal(t, 2, m.LatencySampleCount)

	count, err := testutil.GatherAndCount(reg, "ctxtest_sync_total", "ctxtest_conflicts_resolved_total", "ctxtest_rollback_total")
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestSetPriorities(t *testing.T) {
	s := newSync(t, Options{Priorities: map[string]int{"A": 3}})
	s.SetPriorities(map[string]int{"B": 7})
	assert.Equal(t, map[string]int{"B": 7}, s.Priorities())
}
