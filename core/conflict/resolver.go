package conflict

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/adalundhe/ctxsync/core/value"
	"github.com/adalundhe/ctxsync/core/versioning"
)

// Outcome is the result of running the resolution engine over a candidate.
// On success Version is the synthesized resolved version and every input
// conflict is marked resolved. On failure Version is nil, Unresolved lists
// the conflicts no strategy could settle, and no conflict is mutated.
type Outcome struct {
	Version    *versioning.ContextVersion
	Success    bool
	Unresolved []*ContextConflict
}

type strategyFunc func(working map[string]any, c *ContextConflict) (*ResolutionResult, bool)

type Resolver struct {
	priorities *PriorityTable
	handlers   map[Strategy]strategyFunc
	logger     *slog.Logger
	now        func() time.Time
}

func NewResolver(priorities *PriorityTable, logger *slog.Logger) *Resolver {
	if priorities == nil {
		priorities = NewPriorityTable(nil)
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	r := &Resolver{
		priorities: priorities,
		logger:     logger,
		now:        time.Now,
	}
	r.handlers = map[Strategy]strategyFunc{
		LastWriterWins: r.lastWriterWins,
		MergeStrategy:  r.merge,
		PriorityBased:  r.priorityBased,
	}
	return r
}

// Resolve applies each conflict's strategy, in order, to a working copy of
// the candidate's data.
func (r *Resolver) Resolve(candidate *versioning.ContextVersion, conflicts []*ContextConflict) (*Outcome, error) {
	working := candidate.Snapshot()
	results := make([]*ResolutionResult, len(conflicts))
	var unresolved []*ContextConflict

	for i, c := range conflicts {
		handler, ok := r.handlers[c.ResolutionStrategy]
		if !ok {
			unresolved = append(unresolved, c)
			continue
		}
		res, ok := handler(working, c)
		if !ok {
			unresolved = append(unresolved, c)
			continue
		}
		results[i] = res
	}

	if len(unresolved) > 0 {
		r.logger.Info("conflicts left unresolved",
			"agent", candidate.AgentID,
			"version", candidate.VersionID,
			"unresolved", len(unresolved),
			"total", len(conflicts),
		)
		return &Outcome{Unresolved: unresolved}, nil
	}

	resolved, err := versioning.NewContextVersion(
		versioning.ResolvedAgentID(candidate.AgentID),
		working,
		versioning.WithParent(candidate.VersionID),
		versioning.WithBase(candidate.BaseVersion),
		versioning.WithMergeConflicts(IDs(conflicts)),
		versioning.WithPriority(candidate.Priority),
	)
	if err != nil {
		return nil, fmt.Errorf("build resolved version: %w", err)
	}

	at := r.now().UTC()
	for i, c := range conflicts {
		results[i].ResolvedBy = ResolvedByEngine
		results[i].ResolvedAt = at
		c.Resolved = true
		c.ResolutionResult = results[i]
	}

	r.logger.Debug("conflicts resolved",
		"agent", candidate.AgentID,
		"candidate", candidate.VersionID,
		"resolved_version", resolved.VersionID,
		"conflicts", len(conflicts),
	)
	return &Outcome{Version: resolved, Success: true}, nil
}

func (r *Resolver) lastWriterWins(_ map[string]any, _ *ContextConflict) (*ResolutionResult, bool) {
	return &ResolutionResult{
		Strategy: LastWriterWins,
		Note:     "incoming values kept",
	}, true
}

func (r *Resolver) merge(working map[string]any, c *ContextConflict) (*ResolutionResult, bool) {
	for _, k := range c.ConflictingKeys {
		working[k] = value.MergeValue(c.TheirValues[k], working[k])
	}
	return &ResolutionResult{
		Strategy:   MergeStrategy,
		MergedKeys: append([]string(nil), c.ConflictingKeys...),
	}, true
}

// priorityBased only identifies the winner. Whether the winner's values
// should replace the candidate's is left to the integration layer, which
// finds them in the conflict's TheirValues.
func (r *Resolver) priorityBased(_ map[string]any, c *ContextConflict) (*ResolutionResult, bool) {
	winner, scores := r.priorities.Winner(c.ConflictingAgents[0], c.ConflictingAgents[1])
	return &ResolutionResult{
		Strategy:     PriorityBased,
		WinningAgent: winner,
		Priorities:   scores,
		Applied:      false,
	}, true
}
