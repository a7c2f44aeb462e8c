package versioning

import (
	"fmt"
	"time"

	"github.com/adalundhe/ctxsync/core/value"
)

const (
	SystemAgent         = "SYSTEM"
	RollbackAgent       = "SYSTEM_ROLLBACK"
	ResolvedAgentPrefix = "RESOLVED_"
)

func ResolvedAgentID(agentID string) string {
	return ResolvedAgentPrefix + agentID
}

// ContextVersion is an immutable, complete snapshot of the shared context.
// Data is owned by the version; callers read it through Snapshot.
//
// ParentVersion is the version this one was built from. For resolved
// versions that is the uncommitted candidate, so BaseVersion additionally
// records the committed head the data was read from.
type ContextVersion struct {
	VersionID      VersionID
	AgentID        string
	Data           map[string]any
	Timestamp      time.Time
	Checksum       string
	ParentVersion  VersionID
	BaseVersion    VersionID
	MergeConflicts []string
	Priority       int
}

type VersionOption func(*ContextVersion)

// WithParent sets both parent and base; follow with WithBase when they
// differ.
func WithParent(parent VersionID) VersionOption {
	return func(v *ContextVersion) {
		v.ParentVersion = parent
		v.BaseVersion = parent
	}
}

func WithBase(base VersionID) VersionOption {
	return func(v *ContextVersion) { v.BaseVersion = base }
}

func WithMergeConflicts(ids []string) VersionOption {
	return func(v *ContextVersion) { v.MergeConflicts = append([]string(nil), ids...) }
}

func WithPriority(priority int) VersionOption {
	return func(v *ContextVersion) { v.Priority = priority }
}

// WithChecksum skips checksum computation and installs sum verbatim.
func WithChecksum(sum string) VersionOption {
	return func(v *ContextVersion) { v.Checksum = sum }
}

// NewContextVersion takes ownership of data, which must already be
// normalized.
func NewContextVersion(agentID string, data map[string]any, opts ...VersionOption) (*ContextVersion, error) {
	if data == nil {
		data = map[string]any{}
	}
	now := time.Now().UTC()
	v := &ContextVersion{
		VersionID:      NewVersionID(now),
		AgentID:        agentID,
		Data:           data,
		Timestamp:      now,
		MergeConflicts: []string{},
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.Checksum != "" {
		return v, nil
	}
	sum, err := value.Checksum(data)
	if err != nil {
		return nil, fmt.Errorf("checksum version data: %w", err)
	}
	v.Checksum = sum
	return v, nil
}

func (v *ContextVersion) Snapshot() map[string]any {
	return value.CloneMap(v.Data)
}

func (v *ContextVersion) Clone() *ContextVersion {
	cp := *v
	cp.Data = value.CloneMap(v.Data)
	cp.MergeConflicts = append([]string{}, v.MergeConflicts...)
	return &cp
}
