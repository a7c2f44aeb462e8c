package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/adalundhe/ctxsync/core/conflict"
	"github.com/adalundhe/ctxsync/core/synchronizer"
	"github.com/adalundhe/ctxsync/core/versioning"
)

// =============================================================================
// Scenario Format
// =============================================================================

// Scenario is a scripted sequence of engine operations. Priorities and
// StrategyRules, when set, replace the configured ones for this run.
type Scenario struct {
	Name          string          `yaml:"name" json:"name"`
	Priorities    map[string]int  `yaml:"priorities,omitempty" json:"priorities,omitempty" validate:"dive,keys,required,endkeys,min=1,max=10"`
	StrategyRules []conflict.Rule `yaml:"strategy_rules,omitempty" json:"strategy_rules,omitempty" validate:"dive"`
	Steps         []Step          `yaml:"steps" json:"steps" validate:"required,min=1,dive"`
}

// Step is exactly one of: a single update (Agent and Updates), a group of
// updates submitted concurrently, or a rollback to the version produced by
// an earlier step.
type Step struct {
	Agent      string         `yaml:"agent,omitempty" json:"agent,omitempty"`
	Updates    map[string]any `yaml:"updates,omitempty" json:"updates,omitempty"`
	Priority   int            `yaml:"priority,omitempty" json:"priority,omitempty" validate:"gte=0"`
	Concurrent []Update       `yaml:"concurrent,omitempty" json:"concurrent,omitempty" validate:"dive"`
	Rollback   *int           `yaml:"rollback,omitempty" json:"rollback,omitempty" validate:"omitempty,gte=0"`
}

type Update struct {
	Agent    string         `yaml:"agent" json:"agent" validate:"required"`
	Updates  map[string]any `yaml:"updates" json:"updates"`
	Priority int            `yaml:"priority,omitempty" json:"priority,omitempty" validate:"gte=0"`
}

const defaultUpdatePriority = conflict.DefaultPriority

var scenarioValidate = validator.New()

var errStepShape = errors.New("step must set exactly one of agent, concurrent or rollback")

func (s Step) kind() string {
	switch {
	case s.Rollback != nil:
		return "rollback"
	case len(s.Concurrent) > 0:
		return "concurrent"
	default:
		return "update"
	}
}

func (s Step) validate() error {
	set := 0
	if s.Agent != "" {
		set++
	}
	if len(s.Concurrent) > 0 {
		set++
	}
	if s.Rollback != nil {
		set++
	}
	if set != 1 {
		return errStepShape
	}
	return nil
}

// Validate checks field constraints, step shapes and rollback references.
func (sc *Scenario) Validate() error {
	if err := scenarioValidate.Struct(sc); err != nil {
		return err
	}
	if _, err := conflict.NewChooser(sc.StrategyRules); err != nil {
		return err
	}
	for i, step := range sc.Steps {
		if err := step.validate(); err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
		if step.Rollback == nil {
			continue
		}
		target := *step.Rollback
		if target >= i {
			return fmt.Errorf("step %d: rollback must reference an earlier step, got %d", i, target)
		}
		if sc.Steps[target].kind() == "concurrent" {
			return fmt.Errorf("step %d: rollback target %d is a concurrent group", i, target)
		}
	}
	return nil
}

func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseScenario(data)
}

func ParseScenario(data []byte) (*Scenario, error) {
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("parse scenario: %w", err)
	}
	if err := sc.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &sc, nil
}

// =============================================================================
// Scenario Execution
// =============================================================================

type StepReport struct {
	Index    int                          `json:"index"`
	Kind     string                       `json:"kind"`
	Results  []synchronizer.SyncResult    `json:"results,omitempty"`
	Rollback *synchronizer.RollbackResult `json:"rollback,omitempty"`
}

type Report struct {
	Scenario        string                      `json:"scenario"`
	Steps           []StepReport                `json:"steps"`
	FinalVersion    versioning.VersionID        `json:"final_version"`
	FinalContext    map[string]any              `json:"final_context"`
	ActiveConflicts []*conflict.ContextConflict `json:"active_conflicts"`
	Status          synchronizer.StatusSnapshot `json:"status"`
}

// RunScenario executes every step against s in order. Updates inside a
// concurrent group are submitted from separate goroutines.
func RunScenario(ctx context.Context, s *synchronizer.Synchronizer, sc *Scenario) (*Report, error) {
	report := &Report{Scenario: sc.Name}
	produced := make([]versioning.VersionID, len(sc.Steps))

	for i, step := range sc.Steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		sr := StepReport{Index: i, Kind: step.kind()}

		switch sr.Kind {
		case "rollback":
			res := s.Rollback(produced[*step.Rollback])
			sr.Rollback = &res
			produced[i] = res.VersionID
		case "concurrent":
			results, err := runConcurrent(ctx, s, step.Concurrent)
			if err != nil {
				return nil, fmt.Errorf("step %d: %w", i, err)
			}
			sr.Results = results
		default:
			res := s.UpdateContext(ctx, step.Agent, step.Updates, priorityOrDefault(step.Priority))
			sr.Results = []synchronizer.SyncResult{res}
			if res.Success {
				produced[i] = res.VersionID
			}
		}
		report.Steps = append(report.Steps, sr)
	}

	report.FinalVersion, report.FinalContext = s.CurrentContext()
	report.ActiveConflicts = s.ActiveConflicts()
	report.Status = s.GetStatus()
	return report, nil
}

func runConcurrent(ctx context.Context, s *synchronizer.Synchronizer, updates []Update) ([]synchronizer.SyncResult, error) {
	results := make([]synchronizer.SyncResult, len(updates))
	g, gctx := errgroup.WithContext(ctx)
	for i, u := range updates {
		i, u := i, u
		g.Go(func() error {
			results[i] = s.UpdateContext(gctx, u.Agent, u.Updates, priorityOrDefault(u.Priority))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func priorityOrDefault(p int) int {
	if p == 0 {
		return defaultUpdatePriority
	}
	return p
}
