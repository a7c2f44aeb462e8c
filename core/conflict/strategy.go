package conflict

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"
)

// ChooseStrategy is the built-in keyword heuristic over conflicting key
// names: any key mentioning "config" resolves by priority, else any key
// mentioning "data" merges, else the incoming write wins.
func ChooseStrategy(keys []string) Strategy {
	if anyKeyContains(keys, "config") {
		return PriorityBased
	}
	if anyKeyContains(keys, "data") {
		return MergeStrategy
	}
	return LastWriterWins
}

func anyKeyContains(keys []string, needle string) bool {
	for _, k := range keys {
		if strings.Contains(strings.ToLower(k), needle) {
			return true
		}
	}
	return false
}

// Rule maps a glob over lower-cased key names to a strategy.
type Rule struct {
	Pattern  string   `yaml:"pattern" json:"pattern" validate:"required"`
	Strategy Strategy `yaml:"strategy" json:"strategy" validate:"required"`
}

type compiledRule struct {
	Rule
	matcher glob.Glob
}

// Chooser evaluates configured rules first-match-wins and falls back to
// ChooseStrategy when none matches.
type Chooser struct {
	rules []compiledRule
}

func NewChooser(rules []Rule) (*Chooser, error) {
	compiled := make([]compiledRule, 0, len(rules))
	for i, r := range rules {
		st, err := ParseStrategy(string(r.Strategy))
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		g, err := glob.Compile(strings.ToLower(r.Pattern))
		if err != nil {
			return nil, fmt.Errorf("rule %d: invalid pattern %q: %w", i, r.Pattern, err)
		}
		compiled = append(compiled, compiledRule{Rule: Rule{Pattern: r.Pattern, Strategy: st}, matcher: g})
	}
	return &Chooser{rules: compiled}, nil
}

func (c *Chooser) Choose(keys []string) Strategy {
	for _, r := range c.rules {
		for _, k := range keys {
			if r.matcher.Match(strings.ToLower(k)) {
				return r.Strategy
			}
		}
	}
	return ChooseStrategy(keys)
}

func (c *Chooser) Rules() []Rule {
	out := make([]Rule, len(c.rules))
	for i, r := range c.rules {
		out[i] = r.Rule
	}
	return out
}
