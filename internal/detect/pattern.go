// Package detect implements real-time suspicious-activity detection over
// the audit stream.
//
// Patterns are loaded from patterns.yaml and evaluated against a bounded
// window of recent entries after every accepted entry. Two pattern kinds
// are evaluated:
//
//   - threshold: at least N matching entries inside a trailing time window
//   - sequence:  ordered categories with a bounded gap between matches
//
// anomaly and custom are declared for forward compatibility but have no
// evaluator yet; such patterns never trigger.
package detect

import (
	"fmt"
	"os"

	"github.com/gobwas/glob"
	"gopkg.in/yaml.v3"

	"github.com/agenttrail/agenttrail/internal/audit"
)

// PatternType distinguishes pattern evaluation strategies.
type PatternType string

const (
	TypeThreshold PatternType = "threshold"
	TypeSequence  PatternType = "sequence"
	TypeAnomaly   PatternType = "anomaly"
	TypeCustom    PatternType = "custom"
)

// ActionType names a dispatcher action.
type ActionType string

const (
	ActionLog          ActionType = "log"
	ActionNotify       ActionType = "notify"
	ActionBlockSession ActionType = "block_session"
	ActionWebhook      ActionType = "webhook"
	ActionEmail        ActionType = "email"
)

// Action is one configured response to a triggered pattern.
type Action struct {
	Type   ActionType     `yaml:"type" json:"type"`
	Config map[string]any `yaml:"config,omitempty" json:"config,omitempty"`
}

// ThresholdSpec means "alert if at least Count matching entries occurred
// within the trailing WindowSeconds". The optional filters must all match
// (AND); Source and Action support glob patterns.
type ThresholdSpec struct {
	WindowSeconds int            `yaml:"window_seconds" json:"window_seconds"`
	Count         int            `yaml:"count" json:"count"`
	Category      audit.Category `yaml:"category,omitempty" json:"category,omitempty"`
	Severity      audit.Severity `yaml:"severity,omitempty" json:"severity,omitempty"`
	Allowed       *bool          `yaml:"allowed,omitempty" json:"allowed,omitempty"`
	Source        string         `yaml:"source,omitempty" json:"source,omitempty"`
	Action        string         `yaml:"action,omitempty" json:"action,omitempty"`
}

// SequenceSpec means "alert if entries matching these categories occurred
// in order, with no gap between consecutive matches exceeding
// MaxGapSeconds".
type SequenceSpec struct {
	Categories    []audit.Category `yaml:"categories" json:"categories"`
	MaxGapSeconds int              `yaml:"max_gap_seconds" json:"max_gap_seconds"`
}

// Pattern is one configured suspicious-activity rule.
type Pattern struct {
	ID              string         `yaml:"id" json:"id"`
	Name            string         `yaml:"name" json:"name"`
	Type            PatternType    `yaml:"type" json:"type"`
	Severity        audit.Severity `yaml:"severity" json:"severity"`
	Enabled         bool           `yaml:"enabled" json:"enabled"`
	CooldownSeconds int            `yaml:"cooldown_seconds" json:"cooldown_seconds"`
	Actions         []Action       `yaml:"actions,omitempty" json:"actions,omitempty"`
	Threshold       *ThresholdSpec `yaml:"threshold,omitempty" json:"threshold,omitempty"`
	Sequence        *SequenceSpec  `yaml:"sequence,omitempty" json:"sequence,omitempty"`

	// compiled holds pre-compiled glob matchers, set by compilePattern.
	compiled *compiledPattern
}

// compiledPattern holds the pre-compiled glob matchers of a threshold
// pattern. Compiling once at load time keeps per-entry evaluation cheap.
type compiledPattern struct {
	sourceGlob glob.Glob
	actionGlob glob.Glob
}

// compilePattern validates a pattern and pre-compiles its matchers.
func compilePattern(p *Pattern) error {
	if p.ID == "" {
		return fmt.Errorf("pattern must have an id")
	}
	if p.Name == "" {
		p.Name = p.ID
	}
	if p.Severity == "" {
		p.Severity = audit.SeverityWarning
	}

	switch p.Type {
	case TypeThreshold:
		if p.Threshold == nil {
			return fmt.Errorf("pattern %q: threshold spec is required", p.ID)
		}
		if p.Threshold.WindowSeconds <= 0 || p.Threshold.Count <= 0 {
			return fmt.Errorf("pattern %q: threshold needs positive window_seconds and count", p.ID)
		}
	case TypeSequence:
		if p.Sequence == nil {
			return fmt.Errorf("pattern %q: sequence spec is required", p.ID)
		}
		if len(p.Sequence.Categories) < 2 {
			return fmt.Errorf("pattern %q: sequence needs at least two categories", p.ID)
		}
		if p.Sequence.MaxGapSeconds <= 0 {
			return fmt.Errorf("pattern %q: sequence needs positive max_gap_seconds", p.ID)
		}
	case TypeAnomaly, TypeCustom:
		// Declared but not evaluated.
	default:
		return fmt.Errorf("pattern %q: unknown type %q", p.ID, p.Type)
	}

	p.compiled = &compiledPattern{}
	if p.Threshold != nil {
		if p.Threshold.Source != "" {
			g, err := glob.Compile(p.Threshold.Source)
			if err != nil {
				return fmt.Errorf("pattern %q: invalid source glob %q: %w", p.ID, p.Threshold.Source, err)
			}
			p.compiled.sourceGlob = g
		}
		if p.Threshold.Action != "" {
			g, err := glob.Compile(p.Threshold.Action)
			if err != nil {
				return fmt.Errorf("pattern %q: invalid action glob %q: %w", p.ID, p.Threshold.Action, err)
			}
			p.compiled.actionGlob = g
		}
	}
	return nil
}

// patternsFile is the YAML envelope for patterns.yaml.
type patternsFile struct {
	Patterns []Pattern `yaml:"patterns"`
}

// loadPatternsFromFile reads and compiles patterns from disk.
// A missing file yields the default pattern set (not an error).
func loadPatternsFromFile(path string) ([]Pattern, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return defaultPatterns(), nil
		}
		return nil, fmt.Errorf("reading patterns %s: %w", path, err)
	}

	var file patternsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing patterns %s: %w", path, err)
	}

	for i := range file.Patterns {
		if err := compilePattern(&file.Patterns[i]); err != nil {
			return nil, err
		}
	}
	return file.Patterns, nil
}

// savePatternsToFile persists the pattern set with a comment header.
func savePatternsToFile(path string, patterns []Pattern) error {
	data, err := yaml.Marshal(&patternsFile{Patterns: patterns})
	if err != nil {
		return fmt.Errorf("marshaling patterns: %w", err)
	}

	header := "# AgentTrail suspicious-activity patterns\n# threshold: alert when >= count matching entries occur within window_seconds\n# sequence: alert when the listed categories occur in order within max_gap_seconds of each other\n\n"
	return os.WriteFile(path, []byte(header+string(data)), 0o644)
}

// WriteDefaultPatterns writes patterns.yaml with the default pattern set.
// Used by first-run setup.
func WriteDefaultPatterns(path string) error {
	return savePatternsToFile(path, defaultPatterns())
}

// defaultPatterns is the out-of-the-box pattern set. Each default ships
// compiled; errors are impossible for these literals.
func defaultPatterns() []Pattern {
	denied := false
	patterns := []Pattern{
		{
			ID:              "repeated-denied-commands",
			Name:            "Repeated denied command executions",
			Type:            TypeThreshold,
			Severity:        audit.SeverityCritical,
			Enabled:         true,
			CooldownSeconds: 300,
			Actions:         []Action{{Type: ActionLog}, {Type: ActionNotify}},
			Threshold: &ThresholdSpec{
				WindowSeconds: 60,
				Count:         3,
				Category:      audit.CategoryCommandExecution,
				Allowed:       &denied,
			},
		},
		{
			ID:              "injection-then-file-access",
			Name:            "Prompt injection followed by file access",
			Type:            TypeSequence,
			Severity:        audit.SeverityCritical,
			Enabled:         true,
			CooldownSeconds: 300,
			Actions:         []Action{{Type: ActionLog}, {Type: ActionNotify}, {Type: ActionBlockSession}},
			Sequence: &SequenceSpec{
				Categories:    []audit.Category{audit.CategoryPromptInjection, audit.CategoryFileAccess},
				MaxGapSeconds: 10,
			},
		},
		{
			ID:              "rate-limit-storm",
			Name:            "Sustained rate limiting",
			Type:            TypeThreshold,
			Severity:        audit.SeverityWarning,
			Enabled:         true,
			CooldownSeconds: 600,
			Actions:         []Action{{Type: ActionLog}},
			Threshold: &ThresholdSpec{
				WindowSeconds: 120,
				Count:         10,
				Category:      audit.CategoryRateLimit,
				Allowed:       &denied,
			},
		},
	}
	for i := range patterns {
		if err := compilePattern(&patterns[i]); err != nil {
			panic(fmt.Sprintf("invalid default pattern: %v", err))
		}
	}
	return patterns
}
