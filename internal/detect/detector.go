package detect

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agenttrail/agenttrail/internal/audit"
)

// Sink is where the detector writes its own audit trail — every triggered
// alert is itself logged as a system_event entry through the normal
// ingestion pipeline. Implemented by *audit.Logger.
type Sink interface {
	Log(category audit.Category, severity audit.Severity, message string, d audit.Details) audit.Entry
}

// Config configures a Detector.
type Config struct {
	PatternsPath    string // patterns.yaml location.
	WindowSize      int    // Recent-entry ring capacity. Default 100.
	TriggerSnapshot int    // Trailing entries captured per alert. Default 10.
}

// Detector evaluates all enabled patterns against a bounded window of
// recent entries after every accepted entry.
//
// All time arithmetic (trailing windows, sequence gaps, cooldowns) uses
// entry timestamps rather than the wall clock, so evaluation is
// deterministic and replayable.
//
// Thread-safe — OnEntry is called from the ingestion path, while pattern
// management and Reload mutate the pattern set.
type Detector struct {
	mu          sync.Mutex
	patterns    []Pattern
	path        string
	window      []audit.Entry
	windowSize  int
	snapshotLen int
	lastTrigger map[string]time.Time

	alerts     *AlertStore
	dispatcher *Dispatcher
	sink       Sink
	alertObs   []func(Alert)
}

// New creates a detector, loading patterns from cfg.PatternsPath.
// A missing file loads the default pattern set.
func New(cfg Config, alerts *AlertStore, dispatcher *Dispatcher, sink Sink) (*Detector, error) {
	patterns, err := loadPatternsFromFile(cfg.PatternsPath)
	if err != nil {
		return nil, err
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 100
	}
	if cfg.TriggerSnapshot <= 0 {
		cfg.TriggerSnapshot = 10
	}

	return &Detector{
		patterns:    patterns,
		path:        cfg.PatternsPath,
		windowSize:  cfg.WindowSize,
		snapshotLen: cfg.TriggerSnapshot,
		lastTrigger: make(map[string]time.Time),
		alerts:      alerts,
		dispatcher:  dispatcher,
		sink:        sink,
	}, nil
}

// SubscribeAlerts registers an observer called for every raised alert.
// Observers must not block.
func (d *Detector) SubscribeAlerts(fn func(Alert)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.alertObs = append(d.alertObs, fn)
}

// OnEntry ingests one accepted audit entry: it enters the recent window
// and every enabled, off-cooldown pattern is evaluated against the
// window. Wired as an audit.Logger observer.
func (d *Detector) OnEntry(e audit.Entry) {
	now := e.Time()

	d.mu.Lock()
	d.window = append(d.window, e)
	if len(d.window) > d.windowSize {
		d.window = d.window[len(d.window)-d.windowSize:]
	}

	var triggered []Alert
	for i := range d.patterns {
		p := &d.patterns[i]
		if !p.Enabled {
			continue
		}
		if last, ok := d.lastTrigger[p.ID]; ok && p.CooldownSeconds > 0 &&
			now.Sub(last) < time.Duration(p.CooldownSeconds)*time.Second {
			continue
		}

		var fired bool
		switch p.Type {
		case TypeThreshold:
			fired = evalThreshold(p, d.window, now)
		case TypeSequence:
			fired = evalSequence(p, d.window)
		}
		if !fired {
			continue
		}

		d.lastTrigger[p.ID] = now
		triggered = append(triggered, d.buildAlert(p, e))
	}
	observers := d.alertObs
	d.mu.Unlock()

	// Alert handling happens outside the lock: dispatching is
	// fire-and-forget, and logging the alert re-enters OnEntry.
	for _, a := range triggered {
		d.raise(a, observers)
	}
}

// buildAlert snapshots the trailing window into a PatternAlert.
// Caller must hold the mutex.
func (d *Detector) buildAlert(p *Pattern, trigger audit.Entry) Alert {
	snap := d.window
	if len(snap) > d.snapshotLen {
		snap = snap[len(snap)-d.snapshotLen:]
	}
	events := make([]audit.Entry, len(snap))
	copy(events, snap)

	actions := make([]string, 0, len(p.Actions))
	for _, a := range p.Actions {
		actions = append(actions, string(a.Type))
	}

	return Alert{
		ID:               uuid.NewString(),
		Timestamp:        trigger.Timestamp,
		PatternID:        p.ID,
		PatternName:      p.Name,
		Severity:         p.Severity,
		Message:          fmt.Sprintf("suspicious pattern %q triggered", p.Name),
		TriggeringEvents: events,
		SessionID:        trigger.SessionID,
		ActionsTaken:     actions,
		actions:          p.Actions,
	}
}

// raise executes a triggered alert: dispatch actions, persist the alert
// to its own file, notify observers, and log a system_event entry that
// goes through the same ingestion pipeline (its pattern is on cooldown,
// so it cannot re-trigger itself).
func (d *Detector) raise(a Alert, observers []func(Alert)) {
	slog.Warn("pattern alert raised", "pattern", a.PatternID, "severity", a.Severity, "session", a.SessionID)

	if d.dispatcher != nil {
		d.dispatcher.Dispatch(a)
	}

	if d.alerts != nil {
		if err := d.alerts.Save(&a); err != nil {
			slog.Error("persisting alert failed", "alert", a.ID, "error", err)
		}
	}

	for _, fn := range observers {
		fn(a)
	}

	if d.sink != nil {
		d.sink.Log(audit.CategorySystemEvent, a.Severity, a.Message, audit.Details{
			Action:    "pattern_alert",
			Allowed:   false,
			Reason:    "pattern " + a.PatternID + " matched",
			Source:    "pattern_detector",
			SessionID: a.SessionID,
			Context: map[string]any{
				"alert_id":     a.ID,
				"pattern_id":   a.PatternID,
				"pattern_name": a.PatternName,
				"events":       len(a.TriggeringEvents),
			},
		})
	}
}

// evalThreshold counts window entries inside the trailing window that
// match all of the pattern's optional filters.
func evalThreshold(p *Pattern, window []audit.Entry, now time.Time) bool {
	spec := p.Threshold
	cutoff := now.Add(-time.Duration(spec.WindowSeconds) * time.Second)

	count := 0
	for i := range window {
		e := &window[i]
		if e.Time().Before(cutoff) {
			continue
		}
		if !thresholdMatches(p, e) {
			continue
		}
		count++
		if count >= spec.Count {
			return true
		}
	}
	return false
}

func thresholdMatches(p *Pattern, e *audit.Entry) bool {
	spec := p.Threshold
	if spec.Category != "" && e.Category != spec.Category {
		return false
	}
	if spec.Severity != "" && e.Severity != spec.Severity {
		return false
	}
	if spec.Allowed != nil && e.Allowed != *spec.Allowed {
		return false
	}
	if p.compiled != nil {
		if p.compiled.sourceGlob != nil && !p.compiled.sourceGlob.Match(e.Source) {
			return false
		}
		if p.compiled.actionGlob != nil && !p.compiled.actionGlob.Match(e.Action) {
			return false
		}
	}
	return true
}

// evalSequence scans the window in chronological order with a pointer
// into the category list. A match advances the pointer when it is the
// first step or follows within the gap limit; an entry re-matching the
// first category restarts a fresh candidate run at step 1, so a repeated
// opener never accumulates phantom progress.
func evalSequence(p *Pattern, window []audit.Entry) bool {
	cats := p.Sequence.Categories
	maxGap := time.Duration(p.Sequence.MaxGapSeconds) * time.Second

	ptr := 0
	var lastMatch time.Time
	for i := range window {
		e := &window[i]
		t := e.Time()

		if e.Category == cats[ptr] {
			if ptr == 0 || t.Sub(lastMatch) <= maxGap {
				ptr++
				lastMatch = t
				if ptr == len(cats) {
					return true
				}
			} else if e.Category == cats[0] {
				ptr = 1
				lastMatch = t
			} else {
				ptr = 0
			}
			continue
		}

		if ptr > 0 && e.Category == cats[0] {
			ptr = 1
			lastMatch = t
		}
	}
	return false
}

// --- Pattern management ---

// Patterns returns a copy of the current pattern set.
func (d *Detector) Patterns() []Pattern {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Pattern, len(d.patterns))
	copy(out, d.patterns)
	return out
}

// UpdatePatterns replaces the whole pattern set and persists it.
func (d *Detector) UpdatePatterns(patterns []Pattern) error {
	for i := range patterns {
		if err := compilePattern(&patterns[i]); err != nil {
			return err
		}
	}

	d.mu.Lock()
	d.patterns = patterns
	d.mu.Unlock()
	return d.save()
}

// AddPattern compiles and appends one pattern, then persists the set.
func (d *Detector) AddPattern(p Pattern) error {
	if err := compilePattern(&p); err != nil {
		return err
	}

	d.mu.Lock()
	for i := range d.patterns {
		if d.patterns[i].ID == p.ID {
			d.mu.Unlock()
			return fmt.Errorf("pattern %q already exists", p.ID)
		}
	}
	d.patterns = append(d.patterns, p)
	d.mu.Unlock()
	return d.save()
}

// RemovePattern removes a pattern by ID and persists the set.
func (d *Detector) RemovePattern(id string) error {
	d.mu.Lock()
	found := false
	filtered := d.patterns[:0]
	for _, p := range d.patterns {
		if p.ID == id {
			found = true
			continue
		}
		filtered = append(filtered, p)
	}
	d.patterns = filtered
	d.mu.Unlock()

	if !found {
		return fmt.Errorf("pattern %q not found", id)
	}
	return d.save()
}

// SetPatternEnabled toggles a pattern and persists the set.
func (d *Detector) SetPatternEnabled(id string, enabled bool) error {
	d.mu.Lock()
	found := false
	for i := range d.patterns {
		if d.patterns[i].ID == id {
			d.patterns[i].Enabled = enabled
			found = true
			break
		}
	}
	d.mu.Unlock()

	if !found {
		return fmt.Errorf("pattern %q not found", id)
	}
	return d.save()
}

// Reload re-reads patterns.yaml. Called by the file watcher when the
// file changes on disk.
func (d *Detector) Reload() error {
	patterns, err := loadPatternsFromFile(d.path)
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.patterns = patterns
	d.mu.Unlock()

	slog.Info("patterns reloaded", "count", len(patterns))
	return nil
}

// save persists the current pattern set to patterns.yaml.
func (d *Detector) save() error {
	if d.path == "" {
		return nil
	}
	d.mu.Lock()
	patterns := make([]Pattern, len(d.patterns))
	copy(patterns, d.patterns)
	d.mu.Unlock()
	return savePatternsToFile(d.path, patterns)
}
