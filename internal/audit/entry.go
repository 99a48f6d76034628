package audit

import (
	"time"
)

// Category classifies what kind of authorization decision an entry records.
type Category string

// Entry categories. Policy layers pick the category matching the decision
// they are recording; the engine itself only emits CategorySystemEvent.
const (
	CategoryCommandExecution    Category = "command_execution"
	CategoryFileAccess          Category = "file_access"
	CategoryAPICall             Category = "api_call"
	CategoryToolExecution       Category = "tool_execution"
	CategoryPromptInjection     Category = "prompt_injection"
	CategoryInputValidation     Category = "input_validation"
	CategoryRateLimit           Category = "rate_limit"
	CategoryAuthorization       Category = "authorization"
	CategoryOperationTracked    Category = "operation_tracked"
	CategoryOperationRollback   Category = "operation_rollback"
	CategoryConstitutionalCheck Category = "constitutional_check"
	CategorySandboxExecution    Category = "sandbox_execution"
	CategorySystemEvent         Category = "system_event"
)

// Severity is the level of an audit entry. Severities form a total order:
// info < warning < blocked < critical.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityBlocked  Severity = "blocked"
	SeverityCritical Severity = "critical"
)

// severityRank maps severities onto their total order for threshold and
// sort comparisons. Unknown severities rank below info.
var severityRank = map[Severity]int{
	SeverityInfo:     1,
	SeverityWarning:  2,
	SeverityBlocked:  3,
	SeverityCritical: 4,
}

// Rank returns the severity's position in the total order.
func (s Severity) Rank() int {
	return severityRank[s]
}

// AtLeast reports whether s is at or above the given minimum severity.
func (s Severity) AtLeast(min Severity) bool {
	return s.Rank() >= min.Rank()
}

// Entry is a single audit log record. Entries are immutable once created.
//
// The hash chain links entries: each entry's Hash covers the previous
// entry's Hash via PrevHash, making the log tamper-evident. Sequence
// numbers increase by exactly 1 across process restarts.
type Entry struct {
	ID        string         `json:"id"`
	Timestamp string         `json:"ts"` // RFC3339Nano, UTC.
	Seq       uint64         `json:"seq"`
	Category  Category       `json:"category"`
	Severity  Severity       `json:"severity"`
	Message   string         `json:"message"`
	Action    string         `json:"action"`
	Allowed   bool           `json:"allowed"`
	Reason    string         `json:"reason,omitempty"`
	Source    string         `json:"source"`
	SessionID string         `json:"session_id,omitempty"`
	Duration  int64          `json:"duration_ms,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
	PrevHash  string         `json:"prev_hash"`
	Hash      string         `json:"hash"`
}

// Time parses the entry's timestamp. Returns the zero time if the
// timestamp is malformed (such entries sort first).
func (e *Entry) Time() time.Time {
	t, err := time.Parse(time.RFC3339Nano, e.Timestamp)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Details carries the caller-supplied fields of an entry being logged.
// Category, severity, and message are passed alongside; everything
// chain-related (id, ts, seq, hashes) is filled in by the logger.
type Details struct {
	Action    string
	Allowed   bool
	Reason    string
	Source    string
	SessionID string
	Duration  int64
	Context   map[string]any
}

// SearchFilters narrows a Search call. Zero values mean "no filter".
// Text is a case-insensitive substring match over message, action, and
// the context serialized as JSON.
type SearchFilters struct {
	Categories []Category
	Severities []Severity
	Source     string
	SessionID  string
	Allowed    *bool
	Start      time.Time
	End        time.Time
	Text       string

	SortBy  SortField // Default: sort by timestamp.
	SortAsc bool      // Default: newest first.
	Offset  int
	Limit   int
}

// SortField selects the sort key for search results.
type SortField string

const (
	SortByTimestamp SortField = "timestamp"
	SortBySeverity  SortField = "severity"
	SortByCategory  SortField = "category"
)

// SearchResult is a page of matching entries.
type SearchResult struct {
	Entries    []Entry `json:"entries"`
	TotalCount int     `json:"total_count"`
	HasMore    bool    `json:"has_more"`
}

// Statistics summarizes a set of entries.
type Statistics struct {
	Total         int              `json:"total"`
	ByCategory    map[Category]int `json:"by_category"`
	BySeverity    map[Severity]int `json:"by_severity"`
	BySource      map[string]int   `json:"by_source"`
	Allowed       int              `json:"allowed"`
	Blocked       int              `json:"blocked"`
	Earliest      string           `json:"earliest,omitempty"`
	Latest        string           `json:"latest,omitempty"`
	EventsPerHour float64          `json:"events_per_hour"`
}
