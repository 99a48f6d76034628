package audit

import (
	"strings"
	"testing"
)

func TestComputeHash_Deterministic(t *testing.T) {
	e := &Entry{
		ID:        "e-1",
		Timestamp: "2026-08-29T10:00:00Z",
		Seq:       1,
		Category:  CategoryCommandExecution,
		Severity:  SeverityInfo,
		Message:   "command executed",
		Action:    "ls -la",
		Allowed:   true,
		Source:    "shell",
		PrevHash:  GenesisHash,
	}

	hash1 := computeHash(SHA256, e)
	hash2 := computeHash(SHA256, e)

	if hash1 != hash2 {
		t.Error("same input should produce the same hash")
	}
	if !strings.HasPrefix(hash1, "sha256:") {
		t.Errorf("hash should start with 'sha256:', got %q", hash1)
	}
}

func TestComputeHash_AlgorithmPrefixes(t *testing.T) {
	e := &Entry{ID: "e-1", Seq: 1, Category: CategoryAPICall, PrevHash: GenesisHash}

	tests := []struct {
		algo   HashAlgorithm
		prefix string
	}{
		{SHA256, "sha256:"},
		{SHA384, "sha384:"},
		{SHA512, "sha512:"},
	}

	for _, tt := range tests {
		t.Run(string(tt.algo), func(t *testing.T) {
			h := computeHash(tt.algo, e)
			if !strings.HasPrefix(h, tt.prefix) {
				t.Errorf("hash should start with %q, got %q", tt.prefix, h)
			}
		})
	}
}

func TestComputeHash_SensitiveToAllFields(t *testing.T) {
	base := Entry{
		ID:        "e-1",
		Timestamp: "2026-08-29T10:00:00Z",
		Seq:       1,
		Category:  CategoryFileAccess,
		Severity:  SeverityWarning,
		Message:   "file read",
		Action:    "/etc/hosts",
		Allowed:   true,
		Reason:    "policy",
		Source:    "fs",
		SessionID: "sess-1",
		Duration:  12,
		Context:   map[string]any{"mode": "read"},
		PrevHash:  "sha256:abc",
	}

	baseHash := computeHash(SHA256, &base)

	tests := []struct {
		name   string
		modify func(e *Entry)
	}{
		{"id", func(e *Entry) { e.ID = "e-2" }},
		{"timestamp", func(e *Entry) { e.Timestamp = "2026-12-31T00:00:00Z" }},
		{"seq", func(e *Entry) { e.Seq = 99 }},
		{"category", func(e *Entry) { e.Category = CategoryAPICall }},
		{"severity", func(e *Entry) { e.Severity = SeverityCritical }},
		{"message", func(e *Entry) { e.Message = "changed" }},
		{"action", func(e *Entry) { e.Action = "/etc/shadow" }},
		{"allowed", func(e *Entry) { e.Allowed = false }},
		{"reason", func(e *Entry) { e.Reason = "other" }},
		{"source", func(e *Entry) { e.Source = "net" }},
		{"session", func(e *Entry) { e.SessionID = "sess-2" }},
		{"duration", func(e *Entry) { e.Duration = 99 }},
		{"context", func(e *Entry) { e.Context = map[string]any{"mode": "write"} }},
		{"prev_hash", func(e *Entry) { e.PrevHash = "sha256:xyz" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			modified := base // copy
			tt.modify(&modified)
			if computeHash(SHA256, &modified) == baseHash {
				t.Errorf("changing %s should produce a different hash", tt.name)
			}
		})
	}
}

func TestCanonicalContext_SortedKeys(t *testing.T) {
	a := canonicalContext(map[string]any{"b": 2, "a": 1, "c": 3})
	b := canonicalContext(map[string]any{"c": 3, "a": 1, "b": 2})

	if a != b {
		t.Errorf("context serialization should not depend on insertion order: %q vs %q", a, b)
	}
	if canonicalContext(nil) != "" {
		t.Errorf("nil context should serialize empty, got %q", canonicalContext(nil))
	}
}

func TestVerifyEntry_Valid(t *testing.T) {
	e := &Entry{
		ID:        "e-1",
		Timestamp: "2026-08-29T10:00:00Z",
		Seq:       0,
		Category:  CategorySystemEvent,
		Severity:  SeverityInfo,
		Message:   "engine started",
		PrevHash:  GenesisHash,
	}
	e.Hash = computeHash(SHA256, e)

	if !verifyEntry(SHA256, e) {
		t.Error("entry with correct hash should verify as true")
	}
}

func TestVerifyEntry_TamperedHash(t *testing.T) {
	e := &Entry{ID: "e-1", Seq: 1, Category: CategoryCommandExecution, PrevHash: "sha256:00"}
	e.Hash = "sha256:tampered"

	if verifyEntry(SHA256, e) {
		t.Error("entry with tampered hash should verify as false")
	}
}

func TestVerifyEntry_TamperedField(t *testing.T) {
	e := &Entry{ID: "e-1", Seq: 1, Category: CategoryCommandExecution, Allowed: true, PrevHash: "sha256:00"}
	e.Hash = computeHash(SHA256, e)

	// Flip the decision after computing the hash.
	e.Allowed = false

	if verifyEntry(SHA256, e) {
		t.Error("entry with tampered field should verify as false")
	}
}

func TestSeverityOrdering(t *testing.T) {
	order := []Severity{SeverityInfo, SeverityWarning, SeverityBlocked, SeverityCritical}
	for i := 1; i < len(order); i++ {
		if order[i].Rank() <= order[i-1].Rank() {
			t.Errorf("%s should rank above %s", order[i], order[i-1])
		}
	}

	if !SeverityBlocked.AtLeast(SeverityWarning) {
		t.Error("blocked should be at least warning")
	}
	if SeverityInfo.AtLeast(SeverityCritical) {
		t.Error("info should not be at least critical")
	}
}
