package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
)

// IntegrityError is one structured finding from chain verification.
type IntegrityError struct {
	File     string `json:"file"`
	Line     int    `json:"line"`
	Seq      uint64 `json:"seq"`
	EntryID  string `json:"entry_id,omitempty"`
	Kind     string `json:"kind"` // "chain_break", "hash_mismatch", "sequence_gap", "malformed"
	Expected string `json:"expected,omitempty"`
	Actual   string `json:"actual,omitempty"`
}

func (e IntegrityError) String() string {
	return fmt.Sprintf("%s:%d seq=%d %s (expected %s, got %s)", e.File, e.Line, e.Seq, e.Kind, e.Expected, e.Actual)
}

// IntegrityReport is the outcome of a full-chain verification.
type IntegrityReport struct {
	Valid   bool             `json:"valid"`
	Entries int              `json:"entries_checked"`
	Errors  []IntegrityError `json:"errors,omitempty"`
}

// VerifyIntegrity replays the full chain across all log files in
// ascending file-name (hence chronological) order.
//
// Two independent checks run for every entry even when one fails, so a
// report can simultaneously show "chain broken here" and "entry was
// altered here":
//
//  1. entry.PrevHash must equal the previous entry's Hash (GENESIS for
//     the first entry ever written).
//  2. Recomputing the hash over the entry's canonical fields must
//     reproduce the stored Hash.
//
// Malformed lines are reported as findings and skipped. Detected
// problems are reported, never auto-corrected.
func (l *Logger) VerifyIntegrity() (IntegrityReport, error) {
	files, err := l.allLogFiles()
	if err != nil {
		return IntegrityReport{}, err
	}

	report := IntegrityReport{Valid: true}
	expectedPrev := GenesisHash
	var expectedSeq uint64
	first := true

	for _, file := range files {
		base := filepath.Base(file)
		reader, closer, err := openLogReader(file)
		if err != nil {
			return IntegrityReport{}, fmt.Errorf("opening %s for verification: %w", file, err)
		}

		scanner := bufio.NewScanner(reader)
		scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)
		lineNo := 0
		for scanner.Scan() {
			lineNo++
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}

			var e Entry
			if err := json.Unmarshal([]byte(line), &e); err != nil {
				report.Errors = append(report.Errors, IntegrityError{
					File: base, Line: lineNo, Kind: "malformed", Actual: err.Error(),
				})
				continue
			}
			report.Entries++

			if e.PrevHash != expectedPrev {
				report.Errors = append(report.Errors, IntegrityError{
					File: base, Line: lineNo, Seq: e.Seq, EntryID: e.ID,
					Kind: "chain_break", Expected: expectedPrev, Actual: e.PrevHash,
				})
			}
			if !verifyEntry(l.opts.Algorithm, &e) {
				report.Errors = append(report.Errors, IntegrityError{
					File: base, Line: lineNo, Seq: e.Seq, EntryID: e.ID,
					Kind: "hash_mismatch", Expected: computeHash(l.opts.Algorithm, &e), Actual: e.Hash,
				})
			}
			if !first && e.Seq != expectedSeq {
				report.Errors = append(report.Errors, IntegrityError{
					File: base, Line: lineNo, Seq: e.Seq, EntryID: e.ID,
					Kind: "sequence_gap", Expected: fmt.Sprintf("%d", expectedSeq), Actual: fmt.Sprintf("%d", e.Seq),
				})
			}

			// Continue the replay from the stored values so a single bad
			// entry produces one finding, not a cascade.
			expectedPrev = e.Hash
			expectedSeq = e.Seq + 1
			first = false
		}
		scanErr := scanner.Err()
		closer.Close()
		if scanErr != nil {
			return IntegrityReport{}, fmt.Errorf("reading %s: %w", file, scanErr)
		}
	}

	report.Valid = len(report.Errors) == 0
	return report, nil
}
