package audit

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	filePrefix = "audit-"
	fileSuffix = ".jsonl"
	archiveDir = "archive"
	reportsDir = "reports"
)

// activeFileName returns the daily file name for a YYYY-MM-DD date.
func activeFileName(date string) string {
	return filePrefix + date + fileSuffix
}

// rotatedFileName returns the name a rotated file is renamed to. The time
// suffix sorts lexicographically before ".jsonl", so rotated siblings of
// a day order before that day's active file — ascending file-name order
// stays chronological.
func rotatedFileName(date string, at time.Time) string {
	return fmt.Sprintf("%s%s.%s%s", filePrefix, date, at.UTC().Format("150405.000000000"), fileSuffix)
}

// fileDate extracts the YYYY-MM-DD date encoded in a log file name.
// Returns the zero time for names that don't carry one.
func fileDate(path string) time.Time {
	name := strings.TrimSuffix(filepath.Base(path), ".gz")
	name = strings.TrimPrefix(name, filePrefix)
	if len(name) < 10 {
		return time.Time{}
	}
	t, err := time.Parse("2006-01-02", name[:10])
	if err != nil {
		return time.Time{}
	}
	return t
}

// allLogFiles lists every log file — plain JSONL in the log directory
// plus gzip archives — sorted so that reading them in order replays the
// chain chronologically.
func (l *Logger) allLogFiles() ([]string, error) {
	plain, err := filepath.Glob(filepath.Join(l.dir, filePrefix+"*"+fileSuffix))
	if err != nil {
		return nil, fmt.Errorf("listing audit files: %w", err)
	}
	archived, err := filepath.Glob(filepath.Join(l.dir, archiveDir, filePrefix+"*"+fileSuffix+".gz"))
	if err != nil {
		return nil, fmt.Errorf("listing audit archives: %w", err)
	}

	files := append(archived, plain...)
	sort.Slice(files, func(i, j int) bool {
		// Compare by base name with the .gz suffix stripped, so an
		// archived rotation keeps its place relative to plain files.
		a := strings.TrimSuffix(filepath.Base(files[i]), ".gz")
		b := strings.TrimSuffix(filepath.Base(files[j]), ".gz")
		return a < b
	})
	return files, nil
}

// marshalLine renders an entry as one newline-terminated JSON line.
func marshalLine(e *Entry) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshaling audit entry %d: %w", e.Seq, err)
	}
	return append(data, '\n'), nil
}

// openLogReader opens a log file for reading, transparently decompressing
// gzip archives. The caller must close the returned closer.
func openLogReader(path string) (io.Reader, io.Closer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	if !strings.HasSuffix(path, ".gz") {
		return f, f, nil
	}
	zr, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("opening archive %s: %w", path, err)
	}
	return zr, multiCloser{zr, f}, nil
}

type multiCloser []io.Closer

func (m multiCloser) Close() error {
	var first error
	for _, c := range m {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// readEntriesFromFile reads all entries from one log file. Malformed
// lines are skipped with a warning; the rest of the file is still read.
func readEntriesFromFile(path string) ([]Entry, error) {
	reader, closer, err := openLogReader(path)
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	var entries []Entry
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			slog.Warn("skipping malformed audit entry", "file", filepath.Base(path), "error", err)
			continue
		}
		entries = append(entries, e)
	}
	return entries, scanner.Err()
}

// readLastEntry returns the last parseable entry of a log file, or nil
// when it holds none. A torn final line from a crash mid-append is
// skipped like any other malformed line; the chain continues from the
// last entry that made it to disk intact.
func readLastEntry(path string) (*Entry, error) {
	reader, closer, err := openLogReader(path)
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	var last *Entry
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			slog.Warn("skipping malformed audit entry", "file", filepath.Base(path), "error", err)
			continue
		}
		last = &e
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return last, nil
}
