package audit

import (
	"sort"
	"strings"
	"time"
)

// Search reconstructs a merged view of on-disk files plus the unflushed
// in-memory buffer, applies filters, sorts, and paginates.
//
// Default order is newest-first by timestamp; ties keep the original
// encounter order (disk files chronologically, then buffer).
func (l *Logger) Search(f SearchFilters) (SearchResult, error) {
	entries, err := l.candidateEntries(f)
	if err != nil {
		return SearchResult{}, err
	}

	matched := entries[:0]
	for _, e := range entries {
		if matchesFilters(&e, &f) {
			matched = append(matched, e)
		}
	}

	sortEntries(matched, f.SortBy, f.SortAsc)

	total := len(matched)
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	page := matched[offset:]
	hasMore := false
	if f.Limit > 0 && len(page) > f.Limit {
		page = page[:f.Limit]
		hasMore = true
	}

	// Copy the page out of the scratch slice.
	out := make([]Entry, len(page))
	copy(out, page)
	return SearchResult{Entries: out, TotalCount: total, HasMore: hasMore}, nil
}

// candidateEntries reads candidate files — narrowed by filename-encoded
// date when a time range is given — and appends the unflushed buffer.
func (l *Logger) candidateEntries(f SearchFilters) ([]Entry, error) {
	files, err := l.allLogFiles()
	if err != nil {
		return nil, err
	}

	var all []Entry
	for _, file := range files {
		if skipFileForRange(file, f.Start, f.End) {
			continue
		}
		entries, err := readEntriesFromFile(file)
		if err != nil {
			return nil, err
		}
		all = append(all, entries...)
	}
	return append(all, l.snapshotBuffer()...), nil
}

// skipFileForRange reports whether a file's filename-encoded date puts it
// entirely outside [start, end]. A file dated D covers [D, D+1d).
func skipFileForRange(path string, start, end time.Time) bool {
	d := fileDate(path)
	if d.IsZero() {
		return false
	}
	if !start.IsZero() && d.AddDate(0, 0, 1).Before(start) {
		return true
	}
	if !end.IsZero() && d.After(end) {
		return true
	}
	return false
}

// matchesFilters checks one entry against all set filters (AND logic;
// list filters are OR within the list).
func matchesFilters(e *Entry, f *SearchFilters) bool {
	if len(f.Categories) > 0 && !containsCategory(f.Categories, e.Category) {
		return false
	}
	if len(f.Severities) > 0 && !containsSeverity(f.Severities, e.Severity) {
		return false
	}
	if f.Source != "" && e.Source != f.Source {
		return false
	}
	if f.SessionID != "" && e.SessionID != f.SessionID {
		return false
	}
	if f.Allowed != nil && e.Allowed != *f.Allowed {
		return false
	}
	if !f.Start.IsZero() || !f.End.IsZero() {
		t := e.Time()
		if !f.Start.IsZero() && t.Before(f.Start) {
			return false
		}
		if !f.End.IsZero() && t.After(f.End) {
			return false
		}
	}
	if f.Text != "" {
		needle := strings.ToLower(f.Text)
		haystack := strings.ToLower(e.Message + " " + e.Action + " " + canonicalContext(e.Context))
		if !strings.Contains(haystack, needle) {
			return false
		}
	}
	return true
}

func containsCategory(list []Category, c Category) bool {
	for _, v := range list {
		if v == c {
			return true
		}
	}
	return false
}

func containsSeverity(list []Severity, s Severity) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// sortEntries orders entries by the requested field. sort.SliceStable
// keeps the original encounter order for ties.
func sortEntries(entries []Entry, by SortField, asc bool) {
	less := func(a, b *Entry) bool { return a.Time().Before(b.Time()) }
	switch by {
	case SortBySeverity:
		less = func(a, b *Entry) bool { return a.Severity.Rank() < b.Severity.Rank() }
	case SortByCategory:
		less = func(a, b *Entry) bool { return a.Category < b.Category }
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if asc {
			return less(&entries[i], &entries[j])
		}
		return less(&entries[j], &entries[i])
	})
}

// GetStatistics computes category/severity/source breakdowns and the
// event rate over the observed span. With a zero-duration span (all
// entries at one instant) the rate falls back to the raw count.
func (l *Logger) GetStatistics(start, end time.Time) (Statistics, error) {
	res, err := l.Search(SearchFilters{Start: start, End: end, SortBy: SortByTimestamp, SortAsc: true})
	if err != nil {
		return Statistics{}, err
	}

	stats := Statistics{
		Total:      len(res.Entries),
		ByCategory: make(map[Category]int),
		BySeverity: make(map[Severity]int),
		BySource:   make(map[string]int),
	}
	if stats.Total == 0 {
		return stats, nil
	}

	for i := range res.Entries {
		e := &res.Entries[i]
		stats.ByCategory[e.Category]++
		stats.BySeverity[e.Severity]++
		if e.Source != "" {
			stats.BySource[e.Source]++
		}
		if e.Allowed {
			stats.Allowed++
		} else {
			stats.Blocked++
		}
	}

	first, last := res.Entries[0], res.Entries[len(res.Entries)-1]
	stats.Earliest = first.Timestamp
	stats.Latest = last.Timestamp

	span := last.Time().Sub(first.Time())
	if hours := span.Hours(); hours > 0 {
		stats.EventsPerHour = float64(stats.Total) / hours
	} else {
		stats.EventsPerHour = float64(stats.Total)
	}
	return stats, nil
}

// GetEntriesBySeverity returns up to limit entries of one severity,
// newest first.
func (l *Logger) GetEntriesBySeverity(s Severity, limit int) ([]Entry, error) {
	res, err := l.Search(SearchFilters{Severities: []Severity{s}, Limit: limit})
	if err != nil {
		return nil, err
	}
	return res.Entries, nil
}

// GetEntriesByCategory returns up to limit entries of one category,
// newest first.
func (l *Logger) GetEntriesByCategory(c Category, limit int) ([]Entry, error) {
	res, err := l.Search(SearchFilters{Categories: []Category{c}, Limit: limit})
	if err != nil {
		return nil, err
	}
	return res.Entries, nil
}

// GetBlockedActions returns up to limit denied entries, newest first.
func (l *Logger) GetBlockedActions(limit int) ([]Entry, error) {
	denied := false
	res, err := l.Search(SearchFilters{Allowed: &denied, Limit: limit})
	if err != nil {
		return nil, err
	}
	return res.Entries, nil
}

// Tail returns the N most recent accepted entries, newest first. Served
// from the SQLite index when available; the index is written at Log
// time, so unflushed entries appear in either path.
func (l *Logger) Tail(limit int) ([]Entry, error) {
	if l.index != nil {
		return l.index.tail(limit)
	}
	res, err := l.Search(SearchFilters{Limit: limit})
	if err != nil {
		return nil, err
	}
	return res.Entries, nil
}
