package errlog

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

const exportVersion = 1

type exportDoc struct {
	Version    int       `json:"version"`
	ExportedAt time.Time `json:"exported_at"`
	Entries    []Entry   `json:"entries"`
}

type importDoc struct {
	Version int               `json:"version"`
	Entries []json.RawMessage `json:"entries"`
}

// Export serialises the entries matching f as a JSON document.
func (l *Log) Export(f Filter) ([]byte, error) {
	doc := exportDoc{
		Version:    exportVersion,
		ExportedAt: l.now().UTC(),
		Entries:    l.Entries(f),
	}
	if doc.Entries == nil {
		doc.Entries = []Entry{}
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal error log: %w", err)
	}
	return data, nil
}

// Import merges entries from an exported document into the log in timestamp
// order, then applies the size and retention bounds. Malformed entries,
// entries without an ID or timestamp, and IDs already present are skipped
// and counted. imported counts only entries still retained after the bounds.
func (l *Log) Import(data []byte) (imported, skipped int, err error) {
	var doc importDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return 0, 0, fmt.Errorf("failed to parse error log: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	seen := make(map[string]bool, len(l.entries))
	for _, e := range l.entries {
		seen[e.ID] = true
	}

	added := make(map[string]bool)
	merged := append([]Entry(nil), l.entries...)
	for _, raw := range doc.Entries {
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil || e.ID == "" || e.Timestamp.IsZero() {
			skipped++
			continue
		}
		if seen[e.ID] {
			skipped++
			continue
		}
		seen[e.ID] = true
		added[e.ID] = true
		merged = append(merged, e)
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Timestamp.Before(merged[j].Timestamp)
	})
	l.entries = merged
	l.pruneLocked()

	for _, e := range l.entries {
		if added[e.ID] {
			imported++
		}
	}
	return imported, skipped, nil
}
