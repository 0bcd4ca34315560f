// Package errlog keeps a bounded, append-ordered history of recovery attempts.
package errlog

import (
	"sort"
	"sync"
	"time"

	"github.com/aristath/supervisor/internal/faults"
	"github.com/google/uuid"
)

// Entry is one recovery attempt.
type Entry struct {
	ID              string          `json:"id"`
	Timestamp       time.Time       `json:"timestamp"`
	Kind            faults.Kind     `json:"kind"`
	Severity        faults.Severity `json:"severity"`
	Category        string          `json:"category"`
	Confidence      float64         `json:"confidence"`
	Message         string          `json:"message"`
	WorkerID        string          `json:"worker_id,omitempty"`
	TaskID          string          `json:"task_id,omitempty"`
	Operation       string          `json:"operation,omitempty"`
	Strategy        string          `json:"strategy,omitempty"`
	Action          string          `json:"action"`
	Success         bool            `json:"success"`
	Attempt         int             `json:"attempt"`
	RecoveryMessage string          `json:"recovery_message,omitempty"`
}

// Config bounds the log.
type Config struct {
	MaxSize   int           // Oldest entries are dropped beyond this
	Retention time.Duration // Entries older than this are pruned; 0 keeps forever
}

// DefaultConfig returns the default log bounds.
func DefaultConfig() Config {
	return Config{
		MaxSize:   10000,
		Retention: 7 * 24 * time.Hour,
	}
}

// Log is safe for concurrent use.
type Log struct {
	mu      sync.RWMutex
	cfg     Config
	entries []Entry
	now     func() time.Time
}

// New creates an empty log.
func New(cfg Config) *Log {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultConfig().MaxSize
	}
	return &Log{cfg: cfg, now: time.Now}
}

// SetConfig changes the bounds and prunes immediately.
func (l *Log) SetConfig(cfg Config) {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultConfig().MaxSize
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cfg = cfg
	l.pruneLocked()
}

// Append records e, filling in ID and Timestamp when absent.
func (l *Log) Append(e Entry) Entry {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if e.Timestamp.IsZero() {
		e.Timestamp = l.now()
	}
	l.appendLocked(e)
	l.pruneLocked()
	return e
}

func (l *Log) appendLocked(e Entry) {
	if len(l.entries) >= l.cfg.MaxSize {
		// Shift left, drop oldest
		copy(l.entries, l.entries[1:])
		l.entries[len(l.entries)-1] = e
		return
	}
	l.entries = append(l.entries, e)
}

func (l *Log) pruneLocked() {
	if over := len(l.entries) - l.cfg.MaxSize; over > 0 {
		l.entries = append(l.entries[:0], l.entries[over:]...)
	}
	if l.cfg.Retention <= 0 {
		return
	}
	cutoff := l.now().Add(-l.cfg.Retention)
	keep := l.entries[:0]
	for _, e := range l.entries {
		if !e.Timestamp.Before(cutoff) {
			keep = append(keep, e)
		}
	}
	l.entries = keep
}

// Len returns the number of retained entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Entries returns matching entries oldest first.
func (l *Log) Entries(f Filter) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Entry
	for _, e := range l.entries {
		if f.matches(e) {
			out = append(out, e)
		}
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}

// Clear drops every entry.
func (l *Log) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = nil
}

// Filter selects entries. Zero fields match everything.
type Filter struct {
	Kinds      []faults.Kind
	Severities []faults.Severity
	Category   string
	WorkerID   string
	TaskID     string
	Since      time.Time
	Until      time.Time
	Success    *bool
	Limit      int // Most recent N after filtering
}

func (f Filter) matches(e Entry) bool {
	if len(f.Kinds) > 0 && !containsKind(f.Kinds, e.Kind) {
		return false
	}
	if len(f.Severities) > 0 && !containsSeverity(f.Severities, e.Severity) {
		return false
	}
	if f.Category != "" && e.Category != f.Category {
		return false
	}
	if f.WorkerID != "" && e.WorkerID != f.WorkerID {
		return false
	}
	if f.TaskID != "" && e.TaskID != f.TaskID {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
		return false
	}
	if f.Success != nil && e.Success != *f.Success {
		return false
	}
	return true
}

func containsKind(list []faults.Kind, k faults.Kind) bool {
	for _, v := range list {
		if v == k {
			return true
		}
	}
	return false
}

func containsSeverity(list []faults.Severity, s faults.Severity) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// MessageCount is one row of the top-messages table.
type MessageCount struct {
	Message string `json:"message"`
	Count   int    `json:"count"`
}

// HourBucket counts entries within one clock hour.
type HourBucket struct {
	Hour  time.Time `json:"hour"`
	Count int       `json:"count"`
}

// Statistics summarises a filtered slice of the log.
type Statistics struct {
	Total       int                     `json:"total"`
	Successes   int                     `json:"successes"`
	Failures    int                     `json:"failures"`
	SuccessRate float64                 `json:"success_rate"`
	ByKind      map[faults.Kind]int     `json:"by_kind"`
	BySeverity  map[faults.Severity]int `json:"by_severity"`
	ByCategory  map[string]int          `json:"by_category"`
	ByWorker    map[string]int          `json:"by_worker"`
	ByAction    map[string]int          `json:"by_action"`
	Hourly      []HourBucket            `json:"hourly"`
	TopMessages []MessageCount          `json:"top_messages"`
}

// TopN is how many messages Stats reports.
const TopN = 10

// Stats computes statistics over the entries matching f.
func (l *Log) Stats(f Filter) Statistics {
	entries := l.Entries(f)

	st := Statistics{
		Total:      len(entries),
		ByKind:     make(map[faults.Kind]int),
		BySeverity: make(map[faults.Severity]int),
		ByCategory: make(map[string]int),
		ByWorker:   make(map[string]int),
		ByAction:   make(map[string]int),
	}
	hours := make(map[time.Time]int)
	messages := make(map[string]int)

	for _, e := range entries {
		if e.Success {
			st.Successes++
		} else {
			st.Failures++
		}
		st.ByKind[e.Kind]++
		st.BySeverity[e.Severity]++
		st.ByCategory[e.Category]++
		if e.WorkerID != "" {
			st.ByWorker[e.WorkerID]++
		}
		if e.Action != "" {
			st.ByAction[e.Action]++
		}
		hours[e.Timestamp.UTC().Truncate(time.Hour)]++
		messages[e.Message]++
	}
	if st.Total > 0 {
		st.SuccessRate = float64(st.Successes) / float64(st.Total)
	}

	for h, n := range hours {
		st.Hourly = append(st.Hourly, HourBucket{Hour: h, Count: n})
	}
	sort.Slice(st.Hourly, func(i, j int) bool { return st.Hourly[i].Hour.Before(st.Hourly[j].Hour) })

	for m, n := range messages {
		st.TopMessages = append(st.TopMessages, MessageCount{Message: m, Count: n})
	}
	sort.Slice(st.TopMessages, func(i, j int) bool {
		if st.TopMessages[i].Count != st.TopMessages[j].Count {
			return st.TopMessages[i].Count > st.TopMessages[j].Count
		}
		return st.TopMessages[i].Message < st.TopMessages[j].Message
	})
	if len(st.TopMessages) > TopN {
		st.TopMessages = st.TopMessages[:TopN]
	}
	return st
}
