package faults

import (
	"fmt"
	"strings"
)

// Kind is the broad family a failure belongs to.
type Kind string

const (
	KindAgent         Kind = "agent"
	KindTask          Kind = "task"
	KindFile          Kind = "file"
	KindCommunication Kind = "communication"
	KindValidation    Kind = "validation"
	KindSystem        Kind = "system"
	KindUnknown       Kind = "unknown"
)

// Severity is independent of Kind.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities from low (1) to critical (4). Unknown values rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// Error is a structured failure raised by workers and the engine itself.
// The classifier trusts its Kind and Severity as-is.
type Error struct {
	Kind        Kind
	Severity    Severity
	Category    string
	Message     string
	WorkerID    string
	TaskID      string
	Path        string
	Recoverable bool
	Tags        []string
	Err         error
}

// New creates a recoverable structured error.
func New(kind Kind, severity Severity, category, msg string) *Error {
	return &Error{
		Kind:        kind,
		Severity:    severity,
		Category:    category,
		Message:     msg,
		Recoverable: kind != KindValidation,
	}
}

// Wrap attaches a kind and severity to an underlying error.
func Wrap(err error, kind Kind, severity Severity, category string) *Error {
	e := New(kind, severity, category, "")
	e.Err = err
	return e
}

// Validation creates a non-recoverable validation error.
func Validation(category, msg string) *Error {
	return New(KindValidation, SeverityMedium, category, msg)
}

// WithWorker sets the worker the error originated from.
func (e *Error) WithWorker(id string) *Error {
	e.WorkerID = id
	return e
}

// WithTask sets the task the error originated from.
func (e *Error) WithTask(id string) *Error {
	e.TaskID = id
	return e
}

// WithPath sets the file path involved.
func (e *Error) WithPath(path string) *Error {
	e.Path = path
	return e
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s/%s", e.Kind, e.Category)
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }
