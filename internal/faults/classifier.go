package faults

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"
)

const (
	ConfidenceStructured = 1.0
	ConfidencePattern    = 0.8
	ConfidenceFallback   = 0.3

	// tagWeight is how much each tag adds to a pattern's specificity.
	tagWeight = 5
)

// Classification is the classifier's verdict for one error.
type Classification struct {
	Kind             Kind     `json:"kind"`
	Severity         Severity `json:"severity"`
	Category         string   `json:"category"`
	Confidence       float64  `json:"confidence"`
	Tags             []string `json:"tags,omitempty"`
	SuggestedActions []string `json:"suggested_actions,omitempty"`
	Recoverable      bool     `json:"recoverable"`
}

// Context carries whatever the caller knows about where an error happened.
type Context struct {
	WorkerID  string `json:"worker_id,omitempty"`
	TaskID    string `json:"task_id,omitempty"`
	Path      string `json:"path,omitempty"`
	Operation string `json:"operation,omitempty"`
}

// Pattern maps a family of error messages to a classification. Either Regexp
// or Match must be set; when both are, both must agree.
type Pattern struct {
	Name             string
	Regexp           *regexp.Regexp
	Match            func(error) bool
	Kind             Kind
	Severity         Severity
	Category         string
	Tags             []string
	SuggestedActions []string
	Recoverable      bool
}

func (p *Pattern) matches(err error) bool {
	if p.Regexp != nil && !p.Regexp.MatchString(err.Error()) {
		return false
	}
	if p.Match != nil && !p.Match(err) {
		return false
	}
	return p.Regexp != nil || p.Match != nil
}

func (p *Pattern) specificity() int {
	n := len(p.Tags) * tagWeight
	if p.Regexp != nil {
		n += len(p.Regexp.String())
	}
	return n
}

// Classifier turns arbitrary errors into Classifications.
type Classifier struct {
	mu       sync.RWMutex
	patterns []*Pattern
}

// NewClassifier creates a classifier preloaded with DefaultPatterns.
func NewClassifier() *Classifier {
	c := &Classifier{}
	for _, p := range DefaultPatterns() {
		// Defaults are known-valid.
		_ = c.Register(p)
	}
	return c
}

// Register adds or replaces a pattern by name.
func (c *Classifier) Register(p Pattern) error {
	if p.Name == "" {
		return fmt.Errorf("pattern name is required")
	}
	if p.Regexp == nil && p.Match == nil {
		return fmt.Errorf("pattern %q needs a regexp or a match function", p.Name)
	}
	if p.Kind == "" {
		p.Kind = KindUnknown
	}
	if p.Severity == "" {
		p.Severity = SeverityMedium
	}
	if p.Kind == KindValidation {
		p.Recoverable = false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.removeLocked(p.Name)
	c.patterns = append(c.patterns, &p)
	sort.SliceStable(c.patterns, func(i, j int) bool {
		return c.patterns[i].specificity() > c.patterns[j].specificity()
	})
	return nil
}

// Remove deletes the named pattern. It reports whether one was removed.
func (c *Classifier) Remove(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.removeLocked(name)
}

func (c *Classifier) removeLocked(name string) bool {
	for i, p := range c.patterns {
		if p.Name == name {
			c.patterns = append(c.patterns[:i], c.patterns[i+1:]...)
			return true
		}
	}
	return false
}

// Patterns returns pattern names in match order.
func (c *Classifier) Patterns() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, len(c.patterns))
	for i, p := range c.patterns {
		names[i] = p.Name
	}
	return names
}

// Classify never fails: unknown errors get a low-confidence fallback.
func (c *Classifier) Classify(err error, ctx Context) Classification {
	if err == nil {
		return Classification{Kind: KindUnknown, Severity: SeverityLow, Category: "none", Recoverable: true}
	}

	var fe *Error
	if errors.As(err, &fe) && fe.Kind != "" && fe.Severity != "" {
		return Classification{
			Kind:             fe.Kind,
			Severity:         fe.Severity,
			Category:         fe.Category,
			Confidence:       ConfidenceStructured,
			Tags:             append([]string(nil), fe.Tags...),
			SuggestedActions: suggestedActions(fe.Kind, fe.Severity),
			Recoverable:      fe.Recoverable && fe.Kind != KindValidation,
		}
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, p := range c.patterns {
		if !p.matches(err) {
			continue
		}
		actions := p.SuggestedActions
		if len(actions) == 0 {
			actions = suggestedActions(p.Kind, p.Severity)
		}
		return Classification{
			Kind:             p.Kind,
			Severity:         p.Severity,
			Category:         p.Category,
			Confidence:       ConfidencePattern,
			Tags:             append([]string(nil), p.Tags...),
			SuggestedActions: append([]string(nil), actions...),
			Recoverable:      p.Recoverable,
		}
	}

	kind := fallbackKind(ctx)
	return Classification{
		Kind:             kind,
		Severity:         SeverityMedium,
		Category:         "unknown",
		Confidence:       ConfidenceFallback,
		SuggestedActions: suggestedActions(kind, SeverityMedium),
		Recoverable:      true,
	}
}

func fallbackKind(ctx Context) Kind {
	switch {
	case ctx.WorkerID != "":
		return KindAgent
	case ctx.TaskID != "":
		return KindTask
	case ctx.Path != "":
		return KindFile
	default:
		return KindSystem
	}
}

func suggestedActions(kind Kind, sev Severity) []string {
	switch kind {
	case KindAgent:
		if sev.Rank() >= SeverityHigh.Rank() {
			return []string{"restart worker", "reassign tasks"}
		}
		return []string{"retry", "reset worker state"}
	case KindTask:
		if sev.Rank() >= SeverityHigh.Rank() {
			return []string{"cancel task"}
		}
		return []string{"retry", "reassign task"}
	case KindFile:
		return []string{"release file locks", "retry"}
	case KindCommunication:
		return []string{"reconnect", "retry with backoff"}
	case KindValidation:
		return []string{"fix input", "manual review"}
	case KindSystem:
		if sev == SeverityCritical {
			return []string{"reset subsystem", "notify operator"}
		}
		return []string{"retry"}
	}
	return []string{"manual review"}
}
