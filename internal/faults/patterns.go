package faults

import (
	"context"
	"errors"
	"io/fs"
	"regexp"
)

// DefaultPatterns covers the failures workers and the engine commonly emit.
func DefaultPatterns() []Pattern {
	return []Pattern{
		{
			Name:        "deadline",
			Match:       func(err error) bool { return errors.Is(err, context.DeadlineExceeded) },
			Kind:        KindCommunication,
			Severity:    SeverityMedium,
			Category:    "timeout",
			Tags:        []string{"timeout"},
			Recoverable: true,
		},
		{
			Name:        "timeout",
			Regexp:      regexp.MustCompile(`(?i)(timed? ?out|deadline exceeded)`),
			Kind:        KindCommunication,
			Severity:    SeverityMedium,
			Category:    "timeout",
			Tags:        []string{"timeout", "network"},
			Recoverable: true,
		},
		{
			Name:        "connection",
			Regexp:      regexp.MustCompile(`(?i)(connection (refused|reset|closed)|broken pipe|no route to host|EOF$)`),
			Kind:        KindCommunication,
			Severity:    SeverityHigh,
			Category:    "connection",
			Tags:        []string{"network"},
			Recoverable: true,
		},
		{
			Name:        "rate-limit",
			Regexp:      regexp.MustCompile(`(?i)(rate limit|too many requests|\b429\b|quota)`),
			Kind:        KindCommunication,
			Severity:    SeverityLow,
			Category:    "rate_limit",
			Tags:        []string{"network", "throttle"},
			Recoverable: true,
		},
		{
			Name:        "file-not-found",
			Match:       func(err error) bool { return errors.Is(err, fs.ErrNotExist) },
			Kind:        KindFile,
			Severity:    SeverityMedium,
			Category:    "not_found",
			Tags:        []string{"filesystem"},
			Recoverable: true,
		},
		{
			Name:        "file-permission",
			Regexp:      regexp.MustCompile(`(?i)permission denied|access denied`),
			Kind:        KindFile,
			Severity:    SeverityHigh,
			Category:    "permission",
			Tags:        []string{"filesystem"},
			Recoverable: true,
		},
		{
			Name:        "file-lock",
			Regexp:      regexp.MustCompile(`(?i)(file|resource) (is )?(locked|busy)`),
			Kind:        KindFile,
			Severity:    SeverityMedium,
			Category:    "lock",
			Tags:        []string{"filesystem", "lock"},
			Recoverable: true,
		},
		{
			Name:        "out-of-memory",
			Regexp:      regexp.MustCompile(`(?i)(out of memory|cannot allocate memory|oom)`),
			Kind:        KindSystem,
			Severity:    SeverityCritical,
			Category:    "resources",
			Tags:        []string{"memory"},
			Recoverable: true,
		},
		{
			Name:        "disk-full",
			Regexp:      regexp.MustCompile(`(?i)no space left on device`),
			Kind:        KindSystem,
			Severity:    SeverityCritical,
			Category:    "resources",
			Tags:        []string{"disk"},
			Recoverable: true,
		},
		{
			Name:        "agent-crash",
			Regexp:      regexp.MustCompile(`(?i)(agent|worker) (crashed|exited|unresponsive|not responding)|signal: killed`),
			Kind:        KindAgent,
			Severity:    SeverityHigh,
			Category:    "crash",
			Tags:        []string{"process"},
			Recoverable: true,
		},
		{
			Name:     "validation",
			Regexp:   regexp.MustCompile(`(?i)(invalid (input|argument|parameter|value|format|request|field)s?\b|malformed|validation failed|missing required)`),
			Kind:     KindValidation,
			Severity: SeverityMedium,
			Category: "input",
			Tags:     []string{"input"},
		},
	}
}
