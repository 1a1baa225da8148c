// Package match implements the trigger pattern contract shared by the
// router and the conversation engine. A pattern is a literal string
// (compiled as a case-insensitive regular expression), a regular
// expression used as-is, or a predicate function over a canonical
// message.
package match

import (
	"context"
	"fmt"
	"regexp"

	"github.com/botloom/loom/pkg/domain"
)

// Predicate is a pattern expressed as code. It may block on platform
// calls and must resolve to a boolean.
type Predicate func(ctx context.Context, msg *domain.Message) (bool, error)

// Pattern tests a canonical message. Exactly one of the three backing
// forms is set.
type Pattern struct {
	source string
	re     *regexp.Regexp
	fn     Predicate
}

// Literal compiles a string pattern into a case-insensitive regular
// expression. The string is treated as a regexp source, not quoted, so
// "colou?r" and "^deploy (.*)$" both work.
func Literal(s string) (*Pattern, error) {
	re, err := regexp.Compile("(?i)" + s)
	if err != nil {
		return nil, fmt.Errorf("compile pattern %q: %w", s, err)
	}
	return &Pattern{source: s, re: re}, nil
}

// MustLiteral is Literal for patterns known valid at compile time.
// It panics on a bad expression, which is a configuration error.
func MustLiteral(s string) *Pattern {
	p, err := Literal(s)
	if err != nil {
		panic(err)
	}
	return p
}

// Regexp wraps an existing regular expression, used as-is.
func Regexp(re *regexp.Regexp) *Pattern {
	return &Pattern{source: re.String(), re: re}
}

// Func wraps a predicate function.
func Func(fn Predicate) *Pattern {
	return &Pattern{source: "func", fn: fn}
}

// Match tests the pattern against a message. Text-based patterns never
// match a message without text.
func (p *Pattern) Match(ctx context.Context, msg *domain.Message) (bool, error) {
	if p.fn != nil {
		return p.fn(ctx, msg)
	}
	if msg.Text == "" {
		return false, nil
	}
	return p.re.MatchString(msg.Text), nil
}

// FindSubmatch returns capture groups for regexp-backed patterns, or
// nil for predicate patterns and non-matching text.
func (p *Pattern) FindSubmatch(msg *domain.Message) []string {
	if p.re == nil || msg.Text == "" {
		return nil
	}
	return p.re.FindStringSubmatch(msg.Text)
}

// String implements fmt.Stringer for logging.
func (p *Pattern) String() string { return p.source }
