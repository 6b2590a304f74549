// Package locator finds page elements by trying an ordered list of candidate
// rules until one of them works.
package locator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"calsync/internal/syncerr"
)

// Rule is a CSS selector with an optional case-insensitive text condition.
type Rule struct {
	Selector string
	Text     string
}

func (r Rule) String() string {
	if r.Text == "" {
		return r.Selector
	}
	return fmt.Sprintf("%s[text~=%q]", r.Selector, r.Text)
}

// Sel is shorthand for a selector-only rule.
func Sel(selector string) Rule {
	return Rule{Selector: selector}
}

// WithText is shorthand for a selector plus text condition.
func WithText(selector, text string) Rule {
	return Rule{Selector: selector, Text: text}
}

type Action int

const (
	Click Action = iota
	Fill
	WaitVisible
	WaitHidden
)

func (a Action) String() string {
	switch a {
	case Click:
		return "click"
	case Fill:
		return "fill"
	case WaitVisible:
		return "wait-visible"
	case WaitHidden:
		return "wait-hidden"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// Driver performs a single action against a single rule. Implementations
// must return promptly when ctx is done.
type Driver interface {
	Click(ctx context.Context, r Rule) error
	Fill(ctx context.Context, r Rule, value string) error
	WaitVisible(ctx context.Context, r Rule) error
	WaitHidden(ctx context.Context, r Rule) error
}

// ErrNoMatch is matched by every *NoMatchError.
var ErrNoMatch = errors.New("no matching locator rule")

type Attempt struct {
	Rule Rule
	Err  error
}

// NoMatchError reports every rule tried by an exhausted Strategy.
type NoMatchError struct {
	Strategy string
	Action   Action
	Attempts []Attempt
}

func (e *NoMatchError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: no rule could %s (tried %d)", e.Strategy, e.Action, len(e.Attempts))
	for i, a := range e.Attempts {
		fmt.Fprintf(&b, "; #%d %s: %v", i+1, a.Rule, a.Err)
	}
	return b.String()
}

func (e *NoMatchError) Is(target error) bool {
	return target == ErrNoMatch
}

// Unwrap exposes the failure as ElementNotFound for classification.
func (e *NoMatchError) Unwrap() error {
	return syncerr.New(syncerr.ElementNotFound, e.Strategy, nil)
}

// Strategy is an ordered list of rules for one logical element.
type Strategy struct {
	Name    string
	Rules   []Rule
	Timeout time.Duration
}

func New(name string, timeout time.Duration, rules ...Rule) Strategy {
	return Strategy{Name: name, Rules: rules, Timeout: timeout}
}

// WithTimeout returns a copy with a different per-attempt timeout.
func (s Strategy) WithTimeout(d time.Duration) Strategy {
	s.Timeout = d
	return s
}

// Do tries each rule in order and returns the first that succeeded. A
// cancelled parent context stops the search immediately.
func (s Strategy) Do(ctx context.Context, d Driver, action Action, value string) (Rule, error) {
	attempts := make([]Attempt, 0, len(s.Rules))
	for _, rule := range s.Rules {
		if err := ctx.Err(); err != nil {
			return Rule{}, err
		}
		err := s.attempt(ctx, d, action, rule, value)
		if err == nil {
			return rule, nil
		}
		if ctx.Err() != nil {
			return Rule{}, ctx.Err()
		}
		attempts = append(attempts, Attempt{Rule: rule, Err: err})
	}
	return Rule{}, &NoMatchError{Strategy: s.Name, Action: action, Attempts: attempts}
}

func (s Strategy) attempt(ctx context.Context, d Driver, action Action, rule Rule, value string) error {
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}
	switch action {
	case Click:
		return d.Click(ctx, rule)
	case Fill:
		return d.Fill(ctx, rule, value)
	case WaitVisible:
		return d.WaitVisible(ctx, rule)
	case WaitHidden:
		return d.WaitHidden(ctx, rule)
	default:
		return fmt.Errorf("unsupported action %s", action)
	}
}

func (s Strategy) Click(ctx context.Context, d Driver) (Rule, error) {
	return s.Do(ctx, d, Click, "")
}

func (s Strategy) Fill(ctx context.Context, d Driver, value string) (Rule, error) {
	return s.Do(ctx, d, Fill, value)
}

func (s Strategy) WaitVisible(ctx context.Context, d Driver) (Rule, error) {
	return s.Do(ctx, d, WaitVisible, "")
}

func (s Strategy) WaitHidden(ctx context.Context, d Driver) (Rule, error) {
	return s.Do(ctx, d, WaitHidden, "")
}
