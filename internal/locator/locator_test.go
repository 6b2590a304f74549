package locator

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"calsync/internal/syncerr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeElement struct {
	text    string
	visible bool
	value   string
	clicks  int
}

// fakeDOM resolves rules against a selector -> element map.
type fakeDOM struct {
	elements map[string]*fakeElement
	block    map[string]bool
	calls    []string
}

var errMissing = errors.New("element not found")

func (f *fakeDOM) find(r Rule) (*fakeElement, error) {
	el, ok := f.elements[r.Selector]
	if !ok {
		return nil, errMissing
	}
	if r.Text != "" && !strings.Contains(strings.ToLower(el.text), strings.ToLower(r.Text)) {
		return nil, errMissing
	}
	return el, nil
}

func (f *fakeDOM) wait(ctx context.Context, r Rule) error {
	if f.block[r.Selector] {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (f *fakeDOM) Click(ctx context.Context, r Rule) error {
	f.calls = append(f.calls, "click "+r.String())
	if err := f.wait(ctx, r); err != nil {
		return err
	}
	el, err := f.find(r)
	if err != nil {
		return err
	}
	el.clicks++
	return nil
}

func (f *fakeDOM) Fill(ctx context.Context, r Rule, value string) error {
	f.calls = append(f.calls, "fill "+r.String())
	if err := f.wait(ctx, r); err != nil {
		return err
	}
	el, err := f.find(r)
	if err != nil {
		return err
	}
	el.value = value
	return nil
}

func (f *fakeDOM) WaitVisible(ctx context.Context, r Rule) error {
	if err := f.wait(ctx, r); err != nil {
		return err
	}
	el, err := f.find(r)
	if err != nil {
		return err
	}
	if !el.visible {
		return errors.New("not visible")
	}
	return nil
}

func (f *fakeDOM) WaitHidden(ctx context.Context, r Rule) error {
	el, err := f.find(r)
	if err != nil {
		return nil
	}
	if el.visible {
		return errors.New("still visible")
	}
	return nil
}

func TestStrategyFallsBackToThirdRule(t *testing.T) {
	first := &fakeElement{text: "Cancel", visible: true}
	third := &fakeElement{text: "Log in", visible: true}
	dom := &fakeDOM{elements: map[string]*fakeElement{
		"button.first":        first,
		"button[type=submit]": third,
	}}

	s := New("submit", time.Second,
		WithText("button.first", "log in"),
		Sel("button.loginButton"),
		Sel("button[type=submit]"),
	)

	rule, err := s.Click(context.Background(), dom)
	require.NoError(t, err)
	assert.Equal(t, "button[type=submit]", rule.Selector)
	assert.Equal(t, 0, first.clicks, "earlier rule must not click anything")
	assert.Equal(t, 1, third.clicks)
	assert.Len(t, dom.calls, 3)
}

func TestStrategyExhausted(t *testing.T) {
	dom := &fakeDOM{elements: map[string]*fakeElement{}}
	s := New("listing table", time.Second, Sel("table.a"), Sel("table.b"))

	_, err := s.WaitVisible(context.Background(), dom)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoMatch))
	assert.Equal(t, syncerr.ElementNotFound, syncerr.Classify(err))

	var nm *NoMatchError
	require.True(t, errors.As(err, &nm))
	require.Len(t, nm.Attempts, 2)
	assert.Equal(t, "table.a", nm.Attempts[0].Rule.Selector)
	assert.Contains(t, err.Error(), "table.b")
	assert.Contains(t, err.Error(), "wait-visible")
}

func TestStrategyPerAttemptTimeout(t *testing.T) {
	field := &fakeElement{visible: true}
	dom := &fakeDOM{
		elements: map[string]*fakeElement{"input.slow": {}, "input.fast": field},
		block:    map[string]bool{"input.slow": true},
	}
	s := New("username", 20*time.Millisecond, Sel("input.slow"), Sel("input.fast"))

	rule, err := s.Fill(context.Background(), dom, "me@example.com")
	require.NoError(t, err)
	assert.Equal(t, "input.fast", rule.Selector)
	assert.Equal(t, "me@example.com", field.value)
}

func TestStrategyParentCancelled(t *testing.T) {
	dom := &fakeDOM{elements: map[string]*fakeElement{"a": {visible: true}}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New("nav", time.Second, Sel("a")).Click(ctx, dom)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, dom.calls)
}

func TestStrategyWaitHidden(t *testing.T) {
	dom := &fakeDOM{elements: map[string]*fakeElement{"div.spinner": {visible: false}}}
	rule, err := New("spinner", time.Second, Sel("div.spinner")).WaitHidden(context.Background(), dom)
	require.NoError(t, err)
	assert.Equal(t, "div.spinner", rule.Selector)
}

func TestRuleString(t *testing.T) {
	assert.Equal(t, "nav", Sel("nav").String())
	assert.Equal(t, `a[text~="My Rentals"]`, WithText("a", "My Rentals").String())
	assert.Equal(t, "wait-hidden", WaitHidden.String())
}
