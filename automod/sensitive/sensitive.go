// Sensitive-term scanning of submitted content.
//
// The remote checker calls the sensitive-term service; the local checker matches term lists held in a set store, and serves as fallback when the service is unavailable.
package sensitive

import (
	"context"
	"log/slog"
	"sort"

	"github.com/modgate/modgate/automod/keyword"
)

type Action string

const (
	ActionReplace Action = "replace"
	ActionReview  Action = "review"
	ActionBlock   Action = "block"
)

func (a Action) Valid() bool {
	switch a {
	case ActionReplace, ActionReview, ActionBlock:
		return true
	}
	return false
}

type Hit struct {
	Word        string `json:"word"`
	Action      Action `json:"action"`
	ReplaceWith string `json:"replaceWith,omitempty"`
}

type Result struct {
	Hits []Hit `json:"hits"`
}

func (r *Result) HasAction(a Action) bool {
	if r == nil {
		return false
	}
	for _, h := range r.Hits {
		if h.Action == a {
			return true
		}
	}
	return false
}

func (r *Result) Words() []string {
	if r == nil {
		return nil
	}
	out := make([]string, 0, len(r.Hits))
	for _, h := range r.Hits {
		out = append(out, h.Word)
	}
	sort.Strings(out)
	return out
}

type Checker interface {
	Check(ctx context.Context, content string) (*Result, error)
}

// Masks every hit word in content, using the hit's replacement text when it has one.
func Redact(content string, hits []Hit) string {
	for _, h := range hits {
		content = keyword.Redact(content, h.Word, h.ReplaceWith)
	}
	return content
}

// Uses Primary, and Fallback when Primary returns an error.
type FallbackChecker struct {
	Primary  Checker
	Fallback Checker
	Logger   *slog.Logger
}

func (c *FallbackChecker) Check(ctx context.Context, content string) (*Result, error) {
	res, err := c.Primary.Check(ctx, content)
	if err == nil {
		return res, nil
	}
	if c.Fallback == nil {
		return nil, err
	}
	checkFallbacks.Inc()
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("sensitive-term service failed, using local term lists", "err", err)
	return c.Fallback.Check(ctx, content)
}
