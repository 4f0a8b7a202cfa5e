package sensitive

import (
	"context"
	"sync"

	"github.com/modgate/modgate/automod/keyword"
	"github.com/modgate/modgate/automod/setstore"
)

// Set names holding local term lists, one per action.
const (
	SetReplace = "sensitive-replace"
	SetReview  = "sensitive-review"
	SetBlock   = "sensitive-block"
)

var setActions = []struct {
	set    string
	action Action
}{
	// strictest first, so a term listed under several actions reports the strictest
	{SetBlock, ActionBlock},
	{SetReview, ActionReview},
	{SetReplace, ActionReplace},
}

type LocalChecker struct {
	sets setstore.SetStore

	lk       sync.RWMutex
	matchers map[Action]*keyword.Matcher
}

func NewLocalChecker(ctx context.Context, sets setstore.SetStore) (*LocalChecker, error) {
	c := &LocalChecker{sets: sets}
	if err := c.Reload(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Rebuilds the matchers from the current set store contents.
func (c *LocalChecker) Reload(ctx context.Context) error {
	matchers := make(map[Action]*keyword.Matcher, len(setActions))
	for _, sa := range setActions {
		terms, err := c.sets.Members(ctx, sa.set)
		if err != nil {
			return err
		}
		matchers[sa.action] = keyword.NewMatcher(terms)
	}
	c.lk.Lock()
	c.matchers = matchers
	c.lk.Unlock()
	return nil
}

func (c *LocalChecker) Check(ctx context.Context, content string) (*Result, error) {
	c.lk.RLock()
	defer c.lk.RUnlock()

	res := &Result{Hits: []Hit{}}
	seen := map[string]bool{}
	for _, sa := range setActions {
		for _, word := range c.matchers[sa.action].Match(content) {
			if seen[word] {
				continue
			}
			seen[word] = true
			res.Hits = append(res.Hits, Hit{Word: word, Action: sa.action})
		}
	}
	checkHits.Add(float64(len(res.Hits)))
	return res, nil
}
