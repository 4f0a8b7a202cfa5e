package moderation

import (
	"context"
	"time"

	"github.com/modgate/modgate/automod/keyword"
	"github.com/modgate/modgate/automod/processor"
	"github.com/modgate/modgate/automod/sensitive"
)

// Memoizes sensitive-term results by content hash in the processor's cache, so resubmitted and edited-back content does not hit the checker again.
type CachedChecker struct {
	Checker sensitive.Checker
	Proc    *processor.Processor
	TTL     time.Duration
}

var _ sensitive.Checker = (*CachedChecker)(nil)

func (c *CachedChecker) Check(ctx context.Context, content string) (*sensitive.Result, error) {
	res, err := processor.CachedJSON(ctx, c.Proc, "sensitive:"+keyword.HashOfString(content), c.TTL, func(ctx context.Context) (sensitive.Result, error) {
		r, err := c.Checker.Check(ctx, content)
		if err != nil || r == nil {
			return sensitive.Result{}, err
		}
		return *r, nil
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}
