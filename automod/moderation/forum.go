package moderation

import (
	"context"
	"fmt"
	"time"

	"github.com/modgate/modgate/automod/cachestore"
	"github.com/modgate/modgate/automod/countstore"
	"github.com/modgate/modgate/automod/keyword"

	"github.com/rivo/uniseg"
)

const (
	cacheForumFingerprint = "forum-fingerprint"
	countForumPosts       = "forum-posts"
)

type ForumConfig struct {
	MaxLinks          int
	LongPostGraphemes int
	// posts per author per hour before every post is reviewed
	FloodLimit   int
	DuplicateTTL time.Duration
}

func DefaultForumConfig() ForumConfig {
	return ForumConfig{
		MaxLinks:          3,
		LongPostGraphemes: 5000,
		FloodLimit:        20,
		DuplicateTTL:      24 * time.Hour,
	}
}

// Forum posts: duplicate, complexity and flood checks.
type ForumNode struct {
	*Base
	cfg    ForumConfig
	cache  cachestore.CacheStore
	counts countstore.CountStore
}

func NewForumNode(deps Deps, cfg ForumConfig, cache cachestore.CacheStore, counts countstore.CountStore) (*ForumNode, error) {
	def := DefaultForumConfig()
	if cfg.MaxLinks <= 0 {
		cfg.MaxLinks = def.MaxLinks
	}
	if cfg.LongPostGraphemes <= 0 {
		cfg.LongPostGraphemes = def.LongPostGraphemes
	}
	if cfg.FloodLimit <= 0 {
		cfg.FloodLimit = def.FloodLimit
	}
	if cfg.DuplicateTTL <= 0 {
		cfg.DuplicateTTL = def.DuplicateTTL
	}
	n := &ForumNode{cfg: cfg, cache: cache, counts: counts}
	b, err := NewBase(BizForum, deps, n.check)
	if err != nil {
		return nil, err
	}
	b.onSubmit = n.recordPost
	n.Base = b
	return n, nil
}

// empty for content with no words
func postFingerprint(c *Content) string {
	if len(keyword.TokenizeText(c.text())) == 0 {
		return ""
	}
	return keyword.Fingerprint(c.text())
}

func (n *ForumNode) check(ctx context.Context, c *Content, d *Decision) error {
	text := c.text()

	if fp := postFingerprint(c); fp != "" && n.cache != nil {
		prior, err := n.cache.Get(ctx, cacheForumFingerprint, fp)
		if err != nil {
			return err
		}
		if prior != "" && prior != c.BizID {
			d.Force("duplicate of " + prior)
		}
	}

	if links := len(keyword.ExtractTextURLs(text)); links > n.cfg.MaxLinks {
		d.Force(fmt.Sprintf("%d links", links))
	}
	if uniseg.GraphemeClusterCount(text) > n.cfg.LongPostGraphemes {
		d.Escalate(1, "long post")
	}

	if c.SubmitterID != "" && n.counts != nil {
		posts, err := n.counts.GetCount(ctx, countForumPosts, c.SubmitterID, countstore.PeriodHour)
		if err != nil {
			return err
		}
		if posts >= n.cfg.FloodLimit {
			d.Force("posting flood")
			d.Escalate(2, "posting flood")
		}
	}
	return nil
}

func (n *ForumNode) recordPost(ctx context.Context, sub *Submission) {
	if fp := postFingerprint(&sub.Content); fp != "" && n.cache != nil {
		prior, err := n.cache.Get(ctx, cacheForumFingerprint, fp)
		if err == nil && prior == "" {
			err = n.cache.Set(ctx, cacheForumFingerprint, fp, sub.BizID, n.cfg.DuplicateTTL)
		}
		if err != nil {
			n.logger.Warn("failed to record post fingerprint", "bizID", sub.BizID, "err", err)
		}
	}
	if sub.SubmitterID != "" && n.counts != nil {
		if err := n.counts.Increment(ctx, countForumPosts, sub.SubmitterID); err != nil {
			n.logger.Warn("failed to count post", "author", sub.SubmitterID, "err", err)
		}
	}
}
