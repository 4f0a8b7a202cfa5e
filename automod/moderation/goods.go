package moderation

import (
	"context"
	"fmt"
	"slices"

	"github.com/modgate/modgate/automod/countstore"
	"github.com/modgate/modgate/automod/flagstore"
	"github.com/modgate/modgate/automod/setstore"

	"github.com/mitchellh/mapstructure"
)

const (
	FlagSellerStrike   = "strike"
	countGoodsRejected = "goods-rejections"
)

type GoodsConfig struct {
	MinPrice float64
	// zero means no upper bound
	MaxPrice float64
	// set store list of sellers whose listings get lower review priority
	TrustedSellersSet string
	// rejections after which a seller carries a strike flag
	StrikeThreshold int
}

func DefaultGoodsConfig() GoodsConfig {
	return GoodsConfig{
		MinPrice:          0.01,
		MaxPrice:          1_000_000,
		TrustedSellersSet: "trusted-sellers",
		StrikeThreshold:   3,
	}
}

// Marketplace listings: price-range and seller-reputation checks.
type GoodsNode struct {
	*Base
	cfg    GoodsConfig
	sets   setstore.SetStore
	flags  flagstore.FlagStore
	counts countstore.CountStore
}

type goodsMeta struct {
	Price    *float64 `json:"price"`
	SellerID string   `json:"sellerId"`
	Category string   `json:"category"`
}

func decodeGoodsMeta(md map[string]any) (*goodsMeta, error) {
	var meta goodsMeta
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &meta,
		WeaklyTypedInput: true,
		TagName:          "json",
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(md); err != nil {
		return nil, fmt.Errorf("decoding listing metadata: %w", err)
	}
	return &meta, nil
}

func NewGoodsNode(deps Deps, cfg GoodsConfig, sets setstore.SetStore, flags flagstore.FlagStore, counts countstore.CountStore) (*GoodsNode, error) {
	if cfg.StrikeThreshold <= 0 {
		cfg.StrikeThreshold = DefaultGoodsConfig().StrikeThreshold
	}
	n := &GoodsNode{cfg: cfg, sets: sets, flags: flags, counts: counts}
	b, err := NewBase(BizGoods, deps, n.check)
	if err != nil {
		return nil, err
	}
	b.onOutcome = n.recordOutcome
	n.Base = b
	return n, nil
}

func sellerOf(submitterID string, meta *goodsMeta) string {
	if meta.SellerID != "" {
		return meta.SellerID
	}
	return submitterID
}

func (n *GoodsNode) check(ctx context.Context, c *Content, d *Decision) error {
	meta, err := decodeGoodsMeta(c.Metadata)
	if err != nil {
		return err
	}
	if meta.Price != nil {
		p := *meta.Price
		if p < n.cfg.MinPrice || (n.cfg.MaxPrice > 0 && p > n.cfg.MaxPrice) {
			d.Force(fmt.Sprintf("price %.2f outside allowed range", p))
		}
	}

	seller := sellerOf(c.SubmitterID, meta)
	if seller == "" {
		return nil
	}
	if n.flags != nil {
		flags, err := n.flags.Get(ctx, sellerKey(seller))
		if err != nil {
			return err
		}
		if slices.Contains(flags, FlagSellerStrike) {
			d.Force("seller has moderation strikes")
			d.Escalate(2, "seller strike")
		}
	}
	if n.sets != nil && n.cfg.TrustedSellersSet != "" && !d.Forced {
		trusted, err := n.sets.InSet(ctx, n.cfg.TrustedSellersSet, seller)
		if err != nil {
			return err
		}
		if trusted {
			d.Escalate(-1, "trusted seller")
		}
	}
	return nil
}

func sellerKey(seller string) string {
	return "seller/" + seller
}

// Counts rejections per seller and flags repeat offenders.
func (n *GoodsNode) recordOutcome(ctx context.Context, r route, cb *Callback) {
	if cb.Outcome.Approves() || n.counts == nil {
		return
	}
	meta, err := decodeGoodsMeta(r.Metadata)
	if err != nil {
		n.logger.Warn("cannot attribute rejection to seller", "task", cb.TaskID, "err", err)
		return
	}
	seller := sellerOf(r.SubmitterID, meta)
	if seller == "" {
		return
	}
	if err := n.counts.Increment(ctx, countGoodsRejected, seller); err != nil {
		n.logger.Warn("failed to count rejection", "seller", seller, "err", err)
		return
	}
	total, err := n.counts.GetCount(ctx, countGoodsRejected, seller, countstore.PeriodTotal)
	if err != nil {
		n.logger.Warn("failed to read rejection count", "seller", seller, "err", err)
		return
	}
	if total >= n.cfg.StrikeThreshold && n.flags != nil {
		if err := n.flags.Add(ctx, sellerKey(seller), []string{FlagSellerStrike}); err != nil {
			n.logger.Warn("failed to flag seller", "seller", seller, "err", err)
			return
		}
		n.logger.Info("seller flagged", "seller", seller, "rejections", total)
	}
}
