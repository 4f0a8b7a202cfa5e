package moderation

// Business types served by the stock nodes.
const (
	BizGoods     = "goods"
	BizForum     = "forum"
	BizBanner    = "banner"
	BizQuotation = "quotation"
	BizNews      = "news"
)

// Editorial content (banners, quotations, news) moderated purely by policy.
type ContentNode struct {
	*Base
}

func NewContentNode(bizType string, deps Deps) (*ContentNode, error) {
	b, err := NewBase(bizType, deps, nil)
	if err != nil {
		return nil, err
	}
	return &ContentNode{Base: b}, nil
}
