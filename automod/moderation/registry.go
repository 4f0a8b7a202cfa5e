package moderation

import (
	"fmt"
	"sort"
	"sync"
)

type NodeInfo struct {
	BizType string `json:"bizType"`
	Enabled bool   `json:"enabled"`
}

// Nodes keyed by business type.
type Registry struct {
	lk    sync.RWMutex
	nodes map[string]Node
}

func NewRegistry() *Registry {
	return &Registry{nodes: make(map[string]Node)}
}

func (r *Registry) Register(n Node) error {
	r.lk.Lock()
	defer r.lk.Unlock()
	if _, ok := r.nodes[n.BizType()]; ok {
		return fmt.Errorf("%w: %s", ErrNodeExists, n.BizType())
	}
	r.nodes[n.BizType()] = n
	return nil
}

func (r *Registry) Get(bizType string) (Node, bool) {
	r.lk.RLock()
	defer r.lk.RUnlock()
	n, ok := r.nodes[bizType]
	return n, ok
}

// Sorted by business type.
func (r *Registry) List() []NodeInfo {
	r.lk.RLock()
	out := make([]NodeInfo, 0, len(r.nodes))
	for bt, n := range r.nodes {
		out = append(out, NodeInfo{BizType: bt, Enabled: n.Enabled()})
	}
	r.lk.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].BizType < out[j].BizType })
	return out
}

func (r *Registry) Enable(bizType string) error {
	return r.toggle(bizType, true)
}

func (r *Registry) Disable(bizType string) error {
	return r.toggle(bizType, false)
}

func (r *Registry) toggle(bizType string, enabled bool) error {
	n, ok := r.Get(bizType)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownBizType, bizType)
	}
	n.SetEnabled(enabled)
	return nil
}

func (r *Registry) nodeList() []Node {
	r.lk.RLock()
	defer r.lk.RUnlock()
	out := make([]Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n)
	}
	return out
}
