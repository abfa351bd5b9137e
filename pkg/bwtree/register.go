// pkg/bwtree/register.go
package bwtree

import "arbor/pkg/index"

func init() {
	// Register the Bw-Tree creator with the index factory
	index.RegisterBwTreeCreator(create)
}

// indexAdapter adapts BwTree to the index.Index interface
type indexAdapter struct {
	*BwTree
}

func (a *indexAdapter) Cursor() index.Cursor {
	return a.BwTree.Begin()
}

func create(opts index.Options) (index.Index, error) {
	cfg := Config{
		KeyCompare: opts.KeyCompare,
		KeyEqual:   opts.KeyEqual,
		KeyHash:    opts.KeyHash,
		ValueEqual: opts.ValueEqual,
		ValueHash:  opts.ValueHash,
		StartGC:    opts.StartGC,
	}
	t, err := New(cfg)
	if err != nil {
		return nil, err
	}
	return &indexAdapter{t}, nil
}
