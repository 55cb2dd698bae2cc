// Package catalog answers whether a lab reference is published.
package catalog

import (
	"context"
	"strings"
)

// Static is a fixed list of published labs. An empty list publishes every
// lab reference.
type Static struct {
	labs map[string]struct{}
}

// NewStatic creates a catalog from labs, ignoring blanks
func NewStatic(labs []string) *Static {
	c := &Static{labs: make(map[string]struct{}, len(labs))}
	for _, lab := range labs {
		if lab = strings.TrimSpace(lab); lab != "" {
			c.labs[lab] = struct{}{}
		}
	}
	return c
}

// Published implements the session package's Catalog.
func (c *Static) Published(ctx context.Context, labRef string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if len(c.labs) == 0 {
		return labRef != "", nil
	}
	_, ok := c.labs[labRef]
	return ok, nil
}

// Labs returns the published refs, or nil when every ref is accepted.
func (c *Static) Labs() []string {
	if len(c.labs) == 0 {
		return nil
	}
	out := make([]string, 0, len(c.labs))
	for lab := range c.labs {
		out = append(out, lab)
	}
	return out
}
