package router

import (
	"sort"
	"strings"
)

// cmdNode is one level of the command tree. The root carries no name;
// a node with a non-nil cmd answers that path, a bare node is a
// container whose children are subcommands.
type cmdNode struct {
	name     string
	cmd      *Command
	children map[string]*cmdNode
}

func newRoot() *cmdNode {
	return &cmdNode{children: map[string]*cmdNode{}}
}

// splitRoute turns "status tiers" into its path tokens.
func splitRoute(route string) []string {
	route = strings.TrimSpace(route)
	if route == "" {
		return nil
	}
	return strings.Fields(route)
}

// add walks route, creating nodes as needed, and installs c at the
// leaf. Re-adding a route replaces its command.
func (r *cmdNode) add(route []string, c Command) {
	cur := r
	for _, tok := range route {
		cur = cur.ensureChild(tok)
	}
	cur.cmd = &c
}

func (r *cmdNode) ensureChild(tok string) *cmdNode {
	if r.children == nil {
		r.children = map[string]*cmdNode{}
	}
	n, ok := r.children[tok]
	if !ok {
		n = &cmdNode{name: tok, children: map[string]*cmdNode{}}
		r.children[tok] = n
	}
	return n
}

// find resolves path to its node; nil when any hop is missing.
func (r *cmdNode) find(path []string) *cmdNode {
	cur := r
	for _, tok := range path {
		n, ok := cur.children[tok]
		if !ok {
			return nil
		}
		cur = n
	}
	return cur
}

func (r *cmdNode) child(name string) (*cmdNode, bool) {
	n, ok := r.children[name]
	return n, ok
}

// childNames lists the direct children sorted, for help and menu
// rendering.
func (r *cmdNode) childNames() []string {
	out := make([]string, 0, len(r.children))
	for k := range r.children {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
