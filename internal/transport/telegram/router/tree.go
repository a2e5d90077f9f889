package router

import (
	"maps"
	"slices"
	"strings"
)

// cmdNode is one word of a command route. "admin tier" is stored as
// root -> admin -> tier with the Command on the last node.
type cmdNode struct {
	name     string
	cmd      *Command
	children map[string]*cmdNode
}

func newRoot() *cmdNode { return &cmdNode{children: map[string]*cmdNode{}} }

func splitRoute(route string) []string { return strings.Fields(route) }

func (n *cmdNode) add(route []string, c Command) {
	for _, word := range route {
		next := n.children[word]
		if next == nil {
			next = &cmdNode{name: word, children: map[string]*cmdNode{}}
			n.children[word] = next
		}
		n = next
	}
	n.cmd = &c
}

func (n *cmdNode) find(route []string) *cmdNode {
	for _, word := range route {
		if n = n.children[word]; n == nil {
			return nil
		}
	}
	return n
}

func (n *cmdNode) child(name string) (*cmdNode, bool) {
	c, ok := n.children[name]
	return c, ok
}

func (n *cmdNode) childNames() []string {
	return slices.Sorted(maps.Keys(n.children))
}
