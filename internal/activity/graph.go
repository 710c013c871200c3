package activity

import (
	"fmt"
	"strings"

	"github.com/reverb-engine/reverb/internal/schema"
)

// Kind classifies a graph node.
type Kind string

const (
	KindInteraction Kind = "interaction"
	KindGateway     Kind = "gateway"
	KindGroup       Kind = "group"
)

// Node is one compiled graph node. Only interaction nodes fire; gateways and
// groups are structure that reachability expands through.
type Node struct {
	UUID string
	Kind Kind

	// Interaction is the interaction name for interaction nodes.
	Interaction string

	// Name is the display name for gateway nodes.
	Name string

	// Branches holds one compiled sub-graph per group sub-activity.
	Branches []*Graph

	next  []*Node
	group *Node // enclosing group node, nil at the top level
}

// Graph is a compiled activity. Sub-graphs of nested groups share the root's
// node index, so any node at any depth resolves through the root graph.
type Graph struct {
	Activity *schema.Activity

	head  *Node
	nodes map[string]*Node
}

// Compile materializes an activity's declarations into a graph. Each nesting
// level must have exactly one head (a node without incoming transfers), and
// only gateway nodes may have more than one outgoing transfer.
func Compile(act *schema.Activity) (*Graph, error) {
	return build(act, nil, make(map[string]*Node))
}

func build(act *schema.Activity, enclosing *Node, index map[string]*Node) (*Graph, error) {
	g := &Graph{Activity: act, nodes: index}

	var local []*Node
	add := func(n *Node) error {
		if _, dup := index[n.UUID]; dup {
			return fmt.Errorf("activity %q: duplicate node uuid %q", act.Name, n.UUID)
		}
		index[n.UUID] = n
		local = append(local, n)
		return nil
	}

	for _, ai := range act.Interactions {
		if err := add(&Node{UUID: ai.UUID, Kind: KindInteraction, Interaction: ai.Interaction, group: enclosing}); err != nil {
			return nil, err
		}
	}
	for _, gw := range act.Gateways {
		if err := add(&Node{UUID: gw.UUID, Kind: KindGateway, Name: gw.Name, group: enclosing}); err != nil {
			return nil, err
		}
	}
	for gi := range act.Groups {
		grp := &act.Groups[gi]
		n := &Node{UUID: grp.UUID, Kind: KindGroup, group: enclosing}
		if err := add(n); err != nil {
			return nil, err
		}
		for i := range grp.Activities {
			sub, err := build(&grp.Activities[i], n, index)
			if err != nil {
				return nil, err
			}
			n.Branches = append(n.Branches, sub)
		}
	}
	if len(local) == 0 {
		return nil, fmt.Errorf("activity %q: no nodes", act.Name)
	}

	localSet := make(map[string]*Node, len(local))
	for _, n := range local {
		localSet[n.UUID] = n
	}
	incoming := make(map[string]int)
	for _, tr := range act.Transfers {
		src, ok := localSet[tr.Source]
		if !ok {
			return nil, fmt.Errorf("activity %q: transfer %q source %q is not a node of this level", act.Name, tr.Name, tr.Source)
		}
		dst, ok := localSet[tr.Target]
		if !ok {
			return nil, fmt.Errorf("activity %q: transfer %q target %q is not a node of this level", act.Name, tr.Name, tr.Target)
		}
		src.next = append(src.next, dst)
		incoming[dst.UUID]++
	}

	var heads []*Node
	for _, n := range local {
		if incoming[n.UUID] == 0 {
			heads = append(heads, n)
		}
	}
	if len(heads) != 1 {
		return nil, fmt.Errorf("activity %q: want exactly one head node, found %d", act.Name, len(heads))
	}
	g.head = heads[0]

	for _, n := range local {
		if n.Kind != KindGateway && len(n.next) > 1 {
			return nil, fmt.Errorf("activity %q: node %q has %d outgoing transfers, only gateways branch", act.Name, n.UUID, len(n.next))
		}
	}
	return g, nil
}

// Head returns the graph's entry node.
func (g *Graph) Head() *Node { return g.head }

// Node resolves a uuid at any nesting depth, or nil.
func (g *Graph) Node(uuid string) *Node { return g.nodes[uuid] }

// Reachable lists the interaction nodes callable when an instance sits at
// current. Gateways expand to their successors, groups to every branch head.
func (g *Graph) Reachable(current string) ([]*Node, error) {
	n, ok := g.nodes[current]
	if !ok {
		return nil, fmt.Errorf("activity %q: unknown node %q", g.Activity.Name, current)
	}
	return expand(n, make(map[string]bool)), nil
}

func expand(n *Node, seen map[string]bool) []*Node {
	if seen[n.UUID] {
		return nil
	}
	seen[n.UUID] = true
	switch n.Kind {
	case KindInteraction:
		return []*Node{n}
	case KindGateway:
		var out []*Node
		for _, t := range n.next {
			out = append(out, expand(t, seen)...)
		}
		return out
	case KindGroup:
		var out []*Node
		for _, br := range n.Branches {
			out = append(out, expand(br.head, seen)...)
		}
		return out
	}
	return nil
}

// Advance returns the node an instance moves to after fired completes, or ""
// when the instance is done. A fired node without a successor completes its
// enclosing group, so advancement escapes to the group's own successor.
func (g *Graph) Advance(fired string) (string, error) {
	n, ok := g.nodes[fired]
	if !ok {
		return "", fmt.Errorf("activity %q: unknown node %q", g.Activity.Name, fired)
	}
	if n.Kind != KindInteraction {
		return "", fmt.Errorf("activity %q: node %q is a %s, only interaction nodes fire", g.Activity.Name, fired, n.Kind)
	}
	if len(n.next) > 0 {
		return n.next[0].UUID, nil
	}
	for grp := n.group; grp != nil; grp = grp.group {
		if len(grp.next) > 0 {
			return grp.next[0].UUID, nil
		}
	}
	return "", nil
}

// Describe renders the compiled graph as indented text, nodes in declaration
// order. The rendering is stable across runs and is pinned by a golden file.
func (g *Graph) Describe() string {
	var b strings.Builder
	g.describe(&b, 0)
	return b.String()
}

func (g *Graph) describe(b *strings.Builder, depth int) {
	indent := strings.Repeat("  ", depth)
	fmt.Fprintf(b, "%sactivity %s\n", indent, g.Activity.Name)
	fmt.Fprintf(b, "%s  head: %s\n", indent, g.head.UUID)
	for _, ai := range g.Activity.Interactions {
		n := g.nodes[ai.UUID]
		fmt.Fprintf(b, "%s  interaction %s calls %s%s\n", indent, n.UUID, n.Interaction, describeNext(n))
	}
	for _, gw := range g.Activity.Gateways {
		n := g.nodes[gw.UUID]
		fmt.Fprintf(b, "%s  gateway %s (%s)%s\n", indent, n.UUID, n.Name, describeNext(n))
	}
	for _, grp := range g.Activity.Groups {
		n := g.nodes[grp.UUID]
		fmt.Fprintf(b, "%s  group %s%s\n", indent, n.UUID, describeNext(n))
		for _, br := range n.Branches {
			br.describe(b, depth+2)
		}
	}
}

func describeNext(n *Node) string {
	if len(n.next) == 0 {
		return ""
	}
	parts := make([]string, len(n.next))
	for i, t := range n.next {
		parts[i] = t.UUID
	}
	return " -> " + strings.Join(parts, ", ")
}
