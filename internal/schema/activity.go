package schema

// Activity declares a workflow: a graph of interaction, gateway and group
// nodes connected by transfer edges, defining the legal call order. Node
// references inside transfers are UUID strings; the activity package
// materializes them into a navigable graph after Link.
type Activity struct {
	Name string

	Interactions []ActivityInteraction
	Gateways     []Gateway
	Groups       []Group
	Transfers    []Transfer
}

// ActivityInteraction is an interaction node in a workflow graph. The same
// interaction definition may appear in several activities (or several times
// in one), so nodes carry their own UUIDs.
type ActivityInteraction struct {
	UUID        string
	Interaction string // interaction name, resolved by Registry.Link
}

// Gateway is a branching node. A gateway with several outgoing transfers
// opens sibling branches of which at most one may ever fire per instance.
type Gateway struct {
	UUID string
	Name string
}

// Group nests sub-activities as parallel branch sequences under one node.
// Each sub-activity compiles to its own head/tail sequence; the group's
// outgoing transfers apply once any branch sequence completes.
type Group struct {
	UUID       string
	Activities []Activity
}

// Transfer is a directed edge between two nodes, referenced by UUID.
type Transfer struct {
	Name   string
	Source string
	Target string
}

// NodeUUIDs returns every node UUID declared directly on the activity
// (not descending into groups).
func (a *Activity) NodeUUIDs() []string {
	out := make([]string, 0, len(a.Interactions)+len(a.Gateways)+len(a.Groups))
	for _, n := range a.Interactions {
		out = append(out, n.UUID)
	}
	for _, g := range a.Gateways {
		out = append(out, g.UUID)
	}
	for _, g := range a.Groups {
		out = append(out, g.UUID)
	}
	return out
}
