package graph

// EdgesBySource indexes edges by their source node id. The interpreter
// builds this once per instance and reuses it for branch pruning.
type EdgesBySource map[string][]Edge

// IndexEdges builds the source index for the definition's edges.
func (d *Definition) IndexEdges() EdgesBySource {
	idx := make(EdgesBySource, len(d.Nodes))
	for _, e := range d.Edges {
		idx[e.Source] = append(idx[e.Source], e)
	}
	return idx
}

// Targets returns the targets of edges leaving nodeID. When handle is
// non-empty only edges with that source handle are followed.
func (idx EdgesBySource) Targets(nodeID, handle string) []string {
	var targets []string
	for _, e := range idx[nodeID] {
		if handle != "" && e.SourceHandle != handle {
			continue
		}
		targets = append(targets, e.Target)
	}
	return targets
}

// Reachable computes the set of node ids reachable from the given start
// nodes by following outgoing edges, including the start nodes themselves.
func (idx EdgesBySource) Reachable(start ...string) map[string]struct{} {
	seen := make(map[string]struct{}, len(start))
	queue := make([]string, 0, len(start))
	for _, id := range start {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		queue = append(queue, id)
	}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, e := range idx[cur] {
			if _, ok := seen[e.Target]; ok {
				continue
			}
			seen[e.Target] = struct{}{}
			queue = append(queue, e.Target)
		}
	}
	return seen
}

// BranchSkips computes the node ids deactivated by a branch decision at
// nodeID: every node reachable from the losing handle minus every node
// reachable from the chosen handle. Join nodes reachable from both handles
// stay live; the branching node itself is never skipped.
func (idx EdgesBySource) BranchSkips(nodeID, chosen, losing string) map[string]struct{} {
	lost := idx.Reachable(idx.Targets(nodeID, losing)...)
	won := idx.Reachable(idx.Targets(nodeID, chosen)...)
	for id := range won {
		delete(lost, id)
	}
	delete(lost, nodeID)
	return lost
}
