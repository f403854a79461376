package command

import (
	"sort"
	"sync"

	"github.com/ridhitbhura/celerity-runtime/graph"
	"github.com/ridhitbhura/celerity-runtime/internal/ids"
	"github.com/ridhitbhura/celerity-runtime/internal/rterr"
)

// Graph is the CDAG: an arena of commands across every node, with
// secondary indices by owning task and by node, plus the dependency
// origin sanity checks this design requires.
//
// Ownership: exclusive to the command graph generator's scheduler
// goroutine ("single-writer"), grounded on
// include/command_graph.h's single-mutator discipline.
type Graph struct {
	mu sync.Mutex

	idGen ids.Gen
	g     *graph.Graph[*Command]

	byTask map[ids.TaskID][]ids.CommandID
	byNode map[ids.NodeID][]ids.CommandID

	frontByNode map[ids.NodeID]map[ids.CommandID]struct{}
}

// NewGraph constructs an empty CDAG.
func NewGraph() *Graph {
	return &Graph{
		g:           graph.NewGraph[*Command](),
		byTask:      make(map[ids.TaskID][]ids.CommandID),
		byNode:      make(map[ids.NodeID][]ids.CommandID),
		frontByNode: make(map[ids.NodeID]map[ids.CommandID]struct{}),
	}
}

// NextID allocates a fresh command id.
func (cg *Graph) NextID() ids.CommandID {
	return cg.idGen.NextCommand()
}

// Create inserts cmd (whose ID must already be set via NextID) into the
// arena and its indices.
func (cg *Graph) Create(cmd *Command) {
	cg.mu.Lock()
	defer cg.mu.Unlock()
	cg.g.Create(uint64(cmd.ID), cmd)
	cg.byTask[cmd.Task] = append(cg.byTask[cmd.Task], cmd.ID)
	cg.byNode[cmd.Node] = append(cg.byNode[cmd.Node], cmd.ID)
	if cg.frontByNode[cmd.Node] == nil {
		cg.frontByNode[cmd.Node] = make(map[ids.CommandID]struct{})
	}
	cg.frontByNode[cmd.Node][cmd.ID] = struct{}{}
}

// Get returns the command for id, or (nil, false) if pruned/unknown.
func (cg *Graph) Get(id ids.CommandID) (*Command, bool) {
	cg.mu.Lock()
	defer cg.mu.Unlock()
	n, ok := cg.g.Get(uint64(id))
	if !ok {
		return nil, false
	}
	return n.Payload, true
}

// ByTask returns the (still-live) commands that lower task tid.
func (cg *Graph) ByTask(tid ids.TaskID) []*Command {
	cg.mu.Lock()
	defer cg.mu.Unlock()
	var out []*Command
	for _, cid := range cg.byTask[tid] {
		if n, ok := cg.g.Get(uint64(cid)); ok {
			out = append(out, n.Payload)
		}
	}
	return out
}

// Front returns the current execution front (leaves) on node n.
func (cg *Graph) Front(n ids.NodeID) []ids.CommandID {
	cg.mu.Lock()
	defer cg.mu.Unlock()
	out := make([]ids.CommandID, 0, len(cg.frontByNode[n]))
	for id := range cg.frontByNode[n] {
		out = append(out, id)
	}
	return out
}

// AddDependency adds a depender -> dependee edge, enforcing this design's
// command invariants:
//   - execution_front dependencies originate only from horizon/epoch
//     commands (the depender), pointing at that node's current leaves;
//   - collective_group_serialization dependencies exist only between
//     execution/horizon/epoch commands of the same collective group.
func (cg *Graph) AddDependency(depender, dependee ids.CommandID, kind graph.DependencyKind, origin graph.DependencyOrigin) error {
	cg.mu.Lock()
	defer cg.mu.Unlock()

	dn, ok := cg.g.Get(uint64(dependee))
	if !ok {
		return rterr.Invariant("command graph: dependee %d does not exist", dependee)
	}
	if origin == graph.ExecutionFront {
		pn, ok := cg.g.Get(uint64(depender))
		if !ok {
			return rterr.Invariant("command graph: unknown depender %d", depender)
		}
		if pn.Payload.Kind != Horizon && pn.Payload.Kind != Epoch {
			return rterr.Invariant("command graph: execution_front edge must come from a horizon/epoch command, got %s", pn.Payload.Kind)
		}
	}
	if origin == graph.CollectiveGroupSerialization {
		pn, ok := cg.g.Get(uint64(depender))
		if !ok {
			return rterr.Invariant("command graph: unknown depender %d", depender)
		}
		if !isCollectiveEligible(pn.Payload.Kind) || !isCollectiveEligible(dn.Payload.Kind) {
			return rterr.Invariant("command graph: collective_group_serialization edge requires execution/horizon/epoch commands")
		}
		if pn.Payload.Collective == nil || dn.Payload.Collective == nil || *pn.Payload.Collective != *dn.Payload.Collective {
			return rterr.Invariant("command graph: collective_group_serialization edge requires matching collective groups")
		}
	}

	cg.g.AddDependency(uint64(depender), uint64(dependee), kind, origin)
	if dn2, ok := cg.g.Get(uint64(dependee)); ok {
		delete(cg.frontByNode[dn2.Payload.Node], dependee)
	}
	return nil
}

func isCollectiveEligible(k Kind) bool {
	return k == Execution || k == Horizon || k == Epoch
}

// PruneBefore erases every command with id strictly less than cutoff,
// mirroring TDAG pruning (this design item 6). Callers erase in id order so
// dependee edges of erased nodes are never followed after the dependee
// itself is gone.
func (cg *Graph) PruneBefore(cutoff ids.CommandID) {
	cg.mu.Lock()
	defer cg.mu.Unlock()

	var dead []ids.CommandID
	cg.g.All(func(n *graph.Node[*Command]) {
		if ids.CommandID(n.ID) < cutoff {
			dead = append(dead, ids.CommandID(n.ID))
		}
	})
	sort.Slice(dead, func(i, j int) bool { return dead[i] < dead[j] })
	for _, id := range dead {
		n, ok := cg.g.Get(uint64(id))
		if !ok {
			continue
		}
		node := n.Payload.Node
		task := n.Payload.Task
		cg.g.Erase(uint64(id))
		delete(cg.frontByNode[node], id)
		cg.byNode[node] = removeID(cg.byNode[node], id)
		cg.byTask[task] = removeID(cg.byTask[task], id)
	}
}

func removeID(s []ids.CommandID, id ids.CommandID) []ids.CommandID {
	out := s[:0]
	for _, v := range s {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

// Count returns the number of live commands across every node.
func (cg *Graph) Count() int {
	cg.mu.Lock()
	defer cg.mu.Unlock()
	return cg.g.Count()
}

// All calls fn for every live command, in unspecified order.
func (cg *Graph) All(fn func(*Command)) {
	cg.mu.Lock()
	defer cg.mu.Unlock()
	cg.g.All(func(n *graph.Node[*Command]) { fn(n.Payload) })
}

// DependenciesOf returns the dependency edges recorded for id, for
// diagnostics and testing.
func (cg *Graph) DependenciesOf(id ids.CommandID) []graph.Dependency {
	cg.mu.Lock()
	defer cg.mu.Unlock()
	n, ok := cg.g.Get(uint64(id))
	if !ok {
		return nil
	}
	return append([]graph.Dependency(nil), n.Dependencies...)
}
