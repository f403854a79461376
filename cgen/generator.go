// Package cgen implements the command graph generator of this design: it
// consumes tasks in TDAG order and lowers each into per-node commands,
// querying the distributed-state tracker for producer ownership and
// updating it after each write.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package cgen

import (
	"sync"

	"github.com/ridhitbhura/celerity-runtime/command"
	"github.com/ridhitbhura/celerity-runtime/dstate"
	"github.com/ridhitbhura/celerity-runtime/graph"
	"github.com/ridhitbhura/celerity-runtime/internal/ids"
	"github.com/ridhitbhura/celerity-runtime/internal/rterr"
	"github.com/ridhitbhura/celerity-runtime/rangemapper"
	"github.com/ridhitbhura/celerity-runtime/region"
	"github.com/ridhitbhura/celerity-runtime/task"
)

type producerEntry struct {
	Box  region.Box
	Node ids.NodeID
	Exec ids.CommandID
}

type readerEntry struct {
	Box   region.Box
	Execs map[ids.NodeID]ids.CommandID // one last-reader execution per node
}

// Generator is the command graph generator. Single-writer: owned
// exclusively by the scheduler goroutine ("Single-writer").
type Generator struct {
	mu sync.Mutex

	NodeCount int

	cdag      *command.Graph
	state     *dstate.Tracker
	transfers ids.Gen

	producers map[ids.BufferID][]producerEntry
	readers   map[ids.BufferID][]readerEntry

	prevHorizon ids.CommandID
	curHorizon  ids.CommandID
	haveHorizon bool
}

// New constructs a generator over an existing CDAG and distributed-state
// tracker, for the given cluster size.
func New(nodeCount int, cdag *command.Graph, state *dstate.Tracker) *Generator {
	return &Generator{
		NodeCount: nodeCount,
		cdag:      cdag,
		state:     state,
		producers: make(map[ids.BufferID][]producerEntry),
		readers:   make(map[ids.BufferID][]readerEntry),
	}
}

// Lower consumes one task and emits its commands ("Per-task
// lowering").
func (g *Generator) Lower(t *task.Task) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch t.Kind {
	case task.Horizon, task.Epoch, task.Fence:
		return g.emitSerialization(t)
	case task.MasterNode:
		return g.emitChunkForNode(t, t.Geometry.GlobalSize, region.Point{}, ids.NodeID(0))
	case task.Collective:
		for n := 0; n < g.NodeCount; n++ {
			if err := g.emitChunkForNode(t, t.Geometry.GlobalSize, region.Point{}, ids.NodeID(n)); err != nil {
				return err
			}
		}
		return nil
	case task.HostCompute, task.DeviceCompute:
		chunks := splitChunks(t.Geometry, g.NodeCount)
		for i, c := range chunks {
			if err := g.emitChunkForNode(t, c.extent, c.offset, ids.NodeID(i)); err != nil {
				return err
			}
		}
		return g.lowerReductions(t, chunks)
	default:
		return rterr.Invariant("cgen: unhandled task kind %s", t.Kind)
	}
}

type chunkSpec struct {
	offset region.Point
	extent region.Point
}

// splitChunks partitions geometry's iteration space into up to n chunks
// along its widest dimension, respecting granularity (this design step 1).
func splitChunks(geo task.Geometry, n int) []chunkSpec {
	if n <= 1 || geo.Dimensions == 0 {
		return []chunkSpec{{offset: region.Point{}, extent: geo.GlobalSize}}
	}
	wide := 0
	for d := 1; d < geo.Dimensions; d++ {
		if geo.GlobalSize[d] > geo.GlobalSize[wide] {
			wide = d
		}
	}
	total := geo.GlobalSize[wide]
	gran := geo.Granularity[wide]
	if gran <= 0 {
		gran = 1
	}
	units := total / gran
	if units < int64(n) {
		n = int(units)
		if n < 1 {
			n = 1
		}
	}
	base := (units / int64(n)) * gran
	rem := units - (units/int64(n))*int64(n)

	var chunks []chunkSpec
	var off int64
	for i := 0; i < n; i++ {
		size := base
		if int64(i) < rem {
			size += gran
		}
		if size == 0 {
			continue
		}
		o, e := geo.GlobalOffset, geo.GlobalSize
		o[wide] = geo.GlobalOffset[wide] + off
		e[wide] = size
		chunks = append(chunks, chunkSpec{offset: o, extent: e})
		off += size
	}
	return chunks
}

func (g *Generator) emitChunkForNode(t *task.Task, extent, offsetWithinGlobal region.Point, node ids.NodeID) error {
	box := region.NewBox(t.Geometry.Dimensions, offsetWithinGlobal, extent)
	ex := &command.Command{
		ID:        g.cdag.NextID(),
		Kind:      command.Execution,
		Node:      node,
		Task:      t.ID,
		Subrange:  box,
		Collective: t.Collective,
		DebugName: t.DebugName,
	}
	g.cdag.Create(ex)

	chunk := rangemapper.Chunk{
		Dims:       t.Geometry.Dimensions,
		Offset:     box.Offset,
		Range:      box.Range,
		GlobalSize: t.Geometry.GlobalSize,
	}

	for _, acc := range t.Accesses {
		req := acc.Mapper.Map(chunk)

		if acc.Mode.IsRead() {
			owners, err := g.state.Owners(acc.Buffer, req)
			if err != nil {
				return err
			}
			for _, o := range owners {
				if o.Node == node {
					continue
				}
				execID, haveExec := g.findProducerExec(acc.Buffer, o)
				transfer := g.transfers.NextTransfer()
				push := &command.Command{
					ID:           g.cdag.NextID(),
					Kind:         command.Push,
					Node:         o.Node,
					Task:         t.ID,
					Buffer:       acc.Buffer,
					Transfer:     transfer,
					TargetNode:   node,
					SourceRegion: region.New(t.Geometry.Dimensions, o.Box),
				}
				g.cdag.Create(push)
				await := &command.Command{
					ID:             g.cdag.NextID(),
					Kind:           command.AwaitPush,
					Node:           node,
					Task:           t.ID,
					Buffer:         acc.Buffer,
					Transfer:       transfer,
					ExpectedRegion: region.New(t.Geometry.Dimensions, o.Box),
				}
				g.cdag.Create(await)
				if err := g.cdag.AddDependency(ex.ID, await.ID, graph.True, graph.Dataflow); err != nil {
					return err
				}
				if haveExec {
					if err := g.cdag.AddDependency(push.ID, execID, graph.True, graph.Dataflow); err != nil {
						return err
					}
				}
			}
			g.recordRead(acc.Buffer, req, node, ex.ID)
		}

		if acc.Mode.IsWrite() {
			for _, readerCmd := range g.overlappingReaders(acc.Buffer, req, node) {
				if readerCmd == ex.ID {
					continue
				}
				if err := g.cdag.AddDependency(ex.ID, readerCmd, graph.Anti, graph.Dataflow); err != nil {
					return err
				}
			}
			if err := g.state.RecordWrite(acc.Buffer, req, node); err != nil {
				return err
			}
			g.recordWrite(acc.Buffer, req, node, ex.ID)
		}
	}
	return nil
}

// findProducerExec looks up the execution command that produced o's box on
// o's node. Command ids start at 0 (internal/ids.Gen.Next), so a bare
// ids.CommandID return cannot distinguish "found, id 0" from "not found";
// the explicit bool is required once the first execution command lowered
// in a run can legitimately be command id 0.
func (g *Generator) findProducerExec(bid ids.BufferID, o dstate.Owner) (ids.CommandID, bool) {
	for _, p := range g.producers[bid] {
		if p.Node != o.Node {
			continue
		}
		if p.Box.Intersects(o.Box) {
			return p.Exec, true
		}
	}
	return 0, false
}

func (g *Generator) recordWrite(bid ids.BufferID, req region.Region, node ids.NodeID, exec ids.CommandID) {
	var rebuilt []producerEntry
	for _, p := range g.producers[bid] {
		remaining := region.New(p.Box.Dims, p.Box).Difference(req)
		remaining.IterateBoxes(func(rb region.Box) bool {
			rebuilt = append(rebuilt, producerEntry{Box: rb, Node: p.Node, Exec: p.Exec})
			return true
		})
	}
	req.IterateBoxes(func(wb region.Box) bool {
		rebuilt = append(rebuilt, producerEntry{Box: wb, Node: node, Exec: exec})
		return true
	})
	g.producers[bid] = rebuilt

	// a write clears stale reader entries it subsumes, same as the task
	// manager's partition maintenance.
	var newReaders []readerEntry
	for _, r := range g.readers[bid] {
		remaining := region.New(r.Box.Dims, r.Box).Difference(req)
		remaining.IterateBoxes(func(rb region.Box) bool {
			newReaders = append(newReaders, readerEntry{Box: rb, Execs: r.Execs})
			return true
		})
	}
	g.readers[bid] = newReaders
}

func (g *Generator) recordRead(bid ids.BufferID, req region.Region, node ids.NodeID, exec ids.CommandID) {
	dims := 1
	if len(g.producers[bid]) > 0 {
		dims = g.producers[bid][0].Box.Dims
	} else {
		req.IterateBoxes(func(b region.Box) bool { dims = b.Dims; return false })
	}
	remaining := req
	var out []readerEntry
	for _, r := range g.readers[bid] {
		existing := region.New(dims, r.Box)
		overlap := existing.Intersection(remaining)
		if overlap.Empty() {
			out = append(out, r)
			continue
		}
		merged := map[ids.NodeID]ids.CommandID{}
		for k, v := range r.Execs {
			merged[k] = v
		}
		merged[node] = exec
		overlap.IterateBoxes(func(ob region.Box) bool {
			out = append(out, readerEntry{Box: ob, Execs: merged})
			return true
		})
		rest := existing.Difference(overlap)
		rest.IterateBoxes(func(rb region.Box) bool {
			out = append(out, readerEntry{Box: rb, Execs: r.Execs})
			return true
		})
		remaining = remaining.Difference(overlap)
	}
	remaining.IterateBoxes(func(rb region.Box) bool {
		out = append(out, readerEntry{Box: rb, Execs: map[ids.NodeID]ids.CommandID{node: exec}})
		return true
	})
	g.readers[bid] = out
}

func (g *Generator) overlappingReaders(bid ids.BufferID, req region.Region, node ids.NodeID) []ids.CommandID {
	var out []ids.CommandID
	for _, r := range g.readers[bid] {
		if region.New(r.Box.Dims, r.Box).Intersection(req).Empty() {
			continue
		}
		if cmd, ok := r.Execs[node]; ok {
			out = append(out, cmd)
		}
	}
	return out
}

// lowerReductions emits the fan-in commands of this design step 5, once all
// per-node execution commands for t's chunks exist.
func (g *Generator) lowerReductions(t *task.Task, chunks []chunkSpec) error {
	if len(t.Reductions) == 0 {
		return nil
	}
	root := ids.NodeID(0)
	for _, red := range t.Reductions {
		cell := region.NewBox(t.Geometry.Dimensions, region.Point{}, region.Point{1, 1, 1})
		var awaits []ids.CommandID
		for n := 1; n < len(chunks) && n < g.NodeCount; n++ {
			transfer := g.transfers.NextTransfer()
			push := &command.Command{
				ID:           g.cdag.NextID(),
				Kind:         command.Push,
				Node:         ids.NodeID(n),
				Task:         t.ID,
				Buffer:       red.Buffer,
				Transfer:     transfer,
				TargetNode:   root,
				ReductionTag: red.Reduction,
				SourceRegion: region.New(t.Geometry.Dimensions, cell),
			}
			g.cdag.Create(push)
			await := &command.Command{
				ID:             g.cdag.NextID(),
				Kind:           command.AwaitPush,
				Node:           root,
				Task:           t.ID,
				Buffer:         red.Buffer,
				Transfer:       transfer,
				ReductionTag:   red.Reduction,
				ExpectedRegion: region.New(t.Geometry.Dimensions, cell),
			}
			g.cdag.Create(await)
			awaits = append(awaits, await.ID)
		}
		reduceCmd := &command.Command{
			ID:          g.cdag.NextID(),
			Kind:        command.Reduction,
			Node:        root,
			Task:        t.ID,
			Buffer:      red.Buffer,
			ReductionID: red.Reduction,
		}
		g.cdag.Create(reduceCmd)
		for _, a := range awaits {
			if err := g.cdag.AddDependency(reduceCmd.ID, a, graph.True, graph.Dataflow); err != nil {
				return err
			}
		}
		if err := g.state.CompleteReduction(red.Buffer, cell, root); err != nil {
			return err
		}
		g.recordWrite(red.Buffer, region.New(t.Geometry.Dimensions, cell), root, reduceCmd.ID)
	}
	return nil
}

// emitSerialization emits a horizon_command/epoch_command on every node
// with execution_front edges to that node's current leaves, then prunes
// commands older than the previous horizon (this design step 6).
func (g *Generator) emitSerialization(t *task.Task) error {
	kind := command.Horizon
	if t.Kind == task.Epoch || t.Kind == task.Fence {
		kind = command.Epoch
	}
	var newest ids.CommandID
	for n := 0; n < g.NodeCount; n++ {
		node := ids.NodeID(n)
		cmd := &command.Command{
			ID:        g.cdag.NextID(),
			Kind:      kind,
			Node:      node,
			Task:      t.ID,
			EpochAction: int(t.EpochAction),
			DebugName: t.DebugName,
		}
		g.cdag.Create(cmd)
		newest = cmd.ID
		for _, leaf := range g.cdag.Front(node) {
			if leaf == cmd.ID {
				continue
			}
			if err := g.cdag.AddDependency(cmd.ID, leaf, graph.Order, graph.ExecutionFront); err != nil {
				return err
			}
		}
	}

	if g.haveHorizon {
		g.cdag.PruneBefore(g.prevHorizon)
	}
	g.prevHorizon = g.curHorizon
	g.curHorizon = newest
	g.haveHorizon = true
	return nil
}
