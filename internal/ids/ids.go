// Package ids provides the distinct monotone id namespaces of this design:
// task, command, buffer, transfer, reduction, collective-group,
// host-object and node ids. Each is its own type so values from different
// namespaces cannot be mixed up at compile time.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package ids

import "sync/atomic"

type (
	TaskID            uint64
	CommandID         uint64
	BufferID          uint64
	TransferID        uint64
	ReductionID       uint64
	CollectiveGroupID uint64
	HostObjectID      uint64
	NodeID            uint64
)

// NoReduction is the sentinel meaning "not part of a reduction" (this design:
// "Zero-values are valid except reduction_id where 0 means 'no reduction'").
const NoReduction ReductionID = 0

// Gen is a monotone generator for one id namespace, safe for concurrent use
// by a single mutator goroutine (callers in this module never share a Gen
// across the task-manager / scheduler boundary).
type Gen struct {
	next uint64
}

// Next returns the next id in the namespace, starting at zero.
func (g *Gen) Next() uint64 {
	return atomic.AddUint64(&g.next, 1) - 1
}

// Peek returns the id that the next call to Next will return, without
// consuming it.
func (g *Gen) Peek() uint64 {
	return atomic.LoadUint64(&g.next)
}

func (g *Gen) NextTask() TaskID                     { return TaskID(g.Next()) }
func (g *Gen) NextCommand() CommandID                { return CommandID(g.Next()) }
func (g *Gen) NextBuffer() BufferID                  { return BufferID(g.Next()) }
func (g *Gen) NextTransfer() TransferID              { return TransferID(g.Next()) }
func (g *Gen) NextReduction() ReductionID            { return ReductionID(g.Next() + 1) } // never NoReduction
func (g *Gen) NextCollectiveGroup() CollectiveGroupID { return CollectiveGroupID(g.Next()) }
func (g *Gen) NextHostObject() HostObjectID           { return HostObjectID(g.Next()) }
