// Package command implements the per-node command graph (CDAG): the
// lowering of tasks into execution/push/await_push/reduction/
// horizon/epoch commands, and the graph that stores and prunes them.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package command

import (
	"github.com/ridhitbhura/celerity-runtime/internal/ids"
	"github.com/ridhitbhura/celerity-runtime/region"
)

// Kind enumerates command variants ("Command").
type Kind int

const (
	Execution Kind = iota
	Push
	AwaitPush
	Reduction
	Horizon
	Epoch
)

func (k Kind) String() string {
	switch k {
	case Execution:
		return "execution"
	case Push:
		return "push"
	case AwaitPush:
		return "await_push"
	case Reduction:
		return "reduction"
	case Horizon:
		return "horizon"
	case Epoch:
		return "epoch"
	default:
		return "unknown"
	}
}

// Epoch action values a Command.EpochAction may carry. Mirrors
// task.EpochAction's ordering without importing task (keeps command
// acyclic w.r.t. task, see the field comment below).
const (
	EpochNone = iota
	EpochBarrier
	EpochShutdown
)

// Command is one per-node unit in the CDAG. Only the fields relevant to
// its Kind are populated, mirroring the tagged-variant body of this design
type Command struct {
	ID   ids.CommandID
	Kind Kind
	Node ids.NodeID

	// Execution
	Task      ids.TaskID
	Subrange  region.Box
	Reductions []ids.ReductionID

	// Push / AwaitPush
	Buffer       ids.BufferID
	Transfer     ids.TransferID
	TargetNode   ids.NodeID // Push: destination; AwaitPush: unused
	SourceRegion region.Region
	ExpectedRegion region.Region
	ReductionTag ids.ReductionID // 0 == ids.NoReduction unless part of a reduction

	// Reduction
	ReductionID ids.ReductionID

	// Epoch
	EpochAction int // mirrors task.EpochAction without importing task (keeps command acyclic w.r.t. task)

	// Collective is set on execution commands belonging to a collective
	// task, and checked by AddDependency's origin sanity rule for
	// collective_group_serialization edges.
	Collective *ids.CollectiveGroupID

	DebugName string
}
