// Package runtime wires the task manager, command graph generator,
// buffer transfer manager and serializer into the single process-wide
// instance described by original_source/include/runtime.h:
// one node's three cooperating workers (submission, scheduler, executor)
// plus the one-shot startup -> active -> shutting_down -> destroyed
// lifecycle. Grounded on include/runtime.h for the lifecycle shape and on
// xact/xs/tcb.go's Run/Quiesce loop for the executor's dispatch cadence.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package runtime

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	jsoniter "github.com/json-iterator/go"
	"golang.org/x/sync/errgroup"

	"github.com/ridhitbhura/celerity-runtime/btm"
	"github.com/ridhitbhura/celerity-runtime/cgen"
	"github.com/ridhitbhura/celerity-runtime/command"
	"github.com/ridhitbhura/celerity-runtime/dstate"
	"github.com/ridhitbhura/celerity-runtime/internal/ids"
	"github.com/ridhitbhura/celerity-runtime/internal/nlog"
	"github.com/ridhitbhura/celerity-runtime/internal/rtcfg"
	"github.com/ridhitbhura/celerity-runtime/internal/rterr"
	"github.com/ridhitbhura/celerity-runtime/msgtransport"
	"github.com/ridhitbhura/celerity-runtime/region"
	"github.com/ridhitbhura/celerity-runtime/serializer"
	"github.com/ridhitbhura/celerity-runtime/task"
)

// Lifecycle mirrors include/runtime.h's m_is_active/m_is_shutting_down
// pair, made explicit as a four-state progression ("Global
// state": "startup -> active -> shutting_down -> destroyed").
type Lifecycle int32

const (
	Startup Lifecycle = iota
	Active
	ShuttingDown
	Destroyed
)

func (l Lifecycle) String() string {
	switch l {
	case Startup:
		return "startup"
	case Active:
		return "active"
	case ShuttingDown:
		return "shutting_down"
	case Destroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// singletonClaimed guards the one-shot-per-process creation rule (this design): a
// second New call in the same process fails rather than silently
// constructing a second coordinator.
var singletonClaimed atomic.Bool

// Runtime is one node's coordinator: it owns the task manager (submission
// thread), the command graph generator and distributed-state tracker
// (scheduler thread), and the BTM plus serializer (executor thread).
type Runtime struct {
	cfg     rtcfg.Config
	node    ids.NodeID
	lc      atomic.Int32
	taskMgr *task.Manager
	cdag    *command.Graph
	state   *dstate.Tracker
	gen     *cgen.Generator
	btmMgr  *btm.Manager
	serial  *serializer.Serializer
	events  chan task.NewTaskEvent

	eg     *errgroup.Group
	cancel context.CancelFunc
}

// Deps bundles the external collaborators a Runtime drives, per this design's
// "explicitly out of scope" list: device/host queues, buffer storage and
// the reduction engine all live outside this module. A nil Transport is
// replaced by a loopback endpoint of a private in-process Fabric.
type Deps struct {
	Transport   msgtransport.Transport
	ExecQueue   serializer.ExecutionQueue
	Reduction   serializer.ReductionEngine
	Buffers     serializer.BufferSource
	Barrier     serializer.Barrierer
	CommitFrame btm.CommitFunc
}

// New constructs the one-shot runtime instance for this process (this design:
// "creation is one-shot per process"). Use Reset (test-only) to allow a
// fresh instance in the same process, mirroring runtime.h's
// test_case_enter/test_case_exit pair.
func New(cfg rtcfg.Config, deps Deps) (*Runtime, error) {
	if !singletonClaimed.CompareAndSwap(false, true) {
		return nil, rterr.Invariant("runtime: already instantiated in this process")
	}
	return newRuntime(cfg, deps), nil
}

// Reset releases the one-shot claim; test-only, mirroring
// include/runtime.h's test_case_exit.
func Reset() { singletonClaimed.Store(false) }

func newRuntime(cfg rtcfg.Config, deps Deps) *Runtime {
	cdag := command.NewGraph()
	state := dstate.NewTracker()
	gen := cgen.New(cfg.NodeCount, cdag, state)
	transport := deps.Transport
	if transport == nil {
		transport = msgtransport.NewFabric(cfg.NodeCount).Endpoint(ids.NodeID(cfg.LocalNodeID))
	}
	btmMgr := btm.NewManager(transport, cfg.NodeCount, cfg.ElementSize, deps.CommitFrame,
		btm.WithCompression(cfg.Compression), btm.WithPollBatchSize(cfg.PollBatchSize))
	serial := serializer.New(serializer.Config{
		Node:      ids.NodeID(cfg.LocalNodeID),
		CDAG:      cdag,
		ExecQueue: deps.ExecQueue,
		Reduction: deps.Reduction,
		BTM:       btmMgr,
		Buffers:   deps.Buffers,
		Barrier:   deps.Barrier,
	})
	rt := &Runtime{
		cfg:     cfg,
		node:    ids.NodeID(cfg.LocalNodeID),
		taskMgr: task.NewManager(cfg.HorizonStepMinLength),
		cdag:    cdag,
		state:   state,
		gen:     gen,
		btmMgr:  btmMgr,
		serial:  serial,
		events:  make(chan task.NewTaskEvent, 256),
	}
	rt.taskMgr.Subscribe(rt.events)
	rt.lc.Store(int32(Startup))
	return rt
}

// Lifecycle reports the current state.
func (rt *Runtime) Lifecycle() Lifecycle { return Lifecycle(rt.lc.Load()) }

// Startup transitions startup -> active and launches the scheduler and
// executor goroutines (this design's three cooperating workers; the
// submission thread is the caller of SubmitTask itself, not a goroutine
// here).
func (rt *Runtime) Startup(ctx context.Context) error {
	if !rt.lc.CompareAndSwap(int32(Startup), int32(Active)) {
		return rterr.Invariant("runtime: Startup called outside the startup state")
	}
	egctx, cancel := context.WithCancel(ctx)
	eg, egctx := errgroup.WithContext(egctx)
	rt.eg = eg
	rt.cancel = cancel

	eg.Go(func() error { return rt.schedulerLoop(egctx) })
	eg.Go(func() error { return rt.executorLoop(egctx) })
	nlog.Infof("runtime: node %d startup complete", rt.node)
	return nil
}

// SubmitTask forwards to the task manager (this design submit_task(builder) ->
// task_id), the one operation the submission thread performs directly.
func (rt *Runtime) SubmitTask(b task.Builder) (ids.TaskID, error) {
	return rt.taskMgr.Submit(b)
}

// NotifyBufferCreated registers bid with both the task manager's
// last-writer bookkeeping and the distributed-state tracker, since spec
// notify_buffer_created and distributed-state registration are
// two views of the same buffer lifecycle event.
func (rt *Runtime) NotifyBufferCreated(bid ids.BufferID, dims int, extent region.Point, hostInitNode *ids.NodeID) {
	rt.taskMgr.NotifyBufferCreated(bid, dims, extent, hostInitNode != nil)
	rt.state.RegisterBuffer(bid, dims, extent, hostInitNode)
}

// NotifyBufferDestroyed releases bid from both trackers.
func (rt *Runtime) NotifyBufferDestroyed(bid ids.BufferID) {
	rt.taskMgr.NotifyBufferDestroyed(bid)
	rt.state.UnregisterBuffer(bid)
}

// Fence submits an epoch-adjacent fence task (this design notify_fence).
func (rt *Runtime) Fence(accesses []task.BufferAccess) (ids.TaskID, *task.FencePromise, error) {
	p := task.NewFencePromise()
	tid, err := rt.taskMgr.NotifyFence(accesses, p)
	return tid, p, err
}

// schedulerLoop owns the command graph generator and distributed-state
// tracker ("scheduler thread"): it receives newly submitted tasks through
// the subscription made at construction (so tasks submitted before
// Startup are delivered too) and lowers each into commands. It returns
// nil (not an error) once it lowers a shutdown epoch, matching this
// design's "no new commands are admitted" after shutdown.
func (rt *Runtime) schedulerLoop(ctx context.Context) error {
	sctx := nlog.WithFields(ctx, "node", rt.node, "role", "scheduler")
	for {
		select {
		case ev := <-rt.events:
			tctx := nlog.WithFields(sctx, "task", ev.Task.ID)
			if err := rt.gen.Lower(ev.Task); err != nil {
				return err
			}
			if ev.Task.Kind == task.Epoch && ev.Task.EpochAction == task.ActionShutdown {
				nlog.Infoctxf(tctx, "shutdown epoch lowered, admitting no further tasks")
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// executorLoop owns the BTM poller and the serializer's dispatch loop
// ("executor thread"): poll() is non-blocking and called in a
// tight loop interleaved with command dispatch. It returns once the
// serializer reports drained (a shutdown epoch completed with nothing
// in flight) or ctx is cancelled.
func (rt *Runtime) executorLoop(ctx context.Context) error {
	ectx := nlog.WithFields(ctx, "node", rt.node, "role", "executor")
	for {
		if err := rt.btmMgr.Poll(); err != nil {
			return err
		}
		if err := rt.serial.Step(); err != nil {
			return err
		}
		if rt.serial.Drained() {
			nlog.Infoctxf(ectx, "drained")
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

// Shutdown submits a shutdown epoch, waits for both workers to finish
// draining, and transitions to Destroyed ("Cancellation": "a
// shutdown epoch drains all prior commands then terminates the
// serializer; no new commands are admitted").
func (rt *Runtime) Shutdown() error {
	if !rt.lc.CompareAndSwap(int32(Active), int32(ShuttingDown)) {
		return rterr.Invariant("runtime: Shutdown called outside the active state")
	}
	if _, err := rt.taskMgr.NotifyEpoch(task.ActionShutdown); err != nil {
		return err
	}
	var waitErr error
	if rt.eg != nil {
		waitErr = rt.eg.Wait()
	}
	if rt.cancel != nil {
		rt.cancel()
	}
	rt.lc.Store(int32(Destroyed))
	nlog.Infof("runtime: node %d shutdown complete", rt.node)
	return waitErr
}

// snapshot is the diagnostic payload behind GetCommandGraphSnapshot (spec
// get_command_graph_snapshot() -> string).
type snapshot struct {
	Node       uint64   `json:"node"`
	Lifecycle  string   `json:"lifecycle"`
	LiveTasks  int      `json:"live_tasks"`
	Commands   []cmdRow `json:"commands"`
	CommandCnt int      `json:"command_count"`
}

type cmdRow struct {
	ID   uint64 `json:"id"`
	Kind string `json:"kind"`
	Node uint64 `json:"node"`
	Task uint64 `json:"task"`
}

// GetCommandGraphSnapshot renders this node's live command graph as JSON
// for diagnostics (this design), using json-iterator the way ais/prxs3.go
// encodes its own diagnostic payloads.
func (rt *Runtime) GetCommandGraphSnapshot() (string, error) {
	snap := snapshot{Node: uint64(rt.node), Lifecycle: rt.Lifecycle().String(), LiveTasks: rt.taskMgr.LiveTaskCount()}
	rt.cdag.All(func(c *command.Command) {
		snap.Commands = append(snap.Commands, cmdRow{ID: uint64(c.ID), Kind: c.Kind.String(), Node: uint64(c.Node), Task: uint64(c.Task)})
	})
	snap.CommandCnt = len(snap.Commands)
	b, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(snap)
	if err != nil {
		return "", rterr.Invariant("runtime: marshaling snapshot: %v", err)
	}
	return string(b), nil
}

// Cluster is a single-process convenience harness wiring nodeCount
// Runtimes over one in-process Fabric, useful for tests and
// demonstrations where every node lives in the same process (this design's
// "physical message transport" is swapped here for the loopback).
type Cluster struct {
	mu    sync.Mutex
	Nodes []*Runtime
}

// NewCluster constructs nodeCount Runtimes sharing a Fabric, each with its
// own independent task manager, CDAG and distributed-state tracker — in a
// real multi-process deployment each node computes the same deterministic
// CDAG from an externally-replicated task stream (this design
// "Determinism"); SubmitToAll below stands in for that replication.
func NewCluster(nodeCount int, elementSize int, commit btm.CommitFunc, execQueue func(ids.NodeID) serializer.ExecutionQueue, buffers func(ids.NodeID) serializer.BufferSource) (*Cluster, error) {
	Reset() // a cluster of in-process nodes is not the one-shot singleton case
	fabric := msgtransport.NewFabric(nodeCount)
	c := &Cluster{}
	for n := 0; n < nodeCount; n++ {
		cfg := rtcfg.DefaultConfig()
		cfg.NodeCount = nodeCount
		cfg.LocalNodeID = uint64(n)
		cfg.ElementSize = elementSize
		var eq serializer.ExecutionQueue
		if execQueue != nil {
			eq = execQueue(ids.NodeID(n))
		}
		var bs serializer.BufferSource
		if buffers != nil {
			bs = buffers(ids.NodeID(n))
		}
		rt, err := New(cfg, Deps{
			Transport:   fabric.Endpoint(ids.NodeID(n)),
			ExecQueue:   eq,
			Buffers:     bs,
			CommitFrame: commit,
		})
		if err != nil {
			return nil, err
		}
		c.Nodes = append(c.Nodes, rt)
		Reset() // allow the next node's New call; each node is its own process in reality
	}
	singletonClaimed.Store(true) // cluster construction done; re-arm the guard for the process
	return c, nil
}

// SubmitToAll replicates one task submission to every node's task manager,
// standing in for the broadcast submission façade this design keeps external.
// Returns the (identical, per this design invariant 7) task id from node 0.
func (c *Cluster) SubmitToAll(b task.Builder) (ids.TaskID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var first ids.TaskID
	for i, rt := range c.Nodes {
		tid, err := rt.SubmitTask(b)
		if err != nil {
			return 0, err
		}
		if i == 0 {
			first = tid
		} else if tid != first {
			return 0, rterr.Invariant("runtime: task id diverged across nodes (%d vs %d) — determinism violated", tid, first)
		}
	}
	return first, nil
}
