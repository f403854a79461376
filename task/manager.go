package task

import (
	"context"
	"sync"

	"github.com/ridhitbhura/celerity-runtime/graph"
	"github.com/ridhitbhura/celerity-runtime/internal/ids"
	"github.com/ridhitbhura/celerity-runtime/internal/nlog"
	"github.com/ridhitbhura/celerity-runtime/internal/rterr"
	"github.com/ridhitbhura/celerity-runtime/internal/rtmetrics"
	"github.com/ridhitbhura/celerity-runtime/rangemapper"
	"github.com/ridhitbhura/celerity-runtime/region"
)

// Builder collects the fields of a task before submission, the Go
// equivalent of the C++ handler building up a `task` via its factory
// functions (task::make_host_compute, etc).
type Builder struct {
	Kind         Kind
	Geometry     Geometry
	Accesses     []BufferAccess
	SideEffects  []SideEffect
	Reductions   []ReductionSpec
	Collective   *ids.CollectiveGroupID
	EpochAction  EpochAction
	FencePromise *FencePromise
	DebugName    string
}

type writerEntry struct {
	Box    region.Box
	Writer ids.TaskID
}

type readerEntry struct {
	Box     region.Box
	Readers map[ids.TaskID]struct{}
}

type bufferState struct {
	dims        int
	writers     []writerEntry
	readers     []readerEntry
	bufferRange region.Box
}

// NewTaskEvent is delivered to subscribers on every successful submission.
type NewTaskEvent struct {
	Task *Task
}

// Manager owns the TDAG; per this design it is mutated only by the
// user/submission thread.
type Manager struct {
	mu sync.Mutex

	idGen ids.Gen
	g     *graph.Graph[*Task]

	buffers map[ids.BufferID]*bufferState

	lastHostEffect map[ids.HostObjectID]taskOrderEntry
	lastCollective map[ids.CollectiveGroupID]ids.TaskID

	horizonStep int
	sinceDepth  map[ids.TaskID]int
	prevHorizon *ids.TaskID
	curHorizon  *ids.TaskID
	curEpoch    *ids.TaskID

	shutdown bool

	subscribers []chan NewTaskEvent
}

type taskOrderEntry struct {
	Task  ids.TaskID
	Order SideEffectOrder
}

// NewManager constructs an empty task manager with the given horizon step
// (this design default ≥ 2).
func NewManager(horizonStep int) *Manager {
	if horizonStep < 1 {
		horizonStep = 2
	}
	m := &Manager{
		idGen:          ids.Gen{},
		g:              graph.NewGraph[*Task](),
		buffers:        make(map[ids.BufferID]*bufferState),
		lastHostEffect: make(map[ids.HostObjectID]taskOrderEntry),
		lastCollective: make(map[ids.CollectiveGroupID]ids.TaskID),
		horizonStep:    horizonStep,
		sinceDepth:     make(map[ids.TaskID]int),
	}
	// initial epoch, action = none
	tid := m.idGen.NextTask()
	t := &Task{ID: tid, Kind: Epoch, EpochAction: ActionNone, DebugName: "init-epoch"}
	m.g.Create(uint64(tid), t)
	m.sinceDepth[tid] = 0
	m.curHorizon = &tid
	m.curEpoch = &tid
	return m
}

// Subscribe registers a channel that receives every subsequently
// submitted task. The channel is never closed by the manager. Publishing
// never blocks submission: when the channel is full the event is dropped
// with a warning, so callers should size it to avoid losing events
// ("subscription for 'new task' events").
func (m *Manager) Subscribe(ch chan NewTaskEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = append(m.subscribers, ch)
}

func (m *Manager) publish(t *Task) {
	for _, ch := range m.subscribers {
		select {
		case ch <- NewTaskEvent{Task: t}:
		default:
			nlog.Warningf("task manager: subscriber channel full, dropping notification for task %d", t.ID)
		}
	}
}

// NotifyBufferCreated registers a new buffer's extent (this design
// notify_buffer_created). hostInit indicates the buffer starts populated
// on the local node (treated identically for last-writer purposes: a
// virtual writer predating all tasks is not modeled, so reads against an
// uninitialized region simply find no prior writer).
func (m *Manager) NotifyBufferCreated(bid ids.BufferID, dims int, extent region.Point, _hostInit bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buffers[bid] = &bufferState{
		dims:        dims,
		bufferRange: region.NewBox(dims, region.Point{}, extent),
	}
}

// NotifyBufferDestroyed releases a buffer's tracking state (this design
// notify_buffer_destroyed).
func (m *Manager) NotifyBufferDestroyed(bid ids.BufferID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.buffers, bid)
}

// Submit builds a Task from b, infers its dependencies against the TDAG,
// inserts it, and returns its id. Per "Task submission never
// fails at the task-manager layer; invalid access combinations surface as
// invariant violations (fatal, programmer error)" — a Validate failure is
// returned as an rterr invariant error, which callers treat as fatal; the
// manager itself does not panic.
func (m *Manager) Submit(b Builder) (ids.TaskID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shutdown {
		return 0, rterr.Invariant("task manager: submit after shutdown epoch")
	}

	tid := m.idGen.NextTask()
	t := &Task{
		ID:           tid,
		Kind:         b.Kind,
		Geometry:     b.Geometry,
		Accesses:     b.Accesses,
		SideEffects:  b.SideEffects,
		Reductions:   b.Reductions,
		Collective:   b.Collective,
		EpochAction:  b.EpochAction,
		FencePromise: b.FencePromise,
		DebugName:    b.DebugName,
	}
	if err := t.Validate(); err != nil {
		return 0, err
	}

	m.g.Create(uint64(tid), t)
	depth := 0

	for _, acc := range t.Accesses {
		bs := m.buffers[acc.Buffer]
		if bs == nil {
			continue
		}
		req := acc.Mapper.Map(rangemapper.Chunk{
			Dims:       bs.dims,
			Offset:     t.Geometry.GlobalOffset,
			Range:      t.Geometry.GlobalSize,
			GlobalSize: t.Geometry.GlobalSize,
		})

		if acc.Mode.IsRead() {
			for _, w := range m.writersOverlapping(bs, req) {
				m.addDep(tid, w, graph.True, graph.Dataflow, &depth)
			}
		}
		if acc.Mode.IsWrite() {
			for _, r := range m.readersOverlapping(bs, req) {
				m.addDep(tid, r, graph.Anti, graph.Dataflow, &depth)
			}
			m.applyWrite(bs, req, tid)
		} else if acc.Mode.IsRead() {
			m.applyRead(bs, req, tid)
		}
	}

	for _, se := range t.SideEffects {
		prev, ok := m.lastHostEffect[se.HostObject]
		if ok && (prev.Order == Sequential || se.Order == Sequential) {
			m.addDep(tid, prev.Task, graph.Order, graph.Dataflow, &depth)
		}
		m.lastHostEffect[se.HostObject] = taskOrderEntry{Task: tid, Order: se.Order}
	}

	if t.Collective != nil {
		if prev, ok := m.lastCollective[*t.Collective]; ok {
			m.addDep(tid, prev, graph.Order, graph.Dataflow, &depth)
		}
		m.lastCollective[*t.Collective] = tid
	}

	if m.curEpoch != nil && *m.curEpoch != tid && m.g.Has(uint64(*m.curEpoch)) {
		m.g.AddDependency(uint64(tid), uint64(*m.curEpoch), graph.Order, graph.LastEpoch)
	}

	m.sinceDepth[tid] = depth

	rtmetrics.TasksSubmitted.Inc()
	m.publish(t)

	if t.Kind != Horizon && t.Kind != Epoch && depth >= m.horizonStep {
		m.insertHorizon()
	}

	if t.Kind == Epoch {
		m.applyHorizonLike(tid)
		m.curEpoch = &tid
		if t.EpochAction == ActionShutdown {
			m.shutdown = true
		}
	}

	return tid, nil
}

func (m *Manager) addDep(depender, dependee ids.TaskID, kind graph.DependencyKind, origin graph.DependencyOrigin, depth *int) {
	if !m.g.Has(uint64(dependee)) {
		return // pruned by an intervening horizon; ordering already implied
	}
	m.g.AddDependency(uint64(depender), uint64(dependee), kind, origin)
	if d := m.sinceDepth[dependee] + 1; d > *depth {
		*depth = d
	}
}

func (m *Manager) writersOverlapping(bs *bufferState, req region.Region) []ids.TaskID {
	seen := map[ids.TaskID]struct{}{}
	var out []ids.TaskID
	for _, w := range bs.writers {
		if region.New(bs.dims, w.Box).Intersection(req).Empty() {
			continue
		}
		if _, ok := seen[w.Writer]; !ok {
			seen[w.Writer] = struct{}{}
			out = append(out, w.Writer)
		}
	}
	return out
}

func (m *Manager) readersOverlapping(bs *bufferState, req region.Region) []ids.TaskID {
	seen := map[ids.TaskID]struct{}{}
	var out []ids.TaskID
	for _, r := range bs.readers {
		if region.New(bs.dims, r.Box).Intersection(req).Empty() {
			continue
		}
		for tid := range r.Readers {
			if _, ok := seen[tid]; !ok {
				seen[tid] = struct{}{}
				out = append(out, tid)
			}
		}
	}
	return out
}

// applyWrite overwrites the last-writer partition for req with tid, and
// clears any stale last-reader entries the write subsumes (this design:
// "overwrite last-writer entries for R ∩ written to T").
func (m *Manager) applyWrite(bs *bufferState, req region.Region, tid ids.TaskID) {
	bs.writers = rebuildWriters(bs, req, tid)

	var newReaders []readerEntry
	for _, r := range bs.readers {
		remaining := region.New(bs.dims, r.Box).Difference(req)
		remaining.IterateBoxes(func(rb region.Box) bool {
			newReaders = append(newReaders, readerEntry{Box: rb, Readers: r.Readers})
			return true
		})
	}
	bs.readers = newReaders
}

// rebuildWriters computes the writer partition after a single write of
// req by tid is applied against the prior partition bs.writers, handling
// req having multiple disjoint boxes without re-processing already
// rewritten entries.
func rebuildWriters(bs *bufferState, req region.Region, tid ids.TaskID) []writerEntry {
	reqUnion := req
	var out []writerEntry
	for _, w := range bs.writers {
		remaining := region.New(bs.dims, w.Box).Difference(reqUnion)
		remaining.IterateBoxes(func(rb region.Box) bool {
			out = append(out, writerEntry{Box: rb, Writer: w.Writer})
			return true
		})
	}
	req.IterateBoxes(func(wb region.Box) bool {
		out = append(out, writerEntry{Box: wb, Writer: tid})
		return true
	})
	return out
}

// applyRead merges tid into the last-reader partition over req (this design:
// readers accumulate between writes).
func (m *Manager) applyRead(bs *bufferState, req region.Region, tid ids.TaskID) {
	remaining := req
	var out []readerEntry
	for _, r := range bs.readers {
		existing := region.New(bs.dims, r.Box)
		overlap := existing.Intersection(remaining)
		if overlap.Empty() {
			out = append(out, r)
			continue
		}
		merged := cloneReaderSet(r.Readers)
		merged[tid] = struct{}{}
		overlap.IterateBoxes(func(ob region.Box) bool {
			out = append(out, readerEntry{Box: ob, Readers: merged})
			return true
		})
		rest := existing.Difference(overlap)
		rest.IterateBoxes(func(rb region.Box) bool {
			out = append(out, readerEntry{Box: rb, Readers: r.Readers})
			return true
		})
		remaining = remaining.Difference(overlap)
	}
	remaining.IterateBoxes(func(rb region.Box) bool {
		out = append(out, readerEntry{Box: rb, Readers: map[ids.TaskID]struct{}{tid: {}}})
		return true
	})
	bs.readers = out
}

func cloneReaderSet(in map[ids.TaskID]struct{}) map[ids.TaskID]struct{} {
	out := make(map[ids.TaskID]struct{}, len(in)+1)
	for k := range in {
		out[k] = struct{}{}
	}
	return out
}

func (m *Manager) insertHorizon() ids.TaskID {
	tid := m.idGen.NextTask()
	t := &Task{ID: tid, Kind: Horizon, DebugName: "horizon"}
	m.g.Create(uint64(tid), t)
	for _, leaf := range m.g.Front() {
		if leaf == uint64(tid) {
			continue
		}
		m.g.AddDependency(uint64(tid), leaf, graph.Order, graph.ExecutionFront)
	}
	m.applyHorizonLike(tid)
	rtmetrics.HorizonsApplied.Inc()
	m.publish(t)
	return tid
}

// applyHorizonLike implements the pruning rule shared by horizons and
// epochs ("horizon-like task"): erase ancestors
// strictly older than the previous horizon, rewrite last-writer/reader and
// order-pointer references onto the new one.
func (m *Manager) applyHorizonLike(newID ids.TaskID) {
	cutoff := m.curHorizon
	m.prevHorizon = m.curHorizon
	m.curHorizon = &newID
	m.sinceDepth = map[ids.TaskID]int{newID: 0}

	if cutoff == nil {
		return
	}
	cutoffID := *cutoff
	var toErase []ids.TaskID
	m.g.All(func(n *graph.Node[*Task]) {
		tid := ids.TaskID(n.ID)
		if tid < cutoffID {
			toErase = append(toErase, tid)
		}
	})
	if len(toErase) == 0 {
		return
	}
	eraseSet := make(map[ids.TaskID]struct{}, len(toErase))
	for _, tid := range toErase {
		eraseSet[tid] = struct{}{}
	}

	for _, bs := range m.buffers {
		for i, w := range bs.writers {
			if _, dead := eraseSet[w.Writer]; dead {
				bs.writers[i].Writer = newID
			}
		}
		for i, r := range bs.readers {
			changed := false
			merged := map[ids.TaskID]struct{}{}
			for tid := range r.Readers {
				if _, dead := eraseSet[tid]; dead {
					merged[newID] = struct{}{}
					changed = true
				} else {
					merged[tid] = struct{}{}
				}
			}
			if changed {
				bs.readers[i].Readers = merged
			}
		}
	}
	for h, e := range m.lastHostEffect {
		if _, dead := eraseSet[e.Task]; dead {
			m.lastHostEffect[h] = taskOrderEntry{Task: newID, Order: e.Order}
		}
	}
	for g, t := range m.lastCollective {
		if _, dead := eraseSet[t]; dead {
			m.lastCollective[g] = newID
		}
	}

	for _, tid := range toErase {
		m.g.Erase(uint64(tid))
	}
}

// NotifyEpoch submits an epoch task with the given action (this design
// notify_epoch).
func (m *Manager) NotifyEpoch(action EpochAction) (ids.TaskID, error) {
	return m.Submit(Builder{Kind: Epoch, EpochAction: action, DebugName: "epoch"})
}

// NotifyFence submits a fence task (this design notify_fence): an
// epoch-adjacent task whose promise is fulfilled when completion is
// observed.
func (m *Manager) NotifyFence(accesses []BufferAccess, promise *FencePromise) (ids.TaskID, error) {
	return m.Submit(Builder{Kind: Fence, Accesses: accesses, FencePromise: promise, DebugName: "fence"})
}

// GetTask returns the task for tid if still live (it may have been
// pruned by a horizon).
func (m *Manager) GetTask(tid ids.TaskID) (*Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.g.Get(uint64(tid))
	if !ok {
		return nil, false
	}
	return n.Payload, true
}

// AwaitHorizonOrEpoch blocks until tid (expected to be a horizon or
// epoch) has been pruned away (meaning every younger horizon/epoch has
// superseded it and all downstream consumers have reached it), or ctx is
// done. Because pruning in this package is synchronous with Submit, a
// task becoming untracked happens at a well-defined point; callers poll
// via GetTask.
func (m *Manager) AwaitHorizonOrEpoch(ctx context.Context, tid ids.TaskID) error {
	for {
		if _, ok := m.GetTask(tid); !ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

// Dependencies returns the dependency edges recorded for tid, for
// diagnostics and testing. Returns nil if tid is not live.
func (m *Manager) Dependencies(tid ids.TaskID) []graph.Dependency {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.g.Get(uint64(tid))
	if !ok {
		return nil
	}
	return append([]graph.Dependency(nil), n.Dependencies...)
}

// LiveTaskCount returns the number of tasks currently retained in the
// TDAG, for diagnostics and the S3 horizon-pruning scenario.
func (m *Manager) LiveTaskCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.g.Count()
}

// IsShutdown reports whether a shutdown epoch has been processed.
func (m *Manager) IsShutdown() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shutdown
}
