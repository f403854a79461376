package btm

import (
	"sync"

	"github.com/ridhitbhura/celerity-runtime/internal/ids"
	"github.com/ridhitbhura/celerity-runtime/internal/rterr"
	"github.com/ridhitbhura/celerity-runtime/region"
)

// blackboardKey identifies one logical transfer at the receiver.
type blackboardKey struct {
	Buffer   ids.BufferID
	Transfer ids.TransferID
}

// IncomingHandle is the receiver-side transfer state of "BTM
// transfer state": it may be created by an early arrival or by
// await_push, whichever happens first.
type IncomingHandle struct {
	mu sync.Mutex

	expectedSet bool
	expected    region.Region

	received region.Region
	frames   []Frame

	// isReductionSet/isReduction latch on the first received frame and
	// reject any later frame that disagrees (DESIGN.md Open Question
	// decision: the first frame's nonzero reduction id decides
	// is_reduction for the whole transfer).
	isReductionSet bool
	isReduction    bool

	clusterSize int
	fromNodes   map[ids.NodeID]struct{}

	complete bool
}

// Complete reports whether this transfer has finished.
func (h *IncomingHandle) Complete() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.complete
}

// Frames returns the frames received so far (valid once Complete is
// true, but callable earlier for diagnostics).
func (h *IncomingHandle) Frames() []Frame {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Frame(nil), h.frames...)
}

// setExpected installs the expected region from an await_push: "if an
// incoming transfer handle already exists, attach the expected region to
// it".
func (h *IncomingHandle) setExpected(expected region.Region) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.expected = expected
	h.expectedSet = true
	h.recomputeLocked()
}

// addFrame folds a newly arrived frame in from source node. Returns an
// error only for a fatal invariant violation (overlap without
// reduction, or a reduction id mismatch against the latched decision).
func (h *IncomingHandle) addFrame(from ids.NodeID, f Frame) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	nowReduction := f.ReductionID != ids.NoReduction
	if !h.isReductionSet {
		h.isReductionSet = true
		h.isReduction = nowReduction
	} else if h.isReduction != nowReduction {
		return rterr.Invariant("btm: frame reduction-id mixing on transfer %d (buffer %d)", f.TransferID, f.BufferID)
	}

	f.Subrange.Dims = 3

	if !h.isReduction {
		if !h.received.Intersection(region.New(f.Subrange.Dims, f.Subrange)).Empty() {
			return rterr.Invariant("btm: overlapping frame without reduction on transfer %d", f.TransferID)
		}
		h.received = h.received.Union(region.New(f.Subrange.Dims, f.Subrange))
	} else {
		if h.fromNodes == nil {
			h.fromNodes = make(map[ids.NodeID]struct{})
		}
		h.fromNodes[from] = struct{}{}
	}
	h.frames = append(h.frames, f)
	h.recomputeLocked()
	return nil
}

// recomputeLocked updates h.complete; caller holds h.mu.
func (h *IncomingHandle) recomputeLocked() {
	if h.complete {
		return
	}
	if h.isReduction {
		if h.clusterSize > 0 && len(h.fromNodes) == h.clusterSize-1 {
			h.complete = true
		}
		return
	}
	if h.expectedSet && h.received.Equal(h.expected) {
		h.complete = true
	}
}

// Blackboard is the receiver-side map from (buffer_id, transfer_id) to
// IncomingHandle ("push blackboard").
type Blackboard struct {
	mu          sync.Mutex
	entries     map[blackboardKey]*IncomingHandle
	clusterSize int
}

// NewBlackboard constructs an empty blackboard for a cluster of the
// given size (needed to recognize reduction completion: N-1 frames).
func NewBlackboard(clusterSize int) *Blackboard {
	return &Blackboard{entries: make(map[blackboardKey]*IncomingHandle), clusterSize: clusterSize}
}

func (b *Blackboard) getOrCreate(key blackboardKey) *IncomingHandle {
	b.mu.Lock()
	defer b.mu.Unlock()
	h, ok := b.entries[key]
	if !ok {
		h = &IncomingHandle{clusterSize: b.clusterSize}
		b.entries[key] = h
	}
	return h
}

// remove deletes an entry once its transfer is committed.
func (b *Blackboard) remove(key blackboardKey) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, key)
}
