// Package dstate implements the distributed-state tracker of this design:
// per buffer, a region→node last-writer map maintained as a disjoint-box
// covering, plus a pending-reduction marker and a replicated flag.
// Ownership is exclusive to the command graph generator.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package dstate

import (
	"encoding/binary"
	"sync"

	cuckoo "github.com/seiflotfy/cuckoofilter"

	"github.com/cespare/xxhash/v2"

	"github.com/ridhitbhura/celerity-runtime/internal/ids"
	"github.com/ridhitbhura/celerity-runtime/internal/rterr"
	"github.com/ridhitbhura/celerity-runtime/region"
)

type writerEntry struct {
	Box  region.Box
	Node ids.NodeID
}

type bufferState struct {
	dims    int
	extent  region.Box
	writers []writerEntry

	pendingReduction bool
	replicated       bool

	// seen is a cuckoo filter of the (node, box) pairs RecordWrite has
	// recorded, keyed by xxhash. Nothing reads it back: Owners and
	// RecordWrite always scan the full writer list. Modeled on aistore's
	// cuckoofilter-backed dedup check (SK-Kadam-aistore's object-exists
	// pre-filtering idiom), generalized from object keys to (node, box)
	// keys.
	seen *cuckoo.Filter
}

func seenKey(n ids.NodeID, b region.Box) []byte {
	buf := make([]byte, 8+8*2*region.MaxDims+8)
	off := 0
	binary.LittleEndian.PutUint64(buf[off:], uint64(n))
	off += 8
	for d := 0; d < region.MaxDims; d++ {
		binary.LittleEndian.PutUint64(buf[off:], uint64(b.Offset[d]))
		off += 8
		binary.LittleEndian.PutUint64(buf[off:], uint64(b.Range[d]))
		off += 8
	}
	h := xxhash.Sum64(buf[:off])
	out := make([]byte, 8)
	binary.LittleEndian.PutUint64(out, h)
	return out
}

// Tracker is the per-cluster distributed-state tracker, keyed by buffer.
type Tracker struct {
	mu      sync.Mutex
	buffers map[ids.BufferID]*bufferState
}

// NewTracker constructs an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{buffers: make(map[ids.BufferID]*bufferState)}
}

// RegisterBuffer begins tracking bid over [0, extent). If hostInitNode is
// non-nil, the whole buffer starts owned by that node ("lifetime:
// from buffer registration to unregistration").
func (t *Tracker) RegisterBuffer(bid ids.BufferID, dims int, extent region.Point, hostInitNode *ids.NodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	bs := &bufferState{
		dims:   dims,
		extent: region.NewBox(dims, region.Point{}, extent),
		seen:   cuckoo.NewFilter(uint(1024)),
	}
	if hostInitNode != nil {
		bs.writers = []writerEntry{{Box: bs.extent, Node: *hostInitNode}}
	}
	t.buffers[bid] = bs
}

// UnregisterBuffer stops tracking bid.
func (t *Tracker) UnregisterBuffer(bid ids.BufferID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.buffers, bid)
}

// Owner is one (producer node, box) pair covering part of a requested
// region, per this design step 2's "set of (producer_node, box) pairs".
type Owner struct {
	Node ids.NodeID
	Box  region.Box
}

// Owners splits req against the current last-writer partition for bid,
// returning the (producer_node, box) pairs that together cover the parts
// of req with a known owner. Sub-regions of req with no prior writer
// (never written) are omitted; the caller treats those as locally
// available/uninitialized per the task's own semantics.
func (t *Tracker) Owners(bid ids.BufferID, req region.Region) ([]Owner, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	bs := t.buffers[bid]
	if bs == nil {
		return nil, rterr.Invariant("dstate: unknown buffer %d", bid)
	}
	var out []Owner
	for _, w := range bs.writers {
		overlap := region.New(bs.dims, w.Box).Intersection(req)
		overlap.IterateBoxes(func(b region.Box) bool {
			out = append(out, Owner{Node: w.Node, Box: b})
			return true
		})
	}
	return out, nil
}

// RecordWrite updates the last-writer partition: node now owns req.
func (t *Tracker) RecordWrite(bid ids.BufferID, req region.Region, node ids.NodeID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	bs := t.buffers[bid]
	if bs == nil {
		return rterr.Invariant("dstate: unknown buffer %d", bid)
	}

	var rebuilt []writerEntry
	for _, w := range bs.writers {
		remaining := region.New(bs.dims, w.Box).Difference(req)
		remaining.IterateBoxes(func(rb region.Box) bool {
			rebuilt = append(rebuilt, writerEntry{Box: rb, Node: w.Node})
			return true
		})
	}
	req.IterateBoxes(func(wb region.Box) bool {
		rebuilt = append(rebuilt, writerEntry{Box: wb, Node: node})
		key := seenKey(node, wb)
		if !bs.seen.Lookup(key) {
			bs.seen.Insert(key)
		}
		return true
	})
	bs.writers = rebuilt
	return nil
}

// SetPendingReduction marks or clears buffer bid's pending-reduction flag.
func (t *Tracker) SetPendingReduction(bid ids.BufferID, pending bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if bs := t.buffers[bid]; bs != nil {
		bs.pendingReduction = pending
	}
}

// IsPendingReduction reports bid's pending-reduction flag.
func (t *Tracker) IsPendingReduction(bid ids.BufferID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if bs := t.buffers[bid]; bs != nil {
		return bs.pendingReduction
	}
	return false
}

// SetReplicated marks or clears bid's replicated flag (true when every
// node holds an identical copy of the buffer, e.g. after a broadcast).
func (t *Tracker) SetReplicated(bid ids.BufferID, replicated bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if bs := t.buffers[bid]; bs != nil {
		bs.replicated = replicated
	}
}

// IsReplicated reports bid's replicated flag.
func (t *Tracker) IsReplicated(bid ids.BufferID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if bs := t.buffers[bid]; bs != nil {
		return bs.replicated
	}
	return false
}

// CompleteReduction records that node now exclusively owns box (the
// reduced cell) following a finalized reduction, per this design step 5:
// "root owns the reduced cell; replicated = false".
func (t *Tracker) CompleteReduction(bid ids.BufferID, box region.Box, rootNode ids.NodeID) error {
	t.mu.Lock()
	bs := t.buffers[bid]
	t.mu.Unlock()
	if bs == nil {
		return rterr.Invariant("dstate: unknown buffer %d", bid)
	}
	if err := t.RecordWrite(bid, region.New(bs.dims, box), rootNode); err != nil {
		return err
	}
	t.SetPendingReduction(bid, false)
	t.SetReplicated(bid, false)
	return nil
}
