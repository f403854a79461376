// Package msgtransport defines the message-layer contract the BTM
// consumes ("Message transport") and an in-process loopback
// implementation used by tests and single-process deployments, grounded
// on aistore's bundle.DataMover push/pull handshake.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package msgtransport

import (
	"sync"

	"github.com/ridhitbhura/celerity-runtime/internal/ids"
)

// Request is a handle to a non-blocking send or receive.
type Request interface {
	// Test reports whether the operation has completed, per this design
	// test(request) -> bool.
	Test() bool
	// Bytes returns the payload once Test reports true: the sent bytes
	// for a send request, the received bytes for a receive request.
	Bytes() []byte
}

// Transport is the message layer the BTM drives (this design). The BTM
// chooses the element datatype at startup; this interface deals only in
// raw bytes, with framing owned by the caller (btm package).
type Transport interface {
	SendAsync(dest ids.NodeID, payload []byte) Request
	RecvAsync(src ids.NodeID, sizeBytes int) Request
	// Probe reports the next pending message's source and byte size, if
	// any, without consuming it.
	Probe() (src ids.NodeID, sizeBytes int, ok bool)
	Barrier()
	NodeCount() int
	LocalNode() ids.NodeID
}

type completedRequest struct {
	payload []byte
}

func (r *completedRequest) Test() bool    { return true }
func (r *completedRequest) Bytes() []byte { return r.payload }

type pendingMessage struct {
	from    ids.NodeID
	payload []byte
}

// Fabric wires together LoopbackTransport endpoints for a fixed-size
// cluster running in one process.
type Fabric struct {
	mu        sync.Mutex
	inbox     [][]pendingMessage
	nodeCount int

	barrierMu    sync.Mutex
	barrierCond  *sync.Cond
	barrierCount int
	barrierGen   int
}

// NewFabric constructs a fabric for nodeCount endpoints.
func NewFabric(nodeCount int) *Fabric {
	f := &Fabric{
		inbox:     make([][]pendingMessage, nodeCount),
		nodeCount: nodeCount,
	}
	f.barrierCond = sync.NewCond(&f.barrierMu)
	return f
}

// Endpoint returns the transport for node n.
func (f *Fabric) Endpoint(n ids.NodeID) *LoopbackTransport {
	return &LoopbackTransport{fabric: f, node: n}
}

// LoopbackTransport is one node's view of a Fabric.
type LoopbackTransport struct {
	fabric *Fabric
	node   ids.NodeID
}

// SendAsync copies payload into the destination's inbox and returns an
// already-complete request: this in-process transport has no network
// latency to simulate.
func (t *LoopbackTransport) SendAsync(dest ids.NodeID, payload []byte) Request {
	cp := append([]byte(nil), payload...)
	t.fabric.mu.Lock()
	t.fabric.inbox[dest] = append(t.fabric.inbox[dest], pendingMessage{from: t.node, payload: cp})
	t.fabric.mu.Unlock()
	return &completedRequest{payload: cp}
}

// RecvAsync pops the oldest pending message from src in this node's
// inbox. In this single-process model the receive is synchronous if a
// matching message is already present; callers are expected to have
// probed first.
func (t *LoopbackTransport) RecvAsync(src ids.NodeID, sizeBytes int) Request {
	t.fabric.mu.Lock()
	defer t.fabric.mu.Unlock()
	inbox := t.fabric.inbox[t.node]
	for i, m := range inbox {
		if m.from == src {
			t.fabric.inbox[t.node] = append(inbox[:i], inbox[i+1:]...)
			return &completedRequest{payload: m.payload}
		}
	}
	return &completedRequest{payload: nil}
}

// Probe reports the oldest pending message's source and size without
// consuming it.
func (t *LoopbackTransport) Probe() (ids.NodeID, int, bool) {
	t.fabric.mu.Lock()
	defer t.fabric.mu.Unlock()
	inbox := t.fabric.inbox[t.node]
	if len(inbox) == 0 {
		return 0, 0, false
	}
	return inbox[0].from, len(inbox[0].payload), true
}

// Barrier blocks until every endpoint in the fabric has called Barrier.
func (t *LoopbackTransport) Barrier() {
	f := t.fabric
	f.barrierMu.Lock()
	gen := f.barrierGen
	f.barrierCount++
	if f.barrierCount == f.nodeCount {
		f.barrierCount = 0
		f.barrierGen++
		f.barrierCond.Broadcast()
	} else {
		for gen == f.barrierGen {
			f.barrierCond.Wait()
		}
	}
	f.barrierMu.Unlock()
}

func (t *LoopbackTransport) NodeCount() int      { return t.fabric.nodeCount }
func (t *LoopbackTransport) LocalNode() ids.NodeID { return t.node }
