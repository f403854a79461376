package btm

import (
	"bytes"
	"io"
	"sync"

	lz4 "github.com/pierrec/lz4/v3"

	"github.com/ridhitbhura/celerity-runtime/command"
	"github.com/ridhitbhura/celerity-runtime/internal/ids"
	"github.com/ridhitbhura/celerity-runtime/internal/rterr"
	"github.com/ridhitbhura/celerity-runtime/internal/rtmetrics"
	"github.com/ridhitbhura/celerity-runtime/msgtransport"
	"github.com/ridhitbhura/celerity-runtime/region"
)

// defaultPollBatch is used when no WithPollBatchSize option (or a
// non-positive one) is supplied: effectively unbounded, matching the
// manager's original drain-everything behavior.
const defaultPollBatch = 1 << 30

// OutgoingHandle tracks a push's send completion (this design push: "the
// returned handle becomes complete when the send finishes").
type OutgoingHandle struct {
	mu       sync.Mutex
	complete bool
	Frame    Frame
}

// Complete reports whether the send has finished.
func (h *OutgoingHandle) Complete() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.complete
}

// CommitFunc copies a completed transfer's frames into buffer storage;
// supplied at construction ("commit callback").
type CommitFunc func(bid ids.BufferID, transfer ids.TransferID, frames []Frame) error

type outgoingRecord struct {
	handle *OutgoingHandle
	req    msgtransport.Request
}

type incomingRecord struct {
	src ids.NodeID
	req msgtransport.Request
}

// Manager is the Buffer Transfer Manager (this design). Only poll() may be
// called concurrently with itself being disallowed — it is driven by a
// single executor goroutine; Push/AwaitPush may be called from the
// scheduler goroutine handing off newly ready commands.
type Manager struct {
	transport     msgtransport.Transport
	blackboard    *Blackboard
	commit        CommitFunc
	elementSize   int
	compression   bool
	pollBatchSize int

	mu       sync.Mutex
	outgoing []outgoingRecord
	pending  []incomingRecord
}

// Option configures optional Manager behavior beyond the required
// transport/cluster-size/element-size/commit constructor arguments.
type Option func(*Manager)

// WithCompression gates optional LZ4 compression of the wire bytes carrying
// each push frame, mirroring bundle.Extra.Compression wired in
// tcbFactory.newDM. Both ends of a transfer must agree on this setting —
// in this runtime it comes from the process-wide rtcfg.Config, which every
// node in a run shares.
func WithCompression(enabled bool) Option {
	return func(m *Manager) { m.compression = enabled }
}

// WithPollBatchSize bounds how many pending receives/sends Poll drains per
// call. Non-positive values leave the manager effectively unbounded.
func WithPollBatchSize(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.pollBatchSize = n
		}
	}
}

// NewManager constructs a BTM over the given transport, for a cluster of
// clusterSize nodes, with elementSize bytes per buffer element.
func NewManager(transport msgtransport.Transport, clusterSize, elementSize int, commit CommitFunc, opts ...Option) *Manager {
	m := &Manager{
		transport:     transport,
		blackboard:    NewBlackboard(clusterSize),
		commit:        commit,
		elementSize:   elementSize,
		pollBatchSize: defaultPollBatch,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Push assembles and sends a data frame for cmd carrying data (this design
// push(command) -> handle).
func (m *Manager) Push(cmd *command.Command, data []byte) (*OutgoingHandle, error) {
	if cmd.Kind != command.Push {
		return nil, rterr.Invariant("btm: Push called on non-push command %s", cmd.Kind)
	}
	box := firstBox(cmd.SourceRegion)
	wantBytes := int(box.Area()) * m.elementSize
	if len(data) != wantBytes {
		return nil, rterr.Capacity("btm: push payload size %d does not match subrange*element_size %d", len(data), wantBytes)
	}
	f := Frame{
		BufferID:    cmd.Buffer,
		ReductionID: cmd.ReductionTag,
		Subrange:    widenBox(box),
		TransferID:  cmd.Transfer,
		Payload:     data,
	}
	raw := Encode(f)
	if m.compression {
		compressed, err := compressFrame(raw)
		if err != nil {
			return nil, err
		}
		raw = compressed
	}
	req := m.transport.SendAsync(cmd.TargetNode, raw)
	h := &OutgoingHandle{Frame: f}

	m.mu.Lock()
	m.outgoing = append(m.outgoing, outgoingRecord{handle: h, req: req})
	m.mu.Unlock()
	rtmetrics.InFlightTransfers.Inc()
	return h, nil
}

// AwaitPush installs (or finds) the blackboard entry for cmd and sets
// its expected region (this design await_push(command) -> handle).
func (m *Manager) AwaitPush(cmd *command.Command) (*IncomingHandle, error) {
	if cmd.Kind != command.AwaitPush {
		return nil, rterr.Invariant("btm: AwaitPush called on non-await_push command %s", cmd.Kind)
	}
	key := blackboardKey{Buffer: cmd.Buffer, Transfer: cmd.Transfer}
	h := m.blackboard.getOrCreate(key)
	h.setExpected(widenTo3D(cmd.ExpectedRegion))
	if h.Complete() {
		// Frames arrived before this await_push was posted (this design S4
		// "out-of-order arrival"): completion is computed immediately.
		if err := m.finalize(key, h); err != nil {
			return nil, err
		}
	}
	return h, nil
}

func (m *Manager) finalize(key blackboardKey, h *IncomingHandle) error {
	frames := h.Frames()
	m.blackboard.remove(key)
	if m.commit != nil {
		return m.commit(key.Buffer, key.Transfer, frames)
	}
	return nil
}

// Poll performs the three-step loop of this design: poll incoming, update
// incoming, update outgoing. Must be called periodically by a single
// executor goroutine. Each step drains at most pollBatchSize items so one
// call cannot be monopolized by an unbounded backlog of arrivals or sends.
func (m *Manager) Poll() error {
	batch := m.pollBatchSize
	if batch <= 0 {
		batch = defaultPollBatch
	}

	// 1. Poll incoming.
	for i := 0; i < batch; i++ {
		src, size, ok := m.transport.Probe()
		if !ok {
			break
		}
		req := m.transport.RecvAsync(src, size)
		m.mu.Lock()
		m.pending = append(m.pending, incomingRecord{src: src, req: req})
		m.mu.Unlock()
	}

	// 2. Update incoming.
	m.mu.Lock()
	n := len(m.pending)
	if n > batch {
		n = batch
	}
	toScan := m.pending[:n]
	carryOver := append([]incomingRecord(nil), m.pending[n:]...)
	stillPending := carryOver
	var toCommit []struct {
		key    blackboardKey
		frames []Frame
	}
	for _, rec := range toScan {
		if !rec.req.Test() {
			stillPending = append(stillPending, rec)
			continue
		}
		raw := rec.req.Bytes()
		if m.compression {
			decompressed, err := decompressFrame(raw)
			if err != nil {
				m.mu.Unlock()
				return err
			}
			raw = decompressed
		}
		frame, err := Decode(raw)
		if err != nil {
			m.mu.Unlock()
			return err
		}
		key := blackboardKey{Buffer: frame.BufferID, Transfer: frame.TransferID}
		h := m.blackboard.getOrCreate(key)
		if err := h.addFrame(rec.src, frame); err != nil {
			m.mu.Unlock()
			return err
		}
		if h.Complete() {
			toCommit = append(toCommit, struct {
				key    blackboardKey
				frames []Frame
			}{key, h.Frames()})
		}
	}
	m.pending = stillPending
	m.mu.Unlock()

	for _, c := range toCommit {
		if m.commit != nil {
			if err := m.commit(c.key.Buffer, c.key.Transfer, c.frames); err != nil {
				return err
			}
		}
		m.blackboard.remove(c.key)
	}

	// 3. Update outgoing.
	m.mu.Lock()
	n = len(m.outgoing)
	if n > batch {
		n = batch
	}
	outScan := m.outgoing[:n]
	stillOut := append([]outgoingRecord(nil), m.outgoing[n:]...)
	for _, rec := range outScan {
		if rec.req.Test() {
			rec.handle.mu.Lock()
			rec.handle.complete = true
			rec.handle.mu.Unlock()
			rtmetrics.InFlightTransfers.Dec()
			continue
		}
		stillOut = append(stillOut, rec)
	}
	m.outgoing = stillOut
	m.mu.Unlock()

	return nil
}

// widenTo3D re-tags every box in r as 3-dimensional (see widenBox), so it
// can be compared against frame subranges, which are always decoded as
// 3-D per the fixed wire layout (this design).
func widenTo3D(r region.Region) region.Region {
	var out region.Region
	boxes := make([]region.Box, 0, len(r.Boxes))
	r.IterateBoxes(func(b region.Box) bool {
		boxes = append(boxes, widenBox(b))
		return true
	})
	out = region.New(3, boxes...)
	return out
}

// widenBox re-tags b as 3-dimensional, giving every unused trailing
// dimension offset 0 and range 1 so the box keeps its area.
func widenBox(b region.Box) region.Box {
	for d := b.Dims; d < region.MaxDims; d++ {
		b.Offset[d], b.Range[d] = 0, 1
	}
	b.Dims = 3
	return b
}

func firstBox(r region.Region) region.Box {
	var out region.Box
	r.IterateBoxes(func(b region.Box) bool {
		out = b
		return false
	})
	return out
}

// compressFrame lz4-compresses an already-Encode'd frame for the wire, used
// when the cluster runs with rtcfg.Config.Compression set.
func compressFrame(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(raw); err != nil {
		return nil, rterr.Transport(err, "btm: lz4 compress")
	}
	if err := w.Close(); err != nil {
		return nil, rterr.Transport(err, "btm: lz4 compress close")
	}
	return buf.Bytes(), nil
}

// decompressFrame reverses compressFrame, producing the bytes Decode
// expects.
func decompressFrame(raw []byte) ([]byte, error) {
	out, err := io.ReadAll(lz4.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return nil, rterr.Transport(err, "btm: lz4 decompress")
	}
	return out, nil
}
