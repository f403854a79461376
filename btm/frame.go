// Package btm implements the Buffer Transfer Manager of this design: wire
// framing, the push/await_push handshake, the poll() three-step loop, and
// the push blackboard that reconciles out-of-order arrivals.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package btm

import (
	"encoding/binary"

	"github.com/ridhitbhura/celerity-runtime/internal/ids"
	"github.com/ridhitbhura/celerity-runtime/internal/rterr"
	"github.com/ridhitbhura/celerity-runtime/region"
)

// HeaderSize is the fixed byte size of a frame header (this design wire
// frame table): buffer_id(8) + reduction_id(8) + subrange(48) +
// transfer_id(8).
const HeaderSize = 8 + 8 + 48 + 8

// PayloadAlign is the alignment the payload is padded to, wide enough
// for any fixed-size element type ("variable-size frames":
// "reserve max_align for the payload start").
const PayloadAlign = 16

// frameHeaderSize is HeaderSize rounded up to PayloadAlign so the
// payload always starts on an aligned boundary.
const frameHeaderSize = ((HeaderSize + PayloadAlign - 1) / PayloadAlign) * PayloadAlign

// Frame is one buffer-transfer wire frame.
type Frame struct {
	BufferID    ids.BufferID
	ReductionID ids.ReductionID
	Subrange    region.Box
	TransferID  ids.TransferID
	Payload     []byte
}

// Encode serializes f into a single contiguous little-endian byte slice:
// header then payload, per this design's wire frame layout.
func Encode(f Frame) []byte {
	buf := make([]byte, frameHeaderSize+len(f.Payload))
	off := 0
	binary.LittleEndian.PutUint64(buf[off:], uint64(f.BufferID))
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], uint64(f.ReductionID))
	off += 8
	for d := 0; d < 3; d++ {
		binary.LittleEndian.PutUint64(buf[off:], uint64(f.Subrange.Offset[d]))
		off += 8
	}
	for d := 0; d < 3; d++ {
		binary.LittleEndian.PutUint64(buf[off:], uint64(f.Subrange.Range[d]))
		off += 8
	}
	binary.LittleEndian.PutUint64(buf[off:], uint64(f.TransferID))
	copy(buf[frameHeaderSize:], f.Payload)
	return buf
}

// Decode parses raw (as produced by Encode) back into a Frame. The
// subrange's dimensionality is not recoverable from the wire — callers
// that need Dims set it on the returned box themselves.
func Decode(raw []byte) (Frame, error) {
	if len(raw) < frameHeaderSize {
		return Frame{}, rterr.Capacity("btm: frame shorter than header (%d < %d)", len(raw), frameHeaderSize)
	}
	var f Frame
	off := 0
	f.BufferID = ids.BufferID(binary.LittleEndian.Uint64(raw[off:]))
	off += 8
	f.ReductionID = ids.ReductionID(binary.LittleEndian.Uint64(raw[off:]))
	off += 8
	f.Subrange.Dims = 3
	for d := 0; d < 3; d++ {
		f.Subrange.Offset[d] = int64(binary.LittleEndian.Uint64(raw[off:]))
		off += 8
	}
	for d := 0; d < 3; d++ {
		f.Subrange.Range[d] = int64(binary.LittleEndian.Uint64(raw[off:]))
		off += 8
	}
	f.TransferID = ids.TransferID(binary.LittleEndian.Uint64(raw[off:]))
	f.Payload = append([]byte(nil), raw[frameHeaderSize:]...)
	return f, nil
}
