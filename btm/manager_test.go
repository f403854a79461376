package btm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ridhitbhura/celerity-runtime/command"
	"github.com/ridhitbhura/celerity-runtime/internal/ids"
	"github.com/ridhitbhura/celerity-runtime/msgtransport"
	"github.com/ridhitbhura/celerity-runtime/region"
)

func makeFrameRegion(lo, hi int64) region.Region {
	return region.New(1, region.NewBox(1, region.Point{lo}, region.Point{hi - lo}))
}

// S1-shaped round trip: one push, one matching await_push, single frame.
func TestPushAwaitPushRoundTrip(t *testing.T) {
	fabric := msgtransport.NewFabric(2)
	senderTx := fabric.Endpoint(0)
	receiverTx := fabric.Endpoint(1)

	var committed [][]Frame
	commit := func(bid ids.BufferID, transfer ids.TransferID, frames []Frame) error {
		committed = append(committed, frames)
		return nil
	}

	sender := NewManager(senderTx, 2, 8, nil)
	receiver := NewManager(receiverTx, 2, 8, commit)

	pushCmd := &command.Command{
		Kind: command.Push, Node: 0, TargetNode: 1,
		Buffer: 1, Transfer: 5, SourceRegion: makeFrameRegion(2, 6),
	}
	data := make([]byte, 4*8)
	outHandle, err := sender.Push(pushCmd, data)
	require.NoError(t, err)

	awaitCmd := &command.Command{
		Kind: command.AwaitPush, Node: 1,
		Buffer: 1, Transfer: 5, ExpectedRegion: makeFrameRegion(2, 6),
	}
	inHandle, err := receiver.AwaitPush(awaitCmd)
	require.NoError(t, err)

	require.NoError(t, receiver.Poll())
	require.True(t, inHandle.Complete())
	require.Len(t, committed, 1)

	require.NoError(t, sender.Poll())
	require.True(t, outHandle.Complete())
}

// S4 — out-of-order arrival: the frame lands before await_push is
// posted; completion is deferred until the expected region is set.
func TestOutOfOrderArrivalCompletesOnAwaitPush(t *testing.T) {
	fabric := msgtransport.NewFabric(2)
	senderTx := fabric.Endpoint(0)
	receiverTx := fabric.Endpoint(1)

	var committed int
	commit := func(bid ids.BufferID, transfer ids.TransferID, frames []Frame) error {
		committed++
		return nil
	}

	sender := NewManager(senderTx, 2, 8, nil)
	receiver := NewManager(receiverTx, 2, 8, commit)

	pushCmd := &command.Command{
		Kind: command.Push, Node: 0, TargetNode: 1,
		Buffer: 1, Transfer: 9, SourceRegion: makeFrameRegion(4, 8),
	}
	data := make([]byte, 4*8)
	_, err := sender.Push(pushCmd, data)
	require.NoError(t, err)

	// Frame arrives before await_push is posted.
	require.NoError(t, receiver.Poll())
	require.Equal(t, 0, committed)

	awaitCmd := &command.Command{
		Kind: command.AwaitPush, Node: 1,
		Buffer: 1, Transfer: 9, ExpectedRegion: makeFrameRegion(4, 8),
	}
	inHandle, err := receiver.AwaitPush(awaitCmd)
	require.NoError(t, err)
	require.True(t, inHandle.Complete())
	require.Equal(t, 1, committed)
}

// Same round trip as TestPushAwaitPushRoundTrip, but with WithCompression
// enabled on both ends: the frame crosses the wire lz4-compressed and must
// still decode and commit identically.
func TestPushAwaitPushRoundTripWithCompression(t *testing.T) {
	fabric := msgtransport.NewFabric(2)
	senderTx := fabric.Endpoint(0)
	receiverTx := fabric.Endpoint(1)

	var committed [][]Frame
	commit := func(bid ids.BufferID, transfer ids.TransferID, frames []Frame) error {
		committed = append(committed, frames)
		return nil
	}

	sender := NewManager(senderTx, 2, 8, nil, WithCompression(true))
	receiver := NewManager(receiverTx, 2, 8, commit, WithCompression(true))

	pushCmd := &command.Command{
		Kind: command.Push, Node: 0, TargetNode: 1,
		Buffer: 1, Transfer: 5, SourceRegion: makeFrameRegion(2, 6),
	}
	data := make([]byte, 4*8)
	for i := range data {
		data[i] = byte(i)
	}
	outHandle, err := sender.Push(pushCmd, data)
	require.NoError(t, err)

	awaitCmd := &command.Command{
		Kind: command.AwaitPush, Node: 1,
		Buffer: 1, Transfer: 5, ExpectedRegion: makeFrameRegion(2, 6),
	}
	inHandle, err := receiver.AwaitPush(awaitCmd)
	require.NoError(t, err)

	require.NoError(t, receiver.Poll())
	require.True(t, inHandle.Complete())
	require.Len(t, committed, 1)
	require.Equal(t, data, committed[0][0].Payload)

	require.NoError(t, sender.Poll())
	require.True(t, outHandle.Complete())
}

// WithPollBatchSize(1) must still drain a backlog of two arrivals, just
// across two Poll calls instead of one.
func TestPollBatchSizeBoundsDrainPerCall(t *testing.T) {
	fabric := msgtransport.NewFabric(2)
	senderTx := fabric.Endpoint(0)
	receiverTx := fabric.Endpoint(1)

	var committed int
	commit := func(bid ids.BufferID, transfer ids.TransferID, frames []Frame) error {
		committed++
		return nil
	}

	sender := NewManager(senderTx, 2, 8, nil)
	receiver := NewManager(receiverTx, 2, 8, commit, WithPollBatchSize(1))

	for _, transfer := range []ids.TransferID{1, 2} {
		awaitCmd := &command.Command{
			Kind: command.AwaitPush, Node: 1,
			Buffer: 1, Transfer: transfer, ExpectedRegion: makeFrameRegion(0, 4),
		}
		_, err := receiver.AwaitPush(awaitCmd)
		require.NoError(t, err)

		pushCmd := &command.Command{
			Kind: command.Push, Node: 0, TargetNode: 1,
			Buffer: 1, Transfer: transfer, SourceRegion: makeFrameRegion(0, 4),
		}
		_, err = sender.Push(pushCmd, make([]byte, 4*8))
		require.NoError(t, err)
	}

	require.NoError(t, receiver.Poll())
	require.Equal(t, 1, committed, "batch size 1 should only probe+drain one arrival per Poll call")

	require.NoError(t, receiver.Poll())
	require.Equal(t, 2, committed)
}

func TestReductionCompletionAfterNMinus1Frames(t *testing.T) {
	fabric := msgtransport.NewFabric(4)
	root := fabric.Endpoint(0)

	var committed int
	commit := func(bid ids.BufferID, transfer ids.TransferID, frames []Frame) error {
		committed++
		require.Len(t, frames, 3)
		return nil
	}
	receiver := NewManager(root, 4, 8, commit)

	awaitCmd := &command.Command{
		Kind: command.AwaitPush, Node: 0,
		Buffer: 1, Transfer: 1, ReductionTag: ids.ReductionID(1),
		ExpectedRegion: makeFrameRegion(0, 1),
	}
	_, err := receiver.AwaitPush(awaitCmd)
	require.NoError(t, err)

	for n := 1; n <= 3; n++ {
		sender := fabric.Endpoint(ids.NodeID(n))
		s := NewManager(sender, 4, 8, nil)
		pushCmd := &command.Command{
			Kind: command.Push, Node: ids.NodeID(n), TargetNode: 0,
			Buffer: 1, Transfer: 1, ReductionTag: ids.ReductionID(1), SourceRegion: makeFrameRegion(0, 1),
		}
		_, err := s.Push(pushCmd, make([]byte, 8))
		require.NoError(t, err)
	}

	for n := 0; n < 3; n++ {
		require.NoError(t, receiver.Poll())
	}
	require.Equal(t, 1, committed)
}
