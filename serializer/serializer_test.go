package serializer

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ridhitbhura/celerity-runtime/btm"
	"github.com/ridhitbhura/celerity-runtime/cgen"
	"github.com/ridhitbhura/celerity-runtime/command"
	"github.com/ridhitbhura/celerity-runtime/dstate"
	"github.com/ridhitbhura/celerity-runtime/internal/ids"
	"github.com/ridhitbhura/celerity-runtime/msgtransport"
	"github.com/ridhitbhura/celerity-runtime/rangemapper"
	"github.com/ridhitbhura/celerity-runtime/region"
	"github.com/ridhitbhura/celerity-runtime/task"
)

func wholeBuffer(extent int64) rangemapper.RangeMapper {
	return rangemapper.Fixed(region.New(1, region.NewBox(1, region.Point{0}, region.Point{extent})))
}

func subRange(lo, hi int64) rangemapper.RangeMapper {
	return rangemapper.Fixed(region.New(1, region.NewBox(1, region.Point{lo}, region.Point{hi - lo})))
}

type fakeBuffers struct{}

func (fakeBuffers) ReadRegion(_ ids.BufferID, box region.Box) ([]byte, error) {
	return make([]byte, box.Area()*4), nil
}

// TestTwoNodeWriteRead drives this design scenario S1 end to end through two
// Serializers sharing one CDAG and a loopback Fabric: node 0 writes
// [0,8), node 1 reads [2,6); node 1's await_push must complete from
// exactly one frame, unblocking its execution command.
func TestTwoNodeWriteRead(t *testing.T) {
	cdag := command.NewGraph()
	state := dstate.NewTracker()
	bid := ids.BufferID(1)
	state.RegisterBuffer(bid, 1, region.Point{8}, nil)
	gen := cgen.New(2, cdag, state)

	taskA := task.Task{ID: 0, Kind: task.MasterNode,
		Geometry: task.Geometry{Dimensions: 1, GlobalSize: region.Point{8}},
		Accesses: []task.BufferAccess{{Buffer: bid, Mode: task.DiscardWrite, Mapper: wholeBuffer(8)}},
	}
	require.NoError(t, gen.Lower(&taskA))

	taskB := task.Task{ID: 1, Kind: task.Collective,
		Geometry: task.Geometry{Dimensions: 1, GlobalSize: region.Point{8}},
		Accesses: []task.BufferAccess{{Buffer: bid, Mode: task.Read, Mapper: subRange(2, 6)}},
	}
	require.NoError(t, gen.Lower(&taskB))

	fabric := msgtransport.NewFabric(2)

	var committedBuf []byte
	commit := func(_ ids.BufferID, _ ids.TransferID, frames []btm.Frame) error {
		require.Len(t, frames, 1)
		committedBuf = frames[0].Payload
		return nil
	}
	btm0 := btm.NewManager(fabric.Endpoint(0), 2, 4, nil)
	btm1 := btm.NewManager(fabric.Endpoint(1), 2, 4, commit)

	node0 := New(Config{Node: 0, CDAG: cdag, ExecQueue: &InlineQueue{}, BTM: btm0, Buffers: fakeBuffers{}})
	node1 := New(Config{Node: 1, CDAG: cdag, ExecQueue: &InlineQueue{}, BTM: btm1, Buffers: fakeBuffers{}})

	for i := 0; i < 50 && committedBuf == nil; i++ {
		require.NoError(t, node0.Step())
		require.NoError(t, btm0.Poll())
		require.NoError(t, node1.Step())
		require.NoError(t, btm1.Poll())
	}
	require.NotNil(t, committedBuf)
	require.Len(t, committedBuf, 16)

	// draining further should mark every node-1 command completed,
	// including the execution command that depended on the await_push.
	for i := 0; i < 10; i++ {
		require.NoError(t, node1.Step())
		require.NoError(t, btm1.Poll())
	}
	var bExecDone bool
	for id := range node1.completed {
		cmd, ok := cdag.Get(id)
		if ok && cmd.Kind == command.Execution && cmd.Task == taskB.ID && cmd.Node == 1 {
			bExecDone = true
		}
	}
	require.True(t, bExecDone)
}

// TestShutdownDrains models S6: once a shutdown epoch command is
// dispatched and completes with nothing in flight, Drained() reports
// true and no further dispatch is admitted.
func TestShutdownDrains(t *testing.T) {
	cdag := command.NewGraph()
	epoch := &command.Command{ID: cdag.NextID(), Kind: command.Epoch, Node: 0, EpochAction: command.EpochShutdown}
	cdag.Create(epoch)

	s := New(Config{Node: 0, CDAG: cdag, ExecQueue: &InlineQueue{}})
	require.NoError(t, s.Step())
	require.True(t, s.Drained())

	late := &command.Command{ID: cdag.NextID(), Kind: command.Execution, Node: 0, Task: 99}
	cdag.Create(late)
	require.NoError(t, s.Step())
	_, dispatched := s.inflight[late.ID]
	require.False(t, dispatched)
}
