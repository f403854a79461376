package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ridhitbhura/celerity-runtime/btm"
	"github.com/ridhitbhura/celerity-runtime/internal/ids"
	"github.com/ridhitbhura/celerity-runtime/internal/rtcfg"
	"github.com/ridhitbhura/celerity-runtime/rangemapper"
	"github.com/ridhitbhura/celerity-runtime/region"
	"github.com/ridhitbhura/celerity-runtime/serializer"
	"github.com/ridhitbhura/celerity-runtime/task"
)

func wholeBuffer(extent int64) rangemapper.RangeMapper {
	return rangemapper.Fixed(region.New(1, region.NewBox(1, region.Point{0}, region.Point{extent})))
}

type fakeBuffers struct{}

func (fakeBuffers) ReadRegion(_ ids.BufferID, box region.Box) ([]byte, error) {
	return make([]byte, box.Area()*4), nil
}

// TestSingletonOneShot exercises this design's "creation is one-shot per
// process" rule directly against New/Reset.
func TestSingletonOneShot(t *testing.T) {
	Reset()
	cfg := rtcfg.DefaultConfig()
	rt1, err := New(cfg, Deps{})
	require.NoError(t, err)
	require.NotNil(t, rt1)

	_, err = New(cfg, Deps{})
	require.Error(t, err)

	Reset()
	rt2, err := New(cfg, Deps{})
	require.NoError(t, err)
	require.NotNil(t, rt2)
	Reset()
}

// TestLifecycleAndShutdown drives a single-node Runtime through
// startup -> active -> shutting_down -> destroyed ("Global
// state"), verifying a submitted task is lowered and drained before
// Shutdown returns.
func TestLifecycleAndShutdown(t *testing.T) {
	Reset()
	defer Reset()

	cfg := rtcfg.DefaultConfig()
	cfg.NodeCount = 1
	cfg.LocalNodeID = 0

	rt, err := New(cfg, Deps{
		ExecQueue: &serializer.InlineQueue{},
	})
	require.NoError(t, err)
	require.Equal(t, Startup, rt.Lifecycle())

	bid := ids.BufferID(1)
	rt.NotifyBufferCreated(bid, 1, region.Point{8}, nil)

	_, err = rt.SubmitTask(task.Builder{
		Kind:     task.MasterNode,
		Geometry: task.Geometry{Dimensions: 1, GlobalSize: region.Point{8}},
		Accesses: []task.BufferAccess{{Buffer: bid, Mode: task.DiscardWrite, Mapper: wholeBuffer(8)}},
	})
	require.NoError(t, err)

	require.NoError(t, rt.Startup(context.Background()))
	require.Equal(t, Active, rt.Lifecycle())

	snap, err := rt.GetCommandGraphSnapshot()
	require.NoError(t, err)
	require.NotEmpty(t, snap)

	deadline := time.Now().Add(2 * time.Second)
	for rt.Lifecycle() == Active && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	require.NoError(t, rt.Shutdown())
	require.Equal(t, Destroyed, rt.Lifecycle())
}

// TestClusterDeterministicSubmission drives a two-node in-process cluster
// and checks that replicated submission assigns identical task ids on
// every node (this design invariant 7, "Determinism").
func TestClusterDeterministicSubmission(t *testing.T) {
	Reset()
	defer Reset()

	var committed [][]byte
	commit := func(_ ids.BufferID, _ ids.TransferID, frames []btm.Frame) error {
		for _, f := range frames {
			committed = append(committed, f.Payload)
		}
		return nil
	}

	cluster, err := NewCluster(2, 4, commit,
		func(ids.NodeID) serializer.ExecutionQueue { return &serializer.InlineQueue{} },
		func(ids.NodeID) serializer.BufferSource { return fakeBuffers{} },
	)
	require.NoError(t, err)
	require.Len(t, cluster.Nodes, 2)

	bid := ids.BufferID(1)
	for _, rt := range cluster.Nodes {
		rt.NotifyBufferCreated(bid, 1, region.Point{8}, nil)
	}

	tid, err := cluster.SubmitToAll(task.Builder{
		Kind:     task.MasterNode,
		Geometry: task.Geometry{Dimensions: 1, GlobalSize: region.Point{8}},
		Accesses: []task.BufferAccess{{Buffer: bid, Mode: task.DiscardWrite, Mapper: wholeBuffer(8)}},
	})
	require.NoError(t, err)
	require.Equal(t, ids.TaskID(1), tid) // id 0 is the manager's initial epoch

	for _, rt := range cluster.Nodes {
		require.NoError(t, rt.Startup(context.Background()))
	}
	for _, rt := range cluster.Nodes {
		require.NoError(t, rt.Shutdown())
	}
}
