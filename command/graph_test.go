package command

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ridhitbhura/celerity-runtime/graph"
	"github.com/ridhitbhura/celerity-runtime/internal/ids"
)

func TestExecutionFrontMustComeFromHorizonOrEpoch(t *testing.T) {
	cg := NewGraph()

	exA := &Command{ID: cg.NextID(), Kind: Execution, Node: 0}
	cg.Create(exA)
	exB := &Command{ID: cg.NextID(), Kind: Execution, Node: 0}
	cg.Create(exB)

	err := cg.AddDependency(exB.ID, exA.ID, graph.Order, graph.ExecutionFront)
	require.Error(t, err)

	hz := &Command{ID: cg.NextID(), Kind: Horizon, Node: 0}
	cg.Create(hz)
	require.NoError(t, cg.AddDependency(hz.ID, exA.ID, graph.Order, graph.ExecutionFront))
}

func TestCollectiveSerializationRequiresMatchingGroup(t *testing.T) {
	cg := NewGraph()
	g1 := ids.CollectiveGroupID(1)
	g2 := ids.CollectiveGroupID(2)

	a := &Command{ID: cg.NextID(), Kind: Execution, Node: 0, Collective: &g1}
	cg.Create(a)
	b := &Command{ID: cg.NextID(), Kind: Execution, Node: 0, Collective: &g2}
	cg.Create(b)

	err := cg.AddDependency(b.ID, a.ID, graph.Order, graph.CollectiveGroupSerialization)
	require.Error(t, err)

	c := &Command{ID: cg.NextID(), Kind: Execution, Node: 0, Collective: &g1}
	cg.Create(c)
	require.NoError(t, cg.AddDependency(c.ID, a.ID, graph.Order, graph.CollectiveGroupSerialization))
}

func TestPruneBeforeRemovesOlderCommands(t *testing.T) {
	cg := NewGraph()
	var last ids.CommandID
	for i := 0; i < 5; i++ {
		c := &Command{ID: cg.NextID(), Kind: Execution, Node: 0}
		cg.Create(c)
		last = c.ID
	}
	require.Equal(t, 5, cg.Count())
	cg.PruneBefore(last)
	require.Equal(t, 1, cg.Count())
}
