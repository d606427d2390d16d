package envelope

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowmesh/agentgraph/graph"
)

func TestBuild_PopulatesDataAndMeta(t *testing.T) {
	now := time.Now()
	state := graph.NewGraphState("sess-1", now)
	state.TraceID = "trace-1"
	state.CompletedNodes = []string{"start", "assemble"}
	state.TurnStartedAt = now
	state.GraphVersion = 3

	env := Build(state, "all done", map[string]interface{}{"total": 5}, now.Add(time.Second))
	require.Equal(t, StatusOK, env.Status)
	require.Equal(t, "all done", env.Data.Message)
	require.Equal(t, 5, env.Data.Metrics["total"])
	require.Equal(t, []string{"start", "assemble"}, env.Meta.CompletedNodes)
	require.Equal(t, int64(1000), env.Meta.DurationMS)
	require.Equal(t, 3, env.Meta.GraphVersion)
	require.Nil(t, env.Meta.Error)
	require.Nil(t, env.Meta.HumanGate)
}

func TestBuild_CompletedNodesIndependentOfState(t *testing.T) {
	now := time.Now()
	state := graph.NewGraphState("sess-1", now)
	state.CompletedNodes = []string{"start"}

	env := Build(state, "", nil, now)
	env.Meta.CompletedNodes[0] = "mutated"

	require.Equal(t, "start", state.CompletedNodes[0])
}

func TestBuildAwaitingHuman_PopulatesHumanGate(t *testing.T) {
	now := time.Now()
	state := graph.NewGraphState("sess-1", now)
	state.HumanGateReason = "needs approval"
	state.ResumeToken = "tok-123"
	state.CurrentNode = "document_write"

	env := BuildAwaitingHuman(state, now)
	require.Equal(t, StatusAwaitingHuman, env.Status)
	require.Empty(t, env.Data.Message)
	require.NotNil(t, env.Meta.HumanGate)
	require.Equal(t, "needs approval", env.Meta.HumanGate.Reason)
	require.Equal(t, "tok-123", env.Meta.HumanGate.ResumeToken)
	require.Equal(t, "document_write", env.Meta.HumanGate.Node)
}

func TestBuildFailed_ClassifiesFatalNodeError(t *testing.T) {
	now := time.Now()
	state := graph.NewGraphState("sess-1", now)

	err := &graph.FatalNodeError{Node: "slow_agent", Kind: graph.FatalTimeout, Err: graph.ErrMaxStepsExceeded}
	env := BuildFailed(state, err, now)

	require.Equal(t, StatusFailed, env.Status)
	require.NotNil(t, env.Meta.Error)
	require.Equal(t, "timeout", env.Meta.Error.Kind)
	require.Equal(t, "slow_agent", env.Meta.Error.Node)
	require.NotEmpty(t, env.Meta.Error.Message)
}

func TestBuildFailed_ClassifiesRoutingDeadEnd(t *testing.T) {
	now := time.Now()
	state := graph.NewGraphState("sess-1", now)

	env := BuildFailed(state, &graph.RoutingDeadEnd{Node: "router"}, now)
	require.Equal(t, "routing_dead_end", env.Meta.Error.Kind)
	require.Equal(t, "router", env.Meta.Error.Node)
}

func TestBuildFailed_ClassifiesMaxStepsExceeded(t *testing.T) {
	now := time.Now()
	state := graph.NewGraphState("sess-1", now)

	env := BuildFailed(state, graph.ErrMaxStepsExceeded, now)
	require.Equal(t, "max_steps_exceeded", env.Meta.Error.Kind)
}

func TestBuildFailed_UnknownErrorDefaultsToUnhandled(t *testing.T) {
	now := time.Now()
	state := graph.NewGraphState("sess-1", now)

	env := BuildFailed(state, errors.New("boom"), now)
	require.Equal(t, "unhandled", env.Meta.Error.Kind)
	require.Empty(t, env.Meta.Error.Node)
}
