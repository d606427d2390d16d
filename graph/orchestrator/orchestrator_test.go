package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowmesh/agentgraph/graph"
	"github.com/flowmesh/agentgraph/graph/config"
	"github.com/flowmesh/agentgraph/graph/envelope"
	"github.com/flowmesh/agentgraph/graph/registry"
	"github.com/flowmesh/agentgraph/graph/store"
)

func echoNode(key, value string) graph.NodeFunc {
	return func(state graph.GraphState, _ graph.CapabilitySet, _ *graph.NodeContext) (graph.NodeOutcome, error) {
		now := time.Now()
		state, err := graph.MergeMapping(state, graph.FieldAgentResults, map[string]interface{}{key: value}, []string{key}, now)
		if err != nil {
			return graph.NodeOutcome{}, err
		}
		return graph.NodeOutcome{State: state}, nil
	}
}

func assembleNode() graph.NodeFunc {
	return func(state graph.GraphState, _ graph.CapabilitySet, _ *graph.NodeContext) (graph.NodeOutcome, error) {
		state, err := graph.MergeMapping(state, graph.FieldResponseMetadata, map[string]interface{}{
			"text": "done", "action": "answer",
		}, []string{"text", "action"}, time.Now())
		if err != nil {
			return graph.NodeOutcome{}, err
		}
		return graph.NodeOutcome{State: state}, nil
	}
}

func finalizeNode() graph.NodeFunc {
	return func(state graph.GraphState, _ graph.CapabilitySet, _ *graph.NodeContext) (graph.NodeOutcome, error) {
		now := time.Now()
		state, err := graph.Set(state, graph.FieldStatus, graph.StatusCompleted, now)
		if err != nil {
			return graph.NodeOutcome{}, err
		}
		return graph.NodeOutcome{State: state}, nil
	}
}

func buildSimpleOrchestrator(t *testing.T, opts config.Options) *Orchestrator {
	t.Helper()
	orch := New(store.NewMemStore(), opts, nil)

	require.NoError(t, orch.RegisterNode(registry.NodeDescriptor{
		Name: "start", RequiredPrivilege: string(config.PrivilegeStandard), Enabled: true,
		Implementation: echoNode("step1", "ok"),
	}))
	require.NoError(t, orch.RegisterNode(registry.NodeDescriptor{
		Name: "assemble", RequiredPrivilege: string(config.PrivilegeStandard), Enabled: true,
		Implementation: assembleNode(),
	}))
	require.NoError(t, orch.RegisterNode(registry.NodeDescriptor{
		Name: "finalize", Kind: "finalize", RequiredPrivilege: string(config.PrivilegeStandard), Enabled: true,
		Implementation: finalizeNode(),
	}))

	_, err := orch.RebuildGraph(registry.GraphSpec{
		StartNode: "start",
		Edges: []graph.Edge{
			{From: "start", To: "assemble"},
			{From: "assemble", To: "finalize"},
		},
	})
	require.NoError(t, err)
	return orch
}

func TestStartTurn_CompletesSuccessfully(t *testing.T) {
	orch := buildSimpleOrchestrator(t, config.New())
	defer orch.Close()

	_, handle, err := orch.StartTurn(context.Background(), "sess-1", "hello", config.PrivilegeStandard, graph.CapabilitySet{})
	require.NoError(t, err)

	env, err := handle.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, "done", env.Data.Message)
	require.Equal(t, envelope.StatusOK, env.Status)
}

func TestStartTurn_NoCompiledGraphErrors(t *testing.T) {
	orch := New(store.NewMemStore(), config.New(), nil)
	defer orch.Close()

	_, _, err := orch.StartTurn(context.Background(), "sess-1", "hi", config.PrivilegeStandard, graph.CapabilitySet{})
	require.Error(t, err)
}

func TestStartTurn_PrivilegeDenied(t *testing.T) {
	orch := New(store.NewMemStore(), config.New(), nil)
	defer orch.Close()

	require.NoError(t, orch.RegisterNode(registry.NodeDescriptor{
		Name: "start", RequiredPrivilege: string(config.PrivilegeAdmin), Enabled: true,
		Implementation: finalizeNode(),
		Kind:           "finalize",
	}))
	_, err := orch.RebuildGraph(registry.GraphSpec{StartNode: "start"})
	require.NoError(t, err)

	_, handle, err := orch.StartTurn(context.Background(), "sess-1", "hi", config.PrivilegeStandard, graph.CapabilitySet{})
	require.NoError(t, err)

	env, waitErr := handle.Wait(context.Background())
	require.NoError(t, waitErr)
	require.Equal(t, envelope.StatusFailed, env.Status)
	require.NotNil(t, env.Meta.Error)
	require.Equal(t, string(graph.FatalPrivilegeDenied), env.Meta.Error.Kind)
}

func TestStartTurn_RoutingDeadEnd(t *testing.T) {
	orch := New(store.NewMemStore(), config.New(), nil)
	defer orch.Close()

	require.NoError(t, orch.RegisterNode(registry.NodeDescriptor{
		Name: "start", RequiredPrivilege: string(config.PrivilegeStandard), Enabled: true,
		Implementation: echoNode("a", "b"),
	}))
	_, err := orch.RebuildGraph(registry.GraphSpec{StartNode: "start"})
	require.NoError(t, err)

	_, handle, err := orch.StartTurn(context.Background(), "sess-1", "hi", config.PrivilegeStandard, graph.CapabilitySet{})
	require.NoError(t, err)

	env, waitErr := handle.Wait(context.Background())
	require.NoError(t, waitErr)
	require.Equal(t, envelope.StatusFailed, env.Status)
	require.NotNil(t, env.Meta.Error)
	require.Equal(t, "routing_dead_end", env.Meta.Error.Kind)
}

func TestStartTurn_MaxStepsExceeded(t *testing.T) {
	orch := New(store.NewMemStore(), config.New(config.WithMaxSteps(2)), nil)
	defer orch.Close()

	require.NoError(t, orch.RegisterNode(registry.NodeDescriptor{
		Name: "a", RequiredPrivilege: string(config.PrivilegeStandard), Enabled: true,
		Implementation: echoNode("x", "1"),
	}))
	require.NoError(t, orch.RegisterNode(registry.NodeDescriptor{
		Name: "b", RequiredPrivilege: string(config.PrivilegeStandard), Enabled: true,
		Implementation: echoNode("y", "2"),
	}))
	_, err := orch.RebuildGraph(registry.GraphSpec{
		StartNode: "a",
		Edges: []graph.Edge{
			{From: "a", To: "b"},
			{From: "b", To: "a"},
		},
	})
	require.NoError(t, err)

	_, handle, err := orch.StartTurn(context.Background(), "sess-1", "hi", config.PrivilegeStandard, graph.CapabilitySet{})
	require.NoError(t, err)

	env, waitErr := handle.Wait(context.Background())
	require.NoError(t, waitErr)
	require.Equal(t, envelope.StatusFailed, env.Status)
	require.NotNil(t, env.Meta.Error)
	require.Equal(t, "max_steps_exceeded", env.Meta.Error.Kind)
}

func TestStartTurn_HumanGatePauses(t *testing.T) {
	orch := New(store.NewMemStore(), config.New(), nil)
	defer orch.Close()

	gate := graph.NodeFunc(func(state graph.GraphState, _ graph.CapabilitySet, _ *graph.NodeContext) (graph.NodeOutcome, error) {
		now := time.Now()
		state, err := graph.Set(state, graph.FieldHumanGateReason, "needs approval", now)
		require.NoError(t, err)
		state, err = graph.Set(state, graph.FieldResumeToken, "tok-123", now)
		require.NoError(t, err)
		state, err = graph.Set(state, graph.FieldStatus, graph.StatusAwaitingHuman, now)
		require.NoError(t, err)
		return graph.NodeOutcome{State: state}, graph.HumanGatePending
	})

	require.NoError(t, orch.RegisterNode(registry.NodeDescriptor{
		Name: "gate", RequiredPrivilege: string(config.PrivilegeStandard), Enabled: true,
		Implementation: gate,
	}))
	_, err := orch.RebuildGraph(registry.GraphSpec{StartNode: "gate"})
	require.NoError(t, err)

	_, handle, err := orch.StartTurn(context.Background(), "sess-1", "hi", config.PrivilegeStandard, graph.CapabilitySet{})
	require.NoError(t, err)

	env, waitErr := handle.Wait(context.Background())
	require.NoError(t, waitErr)
	require.Equal(t, envelope.StatusAwaitingHuman, env.Status)
	require.NotNil(t, env.Meta.HumanGate)
	require.Equal(t, "tok-123", env.Meta.HumanGate.ResumeToken)
	require.Equal(t, "needs approval", env.Meta.HumanGate.Reason)
}

func TestResume_InvalidTokenErrors(t *testing.T) {
	orch := buildSimpleOrchestrator(t, config.New())
	defer orch.Close()

	require.NoError(t, orch.store.Put(context.Background(), store.SessionRecord{
		SessionID: "sess-1",
	}))

	_, err := orch.Resume(context.Background(), "sess-1", "bad-token", nil, config.PrivilegeStandard, graph.CapabilitySet{})
	require.Error(t, err)
	var invalid *graph.ResumeTokenInvalidError
	require.ErrorAs(t, err, &invalid)
}

func TestResume_SessionNotFound(t *testing.T) {
	orch := buildSimpleOrchestrator(t, config.New())
	defer orch.Close()

	_, err := orch.Resume(context.Background(), "missing", "tok", nil, config.PrivilegeStandard, graph.CapabilitySet{})
	require.Error(t, err)
	var notFound *graph.SessionNotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestAntiRepetitionShortCircuit(t *testing.T) {
	orch := buildSimpleOrchestrator(t, config.New())
	defer orch.Close()

	_, handle, err := orch.StartTurn(context.Background(), "sess-1", "same question", config.PrivilegeStandard, graph.CapabilitySet{})
	require.NoError(t, err)
	env1, err := handle.Wait(context.Background())
	require.NoError(t, err)

	_, handle2, err := orch.StartTurn(context.Background(), "sess-1", "same question", config.PrivilegeStandard, graph.CapabilitySet{})
	require.NoError(t, err)
	env2, err := handle2.Wait(context.Background())
	require.NoError(t, err)

	require.Equal(t, env1.Data.Message, env2.Data.Message)
}

func TestInvokeWithRetry_RetriesTransientThenSucceeds(t *testing.T) {
	orch := New(store.NewMemStore(), config.New(), nil)
	defer orch.Close()

	attempts := 0
	flaky := graph.NodeFunc(func(state graph.GraphState, _ graph.CapabilitySet, nodeCtx *graph.NodeContext) (graph.NodeOutcome, error) {
		attempts++
		if attempts < 2 {
			return graph.NodeOutcome{State: state}, &graph.TransientError{Node: "flaky", Err: errors.New("temporary")}
		}
		return graph.NodeOutcome{State: state}, nil
	})

	desc := registry.NodeDescriptor{
		Name: "flaky", RequiredPrivilege: string(config.PrivilegeStandard), Enabled: true,
		Implementation: flaky,
		Policy: &graph.NodePolicy{
			Retry: &graph.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
		},
	}

	state := graph.NewGraphState("sess-1", time.Now())
	outcome, err := orch.invokeWithRetry(context.Background(), desc, state, graph.CapabilitySet{})
	require.NoError(t, err)
	require.Equal(t, 2, attempts)
	_ = outcome
}

func TestInvokeWithRetry_ExhaustsRetriesReturnsFatal(t *testing.T) {
	orch := New(store.NewMemStore(), config.New(), nil)
	defer orch.Close()

	always := graph.NodeFunc(func(state graph.GraphState, _ graph.CapabilitySet, _ *graph.NodeContext) (graph.NodeOutcome, error) {
		return graph.NodeOutcome{State: state}, &graph.TransientError{Node: "flaky", Err: errors.New("still down")}
	})

	desc := registry.NodeDescriptor{
		Name: "flaky", RequiredPrivilege: string(config.PrivilegeStandard), Enabled: true,
		Implementation: always,
		Policy: &graph.NodePolicy{
			Retry: &graph.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
		},
	}

	state := graph.NewGraphState("sess-1", time.Now())
	_, err := orch.invokeWithRetry(context.Background(), desc, state, graph.CapabilitySet{})
	require.Error(t, err)
	var fatal *graph.FatalNodeError
	require.ErrorAs(t, err, &fatal)
}

func TestCancel_NoOpForUnknownTraceID(t *testing.T) {
	orch := New(store.NewMemStore(), config.New(), nil)
	defer orch.Close()
	require.NoError(t, orch.Cancel(context.Background(), "sess-1", "no-such-trace"))
}
