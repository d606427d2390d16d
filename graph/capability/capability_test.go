package capability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowmesh/agentgraph/graph/model"
	"github.com/flowmesh/agentgraph/graph/tool"
)

type stubChatModel struct {
	out model.ChatOut
	err error
}

func (s *stubChatModel) Chat(_ context.Context, _ []model.Message, _ []model.ToolSpec) (model.ChatOut, error) {
	return s.out, s.err
}

func TestChatModelAdapter_RecordsCostViaEstimator(t *testing.T) {
	tracker := NewCostTracker("sess-1", "USD")
	adapter := &ChatModelAdapter{
		Model:     &stubChatModel{out: model.ChatOut{Text: "hello"}},
		ModelName: "gpt-4o",
		NodeID:    "respond",
		Tracker:   tracker,
		TokenEstimator: func(_ []model.Message, _ model.ChatOut) (int, int) {
			return 100, 50
		},
	}

	out, err := adapter.Chat(context.Background(), nil, nil)
	require.NoError(t, err)
	require.Equal(t, "hello", out.Text)
	require.Equal(t, 1, len(tracker.GetCallHistory()))
	require.Greater(t, tracker.GetTotalCost(), 0.0)
}

func TestChatModelAdapter_NoTrackerSkipsCostRecording(t *testing.T) {
	adapter := &ChatModelAdapter{Model: &stubChatModel{out: model.ChatOut{Text: "hi"}}}
	out, err := adapter.Chat(context.Background(), nil, nil)
	require.NoError(t, err)
	require.Equal(t, "hi", out.Text)
}

func TestChatModelAdapter_PropagatesErrorWithoutRecording(t *testing.T) {
	tracker := NewCostTracker("sess-1", "USD")
	adapter := &ChatModelAdapter{
		Model:   &stubChatModel{err: context.DeadlineExceeded},
		Tracker: tracker,
	}
	_, err := adapter.Chat(context.Background(), nil, nil)
	require.Error(t, err)
	require.Equal(t, 0.0, tracker.GetTotalCost())
}

type stubTool struct {
	name   string
	output map[string]interface{}
	err    error
}

func (s *stubTool) Name() string { return s.name }

func (s *stubTool) Call(_ context.Context, _ map[string]interface{}) (map[string]interface{}, error) {
	return s.output, s.err
}

func TestToolRegistryAdapter_InvokeKnownTool(t *testing.T) {
	reg := NewToolRegistryAdapter(&stubTool{name: "get_weather", output: map[string]interface{}{"ok": true}})

	out, err := reg.Invoke(context.Background(), "get_weather", nil)
	require.NoError(t, err)
	require.Equal(t, true, out["ok"])
}

func TestToolRegistryAdapter_InvokeUnknownTool(t *testing.T) {
	reg := NewToolRegistryAdapter()
	_, err := reg.Invoke(context.Background(), "missing", nil)
	require.Error(t, err)
	var notFound *ToolNotFoundError
	require.ErrorAs(t, err, &notFound)
}

var _ tool.Tool = (*stubTool)(nil)
