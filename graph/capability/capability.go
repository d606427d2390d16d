// Package capability defines the handles a node type-asserts out of its
// CapabilitySet, and thin adapters wiring them onto the provider-neutral
// LLM and tool abstractions (graph/model.ChatModel, graph/tool.Tool).
package capability

import (
	"context"

	"github.com/flowmesh/agentgraph/graph/model"
	"github.com/flowmesh/agentgraph/graph/tool"
)

// Well-known capability-set keys a NodeDescriptor.RequiredCapabilities
// entry may name and a node looks up in its CapabilitySet.
const (
	KeyLLMClient      = "llm_client"
	KeyToolInvoker    = "tool_invoker"
	KeyDataRepository = "data_repository"
	KeyFileSandbox    = "file_sandbox"
)

// LLMClient is the capability an AgentNode uses to converse with a
// language model. It is satisfied directly by graph/model.ChatModel —
// ChatModelAdapter below wraps one with cost tracking.
type LLMClient interface {
	Chat(ctx context.Context, messages []model.Message, tools []model.ToolSpec) (model.ChatOut, error)
}

// ToolInvoker is the capability a node uses to run a named tool.
type ToolInvoker interface {
	Invoke(ctx context.Context, name string, input map[string]interface{}) (map[string]interface{}, error)
}

// DataRepository is the capability a node uses to read or write durable
// application data outside of GraphState (e.g. a knowledge base lookup
// for the document/database intents).
type DataRepository interface {
	Get(ctx context.Context, collection, key string) (map[string]interface{}, error)
	Put(ctx context.Context, collection, key string, value map[string]interface{}) error
	Query(ctx context.Context, collection string, filter map[string]interface{}) ([]map[string]interface{}, error)
}

// FileSandbox is the capability a node uses to read or write files
// inside a constrained workspace, e.g. for a code or document agent.
type FileSandbox interface {
	ReadFile(ctx context.Context, path string) ([]byte, error)
	WriteFile(ctx context.Context, path string, data []byte) error
	ListFiles(ctx context.Context, dir string) ([]string, error)
}

// ChatModelAdapter adapts a model.ChatModel into an LLMClient that
// records every call's token usage and cost through a CostTracker.
// graph/model.ChatOut carries no usage field, so token counts come
// only from TokenEstimator; when it is nil, each call is recorded with
// zero input and output tokens (and therefore zero cost).
type ChatModelAdapter struct {
	Model          model.ChatModel
	ModelName      string
	NodeID         string
	Tracker        *CostTracker
	TokenEstimator func(messages []model.Message, out model.ChatOut) (inputTokens, outputTokens int)
}

// Chat delegates to the wrapped model.ChatModel and records the call's
// cost, if a CostTracker is attached.
func (a *ChatModelAdapter) Chat(ctx context.Context, messages []model.Message, tools []model.ToolSpec) (model.ChatOut, error) {
	out, err := a.Model.Chat(ctx, messages, tools)
	if err != nil || a.Tracker == nil {
		return out, err
	}
	inputTokens, outputTokens := 0, 0
	if a.TokenEstimator != nil {
		inputTokens, outputTokens = a.TokenEstimator(messages, out)
	}
	_ = a.Tracker.RecordLLMCall(a.ModelName, inputTokens, outputTokens, a.NodeID)
	return out, nil
}

// ToolRegistryAdapter adapts a set of named graph/tool.Tool values into
// a ToolInvoker.
type ToolRegistryAdapter struct {
	Tools map[string]tool.Tool
}

// NewToolRegistryAdapter indexes tools by their Name().
func NewToolRegistryAdapter(tools ...tool.Tool) *ToolRegistryAdapter {
	reg := &ToolRegistryAdapter{Tools: make(map[string]tool.Tool, len(tools))}
	for _, t := range tools {
		reg.Tools[t.Name()] = t
	}
	return reg
}

// Invoke runs the named tool, returning an error if it isn't registered.
func (r *ToolRegistryAdapter) Invoke(ctx context.Context, name string, input map[string]interface{}) (map[string]interface{}, error) {
	t, ok := r.Tools[name]
	if !ok {
		return nil, &ToolNotFoundError{Name: name}
	}
	return t.Call(ctx, input)
}

// ToolNotFoundError is returned by ToolRegistryAdapter.Invoke for an
// unregistered tool name.
type ToolNotFoundError struct {
	Name string
}

func (e *ToolNotFoundError) Error() string {
	return "capability: tool not found: " + e.Name
}
