package models

import "encoding/json"

// EventKind discriminates pipeline lifecycle events.
type EventKind string

// Event kinds emitted by the remote pipeline. Only stage start and end
// affect client state; the rest are recorded in the log.
const (
	StageStarted     EventKind = "on_chain_start"
	StageEnded       EventKind = "on_chain_end"
	ToolStarted      EventKind = "on_tool_start"
	ToolEnded        EventKind = "on_tool_end"
	LLMStarted       EventKind = "on_llm_start"
	LLMStream        EventKind = "on_llm_stream"
	LLMEnded         EventKind = "on_llm_end"
	RetrieverStarted EventKind = "on_retriever_start"
	RetrieverEnded   EventKind = "on_retriever_end"
)

// EventData carries stage-specific payloads.
type EventData struct {
	Input  json.RawMessage `json:"input,omitempty"`
	Output json.RawMessage `json:"output,omitempty"`
	Chunk  json.RawMessage `json:"chunk,omitempty"`
}

// PipelineEvent is one lifecycle transition of one named stage invocation.
type PipelineEvent struct {
	Kind     EventKind      `json:"event"`
	Name     string         `json:"name"`
	RunID    string         `json:"run_id"`
	Tags     []string       `json:"tags,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Data     EventData      `json:"data"`
}

// LatestByRun collapses events sharing a run_id to the last one seen.
// Runs are ordered by the position of their first event.
func LatestByRun(events []PipelineEvent) []PipelineEvent {
	index := make(map[string]int, len(events))
	out := make([]PipelineEvent, 0, len(events))
	for _, e := range events {
		if i, ok := index[e.RunID]; ok {
			out[i] = e
			continue
		}
		index[e.RunID] = len(out)
		out = append(out, e)
	}
	return out
}
