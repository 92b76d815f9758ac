package reducer

import (
	"encoding/json"
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/raphaelgruber/xflow/internal/models"
)

// Extractor maps a stage's output payload to state-field overlays.
// Keys absent from the output are left out of the patch.
type Extractor func(output json.RawMessage) (models.Patch, error)

// Defaults for the terminal publish stage.
const (
	DefaultTerminalStage  = "publicator"
	DefaultTerminalMarker = "END"
)

// Table maps stage names to extraction rules and carries the stage order
// used to derive progress.
type Table struct {
	extractors     map[string]Extractor
	order          []string
	terminalStage  string
	terminalMarker string
}

// DefaultTable returns the stage table for the current remote pipeline.
func DefaultTable() *Table {
	return &Table{
		extractors: map[string]Extractor{
			"trend_harvester": typed[[]models.Trend]("trending_topics", "trending_topics"),
			"tweet_searcher":  typed[[]models.Tweet]("tweets", "tweet_search_results"),
			"opinion_analyzer": combine(
				typed[string]("opinion_summary", "opinion_summary"),
				typed[string]("overall_sentiment", "overall_sentiment"),
				typed[string]("topic_from_opinion_analysis", "topic_from_opinion_analysis"),
			),
			"query_generator": extractQueries,
			"web_research": combine(
				typed[[]json.RawMessage]("sources_gathered", "sources_gathered"),
				typed[[]json.RawMessage]("web_research_result", "web_research_result"),
			),
			"reflection": typed[int]("research_loop_count", "research_loop_count"),
			"finalize_answer": combine(
				typed[string]("final_deep_research_report", "final_deep_research_report"),
				typed[[]json.RawMessage]("sources_gathered", "sources_gathered"),
			),
			"writer": combine(
				typed[string]("content_draft", "content_draft"),
				typed[[]string]("image_prompts", "image_prompts"),
			),
			"quality_assurer": combine(
				typed[string]("final_content", "final_content"),
				typed[[]string]("final_image_prompts", "final_image_prompts"),
			),
			"image_generator": typed[[]models.GeneratedImage]("images", "generated_images"),
			"publicator":      typed[string]("publication_id", "publication_id"),
		},
		order: []string{
			"trend_harvester",
			"await_topic_selection",
			"tweet_searcher",
			"opinion_analyzer",
			"query_generator",
			"web_research",
			"reflection",
			"finalize_answer",
			"writer",
			"quality_assurer",
			"await_content_validation",
			"image_generator",
			"await_image_validation",
			"publicator",
		},
		terminalStage:  DefaultTerminalStage,
		terminalMarker: DefaultTerminalMarker,
	}
}

// TerminalStage is the stage whose end completes the pipeline.
func (t *Table) TerminalStage() string { return t.terminalStage }

// TerminalMarker is the current_step value of a completed pipeline.
func (t *Table) TerminalMarker() string { return t.terminalMarker }

// Stages returns the ordered stage names.
func (t *Table) Stages() []string { return slices.Clone(t.order) }

// Extract runs the rule for stage. ok is false if the stage has no rule.
func (t *Table) Extract(stage string, output json.RawMessage) (patch models.Patch, ok bool, err error) {
	fn, ok := t.extractors[stage]
	if !ok {
		return nil, false, nil
	}
	patch, err = fn(output)
	return patch, true, err
}

// IsTerminal reports whether the state has reached the terminal marker.
func (t *Table) IsTerminal(s *models.PipelineState) bool {
	return s != nil && s.CurrentStep == t.terminalMarker
}

// Progress derives a 0-100 completion estimate from the furthest known stage.
func (t *Table) Progress(s *models.PipelineState, events []models.PipelineEvent) int {
	if t.IsTerminal(s) {
		return 100
	}
	if len(t.order) == 0 {
		return 0
	}
	furthest := -1
	if s != nil {
		furthest = slices.Index(t.order, s.CurrentStep)
	}
	for _, e := range events {
		if e.Kind != models.StageEnded {
			continue
		}
		if i := slices.Index(t.order, e.Name); i > furthest {
			furthest = i
		}
	}
	if furthest < 0 {
		return 0
	}
	return (furthest + 1) * 100 / len(t.order)
}

func outputFields(output json.RawMessage) (map[string]json.RawMessage, error) {
	var m map[string]json.RawMessage
	if len(output) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(output, &m); err != nil {
		return nil, fmt.Errorf("stage output: %w", err)
	}
	return m, nil
}

// typed copies output[src] to dst after checking it decodes as T.
func typed[T any](src, dst string) Extractor {
	return func(output json.RawMessage) (models.Patch, error) {
		fields, err := outputFields(output)
		if err != nil {
			return nil, err
		}
		raw, ok := fields[src]
		if !ok {
			return models.Patch{}, nil
		}
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("field %s: %w", src, err)
		}
		patch := models.Patch{}
		if err := patch.Set(dst, v); err != nil {
			return nil, err
		}
		return patch, nil
	}
}

// copyField copies output[src] to dst without type checking.
func copyField(src, dst string) Extractor {
	return func(output json.RawMessage) (models.Patch, error) {
		fields, err := outputFields(output)
		if err != nil {
			return nil, err
		}
		patch := models.Patch{}
		if raw, ok := fields[src]; ok {
			patch[dst] = raw
		}
		return patch, nil
	}
}

func combine(fns ...Extractor) Extractor {
	return func(output json.RawMessage) (models.Patch, error) {
		patch := models.Patch{}
		for _, fn := range fns {
			p, err := fn(output)
			if err != nil {
				return nil, err
			}
			for k, v := range p {
				patch[k] = v
			}
		}
		return patch, nil
	}
}

// extractQueries accepts query_list items either as plain strings or as
// objects with a "query" field.
func extractQueries(output json.RawMessage) (models.Patch, error) {
	fields, err := outputFields(output)
	if err != nil {
		return nil, err
	}
	raw, ok := fields["query_list"]
	if !ok {
		return models.Patch{}, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("field query_list: %w", err)
	}
	queries := make([]string, 0, len(items))
	for _, item := range items {
		var q string
		if err := json.Unmarshal(item, &q); err == nil {
			queries = append(queries, q)
			continue
		}
		var obj struct {
			Query string `json:"query"`
		}
		if err := json.Unmarshal(item, &obj); err != nil {
			return nil, fmt.Errorf("field query_list: %w", err)
		}
		queries = append(queries, obj.Query)
	}
	patch := models.Patch{}
	if err := patch.Set("search_query", queries); err != nil {
		return nil, err
	}
	return patch, nil
}

// tableFile is the YAML layout read by LoadTable.
type tableFile struct {
	TerminalStage  string               `yaml:"terminal_stage"`
	TerminalMarker string               `yaml:"terminal_marker"`
	Order          []string             `yaml:"order"`
	Stages         map[string]stageRule `yaml:"stages"`
}

type stageRule struct {
	// Fields maps output keys to state keys.
	Fields   map[string]string `yaml:"fields"`
	Disabled bool              `yaml:"disabled"`
}

// LoadTable reads stage overrides from a YAML file and layers them over
// DefaultTable. A stage listed with fields replaces the built-in rule.
func LoadTable(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read stage table: %w", err)
	}
	return ParseTable(data)
}

// ParseTable is LoadTable for in-memory YAML.
func ParseTable(data []byte) (*Table, error) {
	var f tableFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse stage table: %w", err)
	}

	t := DefaultTable()
	if f.TerminalStage != "" {
		t.terminalStage = f.TerminalStage
	}
	if f.TerminalMarker != "" {
		t.terminalMarker = f.TerminalMarker
	}
	if len(f.Order) > 0 {
		t.order = slices.Clone(f.Order)
	}

	for stage, rule := range f.Stages {
		if rule.Disabled {
			delete(t.extractors, stage)
			continue
		}
		if len(rule.Fields) == 0 {
			return nil, fmt.Errorf("stage %q: no fields", stage)
		}
		fns := make([]Extractor, 0, len(rule.Fields))
		for src, dst := range rule.Fields {
			if src == "" || dst == "" {
				return nil, fmt.Errorf("stage %q: empty field mapping", stage)
			}
			fns = append(fns, copyField(src, dst))
		}
		t.extractors[stage] = combine(fns...)
	}
	return t, nil
}
