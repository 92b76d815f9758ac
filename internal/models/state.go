// Package models defines data structures for the xflow pipeline client.
package models

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"sync"
)

// Patch is a set of state-field overlays keyed by JSON field name.
type Patch map[string]json.RawMessage

// Set marshals v and stores it under key.
func (p Patch) Set(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	p[key] = raw
	return nil
}

// PipelineState is the full business state of one remote job.
// Fields the client does not model are kept in Extra so that snapshots
// round-trip and merges never drop data.
type PipelineState struct {
	// From login
	LoginData   string          `json:"login_data,omitempty"`
	Proxy       string          `json:"proxy,omitempty"`
	Session     string          `json:"session,omitempty"`
	UserDetails json.RawMessage `json:"user_details,omitempty"`

	// From workflow start
	IsAutonomousMode     bool        `json:"is_autonomous_mode"`
	OutputDestination    string      `json:"output_destination,omitempty"`
	HasUserProvidedTopic bool        `json:"has_user_provided_topic"`
	UserProvidedTopic    string      `json:"user_provided_topic,omitempty"`
	XContentType         string      `json:"x_content_type,omitempty"`
	ContentLength        string      `json:"content_length,omitempty"`
	BrandVoice           string      `json:"brand_voice,omitempty"`
	TargetAudience       string      `json:"target_audience,omitempty"`
	UserConfig           *UserConfig `json:"user_config,omitempty"`

	// From graph execution
	TrendingTopics           []Trend           `json:"trending_topics,omitempty"`
	SelectedTopic            *Trend            `json:"selected_topic,omitempty"`
	TweetSearchResults       []Tweet           `json:"tweet_search_results,omitempty"`
	OpinionSummary           string            `json:"opinion_summary,omitempty"`
	OverallSentiment         string            `json:"overall_sentiment,omitempty"`
	TopicFromOpinionAnalysis string            `json:"topic_from_opinion_analysis,omitempty"`
	FinalDeepResearchReport  string            `json:"final_deep_research_report,omitempty"`
	SearchQuery              []string          `json:"search_query,omitempty"`
	WebResearchResult        []json.RawMessage `json:"web_research_result,omitempty"`
	SourcesGathered          []json.RawMessage `json:"sources_gathered,omitempty"`
	ResearchLoopCount        int               `json:"research_loop_count,omitempty"`
	ContentDraft             string            `json:"content_draft,omitempty"`
	ImagePrompts             []string          `json:"image_prompts,omitempty"`
	FinalContent             string            `json:"final_content,omitempty"`
	FinalImagePrompts        []string          `json:"final_image_prompts,omitempty"`
	GeneratedImages          []GeneratedImage  `json:"generated_images,omitempty"`
	PublicationID            string            `json:"publication_id,omitempty"`

	// State management
	ValidationResult   *ValidationDecision `json:"validation_result,omitempty"`
	CurrentStep        string              `json:"current_step,omitempty"`
	NextHumanInputStep string              `json:"next_human_input_step,omitempty"`
	ErrorMessage       string              `json:"error_message,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// pipelineStateFields has the same layout without the custom codec.
type pipelineStateFields PipelineState

var knownStateKeys = sync.OnceValue(func() map[string]struct{} {
	keys := make(map[string]struct{})
	t := reflect.TypeFor[pipelineStateFields]()
	for i := range t.NumField() {
		name, _, _ := strings.Cut(t.Field(i).Tag.Get("json"), ",")
		if name != "" && name != "-" {
			keys[name] = struct{}{}
		}
	}
	return keys
})

// MarshalJSON writes the modelled fields followed by any unmodelled ones.
// A modelled key held in Extra was kept verbatim on decode and wins.
func (s PipelineState) MarshalJSON() ([]byte, error) {
	b, err := json.Marshal(pipelineStateFields(s))
	if err != nil || len(s.Extra) == 0 {
		return b, err
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	for k, v := range s.Extra {
		m[k] = v
	}
	return json.Marshal(m)
}

// UnmarshalJSON decodes modelled fields and keeps the rest in Extra.
// A modelled field whose value has an unexpected shape is kept in Extra
// as well, so one odd field never discards the whole state.
func (s *PipelineState) UnmarshalJSON(b []byte) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}

	known := knownStateKeys()
	extra := make(map[string]json.RawMessage)
	for k, v := range m {
		if _, ok := known[k]; !ok {
			extra[k] = v
			delete(m, k)
		}
	}

	var f pipelineStateFields
	if err := json.Unmarshal(b, &f); err != nil {
		for k, v := range m {
			if checkField(k, v) != nil {
				extra[k] = v
				delete(m, k)
			}
		}
		clean, err := json.Marshal(m)
		if err != nil {
			return err
		}
		f = pipelineStateFields{}
		if err := json.Unmarshal(clean, &f); err != nil {
			return err
		}
	}

	if len(extra) > 0 {
		f.Extra = extra
	} else {
		f.Extra = nil
	}
	*s = PipelineState(f)
	return nil
}

// checkField reports whether raw decodes into the modelled field key.
func checkField(key string, raw json.RawMessage) error {
	obj, err := json.Marshal(map[string]json.RawMessage{key: raw})
	if err != nil {
		return err
	}
	var f pipelineStateFields
	return json.Unmarshal(obj, &f)
}

// Fields returns the state as a map of JSON field name to raw value.
func (s *PipelineState) Fields() (map[string]json.RawMessage, error) {
	m := make(map[string]json.RawMessage)
	if s == nil {
		return m, nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal state: %w", err)
	}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("unmarshal state fields: %w", err)
	}
	return m, nil
}

// Merge returns a new state with patch applied as a shallow overlay.
// Patch keys replace same-named fields; every other field is kept.
// A patch value that does not fit its modelled field is an error.
// The receiver is not modified.
func (s *PipelineState) Merge(patch Patch) (*PipelineState, error) {
	m, err := s.Fields()
	if err != nil {
		return nil, err
	}
	known := knownStateKeys()
	for k, v := range patch {
		if _, ok := known[k]; ok {
			if err := checkField(k, v); err != nil {
				return nil, fmt.Errorf("apply patch: %s: %w", k, err)
			}
		}
		m[k] = v
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal merged state: %w", err)
	}
	var out PipelineState
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("apply patch: %w", err)
	}
	return &out, nil
}

// Clone returns a deep copy of the state. A nil state clones to nil.
func (s *PipelineState) Clone() *PipelineState {
	if s == nil {
		return nil
	}
	out, err := s.Merge(nil)
	if err != nil {
		cp := *s
		return &cp
	}
	return out
}

// AwaitingHuman reports whether the pipeline is blocked on a human decision.
func (s *PipelineState) AwaitingHuman() bool {
	return s != nil && s.NextHumanInputStep != ""
}
