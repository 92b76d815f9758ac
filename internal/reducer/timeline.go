package reducer

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/raphaelgruber/xflow/internal/models"
)

// StepStatus is the display status of one stage invocation.
type StepStatus string

const (
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
)

// TimelineEntry summarizes the latest event of one stage invocation.
type TimelineEntry struct {
	RunID       string
	Stage       string
	Title       string
	Description string
	Status      StepStatus
}

var stageTitles = map[string]string{
	"trend_harvester":          "Trend Harvesting",
	"tweet_searcher":           "Tweet Searching",
	"opinion_analyzer":         "Opinion Analysis",
	"query_generator":          "Generating Search Queries",
	"web_research":             "Web Research",
	"reflection":               "Reflection",
	"finalize_answer":          "Finalizing Deep Research",
	"writer":                   "Content Writing",
	"quality_assurer":          "Quality Assurance",
	"image_generator":          "Image Generation",
	"publicator":               "Publishing",
	"await_topic_selection":    "Awaiting Topic Selection",
	"await_content_validation": "Awaiting Content Validation",
	"await_image_validation":   "Awaiting Image Validation",
}

// Timeline deduplicates stage events by run_id and describes each one.
// Only stage start/end events are included.
func Timeline(events []models.PipelineEvent) []TimelineEntry {
	var stages []models.PipelineEvent
	for _, e := range events {
		if e.Kind == models.StageStarted || e.Kind == models.StageEnded {
			stages = append(stages, e)
		}
	}
	latest := models.LatestByRun(stages)
	out := make([]TimelineEntry, 0, len(latest))
	for _, e := range latest {
		out = append(out, Describe(e))
	}
	return out
}

// Describe renders a single stage event.
func Describe(e models.PipelineEvent) TimelineEntry {
	entry := TimelineEntry{
		RunID:       e.RunID,
		Stage:       e.Name,
		Title:       "Processing...",
		Description: "Running: " + e.Name,
		Status:      StepCompleted,
	}
	if e.Kind == models.StageStarted && !strings.HasPrefix(e.Name, "await_") {
		entry.Status = StepRunning
	}
	if title, ok := stageTitles[e.Name]; ok {
		entry.Title = title
	}
	if entry.Status != StepCompleted {
		return entry
	}

	var out map[string]json.RawMessage
	_ = json.Unmarshal(e.Data.Output, &out)

	switch e.Name {
	case "trend_harvester":
		var trends []models.Trend
		_ = json.Unmarshal(out["trending_topics"], &trends)
		names := make([]string, len(trends))
		for i, t := range trends {
			names[i] = t.Name
		}
		entry.Description = fmt.Sprintf("Gathered %d trending topics: %s.", len(trends), strings.Join(names, ", "))
	case "tweet_searcher":
		var tweets []json.RawMessage
		_ = json.Unmarshal(out["tweets"], &tweets)
		entry.Description = fmt.Sprintf("Found %d tweets.", len(tweets))
	case "opinion_analyzer":
		sentiment := "N/A"
		_ = json.Unmarshal(out["overall_sentiment"], &sentiment)
		entry.Description = fmt.Sprintf("Analyzed opinions. Overall sentiment: %s.", sentiment)
	case "web_research":
		var sources []json.RawMessage
		_ = json.Unmarshal(out["sources_gathered"], &sources)
		entry.Description = fmt.Sprintf("Gathered %d sources.", len(sources))
	case "finalize_answer":
		entry.Description = "Finalized deep research report."
	case "writer":
		entry.Description = "Drafted content and image prompts."
	case "quality_assurer":
		entry.Description = "Content and prompts reviewed for quality."
	case "image_generator":
		var images []models.GeneratedImage
		_ = json.Unmarshal(out["images"], &images)
		entry.Description = fmt.Sprintf("Generated %d images.", len(images))
	case "publicator":
		entry.Description = "Content published."
	}
	return entry
}
