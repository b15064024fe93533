// Package prompt renders the two LLM prompt templates the pipeline uses —
// aggregation and batch-merge — the way internal/compact/haiku.go in the
// teacher rendered its tier1 summarization prompt: a parsed text/template
// executed against a small data struct, with no other business logic
// living in this package. Tests assert on substrings and structure of the
// rendered string, never on LLM behavior.
package prompt

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/mosliu/hot-list-aggregation/internal/types"
)

var (
	aggregationTmpl = template.Must(template.New("aggregation").Parse(aggregationTemplate))
	batchMergeTmpl  = template.Must(template.New("batchMerge").Parse(batchMergeTemplate))
)

type aggregationNewsView struct {
	ID       int64
	Source   string
	Title    string
	Body     string
	City     string
	SeenAt   string
}

type aggregationEventView struct {
	ID          int64
	Title       string
	Description string
	Regions     string
	Keywords    string
}

type aggregationData struct {
	News   []aggregationNewsView
	Events []aggregationEventView
}

// Aggregation renders the prompt the LLM Dispatcher sends for one
// aggregation batch: news, candidate context events, and a strict JSON
// response contract demanding every input news id appear in exactly one of
// existing_events/new_events (spec.md §4.2).
func Aggregation(news []types.NewsItem, context []types.Event) string {
	data := aggregationData{
		News:   make([]aggregationNewsView, 0, len(news)),
		Events: make([]aggregationEventView, 0, len(context)),
	}
	for _, n := range news {
		data.News = append(data.News, aggregationNewsView{
			ID:     n.ID,
			Source: n.SourceType,
			Title:  n.Title,
			Body:   truncate(n.Body, 500),
			City:   n.CityName,
			SeenAt: n.FirstSeenAt.Format("2006-01-02 15:04:05"),
		})
	}
	for _, e := range context {
		data.Events = append(data.Events, aggregationEventView{
			ID:          e.ID,
			Title:       e.Title,
			Description: truncate(e.Description, 300),
			Regions:     e.Regions,
			Keywords:    e.Keywords,
		})
	}

	var sb strings.Builder
	if err := aggregationTmpl.Execute(&sb, data); err != nil {
		panic(fmt.Sprintf("prompt: aggregation template: %v", err))
	}
	return sb.String()
}

type batchMergeEventView struct {
	ID        int64
	Title     string
	Description string
	Regions   string
	Keywords  string
	NewsCount int
	CreatedAt string
}

// BatchMerge renders the single prompt the Merge Engine sends for a batch
// of recent active events, requesting merge_suggestions grouped by
// duplicate/continuation relationships (spec.md §4.2).
func BatchMerge(events []types.Event) string {
	views := make([]batchMergeEventView, 0, len(events))
	for _, e := range events {
		views = append(views, batchMergeEventView{
			ID:          e.ID,
			Title:       e.Title,
			Description: truncate(e.Description, 300),
			Regions:     e.Regions,
			Keywords:    e.Keywords,
			NewsCount:   e.NewsCount,
			CreatedAt:   e.CreatedAt.Format("2006-01-02 15:04:05"),
		})
	}

	var sb strings.Builder
	if err := batchMergeTmpl.Execute(&sb, struct{ Events []batchMergeEventView }{views}); err != nil {
		panic(fmt.Sprintf("prompt: batch-merge template: %v", err))
	}
	return sb.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

const aggregationTemplate = `You are clustering hot-topic news into events. You will be given a list of
NEWS ITEMS and a list of CONTEXT EVENTS (existing clusters). For each news
item, decide whether it belongs to one of the context events or should form
a new event together with other unassigned news items.

CONTEXT EVENTS:
{{range .Events}}- event_id={{.ID}} title="{{.Title}}" regions="{{.Regions}}" keywords="{{.Keywords}}"
  {{.Description}}
{{end}}
NEWS ITEMS:
{{range .News}}- news_id={{.ID}} source={{.Source}} city="{{.City}}" seen_at={{.SeenAt}}
  title: {{.Title}}
  body: {{.Body}}
{{end}}

IMPORTANT: every input news id must appear in EXACTLY ONE of the two arrays
below — either assigned to an existing event or assigned to a brand new
event. Do not leave any news id unassigned and do not duplicate a news id
across entries.

Respond with STRICT JSON only, no prose, no markdown fences, matching this
shape exactly:

{
  "existing_events": [
    {"event_id": <int>, "news_ids": [<int>, ...], "confidence": <0..1>, "reason": "<short>"}
  ],
  "new_events": [
    {
      "news_ids": [<int>, ...],
      "title": "<short title>",
      "summary": "<1-2 sentence summary>",
      "event_type": "<category>",
      "region": "<comma-joined region names>",
      "tags": ["<keyword>", ...],
      "confidence": <0..1>,
      "priority": <1-5>,
      "sentiment": "positive|neutral|negative"
    }
  ]
}
`

const batchMergeTemplate = `You are deduplicating hot-topic events. You will be given a list of recent
EVENTS. Identify groups of events that describe the same underlying
happening (duplicates, continuations, or evolutions of one story) and should
be merged into a single surviving event.

EVENTS:
{{range .Events}}- event_id={{.ID}} created_at={{.CreatedAt}} news_count={{.NewsCount}} regions="{{.Regions}}" keywords="{{.Keywords}}"
  title: {{.Title}}
  {{.Description}}
{{end}}

For each group you find, the primary_event_id MUST be the earliest-created
event in the group (by created_at).

Respond with STRICT JSON only, no prose, no markdown fences, matching this
shape exactly:

{
  "merge_suggestions": [
    {
      "group_id": "<short id>",
      "events_to_merge": [<int>, ...],
      "primary_event_id": <int>,
      "confidence": <0..1>,
      "reason": "<short>",
      "merged_title": "<title>",
      "merged_description": "<description>",
      "merged_keywords": ["<keyword>", ...],
      "merged_regions": ["<region>", ...],
      "analysis": {}
    }
  ],
  "analysis_summary": "<short overall summary>"
}
`
