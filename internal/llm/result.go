package llm

import "github.com/mosliu/hot-list-aggregation/internal/types"

// ExistingEventAssignment is one entry of an AggregationResult's
// existing_events array: news assigned to an event already in the context
// set handed to the LLM.
type ExistingEventAssignment struct {
	EventID    int64   `json:"event_id"`
	NewsIDs    []int64 `json:"news_ids"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

// NewEventProposal is one entry of an AggregationResult's new_events array:
// news the LLM believes should form a brand new event.
type NewEventProposal struct {
	NewsIDs    []int64  `json:"news_ids"`
	Title      string   `json:"title"`
	Summary    string   `json:"summary"`
	EventType  string   `json:"event_type"`
	Region     string   `json:"region"`
	Tags       []string `json:"tags"`
	Confidence float64  `json:"confidence"`
	Priority   int      `json:"priority"`
	Sentiment  string   `json:"sentiment"`
}

// AggregationResult is the parsed, typed form of the aggregation prompt's
// JSON response (spec.md §4.2) — the sum-type re-architecture spec.md §9
// calls for in place of the source's dynamic dict-typed results.
type AggregationResult struct {
	ExistingEvents []ExistingEventAssignment `json:"existing_events"`
	NewEvents      []NewEventProposal        `json:"new_events"`
}

// MergeSuggestion is one entry of a BatchMergeResult's merge_suggestions
// array.
type MergeSuggestion struct {
	GroupID          string                 `json:"group_id"`
	EventsToMerge    []int64                `json:"events_to_merge"`
	PrimaryEventID   int64                  `json:"primary_event_id"`
	Confidence       float64                `json:"confidence"`
	Reason           string                 `json:"reason"`
	MergedTitle      string                 `json:"merged_title"`
	MergedDescription string                `json:"merged_description"`
	MergedKeywords   []string               `json:"merged_keywords"`
	MergedRegions    []string               `json:"merged_regions"`
	Analysis         map[string]interface{} `json:"analysis"`
}

// BatchMergeResult is the parsed form of the batch-merge prompt's JSON
// response.
type BatchMergeResult struct {
	MergeSuggestions []MergeSuggestion `json:"merge_suggestions"`
	AnalysisSummary  string            `json:"analysis_summary"`
}

// ValidationOutcome is the result of validate_and_fix (spec.md §4.4): the
// sum-type {Valid | Partial{fixed, missing} | Invalid} spec.md §9 calls for,
// expressed as one struct that Dispatcher.ProcessBatch switches on via
// IsValid / len(MissingNews).
type ValidationOutcome struct {
	IsValid     bool
	Fixed       AggregationResult
	MissingNews []int64
	ExtraIDs    []int64
	Message     string
}

// ValidateAndFix implements the validator contract of spec.md §4.4 against
// a parsed AggregationResult for the given input news batch.
func ValidateAndFix(batch []types.NewsItem, result AggregationResult) ValidationOutcome {
	input := make(map[int64]struct{}, len(batch))
	for _, n := range batch {
		input[n.ID] = struct{}{}
	}

	processed := make(map[int64]struct{})
	for _, e := range result.ExistingEvents {
		for _, id := range e.NewsIDs {
			processed[id] = struct{}{}
		}
	}
	for _, e := range result.NewEvents {
		for _, id := range e.NewsIDs {
			processed[id] = struct{}{}
		}
	}

	var missing, extra []int64
	for id := range input {
		if _, ok := processed[id]; !ok {
			missing = append(missing, id)
		}
	}
	for id := range processed {
		if _, ok := input[id]; !ok {
			extra = append(extra, id)
		}
	}

	fixed := dropExtraIDs(result, input)

	outcome := ValidationOutcome{
		Fixed:       fixed,
		MissingNews: missing,
		ExtraIDs:    extra,
	}
	if len(missing) == 0 {
		outcome.IsValid = true
	} else {
		outcome.Message = "LLM response omitted some input news ids"
	}
	return outcome
}

// dropExtraIDs removes any news id not present in input from the result,
// removing any event entry whose news_ids becomes empty as a consequence.
func dropExtraIDs(result AggregationResult, input map[int64]struct{}) AggregationResult {
	fixed := AggregationResult{}

	for _, e := range result.ExistingEvents {
		kept := filterIDs(e.NewsIDs, input)
		if len(kept) == 0 {
			continue
		}
		e.NewsIDs = kept
		fixed.ExistingEvents = append(fixed.ExistingEvents, e)
	}
	for _, e := range result.NewEvents {
		kept := filterIDs(e.NewsIDs, input)
		if len(kept) == 0 {
			continue
		}
		e.NewsIDs = kept
		fixed.NewEvents = append(fixed.NewEvents, e)
	}
	return fixed
}

func filterIDs(ids []int64, allow map[int64]struct{}) []int64 {
	var out []int64
	for _, id := range ids {
		if _, ok := allow[id]; ok {
			out = append(out, id)
		}
	}
	return out
}
