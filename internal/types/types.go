// Package types defines the persistent entities shared by the aggregation
// and merge engines: news items, events, and the relations between them.
package types

import "time"

// Sentiment is the coarse emotional polarity an LLM assigns to an Event.
type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNeutral  Sentiment = "neutral"
	SentimentNegative Sentiment = "negative"
)

// EventStatus tracks an Event's position in the aggregation/merge lifecycle.
type EventStatus int

const (
	EventStatusActive EventStatus = 1
	EventStatusMerged EventStatus = 2
	EventStatusDeleted EventStatus = 3
)

func (s EventStatus) String() string {
	switch s {
	case EventStatusActive:
		return "active"
	case EventStatusMerged:
		return "merged"
	case EventStatusDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// RelationType distinguishes how a NewsEventRelation or EventHistoryRelation
// came to exist.
type RelationType string

const (
	RelationAssignedExisting RelationType = "assigned_to_existing"
	RelationAssignedNew      RelationType = "assigned_to_new"
	RelationBatchMerge       RelationType = "batch_merge"
	RelationContinuation     RelationType = "continuation"
	RelationEvolution        RelationType = "evolution"
)

// NewsItem is input-only to the core: it is produced by upstream crawlers
// and never mutated by the aggregation/merge pipeline.
type NewsItem struct {
	ID          int64
	SourceType  string
	Title       string
	Body        string
	CityName    string
	FirstSeenAt time.Time
	URL         string
}

// Event is the aggregated record an LLM believes describes one underlying
// happening, built from one or more NewsItems.
type Event struct {
	ID             int64
	Title          string
	Description    string
	EventType      string
	Sentiment      Sentiment
	Entities       string // opaque JSON; storage.NormalizeEntities can validate such a value
	Regions        string // comma-joined, de-duplicated
	Keywords       string // comma-joined, de-duplicated
	Confidence     float64
	Priority       int
	NewsCount      int
	FirstNewsTime  time.Time
	LastNewsTime   time.Time
	Status         EventStatus
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// NewsEventRelation associates a NewsItem with the Event it was assigned to.
// The (NewsID, EventID) pair is unique — this is the idempotency boundary
// the whole pipeline relies on.
type NewsEventRelation struct {
	ID           int64
	NewsID       int64
	EventID      int64
	RelationType RelationType
	Confidence   float64
	CreatedAt    time.Time
}

// EventHistoryRelation records that ChildEventID was absorbed into
// ParentEventID by a merge operation.
type EventHistoryRelation struct {
	ID             int64
	ParentEventID  int64
	ChildEventID   int64
	RelationType   RelationType
	Confidence     float64
	Description    string
	CreatedAt      time.Time
}

// ProcessingLog is the run record the Aggregation Engine writes at the end of
// a run. The Merge Engine does not write one.
type ProcessingLog struct {
	ID             int64
	TaskType       string
	TaskID         string
	StartTime      time.Time
	EndTime        time.Time
	Status         string
	Total          int
	Success        int
	Failed         int
	ErrorMessage   string
	ConfigSnapshot string // JSON
}
