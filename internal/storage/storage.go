// Package storage defines the Persistence Contract (spec.md §3) and the
// MySQL DSN helpers; the MySQL-backed implementation lives in storage/mysql.
package storage

import (
	"context"
	"time"

	"github.com/mosliu/hot-list-aggregation/internal/types"
)

// UnprocessedNewsFilter narrows the Aggregation Engine's selection of
// candidate news (spec.md §4.5): news with first_seen_at in [Since, Until)
// whose source type is not in Excluded, ordered by first_seen_at
// descending, that have no row in news_event_relations yet.
type UnprocessedNewsFilter struct {
	Since    time.Time
	Until    time.Time
	Excluded []string
	Limit    int
}

// NewsEventAssignment is one (news, event, relation) triple to persist in a
// single transaction from the Aggregation Engine's per-result commit.
type NewsEventAssignment struct {
	NewsID       int64
	EventID      int64
	RelationType types.RelationType
	Confidence   float64
}

// NewEventWithNews bundles a new Event to be inserted together with the
// news ids it was created from, so the engine can commit both in one
// transaction.
type NewEventWithNews struct {
	Event   types.Event
	NewsIDs []int64
}

// EventRegionUpdate carries a recomputed regions string for an existing
// event touched by an aggregation batch (spec.md §4.5 step 4: "compute
// merged_regions ...; if changed, update the event's regions").
type EventRegionUpdate struct {
	EventID int64
	Regions string
}

// MergePlan is one executeBatchMerge unit (spec.md §4.6): a primary event,
// the events being folded into it, the merge-computed fields to apply to
// the primary, and the relation type to stamp on the new history rows (one
// per child). Rewritten news_event_relations rows keep their relation type.
type MergePlan struct {
	PrimaryEventID  int64
	ChildEventIDs   []int64
	MergedTitle     string
	MergedDescription string
	MergedRegions   string
	MergedKeywords  string
	MergedEntities  string
	RelationType    types.RelationType
	Confidence      float64
	Reason          string
}

// Storage is the Persistence Contract: the Aggregation Engine, Merge
// Engine, and Scheduler depend only on this interface, never on the MySQL
// package directly, so tests substitute an in-memory fake (the way the
// teacher's internal/storage interface is driven by sqlite and dolt
// backends interchangeably).
type Storage interface {
	// UnprocessedNews returns news matching filter that have no existing
	// news_event_relations row, ordered by first_seen_at descending.
	UnprocessedNews(ctx context.Context, filter UnprocessedNewsFilter) ([]types.NewsItem, error)

	// NewsByIDs re-fetches a specific set of news items by id, regardless of
	// whether they already have a news_event_relations row. Used by the
	// Aggregation Engine's straggler-recovery pass (spec.md §4.5 step 5) to
	// re-read news the LLM left unassigned before the half-batch retry.
	NewsByIDs(ctx context.Context, newsIDs []int64) ([]types.NewsItem, error)

	// RecentActiveEvents returns up to limit most-recently-created events
	// with status=active, newest first.
	RecentActiveEvents(ctx context.Context, limit int) ([]types.Event, error)

	// EventsForNews returns the distinct active events already linked to
	// any of newsIDs, used to build the Aggregation Engine's context set
	// (spec.md §4.5, "events from already-processed in-window news").
	EventsForNews(ctx context.Context, newsIDs []int64) ([]types.Event, error)

	// GetEvent fetches a single event by id. Returns errs.ErrEventNotFound
	// if absent.
	GetEvent(ctx context.Context, id int64) (types.Event, error)

	// AssignNews commits, in one transaction: any NewEventWithNews inserts,
	// then all NewsEventAssignment relation inserts (idempotent on the
	// unique (news_id, event_id) constraint — a conflict is treated as
	// already-applied, not an error), then the given regionUpdates applied
	// to the existing events they name.
	AssignNews(ctx context.Context, newEvents []NewEventWithNews, assignments []NewsEventAssignment, regionUpdates []EventRegionUpdate) error

	// ExecuteBatchMerge applies plan transactionally: marks each child
	// event EventStatusMerged, rewrites or deletes (on unique-conflict)
	// each child's news_event_relations rows to point at PrimaryEventID,
	// updates the primary event's merged fields and news_count, and
	// inserts one EventHistoryRelation per child.
	ExecuteBatchMerge(ctx context.Context, plan MergePlan) error

	// InsertProcessingLog persists a completed run record.
	InsertProcessingLog(ctx context.Context, log types.ProcessingLog) (int64, error)

	// Close releases underlying connections.
	Close() error
}
