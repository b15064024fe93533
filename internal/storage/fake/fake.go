// Package fake is an in-memory storage.Storage used by the Aggregation and
// Merge Engine tests, the way the teacher drives its engine-layer tests
// against an in-process sqlite :memory: database rather than a live
// server. Here an in-memory Go struct stands in for the whole MySQL layer,
// since the Persistence Contract is small enough to fake directly.
package fake

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mosliu/hot-list-aggregation/internal/errs"
	"github.com/mosliu/hot-list-aggregation/internal/storage"
	"github.com/mosliu/hot-list-aggregation/internal/types"
)

// Store is a thread-safe in-memory storage.Storage.
type Store struct {
	mu sync.Mutex

	nextEventID int64
	nextLogID   int64

	news      []types.NewsItem
	events    map[int64]types.Event
	relations []types.NewsEventRelation
	history   []types.EventHistoryRelation
	logs      []types.ProcessingLog
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		events: make(map[int64]types.Event),
	}
}

// SeedNews adds news items directly, bypassing any ingestion pipeline —
// tests call this to set up fixtures.
func (s *Store) SeedNews(news ...types.NewsItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.news = append(s.news, news...)
}

// SeedEvent inserts an event with a pre-assigned id — tests call this to
// set up context fixtures without going through AssignNews.
func (s *Store) SeedEvent(e types.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[e.ID] = e
	if e.ID >= s.nextEventID {
		s.nextEventID = e.ID + 1
	}
}

var _ storage.Storage = (*Store)(nil)

// UnprocessedNews implements storage.Storage.
func (s *Store) UnprocessedNews(_ context.Context, filter storage.UnprocessedNewsFilter) ([]types.NewsItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	assigned := make(map[int64]struct{})
	for _, r := range s.relations {
		assigned[r.NewsID] = struct{}{}
	}
	excluded := make(map[string]struct{}, len(filter.Excluded))
	for _, t := range filter.Excluded {
		excluded[t] = struct{}{}
	}

	var out []types.NewsItem
	for _, n := range s.news {
		if _, ok := assigned[n.ID]; ok {
			continue
		}
		if _, ok := excluded[n.SourceType]; ok {
			continue
		}
		if !filter.Since.IsZero() && n.FirstSeenAt.Before(filter.Since) {
			continue
		}
		if !filter.Until.IsZero() && !n.FirstSeenAt.Before(filter.Until) {
			continue
		}
		out = append(out, n)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].FirstSeenAt.After(out[j].FirstSeenAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// NewsByIDs implements storage.Storage.
func (s *Store) NewsByIDs(_ context.Context, newsIDs []int64) ([]types.NewsItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	want := make(map[int64]struct{}, len(newsIDs))
	for _, id := range newsIDs {
		want[id] = struct{}{}
	}
	var out []types.NewsItem
	for _, n := range s.news {
		if _, ok := want[n.ID]; ok {
			out = append(out, n)
		}
	}
	return out, nil
}

// RecentActiveEvents implements storage.Storage. "Recent" is by creation
// time, matching the MySQL backend's ORDER BY created_at DESC.
func (s *Store) RecentActiveEvents(_ context.Context, limit int) ([]types.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []types.Event
	for _, e := range s.events {
		if e.Status == types.EventStatusActive {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// EventsForNews implements storage.Storage.
func (s *Store) EventsForNews(_ context.Context, newsIDs []int64) ([]types.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	want := make(map[int64]struct{}, len(newsIDs))
	for _, id := range newsIDs {
		want[id] = struct{}{}
	}

	seen := make(map[int64]struct{})
	var out []types.Event
	for _, r := range s.relations {
		if _, ok := want[r.NewsID]; !ok {
			continue
		}
		if _, ok := seen[r.EventID]; ok {
			continue
		}
		e, ok := s.events[r.EventID]
		if !ok || e.Status != types.EventStatusActive {
			continue
		}
		seen[r.EventID] = struct{}{}
		out = append(out, e)
	}
	return out, nil
}

// GetEvent implements storage.Storage.
func (s *Store) GetEvent(_ context.Context, id int64) (types.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.events[id]
	if !ok {
		return types.Event{}, errs.ErrEventNotFound
	}
	return e, nil
}

// AssignNews implements storage.Storage.
func (s *Store) AssignNews(_ context.Context, newEvents []storage.NewEventWithNews, assignments []storage.NewsEventAssignment, regionUpdates []storage.EventRegionUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ne := range newEvents {
		s.nextEventID++
		id := s.nextEventID
		ev := ne.Event
		ev.ID = id
		ev.Status = types.EventStatusActive
		ev.CreatedAt = time.Now()
		ev.UpdatedAt = ev.CreatedAt
		s.events[id] = ev
		for _, newsID := range ne.NewsIDs {
			assignments = append(assignments, storage.NewsEventAssignment{
				NewsID: newsID, EventID: id, RelationType: types.RelationAssignedNew, Confidence: 1,
			})
		}
	}

	existing := make(map[[2]int64]struct{}, len(s.relations))
	for _, r := range s.relations {
		existing[[2]int64{r.NewsID, r.EventID}] = struct{}{}
	}

	touched := map[int64]struct{}{}
	for _, a := range assignments {
		key := [2]int64{a.NewsID, a.EventID}
		if _, dup := existing[key]; dup {
			continue
		}
		existing[key] = struct{}{}
		s.relations = append(s.relations, types.NewsEventRelation{
			NewsID: a.NewsID, EventID: a.EventID, RelationType: a.RelationType, Confidence: a.Confidence, CreatedAt: time.Now(),
		})
		touched[a.EventID] = struct{}{}
	}

	for eventID := range touched {
		e := s.events[eventID]
		count := 0
		for _, r := range s.relations {
			if r.EventID == eventID {
				count++
			}
		}
		e.NewsCount = count
		e.UpdatedAt = time.Now()
		s.events[eventID] = e
	}

	for _, u := range regionUpdates {
		e, ok := s.events[u.EventID]
		if !ok {
			continue
		}
		e.Regions = u.Regions
		e.UpdatedAt = time.Now()
		s.events[u.EventID] = e
	}

	return nil
}

// ExecuteBatchMerge implements storage.Storage.
func (s *Store) ExecuteBatchMerge(_ context.Context, plan storage.MergePlan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, childID := range plan.ChildEventIDs {
		if childID == plan.PrimaryEventID {
			continue
		}
		seenNews := map[int64]struct{}{}
		for _, r := range s.relations {
			if r.EventID == plan.PrimaryEventID {
				seenNews[r.NewsID] = struct{}{}
			}
		}
		var kept []types.NewsEventRelation
		for _, r := range s.relations {
			if r.EventID != childID {
				kept = append(kept, r)
				continue
			}
			if _, dup := seenNews[r.NewsID]; dup {
				continue
			}
			r.EventID = plan.PrimaryEventID
			kept = append(kept, r)
			seenNews[r.NewsID] = struct{}{}
		}
		s.relations = kept

		child := s.events[childID]
		child.Status = types.EventStatusMerged
		child.UpdatedAt = time.Now()
		s.events[childID] = child

		s.history = append(s.history, types.EventHistoryRelation{
			ParentEventID: plan.PrimaryEventID,
			ChildEventID:  childID,
			RelationType:  plan.RelationType,
			Confidence:    plan.Confidence,
			Description:   plan.Reason,
			CreatedAt:     time.Now(),
		})
	}

	primary, ok := s.events[plan.PrimaryEventID]
	if !ok {
		return errs.ErrEventNotFound
	}
	primary.Title = plan.MergedTitle
	primary.Description = plan.MergedDescription
	primary.Regions = plan.MergedRegions
	primary.Keywords = plan.MergedKeywords
	primary.Entities = plan.MergedEntities
	count := 0
	for _, r := range s.relations {
		if r.EventID == plan.PrimaryEventID {
			count++
		}
	}
	primary.NewsCount = count
	primary.UpdatedAt = time.Now()
	s.events[plan.PrimaryEventID] = primary

	return nil
}

// InsertProcessingLog implements storage.Storage.
func (s *Store) InsertProcessingLog(_ context.Context, log types.ProcessingLog) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextLogID++
	log.ID = s.nextLogID
	s.logs = append(s.logs, log)
	return log.ID, nil
}

// Logs returns every inserted ProcessingLog, for test assertions.
func (s *Store) Logs() []types.ProcessingLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.ProcessingLog, len(s.logs))
	copy(out, s.logs)
	return out
}

// Close implements storage.Storage.
func (s *Store) Close() error { return nil }
