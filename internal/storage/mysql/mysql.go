// Package mysql is the MySQL-backed implementation of the Persistence
// Contract (storage.Storage), grounded on the teacher's
// internal/storage/sqlite package: plain database/sql, hand-written SQL,
// fmt.Errorf-wrapped sentinel errors, and explicit transactions around
// every multi-statement mutation.
package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/mosliu/hot-list-aggregation/internal/errs"
	"github.com/mosliu/hot-list-aggregation/internal/storage"
	"github.com/mosliu/hot-list-aggregation/internal/types"
)

const uniqueViolation = 1062

// Store is the MySQL-backed storage.Storage implementation.
type Store struct {
	db *sql.DB
}

// Open connects to dsn, applies the base schema, and returns a ready Store.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("mysql: open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("mysql: ping: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range migrateStatements() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("mysql: migrate: %w", err)
		}
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

var _ storage.Storage = (*Store)(nil)

// isUniqueViolation reports whether err is a MySQL duplicate-key error on
// the unique (news_id, event_id) constraint — the idempotency boundary
// spec.md §6 relies on instead of check-then-insert.
func isUniqueViolation(err error) bool {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == uniqueViolation
	}
	return false
}

// UnprocessedNews implements storage.Storage.
func (s *Store) UnprocessedNews(ctx context.Context, filter storage.UnprocessedNewsFilter) ([]types.NewsItem, error) {
	query := strings.Builder{}
	query.WriteString(`
		SELECT n.id, n.source_type, n.title, n.body, n.city_name, n.first_seen_at, n.url
		FROM hot_news n
		LEFT JOIN hot_aggr_news_event_relations r ON r.news_id = n.id
		WHERE r.id IS NULL
	`)
	args := []interface{}{}
	if !filter.Since.IsZero() {
		query.WriteString(" AND n.first_seen_at >= ?")
		args = append(args, filter.Since)
	}
	if !filter.Until.IsZero() {
		query.WriteString(" AND n.first_seen_at < ?")
		args = append(args, filter.Until)
	}
	for _, excluded := range filter.Excluded {
		query.WriteString(" AND n.source_type != ?")
		args = append(args, excluded)
	}
	query.WriteString(" ORDER BY n.first_seen_at DESC")
	if filter.Limit > 0 {
		query.WriteString(" LIMIT ?")
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("mysql: query unprocessed news: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []types.NewsItem
	for rows.Next() {
		var n types.NewsItem
		if err := rows.Scan(&n.ID, &n.SourceType, &n.Title, &n.Body, &n.CityName, &n.FirstSeenAt, &n.URL); err != nil {
			return nil, fmt.Errorf("mysql: scan news: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// NewsByIDs implements storage.Storage.
func (s *Store) NewsByIDs(ctx context.Context, newsIDs []int64) ([]types.NewsItem, error) {
	if len(newsIDs) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(newsIDs))
	args := make([]interface{}, len(newsIDs))
	for i, id := range newsIDs {
		placeholders[i] = "?"
		args[i] = id
	}

	query := fmt.Sprintf(`
		SELECT id, source_type, title, body, city_name, first_seen_at, url
		FROM hot_news
		WHERE id IN (%s)
	`, strings.Join(placeholders, ","))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("mysql: query news by ids: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []types.NewsItem
	for rows.Next() {
		var n types.NewsItem
		if err := rows.Scan(&n.ID, &n.SourceType, &n.Title, &n.Body, &n.CityName, &n.FirstSeenAt, &n.URL); err != nil {
			return nil, fmt.Errorf("mysql: scan news: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// RecentActiveEvents implements storage.Storage. "Recent" is by creation
// time (spec.md §4.5 step 2, §4.6 step 1: "the N/M most recently created
// active events"), not by last news activity.
func (s *Store) RecentActiveEvents(ctx context.Context, limit int) ([]types.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, description, event_type, sentiment, entities, regions, keywords,
		       confidence, priority, news_count, first_news_time, last_news_time, status, created_at, updated_at
		FROM hot_aggr_events
		WHERE status = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, types.EventStatusActive, limit)
	if err != nil {
		return nil, fmt.Errorf("mysql: query recent active events: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanEvents(rows)
}

// EventsForNews implements storage.Storage.
func (s *Store) EventsForNews(ctx context.Context, newsIDs []int64) ([]types.Event, error) {
	if len(newsIDs) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(newsIDs))
	args := make([]interface{}, len(newsIDs))
	for i, id := range newsIDs {
		placeholders[i] = "?"
		args[i] = id
	}

	query := fmt.Sprintf(`
		SELECT DISTINCT e.id, e.title, e.description, e.event_type, e.sentiment, e.entities, e.regions, e.keywords,
		       e.confidence, e.priority, e.news_count, e.first_news_time, e.last_news_time, e.status, e.created_at, e.updated_at
		FROM hot_aggr_events e
		JOIN hot_aggr_news_event_relations r ON r.event_id = e.id
		WHERE r.news_id IN (%s) AND e.status = ?
	`, strings.Join(placeholders, ","))
	args = append(args, types.EventStatusActive)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("mysql: query events for news: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanEvents(rows)
}

// GetEvent implements storage.Storage.
func (s *Store) GetEvent(ctx context.Context, id int64) (types.Event, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, description, event_type, sentiment, entities, regions, keywords,
		       confidence, priority, news_count, first_news_time, last_news_time, status, created_at, updated_at
		FROM hot_aggr_events WHERE id = ?
	`, id)

	var e types.Event
	if err := scanEvent(row, &e); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Event{}, errs.ErrEventNotFound
		}
		return types.Event{}, fmt.Errorf("mysql: get event %d: %w", id, err)
	}
	return e, nil
}

// AssignNews implements storage.Storage.
func (s *Store) AssignNews(ctx context.Context, newEvents []storage.NewEventWithNews, assignments []storage.NewsEventAssignment, regionUpdates []storage.EventRegionUpdate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("mysql: begin assign tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, ne := range newEvents {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO hot_aggr_events (
				title, description, event_type, sentiment, entities, regions, keywords,
				confidence, priority, news_count, first_news_time, last_news_time, status
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, ne.Event.Title, ne.Event.Description, ne.Event.EventType, ne.Event.Sentiment, ne.Event.Entities,
			ne.Event.Regions, ne.Event.Keywords, ne.Event.Confidence, ne.Event.Priority, ne.Event.NewsCount,
			ne.Event.FirstNewsTime, ne.Event.LastNewsTime, types.EventStatusActive)
		if err != nil {
			return fmt.Errorf("mysql: insert new event: %w", err)
		}
		eventID, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("mysql: new event id: %w", err)
		}
		assignments = append(assignments, newsEventRelationsFor(eventID, ne.NewsIDs)...)
	}

	touched := map[int64]struct{}{}
	for _, a := range assignments {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO hot_aggr_news_event_relations (news_id, event_id, relation_type, confidence)
			VALUES (?, ?, ?, ?)
		`, a.NewsID, a.EventID, string(a.RelationType), a.Confidence)
		if err != nil {
			if isUniqueViolation(err) {
				// Already assigned by a previous run — the idempotency
				// boundary, not an error.
				continue
			}
			return fmt.Errorf("mysql: insert news_event_relation: %w", err)
		}
		touched[a.EventID] = struct{}{}
	}

	for eventID := range touched {
		if err := bumpNewsCount(ctx, tx, eventID); err != nil {
			return err
		}
	}

	for _, u := range regionUpdates {
		_, err := tx.ExecContext(ctx, `UPDATE hot_aggr_events SET regions = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, u.Regions, u.EventID)
		if err != nil {
			return fmt.Errorf("mysql: update event %d regions: %w", u.EventID, err)
		}
	}

	return tx.Commit()
}

func newsEventRelationsFor(eventID int64, newsIDs []int64) []storage.NewsEventAssignment {
	out := make([]storage.NewsEventAssignment, len(newsIDs))
	for i, id := range newsIDs {
		out[i] = storage.NewsEventAssignment{NewsID: id, EventID: eventID, RelationType: types.RelationAssignedNew, Confidence: 1}
	}
	return out
}

func bumpNewsCount(ctx context.Context, tx *sql.Tx, eventID int64) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE hot_aggr_events e
		SET news_count = (SELECT COUNT(*) FROM hot_aggr_news_event_relations WHERE event_id = e.id),
		    updated_at = CURRENT_TIMESTAMP
		WHERE e.id = ?
	`, eventID)
	if err != nil {
		return fmt.Errorf("mysql: bump news_count for event %d: %w", eventID, err)
	}
	return nil
}

// ExecuteBatchMerge implements storage.Storage.
func (s *Store) ExecuteBatchMerge(ctx context.Context, plan storage.MergePlan) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("mysql: begin merge tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, childID := range plan.ChildEventIDs {
		if childID == plan.PrimaryEventID {
			continue
		}
		if err := mergeRelationsForChild(ctx, tx, childID, plan.PrimaryEventID); err != nil {
			return err
		}

		_, err := tx.ExecContext(ctx, `UPDATE hot_aggr_events SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
			types.EventStatusMerged, childID)
		if err != nil {
			return fmt.Errorf("mysql: mark child %d merged: %w", childID, err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO hot_aggr_event_history_relations (parent_event_id, child_event_id, relation_type, confidence, description)
			VALUES (?, ?, ?, ?, ?)
		`, plan.PrimaryEventID, childID, string(plan.RelationType), plan.Confidence, plan.Reason)
		if err != nil {
			return fmt.Errorf("mysql: insert history relation: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE hot_aggr_events
		SET title = ?, description = ?, regions = ?, keywords = ?, entities = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, plan.MergedTitle, plan.MergedDescription, plan.MergedRegions, plan.MergedKeywords, plan.MergedEntities, plan.PrimaryEventID)
	if err != nil {
		return fmt.Errorf("mysql: update primary event %d: %w", plan.PrimaryEventID, err)
	}

	if err := bumpNewsCount(ctx, tx, plan.PrimaryEventID); err != nil {
		return err
	}

	return tx.Commit()
}

// mergeRelationsForChild rewrites childID's news_event_relations rows to
// point at primaryID. A row that would collide with an existing
// (news_id, primary_id) relation is deleted instead, since the primary
// already carries that news item (spec.md §4.6, "relation rewrite-or-
// delete-on-conflict").
func mergeRelationsForChild(ctx context.Context, tx *sql.Tx, childID, primaryID int64) error {
	rows, err := tx.QueryContext(ctx, `SELECT id, news_id FROM hot_aggr_news_event_relations WHERE event_id = ?`, childID)
	if err != nil {
		return fmt.Errorf("mysql: query child relations: %w", err)
	}
	type rel struct {
		id     int64
		newsID int64
	}
	var rels []rel
	for rows.Next() {
		var r rel
		if err := rows.Scan(&r.id, &r.newsID); err != nil {
			_ = rows.Close()
			return fmt.Errorf("mysql: scan child relation: %w", err)
		}
		rels = append(rels, r)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	_ = rows.Close()

	for _, r := range rels {
		_, err := tx.ExecContext(ctx, `UPDATE hot_aggr_news_event_relations SET event_id = ? WHERE id = ?`, primaryID, r.id)
		if err != nil {
			if isUniqueViolation(err) {
				if _, delErr := tx.ExecContext(ctx, `DELETE FROM hot_aggr_news_event_relations WHERE id = ?`, r.id); delErr != nil {
					return fmt.Errorf("mysql: drop conflicting child relation: %w", delErr)
				}
				continue
			}
			return fmt.Errorf("mysql: rewrite child relation: %w", err)
		}
	}
	return nil
}

// InsertProcessingLog implements storage.Storage.
func (s *Store) InsertProcessingLog(ctx context.Context, log types.ProcessingLog) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO hot_aggr_processing_logs (task_type, task_id, start_time, end_time, status, total, success, failed, error_message, config_snapshot)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, log.TaskType, log.TaskID, log.StartTime, log.EndTime, log.Status, log.Total, log.Success, log.Failed, log.ErrorMessage, log.ConfigSnapshot)
	if err != nil {
		return 0, fmt.Errorf("mysql: insert processing log: %w", err)
	}
	return res.LastInsertId()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row rowScanner, e *types.Event) error {
	var firstNews, lastNews sql.NullTime
	if err := row.Scan(&e.ID, &e.Title, &e.Description, &e.EventType, &e.Sentiment, &e.Entities, &e.Regions, &e.Keywords,
		&e.Confidence, &e.Priority, &e.NewsCount, &firstNews, &lastNews, &e.Status, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return err
	}
	e.FirstNewsTime = firstNews.Time
	e.LastNewsTime = lastNews.Time
	return nil
}

func scanEvents(rows *sql.Rows) ([]types.Event, error) {
	var out []types.Event
	for rows.Next() {
		var e types.Event
		if err := scanEvent(rows, &e); err != nil {
			return nil, fmt.Errorf("mysql: scan event: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}
