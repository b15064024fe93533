package mysql

import "strings"

// schema defines the MySQL schema for the aggregation pipeline's tables
// (spec.md §3). Applied idempotently at startup via CREATE TABLE IF NOT
// EXISTS, the way the teacher's ephemeral/sqlite backends self-migrate on
// open rather than requiring a separate migration step for the base
// schema.
const schema = `
CREATE TABLE IF NOT EXISTS hot_aggr_events (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    title VARCHAR(512) NOT NULL,
    description TEXT NOT NULL,
    event_type VARCHAR(64) NOT NULL DEFAULT '',
    sentiment VARCHAR(16) NOT NULL DEFAULT 'neutral',
    entities TEXT NOT NULL DEFAULT '{}',
    regions VARCHAR(1024) NOT NULL DEFAULT '',
    keywords VARCHAR(1024) NOT NULL DEFAULT '',
    confidence DOUBLE NOT NULL DEFAULT 0,
    priority INT NOT NULL DEFAULT 0,
    news_count INT NOT NULL DEFAULT 0,
    first_news_time DATETIME NULL,
    last_news_time DATETIME NULL,
    status TINYINT NOT NULL DEFAULT 1,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
    INDEX idx_hot_aggr_events_status (status),
    INDEX idx_hot_aggr_events_last_news_time (last_news_time),
    INDEX idx_hot_aggr_events_created_at (created_at)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;

CREATE TABLE IF NOT EXISTS hot_aggr_news_event_relations (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    news_id BIGINT NOT NULL,
    event_id BIGINT NOT NULL,
    relation_type VARCHAR(32) NOT NULL,
    confidence DOUBLE NOT NULL DEFAULT 0,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    UNIQUE KEY uniq_hot_aggr_news_event (news_id, event_id),
    INDEX idx_hot_aggr_ner_event_id (event_id)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;

CREATE TABLE IF NOT EXISTS hot_aggr_event_history_relations (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    parent_event_id BIGINT NOT NULL,
    child_event_id BIGINT NOT NULL,
    relation_type VARCHAR(32) NOT NULL,
    confidence DOUBLE NOT NULL DEFAULT 0,
    description TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    INDEX idx_hot_aggr_ehr_parent (parent_event_id),
    INDEX idx_hot_aggr_ehr_child (child_event_id)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;

CREATE TABLE IF NOT EXISTS hot_aggr_processing_logs (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    task_type VARCHAR(32) NOT NULL,
    task_id VARCHAR(64) NOT NULL DEFAULT '',
    start_time DATETIME NOT NULL,
    end_time DATETIME NULL,
    status VARCHAR(16) NOT NULL DEFAULT 'running',
    total INT NOT NULL DEFAULT 0,
    success INT NOT NULL DEFAULT 0,
    failed INT NOT NULL DEFAULT 0,
    error_message TEXT NOT NULL DEFAULT '',
    config_snapshot TEXT NOT NULL DEFAULT '{}',
    INDEX idx_hot_aggr_logs_task_type (task_type),
    INDEX idx_hot_aggr_logs_start_time (start_time)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;
`

// migrateStatements splits schema into the statements Store.migrate applies.
// Applying them is safe on every startup: every statement is IF NOT EXISTS.
func migrateStatements() []string {
	return splitStatements(schema)
}

func splitStatements(sql string) []string {
	var stmts []string
	for _, part := range strings.Split(sql, ";") {
		stmt := strings.TrimSpace(part)
		if stmt != "" {
			stmts = append(stmts, stmt)
		}
	}
	return stmts
}
