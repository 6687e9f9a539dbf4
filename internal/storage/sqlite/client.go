package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/civic-agent/backend/internal/health"
	"github.com/civic-agent/backend/internal/storage/models"
	"github.com/civic-agent/backend/pkg/logger"
)

type Client struct {
	db *sql.DB
}

func NewClient(dbPath string) (*Client, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Every pooled connection to :memory: would see its own empty database.
	if strings.Contains(dbPath, ":memory:") {
		db.SetMaxOpenConns(1)
	}

	_, err = db.Exec("PRAGMA foreign_keys = ON")
	if err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	_, err = db.Exec("PRAGMA journal_mode = WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS query_history (
		id TEXT PRIMARY KEY,
		session_id TEXT,
		query_text TEXT NOT NULL,
		canonical_query TEXT,
		response TEXT,
		persona TEXT,
		language TEXT,
		confidence REAL,
		evidence_count INTEGER DEFAULT 0,
		degraded INTEGER DEFAULT 0,
		partial INTEGER DEFAULT 0,
		cache_hit INTEGER DEFAULT 0,
		error_reason TEXT,
		latency_ms INTEGER,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_query_session ON query_history(session_id);
	CREATE INDEX IF NOT EXISTS idx_query_created ON query_history(created_at);

	CREATE TABLE IF NOT EXISTS query_sources (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		query_id TEXT NOT NULL,
		namespace TEXT NOT NULL,
		source_id TEXT NOT NULL,
		title TEXT,
		source_url TEXT,
		score REAL,
		FOREIGN KEY (query_id) REFERENCES query_history(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_sources_query ON query_sources(query_id);

	CREATE TABLE IF NOT EXISTS feedback (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		query_id TEXT NOT NULL,
		helpful INTEGER NOT NULL,
		issue_category TEXT,
		comment TEXT,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (query_id) REFERENCES query_history(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_feedback_query ON feedback(query_id);

	CREATE TABLE IF NOT EXISTS health_snapshots (
		service TEXT PRIMARY KEY,
		healthy INTEGER NOT NULL,
		consecutive_failures INTEGER NOT NULL,
		consecutive_successes INTEGER NOT NULL,
		last_check INTEGER NOT NULL,
		last_error TEXT,
		last_latency_ms INTEGER
	);
	`

	_, err := c.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("Database schema initialized")
	return nil
}

// RecordQuery stores a query and its evidence in one transaction.
func (c *Client) RecordQuery(ctx context.Context, record *models.QueryRecord, sources []models.QuerySource) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO query_history (id, session_id, query_text, canonical_query, response, persona, language,
			confidence, evidence_count, degraded, partial, cache_hit, error_reason, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID,
		record.SessionID,
		record.QueryText,
		record.CanonicalQuery,
		record.Response,
		record.Persona,
		record.Language,
		record.Confidence,
		record.EvidenceCount,
		boolToInt(record.Degraded),
		boolToInt(record.Partial),
		boolToInt(record.CacheHit),
		record.ErrorReason,
		record.LatencyMS,
		record.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert query record: %w", err)
	}

	for _, s := range sources {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO query_sources (query_id, namespace, source_id, title, source_url, score) VALUES (?, ?, ?, ?, ?, ?)`,
			record.ID, s.Namespace, s.SourceID, s.Title, s.SourceURL, s.Score,
		)
		if err != nil {
			return fmt.Errorf("failed to insert query source: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit query record: %w", err)
	}

	logger.Debug("Query recorded",
		zap.String("query_id", record.ID),
		zap.Float64("confidence", record.Confidence),
		zap.Int("sources", len(sources)),
	)
	return nil
}

// GetQueryHistory lists the most recent queries, optionally for one session.
func (c *Client) GetQueryHistory(ctx context.Context, sessionID string, limit int) ([]models.QueryRecord, error) {
	query := `
		SELECT id, session_id, query_text, canonical_query, response, persona, language, confidence,
			evidence_count, degraded, partial, cache_hit, error_reason, latency_ms, created_at
		FROM query_history
		WHERE (? = '' OR session_id = ?)
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`

	rows, err := c.db.QueryContext(ctx, query, sessionID, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get query history: %w", err)
	}
	defer rows.Close()

	var records []models.QueryRecord
	for rows.Next() {
		var (
			r                          models.QueryRecord
			session, canonical, reason sql.NullString
			degraded, partial, hit     int
			createdAt                  int64
		)

		err := rows.Scan(&r.ID, &session, &r.QueryText, &canonical, &r.Response, &r.Persona, &r.Language,
			&r.Confidence, &r.EvidenceCount, &degraded, &partial, &hit, &reason, &r.LatencyMS, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		r.SessionID = session.String
		r.CanonicalQuery = canonical.String
		r.ErrorReason = reason.String
		r.Degraded = degraded == 1
		r.Partial = partial == 1
		r.CacheHit = hit == 1
		r.CreatedAt = time.Unix(createdAt, 0)
		records = append(records, r)
	}

	return records, rows.Err()
}

func (c *Client) GetQuerySources(ctx context.Context, queryID string) ([]models.QuerySource, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT id, query_id, namespace, source_id, title, source_url, score FROM query_sources WHERE query_id = ? ORDER BY id`,
		queryID)
	if err != nil {
		return nil, fmt.Errorf("failed to get query sources: %w", err)
	}
	defer rows.Close()

	var sources []models.QuerySource
	for rows.Next() {
		var s models.QuerySource
		var title, url sql.NullString
		if err := rows.Scan(&s.ID, &s.QueryID, &s.Namespace, &s.SourceID, &title, &url, &s.Score); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		s.Title = title.String
		s.SourceURL = url.String
		sources = append(sources, s)
	}
	return sources, rows.Err()
}

func (c *Client) StoreFeedback(ctx context.Context, feedback *models.Feedback) error {
	query := `INSERT INTO feedback (query_id, helpful, issue_category, comment, created_at) VALUES (?, ?, ?, ?, ?)`

	_, err := c.db.ExecContext(ctx, query,
		feedback.QueryID,
		boolToInt(feedback.Helpful),
		feedback.IssueCategory,
		feedback.Comment,
		time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to store feedback: %w", err)
	}

	logger.Info("Feedback stored", zap.String("query_id", feedback.QueryID), zap.Bool("helpful", feedback.Helpful))
	return nil
}

// SaveHealthSnapshot implements health.SnapshotStore.
func (c *Client) SaveHealthSnapshot(rec health.Record) error {
	_, err := c.db.Exec(`
		INSERT INTO health_snapshots (service, healthy, consecutive_failures, consecutive_successes,
			last_check, last_error, last_latency_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(service) DO UPDATE SET
			healthy = excluded.healthy,
			consecutive_failures = excluded.consecutive_failures,
			consecutive_successes = excluded.consecutive_successes,
			last_check = excluded.last_check,
			last_error = excluded.last_error,
			last_latency_ms = excluded.last_latency_ms`,
		rec.Service,
		boolToInt(rec.Healthy),
		rec.ConsecutiveFailures,
		rec.ConsecutiveSuccesses,
		rec.LastCheck.Unix(),
		rec.LastError,
		rec.LastLatency.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("failed to save health snapshot: %w", err)
	}
	return nil
}

// LoadHealthSnapshots implements health.SnapshotStore.
func (c *Client) LoadHealthSnapshots() ([]health.Record, error) {
	rows, err := c.db.Query(`
		SELECT service, healthy, consecutive_failures, consecutive_successes, last_check, last_error, last_latency_ms
		FROM health_snapshots ORDER BY service`)
	if err != nil {
		return nil, fmt.Errorf("failed to load health snapshots: %w", err)
	}
	defer rows.Close()

	var recs []health.Record
	for rows.Next() {
		var (
			rec       health.Record
			healthy   int
			lastCheck int64
			lastErr   sql.NullString
			latencyMS int64
		)
		if err := rows.Scan(&rec.Service, &healthy, &rec.ConsecutiveFailures, &rec.ConsecutiveSuccesses,
			&lastCheck, &lastErr, &latencyMS); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		rec.Healthy = healthy == 1
		rec.LastCheck = time.Unix(lastCheck, 0)
		rec.LastError = lastErr.String
		rec.LastLatency = time.Duration(latencyMS) * time.Millisecond
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
