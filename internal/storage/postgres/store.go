// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/calyptra/tornet-scanner/internal/scanner"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type dbPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// Store is the Postgres-backed registry, scan store, item store, and
// snapshot store.
type Store struct {
	pool dbPool
}

// New creates a Postgres-backed Store using the provided config.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(pool dbPool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

const scanColumns = `id, name, kind, source_scan, status, started_at, completed_at, pagination_url, max_page, batch_size, site_url`

func scanScanRow(row pgx.Row) (scanner.Scan, error) {
	var sc scanner.Scan
	err := row.Scan(
		&sc.ID,
		&sc.Name,
		&sc.Kind,
		&sc.SourceScan,
		&sc.Status,
		&sc.StartedAt,
		&sc.CompletedAt,
		&sc.PaginationURL,
		&sc.MaxPage,
		&sc.BatchSize,
		&sc.SiteURL,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return scanner.Scan{}, scanner.ErrScanNotFound
	}
	if err != nil {
		return scanner.Scan{}, fmt.Errorf("scan row: %w", err)
	}
	return sc, nil
}

// GetScan returns the scan record for the kind/id pair.
func (s *Store) GetScan(ctx context.Context, kind scanner.ScanKind, id int64) (scanner.Scan, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+scanColumns+` FROM scans WHERE kind = $1 AND id = $2`,
		kind, id,
	)
	return scanScanRow(row)
}

// ScanByName returns the scan record for the kind/name pair.
func (s *Store) ScanByName(ctx context.Context, kind scanner.ScanKind, name string) (scanner.Scan, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+scanColumns+` FROM scans WHERE kind = $1 AND name = $2`,
		kind, name,
	)
	return scanScanRow(row)
}

// UpdateScanStatus sets the scan status. Nil timestamps preserve the
// stored values.
func (s *Store) UpdateScanStatus(ctx context.Context, kind scanner.ScanKind, id int64, status scanner.ScanStatus, startedAt, completedAt *time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE scans SET status = $1, started_at = COALESCE($2, started_at), completed_at = COALESCE($3, completed_at) WHERE kind = $4 AND id = $5`,
		status, startedAt, completedAt, kind, id,
	)
	if err != nil {
		return fmt.Errorf("update scan status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return scanner.ErrScanNotFound
	}
	return nil
}

// SavePartition upserts the scan's batch partition as JSON.
func (s *Store) SavePartition(ctx context.Context, scanID int64, partition scanner.Partition) error {
	payload, err := json.Marshal(partition)
	if err != nil {
		return fmt.Errorf("marshal partition: %w", err)
	}
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO scan_partitions (scan_id, batches) VALUES ($1, $2) ON CONFLICT (scan_id) DO UPDATE SET batches = EXCLUDED.batches`,
		scanID, payload,
	); err != nil {
		return fmt.Errorf("save partition: %w", err)
	}
	return nil
}

// PartitionByScanName loads the partition saved by the named pagination
// scan. A missing partition is returned as empty, not as an error.
func (s *Store) PartitionByScanName(ctx context.Context, name string) (scanner.Partition, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx,
		`SELECT p.batches FROM scan_partitions p JOIN scans s ON s.id = p.scan_id WHERE s.name = $1 AND s.kind = $2`,
		name, scanner.ScanKindPagination,
	).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return scanner.Partition{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load partition: %w", err)
	}
	var partition scanner.Partition
	if err := json.Unmarshal(payload, &partition); err != nil {
		return nil, fmt.Errorf("decode partition: %w", err)
	}
	return partition, nil
}

// ListedPosts returns every listing row harvested by the scan.
func (s *Store) ListedPosts(ctx context.Context, scanID int64) ([]scanner.ListedPost, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT scan_id, ts, title, author, link FROM listed_posts WHERE scan_id = $1 ORDER BY ts, title`,
		scanID,
	)
	if err != nil {
		return nil, fmt.Errorf("query listed posts: %w", err)
	}
	defer rows.Close()

	var posts []scanner.ListedPost
	for rows.Next() {
		var p scanner.ListedPost
		if err := rows.Scan(&p.ScanID, &p.Timestamp, &p.Title, &p.Author, &p.Link); err != nil {
			return nil, fmt.Errorf("scan listed post: %w", err)
		}
		posts = append(posts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listed posts rows: %w", err)
	}
	return posts, nil
}

// PostDetails returns every enriched detail row harvested by the scan.
func (s *Store) PostDetails(ctx context.Context, scanID int64) ([]scanner.PostDetail, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT scan_id, batch_key, title, content, ts, author, link, original_language, original_text, translated_language, translated_text, translated, classification, sentiment, positive_score, neutral_score, negative_score, added_at FROM post_details WHERE scan_id = $1 ORDER BY batch_key, ts`,
		scanID,
	)
	if err != nil {
		return nil, fmt.Errorf("query post details: %w", err)
	}
	defer rows.Close()

	var details []scanner.PostDetail
	for rows.Next() {
		var d scanner.PostDetail
		if err := rows.Scan(
			&d.ScanID, &d.BatchKey, &d.Title, &d.Content, &d.Timestamp, &d.Author, &d.Link,
			&d.OriginalLanguage, &d.OriginalText, &d.TranslatedLanguage, &d.TranslatedText, &d.Translated,
			&d.Classification, &d.Sentiment, &d.PositiveScore, &d.NeutralScore, &d.NegativeScore, &d.AddedAt,
		); err != nil {
			return nil, fmt.Errorf("scan post detail: %w", err)
		}
		details = append(details, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("post details rows: %w", err)
	}
	return details, nil
}

// EligibleBots returns the activated bots registered for the purpose.
func (s *Store) EligibleBots(ctx context.Context, purpose scanner.BotPurpose) ([]scanner.BotIdentity, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, username, password, purpose, proxy, user_agent, session FROM bots WHERE purpose = $1 AND session <> '' ORDER BY id`,
		purpose,
	)
	if err != nil {
		return nil, fmt.Errorf("query bots: %w", err)
	}
	defer rows.Close()

	var bots []scanner.BotIdentity
	for rows.Next() {
		var b scanner.BotIdentity
		if err := rows.Scan(&b.ID, &b.Username, &b.Password, &b.Purpose, &b.Proxy, &b.UserAgent, &b.Session); err != nil {
			return nil, fmt.Errorf("scan bot: %w", err)
		}
		bots = append(bots, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("bots rows: %w", err)
	}
	return bots, nil
}

// UpdateBotSession stores the session token earned by a bot's login.
func (s *Store) UpdateBotSession(ctx context.Context, username, session string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE bots SET session = $1 WHERE username = $2`,
		session, username,
	)
	if err != nil {
		return fmt.Errorf("update bot session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("bot %s not registered", username)
	}
	return nil
}

// ActiveAPI returns the active credentials for an external service kind.
func (s *Store) ActiveAPI(ctx context.Context, kind string) (scanner.APICredentials, error) {
	var creds scanner.APICredentials
	err := s.pool.QueryRow(ctx,
		`SELECT kind, api_key, endpoint, model, prompt, max_tokens FROM api_credentials WHERE kind = $1 AND active ORDER BY id DESC LIMIT 1`,
		kind,
	).Scan(&creds.Kind, &creds.Key, &creds.Endpoint, &creds.Model, &creds.Prompt, &creds.MaxTokens)
	if errors.Is(err, pgx.ErrNoRows) {
		return scanner.APICredentials{}, fmt.Errorf("no active %s credentials", kind)
	}
	if err != nil {
		return scanner.APICredentials{}, fmt.Errorf("query api credentials: %w", err)
	}
	return creds, nil
}

// WatchTargets returns every watchlist entry.
func (s *Store) WatchTargets(ctx context.Context) ([]scanner.WatchTarget, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, profile_link, priority, frequency FROM watch_targets ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("query watch targets: %w", err)
	}
	defer rows.Close()

	var targets []scanner.WatchTarget
	for rows.Next() {
		var t scanner.WatchTarget
		if err := rows.Scan(&t.ID, &t.Name, &t.ProfileLink, &t.Priority, &t.Frequency); err != nil {
			return nil, fmt.Errorf("scan watch target: %w", err)
		}
		targets = append(targets, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("watch targets rows: %w", err)
	}
	return targets, nil
}

// SaveProfileSnapshot inserts one polled profile view. The posts and
// comments tables are stored as JSONB.
func (s *Store) SaveProfileSnapshot(ctx context.Context, snap scanner.ProfileSnapshot) error {
	postsJSON, err := json.Marshal(snap.Posts)
	if err != nil {
		return fmt.Errorf("marshal profile posts: %w", err)
	}
	commentsJSON, err := json.Marshal(snap.Comments)
	if err != nil {
		return fmt.Errorf("marshal profile comments: %w", err)
	}
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO profile_snapshots (watch_id, username, total_posts, avatar_url, posts, comments, post_count, comment_count, scanned_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		snap.WatchID, snap.Username, snap.TotalPosts, snap.AvatarURL, postsJSON, commentsJSON, snap.PostCount, snap.CommentCount, snap.ScannedAt,
	); err != nil {
		return fmt.Errorf("insert profile snapshot: %w", err)
	}
	return nil
}

// Begin opens one batch's storage transaction.
func (s *Store) Begin(ctx context.Context) (scanner.ItemTx, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin batch tx: %w", err)
	}
	return &itemTx{tx: tx}, nil
}

type itemTx struct {
	tx pgx.Tx
}

// InsertListedPost inserts a listing row, reporting false when the
// natural key already exists.
func (t *itemTx) InsertListedPost(ctx context.Context, post scanner.ListedPost) (bool, error) {
	tag, err := t.tx.Exec(ctx,
		`INSERT INTO listed_posts (scan_id, ts, title, author, link) VALUES ($1, $2, $3, $4, $5) ON CONFLICT (scan_id, ts, title, link) DO NOTHING`,
		post.ScanID, post.Timestamp, post.Title, post.Author, post.Link,
	)
	if err != nil {
		return false, fmt.Errorf("insert listed post: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// InsertPostDetail inserts a detail row, reporting false when the
// natural key already exists.
func (t *itemTx) InsertPostDetail(ctx context.Context, detail scanner.PostDetail) (bool, error) {
	tag, err := t.tx.Exec(ctx,
		`INSERT INTO post_details (scan_id, batch_key, title, content, ts, author, link, original_language, original_text, translated_language, translated_text, translated, classification, sentiment, positive_score, neutral_score, negative_score, added_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18) ON CONFLICT (scan_id, ts, batch_key) DO NOTHING`,
		detail.ScanID, detail.BatchKey, detail.Title, detail.Content, detail.Timestamp, detail.Author, detail.Link,
		detail.OriginalLanguage, detail.OriginalText, detail.TranslatedLanguage, detail.TranslatedText, detail.Translated,
		detail.Classification, detail.Sentiment, detail.PositiveScore, detail.NeutralScore, detail.NegativeScore, detail.AddedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert post detail: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (t *itemTx) Commit(ctx context.Context) error {
	return t.tx.Commit(ctx)
}

func (t *itemTx) Rollback(ctx context.Context) error {
	return t.tx.Rollback(ctx)
}
