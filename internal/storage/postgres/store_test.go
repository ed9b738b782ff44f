package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/calyptra/tornet-scanner/internal/scanner"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	store, err := NewWithPool(mock)
	require.NoError(t, err)
	return store, mock
}

func scanRows() *pgxmock.Rows {
	return pgxmock.NewRows([]string{
		"id", "name", "kind", "source_scan", "status", "started_at", "completed_at",
		"pagination_url", "max_page", "batch_size", "site_url",
	})
}

func TestGetScanReturnsRecord(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	started := time.Unix(1756500000, 0).UTC()

	mock.ExpectQuery("SELECT id, name, kind").
		WithArgs(scanner.ScanKindListing, int64(7)).
		WillReturnRows(scanRows().AddRow(
			int64(7), "market-aug", scanner.ScanKindListing, "pages-aug", scanner.ScanStatusRunning,
			&started, (*time.Time)(nil), "", 0, 0, "",
		))

	sc, err := store.GetScan(context.Background(), scanner.ScanKindListing, 7)
	require.NoError(t, err)
	require.Equal(t, "market-aug", sc.Name)
	require.Equal(t, scanner.ScanStatusRunning, sc.Status)
	require.NotNil(t, sc.StartedAt)
	require.Nil(t, sc.CompletedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetScanNotFound(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT id, name, kind").
		WithArgs(scanner.ScanKindListing, int64(99)).
		WillReturnRows(scanRows())

	_, err := store.GetScan(context.Background(), scanner.ScanKindListing, 99)
	require.ErrorIs(t, err, scanner.ErrScanNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateScanStatusPreservesNilTimestamps(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	completed := time.Unix(1756510000, 0).UTC()

	mock.ExpectExec("UPDATE scans SET status").
		WithArgs(scanner.ScanStatusCompleted, (*time.Time)(nil), &completed, scanner.ScanKindListing, int64(7)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := store.UpdateScanStatus(context.Background(), scanner.ScanKindListing, 7, scanner.ScanStatusCompleted, nil, &completed)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateScanStatusMissingRow(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE scans SET status").
		WithArgs(scanner.ScanStatusRunning, (*time.Time)(nil), (*time.Time)(nil), scanner.ScanKindDetail, int64(12)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := store.UpdateScanStatus(context.Background(), scanner.ScanKindDetail, 12, scanner.ScanStatusRunning, nil, nil)
	require.ErrorIs(t, err, scanner.ErrScanNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSavePartitionUpserts(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO scan_partitions").
		WithArgs(int64(3), []byte(`{"1":["http://example.onion/page/2","http://example.onion/page/1"]}`)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := store.SavePartition(context.Background(), 3, scanner.Partition{
		"1": {"http://example.onion/page/2", "http://example.onion/page/1"},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPartitionByScanName(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT p.batches FROM scan_partitions").
		WithArgs("pages-aug", scanner.ScanKindPagination).
		WillReturnRows(pgxmock.NewRows([]string{"batches"}).
			AddRow([]byte(`{"1":["a","b"],"2":["c"]}`)))

	partition, err := store.PartitionByScanName(context.Background(), "pages-aug")
	require.NoError(t, err)
	require.Equal(t, []string{"1", "2"}, partition.Keys())
	require.Equal(t, []string{"a", "b"}, partition["1"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPartitionByScanNameMissingIsEmpty(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT p.batches FROM scan_partitions").
		WithArgs("ghost", scanner.ScanKindPagination).
		WillReturnRows(pgxmock.NewRows([]string{"batches"}))

	partition, err := store.PartitionByScanName(context.Background(), "ghost")
	require.NoError(t, err)
	require.Empty(t, partition)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertListedPostReportsDuplicate(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	ctx := context.Background()

	post := scanner.ListedPost{
		ScanID:    7,
		Timestamp: "2026-08-29 14:02",
		Title:     "fresh dump",
		Author:    "vendor9",
		Link:      "/post/441",
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO listed_posts").
		WithArgs(post.ScanID, post.Timestamp, post.Title, post.Author, post.Link).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO listed_posts").
		WithArgs(post.ScanID, post.Timestamp, post.Title, post.Author, post.Link).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectCommit()

	tx, err := store.Begin(ctx)
	require.NoError(t, err)

	inserted, err := tx.InsertListedPost(ctx, post)
	require.NoError(t, err)
	require.True(t, inserted)

	inserted, err = tx.InsertListedPost(ctx, post)
	require.NoError(t, err)
	require.False(t, inserted, "conflicting natural key is skipped silently")

	require.NoError(t, tx.Commit(ctx))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertPostDetailRollsBack(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	ctx := context.Background()

	detail := scanner.PostDetail{
		ScanID:    9,
		BatchKey:  "batch_001",
		Title:     "creds pack",
		Content:   "contenido original",
		Timestamp: "2026-08-29 15:00",
		Author:    "vendor2",
		Link:      "http://example.onion/post/12",
		AddedAt:   time.Unix(1756520000, 0).UTC(),
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO post_details").
		WithArgs(
			detail.ScanID, detail.BatchKey, detail.Title, detail.Content, detail.Timestamp, detail.Author, detail.Link,
			detail.OriginalLanguage, detail.OriginalText, detail.TranslatedLanguage, detail.TranslatedText, detail.Translated,
			detail.Classification, detail.Sentiment, detail.PositiveScore, detail.NeutralScore, detail.NegativeScore, detail.AddedAt,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectRollback()

	tx, err := store.Begin(ctx)
	require.NoError(t, err)

	inserted, err := tx.InsertPostDetail(ctx, detail)
	require.NoError(t, err)
	require.True(t, inserted)

	require.NoError(t, tx.Rollback(ctx))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEligibleBotsQueriesActivatedOnly(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT id, username, password, purpose").
		WithArgs(scanner.PurposeMarketplace).
		WillReturnRows(pgxmock.NewRows([]string{"id", "username", "password", "purpose", "proxy", "user_agent", "session"}).
			AddRow(int64(1), "alpha", "pw", scanner.PurposeMarketplace, "socks5://127.0.0.1:40123", "Mozilla/5.0", "session=tok1"))

	bots, err := store.EligibleBots(context.Background(), scanner.PurposeMarketplace)
	require.NoError(t, err)
	require.Len(t, bots, 1)
	require.Equal(t, "alpha", bots[0].Username)
	require.Equal(t, "tok1", bots[0].SessionValue())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestActiveAPIMissingCredentials(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT kind, api_key, endpoint").
		WithArgs("vision").
		WillReturnRows(pgxmock.NewRows([]string{"kind", "api_key", "endpoint", "model", "prompt", "max_tokens"}))

	_, err := store.ActiveAPI(context.Background(), "vision")
	require.ErrorContains(t, err, "no active vision credentials")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveProfileSnapshot(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	scanned := time.Unix(1756530000, 0).UTC()

	snap := scanner.ProfileSnapshot{
		WatchID:    4,
		Username:   "vendor9",
		TotalPosts: "120",
		AvatarURL:  "http://example.onion/avatar/9.png",
		Posts: []scanner.ProfilePost{
			{Type: "selling", Category: "data", Title: "fresh dump", Price: "0.02", Date: "2026-08-29", Comments: "3", PostURL: "/post/441"},
		},
		Comments:     nil,
		PostCount:    1,
		CommentCount: 0,
		ScannedAt:    scanned,
	}

	mock.ExpectExec("INSERT INTO profile_snapshots").
		WithArgs(
			snap.WatchID, snap.Username, snap.TotalPosts, snap.AvatarURL,
			[]byte(`[{"type":"selling","category":"data","title":"fresh dump","price":"0.02","date":"2026-08-29","comments":"3","post_url":"/post/441"}]`),
			[]byte(`null`),
			snap.PostCount, snap.CommentCount, snap.ScannedAt,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := store.SaveProfileSnapshot(context.Background(), snap)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
