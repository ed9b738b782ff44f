// Package scan implements the scan lifecycle: guards, batch execution
// over the bot pool, and finalization.
package scan

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/calyptra/tornet-scanner/internal/archive"
	"github.com/calyptra/tornet-scanner/internal/harvest"
	"github.com/calyptra/tornet-scanner/internal/progress"
	"github.com/calyptra/tornet-scanner/internal/scanner"
	"github.com/calyptra/tornet-scanner/internal/scheduler"
	"github.com/calyptra/tornet-scanner/internal/telemetry"
)

// Enricher fills the enrichment columns of a post detail. Errors are
// item-scoped skips.
type Enricher interface {
	Enrich(ctx context.Context, raw scanner.RawDetail, detail *scanner.PostDetail) error
}

// Engine orchestrates scans end to end. Start methods validate and
// return quickly; the harvest itself runs in the background.
type Engine struct {
	registry  scanner.Registry
	scans     scanner.ScanStore
	items     scanner.ItemStore
	harvester Harvester
	enricher  Enricher
	pages     scanner.Archive
	emitter   progress.Emitter
	clock     scanner.Clock
	log       *zap.Logger
	baseCtx   context.Context

	mu      sync.Mutex
	active  map[string]context.CancelFunc
	workers sync.WaitGroup
}

// NewEngine builds an Engine. baseCtx bounds all background scan work;
// canceling it stops every running scan.
func NewEngine(baseCtx context.Context, registry scanner.Registry, scans scanner.ScanStore, items scanner.ItemStore, harvester Harvester, enricher Enricher, pages scanner.Archive, emitter progress.Emitter, clock scanner.Clock, log *zap.Logger) *Engine {
	return &Engine{
		registry:  registry,
		scans:     scans,
		items:     items,
		harvester: harvester,
		enricher:  enricher,
		pages:     pages,
		emitter:   emitter,
		clock:     clock,
		log:       log,
		baseCtx:   baseCtx,
		active:    make(map[string]context.CancelFunc),
	}
}

func scanKey(kind scanner.ScanKind, id int64) string {
	return fmt.Sprintf("%s/%d", kind, id)
}

// Get returns the scan record.
func (e *Engine) Get(ctx context.Context, kind scanner.ScanKind, id int64) (scanner.Scan, error) {
	return e.scans.GetScan(ctx, kind, id)
}

// Start validates the scan's preconditions and launches it. The guards
// run synchronously so callers get precise errors; harvesting happens
// in the background.
func (e *Engine) Start(ctx context.Context, kind scanner.ScanKind, id int64) error {
	sc, err := e.scans.GetScan(ctx, kind, id)
	if err != nil {
		return err
	}
	switch sc.Status {
	case scanner.ScanStatusRunning:
		return scanner.ErrScanRunning
	case scanner.ScanStatusCompleted:
		return scanner.ErrScanCompleted
	}

	// Reserve the scan before any further work so two concurrent Start
	// calls cannot both pass the guards. launch takes over the slot;
	// every other outcome releases it.
	key := scanKey(kind, id)
	if !e.reserve(key) {
		return scanner.ErrScanRunning
	}
	launched := false
	defer func() {
		if !launched {
			e.release(key)
		}
	}()

	switch kind {
	case scanner.ScanKindPagination:
		return e.startPagination(ctx, sc)
	case scanner.ScanKindListing:
		err = e.startListing(ctx, sc)
	case scanner.ScanKindDetail:
		err = e.startDetail(ctx, sc)
	default:
		return fmt.Errorf("unknown scan kind %q", kind)
	}
	launched = err == nil
	return err
}

// reserve claims the scan's active slot with a placeholder cancel. It
// reports false when the scan already holds the slot.
func (e *Engine) reserve(key string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.active[key]; busy {
		return false
	}
	e.active[key] = func() {}
	return true
}

func (e *Engine) release(key string) {
	e.mu.Lock()
	delete(e.active, key)
	e.mu.Unlock()
}

// Stop cancels a running scan. Its in-flight batches fail and the scan
// finalizes as stopped.
func (e *Engine) Stop(kind scanner.ScanKind, id int64) error {
	e.mu.Lock()
	cancel, ok := e.active[scanKey(kind, id)]
	e.mu.Unlock()
	if !ok {
		return scanner.ErrScanNotFound
	}
	cancel()
	return nil
}

// Wait blocks until all background scan work has finished. Used during
// shutdown, after canceling the engine's base context.
func (e *Engine) Wait() {
	e.workers.Wait()
}

// startPagination computes and saves the batch partition. There is no
// network work, so the whole lifecycle runs synchronously.
func (e *Engine) startPagination(ctx context.Context, sc scanner.Scan) error {
	if sc.MaxPage <= 0 || sc.PaginationURL == "" {
		return scanner.ErrNoWork
	}
	partition := harvest.BuildPagePartition(sc.PaginationURL, sc.MaxPage)

	startedAt := e.clock.Now()
	if err := e.scans.UpdateScanStatus(ctx, sc.Kind, sc.ID, scanner.ScanStatusRunning, &startedAt, nil); err != nil {
		return err
	}
	e.emit(sc, progress.StageScanStart, "", "", 0, 0, "")

	if err := e.scans.SavePartition(ctx, sc.ID, partition); err != nil {
		completedAt := e.clock.Now()
		if uerr := e.scans.UpdateScanStatus(ctx, sc.Kind, sc.ID, scanner.ScanStatusStopped, nil, &completedAt); uerr != nil {
			e.log.Error("failed to mark pagination scan stopped", zap.String("scan", sc.Name), zap.Error(uerr))
		}
		telemetry.ObserveScan(string(sc.Kind), string(scanner.ScanStatusStopped))
		e.emit(sc, progress.StageScanStopped, "", "", 0, 0, err.Error())
		return err
	}

	completedAt := e.clock.Now()
	if err := e.scans.UpdateScanStatus(ctx, sc.Kind, sc.ID, scanner.ScanStatusCompleted, nil, &completedAt); err != nil {
		return err
	}
	telemetry.ObserveScan(string(sc.Kind), string(scanner.ScanStatusCompleted))
	e.emit(sc, progress.StageScanDone, "", "", int64(len(partition)), completedAt.Sub(startedAt), "")
	e.log.Info("pagination scan completed",
		zap.String("scan", sc.Name),
		zap.Int("batches", len(partition)),
	)
	return nil
}

func (e *Engine) startListing(ctx context.Context, sc scanner.Scan) error {
	if err := e.sourceCompleted(ctx, scanner.ScanKindPagination, sc.SourceScan); err != nil {
		return err
	}
	partition, err := e.scans.PartitionByScanName(ctx, sc.SourceScan)
	if err != nil {
		return err
	}
	if len(partition) == 0 {
		return scanner.ErrNoBatches
	}
	bots, err := e.eligibleBots(ctx, scanner.PurposeMarketplace)
	if err != nil {
		return err
	}
	e.launch(ctx, sc, partition, bots, e.listingBatch)
	return nil
}

func (e *Engine) startDetail(ctx context.Context, sc scanner.Scan) error {
	src, err := e.sourceScan(ctx, scanner.ScanKindListing, sc.SourceScan)
	if err != nil {
		return err
	}
	posts, err := e.scans.ListedPosts(ctx, src.ID)
	if err != nil {
		return err
	}
	if len(posts) == 0 {
		return scanner.ErrNoWork
	}
	partition := harvest.BuildDetailPartition(posts, sc.SiteURL, sc.BatchSize)
	if len(partition) == 0 {
		return scanner.ErrNoBatches
	}
	if err := e.scans.SavePartition(ctx, sc.ID, partition); err != nil {
		return err
	}
	bots, err := e.eligibleBots(ctx, scanner.PurposePost)
	if err != nil {
		return err
	}
	expected := harvest.DetailTimestamps(posts, sc.SiteURL)
	e.launch(ctx, sc, partition, bots, func(ctx context.Context, sc scanner.Scan, a scheduler.Assignment, urls []string) (int, error) {
		return e.detailBatch(ctx, sc, a, urls, expected)
	})
	return nil
}

func (e *Engine) sourceScan(ctx context.Context, kind scanner.ScanKind, name string) (scanner.Scan, error) {
	if name == "" {
		return scanner.Scan{}, scanner.ErrSourceNotReady
	}
	src, err := e.registry.ScanByName(ctx, kind, name)
	if err != nil {
		if errors.Is(err, scanner.ErrScanNotFound) {
			return scanner.Scan{}, scanner.ErrSourceNotReady
		}
		return scanner.Scan{}, err
	}
	if src.Status != scanner.ScanStatusCompleted {
		return scanner.Scan{}, scanner.ErrSourceNotReady
	}
	return src, nil
}

func (e *Engine) sourceCompleted(ctx context.Context, kind scanner.ScanKind, name string) error {
	_, err := e.sourceScan(ctx, kind, name)
	return err
}

func (e *Engine) eligibleBots(ctx context.Context, purpose scanner.BotPurpose) ([]scanner.BotIdentity, error) {
	bots, err := e.registry.EligibleBots(ctx, purpose)
	if err != nil {
		return nil, err
	}
	pool := bots[:0]
	for _, b := range bots {
		if b.Eligible(purpose) {
			pool = append(pool, b)
		}
	}
	if len(pool) == 0 {
		return nil, scanner.ErrNoEligibleBots
	}
	return pool, nil
}

type batchFunc func(ctx context.Context, sc scanner.Scan, a scheduler.Assignment, urls []string) (int, error)

// launch marks the scan running and hands it to a background worker.
func (e *Engine) launch(ctx context.Context, sc scanner.Scan, partition scanner.Partition, bots []scanner.BotIdentity, fn batchFunc) {
	startedAt := e.clock.Now()
	if err := e.scans.UpdateScanStatus(ctx, sc.Kind, sc.ID, scanner.ScanStatusRunning, &startedAt, nil); err != nil {
		e.log.Error("failed to mark scan running", zap.String("scan", sc.Name), zap.Error(err))
	}
	e.emit(sc, progress.StageScanStart, "", "", 0, 0, "")

	runCtx, cancel := context.WithCancel(e.baseCtx)
	key := scanKey(sc.Kind, sc.ID)
	e.mu.Lock()
	e.active[key] = cancel
	e.mu.Unlock()

	e.workers.Add(1)
	go func() {
		defer e.workers.Done()
		defer func() {
			cancel()
			e.mu.Lock()
			delete(e.active, key)
			e.mu.Unlock()
		}()

		assignments := scheduler.Assign(partition.Keys(), bots)
		results := scheduler.Run(runCtx, assignments, func(ctx context.Context, a scheduler.Assignment) (int, error) {
			return fn(ctx, sc, a, partition[a.BatchKey])
		}, e.log)
		e.finalize(sc, startedAt, results)
	}()
}

// finalize records batch outcomes and the scan's terminal status: any
// failed batch stops the scan, otherwise it completes.
func (e *Engine) finalize(sc scanner.Scan, startedAt time.Time, results []scheduler.BatchResult) {
	for _, r := range results {
		if r.Err != nil {
			telemetry.ObserveBatch("error")
			e.emit(sc, progress.StageBatchError, r.BatchKey, r.Bot, 0, r.Dur, r.Err.Error())
			continue
		}
		telemetry.ObserveBatch("ok")
		e.emit(sc, progress.StageBatchDone, r.BatchKey, r.Bot, int64(r.Items), r.Dur, "")
	}

	status := scanner.ScanStatusCompleted
	stage := progress.StageScanDone
	if scheduler.Failed(results) {
		status = scanner.ScanStatusStopped
		stage = progress.StageScanStopped
	}

	completedAt := e.clock.Now()
	ctx, cancelStore := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelStore()
	if err := e.scans.UpdateScanStatus(ctx, sc.Kind, sc.ID, status, nil, &completedAt); err != nil {
		e.log.Error("failed to finalize scan",
			zap.String("scan", sc.Name),
			zap.String("status", string(status)),
			zap.Error(err),
		)
	}

	items := scheduler.Items(results)
	telemetry.ObserveScan(string(sc.Kind), string(status))
	telemetry.ObserveHarvested(string(sc.Kind), int(items))
	e.emit(sc, stage, "", "", items, completedAt.Sub(startedAt), "")
	e.log.Info("scan finalized",
		zap.String("scan", sc.Name),
		zap.String("kind", string(sc.Kind)),
		zap.String("status", string(status)),
		zap.Int64("items", items),
	)
}

// listingBatch harvests the batch's listing pages inside one isolated
// transaction. Duplicate rows are skipped silently.
func (e *Engine) listingBatch(ctx context.Context, sc scanner.Scan, a scheduler.Assignment, urls []string) (int, error) {
	tx, err := e.items.Begin(ctx)
	if err != nil {
		return 0, &scanner.BatchError{BatchKey: a.BatchKey, Bot: a.Bot.Username, Err: err}
	}
	defer func() { _ = tx.Rollback(ctx) }()

	count := 0
	for _, pageURL := range urls {
		posts, err := e.harvester.ListingPage(ctx, a.Bot, pageURL, sc.ID)
		if err != nil {
			return 0, &scanner.BatchError{BatchKey: a.BatchKey, Bot: a.Bot.Username, Err: err}
		}
		for _, post := range posts {
			inserted, err := tx.InsertListedPost(ctx, post)
			if err != nil {
				return 0, &scanner.BatchError{BatchKey: a.BatchKey, Bot: a.Bot.Username, Err: err}
			}
			if inserted {
				count++
			}
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, &scanner.BatchError{BatchKey: a.BatchKey, Bot: a.Bot.Username, Err: err}
	}
	return count, nil
}

// detailBatch harvests and enriches the batch's post pages inside one
// isolated transaction. Item-level failures skip the item only. A page
// whose timestamp disagrees with its listing row was swapped or edited
// between the two scans and is skipped as well.
func (e *Engine) detailBatch(ctx context.Context, sc scanner.Scan, a scheduler.Assignment, urls []string, expected map[string]string) (int, error) {
	tx, err := e.items.Begin(ctx)
	if err != nil {
		return 0, &scanner.BatchError{BatchKey: a.BatchKey, Bot: a.Bot.Username, Err: err}
	}
	defer func() { _ = tx.Rollback(ctx) }()

	count := 0
	for _, postURL := range urls {
		raw, body, err := e.harvester.PostPage(ctx, a.Bot, postURL)
		if err != nil {
			var skip *scanner.SkipError
			if errors.As(err, &skip) {
				e.emit(sc, progress.StageItemSkipped, a.BatchKey, a.Bot.Username, 0, 0, skip.Error())
				continue
			}
			return 0, &scanner.BatchError{BatchKey: a.BatchKey, Bot: a.Bot.Username, Err: err}
		}

		if want, ok := expected[postURL]; ok && raw.Timestamp != want {
			skip := &scanner.SkipError{Link: postURL, Reason: "timestamp does not match listing row"}
			e.emit(sc, progress.StageItemSkipped, a.BatchKey, a.Bot.Username, 0, 0, skip.Error())
			continue
		}

		if len(body) > 0 {
			if _, err := e.pages.Put(ctx, archive.ObjectPath(sc.Name, body), "text/html", body); err != nil {
				e.log.Warn("failed to archive raw page",
					zap.String("scan", sc.Name),
					zap.String("link", raw.Link),
					zap.Error(err),
				)
			}
		}

		detail := scanner.PostDetail{
			ScanID:    sc.ID,
			BatchKey:  a.BatchKey,
			Title:     raw.Title,
			Content:   raw.Content,
			Timestamp: raw.Timestamp,
			Author:    raw.Author,
			Link:      raw.Link,
			AddedAt:   e.clock.Now(),
		}
		if err := e.enricher.Enrich(ctx, raw, &detail); err != nil {
			var skip *scanner.SkipError
			if errors.As(err, &skip) {
				e.emit(sc, progress.StageItemSkipped, a.BatchKey, a.Bot.Username, 0, 0, skip.Error())
				continue
			}
			return 0, &scanner.BatchError{BatchKey: a.BatchKey, Bot: a.Bot.Username, Err: err}
		}

		inserted, err := tx.InsertPostDetail(ctx, detail)
		if err != nil {
			return 0, &scanner.BatchError{BatchKey: a.BatchKey, Bot: a.Bot.Username, Err: err}
		}
		if inserted {
			count++
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, &scanner.BatchError{BatchKey: a.BatchKey, Bot: a.Bot.Username, Err: err}
	}
	return count, nil
}

func (e *Engine) emit(sc scanner.Scan, stage progress.Stage, batchKey, bot string, items int64, dur time.Duration, note string) {
	if e.emitter == nil {
		return
	}
	e.emitter.Emit(progress.Event{
		ScanID:   sc.ID,
		Scan:     sc.Name,
		Kind:     string(sc.Kind),
		TS:       e.clock.Now(),
		Stage:    stage,
		BatchKey: batchKey,
		Bot:      bot,
		Items:    items,
		Dur:      dur,
		Note:     note,
	})
}
