// Package watch polls watchlist profiles on priority-derived schedules.
package watch

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/calyptra/tornet-scanner/internal/harvest"
	"github.com/calyptra/tornet-scanner/internal/scanner"
)

// TargetSource lists the watchlist entries to poll.
type TargetSource interface {
	WatchTargets(ctx context.Context) ([]scanner.WatchTarget, error)
}

// ProfileFetcher retrieves one profile snapshot through the given bot.
type ProfileFetcher func(ctx context.Context, bot scanner.BotIdentity, profileURL string) (scanner.ProfileSnapshot, error)

// FrequencyInterval maps a watchlist frequency label to its polling
// interval. Unknown labels poll daily.
func FrequencyInterval(frequency string) time.Duration {
	switch frequency {
	case "critical":
		return 5 * time.Minute
	case "very high":
		return time.Hour
	case "high":
		return 6 * time.Hour
	case "medium":
		return 12 * time.Hour
	default:
		return 24 * time.Hour
	}
}

// Watcher schedules one recurring poll per watchlist entry.
type Watcher struct {
	source    TargetSource
	registry  scanner.Registry
	snapshots scanner.SnapshotStore
	fetch     ProfileFetcher
	clock     scanner.Clock
	log       *zap.Logger
	cron      *cron.Cron

	schedMu   sync.Mutex
	scheduled map[int64]cron.EntryID

	rngMu sync.Mutex
	rng   *rand.Rand
}

// Option customizes a Watcher.
type Option func(*Watcher)

// WithProfileFetcher overrides how profile pages are retrieved.
func WithProfileFetcher(fetch ProfileFetcher) Option {
	return func(w *Watcher) { w.fetch = fetch }
}

// WithRandSource seeds bot selection deterministically.
func WithRandSource(src rand.Source) Option {
	return func(w *Watcher) { w.rng = rand.New(src) }
}

// NewWatcher builds a Watcher that scrapes siteURL-relative profiles.
func NewWatcher(source TargetSource, registry scanner.Registry, snapshots scanner.SnapshotStore, siteURL string, timeout time.Duration, clock scanner.Clock, log *zap.Logger, opts ...Option) *Watcher {
	w := &Watcher{
		source:    source,
		registry:  registry,
		snapshots: snapshots,
		clock:     clock,
		log:       log,
		cron:      cron.New(),
		scheduled: make(map[int64]cron.EntryID),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	w.fetch = func(ctx context.Context, bot scanner.BotIdentity, profileURL string) (scanner.ProfileSnapshot, error) {
		c, err := harvest.NewCollector(bot, siteURL, timeout)
		if err != nil {
			return scanner.ProfileSnapshot{}, err
		}
		return harvest.ScrapeProfile(c, profileURL)
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start registers one cron entry per watchlist target and starts the
// scheduler. ctx bounds the individual polls, not the scheduler itself.
func (w *Watcher) Start(ctx context.Context) error {
	targets, err := w.source.WatchTargets(ctx)
	if err != nil {
		return err
	}
	for _, target := range targets {
		target := target
		w.schedMu.Lock()
		_, seen := w.scheduled[target.ID]
		w.schedMu.Unlock()
		if seen {
			continue
		}
		interval := FrequencyInterval(target.Frequency)
		id, err := w.cron.AddFunc("@every "+interval.String(), func() {
			w.Poll(ctx, target)
		})
		if err != nil {
			return err
		}
		w.schedMu.Lock()
		w.scheduled[target.ID] = id
		w.schedMu.Unlock()
		w.log.Info("watch target scheduled",
			zap.String("target", target.Name),
			zap.String("frequency", target.Frequency),
			zap.Duration("interval", interval),
		)
	}
	w.cron.Start()
	return nil
}

// Stop halts the scheduler and waits for in-flight polls.
func (w *Watcher) Stop() {
	<-w.cron.Stop().Done()
}

// Entries reports how many targets are scheduled.
func (w *Watcher) Entries() int {
	return len(w.cron.Entries())
}

// Poll scrapes one target's profile through a randomly chosen profile
// bot and persists the snapshot. Failures are logged, not returned: the
// next tick retries.
func (w *Watcher) Poll(ctx context.Context, target scanner.WatchTarget) {
	bot, err := w.pickBot(ctx)
	if err != nil {
		w.log.Warn("watch poll skipped", zap.String("target", target.Name), zap.Error(err))
		return
	}
	snap, err := w.fetch(ctx, bot, target.ProfileLink)
	if err != nil {
		w.log.Warn("watch poll failed",
			zap.String("target", target.Name),
			zap.String("bot", bot.Username),
			zap.Error(err),
		)
		return
	}
	snap.WatchID = target.ID
	snap.ScannedAt = w.clock.Now()
	if err := w.snapshots.SaveProfileSnapshot(ctx, snap); err != nil {
		w.log.Error("failed to save profile snapshot", zap.String("target", target.Name), zap.Error(err))
		return
	}
	w.log.Info("profile snapshot saved",
		zap.String("target", target.Name),
		zap.String("username", snap.Username),
		zap.Int("posts", snap.PostCount),
		zap.Int("comments", snap.CommentCount),
	)
}

func (w *Watcher) pickBot(ctx context.Context) (scanner.BotIdentity, error) {
	bots, err := w.registry.EligibleBots(ctx, scanner.PurposeProfile)
	if err != nil {
		return scanner.BotIdentity{}, err
	}
	pool := bots[:0]
	for _, b := range bots {
		if b.Eligible(scanner.PurposeProfile) {
			pool = append(pool, b)
		}
	}
	if len(pool) == 0 {
		return scanner.BotIdentity{}, scanner.ErrNoEligibleBots
	}
	w.rngMu.Lock()
	defer w.rngMu.Unlock()
	return pool[w.rng.Intn(len(pool))], nil
}
