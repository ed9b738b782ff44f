package watch

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/calyptra/tornet-scanner/internal/clock/system"
	"github.com/calyptra/tornet-scanner/internal/scanner"
	"github.com/calyptra/tornet-scanner/internal/storage/memory"
)

func TestFrequencyInterval(t *testing.T) {
	t.Parallel()

	cases := []struct {
		frequency string
		want      time.Duration
	}{
		{"critical", 5 * time.Minute},
		{"very high", time.Hour},
		{"high", 6 * time.Hour},
		{"medium", 12 * time.Hour},
		{"low", 24 * time.Hour},
		{"bogus", 24 * time.Hour},
		{"", 24 * time.Hour},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, FrequencyInterval(tc.frequency), tc.frequency)
	}
}

func newTestWatcher(store *memory.Store, fetch ProfileFetcher) *Watcher {
	return NewWatcher(store, store, store, "http://example.onion", time.Second, system.Clock{}, zap.NewNop(),
		WithProfileFetcher(fetch),
		WithRandSource(rand.NewSource(1)),
	)
}

func TestPollSavesSnapshot(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	store.AddBot(scanner.BotIdentity{Username: "watcher1", Purpose: scanner.PurposeProfile, Session: "session=tok"})
	target := scanner.WatchTarget{ID: 4, Name: "vendor9", ProfileLink: "http://example.onion/profile/vendor9", Frequency: "critical"}
	store.AddWatchTarget(target)

	var gotBot scanner.BotIdentity
	var gotURL string
	w := newTestWatcher(store, func(_ context.Context, bot scanner.BotIdentity, profileURL string) (scanner.ProfileSnapshot, error) {
		gotBot = bot
		gotURL = profileURL
		return scanner.ProfileSnapshot{
			Username:   "vendor9",
			TotalPosts: "120",
			PostCount:  2,
		}, nil
	})

	w.Poll(context.Background(), target)

	require.Equal(t, "watcher1", gotBot.Username)
	require.Equal(t, target.ProfileLink, gotURL)

	snaps := store.ProfileSnapshots()
	require.Len(t, snaps, 1)
	require.Equal(t, int64(4), snaps[0].WatchID)
	require.Equal(t, "vendor9", snaps[0].Username)
	require.False(t, snaps[0].ScannedAt.IsZero())
}

func TestPollSkipsWithoutProfileBots(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	// A marketplace bot does not qualify for profile polling.
	store.AddBot(scanner.BotIdentity{Username: "lister", Purpose: scanner.PurposeMarketplace, Session: "session=tok"})

	called := false
	w := newTestWatcher(store, func(context.Context, scanner.BotIdentity, string) (scanner.ProfileSnapshot, error) {
		called = true
		return scanner.ProfileSnapshot{}, nil
	})

	w.Poll(context.Background(), scanner.WatchTarget{ID: 1, Name: "x", ProfileLink: "http://example.onion/profile/x"})

	require.False(t, called)
	require.Empty(t, store.ProfileSnapshots())
}

func TestPollToleratesFetchFailure(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	store.AddBot(scanner.BotIdentity{Username: "watcher1", Purpose: scanner.PurposeProfile, Session: "session=tok"})

	w := newTestWatcher(store, func(context.Context, scanner.BotIdentity, string) (scanner.ProfileSnapshot, error) {
		return scanner.ProfileSnapshot{}, errors.New("tunnel collapsed")
	})

	w.Poll(context.Background(), scanner.WatchTarget{ID: 2, Name: "y", ProfileLink: "http://example.onion/profile/y"})
	require.Empty(t, store.ProfileSnapshots())
}

func TestStartSchedulesEveryTarget(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	store.AddWatchTarget(scanner.WatchTarget{ID: 1, Name: "a", ProfileLink: "/profile/a", Frequency: "critical"})
	store.AddWatchTarget(scanner.WatchTarget{ID: 2, Name: "b", ProfileLink: "/profile/b", Frequency: "low"})

	w := newTestWatcher(store, func(context.Context, scanner.BotIdentity, string) (scanner.ProfileSnapshot, error) {
		return scanner.ProfileSnapshot{}, nil
	})

	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	require.Equal(t, 2, w.Entries())

	// Re-registering the same watchlist must not duplicate entries.
	require.NoError(t, w.Start(context.Background()))
	require.Equal(t, 2, w.Entries())
}
