// Package memory implements the record stores in process memory. It
// backs local development and tests.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/calyptra/tornet-scanner/internal/scanner"
)

// Store holds every record type behind one mutex. It implements
// scanner.Registry, scanner.ScanStore, scanner.ItemStore, and
// scanner.SnapshotStore.
type Store struct {
	mu         sync.Mutex
	scans      map[int64]scanner.Scan
	nextScanID int64
	partitions map[int64]scanner.Partition
	listed     []scanner.ListedPost
	listedKeys map[string]struct{}
	details    []scanner.PostDetail
	detailKeys map[string]struct{}
	bots       []scanner.BotIdentity
	apis       map[string]scanner.APICredentials
	snapshots  []scanner.ProfileSnapshot
	watchlist  []scanner.WatchTarget
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		scans:      make(map[int64]scanner.Scan),
		partitions: make(map[int64]scanner.Partition),
		listedKeys: make(map[string]struct{}),
		detailKeys: make(map[string]struct{}),
		apis:       make(map[string]scanner.APICredentials),
	}
}

func listedKey(p scanner.ListedPost) string {
	return fmt.Sprintf("%d|%s|%s|%s", p.ScanID, p.Timestamp, p.Title, p.Link)
}

func detailKey(d scanner.PostDetail) string {
	return fmt.Sprintf("%d|%s|%s", d.ScanID, d.Timestamp, d.BatchKey)
}

// AddScan registers a scan and returns it with an assigned id.
func (s *Store) AddScan(sc scanner.Scan) scanner.Scan {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextScanID++
	sc.ID = s.nextScanID
	if sc.Status == "" {
		sc.Status = scanner.ScanStatusStopped
	}
	s.scans[sc.ID] = sc
	return sc
}

// AddBot registers a bot identity.
func (s *Store) AddBot(bot scanner.BotIdentity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bot.ID = int64(len(s.bots) + 1)
	s.bots = append(s.bots, bot)
}

// UpdateBotSession stores the session token earned by a bot's login.
func (s *Store) UpdateBotSession(_ context.Context, username, session string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.bots {
		if s.bots[i].Username == username {
			s.bots[i].Session = session
			return nil
		}
	}
	return fmt.Errorf("bot %s not registered", username)
}

// SetAPI registers external service credentials under their kind.
func (s *Store) SetAPI(creds scanner.APICredentials) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apis[creds.Kind] = creds
}

// AddWatchTarget registers a watchlist entry.
func (s *Store) AddWatchTarget(target scanner.WatchTarget) {
	s.mu.Lock()
	defer s.mu.Unlock()
	target.ID = int64(len(s.watchlist) + 1)
	s.watchlist = append(s.watchlist, target)
}

// WatchTargets returns all watchlist entries.
func (s *Store) WatchTargets(context.Context) ([]scanner.WatchTarget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]scanner.WatchTarget, len(s.watchlist))
	copy(out, s.watchlist)
	return out, nil
}

// EligibleBots returns bots with the given purpose that hold a session.
func (s *Store) EligibleBots(_ context.Context, purpose scanner.BotPurpose) ([]scanner.BotIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []scanner.BotIdentity
	for _, b := range s.bots {
		if b.Eligible(purpose) {
			out = append(out, b)
		}
	}
	return out, nil
}

// ActiveAPI returns the credentials stored under kind.
func (s *Store) ActiveAPI(_ context.Context, kind string) (scanner.APICredentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	creds, ok := s.apis[kind]
	if !ok {
		return scanner.APICredentials{}, fmt.Errorf("no active %q credentials", kind)
	}
	return creds, nil
}

// ScanByName finds a scan by kind and name.
func (s *Store) ScanByName(_ context.Context, kind scanner.ScanKind, name string) (scanner.Scan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sc := range s.scans {
		if sc.Kind == kind && sc.Name == name {
			return sc, nil
		}
	}
	return scanner.Scan{}, scanner.ErrScanNotFound
}

// GetScan finds a scan by kind and id.
func (s *Store) GetScan(_ context.Context, kind scanner.ScanKind, id int64) (scanner.Scan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.scans[id]
	if !ok || sc.Kind != kind {
		return scanner.Scan{}, scanner.ErrScanNotFound
	}
	return sc, nil
}

// UpdateScanStatus sets the scan's status. Nil timestamps leave the
// stored values untouched.
func (s *Store) UpdateScanStatus(_ context.Context, kind scanner.ScanKind, id int64, status scanner.ScanStatus, startedAt, completedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.scans[id]
	if !ok || sc.Kind != kind {
		return scanner.ErrScanNotFound
	}
	sc.Status = status
	if startedAt != nil {
		sc.StartedAt = startedAt
	}
	if completedAt != nil {
		sc.CompletedAt = completedAt
	}
	s.scans[id] = sc
	return nil
}

// SavePartition stores the scan's batch partition, replacing any
// previous one.
func (s *Store) SavePartition(_ context.Context, scanID int64, partition scanner.Partition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := make(scanner.Partition, len(partition))
	for k, v := range partition {
		copied[k] = append([]string(nil), v...)
	}
	s.partitions[scanID] = copied
	return nil
}

// PartitionByScanName returns the partition saved by the named
// pagination scan.
func (s *Store) PartitionByScanName(_ context.Context, name string) (scanner.Partition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sc := range s.scans {
		if sc.Kind == scanner.ScanKindPagination && sc.Name == name {
			return s.partitions[id], nil
		}
	}
	return nil, scanner.ErrScanNotFound
}

// ListedPosts returns the posts harvested by a listing scan.
func (s *Store) ListedPosts(_ context.Context, scanID int64) ([]scanner.ListedPost, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []scanner.ListedPost
	for _, p := range s.listed {
		if p.ScanID == scanID {
			out = append(out, p)
		}
	}
	return out, nil
}

// PostDetails returns the details harvested by a detail scan.
func (s *Store) PostDetails(_ context.Context, scanID int64) ([]scanner.PostDetail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []scanner.PostDetail
	for _, d := range s.details {
		if d.ScanID == scanID {
			out = append(out, d)
		}
	}
	return out, nil
}

// SaveProfileSnapshot appends a watchlist snapshot.
func (s *Store) SaveProfileSnapshot(_ context.Context, snap scanner.ProfileSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = append(s.snapshots, snap)
	return nil
}

// ProfileSnapshots returns all stored snapshots.
func (s *Store) ProfileSnapshots() []scanner.ProfileSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]scanner.ProfileSnapshot, len(s.snapshots))
	copy(out, s.snapshots)
	return out
}

// Begin opens a buffered transaction. Inserts stay invisible until
// Commit; natural-key duplicates are reported, not stored.
func (s *Store) Begin(context.Context) (scanner.ItemTx, error) {
	return &memTx{store: s}, nil
}

type memTx struct {
	store   *Store
	listed  []scanner.ListedPost
	details []scanner.PostDetail
	done    bool
}

func (tx *memTx) InsertListedPost(_ context.Context, post scanner.ListedPost) (bool, error) {
	if tx.done {
		return false, fmt.Errorf("transaction already finished")
	}
	tx.store.mu.Lock()
	_, dup := tx.store.listedKeys[listedKey(post)]
	tx.store.mu.Unlock()
	if dup {
		return false, nil
	}
	for _, p := range tx.listed {
		if listedKey(p) == listedKey(post) {
			return false, nil
		}
	}
	tx.listed = append(tx.listed, post)
	return true, nil
}

func (tx *memTx) InsertPostDetail(_ context.Context, detail scanner.PostDetail) (bool, error) {
	if tx.done {
		return false, fmt.Errorf("transaction already finished")
	}
	tx.store.mu.Lock()
	_, dup := tx.store.detailKeys[detailKey(detail)]
	tx.store.mu.Unlock()
	if dup {
		return false, nil
	}
	for _, d := range tx.details {
		if detailKey(d) == detailKey(detail) {
			return false, nil
		}
	}
	tx.details = append(tx.details, detail)
	return true, nil
}

func (tx *memTx) Commit(context.Context) error {
	if tx.done {
		return fmt.Errorf("transaction already finished")
	}
	tx.done = true
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	for _, p := range tx.listed {
		key := listedKey(p)
		if _, dup := tx.store.listedKeys[key]; dup {
			continue
		}
		tx.store.listedKeys[key] = struct{}{}
		tx.store.listed = append(tx.store.listed, p)
	}
	for _, d := range tx.details {
		key := detailKey(d)
		if _, dup := tx.store.detailKeys[key]; dup {
			continue
		}
		tx.store.detailKeys[key] = struct{}{}
		tx.store.details = append(tx.store.details, d)
	}
	return nil
}

func (tx *memTx) Rollback(context.Context) error {
	tx.done = true
	tx.listed = nil
	tx.details = nil
	return nil
}
