package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/calyptra/tornet-scanner/internal/config"
	uuidgen "github.com/calyptra/tornet-scanner/internal/id/uuid"
	"github.com/calyptra/tornet-scanner/internal/scanner"
	"github.com/calyptra/tornet-scanner/internal/storage/memory"
	"github.com/calyptra/tornet-scanner/internal/telemetry"
)

type fakeCircuits struct {
	circuits     map[string]scanner.Circuit
	provisionErr error
}

func (f *fakeCircuits) Provision(context.Context) (scanner.Circuit, error) {
	if f.provisionErr != nil {
		return scanner.Circuit{}, f.provisionErr
	}
	circ := scanner.Circuit{Name: "torproxy_abcdef", HostPort: 40123, ProxyAddr: "socks5://127.0.0.1:40123", Running: true}
	f.circuits[circ.Name] = circ
	return circ, nil
}

func (f *fakeCircuits) Get(name string) (scanner.Circuit, bool) {
	circ, ok := f.circuits[name]
	return circ, ok
}

func (f *fakeCircuits) IsLive(_ context.Context, name string) (bool, error) {
	circ, ok := f.circuits[name]
	if !ok {
		return false, errors.New("circuit not tracked")
	}
	return circ.Running, nil
}

func (f *fakeCircuits) List() []scanner.Circuit {
	out := make([]scanner.Circuit, 0, len(f.circuits))
	for _, c := range f.circuits {
		out = append(out, c)
	}
	return out
}

func (f *fakeCircuits) Remove(_ context.Context, name string) error {
	if _, ok := f.circuits[name]; !ok {
		return errors.New("circuit not tracked")
	}
	delete(f.circuits, name)
	return nil
}

type fakeEngine struct {
	scan     scanner.Scan
	getErr   error
	startErr error
	stopErr  error
}

func (f *fakeEngine) Get(context.Context, scanner.ScanKind, int64) (scanner.Scan, error) {
	return f.scan, f.getErr
}

func (f *fakeEngine) Start(context.Context, scanner.ScanKind, int64) error { return f.startErr }

func (f *fakeEngine) Stop(scanner.ScanKind, int64) error { return f.stopErr }

type fakeActivator struct {
	session string
	err     error
	done    chan struct{}
}

func (f *fakeActivator) Activate(context.Context, scanner.BotIdentity) (string, error) {
	if f.done != nil {
		defer close(f.done)
	}
	return f.session, f.err
}

func newTestServer(t *testing.T, engine *fakeEngine, cfg config.Config) (*Server, *fakeCircuits, *memory.Store) {
	t.Helper()
	telemetry.Init()
	circuits := &fakeCircuits{circuits: make(map[string]scanner.Circuit)}
	store := memory.NewStore()
	activator := &fakeActivator{session: "session=tok"}
	return NewServer(circuits, engine, store, store, activator, store, uuidgen.New(), zap.NewNop(), cfg), circuits, store
}

func doRequest(t *testing.T, s *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestServer(t, &fakeEngine{}, config.Config{})

	rec := doRequest(t, s, http.MethodGet, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, s, http.MethodGet, "/readyz")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, s, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAPIKeyMiddleware(t *testing.T) {
	t.Parallel()

	cfg := config.Config{}
	cfg.Auth.Enabled = true
	cfg.Auth.APIKey = "sekrit"
	s, _, _ := newTestServer(t, &fakeEngine{}, cfg)

	rec := doRequest(t, s, http.MethodGet, "/v1/circuits")
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/circuits", nil)
	req.Header.Set("X-API-Key", "sekrit")
	ok := httptest.NewRecorder()
	s.Handler().ServeHTTP(ok, req)
	require.Equal(t, http.StatusOK, ok.Code)
}

func TestProvisionCircuit(t *testing.T) {
	t.Parallel()

	s, circuits, _ := newTestServer(t, &fakeEngine{}, config.Config{})

	rec := doRequest(t, s, http.MethodPost, "/v1/circuits")
	require.Equal(t, http.StatusCreated, rec.Code)

	var circ scanner.Circuit
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &circ))
	require.Equal(t, "torproxy_abcdef", circ.Name)

	rec = doRequest(t, s, http.MethodGet, "/v1/circuits/torproxy_abcdef")
	require.Equal(t, http.StatusOK, rec.Code)

	var status struct {
		Circuit scanner.Circuit `json:"circuit"`
		Live    bool            `json:"live"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	require.Equal(t, "torproxy_abcdef", status.Circuit.Name)
	require.True(t, status.Live)

	rec = doRequest(t, s, http.MethodDelete, "/v1/circuits/torproxy_abcdef")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, circuits.circuits)

	rec = doRequest(t, s, http.MethodGet, "/v1/circuits/torproxy_abcdef")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProvisionCircuitFailure(t *testing.T) {
	t.Parallel()

	s, circuits, _ := newTestServer(t, &fakeEngine{}, config.Config{})
	circuits.provisionErr = errors.New("no free port")

	rec := doRequest(t, s, http.MethodPost, "/v1/circuits")
	require.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestStartScanStatusMapping(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want int
	}{
		{"accepted", nil, http.StatusAccepted},
		{"not found", scanner.ErrScanNotFound, http.StatusNotFound},
		{"already running", scanner.ErrScanRunning, http.StatusConflict},
		{"already completed", scanner.ErrScanCompleted, http.StatusConflict},
		{"source not ready", scanner.ErrSourceNotReady, http.StatusPreconditionFailed},
		{"no batches", scanner.ErrNoBatches, http.StatusPreconditionFailed},
		{"no eligible bots", scanner.ErrNoEligibleBots, http.StatusPreconditionFailed},
		{"no work", scanner.ErrNoWork, http.StatusPreconditionFailed},
		{"internal", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			s, _, _ := newTestServer(t, &fakeEngine{startErr: tc.err}, config.Config{})
			rec := doRequest(t, s, http.MethodPost, "/v1/scans/listing/7/start")
			require.Equal(t, tc.want, rec.Code)
		})
	}
}

func TestScanParamValidation(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestServer(t, &fakeEngine{}, config.Config{})

	rec := doRequest(t, s, http.MethodPost, "/v1/scans/bogus/7/start")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, s, http.MethodPost, "/v1/scans/listing/zero/start")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStopScanNotRunning(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestServer(t, &fakeEngine{stopErr: scanner.ErrScanNotFound}, config.Config{})
	rec := doRequest(t, s, http.MethodPost, "/v1/scans/detail/3/stop")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestScanResultsByKind(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{scan: scanner.Scan{ID: 5, Name: "market-aug", Kind: scanner.ScanKindListing, Status: scanner.ScanStatusCompleted}}
	s, _, store := newTestServer(t, engine, config.Config{})

	ctx := context.Background()
	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	_, err = tx.InsertListedPost(ctx, scanner.ListedPost{ScanID: 5, Timestamp: "t1", Title: "p1", Link: "/post/1"})
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))

	rec := doRequest(t, s, http.MethodGet, "/v1/scans/listing/5/results")
	require.Equal(t, http.StatusOK, rec.Code)

	var payload struct {
		Scan  scanner.Scan         `json:"scan"`
		Posts []scanner.ListedPost `json:"posts"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.Equal(t, "market-aug", payload.Scan.Name)
	require.Len(t, payload.Posts, 1)
}

func TestActivateBotStoresSession(t *testing.T) {
	t.Parallel()

	telemetry.Init()
	circuits := &fakeCircuits{circuits: make(map[string]scanner.Circuit)}
	store := memory.NewStore()
	store.AddBot(scanner.BotIdentity{Username: "alpha", Purpose: scanner.PurposeMarketplace})
	activator := &fakeActivator{session: "session=fresh", done: make(chan struct{})}
	s := NewServer(circuits, &fakeEngine{}, store, store, activator, store, uuidgen.New(), zap.NewNop(), config.Config{})

	req := httptest.NewRequest(http.MethodPost, "/v1/bots/activate",
		strings.NewReader(`{"username":"alpha","password":"pw","purpose":"scrape_marketplace"}`))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	<-activator.done
	require.Eventually(t, func() bool {
		bots, err := store.EligibleBots(context.Background(), scanner.PurposeMarketplace)
		return err == nil && len(bots) == 1 && bots[0].SessionValue() == "fresh"
	}, time.Second, 10*time.Millisecond)
}

func TestActivateBotRejectsMissingCredentials(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestServer(t, &fakeEngine{}, config.Config{})
	req := httptest.NewRequest(http.MethodPost, "/v1/bots/activate", strings.NewReader(`{"username":"alpha"}`))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWatchlistEndpoint(t *testing.T) {
	t.Parallel()

	s, _, store := newTestServer(t, &fakeEngine{}, config.Config{})
	store.AddWatchTarget(scanner.WatchTarget{ID: 1, Name: "vendor9", ProfileLink: "/profile/vendor9", Frequency: "critical"})

	rec := doRequest(t, s, http.MethodGet, "/v1/watchlist")
	require.Equal(t, http.StatusOK, rec.Code)

	var payload struct {
		Targets []scanner.WatchTarget `json:"targets"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.Len(t, payload.Targets, 1)
	require.Equal(t, "vendor9", payload.Targets[0].Name)
}
