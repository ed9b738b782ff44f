package circuit

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"regexp"
	"sync"
	"testing"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/calyptra/tornet-scanner/internal/clock/system"
	"github.com/calyptra/tornet-scanner/internal/config"
	"github.com/calyptra/tornet-scanner/internal/scanner"
	"github.com/calyptra/tornet-scanner/internal/telemetry"
)

type fakeContainerAPI struct {
	mu         sync.Mutex
	created    []string
	started    []string
	removed    []string
	startErr   error
	existing   []types.Container
	inspectErr error
	stopped    bool
}

func (f *fakeContainerAPI) ContainerCreate(_ context.Context, _ *container.Config, _ *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, name string) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, name)
	return container.CreateResponse{ID: "cid-" + name}, nil
}

func (f *fakeContainerAPI) ContainerStart(_ context.Context, containerID string, _ container.StartOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = append(f.started, containerID)
	return nil
}

func (f *fakeContainerAPI) ContainerInspect(_ context.Context, containerID string) (types.ContainerJSON, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inspectErr != nil {
		return types.ContainerJSON{}, f.inspectErr
	}
	return types.ContainerJSON{
		ContainerJSONBase: &types.ContainerJSONBase{
			ID:    containerID,
			State: &types.ContainerState{Running: !f.stopped},
		},
	}, nil
}

func (f *fakeContainerAPI) ContainerRemove(_ context.Context, containerID string, _ container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, containerID)
	return nil
}

func (f *fakeContainerAPI) ContainerList(_ context.Context, _ container.ListOptions) ([]types.Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.existing, nil
}

type staticResolver struct {
	addr string
	err  error
}

func (r staticResolver) ExitAddr(context.Context, string) (string, error) {
	return r.addr, r.err
}

func testConfig() config.CircuitConfig {
	return config.CircuitConfig{
		Image:           "osminogin/tor-simple",
		PortMin:         40001,
		PortMax:         60001,
		MaxPortAttempts: 100,
		WaitMaxSeconds:  2,
		WaitStepSeconds: 1,
	}
}

func newTestProvisioner(t *testing.T, api ContainerAPI, resolver ExitResolver, probe PortProber) *Provisioner {
	t.Helper()
	telemetry.Init()
	return NewProvisioner(testConfig(), api, resolver, system.Clock{}, zap.NewNop(),
		WithPortProber(probe),
		WithRandSource(rand.NewSource(7)),
	)
}

func TestProvisionSuccess(t *testing.T) {
	api := &fakeContainerAPI{}
	p := newTestProvisioner(t, api, staticResolver{addr: "185.220.101.4"}, func(int) bool { return true })

	circ, err := p.Provision(context.Background())
	require.NoError(t, err)

	require.Regexp(t, regexp.MustCompile(`^torproxy_[a-z]{6}$`), circ.Name)
	require.GreaterOrEqual(t, circ.HostPort, 40001)
	require.LessOrEqual(t, circ.HostPort, 60001)
	require.Equal(t, fmt.Sprintf("socks5://127.0.0.1:%d", circ.HostPort), circ.ProxyAddr)
	require.Equal(t, "185.220.101.4", circ.ExitAddr)
	require.True(t, circ.Running)

	require.Len(t, api.created, 1)
	require.Len(t, api.started, 1)
	require.Empty(t, api.removed)

	got, ok := p.Get(circ.Name)
	require.True(t, ok)
	require.Equal(t, circ, got)
	require.Len(t, p.List(), 1)
}

func TestProvisionNoFreePort(t *testing.T) {
	api := &fakeContainerAPI{}
	p := newTestProvisioner(t, api, staticResolver{addr: "1.2.3.4"}, func(int) bool { return false })

	_, err := p.Provision(context.Background())
	require.Error(t, err)

	var perr *scanner.ProvisioningError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, "port", perr.Stage)
	require.Empty(t, api.created, "no container should be created without a port")
}

func TestProvisionStartFailureRemovesContainer(t *testing.T) {
	api := &fakeContainerAPI{startErr: errors.New("engine unavailable")}
	p := newTestProvisioner(t, api, staticResolver{addr: "1.2.3.4"}, func(int) bool { return true })

	_, err := p.Provision(context.Background())
	require.Error(t, err)

	var perr *scanner.ProvisioningError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, "start", perr.Stage)
	require.Len(t, api.removed, 1, "half-provisioned container must be force-removed")
	require.Empty(t, p.List())
}

func TestProvisionReadinessFailureRemovesContainer(t *testing.T) {
	api := &fakeContainerAPI{}
	p := newTestProvisioner(t, api, staticResolver{err: errors.New("connection refused")}, func(int) bool { return true })

	_, err := p.Provision(context.Background())
	require.Error(t, err)

	var perr *scanner.ProvisioningError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, "readiness", perr.Stage)
	require.Len(t, api.removed, 1)
	require.Empty(t, p.List())
}

func TestRemove(t *testing.T) {
	api := &fakeContainerAPI{}
	p := newTestProvisioner(t, api, staticResolver{addr: "1.2.3.4"}, func(int) bool { return true })

	circ, err := p.Provision(context.Background())
	require.NoError(t, err)

	require.NoError(t, p.Remove(context.Background(), circ.Name))
	require.Len(t, api.removed, 1)
	_, ok := p.Get(circ.Name)
	require.False(t, ok)

	require.Error(t, p.Remove(context.Background(), circ.Name))
}

func TestIsLive(t *testing.T) {
	api := &fakeContainerAPI{}
	p := newTestProvisioner(t, api, staticResolver{addr: "1.2.3.4"}, func(int) bool { return true })

	circ, err := p.Provision(context.Background())
	require.NoError(t, err)

	live, err := p.IsLive(context.Background(), circ.Name)
	require.NoError(t, err)
	require.True(t, live)

	api.mu.Lock()
	api.stopped = true
	api.mu.Unlock()
	live, err = p.IsLive(context.Background(), circ.Name)
	require.NoError(t, err)
	require.False(t, live)

	_, err = p.IsLive(context.Background(), "torproxy_nosuch")
	require.Error(t, err)
}

func TestReconcileRemovesStaleContainers(t *testing.T) {
	api := &fakeContainerAPI{existing: []types.Container{
		{ID: "stale-1", Names: []string{"/torproxy_qwerty"}},
		{ID: "stale-2", Names: []string{"/torproxy_zxcvbn"}},
	}}
	p := newTestProvisioner(t, api, staticResolver{addr: "1.2.3.4"}, func(int) bool { return true })

	require.NoError(t, p.Reconcile(context.Background()))
	require.ElementsMatch(t, []string{"stale-1", "stale-2"}, api.removed)
}
