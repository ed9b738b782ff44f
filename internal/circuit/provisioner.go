// Package circuit provisions anonymizing relay containers and tracks
// their lifecycle.
package circuit

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/go-connections/nat"
	"go.uber.org/zap"

	"github.com/calyptra/tornet-scanner/internal/config"
	"github.com/calyptra/tornet-scanner/internal/scanner"
	"github.com/calyptra/tornet-scanner/internal/telemetry"
)

const (
	namePrefix = "torproxy_"
	socksPort  = nat.Port("9050/tcp")
)

// PortProber reports whether a host port is free to bind.
type PortProber func(port int) bool

// Provisioner creates, readies, and removes relay circuits.
type Provisioner struct {
	cfg       config.CircuitConfig
	api       ContainerAPI
	resolver  ExitResolver
	probe     PortProber
	clock     scanner.Clock
	log       *zap.Logger
	rng       *rand.Rand
	rngMu     sync.Mutex
	mu        sync.RWMutex
	circuits  map[string]scanner.Circuit
	container map[string]string
}

// Option customizes a Provisioner.
type Option func(*Provisioner)

// WithPortProber overrides the free-port check.
func WithPortProber(p PortProber) Option {
	return func(pr *Provisioner) { pr.probe = p }
}

// WithRandSource seeds the name and port randomness.
func WithRandSource(src rand.Source) Option {
	return func(pr *Provisioner) { pr.rng = rand.New(src) }
}

// NewProvisioner creates a Provisioner bound to a container engine and
// an exit resolver.
func NewProvisioner(cfg config.CircuitConfig, api ContainerAPI, resolver ExitResolver, clock scanner.Clock, log *zap.Logger, opts ...Option) *Provisioner {
	p := &Provisioner{
		cfg:       cfg,
		api:       api,
		resolver:  resolver,
		probe:     probeLocalPort,
		clock:     clock,
		log:       log,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		circuits:  make(map[string]scanner.Circuit),
		container: make(map[string]string),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// probeLocalPort treats a refused connection as a free port.
func probeLocalPort(port int) bool {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 500*time.Millisecond)
	if err != nil {
		return true
	}
	_ = conn.Close()
	return false
}

// Provision creates one circuit: finds a free host port, starts a relay
// container bound to it, and waits until the circuit answers through
// its SOCKS listener. On any failure the container is force-removed
// before the error is returned.
func (p *Provisioner) Provision(ctx context.Context) (scanner.Circuit, error) {
	port, err := p.freePort()
	if err != nil {
		return scanner.Circuit{}, &scanner.ProvisioningError{Stage: "port", Err: err}
	}
	name := p.randomName()

	created, err := p.api.ContainerCreate(ctx,
		&container.Config{
			Image:        p.cfg.Image,
			ExposedPorts: nat.PortSet{socksPort: struct{}{}},
		},
		&container.HostConfig{
			PortBindings: nat.PortMap{
				socksPort: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: strconv.Itoa(port)}},
			},
		},
		nil, nil, name)
	if err != nil {
		return scanner.Circuit{}, &scanner.ProvisioningError{Circuit: name, Stage: "create", Err: err}
	}

	if err := p.api.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		p.forceRemove(created.ID, name)
		return scanner.Circuit{}, &scanner.ProvisioningError{Circuit: name, Stage: "start", Err: err}
	}

	circ := scanner.Circuit{
		Name:      name,
		HostPort:  port,
		ProxyAddr: fmt.Sprintf("socks5://127.0.0.1:%d", port),
		CreatedAt: p.clock.Now(),
	}

	exit, err := p.awaitReady(ctx, circ)
	if err != nil {
		p.forceRemove(created.ID, name)
		return scanner.Circuit{}, &scanner.ProvisioningError{Circuit: name, Stage: "readiness", Err: err}
	}
	circ.ExitAddr = exit
	circ.Running = true

	p.mu.Lock()
	p.circuits[name] = circ
	p.container[name] = created.ID
	p.mu.Unlock()
	telemetry.IncCircuitsActive()

	p.log.Info("circuit provisioned",
		zap.String("circuit", name),
		zap.Int("port", port),
		zap.String("exit", exit),
	)
	return circ, nil
}

// awaitReady polls the circuit's SOCKS listener until an exit address
// resolves or the configured wait budget runs out.
func (p *Provisioner) awaitReady(ctx context.Context, circ scanner.Circuit) (string, error) {
	step := time.Duration(p.cfg.WaitStepSeconds) * time.Second
	if step <= 0 {
		step = 2 * time.Second
	}
	budget := time.Duration(p.cfg.WaitMaxSeconds) * time.Second

	var lastErr error
	for waited := time.Duration(0); ; waited += step {
		exit, err := p.resolver.ExitAddr(ctx, circ.SocksAddr())
		if err == nil && exit != "" {
			return exit, nil
		}
		lastErr = err
		if waited+step > budget {
			break
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(step):
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("circuit never reported an exit address")
	}
	return "", fmt.Errorf("circuit not ready within %ds: %w", p.cfg.WaitMaxSeconds, lastErr)
}

// freePort picks a random free host port in the configured range. It
// gives up after the configured number of attempts.
func (p *Provisioner) freePort() (int, error) {
	span := p.cfg.PortMax - p.cfg.PortMin + 1
	for i := 0; i < p.cfg.MaxPortAttempts; i++ {
		p.rngMu.Lock()
		port := p.cfg.PortMin + p.rng.Intn(span)
		p.rngMu.Unlock()
		if p.probe(port) {
			return port, nil
		}
	}
	return 0, fmt.Errorf("no free port in [%d,%d] after %d attempts", p.cfg.PortMin, p.cfg.PortMax, p.cfg.MaxPortAttempts)
}

func (p *Provisioner) randomName() string {
	const letters = "abcdefghijklmnopqrstuvwxyz"
	b := make([]byte, 6)
	p.rngMu.Lock()
	for i := range b {
		b[i] = letters[p.rng.Intn(len(letters))]
	}
	p.rngMu.Unlock()
	return namePrefix + string(b)
}

// forceRemove tears down a half-provisioned container. Removal errors
// are logged, not returned; the provisioning error takes precedence.
func (p *Provisioner) forceRemove(containerID, name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := p.api.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		p.log.Warn("failed to remove circuit container",
			zap.String("circuit", name),
			zap.Error(err),
		)
	}
}

// Get returns a tracked circuit by name.
func (p *Provisioner) Get(name string) (scanner.Circuit, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	circ, ok := p.circuits[name]
	return circ, ok
}

// List returns all tracked circuits.
func (p *Provisioner) List() []scanner.Circuit {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]scanner.Circuit, 0, len(p.circuits))
	for _, circ := range p.circuits {
		out = append(out, circ)
	}
	return out
}

// IsLive asks the container engine whether the circuit's container is
// still running. A circuit the provisioner does not track is an error,
// not merely dead.
func (p *Provisioner) IsLive(ctx context.Context, name string) (bool, error) {
	p.mu.RLock()
	containerID, ok := p.container[name]
	p.mu.RUnlock()
	if !ok {
		return false, fmt.Errorf("circuit %s not tracked", name)
	}
	info, err := p.api.ContainerInspect(ctx, containerID)
	if err != nil {
		return false, fmt.Errorf("inspect circuit %s: %w", name, err)
	}
	return info.State != nil && info.State.Running, nil
}

// Remove force-removes a circuit's container and forgets it.
func (p *Provisioner) Remove(ctx context.Context, name string) error {
	p.mu.Lock()
	containerID, ok := p.container[name]
	if ok {
		delete(p.circuits, name)
		delete(p.container, name)
	}
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("circuit %s not tracked", name)
	}
	telemetry.DecCircuitsActive()

	if err := p.api.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("remove circuit %s: %w", name, err)
	}
	p.log.Info("circuit removed", zap.String("circuit", name))
	return nil
}

// Reconcile lists relay containers left over from previous runs and
// force-removes any that are not tracked. Called once at startup.
func (p *Provisioner) Reconcile(ctx context.Context) error {
	list, err := p.api.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", namePrefix)),
	})
	if err != nil {
		return fmt.Errorf("list relay containers: %w", err)
	}
	p.mu.RLock()
	tracked := make(map[string]struct{}, len(p.container))
	for _, id := range p.container {
		tracked[id] = struct{}{}
	}
	p.mu.RUnlock()

	for _, c := range list {
		if _, ok := tracked[c.ID]; ok {
			continue
		}
		if err := p.api.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil {
			p.log.Warn("failed to remove stale relay container",
				zap.String("container", c.ID),
				zap.Error(err),
			)
			continue
		}
		p.log.Info("removed stale relay container", zap.Strings("names", c.Names))
	}
	return nil
}
