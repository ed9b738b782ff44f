package circuit

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/proxy"
)

// Echo services queried through the circuit to learn its exit address.
// They are tried in order; the first readable answer wins.
var echoServices = []string{
	"https://checkip.amazonaws.com",
	"https://icanhazip.com",
	"https://api.ipify.org",
}

// ExitResolver discovers the public exit address of a SOCKS circuit.
type ExitResolver interface {
	ExitAddr(ctx context.Context, socksAddr string) (string, error)
}

// SocksExitResolver resolves exit addresses by querying echo services
// through the circuit's SOCKS listener.
type SocksExitResolver struct {
	Timeout time.Duration
}

// ExitAddr dials each echo service through the SOCKS proxy at socksAddr
// and returns the first address reported.
func (r SocksExitResolver) ExitAddr(ctx context.Context, socksAddr string) (string, error) {
	dialer, err := proxy.SOCKS5("tcp", socksAddr, nil, proxy.Direct)
	if err != nil {
		return "", fmt.Errorf("socks dialer %s: %w", socksAddr, err)
	}
	ctxDialer, ok := dialer.(proxy.ContextDialer)
	if !ok {
		return "", fmt.Errorf("socks dialer %s: no context dial support", socksAddr)
	}

	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return ctxDialer.DialContext(ctx, network, addr)
			},
		},
	}
	defer client.CloseIdleConnections()

	var lastErr error
	for _, svc := range echoServices {
		addr, err := fetchAddr(ctx, client, svc)
		if err != nil {
			lastErr = err
			continue
		}
		if addr != "" {
			return addr, nil
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("all echo services returned empty bodies")
	}
	return "", fmt.Errorf("resolve exit addr via %s: %w", socksAddr, lastErr)
}

func fetchAddr(ctx context.Context, client *http.Client, svc string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, svc, nil)
	if err != nil {
		return "", fmt.Errorf("build request %s: %w", svc, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("query %s: %w", svc, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("query %s: status %d", svc, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", svc, err)
	}
	return strings.TrimSpace(string(body)), nil
}
