package activate

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/proxy"

	"github.com/calyptra/tornet-scanner/internal/scanner"
)

// Challenge is one login challenge as served by the site: the image to
// solve plus every hidden form field that must accompany the answer.
type Challenge struct {
	Image        []byte
	HiddenFields map[string]string
}

// LoginResult is the parsed outcome of one login submission.
type LoginResult struct {
	Session        string
	WrongCode      bool
	BadCredentials bool
}

// Site is the login surface the activator drives. Implementations hold
// per-bot transport state (proxy, user agent, cookies).
type Site interface {
	FetchChallenge(ctx context.Context) (Challenge, error)
	SubmitLogin(ctx context.Context, username, password, code string, hidden map[string]string) (LoginResult, error)
}

// SiteFactory builds a Site bound to one bot's transport identity.
type SiteFactory func(bot scanner.BotIdentity) (Site, error)

// ForumSite drives the target forum's login form over one bot's circuit.
type ForumSite struct {
	client    *http.Client
	loginURL  string
	userAgent string
}

// NewForumSite builds a ForumSite routed through the bot's SOCKS proxy
// with the bot's user agent. A fresh cookie jar carries the pre-login
// session between the challenge fetch and the submission.
func NewForumSite(loginURL string, bot scanner.BotIdentity, timeout time.Duration) (*ForumSite, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("cookie jar: %w", err)
	}

	transport := &http.Transport{}
	if bot.Proxy != "" {
		proxyURL, err := url.Parse(bot.Proxy)
		if err != nil {
			return nil, fmt.Errorf("parse bot proxy %q: %w", bot.Proxy, err)
		}
		dialer, err := proxy.SOCKS5("tcp", proxyURL.Host, nil, proxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("socks dialer: %w", err)
		}
		ctxDialer, ok := dialer.(proxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("socks dialer: no context dial support")
		}
		transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return ctxDialer.DialContext(ctx, network, addr)
		}
	}

	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ForumSite{
		client: &http.Client{
			Jar:       jar,
			Timeout:   timeout,
			Transport: transport,
		},
		loginURL:  loginURL,
		userAgent: bot.UserAgent,
	}, nil
}

// FetchChallenge loads the login page, captures its hidden form
// fields verbatim, and downloads the challenge image.
func (s *ForumSite) FetchChallenge(ctx context.Context) (Challenge, error) {
	doc, err := s.getDocument(ctx, s.loginURL)
	if err != nil {
		return Challenge{}, err
	}

	hidden := make(map[string]string)
	doc.Find(`form input[type="hidden"]`).Each(func(_ int, sel *goquery.Selection) {
		name, ok := sel.Attr("name")
		if !ok || name == "" {
			return
		}
		value, _ := sel.Attr("value")
		hidden[name] = value
	})

	imgSrc, ok := doc.Find("form img.captcha, form img#captcha, form img").First().Attr("src")
	if !ok || imgSrc == "" {
		return Challenge{}, fmt.Errorf("login page has no challenge image")
	}
	imgURL, err := s.resolve(imgSrc)
	if err != nil {
		return Challenge{}, err
	}

	img, err := s.getBytes(ctx, imgURL)
	if err != nil {
		return Challenge{}, fmt.Errorf("fetch challenge image: %w", err)
	}
	return Challenge{Image: img, HiddenFields: hidden}, nil
}

// SubmitLogin posts the credentials, the challenge answer, and the
// replayed hidden fields, then classifies the outcome.
func (s *ForumSite) SubmitLogin(ctx context.Context, username, password, code string, hidden map[string]string) (LoginResult, error) {
	form := url.Values{}
	for name, value := range hidden {
		form.Set(name, value)
	}
	form.Set("username", username)
	form.Set("password", password)
	form.Set("captcha", code)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.loginURL, strings.NewReader(form.Encode()))
	if err != nil {
		return LoginResult{}, fmt.Errorf("build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if s.userAgent != "" {
		req.Header.Set("User-Agent", s.userAgent)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return LoginResult{}, fmt.Errorf("submit login: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return LoginResult{}, fmt.Errorf("read login response: %w", err)
	}

	if session := s.sessionCookie(resp); session != "" {
		return LoginResult{Session: session}, nil
	}

	page := strings.ToLower(string(body))
	switch {
	case strings.Contains(page, "invalid username or password"):
		return LoginResult{BadCredentials: true}, nil
	case strings.Contains(page, "captcha"):
		return LoginResult{WrongCode: true}, nil
	default:
		return LoginResult{}, fmt.Errorf("unrecognized login response (status %d)", resp.StatusCode)
	}
}

// sessionCookie looks for the post-login session cookie on the
// response and in the jar (the site sets it on a redirect hop).
func (s *ForumSite) sessionCookie(resp *http.Response) string {
	for _, c := range resp.Cookies() {
		if c.Name == "session" && c.Value != "" {
			return c.Value
		}
	}
	if u, err := url.Parse(s.loginURL); err == nil {
		for _, c := range s.client.Jar.Cookies(u) {
			if c.Name == "session" && c.Value != "" {
				return c.Value
			}
		}
	}
	return ""
}

func (s *ForumSite) resolve(ref string) (string, error) {
	base, err := url.Parse(s.loginURL)
	if err != nil {
		return "", fmt.Errorf("parse login url: %w", err)
	}
	refURL, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("parse image url %q: %w", ref, err)
	}
	return base.ResolveReference(refURL).String(), nil
}

func (s *ForumSite) getDocument(ctx context.Context, target string) (*goquery.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if s.userAgent != "" {
		req.Header.Set("User-Agent", s.userAgent)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", target, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: status %d", target, resp.StatusCode)
	}
	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", target, err)
	}
	return doc, nil
}

func (s *ForumSite) getBytes(ctx context.Context, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if s.userAgent != "" {
		req.Header.Set("User-Agent", s.userAgent)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", target, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: status %d", target, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 4<<20))
}
