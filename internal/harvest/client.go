// Package harvest scrapes listing pages, post pages, and profiles
// through bot sessions.
package harvest

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/calyptra/tornet-scanner/internal/scanner"
)

// NewCollector builds a colly collector bound to one bot: its circuit
// proxy, its user agent, and its session cookie. siteURL scopes the
// cookie.
func NewCollector(bot scanner.BotIdentity, siteURL string, timeout time.Duration) (*colly.Collector, error) {
	c := colly.NewCollector(
		colly.UserAgent(bot.UserAgent),
		colly.AllowURLRevisit(),
	)
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c.SetRequestTimeout(timeout)

	if bot.Proxy != "" {
		if err := c.SetProxy(bot.Proxy); err != nil {
			return nil, fmt.Errorf("set proxy for %s: %w", bot.Username, err)
		}
	}
	if bot.Session != "" {
		cookie := &http.Cookie{Name: "session", Value: bot.SessionValue()}
		if err := c.SetCookies(siteURL, []*http.Cookie{cookie}); err != nil {
			return nil, fmt.Errorf("set session cookie for %s: %w", bot.Username, err)
		}
	}
	return c, nil
}
