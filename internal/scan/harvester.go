package scan

import (
	"context"
	"time"

	"github.com/calyptra/tornet-scanner/internal/harvest"
	"github.com/calyptra/tornet-scanner/internal/policy/ratelimit"
	"github.com/calyptra/tornet-scanner/internal/scanner"
)

// Harvester fetches site pages through a bot's session. The engine
// depends on this interface so batch logic can be tested without a
// live site.
type Harvester interface {
	ListingPage(ctx context.Context, bot scanner.BotIdentity, pageURL string, scanID int64) ([]scanner.ListedPost, error)
	PostPage(ctx context.Context, bot scanner.BotIdentity, postURL string) (scanner.RawDetail, []byte, error)
}

// WebHarvester is the production Harvester: colly collectors per bot,
// rate limited per circuit.
type WebHarvester struct {
	siteURL string
	timeout time.Duration
	limiter *ratelimit.Limiter
}

// NewWebHarvester builds a WebHarvester. siteURL scopes session
// cookies.
func NewWebHarvester(siteURL string, timeout time.Duration, limiter *ratelimit.Limiter) *WebHarvester {
	return &WebHarvester{siteURL: siteURL, timeout: timeout, limiter: limiter}
}

// ListingPage scrapes one listing page as the given bot.
func (h *WebHarvester) ListingPage(ctx context.Context, bot scanner.BotIdentity, pageURL string, scanID int64) ([]scanner.ListedPost, error) {
	if err := h.limiter.Wait(ctx, bot.Proxy); err != nil {
		return nil, err
	}
	c, err := harvest.NewCollector(bot, h.siteURL, h.timeout)
	if err != nil {
		return nil, err
	}
	return harvest.ScrapeListing(c, pageURL, scanID)
}

// PostPage scrapes one post page as the given bot.
func (h *WebHarvester) PostPage(ctx context.Context, bot scanner.BotIdentity, postURL string) (scanner.RawDetail, []byte, error) {
	if err := h.limiter.Wait(ctx, bot.Proxy); err != nil {
		return scanner.RawDetail{}, nil, err
	}
	c, err := harvest.NewCollector(bot, h.siteURL, h.timeout)
	if err != nil {
		return scanner.RawDetail{}, nil, err
	}
	return harvest.ScrapeDetail(c, postURL)
}
