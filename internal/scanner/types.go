// Package scanner defines core types shared across subsystems.
package scanner

import (
	"fmt"
	"sort"
	"strconv"
	"time"
)

// ScanStatus represents the lifecycle state of a scan.
type ScanStatus string

// Scan status values persisted in the scan store.
const (
	ScanStatusStopped   ScanStatus = "stopped"
	ScanStatusRunning   ScanStatus = "running"
	ScanStatusCompleted ScanStatus = "completed"
)

// ScanKind identifies which of the three scan types a record is.
type ScanKind string

// Scan kinds. Pagination scans enumerate listing pages, listing scans
// harvest post rows from those pages, and detail scans fetch and enrich
// individual posts from a completed listing scan.
const (
	ScanKindPagination ScanKind = "pagination"
	ScanKindListing    ScanKind = "listing"
	ScanKindDetail     ScanKind = "detail"
)

// BotPurpose tags a bot identity with the scan kind it serves.
type BotPurpose string

// Bot purposes recognized by the engine.
const (
	PurposeMarketplace BotPurpose = "scrape_marketplace"
	PurposePost        BotPurpose = "scrape_post"
	PurposeProfile     BotPurpose = "scrape_profile"
)

// Circuit describes one anonymizing egress point: a relay container
// bound to a local SOCKS port with a discovered exit address.
type Circuit struct {
	Name      string    `json:"name"`
	HostPort  int       `json:"host_port"`
	ProxyAddr string    `json:"proxy_addr"`
	ExitAddr  string    `json:"exit_addr"`
	Running   bool      `json:"running"`
	CreatedAt time.Time `json:"created_at"`
}

// SocksAddr returns the host:port the circuit's SOCKS listener is bound to.
func (c Circuit) SocksAddr() string {
	return fmt.Sprintf("127.0.0.1:%d", c.HostPort)
}

// BotIdentity is a credentialed automated actor. The session token is
// empty until the activator logs the bot in; a bot without a session
// is ineligible for scheduling.
type BotIdentity struct {
	ID        int64      `json:"id"`
	Username  string     `json:"username"`
	Password  string     `json:"-"`
	Purpose   BotPurpose `json:"purpose"`
	Proxy     string     `json:"proxy,omitempty"`
	UserAgent string     `json:"user_agent,omitempty"`
	Session   string     `json:"-"`
}

// Eligible reports whether the bot can be scheduled for the given purpose.
func (b BotIdentity) Eligible(purpose BotPurpose) bool {
	return b.Purpose == purpose && b.Session != ""
}

// SessionValue strips the cookie-name prefix the registry sometimes
// stores ("session=<value>") and returns the bare token.
func (b BotIdentity) SessionValue() string {
	const prefix = "session="
	if len(b.Session) > len(prefix) && b.Session[:len(prefix)] == prefix {
		return b.Session[len(prefix):]
	}
	return b.Session
}

// Scan is a named, stateful unit of orchestrated work. SourceScan is
// set for listing scans (pagination scan name) and detail scans
// (listing scan name); the remaining fields apply per kind.
type Scan struct {
	ID          int64      `json:"id"`
	Name        string     `json:"name"`
	Kind        ScanKind   `json:"kind"`
	SourceScan  string     `json:"source_scan,omitempty"`
	Status      ScanStatus `json:"status"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Pagination scans.
	PaginationURL string `json:"pagination_url,omitempty"`
	MaxPage       int    `json:"max_page,omitempty"`

	// Detail scans.
	BatchSize int    `json:"batch_size,omitempty"`
	SiteURL   string `json:"site_url,omitempty"`
}

// Partition maps stable batch keys to ordered lists of work-item URLs.
// It is computed once by a pagination scan and stored as JSON.
type Partition map[string][]string

// Keys returns the batch keys in numeric order.
func (p Partition) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, errA := strconv.Atoi(keys[i])
		b, errB := strconv.Atoi(keys[j])
		if errA != nil || errB != nil {
			return keys[i] < keys[j]
		}
		return a < b
	})
	return keys
}

// ListedPost is a listing-level harvested item. The natural key is
// (scan, timestamp, title, link); duplicates are silently dropped.
type ListedPost struct {
	ScanID    int64  `json:"scan_id"`
	Timestamp string `json:"timestamp"`
	Title     string `json:"title"`
	Author    string `json:"author"`
	Link      string `json:"link"`
}

// PostDetail is a detail-level enriched item. The natural key is
// (scan, timestamp, batch key).
type PostDetail struct {
	ScanID             int64     `json:"scan_id"`
	BatchKey           string    `json:"batch_key"`
	Title              string    `json:"title"`
	Content            string    `json:"content"`
	Timestamp          string    `json:"timestamp"`
	Author             string    `json:"author"`
	Link               string    `json:"link"`
	OriginalLanguage   string    `json:"original_language,omitempty"`
	OriginalText       string    `json:"original_text,omitempty"`
	TranslatedLanguage string    `json:"translated_language,omitempty"`
	TranslatedText     string    `json:"translated_text,omitempty"`
	Translated         bool      `json:"translated"`
	Classification     string    `json:"classification,omitempty"`
	Sentiment          string    `json:"sentiment,omitempty"`
	PositiveScore      float64   `json:"positive_score"`
	NeutralScore       float64   `json:"neutral_score"`
	NegativeScore      float64   `json:"negative_score"`
	AddedAt            time.Time `json:"added_at"`
}

// RawDetail is what the detail scraper extracts from a post page
// before enrichment.
type RawDetail struct {
	Title     string `json:"title"`
	Content   string `json:"content"`
	Author    string `json:"author"`
	Timestamp string `json:"timestamp"`
	Link      string `json:"link"`
}

// Translation is the normalized result of one translation call.
type Translation struct {
	SourceLang string `json:"source_lang"`
	Text       string `json:"text"`
	TargetLang string `json:"target_lang"`
	Translated bool   `json:"translated"`
}

// Scores holds the three-way classification probabilities exactly as
// returned by the classifier; they are never renormalized.
type Scores struct {
	Positive float64 `json:"positive"`
	Neutral  float64 `json:"neutral"`
	Negative float64 `json:"negative"`
}

// Classification is the parsed classifier verdict for one item.
type Classification struct {
	Label     string `json:"classification"`
	Sentiment string `json:"sentiment"`
	Scores    Scores `json:"scores"`
}

// APICredentials describe one external service account held by the
// registry: a key plus the model/prompt parameters used with it.
type APICredentials struct {
	Kind      string `json:"kind"`
	Key       string `json:"-"`
	Endpoint  string `json:"endpoint,omitempty"`
	Model     string `json:"model,omitempty"`
	Prompt    string `json:"prompt,omitempty"`
	MaxTokens int    `json:"max_tokens,omitempty"`
}

// WatchTarget is one watchlist entry polled by the profile watcher.
type WatchTarget struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	ProfileLink string `json:"profile_link"`
	Priority    string `json:"priority"`
	Frequency   string `json:"frequency"`
}

// ProfilePost is one row of a profile page's posts table.
type ProfilePost struct {
	Type     string `json:"type"`
	Category string `json:"category"`
	Title    string `json:"title"`
	Price    string `json:"price"`
	Date     string `json:"date"`
	Comments string `json:"comments"`
	PostURL  string `json:"post_url"`
}

// ProfileComment is one row of a profile page's comments table.
type ProfileComment struct {
	PostType string `json:"post_type"`
	Comment  string `json:"comment"`
	Date     string `json:"date"`
	PostURL  string `json:"post_comment_url"`
}

// ProfileSnapshot captures one polled view of a watched profile.
type ProfileSnapshot struct {
	WatchID      int64            `json:"watch_id"`
	Username     string           `json:"username"`
	TotalPosts   string           `json:"total_posts"`
	AvatarURL    string           `json:"avatar_url"`
	Posts        []ProfilePost    `json:"posts"`
	Comments     []ProfileComment `json:"comments"`
	PostCount    int              `json:"post_count"`
	CommentCount int              `json:"comment_count"`
	ScannedAt    time.Time        `json:"scanned_at"`
}
