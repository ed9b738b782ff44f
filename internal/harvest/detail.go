package harvest

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
	"golang.org/x/net/html"

	"github.com/calyptra/tornet-scanner/internal/scanner"
)

// ScrapeDetail fetches one post page and extracts its body and
// metadata. The raw page bytes come back alongside the parsed fields
// so callers can archive them.
//
// Post pages put everything in one card: the title in an h2 and the
// body, author link, and date all inside a single card-text paragraph.
// The body is whatever text precedes the "Posted by:" marker, and the
// date is the text node following the "Date:" label.
func ScrapeDetail(c *colly.Collector, postURL string) (scanner.RawDetail, []byte, error) {
	page := c.Clone()

	var detail scanner.RawDetail
	detail.Link = postURL
	page.OnHTML("h2.text-light", func(e *colly.HTMLElement) {
		if detail.Title == "" {
			detail.Title = strings.TrimSpace(e.Text)
		}
	})
	page.OnHTML("p.card-text.text-light", func(e *colly.HTMLElement) {
		text := e.DOM.Text()
		if i := strings.Index(text, "Posted by:"); i >= 0 {
			detail.Content = strings.TrimSpace(text[:i])
		} else {
			detail.Content = strings.TrimSpace(text)
		}
		detail.Author = e.ChildText("a.text-light")
		e.DOM.Find("strong").EachWithBreak(func(_ int, s *goquery.Selection) bool {
			if strings.TrimSpace(s.Text()) != "Date:" {
				return true
			}
			if n := s.Nodes[0].NextSibling; n != nil && n.Type == html.TextNode {
				detail.Timestamp = strings.TrimSpace(n.Data)
			}
			return false
		})
	})

	var raw []byte
	page.OnResponse(func(r *colly.Response) {
		raw = append([]byte(nil), r.Body...)
	})

	var fetchErr error
	page.OnError(func(r *colly.Response, err error) {
		fetchErr = fmt.Errorf("fetch %s (status %d): %w", postURL, r.StatusCode, err)
	})

	if err := page.Visit(postURL); err != nil {
		return scanner.RawDetail{}, nil, fmt.Errorf("visit %s: %w", postURL, err)
	}
	page.Wait()
	if fetchErr != nil {
		return scanner.RawDetail{}, nil, fetchErr
	}
	if detail.Title == "" && detail.Content == "" {
		return scanner.RawDetail{}, nil, &scanner.SkipError{Link: postURL, Reason: "page has no post body"}
	}
	return detail, raw, nil
}
