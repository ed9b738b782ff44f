package harvest

import (
	"fmt"

	"github.com/gocolly/colly/v2"

	"github.com/calyptra/tornet-scanner/internal/scanner"
)

// listingRowsPerPage caps how many rows are read from one listing
// page. The marketplace pads long pages with promoted rows below the
// fold, so anything past the first ten is noise.
const listingRowsPerPage = 10

// ScrapeListing fetches one listing page and extracts its post rows.
// The collector is cloned so per-page callbacks do not accumulate.
func ScrapeListing(c *colly.Collector, pageURL string, scanID int64) ([]scanner.ListedPost, error) {
	page := c.Clone()

	var posts []scanner.ListedPost
	rows := 0
	page.OnHTML("table.table-dark tbody tr", func(e *colly.HTMLElement) {
		rows++
		if rows > listingRowsPerPage {
			return
		}
		title := e.ChildText("td:nth-child(1)")
		link := e.ChildAttr("td:nth-child(5) a", "href")
		if title == "" || link == "" {
			return
		}
		posts = append(posts, scanner.ListedPost{
			ScanID:    scanID,
			Timestamp: e.ChildText("td:nth-child(3)"),
			Title:     title,
			Author:    e.ChildText("td:nth-child(2) a"),
			Link:      link,
		})
	})

	var fetchErr error
	page.OnError(func(r *colly.Response, err error) {
		fetchErr = fmt.Errorf("fetch %s (status %d): %w", pageURL, r.StatusCode, err)
	})

	if err := page.Visit(pageURL); err != nil {
		return nil, fmt.Errorf("visit %s: %w", pageURL, err)
	}
	page.Wait()
	if fetchErr != nil {
		return nil, fetchErr
	}
	return posts, nil
}
