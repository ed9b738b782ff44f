package harvest

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"

	"github.com/calyptra/tornet-scanner/internal/scanner"
)

// ScrapeProfile fetches a user profile page: the header card plus the
// posts and comments tables. Post rows carry seven cells and comment
// rows four, which is how the two tables are told apart.
func ScrapeProfile(c *colly.Collector, profileURL string) (scanner.ProfileSnapshot, error) {
	page := c.Clone()

	var snap scanner.ProfileSnapshot
	page.OnHTML(".card.bg-dark.border-secondary.mb-4 .card-body", func(e *colly.HTMLElement) {
		username := e.ChildText("h5.text-light.mb-0")
		if username == "" || snap.Username != "" {
			return
		}
		snap.Username = username
		snap.TotalPosts = strings.TrimSpace(strings.TrimPrefix(e.ChildText("p.text-light.mb-0"), "Total Posts:"))
		snap.AvatarURL = e.Request.AbsoluteURL(e.ChildAttr("img.rounded-circle", "src"))
	})

	page.OnHTML("table.table-dark.table-hover tbody tr", func(e *colly.HTMLElement) {
		cells := e.DOM.Find("td")
		switch {
		case cells.Length() >= 7:
			snap.Posts = append(snap.Posts, scanner.ProfilePost{
				Type:     cellText(cells, 0),
				Category: cellText(cells, 1),
				Title:    cellText(cells, 2),
				Price:    cellText(cells, 3),
				Date:     cellText(cells, 4),
				Comments: cellText(cells, 5),
				PostURL:  cellHref(cells, 6),
			})
		case cells.Length() >= 4:
			snap.Comments = append(snap.Comments, scanner.ProfileComment{
				PostType: cellText(cells, 0),
				Comment:  cellText(cells, 1),
				Date:     cellText(cells, 2),
				PostURL:  cellHref(cells, 3),
			})
		}
	})

	var fetchErr error
	page.OnError(func(r *colly.Response, err error) {
		fetchErr = fmt.Errorf("fetch %s (status %d): %w", profileURL, r.StatusCode, err)
	})

	if err := page.Visit(profileURL); err != nil {
		return scanner.ProfileSnapshot{}, fmt.Errorf("visit %s: %w", profileURL, err)
	}
	page.Wait()
	if fetchErr != nil {
		return scanner.ProfileSnapshot{}, fetchErr
	}
	if snap.Username == "" {
		return scanner.ProfileSnapshot{}, fmt.Errorf("profile %s: no username found", profileURL)
	}
	snap.PostCount = len(snap.Posts)
	snap.CommentCount = len(snap.Comments)
	return snap, nil
}

func cellText(cells *goquery.Selection, i int) string {
	return strings.TrimSpace(cells.Eq(i).Text())
}

func cellHref(cells *goquery.Selection, i int) string {
	href, _ := cells.Eq(i).Find("a").Attr("href")
	return href
}
