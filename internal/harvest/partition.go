package harvest

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/calyptra/tornet-scanner/internal/scanner"
)

// Listing batches hold this many page URLs each.
const pagesPerBatch = 10

// BuildPagePartition enumerates listing page URLs from maxPage down to
// one and groups them into numbered batches of ten. Newest pages come
// first so fresh posts are harvested before old ones.
func BuildPagePartition(paginationURL string, maxPage int) scanner.Partition {
	partition := make(scanner.Partition)
	if maxPage <= 0 {
		return partition
	}

	base := strings.TrimSuffix(paginationURL, "/")
	batch := 0
	for page := maxPage; page >= 1; page-- {
		if (maxPage-page)%pagesPerBatch == 0 {
			batch++
		}
		key := strconv.Itoa(batch)
		partition[key] = append(partition[key], fmt.Sprintf("%s/%d", base, page))
	}
	return partition
}

// BuildDetailPartition groups post links into batches of batchSize with
// stable zero-padded keys. Relative links are resolved against siteURL.
func BuildDetailPartition(posts []scanner.ListedPost, siteURL string, batchSize int) scanner.Partition {
	partition := make(scanner.Partition)
	if batchSize <= 0 || len(posts) == 0 {
		return partition
	}

	for i, post := range posts {
		key := fmt.Sprintf("batch_%03d", i/batchSize+1)
		partition[key] = append(partition[key], ResolveLink(siteURL, post.Link))
	}
	return partition
}

// ResolveLink turns a listing-row link into an absolute post URL.
func ResolveLink(siteURL, link string) string {
	if strings.HasPrefix(link, "/") {
		return strings.TrimSuffix(siteURL, "/") + link
	}
	return link
}

// DetailTimestamps maps each post's resolved URL to the timestamp its
// listing row advertised, so detail pages can be checked against the
// listing they came from.
func DetailTimestamps(posts []scanner.ListedPost, siteURL string) map[string]string {
	expected := make(map[string]string, len(posts))
	for _, post := range posts {
		expected[ResolveLink(siteURL, post.Link)] = post.Timestamp
	}
	return expected
}
