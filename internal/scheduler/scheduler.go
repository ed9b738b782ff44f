// Package scheduler distributes scan batches across a bot pool.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/calyptra/tornet-scanner/internal/scanner"
)

// Assignment pairs one batch with the bot that will process it.
type Assignment struct {
	BatchKey string
	Bot      scanner.BotIdentity
}

// BatchResult is the outcome of one processed batch.
type BatchResult struct {
	BatchKey string
	Bot      string
	Items    int
	Dur      time.Duration
	Err      error
}

// Failed reports whether any batch in the set failed.
func Failed(results []BatchResult) bool {
	for _, r := range results {
		if r.Err != nil {
			return true
		}
	}
	return false
}

// Items sums the item counts of all successful batches.
func Items(results []BatchResult) int64 {
	var total int64
	for _, r := range results {
		if r.Err == nil {
			total += int64(r.Items)
		}
	}
	return total
}

// Assign maps batch keys onto bots round-robin: batch i goes to bot
// i mod pool size. Keys must already be in their stable order.
func Assign(keys []string, bots []scanner.BotIdentity) []Assignment {
	if len(bots) == 0 {
		return nil
	}
	assignments := make([]Assignment, len(keys))
	for i, key := range keys {
		assignments[i] = Assignment{BatchKey: key, Bot: bots[i%len(bots)]}
	}
	return assignments
}

// BatchFunc processes one assignment and reports how many items it
// produced.
type BatchFunc func(ctx context.Context, a Assignment) (int, error)

// Run executes the assignments: each bot works its own batches
// sequentially in assignment order, distinct bots run concurrently.
// The returned results are ordered by batch key order of the input.
func Run(ctx context.Context, assignments []Assignment, fn BatchFunc, log *zap.Logger) []BatchResult {
	results := make([]BatchResult, len(assignments))

	// Group assignment indexes per bot, preserving order.
	perBot := make(map[string][]int)
	var botOrder []string
	for i, a := range assignments {
		if _, seen := perBot[a.Bot.Username]; !seen {
			botOrder = append(botOrder, a.Bot.Username)
		}
		perBot[a.Bot.Username] = append(perBot[a.Bot.Username], i)
	}

	var wg sync.WaitGroup
	for _, bot := range botOrder {
		wg.Add(1)
		go func(indexes []int) {
			defer wg.Done()
			for _, i := range indexes {
				a := assignments[i]
				if err := ctx.Err(); err != nil {
					results[i] = BatchResult{BatchKey: a.BatchKey, Bot: a.Bot.Username, Err: err}
					continue
				}
				start := time.Now()
				items, err := fn(ctx, a)
				results[i] = BatchResult{
					BatchKey: a.BatchKey,
					Bot:      a.Bot.Username,
					Items:    items,
					Dur:      time.Since(start),
					Err:      err,
				}
				if err != nil {
					log.Warn("batch failed",
						zap.String("batch", a.BatchKey),
						zap.String("bot", a.Bot.Username),
						zap.Error(err),
					)
				}
			}
		}(perBot[bot])
	}
	wg.Wait()
	return results
}
