// Package identity generates believable desktop browser identities
// for bot sessions.
package identity

import (
	"fmt"
	"math/rand"
)

// Desktop platform strings rotated across generated agents. Mobile
// platforms are deliberately absent; the target site serves a reduced
// mobile layout that breaks the scrapers.
var platforms = []string{
	"Windows NT 10.0; Win64; x64",
	"Windows NT 11.0; Win64; x64",
	"Macintosh; Intel Mac OS X 10.15",
	"Macintosh; Intel Mac OS X 14.4",
	"X11; Linux x86_64",
	"X11; Ubuntu; Linux x86_64",
}

const (
	minFirefox = 115
	maxFirefox = 133
)

// UserAgentGenerator produces random Firefox desktop user-agent strings.
type UserAgentGenerator struct {
	rng *rand.Rand
}

// NewUserAgentGenerator returns a generator seeded from src. Pass a
// fixed-seed source in tests for reproducible output.
func NewUserAgentGenerator(src rand.Source) *UserAgentGenerator {
	return &UserAgentGenerator{rng: rand.New(src)}
}

// Generate returns one random Firefox desktop user-agent string.
func (g *UserAgentGenerator) Generate() string {
	platform := platforms[g.rng.Intn(len(platforms))]
	version := minFirefox + g.rng.Intn(maxFirefox-minFirefox+1)
	return fmt.Sprintf("Mozilla/5.0 (%s; rv:%d.0) Gecko/20100101 Firefox/%d.0", platform, version, version)
}
