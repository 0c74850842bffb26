package oracle

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"
)

// DefaultMaxAge is the freshness window applied when none is configured.
// A quote older than this is considered stale and blocks entry operations.
const DefaultMaxAge = time.Hour

// ErrNoFreshQuote indicates that no registered feed produced a quote within
// the freshness window.
var ErrNoFreshQuote = errors.New("oracle: no fresh anchor rate available")

// RateQuote captures an anchor rate observation along with the timestamp
// reported by the upstream feed and the feed identifier.
type RateQuote struct {
	Rate      *big.Int
	Timestamp time.Time
	Source    string
}

// Clone returns a deep copy of the quote to prevent accidental mutations.
func (q RateQuote) Clone() RateQuote {
	clone := RateQuote{Timestamp: q.Timestamp, Source: q.Source}
	if q.Rate != nil {
		clone.Rate = new(big.Int).Set(q.Rate)
	}
	return clone
}

// Feed resolves the current anchor rate quote at wad scale.
type Feed interface {
	AnchorQuote() (RateQuote, error)
}

// ManualFeed is a Feed whose observations are pushed in by an operator or a
// test. It retains the last observation indefinitely; staleness is judged by
// the consumer against the quote timestamp.
type ManualFeed struct {
	mu    sync.RWMutex
	quote RateQuote
	set   bool
}

// NewManualFeed constructs an empty manual feed.
func NewManualFeed(source string) *ManualFeed {
	return &ManualFeed{quote: RateQuote{Source: source}}
}

// Observe records a new anchor rate observation.
func (f *ManualFeed) Observe(rate *big.Int, at time.Time) {
	if f == nil || rate == nil {
		return
	}
	f.mu.Lock()
	f.quote.Rate = new(big.Int).Set(rate)
	f.quote.Timestamp = at
	f.set = true
	f.mu.Unlock()
}

// AnchorQuote implements the Feed interface.
func (f *ManualFeed) AnchorQuote() (RateQuote, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if !f.set {
		return RateQuote{}, fmt.Errorf("%w: feed %q has no observation", ErrNoFreshQuote, f.quote.Source)
	}
	return f.quote.Clone(), nil
}

// Aggregator consults registered feeds in priority order and serves the
// first quote obtained. It satisfies the engine's RateOracle contract:
// AnchorRate returns the last known value even past the freshness window so
// exit operations stay serviceable during an outage, while Stale gates the
// entry operations.
type Aggregator struct {
	mu       sync.RWMutex
	priority []string
	feeds    map[string]Feed
	maxAge   time.Duration
	last     RateQuote
	haveLast bool
}

// NewAggregator constructs an aggregator with the provided freshness window.
// A non-positive maxAge falls back to DefaultMaxAge.
func NewAggregator(maxAge time.Duration) *Aggregator {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Aggregator{
		feeds:  make(map[string]Feed),
		maxAge: maxAge,
	}
}

// Register adds a feed under the given identifier, appending it to the
// priority order if not already present.
func (a *Aggregator) Register(id string, feed Feed) {
	if a == nil || feed == nil || id == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.feeds[id]; !exists {
		a.priority = append(a.priority, id)
	}
	a.feeds[id] = feed
}

// refreshLocked pulls the best available quote into the cache.
func (a *Aggregator) refreshLocked() {
	for _, id := range a.priority {
		feed, ok := a.feeds[id]
		if !ok {
			continue
		}
		quote, err := feed.AnchorQuote()
		if err != nil || quote.Rate == nil {
			continue
		}
		if !a.haveLast || quote.Timestamp.After(a.last.Timestamp) {
			a.last = quote.Clone()
			a.haveLast = true
		}
	}
}

// AnchorRate returns the most recent anchor rate observation at wad scale,
// regardless of age. It errors only when no feed has ever produced a quote.
func (a *Aggregator) AnchorRate() (*big.Int, error) {
	if a == nil {
		return nil, ErrNoFreshQuote
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.refreshLocked()
	if !a.haveLast || a.last.Rate == nil {
		return nil, ErrNoFreshQuote
	}
	return new(big.Int).Set(a.last.Rate), nil
}

// Stale reports whether the newest observation is older than the freshness
// window relative to the supplied unix timestamp.
func (a *Aggregator) Stale(now int64) bool {
	if a == nil {
		return true
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.refreshLocked()
	if !a.haveLast {
		return true
	}
	age := now - a.last.Timestamp.Unix()
	return age > int64(a.maxAge/time.Second)
}

// LastQuote exposes the cached observation for diagnostics.
func (a *Aggregator) LastQuote() (RateQuote, bool) {
	if a == nil {
		return RateQuote{}, false
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if !a.haveLast {
		return RateQuote{}, false
	}
	return a.last.Clone(), true
}
