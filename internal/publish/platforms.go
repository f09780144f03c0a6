package publish

import (
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Platform is one registered destination.
type Platform struct {
	ID        string
	Publisher Publisher
	// Timeout overrides the coordinator's run timeout when > 0.
	Timeout time.Duration
	// Limiter paces runs for this platform across all sessions; nil means unpaced.
	Limiter *rate.Limiter
}

type PlatformOption func(*Platform)

func WithTimeout(d time.Duration) PlatformOption {
	return func(p *Platform) { p.Timeout = d }
}

// WithRate allows perSec runs per second with a burst of at least one.
func WithRate(perSec float64) PlatformOption {
	return func(p *Platform) {
		if perSec > 0 {
			p.Limiter = rate.NewLimiter(rate.Limit(perSec), max(1, int(perSec)))
		}
	}
}

// Platforms is the lookup table from platform id to adapter.
type Platforms struct {
	mu sync.RWMutex
	m  map[string]Platform
}

func NewPlatforms() *Platforms {
	return &Platforms{m: map[string]Platform{}}
}

func (ps *Platforms) Register(id string, pub Publisher, opts ...PlatformOption) {
	p := Platform{ID: id, Publisher: pub}
	for _, o := range opts {
		o(&p)
	}
	ps.mu.Lock()
	ps.m[id] = p
	ps.mu.Unlock()
}

// Replace swaps the whole table; runs already started keep their adapter.
func (ps *Platforms) Replace(next map[string]Platform) {
	m := make(map[string]Platform, len(next))
	for id, p := range next {
		p.ID = id
		m[id] = p
	}
	ps.mu.Lock()
	ps.m = m
	ps.mu.Unlock()
}

func (ps *Platforms) Lookup(id string) (Platform, bool) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	p, ok := ps.m[id]
	return p, ok
}

func (ps *Platforms) IDs() []string {
	ps.mu.RLock()
	out := make([]string, 0, len(ps.m))
	for id := range ps.m {
		out = append(out, id)
	}
	ps.mu.RUnlock()
	sort.Strings(out)
	return out
}
