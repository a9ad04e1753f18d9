// Package geo resolves postal codes to coordinates and measures distances
// between them.
package geo

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"
)

const earthRadiusMiles = 3958.8

type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Geocoder resolves a postal code. The second result is false when the code is
// unknown; lookups never fail scoring.
type Geocoder interface {
	Resolve(ctx context.Context, postalCode string) (Point, bool)
}

// DistanceMiles is the great-circle distance between a and b.
func DistanceMiles(a, b Point) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)

	return 2 * earthRadiusMiles * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// NormalizePostalCode trims and upper-cases a code and drops inner spaces, so
// "sw1a 1aa" and "SW1A1AA" resolve to the same key.
func NormalizePostalCode(code string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(code), " ", ""))
}

// StaticGeocoder serves a fixed table, usually loaded from config.
type StaticGeocoder struct {
	points map[string]Point
}

func NewStaticGeocoder(points map[string]Point) *StaticGeocoder {
	normalized := make(map[string]Point, len(points))
	for code, p := range points {
		normalized[NormalizePostalCode(code)] = p
	}
	return &StaticGeocoder{points: normalized}
}

func (g *StaticGeocoder) Resolve(_ context.Context, postalCode string) (Point, bool) {
	p, ok := g.points[NormalizePostalCode(postalCode)]
	return p, ok
}

func (g *StaticGeocoder) Lookup(ctx context.Context, postalCode string) (Point, bool, error) {
	p, ok := g.Resolve(ctx, postalCode)
	return p, ok, nil
}

// Source is a lookup that reports backend failures separately from unknown
// codes.
type Source interface {
	Lookup(ctx context.Context, postalCode string) (Point, bool, error)
}

const (
	defaultGeoCacheEntries = 10000
	defaultMissTTL         = time.Hour
)

type CacheOptions struct {
	// MaxEntries bounds the memo; the oldest tenth is dropped when full.
	MaxEntries int
	// MissTTL is how long an unknown code is remembered.
	MissTTL time.Duration
}

// CachingGeocoder memoizes a Source. Hits are kept until evicted, misses for
// MissTTL, and lookup errors are not remembered.
type CachingGeocoder struct {
	next       Source
	maxEntries int
	missTTL    time.Duration
	now        func() time.Time

	mu    sync.Mutex
	known map[string]cachedPoint
	order []string
}

type cachedPoint struct {
	point     Point
	found     bool
	expiresAt time.Time
}

func NewCachingGeocoder(next Source, opts CacheOptions) *CachingGeocoder {
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = defaultGeoCacheEntries
	}
	if opts.MissTTL <= 0 {
		opts.MissTTL = defaultMissTTL
	}
	return &CachingGeocoder{
		next:       next,
		maxEntries: opts.MaxEntries,
		missTTL:    opts.MissTTL,
		now:        time.Now,
		known:      make(map[string]cachedPoint),
	}
}

func (g *CachingGeocoder) Resolve(ctx context.Context, postalCode string) (Point, bool) {
	key := NormalizePostalCode(postalCode)

	g.mu.Lock()
	cp, ok := g.known[key]
	if ok && !cp.found && g.now().After(cp.expiresAt) {
		delete(g.known, key)
		ok = false
	}
	g.mu.Unlock()
	if ok {
		return cp.point, cp.found
	}

	p, found, err := g.next.Lookup(ctx, key)
	if err != nil || ctx.Err() != nil {
		return Point{}, false
	}

	entry := cachedPoint{point: p, found: found}
	if !found {
		entry.expiresAt = g.now().Add(g.missTTL)
	}

	g.mu.Lock()
	if _, exists := g.known[key]; !exists {
		if len(g.known) >= g.maxEntries {
			g.evictLocked()
		}
		g.order = append(g.order, key)
		if len(g.order) > 2*g.maxEntries {
			g.compactLocked()
		}
	}
	g.known[key] = entry
	g.mu.Unlock()
	return p, found
}

func (g *CachingGeocoder) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.known)
}

// evictLocked drops the oldest tenth of the entries, at least one.
func (g *CachingGeocoder) evictLocked() {
	n := g.maxEntries / 10
	if n < 1 {
		n = 1
	}
	dropped := 0
	i := 0
	for ; i < len(g.order) && dropped < n; i++ {
		if _, ok := g.known[g.order[i]]; ok {
			delete(g.known, g.order[i])
			dropped++
		}
	}
	g.order = append([]string(nil), g.order[i:]...)
}

// compactLocked drops order slots left behind by expired misses.
func (g *CachingGeocoder) compactLocked() {
	seen := make(map[string]bool, len(g.known))
	kept := make([]string, 0, len(g.known))
	for _, k := range g.order {
		if _, ok := g.known[k]; ok && !seen[k] {
			seen[k] = true
			kept = append(kept, k)
		}
	}
	g.order = kept
}
