package geo

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Store is the slice of the redis cache the lookup needs.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Store(ctx context.Context, key string, ttl time.Duration, value string) error
}

// Cached memoizes another Lookup. Coordinates are rounded to four decimals
// (about 11 m), close enough for an address.
type Cached struct {
	next  Lookup
	store Store
	ttl   time.Duration
	log   *slog.Logger
}

func NewCached(next Lookup, store Store, ttl time.Duration, log *slog.Logger) *Cached {
	return &Cached{next: next, store: store, ttl: ttl, log: log.With("component", "geo")}
}

func cacheKey(lat, lon float64) string {
	return fmt.Sprintf("%.4f,%.4f", lat, lon)
}

func (c *Cached) ReverseGeocode(ctx context.Context, lat, lon float64) (string, error) {
	key := cacheKey(lat, lon)

	addr, ok, err := c.store.Get(ctx, key)
	switch {
	case err != nil:
		c.log.Warn("cache read failed", "key", key, "err", err)
	case ok:
		return addr, nil
	}

	addr, err = c.next.ReverseGeocode(ctx, lat, lon)
	if err != nil {
		return "", err
	}

	if err := c.store.Store(ctx, key, c.ttl, addr); err != nil {
		c.log.Warn("cache write failed", "key", key, "err", err)
	}
	return addr, nil
}
