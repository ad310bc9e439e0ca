// Package sources feeds the loop from Nightscout: a cache of entries,
// treatments and the profile that answers the loop's lookups, and a virtual
// pump describing the scheduled basal.
package sources

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mrcode/amaloop/internal/models"
)

// ErrNoClient is returned by Refresh when no client is configured
var ErrNoClient = errors.New("no client configured")

// Fetcher is the part of the Nightscout client the cache uses
type Fetcher interface {
	GetEntries(ctx context.Context, from, to time.Time, count int) ([]models.GlucoseEntry, error)
	GetTreatments(ctx context.Context, since time.Time, count int) ([]models.Treatment, error)
	GetProfile(ctx context.Context) (*models.ProfileStore, error)
}

// CacheOptions tune the cache
type CacheOptions struct {
	// Lookback is how much history is fetched; autosens needs a day
	Lookback time.Duration
	// MaxAge is how long fetched data is reused
	MaxAge time.Duration
	// ProfileName selects a profile of the store instead of the default one
	ProfileName string
	Logger      *zap.Logger
	Now         func() time.Time
}

// Cache holds the most recent Nightscout data
type Cache struct {
	client Fetcher
	opts   CacheOptions
	log    *zap.Logger

	mu         sync.RWMutex
	entries    []models.GlucoseEntry
	treatments []models.Treatment // newest first
	profile    *models.Profile
	cacheTime  time.Time
}

// NewCache creates an empty cache
func NewCache(client Fetcher, opts CacheOptions) *Cache {
	if opts.Lookback <= 0 {
		opts.Lookback = 24 * time.Hour
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Cache{client: client, opts: opts, log: opts.Logger.Named("sources")}
}

// Refresh fetches entries, treatments and the profile unless the cached
// data is still fresh. On failure the previous data is kept.
func (c *Cache) Refresh(ctx context.Context) error {
	if c.client == nil {
		return ErrNoClient
	}
	now := c.opts.Now()

	c.mu.RLock()
	fresh := !c.cacheTime.IsZero() && now.Sub(c.cacheTime) < c.opts.MaxAge
	c.mu.RUnlock()
	if fresh {
		return nil
	}

	since := now.Add(-c.opts.Lookback)
	var (
		entries    []models.GlucoseEntry
		treatments []models.Treatment
		store      *models.ProfileStore
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		entries, err = c.client.GetEntries(gctx, since, time.Time{}, 0)
		if err != nil {
			return fmt.Errorf("fetching entries: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		treatments, err = c.client.GetTreatments(gctx, since, 0)
		if err != nil {
			return fmt.Errorf("fetching treatments: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		store, err = c.client.GetProfile(gctx)
		if err != nil {
			return fmt.Errorf("fetching profile: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		c.log.Warn("refresh failed, keeping cached data", zap.Error(err))
		return err
	}

	profile := c.selectProfile(store)
	sort.SliceStable(treatments, func(i, j int) bool {
		return treatments[i].Time().After(treatments[j].Time())
	})

	c.mu.Lock()
	c.entries = entries
	c.treatments = treatments
	c.profile = profile
	c.cacheTime = now
	c.mu.Unlock()

	c.log.Debug("refreshed",
		zap.Int("entries", len(entries)),
		zap.Int("treatments", len(treatments)),
		zap.Bool("profile", profile != nil))
	return nil
}

func (c *Cache) selectProfile(store *models.ProfileStore) *models.Profile {
	if store == nil {
		return nil
	}
	name := c.opts.ProfileName
	if name == "" {
		return store.Active()
	}
	p, ok := store.Store[name]
	if !ok {
		c.log.Warn("configured profile not in store", zap.String("profile", name))
		return nil
	}
	p.Name = name
	return &p
}

// Invalidate forces the next Refresh to fetch
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.cacheTime = time.Time{}
	c.mu.Unlock()
}

// FetchedAt returns when the data was last fetched
func (c *Cache) FetchedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cacheTime
}

// ActiveProfile returns the selected profile, nil before the first refresh
func (c *Cache) ActiveProfile() *models.Profile {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.profile == nil {
		return nil
	}
	p := *c.profile
	return &p
}

// Entries returns the cached glucose entries
func (c *Cache) Entries() []models.GlucoseEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]models.GlucoseEntry(nil), c.entries...)
}

// Treatments returns the cached treatments, newest first
func (c *Cache) Treatments() []models.Treatment {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]models.Treatment(nil), c.treatments...)
}

// ActiveAt returns the temp target covering t. A newer temp target, or a
// cancellation (zero duration), ends the previous one.
func (c *Cache) ActiveAt(t time.Time) *models.TempTarget {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for i := range c.treatments {
		tr := &c.treatments[i]
		if !tr.IsTempTarget() || tr.Time().After(t) {
			continue
		}
		// the newest record started at or before t decides
		tt := tr.ToTempTarget()
		if tt == nil || !tt.ActiveAt(t) {
			return nil
		}
		return tt
	}
	return nil
}

// IsTempBasalInProgress reports whether the newest temp basal started at
// or before t still runs at t.
func (c *Cache) IsTempBasalInProgress(t time.Time) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for i := range c.treatments {
		tr := &c.treatments[i]
		if !tr.IsTempBasal() || tr.Time().After(t) {
			continue
		}
		return tr.Duration > 0 && t.Before(tr.End())
	}
	return false
}
