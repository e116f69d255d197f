// Package analysiscache implements the content-addressed analysis cache:
// the ephemeral/permanent lifecycle of entries, per-owner access rules, the
// saved-entry quota, batch lookups, listing and invalidation.
//
// The Cache holds no mutable state of its own. Every operation re-reads the
// entry store, and the store's conditional update is the only point where
// concurrent callers synchronize.
package analysiscache

import (
	"log/slog"
	"time"

	"github.com/gravemont-technologies/actionos-v1-fork-sub001/internal/entry"
)

const (
	// DefaultTTL is how long a fresh or unsaved entry stays valid.
	DefaultTTL = 24 * time.Hour
	// DefaultSaveQuota is the maximum number of saved entries per user.
	DefaultSaveQuota = 5
	// DefaultShiftThreshold is the baseline shift magnitude that invalidates a profile.
	DefaultShiftThreshold = 8.0
	// DefaultSweepGrace is how long an expired entry stays readable by its owner.
	DefaultSweepGrace = 24 * time.Hour

	// MaxBatchSize caps the number of distinct signatures in one GetMany call.
	MaxBatchSize = 200
	// DefaultListLimit is the page size used when none is given.
	DefaultListLimit = 20
	// MaxListLimit caps the page size.
	MaxListLimit = 100

	// MaxTags caps the number of tags on an entry.
	MaxTags = 10
	// MaxTagLength caps the length of a single tag, in characters.
	MaxTagLength = 32
	// MaxTitleLength caps a caller-supplied title, in characters.
	MaxTitleLength = 120
)

// Options configures a Cache. Zero values select the defaults above.
type Options struct {
	TTL            time.Duration
	SaveQuota      int
	ShiftThreshold float64
	SweepGrace     time.Duration
	// Now is the clock; tests replace it.
	Now    func() time.Time
	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = DefaultTTL
	}
	if o.SaveQuota <= 0 {
		o.SaveQuota = DefaultSaveQuota
	}
	if o.ShiftThreshold <= 0 {
		o.ShiftThreshold = DefaultShiftThreshold
	}
	if o.SweepGrace <= 0 {
		o.SweepGrace = DefaultSweepGrace
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Cache is the analysis cache. It is safe for concurrent use.
type Cache struct {
	store entry.Store
	opts  Options
	log   *slog.Logger
}

// New creates a Cache over store.
func New(store entry.Store, opts Options) *Cache {
	opts = opts.withDefaults()
	return &Cache{
		store: store,
		opts:  opts,
		log:   opts.Logger.With("component", "analysiscache"),
	}
}

// Store returns the underlying entry store.
func (c *Cache) Store() entry.Store {
	return c.store
}

func (c *Cache) now() time.Time {
	return c.opts.Now().UTC()
}

func (c *Cache) expiry() time.Time {
	return c.now().Add(c.opts.TTL)
}
