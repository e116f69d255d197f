package analysiscache

import (
	"context"
	"math"
	"time"
)

// SweepInterval is how often RunSweepLoop removes expired entries by default.
const SweepInterval = 1 * time.Hour

// Invalidate deletes the entry at sig whatever its state. Deleting an absent
// entry is not an error.
func (c *Cache) Invalidate(ctx context.Context, sig string) error {
	if err := c.store.Delete(ctx, sig); err != nil {
		return storeError("invalidate", err)
	}
	invalidations.WithLabelValues("signature").Inc()
	c.log.Info("analysis invalidated", "signature", sig)
	return nil
}

// InvalidateProfile deletes every entry produced for profileID and reports how many were removed.
func (c *Cache) InvalidateProfile(ctx context.Context, profileID string) (int64, error) {
	return c.invalidateProfile(ctx, profileID, "profile")
}

func (c *Cache) invalidateProfile(ctx context.Context, profileID, reason string) (int64, error) {
	if profileID == "" {
		return 0, invalid("profile id is required")
	}
	n, err := c.store.DeleteByProfile(ctx, profileID)
	if err != nil {
		return 0, storeError("invalidate profile", err)
	}
	invalidations.WithLabelValues(reason).Add(float64(n))
	c.log.Info("profile analyses invalidated", "profile", profileID, "removed", n, "reason", reason)
	return n, nil
}

// InvalidateOnBaselineShift invalidates every entry of profileID when the
// magnitude of shift reaches the configured threshold. It reports whether
// the invalidation ran.
func (c *Cache) InvalidateOnBaselineShift(ctx context.Context, profileID string, shift float64) (bool, error) {
	if math.IsNaN(shift) || math.Abs(shift) < c.opts.ShiftThreshold {
		return false, nil
	}
	if _, err := c.invalidateProfile(ctx, profileID, "baseline_shift"); err != nil {
		return false, err
	}
	return true, nil
}

// Sweep physically removes ephemeral entries that expired more than the
// grace window before now. Until then an owner can still read their own
// expired entry.
func (c *Cache) Sweep(ctx context.Context, now time.Time) (int64, error) {
	n, err := c.store.DeleteExpired(ctx, now.Add(-c.opts.SweepGrace))
	if err != nil {
		return 0, storeError("sweep", err)
	}
	invalidations.WithLabelValues("sweep").Add(float64(n))
	if n > 0 {
		c.log.Info("swept expired analyses", "removed", n)
	}
	return n, nil
}

// RunSweepLoop calls sweepFn immediately and then every interval until stop
// is closed. A non-positive interval uses SweepInterval.
func RunSweepLoop(stop <-chan struct{}, interval time.Duration, sweepFn func()) {
	if interval <= 0 {
		interval = SweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	sweepFn()

	for {
		select {
		case <-ticker.C:
			sweepFn()
		case <-stop:
			return
		}
	}
}
