package analysiscache

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gravemont-technologies/actionos-v1-fork-sub001/config"
	"github.com/gravemont-technologies/actionos-v1-fork-sub001/internal/entry"
)

// Result holds an initialized Cache and the store resources it owns.
type Result struct {
	Cache   *Cache
	Entries *entry.Result
}

// Close releases the store resources.
func (r *Result) Close() error {
	if r.Entries == nil {
		return nil
	}
	return r.Entries.Close()
}

// OptionsFromConfig maps the cache section of cfg onto Options.
func OptionsFromConfig(cfg *config.Config, logger *slog.Logger) Options {
	return Options{
		TTL:            cfg.Cache.TTL,
		SaveQuota:      cfg.Cache.SaveQuota,
		ShiftThreshold: cfg.Cache.ShiftThreshold,
		SweepGrace:     cfg.Cache.Sweep.Grace,
		Logger:         logger,
	}
}

// Open connects the configured store and builds a Cache over it.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Result, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	entries, err := entry.New(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create entry store: %w", err)
	}
	return &Result{
		Cache:   New(entries.Store, OptionsFromConfig(cfg, logger)),
		Entries: entries,
	}, nil
}
