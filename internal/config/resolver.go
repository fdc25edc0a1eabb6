package config

import (
	"maps"
	"slices"

	"github.com/flemzord/snaphost/internal/core"
)

// Resolve returns the configured module IDs in load order.
func Resolve(cfg *Config) []string {
	ids := slices.Collect(maps.Keys(cfg.Modules))
	core.SortByLoadOrder(ids)
	return ids
}
