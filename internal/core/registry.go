package core

import (
	"cmp"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
)

// loadOrder ranks module namespaces. A module may only look up services
// published by namespaces ranked before its own.
var loadOrder = []string{"state", "environment", "execution", "snap", "cronjob", "maintenance", "gateway"}

type registry struct {
	mu   sync.RWMutex
	byID map[ModuleID]ModuleInfo
}

var defaultRegistry = &registry{byID: map[ModuleID]ModuleInfo{}}

// RegisterModule adds a module type to the registry. It is meant for init
// functions and panics on an empty, unnamespaced or duplicate ID.
func RegisterModule(instance Module) {
	if err := defaultRegistry.add(instance.ModuleInfo()); err != nil {
		panic(err)
	}
}

func (r *registry) add(info ModuleInfo) error {
	ns, name, ok := strings.Cut(string(info.ID), ".")
	switch {
	case !ok || ns == "" || name == "":
		return fmt.Errorf("core: module ID %q must be namespace.name", info.ID)
	case info.New == nil:
		return fmt.Errorf("core: module %s has no constructor", info.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.byID[info.ID]; dup {
		return fmt.Errorf("core: module %s registered twice", info.ID)
	}
	r.byID[info.ID] = info
	return nil
}

// LookupModule returns the registered module with the given ID.
func LookupModule(id string) (ModuleInfo, bool) {
	defaultRegistry.mu.RLock()
	defer defaultRegistry.mu.RUnlock()
	info, ok := defaultRegistry.byID[ModuleID(id)]
	return info, ok
}

// Modules returns every registered module in load order.
func Modules() []ModuleInfo {
	defaultRegistry.mu.RLock()
	all := slices.Collect(maps.Values(defaultRegistry.byID))
	defaultRegistry.mu.RUnlock()

	slices.SortFunc(all, func(a, b ModuleInfo) int { return compareIDs(string(a.ID), string(b.ID)) })
	return all
}

// ModulesIn returns the registered modules of one namespace.
func ModulesIn(namespace string) []ModuleInfo {
	return slices.DeleteFunc(Modules(), func(info ModuleInfo) bool {
		return info.ID.Namespace() != namespace
	})
}

// SortByLoadOrder orders module IDs by namespace rank, then by ID.
// Unknown namespaces sort last.
func SortByLoadOrder(ids []string) {
	slices.SortFunc(ids, compareIDs)
}

func compareIDs(a, b string) int {
	if c := cmp.Compare(rank(a), rank(b)); c != 0 {
		return c
	}
	return cmp.Compare(a, b)
}

func rank(id string) int {
	if i := slices.Index(loadOrder, ModuleID(id).Namespace()); i >= 0 {
		return i
	}
	return len(loadOrder)
}

func resetRegistry() {
	defaultRegistry.mu.Lock()
	defaultRegistry.byID = map[ModuleID]ModuleInfo{}
	defaultRegistry.mu.Unlock()
}
