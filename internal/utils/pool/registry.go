package pool

import (
	"fmt"
	"sort"
	"sync"
)

// ArenaFactory creates a fresh arena.
type ArenaFactory func() Arena

var (
	arenaRegistry   = make(map[string]ArenaFactory)
	arenaRegistryMu sync.RWMutex
)

func init() {
	RegisterArena("pooled", func() Arena { return NewClassedArena() })
	RegisterArena("bytebuffer", func() Arena { return NewByteBufferArena() })
	RegisterArena("heap", func() Arena { return NewHeapArena() })
}

// RegisterArena registers an arena factory under name, replacing any previous one.
func RegisterArena(name string, factory ArenaFactory) {
	arenaRegistryMu.Lock()
	defer arenaRegistryMu.Unlock()
	arenaRegistry[name] = factory
}

// NewArena creates an arena using the factory registered under name.
func NewArena(name string) (Arena, error) {
	arenaRegistryMu.RLock()
	factory, ok := arenaRegistry[name]
	arenaRegistryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("pool: arena %q not registered", name)
	}
	return factory(), nil
}

// AvailableArenas returns the registered arena names in sorted order.
func AvailableArenas() []string {
	arenaRegistryMu.RLock()
	defer arenaRegistryMu.RUnlock()

	names := make([]string, 0, len(arenaRegistry))
	for name := range arenaRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
