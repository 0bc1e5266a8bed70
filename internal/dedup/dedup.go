// Package dedup implements the in-memory content-hash → canonical path
// index, built from the manifest at the start of each cycle and kept
// consistent by the copier under a short lock.
package dedup

import (
	"sync"

	"github.com/GeovaneJefferson/timemachine/internal/manifest"
)

// Index maps a content hash to the backup path that canonically holds it.
// Last-writer-wins when multiple paths share a hash.
type Index struct {
	mu    sync.RWMutex
	paths map[string]string
}

// New returns an empty Index.
func New() *Index {
	return &Index{paths: make(map[string]string)}
}

// BuildFromManifest constructs an Index from a snapshot of Manifest
// entries, as done once per cycle during planning.
func BuildFromManifest(entries map[string]manifest.Entry) *Index {
	idx := New()
	for _, e := range entries {
		if e.ContentHash == "" {
			continue
		}
		idx.paths[e.ContentHash] = e.DstPath
	}
	return idx
}

// Lookup returns the canonical dst path for hash, and whether one exists.
func (i *Index) Lookup(hash string) (string, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	p, ok := i.paths[hash]
	return p, ok
}

// Insert records dst as the canonical path for hash. Called by the Copier
// after committing a genuinely new, unique object. Creating a hardlink to
// an existing object leaves the index unchanged.
func (i *Index) Insert(hash, dst string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.paths[hash] = dst
}

// Len reports how many distinct content hashes are tracked.
func (i *Index) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.paths)
}
