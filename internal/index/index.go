// Package index implements the in-memory key directory: a mapping from key
// to the log pointer of that key's most recent Set record. It generalizes
// the teacher's internal/engine/key_dir.go.
package index

import (
	"sync"

	"github.com/kvcask/caskdb/internal/logfile"
)

// Index is a mutex-guarded key→pointer map. A plain map rather than
// sync.Map: the engine is single-writer and keys are frequently
// overwritten and deleted, which is exactly the access pattern sync.Map's
// own documentation says it is not tuned for.
type Index struct {
	mu   sync.Mutex
	keys map[string]logfile.Pointer
}

// New returns an empty Index.
func New() *Index {
	return &Index{keys: make(map[string]logfile.Pointer)}
}

// Get looks up key, reporting whether it is present.
func (ix *Index) Get(key string) (logfile.Pointer, bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ptr, ok := ix.keys[key]
	return ptr, ok
}

// Set inserts or overwrites key's pointer, reporting whether key already
// existed (the caller uses this to bump the obsolete-entry counter).
func (ix *Index) Set(key string, ptr logfile.Pointer) (existed bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	_, existed = ix.keys[key]
	ix.keys[key] = ptr
	return existed
}

// Delete removes key, reporting whether it was present.
func (ix *Index) Delete(key string) (existed bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	_, existed = ix.keys[key]
	delete(ix.keys, key)
	return existed
}

// Len returns the number of keys currently indexed.
func (ix *Index) Len() int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return len(ix.keys)
}

// Entry is one (key, pointer) pair, used by Snapshot.
type Entry struct {
	Key     string
	Pointer logfile.Pointer
}

// Snapshot returns all current entries in unspecified order, matching
// spec.md's "any total order is acceptable" for compaction iteration.
func (ix *Index) Snapshot() []Entry {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	entries := make([]Entry, 0, len(ix.keys))
	for k, p := range ix.keys {
		entries = append(entries, Entry{Key: k, Pointer: p})
	}
	return entries
}

// Reset replaces the index contents with entries, used after compaction
// swaps in a freshly built replacement index.
func (ix *Index) Reset(entries []Entry) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.keys = make(map[string]logfile.Pointer, len(entries))
	for _, e := range entries {
		ix.keys[e.Key] = e.Pointer
	}
}
