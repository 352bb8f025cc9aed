package inappdb

import "sort"

// Partition is one keyed entity map inside a Store. Methods on Partition run as their
// own single-operation batch; inside Store.Update use the Tx helpers instead.
type Partition[V any] struct {
	store   *Store
	name    PartitionName
	keyOf   func(V) string
	entries map[string]V
}

func newPartition[V any](store *Store, name PartitionName, keyOf func(V) string) *Partition[V] {
	return &Partition[V]{
		store:   store,
		name:    name,
		keyOf:   keyOf,
		entries: make(map[string]V),
	}
}

// Name returns the partition name.
func (p *Partition[V]) Name() PartitionName {
	return p.name
}

// KeyOf returns the canonical key of value in this partition. An empty key means the value is not storable.
func (p *Partition[V]) KeyOf(value V) string {
	return p.keyOf(value)
}

// Get returns the value stored under key.
func (p *Partition[V]) Get(key string) (V, bool) {
	p.store.mu.RLock()
	defer p.store.mu.RUnlock()
	value, ok := p.entries[key]
	return value, ok
}

// Len returns the number of entries.
func (p *Partition[V]) Len() int {
	p.store.mu.RLock()
	defer p.store.mu.RUnlock()
	return len(p.entries)
}

// All returns the values ordered by key.
func (p *Partition[V]) All() []V {
	p.store.mu.RLock()
	defer p.store.mu.RUnlock()
	pairs := p.pairsLocked()
	values := make([]V, 0, len(pairs))
	for _, pair := range pairs {
		values = append(values, pair.Value)
	}
	return values
}

// Entries returns the key/value pairs ordered by key.
func (p *Partition[V]) Entries() []Pair[V] {
	p.store.mu.RLock()
	defer p.store.mu.RUnlock()
	return p.pairsLocked()
}

// Select returns the values matching keep, ordered by key.
func (p *Partition[V]) Select(keep func(V) bool) []V {
	p.store.mu.RLock()
	defer p.store.mu.RUnlock()
	values := make([]V, 0)
	for _, pair := range p.pairsLocked() {
		if keep(pair.Value) {
			values = append(values, pair.Value)
		}
	}
	return values
}

// Put stores value under key.
func (p *Partition[V]) Put(key string, value V) {
	p.store.Update(func(tx *Tx) {
		Put(tx, p, key, value)
	})
}

// Delete removes key and reports whether it was present.
func (p *Partition[V]) Delete(key string) bool {
	var removed bool
	p.store.Update(func(tx *Tx) {
		removed = Delete(tx, p, key)
	})
	return removed
}

// Clear removes every entry.
func (p *Partition[V]) Clear() {
	p.store.Update(func(tx *Tx) {
		Clear(tx, p)
	})
}

func (p *Partition[V]) partitionName() PartitionName {
	return p.name
}

func (p *Partition[V]) reset() {
	p.entries = make(map[string]V)
}

func (p *Partition[V]) pairsLocked() []Pair[V] {
	keys := make([]string, 0, len(p.entries))
	for key := range p.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	pairs := make([]Pair[V], 0, len(keys))
	for _, key := range keys {
		pairs = append(pairs, Pair[V]{Key: key, Value: p.entries[key]})
	}
	return pairs
}

// Put stores value under key within tx.
func Put[V any](tx *Tx, p *Partition[V], key string, value V) {
	tx.touch(p.name)
	p.entries[key] = canonicalize(value)
}

// Get reads key within tx, observing earlier writes of the same batch.
func Get[V any](tx *Tx, p *Partition[V], key string) (V, bool) {
	value, ok := p.entries[key]
	return value, ok
}

// Delete removes key within tx and reports whether it was present.
func Delete[V any](tx *Tx, p *Partition[V], key string) bool {
	if _, ok := p.entries[key]; !ok {
		return false
	}
	tx.touch(p.name)
	delete(p.entries, key)
	return true
}

// DeleteWhere removes every entry matching match within tx and returns how many were removed.
func DeleteWhere[V any](tx *Tx, p *Partition[V], match func(V) bool) int {
	removed := 0
	for key, value := range p.entries {
		if match(value) {
			delete(p.entries, key)
			removed++
		}
	}
	if removed > 0 {
		tx.touch(p.name)
	}
	return removed
}

// Clear removes every entry within tx.
func Clear[V any](tx *Tx, p *Partition[V]) {
	tx.touch(p.name)
	p.reset()
}

// Replace clears p and stores values under their canonical keys. Values whose key is
// empty are skipped. It returns how many values were stored.
func Replace[V any](tx *Tx, p *Partition[V], values []V) int {
	Clear(tx, p)
	stored := 0
	for _, value := range values {
		key := p.keyOf(value)
		if key == "" {
			continue
		}
		p.entries[key] = canonicalize(value)
		stored++
	}
	return stored
}
