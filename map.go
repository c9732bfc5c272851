// Copyright 2025 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package robinhood is a Go implementation of a hash table using Robin Hood
// hashing with a bounded probe window. See
// https://en.wikipedia.org/wiki/Hash_table#Robin_Hood_hashing and Celis's
// original thesis (Robin Hood Hashing, University of Waterloo, 1986).
//
// # Robin Hood hashing
//
// Robin Hood tables are open-addressing hash tables that map keys to values,
// similar to Go's builtin map type. Collisions are resolved by pure linear
// probing: a key's ideal bucket is hash(key) masked by the table capacity
// (always a power of two), and successive probes examine successive slots,
// wrapping at the end of the table. Each occupied slot records its
// displacement: the number of probe steps the entry sits past its ideal
// bucket.
//
// Insertion carries a candidate entry forward from its ideal bucket. At each
// visited slot the candidate is swapped with the resident entry if the slot
// is empty or if the resident's displacement is strictly less than the
// candidate's. An entry that has traveled far from its bucket (a "poor"
// entry) thus evicts entries that have traveled less (the "rich" ones),
// which is where the scheme gets its name. The rule keeps the variance of
// displacements low: no entry ever sits much farther from its bucket than
// its peers.
//
// The table bounds every probe sequence by an adaptive probe limit, at least
// 64. A lookup examines exactly probeLimit consecutive slots before
// concluding a key is absent, and an insertion whose carried displacement
// would reach probeLimit triggers a rebuild: all entries are collected, the
// capacity is regrown to the smallest power of two keeping the load factor
// at or below 1/5, the probe limit is recomputed as twice the size of the
// largest cluster of same-bucket keys (or 64 if larger), and everything is
// reinserted. Bounding the scan window this way gives lookups a hard
// worst-case cost even under adversarial key sets, at the expense of a low
// load factor.
//
// Deletion clears the slot in place; there are no tombstones. Entries that
// were displaced past the cleared slot stay where they are, which is why
// lookups must always scan the full probe window rather than stopping at the
// first empty slot: a gap left by a deleted entry can sit between a key's
// ideal bucket and its actual slot.
package robinhood

import (
	"errors"
	"fmt"
	"hash/maphash"
	"iter"
	"strings"
)

const (
	debug      = false
	invariants = false

	// defaultProbeLimit is the floor for the probe window. A rebuild can
	// raise the limit above this when the key set clusters heavily, but
	// never lowers it below.
	defaultProbeLimit = 64
	// loadDenominator bounds the load factor restored by a rebuild:
	// used*loadDenominator <= capacity, i.e. a load factor of at most 1/5.
	loadDenominator = 5
)

// ErrKeyNotFound is returned by At when the key has no entry.
var ErrKeyNotFound = errors.New("robinhood: key not found")

// HashFn hashes a key to a 64-bit value. The hash is used for all bucket
// computations; key equality is always ==. For good performance a HashFn
// should distribute keys uniformly across the entire 64 bits.
type HashFn[K comparable] func(key K) uint64

// defaultHashFn returns a hash function derived from hash/maphash with a
// per-map random seed.
func defaultHashFn[K comparable]() HashFn[K] {
	seed := maphash.MakeSeed()
	return func(key K) uint64 {
		return maphash.Comparable(seed, key)
	}
}

// Slot holds a key and value, a used flag, and the entry's displacement from
// its ideal bucket. Slots are stored inline in the table's slot array; the
// array exclusively owns its entries and slot contents move during
// displacement and rebuild.
type Slot[K comparable, V any] struct {
	key   K
	value V
	// dist is the number of forward probe steps (mod capacity) from the
	// entry's ideal bucket to the slot holding it. Meaningful only when
	// used is true, and always less than the map's probe limit.
	dist uintptr
	used bool
}

// Entry is a key/value pair for bulk construction via FromSlice.
type Entry[K comparable, V any] struct {
	Key   K
	Value V
}

// Map is a map from keys to values with Insert, Get, Delete, and All
// operations, built on Robin Hood hashing with a bounded probe window. By
// default a Map[K,V] hashes keys with hash/maphash; a different hash
// function can be specified using the WithHash option.
//
// Unlike Go's builtin map, Insert has first-insert-wins semantics: inserting
// a key that is already present leaves the stored value unchanged.
//
// A Map is NOT goroutine-safe.
type Map[K comparable, V any] struct {
	// The hash function applied to keys of type K.
	hash HashFn[K]
	// The allocator to use for the slot array.
	allocator Allocator[K, V]
	// slots is capacity in length.
	slots []Slot[K, V]
	// The total number of slots, always a power of two. The capacity-1
	// mask turns hash values and probe advances into slot indices.
	capacity uintptr
	// The number of occupied slots (i.e. the number of elements in the
	// map).
	used int
	// probeLimit is the number of consecutive slots a lookup examines
	// before concluding a key is absent, and the displacement bound that
	// forces an insertion to rebuild. At least defaultProbeLimit;
	// recomputed by every rebuild from the clustering of the keys.
	probeLimit uintptr
}

// New constructs a new Map. The table starts with capacity 1 and grows on
// demand; use WithInitialCapacity when the expected size is known up front.
func New[K comparable, V any](options ...option[K, V]) *Map[K, V] {
	m := &Map[K, V]{
		hash:       defaultHashFn[K](),
		allocator:  defaultAllocator[K, V]{},
		capacity:   1,
		probeLimit: defaultProbeLimit,
	}
	for _, op := range options {
		op.apply(m)
	}
	m.slots = m.allocator.AllocSlots(int(m.capacity))
	m.checkInvariants()
	return m
}

// FromSlice constructs a new Map holding the supplied entries, inserted in
// slice order. Later entries with a duplicate key are ignored.
func FromSlice[K comparable, V any](entries []Entry[K, V], options ...option[K, V]) *Map[K, V] {
	m := New[K, V](options...)
	for i := range entries {
		m.Insert(entries[i].Key, entries[i].Value)
	}
	return m
}

// FromSeq constructs a new Map holding the entries produced by seq, inserted
// in sequence order. Later entries with a duplicate key are ignored.
func FromSeq[K comparable, V any](seq iter.Seq2[K, V], options ...option[K, V]) *Map[K, V] {
	m := New[K, V](options...)
	for k, v := range seq {
		m.Insert(k, v)
	}
	return m
}

// Clone returns a new Map with the same key/value contents, the same hash
// function, and the same allocator as m. The clone shares no storage with m:
// mutating one is never visible through the other.
func (m *Map[K, V]) Clone() *Map[K, V] {
	c := New[K, V](
		WithHash[K, V](m.hash),
		WithAllocator[K, V](m.allocator),
		WithInitialCapacity[K, V](m.used))
	m.All(func(k K, v V) bool {
		c.Insert(k, v)
		return true
	})
	return c
}

// Close closes the map, releasing its slot array back to its configured
// allocator. It is unnecessary to close a map using the default allocator.
// It is invalid to use a Map after it has been closed, though Close itself
// is idempotent.
func (m *Map[K, V]) Close() {
	if m.slots != nil {
		m.allocator.FreeSlots(m.slots)
		m.slots = nil
		m.capacity = 0
		m.used = 0
	}
	m.allocator = nil
}

// Insert inserts an entry into the map if the key is not already present and
// reports whether it did. Inserting a key that is already present leaves the
// stored value unchanged.
func (m *Map[K, V]) Insert(key K, value V) bool {
	// Insert is find composed with insertFresh: if the key is present we
	// are done, otherwise we run the displacement walk for an entry known
	// not to be in the table.
	if _, ok := m.findPos(key); ok {
		return false
	}
	m.insertFresh(Slot[K, V]{key: key, value: value, used: true})
	m.checkInvariants()
	return true
}

// Get retrieves the value from the map for the specified key, returning
// ok=false if the key is not present.
func (m *Map[K, V]) Get(key K) (value V, ok bool) {
	i, ok := m.findPos(key)
	if !ok {
		return value, false
	}
	return m.slots[i].value, true
}

// At retrieves the value for the specified key, returning ErrKeyNotFound if
// the key is not present.
func (m *Map[K, V]) At(key K) (V, error) {
	i, ok := m.findPos(key)
	if !ok {
		var zero V
		return zero, ErrKeyNotFound
	}
	return m.slots[i].value, nil
}

// Ref returns a pointer to the value stored for key, first inserting a zero
// value if the key is not present. The pointer is valid only until the next
// structural mutation of the map (Insert of a new key, Delete, Clear, or
// Close); displacement during a later insertion can move the value to a
// different slot.
func (m *Map[K, V]) Ref(key K) *V {
	i, ok := m.findPos(key)
	if !ok {
		var zero V
		m.insertFresh(Slot[K, V]{key: key, value: zero, used: true})
		m.checkInvariants()
		i, _ = m.findPos(key)
	}
	return &m.slots[i].value
}

// Delete deletes the entry corresponding to the specified key from the map
// and reports whether it was present. Deleting a non-existent key is a noop.
func (m *Map[K, V]) Delete(key K) bool {
	i, ok := m.findPos(key)
	if !ok {
		return false
	}
	// Clear the slot in place; there is no tombstone state. Entries that
	// were displaced past this slot stay where they are. Lookups remain
	// correct because the probe scan never stops early at an empty slot.
	m.slots[i] = Slot[K, V]{}
	m.used--
	if debug {
		fmt.Printf("delete(%v): index=%d used=%d\n", key, i, m.used)
	}
	m.checkInvariants()
	return true
}

// Clear resets the map to its just-constructed state: capacity 1, no
// entries, and the default probe limit. The hash function and allocator are
// retained.
func (m *Map[K, V]) Clear() {
	m.allocator.FreeSlots(m.slots)
	m.capacity = 1
	m.slots = m.allocator.AllocSlots(1)
	m.used = 0
	m.probeLimit = defaultProbeLimit
	m.checkInvariants()
}

// Len returns the number of entries in the map.
func (m *Map[K, V]) Len() int {
	return m.used
}

// Empty reports whether the map holds no entries.
func (m *Map[K, V]) Empty() bool {
	return m.used == 0
}

// Hash returns the hash function the map applies to keys.
func (m *Map[K, V]) Hash() HashFn[K] {
	return m.hash
}

// All calls yield sequentially for each key and value present in the map,
// in slot order (neither insertion order nor key order). If yield returns
// false, iteration stops. All is usable with range:
//
//	for k, v := range m.All {
//	  fmt.Printf("%v: %v\n", k, v)
//	}
//
// Iteration takes a snapshot of the slot array, so a rebuild during
// iteration will not be observed, but entries inserted, deleted, or
// displaced in place during iteration may be missed or yielded twice.
// Mutating the map while iterating is a contract violation, not an enforced
// error.
func (m *Map[K, V]) All(yield func(key K, value V) bool) {
	slots := m.slots
	for i := range slots {
		if slots[i].used {
			if !yield(slots[i].key, slots[i].value) {
				return
			}
		}
	}
}

// Backward is All in reverse slot order.
func (m *Map[K, V]) Backward(yield func(key K, value V) bool) {
	slots := m.slots
	for i := len(slots) - 1; i >= 0; i-- {
		if slots[i].used {
			if !yield(slots[i].key, slots[i].value) {
				return
			}
		}
	}
}

// Keys yields the keys of the map in slot order.
func (m *Map[K, V]) Keys(yield func(key K) bool) {
	m.All(func(k K, _ V) bool {
		return yield(k)
	})
}

// Values yields the values of the map in slot order.
func (m *Map[K, V]) Values(yield func(value V) bool) {
	m.All(func(_ K, v V) bool {
		return yield(v)
	})
}

// bucket returns the ideal slot index for key: hash(key) masked by the
// table capacity.
func (m *Map[K, V]) bucket(key K) uintptr {
	return uintptr(m.hash(key)) & (m.capacity - 1)
}

// next advances a probe to the following slot, wrapping at the end of the
// table.
func (m *Map[K, V]) next(i uintptr) uintptr {
	return (i + 1) & (m.capacity - 1)
}

// findPos returns the slot index holding key, or ok=false if key is absent.
//
// The scan examines the full probe window of probeLimit consecutive slots
// and must not stop early at an empty slot: deletion clears slots in place,
// so a displaced entry can legitimately sit beyond a gap. An entry's
// displacement is always less than probeLimit, so a full-window scan that
// finds nothing proves absence.
func (m *Map[K, V]) findPos(key K) (uintptr, bool) {
	i := m.bucket(key)
	for n := uintptr(0); n < m.probeLimit; n++ {
		if s := &m.slots[i]; s.used && s.key == key {
			return i, true
		}
		i = m.next(i)
	}
	return 0, false
}

// insertFresh places an entry known not to be in the table (violating this
// requirement will cause the table to behave erratically).
//
// The walk carries a candidate entry forward from its ideal bucket, swapping
// it with the visited slot whenever the slot is empty or its resident has a
// strictly smaller displacement. Note that the walk is bounded by the
// carried displacement rather than by slots visited: after a swap the
// carried counter drops to the evicted resident's smaller displacement, so
// the walk can visit more than probeLimit slots in total. If the carried
// displacement reaches probeLimit the table is rebuilt and the walk restarts
// with whichever entry is currently carried; the entry originally being
// inserted may by then reside in the table with some other entry carried in
// its place.
func (m *Map[K, V]) insertFresh(cand Slot[K, V]) {
	for {
		i := m.bucket(cand.key)
		cand.dist = 0
		if debug {
			fmt.Printf("insert(%v): bucket=%d probe-limit=%d\n", cand.key, i, m.probeLimit)
		}
		for cand.dist < m.probeLimit {
			s := &m.slots[i]
			if !s.used || s.dist < cand.dist {
				*s, cand = cand, *s
				if debug && cand.used {
					fmt.Printf("insert(evicting): index=%d key=%v dist=%d\n", i, cand.key, cand.dist)
				}
			}
			if !cand.used {
				m.used++
				return
			}
			cand.dist++
			i = m.next(i)
		}
		// The carried entry would exceed the probe window. Rebuilding
		// grows the capacity or raises the probe limit, so the retry
		// loop terminates.
		m.rebuild()
	}
}

// rebuild reallocates the table after an insertion overflowed the probe
// window. All live entries are collected, the capacity is regrown to the
// smallest power of two satisfying the load factor policy, the probe limit
// is adapted to the clustering of the keys at the new capacity, and every
// entry is reinserted through the normal insertion path. A reinsertion can
// itself overflow and rebuild again; each round either grows the capacity or
// raises the probe limit, so the process terminates.
func (m *Map[K, V]) rebuild() {
	entries := make([]Slot[K, V], 0, m.used)
	for i := range m.slots {
		if m.slots[i].used {
			entries = append(entries, m.slots[i])
		}
	}

	newCapacity := uintptr(1)
	for uintptr(len(entries))*loadDenominator > newCapacity {
		newCapacity <<= 1
	}

	m.allocator.FreeSlots(m.slots)
	m.slots = m.allocator.AllocSlots(int(newCapacity))
	m.capacity = newCapacity

	// Size the probe window to the worst actual clustering of the keys at
	// the new capacity. Without this a key set that piles onto a few
	// buckets would overflow the default window again immediately,
	// rebuilding over and over.
	clusters := make([]int, newCapacity)
	maxCluster := 0
	for i := range entries {
		b := m.bucket(entries[i].key)
		clusters[b]++
		if clusters[b] > maxCluster {
			maxCluster = clusters[b]
		}
	}
	m.probeLimit = max(defaultProbeLimit, uintptr(2*maxCluster))

	if debug {
		fmt.Printf("rebuild: entries=%d capacity=%d probe-limit=%d max-cluster=%d\n",
			len(entries), m.capacity, m.probeLimit, maxCluster)
	}

	m.used = 0
	for i := range entries {
		entries[i].dist = 0
		m.insertFresh(entries[i])
	}
	m.checkInvariants()
}

func (m *Map[K, V]) checkInvariants() {
	if invariants {
		if m.capacity == 0 || m.capacity&(m.capacity-1) != 0 {
			panic(fmt.Sprintf("invariant failed: capacity %d is not a power of two", m.capacity))
		}
		if m.capacity != uintptr(len(m.slots)) {
			panic(fmt.Sprintf("invariant failed: capacity %d != len(slots) %d", m.capacity, len(m.slots)))
		}
		if m.probeLimit < defaultProbeLimit {
			panic(fmt.Sprintf("invariant failed: probe limit %d below default %d", m.probeLimit, defaultProbeLimit))
		}

		// For every occupied slot, verify the displacement leads back to
		// the key's ideal bucket, sits within the probe window, and that
		// the entry is reachable through findPos. Count the occupied
		// slots.
		var used int
		for i := uintptr(0); i < m.capacity; i++ {
			s := &m.slots[i]
			if !s.used {
				continue
			}
			used++
			if s.dist >= m.probeLimit {
				panic(fmt.Sprintf("invariant failed: slot(%d): %v displacement %d >= probe limit %d\n%s",
					i, s.key, s.dist, m.probeLimit, m.debugString()))
			}
			if j := (m.bucket(s.key) + s.dist) & (m.capacity - 1); j != i {
				panic(fmt.Sprintf("invariant failed: slot(%d): %v displacement %d leads to %d\n%s",
					i, s.key, s.dist, j, m.debugString()))
			}
			if _, ok := m.findPos(s.key); !ok {
				panic(fmt.Sprintf("invariant failed: slot(%d): %v not found\n%s",
					i, s.key, m.debugString()))
			}
		}

		if used != m.used {
			panic(fmt.Sprintf("invariant failed: found %d used slots, but used count is %d\n%s",
				used, m.used, m.debugString()))
		}
	}
}

func (m *Map[K, V]) debugString() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "capacity=%d  used=%d  probe-limit=%d\n", m.capacity, m.used, m.probeLimit)
	for i := uintptr(0); i < m.capacity; i++ {
		s := &m.slots[i]
		if s.used {
			fmt.Fprintf(&buf, "  %4d: %v [dist=%d bucket=%d]\n", i, s.key, s.dist, m.bucket(s.key))
		} else {
			fmt.Fprintf(&buf, "  %4d: empty\n", i)
		}
	}
	return buf.String()
}
