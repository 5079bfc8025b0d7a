package core

import "slices"

// Set is an unordered set of comparable values.
// It is not safe for concurrent use; owners guard it with their own lock.
type Set[K comparable] struct {
	m map[K]struct{}
}

func NewSet[K comparable](items ...K) *Set[K] {
	s := &Set[K]{m: make(map[K]struct{}, len(items))}
	for _, item := range items {
		s.m[item] = struct{}{}
	}
	return s
}

// Add adds key to the set and reports whether it was absent.
func (s *Set[K]) Add(key K) bool {
	if _, ok := s.m[key]; ok {
		return false
	}
	s.m[key] = struct{}{}
	return true
}

// Remove removes key from the set and reports whether it was present.
func (s *Set[K]) Remove(key K) bool {
	if _, ok := s.m[key]; !ok {
		return false
	}
	delete(s.m, key)
	return true
}

func (s *Set[K]) Has(key K) bool {
	_, ok := s.m[key]
	return ok
}

func (s *Set[K]) Len() int {
	return len(s.m)
}

// Retain removes every key that is not in keep and returns the removed keys.
func (s *Set[K]) Retain(keep *Set[K]) []K {
	var removed []K
	for k := range s.m {
		if !keep.Has(k) {
			removed = append(removed, k)
		}
	}
	for _, k := range removed {
		delete(s.m, k)
	}
	return removed
}

// Union adds every key of other and returns the keys that were added.
func (s *Set[K]) Union(other *Set[K]) []K {
	var added []K
	for k := range other.m {
		if s.Add(k) {
			added = append(added, k)
		}
	}
	return added
}

// Slice returns the keys in an unspecified order.
func (s *Set[K]) Slice() []K {
	out := make([]K, 0, len(s.m))
	for k := range s.m {
		out = append(out, k)
	}
	return out
}

// Sorted returns the keys ordered by cmp.
func (s *Set[K]) Sorted(cmp func(a, b K) int) []K {
	out := s.Slice()
	slices.SortFunc(out, cmp)
	return out
}
