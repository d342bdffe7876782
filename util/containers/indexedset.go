// Copyright 2021-2024, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

package containers

// IndexedSet is a dense array of members with a companion index map, giving O(1)
// insertion, removal (swap-and-pop) and membership checks.
// Not thread safe!
type IndexedSet[K comparable] struct {
	members []K
	index   map[K]int
}

func NewIndexedSet[K comparable]() *IndexedSet[K] {
	return &IndexedSet[K]{index: make(map[K]int)}
}

// Add inserts a member. It returns false if the member was already present.
func (s *IndexedSet[K]) Add(member K) bool {
	if _, ok := s.index[member]; ok {
		return false
	}
	s.index[member] = len(s.members)
	s.members = append(s.members, member)
	return true
}

// Remove deletes a member by moving the last member into its slot.
// It returns false if the member was not present.
func (s *IndexedSet[K]) Remove(member K) bool {
	pos, ok := s.index[member]
	if !ok {
		return false
	}
	last := len(s.members) - 1
	if pos != last {
		moved := s.members[last]
		s.members[pos] = moved
		s.index[moved] = pos
	}
	s.members = s.members[:last]
	delete(s.index, member)
	return true
}

// Set adds or removes a member. It returns false if nothing changed.
func (s *IndexedSet[K]) Set(member K, enabled bool) bool {
	if enabled {
		return s.Add(member)
	}
	return s.Remove(member)
}

func (s *IndexedSet[K]) Contains(member K) bool {
	_, ok := s.index[member]
	return ok
}

// IndexOf returns the dense position of a member.
func (s *IndexedSet[K]) IndexOf(member K) (int, bool) {
	pos, ok := s.index[member]
	return pos, ok
}

func (s *IndexedSet[K]) At(pos int) K {
	return s.members[pos]
}

func (s *IndexedSet[K]) Len() int {
	return len(s.members)
}

// Members returns a copy of the dense array.
func (s *IndexedSet[K]) Members() []K {
	return append([]K{}, s.members...)
}

func (s *IndexedSet[K]) Clone() *IndexedSet[K] {
	clone := &IndexedSet[K]{
		members: append([]K{}, s.members...),
		index:   make(map[K]int, len(s.index)),
	}
	for k, v := range s.index {
		clone.index[k] = v
	}
	return clone
}
