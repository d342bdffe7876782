// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

package l1

// Record registers an undo closure that runs if the enclosing transaction or snapshot reverts.
func Record(tx *ActiveTx, undo func()) {
	tx.verifyReadWrite()
	tx.journal = append(tx.journal, undo)
}

// Set writes v through ptr, journaling the previous value.
func Set[T any](tx *ActiveTx, ptr *T, v T) {
	old := *ptr
	Record(tx, func() { *ptr = old })
	*ptr = v
}

// Append appends v to the slice at ptr, journaling the previous length.
func Append[T any](tx *ActiveTx, ptr *[]T, v T) {
	old := *ptr
	Record(tx, func() { *ptr = old })
	*ptr = append(*ptr, v)
}

func MapSet[K comparable, V any](tx *ActiveTx, m map[K]V, k K, v V) {
	old, had := m[k]
	Record(tx, func() {
		if had {
			m[k] = old
		} else {
			delete(m, k)
		}
	})
	m[k] = v
}

func MapDelete[K comparable, V any](tx *ActiveTx, m map[K]V, k K) {
	old, had := m[k]
	if !had {
		return
	}
	Record(tx, func() { m[k] = old })
	delete(m, k)
}

// Pop removes and returns the last element of the slice at ptr. The remainder is copied so
// that later appends cannot overwrite the journaled element.
func Pop[T any](tx *ActiveTx, ptr *[]T) T {
	old := *ptr
	last := old[len(old)-1]
	Set(tx, ptr, append([]T{}, old[:len(old)-1]...))
	return last
}
