// Copyright 2021-2024, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

// Package bitset is a sparse bitset of 64-bit words. Only words holding a set bit are stored.
package bitset

const wordBits = 64

type Bitset struct {
	words map[uint64]uint64
}

func New() *Bitset {
	return &Bitset{words: make(map[uint64]uint64)}
}

func position(bit uint64) (uint64, uint64) {
	return bit / wordBits, bit % wordBits
}

func (b *Bitset) Get(bit uint64) bool {
	return b.GetAt(position(bit))
}

// Set marks a bit and returns whether it was already set.
func (b *Bitset) Set(bit uint64) bool {
	return b.SetAt(position(bit))
}

func (b *Bitset) Clear(bit uint64) {
	b.ClearAt(position(bit))
}

// GetAt reads offset of the given word. Offsets must be below 64.
func (b *Bitset) GetAt(word, offset uint64) bool {
	return b.words[word]&(1<<offset) != 0
}

func (b *Bitset) SetAt(word, offset uint64) bool {
	w := b.words[word]
	was := w&(1<<offset) != 0
	b.words[word] = w | 1<<offset
	return was
}

func (b *Bitset) ClearAt(word, offset uint64) {
	w, ok := b.words[word]
	if !ok {
		return
	}
	w &^= 1 << offset
	if w == 0 {
		delete(b.words, word)
	} else {
		b.words[word] = w
	}
}

// Word returns the raw word at the given index, zero if no bit in it was ever set.
func (b *Bitset) Word(index uint64) uint64 {
	return b.words[index]
}

// Count returns the number of set bits.
func (b *Bitset) Count() int {
	count := 0
	for _, w := range b.words {
		for ; w != 0; w &= w - 1 {
			count++
		}
	}
	return count
}

// Words returns how many words are stored.
func (b *Bitset) Words() int {
	return len(b.words)
}
