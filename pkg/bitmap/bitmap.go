// Package bitmap provides fixed-size occupancy bitmaps used for slot allocation.
//
// Bitmap is the plain variant for callers that already hold a lock around every
// access. Atomic tolerates concurrent scanners: TestAndSet is a single CAS, so two
// scanners never claim the same slot.
package bitmap

import (
	"math/bits"
	"sync/atomic"
)

const wordBits = 64

// Bitmap is a fixed-size bitmap. It is not safe for concurrent use.
type Bitmap struct {
	words []uint64
	size  int
}

// New returns a bitmap of size bits, all clear.
func New(size int) *Bitmap {
	return &Bitmap{
		words: make([]uint64, (size+wordBits-1)/wordBits),
		size:  size,
	}
}

// Len returns the number of bits.
func (b *Bitmap) Len() int {
	return b.size
}

// Test reports whether bit i is set. Out-of-range bits read as clear.
func (b *Bitmap) Test(i int) bool {
	if i < 0 || i >= b.size {
		return false
	}
	return b.words[i/wordBits]&(1<<uint(i%wordBits)) != 0
}

// Set sets bit i. Out-of-range indices are ignored.
func (b *Bitmap) Set(i int) {
	if i < 0 || i >= b.size {
		return
	}
	b.words[i/wordBits] |= 1 << uint(i%wordBits)
}

// Clear clears bit i. Out-of-range indices are ignored.
func (b *Bitmap) Clear(i int) {
	if i < 0 || i >= b.size {
		return
	}
	b.words[i/wordBits] &^= 1 << uint(i%wordBits)
}

// FindFirstZero returns the lowest clear bit, or -1 when the bitmap is full.
func (b *Bitmap) FindFirstZero() int {
	for w, word := range b.words {
		if word == ^uint64(0) {
			continue
		}
		i := w*wordBits + bits.TrailingZeros64(^word)
		if i >= b.size {
			return -1
		}
		return i
	}
	return -1
}

// Count returns the number of set bits.
func (b *Bitmap) Count() int {
	n := 0
	for _, word := range b.words {
		n += bits.OnesCount64(word)
	}
	return n
}

// Atomic is a fixed-size bitmap safe for concurrent use without a lock.
type Atomic struct {
	words []atomic.Uint64
	size  int
}

// NewAtomic returns an atomic bitmap of size bits, all clear.
func NewAtomic(size int) *Atomic {
	return &Atomic{
		words: make([]atomic.Uint64, (size+wordBits-1)/wordBits),
		size:  size,
	}
}

// Test reports whether bit i is set.
func (a *Atomic) Test(i int) bool {
	if i < 0 || i >= a.size {
		return false
	}
	return a.words[i/wordBits].Load()&(1<<uint(i%wordBits)) != 0
}

// TestAndSet sets bit i and reports whether it was already set.
// Out-of-range indices report true so callers never claim them.
func (a *Atomic) TestAndSet(i int) bool {
	if i < 0 || i >= a.size {
		return true
	}
	word := &a.words[i/wordBits]
	mask := uint64(1) << uint(i%wordBits)
	for {
		old := word.Load()
		if old&mask != 0 {
			return true
		}
		if word.CompareAndSwap(old, old|mask) {
			return false
		}
	}
}

// Clear clears bit i.
func (a *Atomic) Clear(i int) {
	if i < 0 || i >= a.size {
		return
	}
	word := &a.words[i/wordBits]
	mask := uint64(1) << uint(i%wordBits)
	for {
		old := word.Load()
		if word.CompareAndSwap(old, old&^mask) {
			return
		}
	}
}

// Claim scans for a clear bit and sets it, returning its index or -1 when full.
func (a *Atomic) Claim() int {
	for i := 0; i < a.size; i++ {
		if !a.TestAndSet(i) {
			return i
		}
	}
	return -1
}
