package vfs

import (
	"github.com/willf/bitset"
)

// Inode is a generational handle into the arena: a slot index plus the
// generation the slot had when the handle was issued. Handles issued before
// a slot was freed and reused fail generation validation instead of
// silently aliasing the new occupant. The zero Inode is never valid.
type Inode struct {
	Slot uint32
	Gen  uint32
}

// IsValid reports whether the handle could ever name an inode. It does not
// imply the inode is still live; use Arena.Get for that.
func (i Inode) IsValid() bool {
	return i.Gen != 0
}

type arenaSlot struct {
	gen uint32
	val *InodeVal
}

// Arena is the slot-map that owns every inode in a filesystem. It holds
// pure data and tree structure; it performs no I/O. The arena is not
// internally synchronized: access goes through the lock of the owning FS.
type Arena struct {
	slots []arenaSlot
	used  *bitset.BitSet
	free  []uint32
}

func NewArena() *Arena {
	return &Arena{used: bitset.New(64)}
}

// Insert places val into a fresh or recycled slot and returns its handle.
func (a *Arena) Insert(val *InodeVal) Inode {
	if n := len(a.free); n > 0 {
		slot := a.free[n-1]
		a.free = a.free[:n-1]
		s := &a.slots[slot]
		s.val = val
		a.used.Set(uint(slot))
		return Inode{Slot: slot, Gen: s.gen}
	}

	slot := uint32(len(a.slots))
	a.slots = append(a.slots, arenaSlot{gen: 1, val: val})
	a.used.Set(uint(slot))
	return Inode{Slot: slot, Gen: 1}
}

// Get resolves a handle, returning false for the zero handle, unknown
// slots, and stale generations.
func (a *Arena) Get(i Inode) (*InodeVal, bool) {
	if !i.IsValid() || i.Slot >= uint32(len(a.slots)) {
		return nil, false
	}
	s := &a.slots[i.Slot]
	if s.gen != i.Gen || !a.used.Test(uint(i.Slot)) {
		return nil, false
	}
	return s.val, true
}

// Remove frees the slot named by i and bumps its generation so outstanding
// handles become stale. It returns the removed value, or false if the
// handle was already stale.
func (a *Arena) Remove(i Inode) (*InodeVal, bool) {
	val, ok := a.Get(i)
	if !ok {
		return nil, false
	}
	s := &a.slots[i.Slot]
	s.gen++
	s.val = nil
	a.used.Clear(uint(i.Slot))
	a.free = append(a.free, i.Slot)
	return val, true
}

// Len is the number of live inodes.
func (a *Arena) Len() int {
	return int(a.used.Count())
}
