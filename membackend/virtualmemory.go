// Package membackend implements the root directory's backing-store
// interface: a flat, sparse-allocated byte-addressed virtual
// address space, in the COMA sense of the original MGSim VirtualMemory —
// reservations carry permissions, and pages are not allocated until
// first touched.
//
// Sparse reservation tracking uses github.com/google/btree (the same
// library gvisor's sentry memory manager uses for sparse
// virtual-memory-area bookkeeping) instead of a linear scan over every
// reserved range.
package membackend

import (
	"fmt"

	"github.com/google/btree"
)

// Perm is a bitmask of access permissions for a reserved range.
type Perm uint8

const (
	PermRead Perm = 1 << iota
	PermWrite
	PermExec
)

func (p Perm) String() string {
	s := ""
	if p&PermRead != 0 {
		s += "R"
	}
	if p&PermWrite != 0 {
		s += "W"
	}
	if p&PermExec != 0 {
		s += "X"
	}
	if s == "" {
		return "-"
	}
	return s
}

// region is one reserved, non-overlapping byte range.
type region struct {
	start, end uint64 // [start, end)
	perm       Perm
}

func (r region) Less(than btree.Item) bool {
	return r.start < than.(region).start
}

const pageSize = 4096

// VirtualMemory is a sparse, permission-checked byte-addressable backing
// store. It is the only thing the root directory and the DDR channel
// read from and write to.
type VirtualMemory struct {
	regions *btree.BTree
	pages   map[uint64][]byte // page number -> page bytes, allocated lazily
}

// NewVirtualMemory creates an empty backing store.
func NewVirtualMemory() *VirtualMemory {
	return &VirtualMemory{
		regions: btree.New(32),
		pages:   make(map[uint64][]byte),
	}
}

// Reserve marks [address, address+size) accessible with the given
// permissions. Reserving the same range twice with the same permissions
// is idempotent. Reserving with conflicting permissions, or a
// range that only partially overlaps an existing reservation with
// different permissions, is a configuration/backing-store fault.
func (vm *VirtualMemory) Reserve(address, size uint64, perm Perm) error {
	if size == 0 {
		return nil
	}
	end := address + size

	var overlapping []region
	vm.regions.Ascend(func(item btree.Item) bool {
		r := item.(region)
		if r.start >= end {
			return false
		}
		if r.end > address {
			overlapping = append(overlapping, r)
		}
		return true
	})

	for _, r := range overlapping {
		if r.perm != perm {
			return fmt.Errorf("membackend: cannot reserve [0x%x,0x%x) as %s: overlaps existing reservation [0x%x,0x%x) as %s",
				address, end, perm, r.start, r.end, r.perm)
		}
	}

	if len(overlapping) == 1 && overlapping[0].start <= address && overlapping[0].end >= end {
		// Fully covered by an identical reservation already: idempotent no-op.
		return nil
	}

	// Merge the new range with every same-perm overlapping region;
	// regions that only touch it end-to-end stay separate.
	newStart, newEnd := address, end
	for _, r := range overlapping {
		vm.regions.Delete(r)
		if r.start < newStart {
			newStart = r.start
		}
		if r.end > newEnd {
			newEnd = r.end
		}
	}
	vm.regions.ReplaceOrInsert(region{start: newStart, end: newEnd, perm: perm})
	return nil
}

// permsAt reports the permissions in force at address, or 0 if
// unreserved.
func (vm *VirtualMemory) permsAt(address uint64) Perm {
	var found Perm
	vm.regions.DescendLessOrEqual(region{start: address}, func(item btree.Item) bool {
		r := item.(region)
		if address >= r.start && address < r.end {
			found = r.perm
		}
		return false
	})
	return found
}

func (vm *VirtualMemory) checkRange(address, size uint64, need Perm) error {
	for off := uint64(0); off < size; {
		perm := vm.permsAt(address + off)
		if perm&need == 0 {
			return fmt.Errorf("membackend: access fault at 0x%x: not reserved with %s", address+off, need)
		}
		// Checked one byte at a time.
		off++
	}
	return nil
}

func (vm *VirtualMemory) page(pageNum uint64, allocate bool) []byte {
	p, ok := vm.pages[pageNum]
	if !ok {
		if !allocate {
			return nil
		}
		p = make([]byte, pageSize)
		vm.pages[pageNum] = p
	}
	return p
}

// Read copies size bytes from address into out (len(out) must be >=
// size). Reading an unreserved range is a backing-store fault.
func (vm *VirtualMemory) Read(address uint64, out []byte, size uint64) error {
	if err := vm.checkRange(address, size, PermRead); err != nil {
		return err
	}
	for i := uint64(0); i < size; i++ {
		a := address + i
		pageNum, pageOff := a/pageSize, a%pageSize
		p := vm.page(pageNum, false)
		if p == nil {
			out[i] = 0
			continue
		}
		out[i] = p[pageOff]
	}
	return nil
}

// Write copies size bytes from in into address. Writing an unreserved
// range is a backing-store fault.
func (vm *VirtualMemory) Write(address uint64, in []byte, size uint64) error {
	if err := vm.checkRange(address, size, PermWrite); err != nil {
		return err
	}
	for i := uint64(0); i < size; i++ {
		a := address + i
		pageNum, pageOff := a/pageSize, a%pageSize
		p := vm.page(pageNum, true)
		p[pageOff] = in[i]
	}
	return nil
}
