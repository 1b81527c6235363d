package cache

// pendingWrite identifies one write request queued behind an in-flight
// fetch or token upgrade for the same line, waiting for its own
// on_write_completed.
type pendingWrite struct {
	client  int
	writeID uint64
}

// msbEntry is one pending write merged into a line once its fetch
// completes, grounded on the policy list
// in original_source/src/coma/memorys/mergestorebuffer.h (LoadBuffer /
// WriteBuffer / byte-granular merge), simplified to the write-only half
// this simulator needs: reads never stall behind the MSB here because
// the directory always returns full line data.
type msbEntry struct {
	address uint64
	data    []byte
	mask    []bool
	queue   []pendingWrite // every write merged into this slot, in arrival order
}

// MSB holds writes that raced an in-flight fetch or token upgrade for
// the same line, keyed by cache-line address. It never holds the write
// that triggers the fetch/upgrade itself -- that one is applied
// in-place to the line immediately. Entries here are merged byte-by-byte
// into the line's data once the fetch/upgrade lands, and every queued
// write is acked then.
type MSB struct {
	capacity int
	entries  []*msbEntry
}

// NewMSB creates an empty merge-store buffer of the given capacity.
func NewMSB(capacity int) *MSB {
	return &MSB{capacity: capacity}
}

// Full reports whether the buffer has no free slots.
func (m *MSB) Full() bool { return len(m.entries) >= m.capacity }

// Find returns the pending entry for address, or nil.
func (m *MSB) Find(address uint64) *msbEntry {
	for _, e := range m.entries {
		if e.address == address {
			return e
		}
	}
	return nil
}

// Locked reports whether a slot is already held for address: a second
// (or later) write against a line that is already mid-fetch or
// mid-upgrade must queue behind it rather than retrigger the round trip.
func (m *MSB) Locked(address uint64) bool { return m.Find(address) != nil }

// Push merges a write into the slot for address, allocating one if none
// exists yet. Returns false if a new slot is needed but the buffer is
// full.
func (m *MSB) Push(address uint64, data []byte, mask []bool, client int, writeID uint64) bool {
	e := m.Find(address)
	if e == nil {
		if m.Full() {
			return false
		}
		e = &msbEntry{
			address: address,
			data:    make([]byte, len(data)),
			mask:    make([]bool, len(mask)),
		}
		m.entries = append(m.entries, e)
	}
	for i, ok := range mask {
		if ok {
			e.data[i] = data[i]
			e.mask[i] = true
		}
	}
	e.queue = append(e.queue, pendingWrite{client: client, writeID: writeID})
	return true
}

// Drain removes the pending entry for address, if any, merging its
// bytes into lineData and marking the corresponding bytes valid and
// dirty on line. The caller acks every entry in the returned msbEntry's
// queue.
func (m *MSB) Drain(address uint64, lineData []byte, line *Line) *msbEntry {
	for i, e := range m.entries {
		if e.address != address {
			continue
		}
		for j, ok := range e.mask {
			if ok {
				lineData[j] = e.data[j]
				line.Valid[j] = true
			}
		}
		line.Dirty = true
		m.entries = append(m.entries[:i], m.entries[i+1:]...)
		return e
	}
	return nil
}
