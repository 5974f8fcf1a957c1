package guestmem

import "fmt"

// Serialize converts every pointer of in into an arena offset. Null entries
// become InvalidMemoryRef. A pointer outside the arena yields a
// *PointerError; such a table mixes in memory that a save state cannot
// restore, and out is left partially written.
func (m *Manager) Serialize(out *OffsetTable, in *PointerTable) error {
	for i, p := range in {
		if p == 0 {
			out[i] = InvalidMemoryRef
			continue
		}
		ref := m.RefForPointer(p)
		if ref == InvalidMemoryRef {
			err := &PointerError{Index: i, Pointer: p}
			m.opts.logger.Error("cannot serialize page table", "page", i, "pointer", p)
			return err
		}
		out[i] = ref
	}
	return nil
}

// Unserialize rebuilds host pointers against the current arena. It is the
// inverse of Serialize on any arena of the same size.
func (m *Manager) Unserialize(out *PointerTable, in *OffsetTable) error {
	for i, ref := range in {
		if ref == InvalidMemoryRef {
			out[i] = 0
			continue
		}
		p := m.PointerForRef(ref)
		if p == 0 {
			m.opts.logger.Error("cannot unserialize page table", "page", i, "ref", int64(ref))
			return fmt.Errorf("%w: entry %d: %s", ErrRefOutsideArena, i, ref)
		}
		out[i] = p
	}
	return nil
}

// SerializeTable is Serialize over pt's pointers, holding pt against
// concurrent SetPages and ClearPages.
func (m *Manager) SerializeTable(out *OffsetTable, pt *PageTable) error {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	return m.Serialize(out, &pt.Pointers)
}

// UnserializeTable rewrites pt's pointers from in and then remaps pt's
// window. The table is locked for the rewrite, so Map, Unmap and page
// updates never observe a half restored array.
func (m *Manager) UnserializeTable(pt *PageTable, in *OffsetTable) error {
	restored := new(PointerTable)
	if err := m.Unserialize(restored, in); err != nil {
		return err
	}

	pt.mu.Lock()
	pt.Pointers = *restored
	pt.mu.Unlock()

	return m.Remap(pt)
}
