package guestmem

import (
	"encoding/binary"
	"fmt"
)

// MemoryRef is a byte offset into the backing arena. Unlike a host pointer
// it stays meaningful across runs, which is what save states store.
type MemoryRef int64

// InvalidMemoryRef marks an entry with no backing.
const InvalidMemoryRef MemoryRef = -1

// Valid reports whether r lies inside an arena of size bytes.
func (r MemoryRef) Valid(size int) bool {
	return r >= 0 && int64(r) < int64(size)
}

func (r MemoryRef) String() string {
	if r < 0 {
		return "MemoryRef(invalid)"
	}
	return fmt.Sprintf("MemoryRef(%#x)", int64(r))
}

// MarshalBinary encodes r as 8 little-endian bytes.
func (r MemoryRef) MarshalBinary() ([]byte, error) {
	return binary.LittleEndian.AppendUint64(nil, uint64(r)), nil
}

// UnmarshalBinary decodes the form written by MarshalBinary.
func (r *MemoryRef) UnmarshalBinary(data []byte) error {
	if len(data) != 8 {
		return fmt.Errorf("guestmem: MemoryRef needs 8 bytes, got %d", len(data))
	}
	*r = MemoryRef(binary.LittleEndian.Uint64(data))
	return nil
}
