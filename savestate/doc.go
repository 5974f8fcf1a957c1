// Package savestate writes and restores portable snapshots of guest memory.
//
// A save state holds the allocated part of a guestmem arena and any number
// of page tables. Page tables are stored as arena offsets (see
// guestmem.Manager.Serialize), so a snapshot taken in one run restores into
// the arena of another run whose host addresses differ.
//
// # Format
//
//	header  magic "GMSS" | version u16 | codec u8 | reserved u8 |
//	        arena size u64 | used u64 | block size u32 | block count u32 |
//	        table count u32
//	blocks  [raw u32][compressed u32][crc32c u32][data]   (block count times)
//	tables  [id u32][blocks u32] followed by that many blocks
//
// All integers are little endian. A block whose compressed length is zero is
// stored raw; that happens whenever compression saves less than 10%.
// Blocks are compressed and decompressed in parallel but always written in
// order.
//
// # Slots
//
// Slots keeps named save states in a blobstore.Store together with a pointer
// to the latest one:
//
//	slots := savestate.NewSlots(store, "game-1")
//	err := slots.Save(ctx, "autosave", mgr, tables, savestate.Options{})
//	...
//	slot, err := slots.LoadCurrent(ctx, mgr, tables, savestate.Options{})
package savestate
