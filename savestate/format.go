package savestate

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var magic = [4]byte{'G', 'M', 'S', 'S'}

const (
	formatVersion uint16 = 1
	headerSize           = 36
	// tableRecordSize is the (id u32, block count u32) prefix of a table record.
	tableRecordSize = 8
)

var (
	// ErrBadMagic is returned when the stream is not a save state.
	ErrBadMagic = errors.New("savestate: bad magic")
	// ErrVersion is returned for an unsupported format version.
	ErrVersion = errors.New("savestate: unsupported version")
)

// header is the fixed-size container prefix:
//
//	magic "GMSS" | version u16 | codec u8 | reserved u8 | arena size u64 |
//	used u64 | block size u32 | block count u32 | table count u32
type header struct {
	Compression Compression
	ArenaSize   uint64
	Used        uint64
	BlockSize   uint32
	BlockCount  uint32
	TableCount  uint32
}

func (h header) marshal() []byte {
	b := make([]byte, headerSize)
	copy(b[0:4], magic[:])
	binary.LittleEndian.PutUint16(b[4:], formatVersion)
	b[6] = byte(h.Compression)
	binary.LittleEndian.PutUint64(b[8:], h.ArenaSize)
	binary.LittleEndian.PutUint64(b[16:], h.Used)
	binary.LittleEndian.PutUint32(b[24:], h.BlockSize)
	binary.LittleEndian.PutUint32(b[28:], h.BlockCount)
	binary.LittleEndian.PutUint32(b[32:], h.TableCount)
	return b
}

func readHeader(r io.Reader) (header, error) {
	var b [headerSize]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return header{}, fmt.Errorf("savestate: read header: %w", err)
	}
	if [4]byte(b[0:4]) != magic {
		return header{}, ErrBadMagic
	}
	if v := binary.LittleEndian.Uint16(b[4:]); v != formatVersion {
		return header{}, fmt.Errorf("%w: %d", ErrVersion, v)
	}

	h := header{
		Compression: Compression(b[6]),
		ArenaSize:   binary.LittleEndian.Uint64(b[8:]),
		Used:        binary.LittleEndian.Uint64(b[16:]),
		BlockSize:   binary.LittleEndian.Uint32(b[24:]),
		BlockCount:  binary.LittleEndian.Uint32(b[28:]),
		TableCount:  binary.LittleEndian.Uint32(b[32:]),
	}
	if !h.Compression.valid() {
		return header{}, fmt.Errorf("%w: unknown codec %d", ErrCorrupt, b[6])
	}
	if h.BlockSize == 0 || h.Used > h.ArenaSize {
		return header{}, fmt.Errorf("%w: invalid header", ErrCorrupt)
	}
	if blockCount(h.Used, int(h.BlockSize)) != uint64(h.BlockCount) {
		return header{}, fmt.Errorf("%w: block count %d does not cover %d bytes", ErrCorrupt, h.BlockCount, h.Used)
	}
	return h, nil
}

func blockCount(n uint64, blockSize int) uint64 {
	bs := uint64(blockSize)
	return (n + bs - 1) / bs
}

func marshalTableRecord(id, blocks uint32) []byte {
	b := make([]byte, tableRecordSize)
	binary.LittleEndian.PutUint32(b[0:], id)
	binary.LittleEndian.PutUint32(b[4:], blocks)
	return b
}

func readTableRecord(r io.Reader) (id, blocks uint32, err error) {
	var b [tableRecordSize]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, 0, fmt.Errorf("savestate: read table record: %w", err)
	}
	return binary.LittleEndian.Uint32(b[0:]), binary.LittleEndian.Uint32(b[4:]), nil
}
