package savestate

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/guestmem"
	"github.com/hupe1980/guestmem/internal/conv"
	"github.com/hupe1980/guestmem/resource"
)

// DefaultBlockSize is the arena block size used when Options.BlockSize is 0.
const DefaultBlockSize = 1 << 20

// maxBlockSize bounds the allocation a corrupt header can request.
const maxBlockSize = 64 << 20

// offsetTableBytes is the encoded size of one guestmem.OffsetTable.
const offsetTableBytes = guestmem.PageTableNumEntries * 8

var (
	// ErrArenaSizeMismatch is returned by Load when the save state was taken
	// with a different arena size.
	ErrArenaSizeMismatch = errors.New("savestate: arena size mismatch")
	// ErrLayoutMismatch is returned by Load when the save state covers more
	// of the arena than the current run has allocated.
	ErrLayoutMismatch = errors.New("savestate: arena layout mismatch")
	// ErrMissingTable is returned by Load when a requested table is not in
	// the save state.
	ErrMissingTable = errors.New("savestate: missing page table")
	// ErrDuplicateTable is returned when two tables share an ID.
	ErrDuplicateTable = errors.New("savestate: duplicate page table id")
)

// Options configures Save and Load.
type Options struct {
	// Compression is the block codec. Ignored by Load, which uses the codec
	// recorded in the stream.
	Compression Compression
	// BlockSize is the arena block size. Default: DefaultBlockSize.
	BlockSize int
	// Concurrency is the number of blocks compressed or decompressed in
	// parallel. Default: the controller's worker count, else GOMAXPROCS.
	Concurrency int
	// Controller paces stream IO, supplies the default concurrency and
	// bounds the blocks in flight across every Save and Load sharing it.
	// Nil means unlimited.
	Controller *resource.Controller
	// Logger receives progress logs. Default: guestmem.NoopLogger().
	Logger *guestmem.Logger
}

func (o Options) withDefaults() Options {
	if o.BlockSize <= 0 {
		o.BlockSize = DefaultBlockSize
	}
	if o.Concurrency <= 0 {
		if o.Controller != nil {
			o.Concurrency = o.Controller.Workers()
		}
		if o.Concurrency <= 0 {
			o.Concurrency = runtime.GOMAXPROCS(0)
		}
	}
	if o.Logger == nil {
		o.Logger = guestmem.NoopLogger()
	}
	return o
}

// Table is a page table saved under a stable ID. Pointers are stored as
// arena offsets, so a table can be restored into another run's arena.
type Table struct {
	ID        uint32
	PageTable *guestmem.PageTable
}

func checkTables(tables []Table) error {
	seen := make(map[uint32]struct{}, len(tables))
	for _, t := range tables {
		if t.PageTable == nil {
			return fmt.Errorf("savestate: table %d has no page table", t.ID)
		}
		if _, ok := seen[t.ID]; ok {
			return fmt.Errorf("%w: %d", ErrDuplicateTable, t.ID)
		}
		seen[t.ID] = struct{}{}
	}
	return nil
}

// Save writes the used part of m's arena followed by tables to w.
// The guest must not run while Save reads the arena.
func Save(ctx context.Context, w io.Writer, m *guestmem.Manager, tables []Table, opts Options) error {
	opts = opts.withDefaults()
	if !opts.Compression.valid() {
		return fmt.Errorf("savestate: unknown compression %d", opts.Compression)
	}
	if opts.BlockSize > maxBlockSize {
		return fmt.Errorf("savestate: block size %d exceeds %d", opts.BlockSize, maxBlockSize)
	}
	if err := checkTables(tables); err != nil {
		return err
	}

	start := time.Now()
	arena := m.Bytes()
	if arena == nil {
		return guestmem.ErrClosed
	}
	used := arena[:m.Used()]

	blockSize, err := conv.IntToUint32(opts.BlockSize)
	if err != nil {
		return err
	}
	blocks, err := conv.Uint64ToUint32(blockCount(uint64(len(used)), opts.BlockSize))
	if err != nil {
		return err
	}
	tableCount, err := conv.IntToUint32(len(tables))
	if err != nil {
		return err
	}

	bw := bufio.NewWriterSize(resource.NewRateLimitedWriter(ctx, w, opts.Controller), 1<<20)
	h := header{
		Compression: opts.Compression,
		ArenaSize:   uint64(m.Size()),
		Used:        uint64(len(used)),
		BlockSize:   blockSize,
		BlockCount:  blocks,
		TableCount:  tableCount,
	}
	if _, err := bw.Write(h.marshal()); err != nil {
		return err
	}

	written, err := writeBlocks(ctx, bw, used, opts)
	if err != nil {
		return err
	}

	ot := new(guestmem.OffsetTable)
	buf := make([]byte, offsetTableBytes)
	for _, t := range tables {
		if err := m.SerializeTable(ot, t.PageTable); err != nil {
			return fmt.Errorf("savestate: table %d: %w", t.ID, err)
		}
		encodeOffsetTable(buf, ot)

		n, err := conv.Uint64ToUint32(blockCount(offsetTableBytes, opts.BlockSize))
		if err != nil {
			return err
		}
		if _, err := bw.Write(marshalTableRecord(t.ID, n)); err != nil {
			return err
		}
		tw, err := writeBlocks(ctx, bw, buf, opts)
		if err != nil {
			return err
		}
		written += tw
	}

	if err := bw.Flush(); err != nil {
		return err
	}

	opts.Logger.InfoContext(ctx, "save state written",
		"codec", opts.Compression.String(),
		"used", len(used),
		"tables", len(tables),
		"compressed", written,
		"elapsed", time.Since(start),
	)
	return nil
}

// Load restores a save state written by Save into m and tables. The arena
// sizes must match and the current run must have allocated at least as much
// of the arena as the saved one. Every table is rewritten from its saved
// offsets and then remapped, so fastmem views follow the restored pointers.
// Saved tables without a matching ID are skipped.
func Load(ctx context.Context, r io.Reader, m *guestmem.Manager, tables []Table, opts Options) error {
	opts = opts.withDefaults()
	if err := checkTables(tables); err != nil {
		return err
	}

	start := time.Now()
	br := bufio.NewReaderSize(resource.NewRateLimitedReader(ctx, r, opts.Controller), 1<<20)

	h, err := readHeader(br)
	if err != nil {
		return err
	}
	if h.BlockSize > maxBlockSize {
		return fmt.Errorf("%w: block size %d", ErrCorrupt, h.BlockSize)
	}
	if h.ArenaSize != uint64(m.Size()) {
		return fmt.Errorf("%w: saved %d, current %d", ErrArenaSizeMismatch, h.ArenaSize, m.Size())
	}
	if h.Used > uint64(m.Used()) {
		return fmt.Errorf("%w: saved state uses %d bytes, current run allocated %d", ErrLayoutMismatch, h.Used, m.Used())
	}

	arena := m.Bytes()
	if arena == nil {
		return guestmem.ErrClosed
	}

	opts.Compression = h.Compression
	if opts.BlockSize, err = conv.Uint32ToInt(h.BlockSize); err != nil {
		return fmt.Errorf("%w: %w", ErrCorrupt, err)
	}

	if err := readBlocks(ctx, br, arena[:h.Used], opts); err != nil {
		return err
	}

	want := make(map[uint32]*guestmem.PageTable, len(tables))
	for _, t := range tables {
		want[t.ID] = t.PageTable
	}

	ot := new(guestmem.OffsetTable)
	buf := make([]byte, offsetTableBytes)
	tableBlocks := blockCount(offsetTableBytes, opts.BlockSize)
	restored := 0

	for i := uint32(0); i < h.TableCount; i++ {
		id, n, err := readTableRecord(br)
		if err != nil {
			return err
		}
		if uint64(n) != tableBlocks {
			return fmt.Errorf("%w: table %d has %d blocks", ErrCorrupt, id, n)
		}
		if err := readBlocks(ctx, br, buf, opts); err != nil {
			return fmt.Errorf("savestate: table %d: %w", id, err)
		}

		pt, ok := want[id]
		if !ok {
			opts.Logger.WarnContext(ctx, "skipping saved page table", "id", id)
			continue
		}
		delete(want, id)

		decodeOffsetTable(ot, buf)
		if err := m.UnserializeTable(pt, ot); err != nil {
			return fmt.Errorf("savestate: table %d: %w", id, err)
		}
		restored++
	}

	for _, t := range tables {
		if _, missing := want[t.ID]; missing {
			return fmt.Errorf("%w: %d", ErrMissingTable, t.ID)
		}
	}

	opts.Logger.InfoContext(ctx, "save state loaded",
		"codec", h.Compression.String(),
		"used", h.Used,
		"tables", restored,
		"elapsed", time.Since(start),
	)
	return nil
}

func encodeOffsetTable(dst []byte, ot *guestmem.OffsetTable) {
	for i, ref := range ot {
		binary.LittleEndian.PutUint64(dst[i*8:], uint64(ref))
	}
}

func decodeOffsetTable(ot *guestmem.OffsetTable, src []byte) {
	for i := range ot {
		ot[i] = guestmem.MemoryRef(binary.LittleEndian.Uint64(src[i*8:]))
	}
}

// writeBlocks compresses src in BlockSize pieces, Concurrency at a time, and
// writes the frames in order. Each block in flight holds a worker slot of
// the controller. It returns the number of frame bytes written.
func writeBlocks(ctx context.Context, w io.Writer, src []byte, opts Options) (int, error) {
	batch := opts.BlockSize * opts.Concurrency
	written := 0

	for base := 0; base < len(src); base += batch {
		end := min(base+batch, len(src))
		chunk := src[base:end]
		n := int(blockCount(uint64(len(chunk)), opts.BlockSize))

		frames := make([][]byte, n)
		var g errgroup.Group
		g.SetLimit(opts.Concurrency)
		var err error
		for i := 0; i < n; i++ {
			block := chunk[i*opts.BlockSize : min((i+1)*opts.BlockSize, len(chunk))]
			if err = opts.Controller.AcquireBackground(ctx); err != nil {
				break
			}
			g.Go(func() error {
				defer opts.Controller.ReleaseBackground()
				f, err := encodeFrame(block, opts.Compression)
				frames[i] = f
				return err
			})
		}
		if werr := g.Wait(); err == nil {
			err = werr
		}
		if err == nil {
			for _, f := range frames {
				if _, err = w.Write(f); err != nil {
					break
				}
				written += len(f)
			}
		}
		if err != nil {
			return written, err
		}
		if err := ctx.Err(); err != nil {
			return written, err
		}
	}
	return written, nil
}

// readBlocks reads the frames covering dst and decompresses them into it,
// Concurrency at a time.
func readBlocks(ctx context.Context, r io.Reader, dst []byte, opts Options) error {
	batch := opts.BlockSize * opts.Concurrency

	for base := 0; base < len(dst); base += batch {
		end := min(base+batch, len(dst))
		chunk := dst[base:end]
		n := int(blockCount(uint64(len(chunk)), opts.BlockSize))

		var g errgroup.Group
		g.SetLimit(opts.Concurrency)
		var readErr error
		for i := 0; i < n; i++ {
			block := chunk[i*opts.BlockSize : min((i+1)*opts.BlockSize, len(chunk))]

			var hb [frameHeaderSize]byte
			if _, readErr = io.ReadFull(r, hb[:]); readErr != nil {
				readErr = fmt.Errorf("savestate: read block: %w", readErr)
				break
			}
			fh := parseFrameHeader(hb[:])
			if fh.raw != uint32(len(block)) || fh.payloadSize() > fh.raw {
				readErr = fmt.Errorf("%w: block of %d bytes where %d expected", ErrCorrupt, fh.raw, len(block))
				break
			}
			payload := make([]byte, fh.payloadSize())
			if _, readErr = io.ReadFull(r, payload); readErr != nil {
				readErr = fmt.Errorf("savestate: read block: %w", readErr)
				break
			}

			if readErr = opts.Controller.AcquireBackground(ctx); readErr != nil {
				break
			}
			g.Go(func() error {
				defer opts.Controller.ReleaseBackground()
				return decodeFrame(block, fh, payload, opts.Compression)
			})
		}
		err := g.Wait()
		if readErr != nil {
			return readErr
		}
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return nil
}
