package savestate

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/hupe1980/guestmem/internal/hash"
)

// Compression selects the block codec.
type Compression uint8

const (
	// CompressionZSTD compresses blocks with zstd (better ratio). It is the default.
	CompressionZSTD Compression = iota
	// CompressionLZ4 compresses blocks with LZ4 (faster).
	CompressionLZ4
	// CompressionNone stores every block raw.
	CompressionNone
)

func (c Compression) String() string {
	switch c {
	case CompressionZSTD:
		return "zstd"
	case CompressionLZ4:
		return "lz4"
	case CompressionNone:
		return "none"
	default:
		return fmt.Sprintf("compression(%d)", uint8(c))
	}
}

func (c Compression) valid() bool {
	return c <= CompressionNone
}

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() (*zstd.Encoder, error) {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder), nil
	}
	return zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault), zstd.WithEncoderConcurrency(1))
}

func getZstdDecoder() (*zstd.Decoder, error) {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder), nil
	}
	return zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
}

// Frame layout: [raw u32][compressed u32][crc32c(raw) u32][data].
// compressed == 0 means data holds the raw bytes.
const frameHeaderSize = 12

// maxRatio is the compressed/raw ratio above which a block is stored raw.
const maxRatio = 0.9

// ErrCorrupt is returned when a frame fails validation.
var ErrCorrupt = errors.New("savestate: corrupt block")

// encodeFrame compresses data into a self-describing frame.
func encodeFrame(data []byte, c Compression) ([]byte, error) {
	var compressed []byte

	switch c {
	case CompressionLZ4:
		buf := make([]byte, lz4.CompressBlockBound(len(data)))
		n, err := lz4.CompressBlock(data, buf, nil)
		if err != nil {
			return nil, err
		}
		compressed = buf[:n] // n == 0: incompressible
	case CompressionZSTD:
		enc, err := getZstdEncoder()
		if err != nil {
			return nil, err
		}
		compressed = enc.EncodeAll(data, nil)
		zstdEncoderPool.Put(enc)
	}

	raw := len(compressed) == 0 || float64(len(compressed)) > float64(len(data))*maxRatio
	payload := compressed
	if raw {
		payload = data
	}

	frame := make([]byte, frameHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(frame[0:], uint32(len(data)))
	if !raw {
		binary.LittleEndian.PutUint32(frame[4:], uint32(len(compressed)))
	}
	binary.LittleEndian.PutUint32(frame[8:], hash.CRC32C(data))
	copy(frame[frameHeaderSize:], payload)
	return frame, nil
}

type frameHeader struct {
	raw        uint32
	compressed uint32
	checksum   uint32
}

func parseFrameHeader(b []byte) frameHeader {
	return frameHeader{
		raw:        binary.LittleEndian.Uint32(b[0:]),
		compressed: binary.LittleEndian.Uint32(b[4:]),
		checksum:   binary.LittleEndian.Uint32(b[8:]),
	}
}

// payloadSize is the number of bytes following the header.
func (h frameHeader) payloadSize() uint32 {
	if h.compressed == 0 {
		return h.raw
	}
	return h.compressed
}

// decodeFrame decompresses payload into dst, which must be exactly h.raw bytes.
func decodeFrame(dst []byte, h frameHeader, payload []byte, c Compression) error {
	if uint32(len(dst)) != h.raw {
		return fmt.Errorf("%w: block size %d, expected %d", ErrCorrupt, h.raw, len(dst))
	}

	if h.compressed == 0 {
		copy(dst, payload)
	} else {
		switch c {
		case CompressionLZ4:
			n, err := lz4.UncompressBlock(payload, dst)
			if err != nil {
				return fmt.Errorf("%w: %w", ErrCorrupt, err)
			}
			if n != len(dst) {
				return fmt.Errorf("%w: decompressed size mismatch", ErrCorrupt)
			}
		case CompressionZSTD:
			dec, err := getZstdDecoder()
			if err != nil {
				return err
			}
			out, err := dec.DecodeAll(payload, dst[:0])
			zstdDecoderPool.Put(dec)
			if err != nil {
				return fmt.Errorf("%w: %w", ErrCorrupt, err)
			}
			if len(out) != len(dst) || (len(out) > 0 && &out[0] != &dst[0]) {
				return fmt.Errorf("%w: decompressed size mismatch", ErrCorrupt)
			}
		default:
			return fmt.Errorf("%w: compressed block in an uncompressed stream", ErrCorrupt)
		}
	}

	if hash.CRC32C(dst) != h.checksum {
		return fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}
	return nil
}
