// Package rscodec implements a stateless, deterministic systematic
// Reed-Solomon codec over GF(256), parameterized per call by (block_bytes,
// original_count, recovery_count). It wraps github.com/klauspost/reedsolomon,
// the Cauchy/Vandermonde GF(256) codec used elsewhere for exactly this kind
// of erasure coding (storj-storj, aistore).
package rscodec

import (
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/reedsolomon"
)

// ErrBadParams covers D=0, C>256-D, or block size not a multiple of 64.
var ErrBadParams = errors.New("rscodec: bad params")

// ErrInsufficientBlocks is returned when fewer than D valid blocks were
// supplied to Decode.
var ErrInsufficientBlocks = errors.New("rscodec: insufficient blocks")

var initOnce sync.Once

// Init performs the codec's one-time, process-wide matrix warm-up. It is
// idempotent and cheap to call repeatedly; New calls it automatically, but a
// host process that mounts many volumes should call it once at startup
// before any Volume I/O so the first real encode/decode on the hot path
// isn't the one paying matrix-construction cost.
func Init() {
	initOnce.Do(func() {
		_, _ = reedsolomon.New(1, 1)
	})
}

// Codec is a systematic Reed-Solomon codec fixed to one
// (dataCount, codeCount, blockSize) geometry for the lifetime of a Volume.
// It is safe for concurrent use by multiple goroutines: each Encode/Decode
// call only touches its own argument slices, and the underlying matrix is
// read-only once built.
type Codec struct {
	dataCount int
	codeCount int
	blockSize int
	enc       reedsolomon.Encoder
}

// New validates parameters and builds a Codec. codeCount may be 0 (no
// redundancy); dataCount+codeCount must not exceed 256 columns.
func New(dataCount, codeCount, blockSize int) (*Codec, error) {
	if dataCount <= 0 || dataCount > 255 {
		return nil, fmt.Errorf("%w: data_count %d", ErrBadParams, dataCount)
	}
	if codeCount < 0 || dataCount+codeCount > 256 {
		return nil, fmt.Errorf("%w: code_count %d", ErrBadParams, codeCount)
	}
	if blockSize <= 0 || blockSize%64 != 0 {
		return nil, fmt.Errorf("%w: block_size %d is not a multiple of 64", ErrBadParams, blockSize)
	}

	Init()

	c := &Codec{dataCount: dataCount, codeCount: codeCount, blockSize: blockSize}
	if codeCount > 0 {
		enc, err := reedsolomon.New(dataCount, codeCount)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadParams, err)
		}
		c.enc = enc
	}
	return c, nil
}

func (c *Codec) DataCount() int { return c.dataCount }
func (c *Codec) CodeCount() int { return c.codeCount }
func (c *Codec) BlockSize() int { return c.blockSize }

// Encode reads dataCount input blocks of blockSize bytes and writes
// codeCount recovery blocks into outCode. Deterministic: identical inputs
// yield byte-identical recovery blocks across hosts.
func (c *Codec) Encode(data [][]byte, outCode [][]byte) error {
	if len(data) != c.dataCount {
		return fmt.Errorf("%w: got %d data blocks, want %d", ErrBadParams, len(data), c.dataCount)
	}
	if len(outCode) != c.codeCount {
		return fmt.Errorf("%w: got %d code blocks, want %d", ErrBadParams, len(outCode), c.codeCount)
	}
	if c.codeCount == 0 {
		return nil
	}

	shards := make([][]byte, c.dataCount+c.codeCount)
	for i, d := range data {
		if len(d) != c.blockSize {
			return fmt.Errorf("%w: data block %d has length %d, want %d", ErrBadParams, i, len(d), c.blockSize)
		}
		shards[i] = d
	}
	for i, code := range outCode {
		if len(code) != c.blockSize {
			return fmt.Errorf("%w: code block %d has length %d, want %d", ErrBadParams, i, len(code), c.blockSize)
		}
		shards[c.dataCount+i] = code
	}

	if err := c.enc.Encode(shards); err != nil {
		return fmt.Errorf("rscodec: encode failed: %w", err)
	}
	return nil
}

// Block identifies one (possibly missing) shard of a row for Decode. Index
// is the original column position: 0..dataCount-1 for data shards,
// dataCount..dataCount+codeCount-1 for code shards. Data is nil when the
// shard is missing; present shards must carry exactly blockSize bytes.
type Block struct {
	Index int
	Data  []byte
}

// Decode repairs missing data shards in place. blocks must have exactly
// dataCount+codeCount entries, one per original index. Entries with a nil
// Data are treated as missing. On success, every entry with Index <
// dataCount carries its recovered (or already-present) data block.
func (c *Codec) Decode(blocks []Block) error {
	want := c.dataCount + c.codeCount
	if len(blocks) != want {
		return fmt.Errorf("%w: expected %d blocks, got %d", ErrBadParams, want, len(blocks))
	}

	present := 0
	shards := make([][]byte, want)
	for _, b := range blocks {
		if b.Index < 0 || b.Index >= want {
			return fmt.Errorf("%w: block index %d out of range", ErrBadParams, b.Index)
		}
		if b.Data != nil {
			if len(b.Data) != c.blockSize {
				return fmt.Errorf("%w: block %d has length %d, want %d", ErrBadParams, b.Index, len(b.Data), c.blockSize)
			}
			shards[b.Index] = b.Data
			present++
		}
	}
	if present < c.dataCount {
		return fmt.Errorf("%w: %d of %d required blocks present", ErrInsufficientBlocks, present, c.dataCount)
	}

	if c.codeCount > 0 {
		if err := c.enc.Reconstruct(shards); err != nil {
			if errors.Is(err, reedsolomon.ErrTooFewShards) {
				return fmt.Errorf("%w", ErrInsufficientBlocks)
			}
			return fmt.Errorf("rscodec: decode failed: %w", err)
		}
	}

	for i := range blocks {
		if blocks[i].Index < c.dataCount {
			blocks[i].Data = shards[blocks[i].Index]
		}
	}
	return nil
}
