// Package volume implements the striped, erasure-coded, optionally
// encrypted and cached virtual block device built on top of a fixed set of
// remote column partitions. It is grounded on
// original_source/src/bdfsclient-lib/Volume.cpp and VolumeRow.cpp for the
// row/column addressing arithmetic, the encrypt/decrypt envelope, and the
// row repair contract; the worker-goroutine cache underneath it lives in
// internal/cache, and the erasure codec in internal/rscodec.
package volume

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/drvcoin/drive-sub000/internal/rscodec"
)

// PartitionClient is the capability Volume needs from each column's
// backing store. internal/partition.HTTPClient satisfies this; Volume
// depends on the interface, not the concrete type, so the two packages
// don't import each other.
type PartitionClient interface {
	ReadBlock(ctx context.Context, row uint64, offset, size uint32) ([]byte, error)
	WriteBlock(ctx context.Context, row uint64, offset uint32, data []byte) (int, error)
	VerifyBlock(ctx context.Context, row uint64) bool
	Delete(ctx context.Context) error
	BlockSize() int
	Timeout() time.Duration
}

// RowCache is the capability Volume needs from its write-back cache.
// *cache.StripeCache satisfies this structurally.
type RowCache interface {
	Read(ctx context.Context, row uint64, column, offset, size int) ([]byte, error)
	Write(ctx context.Context, row uint64, column, offset int, data []byte) (int, error)
}

// Volume is one striped block device: dataCount data columns plus
// codeCount recovery columns, each blockSize bytes per row, up to
// blockCount rows.
type Volume struct {
	id         string
	dataCount  int
	codeCount  int
	blockCount uint64
	blockSize  int
	key        []byte
	logger     zerolog.Logger

	codec *rscodec.Codec

	mu         sync.RWMutex
	partitions []PartitionClient
	cache      RowCache

	zeroOnce   sync.Once
	zeroBuffer []byte
}

// New builds a Volume with the given geometry. password, if non-empty,
// derives the volume's AES-128 key as the first 16 bytes of SHA-256(password);
// ReadDecrypt/WriteEncrypt require a key and fail with ErrBadConfig without
// one.
func New(id string, dataCount, codeCount int, blockCount uint64, blockSize int, password string) (*Volume, error) {
	codec, err := rscodec.New(dataCount, codeCount, blockSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadConfig, err)
	}
	if blockCount == 0 {
		return nil, fmt.Errorf("%w: block_count must be positive", ErrBadConfig)
	}

	v := &Volume{
		id:         id,
		dataCount:  dataCount,
		codeCount:  codeCount,
		blockCount: blockCount,
		blockSize:  blockSize,
		codec:      codec,
		logger:     zerolog.Nop(),
		partitions: make([]PartitionClient, dataCount+codeCount),
	}

	if password != "" {
		key, err := deriveKey(password, blockSize)
		if err != nil {
			return nil, err
		}
		v.key = key
	}

	return v, nil
}

func (v *Volume) ID() string      { return v.id }
func (v *Volume) DataCount() int  { return v.dataCount }
func (v *Volume) CodeCount() int  { return v.codeCount }
func (v *Volume) Columns() int    { return v.dataCount + v.codeCount }
func (v *Volume) BlockSize() int  { return v.blockSize }
func (v *Volume) BlockCount() uint64 { return v.blockCount }

// EnableCache installs a write-back cache in front of this volume's
// columns. Call it once, before any Read/Write traffic starts.
func (v *Volume) EnableCache(c RowCache) {
	v.cache = c
}

// SetLogger installs the logger used for row-repair tracing and partition
// faults. A nil logger disables logging.
func (v *Volume) SetLogger(logger *zerolog.Logger) {
	if logger == nil {
		v.logger = zerolog.Nop()
		return
	}
	v.logger = *logger
}

// SetPartition assigns the backing client for column index. The client's
// block size must match the volume's.
func (v *Volume) SetPartition(index int, p PartitionClient) error {
	if p == nil {
		return fmt.Errorf("%w: partition is nil", ErrBadConfig)
	}
	if index < 0 || index >= v.dataCount+v.codeCount {
		return fmt.Errorf("%w: column %d out of range", ErrBadConfig, index)
	}
	if p.BlockSize() != v.blockSize {
		return fmt.Errorf("%w: partition block size %d, volume expects %d", ErrBadConfig, p.BlockSize(), v.blockSize)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.partitions[index] = p
	return nil
}

// Timeout aggregates the per-call timeout budget of every configured
// partition, giving callers a worst-case bound for one Read/Write that may
// touch every column of a row.
func (v *Volume) Timeout() time.Duration {
	v.mu.RLock()
	defer v.mu.RUnlock()
	var total time.Duration
	for _, p := range v.partitions {
		if p != nil {
			total += p.Timeout()
		}
	}
	return total
}

// ZeroBuffer returns a shared, read-only, blockSize-length zero buffer,
// lazily allocated once per Volume. Callers must not mutate it.
func (v *Volume) ZeroBuffer() []byte {
	v.zeroOnce.Do(func() {
		v.zeroBuffer = make([]byte, v.blockSize)
	})
	return v.zeroBuffer
}

func (v *Volume) GetRow(row uint64) Row {
	return Row{v: v, idx: row}
}

func (v *Volume) partitionAt(col int) (PartitionClient, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if col < 0 || col >= len(v.partitions) {
		return nil, fmt.Errorf("%w: column %d out of range", ErrOutOfRange, col)
	}
	p := v.partitions[col]
	if p == nil {
		return nil, fmt.Errorf("%w: partition %d is not set", ErrBadConfig, col)
	}
	return p, nil
}

func (v *Volume) verifyCell(ctx context.Context, row uint64, col int) (bool, error) {
	p, err := v.partitionAt(col)
	if err != nil {
		return false, err
	}
	return p.VerifyBlock(ctx, row), nil
}

func (v *Volume) readDirect(ctx context.Context, row uint64, col, offset, size int) ([]byte, error) {
	p, err := v.partitionAt(col)
	if err != nil {
		return nil, err
	}
	return p.ReadBlock(ctx, row, uint32(offset), uint32(size))
}

func (v *Volume) writeDirect(ctx context.Context, row uint64, col, offset int, data []byte) error {
	p, err := v.partitionAt(col)
	if err != nil {
		return err
	}
	_, err = p.WriteBlock(ctx, row, uint32(offset), data)
	return err
}

// ReadDirect implements cache.Backend: a full-block read at offset 0,
// bypassing the cache entirely. Used by the cache on a miss.
func (v *Volume) ReadDirect(ctx context.Context, row uint64, column int, buf []byte) error {
	data, err := v.readDirect(ctx, row, column, 0, v.blockSize)
	if err != nil {
		return err
	}
	copy(buf, data)
	return nil
}

// WriteDirect implements cache.Backend: a full-block write at offset 0,
// bypassing the cache entirely. Used to drain dirty cache rows.
func (v *Volume) WriteDirect(ctx context.Context, row uint64, column int, buf []byte) error {
	return v.writeDirect(ctx, row, column, 0, buf)
}

func (v *Volume) readCached(ctx context.Context, row uint64, col, offset, size int) ([]byte, error) {
	if v.cache != nil {
		return v.cache.Read(ctx, row, col, offset, size)
	}
	return v.readDirect(ctx, row, col, offset, size)
}

func (v *Volume) writeCached(ctx context.Context, row uint64, col, offset int, data []byte) error {
	if v.cache != nil {
		_, err := v.cache.Write(ctx, row, col, offset, data)
		return err
	}
	return v.writeDirect(ctx, row, col, offset, data)
}

// readCell is the single-cell read path every Read/ReadDecrypt loop
// iteration goes through: on a recoverable fault (IoError/Timeout) it
// re-runs Row.Verify to repair the row from its recovery columns, then
// retries the cell once before giving up. A fault discovered mid-request,
// not just at the pre-loop Verify, is therefore still repaired
// transparently.
func (v *Volume) readCell(ctx context.Context, row uint64, col, offset, size int) ([]byte, error) {
	chunk, err := v.readCached(ctx, row, col, offset, size)
	if err != nil && IsRecoverable(err) {
		if verr := v.GetRow(row).Verify(ctx); verr != nil {
			return nil, verr
		}
		chunk, err = v.readCached(ctx, row, col, offset, size)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read [%d,%d]: %v", ErrIoError, row, col, err)
	}
	return chunk, nil
}

// writeCell is the single-cell write path every Write/WriteEncrypt loop
// iteration goes through, with the same repair-then-retry behavior as
// readCell.
func (v *Volume) writeCell(ctx context.Context, row uint64, col, offset int, data []byte) error {
	err := v.writeCached(ctx, row, col, offset, data)
	if err != nil && IsRecoverable(err) {
		if verr := v.GetRow(row).Verify(ctx); verr != nil {
			return verr
		}
		err = v.writeCached(ctx, row, col, offset, data)
	}
	if err != nil {
		return fmt.Errorf("%w: write [%d,%d]: %v", ErrIoError, row, col, err)
	}
	return nil
}

func (v *Volume) checkRange(offset, size uint64) error {
	total := v.blockCount * uint64(v.dataCount) * uint64(v.blockSize)
	if offset >= total {
		return fmt.Errorf("%w: offset %d out of range", ErrOutOfRange, offset)
	}
	if size > total {
		return fmt.Errorf("%w: size %d out of range", ErrOutOfRange, size)
	}
	if offset+size > total {
		return fmt.Errorf("%w: offset+size %d out of range", ErrOutOfRange, offset+size)
	}
	return nil
}

// locate decomposes a byte offset into its starting (row, column,
// in-block offset), and how many bytes remain in that first block.
func (v *Volume) locate(offset uint64) (row uint64, col, blockOffset, blockRemaining int) {
	dataBlock := offset / uint64(v.blockSize)
	blockOffset = int(offset - dataBlock*uint64(v.blockSize))
	row = dataBlock / uint64(v.dataCount)
	col = int(dataBlock - row*uint64(v.dataCount))
	blockRemaining = v.blockSize - blockOffset
	return
}

// Write stores data at offset without encryption, striping across columns
// and re-encoding recovery columns at every row boundary crossed.
func (v *Volume) Write(ctx context.Context, data []byte, offset uint64) error {
	size := uint64(len(data))
	if size == 0 {
		return nil
	}
	if err := v.checkRange(offset, size); err != nil {
		return err
	}

	row, col, blockOffset, blockRemaining := v.locate(offset)
	if err := v.GetRow(row).Verify(ctx); err != nil {
		return err
	}

	buf := data
	for {
		toWrite := blockRemaining
		if uint64(toWrite) > size {
			toWrite = int(size)
		}
		if err := v.writeCell(ctx, row, col, blockOffset, buf[:toWrite]); err != nil {
			return err
		}

		buf = buf[toWrite:]
		size -= uint64(toWrite)
		blockRemaining = v.blockSize
		blockOffset = 0
		if size == 0 {
			break
		}

		col++
		if col == v.dataCount {
			if err := v.GetRow(row).Encode(ctx); err != nil {
				return err
			}
			col = 0
			row++
			if err := v.GetRow(row).Verify(ctx); err != nil {
				return err
			}
		}
	}

	return v.GetRow(row).Encode(ctx)
}

// Read fills dest from offset without decryption.
func (v *Volume) Read(ctx context.Context, dest []byte, offset uint64) error {
	size := uint64(len(dest))
	if size == 0 {
		return nil
	}
	if err := v.checkRange(offset, size); err != nil {
		return err
	}

	row, col, blockOffset, blockRemaining := v.locate(offset)
	if err := v.GetRow(row).Verify(ctx); err != nil {
		return err
	}

	out := dest
	for {
		toRead := blockRemaining
		if uint64(toRead) > size {
			toRead = int(size)
		}
		chunk, err := v.readCell(ctx, row, col, blockOffset, toRead)
		if err != nil {
			return err
		}
		copy(out[:toRead], chunk)

		out = out[toRead:]
		size -= uint64(toRead)
		blockRemaining = v.blockSize
		blockOffset = 0
		if size == 0 {
			break
		}

		col++
		if col == v.dataCount {
			col = 0
			row++
			if err := v.GetRow(row).Verify(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

// WriteEncrypt is Write's encrypted counterpart: every data cell is an
// AES-128-CBC ciphertext over the whole block, so a write narrower than a
// block must read-decrypt-modify-encrypt the block it falls into.
func (v *Volume) WriteEncrypt(ctx context.Context, data []byte, offset uint64) error {
	if v.key == nil {
		return fmt.Errorf("%w: volume has no encryption key configured", ErrBadConfig)
	}
	size := uint64(len(data))
	if size == 0 {
		return nil
	}
	if err := v.checkRange(offset, size); err != nil {
		return err
	}

	row, col, blockOffset, blockRemaining := v.locate(offset)
	if err := v.GetRow(row).Verify(ctx); err != nil {
		return err
	}

	buf := data
	for {
		toWrite := blockRemaining
		if uint64(toWrite) > size {
			toWrite = int(size)
		}

		var clear []byte
		if toWrite < v.blockSize {
			cipherBlock, err := v.readCell(ctx, row, col, 0, v.blockSize)
			if err != nil {
				return err
			}
			clear, err = v.decryptBlock(row, cipherBlock)
			if err != nil {
				return err
			}
		} else {
			clear = make([]byte, v.blockSize)
		}
		copy(clear[blockOffset:blockOffset+toWrite], buf[:toWrite])

		cipherBlock, err := v.encryptBlock(row, clear)
		if err != nil {
			return err
		}
		if err := v.writeCell(ctx, row, col, 0, cipherBlock); err != nil {
			return err
		}

		buf = buf[toWrite:]
		size -= uint64(toWrite)
		blockRemaining = v.blockSize
		blockOffset = 0
		if size == 0 {
			break
		}

		col++
		if col == v.dataCount {
			if err := v.GetRow(row).Encode(ctx); err != nil {
				return err
			}
			col = 0
			row++
			if err := v.GetRow(row).Verify(ctx); err != nil {
				return err
			}
		}
	}

	return v.GetRow(row).Encode(ctx)
}

// ReadDecrypt is Read's encrypted counterpart.
func (v *Volume) ReadDecrypt(ctx context.Context, dest []byte, offset uint64) error {
	if v.key == nil {
		return fmt.Errorf("%w: volume has no encryption key configured", ErrBadConfig)
	}
	size := uint64(len(dest))
	if size == 0 {
		return nil
	}
	if err := v.checkRange(offset, size); err != nil {
		return err
	}

	row, col, blockOffset, blockRemaining := v.locate(offset)
	if err := v.GetRow(row).Verify(ctx); err != nil {
		return err
	}

	out := dest
	for {
		toRead := blockRemaining
		if uint64(toRead) > size {
			toRead = int(size)
		}

		cipherBlock, err := v.readCell(ctx, row, col, 0, v.blockSize)
		if err != nil {
			return err
		}
		clear, err := v.decryptBlock(row, cipherBlock)
		if err != nil {
			return err
		}
		copy(out[:toRead], clear[blockOffset:blockOffset+toRead])

		out = out[toRead:]
		size -= uint64(toRead)
		blockRemaining = v.blockSize
		blockOffset = 0
		if size == 0 {
			break
		}

		col++
		if col == v.dataCount {
			col = 0
			row++
			if err := v.GetRow(row).Verify(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

// Delete removes every column's backing storage. It attempts every
// partition even after a failure and joins all errors encountered.
func (v *Volume) Delete(ctx context.Context) error {
	v.mu.RLock()
	partitions := append([]PartitionClient(nil), v.partitions...)
	v.mu.RUnlock()

	var errs []error
	for i, p := range partitions {
		if p == nil {
			continue
		}
		if err := p.Delete(ctx); err != nil {
			errs = append(errs, fmt.Errorf("partition %d: %w", i, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %v", ErrIoError, errors.Join(errs...))
	}
	return nil
}
