package volume

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/drvcoin/drive-sub000/internal/rscodec"
)

// Row is a thin handle onto one striped row of a Volume: dataCount data
// cells followed by codeCount recovery cells, one per partition column.
// Grounded on original_source/src/bdfsclient-lib/VolumeRow.cpp.
type Row struct {
	v   *Volume
	idx uint64
}

// Verify checks every column's cell for liveness, triggering a Decode as
// soon as the first dead cell is found. It keeps checking the remaining
// columns afterward since Decode repairs the row as a whole, not just the
// column that failed.
func (r Row) Verify(ctx context.Context) error {
	repaired := false
	for i := 0; i < r.v.dataCount+r.v.codeCount; i++ {
		ok, err := r.v.verifyCell(ctx, r.idx, i)
		if err != nil {
			return err
		}
		if ok {
			continue
		}
		if repaired {
			// Decode already ran once this pass; a column still reported
			// dead is not decoded a second time and does not fail Verify.
			continue
		}
		if err := r.Decode(ctx); err != nil {
			return err
		}
		repaired = true
	}
	return nil
}

// Decode rebuilds missing data cells from surviving data and recovery
// cells, writes the recovered cells back, and then unconditionally
// re-derives every recovery cell from the now-complete data so the row's
// redundancy is fresh regardless of whether anything was actually missing.
func (r Row) Decode(ctx context.Context) error {
	traceID := uuid.New().String()
	data := make([][]byte, r.v.dataCount)
	var missing []int

	for col := 0; col < r.v.dataCount; col++ {
		ok, err := r.v.verifyCell(ctx, r.idx, col)
		if err != nil {
			return err
		}
		if !ok {
			missing = append(missing, col)
			data[col] = make([]byte, r.v.blockSize)
			continue
		}
		cell, err := r.v.readCached(ctx, r.idx, col, 0, r.v.blockSize)
		if err != nil {
			return fmt.Errorf("%w: read data cell [%d,%d]: %v", ErrIoError, r.idx, col, err)
		}
		data[col] = cell
	}

	if len(missing) > 0 {
		r.v.logger.Warn().Str("repair_id", traceID).Uint64("row", r.idx).Ints("missing_columns", missing).Msg("repairing row from recovery columns")
		if r.v.codeCount == 0 {
			return fmt.Errorf("%w: row %d missing %d data cell(s) and volume has no recovery columns", ErrRowUnrecoverable, r.idx, len(missing))
		}

		blocks := make([]rscodec.Block, r.v.dataCount+r.v.codeCount)
		for col := range blocks {
			blocks[col].Index = col
		}
		for col := 0; col < r.v.dataCount; col++ {
			blocks[col] = rscodec.Block{Index: col}
			isMissing := false
			for _, m := range missing {
				if m == col {
					isMissing = true
					break
				}
			}
			if !isMissing {
				blocks[col].Data = data[col]
			}
		}

		collected := 0
		for cc := 0; cc < r.v.codeCount && collected < len(missing); cc++ {
			col := r.v.dataCount + cc
			ok, err := r.v.verifyCell(ctx, r.idx, col)
			if err != nil {
				return err
			}
			blocks[col] = rscodec.Block{Index: col}
			if !ok {
				continue
			}
			cell, err := r.v.readCached(ctx, r.idx, col, 0, r.v.blockSize)
			if err != nil {
				return fmt.Errorf("%w: read code cell [%d,%d]: %v", ErrIoError, r.idx, col, err)
			}
			blocks[col].Data = cell
			collected++
		}

		if err := r.v.codec.Decode(blocks); err != nil {
			if errors.Is(err, rscodec.ErrInsufficientBlocks) {
				return fmt.Errorf("%w: row %d: %v", ErrRowUnrecoverable, r.idx, err)
			}
			return fmt.Errorf("%w: row %d: %v", ErrIoError, r.idx, err)
		}

		for _, m := range missing {
			data[m] = blocks[m].Data
			if err := r.v.writeCached(ctx, r.idx, m, 0, data[m]); err != nil {
				return fmt.Errorf("%w: repair write [%d,%d]: %v", ErrIoError, r.idx, m, err)
			}
		}
		r.v.logger.Info().Str("repair_id", traceID).Uint64("row", r.idx).Msg("row repair complete")
	}

	return r.v.encodeFrom(ctx, r.idx, data)
}

// Encode reads every data cell without verifying it and recomputes every
// recovery cell from that data.
func (r Row) Encode(ctx context.Context) error {
	data := make([][]byte, r.v.dataCount)
	for col := 0; col < r.v.dataCount; col++ {
		cell, err := r.v.readCached(ctx, r.idx, col, 0, r.v.blockSize)
		if err != nil {
			return fmt.Errorf("%w: read data cell [%d,%d]: %v", ErrIoError, r.idx, col, err)
		}
		data[col] = cell
	}
	return r.v.encodeFrom(ctx, r.idx, data)
}

// encodeFrom derives and writes every recovery cell of row idx from a
// complete data buffer.
func (v *Volume) encodeFrom(ctx context.Context, idx uint64, data [][]byte) error {
	if v.codeCount == 0 {
		return nil
	}
	code := make([][]byte, v.codeCount)
	for i := range code {
		code[i] = make([]byte, v.blockSize)
	}
	if err := v.codec.Encode(data, code); err != nil {
		return fmt.Errorf("%w: row %d: %v", ErrIoError, idx, err)
	}
	for i, cell := range code {
		col := v.dataCount + i
		if err := v.writeCached(ctx, idx, col, 0, cell); err != nil {
			return fmt.Errorf("%w: write code cell [%d,%d]: %v", ErrIoError, idx, col, err)
		}
	}
	return nil
}
