package cache

import (
	"encoding/binary"
	"io"
	"os"
)

// readFull reads exactly len(buf) bytes or returns an error, treating EOF
// with partial data as an error rather than silently returning a short read.
func readFull(r io.Reader, buf []byte) (int, error) {
	return io.ReadFull(r, buf)
}

// readFileBlock scans a row file for the record belonging to column and
// fills buf with its payload. It reports (false, nil) if the file doesn't
// exist or the column isn't present yet, distinct from a real I/O error.
func readFileBlock(path string, column int, buf []byte) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()

	var colBuf [8]byte
	blockSize := len(buf)
	skip := make([]byte, blockSize)
	for {
		if _, err := readFull(f, colBuf[:]); err != nil {
			return false, nil
		}
		idx := int(binary.LittleEndian.Uint64(colBuf[:]))
		if idx == column {
			if _, err := readFull(f, buf); err != nil {
				return false, err
			}
			return true, nil
		}
		if _, err := readFull(f, skip); err != nil {
			return false, err
		}
	}
}

// writeFileBlock overwrites the record for column in place if present,
// otherwise appends a new {column}{payload} record, per the linear-scan
// format the original client used for its per-row cache files.
func writeFileBlock(path string, column int, buf []byte) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o640)
	if err != nil {
		return err
	}
	defer f.Close()

	blockSize := len(buf)
	var colBuf [8]byte
	skip := make([]byte, blockSize)
	for {
		if _, err := readFull(f, colBuf[:]); err != nil {
			break
		}
		idx := int(binary.LittleEndian.Uint64(colBuf[:]))
		if idx == column {
			if _, err := f.Write(buf); err != nil {
				return err
			}
			return nil
		}
		if _, err := readFull(f, skip); err != nil {
			return err
		}
	}

	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(colBuf[:], uint64(column))
	if _, err := f.Write(colBuf[:]); err != nil {
		return err
	}
	if _, err := f.Write(buf); err != nil {
		return err
	}
	return nil
}
