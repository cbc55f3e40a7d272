package volume

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// fakePartition is an in-memory PartitionClient backing one column: a map
// of row -> block, with knobs to simulate a dead cell.
type fakePartition struct {
	blockSize int

	mu         sync.Mutex
	rows       map[uint64][]byte
	dead       map[uint64]bool
	flakyRead  map[uint64]int
	flakyWrite map[uint64]int
	calls      int
}

func newFakePartition(blockSize int) *fakePartition {
	return &fakePartition{
		blockSize:  blockSize,
		rows:       make(map[uint64][]byte),
		dead:       make(map[uint64]bool),
		flakyRead:  make(map[uint64]int),
		flakyWrite: make(map[uint64]int),
	}
}

func (p *fakePartition) BlockSize() int          { return p.blockSize }
func (p *fakePartition) Timeout() time.Duration  { return time.Second }

func (p *fakePartition) kill(row uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dead[row] = true
}

// failNextReads makes the next n ReadBlock calls against row fail with a
// transient error while VerifyBlock keeps reporting the cell alive,
// simulating a fault that only shows up on the actual read, not on the
// row's pre-loop Verify.
func (p *fakePartition) failNextReads(row uint64, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.flakyRead[row] = n
}

// failNextWrites is failNextReads' write-side analog.
func (p *fakePartition) failNextWrites(row uint64, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.flakyWrite[row] = n
}

func (p *fakePartition) ReadBlock(ctx context.Context, row uint64, offset, size uint32) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.dead[row] {
		return nil, errors.New("simulated dead cell")
	}
	if p.flakyRead[row] > 0 {
		p.flakyRead[row]--
		return nil, fmt.Errorf("%w: simulated transient read fault", ErrIoError)
	}
	block, ok := p.rows[row]
	if !ok {
		block = make([]byte, p.blockSize)
	}
	out := make([]byte, size)
	copy(out, block[offset:offset+size])
	return out, nil
}

// WriteBlock always succeeds even on a "dead" row: kill simulates a cell
// that can't be read back (e.g. a checksum mismatch on the provider side),
// not a severed write path, so row repair can still land a fresh block.
func (p *fakePartition) WriteBlock(ctx context.Context, row uint64, offset uint32, data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.flakyWrite[row] > 0 {
		p.flakyWrite[row]--
		return 0, fmt.Errorf("%w: simulated transient write fault", ErrIoError)
	}
	delete(p.dead, row)
	block, ok := p.rows[row]
	if !ok {
		block = make([]byte, p.blockSize)
		p.rows[row] = block
	}
	copy(block[offset:], data)
	return len(data), nil
}

func (p *fakePartition) VerifyBlock(ctx context.Context, row uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.dead[row]
}

func (p *fakePartition) Delete(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rows = make(map[uint64][]byte)
	return nil
}

func newTestVolume(t *testing.T, dataCount, codeCount, blockSize int, password string) (*Volume, []*fakePartition) {
	t.Helper()
	v, err := New("test-volume", dataCount, codeCount, 64, blockSize, password)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	parts := make([]*fakePartition, dataCount+codeCount)
	for i := range parts {
		parts[i] = newFakePartition(blockSize)
		if err := v.SetPartition(i, parts[i]); err != nil {
			t.Fatalf("SetPartition(%d): %v", i, err)
		}
	}
	return v, parts
}

func TestWriteReadRoundTrip(t *testing.T) {
	v, _ := newTestVolume(t, 4, 2, 64, "")
	ctx := context.Background()

	payload := bytes.Repeat([]byte("hello-world-"), 40)[:4*64+32]
	if err := v.Write(ctx, payload, 0); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got := make([]byte, len(payload))
	if err := v.Read(ctx, got, 0); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("round trip mismatch")
	}
}

func TestWriteReadRecoversFromOneLostColumn(t *testing.T) {
	v, parts := newTestVolume(t, 4, 2, 64, "")
	ctx := context.Background()

	payload := bytes.Repeat([]byte{0x42}, 4*64)
	if err := v.Write(ctx, payload, 0); err != nil {
		t.Fatalf("Write: %v", err)
	}

	parts[1].kill(0)

	got := make([]byte, len(payload))
	if err := v.Read(ctx, got, 0); err != nil {
		t.Fatalf("Read after losing one column: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("recovered data mismatch")
	}
}

// TestReadRecoversFromTransientMidRequestFault exercises a cell that comes
// back fine at the row's pre-loop Verify but then fails its actual read:
// Read must re-verify and retry that single cell rather than failing the
// whole request.
func TestReadRecoversFromTransientMidRequestFault(t *testing.T) {
	v, parts := newTestVolume(t, 4, 2, 64, "")
	ctx := context.Background()

	payload := bytes.Repeat([]byte{0x55}, 4*64)
	if err := v.Write(ctx, payload, 0); err != nil {
		t.Fatalf("Write: %v", err)
	}

	// column 2 verifies alive (never killed) but its next read fails once,
	// a fault that only shows up mid-loop, not at the pre-loop Verify.
	parts[2].failNextReads(0, 1)

	got := make([]byte, len(payload))
	if err := v.Read(ctx, got, 0); err != nil {
		t.Fatalf("Read should recover from a transient single-cell fault: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("recovered data mismatch")
	}
}

// TestWriteRecoversFromTransientMidRequestFault is the Write-side analog:
// a transient write fault on one cell must be retried after re-verifying
// the row rather than failing the whole write.
func TestWriteRecoversFromTransientMidRequestFault(t *testing.T) {
	v, parts := newTestVolume(t, 4, 2, 64, "")
	ctx := context.Background()

	payload := bytes.Repeat([]byte{0x66}, 4*64)
	parts[1].failNextWrites(0, 1)
	if err := v.Write(ctx, payload, 0); err != nil {
		t.Fatalf("Write should recover from a transient single-cell fault: %v", err)
	}

	got := make([]byte, len(payload))
	if err := v.Read(ctx, got, 0); err != nil {
		t.Fatalf("Read after recovered write: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("data mismatch after recovered write")
	}
}

func TestRowUnrecoverableWithTooManyLostColumns(t *testing.T) {
	v, parts := newTestVolume(t, 4, 2, 64, "")
	ctx := context.Background()

	payload := bytes.Repeat([]byte{0x7}, 4*64)
	if err := v.Write(ctx, payload, 0); err != nil {
		t.Fatalf("Write: %v", err)
	}

	// kill 3 of 6 columns: more losses than the 2 recovery columns can repair
	parts[0].kill(0)
	parts[1].kill(0)
	parts[4].kill(0)

	got := make([]byte, len(payload))
	err := v.Read(ctx, got, 0)
	if err == nil {
		t.Fatal("expected an error reading an unrecoverable row")
	}
	if !errors.Is(err, ErrRowUnrecoverable) {
		t.Fatalf("expected ErrRowUnrecoverable, got %v", err)
	}
}

func TestDecodeRefreshesCodeColumns(t *testing.T) {
	v, parts := newTestVolume(t, 4, 2, 64, "")
	ctx := context.Background()

	payload := bytes.Repeat([]byte{0x9}, 4*64)
	if err := v.Write(ctx, payload, 0); err != nil {
		t.Fatalf("Write: %v", err)
	}

	// corrupt the last code column directly, bypassing the volume, then
	// lose a data column: Decode repairs the data column from the first
	// code column (still intact) and also rewrites the corrupted code
	// column from the fresh data.
	parts[5].mu.Lock()
	parts[5].rows[0] = bytes.Repeat([]byte{0xFF}, 64)
	parts[5].mu.Unlock()
	parts[0].kill(0)

	if err := v.GetRow(0).Verify(ctx); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	parts[5].mu.Lock()
	refreshed := append([]byte(nil), parts[5].rows[0]...)
	parts[5].mu.Unlock()
	if bytes.Equal(refreshed, bytes.Repeat([]byte{0xFF}, 64)) {
		t.Fatal("expected code column to be refreshed after repair, still held corrupted bytes")
	}
}

func TestWriteEncryptReadDecryptRoundTrip(t *testing.T) {
	v, _ := newTestVolume(t, 4, 2, 64, "hunter2")
	ctx := context.Background()

	payload := bytes.Repeat([]byte("secret-"), 40)[:4*64]
	if err := v.WriteEncrypt(ctx, payload, 0); err != nil {
		t.Fatalf("WriteEncrypt: %v", err)
	}

	got := make([]byte, len(payload))
	if err := v.ReadDecrypt(ctx, got, 0); err != nil {
		t.Fatalf("ReadDecrypt: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("encrypted round trip mismatch")
	}
}

func TestWriteEncryptPartialBlockIsReadModifyWrite(t *testing.T) {
	v, _ := newTestVolume(t, 4, 2, 64, "hunter2")
	ctx := context.Background()

	full := bytes.Repeat([]byte{0x11}, 64)
	if err := v.WriteEncrypt(ctx, full, 0); err != nil {
		t.Fatalf("full WriteEncrypt: %v", err)
	}

	patch := []byte{0x22, 0x22, 0x22, 0x22}
	if err := v.WriteEncrypt(ctx, patch, 10); err != nil {
		t.Fatalf("partial WriteEncrypt: %v", err)
	}

	want := append([]byte(nil), full...)
	copy(want[10:], patch)

	got := make([]byte, 64)
	if err := v.ReadDecrypt(ctx, got, 0); err != nil {
		t.Fatalf("ReadDecrypt: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("got %x, want %x", got, want)
	}
}

func TestEncryptionUsesRowByteReplicatedIV(t *testing.T) {
	v, parts := newTestVolume(t, 1, 0, 64, "hunter2")
	ctx := context.Background()

	clear := bytes.Repeat([]byte{0x5A}, 64)
	if err := v.WriteEncrypt(ctx, clear, 7*64); err != nil { // row 7, column 0
		t.Fatalf("WriteEncrypt: %v", err)
	}

	parts[0].mu.Lock()
	ciphertext := append([]byte(nil), parts[0].rows[7]...)
	parts[0].mu.Unlock()

	sum := sha256.Sum256([]byte("hunter2"))
	block, err := aes.NewCipher(sum[:16])
	if err != nil {
		t.Fatalf("aes.NewCipher: %v", err)
	}
	iv := bytes.Repeat([]byte{7}, aes.BlockSize)
	wantCipher := make([]byte, 64)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(wantCipher, clear)

	if !bytes.Equal(ciphertext, wantCipher) {
		t.Fatalf("ciphertext doesn't match the expected row-byte-replicated-IV encryption")
	}
}

func TestWriteWithoutKeyFailsOnEncryptedPath(t *testing.T) {
	v, _ := newTestVolume(t, 2, 1, 64, "")
	ctx := context.Background()

	err := v.WriteEncrypt(ctx, make([]byte, 64), 0)
	if !errors.Is(err, ErrBadConfig) {
		t.Fatalf("expected ErrBadConfig for encrypted write without a key, got %v", err)
	}
}

func TestReadOutOfRangeRejected(t *testing.T) {
	v, _ := newTestVolume(t, 2, 1, 64, "")
	ctx := context.Background()

	err := v.Read(ctx, make([]byte, 64), v.blockCount*uint64(v.dataCount)*uint64(v.blockSize))
	if !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("expected ErrOutOfRange, got %v", err)
	}
}

// stubCache routes reads/writes straight through to backend.ReadDirect/
// WriteDirect, letting tests exercise the RowCache wiring path without
// pulling in the real worker-goroutine cache.
type stubCache struct {
	backend interface {
		ReadDirect(ctx context.Context, row uint64, column int, buf []byte) error
		WriteDirect(ctx context.Context, row uint64, column int, buf []byte) error
	}
	blockSize int
	reads     int
}

func (s *stubCache) Read(ctx context.Context, row uint64, column, offset, size int) ([]byte, error) {
	s.reads++
	buf := make([]byte, s.blockSize)
	if err := s.backend.ReadDirect(ctx, row, column, buf); err != nil {
		return nil, err
	}
	return buf[offset : offset+size], nil
}

func (s *stubCache) Write(ctx context.Context, row uint64, column, offset int, data []byte) (int, error) {
	buf := make([]byte, s.blockSize)
	if err := s.backend.ReadDirect(ctx, row, column, buf); err != nil {
		return 0, err
	}
	copy(buf[offset:], data)
	if err := s.backend.WriteDirect(ctx, row, column, buf); err != nil {
		return 0, err
	}
	return len(data), nil
}

func TestVolumeSatisfiesCacheBackendInterface(t *testing.T) {
	v, _ := newTestVolume(t, 2, 1, 64, "")
	c := &stubCache{backend: v, blockSize: v.BlockSize()}
	v.EnableCache(c)

	ctx := context.Background()
	payload := bytes.Repeat([]byte{0x3}, 2*64)
	if err := v.Write(ctx, payload, 0); err != nil {
		t.Fatalf("Write through stub cache: %v", err)
	}
	if c.reads == 0 {
		t.Fatal("expected the stub cache to have been exercised")
	}

	got := make([]byte, len(payload))
	if err := v.Read(ctx, got, 0); err != nil {
		t.Fatalf("Read through stub cache: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("round trip through cache mismatch")
	}
}

func TestDeleteSucceedsWhenEveryPartitionSucceeds(t *testing.T) {
	v, _ := newTestVolume(t, 2, 1, 64, "")
	if err := v.Delete(context.Background()); err != nil {
		t.Fatalf("Delete: %v", err)
	}
}

func TestTimeoutSumsAcrossPartitions(t *testing.T) {
	v, parts := newTestVolume(t, 2, 1, 64, "")
	want := time.Duration(len(parts)) * time.Second
	if got := v.Timeout(); got != want {
		t.Fatalf("Timeout() = %v, want %v", got, want)
	}
}
