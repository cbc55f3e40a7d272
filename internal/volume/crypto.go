package volume

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"fmt"
)

// deriveKey derives a volume's AES-128 key as the first 16 bytes of
// SHA-256(password), matching the key schedule of
// original_source/src/bdfsclient-lib/Volume.cpp. blockSize is accepted for
// symmetry with the C++ constructor's signature and only checked to be
// positive: the key length is fixed at 16 bytes regardless of the cell size.
func deriveKey(password string, blockSize int) ([]byte, error) {
	if blockSize <= 0 {
		return nil, fmt.Errorf("%w: block size must be positive", ErrBadConfig)
	}
	sum := sha256.Sum256([]byte(password))
	return sum[:16], nil
}

// ivForRow reproduces the original's weak, byte-replicated CBC IV: every
// byte of the IV is set to the low 8 bits of the row number. This is
// preserved intentionally for compatibility with the on-disk format; it is
// not a cryptographically sound IV construction and must not be copied into
// new designs.
func ivForRow(row uint64) []byte {
	iv := make([]byte, aes.BlockSize)
	b := byte(row)
	for i := range iv {
		iv[i] = b
	}
	return iv
}

func (v *Volume) encryptBlock(row uint64, clear []byte) ([]byte, error) {
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return nil, fmt.Errorf("%w: aes cipher: %v", ErrBadConfig, err)
	}
	out := make([]byte, len(clear))
	cipher.NewCBCEncrypter(block, ivForRow(row)).CryptBlocks(out, clear)
	return out, nil
}

func (v *Volume) decryptBlock(row uint64, crypt []byte) ([]byte, error) {
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return nil, fmt.Errorf("%w: aes cipher: %v", ErrBadConfig, err)
	}
	out := make([]byte, len(crypt))
	cipher.NewCBCDecrypter(block, ivForRow(row)).CryptBlocks(out, crypt)
	return out, nil
}
