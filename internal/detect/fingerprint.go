package detect

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"sync"

	"golang.org/x/crypto/blake2b"
)

// Algorithm names a content digest
type Algorithm string

const (
	SHA256  Algorithm = "sha256"
	BLAKE2b Algorithm = "blake2b"
)

// bufferSize is the fixed read buffer; memory use does not grow with file size
const bufferSize = 32 * 1024

// Fingerprinter computes hex content digests by streaming files
type Fingerprinter struct {
	algo Algorithm
	bufs sync.Pool
}

// NewFingerprinter creates a Fingerprinter. An empty algorithm selects SHA256.
func NewFingerprinter(algo Algorithm) (*Fingerprinter, error) {
	if algo == "" {
		algo = SHA256
	}
	if algo != SHA256 && algo != BLAKE2b {
		return nil, fmt.Errorf("unsupported fingerprint algorithm: %s", algo)
	}
	return &Fingerprinter{
		algo: algo,
		bufs: sync.Pool{New: func() any {
			b := make([]byte, bufferSize)
			return &b
		}},
	}, nil
}

// Algorithm returns the configured digest
func (f *Fingerprinter) Algorithm() Algorithm {
	return f.algo
}

func (f *Fingerprinter) newHash() hash.Hash {
	if f.algo == BLAKE2b {
		h, _ := blake2b.New256(nil) // only fails for oversized keys
		return h
	}
	return sha256.New()
}

// File returns the digest of the file at path
func (f *Fingerprinter) File(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	return f.Reader(file)
}

// Reader returns the digest of everything read from r
func (f *Fingerprinter) Reader(r io.Reader) (string, error) {
	buf := f.bufs.Get().(*[]byte)
	defer f.bufs.Put(buf)

	h := f.newHash()
	if _, err := io.CopyBuffer(h, r, *buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
