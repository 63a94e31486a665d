// Package hashing computes the SHA-256 and SHA-512 digests of a stream in a
// single pass.
package hashing

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
)

var ErrReadFailure = errors.New("hashing: source read failed")

type Digests struct {
	SHA256 string `json:"sha256"`
	SHA512 string `json:"sha512"`
	Size   int64  `json:"size"`
}

// Engine is an io.Writer feeding both hash functions.
type Engine struct {
	s256 hash.Hash
	s512 hash.Hash
	n    int64
}

func New() *Engine {
	return &Engine{s256: sha256.New(), s512: sha512.New()}
}

func (e *Engine) Write(p []byte) (int, error) {
	e.s256.Write(p)
	e.s512.Write(p)
	e.n += int64(len(p))
	return len(p), nil
}

func (e *Engine) Sum() Digests {
	return Digests{
		SHA256: hex.EncodeToString(e.s256.Sum(nil)),
		SHA512: hex.EncodeToString(e.s512.Sum(nil)),
		Size:   e.n,
	}
}

// Compute drains r. A read error yields no digests.
func Compute(r io.Reader) (Digests, error) {
	e := New()
	if _, err := io.Copy(e, r); err != nil {
		return Digests{}, fmt.Errorf("%w: %w", ErrReadFailure, err)
	}
	return e.Sum(), nil
}

// Equal compares hex digests case-insensitively.
func Equal(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	x, err1 := hex.DecodeString(a)
	y, err2 := hex.DecodeString(b)
	if err1 != nil || err2 != nil {
		return false
	}
	return string(x) == string(y)
}
