package vault

import (
	"bufio"
	"bytes"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	DefaultChunkSize = 64 * 1024
	maxChunkSize     = 4 << 20

	streamVersion byte = 0x01
	prefixSize         = chacha20poly1305.NonceSizeX - 8
	headerSize         = 4 + 1 + 4 + prefixSize
)

var streamMagic = []byte("CSTV")

// Stream layout:
//
//	[magic "CSTV"] [version] [chunk size u32] [nonce prefix 16B]
//	[chunk 0 ciphertext+tag] ... [final chunk ciphertext+tag]
//
// Every chunk but the last holds exactly chunk size plaintext bytes. The
// header and a final flag are authenticated with each chunk.

type sealWriter struct {
	aead    cipher.AEAD
	dst     io.Writer
	header  []byte
	prefix  []byte
	chunk   int
	counter uint64
	buf     []byte
	out     []byte
	closed  bool
	err     error
}

func newSealWriter(dst io.Writer, key []byte, chunk int, rnd io.Reader) (*sealWriter, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("vault: cipher: %w", err)
	}
	header := make([]byte, headerSize)
	copy(header, streamMagic)
	header[4] = streamVersion
	binary.BigEndian.PutUint32(header[5:9], uint32(chunk))
	if _, err := io.ReadFull(rnd, header[9:]); err != nil {
		return nil, fmt.Errorf("vault: nonce prefix: %w", err)
	}
	if _, err := dst.Write(header); err != nil {
		return nil, err
	}
	return &sealWriter{
		aead:   aead,
		dst:    dst,
		header: header,
		prefix: header[9:],
		chunk:  chunk,
		buf:    make([]byte, 0, chunk),
		out:    make([]byte, 0, chunk+aead.Overhead()),
	}, nil
}

func (w *sealWriter) Write(p []byte) (int, error) {
	if w.err != nil {
		return 0, w.err
	}
	if w.closed {
		return 0, errors.New("vault: write after close")
	}
	n := len(p)
	for len(p) > 0 {
		// hold back a full buffer until more data proves it is not the last chunk
		if len(w.buf) == w.chunk {
			if err := w.flush(false); err != nil {
				return n - len(p), err
			}
		}
		take := min(w.chunk-len(w.buf), len(p))
		w.buf = append(w.buf, p[:take]...)
		p = p[take:]
	}
	return n, nil
}

func (w *sealWriter) Close() error {
	if w.closed {
		return w.err
	}
	w.closed = true
	if w.err != nil {
		return w.err
	}
	return w.flush(true)
}

func (w *sealWriter) flush(final bool) error {
	if w.counter == math.MaxUint64 {
		w.err = errors.New("vault: chunk counter exhausted")
		return w.err
	}
	nonce := chunkNonce(w.prefix, w.counter)
	w.out = w.aead.Seal(w.out[:0], nonce, w.buf, chunkAAD(w.header, final))
	if _, err := w.dst.Write(w.out); err != nil {
		w.err = err
		return err
	}
	w.counter++
	w.buf = w.buf[:0]
	return nil
}

type openReader struct {
	aead    cipher.AEAD
	src     *bufio.Reader
	header  []byte
	prefix  []byte
	counter uint64
	in      []byte
	plain   []byte
	done    bool
	err     error
}

func newOpenReader(src io.Reader, key []byte) (*openReader, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("vault: cipher: %w", err)
	}
	br := bufio.NewReader(src)
	header := make([]byte, headerSize)
	if _, err := io.ReadFull(br, header); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: truncated header", ErrAuthentication)
		}
		return nil, err
	}
	if !bytes.Equal(header[:4], streamMagic) || header[4] != streamVersion {
		return nil, fmt.Errorf("%w: bad stream header", ErrAuthentication)
	}
	chunk := int(binary.BigEndian.Uint32(header[5:9]))
	if chunk <= 0 || chunk > maxChunkSize {
		return nil, fmt.Errorf("%w: bad chunk size", ErrAuthentication)
	}
	return &openReader{
		aead:   aead,
		src:    br,
		header: header,
		prefix: header[9:],
		in:     make([]byte, chunk+aead.Overhead()),
	}, nil
}

func (r *openReader) Read(p []byte) (int, error) {
	for len(r.plain) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		if r.done {
			return 0, io.EOF
		}
		r.err = r.next()
	}
	n := copy(p, r.plain)
	r.plain = r.plain[n:]
	return n, nil
}

func (r *openReader) next() error {
	n, err := io.ReadFull(r.src, r.in)
	final := false
	switch {
	case err == nil:
		if _, perr := r.src.Peek(1); perr == io.EOF {
			final = true
		} else if perr != nil {
			return perr
		}
	case errors.Is(err, io.ErrUnexpectedEOF):
		final = true
	case errors.Is(err, io.EOF):
		return fmt.Errorf("%w: stream truncated", ErrAuthentication)
	default:
		return err
	}
	if r.counter == math.MaxUint64 {
		return fmt.Errorf("%w: chunk counter exhausted", ErrAuthentication)
	}
	plain, oerr := r.aead.Open(r.in[:0], chunkNonce(r.prefix, r.counter), r.in[:n], chunkAAD(r.header, final))
	if oerr != nil {
		return fmt.Errorf("%w: chunk %d", ErrAuthentication, r.counter)
	}
	r.counter++
	r.plain = plain
	r.done = final
	return nil
}

func chunkNonce(prefix []byte, counter uint64) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	copy(nonce, prefix)
	binary.BigEndian.PutUint64(nonce[prefixSize:], counter)
	return nonce
}

func chunkAAD(header []byte, final bool) []byte {
	aad := make([]byte, len(header)+1)
	copy(aad, header)
	if final {
		aad[len(header)] = 1
	}
	return aad
}
