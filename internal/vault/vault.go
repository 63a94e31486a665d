// Package vault encrypts evidence streams at rest.
//
// Each sealed stream gets its own key, derived with HKDF-SHA256 from a
// master key and a random salt. The salt and the master key id travel in a
// KeyRef kept next to the item metadata; the key itself is never stored.
// Content is cut into chunks, each sealed with XChaCha20-Poly1305 under a
// nonce built from a random per-stream prefix and a chunk counter, so no
// (key, nonce) pair can repeat. The last chunk is flagged in its associated
// data, which makes truncation detectable.
package vault

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const KeySize = 32

var (
	ErrAuthentication = errors.New("vault: authentication failed")
	ErrUnknownKey     = errors.New("vault: unknown master key")
	ErrInvalidKeyRef  = errors.New("vault: invalid key reference")
)

var (
	hkdfInfoEvidence = []byte("custodia.evidence.v1")
	hkdfInfoLedger   = []byte("custodia.ledger.signing.v1")
)

// KeyProvider resolves master keys by id.
type KeyProvider interface {
	MasterKey(ctx context.Context, id string) ([]byte, error)
}

// KeyRef names the master key and salt a stream was sealed under.
type KeyRef string

const keyRefPrefix = "v1:"

const saltSize = 32

func newKeyRef(masterID string, salt []byte) KeyRef {
	return KeyRef(keyRefPrefix + masterID + ":" + base64.RawURLEncoding.EncodeToString(salt))
}

func (r KeyRef) parse() (masterID string, salt []byte, err error) {
	rest, ok := strings.CutPrefix(string(r), keyRefPrefix)
	if !ok {
		return "", nil, ErrInvalidKeyRef
	}
	i := strings.LastIndexByte(rest, ':')
	if i <= 0 {
		return "", nil, ErrInvalidKeyRef
	}
	salt, err = base64.RawURLEncoding.DecodeString(rest[i+1:])
	if err != nil || len(salt) != saltSize {
		return "", nil, ErrInvalidKeyRef
	}
	return rest[:i], salt, nil
}

// MasterKeyID reports which master key r depends on.
func (r KeyRef) MasterKeyID() string {
	id, _, err := r.parse()
	if err != nil {
		return ""
	}
	return id
}

type Vault struct {
	keys      KeyProvider
	activeKey string
	chunkSize int
	rand      io.Reader
}

type Option func(*Vault)

// WithChunkSize overrides the plaintext chunk size. Only streams sealed with
// the same or a smaller limit can be opened, since the size is recorded in
// the stream header.
func WithChunkSize(n int) Option {
	return func(v *Vault) {
		if n > 0 && n <= maxChunkSize {
			v.chunkSize = n
		}
	}
}

func WithRand(r io.Reader) Option { return func(v *Vault) { v.rand = r } }

func New(keys KeyProvider, activeKeyID string, opts ...Option) *Vault {
	v := &Vault{keys: keys, activeKey: activeKeyID, chunkSize: DefaultChunkSize, rand: rand.Reader}
	for _, o := range opts {
		o(v)
	}
	return v
}

// Seal returns a writer that encrypts into dst. The stream is only complete
// once the writer is closed.
func (v *Vault) Seal(ctx context.Context, dst io.Writer, itemID string) (io.WriteCloser, KeyRef, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(v.rand, salt); err != nil {
		return nil, "", fmt.Errorf("vault: salt: %w", err)
	}
	key, err := v.deriveItemKey(ctx, v.activeKey, salt, itemID)
	if err != nil {
		return nil, "", err
	}
	w, err := newSealWriter(dst, key, v.chunkSize, v.rand)
	if err != nil {
		return nil, "", err
	}
	return w, newKeyRef(v.activeKey, salt), nil
}

// Open returns a reader yielding the plaintext of src. Tampering or
// truncation surfaces as ErrAuthentication from Read.
func (v *Vault) Open(ctx context.Context, src io.Reader, itemID string, ref KeyRef) (io.Reader, error) {
	masterID, salt, err := ref.parse()
	if err != nil {
		return nil, err
	}
	key, err := v.deriveItemKey(ctx, masterID, salt, itemID)
	if err != nil {
		return nil, err
	}
	return newOpenReader(src, key)
}

// LedgerKey derives the custody signing key from the active master key.
func (v *Vault) LedgerKey(ctx context.Context) ([]byte, error) {
	master, err := v.master(ctx, v.activeKey)
	if err != nil {
		return nil, err
	}
	return deriveKey(master, nil, hkdfInfoLedger)
}

func (v *Vault) deriveItemKey(ctx context.Context, masterID string, salt []byte, itemID string) ([]byte, error) {
	master, err := v.master(ctx, masterID)
	if err != nil {
		return nil, err
	}
	info := make([]byte, 0, len(hkdfInfoEvidence)+len(itemID))
	info = append(info, hkdfInfoEvidence...)
	info = append(info, itemID...)
	return deriveKey(master, salt, info)
}

func (v *Vault) master(ctx context.Context, id string) ([]byte, error) {
	if v.keys == nil {
		return nil, ErrUnknownKey
	}
	k, err := v.keys.MasterKey(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(k) != KeySize {
		return nil, fmt.Errorf("vault: master key %q must be %d bytes, got %d", id, KeySize, len(k))
	}
	return k, nil
}

func deriveKey(secret, salt, info []byte) ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, info), key); err != nil {
		return nil, fmt.Errorf("vault: HKDF: %w", err)
	}
	return key, nil
}
