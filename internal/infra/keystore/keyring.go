package keystore

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/99designs/keyring"

	"github.com/bryanwahyu/custodia/internal/vault"
)

type Config struct {
	ServiceName string   `yaml:"service_name"`
	Backends    []string `yaml:"backends"`
	FileDir     string   `yaml:"file_dir"`
	PasswordEnv string   `yaml:"password_env"`
	MasterKeyID string   `yaml:"master_key_id"`
	CreateKey   bool     `yaml:"create_if_missing"`
}

// Keystore serves vault master keys out of the OS keyring (or the
// encrypted file backend on headless hosts).
type Keystore struct {
	ring  keyring.Keyring
	mu    sync.RWMutex
	cache map[string][]byte
}

func Open(cfg Config) (*Keystore, error) {
	kc := keyring.Config{
		ServiceName: cfg.ServiceName,
		FileDir:     cfg.FileDir,
	}
	for _, b := range cfg.Backends {
		kc.AllowedBackends = append(kc.AllowedBackends, keyring.BackendType(b))
	}
	if cfg.PasswordEnv != "" {
		kc.FilePasswordFunc = keyring.FixedStringPrompt(os.Getenv(cfg.PasswordEnv))
	}
	ring, err := keyring.Open(kc)
	if err != nil {
		return nil, fmt.Errorf("failed to open keyring: %w", err)
	}
	return New(ring), nil
}

func New(ring keyring.Keyring) *Keystore {
	return &Keystore{ring: ring, cache: map[string][]byte{}}
}

func (k *Keystore) MasterKey(_ context.Context, id string) ([]byte, error) {
	k.mu.RLock()
	key, ok := k.cache[id]
	k.mu.RUnlock()
	if ok {
		return key, nil
	}

	item, err := k.ring.Get(id)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", vault.ErrUnknownKey, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get key from keyring: %w", err)
	}
	key, err = hex.DecodeString(string(item.Data))
	if err != nil || len(key) != vault.KeySize {
		return nil, fmt.Errorf("keyring item %q is not a %d-byte hex key", id, vault.KeySize)
	}

	k.mu.Lock()
	k.cache[id] = key
	k.mu.Unlock()
	return key, nil
}

// Ensure generates and stores a fresh master key under id if none exists.
func (k *Keystore) Ensure(id string) (created bool, err error) {
	_, err = k.ring.Get(id)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, keyring.ErrKeyNotFound) {
		return false, fmt.Errorf("failed to get key from keyring: %w", err)
	}
	key := make([]byte, vault.KeySize)
	if _, err := rand.Read(key); err != nil {
		return false, err
	}
	err = k.ring.Set(keyring.Item{
		Key:         id,
		Data:        []byte(hex.EncodeToString(key)),
		Label:       "custodia evidence master key",
		Description: "root key for evidence encryption and custody signatures",
	})
	if err != nil {
		return false, fmt.Errorf("failed to store key in keyring: %w", err)
	}
	return true, nil
}

func (k *Keystore) ListKeys() ([]string, error) {
	keys, err := k.ring.Keys()
	if err != nil {
		return nil, fmt.Errorf("failed to list keys from keyring: %w", err)
	}
	return keys, nil
}
