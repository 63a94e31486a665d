package keystore

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/99designs/keyring"

	"github.com/bryanwahyu/custodia/internal/vault"
)

func TestEnsureCreatesOnce(t *testing.T) {
	ks := New(keyring.NewArrayKeyring(nil))

	created, err := ks.Ensure("master")
	if err != nil || !created {
		t.Fatalf("first Ensure = %v, %v", created, err)
	}
	k1, err := ks.MasterKey(context.Background(), "master")
	if err != nil {
		t.Fatal(err)
	}
	if len(k1) != vault.KeySize {
		t.Fatalf("key size = %d", len(k1))
	}

	created, err = ks.Ensure("master")
	if err != nil || created {
		t.Fatalf("second Ensure = %v, %v", created, err)
	}
	k2, _ := ks.MasterKey(context.Background(), "master")
	if string(k1) != string(k2) {
		t.Fatal("master key changed")
	}
}

func TestMasterKeyMissing(t *testing.T) {
	ks := New(keyring.NewArrayKeyring(nil))
	if _, err := ks.MasterKey(context.Background(), "nope"); !errors.Is(err, vault.ErrUnknownKey) {
		t.Fatalf("err = %v, want ErrUnknownKey", err)
	}
}

func TestMasterKeyMalformed(t *testing.T) {
	ks := New(keyring.NewArrayKeyring([]keyring.Item{{Key: "bad", Data: []byte("not-hex")}}))
	_, err := ks.MasterKey(context.Background(), "bad")
	if err == nil || !strings.Contains(err.Error(), "hex key") {
		t.Fatalf("err = %v", err)
	}
}

func TestVaultWithKeystore(t *testing.T) {
	ks := New(keyring.NewArrayKeyring(nil))
	if _, err := ks.Ensure("m1"); err != nil {
		t.Fatal(err)
	}
	v := vault.New(ks, "m1")
	key, err := v.LedgerKey(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(key) != vault.KeySize {
		t.Fatalf("ledger key size = %d", len(key))
	}
}
