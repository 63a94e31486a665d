package hashing

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"
)

const (
	emptySHA256 = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	emptySHA512 = "cf83e1357eefb8bdf1542850d66d8007d620e4050b5715dc83f4a921d36ce9ce47d0d13c5d85f2b0ff8318d2877eec2f63b931bd47417a81a538327af927da3e"
	abcSHA256   = "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	abcSHA512   = "ddaf35a193617abacc417349ae20413112e6fa4e89a97ea20a9eeee64b55d39a2192992a274fc1a836ba3c23a3feebbd454d4423643ce80e2a9ac94fa54ca49f"
)

func TestComputeKnownVectors(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		sha256 string
		sha512 string
	}{
		{"empty", "", emptySHA256, emptySHA512},
		{"abc", "abc", abcSHA256, abcSHA512},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := Compute(strings.NewReader(tt.input))
			if err != nil {
				t.Fatalf("Compute: %v", err)
			}
			if d.SHA256 != tt.sha256 {
				t.Errorf("sha256 = %s, want %s", d.SHA256, tt.sha256)
			}
			if d.SHA512 != tt.sha512 {
				t.Errorf("sha512 = %s, want %s", d.SHA512, tt.sha512)
			}
			if d.Size != int64(len(tt.input)) {
				t.Errorf("size = %d, want %d", d.Size, len(tt.input))
			}
		})
	}
}

func TestComputeIndependentOfChunking(t *testing.T) {
	data := bytes.Repeat([]byte("evidence-"), 100_000)
	whole, err := Compute(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	halved, err := Compute(iotest.HalfReader(bytes.NewReader(data)))
	if err != nil {
		t.Fatal(err)
	}
	oneByte, err := Compute(iotest.OneByteReader(bytes.NewReader(data[:4096])))
	if err != nil {
		t.Fatal(err)
	}
	small, _ := Compute(bytes.NewReader(data[:4096]))

	if whole != halved {
		t.Errorf("digests differ between read sizes: %+v vs %+v", whole, halved)
	}
	if small != oneByte {
		t.Errorf("one-byte reads changed digests")
	}
}

func TestComputeReadFailure(t *testing.T) {
	boom := errors.New("disk gone")
	r := io.MultiReader(strings.NewReader("partial"), iotest.ErrReader(boom))
	d, err := Compute(r)
	if !errors.Is(err, ErrReadFailure) {
		t.Fatalf("err = %v, want ErrReadFailure", err)
	}
	if !errors.Is(err, boom) {
		t.Errorf("underlying error not wrapped: %v", err)
	}
	if d != (Digests{}) {
		t.Errorf("expected zero digests on failure, got %+v", d)
	}
}

func TestEqual(t *testing.T) {
	if !Equal(abcSHA256, strings.ToUpper(abcSHA256)) {
		t.Error("case-insensitive compare failed")
	}
	if Equal(abcSHA256, emptySHA256) {
		t.Error("different digests compared equal")
	}
	if Equal("zz", "zz") {
		t.Error("non-hex input compared equal")
	}
}
