package privacy

import (
	"bytes"
	"errors"
	"testing"
)

var testSecret = []byte{
	0x40, 0xEE, 0x5C, 0x9A, 0xF6, 0x08, 0x81, 0x50,
	0x15, 0xC4, 0x9B, 0x1E, 0xFF, 0x43, 0xCC, 0xFB,
	0x65, 0x40, 0x3E, 0xD1, 0xDA, 0xF0, 0x78, 0x51,
	0xC3, 0x65, 0xB5, 0xA6, 0x48, 0x1A,
}

func mustNew(t *testing.T) *Privacy {
	t.Helper()
	p, err := New(testSecret)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return p
}

func TestEncodeLen(t *testing.T) {
	tests := []struct {
		name string
		iv0  byte
		pos  int
		high bool
	}{
		// low nibble, iv[0]&7 = 0 points at iv[0] itself: 0x00&7 = 0 -> iv[8]
		{"low self", 0x00, 8, false},
		// low nibble, index byte iv[3] = 0x05 -> iv[13]
		{"low indirect", 0x03, 13, false},
		// high nibble, bits 4-6 = 2, index byte iv[2] = 0x06 -> iv[14]
		{"high indirect", 0xA1, 14, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var iv [IVSize]byte
			iv[0] = tt.iv0
			iv[2] = 0x06
			iv[3] = 0x05
			for i := 8; i < IVSize; i++ {
				iv[i] = 0x99
			}

			for n := 0; n < 40; n++ {
				got := EncodeLen(iv, n)
				if DecodeLen(got) != n%16 {
					t.Fatalf("DecodeLen(EncodeLen(iv, %d)) = %d, want %d", n, DecodeLen(got), n%16)
				}
				for i := range got {
					if i == tt.pos {
						continue
					}
					if got[i] != iv[i] {
						t.Fatalf("EncodeLen(iv, %d) changed iv[%d]", n, i)
					}
				}
				keep, stored, wantKeep := got[tt.pos]&0xF0, got[tt.pos]&0x0F, byte(0x90)
				if tt.high {
					keep, stored, wantKeep = got[tt.pos]&0x0F, got[tt.pos]>>4, 0x09
				}
				if keep != wantKeep {
					t.Fatalf("EncodeLen(iv, %d) clobbered the other nibble: %#x", n, got[tt.pos])
				}
				if int(stored) != n%16 {
					t.Fatalf("stored nibble = %d, want %d", stored, n%16)
				}
			}
		})
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	p := mustNew(t)
	for _, n := range []int{0, 1, 15, 16, 17, 1000} {
		plaintext := bytes.Repeat([]byte{0xA5}, n)
		ct, err := p.Encrypt(plaintext)
		if err != nil {
			t.Fatalf("Encrypt(%d bytes) error = %v", n, err)
		}
		blocks := (n + 15) / 16
		if want := IVSize + 16*blocks + TagSize; len(ct) != want {
			t.Errorf("Encrypt(%d bytes) length = %d, want %d", n, len(ct), want)
		}
		got, err := p.Decrypt(ct)
		if err != nil {
			t.Fatalf("Decrypt(%d bytes) error = %v", n, err)
		}
		if !bytes.Equal(got, plaintext) {
			t.Errorf("Decrypt() = %x, want %x", got, plaintext)
		}
	}
}

func TestDecryptTampered(t *testing.T) {
	p := mustNew(t)
	ct, err := p.Encrypt([]byte("ciao, mondo: 17 b"))
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	for i := range ct {
		tampered := append([]byte(nil), ct...)
		tampered[i] ^= 0x01
		if _, err := p.Decrypt(tampered); !errors.Is(err, ErrAuthFailed) {
			t.Fatalf("Decrypt() with byte %d flipped error = %v, want ErrAuthFailed", i, err)
		}
	}
}

func TestDecryptWrongSecret(t *testing.T) {
	ct, err := mustNew(t).Encrypt([]byte("secret"))
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	other, _ := New([]byte("another secret"))
	if _, err := other.Decrypt(ct); !errors.Is(err, ErrAuthFailed) {
		t.Errorf("Decrypt() with wrong secret error = %v, want ErrAuthFailed", err)
	}
}

func TestDecryptShort(t *testing.T) {
	if _, err := mustNew(t).Decrypt(make([]byte, IVSize+TagSize-1)); !errors.Is(err, ErrShortCiphertext) {
		t.Errorf("Decrypt() error = %v, want ErrShortCiphertext", err)
	}
}

func TestHash(t *testing.T) {
	p := mustNew(t)
	h1 := p.Hash([]byte("abc"))
	if len(h1) != 32 {
		t.Fatalf("Hash() length = %d, want 32", len(h1))
	}
	if !bytes.Equal(h1, p.Hash([]byte("abc"))) {
		t.Error("Hash is not deterministic")
	}
	other, _ := New([]byte{1})
	if bytes.Equal(h1, other.Hash([]byte("abc"))) {
		t.Error("Hash does not depend on the secret")
	}
}

func TestPasskey(t *testing.T) {
	p := mustNew(t)
	addr := []byte{0x2D, 0xA4, 0xC4, 0x50, 0xA0, 0x00}
	pk := p.Passkey(addr)
	if pk > 999999 {
		t.Errorf("Passkey() = %d, want at most 999999", pk)
	}
	if pk != p.Passkey(addr) {
		t.Error("Passkey is not deterministic")
	}
}

func TestDeriveSecret(t *testing.T) {
	s1, err := DeriveSecret("correct horse")
	if err != nil {
		t.Fatalf("DeriveSecret() error = %v", err)
	}
	if len(s1) != 32 {
		t.Errorf("DeriveSecret() length = %d, want 32", len(s1))
	}
	s2, _ := DeriveSecret("correct horse")
	if !bytes.Equal(s1, s2) {
		t.Error("DeriveSecret is not deterministic")
	}
	if _, err := DeriveSecret(""); err == nil {
		t.Error("DeriveSecret(\"\") should fail")
	}
	if _, err := New(nil); err == nil {
		t.Error("New(nil) should fail")
	}
}
