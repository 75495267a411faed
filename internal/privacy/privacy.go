// Package privacy implements the authenticated encryption shared with the
// peripherals: a secret-keyed SHA-256 hash, AES-256-CBC with a key derived
// from the IV, and a SHA-256 tag over the ciphertext. The length of the
// last block travels inside the IV.
package privacy

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	IVSize  = aes.BlockSize
	TagSize = sha256.Size
)

var (
	ErrAuthFailed      = errors.New("privacy: authentication failed")
	ErrShortCiphertext = errors.New("privacy: ciphertext too short")
)

// Privacy encrypts and decrypts with one shared secret.
type Privacy struct {
	secret []byte
	rand   io.Reader
}

// New returns a Privacy for secret.
func New(secret []byte) (*Privacy, error) {
	if len(secret) == 0 {
		return nil, errors.New("privacy: empty secret")
	}
	return &Privacy{secret: append([]byte(nil), secret...), rand: rand.Reader}, nil
}

// DeriveSecret uses HKDF-SHA256 to expand a passphrase into a 32-byte secret.
func DeriveSecret(passphrase string) ([]byte, error) {
	if passphrase == "" {
		return nil, errors.New("privacy: empty passphrase")
	}
	r := hkdf.New(sha256.New, []byte(passphrase), nil, []byte("cyble privacy"))
	secret := make([]byte, 32)
	if _, err := io.ReadFull(r, secret); err != nil {
		return nil, fmt.Errorf("privacy: HKDF: %w", err)
	}
	return secret, nil
}

// Hash returns SHA-256(data || secret).
func (p *Privacy) Hash(data []byte) []byte {
	h := sha256.New()
	h.Write(data)
	h.Write(p.secret)
	return h.Sum(nil)
}

// Passkey derives a six digit pairing passkey from a peer identity, such as
// its address.
func (p *Privacy) Passkey(id []byte) uint32 {
	return binary.BigEndian.Uint32(p.Hash(id)) % 1000000
}

// key is the AES-256 key for iv: the hash of the IV extended with 16 zero
// bytes.
func (p *Privacy) key(iv []byte) []byte {
	var buf [2 * IVSize]byte
	copy(buf[:], iv)
	return p.Hash(buf[:])
}

func tag(key, ct []byte) []byte {
	h := sha256.New()
	h.Write(key)
	h.Write(ct)
	return h.Sum(nil)
}

// Encrypt returns iv || ciphertext || tag.
func (p *Privacy) Encrypt(plaintext []byte) ([]byte, error) {
	var iv [IVSize]byte
	if _, err := io.ReadFull(p.rand, iv[:]); err != nil {
		return nil, fmt.Errorf("privacy: random IV: %w", err)
	}
	iv = EncodeLen(iv, len(plaintext))

	key := p.key(iv[:])
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("privacy: new cipher: %w", err)
	}

	// zero padding to the block size
	padded := make([]byte, (len(plaintext)+IVSize-1)/IVSize*IVSize)
	copy(padded, plaintext)
	cipher.NewCBCEncrypter(block, iv[:]).CryptBlocks(padded, padded)

	out := make([]byte, 0, IVSize+len(padded)+TagSize)
	out = append(out, iv[:]...)
	out = append(out, padded...)
	return append(out, tag(key, padded)...), nil
}

// Decrypt checks the tag and returns the plaintext.
func (p *Privacy) Decrypt(msg []byte) ([]byte, error) {
	if len(msg) < IVSize+TagSize {
		return nil, ErrShortCiphertext
	}
	var iv [IVSize]byte
	copy(iv[:], msg)
	ct := msg[IVSize : len(msg)-TagSize]
	if len(ct)%IVSize != 0 {
		return nil, fmt.Errorf("privacy: ciphertext of %d bytes is not whole blocks: %w", len(ct), ErrAuthFailed)
	}

	key := p.key(iv[:])
	if subtle.ConstantTimeCompare(tag(key, ct), msg[len(msg)-TagSize:]) != 1 {
		return nil, ErrAuthFailed
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("privacy: new cipher: %w", err)
	}
	pt := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv[:]).CryptBlocks(pt, ct)

	n := len(pt)
	if last := DecodeLen(iv); last != 0 {
		if n == 0 {
			return nil, ErrAuthFailed
		}
		n = n - IVSize + last
	}
	return pt[:n], nil
}
