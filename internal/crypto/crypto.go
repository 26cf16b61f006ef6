// Package crypto provides the connection cipher: an X25519 exchange during
// connection setup, HKDF-SHA256 key derivation, and AEAD envelopes with
// random nonces.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the size of X25519 keys and derived symmetric keys.
	KeySize = 32

	// NonceSize is the nonce size for both supported ciphers.
	NonceSize = 12

	// TagSize is the AEAD authentication tag size.
	TagSize = 16

	// Overhead is what Seal adds to a plaintext.
	Overhead = NonceSize + TagSize

	hkdfInfo = "fileferry-connection-v1"
)

// ErrDecrypt is returned when an envelope fails authentication.
var ErrDecrypt = errors.New("decryption failed")

// Suite names a symmetric cipher.
type Suite string

const (
	SuiteAESGCM   Suite = "aes-gcm"
	SuiteChaCha20 Suite = "chacha20"
)

// ParseSuite accepts the configuration spelling of a suite.
func ParseSuite(s string) (Suite, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "aes-gcm", "aes", "aesgcm":
		return SuiteAESGCM, nil
	case "chacha20", "chacha20-poly1305", "chacha":
		return SuiteChaCha20, nil
	default:
		return "", fmt.Errorf("unknown cipher suite %q", s)
	}
}

// Cipher seals and opens whole messages.
type Cipher interface {
	Suite() Suite
	Seal(plaintext []byte) ([]byte, error)
	Open(envelope []byte) ([]byte, error)
}

// NewCipher creates a cipher over a KeySize key.
func NewCipher(suite Suite, key []byte) (Cipher, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key))
	}
	var (
		aead cipher.AEAD
		err  error
	)
	switch suite {
	case SuiteAESGCM:
		var block cipher.Block
		block, err = aes.NewCipher(key)
		if err == nil {
			aead, err = cipher.NewGCM(block)
		}
	case SuiteChaCha20:
		aead, err = chacha20poly1305.New(key)
	default:
		return nil, fmt.Errorf("unknown cipher suite %q", suite)
	}
	if err != nil {
		return nil, fmt.Errorf("create %s cipher: %w", suite, err)
	}
	return &aeadCipher{suite: suite, aead: aead}, nil
}

type aeadCipher struct {
	suite Suite
	aead  cipher.AEAD
}

func (c *aeadCipher) Suite() Suite { return c.suite }

// Seal returns nonce || ciphertext || tag.
func (c *aeadCipher) Seal(plaintext []byte) ([]byte, error) {
	out := make([]byte, NonceSize, NonceSize+len(plaintext)+TagSize)
	if _, err := io.ReadFull(rand.Reader, out); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return c.aead.Seal(out, out[:NonceSize], plaintext, nil), nil
}

func (c *aeadCipher) Open(envelope []byte) ([]byte, error) {
	if len(envelope) < Overhead {
		return nil, fmt.Errorf("%w: envelope too short: %d bytes", ErrDecrypt, len(envelope))
	}
	plaintext, err := c.aead.Open(nil, envelope[:NonceSize], envelope[NonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return plaintext, nil
}

// GenerateEphemeralKeypair generates an X25519 keypair for one connection.
func GenerateEphemeralKeypair() (privateKey, publicKey [KeySize]byte, err error) {
	if _, err = io.ReadFull(rand.Reader, privateKey[:]); err != nil {
		return privateKey, publicKey, fmt.Errorf("generate private key: %w", err)
	}

	privateKey[0] &= 248
	privateKey[31] &= 127
	privateKey[31] |= 64

	curve25519.ScalarBaseMult(&publicKey, &privateKey)
	return privateKey, publicKey, nil
}

// ComputeECDH returns the X25519 shared secret, rejecting low-order points.
func ComputeECDH(privateKey, remotePublicKey [KeySize]byte) ([KeySize]byte, error) {
	var shared, zero [KeySize]byte
	if remotePublicKey == zero {
		return shared, fmt.Errorf("invalid remote public key: zero key")
	}
	curve25519.ScalarMult(&shared, &privateKey, &remotePublicKey)
	if shared == zero {
		return shared, fmt.Errorf("invalid ECDH result: low-order point")
	}
	return shared, nil
}

// DeriveKey expands a shared secret into a symmetric key. Both public keys
// are mixed into the salt, client first.
func DeriveKey(shared [KeySize]byte, clientPub, serverPub [KeySize]byte) [KeySize]byte {
	salt := make([]byte, 0, 2*KeySize)
	salt = append(salt, clientPub[:]...)
	salt = append(salt, serverPub[:]...)

	var key [KeySize]byte
	r := hkdf.New(sha256.New, shared[:], salt, []byte(hkdfInfo))
	if _, err := io.ReadFull(r, key[:]); err != nil {
		panic(fmt.Sprintf("HKDF failed: %v", err))
	}
	return key
}

// Exchange holds one side of a key exchange.
type Exchange struct {
	private [KeySize]byte
	public  [KeySize]byte
}

// NewExchange generates a fresh keypair.
func NewExchange() (*Exchange, error) {
	priv, pub, err := GenerateEphemeralKeypair()
	if err != nil {
		return nil, err
	}
	return &Exchange{private: priv, public: pub}, nil
}

// PublicKey returns the local public key.
func (e *Exchange) PublicKey() []byte {
	pub := e.public
	return pub[:]
}

// Complete derives the shared symmetric key and zeroes the private key.
// isClient selects the order of public keys in the salt.
func (e *Exchange) Complete(remote []byte, isClient bool) ([]byte, error) {
	defer ZeroKey(&e.private)
	if len(remote) != KeySize {
		return nil, fmt.Errorf("remote public key must be %d bytes, got %d", KeySize, len(remote))
	}
	var remotePub [KeySize]byte
	copy(remotePub[:], remote)

	shared, err := ComputeECDH(e.private, remotePub)
	if err != nil {
		return nil, err
	}
	defer ZeroKey(&shared)

	var key [KeySize]byte
	if isClient {
		key = DeriveKey(shared, e.public, remotePub)
	} else {
		key = DeriveKey(shared, remotePub, e.public)
	}
	return key[:], nil
}

// ZeroKey overwrites key material.
func ZeroKey(key *[KeySize]byte) {
	for i := range key {
		key[i] = 0
	}
}
