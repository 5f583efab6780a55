// Package crypt seals exchange credentials with NaCl box so they can live
// on disk without the plaintext API secret.
package crypt

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/nacl/box"
)

const nonceSize = 24

// ErrDecrypt is returned when a blob fails authentication.
var ErrDecrypt = errors.New("credentials blob failed to decrypt")

func parseKey(hexKey string) (*[32]byte, error) {
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("key is not hex: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("key must be 32 bytes, got %d", len(raw))
	}
	var key [32]byte
	copy(key[:], raw)
	return &key, nil
}

// Seal encrypts plaintext for the holder of peerPublicKey, signed by
// privateKey. Both keys are 32-byte hex strings. The random nonce is
// prepended to the box.
func Seal(plaintext []byte, peerPublicKeyHex, privateKeyHex string) ([]byte, error) {
	pub, err := parseKey(peerPublicKeyHex)
	if err != nil {
		return nil, fmt.Errorf("public key: %w", err)
	}
	priv, err := parseKey(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("private key: %w", err)
	}

	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	return box.Seal(nonce[:], plaintext, &nonce, pub, priv), nil
}

// Open decrypts a blob produced by Seal with the matching key pair.
func Open(blob []byte, peerPublicKeyHex, privateKeyHex string) ([]byte, error) {
	pub, err := parseKey(peerPublicKeyHex)
	if err != nil {
		return nil, fmt.Errorf("public key: %w", err)
	}
	priv, err := parseKey(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("private key: %w", err)
	}
	if len(blob) < nonceSize {
		return nil, ErrDecrypt
	}

	var nonce [nonceSize]byte
	copy(nonce[:], blob[:nonceSize])
	plain, ok := box.Open(nil, blob[nonceSize:], &nonce, pub, priv)
	if !ok {
		return nil, ErrDecrypt
	}
	return plain, nil
}

// SealToFile encrypts plaintext and writes the blob to path with owner-only
// permissions.
func SealToFile(path string, plaintext []byte, peerPublicKeyHex, privateKeyHex string) error {
	blob, err := Seal(plaintext, peerPublicKeyHex, privateKeyHex)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, blob, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// GenerateKeyPair returns a fresh hex-encoded (public, private) key pair.
func GenerateKeyPair() (string, string, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return "", "", err
	}
	return hex.EncodeToString(pub[:]), hex.EncodeToString(priv[:]), nil
}
