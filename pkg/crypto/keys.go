// Package crypto manages the node's libp2p identity key.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	lcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"golang.org/x/crypto/hkdf"
)

const (
	// identityPEMType labels a protobuf-encoded libp2p private key.
	identityPEMType = "LIBP2P PRIVATE KEY"

	// identitySalt separates derived identities from other uses of a seed.
	identitySalt = "zentalk-presence/identity/v1"
)

var (
	ErrInvalidKey = errors.New("invalid key")
	ErrEmptySeed  = errors.New("empty identity seed")
)

// GenerateIdentity generates a new Ed25519 identity key
func GenerateIdentity() (lcrypto.PrivKey, error) {
	priv, _, err := lcrypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key pair: %w", err)
	}
	return priv, nil
}

// DeriveIdentity deterministically derives an Ed25519 identity from seed
// using HKDF-SHA256. The same seed always yields the same peer id.
func DeriveIdentity(seed string) (lcrypto.PrivKey, error) {
	if seed == "" {
		return nil, ErrEmptySeed
	}
	r := hkdf.New(sha256.New, []byte(seed), []byte(identitySalt), nil)
	priv, _, err := lcrypto.GenerateEd25519Key(r)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key pair: %w", err)
	}
	return priv, nil
}

// ExportIdentityPEM exports private key to PEM format
func ExportIdentityPEM(key lcrypto.PrivKey) ([]byte, error) {
	raw, err := lcrypto.MarshalPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: identityPEMType, Bytes: raw}), nil
}

// ImportIdentityPEM imports private key from PEM format
func ImportIdentityPEM(pemData []byte) (lcrypto.PrivKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil || block.Type != identityPEMType {
		return nil, ErrInvalidKey
	}

	key, err := lcrypto.UnmarshalPrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return key, nil
}

// SaveKeyToFile saves a PEM encoded key to file
func SaveKeyToFile(filename string, pemData []byte) error {
	return os.WriteFile(filename, pemData, 0600)
}

// LoadKeyFromFile loads a PEM encoded key from file
func LoadKeyFromFile(filename string) ([]byte, error) {
	return os.ReadFile(filename)
}

// LoadOrGenerateIdentity loads the identity stored at path, or generates
// one and stores it there (creating the directory) if the file is missing.
// The boolean reports whether a new key was generated.
func LoadOrGenerateIdentity(path string) (lcrypto.PrivKey, bool, error) {
	pemData, err := LoadKeyFromFile(path)
	if err == nil {
		key, err := ImportIdentityPEM(pemData)
		if err != nil {
			return nil, false, fmt.Errorf("load identity %s: %w", path, err)
		}
		return key, false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, false, fmt.Errorf("load identity %s: %w", path, err)
	}

	key, err := GenerateIdentity()
	if err != nil {
		return nil, false, err
	}
	pemData, err = ExportIdentityPEM(key)
	if err != nil {
		return nil, false, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, false, fmt.Errorf("create key directory: %w", err)
	}
	if err := SaveKeyToFile(path, pemData); err != nil {
		return nil, false, fmt.Errorf("save identity %s: %w", path, err)
	}
	return key, true, nil
}

// PeerID returns the peer id of a private key.
func PeerID(key lcrypto.PrivKey) (peer.ID, error) {
	return peer.IDFromPrivateKey(key)
}
