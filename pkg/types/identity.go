package types

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"

	"github.com/libp2p/go-libp2p/core/crypto"
)

// GenerateIdentity creates a fresh Ed25519 node identity.
func GenerateIdentity() (crypto.PrivKey, error) {
	key, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating identity key: %w", err)
	}
	return key, nil
}

// LoadOrCreateIdentity reads the node key from path, creating and
// persisting a new one if the file does not exist. The key is stored
// base64-encoded in libp2p's protobuf wire format.
func LoadOrCreateIdentity(path string) (crypto.PrivKey, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		decoded, err := base64.StdEncoding.DecodeString(string(raw))
		if err != nil {
			return nil, fmt.Errorf("decoding identity key %s: %w", path, err)
		}
		key, err := crypto.UnmarshalPrivateKey(decoded)
		if err != nil {
			return nil, fmt.Errorf("parsing identity key %s: %w", path, err)
		}
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading identity key %s: %w", path, err)
	}

	key, err := GenerateIdentity()
	if err != nil {
		return nil, err
	}
	marshaled, err := crypto.MarshalPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("encoding identity key: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(marshaled)
	if err := os.WriteFile(path, []byte(encoded), 0600); err != nil {
		return nil, fmt.Errorf("persisting identity key %s: %w", path, err)
	}
	return key, nil
}
