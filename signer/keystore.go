package signer

import (
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/JiscSD/keylink-relay/message"
)

// Keystore is an in-process Signer holding its keys in memory. Keys are lost
// on restart.
//
// ECDSA_SECP256K1 signatures are the 64-byte concatenation of r and s over a
// 32-byte digest, the input is not hashed again. EDDSA_ED25519 signatures
// cover the data as given.
type Keystore struct {
	logger logrus.FieldLogger
	keys   map[string]*storedKey
	order  []string
	sync.RWMutex
}

type storedKey struct {
	handle  KeyHandle
	ed25519 ed25519.PrivateKey
	ecdsa   *ecdsa.PrivateKey
}

var _ Signer = (*Keystore)(nil)

func NewKeystore(logger logrus.FieldLogger) *Keystore {
	return &Keystore{
		logger: logger,
		keys:   map[string]*storedKey{},
	}
}

// GenerateKey implements Signer.
func (k *Keystore) GenerateKey(ctx context.Context, alg message.Algorithm) (KeyHandle, error) {
	switch alg {
	case message.AlgorithmEDDSAEd25519:
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return KeyHandle{}, errors.Wrap(err, "error generating ed25519 key")
		}
		return k.add(&storedKey{ed25519: priv}, alg, priv.Public().(ed25519.PublicKey)), nil
	case message.AlgorithmECDSASecp256k1:
		priv, err := crypto.GenerateKey()
		if err != nil {
			return KeyHandle{}, errors.Wrap(err, "error generating secp256k1 key")
		}
		return k.add(&storedKey{ecdsa: priv}, alg, crypto.FromECDSAPub(&priv.PublicKey)), nil
	}
	return KeyHandle{}, errors.Wrapf(ErrUnsupportedAlgorithm, "%q", alg)
}

// ImportKey adds an existing private key: an ed25519 seed or a secp256k1
// scalar, both 32 bytes.
func (k *Keystore) ImportKey(alg message.Algorithm, secret []byte) (KeyHandle, error) {
	switch alg {
	case message.AlgorithmEDDSAEd25519:
		if len(secret) != ed25519.SeedSize {
			return KeyHandle{}, errors.Wrap(ErrInvalidInput, "ed25519 seed must be 32 bytes")
		}
		priv := ed25519.NewKeyFromSeed(secret)
		return k.add(&storedKey{ed25519: priv}, alg, priv.Public().(ed25519.PublicKey)), nil
	case message.AlgorithmECDSASecp256k1:
		priv, err := crypto.ToECDSA(secret)
		if err != nil {
			return KeyHandle{}, errors.Wrap(err, "error importing secp256k1 key")
		}
		return k.add(&storedKey{ecdsa: priv}, alg, crypto.FromECDSAPub(&priv.PublicKey)), nil
	}
	return KeyHandle{}, errors.Wrapf(ErrUnsupportedAlgorithm, "%q", alg)
}

func (k *Keystore) add(key *storedKey, alg message.Algorithm, pub []byte) KeyHandle {
	sum := sha256.Sum256(pub)
	key.handle = KeyHandle{
		ID:        hex.EncodeToString(sum[:]),
		Algorithm: alg,
		PublicKey: hex.EncodeToString(pub),
	}

	k.Lock()
	defer k.Unlock()
	if _, ok := k.keys[key.handle.ID]; !ok {
		k.order = append(k.order, key.handle.ID)
	}
	k.keys[key.handle.ID] = key
	k.logger.WithFields(logrus.Fields{"keyID": key.handle.ID, "algorithm": alg}).Debug("Key added to keystore")

	return key.handle
}

// ListKeys implements Signer.
func (k *Keystore) ListKeys(ctx context.Context, alg message.Algorithm) ([]KeyHandle, error) {
	k.RLock()
	defer k.RUnlock()

	keys := []KeyHandle{}
	for _, id := range k.order {
		if h := k.keys[id].handle; h.Algorithm == alg {
			keys = append(keys, h)
		}
	}
	return keys, nil
}

// Sign implements Signer.
func (k *Keystore) Sign(ctx context.Context, keyID string, alg message.Algorithm, data []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, &SigningError{Op: "sign", KeyID: keyID, Err: err}
	}

	k.RLock()
	key, ok := k.keys[keyID]
	k.RUnlock()
	if !ok {
		return nil, &SigningError{Op: "sign", KeyID: keyID, Err: ErrKeyNotFound}
	}
	if key.handle.Algorithm != alg {
		return nil, &SigningError{Op: "sign", KeyID: keyID, Err: errors.Wrapf(ErrAlgorithmMismatch, "%s key used for %s", key.handle.Algorithm, alg)}
	}

	switch {
	case key.ed25519 != nil:
		return ed25519.Sign(key.ed25519, data), nil
	case key.ecdsa != nil:
		if len(data) != 32 {
			return nil, &SigningError{Op: "sign", KeyID: keyID, Err: errors.Wrapf(ErrInvalidInput, "secp256k1 expects a 32-byte digest, got %d bytes", len(data))}
		}
		sig, err := crypto.Sign(data, key.ecdsa)
		if err != nil {
			return nil, &SigningError{Op: "sign", KeyID: keyID, Err: err}
		}
		return sig[:64], nil
	}
	return nil, &SigningError{Op: "sign", KeyID: keyID, Err: ErrUnsupportedAlgorithm}
}

// HealthCheck implements Signer.
func (k *Keystore) HealthCheck(ctx context.Context) message.ComponentStatus {
	return message.StatusOK()
}

// Len returns the number of keys held.
func (k *Keystore) Len() int {
	k.RLock()
	defer k.RUnlock()
	return len(k.keys)
}
