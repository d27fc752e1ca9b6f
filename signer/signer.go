// Package signer provides the signing capability used by the relay. Keys
// are addressed by the signingDeviceKeyId of the payload.
package signer

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/JiscSD/keylink-relay/message"
)

// Signer signs data with a key it holds.
type Signer interface {
	// Sign returns the signature of data made with the given key, which must
	// be a key of algorithm alg. Errors are of type *SigningError.
	Sign(ctx context.Context, keyID string, alg message.Algorithm, data []byte) ([]byte, error)

	// ListKeys returns the keys available for an algorithm.
	ListKeys(ctx context.Context, alg message.Algorithm) ([]KeyHandle, error)

	// GenerateKey creates a new key.
	GenerateKey(ctx context.Context, alg message.Algorithm) (KeyHandle, error)

	// HealthCheck reports the status of the signer.
	HealthCheck(ctx context.Context) message.ComponentStatus
}

// KeyHandle describes a key. PublicKey is hex encoded.
type KeyHandle struct {
	ID        string            `json:"id"`
	Algorithm message.Algorithm `json:"algorithm"`
	PublicKey string            `json:"public_key"`
}

var (
	ErrKeyNotFound          = errors.New("key not found")
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")
	ErrInvalidInput         = errors.New("invalid input")
	ErrAlgorithmMismatch    = errors.New("key algorithm mismatch")
)

// SigningError is returned when a signature could not be produced.
type SigningError struct {
	Op    string
	KeyID string
	Err   error
}

func (e *SigningError) Error() string {
	if e.KeyID == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.KeyID, e.Err)
}

func (e *SigningError) Unwrap() error {
	return e.Err
}

// EnsureKeys tops up the signer so that it holds at least min keys of every
// algorithm. It returns the keys that were generated.
func EnsureKeys(ctx context.Context, logger logrus.FieldLogger, s Signer, min int) ([]KeyHandle, error) {
	var generated []KeyHandle
	for _, alg := range message.Algorithms {
		keys, err := s.ListKeys(ctx, alg)
		if err != nil {
			return generated, errors.Wrapf(err, "error listing %s keys", alg)
		}
		for i := len(keys); i < min; i++ {
			key, err := s.GenerateKey(ctx, alg)
			if err != nil {
				return generated, errors.Wrapf(err, "error generating %s key", alg)
			}
			generated = append(generated, key)
			logger.WithFields(logrus.Fields{
				"keyID":     key.ID,
				"algorithm": key.Algorithm,
				"publicKey": key.PublicKey,
			}).Info("Generated key")
		}
	}
	return generated, nil
}
