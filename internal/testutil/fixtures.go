package testutil

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"runtime"
	"testing"

	"github.com/google/uuid"

	"github.com/JiscSD/keylink-relay/message"
)

func fixturePath(name string) string {
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		panic("error loading caller")
	}
	return path.Join(path.Dir(filename), "testdata", name)
}

// MustFixture returns the contents of a file under testdata or panics.
func MustFixture(name string) []byte {
	p := fixturePath(name)
	bytes, err := os.ReadFile(p)
	if err != nil {
		panic(fmt.Sprintf("error loading fixture %s: %v", p, err))
	}

	return bytes
}

// Fixture returns the contents of a file under testdata.
func Fixture(t *testing.T, name string) []byte {
	t.Helper()

	p := fixturePath(name)
	bytes, err := os.ReadFile(p)
	if err != nil {
		t.Fatalf("error loading fixture %s: %v", p, err)
	}

	return bytes
}

// NewEnvelope builds a signing request for the given key. Each element of
// data becomes one message to sign.
func NewEnvelope(t *testing.T, rt message.RequestType, alg message.Algorithm, keyID string, data ...[]byte) message.MessageEnvelope {
	t.Helper()

	payload := message.MessagePayload{
		TenantID:           uuid.New(),
		Type:               rt,
		Algorithm:          alg,
		SigningDeviceKeyID: keyID,
		KeyID:              uuid.New(),
		MessagesToSign:     []message.MessageToSign{},
	}
	for i, d := range data {
		payload.MessagesToSign = append(payload.MessagesToSign, message.MessageToSign{
			Message: hex.EncodeToString(d),
			Index:   i,
		})
	}
	blob, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("error encoding payload: %v", err)
	}

	return message.MessageEnvelope{
		Message: message.Message{
			PayloadSignatureData: message.PayloadSignatureData{Signature: "00", Service: "CONFIGURATION_MANAGER"},
			Payload:              string(blob),
		},
		TransportMetadata: message.TransportMetadata{
			RequestID: uuid.New(),
			Type:      rt,
		},
	}
}

// Digest returns a 32-byte value derived from seed, usable as a prehashed
// secp256k1 input.
func Digest(seed byte) []byte {
	d := make([]byte, 32)
	for i := range d {
		d[i] = seed + byte(i)
	}
	return d
}
