package relay_test

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/JiscSD/keylink-relay/message"
	"github.com/JiscSD/keylink-relay/relay"
	"github.com/JiscSD/keylink-relay/signer"
)

type mockSigner struct {
	mock.Mock
}

var _ signer.Signer = (*mockSigner)(nil)

func (m *mockSigner) Sign(ctx context.Context, keyID string, alg message.Algorithm, data []byte) ([]byte, error) {
	args := m.Called(ctx, keyID, alg, data)
	sig, _ := args.Get(0).([]byte)
	return sig, args.Error(1)
}

func (m *mockSigner) ListKeys(ctx context.Context, alg message.Algorithm) ([]signer.KeyHandle, error) {
	args := m.Called(ctx, alg)
	keys, _ := args.Get(0).([]signer.KeyHandle)
	return keys, args.Error(1)
}

func (m *mockSigner) GenerateKey(ctx context.Context, alg message.Algorithm) (signer.KeyHandle, error) {
	args := m.Called(ctx, alg)
	return args.Get(0).(signer.KeyHandle), args.Error(1)
}

func (m *mockSigner) HealthCheck(ctx context.Context) message.ComponentStatus {
	return m.Called(ctx).Get(0).(message.ComponentStatus)
}

type fixture struct {
	relay    *relay.Relay
	ledger   *relay.Ledger
	keystore *signer.Keystore
	edKey    signer.KeyHandle
	ecKey    signer.KeyHandle
	registry *prometheus.Registry
}

// newRelay builds a relay backed by an in-memory keystore holding one key
// per algorithm.
func newRelay(t *testing.T, mode relay.Mode, hot bool) *fixture {
	t.Helper()

	logger, _ := test.NewNullLogger()
	ks := signer.NewKeystore(logger)
	edKey, err := ks.GenerateKey(context.Background(), message.AlgorithmEDDSAEd25519)
	require.NoError(t, err)
	ecKey, err := ks.GenerateKey(context.Background(), message.AlgorithmECDSASecp256k1)
	require.NoError(t, err)

	f := newRelayWithSigner(t, mode, hot, ks)
	f.keystore, f.edKey, f.ecKey = ks, edKey, ecKey

	return f
}

func newRelayWithSigner(t *testing.T, mode relay.Mode, hot bool, s signer.Signer) *fixture {
	t.Helper()

	logger, _ := test.NewNullLogger()
	validator, err := message.NewValidator()
	require.NoError(t, err)
	registry := prometheus.NewRegistry()
	ledger := relay.NewLedger()
	orchestrator := relay.NewOrchestrator(logger, s, time.Second)

	r, err := relay.New(logger, relay.Config{Mode: mode, HotMode: hot}, s, ledger, orchestrator, validator, relay.NewMetrics(registry))
	require.NoError(t, err)

	return &fixture{relay: r, ledger: ledger, registry: registry}
}
