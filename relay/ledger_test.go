package relay_test

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JiscSD/keylink-relay/internal/testutil"
	"github.com/JiscSD/keylink-relay/message"
	"github.com/JiscSD/keylink-relay/relay"
)

func signedStatus(id uuid.UUID) message.MessageStatus {
	return message.MessageStatus{
		Type:      message.ResponseTypeTxSign,
		Status:    message.MessageStateSigned,
		RequestID: id,
		Response:  message.SignedMessages{{Message: "00", Signature: "11", Index: 0}},
	}
}

func requestIDs(statuses []message.MessageStatus) []uuid.UUID {
	ret := []uuid.UUID{}
	for _, s := range statuses {
		ret = append(ret, s.RequestID)
	}
	return ret
}

func TestLedger_EnqueuePending(t *testing.T) {
	t.Parallel()
	l := relay.NewLedger()

	a := testutil.NewEnvelope(t, message.RequestTypeTxSign, message.AlgorithmECDSASecp256k1, "k")
	b := testutil.NewEnvelope(t, message.RequestTypeProofOfOwnership, message.AlgorithmEDDSAEd25519, "k")

	statuses, err := l.EnqueuePending(a, b)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{a.RequestID(), b.RequestID()}, requestIDs(statuses))
	assert.Equal(t, message.ResponseTypeProofOfOwnership, statuses[1].Type)

	bad := testutil.NewEnvelope(t, "UNKNOWN", message.AlgorithmEDDSAEd25519, "k")
	_, err = l.EnqueuePending(a, bad)
	assert.ErrorIs(t, err, message.ErrUnsupportedRequestType)

	pending, signed := l.Len()
	assert.Equal(t, 2, pending)
	assert.Equal(t, 0, signed)
}

func TestLedger_PollAndConsume(t *testing.T) {
	t.Parallel()
	l := relay.NewLedger()

	p1 := testutil.NewEnvelope(t, message.RequestTypeTxSign, message.AlgorithmECDSASecp256k1, "k")
	p2 := testutil.NewEnvelope(t, message.RequestTypeTxSign, message.AlgorithmECDSASecp256k1, "k")
	_, err := l.EnqueuePending(p1, p2)
	require.NoError(t, err)

	s1, s2, s3 := signedStatus(uuid.New()), signedStatus(uuid.New()), signedStatus(uuid.New())
	l.RecordSigned(s1, s2, s3)

	// Empty request.
	assert.Empty(t, l.PollAndConsume(nil))
	pending, signed := l.Len()
	assert.Equal(t, 2, pending)
	assert.Equal(t, 3, signed)

	// Pending first, then signed, each in ledger order.
	ids := []uuid.UUID{s3.RequestID, p2.RequestID(), s1.RequestID, p1.RequestID(), uuid.New()}
	have := l.PollAndConsume(ids)
	want := []uuid.UUID{p1.RequestID(), p2.RequestID(), s1.RequestID, s3.RequestID}
	if diff := cmp.Diff(want, requestIDs(have)); diff != "" {
		t.Errorf("PollAndConsume() mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, message.MessageStatePendingSign, have[0].Status)
	assert.Equal(t, s1, have[2])

	// Signed statuses are consumed, pending ones are not.
	have = l.PollAndConsume(ids)
	if diff := cmp.Diff([]uuid.UUID{p1.RequestID(), p2.RequestID()}, requestIDs(have)); diff != "" {
		t.Errorf("PollAndConsume() mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, []message.MessageStatus{s2}, l.PollAndConsume([]uuid.UUID{s2.RequestID}))

	pending, signed = l.Len()
	assert.Equal(t, 2, pending)
	assert.Equal(t, 0, signed)
}

func TestLedger_DuplicateRequestIDs(t *testing.T) {
	t.Parallel()
	l := relay.NewLedger()

	env := testutil.NewEnvelope(t, message.RequestTypeTxSign, message.AlgorithmECDSASecp256k1, "k")
	_, err := l.EnqueuePending(env, env)
	require.NoError(t, err)
	s := signedStatus(uuid.New())
	l.RecordSigned(s, s)

	have := l.PollAndConsume([]uuid.UUID{env.RequestID(), s.RequestID})
	assert.Len(t, have, 4)
}

func TestLedger_Drain(t *testing.T) {
	t.Parallel()
	l := relay.NewLedger()

	a := testutil.NewEnvelope(t, message.RequestTypeTxSign, message.AlgorithmECDSASecp256k1, "k", testutil.Digest(1))
	b := testutil.NewEnvelope(t, message.RequestTypeTxSign, message.AlgorithmECDSASecp256k1, "k", testutil.Digest(2))
	_, err := l.EnqueuePending(a, b)
	require.NoError(t, err)
	s := signedStatus(uuid.New())
	l.RecordSigned(s)

	docs, err := l.DrainPendingDocuments()
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, a.RequestID().String(), docs[0].ID)
	assert.Equal(t, b.RequestID().String(), docs[1].ID)
	decoded := message.MessageEnvelope{}
	require.NoError(t, json.Unmarshal([]byte(docs[1].Content), &decoded))
	assert.Equal(t, b, decoded)

	docs, err = l.DrainPendingDocuments()
	require.NoError(t, err)
	assert.Empty(t, docs)

	docs, err = l.DrainSignedDocuments()
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, s.RequestID.String(), docs[0].ID)

	pending, signed := l.Len()
	assert.Zero(t, pending)
	assert.Zero(t, signed)
}

func TestLedger_Restore(t *testing.T) {
	t.Parallel()
	l := relay.NewLedger()

	a := testutil.NewEnvelope(t, message.RequestTypeTxSign, message.AlgorithmECDSASecp256k1, "k")
	b := testutil.NewEnvelope(t, message.RequestTypeTxSign, message.AlgorithmECDSASecp256k1, "k")
	c := testutil.NewEnvelope(t, message.RequestTypeTxSign, message.AlgorithmECDSASecp256k1, "k")
	_, err := l.EnqueuePending(c)
	require.NoError(t, err)
	require.NoError(t, l.RestorePending(a, b))

	have := l.PollAndConsume([]uuid.UUID{a.RequestID(), b.RequestID(), c.RequestID()})
	assert.Equal(t, []uuid.UUID{a.RequestID(), b.RequestID(), c.RequestID()}, requestIDs(have))

	s1, s2 := signedStatus(uuid.New()), signedStatus(uuid.New())
	l.RecordSigned(s2)
	l.RestoreSigned(s1)
	docs, err := l.DrainSignedDocuments()
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, s1.RequestID.String(), docs[0].ID)
}

// Drains and enqueues run concurrently: every envelope must be exported
// exactly once.
func TestLedger_ConcurrentEnqueueAndDrain(t *testing.T) {
	t.Parallel()
	l := relay.NewLedger()

	const (
		writers   = 8
		perWriter = 50
	)
	envs := make([][]message.MessageEnvelope, writers)
	for i := range envs {
		for j := 0; j < perWriter; j++ {
			envs[i] = append(envs[i], testutil.NewEnvelope(t, message.RequestTypeTxSign, message.AlgorithmECDSASecp256k1, "k"))
		}
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		exported = map[string]int{}
		done     = make(chan struct{})
	)
	collect := func() {
		docs, err := l.DrainPendingDocuments()
		assert.NoError(t, err)
		mu.Lock()
		for _, d := range docs {
			exported[d.ID]++
		}
		mu.Unlock()
	}

	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for {
			select {
			case <-done:
				return
			default:
				collect()
			}
		}
	}()

	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(batch []message.MessageEnvelope) {
			defer wg.Done()
			for _, env := range batch {
				_, err := l.EnqueuePending(env)
				assert.NoError(t, err)
			}
		}(envs[i])
	}
	wg.Wait()
	close(done)
	<-drained
	collect()

	assert.Len(t, exported, writers*perWriter)
	for id, n := range exported {
		assert.Equal(t, 1, n, id)
	}
}
