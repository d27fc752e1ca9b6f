package relay

import (
	"sync"

	"github.com/google/uuid"

	"github.com/JiscSD/keylink-relay/message"
)

// Ledger keeps the requests waiting to be signed and the statuses waiting to
// be delivered, both in arrival order. A single mutex guards both
// collections so that every operation is atomic with respect to the others.
//
// Entries are not de-duplicated by request ID.
type Ledger struct {
	mu      sync.Mutex
	pending []pendingEntry
	signed  []message.MessageStatus
}

type pendingEntry struct {
	envelope message.MessageEnvelope
	status   message.MessageStatus
}

func NewLedger() *Ledger {
	return &Ledger{}
}

// EnqueuePending appends the envelopes and returns their PENDING_SIGN
// statuses. Nothing is enqueued when any of the request types is not
// supported.
func (l *Ledger) EnqueuePending(envs ...message.MessageEnvelope) ([]message.MessageStatus, error) {
	entries, err := newPendingEntries(envs)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.pending = append(l.pending, entries...)
	l.mu.Unlock()

	statuses := make([]message.MessageStatus, len(entries))
	for i, e := range entries {
		statuses[i] = e.status
	}
	return statuses, nil
}

// RestorePending puts envelopes back in front of the pending collection,
// keeping their relative order.
func (l *Ledger) RestorePending(envs ...message.MessageEnvelope) error {
	entries, err := newPendingEntries(envs)
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.pending = append(entries, l.pending...)
	l.mu.Unlock()

	return nil
}

func newPendingEntries(envs []message.MessageEnvelope) ([]pendingEntry, error) {
	entries := make([]pendingEntry, 0, len(envs))
	for _, env := range envs {
		status, err := message.PendingStatus(env)
		if err != nil {
			return nil, err
		}
		entries = append(entries, pendingEntry{envelope: env, status: status})
	}
	return entries, nil
}

// RecordSigned appends terminal statuses.
func (l *Ledger) RecordSigned(statuses ...message.MessageStatus) {
	l.mu.Lock()
	l.signed = append(l.signed, statuses...)
	l.mu.Unlock()
}

// RestoreSigned puts statuses back in front of the signed collection.
func (l *Ledger) RestoreSigned(statuses ...message.MessageStatus) {
	l.mu.Lock()
	l.signed = append(append([]message.MessageStatus{}, statuses...), l.signed...)
	l.mu.Unlock()
}

// PollAndConsume returns the statuses of the given requests: first the
// pending ones, which stay in the ledger, then the signed ones, which are
// removed so they are delivered once.
func (l *Ledger) PollAndConsume(ids []uuid.UUID) []message.MessageStatus {
	want := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	ret := []message.MessageStatus{}
	for _, e := range l.pending {
		if _, ok := want[e.status.RequestID]; ok {
			ret = append(ret, e.status)
		}
	}

	kept := l.signed[:0]
	for _, s := range l.signed {
		if _, ok := want[s.RequestID]; ok {
			ret = append(ret, s)
			continue
		}
		kept = append(kept, s)
	}
	for i := len(kept); i < len(l.signed); i++ {
		l.signed[i] = message.MessageStatus{}
	}
	l.signed = kept

	return ret
}

// DrainPendingDocuments converts every pending envelope into a document and
// empties the collection. The collection is untouched on error.
func (l *Ledger) DrainPendingDocuments() ([]message.Document, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	docs := make([]message.Document, 0, len(l.pending))
	for _, e := range l.pending {
		doc, err := message.NewEnvelopeDocument(e.envelope)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	l.pending = nil

	return docs, nil
}

// DrainSignedDocuments converts every signed status into a document and
// empties the collection. The collection is untouched on error.
func (l *Ledger) DrainSignedDocuments() ([]message.Document, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	docs := make([]message.Document, 0, len(l.signed))
	for _, s := range l.signed {
		doc, err := message.NewStatusDocument(s)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	l.signed = nil

	return docs, nil
}

// Len returns the size of both collections.
func (l *Ledger) Len() (pending, signed int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending), len(l.signed)
}
