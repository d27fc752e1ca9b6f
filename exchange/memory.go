package exchange

import (
	"context"
	"sort"
	"sync"

	"github.com/JiscSD/keylink-relay/message"
)

// Memory is an in-memory Exchange. Batches published on one end of a pair
// are received on the other end. Batches that are not acknowledged are
// delivered again on the next Receive.
type Memory struct {
	peer *Memory

	mu       sync.Mutex
	inbox    []memoryBatch
	inflight map[uint64]memoryBatch
	seq      uint64
	closed   bool
}

type memoryBatch struct {
	id   uint64
	list message.DocumentList
}

var _ Exchange = (*Memory)(nil)

// NewMemoryPair returns two connected ends.
func NewMemoryPair() (*Memory, *Memory) {
	a := &Memory{inflight: map[uint64]memoryBatch{}}
	b := &Memory{inflight: map[uint64]memoryBatch{}}
	a.peer, b.peer = b, a
	return a, b
}

// Publish implements Exchange.
func (m *Memory) Publish(ctx context.Context, list message.DocumentList) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.peer.deliver(list)
}

func (m *Memory) deliver(list message.DocumentList) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.seq++
	m.inbox = append(m.inbox, memoryBatch{id: m.seq, list: list})
	return nil
}

// Receive implements Exchange.
func (m *Memory) Receive(ctx context.Context) ([]Delivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	batches := append([]memoryBatch{}, m.inbox...)
	m.inbox = nil
	ret := make([]Delivery, 0, len(batches))
	for _, b := range batches {
		b := b
		m.inflight[b.id] = b
		ret = append(ret, NewDelivery(b.list, func(context.Context) error {
			m.mu.Lock()
			delete(m.inflight, b.id)
			m.mu.Unlock()
			return nil
		}))
	}
	return ret, nil
}

// Requeue makes the unacknowledged batches available again, as a visibility
// timeout would.
func (m *Memory) Requeue() {
	m.mu.Lock()
	defer m.mu.Unlock()
	requeued := make([]memoryBatch, 0, len(m.inflight))
	for _, b := range m.inflight {
		requeued = append(requeued, b)
	}
	sort.Slice(requeued, func(i, j int) bool { return requeued[i].id < requeued[j].id })
	m.inbox = append(requeued, m.inbox...)
	m.inflight = map[uint64]memoryBatch{}
}

// Pending returns the number of batches waiting to be received.
func (m *Memory) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inbox)
}

// Close implements Exchange.
func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
