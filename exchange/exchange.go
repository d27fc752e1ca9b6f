// Package exchange moves document batches between a frontend and a backend
// relay. A Pump drives the relay against an Exchange, the transport that
// carries the batches: SQS and SNS (package broker), an S3 spool, Kafka
// topics or an in-memory pair.
package exchange

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/JiscSD/keylink-relay/message"
)

// ErrClosed is returned by a transport used after Close.
var ErrClosed = errors.New("exchange closed")

// Exchange is a transport of document batches.
type Exchange interface {
	// Publish sends a batch to the other side.
	Publish(ctx context.Context, list message.DocumentList) error

	// Receive returns the batches available now. It may return no batches.
	Receive(ctx context.Context) ([]Delivery, error)

	// Close releases the resources held by the transport.
	Close() error
}

// Delivery is a batch received from an Exchange. It must be acknowledged
// once processed or it will be delivered again.
type Delivery struct {
	List message.DocumentList
	ack  func(context.Context) error
}

// NewDelivery returns a Delivery. ack may be nil.
func NewDelivery(list message.DocumentList, ack func(context.Context) error) Delivery {
	return Delivery{List: list, ack: ack}
}

// Ack confirms that the batch was processed.
func (d Delivery) Ack(ctx context.Context) error {
	if d.ack == nil {
		return nil
	}
	return d.ack(ctx)
}

// Repository remembers the documents delivered before.
type Repository interface {
	// SeenBeforeOrStore reports whether key is known and stores it if it
	// is not.
	SeenBeforeOrStore(ctx context.Context, key string) (bool, error)

	Close() error
}

// marshalList encodes a batch without escaping HTML characters.
func marshalList(list message.DocumentList) ([]byte, error) {
	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(list); err != nil {
		return nil, errors.Wrap(err, "error encoding documents")
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
