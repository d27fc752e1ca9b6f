package relay

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/JiscSD/keylink-relay/message"
	"github.com/JiscSD/keylink-relay/signer"
)

// Orchestrator signs every message of an envelope. The first failure
// aborts the envelope, which is then reported as FAILED.
type Orchestrator struct {
	logger  logrus.FieldLogger
	signer  signer.Signer
	timeout time.Duration
}

// NewOrchestrator returns an Orchestrator. Each call to the signer is bound
// by timeout, zero means no limit beyond the caller's context.
func NewOrchestrator(logger logrus.FieldLogger, s signer.Signer, timeout time.Duration) *Orchestrator {
	return &Orchestrator{
		logger:  logger,
		signer:  s,
		timeout: timeout,
	}
}

// Sign produces the terminal status of the envelope. The error is only set
// when the request type is not supported or ctx is done, in which case the
// envelope has no status yet.
func (o *Orchestrator) Sign(ctx context.Context, env message.MessageEnvelope) (message.MessageStatus, error) {
	responseType, err := message.InferResponseType(env.TransportMetadata.Type)
	if err != nil {
		return message.MessageStatus{}, err
	}
	status := message.MessageStatus{
		Type:      responseType,
		RequestID: env.RequestID(),
	}
	logger := o.logger.WithField("requestId", env.RequestID().String())

	payload, err := env.Message.DecodePayload()
	if err != nil {
		logger.WithError(err).Warn("Envelope payload could not be decoded")
		return failed(status, err.Error()), nil
	}

	signed := make(message.SignedMessages, 0, len(payload.MessagesToSign))
	for _, m := range payload.MessagesToSign {
		data, err := hex.DecodeString(m.Message)
		if err != nil {
			logger.WithField("index", m.Index).Warn("Message to sign is not hex encoded")
			return failed(status, fmt.Sprintf("message %d is not valid hex: %v", m.Index, err)), nil
		}
		sig, err := o.sign(ctx, payload.SigningDeviceKeyID, payload.Algorithm, data)
		if err != nil {
			if ctx.Err() != nil {
				return message.MessageStatus{}, errors.Wrapf(ctx.Err(), "signing message %d interrupted", m.Index)
			}
			logger.WithField("index", m.Index).WithError(err).Warn("Error signing message")
			return failed(status, fmt.Sprintf("signing message %d failed: %v", m.Index, err)), nil
		}
		signed = append(signed, message.SignedMessage{
			Message:   m.Message,
			Signature: hex.EncodeToString(sig),
			Index:     m.Index,
		})
	}

	status.Status = message.MessageStateSigned
	status.Response = signed
	logger.WithField("count", len(signed)).Debug("Envelope signed")

	return status, nil
}

func failed(status message.MessageStatus, reason string) message.MessageStatus {
	status.Status = message.MessageStateFailed
	status.Response = message.ErrorResponse{Message: reason}
	return status
}

type signResult struct {
	sig []byte
	err error
}

// sign calls the signer under the per-call timeout. A signer that does not
// honour its context is abandoned when the timeout fires.
func (o *Orchestrator) sign(ctx context.Context, keyID string, alg message.Algorithm, data []byte) ([]byte, error) {
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	ch := make(chan signResult, 1)
	go func() {
		sig, err := o.signer.Sign(ctx, keyID, alg, data)
		ch <- signResult{sig: sig, err: err}
	}()

	select {
	case res := <-ch:
		return res.sig, res.err
	case <-ctx.Done():
		return nil, &signer.SigningError{Op: "sign", KeyID: keyID, Err: ctx.Err()}
	}
}
