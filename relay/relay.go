// Package relay implements the signing relay: the mode-dependent state
// machine that accepts signing requests, tracks them until they are signed
// and moves them between the frontend and the backend as documents.
package relay

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/JiscSD/keylink-relay/message"
	"github.com/JiscSD/keylink-relay/signer"
)

// signingFailedError is reported by a backend once a signing attempt failed.
const signingFailedError = "Signing status failed"

// Config holds the settings fixed at startup.
type Config struct {
	Mode    Mode
	HotMode bool
}

// Relay is the public surface of the relay. It is safe for concurrent use.
//
// In frontend mode it accepts requests from the custody client and either
// signs them straight away (hot mode) or queues them for export to the
// backend. In backend mode it signs the requests it imports and queues the
// statuses for export back to the frontend.
type Relay struct {
	logger       logrus.FieldLogger
	config       Config
	signer       signer.Signer
	ledger       *Ledger
	orchestrator *Orchestrator
	validator    *message.Validator
	metrics      *Metrics

	// Set after the first failed signing attempt, never cleared.
	signingFailed atomic.Bool
}

// New returns a Relay. metrics may be nil.
func New(
	logger logrus.FieldLogger, config Config,
	s signer.Signer, ledger *Ledger, orchestrator *Orchestrator,
	validator *message.Validator, metrics *Metrics) (*Relay, error) {
	if config.Mode != ModeFrontend && config.Mode != ModeBackend {
		return nil, errors.Errorf("invalid mode %d", config.Mode)
	}
	return &Relay{
		logger:       logger,
		config:       config,
		signer:       s,
		ledger:       ledger,
		orchestrator: orchestrator,
		validator:    validator,
		metrics:      metrics,
	}, nil
}

// Mode returns the mode of the relay.
func (r *Relay) Mode() Mode {
	return r.config.Mode
}

// Submit accepts signing requests from the custody client.
func (r *Relay) Submit(ctx context.Context, req message.MessagesRequest) (message.MessagesStatusResponse, error) {
	resp := message.MessagesStatusResponse{Statuses: []message.MessageStatus{}}
	if r.config.Mode != ModeFrontend {
		r.logger.Warn("messagesToSign is not supported in backend mode")
		return resp, errors.Wrap(ErrUnsupportedOperation, "messagesToSign")
	}
	r.logger.WithField("count", len(req.Messages)).Debug("Messages submitted")

	if r.config.HotMode {
		for _, env := range req.Messages {
			if _, err := message.InferResponseType(env.TransportMetadata.Type); err != nil {
				return message.MessagesStatusResponse{}, err
			}
		}
		r.metrics.envelopesSubmitted(true, len(req.Messages))
		for _, env := range req.Messages {
			status, err := r.sign(ctx, env)
			if err != nil {
				return message.MessagesStatusResponse{}, err
			}
			resp.Statuses = append(resp.Statuses, status)
		}
		return resp, nil
	}

	statuses, err := r.ledger.EnqueuePending(req.Messages...)
	if err != nil {
		return message.MessagesStatusResponse{}, err
	}
	r.metrics.envelopesSubmitted(false, len(req.Messages))
	r.metrics.observe(r.ledger)
	resp.Statuses = append(resp.Statuses, statuses...)

	return resp, nil
}

// PollStatus returns the statuses of the given requests. Terminal statuses
// are returned once.
func (r *Relay) PollStatus(ctx context.Context, req message.MessagesStatusRequest) (message.MessagesStatusResponse, error) {
	if r.config.Mode != ModeFrontend {
		r.logger.Warn("messagesStatus is not supported in backend mode")
		return message.MessagesStatusResponse{Statuses: []message.MessageStatus{}}, errors.Wrap(ErrUnsupportedOperation, "messagesStatus")
	}
	statuses := r.ledger.PollAndConsume(req.RequestsIDs)
	r.metrics.observe(r.ledger)
	return message.MessagesStatusResponse{Statuses: statuses}, nil
}

// ExportOutbound drains the outbound collection of the mode: pending
// envelopes in the frontend, signed statuses in the backend.
func (r *Relay) ExportOutbound(ctx context.Context) (message.DocumentList, error) {
	var (
		docs []message.Document
		err  error
	)
	switch r.config.Mode {
	case ModeFrontend:
		docs, err = r.ledger.DrainPendingDocuments()
	case ModeBackend:
		docs, err = r.ledger.DrainSignedDocuments()
	}
	if err != nil {
		return message.DocumentList{}, errors.Wrap(err, "error exporting documents")
	}
	r.metrics.documentsProcessed("exported", len(docs))
	r.metrics.observe(r.ledger)
	if len(docs) > 0 {
		r.logger.WithField("count", len(docs)).Debug("Documents exported")
	}
	return message.NewDocumentList(docs...), nil
}

// ImportInbound processes documents produced by the other side. Documents
// that cannot be decoded are logged and skipped. In backend mode the
// envelopes are signed before this method returns.
func (r *Relay) ImportInbound(ctx context.Context, list message.DocumentList) ([]string, error) {
	kind := message.DocumentKindStatus
	if r.config.Mode == ModeBackend {
		kind = message.DocumentKindEnvelope
	}
	for _, doc := range list.Documents {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrap(err, "import interrupted")
		}
		logger := r.logger.WithField("documentId", doc.ID)
		if meta, err := message.ParseDocumentMetadata(doc.Metadata); err == nil && meta.Kind != "" && meta.Kind != kind {
			logger.WithField("kind", meta.Kind).Error("Document of unexpected kind skipped")
			r.metrics.documentsProcessed("skipped", 1)
			continue
		}
		if err := r.importDocument(ctx, doc); err != nil {
			if ctx.Err() != nil {
				return nil, errors.Wrap(err, "import interrupted")
			}
			logger.Error("Document could not be validated and was skipped")
			logger.WithError(err).Debug("Invalid document")
			r.metrics.documentsProcessed("skipped", 1)
			continue
		}
		r.metrics.documentsProcessed("imported", 1)
	}
	r.metrics.observe(r.ledger)
	return []string{"OK"}, nil
}

func (r *Relay) importDocument(ctx context.Context, doc message.Document) error {
	switch r.config.Mode {
	case ModeFrontend:
		status, err := r.validator.DecodeStatus([]byte(doc.Content))
		if err != nil {
			return err
		}
		r.ledger.RecordSigned(*status)
	case ModeBackend:
		env, err := r.validator.DecodeEnvelope([]byte(doc.Content))
		if err != nil {
			return err
		}
		status, err := r.sign(ctx, *env)
		if err != nil {
			return err
		}
		r.ledger.RecordSigned(status)
	}
	return nil
}

// Restore puts documents returned by ExportOutbound back into the ledger,
// ahead of anything queued since.
func (r *Relay) Restore(ctx context.Context, list message.DocumentList) error {
	switch r.config.Mode {
	case ModeFrontend:
		envs := make([]message.MessageEnvelope, 0, len(list.Documents))
		for _, doc := range list.Documents {
			env := message.MessageEnvelope{}
			if err := json.Unmarshal([]byte(doc.Content), &env); err != nil {
				return errors.Wrapf(err, "error restoring document %s", doc.ID)
			}
			envs = append(envs, env)
		}
		if err := r.ledger.RestorePending(envs...); err != nil {
			return err
		}
	case ModeBackend:
		statuses := make([]message.MessageStatus, 0, len(list.Documents))
		for _, doc := range list.Documents {
			s := message.MessageStatus{}
			if err := json.Unmarshal([]byte(doc.Content), &s); err != nil {
				return errors.Wrapf(err, "error restoring document %s", doc.ID)
			}
			statuses = append(statuses, s)
		}
		r.ledger.RestoreSigned(statuses...)
	}
	r.metrics.observe(r.ledger)
	r.logger.WithField("count", len(list.Documents)).Warn("Documents restored to the ledger")
	return nil
}

// HealthStatus reports the health of the relay.
func (r *Relay) HealthStatus(ctx context.Context) message.ComponentStatus {
	if r.config.Mode == ModeFrontend {
		return message.StatusOK()
	}
	if r.signingFailed.Load() {
		return message.StatusError(signingFailedError)
	}
	return r.signer.HealthCheck(ctx)
}

// Stats describes the contents of the ledger.
type Stats struct {
	Mode    string `json:"mode"`
	HotMode bool   `json:"hot_mode"`
	Pending int    `json:"pending"`
	Signed  int    `json:"signed"`
}

// Stats returns the current size of the ledger.
func (r *Relay) Stats() Stats {
	pending, signed := r.ledger.Len()
	return Stats{
		Mode:    r.config.Mode.String(),
		HotMode: r.config.HotMode,
		Pending: pending,
		Signed:  signed,
	}
}

func (r *Relay) sign(ctx context.Context, env message.MessageEnvelope) (message.MessageStatus, error) {
	status, err := r.orchestrator.Sign(ctx, env)
	if err != nil {
		return status, err
	}
	if status.Status == message.MessageStateFailed {
		r.signingFailed.Store(true)
	}
	r.metrics.statusReached(status)
	return status, nil
}
