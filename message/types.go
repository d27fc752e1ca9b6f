package message

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// RequestType is the kind of signing request received from the custody
// client.
type RequestType string

const (
	RequestTypeProofOfOwnership RequestType = "KEY_LINK_PROOF_OF_OWNERSHIP_REQUEST"
	RequestTypeTxSign           RequestType = "KEY_LINK_TX_SIGN_REQUEST"
)

// ResponseType is the kind of status returned for a RequestType.
type ResponseType string

const (
	ResponseTypeProofOfOwnership ResponseType = "KEY_LINK_PROOF_OF_OWNERSHIP_RESPONSE"
	ResponseTypeTxSign           ResponseType = "KEY_LINK_TX_SIGN_RESPONSE"
)

// ErrUnsupportedRequestType is returned by InferResponseType when the request
// type is not known.
var ErrUnsupportedRequestType = errors.New("unsupported request type")

// InferResponseType returns the response type paired with the given request
// type. There is no default.
func InferResponseType(t RequestType) (ResponseType, error) {
	switch t {
	case RequestTypeProofOfOwnership:
		return ResponseTypeProofOfOwnership, nil
	case RequestTypeTxSign:
		return ResponseTypeTxSign, nil
	}
	return "", errors.Wrapf(ErrUnsupportedRequestType, "%q", string(t))
}

// MessageState is the lifecycle state of a request.
type MessageState string

const (
	MessageStatePendingSign MessageState = "PENDING_SIGN"
	MessageStateSigned      MessageState = "SIGNED"
	MessageStateFailed      MessageState = "FAILED"
)

// Terminal reports whether no further transition is possible.
func (s MessageState) Terminal() bool {
	return s == MessageStateSigned || s == MessageStateFailed
}

// Algorithm is the signature scheme requested for a payload.
type Algorithm string

const (
	AlgorithmECDSASecp256k1 Algorithm = "ECDSA_SECP256K1"
	AlgorithmEDDSAEd25519   Algorithm = "EDDSA_ED25519"
)

// Algorithms lists every supported algorithm.
var Algorithms = []Algorithm{AlgorithmECDSASecp256k1, AlgorithmEDDSAEd25519}

// MessageToSign is one unit of data to be signed, hex encoded.
type MessageToSign struct {
	Message string `json:"message"`
	Index   int    `json:"index"`
}

// MessagePayload is the decoded form of Message.Payload.
type MessagePayload struct {
	TenantID           uuid.UUID       `json:"tenantId"`
	Type               RequestType     `json:"type"`
	Algorithm          Algorithm       `json:"algorithm"`
	SigningDeviceKeyID string          `json:"signingDeviceKeyId"`
	KeyID              uuid.UUID       `json:"keyId"`
	MessagesToSign     []MessageToSign `json:"messagesToSign"`
	RequestID          *uuid.UUID      `json:"requestId,omitempty"`
	TxID               *uuid.UUID      `json:"txId,omitempty"`
	Timestamp          *int64          `json:"timestamp,omitempty"`
	Version            string          `json:"version,omitempty"`
	Metadata           json.RawMessage `json:"metadata,omitempty"`
}

// PayloadSignatureData is the signature over Message.Payload made by the
// custody service.
type PayloadSignatureData struct {
	Signature string `json:"signature"`
	Service   string `json:"service"`
}

// Message holds the serialized payload as received. The payload string is
// covered by PayloadSignatureData so it is never re-encoded.
type Message struct {
	PayloadSignatureData PayloadSignatureData `json:"payloadSignatureData"`
	Payload              string               `json:"payload"`
}

// DecodePayload parses the embedded payload.
func (m Message) DecodePayload() (*MessagePayload, error) {
	p := &MessagePayload{}
	if err := json.Unmarshal([]byte(m.Payload), p); err != nil {
		return nil, errors.Wrap(err, "error decoding payload")
	}
	return p, nil
}

// TransportMetadata identifies the request within the relay.
type TransportMetadata struct {
	RequestID uuid.UUID   `json:"requestId"`
	Type      RequestType `json:"type"`
}

// MessageEnvelope is a signing request.
type MessageEnvelope struct {
	Message           Message           `json:"message"`
	TransportMetadata TransportMetadata `json:"transportMetadata"`
}

// RequestID is a shortcut to TransportMetadata.RequestID.
func (e MessageEnvelope) RequestID() uuid.UUID {
	return e.TransportMetadata.RequestID
}

// SignedMessage is the result of signing one MessageToSign.
type SignedMessage struct {
	Message   string `json:"message"`
	Signature string `json:"signature"`
	Index     int    `json:"index"`
}

// MessagesRequest is the body of messagesToSign.
type MessagesRequest struct {
	Messages []MessageEnvelope `json:"messages"`
}

// MessagesStatusRequest is the body of messagesStatus.
type MessagesStatusRequest struct {
	RequestsIDs []uuid.UUID `json:"requestsIds"`
}

// MessagesStatusResponse is returned by both messagesToSign and
// messagesStatus.
type MessagesStatusResponse struct {
	Statuses []MessageStatus `json:"statuses"`
}

// Error is the body of API error responses.
type Error struct {
	Code    string                  `json:"code"`
	Message string                  `json:"message"`
	Errors  []ValidationErrorDetail `json:"errors,omitempty"`
}
