package message

import (
	"bytes"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// MessageResponse is the outcome carried by a terminal MessageStatus. It is
// either SignedMessages or ErrorResponse.
type MessageResponse interface {
	isMessageResponse()
}

// SignedMessages is the response of a successfully signed request, in the
// order of the messages to sign.
type SignedMessages []SignedMessage

// ErrorResponse is the response of a failed request.
type ErrorResponse struct {
	Message string
}

func (SignedMessages) isMessageResponse() {}
func (ErrorResponse) isMessageResponse()  {}

// MessageStatus reports the state of a request. Response is nil while the
// request is pending.
type MessageStatus struct {
	Type      ResponseType
	Status    MessageState
	RequestID uuid.UUID
	Response  MessageResponse
}

// PendingStatus returns the PENDING_SIGN status of an envelope.
func PendingStatus(env MessageEnvelope) (MessageStatus, error) {
	t, err := InferResponseType(env.TransportMetadata.Type)
	if err != nil {
		return MessageStatus{}, err
	}
	return MessageStatus{
		Type:      t,
		Status:    MessageStatePendingSign,
		RequestID: env.RequestID(),
	}, nil
}

// SignedMessages returns the signed messages or nil.
func (s MessageStatus) SignedMessages() SignedMessages {
	if r, ok := s.Response.(SignedMessages); ok {
		return r
	}
	return nil
}

// ErrorMessage returns the error message or the empty string.
func (s MessageStatus) ErrorMessage() string {
	if r, ok := s.Response.(ErrorResponse); ok {
		return r.Message
	}
	return ""
}

type wireResponse struct {
	SignedMessages *[]SignedMessage `json:"signedMessages,omitempty"`
	ErrorMessage   *string          `json:"errorMessage,omitempty"`
}

type wireStatus struct {
	Type      ResponseType `json:"type"`
	Status    MessageState `json:"status"`
	RequestID uuid.UUID    `json:"requestId"`
	Response  wireResponse `json:"response"`
}

// MarshalJSON implements json.Marshaler.
func (s MessageStatus) MarshalJSON() ([]byte, error) {
	w := wireStatus{Type: s.Type, Status: s.Status, RequestID: s.RequestID}
	switch r := s.Response.(type) {
	case nil:
	case SignedMessages:
		sm := []SignedMessage(r)
		if sm == nil {
			sm = []SignedMessage{}
		}
		w.Response.SignedMessages = &sm
	case ErrorResponse:
		w.Response.ErrorMessage = &r.Message
	default:
		return nil, errors.Errorf("unknown response type %T", r)
	}
	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(w); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *MessageStatus) UnmarshalJSON(data []byte) error {
	var w struct {
		wireStatus
		Response struct {
			SignedMessages *[]SignedMessage `json:"signedMessages"`
			ErrorMessage   *string          `json:"errorMessage"`
		} `json:"response"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*s = MessageStatus{Type: w.Type, Status: w.Status, RequestID: w.RequestID}
	switch sm, em := w.Response.SignedMessages, w.Response.ErrorMessage; {
	case sm != nil && em != nil:
		return errors.New("response has both signedMessages and errorMessage")
	case sm != nil:
		s.Response = SignedMessages(*sm)
	case em != nil:
		s.Response = ErrorResponse{Message: *em}
	}
	return nil
}
