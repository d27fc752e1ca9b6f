package message

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/go-logfmt/logfmt"
	"github.com/pkg/errors"

	"github.com/JiscSD/keylink-relay/version"
)

// Document is the unit exchanged between the frontend and the backend.
type Document struct {
	ID       string `json:"id"`
	Content  string `json:"content"`
	Metadata string `json:"metadata"`
}

// Key identifies a delivery of the document. Two deliveries of the same
// content under the same ID share the key.
func (d Document) Key() string {
	sum := sha256.Sum256([]byte(d.Content))
	return d.ID + ":" + hex.EncodeToString(sum[:])
}

// DocumentList is a batch of documents.
type DocumentList struct {
	Documents []Document `json:"documents"`
	Count     int        `json:"count"`
}

// NewDocumentList returns a list with Count set. Documents is never nil.
func NewDocumentList(docs ...Document) DocumentList {
	if docs == nil {
		docs = []Document{}
	}
	return DocumentList{Documents: docs, Count: len(docs)}
}

// DocumentKind names what a document carries.
type DocumentKind string

const (
	DocumentKindEnvelope DocumentKind = "MessageEnvelope"
	DocumentKindStatus   DocumentKind = "MessageStatus"
)

// DocumentMetadata is stored in Document.Metadata as logfmt.
type DocumentMetadata struct {
	Kind      DocumentKind
	Generator string
}

// String encodes the metadata.
func (m DocumentMetadata) String() string {
	b, err := logfmt.MarshalKeyvals("kind", string(m.Kind), "generator", m.Generator)
	if err != nil {
		return ""
	}
	return string(b)
}

// ParseDocumentMetadata decodes the metadata of a document. Unknown keys are
// ignored and the empty string yields the zero value.
func ParseDocumentMetadata(s string) (DocumentMetadata, error) {
	m := DocumentMetadata{}
	d := logfmt.NewDecoder(strings.NewReader(s))
	for d.ScanRecord() {
		for d.ScanKeyval() {
			switch string(d.Key()) {
			case "kind":
				m.Kind = DocumentKind(d.Value())
			case "generator":
				m.Generator = string(d.Value())
			}
		}
	}
	if err := d.Err(); err != nil {
		return DocumentMetadata{}, errors.Wrap(err, "error decoding document metadata")
	}
	return m, nil
}

// NewEnvelopeDocument wraps an envelope.
func NewEnvelopeDocument(env MessageEnvelope) (Document, error) {
	return newDocument(env.RequestID().String(), DocumentKindEnvelope, env)
}

// NewStatusDocument wraps a status.
func NewStatusDocument(s MessageStatus) (Document, error) {
	return newDocument(s.RequestID.String(), DocumentKindStatus, s)
}

func newDocument(id string, kind DocumentKind, v interface{}) (Document, error) {
	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return Document{}, errors.Wrapf(err, "error encoding %s", kind)
	}
	meta := DocumentMetadata{Kind: kind, Generator: version.UserAgent()}
	return Document{
		ID:       id,
		Content:  strings.TrimSuffix(buf.String(), "\n"),
		Metadata: meta.String(),
	}, nil
}

// ComponentStatus is the health report of a relay.
type ComponentStatus struct {
	StatusCode int      `json:"status_code"`
	Status     string   `json:"status"`
	Errors     []string `json:"errors"`
}

// StatusOK returns a healthy ComponentStatus.
func StatusOK() ComponentStatus {
	return ComponentStatus{StatusCode: 200, Status: "OK", Errors: []string{}}
}

// StatusError returns an unhealthy ComponentStatus.
func StatusError(errs ...string) ComponentStatus {
	if errs == nil {
		errs = []string{}
	}
	return ComponentStatus{StatusCode: 500, Status: "ERROR", Errors: errs}
}

// Healthy reports whether the component is OK.
func (s ComponentStatus) Healthy() bool {
	return s.StatusCode == 200
}
