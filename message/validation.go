package message

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/xeipuuv/gojsonschema"
)

//go:embed schema/keylink.json
var keylinkSchema []byte

const keylinkSchemaID = "https://github.com/JiscSD/keylink-relay/schema/keylink.json"

// Schema names a definition of the embedded schema.
type Schema string

const (
	SchemaMessagesRequest       Schema = "MessagesRequest"
	SchemaMessagesStatusRequest Schema = "MessagesStatusRequest"
	SchemaMessageEnvelope       Schema = "MessageEnvelope"
	SchemaMessagePayload        Schema = "MessagePayload"
	SchemaMessageStatus         Schema = "MessageStatus"
	SchemaDocumentList          Schema = "DocumentList"
)

var schemas = []Schema{
	SchemaMessagesRequest,
	SchemaMessagesStatusRequest,
	SchemaMessageEnvelope,
	SchemaMessagePayload,
	SchemaMessageStatus,
	SchemaDocumentList,
}

// ParseSchema looks up a schema by name, case-insensitive.
func ParseSchema(name string) (Schema, error) {
	for _, s := range schemas {
		if strings.EqualFold(string(s), name) {
			return s, nil
		}
	}
	return "", errors.Errorf("unknown schema %q", name)
}

// ValidationError lists the issues found in a document.
type ValidationError struct {
	Errors []ValidationErrorDetail
}

// ValidationErrorDetail is a single issue and the path of the offending field.
type ValidationErrorDetail struct {
	Message string `json:"message"`
	Path    string `json:"path"`
}

func (err ValidationError) Error() string {
	return fmt.Sprintf("validation issues: %+v", err.Errors)
}

// Validator checks JSON documents against the embedded schema. It is safe
// for concurrent use.
type Validator struct {
	compiled map[Schema]*gojsonschema.Schema
}

// NewValidator compiles every schema.
func NewValidator() (*Validator, error) {
	v := &Validator{compiled: make(map[Schema]*gojsonschema.Schema, len(schemas))}
	for _, s := range schemas {
		sl := gojsonschema.NewSchemaLoader()
		sl.Draft = gojsonschema.Draft7
		if err := sl.AddSchemas(gojsonschema.NewBytesLoader(keylinkSchema)); err != nil {
			return nil, errors.Wrap(err, "error loading schema")
		}
		ref := fmt.Sprintf(`{"$ref": "%s#/definitions/%s"}`, keylinkSchemaID, s)
		compiled, err := sl.Compile(gojsonschema.NewStringLoader(ref))
		if err != nil {
			return nil, errors.Wrapf(err, "error compiling schema %s", s)
		}
		v.compiled[s] = compiled
	}
	return v, nil
}

// Validate returns a ValidationError when data does not conform to the
// schema. Payload strings embedded in envelopes are validated too.
func (v *Validator) Validate(s Schema, data []byte) error {
	if err := v.validate(s, data, ""); err != nil {
		return err
	}
	switch s {
	case SchemaMessagesRequest:
		req := struct {
			Messages []envelopePayload `json:"messages"`
		}{}
		if err := json.Unmarshal(data, &req); err != nil {
			return invalidJSON(err, "")
		}
		var verr ValidationError
		for i, m := range req.Messages {
			prefix := fmt.Sprintf("messages.%d.message.payload", i)
			if err := v.validatePayload(m.Message.Payload, prefix); err != nil {
				verr.Errors = append(verr.Errors, err.Errors...)
			}
		}
		if len(verr.Errors) > 0 {
			return verr
		}
	case SchemaMessageEnvelope:
		env := envelopePayload{}
		if err := json.Unmarshal(data, &env); err != nil {
			return invalidJSON(err, "")
		}
		if err := v.validatePayload(env.Message.Payload, "message.payload"); err != nil {
			return *err
		}
	}
	return nil
}

type envelopePayload struct {
	Message struct {
		Payload string `json:"payload"`
	} `json:"message"`
}

func (v *Validator) validatePayload(payload, prefix string) *ValidationError {
	err := v.validate(SchemaMessagePayload, []byte(payload), prefix)
	if err == nil {
		return nil
	}
	verr := err.(ValidationError)
	return &verr
}

func (v *Validator) validate(s Schema, data []byte, prefix string) error {
	compiled, ok := v.compiled[s]
	if !ok {
		return errors.Errorf("unknown schema %q", s)
	}
	result, err := compiled.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return invalidJSON(err, prefix)
	}
	if result.Valid() {
		return nil
	}
	verr := ValidationError{}
	for _, re := range result.Errors() {
		verr.Errors = append(verr.Errors, ValidationErrorDetail{
			Message: re.Description(),
			Path:    fieldPath(prefix, re),
		})
	}
	return verr
}

func invalidJSON(err error, prefix string) ValidationError {
	path := prefix
	if path == "" {
		path = gojsonschema.STRING_CONTEXT_ROOT
	}
	return ValidationError{Errors: []ValidationErrorDetail{
		{Message: "invalid JSON: " + err.Error(), Path: path},
	}}
}

// fieldPath returns the dotted path of the field, including the missing
// property of "required" errors.
func fieldPath(prefix string, re gojsonschema.ResultError) string {
	field := re.Field()
	if field == gojsonschema.STRING_CONTEXT_ROOT {
		field = ""
	}
	if re.Type() == "required" {
		if p, ok := re.Details()["property"].(string); ok && !strings.HasSuffix(field, p) {
			field = join(field, p)
		}
	}
	path := join(prefix, field)
	if path == "" {
		return gojsonschema.STRING_CONTEXT_ROOT
	}
	return path
}

func join(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	}
	return a + "." + b
}

// DecodeMessagesRequest validates and decodes a messagesToSign body.
func (v *Validator) DecodeMessagesRequest(data []byte) (*MessagesRequest, error) {
	req := &MessagesRequest{}
	if err := v.decode(SchemaMessagesRequest, data, req); err != nil {
		return nil, err
	}
	return req, nil
}

// DecodeStatusRequest validates and decodes a messagesStatus body.
func (v *Validator) DecodeStatusRequest(data []byte) (*MessagesStatusRequest, error) {
	req := &MessagesStatusRequest{}
	if err := v.decode(SchemaMessagesStatusRequest, data, req); err != nil {
		return nil, err
	}
	return req, nil
}

// DecodeEnvelope validates and decodes a signing request.
func (v *Validator) DecodeEnvelope(data []byte) (*MessageEnvelope, error) {
	env := &MessageEnvelope{}
	if err := v.decode(SchemaMessageEnvelope, data, env); err != nil {
		return nil, err
	}
	return env, nil
}

// DecodeStatus validates and decodes a status.
func (v *Validator) DecodeStatus(data []byte) (*MessageStatus, error) {
	status := &MessageStatus{}
	if err := v.decode(SchemaMessageStatus, data, status); err != nil {
		return nil, err
	}
	return status, nil
}

// DecodeDocumentList validates and decodes a batch of documents.
func (v *Validator) DecodeDocumentList(data []byte) (*DocumentList, error) {
	list := &DocumentList{}
	if err := v.decode(SchemaDocumentList, data, list); err != nil {
		return nil, err
	}
	return list, nil
}

func (v *Validator) decode(s Schema, data []byte, dst interface{}) error {
	if err := v.Validate(s, data); err != nil {
		return err
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return errors.Wrapf(err, "error decoding %s", s)
	}
	return nil
}
