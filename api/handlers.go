package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/JiscSD/keylink-relay/message"
)

// Request bodies are small JSON documents. The body limit middleware
// answers 413 to anything larger.
const maxBodySize = "32M"

func (s *Server) messagesToSign(c echo.Context) error {
	body, err := readBody(c)
	if err != nil {
		return err
	}
	req, err := s.validator.DecodeMessagesRequest(body)
	if err != nil {
		return err
	}
	resp, err := s.relay.Submit(c.Request().Context(), *req)
	if err != nil {
		return err
	}
	return writeJSON(c, http.StatusOK, resp)
}

func (s *Server) messagesStatus(c echo.Context) error {
	body, err := readBody(c)
	if err != nil {
		return err
	}
	req, err := s.validator.DecodeStatusRequest(body)
	if err != nil {
		return err
	}
	resp, err := s.relay.PollStatus(c.Request().Context(), *req)
	if err != nil {
		return err
	}
	return writeJSON(c, http.StatusOK, resp)
}

type statusQuery struct {
	RequestsIDs []string `schema:"requestsIds"`
}

// messagesStatusQuery accepts the request ids as repeated or comma-separated
// requestsIds query parameters.
func (s *Server) messagesStatusQuery(c echo.Context) error {
	q := statusQuery{}
	if err := s.decoder.Decode(&q, c.QueryParams()); err != nil {
		return message.ValidationError{Errors: []message.ValidationErrorDetail{
			{Message: err.Error(), Path: "requestsIds"},
		}}
	}
	req := message.MessagesStatusRequest{RequestsIDs: []uuid.UUID{}}
	verr := message.ValidationError{}
	n := 0
	for _, param := range q.RequestsIDs {
		for _, item := range strings.Split(param, ",") {
			item = strings.TrimSpace(item)
			if item == "" {
				continue
			}
			id, err := uuid.Parse(item)
			if err != nil {
				verr.Errors = append(verr.Errors, message.ValidationErrorDetail{
					Message: err.Error(),
					Path:    fmt.Sprintf("requestsIds.%d", n),
				})
			}
			n++
			req.RequestsIDs = append(req.RequestsIDs, id)
		}
	}
	if len(verr.Errors) > 0 {
		return verr
	}
	resp, err := s.relay.PollStatus(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return writeJSON(c, http.StatusOK, resp)
}

func (s *Server) exportDocuments(c echo.Context) error {
	list, err := s.relay.ExportOutbound(c.Request().Context())
	if err != nil {
		return err
	}
	return writeJSON(c, http.StatusOK, list)
}

func (s *Server) importDocuments(c echo.Context) error {
	body, err := readBody(c)
	if err != nil {
		return err
	}
	list, err := s.validator.DecodeDocumentList(body)
	if err != nil {
		return err
	}
	ack, err := s.relay.ImportInbound(c.Request().Context(), *list)
	if err != nil {
		return err
	}
	return writeJSON(c, http.StatusOK, ack)
}

// status always answers 200; the health of the relay is in the body.
func (s *Server) status(c echo.Context) error {
	return writeJSON(c, http.StatusOK, s.relay.HealthStatus(c.Request().Context()))
}

func readBody(c echo.Context) ([]byte, error) {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return nil, errors.Wrap(err, "error reading request body")
	}
	return body, nil
}

// writeJSON encodes v without HTML escaping so embedded payloads are
// returned byte for byte.
func writeJSON(c echo.Context, code int, v interface{}) error {
	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return errors.Wrap(err, "error encoding response")
	}
	return c.Blob(code, echo.MIMEApplicationJSONCharsetUTF8, buf.Bytes())
}
