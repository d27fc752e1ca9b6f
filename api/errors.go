package api

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/JiscSD/keylink-relay/message"
	"github.com/JiscSD/keylink-relay/relay"
)

// Error codes returned in message.Error.
const (
	CodeValidation  = "VALIDATION_ERROR"
	CodeUnsupported = "UNSUPPORTED_REQUEST_TYPE"
	CodeNotFound    = "NOT_FOUND"
	CodeRequest     = "REQUEST_ERROR"
	CodeInternal    = "INTERNAL_ERROR"
)

// errorHandler renders every error as a message.Error.
func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	code, body := s.errorResponse(err)
	if code >= http.StatusInternalServerError {
		s.logger.WithError(err).WithField("path", c.Request().URL.Path).Error("Request failed")
	} else {
		s.logger.WithError(err).WithField("path", c.Request().URL.Path).Debug("Request rejected")
	}

	if c.Request().Method == http.MethodHead {
		err = c.NoContent(code)
	} else {
		err = writeJSON(c, code, body)
	}
	if err != nil {
		s.logger.WithError(err).Warn("Error response could not be written")
	}
}

func (s *Server) errorResponse(err error) (int, message.Error) {
	var (
		verr  message.ValidationError
		herr  *echo.HTTPError
		cause = errors.Cause(err)
	)
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest, message.Error{
			Code:    CodeValidation,
			Message: "the request is not valid",
			Errors:  verr.Errors,
		}
	case errors.Is(err, message.ErrUnsupportedRequestType):
		return http.StatusBadRequest, message.Error{Code: CodeUnsupported, Message: err.Error()}
	case errors.Is(err, relay.ErrUnsupportedOperation):
		return http.StatusNotFound, message.Error{Code: CodeNotFound, Message: err.Error()}
	case errors.As(err, &herr):
		code := CodeRequest
		switch {
		case herr.Code == http.StatusNotFound:
			code = CodeNotFound
		case herr.Code >= http.StatusInternalServerError:
			code = CodeInternal
		}
		return herr.Code, message.Error{Code: code, Message: http.StatusText(herr.Code)}
	case cause == context.Canceled:
		return http.StatusServiceUnavailable, message.Error{Code: CodeInternal, Message: "request cancelled"}
	}
	return http.StatusInternalServerError, message.Error{Code: CodeInternal, Message: http.StatusText(http.StatusInternalServerError)}
}
