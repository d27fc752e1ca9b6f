// Package api exposes the relay over HTTP: the customer-server routes used
// by the custody client and the document routes used by the exchange.
package api

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/schema"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/JiscSD/keylink-relay/message"
	"github.com/JiscSD/keylink-relay/relay"
)

// Relay is the subset of *relay.Relay served by the API.
type Relay interface {
	Mode() relay.Mode
	Submit(context.Context, message.MessagesRequest) (message.MessagesStatusResponse, error)
	PollStatus(context.Context, message.MessagesStatusRequest) (message.MessagesStatusResponse, error)
	ExportOutbound(context.Context) (message.DocumentList, error)
	ImportInbound(context.Context, message.DocumentList) ([]string, error)
	HealthStatus(context.Context) message.ComponentStatus
}

var _ Relay = (*relay.Relay)(nil)

// Server is the HTTP server of the relay.
type Server struct {
	logger    logrus.FieldLogger
	relay     Relay
	validator *message.Validator
	decoder   *schema.Decoder
	echo      *echo.Echo
	server    *http.Server
}

// New returns a Server with every route registered.
func New(logger logrus.FieldLogger, r Relay, validator *message.Validator) *Server {
	s := &Server{
		logger:    logger,
		relay:     r,
		validator: validator,
		decoder:   schema.NewDecoder(),
		echo:      echo.New(),
	}
	s.decoder.IgnoreUnknownKeys(true)

	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.HTTPErrorHandler = s.errorHandler
	s.echo.Use(middleware.Recover())
	s.echo.Use(s.logRequest)
	s.echo.Use(middleware.BodyLimit(maxBodySize))

	internal := s.echo.Group("/internal")
	internal.POST("/messagesToSign", s.messagesToSign)
	internal.POST("/messagesStatus", s.messagesStatus)
	internal.GET("/messagesStatus", s.messagesStatusQuery)

	docs := s.echo.Group("/api/:mode/v1alpha1", s.requireMode)
	docs.GET("/documents", s.exportDocuments)
	docs.POST("/documents", s.importDocuments)
	docs.GET("/status", s.status)

	s.server = &http.Server{
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// Handler returns the router, mostly useful in tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Serve accepts connections on ln until Shutdown is called.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.WithField("addr", ln.Addr().String()).Info("API server listening")
	err := s.server.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) logRequest(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		if err != nil {
			c.Error(err)
		}
		s.logger.WithFields(logrus.Fields{
			"method":   c.Request().Method,
			"path":     c.Request().URL.Path,
			"status":   c.Response().Status,
			"duration": time.Since(start).String(),
		}).Debug("Request served")
		return nil
	}
}

// requireMode hides the document routes whose mode segment does not name
// the mode of the relay.
func (s *Server) requireMode(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if c.Param("mode") != s.relay.Mode().String() {
			return echo.ErrNotFound
		}
		return next(c)
	}
}
