package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/JiscSD/keylink-relay/api"
	"github.com/JiscSD/keylink-relay/message"
	"github.com/JiscSD/keylink-relay/relay"
	"github.com/JiscSD/keylink-relay/signer"
)

var flagDebug = flag.Bool("debug", false, "")

func logger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	if *flagDebug {
		l.SetOutput(logrus.StandardLogger().Out)
		l.SetLevel(logrus.DebugLevel)
	}
	return l
}

// node is one side of the relay served over HTTP.
type node struct {
	t      *testing.T
	relay  *relay.Relay
	server *httptest.Server
	prefix string
}

func newNode(t *testing.T, mode relay.Mode, s signer.Signer) *node {
	t.Helper()

	l := logger().WithField("mode", mode.String())
	validator, err := message.NewValidator()
	require.NoError(t, err)

	r, err := relay.New(l,
		relay.Config{Mode: mode}, s,
		relay.NewLedger(), relay.NewOrchestrator(l, s, time.Second),
		validator, nil)
	require.NoError(t, err)

	srv := httptest.NewServer(api.New(l, r, validator).Handler())
	t.Cleanup(srv.Close)

	return &node{
		t:      t,
		relay:  r,
		server: srv,
		prefix: "/api/" + mode.String() + "/v1alpha1",
	}
}

func (n *node) do(method, path string, in, out interface{}) int {
	n.t.Helper()

	var body io.Reader
	if in != nil {
		blob, err := json.Marshal(in)
		require.NoError(n.t, err)
		body = bytes.NewReader(blob)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, n.server.URL+path, body)
	require.NoError(n.t, err)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := n.server.Client().Do(req)
	require.NoError(n.t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(n.t, json.NewDecoder(resp.Body).Decode(out), "%s %s", method, path)
	}
	return resp.StatusCode
}

func (n *node) submit(envs ...message.MessageEnvelope) message.MessagesStatusResponse {
	n.t.Helper()

	resp := message.MessagesStatusResponse{}
	code := n.do(http.MethodPost, "/internal/messagesToSign", message.MessagesRequest{Messages: envs}, &resp)
	require.Equal(n.t, http.StatusOK, code)
	return resp
}

func (n *node) poll(envs ...message.MessageEnvelope) message.MessagesStatusResponse {
	n.t.Helper()

	req := message.MessagesStatusRequest{}
	for _, env := range envs {
		req.RequestsIDs = append(req.RequestsIDs, env.RequestID())
	}
	resp := message.MessagesStatusResponse{}
	code := n.do(http.MethodPost, "/internal/messagesStatus", req, &resp)
	require.Equal(n.t, http.StatusOK, code)
	return resp
}

func (n *node) export() message.DocumentList {
	n.t.Helper()

	list := message.DocumentList{}
	code := n.do(http.MethodGet, n.prefix+"/documents", nil, &list)
	require.Equal(n.t, http.StatusOK, code)
	return list
}

func (n *node) importDocuments(list message.DocumentList) []string {
	n.t.Helper()

	var ack []string
	code := n.do(http.MethodPost, n.prefix+"/documents", list, &ack)
	require.Equal(n.t, http.StatusOK, code)
	return ack
}

func (n *node) status() message.ComponentStatus {
	n.t.Helper()

	s := message.ComponentStatus{}
	code := n.do(http.MethodGet, n.prefix+"/status", nil, &s)
	require.Equal(n.t, http.StatusOK, code)
	return s
}

// carry moves the outbound documents of one node into the other, the job
// of the operator in an air-gapped deployment.
func carry(t *testing.T, from, to *node) int {
	t.Helper()

	list := from.export()
	if list.Count == 0 {
		return 0
	}
	to.importDocuments(list)
	return list.Count
}
