package signer

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v3"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/JiscSD/keylink-relay/message"
)

// DefaultRemoteEndpoint is where the signing server listens by default.
const DefaultRemoteEndpoint = "http://localhost:9080/signing/api/v2/"

// Remote is a Signer that delegates to a signing server over HTTP.
type Remote struct {
	logger     logrus.FieldLogger
	baseURL    *url.URL
	client     *http.Client
	userAgent  string
	newBackOff func() backoff.BackOff
}

var _ Signer = (*Remote)(nil)

func NewRemote(logger logrus.FieldLogger, baseURL, userAgent string) (*Remote, error) {
	if !strings.HasSuffix(baseURL, "/") {
		baseURL = baseURL + "/"
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, errors.Wrapf(err, "error processing signing server URL (%q)", baseURL)
	}

	const (
		dialTimeout      = 5 * time.Second
		handshakeTimeout = 5 * time.Second
		timeout          = 30 * time.Second
	)
	r := &Remote{
		logger:    logger,
		baseURL:   u,
		userAgent: userAgent,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				DialContext:         (&net.Dialer{Timeout: dialTimeout}).DialContext,
				TLSHandshakeTimeout: handshakeTimeout,
			},
		},
		newBackOff: func() backoff.BackOff {
			return &backoff.ExponentialBackOff{
				InitialInterval:     250 * time.Millisecond,
				RandomizationFactor: 0.5,
				Multiplier:          1.5,
				MaxInterval:         5 * time.Second,
				MaxElapsedTime:      30 * time.Second,
				Clock:               backoff.SystemClock,
			}
		},
	}

	return r, nil
}

// statusError is returned for responses that are not retried.
type statusError struct {
	code int
	body string
}

func (e statusError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("%d %s", e.code, http.StatusText(e.code))
	}
	return fmt.Sprintf("%d %s: %s", e.code, http.StatusText(e.code), e.body)
}

// healthCheckTimeout bounds a status check, which is never retried.
const healthCheckTimeout = 5 * time.Second

// request delivers the HTTP request with exponential backoff. Client errors
// are not retried.
func (r *Remote) request(ctx context.Context, method, urlStr string, requestPayload interface{}) (*http.Response, error) {
	return r.do(ctx, r.newBackOff(), method, urlStr, requestPayload)
}

func (r *Remote) do(ctx context.Context, b backoff.BackOff, method, urlStr string, requestPayload interface{}) (*http.Response, error) {
	var body []byte
	if requestPayload != nil {
		var err error
		if body, err = json.Marshal(requestPayload); err != nil {
			return nil, errors.Wrap(err, "error encoding the request")
		}
	}

	rel, err := url.Parse(urlStr)
	if err != nil {
		return nil, errors.Wrap(err, "error parsing the URL string")
	}
	dest := r.baseURL.ResolveReference(rel)

	var resp *http.Response
	err = backoff.Retry(
		func() error {
			req, err := http.NewRequestWithContext(ctx, method, dest.String(), bytes.NewReader(body))
			if err != nil {
				return backoff.Permanent(errors.Wrap(err, "error creating request"))
			}
			const mediaTypeJSON = "application/json"
			req.Header.Add("Content-Type", mediaTypeJSON)
			req.Header.Add("Accept", mediaTypeJSON)
			req.Header.Add("User-Agent", r.userAgent)

			resp, err = r.client.Do(req)
			if err != nil {
				r.logger.WithError(err).Debug("Signing server request failed")
				return err
			}
			switch {
			case resp.StatusCode >= 400 && resp.StatusCode < 500:
				msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
				resp.Body.Close()
				return backoff.Permanent(statusError{code: resp.StatusCode, body: strings.TrimSpace(string(msg))})
			case resp.StatusCode >= 500:
				resp.Body.Close()
				return statusError{code: resp.StatusCode}
			}
			return nil
		},
		backoff.WithContext(b, ctx),
	)
	if err != nil {
		return nil, err
	}

	return resp, nil
}

func (r *Remote) decodeResponse(body io.ReadCloser, responsePayload interface{}) (err error) {
	defer func() {
		if rerr := body.Close(); rerr != nil && err == nil {
			err = errors.Wrap(rerr, "error closing the response body")
		}
	}()

	if responsePayload == nil {
		return nil
	}

	if err = json.NewDecoder(body).Decode(responsePayload); err != nil {
		err = errors.Wrap(err, "error decoding the response payload")
	}

	return err
}

type signRequest struct {
	KeyID     string            `json:"key_id"`
	Algorithm message.Algorithm `json:"algorithm"`
	Data      string            `json:"data"`
}

type signResponse struct {
	Signature string `json:"signature"`
}

// Sign implements Signer. The server rejects a key of another algorithm
// with 409 Conflict.
func (r *Remote) Sign(ctx context.Context, keyID string, alg message.Algorithm, data []byte) ([]byte, error) {
	resp, err := r.request(ctx, http.MethodPost, "sign", &signRequest{KeyID: keyID, Algorithm: alg, Data: hex.EncodeToString(data)})
	if err != nil {
		if se, ok := err.(statusError); ok {
			switch se.code {
			case http.StatusNotFound:
				err = errors.Wrap(ErrKeyNotFound, se.Error())
			case http.StatusConflict:
				err = errors.Wrap(ErrAlgorithmMismatch, se.Error())
			}
		}
		return nil, &SigningError{Op: "sign", KeyID: keyID, Err: err}
	}
	payload := &signResponse{}
	if err := r.decodeResponse(resp.Body, payload); err != nil {
		return nil, &SigningError{Op: "sign", KeyID: keyID, Err: err}
	}
	sig, err := hex.DecodeString(payload.Signature)
	if err != nil {
		return nil, &SigningError{Op: "sign", KeyID: keyID, Err: errors.Wrap(err, "error decoding signature")}
	}
	return sig, nil
}

type keysResponse struct {
	Keys []KeyHandle `json:"keys"`
}

// ListKeys implements Signer.
func (r *Remote) ListKeys(ctx context.Context, alg message.Algorithm) ([]KeyHandle, error) {
	q := url.Values{"algorithm": []string{string(alg)}}
	resp, err := r.request(ctx, http.MethodGet, "keys?"+q.Encode(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "error listing keys")
	}
	payload := &keysResponse{}
	if err := r.decodeResponse(resp.Body, payload); err != nil {
		return nil, err
	}
	if payload.Keys == nil {
		payload.Keys = []KeyHandle{}
	}
	return payload.Keys, nil
}

type generateKeyRequest struct {
	Algorithm message.Algorithm `json:"algorithm"`
}

// GenerateKey implements Signer.
func (r *Remote) GenerateKey(ctx context.Context, alg message.Algorithm) (KeyHandle, error) {
	resp, err := r.request(ctx, http.MethodPost, "keys", &generateKeyRequest{Algorithm: alg})
	if err != nil {
		return KeyHandle{}, errors.Wrap(err, "error generating key")
	}
	key := KeyHandle{}
	if err := r.decodeResponse(resp.Body, &key); err != nil {
		return KeyHandle{}, err
	}
	return key, nil
}

// HealthCheck implements Signer. A 2xx response without a JSON status
// document is reported as OK.
func (r *Remote) HealthCheck(ctx context.Context) message.ComponentStatus {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()
	resp, err := r.do(ctx, &backoff.StopBackOff{}, http.MethodGet, "status", nil)
	if err != nil {
		r.logger.WithError(err).Info("Signing server status check failed")
		return message.StatusError(fmt.Sprintf("signing server unavailable: %v", err))
	}
	blob, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return message.StatusError(fmt.Sprintf("signing server status unreadable: %v", err))
	}
	status := message.ComponentStatus{}
	if err := json.Unmarshal(blob, &status); err != nil || status.Status == "" {
		return message.StatusOK()
	}
	if status.Errors == nil {
		status.Errors = []string{}
	}
	return status
}
