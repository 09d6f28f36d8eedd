// Package client is a small JSON-over-HTTP collaborator. Every call is timed
// with an "http" instrument timer and every failure is mapped into the apperr
// taxonomy, so callers can route it through a classification chain.
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/stevemurr/docmodel/apperr"
	"github.com/stevemurr/docmodel/instrument"
)

// TimerType is the instrument type of client calls.
const TimerType = "http"

const defaultTimeout = 30 * time.Second

// Client issues JSON requests.
type Client struct {
	http   *http.Client
	sink   instrument.Sink
	logger *zap.Logger
	header http.Header
}

type Option func(*Client)

// WithHTTPClient replaces the underlying client, including its timeout.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTimeout bounds every call.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

// WithSink receives the timer record of every call.
func WithSink(sink instrument.Sink) Option {
	return func(c *Client) { c.sink = sink }
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithHeader adds a header to every request.
func WithHeader(key, value string) Option {
	return func(c *Client) { c.header.Add(key, value) }
}

func New(opts ...Option) *Client {
	c := &Client{
		http:   &http.Client{Timeout: defaultTimeout},
		logger: zap.NewNop(),
		header: http.Header{},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Get requests rawURL with params added to its query and decodes the JSON
// response into out. out may be nil.
func (c *Client) Get(ctx context.Context, rawURL string, params map[string]string, out any) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return apperr.InvalidData(apperr.Failure{Message: err.Error(), Path: "url", Type: "invalid"})
	}
	if len(params) > 0 {
		q := u.Query()
		for k, v := range params {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}
	return c.do(ctx, http.MethodGet, u.String(), params, nil, out)
}

// Post sends body as JSON to rawURL and decodes the JSON response into out.
// body and out may be nil.
func (c *Client) Post(ctx context.Context, rawURL string, body any, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return apperr.InvalidData(apperr.Failure{Message: err.Error(), Path: "body", Type: "invalid"})
		}
	}
	return c.do(ctx, http.MethodPost, rawURL, body, payload, out)
}

func (c *Client) do(ctx context.Context, method, rawURL string, shown any, payload []byte, out any) error {
	t := instrument.Start(TimerType, map[string]string{
		http.MethodGet:  "get",
		http.MethodPost: "post",
	}[method]).OnStop(instrument.Multi(c.sink, instrument.SinkFromContext(ctx)))
	t.SetMessage(map[string]any{"url": rawURL, "body": shown})

	err := c.roundTrip(ctx, method, rawURL, payload, out)
	if err != nil {
		t.Error(err)
		c.logger.Debug("request failed", zap.String("method", method), zap.String("url", rawURL), zap.Error(err))
		return err
	}
	t.Stop()
	return nil
}

func (c *Client) roundTrip(ctx context.Context, method, rawURL string, payload []byte, out any) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return apperr.InvalidData(apperr.Failure{Message: err.Error(), Path: "url", Type: "invalid"})
	}
	for k, vs := range c.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if te := apperr.FromTransport(err); te != nil {
			return te
		}
		return apperr.Transport(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperr.Ensure(err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp.StatusCode, data)
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return apperr.Transport(fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// envelope is the error body written by the handler package.
type envelope struct {
	Error *apperr.Error `json:"error"`
}

// decodeError reads an error envelope. Bodies without one are classified by
// status code.
func decodeError(status int, data []byte) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err == nil && env.Error != nil && env.Error.Code() != "" {
		return env.Error
	}
	msg := fmt.Sprintf("unexpected status %d", status)
	switch status {
	case http.StatusNotFound:
		return apperr.NotFound(msg)
	case http.StatusForbidden, http.StatusUnauthorized:
		return apperr.Forbidden(msg)
	case http.StatusConflict:
		return apperr.New(apperr.CodeAlreadyExists, msg)
	case http.StatusUnprocessableEntity, http.StatusBadRequest:
		return apperr.New(apperr.CodeInvalidData, msg)
	case http.StatusNotImplemented:
		return apperr.New(apperr.CodeNotSupported, msg)
	case http.StatusGatewayTimeout:
		return apperr.New(apperr.CodeTimeout, msg)
	}
	return apperr.New(apperr.CodeTransport, msg)
}
