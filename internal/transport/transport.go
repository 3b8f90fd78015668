// Package transport posts JSON documents to the collector.
package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// maxResponseBytes caps how much of a collector response is read
const maxResponseBytes = 1 << 20

// Response is the collector reply. Body is nil when the reply was not a JSON
// object; Raw always holds the text that was read.
type Response struct {
	StatusCode int
	Body       map[string]any
	Raw        string
}

// OK reports a 2xx status
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Poster sends a JSON payload to a URL
type Poster interface {
	PostJSON(ctx context.Context, url string, payload any) (*Response, error)
}

// Client is the HTTP implementation of Poster
type Client struct {
	client *http.Client
}

// New creates a client whose requests are bounded by timeout
func New(timeout time.Duration, tlsSkipVerify bool) *Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout: timeout,
		}).DialContext,
		TLSHandshakeTimeout:   timeout,
		ResponseHeaderTimeout: timeout,
	}
	if tlsSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &Client{
		client: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
	}
}

// HTTPClient exposes the underlying client, e.g. for request interception in tests
func (c *Client) HTTPClient() *http.Client {
	return c.client
}

// PostJSON marshals payload, POSTs it and decodes the reply.
// A non-JSON reply is not an error: it is returned in Raw.
func (c *Client) PostJSON(ctx context.Context, url string, payload any) (*Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	out := &Response{
		StatusCode: resp.StatusCode,
		Raw:        strings.TrimSpace(string(data)),
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var parsed map[string]any
	if err := dec.Decode(&parsed); err == nil {
		out.Body = parsed
	}

	return out, nil
}
