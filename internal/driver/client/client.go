/*
Copyright 2024 Alexandre Mahdhaoui

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/alexandremahdhaoui/stratus/internal/types"
	"github.com/alexandremahdhaoui/stratus/internal/util/httputil"
	"github.com/alexandremahdhaoui/stratus/pkg/constants"
)

const commandPath = "/command"

var (
	ErrRequest       = errors.New("cannot send command")
	ErrUnexpectedAPI = errors.New("unexpected API response")
	ErrDecodeStream  = errors.New("cannot decode envelope stream")
)

// Client sends raw commands to the stratusd API and reads back the stream of
// envelopes.
type Client struct {
	baseURL string
	http    *http.Client
}

// New returns a Client for addr, which is either "unix:<path>", "host:port"
// or a full http(s) URL.
func New(addr string) *Client {
	if path, ok := strings.CutPrefix(addr, httputil.UnixPrefix); ok {
		transport := &http.Transport{ //nolint:exhaustruct
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", path)
			},
		}

		return &Client{
			baseURL: "http://stratusd",
			http:    &http.Client{Transport: transport}, //nolint:exhaustruct
		}
	}

	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}

	return &Client{
		baseURL: strings.TrimSuffix(addr, "/"),
		http:    http.DefaultClient,
	}
}

// Do sends req and calls fn with every envelope as it arrives. It returns the
// request id the server correlated the command with.
func (c *Client) Do(ctx context.Context, req types.Request, fn func(types.Envelope) error) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrRequest, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+commandPath, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrRequest, err)
	}

	requestID := uuid.NewString()
	httpReq.Header.Set("Content-Type", httputil.ContentTypeJSON)
	httpReq.Header.Set(constants.RequestIDHeader, requestID)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return requestID, fmt.Errorf("%w: %w", ErrRequest, err)
	}
	defer resp.Body.Close()

	if id := resp.Header.Get(constants.RequestIDHeader); id != "" {
		requestID = id
	}

	// Requests rejected before dispatch carry a single JSON envelope.
	if resp.StatusCode != http.StatusOK {
		var e types.Envelope
		if err := json.NewDecoder(resp.Body).Decode(&e); err != nil {
			return requestID, fmt.Errorf("%w: status %d", ErrUnexpectedAPI, resp.StatusCode)
		}
		return requestID, fn(e)
	}

	dec := json.NewDecoder(resp.Body)
	for {
		var e types.Envelope
		if err := dec.Decode(&e); err != nil {
			if errors.Is(err, io.EOF) {
				return requestID, nil
			}
			return requestID, fmt.Errorf("%w: %w", ErrDecodeStream, err)
		}

		if err := fn(e); err != nil {
			return requestID, err
		}
	}
}
