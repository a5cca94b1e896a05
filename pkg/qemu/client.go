// Copyright 2024 Alexandre Mahdhaoui
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package qemu talks to the control sockets every running VM exposes: the QEMU
// Machine Protocol (QMP) monitor and the QEMU Guest Agent (QGA). Both speak
// one CRLF-terminated JSON object per line.
package qemu

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"os"
	"time"
)

var (
	ErrUnreachable       = errors.New("qemu control channel unreachable")
	ErrConnectionRefused = errors.New("qemu control channel refused connection")
	ErrCommandFailed     = errors.New("qemu command failed")
	ErrMalformedResponse = errors.New("malformed qemu response")
	ErrUnknownProtocol   = errors.New("unknown qemu protocol")
	ErrHandshakeMismatch = errors.New("qemu guest agent sync mismatch")
)

// guestSyncMaxDiscarded bounds the stale lines discarded while waiting for a
// guest-sync reply.
const guestSyncMaxDiscarded = 64

// flushByte makes the guest agent drop partial JSON left by a previous client.
const flushByte = 0xFF

// Protocol selects the handshake performed after connecting.
type Protocol int

const (
	// QMP is the monitor protocol: the server greets, the client negotiates
	// capabilities.
	QMP Protocol = iota
	// QGA is the guest agent protocol: the client flushes and synchronises.
	QGA
)

func (p Protocol) String() string {
	switch p {
	case QMP:
		return "qmp"
	case QGA:
		return "qga"
	default:
		return fmt.Sprintf("Protocol(%d)", int(p))
	}
}

// CommandError is returned when the remote end answers with an error object.
type CommandError struct {
	Command string
	Class   string
	Desc    string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s: %s: %s: %s", ErrCommandFailed, e.Command, e.Class, e.Desc)
}

// Is makes CommandError match ErrCommandFailed.
func (e *CommandError) Is(target error) bool {
	return target == ErrCommandFailed
}

// ---- OPTIONS ---- //

type Option func(*Client)

// WithTimeout bounds every read from the socket. Zero means no deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// ---- CLIENT ---- //

// Client is a connected, initialised control channel. A Client is not safe for
// concurrent use.
type Client struct {
	conn     net.Conn
	reader   *bufio.Reader
	protocol Protocol
	timeout  time.Duration
}

type request struct {
	Execute   string `json:"execute"`
	Arguments any    `json:"arguments,omitempty"`
}

type response struct {
	Return json.RawMessage `json:"return"`
	Error  *struct {
		Class string `json:"class"`
		Desc  string `json:"desc"`
	} `json:"error"`
	Event json.RawMessage `json:"event"`
}

// Dial connects to socket and performs the handshake of protocol.
func Dial(ctx context.Context, socket string, protocol Protocol, opts ...Option) (*Client, error) {
	if protocol != QMP && protocol != QGA {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProtocol, protocol)
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socket)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrConnectionRefused, socket, err)
	}

	c := &Client{
		conn:     conn,
		reader:   bufio.NewReader(conn),
		protocol: protocol,
	}
	for _, opt := range opts {
		opt(c)
	}

	var initErr error
	switch protocol {
	case QMP:
		initErr = c.initMonitor(ctx)
	case QGA:
		initErr = c.initGuestAgent(ctx)
	}
	if initErr != nil {
		_ = conn.Close()
		return nil, initErr
	}

	return c, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Execute sends command with optional arguments and returns the "return"
// member of the reply. Asynchronous events received meanwhile are skipped.
func (c *Client) Execute(ctx context.Context, command string, args any) (json.RawMessage, error) {
	if err := c.send(ctx, command, args); err != nil {
		return nil, err
	}

	for {
		resp, err := c.readResponse(ctx)
		if err != nil {
			return nil, err
		}

		if resp.Event != nil {
			slog.DebugContext(ctx, "skipping qemu event", "protocol", c.protocol.String(), "event", string(resp.Event))
			continue
		}

		if resp.Error != nil {
			return nil, &CommandError{Command: command, Class: resp.Error.Class, Desc: resp.Error.Desc}
		}

		if resp.Return == nil {
			return nil, fmt.Errorf("%w: %s: missing return", ErrMalformedResponse, command)
		}

		return resp.Return, nil
	}
}

func (c *Client) initMonitor(ctx context.Context) error {
	// the greeting advertises capabilities nobody negotiates
	if _, err := c.readLine(ctx); err != nil {
		return err
	}

	_, err := c.Execute(ctx, "qmp_capabilities", nil)
	return err
}

func (c *Client) initGuestAgent(ctx context.Context) error {
	if err := c.write([]byte{flushByte}); err != nil {
		return err
	}

	nonce := 100000 + rand.IntN(900000)
	if err := c.send(ctx, "guest-sync", map[string]int{"id": nonce}); err != nil {
		return err
	}

	// the flush byte may yield an error reply and a previous client may have
	// left responses queued: discard everything until the nonce comes back.
	for range guestSyncMaxDiscarded {
		line, err := c.readLine(ctx)
		if err != nil {
			return err
		}

		var resp response
		if err := json.Unmarshal(line, &resp); err != nil {
			continue
		}

		var got int
		if resp.Return != nil && json.Unmarshal(resp.Return, &got) == nil && got == nonce {
			return nil
		}

		slog.DebugContext(ctx, "discarding stale guest agent line", "line", string(line))
	}

	return fmt.Errorf("%w: nonce %d never returned", ErrHandshakeMismatch, nonce)
}

func (c *Client) send(ctx context.Context, command string, args any) error {
	b, err := json.Marshal(request{Execute: command, Arguments: args})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}

	slog.DebugContext(ctx, "sending qemu command", "protocol", c.protocol.String(), "message", string(b))

	return c.write(append(b, '\r', '\n'))
}

func (c *Client) write(b []byte) error {
	if c.timeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
			return fmt.Errorf("%w: %w", ErrUnreachable, err)
		}
	}

	if _, err := c.conn.Write(b); err != nil {
		return fmt.Errorf("%w: %w", ErrUnreachable, err)
	}

	return nil
}

func (c *Client) readResponse(ctx context.Context) (response, error) {
	line, err := c.readLine(ctx)
	if err != nil {
		return response{}, err
	}

	var resp response
	if err := json.Unmarshal(line, &resp); err != nil {
		return response{}, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}

	return resp, nil
}

func (c *Client) readLine(ctx context.Context) ([]byte, error) {
	if c.timeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrUnreachable, err)
		}
	}

	line, err := c.reader.ReadBytes('\n')
	if err != nil {
		switch {
		case errors.Is(err, os.ErrDeadlineExceeded):
			return nil, fmt.Errorf("%w: no response within %s; is the QMP server or guest agent running?",
				ErrUnreachable, c.timeout)
		case errors.Is(err, io.EOF):
			return nil, fmt.Errorf("%w: connection closed", ErrUnreachable)
		default:
			return nil, fmt.Errorf("%w: %w", ErrUnreachable, err)
		}
	}

	slog.DebugContext(ctx, "received qemu message", "protocol", c.protocol.String(), "message", string(line))

	return line, nil
}
