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

package httputil

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
)

const (
	ContentTypeJSON   = "application/json"
	ContentTypeNDJSON = "application/x-ndjson"

	// DefaultMaxBodyBytes bounds request bodies read by DecodeJSON.
	DefaultMaxBodyBytes = 1 << 20
)

var ErrDecodeBody = errors.New("cannot decode request body")

// WriteJSON writes v as the JSON body of a response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", ContentTypeJSON)
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("cannot write response body", "error", err)
	}
}

// DecodeJSON decodes the body of r into out. Unknown fields and trailing data
// are rejected. An empty body leaves out untouched.
func DecodeJSON(r *http.Request, out any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, DefaultMaxBodyBytes))
	dec.DisallowUnknownFields()

	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("%w: %w", ErrDecodeBody, err)
	}

	if dec.More() {
		return fmt.Errorf("%w: unexpected data after JSON object", ErrDecodeBody)
	}

	return nil
}

// StreamWriter writes newline-delimited JSON values and flushes after each.
type StreamWriter struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	enc     *json.Encoder
	started bool
}

// NewStreamWriter returns a StreamWriter writing to w.
func NewStreamWriter(w http.ResponseWriter) *StreamWriter {
	return &StreamWriter{w: w, enc: json.NewEncoder(w)}
}

// Write sends v as one line of the stream. The status code is 200 once the
// first line is written.
func (s *StreamWriter) Write(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		s.w.Header().Set("Content-Type", ContentTypeNDJSON)
		s.w.WriteHeader(http.StatusOK)
		s.started = true
	}

	if err := s.enc.Encode(v); err != nil {
		return err
	}

	if f, ok := s.w.(http.Flusher); ok {
		f.Flush()
	}

	return nil
}
