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

// Package server exposes the command dispatcher over HTTP. Resource routes
// answer with the last envelope of a command, POST /command streams every
// envelope as newline-delimited JSON.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/alexandremahdhaoui/stratus/internal/controller"
	"github.com/alexandremahdhaoui/stratus/internal/types"
	"github.com/alexandremahdhaoui/stratus/internal/util/httputil"
)

var (
	ErrInvalidStatus = errors.New("invalid requested status")
	ErrNoResponse    = errors.New("command produced no response")
)

// Requested VM states accepted by PATCH /vm/{id}.
const (
	StatusStarted = "started"
	StatusStopped = "stopped"
)

// Dispatcher runs one command and emits its envelopes.
type Dispatcher interface {
	Dispatch(ctx context.Context, req types.Request, emit controller.Emit)
}

var _ Dispatcher = &controller.Dispatcher{}

// PatchVMBody is the body of PATCH /vm/{id}.
type PatchVMBody struct {
	Status string `json:"status"`
	Kill   bool   `json:"kill,omitempty"`
}

// New returns the API handler.
func New(d Dispatcher) http.Handler {
	s := &server{dispatcher: d}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /vm", s.listVMs)
	mux.HandleFunc("POST /vm", s.createVM)
	mux.HandleFunc("GET /vm/{id}", s.vmInfo)
	mux.HandleFunc("PATCH /vm/{id}", s.patchVM)
	mux.HandleFunc("DELETE /vm/{id}", s.deleteVM)
	mux.HandleFunc("GET /vpn", s.listVPNs)
	mux.HandleFunc("GET /vpn/{name}", s.vpnInfo)
	mux.HandleFunc("GET /orphans", s.listOrphans)
	mux.HandleFunc("POST /command", s.command)

	return RequestIDMiddleware(mux)
}

type server struct {
	dispatcher Dispatcher
}

// ---------------------------------------------------- RESOURCES --------------------------------------------------- //

func (s *server) listVMs(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r, types.CommandListVMs, nil, http.StatusOK)
}

func (s *server) vmInfo(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r, types.CommandVMInfo, types.VMRef{VMID: r.PathValue("id")}, http.StatusOK)
}

func (s *server) createVM(w http.ResponseWriter, r *http.Request) {
	var opts types.CreateVMOptions
	if err := httputil.DecodeJSON(r, &opts); err != nil {
		writeError(w, errors.Join(err, types.ErrValidation))
		return
	}

	s.respond(w, r, types.CommandCreateVM, opts, http.StatusCreated)
}

func (s *server) patchVM(w http.ResponseWriter, r *http.Request) {
	var body PatchVMBody
	if err := httputil.DecodeJSON(r, &body); err != nil {
		writeError(w, errors.Join(err, types.ErrValidation))
		return
	}

	id := r.PathValue("id")

	switch body.Status {
	case StatusStarted:
		s.respond(w, r, types.CommandStartVM, types.VMRef{VMID: id}, http.StatusOK)
	case StatusStopped:
		s.respond(w, r, types.CommandStopVM, types.StopVMOptions{VMID: id, Kill: body.Kill}, http.StatusOK)
	default:
		err := fmt.Errorf("%w: %q must be %q or %q", ErrInvalidStatus, body.Status, StatusStarted, StatusStopped)
		writeError(w, errors.Join(err, types.ErrValidation))
	}
}

func (s *server) deleteVM(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r, types.CommandDeleteVM, types.VMRef{VMID: r.PathValue("id")}, http.StatusOK)
}

func (s *server) listVPNs(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r, types.CommandListVPNs, nil, http.StatusOK)
}

func (s *server) vpnInfo(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r, types.CommandVPNInfo, types.VPNRef{Name: r.PathValue("name")}, http.StatusOK)
}

func (s *server) listOrphans(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r, types.CommandListOrphans, nil, http.StatusOK)
}

// respond dispatches a command and writes its last envelope. The command is
// not cancelled when the client disconnects.
func (s *server) respond(w http.ResponseWriter, r *http.Request, kind types.CommandKind, options any, status int) {
	req, err := types.NewRequest(kind, options)
	if err != nil {
		writeError(w, errors.Join(err, types.ErrInternal))
		return
	}

	var (
		last types.Envelope
		seen bool
	)

	s.dispatcher.Dispatch(context.WithoutCancel(r.Context()), req, func(e types.Envelope) {
		last, seen = e, true
	})

	if !seen {
		writeError(w, errors.Join(ErrNoResponse, types.ErrInternal))
		return
	}

	if last.ExecutionInfo.Status == types.ExecutionError {
		status = StatusCode(last.ExecutionInfo.Kind)
	}

	httputil.WriteJSON(w, status, last)
}

// ----------------------------------------------------- COMMAND ---------------------------------------------------- //

// command streams every envelope of a raw request.
func (s *server) command(w http.ResponseWriter, r *http.Request) {
	var req types.Request
	if err := httputil.DecodeJSON(r, &req); err != nil {
		writeError(w, errors.Join(err, types.ErrValidation))
		return
	}

	stream := httputil.NewStreamWriter(w)

	// A started command runs to completion even if the client goes away.
	s.dispatcher.Dispatch(context.WithoutCancel(r.Context()), req, func(e types.Envelope) {
		if err := stream.Write(e); err != nil {
			slog.WarnContext(r.Context(), "cannot stream envelope", "command", req.Command, "err", err)
		}
	})
}

// ----------------------------------------------------- ERRORS ----------------------------------------------------- //

// StatusCode maps an error kind to an HTTP status code.
func StatusCode(kind types.ErrorKind) int {
	switch kind {
	case types.KindValidation:
		return http.StatusBadRequest
	case types.KindNotFound:
		return http.StatusNotFound
	case types.KindResourceExhausted:
		return http.StatusConflict
	case types.KindTransport:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	e := types.Failure(err)
	httputil.WriteJSON(w, StatusCode(e.ExecutionInfo.Kind), e)
}
