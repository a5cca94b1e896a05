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

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alexandremahdhaoui/stratus/internal/types"
	"github.com/alexandremahdhaoui/stratus/pkg/constants"
)

var errPanic = errors.New("command panicked")

// Emit receives every envelope produced by a command, in order.
type Emit func(types.Envelope)

// Dispatcher routes requests to the Orchestrator, one at a time, and turns
// every outcome into envelopes.
type Dispatcher struct {
	mu      sync.Mutex
	orch    *Orchestrator
	metrics *Metrics
}

// NewDispatcher returns a Dispatcher. A nil metrics is replaced by
// unregistered metrics.
func NewDispatcher(orch *Orchestrator, metrics *Metrics) *Dispatcher {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}

	return &Dispatcher{
		orch:    orch,
		metrics: metrics,
	}
}

// Dispatch processes req to completion. Each successful phase is emitted as a
// success envelope; a failure ends the command with one error envelope.
// Dispatch never panics.
func (d *Dispatcher) Dispatch(ctx context.Context, req types.Request, emit Emit) {
	requestID, ok := RequestID(ctx)
	if !ok {
		requestID = uuid.NewString()
		ctx = WithRequestID(ctx, requestID)
	}

	d.metrics.inFlight.Inc()
	defer d.metrics.inFlight.Dec()

	d.mu.Lock()
	defer d.mu.Unlock()

	start := time.Now()
	slog.InfoContext(ctx, "processing command", "command", req.Command, "requestID", requestID)

	err := d.run(ctx, req, func(response any) {
		emit(types.Success(response))
	})

	d.metrics.observe(req.Command.String(), err, time.Since(start))

	if err != nil {
		slog.ErrorContext(ctx, "command failed",
			"command", req.Command,
			"requestID", requestID,
			"kind", types.KindOf(err),
			"err", err,
		)
		emit(types.Failure(err))
		return
	}

	slog.InfoContext(ctx, "command succeeded",
		"command", req.Command,
		"requestID", requestID,
		"duration", time.Since(start),
	)
}

// Collect dispatches req and returns every envelope it produced.
func (d *Dispatcher) Collect(ctx context.Context, req types.Request) []types.Envelope {
	var out []types.Envelope
	d.Dispatch(ctx, req, func(e types.Envelope) {
		out = append(out, e)
	})
	return out
}

func (d *Dispatcher) run(ctx context.Context, req types.Request, sink Sink) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Join(fmt.Errorf("%w: %v", errPanic, r), types.ErrInternal)
		}
	}()

	switch req.Command {
	case types.CommandListVMs:
		return d.orch.ListVMs(ctx, sink)
	case types.CommandVMInfo:
		var opts types.VMRef
		if err := req.DecodeOptions(&opts); err != nil {
			return err
		}
		return d.orch.VMInfo(ctx, opts, sink)
	case types.CommandCreateVM:
		var opts types.CreateVMOptions
		if err := req.DecodeOptions(&opts); err != nil {
			return err
		}
		return d.orch.CreateVM(ctx, opts, sink)
	case types.CommandStartVM:
		var opts types.VMRef
		if err := req.DecodeOptions(&opts); err != nil {
			return err
		}
		return d.orch.StartVM(ctx, opts, sink)
	case types.CommandStopVM:
		var opts types.StopVMOptions
		if err := req.DecodeOptions(&opts); err != nil {
			return err
		}
		return d.orch.StopVM(ctx, opts, sink)
	case types.CommandDeleteVM:
		var opts types.VMRef
		if err := req.DecodeOptions(&opts); err != nil {
			return err
		}
		return d.orch.DeleteVM(ctx, opts, sink)
	case types.CommandListVPNs:
		return d.orch.ListVPNs(ctx, sink)
	case types.CommandVPNInfo:
		var opts types.VPNRef
		if err := req.DecodeOptions(&opts); err != nil {
			return err
		}
		return d.orch.VPNInfo(ctx, opts, sink)
	case types.CommandListOrphans:
		return d.orch.ListOrphans(ctx, sink)
	default:
		return errors.Join(fmt.Errorf("%w: %s", types.ErrUnknownCommand, req.Command), types.ErrValidation)
	}
}

// WithRequestID returns a copy of ctx carrying the correlation id of a
// command.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, constants.RequestIDContextKey, id)
}

// RequestID returns the correlation id carried by ctx.
func RequestID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(constants.RequestIDContextKey).(string)
	return id, ok && id != ""
}
