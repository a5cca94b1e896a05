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

package types

import "errors"

// Failure categories. Every error leaving the orchestrator is joined with
// exactly one of them.
var (
	ErrValidation        = errors.New("validation error")
	ErrNotFound          = errors.New("not found")
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrTransport         = errors.New("transport error")
	ErrUnderlyingTool    = errors.New("underlying tool error")
	ErrInternal          = errors.New("internal error")
)

// ErrorKind names a failure category.
type ErrorKind string

const (
	KindValidation        ErrorKind = "validation"
	KindNotFound          ErrorKind = "not-found"
	KindResourceExhausted ErrorKind = "resource-exhausted"
	KindTransport         ErrorKind = "transport"
	KindUnderlyingTool    ErrorKind = "underlying-tool"
	KindInternal          ErrorKind = "internal"
)

var errorKinds = []struct {
	err  error
	kind ErrorKind
}{
	{ErrValidation, KindValidation},
	{ErrNotFound, KindNotFound},
	{ErrResourceExhausted, KindResourceExhausted},
	{ErrTransport, KindTransport},
	{ErrUnderlyingTool, KindUnderlyingTool},
}

// KindOf returns the category of err. Uncategorized errors are internal.
func KindOf(err error) ErrorKind {
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindInternal
}
