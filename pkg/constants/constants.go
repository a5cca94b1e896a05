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

package constants

type contextKey string

const (
	// ServerNameContextKey holds the name of the HTTP server handling a request.
	ServerNameContextKey contextKey = "server_name"
	// RequestIDContextKey holds the correlation id of a command.
	RequestIDContextKey contextKey = "request_id"
)

const (
	// RequestIDHeader carries the correlation id of a command over HTTP.
	RequestIDHeader = "X-Request-Id"

	// MetricsNamespace prefixes every exported metric.
	MetricsNamespace = "stratus"

	// EnvPrefix prefixes every environment variable read by the daemon.
	EnvPrefix = "STRATUS_"
)
