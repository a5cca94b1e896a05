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

package server

import (
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/alexandremahdhaoui/stratus/internal/controller"
	"github.com/alexandremahdhaoui/stratus/pkg/constants"
)

// RequestIDMiddleware attaches a correlation id to every request. A client
// supplied X-Request-Id is kept, otherwise a new one is generated. The id is
// echoed in the response headers.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(constants.RequestIDHeader))
		if id == "" {
			id = uuid.NewString()
		}

		w.Header().Set(constants.RequestIDHeader, id)

		ctx := controller.WithRequestID(r.Context(), id)

		slog.DebugContext(ctx, "handling request",
			"method", r.Method,
			"path", r.URL.Path,
			"clientIP", extractClientIP(r),
			"requestID", id,
		)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// extractClientIP extracts the client IP address from the request.
// It first checks the X-Forwarded-For header, then X-Real-IP, then RemoteAddr.
func extractClientIP(r *http.Request) string {
	// first entry of X-Forwarded-For is the original client.
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	// unix socket peers have no port, or no address at all.
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return ip
}
