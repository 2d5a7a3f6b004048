// Gateway error taxonomy and client-visible error rendering.
//
// DESIGN: Every failure that reaches the client is one of these types. The
// status code comes from the type; the message is always generic so upstream
// bodies, credentials and internal error text never leak. Bodies are rendered
// in the wire format the client speaks.
package gateway

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/izzoa/ccproxy-api-sub002/internal/adapters"
	"github.com/izzoa/ccproxy-api-sub002/internal/upstream"
)

// ParseError reports a client or upstream body that could not be decoded.
type ParseError = adapters.ParseError

// AuthenticationError reports missing or rejected provider credentials.
type AuthenticationError struct {
	Provider string
	Err      error
}

func (e *AuthenticationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: no credentials", e.Provider)
	}
	return fmt.Sprintf("%s: authentication failed: %v", e.Provider, e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// UpstreamError reports a failed upstream call. Kind is set for transport
// failures, UpstreamStatus for non-2xx responses.
type UpstreamError struct {
	Provider       string
	Kind           upstream.ErrorKind
	UpstreamStatus int
	Err            error
}

func (e *UpstreamError) Error() string {
	switch {
	case e.UpstreamStatus != 0:
		return fmt.Sprintf("%s: upstream returned %d", e.Provider, e.UpstreamStatus)
	case e.Err != nil:
		return fmt.Sprintf("%s: upstream %s error: %v", e.Provider, e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: upstream %s error", e.Provider, e.Kind)
	}
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Status returns the client-facing status: timeouts 504, forwarded 4xx as
// is, everything else 502.
func (e *UpstreamError) Status() int {
	if e.Kind == upstream.KindTimeout {
		return http.StatusGatewayTimeout
	}
	if e.UpstreamStatus >= 400 && e.UpstreamStatus < 500 {
		return e.UpstreamStatus
	}
	return http.StatusBadGateway
}

// UnsupportedRouteError reports a path no provider serves.
type UnsupportedRouteError struct {
	Path string
	Err  error
}

func (e *UnsupportedRouteError) Error() string {
	return fmt.Sprintf("unsupported route %s: %v", e.Path, e.Err)
}

func (e *UnsupportedRouteError) Unwrap() error { return e.Err }

// InternalError wraps anything unexpected.
type InternalError struct {
	Err error
}

func (e *InternalError) Error() string { return fmt.Sprintf("internal error: %v", e.Err) }

func (e *InternalError) Unwrap() error { return e.Err }

// Generic client-visible messages.
const (
	msgInvalidRequest   = "invalid request body"
	msgRequestTooLarge  = "request body too large"
	msgAuthentication   = "provider authentication failed"
	msgNotFound         = "route not supported by this provider"
	msgUpstreamRejected = "upstream rejected the request"
	msgUpstreamFailure  = "upstream request failed"
	msgUpstreamTimeout  = "upstream request timed out"
	msgInternal         = "internal server error"
	msgMethodNotAllowed = "method not allowed"
)

// statusAndMessage maps an error to the client status and generic message.
func statusAndMessage(err error) (int, string) {
	var (
		parseErr    *ParseError
		authErr     *AuthenticationError
		upstreamErr *UpstreamError
		routeErr    *UnsupportedRouteError
		tooLarge    *http.MaxBytesError
	)
	switch {
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge, msgRequestTooLarge
	case errors.As(err, &authErr):
		return http.StatusUnauthorized, msgAuthentication
	case errors.As(err, &routeErr):
		return http.StatusNotFound, msgNotFound
	case errors.As(err, &upstreamErr):
		status := upstreamErr.Status()
		switch {
		case status == http.StatusGatewayTimeout:
			return status, msgUpstreamTimeout
		case status < 500:
			return status, msgUpstreamRejected
		default:
			return status, msgUpstreamFailure
		}
	case errors.As(err, &parseErr):
		return http.StatusBadRequest, msgInvalidRequest
	default:
		return http.StatusInternalServerError, msgInternal
	}
}

// writeError renders err for a client speaking format.
func writeError(w http.ResponseWriter, format adapters.Format, err error) int {
	status, msg := statusAndMessage(err)
	writeErrorStatus(w, format, status, msg)
	return status
}

func writeErrorStatus(w http.ResponseWriter, format adapters.Format, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Del("Content-Length")
	w.WriteHeader(status)
	_, _ = w.Write(adapters.ErrorBody(format, status, msg))
}
