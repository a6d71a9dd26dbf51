// Package wrapper provides context-based response handling for Chi middleware.
//
// Handlers record the outcome of a request with SetResponse or SetError instead
// of writing to the ResponseWriter. The middleware renders exactly one response
// after the handler returns:
//   - success bodies are encoded as JSON
//   - errors are written as short plain-text messages with their status code
//   - panics are recovered and rendered as ErrInternal
//   - optional canonical logging via canonlog integration
//
// Basic usage:
//
//	r := chi.NewRouter()
//	r.Use(wrapper.New(wrapper.WithCanonlog()))  // Outermost middleware
//
//	r.Get("/{id}", func(w http.ResponseWriter, r *http.Request) {
//	    rec, err := load(r)
//	    if err != nil {
//	        wrapper.SetError(r, wrapper.ErrNotFound)
//	        return
//	    }
//	    wrapper.SetResponse(r, http.StatusOK, rec)
//	})
package wrapper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nhalm/canonlog"
)

type contextKey string

const stateKey contextKey = "wrapper_state"

// State holds the response state for a request.
type State struct {
	mu      sync.Mutex
	err     *Error
	status  int
	body    any
	headers http.Header
}

// Error is an HTTP error rendered as a plain-text body.
type Error struct {
	Code    string
	Message string
	Status  int
}

var bufferPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// Is implements errors.Is for comparing error codes.
func (e *Error) Is(target error) bool {
	if e == nil {
		return target == nil
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// With returns a copy of the error with a custom message.
func (e *Error) With(message string) *Error {
	if e == nil {
		return nil
	}
	dup := *e
	dup.Message = message
	return &dup
}

// Predefined sentinel errors
var (
	ErrBadRequest          = &Error{Code: "bad_request", Message: "bad request", Status: http.StatusBadRequest}
	ErrNotFound            = &Error{Code: "not_found", Message: "not found", Status: http.StatusNotFound}
	ErrMethodNotAllowed    = &Error{Code: "method_not_allowed", Message: "method not allowed", Status: http.StatusMethodNotAllowed}
	ErrInternal            = &Error{Code: "internal", Message: "internal server error", Status: http.StatusInternalServerError}
	ErrClockUnavailable    = &Error{Code: "clock_unavailable", Message: "clock unavailable", Status: http.StatusInternalServerError}
	ErrStoreFailure        = &Error{Code: "store_failure", Message: "store failure", Status: http.StatusInternalServerError}
	ErrSerializationFailed = &Error{Code: "serialization_failure", Message: "serialization failure", Status: http.StatusInternalServerError}
)

// SetError sets an error response in the request context.
// If wrapper middleware is not present (state is nil), this is a no-op.
func SetError(r *http.Request, err *Error) {
	state := getState(r.Context())
	if state == nil {
		return
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	state.err = err
}

// SetResponse sets a success response in the request context.
// If wrapper middleware is not present (state is nil), this is a no-op.
func SetResponse(r *http.Request, status int, body any) {
	state := getState(r.Context())
	if state == nil {
		return
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	state.status = status
	state.body = body
}

// SetHeader sets a response header in the request context.
// If wrapper middleware is not present (state is nil), this is a no-op.
func SetHeader(r *http.Request, key, value string) {
	state := getState(r.Context())
	if state == nil {
		return
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	if state.headers == nil {
		state.headers = make(http.Header)
	}
	state.headers.Set(key, value)
}

func getState(ctx context.Context) *State {
	state, _ := ctx.Value(stateKey).(*State)
	return state
}

// Option configures the wrapper middleware.
type Option func(*config)

type config struct {
	canonlog       bool
	canonlogFields func(*http.Request) map[string]any
}

// WithCanonlog enables canonical logging for requests.
// Creates a logger at request start and flushes it after response.
// Logs method, path, route, status, and duration_ms for each request.
// Errors set via SetError are automatically logged.
func WithCanonlog() Option {
	return func(c *config) {
		c.canonlog = true
	}
}

// WithCanonlogFields adds custom fields to each log entry.
// Called at request start, before the handler executes.
func WithCanonlogFields(fn func(*http.Request) map[string]any) Option {
	return func(c *config) {
		c.canonlogFields = fn
	}
}

// New returns middleware that manages response state and writes responses.
func New(opts ...Option) func(http.Handler) http.Handler {
	cfg := &config{}
	for _, opt := range opts {
		opt(cfg)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			state := &State{}
			ctx := context.WithValue(r.Context(), stateKey, state)

			var start time.Time
			if cfg.canonlog {
				ctx = canonlog.NewContext(ctx)
				start = time.Now()

				canonlog.InfoAddMany(ctx, map[string]any{
					"method": r.Method,
					"path":   r.URL.Path,
				})

				if cfg.canonlogFields != nil {
					canonlog.InfoAddMany(ctx, cfg.canonlogFields(r))
				}
			}

			r = r.WithContext(ctx)

			defer func() {
				if rec := recover(); rec != nil {
					state.mu.Lock()
					state.err = ErrInternal
					state.mu.Unlock()

					if cfg.canonlog {
						canonlog.ErrorAdd(ctx, fmt.Errorf("panic: %v", rec))
					}
				}

				if cfg.canonlog {
					state.mu.Lock()
					status := state.status
					if state.err != nil {
						status = state.err.Status
						canonlog.InfoAdd(ctx, "error_code", state.err.Code)
					}
					state.mu.Unlock()

					route := r.URL.Path
					if rctx := chi.RouteContext(ctx); rctx != nil {
						if pattern := rctx.RoutePattern(); pattern != "" {
							route = pattern
						}
					}

					canonlog.InfoAddMany(ctx, map[string]any{
						"route":       route,
						"status":      status,
						"duration_ms": time.Since(start).Milliseconds(),
					})

					canonlog.Flush(ctx)
				}

				writeResponse(w, state)
			}()

			next.ServeHTTP(w, r)
		})
	}
}

func writeResponse(w http.ResponseWriter, state *State) {
	state.mu.Lock()
	defer state.mu.Unlock()

	for key, values := range state.headers {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}

	if state.err != nil {
		writeText(w, state.err.Status, state.err.Message)
		return
	}

	if state.body != nil {
		buf := bufferPool.Get().(*bytes.Buffer)
		buf.Reset()
		defer bufferPool.Put(buf)

		if err := json.NewEncoder(buf).Encode(state.body); err != nil {
			writeText(w, ErrSerializationFailed.Status, ErrSerializationFailed.Message)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(state.status)
		w.Write(buf.Bytes())
		return
	}

	if state.status != 0 {
		w.WriteHeader(state.status)
	}
}

func writeText(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	w.Write([]byte(message))
}
