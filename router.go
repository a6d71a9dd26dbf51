package dedup

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/nhalm/canonlog"

	"github.com/nhalm/dedup/key"
	"github.com/nhalm/dedup/metrics"
	"github.com/nhalm/dedup/wrapper"
)

type keyContextKey string

const idKey keyContextKey = "dedup_id"

const opDispatch = "dispatch"

// NewRouter returns the HTTP handler for the service: GET /{id} reads,
// PUT /{id} upserts. The path is validated before routing, so a malformed
// path is a 400 whatever the method; other methods on a valid path are 405.
func NewRouter(svc *Service, opts ...wrapper.Option) http.Handler {
	h := &handler{svc: svc}

	r := chi.NewRouter()
	r.Use(wrapper.New(opts...))
	r.Use(requireKey)

	r.NotFound(func(_ http.ResponseWriter, r *http.Request) {
		respond(r, opDispatch, Counter{}, &Error{Kind: KindValidation, Op: opDispatch, Err: key.ErrInvalid})
	})
	r.MethodNotAllowed(func(_ http.ResponseWriter, r *http.Request) {
		wrapper.SetHeader(r, "Allow", "GET, PUT")
		respond(r, opDispatch, Counter{}, &Error{Kind: KindMethod, Op: opDispatch, Key: idFromContext(r.Context())})
	})

	r.Get("/{id}", h.read)
	r.Put("/{id}", h.upsert)

	return r
}

// requireKey rejects any path that is not exactly "/" + identifier.
func requireKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := key.FromPath(r.URL.EscapedPath())
		if err != nil {
			respond(r, opDispatch, Counter{}, &Error{Kind: KindValidation, Op: opDispatch, Err: err})
			return
		}
		ctx := context.WithValue(r.Context(), idKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func idFromContext(ctx context.Context) string {
	id, _ := ctx.Value(idKey).(string)
	return id
}

type handler struct {
	svc *Service
}

func (h *handler) read(_ http.ResponseWriter, r *http.Request) {
	c, err := h.svc.Read(r.Context(), idFromContext(r.Context()))
	respond(r, OpRead, c, err)
}

func (h *handler) upsert(_ http.ResponseWriter, r *http.Request) {
	c, err := h.svc.Upsert(r.Context(), idFromContext(r.Context()))
	respond(r, OpUpsert, c, err)
}

// respond records the single terminal response for op.
func respond(r *http.Request, op string, c Counter, err error) {
	ctx := r.Context()

	var body []byte
	if err == nil {
		body, err = json.Marshal(c)
		if err != nil {
			err = &Error{Kind: KindSerialization, Op: op, Key: idFromContext(ctx), Err: err}
		}
	}

	if err == nil {
		metrics.CountRequest(op, "ok")
		logInfo(ctx, map[string]any{"op": op, "key": idFromContext(ctx), "cnt": c.Count})
		wrapper.SetHeader(r, "Cache-Control", "no-store")
		wrapper.SetResponse(r, http.StatusOK, json.RawMessage(body))
		return
	}

	kind := KindOf(err)
	metrics.CountRequest(op, kind.String())
	logInfo(ctx, map[string]any{"op": op, "error_kind": kind.String()})

	switch kind {
	case KindValidation:
		wrapper.SetError(r, wrapper.ErrBadRequest)
	case KindMethod:
		wrapper.SetError(r, wrapper.ErrMethodNotAllowed)
	case KindNotFound:
		wrapper.SetError(r, wrapper.ErrNotFound)
	case KindClock:
		logError(ctx, err)
		wrapper.SetError(r, wrapper.ErrClockUnavailable)
	case KindStore:
		logError(ctx, err)
		var e *Error
		if errors.As(err, &e) {
			wrapper.SetError(r, wrapper.ErrStoreFailure.With(e.Detail()))
		} else {
			wrapper.SetError(r, wrapper.ErrStoreFailure)
		}
	case KindSerialization:
		logError(ctx, err)
		wrapper.SetError(r, wrapper.ErrSerializationFailed)
	default:
		logError(ctx, err)
		wrapper.SetError(r, wrapper.ErrInternal)
	}
}

func logInfo(ctx context.Context, fields map[string]any) {
	if _, ok := canonlog.TryGetLogger(ctx); ok {
		canonlog.InfoAddMany(ctx, fields)
	}
}

func logError(ctx context.Context, err error) {
	if _, ok := canonlog.TryGetLogger(ctx); ok {
		canonlog.ErrorAdd(ctx, err)
	}
}
