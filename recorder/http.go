package recorder

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/btcapture/capture"
	"github.com/hazyhaar/btcapture/gate"
	"github.com/hazyhaar/btcapture/pipeline"
	"github.com/hazyhaar/btcapture/session"
	"github.com/hazyhaar/btcapture/shield"
)

// Router builds the HTTP API: the shield stack, the gate, and one route per
// operation. The returned rate limiter should be kept reloading by the
// caller (StartReloader).
func (r *Recorder) Router() (chi.Router, *shield.RateLimiter) {
	mux := chi.NewRouter()
	stack, rl := shield.DefaultStack(r.store.DB())
	for _, mw := range stack {
		mux.Use(mw)
	}
	mux.Use(r.gate.Middleware) // soft: RequireOperator enforces below

	mux.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Post("/api/auth/login", r.handleLogin)

	mux.Group(func(api chi.Router) {
		api.Use(gate.RequireOperator)

		api.Post("/api/auth/logout", r.handleLogout)

		api.Get("/api/captures", r.serve(opCaptureList, http.StatusOK, func(req *http.Request) (string, any, error) {
			if q := req.URL.Query().Get("q"); q != "" {
				return opCaptureSearch, queryRequest{Query: q}, nil
			}
			return opCaptureList, emptyRequest{}, nil
		}))
		api.Get("/api/captures/count", r.serve(opCaptureCount, http.StatusOK, none))
		api.Get("/api/captures/{id}", r.serve(opCaptureGet, http.StatusOK, pathID))
		api.Post("/api/captures", r.serve(opCaptureCreate, http.StatusCreated, body[createRequest]))
		api.Delete("/api/captures/{id}", r.serve(opCaptureDelete, http.StatusOK, pathID))
		api.Delete("/api/captures", r.serve(opCaptureClear, http.StatusOK, none))

		api.Get("/api/device", r.serve(opDeviceStatus, http.StatusOK, none))
		api.Post("/api/device/scan", r.serve(opDeviceScanStart, http.StatusOK, none))
		api.Delete("/api/device/scan", r.serve(opDeviceScanStop, http.StatusOK, none))
		api.Post("/api/device/connect", r.serve(opDeviceConnect, http.StatusOK, body[connectRequest]))
		api.Post("/api/device/disconnect", r.serve(opDeviceDisconn, http.StatusOK, none))

		api.Get("/api/staged", r.serve(opStagedGet, http.StatusOK, none))
		api.Post("/api/staged/confirm", r.serve(opStagedConfirm, http.StatusCreated, body[labelRequest]))
		api.Delete("/api/staged", r.serve(opStagedDiscard, http.StatusOK, none))

		api.Get("/api/events", r.serve(opJournalRecent, http.StatusOK, func(req *http.Request) (string, any, error) {
			q := req.URL.Query()
			e := eventsRequest{Type: q.Get("type")}
			if s := q.Get("limit"); s != "" {
				n, err := strconv.Atoi(s)
				if err != nil {
					return "", nil, errors.New("limit must be an integer")
				}
				e.Limit = n
			}
			return opJournalRecent, e, nil
		}))
	})
	return mux, rl
}

// decodeFunc turns a request into the operation to run and its input. The
// default operation is the one given to serve; a decoder may pick another.
type decodeFunc func(*http.Request) (op string, req any, err error)

func none(*http.Request) (string, any, error) { return "", emptyRequest{}, nil }

func pathID(req *http.Request) (string, any, error) {
	id, err := strconv.ParseInt(chi.URLParam(req, "id"), 10, 64)
	if err != nil {
		return "", nil, errors.New("id must be an integer")
	}
	return "", idRequest{ID: id}, nil
}

func body[T any](req *http.Request) (string, any, error) {
	var v T
	if err := json.NewDecoder(req.Body).Decode(&v); err != nil && !errors.Is(err, io.EOF) {
		return "", nil, errors.New("invalid JSON body")
	}
	return "", v, nil
}

func (r *Recorder) serve(op string, status int, decode decodeFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		name, in, err := decode(req)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if name == "" {
			name = op
		}
		out, err := r.ops[name](req.Context(), in)
		if err != nil {
			r.fail(w, req, err)
			return
		}
		writeJSON(w, status, out)
	}
}

func (r *Recorder) handleLogin(w http.ResponseWriter, req *http.Request) {
	_, in, err := body[loginRequest](req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	out, err := r.ops[opOperatorLogin](req.Context(), in)
	if err != nil {
		r.fail(w, req, err)
		return
	}
	res := out.(gate.Result)
	if !res.Success {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid credentials"})
		return
	}
	secure := req.TLS != nil || req.Header.Get("X-Forwarded-Proto") == "https"
	gate.SetTokenCookie(w, res.Token, r.gate.TTLSeconds(), secure)
	writeJSON(w, http.StatusOK, map[string]string{"token": res.Token})
}

func (r *Recorder) handleLogout(w http.ResponseWriter, req *http.Request) {
	out, err := r.ops[opOperatorLogout](req.Context(), emptyRequest{})
	if err != nil {
		r.fail(w, req, err)
		return
	}
	gate.ClearTokenCookie(w)
	writeJSON(w, http.StatusOK, out)
}

func (r *Recorder) fail(w http.ResponseWriter, req *http.Request, err error) {
	code := statusFor(err)
	if !isClientError(err) {
		shield.GetLogger(req.Context()).Error("recorder: request failed", "error", err)
	}
	writeError(w, code, err)
}

// statusFor maps operation errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, capture.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, gate.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, session.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, capture.ErrNotFound), errors.Is(err, session.ErrUnknownDevice):
		return http.StatusNotFound
	case errors.Is(err, session.ErrBusy),
		errors.Is(err, session.ErrInvalidState),
		errors.Is(err, session.ErrInterrupted),
		errors.Is(err, pipeline.ErrNothingStaged):
		return http.StatusConflict
	case errors.Is(err, session.ErrConnectionFailed):
		return http.StatusBadGateway
	case errors.Is(err, session.ErrAdapterUnavailable), errors.Is(err, capture.ErrNotInitialized):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
