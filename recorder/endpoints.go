package recorder

import (
	"context"

	"github.com/hazyhaar/btcapture/capture"
	"github.com/hazyhaar/btcapture/gate"
	"github.com/hazyhaar/btcapture/journal"
	"github.com/hazyhaar/btcapture/kit"
	"github.com/hazyhaar/btcapture/pipeline"
)

// Operation names. They double as MCP tool names.
const (
	opCaptureList     = "capture_list"
	opCaptureSearch   = "capture_search"
	opCaptureGet      = "capture_get"
	opCaptureCount    = "capture_count"
	opCaptureCreate   = "capture_create"
	opCaptureDelete   = "capture_delete"
	opCaptureClear    = "capture_clear"
	opDeviceStatus    = "device_status"
	opDeviceScanStart = "device_scan_start"
	opDeviceScanStop  = "device_scan_stop"
	opDeviceConnect   = "device_connect"
	opDeviceDisconn   = "device_disconnect"
	opStagedGet       = "staged_get"
	opStagedConfirm   = "staged_confirm"
	opStagedDiscard   = "staged_discard"
	opOperatorLogin   = "operator_login"
	opOperatorLogout  = "operator_logout"
	opJournalRecent   = "journal_recent"
)

type emptyRequest struct{}

type queryRequest struct {
	Query string `json:"query"`
}

type idRequest struct {
	ID int64 `json:"id"`
}

type createRequest struct {
	Payload string `json:"payload"`
	Label   string `json:"label"`
}

type connectRequest struct {
	DeviceID string `json:"device_id"`
}

type labelRequest struct {
	Label string `json:"label"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type eventsRequest struct {
	Type  string `json:"type,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

type listResponse struct {
	Captures []*capture.Record `json:"captures"`
	Count    int               `json:"count"`
}

type countResponse struct {
	Count int64 `json:"count"`
}

type deletedResponse struct {
	Deleted int64 `json:"deleted"`
}

type stagedResponse struct {
	Staged   bool             `json:"staged"`
	Item     *pipeline.Staged `json:"item,omitempty"`
	Replaced uint64           `json:"replaced"`
}

type eventsResponse struct {
	Events []journal.Entry `json:"events"`
}

type okResponse struct {
	OK bool `json:"ok"`
}

// requireOperator rejects calls made without an operator session. HTTP
// requests carry the role from the gate middleware. MCP clients share the
// session opened through operator_login.
func (r *Recorder) requireOperator(next kit.Endpoint) kit.Endpoint {
	return func(ctx context.Context, req any) (any, error) {
		if kit.GetRole(ctx) == gate.RoleOperator {
			return next(ctx, req)
		}
		if kit.GetTransport(ctx) == kit.TransportMCP && r.gate.Authorized() {
			ctx = kit.WithRole(kit.WithOperator(ctx, r.cfg.Gate.Username), gate.RoleOperator)
			return next(ctx, req)
		}
		return nil, ErrSignInRequired
	}
}

// endpoints builds every operation once, wrapped for both transports.
func (r *Recorder) endpoints() map[string]kit.Endpoint {
	guarded := map[string]kit.Endpoint{
		opCaptureList: func(ctx context.Context, _ any) (any, error) {
			return r.list(ctx, "")
		},
		opCaptureSearch: func(ctx context.Context, req any) (any, error) {
			return r.list(ctx, req.(queryRequest).Query)
		},
		opCaptureGet: func(ctx context.Context, req any) (any, error) {
			return r.Capture(ctx, req.(idRequest).ID)
		},
		opCaptureCount: func(ctx context.Context, _ any) (any, error) {
			n, err := r.CountCaptures(ctx)
			if err != nil {
				return nil, err
			}
			return countResponse{Count: n}, nil
		},
		opCaptureCreate: func(ctx context.Context, req any) (any, error) {
			c := req.(createRequest)
			return r.CreateCapture(ctx, c.Payload, c.Label)
		},
		opCaptureDelete: func(ctx context.Context, req any) (any, error) {
			if err := r.DeleteCapture(ctx, req.(idRequest).ID); err != nil {
				return nil, err
			}
			return deletedResponse{Deleted: 1}, nil
		},
		opCaptureClear: func(ctx context.Context, _ any) (any, error) {
			n, err := r.ClearCaptures(ctx)
			if err != nil {
				return nil, err
			}
			return deletedResponse{Deleted: n}, nil
		},
		opDeviceStatus: func(context.Context, any) (any, error) {
			return r.DeviceStatus(), nil
		},
		opDeviceScanStart: r.deviceCall(r.StartScan),
		opDeviceScanStop:  r.deviceCall(r.StopScan),
		opDeviceConnect: func(ctx context.Context, req any) (any, error) {
			if err := r.Connect(ctx, req.(connectRequest).DeviceID); err != nil {
				return nil, err
			}
			return r.DeviceStatus(), nil
		},
		opDeviceDisconn: r.deviceCall(r.Disconnect),
		opStagedGet: func(context.Context, any) (any, error) {
			return r.stagedView(), nil
		},
		opStagedConfirm: func(ctx context.Context, req any) (any, error) {
			return r.ConfirmStaged(ctx, req.(labelRequest).Label)
		},
		opStagedDiscard: func(context.Context, any) (any, error) {
			r.DiscardStaged()
			return r.stagedView(), nil
		},
		opOperatorLogout: func(ctx context.Context, _ any) (any, error) {
			if err := r.Logout(ctx); err != nil {
				return nil, err
			}
			return okResponse{OK: true}, nil
		},
		opJournalRecent: func(ctx context.Context, req any) (any, error) {
			e := req.(eventsRequest)
			entries, err := r.Events(ctx, e.Type, e.Limit)
			if err != nil {
				return nil, err
			}
			return eventsResponse{Events: entries}, nil
		},
	}

	ops := make(map[string]kit.Endpoint, len(guarded)+1)
	for name, ep := range guarded {
		ops[name] = kit.Chain(kit.Logging(r.logger, name), r.requireOperator)(ep)
	}
	ops[opOperatorLogin] = kit.Logging(r.logger, opOperatorLogin)(func(ctx context.Context, req any) (any, error) {
		l := req.(loginRequest)
		return r.Login(ctx, l.Username, l.Password)
	})
	return ops
}

func (r *Recorder) list(ctx context.Context, query string) (listResponse, error) {
	recs, err := r.Captures(ctx, query)
	if err != nil {
		return listResponse{}, err
	}
	return listResponse{Captures: recs, Count: len(recs)}, nil
}

func (r *Recorder) deviceCall(fn func(context.Context) error) kit.Endpoint {
	return func(ctx context.Context, _ any) (any, error) {
		if err := fn(ctx); err != nil {
			return nil, err
		}
		return r.DeviceStatus(), nil
	}
}

func (r *Recorder) stagedView() stagedResponse {
	resp := stagedResponse{Replaced: r.ReplacedPayloads()}
	if s, ok := r.Staged(); ok {
		resp.Staged = true
		resp.Item = &s
	}
	return resp
}
