package recorder

import (
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/btcapture/kit"
)

// RegisterMCP registers the recorder tools on an MCP server. Every tool but
// operator_login needs an open operator session.
func (r *Recorder) RegisterMCP(srv *mcp.Server) {
	for _, t := range r.tools() {
		kit.RegisterMCPTool(srv, t.tool, r.ops[t.tool.Name], t.decode)
	}
}

// inputSchema builds a JSON Schema object with type "object".
func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

var noArgs = inputSchema(map[string]any{}, nil)

type toolDef struct {
	tool   *mcp.Tool
	decode kit.Decoder
}

func (r *Recorder) tools() []toolDef {
	idProp := map[string]any{"id": map[string]any{"type": "integer", "description": "Capture id"}}

	return []toolDef{
		{&mcp.Tool{
			Name:        opCaptureList,
			Description: "List saved captures, newest first.",
			InputSchema: noArgs,
		}, kit.Decode[emptyRequest]},
		{&mcp.Tool{
			Name:        opCaptureSearch,
			Description: "Search captures. Case-insensitive substring match on payload, label and creation time.",
			InputSchema: inputSchema(map[string]any{
				"query": map[string]any{"type": "string", "description": "Text to look for. Empty lists everything."},
			}, []string{"query"}),
		}, kit.Decode[queryRequest]},
		{&mcp.Tool{
			Name:        opCaptureGet,
			Description: "Get one capture by id.",
			InputSchema: inputSchema(idProp, []string{"id"}),
		}, kit.Decode[idRequest]},
		{&mcp.Tool{
			Name:        opCaptureCount,
			Description: "Count saved captures.",
			InputSchema: noArgs,
		}, kit.Decode[emptyRequest]},
		{&mcp.Tool{
			Name:        opCaptureCreate,
			Description: "Save a capture typed by hand, without a device.",
			InputSchema: inputSchema(map[string]any{
				"payload": map[string]any{"type": "string", "description": "Captured text"},
				"label":   map[string]any{"type": "string", "description": "Operator label"},
			}, []string{"payload", "label"}),
		}, kit.Decode[createRequest]},
		{&mcp.Tool{
			Name:        opCaptureDelete,
			Description: "Delete one capture by id.",
			InputSchema: inputSchema(idProp, []string{"id"}),
		}, kit.Decode[idRequest]},
		{&mcp.Tool{
			Name:        opCaptureClear,
			Description: "Delete every capture. Returns how many were removed.",
			InputSchema: noArgs,
		}, kit.Decode[emptyRequest]},
		{&mcp.Tool{
			Name:        opDeviceStatus,
			Description: "Device session state, connected device and devices found by the current scan.",
			InputSchema: noArgs,
		}, kit.Decode[emptyRequest]},
		{&mcp.Tool{
			Name:        opDeviceScanStart,
			Description: "Start scanning for devices. Poll device_status for results.",
			InputSchema: noArgs,
		}, kit.Decode[emptyRequest]},
		{&mcp.Tool{
			Name:        opDeviceScanStop,
			Description: "Stop the running scan.",
			InputSchema: noArgs,
		}, kit.Decode[emptyRequest]},
		{&mcp.Tool{
			Name:        opDeviceConnect,
			Description: "Connect to a device found by the current scan. Replaces an existing connection.",
			InputSchema: inputSchema(map[string]any{
				"device_id": map[string]any{"type": "string", "description": "Device id from device_status"},
			}, []string{"device_id"}),
		}, kit.Decode[connectRequest]},
		{&mcp.Tool{
			Name:        opDeviceDisconn,
			Description: "Disconnect the device, or abort a connection attempt.",
			InputSchema: noArgs,
		}, kit.Decode[emptyRequest]},
		{&mcp.Tool{
			Name:        opStagedGet,
			Description: "Show the received payload waiting for a label.",
			InputSchema: noArgs,
		}, kit.Decode[emptyRequest]},
		{&mcp.Tool{
			Name:        opStagedConfirm,
			Description: "Save the waiting payload under a label.",
			InputSchema: inputSchema(map[string]any{
				"label": map[string]any{"type": "string", "description": "Operator label"},
			}, []string{"label"}),
		}, kit.Decode[labelRequest]},
		{&mcp.Tool{
			Name:        opStagedDiscard,
			Description: "Drop the waiting payload.",
			InputSchema: noArgs,
		}, kit.Decode[emptyRequest]},
		{&mcp.Tool{
			Name:        opOperatorLogin,
			Description: "Sign in as the operator. Required before any other tool.",
			InputSchema: inputSchema(map[string]any{
				"username": map[string]any{"type": "string"},
				"password": map[string]any{"type": "string"},
			}, []string{"username", "password"}),
		}, kit.Decode[loginRequest]},
		{&mcp.Tool{
			Name:        opOperatorLogout,
			Description: "Sign the operator out.",
			InputSchema: noArgs,
		}, kit.Decode[emptyRequest]},
		{&mcp.Tool{
			Name:        opJournalRecent,
			Description: "Recent capture and session events, newest first.",
			InputSchema: inputSchema(map[string]any{
				"type":  map[string]any{"type": "string", "description": "Event type filter, e.g. capture_saved"},
				"limit": map[string]any{"type": "integer", "description": "Max events (default 100)"},
			}, nil),
		}, kit.Decode[eventsRequest]},
	}
}
