package kit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/btcapture/idgen"
)

// Decoder turns the arguments of a tool call into the request value the
// endpoint expects.
type Decoder func(*mcp.CallToolRequest) (any, error)

var newCallID = idgen.Prefixed("mcp_", idgen.NanoID(10))

// RegisterMCPTool exposes ep as an MCP tool. Each call runs with the MCP
// transport and a fresh request id in its context. Argument and endpoint
// failures come back as tool errors carrying the message, never as
// protocol errors.
func RegisterMCPTool(srv *mcp.Server, tool *mcp.Tool, ep Endpoint, dec Decoder) {
	srv.AddTool(tool, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		in, err := dec(req)
		if err != nil {
			return toolError(fmt.Errorf("invalid arguments: %w", err)), nil
		}
		ctx = WithRequestID(WithTransport(ctx, TransportMCP), newCallID())

		out, err := ep(ctx, in)
		if err != nil {
			return toolError(errors.New(err.Error())), nil
		}
		data, err := json.Marshal(out)
		if err != nil {
			return toolError(fmt.Errorf("encode result: %w", err)), nil
		}
		return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: string(data)}}}, nil
	})
}

func toolError(err error) *mcp.CallToolResult {
	res := &mcp.CallToolResult{}
	res.SetError(err)
	return res
}

// Decode is the Decoder for tools whose arguments map directly onto T.
// A call without arguments yields the zero T.
func Decode[T any](req *mcp.CallToolRequest) (any, error) {
	var v T
	if req.Params == nil || len(req.Params.Arguments) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(req.Params.Arguments, &v); err != nil {
		return nil, err
	}
	return v, nil
}
