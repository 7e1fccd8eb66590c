package pybox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
)

// workerClient owns the MCP connection to one worker process: the child
// process lifecycle, the request/response channel, and the inbound callback
// and log streams.
type workerClient struct {
	client *mcpclient.Client
	logger *slog.Logger
}

// workerElicitor adapts the dispatcher to the elicitation contract the
// worker uses for callbacks: the elicitation message carries the encoded
// Callback, and the response returns the handler's output as a JSON string
// under the "result" key.
type workerElicitor struct {
	d *dispatcher
}

func (e *workerElicitor) Elicit(ctx context.Context, req mcp.ElicitationRequest) (*mcp.ElicitationResult, error) {
	res := &mcp.ElicitationResult{}
	res.Action = mcp.ElicitationResponseActionAccept
	res.Content = map[string]any{"result": e.d.dispatch(ctx, req.Params.Message)}
	return res, nil
}

// launchWorker spawns the worker process and runs the MCP initialization
// handshake. On failure the partially started process is torn down before
// returning.
func launchWorker(ctx context.Context, command string, args, env []string, d *dispatcher, logFn LogFunc, logger *slog.Logger) (*workerClient, error) {
	c := mcpclient.NewClient(
		transport.NewStdio(command, env, args...),
		mcpclient.WithElicitationHandler(&workerElicitor{d: d}),
	)

	if logFn != nil {
		c.OnNotification(func(n mcp.JSONRPCNotification) {
			if n.Method != "notifications/message" {
				return
			}
			fields := n.Params.AdditionalFields
			msg := LogMessage{Data: fields["data"]}
			if level, ok := fields["level"].(string); ok {
				msg.Level = level
			}
			if name, ok := fields["logger"].(string); ok {
				msg.Logger = name
			}
			logFn(msg)
		})
	}

	if err := c.Start(ctx); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("starting worker process: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "pybox",
		Version: Version,
	}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	if _, err := c.Initialize(ctx, initReq); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("initializing worker: %w", err)
	}

	w := &workerClient{client: c, logger: logger}

	if logFn != nil {
		levelReq := mcp.SetLevelRequest{}
		levelReq.Params.Level = mcp.LoggingLevelInfo
		if err := c.SetLevel(ctx, levelReq); err != nil {
			logger.Debug("worker rejected log level request", slog.String("error", err.Error()))
		}
	}

	return w, nil
}

// call performs one worker request and decodes its structured response.
// Returned errors are classified into the session error taxonomy; context
// cancellation passes through unwrapped.
func (w *workerClient) call(ctx context.Context, method string, args any) (*wireResult, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = method
	req.Params.Arguments = args

	res, err := w.client.CallTool(ctx, req)
	if err != nil {
		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return nil, err
		case isConnectionLost(err):
			return nil, fmt.Errorf("%w: connection to worker lost: %v", ErrRuntime, err)
		default:
			return nil, fmt.Errorf("%w: %s request failed: %v", ErrProtocol, method, err)
		}
	}

	wr := decodeWireResult(res)
	if res.IsError {
		if wr != nil && wr.ErrorCode != "" {
			return nil, structuredError(wr.ErrorCode, wr.Error)
		}
		text := flattenContent(res.Content)
		if text == "" {
			text = "unknown worker error"
		}
		return nil, fmt.Errorf("%w: %s", ErrProtocol, text)
	}
	if wr == nil {
		return nil, fmt.Errorf("%w: %s response carried no structured content", ErrProtocol, method)
	}
	return wr, nil
}

func (w *workerClient) close() error {
	return w.client.Close()
}

// decodeWireResult reads the worker's structured response, falling back to
// parsing the first JSON text content item.
func decodeWireResult(res *mcp.CallToolResult) *wireResult {
	if res == nil {
		return nil
	}
	if res.StructuredContent != nil {
		raw, err := json.Marshal(res.StructuredContent)
		if err == nil {
			var wr wireResult
			if json.Unmarshal(raw, &wr) == nil {
				return &wr
			}
		}
	}
	for _, item := range res.Content {
		tc, ok := mcp.AsTextContent(item)
		if !ok {
			continue
		}
		var wr wireResult
		if json.Unmarshal([]byte(tc.Text), &wr) == nil {
			return &wr
		}
	}
	return nil
}

// flattenContent joins text content items into a single string.
func flattenContent(content []mcp.Content) string {
	var sb strings.Builder
	for i, item := range content {
		if tc, ok := mcp.AsTextContent(item); ok {
			if i > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(tc.Text)
		}
	}
	return sb.String()
}
