package codemode

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jkaninda/pybox"
)

// maxOutputBytes caps proxied tool output to prevent OOM.
const maxOutputBytes = 1 << 20 // 1 MB

// toolCaller is the slice of the MCP client a connected Server needs.
type toolCaller interface {
	CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
}

// Server is one connected MCP server with its discovered tools. Obtain a
// proxy for it with Proxy and register that under the server's name.
type Server struct {
	name   string
	client toolCaller
	tools  map[string]mcp.Tool
	logger *slog.Logger
}

// Name returns the server's configured name.
func (s *Server) Name() string { return s.name }

// Tools returns the discovered tool names in sorted order.
func (s *Server) Tools() []string {
	names := make([]string, 0, len(s.tools))
	for name := range s.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Proxy returns the callback handler that turns method calls on this
// server's proxy object into MCP tool calls. The invoked path selects the
// tool; positional arguments fill the tool's required parameters in
// declaration order and keyword arguments match parameters by name.
func (s *Server) Proxy() pybox.ProxyFunc {
	return func(ctx context.Context, cb *pybox.Callback) (any, error) {
		if len(cb.Path) == 0 {
			return nil, fmt.Errorf("%s is not callable, invoke one of its tools", s.name)
		}
		toolName := strings.Join(cb.Path, ".")
		tool, ok := s.tools[toolName]
		if !ok {
			return nil, fmt.Errorf("server %s has no tool %q", s.name, toolName)
		}

		params, err := paramsFor(tool.InputSchema, cb.Args, cb.Kwargs)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", s.name, toolName, err)
		}
		if err := validateRequired(tool.InputSchema, params); err != nil {
			return nil, fmt.Errorf("%s.%s: %w", s.name, toolName, err)
		}

		s.logger.Debug("proxying tool call",
			slog.String("server", s.name),
			slog.String("tool", toolName),
		)

		callReq := mcp.CallToolRequest{}
		callReq.Params.Name = toolName
		callReq.Params.Arguments = params

		res, err := s.client.CallTool(ctx, callReq)
		if err != nil {
			return nil, fmt.Errorf("calling %s.%s: %w", s.name, toolName, err)
		}
		if res.IsError {
			return nil, fmt.Errorf("%s.%s failed: %s", s.name, toolName, formatContent(res.Content))
		}
		if res.StructuredContent != nil {
			return res.StructuredContent, nil
		}
		return truncate(formatContent(res.Content), maxOutputBytes), nil
	}
}

// Bridge manages the lifecycle of MCP client connections.
type Bridge struct {
	clients []*mcpclient.Client
	logger  *slog.Logger
}

// NewBridge creates a bridge that will manage MCP server connections.
func NewBridge(logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Bridge{logger: logger}
}

// Connect dials one MCP server, performs the initialization handshake, and
// discovers its tools.
func (b *Bridge) Connect(ctx context.Context, cfg ServerConfig) (*Server, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	c, err := createClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating MCP client for %q: %w", cfg.Name, err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "pybox",
		Version: pybox.Version,
	}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	if _, err := c.Initialize(ctx, initReq); err != nil {
		c.Close()
		return nil, fmt.Errorf("MCP initialize for %q: %w", cfg.Name, err)
	}

	listResp, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("MCP list tools for %q: %w", cfg.Name, err)
	}

	b.clients = append(b.clients, c)

	tools := make(map[string]mcp.Tool, len(listResp.Tools))
	for _, t := range listResp.Tools {
		tools[t.Name] = t
	}

	srv := &Server{
		name:   cfg.Name,
		client: c,
		tools:  tools,
		logger: b.logger,
	}
	b.logger.Info("MCP server connected",
		slog.String("server", cfg.Name),
		slog.String("transport", cfg.Transport),
		slog.Int("tools_discovered", len(tools)),
	)
	return srv, nil
}

// Close shuts down all MCP client connections.
func (b *Bridge) Close() {
	for _, c := range b.clients {
		if err := c.Close(); err != nil {
			b.logger.Error("closing MCP client", slog.String("error", err.Error()))
		}
	}
	b.clients = nil
}

// createClient creates the appropriate MCP client based on transport type.
func createClient(cfg ServerConfig) (*mcpclient.Client, error) {
	switch cfg.Transport {
	case TransportStdio:
		env := expandEnvMap(cfg.Env)
		return mcpclient.NewStdioMCPClient(cfg.Command, env, cfg.Args...)

	case TransportSSE:
		var opts []transport.ClientOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHeaders(expandEnvToMap(cfg.Headers)))
		}
		return mcpclient.NewSSEMCPClient(cfg.URL, opts...)

	case TransportStreamableHTTP:
		var opts []transport.StreamableHTTPCOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(expandEnvToMap(cfg.Headers)))
		}
		return mcpclient.NewStreamableHttpClient(cfg.URL, opts...)

	default:
		return nil, fmt.Errorf("unsupported transport: %s", cfg.Transport)
	}
}

// paramsFor merges a call's arguments into the parameter map the tool
// expects. Positional arguments fill the schema's required parameters in
// order; keyword arguments win on conflict.
func paramsFor(schema mcp.ToolInputSchema, args []any, kwargs map[string]any) (map[string]any, error) {
	params := make(map[string]any, len(args)+len(kwargs))
	if len(args) > len(schema.Required) {
		return nil, fmt.Errorf("%d positional arguments for %d required parameters, pass extras as keywords",
			len(args), len(schema.Required))
	}
	for i, v := range args {
		params[schema.Required[i]] = v
	}
	for k, v := range kwargs {
		params[k] = v
	}
	return params, nil
}

func validateRequired(schema mcp.ToolInputSchema, params map[string]any) error {
	for _, key := range schema.Required {
		if _, ok := params[key]; !ok {
			return fmt.Errorf("missing required parameter %q", key)
		}
	}
	return nil
}

// formatContent converts MCP content items to a single string. Non-text
// content (image, audio, resource) is serialized as JSON.
func formatContent(content []mcp.Content) string {
	var sb strings.Builder
	for i, c := range content {
		if i > 0 {
			sb.WriteString("\n")
		}
		if tc, ok := mcp.AsTextContent(c); ok {
			sb.WriteString(tc.Text)
		} else {
			data, _ := json.Marshal(c)
			sb.WriteString(string(data))
		}
	}
	return sb.String()
}

// truncate caps a string at maxBytes, appending a truncation notice if cut.
func truncate(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	const suffix = "\n... [output truncated]"
	if maxBytes <= len(suffix) {
		return s[:maxBytes]
	}
	return s[:maxBytes-len(suffix)] + suffix
}

// expandEnvMap converts a map of key→value to a []string of "KEY=expanded_value".
func expandEnvMap(m map[string]string) []string {
	env := make([]string, 0, len(m))
	for k, v := range m {
		env = append(env, k+"="+os.ExpandEnv(v))
	}
	return env
}

// expandEnvToMap returns a new map with values expanded via os.ExpandEnv.
func expandEnvToMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = os.ExpandEnv(v)
	}
	return out
}
