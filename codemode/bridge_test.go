package codemode

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jkaninda/pybox"
)

type fakeCaller struct {
	gotReq mcp.CallToolRequest
	res    *mcp.CallToolResult
	err    error
}

func (f *fakeCaller) CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	f.gotReq = req
	return f.res, f.err
}

func testServer(t *testing.T, caller *fakeCaller, tools ...mcp.Tool) *Server {
	t.Helper()
	byName := make(map[string]mcp.Tool, len(tools))
	for _, tool := range tools {
		byName[tool.Name] = tool
	}
	return &Server{
		name:   "db",
		client: caller,
		tools:  byName,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func queryTool() mcp.Tool {
	return mcp.Tool{
		Name: "query",
		InputSchema: mcp.ToolInputSchema{
			Type:     "object",
			Required: []string{"sql"},
		},
	}
}

func TestProxyCallsTool(t *testing.T) {
	caller := &fakeCaller{
		res: &mcp.CallToolResult{
			Content: []mcp.Content{mcp.NewTextContent("row1\nrow2")},
		},
	}
	proxy := testServer(t, caller, queryTool()).Proxy()

	out, err := proxy(context.Background(), &pybox.Callback{
		Name: "db",
		Path: []string{"query"},
		Args: []any{"SELECT 1"},
	})
	if err != nil {
		t.Fatalf("proxy: %v", err)
	}
	if out != "row1\nrow2" {
		t.Errorf("out = %v, want row1\\nrow2", out)
	}
	if caller.gotReq.Params.Name != "query" {
		t.Errorf("called tool %q, want query", caller.gotReq.Params.Name)
	}
	params, ok := caller.gotReq.Params.Arguments.(map[string]any)
	if !ok {
		t.Fatalf("arguments have type %T", caller.gotReq.Params.Arguments)
	}
	if params["sql"] != "SELECT 1" {
		t.Errorf("sql param = %v, want SELECT 1", params["sql"])
	}
}

func TestProxyPrefersStructuredContent(t *testing.T) {
	caller := &fakeCaller{
		res: &mcp.CallToolResult{
			StructuredContent: map[string]any{"rows": 3},
			Content:           []mcp.Content{mcp.NewTextContent("ignored")},
		},
	}
	proxy := testServer(t, caller, queryTool()).Proxy()

	out, err := proxy(context.Background(), &pybox.Callback{
		Path:   []string{"query"},
		Kwargs: map[string]any{"sql": "SELECT 1"},
	})
	if err != nil {
		t.Fatalf("proxy: %v", err)
	}
	m, ok := out.(map[string]any)
	if !ok || m["rows"] != 3 {
		t.Errorf("out = %v, want structured map", out)
	}
}

func TestProxyToolError(t *testing.T) {
	caller := &fakeCaller{
		res: &mcp.CallToolResult{
			IsError: true,
			Content: []mcp.Content{mcp.NewTextContent("table missing")},
		},
	}
	proxy := testServer(t, caller, queryTool()).Proxy()

	_, err := proxy(context.Background(), &pybox.Callback{
		Path: []string{"query"},
		Args: []any{"SELECT 1"},
	})
	if err == nil || !strings.Contains(err.Error(), "table missing") {
		t.Errorf("err = %v, want the server's error text", err)
	}
}

func TestProxyRejectsUnknownTool(t *testing.T) {
	proxy := testServer(t, &fakeCaller{}, queryTool()).Proxy()

	_, err := proxy(context.Background(), &pybox.Callback{Path: []string{"drop"}})
	if err == nil || !strings.Contains(err.Error(), "drop") {
		t.Errorf("err = %v, want it to name the missing tool", err)
	}
}

func TestProxyRejectsBareCall(t *testing.T) {
	proxy := testServer(t, &fakeCaller{}, queryTool()).Proxy()

	if _, err := proxy(context.Background(), &pybox.Callback{}); err == nil {
		t.Error("calling the proxy object itself should fail")
	}
}

func TestProxyNestedPath(t *testing.T) {
	tool := mcp.Tool{
		Name:        "repos.list",
		InputSchema: mcp.ToolInputSchema{Type: "object"},
	}
	caller := &fakeCaller{
		res: &mcp.CallToolResult{Content: []mcp.Content{mcp.NewTextContent("[]")}},
	}
	proxy := testServer(t, caller, tool).Proxy()

	if _, err := proxy(context.Background(), &pybox.Callback{Path: []string{"repos", "list"}}); err != nil {
		t.Fatalf("proxy: %v", err)
	}
	if caller.gotReq.Params.Name != "repos.list" {
		t.Errorf("called tool %q, want repos.list", caller.gotReq.Params.Name)
	}
}

func TestProxyMissingRequiredParam(t *testing.T) {
	proxy := testServer(t, &fakeCaller{}, queryTool()).Proxy()

	_, err := proxy(context.Background(), &pybox.Callback{Path: []string{"query"}})
	if err == nil || !strings.Contains(err.Error(), "sql") {
		t.Errorf("err = %v, want it to name the missing parameter", err)
	}
}

func TestParamsFor(t *testing.T) {
	schema := mcp.ToolInputSchema{Type: "object", Required: []string{"a", "b"}}

	params, err := paramsFor(schema, []any{1}, map[string]any{"b": 2})
	if err != nil {
		t.Fatalf("paramsFor: %v", err)
	}
	if params["a"] != 1 || params["b"] != 2 {
		t.Errorf("params = %v", params)
	}

	// Keywords win over positionals on conflict.
	params, err = paramsFor(schema, []any{1, 2}, map[string]any{"b": 9})
	if err != nil {
		t.Fatalf("paramsFor: %v", err)
	}
	if params["b"] != 9 {
		t.Errorf("b = %v, want the keyword value 9", params["b"])
	}

	if _, err := paramsFor(schema, []any{1, 2, 3}, nil); err == nil {
		t.Error("excess positional arguments should be rejected")
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 100); got != "short" {
		t.Errorf("truncate(short) = %q", got)
	}
	long := strings.Repeat("x", 200)
	got := truncate(long, 100)
	if len(got) > 100 {
		t.Errorf("truncated length = %d, want <= 100", len(got))
	}
	if !strings.HasSuffix(got, "[output truncated]") {
		t.Errorf("truncated output %q lacks notice", got)
	}
}

func TestFormatContent(t *testing.T) {
	content := []mcp.Content{
		mcp.NewTextContent("one"),
		mcp.NewTextContent("two"),
	}
	if got := formatContent(content); got != "one\ntwo" {
		t.Errorf("formatContent = %q", got)
	}
}
