package pybox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"testing"
)

func testDispatcher(tools map[string]ToolFunc, proxies map[string]ProxyFunc) *dispatcher {
	return &dispatcher{
		tools:   tools,
		proxies: proxies,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func decodeDispatchError(t *testing.T, payload string) callbackError {
	t.Helper()
	var ce callbackError
	if err := json.Unmarshal([]byte(payload), &ce); err != nil {
		t.Fatalf("payload %q is not an error payload: %v", payload, err)
	}
	if ce.Message == "" {
		t.Fatalf("payload %q carries no error message", payload)
	}
	return ce
}

func TestDispatchDirectTool(t *testing.T) {
	calc := func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		a := args[0].(float64)
		b := args[1].(float64)
		return a * b, nil
	}
	d := testDispatcher(map[string]ToolFunc{"calc": calc}, nil)

	got := d.dispatch(context.Background(), `{"type":"callback","name":"calc","args":[5,5],"kwargs":{}}`)
	if got != "25" {
		t.Errorf("dispatch = %q, want %q", got, "25")
	}
}

func TestDispatchKwargs(t *testing.T) {
	greet := func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		return fmt.Sprintf("hello %v", kwargs["name"]), nil
	}
	d := testDispatcher(map[string]ToolFunc{"greet": greet}, nil)

	got := d.dispatch(context.Background(), `{"type":"callback","name":"greet","args":[],"kwargs":{"name":"ada"}}`)
	if got != `"hello ada"` {
		t.Errorf("dispatch = %q, want %q", got, `"hello ada"`)
	}
}

func TestDispatchUnknownTool(t *testing.T) {
	d := testDispatcher(nil, nil)

	payload := d.dispatch(context.Background(), `{"type":"callback","name":"nope","args":[],"kwargs":{}}`)
	ce := decodeDispatchError(t, payload)
	if ce.Kind != "KeyError" {
		t.Errorf("error kind = %q, want KeyError", ce.Kind)
	}
	if !strings.Contains(ce.Message, "nope") {
		t.Errorf("error message %q does not name the tool", ce.Message)
	}
}

func TestDispatchToolError(t *testing.T) {
	failing := func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		return nil, errors.New("database is on fire")
	}
	d := testDispatcher(map[string]ToolFunc{"failing": failing}, nil)

	payload := d.dispatch(context.Background(), `{"type":"callback","name":"failing","args":[],"kwargs":{}}`)
	ce := decodeDispatchError(t, payload)
	if ce.Kind != "RuntimeError" {
		t.Errorf("error kind = %q, want RuntimeError", ce.Kind)
	}
	if !strings.Contains(ce.Message, "database is on fire") {
		t.Errorf("error message %q lost the handler's message", ce.Message)
	}
}

func TestDispatchToolPanic(t *testing.T) {
	exploding := func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		panic("boom")
	}
	d := testDispatcher(map[string]ToolFunc{"exploding": exploding}, nil)

	payload := d.dispatch(context.Background(), `{"type":"callback","name":"exploding","args":[],"kwargs":{}}`)
	ce := decodeDispatchError(t, payload)
	if ce.Kind != "RuntimeError" {
		t.Errorf("error kind = %q, want RuntimeError", ce.Kind)
	}
	if !strings.Contains(ce.Message, "boom") {
		t.Errorf("error message %q lost the panic value", ce.Message)
	}
}

func TestDispatchProxyPath(t *testing.T) {
	var seen *Callback
	db := func(ctx context.Context, cb *Callback) (any, error) {
		seen = cb
		return []any{"row1", "row2"}, nil
	}
	d := testDispatcher(nil, map[string]ProxyFunc{"db": db})

	raw := `{"type":"proxy_callback","name":"db","args":["SELECT 1"],"kwargs":{},"path":["query"]}`
	got := d.dispatch(context.Background(), raw)
	if got != `["row1","row2"]` {
		t.Errorf("dispatch = %q, want row list", got)
	}

	if seen == nil {
		t.Fatal("proxy handler never invoked")
	}
	if !reflect.DeepEqual(seen.Path, []string{"query"}) {
		t.Errorf("callback path = %v, want [query]", seen.Path)
	}
	if len(seen.Args) != 1 || seen.Args[0] != "SELECT 1" {
		t.Errorf("callback args = %v, want [SELECT 1]", seen.Args)
	}
}

func TestDispatchUnknownProxy(t *testing.T) {
	d := testDispatcher(nil, nil)

	payload := d.dispatch(context.Background(), `{"type":"proxy_callback","name":"db","args":[],"kwargs":{},"path":["query"]}`)
	ce := decodeDispatchError(t, payload)
	if ce.Kind != "KeyError" {
		t.Errorf("error kind = %q, want KeyError", ce.Kind)
	}
}

func TestDispatchMalformedMessage(t *testing.T) {
	d := testDispatcher(nil, nil)

	payload := d.dispatch(context.Background(), `{not json`)
	ce := decodeDispatchError(t, payload)
	if ce.Kind != "ValueError" {
		t.Errorf("error kind = %q, want ValueError", ce.Kind)
	}
}

func TestDispatchUnknownCallbackType(t *testing.T) {
	d := testDispatcher(nil, nil)

	payload := d.dispatch(context.Background(), `{"type":"telepathy","name":"x","args":[],"kwargs":{}}`)
	ce := decodeDispatchError(t, payload)
	if ce.Kind != "ValueError" {
		t.Errorf("error kind = %q, want ValueError", ce.Kind)
	}
}

func TestDispatchUnencodableResult(t *testing.T) {
	bad := func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		return func() {}, nil
	}
	d := testDispatcher(map[string]ToolFunc{"bad": bad}, nil)

	payload := d.dispatch(context.Background(), `{"type":"callback","name":"bad","args":[],"kwargs":{}}`)
	ce := decodeDispatchError(t, payload)
	if ce.Kind != "TypeError" {
		t.Errorf("error kind = %q, want TypeError", ce.Kind)
	}
}
