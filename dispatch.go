package pybox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ToolFunc is a host function callable from sandboxed code. It receives the
// call's positional arguments and keyword arguments as decoded JSON values
// and returns a JSON-encodable result. Returning an error delivers a
// script-visible failure to the worker; it never fails the session.
type ToolFunc func(ctx context.Context, args []any, kwargs map[string]any) (any, error)

// ProxyFunc handles every callback addressed to one proxy name. The handler
// receives the whole Callback, including the attribute/method path, and
// interprets the path itself, so one registration covers an entire namespace
// of nested operations.
type ProxyFunc func(ctx context.Context, cb *Callback) (any, error)

// dispatcher resolves inbound worker callbacks to registered host handlers.
// Its tables are fixed at session construction, so dispatch needs no
// locking even though it runs on the transport's reader goroutine.
type dispatcher struct {
	tools   map[string]ToolFunc
	proxies map[string]ProxyFunc
	logger  *slog.Logger
	metrics *MetricsCollector
	tracer  trace.Tracer
}

// dispatchError carries the Python exception name reported to the worker.
type dispatchError struct {
	kind string
	msg  string
}

func (e *dispatchError) Error() string { return e.msg }

// dispatch decodes one raw callback message, invokes the matching handler,
// and returns the JSON text to send back as the callback's result. Failures
// of any kind (undecodable message, unknown name, handler error or panic,
// unencodable return value) serialize into an error payload instead of
// propagating: handler failures must never crash the session.
func (d *dispatcher) dispatch(ctx context.Context, raw string) string {
	out, err := d.invoke(ctx, raw)
	if err != nil {
		d.logger.Warn("callback failed", slog.String("error", err.Error()))
		return encodeCallbackError(err)
	}

	encoded, err := json.Marshal(out)
	if err != nil {
		err = &dispatchError{kind: "TypeError", msg: fmt.Sprintf("tool result is not JSON-encodable: %v", err)}
		d.logger.Warn("callback result not encodable", slog.String("error", err.Error()))
		return encodeCallbackError(err)
	}
	return string(encoded)
}

func (d *dispatcher) invoke(ctx context.Context, raw string) (out any, err error) {
	var cb Callback
	if jsonErr := json.Unmarshal([]byte(raw), &cb); jsonErr != nil {
		return nil, &dispatchError{kind: "ValueError", msg: fmt.Sprintf("malformed callback message: %v", jsonErr)}
	}

	var span trace.Span
	if d.tracer != nil {
		ctx, span = d.tracer.Start(ctx, "sandbox.callback",
			trace.WithAttributes(
				attribute.String("callback.type", cb.Type),
				attribute.String("callback.name", cb.Name),
			))
	}

	kind := "tool"
	if cb.Type == callbackTypeProxy {
		kind = "proxy"
	}
	defer func() {
		// A panicking handler is contained the same way as one returning an
		// error: the worker's script sees the failure, the session lives on.
		if r := recover(); r != nil {
			err = &dispatchError{kind: "RuntimeError", msg: fmt.Sprintf("tool %s panicked: %v", cb.Name, r)}
		}
		if d.metrics != nil {
			status := "ok"
			if err != nil {
				status = "error"
			}
			d.metrics.CallbacksTotal.WithLabelValues(kind, status).Inc()
		}
		if span != nil {
			if err != nil {
				span.SetStatus(codes.Error, err.Error())
			}
			span.End()
		}
	}()

	d.logger.Debug("dispatching callback",
		slog.String("type", cb.Type),
		slog.String("name", cb.Name),
		slog.Int("args", len(cb.Args)),
	)

	switch cb.Type {
	case callbackTypeDirect:
		fn, ok := d.tools[cb.Name]
		if !ok {
			return nil, &dispatchError{kind: "KeyError", msg: fmt.Sprintf("unknown tool %q", cb.Name)}
		}
		return fn(ctx, cb.Args, cb.Kwargs)

	case callbackTypeProxy:
		fn, ok := d.proxies[cb.Name]
		if !ok {
			return nil, &dispatchError{kind: "KeyError", msg: fmt.Sprintf("unknown proxy %q", cb.Name)}
		}
		return fn(ctx, &cb)

	default:
		return nil, &dispatchError{kind: "ValueError", msg: fmt.Sprintf("unknown callback type %q", cb.Type)}
	}
}

func encodeCallbackError(err error) string {
	kind := "RuntimeError"
	var de *dispatchError
	if errors.As(err, &de) {
		kind = de.kind
	}
	payload, marshalErr := json.Marshal(callbackError{Message: err.Error(), Kind: kind})
	if marshalErr != nil {
		return `{"__error__":"internal dispatch failure","__error_type__":"RuntimeError"}`
	}
	return string(payload)
}
