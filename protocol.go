package pybox

// Worker request names.
const (
	methodConfigure = "configure"
	methodExecute   = "execute_python"
)

// Callback discriminators on the wire.
const (
	callbackTypeDirect = "callback"
	callbackTypeProxy  = "proxy_callback"
)

// configureParams is the configuration handshake payload. Zero-valued
// collection fields are omitted; the capability flags are always sent.
type configureParams struct {
	Globals                map[string]any    `json:"globals,omitempty"`
	Mounts                 map[string]string `json:"mounts,omitempty"`
	OutputDir              string            `json:"output_dir,omitempty"`
	Tools                  []string          `json:"tools,omitempty"`
	ProxyTools             []string          `json:"proxy_tools,omitempty"`
	Packages               []string          `json:"packages,omitempty"`
	DisableNet             bool              `json:"disable_net"`
	DisableRuntimePackages bool              `json:"disable_runtime_packages"`
}

// executeParams is the payload of one execute_python request. Timeout is in
// seconds; the worker enforces it and answers with a TIMEOUT error code on
// expiry.
type executeParams struct {
	Code             string  `json:"code"`
	Timeout          float64 `json:"timeout"`
	AutoLoadPackages bool    `json:"auto_load_packages"`
}

// wireResult is the structured response shape shared by configure and
// execute_python.
type wireResult struct {
	IsSuccess bool     `json:"is_success"`
	Result    any      `json:"result"`
	Error     string   `json:"error"`
	ErrorCode string   `json:"error_code"`
	Files     []string `json:"files"`
}

// Callback is one inbound request from the worker: sandboxed code invoked a
// host-registered tool or proxy. Proxy callbacks carry the attribute/method
// path that was invoked on the proxy object, e.g. db.query(...) arrives with
// Name "db" and Path ["query"]. Callbacks are constructed per inbound
// message and never persisted.
type Callback struct {
	Type   string         `json:"type"`
	Name   string         `json:"name"`
	Args   []any          `json:"args"`
	Kwargs map[string]any `json:"kwargs"`
	Path   []string       `json:"path,omitempty"`
}

// callbackError is the serialized failure payload returned to the worker
// when a callback cannot be dispatched or its handler fails. The worker's
// Python runtime re-raises it inside the running script, so Kind carries a
// Python exception name.
type callbackError struct {
	Message string `json:"__error__"`
	Kind    string `json:"__error_type__"`
}

// Result is the outcome of one Execute call. Script-level failures are
// reported here, not as Go errors: when Error is non-empty the session is
// still usable and Output is nil.
type Result struct {
	// Output is the worker-defined output value of the snippet.
	Output any
	// Error describes a script-level failure (syntax error, raised
	// exception), empty on success.
	Error string
	// Files lists files the snippet produced, resolved to absolute paths
	// under the session's output directory.
	Files []string
}

// LogMessage is one log record emitted by the worker process.
type LogMessage struct {
	Level  string
	Logger string
	Data   any
}

// LogFunc receives worker log records when installed via WithLogHandler.
type LogFunc func(LogMessage)
