package pybox

import (
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// EnvWorkerScript names the environment variable consulted for the worker
// script path when WithWorkerScript is not used.
const EnvWorkerScript = "PYBOX_WORKER_SCRIPT"

// Defaults applied by New.
const (
	DefaultDenoPath      = "deno"
	DefaultMemoryLimitMB = 512
	DefaultTimeout       = 60 * time.Second
)

// config accumulates option state; New validates it.
type config struct {
	denoPath     string
	workerScript string

	tools   map[string]ToolFunc
	proxies map[string]ProxyFunc

	files     []string
	mounts    map[string]string
	mountDirs []string
	outputDir string

	allowAllNet bool
	allowHosts  []string
	packages    []string
	autoLoad    bool

	globals map[string]any
	env     map[string]string
	envPass []string

	logger  *slog.Logger
	logFn   LogFunc
	metrics *MetricsCollector
	tracer  trace.Tracer

	memoryLimitMB int
	timeout       time.Duration

	err error
}

func defaultConfig() config {
	return config{
		denoPath:      DefaultDenoPath,
		tools:         map[string]ToolFunc{},
		proxies:       map[string]ProxyFunc{},
		mounts:        map[string]string{},
		globals:       map[string]any{},
		env:           map[string]string{},
		memoryLimitMB: DefaultMemoryLimitMB,
		timeout:       DefaultTimeout,
	}
}

func (c *config) fail(err error) {
	if c.err == nil {
		c.err = err
	}
}

// Option configures a Sandbox at construction.
type Option func(*config)

// WithTool registers a host function callable from sandboxed code under the
// given name. Registering the same name twice is a configuration error.
func WithTool(name string, fn ToolFunc) Option {
	return func(c *config) {
		if name == "" || fn == nil {
			c.fail(fmt.Errorf("tool registration requires a name and a function"))
			return
		}
		if _, dup := c.tools[name]; dup {
			c.fail(fmt.Errorf("tool %q registered twice", name))
			return
		}
		c.tools[name] = fn
	}
}

// WithProxy registers a handler answering every callback addressed to the
// named proxy object, whatever nested attribute or method path the
// sandboxed code invoked on it.
func WithProxy(name string, fn ProxyFunc) Option {
	return func(c *config) {
		if name == "" || fn == nil {
			c.fail(fmt.Errorf("proxy registration requires a name and a function"))
			return
		}
		if _, dup := c.proxies[name]; dup {
			c.fail(fmt.Errorf("proxy %q registered twice", name))
			return
		}
		c.proxies[name] = fn
	}
}

// WithFiles declares host files staged into the reserved staging mount
// during Connect.
func WithFiles(paths ...string) Option {
	return func(c *config) {
		c.files = append(c.files, paths...)
	}
}

// WithMount exposes a host directory read-only to the worker under the
// given logical name.
func WithMount(name, hostPath string) Option {
	return func(c *config) {
		if name == "" || hostPath == "" {
			c.fail(fmt.Errorf("mount requires a name and a host path"))
			return
		}
		if name == reservedMountName {
			c.fail(fmt.Errorf("mount name %q is reserved for the staging directory", reservedMountName))
			return
		}
		if _, dup := c.mounts[name]; dup {
			c.fail(fmt.Errorf("mount %q declared twice", name))
			return
		}
		c.mounts[name] = hostPath
	}
}

// WithMountDirs exposes host directories read-only under their base names.
func WithMountDirs(paths ...string) Option {
	return func(c *config) {
		c.mountDirs = append(c.mountDirs, paths...)
	}
}

// WithOutputDir sets the directory the worker writes produced files into.
// Without it the session creates a temporary output directory and removes
// it on Close.
func WithOutputDir(path string) Option {
	return func(c *config) { c.outputDir = path }
}

// WithAllowAllNet grants the worker unrestricted network access.
func WithAllowAllNet() Option {
	return func(c *config) { c.allowAllNet = true }
}

// WithAllowNet grants the worker access to the given host:port pairs in
// addition to the package-download baseline.
func WithAllowNet(hosts ...string) Option {
	return func(c *config) { c.allowHosts = append(c.allowHosts, hosts...) }
}

// WithPackages installs the named Python packages during the configuration
// handshake.
func WithPackages(names ...string) Option {
	return func(c *config) { c.packages = append(c.packages, names...) }
}

// WithAutoLoadPackages lets the worker resolve missing imports at run time;
// this keeps the package-download endpoints reachable.
func WithAutoLoadPackages() Option {
	return func(c *config) { c.autoLoad = true }
}

// WithGlobals binds variables in the worker's global scope before any code
// runs. Values must be JSON-encodable.
func WithGlobals(globals map[string]any) Option {
	return func(c *config) {
		for k, v := range globals {
			c.globals[k] = v
		}
	}
}

// WithEnv sets environment variables in the worker process.
func WithEnv(env map[string]string) Option {
	return func(c *config) {
		for k, v := range env {
			c.env[k] = v
		}
	}
}

// WithEnvPassthrough copies the named environment variables from the host
// environment into the worker, skipping any that are unset.
func WithEnvPassthrough(names ...string) Option {
	return func(c *config) { c.envPass = append(c.envPass, names...) }
}

// WithDenoPath overrides the deno binary used to launch the worker.
func WithDenoPath(path string) Option {
	return func(c *config) { c.denoPath = path }
}

// WithWorkerScript sets the worker script the deno process runs.
func WithWorkerScript(path string) Option {
	return func(c *config) { c.workerScript = path }
}

// WithMemoryLimit caps the worker's V8 heap in megabytes. Exceeding the cap
// aborts the worker process: the call fails with ErrRuntime and the session
// must be reconnected, it is not a recoverable per-call error.
func WithMemoryLimit(mb int) Option {
	return func(c *config) {
		if mb <= 0 {
			c.fail(fmt.Errorf("memory limit must be positive, got %d", mb))
			return
		}
		c.memoryLimitMB = mb
	}
}

// WithTimeout sets the per-execution deadline enforced by the worker.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		if d <= 0 {
			c.fail(fmt.Errorf("timeout must be positive, got %s", d))
			return
		}
		c.timeout = d
	}
}

// WithLogger sets the structured logger for session lifecycle events.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) { c.logger = logger }
}

// WithLogHandler forwards the worker's own log records to fn.
func WithLogHandler(fn LogFunc) Option {
	return func(c *config) { c.logFn = fn }
}

// WithMetrics records session metrics on the given collector.
func WithMetrics(m *MetricsCollector) Option {
	return func(c *config) { c.metrics = m }
}

// WithTracer adds spans around connect, execute, and callback dispatch.
func WithTracer(tracer trace.Tracer) Option {
	return func(c *config) { c.tracer = tracer }
}
