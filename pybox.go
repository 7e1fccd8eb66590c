// Package pybox runs untrusted Python snippets in an isolated Deno/Pyodide
// worker process while keeping the host in control of exactly which
// filesystem paths, network hosts, and host-defined functions the code may
// touch. A Sandbox is one worker process: connect it, execute code against
// it (interpreter state persists across calls), and close it. Sandboxed
// code can call back into host-registered tools and proxies mid-execution.
package pybox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/pybox/internal/policy"
	"github.com/jkaninda/pybox/internal/stage"
)

// Version is reported to the worker during the MCP handshake.
const Version = "0.1.0"

// reservedMountName is the mount the staging directory is always exposed
// under; sandboxed code reads staged input files from it.
const reservedMountName = "files"

// State is the lifecycle state of a Sandbox.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConfiguring
	StateReady
	StateExecuting
	StateCrashed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConfiguring:
		return "configuring"
	case StateReady:
		return "ready"
	case StateExecuting:
		return "executing"
	case StateCrashed:
		return "crashed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Sandbox manages one worker process. Create it with New, establish the
// worker with Connect, then call Execute as often as needed; the worker
// keeps interpreter state (globals, imports) between calls. Callers must
// serialize operations on a Sandbox: at most one Execute may be in flight.
// Always Close a Sandbox; Close is idempotent and safe to defer right after
// New.
type Sandbox struct {
	id     string
	logger *slog.Logger

	denoPath     string
	workerScript string

	mounts     map[string]string
	files      []string
	outputDir  string
	outputTemp bool

	denoCacheDir string
	sessionDir   string
	packageCache string
	stager       *stage.Stager

	globals  map[string]any
	packages []string
	env      map[string]string

	allowAllNet bool
	allowHosts  []string
	autoLoad    bool

	memoryLimitMB int
	timeout       time.Duration

	dispatcher *dispatcher
	logFn      LogFunc
	metrics    *MetricsCollector
	tracer     trace.Tracer

	mu     sync.Mutex
	state  State
	worker *workerClient
}

// New builds a Sandbox from the given options. It verifies the deno binary,
// creates the session's staging and cache directories, and normalizes the
// mount table; it does not launch the worker. Call Connect for that. The
// returned Sandbox must be closed even if Connect is never called.
func New(opts ...Option) (*Sandbox, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.err != nil {
		return nil, cfg.err
	}

	if _, err := exec.LookPath(cfg.denoPath); err != nil {
		return nil, fmt.Errorf("deno not found at %q, install it from https://deno.land: %w", cfg.denoPath, err)
	}

	if cfg.workerScript == "" {
		cfg.workerScript = os.Getenv(EnvWorkerScript)
	}
	if cfg.workerScript == "" {
		return nil, fmt.Errorf("worker script not configured: use WithWorkerScript or set %s", EnvWorkerScript)
	}
	workerScript, err := filepath.Abs(cfg.workerScript)
	if err != nil {
		return nil, fmt.Errorf("resolving worker script path: %w", err)
	}

	logger := cfg.logger
	if logger == nil {
		logger = slog.Default()
	}

	userCache, err := os.UserCacheDir()
	if err != nil {
		return nil, fmt.Errorf("resolving user cache dir: %w", err)
	}
	denoCacheDir := filepath.Join(userCache, "pybox", "deno_core")
	if err := os.MkdirAll(denoCacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating deno cache dir: %w", err)
	}

	sessionDir, err := os.MkdirTemp("", "pybox-")
	if err != nil {
		return nil, fmt.Errorf("creating session dir: %w", err)
	}
	stagingDir := filepath.Join(sessionDir, reservedMountName)
	if err := os.Mkdir(stagingDir, 0o755); err != nil {
		_ = os.RemoveAll(sessionDir)
		return nil, fmt.Errorf("creating staging dir: %w", err)
	}

	outputDir := cfg.outputDir
	outputTemp := false
	if outputDir == "" {
		outputDir, err = os.MkdirTemp("", "pybox-out-")
		if err != nil {
			_ = os.RemoveAll(sessionDir)
			return nil, fmt.Errorf("creating output dir: %w", err)
		}
		outputTemp = true
	} else if outputDir, err = filepath.Abs(outputDir); err != nil {
		_ = os.RemoveAll(sessionDir)
		return nil, fmt.Errorf("resolving output dir: %w", err)
	}

	mounts, err := normalizeMounts(cfg.mounts, cfg.mountDirs, stagingDir)
	if err != nil {
		_ = os.RemoveAll(sessionDir)
		if outputTemp {
			_ = os.RemoveAll(outputDir)
		}
		return nil, err
	}

	s := &Sandbox{
		id:            uuid.New().String(),
		logger:        logger,
		denoPath:      cfg.denoPath,
		workerScript:  workerScript,
		mounts:        mounts,
		files:         cfg.files,
		outputDir:     outputDir,
		outputTemp:    outputTemp,
		denoCacheDir:  denoCacheDir,
		sessionDir:    sessionDir,
		packageCache:  filepath.Join(sessionDir, "package_cache"),
		stager:        stage.New(stagingDir, logger),
		globals:       cfg.globals,
		packages:      cfg.packages,
		env:           resolveEnv(cfg.env, cfg.envPass),
		allowAllNet:   cfg.allowAllNet,
		allowHosts:    cfg.allowHosts,
		autoLoad:      cfg.autoLoad,
		memoryLimitMB: cfg.memoryLimitMB,
		timeout:       cfg.timeout,
		logFn:         cfg.logFn,
		metrics:       cfg.metrics,
		tracer:        cfg.tracer,
		state:         StateDisconnected,
	}
	s.dispatcher = &dispatcher{
		tools:   cfg.tools,
		proxies: cfg.proxies,
		logger:  logger,
		metrics: cfg.metrics,
		tracer:  cfg.tracer,
	}
	return s, nil
}

// ID returns the session's unique identifier.
func (s *Sandbox) ID() string { return s.id }

// OutputDir returns the directory produced files are resolved against.
func (s *Sandbox) OutputDir() string { return s.outputDir }

// State returns the session's current lifecycle state.
func (s *Sandbox) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// setState transitions the session unless it was closed concurrently:
// Closed is terminal.
func (s *Sandbox) setState(st State) {
	s.mu.Lock()
	if s.state != StateClosed {
		s.state = st
	}
	s.mu.Unlock()
}

// Connect launches the worker with the computed permission policy, runs the
// configuration handshake, and stages the declared input files. It is a
// no-op when the session is already ready or executing. On failure the
// session is left disconnected with any partially created worker torn down,
// and Connect may be retried.
func (s *Sandbox) Connect(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateReady, StateExecuting:
		s.mu.Unlock()
		return nil
	case StateClosed:
		s.mu.Unlock()
		return ErrClosed
	case StateConnecting, StateConfiguring:
		s.mu.Unlock()
		return fmt.Errorf("%w: connect already in progress", ErrNotConnected)
	}
	s.state = StateConnecting
	stale := s.worker
	s.worker = nil
	s.mu.Unlock()

	if stale != nil {
		// Left over from a crashed session; release its pipes before
		// relaunching.
		_ = stale.close()
	}

	var span trace.Span
	if s.tracer != nil {
		ctx, span = s.tracer.Start(ctx, "sandbox.connect")
	}

	err := s.connect(ctx)

	if s.metrics != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		s.metrics.ConnectsTotal.WithLabelValues(status).Inc()
	}
	if span != nil {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
	return err
}

func (s *Sandbox) connect(ctx context.Context) error {
	pol := policy.Build(policy.Spec{
		Mounts:           s.mounts,
		StagingDir:       s.stager.Dir(),
		OutputDir:        s.outputDir,
		DenoCacheDir:     s.denoCacheDir,
		PackageCacheDir:  s.packageCache,
		AllowAllNet:      s.allowAllNet,
		AllowHosts:       s.allowHosts,
		AutoLoadPackages: s.autoLoad,
		MemoryLimitMB:    s.memoryLimitMB,
	})
	args := pol.Args(s.workerScript)

	env := make([]string, 0, len(s.env)+3)
	for k, v := range s.env {
		env = append(env, k+"="+v)
	}
	env = append(env,
		"PACKAGE_CACHE_DIR="+s.packageCache,
		"DENO_DIR="+s.denoCacheDir,
		"MPLBACKEND=Agg",
	)

	s.logger.Info("launching worker",
		slog.String("session", s.id),
		slog.Int("mounts", len(s.mounts)),
		slog.Int("memory_limit_mb", s.memoryLimitMB),
	)
	s.logger.Debug("worker argv", slog.Any("args", args))

	worker, err := launchWorker(ctx, s.denoPath, args, env, s.dispatcher, s.logFn, s.logger)
	if err != nil {
		s.setState(StateDisconnected)
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}

	s.setState(StateConfiguring)

	if err := s.configure(ctx, worker, pol); err != nil {
		_ = worker.close()
		s.setState(StateDisconnected)
		return err
	}

	if err := s.stager.Stage(ctx, s.files); err != nil {
		_ = worker.close()
		s.setState(StateDisconnected)
		return fmt.Errorf("staging initial files: %w", err)
	}
	if s.metrics != nil && len(s.files) > 0 {
		s.metrics.StagedFilesTotal.Add(float64(len(s.files)))
	}

	s.mu.Lock()
	if s.state == StateClosed {
		// Closed while connecting; the worker must not outlive the session.
		s.mu.Unlock()
		_ = worker.close()
		return ErrClosed
	}
	s.worker = worker
	s.state = StateReady
	s.mu.Unlock()

	s.logger.Info("sandbox connected", slog.String("session", s.id))
	return nil
}

// configure runs the configuration handshake: globals, mount table, output
// directory, tool and proxy names, package list, and capability flags.
func (s *Sandbox) configure(ctx context.Context, worker *workerClient, pol policy.Policy) error {
	params := configureParams{
		Globals:                s.globals,
		Mounts:                 s.mounts,
		OutputDir:              s.outputDir,
		Tools:                  sortedNames(s.dispatcher.tools),
		ProxyTools:             sortedNames(s.dispatcher.proxies),
		Packages:               s.packages,
		DisableNet:             pol.DisableNet,
		DisableRuntimePackages: pol.DisableRuntimePackages,
	}

	res, err := worker.call(ctx, methodConfigure, params)
	if err != nil {
		return err
	}
	if !res.IsSuccess {
		if res.ErrorCode != "" {
			return structuredError(res.ErrorCode, res.Error)
		}
		msg := res.Error
		if msg == "" {
			msg = "unknown error"
		}
		return fmt.Errorf("%w: configuration rejected: %s", ErrConnection, msg)
	}
	return nil
}

// Close terminates the worker, removes the session's temporary directories
// (staging, package cache, and the output directory when the session created
// it), and transitions to Closed. Close is idempotent and never fails on a
// repeat call; it also releases directories when the session never
// connected.
func (s *Sandbox) Close() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	worker := s.worker
	s.worker = nil
	s.state = StateClosed
	s.mu.Unlock()

	if worker != nil {
		if err := worker.close(); err != nil {
			s.logger.Warn("closing worker", slog.String("session", s.id), slog.String("error", err.Error()))
		}
	}
	if err := os.RemoveAll(s.sessionDir); err != nil {
		s.logger.Warn("removing session dir", slog.String("error", err.Error()))
	}
	if s.outputTemp {
		if err := os.RemoveAll(s.outputDir); err != nil {
			s.logger.Warn("removing output dir", slog.String("error", err.Error()))
		}
	}

	s.logger.Info("sandbox closed", slog.String("session", s.id))
	return nil
}

// normalizeMounts merges named mounts and bare directories (keyed by base
// name) into one table, resolves every path to absolute, and binds the
// reserved staging mount.
func normalizeMounts(named map[string]string, dirs []string, stagingDir string) (map[string]string, error) {
	mounts := make(map[string]string, len(named)+len(dirs)+1)
	for name, path := range named {
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("resolving mount %q: %w", name, err)
		}
		mounts[name] = abs
	}
	for _, dir := range dirs {
		abs, err := filepath.Abs(dir)
		if err != nil {
			return nil, fmt.Errorf("resolving mount dir %q: %w", dir, err)
		}
		name := filepath.Base(abs)
		if name == reservedMountName {
			return nil, fmt.Errorf("mount name %q is reserved for the staging directory", reservedMountName)
		}
		if _, dup := mounts[name]; dup {
			return nil, fmt.Errorf("mount %q declared twice", name)
		}
		mounts[name] = abs
	}
	mounts[reservedMountName] = stagingDir
	return mounts, nil
}

// resolveEnv merges explicit variables with passthrough names copied from
// the host environment. Explicit values win.
func resolveEnv(explicit map[string]string, passthrough []string) map[string]string {
	env := make(map[string]string, len(explicit)+len(passthrough))
	for _, name := range passthrough {
		if v, ok := os.LookupEnv(name); ok {
			env[name] = v
		}
	}
	for k, v := range explicit {
		env[k] = v
	}
	return env
}

func sortedNames[V any](m map[string]V) []string {
	if len(m) == 0 {
		return nil
	}
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
