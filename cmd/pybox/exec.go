package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/pybox"
	"github.com/jkaninda/pybox/internal/history"
)

// Exit codes for the exec command.
const (
	ExitSuccess            = 0
	ExitFailure            = 1
	ExitScriptError        = 2
	ExitRuntimeUnavailable = 3
)

var (
	execCode         string
	execFile         string
	execInputs       []string
	execMounts       []string
	execOutputDir    string
	execAllowNet     []string
	execPackages     []string
	execAutoLoad     bool
	execGlobals      string
	execEnv          []string
	execEnvPass      []string
	execTimeout      int
	execMemoryMB     int
	execDenoPath     string
	execWorkerScript string
	execHistory      bool
	execHistoryDB    string
)

var execCmd = &cobra.Command{
	Use:   "exec",
	Short: "Run a Python snippet in an isolated worker",
	Long: `Run a Python snippet in a sandboxed Pyodide worker and print its output.
Input files are staged read-only under /files, produced files land in the
output directory, and network access is denied unless granted.

Examples:
  pybox exec -c "1 + 1"
  pybox exec --file analyze.py --input data.csv --output-dir ./out
  pybox exec -c "import numpy" --packages numpy
  pybox exec -c "fetch_data()" --allow-net api.example.com:443

Exit codes:
  0  success
  1  execution failure
  2  the script raised an error
  3  deno or the worker is unavailable`,
	RunE: runExec,
}

func init() {
	execCmd.Flags().StringVarP(&execCode, "code", "c", "", "Python code to run")
	execCmd.Flags().StringVarP(&execFile, "file", "f", "", "read code from a file, or - for stdin")
	execCmd.Flags().StringArrayVar(&execInputs, "input", nil, "host file staged under /files (repeatable)")
	execCmd.Flags().StringArrayVar(&execMounts, "mount", nil, "read-only mount, name=path or a bare directory (repeatable)")
	execCmd.Flags().StringVar(&execOutputDir, "output-dir", "", "directory produced files are written to")
	execCmd.Flags().StringArrayVar(&execAllowNet, "allow-net", nil, "host:port to allow, or \"all\" (repeatable)")
	execCmd.Flags().StringArrayVar(&execPackages, "packages", nil, "Python packages installed before the code runs (repeatable)")
	execCmd.Flags().BoolVar(&execAutoLoad, "auto-load-packages", false, "resolve missing imports at run time")
	execCmd.Flags().StringVar(&execGlobals, "globals", "", "JSON object bound as global variables")
	execCmd.Flags().StringArrayVar(&execEnv, "env", nil, "worker environment variable, KEY=VALUE (repeatable)")
	execCmd.Flags().StringArrayVar(&execEnvPass, "env-passthrough", nil, "host environment variable copied into the worker (repeatable)")
	execCmd.Flags().IntVar(&execTimeout, "timeout", 60, "per-execution timeout in seconds")
	execCmd.Flags().IntVar(&execMemoryMB, "memory-limit", pybox.DefaultMemoryLimitMB, "worker memory ceiling in MB")
	execCmd.Flags().StringVar(&execDenoPath, "deno", "", "deno binary (or PYBOX_DENO env)")
	execCmd.Flags().StringVar(&execWorkerScript, "worker-script", "", "worker script path (or PYBOX_WORKER_SCRIPT env)")
	execCmd.Flags().BoolVar(&execHistory, "history", false, "record the execution in the history database")
	execCmd.Flags().StringVar(&execHistoryDB, "history-db", defaultHistoryPath(), "history database path")
}

func runExec(_ *cobra.Command, _ []string) error {
	logger := newLogger()

	code, err := readCode()
	if err != nil {
		return err
	}
	opts, err := execOptions(logger)
	if err != nil {
		return err
	}

	s, err := pybox.New(opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, exec.ErrNotFound) {
			os.Exit(ExitRuntimeUnavailable)
		}
		os.Exit(ExitFailure)
	}

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	exitCode := executeAndReport(ctx, s, code, logger)

	if err := s.Close(); err != nil {
		logger.Warn("closing sandbox", slog.String("error", err.Error()))
	}
	os.Exit(exitCode)
	return nil
}

func executeAndReport(ctx context.Context, s *pybox.Sandbox, code string, logger *slog.Logger) int {
	if err := s.Connect(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, pybox.ErrConnection) {
			return ExitRuntimeUnavailable
		}
		return ExitFailure
	}

	start := time.Now()
	res, err := s.Execute(ctx, code)
	elapsed := time.Since(start)

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		recordHistory(s.ID(), code, "", err.Error(), elapsed, logger)
		if errors.Is(err, pybox.ErrRuntime) {
			return ExitRuntimeUnavailable
		}
		return ExitFailure
	}

	output := renderOutput(res.Output)
	recordHistory(s.ID(), code, output, res.Error, elapsed, logger)

	if output != "" {
		fmt.Println(output)
	}
	if res.Error != "" {
		fmt.Fprintf(os.Stderr, "script error: %s\n", res.Error)
		return ExitScriptError
	}
	for _, f := range res.Files {
		fmt.Fprintf(os.Stderr, "saved: %s\n", f)
	}
	return ExitSuccess
}

// readCode resolves the snippet from --code, a file, or stdin.
func readCode() (string, error) {
	if execCode != "" && execFile != "" {
		return "", fmt.Errorf("--code and --file are mutually exclusive")
	}
	if execCode != "" {
		return execCode, nil
	}
	switch execFile {
	case "":
		return "", fmt.Errorf("no code given: use -c or --file")
	case "-":
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", fmt.Errorf("reading code from stdin: %w", err)
		}
		return string(data), nil
	default:
		data, err := os.ReadFile(execFile)
		if err != nil {
			return "", fmt.Errorf("reading code file: %w", err)
		}
		return string(data), nil
	}
}

// execOptions translates the exec flags into sandbox options.
func execOptions(logger *slog.Logger) ([]pybox.Option, error) {
	opts := []pybox.Option{
		pybox.WithLogger(logger),
		pybox.WithTimeout(time.Duration(execTimeout) * time.Second),
		pybox.WithMemoryLimit(execMemoryMB),
	}

	named, dirs, err := parseMounts(execMounts)
	if err != nil {
		return nil, err
	}
	for name, path := range named {
		opts = append(opts, pybox.WithMount(name, path))
	}
	if len(dirs) > 0 {
		opts = append(opts, pybox.WithMountDirs(dirs...))
	}
	if len(execInputs) > 0 {
		opts = append(opts, pybox.WithFiles(execInputs...))
	}
	if execOutputDir != "" {
		opts = append(opts, pybox.WithOutputDir(execOutputDir))
	}

	allowAll := false
	var hosts []string
	for _, h := range execAllowNet {
		if h == "all" {
			allowAll = true
			continue
		}
		hosts = append(hosts, h)
	}
	if allowAll {
		opts = append(opts, pybox.WithAllowAllNet())
	}
	if len(hosts) > 0 {
		opts = append(opts, pybox.WithAllowNet(hosts...))
	}

	if len(execPackages) > 0 {
		opts = append(opts, pybox.WithPackages(execPackages...))
	}
	if execAutoLoad {
		opts = append(opts, pybox.WithAutoLoadPackages())
	}

	if execGlobals != "" {
		var globals map[string]any
		if err := json.Unmarshal([]byte(execGlobals), &globals); err != nil {
			return nil, fmt.Errorf("parsing --globals: %w", err)
		}
		opts = append(opts, pybox.WithGlobals(globals))
	}

	env, err := parseKeyVals(execEnv)
	if err != nil {
		return nil, err
	}
	if len(env) > 0 {
		opts = append(opts, pybox.WithEnv(env))
	}
	if len(execEnvPass) > 0 {
		opts = append(opts, pybox.WithEnvPassthrough(execEnvPass...))
	}

	if deno := goutils.Env("PYBOX_DENO", execDenoPath); deno != "" {
		opts = append(opts, pybox.WithDenoPath(deno))
	}
	if execWorkerScript != "" {
		opts = append(opts, pybox.WithWorkerScript(execWorkerScript))
	}
	return opts, nil
}

// renderOutput turns the execution result into printable text. Strings pass
// through; anything structured is printed as indented JSON.
func renderOutput(v any) string {
	switch out := v.(type) {
	case nil:
		return ""
	case string:
		return out
	default:
		data, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return fmt.Sprint(out)
		}
		return string(data)
	}
}

// recordHistory appends one execution to the history database when --history
// is set. History failures are logged, never fatal.
func recordHistory(sessionID, code, output, errMsg string, elapsed time.Duration, logger *slog.Logger) {
	if !execHistory {
		return
	}
	store, err := history.Open(history.Config{Path: execHistoryDB}, logger)
	if err != nil {
		logger.Warn("opening history store", slog.String("error", err.Error()))
		return
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.Migrate(ctx); err != nil {
		logger.Warn("migrating history store", slog.String("error", err.Error()))
		return
	}
	if err := store.Append(ctx, history.Record{
		SessionID:  sessionID,
		Code:       code,
		Output:     output,
		Error:      errMsg,
		DurationMS: elapsed.Milliseconds(),
	}); err != nil {
		logger.Warn("recording execution", slog.String("error", err.Error()))
	}
}
