package pybox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Execute runs a Python snippet in the worker and blocks until it finishes,
// the worker-enforced timeout expires, or the transport fails. Any files are
// staged into the reserved mount first, additive to the session's initial
// file set.
//
// Script-level failures never surface as Go errors: the returned Result
// carries the worker's error description and the session stays ready.
// ErrTimeout and ErrPermission are recoverable, the session stays ready.
// ErrRuntime means the worker died mid-call; the session is crashed until
// reconnected. Canceling ctx abandons the in-flight call and also leaves
// the session crashed, since the worker's state is unknown.
func (s *Sandbox) Execute(ctx context.Context, code string, files ...string) (*Result, error) {
	s.mu.Lock()
	switch s.state {
	case StateReady:
	case StateClosed:
		s.mu.Unlock()
		return nil, ErrClosed
	default:
		st := s.state
		s.mu.Unlock()
		return nil, fmt.Errorf("%w (state %s)", ErrNotConnected, st)
	}
	worker := s.worker
	s.state = StateExecuting
	s.mu.Unlock()

	var span trace.Span
	if s.tracer != nil {
		ctx, span = s.tracer.Start(ctx, "sandbox.execute",
			trace.WithAttributes(attribute.Int("code.bytes", len(code))))
	}

	res, status, err := s.execute(ctx, worker, code, files)

	if s.metrics != nil {
		s.metrics.ExecutionsTotal.WithLabelValues(status).Inc()
	}
	if span != nil {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
	return res, err
}

func (s *Sandbox) execute(ctx context.Context, worker *workerClient, code string, files []string) (*Result, string, error) {
	if len(files) > 0 {
		if err := s.stager.Stage(ctx, files); err != nil {
			s.setState(StateReady)
			return nil, execStatusError, fmt.Errorf("staging files: %w", err)
		}
		if s.metrics != nil {
			s.metrics.StagedFilesTotal.Add(float64(len(files)))
		}
	}

	start := time.Now()
	wr, err := worker.call(ctx, methodExecute, executeParams{
		Code:             code,
		Timeout:          s.timeout.Seconds(),
		AutoLoadPackages: s.autoLoad,
	})
	duration := time.Since(start)
	if s.metrics != nil {
		s.metrics.ExecutionDuration.Observe(duration.Seconds())
	}

	if err != nil {
		switch {
		case errors.Is(err, ErrTimeout):
			// The worker aborts the script itself and stays usable.
			s.setState(StateReady)
			return nil, execStatusTimeout, err
		case errors.Is(err, ErrPermission):
			s.setState(StateReady)
			return nil, execStatusPermission, err
		case errors.Is(err, ErrRuntime):
			s.setState(StateCrashed)
			s.logger.Error("worker crashed mid-call",
				slog.String("session", s.id),
				slog.String("error", err.Error()),
			)
			return nil, execStatusCrashed, err
		default:
			// Protocol errors and abandoned calls leave the worker in an
			// unknown state.
			s.setState(StateCrashed)
			return nil, execStatusError, err
		}
	}

	s.setState(StateReady)

	result := &Result{Output: wr.Result, Error: wr.Error, Files: s.resolveOutputFiles(wr.Files)}

	status := execStatusOK
	if result.Error != "" {
		status = execStatusScriptError
	}
	s.logger.Debug("execution finished",
		slog.String("session", s.id),
		slog.Duration("duration", duration),
		slog.Bool("script_error", result.Error != ""),
		slog.Int("files", len(result.Files)),
	)
	return result, status, nil
}

// resolveOutputFiles maps worker-reported file names onto the host output
// directory. Names that would resolve outside it are dropped; the worker
// cannot write there anyway, so such a name is never a real file.
func (s *Sandbox) resolveOutputFiles(names []string) []string {
	resolved := make([]string, 0, len(names))
	for _, f := range names {
		if !filepath.IsLocal(f) {
			s.logger.Warn("ignoring non-local output file name",
				slog.String("session", s.id),
				slog.String("name", f),
			)
			continue
		}
		resolved = append(resolved, filepath.Join(s.outputDir, f))
	}
	return resolved
}

// UploadFiles stages host files into the reserved staging mount so
// subsequent Execute calls can read them. It works before Connect as well;
// files staged early are visible once the session is up.
func (s *Sandbox) UploadFiles(ctx context.Context, files ...string) error {
	s.mu.Lock()
	closed := s.state == StateClosed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}

	if err := s.stager.Stage(ctx, files); err != nil {
		return err
	}
	if s.metrics != nil && len(files) > 0 {
		s.metrics.StagedFilesTotal.Add(float64(len(files)))
	}
	return nil
}
