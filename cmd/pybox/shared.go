package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	goutils "github.com/jkaninda/go-utils"
)

// newLogger builds the process logger from the root logging flags. The level
// can also be set with PYBOX_LOG_LEVEL; the env var wins.
func newLogger() *slog.Logger {
	var level slog.Level
	switch strings.ToLower(goutils.Env("PYBOX_LOG_LEVEL", rootLogLevel)) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(rootLogFormat) == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// parseKeyVals parses repeated KEY=VALUE flag values into a map.
func parseKeyVals(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid pair %q, want KEY=VALUE", p)
		}
		out[k] = v
	}
	return out, nil
}

// parseMounts splits repeated --mount values into named mounts ("name=path")
// and bare directories, which are mounted under their base name.
func parseMounts(specs []string) (map[string]string, []string, error) {
	var named map[string]string
	var dirs []string
	for _, spec := range specs {
		name, path, ok := strings.Cut(spec, "=")
		if !ok {
			dirs = append(dirs, spec)
			continue
		}
		if name == "" || path == "" {
			return nil, nil, fmt.Errorf("invalid mount %q, want name=path or a bare directory", spec)
		}
		if named == nil {
			named = make(map[string]string)
		}
		if _, dup := named[name]; dup {
			return nil, nil, fmt.Errorf("mount %q specified twice", name)
		}
		named[name] = path
	}
	return named, dirs, nil
}

// defaultHistoryPath returns the history database location, ~/.pybox/history.db.
func defaultHistoryPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "history.db"
	}
	return filepath.Join(home, ".pybox", "history.db")
}
