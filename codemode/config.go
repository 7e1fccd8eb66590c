package codemode

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Supported server transports.
const (
	TransportStdio          = "stdio"
	TransportSSE            = "sse"
	TransportStreamableHTTP = "streamable_http"
)

// ServerConfig defines one external MCP server connection. The server's
// tools become methods on a proxy object of the same name inside the
// sandbox: a server named "github" with a tool "search" is called from
// Python as github.search(...).
type ServerConfig struct {
	Name      string            `json:"name" yaml:"name"`
	Transport string            `json:"transport" yaml:"transport"`                 // "stdio", "sse", or "streamable_http".
	Command   string            `json:"command,omitempty" yaml:"command,omitempty"` // Executable to launch (stdio only).
	Args      []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty" yaml:"env,omitempty"`         // Subprocess env vars (stdio only). Values support ${VAR} expansion.
	URL       string            `json:"url,omitempty" yaml:"url,omitempty"`         // Server endpoint (sse/streamable_http only).
	Headers   map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"` // HTTP headers (sse/streamable_http). Values support ${VAR} expansion.
}

func (c ServerConfig) validate() error {
	if c.Name == "" {
		return fmt.Errorf("server name is required")
	}
	switch c.Transport {
	case TransportStdio:
		if c.Command == "" {
			return fmt.Errorf("server %q: stdio transport requires a command", c.Name)
		}
	case TransportSSE, TransportStreamableHTTP:
		if c.URL == "" {
			return fmt.Errorf("server %q: %s transport requires a url", c.Name, c.Transport)
		}
	default:
		return fmt.Errorf("server %q: unsupported transport %q", c.Name, c.Transport)
	}
	return nil
}

type serversFile struct {
	Servers []ServerConfig `json:"servers" yaml:"servers"`
}

// LoadServers reads server definitions from a JSON or YAML file. The format
// is detected by extension: .yml/.yaml for YAML, everything else for JSON.
func LoadServers(path string) ([]ServerConfig, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var file serversFile
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	seen := make(map[string]bool, len(file.Servers))
	for _, srv := range file.Servers {
		if err := srv.validate(); err != nil {
			return nil, err
		}
		if seen[srv.Name] {
			return nil, fmt.Errorf("server %q defined twice", srv.Name)
		}
		seen[srv.Name] = true
	}
	return file.Servers, nil
}

// resolvePath expands a leading ~ to the user's home directory.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}
