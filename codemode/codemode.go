// Package codemode runs Python snippets that orchestrate external MCP
// (Model Context Protocol) servers. Each configured server appears inside
// the sandbox as a proxy object named after it, so scripts call its tools
// as plain methods:
//
//	results = github.search_code(query="language:go slog")
//
// The client is a deliberate facade over pybox.Sandbox: it exposes a small,
// explicit method set rather than the sandbox's whole surface. Snippets can
// discover what is callable through the __mcp_tools__ global, which maps
// each server name to its tools and their descriptions.
package codemode

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"

	"github.com/jkaninda/pybox"
)

type options struct {
	servers     []ServerConfig
	serversFile string
	sandbox     []pybox.Option
	logger      *slog.Logger
}

// Option configures a Client.
type Option func(*options)

// WithServers adds MCP server definitions to connect at construction.
func WithServers(cfgs ...ServerConfig) Option {
	return func(o *options) { o.servers = append(o.servers, cfgs...) }
}

// WithServersFile loads MCP server definitions from a JSON or YAML file.
func WithServersFile(path string) Option {
	return func(o *options) { o.serversFile = path }
}

// WithSandboxOptions forwards options to the underlying sandbox, for mounts,
// input files, network policy, timeouts and the like.
func WithSandboxOptions(opts ...pybox.Option) Option {
	return func(o *options) { o.sandbox = append(o.sandbox, opts...) }
}

// WithLogger sets the logger for the client and its server connections.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// Client is a connected code-mode session: a Python sandbox wired to a set
// of MCP servers. It is not safe for concurrent use.
type Client struct {
	sandbox *pybox.Sandbox
	bridge  *Bridge
	servers []*Server
	logger  *slog.Logger
}

// New connects the configured MCP servers, starts a sandbox with one proxy
// per server, and returns a ready Client. On any failure everything already
// started is torn down.
func New(ctx context.Context, opts ...Option) (*Client, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	servers := o.servers
	if o.serversFile != "" {
		fromFile, err := LoadServers(o.serversFile)
		if err != nil {
			return nil, err
		}
		servers = append(fromFile, servers...)
	}
	if len(servers) == 0 {
		return nil, fmt.Errorf("no MCP servers configured")
	}

	bridge := NewBridge(o.logger)
	connected := make([]*Server, 0, len(servers))
	sandboxOpts := make([]pybox.Option, 0, len(servers)+len(o.sandbox))
	for _, cfg := range servers {
		srv, err := bridge.Connect(ctx, cfg)
		if err != nil {
			bridge.Close()
			return nil, err
		}
		connected = append(connected, srv)
		sandboxOpts = append(sandboxOpts, pybox.WithProxy(srv.Name(), srv.Proxy()))
	}
	sandboxOpts = append(sandboxOpts, pybox.WithGlobals(map[string]any{
		toolHelpGlobal: toolHelp(connected),
	}))
	sandboxOpts = append(sandboxOpts, o.sandbox...)

	sb, err := pybox.New(sandboxOpts...)
	if err != nil {
		bridge.Close()
		return nil, err
	}
	if err := sb.Connect(ctx); err != nil {
		sb.Close()
		bridge.Close()
		return nil, err
	}

	return &Client{
		sandbox: sb,
		bridge:  bridge,
		servers: connected,
		logger:  o.logger,
	}, nil
}

// Run executes a Python snippet in the session. Variables persist between
// calls, and any extra files are staged under /files before the code runs.
func (c *Client) Run(ctx context.Context, code string, files ...string) (*pybox.Result, error) {
	return c.sandbox.Execute(ctx, code, files...)
}

// Upload stages files into the sandbox without executing anything.
func (c *Client) Upload(ctx context.Context, files ...string) error {
	return c.sandbox.UploadFiles(ctx, files...)
}

// OutputDir returns the host directory where produced files land.
func (c *Client) OutputDir() string { return c.sandbox.OutputDir() }

// State reports the underlying session state.
func (c *Client) State() pybox.State { return c.sandbox.State() }

// Servers returns the connected server names in sorted order.
func (c *Client) Servers() []string {
	names := make([]string, 0, len(c.servers))
	for _, s := range c.servers {
		names = append(names, s.Name())
	}
	sort.Strings(names)
	return names
}

// Close shuts down the sandbox and every MCP server connection. It is
// idempotent and always releases the connections.
func (c *Client) Close() error {
	err := c.sandbox.Close()
	c.bridge.Close()
	return err
}

// toolHelpGlobal is the Python variable snippets read to discover the
// connected servers and their tools.
const toolHelpGlobal = "__mcp_tools__"

// toolHelp builds the discovery document: server name to tool name to
// description.
func toolHelp(servers []*Server) map[string]any {
	doc := make(map[string]any, len(servers))
	for _, srv := range servers {
		tools := make(map[string]string, len(srv.tools))
		for name, t := range srv.tools {
			tools[name] = t.Description
		}
		doc[srv.Name()] = tools
	}
	return doc
}
