// Pybox — run stateful Python snippets in an isolated Pyodide worker.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var (
	rootLogLevel  string
	rootLogFormat string
)

var rootCmd = &cobra.Command{
	Use:   "pybox",
	Short: "Pybox — isolated Python execution with persistent sessions.",
	Long: `Pybox runs Python snippets inside a sandboxed Pyodide worker launched
through Deno. Variables persist across executions in a session, host files
are staged read-only under /files, and everything the code writes lands in
an output directory on the host. Filesystem and network access are denied
unless explicitly granted.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootLogLevel, "log-level", "info", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&rootLogFormat, "log-format", "text", "log format: text or json")
	rootCmd.AddCommand(execCmd, policyCmd, historyCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
