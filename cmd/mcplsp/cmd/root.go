// Package cmd wires the urfave/cli/v3 command surface for mcplsp: a
// "serve" command that runs the bridge on stdio, and a "version"
// command.
package cmd

import (
	"context"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/wharflab/mcplsp/internal/version"
)

// NewApp creates the CLI application.
func NewApp() *cli.Command {
	return &cli.Command{
		Name:  "mcplsp",
		Usage: "Bridge an AI-assistant JSON-RPC client to a language server",
		Version: version.Version(),
		Description: `mcplsp terminates an AI-assistant protocol on stdin/stdout and drives a
language-server child process over Content-Length-framed JSON-RPC,
exposing a curated catalog of code-intelligence tools.

Examples:
  mcplsp serve --workspace . --lsp-command gopls --lsp-command serve
  mcplsp --workspace . --lsp-command gopls --lsp-command serve`,
		Commands: []*cli.Command{
			serveCommand(),
			versionCommand(),
		},
	}
}

// topLevelNames are the tokens Execute treats as an explicit
// subcommand or global flag, rather than arguments to the implicit
// default "serve" command.
var topLevelNames = map[string]bool{
	"serve": true, "version": true,
	"help": true, "-h": true, "--help": true,
	"-v": true, "--version": true,
}

// Execute runs the CLI application, aliasing "serve" as the default
// action so `mcplsp --workspace .` behaves like `mcplsp serve --workspace .`.
func Execute() error {
	args := os.Args
	if len(args) >= 2 && !topLevelNames[args[1]] {
		expanded := make([]string, 0, len(args)+1)
		expanded = append(expanded, args[0], "serve")
		expanded = append(expanded, args[1:]...)
		args = expanded
	}
	return NewApp().Run(context.Background(), args)
}
