package cmd

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"

	"github.com/wharflab/mcplsp/internal/bridge"
	"github.com/wharflab/mcplsp/internal/config"
	"github.com/wharflab/mcplsp/internal/doctracker"
	"github.com/wharflab/mcplsp/internal/lspclient"
	"github.com/wharflab/mcplsp/internal/pathutil"
	"github.com/wharflab/mcplsp/internal/policy"
	"github.com/wharflab/mcplsp/internal/supervisor"
	"github.com/wharflab/mcplsp/internal/tools"
	"github.com/wharflab/mcplsp/internal/tools/builtin"
	"github.com/wharflab/mcplsp/internal/version"
)

// serverName is the constant name advertised in the initialize
// handshake's serverInfo block.
const serverName = "mcplsp"

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the bridge on stdin/stdout",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "workspace",
				Aliases:  []string{"w"},
				Usage:    "Workspace root path",
				Required: true,
				Sources:  cli.EnvVars("MCPLSP_WORKSPACE"),
			},
			&cli.StringSliceFlag{
				Name:    "lsp-command",
				Usage:   "Child language-server command and arguments (repeatable)",
				Sources: cli.EnvVars("MCPLSP_LSP_COMMAND"),
			},
			&cli.BoolFlag{
				Name:    "allow-commands",
				Usage:   "Enable command-executing tools",
				Sources: cli.EnvVars("MCPLSP_ALLOW_COMMANDS"),
			},
			&cli.StringSliceFlag{
				Name:    "trusted-bin",
				Usage:   "Absolute path to a trusted binary for command tools (repeatable)",
				Sources: cli.EnvVars("MCPLSP_TRUSTED_BIN"),
			},
			&cli.IntFlag{
				Name:    "max-restarts",
				Usage:   "Maximum number of child-process restarts",
				Value:   5,
				Sources: cli.EnvVars("MCPLSP_MAX_RESTARTS"),
			},
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to an explicit config file (default: auto-discover)",
			},
		},
		Action: runServe,
	}
}

func runServe(ctx context.Context, cmd *cli.Command) error {
	workspaceRoot, err := filepath.Abs(cmd.String("workspace"))
	if err != nil {
		return fmt.Errorf("mcplsp: resolve workspace root: %w", err)
	}

	cfg, err := loadConfig(cmd, workspaceRoot)
	if err != nil {
		return err
	}
	if len(cfg.LanguageServerCommand) == 0 {
		return fmt.Errorf("mcplsp: no language-server command configured (set --lsp-command or language_server_command)")
	}

	gate, err := policy.New(workspaceRoot, cfg.CommandToolsEnabled, cfg.TrustedBinaries)
	if err != nil {
		return fmt.Errorf("mcplsp: construct policy gate: %w", err)
	}

	sup := supervisor.New(cfg.LanguageServerCommand, cfg.MaxRestarts)
	if err := sup.Spawn(); err != nil {
		return fmt.Errorf("mcplsp: spawn language server: %w", err)
	}
	pipes, err := sup.DetachPipes()
	if err != nil {
		return fmt.Errorf("mcplsp: detach language-server pipes: %w", err)
	}

	lsp := lspclient.New(lspclient.WithRequestTimeout(cfg.RequestTimeout))
	lsp.Connect(pipes.Stdin, pipes.Stdout, pipes.Stderr)

	workspaceURI := pathutil.PathToUri(workspaceRoot)
	if _, err := lsp.Initialize(ctx, workspaceURI); err != nil {
		return fmt.Errorf("mcplsp: initialize language server: %w", err)
	}

	docs := doctracker.New(workspaceRoot)

	registry := tools.NewRegistry()
	if err := builtin.Register(registry); err != nil {
		return fmt.Errorf("mcplsp: register built-in tools: %w", err)
	}

	server := bridge.New(bridge.Deps{
		In:            os.Stdin,
		Out:           os.Stdout,
		Registry:      registry,
		LSP:           lsp,
		Docs:          docs,
		Supervisor:    sup,
		Policy:        gate,
		WorkspaceRoot: workspaceRoot,
		WorkspaceURI:  workspaceURI,
		ServerName:    serverName,
		ServerVersion: version.Version(),
	})

	log.Printf("mcplsp: serving workspace %s", workspaceRoot)
	return server.Run(ctx)
}

// loadConfig layers the discovered/explicit config file and
// environment under defaults, then applies the serve command's flags
// as the final, highest-precedence override, per internal/config's
// documented layering order.
func loadConfig(cmd *cli.Command, workspaceRoot string) (config.Config, error) {
	var (
		cfg config.Config
		err error
	)
	if explicit := cmd.String("config"); explicit != "" {
		cfg, err = config.LoadFromFile(workspaceRoot, explicit)
	} else {
		cfg, err = config.Load(workspaceRoot)
	}
	if err != nil {
		return config.Config{}, fmt.Errorf("mcplsp: load config: %w", err)
	}

	overrides := map[string]any{}
	if lspCommand := cmd.StringSlice("lsp-command"); len(lspCommand) > 0 {
		overrides["language_server_command"] = lspCommand
	}
	if cmd.IsSet("max-restarts") {
		overrides["max_restarts"] = cmd.Int("max-restarts")
	}
	if cmd.IsSet("allow-commands") {
		overrides["command_tools_enabled"] = cmd.Bool("allow-commands")
	}
	if trusted := cmd.StringSlice("trusted-bin"); len(trusted) > 0 {
		overrides["trusted_binaries"] = trusted
	}
	if len(overrides) == 0 {
		return cfg, nil
	}
	return config.ApplyOverrides(cfg, overrides)
}
