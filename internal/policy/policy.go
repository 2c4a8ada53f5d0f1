// Package policy implements the safety gate that command-executing
// tools and workspace-file tools must pass before touching the
// filesystem or spawning a process.
package policy

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/wharflab/mcplsp/internal/pathutil"
)

// ErrCommandToolsDisabled is returned when a command tool is invoked
// while command execution is turned off.
var ErrCommandToolsDisabled = errors.New("policy: command tools are disabled")

// ErrUntrustedBinary is returned when a command tool names a binary
// outside the configured allow-list.
var ErrUntrustedBinary = errors.New("policy: binary is not on the trusted allow-list")

// Gate holds the workspace root, the command-tool enable flag, and the
// absolute trusted binary paths supplied at startup.
type Gate struct {
	workspaceRoot   string
	commandsEnabled bool
	trustedBinaries []string
}

// New constructs a Gate. trustedBinaries are expected to already be
// absolute paths; non-absolute entries are rejected rather than
// silently resolved, since a relative allow-list entry would defeat
// the containment guarantee it is meant to provide.
func New(workspaceRoot string, commandsEnabled bool, trustedBinaries []string) (*Gate, error) {
	root, err := filepath.Abs(filepath.Clean(workspaceRoot))
	if err != nil {
		return nil, fmt.Errorf("policy: canonicalize workspace root: %w", err)
	}

	canon := make([]string, 0, len(trustedBinaries))
	for _, b := range trustedBinaries {
		if b == "" {
			continue
		}
		if !filepath.IsAbs(b) {
			return nil, fmt.Errorf("policy: trusted binary path must be absolute: %q", b)
		}
		canon = append(canon, filepath.Clean(b))
	}

	return &Gate{
		workspaceRoot:   root,
		commandsEnabled: commandsEnabled,
		trustedBinaries: canon,
	}, nil
}

// WorkspaceRoot returns the gate's canonical workspace root.
func (g *Gate) WorkspaceRoot() string { return g.workspaceRoot }

// CommandToolsEnabled reports whether command-tool invocation is permitted at all.
func (g *Gate) CommandToolsEnabled() bool { return g.commandsEnabled }

// CheckCommandTool verifies that the command tool is enabled and that
// bin is on the trusted allow-list. bin is compared after cleaning but
// is not resolved against PATH; callers must pass an absolute path.
func (g *Gate) CheckCommandTool(bin string) error {
	if !g.commandsEnabled {
		return ErrCommandToolsDisabled
	}
	if !filepath.IsAbs(bin) {
		return fmt.Errorf("%w: %q is not absolute", ErrUntrustedBinary, bin)
	}
	clean := filepath.Clean(bin)
	for _, trusted := range g.trustedBinaries {
		if clean == trusted {
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrUntrustedBinary, bin)
}

// ResolveWorkspaceFile resolves rel against the workspace root and
// fails if it would escape the root, delegating the canonicalization
// rules to pathutil so there is exactly one containment algorithm in
// the codebase.
func (g *Gate) ResolveWorkspaceFile(rel string) (string, error) {
	return pathutil.ResolvePathWithinWorkspace(g.workspaceRoot, rel)
}
