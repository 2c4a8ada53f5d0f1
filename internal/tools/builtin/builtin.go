// Package builtin registers the small built-in tool catalog that
// exercises the dispatch boundary end-to-end: hover, definition,
// references and diagnostics ask the connected language server a
// question through the document tracker and LSP client, then render a
// human-readable text result; run executes a trusted binary through
// the policy gate and returns its output.
package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"

	"github.com/wharflab/mcplsp/internal/tools"
)

// Register adds the built-in catalog to reg.
func Register(reg *tools.Registry) error {
	for _, def := range []tools.Definition{
		hoverTool(),
		definitionTool(),
		referencesTool(),
		diagnosticsTool(),
		runTool(),
	} {
		if err := reg.Register(def); err != nil {
			return err
		}
	}
	return nil
}

func positionSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":      map[string]any{"type": "string", "description": "file path relative to the workspace root"},
			"line":      map[string]any{"type": "integer", "description": "zero-based line number"},
			"character": map[string]any{"type": "integer", "description": "zero-based UTF-16 character offset"},
		},
		"required": []any{"path", "line", "character"},
	}
}

type position struct {
	Line      int `json:"line"`
	Character int `json:"character"`
}

type textDocumentPositionParams struct {
	TextDocument textDocumentIdentifier `json:"textDocument"`
	Position     position               `json:"position"`
}

type textDocumentIdentifier struct {
	URI string `json:"uri"`
}

func parsePosition(arguments map[string]any) (path string, pos position, err error) {
	path, ok := arguments["path"].(string)
	if !ok || path == "" {
		return "", position{}, fmt.Errorf("builtin: missing path argument")
	}
	line, ok := asInt(arguments["line"])
	if !ok {
		return "", position{}, fmt.Errorf("builtin: missing line argument")
	}
	character, ok := asInt(arguments["character"])
	if !ok {
		return "", position{}, fmt.Errorf("builtin: missing character argument")
	}
	return path, position{Line: line, Character: character}, nil
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	default:
		return 0, false
	}
}

func hoverTool() tools.Definition {
	return tools.Definition{
		Name:        "hover",
		Description: "Shows hover information (type, docs) at a position in a file.",
		Schema:      positionSchema(),
		Handler: func(ctx context.Context, tc *tools.ToolContext, arguments map[string]any) (string, error) {
			path, pos, err := parsePosition(arguments)
			if err != nil {
				return "", err
			}
			uri, err := tc.Docs.EnsureOpen(ctx, tc.LSP, path)
			if err != nil {
				return "", err
			}
			result, err := tc.LSP.SendRequest(ctx, "textDocument/hover", textDocumentPositionParams{
				TextDocument: textDocumentIdentifier{URI: uri},
				Position:     pos,
			})
			if err != nil {
				return "", err
			}
			return formatJSONResult(result), nil
		},
	}
}

func definitionTool() tools.Definition {
	return tools.Definition{
		Name:        "definition",
		Description: "Finds the definition location of the symbol at a position in a file.",
		Schema:      positionSchema(),
		Handler: func(ctx context.Context, tc *tools.ToolContext, arguments map[string]any) (string, error) {
			path, pos, err := parsePosition(arguments)
			if err != nil {
				return "", err
			}
			uri, err := tc.Docs.EnsureOpen(ctx, tc.LSP, path)
			if err != nil {
				return "", err
			}
			result, err := tc.LSP.SendRequest(ctx, "textDocument/definition", textDocumentPositionParams{
				TextDocument: textDocumentIdentifier{URI: uri},
				Position:     pos,
			})
			if err != nil {
				return "", err
			}
			return formatJSONResult(result), nil
		},
	}
}

func referencesTool() tools.Definition {
	schema := positionSchema()
	schema["properties"].(map[string]any)["includeDeclaration"] = map[string]any{"type": "boolean"}
	return tools.Definition{
		Name:        "references",
		Description: "Finds all references to the symbol at a position in a file.",
		Schema:      schema,
		Handler: func(ctx context.Context, tc *tools.ToolContext, arguments map[string]any) (string, error) {
			path, pos, err := parsePosition(arguments)
			if err != nil {
				return "", err
			}
			uri, err := tc.Docs.EnsureOpen(ctx, tc.LSP, path)
			if err != nil {
				return "", err
			}
			includeDeclaration, _ := arguments["includeDeclaration"].(bool)
			result, err := tc.LSP.SendRequest(ctx, "textDocument/references", referenceParams{
				TextDocument: textDocumentIdentifier{URI: uri},
				Position:     pos,
				Context:      referenceContext{IncludeDeclaration: includeDeclaration},
			})
			if err != nil {
				return "", err
			}
			return formatJSONResult(result), nil
		},
	}
}

type referenceContext struct {
	IncludeDeclaration bool `json:"includeDeclaration"`
}

type referenceParams struct {
	TextDocument textDocumentIdentifier `json:"textDocument"`
	Position     position               `json:"position"`
	Context      referenceContext       `json:"context"`
}

func diagnosticsTool() tools.Definition {
	return tools.Definition{
		Name:        "diagnostics",
		Description: "Opens a file and requests its current diagnostics from the language server.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{"type": "string", "description": "file path relative to the workspace root"},
			},
			"required": []any{"path"},
		},
		Handler: func(ctx context.Context, tc *tools.ToolContext, arguments map[string]any) (string, error) {
			path, ok := arguments["path"].(string)
			if !ok || path == "" {
				return "", fmt.Errorf("builtin: missing path argument")
			}
			uri, err := tc.Docs.EnsureOpen(ctx, tc.LSP, path)
			if err != nil {
				return "", err
			}
			result, err := tc.LSP.SendRequest(ctx, "textDocument/diagnostic", textDocumentIdentifier{URI: uri})
			if err != nil {
				return "", err
			}
			return formatJSONResult(result), nil
		},
	}
}

// runOutputLimit caps how much child output a single run call returns.
const runOutputLimit = 64 * 1024

func runTool() tools.Definition {
	return tools.Definition{
		Name:        "run",
		Description: "Runs a trusted binary against a workspace file and returns its output.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"binary": map[string]any{"type": "string", "description": "absolute path to a binary on the trusted allow-list"},
				"args":   map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				"path":   map[string]any{"type": "string", "description": "workspace file appended as the final argument"},
			},
			"required": []any{"binary"},
		},
		Handler: func(ctx context.Context, tc *tools.ToolContext, arguments map[string]any) (string, error) {
			binary, ok := arguments["binary"].(string)
			if !ok || binary == "" {
				return "", fmt.Errorf("builtin: missing binary argument")
			}
			if err := tc.Policy.CheckCommandTool(binary); err != nil {
				return "", err
			}

			var argv []string
			if raw, ok := arguments["args"].([]any); ok {
				for _, a := range raw {
					s, ok := a.(string)
					if !ok {
						return "", fmt.Errorf("builtin: args must be strings")
					}
					argv = append(argv, s)
				}
			}
			if path, ok := arguments["path"].(string); ok && path != "" {
				abs, err := tc.Policy.ResolveWorkspaceFile(path)
				if err != nil {
					return "", err
				}
				argv = append(argv, abs)
			}

			cmd := exec.CommandContext(ctx, binary, argv...) //nolint:gosec // binary passed the allow-list above.
			cmd.Dir = tc.WorkspaceRoot
			out, err := cmd.CombinedOutput()
			if len(out) > runOutputLimit {
				out = out[:runOutputLimit]
			}
			if err != nil {
				return "", fmt.Errorf("builtin: %s failed: %v\n%s", filepath.Base(binary), err, out)
			}
			return string(out), nil
		},
	}
}

func formatJSONResult(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return "(no result)"
	}
	var pretty interface{}
	if err := json.Unmarshal(raw, &pretty); err != nil {
		return string(raw)
	}
	data, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		return string(raw)
	}
	return string(data)
}
