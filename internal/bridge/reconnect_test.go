package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wharflab/mcplsp/internal/doctracker"
	"github.com/wharflab/mcplsp/internal/lspclient"
	"github.com/wharflab/mcplsp/internal/pathutil"
	"github.com/wharflab/mcplsp/internal/supervisor"
	"github.com/wharflab/mcplsp/internal/tools"
)

var fakeLSPBin string

func TestMain(m *testing.M) {
	bin, err := buildFakeLSP()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fakeLSPBin = bin
	os.Exit(m.Run())
}

func buildFakeLSP() (string, error) {
	tmp, err := os.MkdirTemp("", "mcplsp-fakelsp-*")
	if err != nil {
		return "", fmt.Errorf("mkdtemp: %w", err)
	}
	binName := "fakelsp"
	if runtime.GOOS == "windows" {
		binName += ".exe"
	}
	out := filepath.Join(tmp, binName)

	cmd := exec.Command("go", "build", "-trimpath", "-o", out, "./testdata/fakelsp")
	cmd.Stderr = os.Stderr
	cmd.Stdout = os.Stdout
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("build fakelsp: %w", err)
	}
	return out, nil
}

// probeTool asks the child a question whose answer reveals how many
// didOpen notifications the current session has seen.
func probeTool() tools.Definition {
	return tools.Definition{
		Name:        "probe",
		Description: "asks the language server for its didOpen count",
		Schema:      map[string]any{"type": "object"},
		Handler: func(ctx context.Context, tc *tools.ToolContext, _ map[string]any) (string, error) {
			result, err := tc.LSP.SendRequest(ctx, "bridge/probe", map[string]any{})
			if err != nil {
				return "", err
			}
			return string(result), nil
		},
	}
}

func TestReconnectRetryAfterChildCrash(t *testing.T) {
	ctx := context.Background()
	marker := filepath.Join(t.TempDir(), "crashed")
	ws := t.TempDir()
	file := filepath.Join(ws, "a.txt")
	require.NoError(t, os.WriteFile(file, []byte("hello\n"), 0o644))

	sup := supervisor.New(
		[]string{fakeLSPBin, "-die-marker", marker}, 3,
		supervisor.WithTerminateGrace(100*time.Millisecond),
	)
	require.NoError(t, sup.Spawn())
	t.Cleanup(func() { _ = sup.Kill() })

	pipes, err := sup.DetachPipes()
	require.NoError(t, err)

	lsp := lspclient.New()
	lsp.Connect(pipes.Stdin, pipes.Stdout, pipes.Stderr)
	t.Cleanup(lsp.Disconnect)

	wsURI := pathutil.PathToUri(ws)
	_, err = lsp.Initialize(ctx, wsURI)
	require.NoError(t, err)

	docs := doctracker.New(ws)
	_, err = docs.EnsureOpen(ctx, lsp, file)
	require.NoError(t, err)

	registry := tools.NewRegistry()
	require.NoError(t, registry.Register(probeTool()))

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	srv := New(Deps{
		In:            inR,
		Out:           outW,
		Registry:      registry,
		LSP:           lsp,
		Docs:          docs,
		Supervisor:    sup,
		WorkspaceRoot: ws,
		WorkspaceURI:  wsURI,
		ServerName:    "mcplsp",
		ServerVersion: "test",
	})
	go func() { _ = srv.Run(ctx) }()
	t.Cleanup(func() { _ = inW.Close() })

	scan := bufio.NewScanner(outR)
	send := func(msg string) {
		_, err := io.WriteString(inW, msg+"\n")
		require.NoError(t, err)
	}
	recv := func() map[string]any {
		ok := make(chan bool, 1)
		go func() { ok <- scan.Scan() }()
		select {
		case scanned := <-ok:
			require.True(t, scanned, scan.Err())
		case <-time.After(10 * time.Second):
			t.Fatal("timed out waiting for response")
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal(scan.Bytes(), &m))
		return m
	}

	send(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05"}}`)
	recv()
	send(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)

	// The first probe kills the child mid-request; the bridge must
	// restart it, replay the open document, and retry once.
	send(`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"probe","arguments":{}}}`)
	resp := recv()
	result := resp["result"].(map[string]any)
	require.Nil(t, result["isError"], "expected the retried call to succeed: %v", result)

	text := result["content"].([]any)[0].(map[string]any)["text"].(string)
	assert.True(t, strings.Contains(text, `"didOpens":1`), "replayed session should have seen one didOpen, got %s", text)
	assert.Equal(t, 1, sup.Restarts())
}
