package doctracker

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wharflab/mcplsp/internal/lspclient"
	"github.com/wharflab/mcplsp/internal/pathutil"
	"github.com/wharflab/mcplsp/internal/rpc"
	"github.com/wharflab/mcplsp/internal/southio"
)

// notificationRecorder plays the south peer: it connects a real
// lspclient.Client to in-process pipes and records every notification
// method it observes.
type notificationRecorder struct {
	reader *southio.Reader
	writer *southio.Writer

	methods chan string
}

func newHarness(t *testing.T) (*lspclient.Client, *notificationRecorder) {
	t.Helper()

	serverStdoutR, serverStdoutW := io.Pipe()
	serverStdinR, serverStdinW := io.Pipe()

	c := lspclient.New()
	c.Connect(serverStdinW, serverStdoutR, nil)
	t.Cleanup(c.Disconnect)

	rec := &notificationRecorder{
		reader:  southio.NewReader(serverStdinR),
		writer:  southio.NewWriter(serverStdoutW),
		methods: make(chan string, 16),
	}
	go func() {
		for {
			body, err := rec.reader.Read()
			if err != nil {
				return
			}
			msg, err := rpc.Decode(body)
			if err != nil {
				continue
			}
			rec.methods <- msg.Method
		}
	}()
	return c, rec
}

func TestEnsureOpenSendsDidOpenOnce(t *testing.T) {
	c, rec := newHarness(t)

	dir := t.TempDir()
	tr := New(dir)
	path := filepath.Join(dir, "a.go")
	require.NoError(t, os.WriteFile(path, []byte("package a\n"), 0o644))

	uri1, err := tr.EnsureOpen(context.Background(), c, path)
	require.NoError(t, err)
	assert.Equal(t, "textDocument/didOpen", <-rec.methods)

	uri2, err := tr.EnsureOpen(context.Background(), c, path)
	require.NoError(t, err)
	assert.Equal(t, uri1, uri2)

	select {
	case m := <-rec.methods:
		t.Fatalf("unexpected second didOpen: %s", m)
	default:
	}
}

func TestEnsureOpenMissingFile(t *testing.T) {
	c, _ := newHarness(t)
	dir := t.TempDir()
	tr := New(dir)

	_, err := tr.EnsureOpen(context.Background(), c, filepath.Join(dir, "missing.go"))
	assert.ErrorIs(t, err, ErrFileNotFound)
}

func TestEnsureOpenRejectsPathOutsideWorkspace(t *testing.T) {
	c, _ := newHarness(t)
	dir := t.TempDir()
	tr := New(dir)

	outside := t.TempDir()
	path := filepath.Join(outside, "a.go")
	require.NoError(t, os.WriteFile(path, []byte("package a\n"), 0o644))

	_, err := tr.EnsureOpen(context.Background(), c, path)
	assert.ErrorIs(t, err, pathutil.ErrOutsideWorkspace)
}

func TestCloseDocSendsDidClose(t *testing.T) {
	c, rec := newHarness(t)
	dir := t.TempDir()
	tr := New(dir)

	path := filepath.Join(dir, "a.go")
	require.NoError(t, os.WriteFile(path, []byte("package a\n"), 0o644))

	uri, err := tr.EnsureOpen(context.Background(), c, path)
	require.NoError(t, err)
	assert.Equal(t, "textDocument/didOpen", <-rec.methods)

	tr.CloseDoc(c, uri)
	assert.Equal(t, "textDocument/didClose", <-rec.methods)
}

func TestReopenAllReplaysEveryTrackedFile(t *testing.T) {
	c, rec := newHarness(t)
	dir := t.TempDir()
	tr := New(dir)

	var uris []string
	for i := 0; i < 3; i++ {
		path := filepath.Join(dir, "f"+string(rune('a'+i))+".go")
		require.NoError(t, os.WriteFile(path, []byte("package a\n"), 0o644))
		uri, err := tr.EnsureOpen(context.Background(), c, path)
		require.NoError(t, err)
		uris = append(uris, uri)
		assert.Equal(t, "textDocument/didOpen", <-rec.methods)
	}

	tr.ReopenAll(c)
	seen := map[string]bool{}
	for range uris {
		method := <-rec.methods
		assert.Equal(t, "textDocument/didOpen", method)
		seen[method] = true
	}
	assert.True(t, seen["textDocument/didOpen"])
}

func TestPathRoundTripMatchesPathutil(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.go")
	uri := pathutil.PathToUri(path)
	back, err := pathutil.UriToPath(uri)
	require.NoError(t, err)
	assert.Equal(t, path, back)
}
