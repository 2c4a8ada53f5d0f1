// Package doctracker remembers which documents have been opened on the
// south side, sending didOpen on first access and replaying opens
// after a supervisor restart.
package doctracker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync"

	"github.com/wharflab/mcplsp/internal/lspclient"
	"github.com/wharflab/mcplsp/internal/pathutil"
)

// MaxFileBytes bounds a single file read by EnsureOpen/ReopenAll.
const MaxFileBytes = 10 << 20 // 10 MiB

const languageIDUnknown = "plaintext"

var (
	ErrFileNotFound  = errors.New("doctracker: file not found")
	ErrFileReadError = errors.New("doctracker: file read error")
)

type docEntry struct {
	version int32
}

// Tracker owns the open-document set: a mapping from URI to the
// version last sent to the language server. Every path it opens is
// resolved through pathutil.ResolvePathWithinWorkspace against its
// workspace root; that is the single containment check shared with the
// command tools, so a file the gate would reject can never be opened.
type Tracker struct {
	workspaceRoot string

	mu   sync.Mutex
	open map[string]*docEntry
}

func New(workspaceRoot string) *Tracker {
	return &Tracker{workspaceRoot: workspaceRoot, open: make(map[string]*docEntry)}
}

// EnsureOpen resolves filePath within the workspace to its file://
// URI and, if not already tracked, reads the file and sends didOpen
// before inserting the entry. The lock is held across the send and
// the insert so a failed send can never be mistaken for "already
// open" by a later caller.
func (t *Tracker) EnsureOpen(_ context.Context, lsp *lspclient.Client, filePath string) (string, error) {
	absPath, err := pathutil.ResolvePathWithinWorkspace(t.workspaceRoot, filePath)
	if err != nil {
		return "", err
	}
	uri := pathutil.PathToUri(absPath)

	t.mu.Lock()
	if _, ok := t.open[uri]; ok {
		t.mu.Unlock()
		return uri, nil
	}
	t.mu.Unlock()

	contents, err := readFileBounded(absPath)
	if err != nil {
		return "", err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	// Re-check: another caller may have opened it while we were reading.
	if _, ok := t.open[uri]; ok {
		return uri, nil
	}

	if err := lsp.SendNotification("textDocument/didOpen", didOpenParams{
		TextDocument: textDocumentItem{
			URI:        uri,
			LanguageID: languageIDUnknown,
			Version:    1,
			Text:       contents,
		},
	}); err != nil {
		return "", fmt.Errorf("doctracker: didOpen %s: %w", uri, err)
	}

	t.open[uri] = &docEntry{version: 1}
	return uri, nil
}

// CloseDoc removes uri from the open set and emits didClose. The
// notification is best effort: a failure is logged, never returned.
func (t *Tracker) CloseDoc(lsp *lspclient.Client, uri string) {
	t.mu.Lock()
	_, ok := t.open[uri]
	if ok {
		delete(t.open, uri)
	}
	t.mu.Unlock()

	if !ok {
		return
	}
	if err := lsp.SendNotification("textDocument/didClose", didCloseParams{
		TextDocument: textDocumentIdentifier{URI: uri},
	}); err != nil {
		log.Printf("doctracker: didClose %s failed: %v", uri, err)
	}
}

// ReopenAll re-reads and re-issues didOpen for every tracked URI at its
// stored version. This is the session-replay path run exactly once
// after a successful supervisor restart. Failures for individual files
// are logged and do not abort the remaining replay.
func (t *Tracker) ReopenAll(lsp *lspclient.Client) {
	type snapshot struct {
		uri     string
		version int32
	}

	t.mu.Lock()
	entries := make([]snapshot, 0, len(t.open))
	for uri, e := range t.open {
		entries = append(entries, snapshot{uri: uri, version: e.version})
	}
	t.mu.Unlock()

	for _, e := range entries {
		absPath, err := pathutil.UriToPath(e.uri)
		if err != nil {
			log.Printf("doctracker: reopen %s: %v", e.uri, err)
			continue
		}
		contents, err := readFileBounded(absPath)
		if err != nil {
			log.Printf("doctracker: reopen %s: %v", e.uri, err)
			continue
		}
		if err := lsp.SendNotification("textDocument/didOpen", didOpenParams{
			TextDocument: textDocumentItem{
				URI:        e.uri,
				LanguageID: languageIDUnknown,
				Version:    e.version,
				Text:       contents,
			},
		}); err != nil {
			log.Printf("doctracker: reopen %s: %v", e.uri, err)
		}
	}
}

func readFileBounded(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		return "", fmt.Errorf("%w: %s: %v", ErrFileReadError, path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrFileReadError, path, err)
	}
	if info.Size() > MaxFileBytes {
		return "", fmt.Errorf("%w: %s exceeds %d bytes", ErrFileReadError, path, MaxFileBytes)
	}

	buf := make([]byte, info.Size())
	if _, err := io.ReadFull(f, buf); err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("%w: %s: %v", ErrFileReadError, path, err)
	}
	return string(buf), nil
}

type textDocumentItem struct {
	URI        string `json:"uri"`
	LanguageID string `json:"languageId"`
	Version    int32  `json:"version"`
	Text       string `json:"text"`
}

type textDocumentIdentifier struct {
	URI string `json:"uri"`
}

type didOpenParams struct {
	TextDocument textDocumentItem `json:"textDocument"`
}

type didCloseParams struct {
	TextDocument textDocumentIdentifier `json:"textDocument"`
}
