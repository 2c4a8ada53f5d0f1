// Package lspclient implements the correlated request/notification
// client that drives the language server over the south transport. It
// is the bridge's core concurrency component: a single background
// reader thread demultiplexes replies into per-request waiters so many
// logical callers can multiplex on one pipe.
package lspclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/armon/circbuf"

	"github.com/wharflab/mcplsp/internal/rpc"
	"github.com/wharflab/mcplsp/internal/southio"
)

// RequestTimeout is the default per-request wall-clock deadline
// enforced by SendRequest.
const RequestTimeout = 30 * time.Second

const stderrTailBytes = 32 * 1024

var (
	// ErrNotConnected is a transient south error: the client has no live
	// connection to a child process.
	ErrNotConnected = errors.New("lspclient: not connected")
	// ErrRequestTimeout means no reply arrived within the request
	// deadline. It is not a transient south error: IsTransientSouthError
	// reports false for it, so it does not trigger reconnect-retry.
	ErrRequestTimeout = errors.New("lspclient: request timed out")
	// ErrNoResponse is a transient south error: the reader thread exited
	// (EOF/I/O error/disconnect) before a reply for this request arrived.
	ErrNoResponse = errors.New("lspclient: no response, connection closed")
)

// LspError wraps a JSON-RPC error object returned by the child. It is
// treated as a transient south error: the one-shot reconnect-retry
// cycle applies to it the same as ErrNotConnected/ErrNoResponse.
type LspError struct {
	Err *rpc.Error
}

func (e *LspError) Error() string { return e.Err.Error() }
func (e *LspError) Unwrap() error { return e.Err }

// IsTransientSouthError reports whether err is one of the three south
// errors that should trigger the bridge's one-shot reconnect-retry
// cycle: ErrNotConnected, an *LspError, or ErrNoResponse.
func IsTransientSouthError(err error) bool {
	if errors.Is(err, ErrNotConnected) || errors.Is(err, ErrNoResponse) {
		return true
	}
	var lspErr *LspError
	return errors.As(err, &lspErr)
}

type waiter struct {
	ch chan struct{}

	mu   sync.Mutex
	resp []byte // nil if signaled with no response
}

// Client issues correlated requests and fire-and-forget notifications
// over the south transport.
type Client struct {
	timeout time.Duration

	nextID atomic.Int64

	pendingMu sync.Mutex
	pending   map[int64]*waiter

	connMu  sync.Mutex
	writer  *southio.Writer
	stdin   io.WriteCloser
	stdout  io.ReadCloser
	stderr  io.ReadCloser
	running atomic.Bool

	readerDone chan struct{}
	stderrDone chan struct{}

	stderrTail *tailBuffer
}

// Option configures a Client at construction time.
type Option func(*Client)

// WithRequestTimeout overrides the per-request deadline.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func New(opts ...Option) *Client {
	c := &Client{
		timeout:    RequestTimeout,
		pending:    make(map[int64]*waiter),
		stderrTail: newTailBuffer(stderrTailBytes),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect attaches the client to a freshly spawned child's pipes,
// starting the reader and (if stderr is non-nil) stderr-drain threads.
func (c *Client) Connect(stdin io.WriteCloser, stdout io.ReadCloser, stderr io.ReadCloser) {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	c.writer = southio.NewWriter(stdin)
	c.stdin = stdin
	c.stdout = stdout
	c.stderr = stderr
	c.readerDone = make(chan struct{})
	c.running.Store(true)

	reader := southio.NewReader(stdout)
	go c.readLoop(reader, c.readerDone)

	if stderr != nil {
		c.stderrDone = make(chan struct{})
		go c.stderrDrainLoop(stderr, c.stderrDone)
	} else {
		c.stderrDone = nil
	}
}

// Disconnect marks the client not-running, closes the owned pipes
// (unblocking the reader/stderr threads via EOF), joins both threads,
// and fails every pending waiter with ErrNoResponse.
func (c *Client) Disconnect() {
	c.connMu.Lock()
	c.running.Store(false)
	if c.stdin != nil {
		_ = c.stdin.Close()
	}
	if c.stdout != nil {
		_ = c.stdout.Close()
	}
	if c.stderr != nil {
		_ = c.stderr.Close()
	}
	readerDone := c.readerDone
	stderrDone := c.stderrDone
	c.connMu.Unlock()

	if readerDone != nil {
		<-readerDone
	}
	if stderrDone != nil {
		<-stderrDone
	}
}

// StderrTail returns the most recent stderr bytes from the child, for
// diagnostics on a crash.
func (c *Client) StderrTail() string {
	return c.stderrTail.String()
}

// SendRequest issues a correlated request and blocks until a matching
// reply arrives, the request deadline elapses, or ctx is canceled.
func (c *Client) SendRequest(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !c.running.Load() {
		return nil, ErrNotConnected
	}

	encodedParams, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("lspclient: marshal params: %w", err)
	}

	id := c.nextID.Add(1)
	w := &waiter{ch: make(chan struct{})}

	c.pendingMu.Lock()
	c.pending[id] = w
	c.pendingMu.Unlock()

	msg := rpc.NewRequest(rpc.NewIntID(id), method, encodedParams)
	data, err := rpc.Encode(msg)
	if err != nil {
		c.removeWaiter(id)
		return nil, fmt.Errorf("lspclient: encode request: %w", err)
	}

	c.connMu.Lock()
	writer := c.writer
	c.connMu.Unlock()
	if writer == nil {
		c.removeWaiter(id)
		return nil, ErrNotConnected
	}
	if err := writer.Write(data); err != nil {
		c.removeWaiter(id)
		return nil, fmt.Errorf("%w: %v", ErrNotConnected, err)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case <-w.ch:
		return readWaiterResult(w)
	case <-timer.C:
		c.pendingMu.Lock()
		_, stillPending := c.pending[id]
		delete(c.pending, id)
		c.pendingMu.Unlock()
		if stillPending {
			return nil, ErrRequestTimeout
		}
		// The reader signaled concurrently with the timer firing; the
		// event is already closed, so this does not block.
		<-w.ch
		return readWaiterResult(w)
	case <-ctx.Done():
		c.removeWaiter(id)
		return nil, ctx.Err()
	}
}

func readWaiterResult(w *waiter) (json.RawMessage, error) {
	w.mu.Lock()
	resp := w.resp
	w.mu.Unlock()
	if resp == nil {
		return nil, ErrNoResponse
	}

	msg, err := rpc.Decode(resp)
	if err != nil {
		return nil, fmt.Errorf("lspclient: decode response: %w", err)
	}
	if msg.Error != nil {
		return nil, &LspError{Err: msg.Error}
	}
	return msg.Result, nil
}

func (c *Client) removeWaiter(id int64) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

// SendNotification writes one framed message with no id.
func (c *Client) SendNotification(method string, params any) error {
	if !c.running.Load() {
		return ErrNotConnected
	}
	encodedParams, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("lspclient: marshal params: %w", err)
	}
	msg := rpc.NewNotification(method, encodedParams)
	data, err := rpc.Encode(msg)
	if err != nil {
		return fmt.Errorf("lspclient: encode notification: %w", err)
	}

	c.connMu.Lock()
	writer := c.writer
	c.connMu.Unlock()
	if writer == nil {
		return ErrNotConnected
	}
	if err := writer.Write(data); err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return nil
}

// initializeParams carries the fixed client-capability document the
// handshake sends; only the fields the handshake needs exist, nothing
// is pulled from a generated protocol package.
type initializeParams struct {
	ProcessID    any            `json:"processId"`
	RootURI      string         `json:"rootUri"`
	Capabilities map[string]any `json:"capabilities"`
}

// Initialize performs the initialize/initialized handshake against the
// connected child, using workspaceURI as rootUri.
func (c *Client) Initialize(ctx context.Context, workspaceURI string) (json.RawMessage, error) {
	params := initializeParams{
		ProcessID: nil,
		RootURI:   workspaceURI,
		Capabilities: map[string]any{
			"textDocument": map[string]any{
				"synchronization":    map[string]any{"didSave": true},
				"hover":              map[string]any{},
				"definition":         map[string]any{},
				"references":         map[string]any{},
				"publishDiagnostics": map[string]any{},
			},
			"workspace": map[string]any{
				"workspaceFolders": true,
			},
		},
	}

	result, err := c.SendRequest(ctx, "initialize", params)
	if err != nil {
		return nil, err
	}

	// Sent as an explicit empty object, never an empty array, to avoid
	// serializer ambiguity on the child's side.
	if err := c.SendNotification("initialized", struct{}{}); err != nil {
		return nil, err
	}
	return result, nil
}

func (c *Client) readLoop(reader *southio.Reader, done chan struct{}) {
	defer close(done)
	defer c.failAllPending()

	for {
		body, err := reader.Read()
		if err != nil {
			return
		}

		msg, err := rpc.Decode(body)
		if err != nil {
			log.Printf("lspclient: dropping unparsable south message: %v", err)
			continue
		}
		if !msg.IsResponse() {
			// Notifications from the child (e.g. publishDiagnostics) and
			// server-initiated requests have nowhere to go; dropped.
			continue
		}

		id, ok := msg.ID.Int()
		if !ok {
			// String-id responses are not exercised on the south side;
			// ignored consistently rather than guessed at.
			continue
		}

		c.pendingMu.Lock()
		w, found := c.pending[id]
		if found {
			delete(c.pending, id)
		}
		c.pendingMu.Unlock()
		if !found {
			continue
		}

		w.mu.Lock()
		w.resp = body
		w.mu.Unlock()
		close(w.ch)
	}
}

func (c *Client) failAllPending() {
	c.pendingMu.Lock()
	pending := c.pending
	c.pending = make(map[int64]*waiter)
	c.pendingMu.Unlock()

	for _, w := range pending {
		close(w.ch)
	}
}

func (c *Client) stderrDrainLoop(stderr io.ReadCloser, done chan struct{}) {
	defer close(done)
	buf := make([]byte, 4096)
	for {
		n, err := stderr.Read(buf)
		if n > 0 {
			_, _ = c.stderrTail.Write(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

// tailBuffer is an io.Writer retaining only the last N bytes written,
// safe for concurrent use by the stderr-drain thread and diagnostics
// readers.
type tailBuffer struct {
	mu  sync.Mutex
	buf *circbuf.Buffer
}

func newTailBuffer(limit int) *tailBuffer {
	b, err := circbuf.NewBuffer(int64(limit))
	if err != nil {
		return &tailBuffer{}
	}
	return &tailBuffer{buf: b}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	if b.buf == nil {
		return len(p), nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *tailBuffer) String() string {
	if b.buf == nil {
		return ""
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
