// Package bridge implements the north-side server state machine: it
// consumes newline-delimited JSON-RPC messages on stdio, enforces
// initialization gating, routes built-in protocol methods and
// tools/call requests, and drives the one-shot reconnect-retry cycle
// when a tool call hits a transient south-side failure.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/wharflab/mcplsp/internal/doctracker"
	"github.com/wharflab/mcplsp/internal/lspclient"
	"github.com/wharflab/mcplsp/internal/northio"
	"github.com/wharflab/mcplsp/internal/policy"
	"github.com/wharflab/mcplsp/internal/rpc"
	"github.com/wharflab/mcplsp/internal/supervisor"
	"github.com/wharflab/mcplsp/internal/tools"
)

// SupportedProtocolVersions lists the protocol versions this server
// negotiates, newest first. initialize matches the client's requested
// version against this list verbatim.
var SupportedProtocolVersions = []string{"2025-06-18", "2024-11-05"}

// state is the server lifecycle: uninitialized until the initialize
// request succeeds, initializing until the initialized notification
// arrives, then running until shutdown or EOF.
type state int

const (
	stateUninitialized state = iota
	stateInitializing
	stateRunning
	stateShutdown
)

func (s state) String() string {
	switch s {
	case stateUninitialized:
		return "uninitialized"
	case stateInitializing:
		return "initializing"
	case stateRunning:
		return "running"
	case stateShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Deps bundles every non-owning collaborator the server dispatches
// through. The composition root (cmd/mcplsp) constructs all of these
// and passes handles in; Server never constructs its own collaborators.
type Deps struct {
	In  io.Reader
	Out io.Writer

	Registry   *tools.Registry
	LSP        *lspclient.Client
	Docs       *doctracker.Tracker
	Supervisor *supervisor.Supervisor // optional: nil disables reconnect-retry
	Policy     *policy.Gate

	WorkspaceRoot string
	WorkspaceURI  string

	ServerName    string
	ServerVersion string
}

// Server is the north-side state machine. It owns no collaborators; it
// only holds non-owning references handed in via Deps by the
// composition root, which tears them down in reverse order.
type Server struct {
	deps Deps

	north  *northio.Reader
	writer *northio.Writer

	dispatcher *tools.Dispatcher

	state state
}

// New constructs a Server from its dependencies. Deps.In/Out are used
// as given, with no nil check or default; the composition root passes
// os.Stdin/os.Stdout.
func New(deps Deps) *Server {
	tc := &tools.ToolContext{
		LSP:           deps.LSP,
		Docs:          deps.Docs,
		Policy:        deps.Policy,
		WorkspaceRoot: deps.WorkspaceRoot,
		WorkspaceURI:  deps.WorkspaceURI,
	}
	return &Server{
		deps:       deps,
		north:      northio.NewReader(deps.In),
		writer:     northio.NewWriter(deps.Out),
		dispatcher: tools.NewDispatcher(deps.Registry, tc),
		state:      stateUninitialized,
	}
}

// Run is the main loop: read one north message, dispatch it, and
// repeat until EOF (clean shutdown) or the shutdown method is
// received. Every iteration runs under its own per-request arena,
// released on every exit path.
func (s *Server) Run(ctx context.Context) error {
	for {
		line, err := s.north.Read()
		if err != nil {
			if errors.Is(err, northio.ErrNoMoreMessages) {
				return nil
			}
			if errors.Is(err, northio.ErrLineTooLong) {
				log.Printf("bridge: dropping oversized north message")
				continue
			}
			return fmt.Errorf("bridge: north read: %w", err)
		}

		if s.handleLine(ctx, line) {
			return nil
		}
	}
}

// handleLine processes exactly one north message under a fresh arena,
// reporting whether the server has reached the shutdown state.
func (s *Server) handleLine(ctx context.Context, line []byte) (done bool) {
	arena := newArena()
	defer arena.Release()

	id, method, params, errResp := s.parseEnvelope(line)
	if errResp != nil {
		s.send(arena, errResp)
		return s.state == stateShutdown
	}

	if resp := s.dispatch(ctx, arena, id, method, params); resp != nil {
		s.send(arena, resp)
	}
	return s.state == stateShutdown
}

// parseEnvelope decodes one north message, returning either the
// extracted id/method/params or a ready-to-send error response. An id
// that cannot be determined (malformed JSON, or a malformed id field)
// is reported with a null id, per JSON-RPC convention.
func (s *Server) parseEnvelope(line []byte) (id rpc.ID, method string, params json.RawMessage, errResp *rpc.Message) {
	var generic any
	if err := json.Unmarshal(line, &generic); err != nil {
		return rpc.ID{}, "", nil, rpc.NewError(rpc.NewNullID(), rpc.CodeParseError, "parse error: "+err.Error(), nil)
	}
	if _, ok := generic.(map[string]any); !ok {
		return rpc.ID{}, "", nil, rpc.NewError(rpc.NewNullID(), rpc.CodeInvalidRequest, "request must be a JSON object", nil)
	}

	msg, err := rpc.Decode(line)
	if err != nil {
		return rpc.ID{}, "", nil, rpc.NewError(rpc.NewNullID(), rpc.CodeInvalidRequest, "invalid request: "+err.Error(), nil)
	}

	var msgID rpc.ID
	if msg.ID != nil {
		msgID = *msg.ID
	}
	if !msgID.IsAbsent() && msg.Method == "" {
		return rpc.ID{}, "", nil, rpc.NewError(msgID, rpc.CodeInvalidRequest, "request carries an id but no method", nil)
	}
	return msgID, msg.Method, msg.Params, nil
}

// dispatch routes one decoded message by method, honoring the
// initialization-gating rule, and returns the response to send (nil
// for notifications that produce no reply).
func (s *Server) dispatch(ctx context.Context, arena *Arena, id rpc.ID, method string, params json.RawMessage) *rpc.Message {
	hasID := !id.IsAbsent()

	// initialize is special-cased ahead of generic gating: re-sending it
	// once the handshake is underway is an invalid-request error, not a
	// not-initialized error, regardless of current state.
	if method == "initialize" {
		if s.state != stateUninitialized {
			if !hasID {
				return nil
			}
			return rpc.NewError(id, rpc.CodeInvalidRequest, "initialize has already been sent", nil)
		}
		return s.handleInitialize(arena, id, params)
	}

	if !s.methodAllowed(method) {
		if hasID {
			return rpc.NewError(id, rpc.CodeServerNotInitialized, "server is not initialized", nil)
		}
		return nil
	}

	switch method {
	case "initialized", "notifications/initialized":
		if s.state == stateInitializing {
			s.state = stateRunning
		}
		return nil
	case "shutdown":
		s.state = stateShutdown
		if !hasID {
			return nil
		}
		return rpc.NewResult(id, json.RawMessage("null"))
	case "ping":
		if !hasID {
			return nil
		}
		return rpc.NewResult(id, json.RawMessage("{}"))
	case "tools/list":
		if !hasID {
			return nil
		}
		return s.handleToolsList(arena, id)
	case "tools/call":
		if !hasID {
			return nil
		}
		return s.handleToolsCall(ctx, arena, id, params)
	case "resources/list":
		if !hasID {
			return nil
		}
		return rpc.NewResult(id, json.RawMessage(`{"resources":[]}`))
	default:
		if !hasID {
			return nil
		}
		return rpc.NewError(id, rpc.CodeMethodNotFound, fmt.Sprintf("method not found: %s", method), nil)
	}
}

// methodAllowed implements the initialization gating: uninitialized
// and initializing each allow a minimal method set; running allows
// everything the switch in dispatch recognizes.
func (s *Server) methodAllowed(method string) bool {
	switch s.state {
	case stateUninitialized:
		switch method {
		case "ping", "shutdown":
			return true
		default:
			return false
		}
	case stateInitializing:
		switch method {
		case "initialized", "notifications/initialized", "ping", "shutdown":
			return true
		default:
			return false
		}
	default:
		return true
	}
}

type initializeParams struct {
	ProtocolVersion string `json:"protocolVersion"`
}

type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type initializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ServerInfo      serverInfo     `json:"serverInfo"`
}

func (s *Server) handleInitialize(arena *Arena, id rpc.ID, params json.RawMessage) *rpc.Message {
	var p initializeParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return rpc.NewError(id, rpc.CodeInvalidParams, "invalid initialize params: "+err.Error(), nil)
		}
	}
	if p.ProtocolVersion == "" {
		return rpc.NewError(id, rpc.CodeInvalidParams, "protocolVersion is required", nil)
	}

	matched := ""
	for _, v := range SupportedProtocolVersions {
		if v == p.ProtocolVersion {
			matched = v
			break
		}
	}
	if matched == "" {
		return rpc.NewError(id, rpc.CodeInvalidParams,
			fmt.Sprintf("unsupported protocol version %q", p.ProtocolVersion), nil)
	}

	result := initializeResult{
		ProtocolVersion: matched,
		Capabilities: map[string]any{
			"tools":     map[string]any{},
			"resources": map[string]any{},
		},
		ServerInfo: serverInfo{Name: s.deps.ServerName, Version: s.deps.ServerVersion},
	}
	data, err := arena.Marshal(result)
	if err != nil {
		return rpc.NewError(id, rpc.CodeInternalError, "marshal initialize result: "+err.Error(), nil)
	}

	s.state = stateInitializing
	return rpc.NewResult(id, data)
}

type toolListEntry struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

func (s *Server) handleToolsList(arena *Arena, id rpc.ID) *rpc.Message {
	infos := s.deps.Registry.List()
	entries := make([]toolListEntry, 0, len(infos))
	for _, info := range infos {
		schema := info.Schema
		if schema == nil {
			schema = map[string]any{"type": "object"}
		}
		entries = append(entries, toolListEntry{
			Name:        info.Name,
			Description: info.Description,
			InputSchema: schema,
		})
	}
	data, err := arena.Marshal(map[string]any{"tools": entries})
	if err != nil {
		return rpc.NewError(id, rpc.CodeInternalError, "marshal tools/list result: "+err.Error(), nil)
	}
	return rpc.NewResult(id, data)
}

type toolsCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type textContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type toolsCallResult struct {
	Content []textContent `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

func (s *Server) handleToolsCall(ctx context.Context, arena *Arena, id rpc.ID, params json.RawMessage) *rpc.Message {
	var p toolsCallParams
	if err := json.Unmarshal(params, &p); err != nil {
		return rpc.NewError(id, rpc.CodeInvalidParams, "invalid tools/call params: "+err.Error(), nil)
	}

	text, err := s.dispatcher.Dispatch(ctx, p.Name, p.Arguments)
	if err != nil && lspclient.IsTransientSouthError(err) {
		if retryErr := s.reconnectAndRetry(ctx); retryErr != nil {
			log.Printf("bridge: reconnect-retry failed: %v", retryErr)
		} else {
			text, err = s.dispatcher.Dispatch(ctx, p.Name, p.Arguments)
		}
	}

	result := toolsCallResult{}
	if err != nil {
		result.IsError = true
		result.Content = []textContent{{Type: "text", Text: err.Error()}}
	} else {
		result.Content = []textContent{{Type: "text", Text: text}}
	}

	data, marshalErr := arena.Marshal(result)
	if marshalErr != nil {
		return rpc.NewError(id, rpc.CodeInternalError, "marshal tools/call result: "+marshalErr.Error(), nil)
	}
	return rpc.NewResult(id, data)
}

// reconnectAndRetry runs the one-shot reconnect-retry cycle:
// disconnect, ask the supervisor to restart, attach the new pipes,
// redo the handshake, and replay every tracked open document. Any
// step's failure is returned so the original tool error surfaces
// unchanged.
func (s *Server) reconnectAndRetry(ctx context.Context) error {
	if s.deps.Supervisor == nil {
		return errors.New("bridge: no supervisor configured, cannot reconnect")
	}

	s.deps.LSP.Disconnect()
	if tail := s.deps.LSP.StderrTail(); tail != "" {
		log.Printf("bridge: child stderr before reconnect:\n%s", tail)
	}

	if err := s.deps.Supervisor.Restart(); err != nil {
		return fmt.Errorf("bridge: supervisor restart: %w", err)
	}

	pipes, err := s.deps.Supervisor.DetachPipes()
	if err != nil {
		return fmt.Errorf("bridge: detach pipes after restart: %w", err)
	}

	s.deps.LSP.Connect(pipes.Stdin, pipes.Stdout, pipes.Stderr)

	if _, err := s.deps.LSP.Initialize(ctx, s.deps.WorkspaceURI); err != nil {
		return fmt.Errorf("bridge: re-initialize after restart: %w", err)
	}

	s.deps.Docs.ReopenAll(s.deps.LSP)
	return nil
}

func (s *Server) send(arena *Arena, msg *rpc.Message) {
	data, err := arena.EncodeMessage(msg)
	if err != nil {
		log.Printf("bridge: encode response: %v", err)
		return
	}
	if err := s.writer.Write(data); err != nil {
		log.Printf("bridge: write response: %v", err)
	}
}
