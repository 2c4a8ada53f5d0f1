package bridge

import (
	"bytes"
	"encoding/json"
	"sync"

	"github.com/wharflab/mcplsp/internal/rpc"
)

// arenaPool backs Arena's scratch buffers so repeated requests reuse
// memory instead of growing a fresh buffer on every message.
var arenaPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// Arena is a per-request scratch region: every intermediate JSON value
// built while handling one north message (a tools/list or tools/call
// result, the final response envelope) is encoded into its backing
// buffer instead of a fresh heap allocation, and the whole buffer is
// returned to the pool on Release regardless of which exit path the
// request took.
type Arena struct {
	scratch *bytes.Buffer
}

func newArena() *Arena {
	buf, _ := arenaPool.Get().(*bytes.Buffer)
	buf.Reset()
	return &Arena{scratch: buf}
}

// Marshal encodes v into the arena's backing buffer and returns a
// RawMessage view into it. The view is only valid until Release; every
// call site uses it to build a message that is sent before the
// request's arena is released, never stored past that point.
func (a *Arena) Marshal(v any) (json.RawMessage, error) {
	start := a.scratch.Len()
	if err := json.NewEncoder(a.scratch).Encode(v); err != nil {
		a.scratch.Truncate(start)
		return nil, err
	}
	return json.RawMessage(bytes.TrimRight(a.scratch.Bytes()[start:], "\n")), nil
}

// EncodeMessage marshals msg, the final response envelope for this
// request, into the same backing buffer its intermediate Marshal calls
// already grew.
func (a *Arena) EncodeMessage(msg *rpc.Message) ([]byte, error) {
	return rpc.EncodeInto(a.scratch, msg)
}

// Release returns the arena's buffer to the pool. It must be called
// exactly once, via defer, immediately after newArena.
func (a *Arena) Release() {
	arenaPool.Put(a.scratch)
	a.scratch = nil
}
