package tools

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoTool() Definition {
	return Definition{
		Name:        "echo",
		Description: "echoes the text argument",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"text": map[string]any{"type": "string"},
			},
			"required": []any{"text"},
		},
		Handler: func(_ context.Context, _ *ToolContext, arguments map[string]any) (string, error) {
			return arguments["text"].(string), nil
		},
	}
}

func TestRegisterAndList(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(echoTool()))

	infos := r.List()
	require.Len(t, infos, 1)
	assert.Equal(t, "echo", infos[0].Name)
}

func TestRegisterDuplicateFails(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(echoTool()))
	err := r.Register(echoTool())
	assert.ErrorIs(t, err, ErrAlreadyRegistered)
}

func TestDispatchRunsHandler(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(echoTool()))

	d := NewDispatcher(r, &ToolContext{})
	result, err := d.Dispatch(context.Background(), "echo", json.RawMessage(`{"text":"hi"}`))
	require.NoError(t, err)
	assert.Equal(t, "hi", result)
}

func TestDispatchRejectsMissingRequiredField(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(echoTool()))

	d := NewDispatcher(r, &ToolContext{})
	_, err := d.Dispatch(context.Background(), "echo", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrInvalidArguments)
}

func TestDispatchUnknownTool(t *testing.T) {
	r := NewRegistry()
	d := NewDispatcher(r, &ToolContext{})
	_, err := d.Dispatch(context.Background(), "nope", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrUnknownTool)
}
