package builtin

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wharflab/mcplsp/internal/tools"
)

func TestRegisterAddsAllBuiltinTools(t *testing.T) {
	reg := tools.NewRegistry()
	require.NoError(t, Register(reg))

	names := map[string]bool{}
	for _, info := range reg.List() {
		names[info.Name] = true
	}
	for _, want := range []string{"hover", "definition", "references", "diagnostics", "run"} {
		assert.True(t, names[want], "expected %s to be registered", want)
	}
}

func TestParsePositionRequiresAllFields(t *testing.T) {
	_, _, err := parsePosition(map[string]any{"path": "a.go"})
	assert.Error(t, err)

	path, pos, err := parsePosition(map[string]any{"path": "a.go", "line": float64(3), "character": float64(5)})
	require.NoError(t, err)
	assert.Equal(t, "a.go", path)
	assert.Equal(t, 3, pos.Line)
	assert.Equal(t, 5, pos.Character)
}
