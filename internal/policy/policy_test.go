package policy

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckCommandToolDisabled(t *testing.T) {
	g, err := New(t.TempDir(), false, nil)
	require.NoError(t, err)

	err = g.CheckCommandTool("/usr/bin/gofmt")
	assert.ErrorIs(t, err, ErrCommandToolsDisabled)
}

func TestCheckCommandToolAllowList(t *testing.T) {
	g, err := New(t.TempDir(), true, []string{"/usr/bin/gofmt"})
	require.NoError(t, err)

	assert.NoError(t, g.CheckCommandTool("/usr/bin/gofmt"))
	assert.ErrorIs(t, g.CheckCommandTool("/usr/bin/rm"), ErrUntrustedBinary)
}

func TestCheckCommandToolRejectsRelativeBinary(t *testing.T) {
	g, err := New(t.TempDir(), true, []string{"/usr/bin/gofmt"})
	require.NoError(t, err)

	assert.ErrorIs(t, g.CheckCommandTool("gofmt"), ErrUntrustedBinary)
}

func TestNewRejectsRelativeTrustedBinary(t *testing.T) {
	_, err := New(t.TempDir(), true, []string{"gofmt"})
	assert.Error(t, err)
}

func TestResolveWorkspaceFile(t *testing.T) {
	root := t.TempDir()
	g, err := New(root, false, nil)
	require.NoError(t, err)

	got, err := g.ResolveWorkspaceFile("a/b.go")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "a", "b.go"), got)

	_, err = g.ResolveWorkspaceFile("../escape")
	assert.Error(t, err)
}
