package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBackendWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.log")
	b, err := New(path, "info", false)
	require.NoError(t, err)

	b.GetLogger("routing").Infof("route selected target=%s", "peer-a")
	b.GetLogger("routing").Debugf("hidden at info level")
	require.NoError(t, b.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(raw)
	require.True(t, strings.Contains(out, "routing: route selected target=peer-a"), out)
	require.False(t, strings.Contains(out, "hidden at info level"))
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New("", "loud", false)
	require.Error(t, err)
	require.False(t, ValidLevel("loud"))
	require.True(t, ValidLevel("warning"))
}

func TestGoLoggerAdapter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "go.log")
	b, err := New(path, "DEBUG", false)
	require.NoError(t, err)
	b.GetGoLogger("http", "WARNING").Println("accept error")
	require.NoError(t, b.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(raw), "WARN http: accept error")
}
