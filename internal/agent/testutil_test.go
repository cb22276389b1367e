package agent

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/armorcode/web-agent-go/internal/tempstore"
)

func newTempRoot(t *testing.T) *tempstore.Root {
	t.Helper()
	root, err := tempstore.NewRoot(t.TempDir())
	require.NoError(t, err)
	return root
}
