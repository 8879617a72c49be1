package mirror_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aurorium/patchmirror/pkg/mirror"
)

func TestComputeSnapshotListsFilesOnly(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "V_r100", "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "V_r100", "a.wad"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "V_r100", "sub", "b.wad"), []byte("y"), 0o644))

	files, err := mirror.ComputeSnapshot(root)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"V_r100/a.wad", "V_r100/sub/b.wad"}, files)
}

func TestBroadcasterRefreshPushesToSubscribers(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "f.wad"), []byte("x"), 0o644))

	b := mirror.NewBroadcaster()
	ch, unsubscribe := b.Subscribe()
	defer unsubscribe()

	require.NoError(t, b.Refresh(context.Background(), root))

	select {
	case files := <-ch:
		assert.Equal(t, []string{"f.wad"}, files)
	default:
		t.Fatal("expected a snapshot to be pushed to the subscriber")
	}

	assert.Equal(t, []string{"f.wad"}, b.Snapshot())
}

func TestMarshalSnapshotEmptyYieldsEmptyArray(t *testing.T) {
	t.Parallel()

	out, err := mirror.MarshalSnapshot(nil)
	require.NoError(t, err)
	assert.JSONEq(t, "[]", string(out))
}
