package revision_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aurorium/patchmirror/pkg/revision"
)

const sampleManifest = `<?xml version="1.0" ?>
<LatestFileList>
<Zone><RECORD><SrcFileName>a.wad</SrcFileName><Size>10</Size><CRC>1</CRC></RECORD></Zone>
</LatestFileList>`

func writeRevisionDir(t *testing.T, base, name string, withManifest bool) {
	t.Helper()

	dir := filepath.Join(base, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))

	if withManifest {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "LatestFileList.xml"), []byte(sampleManifest), 0o644))
	}
}

func TestInitAllSkipsNonMatchingDirectories(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	writeRevisionDir(t, base, "V_r100.Wizard_1_0", true)
	writeRevisionDir(t, base, "not-a-revision", false)

	store := revision.NewStore()
	require.NoError(t, store.InitAll(context.Background(), base))

	all := store.All()
	require.Len(t, all, 1)
	assert.Equal(t, uint64(100), all[0].RevisionNumber)
	assert.Len(t, all[0].Assets.Wads, 1)
}

func TestInitAllMissingManifestYieldsEmptyAssetList(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	writeRevisionDir(t, base, "V_r100.Wizard_1_0", false)

	store := revision.NewStore()
	require.NoError(t, store.InitAll(context.Background(), base))

	rev, ok := store.Get(100)
	require.True(t, ok)
	assert.Equal(t, 0, rev.Assets.Len())
}

func TestInitAllMissingBaseIsNotAnError(t *testing.T) {
	t.Parallel()

	store := revision.NewStore()
	err := store.InitAll(context.Background(), filepath.Join(t.TempDir(), "does-not-exist"))
	require.NoError(t, err)
	assert.Empty(t, store.All())
}

// TestRevisionNumberMatchesName is invariant P1: for every LocalRevision r,
// r.RevisionNumber equals the digits captured by the revision pattern
// applied to r.Name.
func TestRevisionNumberMatchesName(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	writeRevisionDir(t, base, "V_r774907.Wizard_1_570", true)

	store := revision.NewStore()
	require.NoError(t, store.InitAll(context.Background(), base))

	rev, ok := store.Get(774907)
	require.True(t, ok)
	assert.Equal(t, "V_r774907.Wizard_1_570", rev.Name)
	assert.Equal(t, uint64(774907), rev.RevisionNumber)
}

func TestNewestReturnsHighestRevisionNumber(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	writeRevisionDir(t, base, "V_r100.Wizard_1_0", true)
	writeRevisionDir(t, base, "V_r200.Wizard_1_0", true)

	store := revision.NewStore()
	require.NoError(t, store.InitAll(context.Background(), base))

	newest, ok := store.Newest()
	require.True(t, ok)
	assert.Equal(t, uint64(200), newest.RevisionNumber)
}

func TestNewestEmptyStore(t *testing.T) {
	t.Parallel()

	_, ok := revision.NewStore().Newest()
	assert.False(t, ok)
}

func TestFindRevisionForAssetDeduplicatesAcrossRevisions(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	writeRevisionDir(t, base, "V_r100.Wizard_1_0", true) // a.wad crc=1 size=10
	writeRevisionDir(t, base, "V_r200.Wizard_1_0", true) // identical content

	store := revision.NewStore()
	require.NoError(t, store.InitAll(context.Background(), base))

	found, ok := store.FindRevisionForAsset(context.Background(), "V_r200.Wizard_1_0", "a.wad")
	require.True(t, ok)
	assert.Equal(t, uint64(100), found.RevisionNumber)
}

func TestFindRevisionForAssetUnknownRevision(t *testing.T) {
	t.Parallel()

	store := revision.NewStore()
	_, ok := store.FindRevisionForAsset(context.Background(), "V_r999.Wizard_1_0", "a.wad")
	assert.False(t, ok)
}

func TestInsertReplacesExistingEntry(t *testing.T) {
	t.Parallel()

	store := revision.NewStore()
	store.Insert(revision.LocalRevision{Name: "V_r100.Wizard_1_0", RevisionNumber: 100})
	store.Insert(revision.LocalRevision{Name: "V_r100.Wizard_1_0-updated", RevisionNumber: 100})

	rev, ok := store.Get(100)
	require.True(t, ok)
	assert.Equal(t, "V_r100.Wizard_1_0-updated", rev.Name)
	assert.Len(t, store.All(), 1)
}
