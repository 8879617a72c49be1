package revision

import (
	"errors"

	"github.com/aurorium/patchmirror/pkg/asset"
)

// ErrNoAssets is returned by Compare when the new revision's asset list is
// empty, which normally means a manifest parse failed upstream.
var ErrNoAssets = errors.New("new revision has no assets")

// Diff classifies every asset in a new revision relative to a reference
// revision.
type Diff struct {
	New       []asset.Asset
	Changed   []asset.Asset
	Unchanged []asset.Asset
	Removed   []asset.Asset
}

// AssetsToDownload returns New followed by Changed, preserving each set's
// order — the set of assets a fetch pipeline still needs to retrieve.
func (d Diff) AssetsToDownload() []asset.Asset {
	out := make([]asset.Asset, 0, len(d.New)+len(d.Changed))
	out = append(out, d.New...)
	out = append(out, d.Changed...)

	return out
}

// Compare classifies newRev's assets against reference. If reference is
// nil, every asset in newRev is classified New. If newRev and reference
// share a RevisionNumber — recovering from an interrupted prior fetch of
// the same revision — reference is substituted with the largest-numbered
// revision in store whose number differs from newRev's; if none exists,
// every asset in newRev is classified New.
func Compare(newRev LocalRevision, reference *LocalRevision, store *Store) (Diff, error) {
	if newRev.Assets.Len() == 0 {
		return Diff{}, ErrNoAssets
	}

	if reference == nil {
		return Diff{New: newRev.Assets.All()}, nil
	}

	ref := *reference

	if newRev.RevisionNumber == ref.RevisionNumber {
		other, ok := store.latestOtherThan(newRev.RevisionNumber)
		if !ok {
			return Diff{New: newRev.Assets.All()}, nil
		}

		ref = other
	}

	oldByName := make(map[string]asset.Asset, ref.Assets.Len())
	for _, a := range ref.Assets.All() {
		oldByName[a.Filename] = a
	}

	var diff Diff

	for _, a := range newRev.Assets.All() {
		old, ok := oldByName[a.Filename]
		if !ok {
			diff.New = append(diff.New, a)

			continue
		}

		if a.SameContent(old) {
			diff.Unchanged = append(diff.Unchanged, a)
		} else {
			diff.Changed = append(diff.Changed, a)
		}

		delete(oldByName, a.Filename)
	}

	for _, a := range ref.Assets.All() {
		if _, stillPresent := oldByName[a.Filename]; stillPresent {
			diff.Removed = append(diff.Removed, a)
		}
	}

	return diff, nil
}
