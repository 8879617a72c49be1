// Package revision tracks the set of patch revisions installed on disk,
// and diffs a newly fetched revision against what was previously known.
package revision

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/aurorium/patchmirror/pkg/asset"
	"github.com/aurorium/patchmirror/pkg/manifest"
)

var tracer = otel.Tracer("github.com/aurorium/patchmirror/pkg/revision")

// namePattern captures the numeric revision ordinal out of a directory
// name such as V_r773351.Wizard_1_570_0_Live.
var namePattern = regexp.MustCompile(`^V_r(\d+)\.Wizard.*$`)

// manifestFile is the sanitised-on-disk manifest name written by the fetch
// pipeline alongside each revision's assets.
const manifestFile = "LatestFileList.xml"

// LocalRevision is one manifest generation installed under a Store's base
// directory.
type LocalRevision struct {
	Name           string
	RevisionNumber uint64
	Path           string
	Assets         asset.List
}

// ParseRevisionNumber extracts the numeric ordinal from a revision
// directory name such as V_r773351.Wizard_1_570_0_Live, returning false if
// name does not match the pattern. The orchestrator uses this to build a
// LocalRevision from a freshly handshaken revision name.
func ParseRevisionNumber(name string) (uint64, bool) {
	return captureRevisionNumber(name)
}

// captureRevisionNumber extracts the numeric ordinal from name, returning
// false if name does not match the revision directory pattern.
func captureRevisionNumber(name string) (uint64, bool) {
	m := namePattern.FindStringSubmatch(name)
	if m == nil {
		return 0, false
	}

	n, err := strconv.ParseUint(m[1], 10, 64)
	if err != nil {
		return 0, false
	}

	return n, true
}

// loadAssetList reads, sanitises and parses the manifest at
// <revisionPath>/LatestFileList.xml, returning an empty list if the file
// does not exist.
func loadAssetList(revisionPath string) (asset.List, error) {
	raw, err := os.ReadFile(filepath.Join(revisionPath, manifestFile))
	if err != nil {
		if os.IsNotExist(err) {
			return asset.List{}, nil
		}

		return asset.List{}, fmt.Errorf("error reading manifest at %s: %w", revisionPath, err)
	}

	sanitised, err := manifest.Sanitise(raw)
	if err != nil {
		return asset.List{}, fmt.Errorf("error sanitising manifest at %s: %w", revisionPath, err)
	}

	wads, utils, err := manifest.ParseManifest(sanitised)
	if err != nil {
		return asset.List{}, fmt.Errorf("error parsing manifest at %s: %w", revisionPath, err)
	}

	return asset.List{Wads: wads, Utils: utils}, nil
}

// Store is the process-wide set of known LocalRevisions, keyed by
// RevisionNumber, guarded by a single reader-writer lock.
type Store struct {
	mu        sync.RWMutex
	revisions map[uint64]LocalRevision
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{revisions: make(map[uint64]LocalRevision)}
}

// InitAll enumerates the immediate subdirectories of base; directories
// whose name matches the revision pattern are loaded (manifest sanitised
// and parsed if present) and inserted. Non-matching directories are
// skipped. Directories with no manifest yield a LocalRevision with an
// empty AssetList.
func (s *Store) InitAll(ctx context.Context, base string) error {
	_, span := tracer.Start(ctx, "revision.Store.InitAll", trace.WithAttributes(attribute.String("base", base)))
	defer span.End()

	log := zerolog.Ctx(ctx)

	entries, err := os.ReadDir(base)
	if err != nil {
		if os.IsNotExist(err) {
			log.Warn().Str("base", base).Msg("revision base directory does not exist yet")

			return nil
		}

		return fmt.Errorf("error reading revision base directory %s: %w", base, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		name := entry.Name()

		revNum, ok := captureRevisionNumber(name)
		if !ok {
			log.Debug().Str("name", name).Msg("skipping directory not matching revision pattern")

			continue
		}

		path := filepath.Join(base, name)

		assets, err := loadAssetList(path)
		if err != nil {
			return err
		}

		s.revisions[revNum] = LocalRevision{
			Name:           name,
			RevisionNumber: revNum,
			Path:           path,
			Assets:         assets,
		}
	}

	log.Info().Int("count", len(s.revisions)).Msg("initialised revision store")

	return nil
}

// Newest returns the revision with the greatest RevisionNumber, or false
// if the store is empty.
func (s *Store) Newest() (LocalRevision, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		best  LocalRevision
		found bool
	)

	for _, rev := range s.revisions {
		if !found || rev.RevisionNumber > best.RevisionNumber {
			best = rev
			found = true
		}
	}

	return best, found
}

// Get returns the revision with the given RevisionNumber, or false if
// unknown.
func (s *Store) Get(revisionNumber uint64) (LocalRevision, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rev, ok := s.revisions[revisionNumber]

	return rev, ok
}

// GetByName returns the revision whose Name matches, or false if unknown.
func (s *Store) GetByName(name string) (LocalRevision, bool) {
	revNum, ok := captureRevisionNumber(name)
	if !ok {
		return LocalRevision{}, false
	}

	return s.Get(revNum)
}

// Insert stores rev, replacing any existing entry with the same
// RevisionNumber.
func (s *Store) Insert(rev LocalRevision) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.revisions[rev.RevisionNumber] = rev
}

// All returns every known revision, in ascending RevisionNumber order.
func (s *Store) All() []LocalRevision {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]LocalRevision, 0, len(s.revisions))
	for _, rev := range s.revisions {
		out = append(out, rev)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].RevisionNumber < out[j].RevisionNumber })

	return out
}

// latestOtherThan returns the largest-numbered known revision whose number
// differs from exclude, or false if none exists.
func (s *Store) latestOtherThan(exclude uint64) (LocalRevision, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		best  LocalRevision
		found bool
	)

	for _, rev := range s.revisions {
		if rev.RevisionNumber == exclude {
			continue
		}

		if !found || rev.RevisionNumber > best.RevisionNumber {
			best = rev
			found = true
		}
	}

	return best, found
}

// FindRevisionForAsset looks up revision's asset list for filename, then
// scans all known revisions in ascending RevisionNumber order and returns
// the first one containing any Asset with identical (crc, size). Returns
// false if either revision or filename is unknown, or no match is found.
func (s *Store) FindRevisionForAsset(ctx context.Context, revisionName, filename string) (LocalRevision, bool) {
	_, span := tracer.Start(ctx, "revision.Store.FindRevisionForAsset",
		trace.WithAttributes(attribute.String("revision", revisionName), attribute.String("filename", filename)))
	defer span.End()

	rev, ok := s.GetByName(revisionName)
	if !ok {
		return LocalRevision{}, false
	}

	target, ok := rev.Assets.FindByName(filename)
	if !ok {
		return LocalRevision{}, false
	}

	for _, candidate := range s.All() {
		for _, a := range candidate.Assets.All() {
			if a.SameContent(target) {
				return candidate, true
			}
		}
	}

	return LocalRevision{}, false
}
