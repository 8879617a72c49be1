// Package asset holds the value types describing one downloadable game
// asset and the ordered inventory of a single revision.
package asset

// Asset describes a single downloadable file as enumerated by the vendor
// manifest. It is immutable once constructed; callers never mutate a
// field in place, they build a new value.
type Asset struct {
	Filename             string
	FileType             string
	Size                 uint64
	HeaderSize           uint64
	CompressedHeaderSize uint64
	CRC                  uint64
	HeaderCRC            uint64
}

// SameContent reports whether a and other refer to byte-identical content,
// i.e. (crc, size) match. Filename is deliberately excluded: two assets
// with the same content but different names are still the same content
// for deduplication purposes (see pkg/revision).
func (a Asset) SameContent(other Asset) bool {
	return a.CRC == other.CRC && a.Size == other.Size
}

// List is a revision's full asset inventory, partitioned by filename
// suffix into Wads (".wad") and Utils (everything else). The partition is
// observational only: callers needing the full inventory use All.
type List struct {
	Wads  []Asset
	Utils []Asset
}

// Add appends a to the Wads or Utils slice depending on its filename
// suffix, preserving insertion order within each partition.
func (l *List) Add(a Asset) {
	if isWad(a.Filename) {
		l.Wads = append(l.Wads, a)
	} else {
		l.Utils = append(l.Utils, a)
	}
}

// All returns every asset in the list, Wads first, then Utils, in the
// order they were added.
func (l List) All() []Asset {
	all := make([]Asset, 0, len(l.Wads)+len(l.Utils))
	all = append(all, l.Wads...)
	all = append(all, l.Utils...)

	return all
}

// Len returns the total number of assets across both partitions.
func (l List) Len() int { return len(l.Wads) + len(l.Utils) }

// FindByName returns the asset with the given filename and true, or the
// zero Asset and false if no such asset exists.
func (l List) FindByName(filename string) (Asset, bool) {
	for _, a := range l.Wads {
		if a.Filename == filename {
			return a, true
		}
	}

	for _, a := range l.Utils {
		if a.Filename == filename {
			return a, true
		}
	}

	return Asset{}, false
}

func isWad(filename string) bool {
	const suffix = ".wad"

	return len(filename) >= len(suffix) && filename[len(filename)-len(suffix):] == suffix
}
