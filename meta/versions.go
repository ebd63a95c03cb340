package meta

import (
	"sort"

	"github.com/WilbertYuan/lerobot-piper3/core"
)

// CurrentVersion is the layout version new datasets are written with.
const CurrentVersion = "v2.1"

// LayoutSpec is the physical layout policy bound to a format version tag.
// Converting a dataset between versions changes only these knobs; logical
// content is untouched.
type LayoutSpec struct {
	ChunkCapacity    int
	ChunkCompression core.CompressionType
}

var layouts = map[string]LayoutSpec{
	// v2.0 wrote small uncompressed chunks.
	"v2.0": {ChunkCapacity: 10, ChunkCompression: core.CompressionNone},
	// v2.1 packs more episodes per chunk and compresses payloads.
	"v2.1": {ChunkCapacity: 50, ChunkCompression: core.CompressionSnappy},
}

// Layout resolves a version tag to its layout policy.
func Layout(version string) (LayoutSpec, bool) {
	spec, ok := layouts[version]
	return spec, ok
}

// SupportedVersions lists the known version tags in sorted order.
func SupportedVersions() []string {
	versions := make([]string, 0, len(layouts))
	for v := range layouts {
		versions = append(versions, v)
	}
	sort.Strings(versions)
	return versions
}
