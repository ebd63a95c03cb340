package transform_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WilbertYuan/lerobot-piper3/core"
	"github.com/WilbertYuan/lerobot-piper3/dataset"
	"github.com/WilbertYuan/lerobot-piper3/internal/testutil"
	"github.com/WilbertYuan/lerobot-piper3/meta"
	"github.com/WilbertYuan/lerobot-piper3/transform"
)

func newEngine() *transform.Engine {
	// The oracle makes every postcondition check rescan frame data and
	// compare it against the finalized stats, so incremental stats paths
	// are verified on every operation.
	return transform.NewEngine(transform.Options{StatsOracle: true})
}

func fixtureLayout() meta.LayoutSpec {
	return meta.LayoutSpec{ChunkCapacity: 2, ChunkCompression: core.CompressionSnappy}
}

func buildFixture(t *testing.T, root string, seed uint64, episodes []testutil.EpisodeSpec) *meta.Metadata {
	t.Helper()
	return testutil.BuildDataset(t, root, seed, 30, fixtureLayout(), episodes)
}

func openValid(t *testing.T, root string) *dataset.Dataset {
	t.Helper()
	ds, err := dataset.Open(root, dataset.Options{})
	require.NoError(t, err)
	return ds
}

func episodeLengths(m *meta.Metadata) []uint32 {
	lengths := make([]uint32, len(m.Episodes))
	for i, ep := range m.Episodes {
		lengths[i] = ep.Length
	}
	return lengths
}

func readVideo(t *testing.T, root string, index uint64) []byte {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(root, meta.VideoRelPath(testutil.VideoFeature, index)))
	require.NoError(t, err)
	return data
}

func TestDelete_Scenario(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	out := filepath.Join(dir, "out")
	buildFixture(t, src, 1, []testutil.EpisodeSpec{
		{Length: 10, Task: "pick"},
		{Length: 20, Task: "wipe"},
		{Length: 5, Task: "pick"},
	})

	summary, err := newEngine().Delete(context.Background(), src, []uint64{1}, transform.TargetOptions{TargetRoot: out})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), summary.EpisodesIn)
	assert.Equal(t, uint64(2), summary.EpisodesOut)
	assert.Equal(t, uint64(35), summary.FramesIn)
	assert.Equal(t, uint64(15), summary.FramesOut)

	ds := openValid(t, out)
	m := ds.Meta()
	assert.Equal(t, []uint32{10, 5}, episodeLengths(m))
	assert.Equal(t, uint64(15), m.Info.NumFrames)
	assert.Equal(t, uint64(0), m.Episodes[0].EpisodeIndex)
	assert.Equal(t, uint64(1), m.Episodes[1].EpisodeIndex)

	// "wipe" was only referenced by the deleted episode and must be pruned.
	require.Len(t, m.Tasks, 1)
	assert.Equal(t, "pick", m.Tasks[0].Task)

	// Survivor frame data and video bytes come from source episodes 0 and 2.
	it := ds.NewIterator()
	defer it.Close()
	wantSources := []uint64{0, 2}
	for it.Next() {
		rec := it.Record()
		assert.Equal(t, testutil.EpisodeValues(1, wantSources[rec.EpisodeIndex], int(rec.Length)), it.Frames())
		assert.Equal(t, testutil.VideoBytes(1, wantSources[rec.EpisodeIndex]), readVideo(t, out, rec.EpisodeIndex))
	}
	require.NoError(t, it.Err())

	// The source is untouched.
	srcDS := openValid(t, src)
	assert.Equal(t, uint64(3), srcDS.NumEpisodes())
}

func TestDelete_MinMaxRescan(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	out := filepath.Join(dir, "out")
	buildFixture(t, src, 2, []testutil.EpisodeSpec{
		{Length: 4, Task: "pick"},
		{Length: 4, Task: "pick"},
		{Length: 4, Task: "pick"},
	})

	// Episode 2 holds the extreme values of every feature (values grow with
	// the episode index), so its deletion forces the min/max rescan path.
	// The stats oracle in the postcondition verifies the result exactly.
	_, err := newEngine().Delete(context.Background(), src, []uint64{2}, transform.TargetOptions{TargetRoot: out})
	require.NoError(t, err)
	openValid(t, out)
}

func TestDelete_IndexOutOfRange(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	buildFixture(t, src, 1, []testutil.EpisodeSpec{
		{Length: 2, Task: "pick"}, {Length: 2, Task: "pick"}, {Length: 2, Task: "pick"},
		{Length: 2, Task: "pick"}, {Length: 2, Task: "pick"},
	})

	before, err := os.ReadFile(filepath.Join(meta.MetaDir(src), meta.EpisodesFileName))
	require.NoError(t, err)
	chunkBefore, err := os.ReadFile(meta.ChunkPath(src, 0))
	require.NoError(t, err)

	_, err = newEngine().Delete(context.Background(), src, []uint64{10}, transform.TargetOptions{TargetRoot: filepath.Join(dir, "out")})
	require.ErrorIs(t, err, core.ErrIndexOutOfRange)

	// Nothing observable changed: no output, no staging, same source bytes.
	after, err := os.ReadFile(filepath.Join(meta.MetaDir(src), meta.EpisodesFileName))
	require.NoError(t, err)
	assert.Equal(t, before, after)
	chunkAfter, err := os.ReadFile(meta.ChunkPath(src, 0))
	require.NoError(t, err)
	assert.Equal(t, chunkBefore, chunkAfter)
	_, err = os.Stat(filepath.Join(dir, "out"))
	assert.True(t, os.IsNotExist(err))
}

func TestDelete_ReportsAllViolations(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	buildFixture(t, src, 1, []testutil.EpisodeSpec{
		{Length: 2, Task: "pick"}, {Length: 2, Task: "pick"},
	})

	_, err := newEngine().Delete(context.Background(), src, []uint64{5, 6, 0, 0}, transform.TargetOptions{TargetRoot: filepath.Join(dir, "out")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "index 5")
	assert.Contains(t, err.Error(), "index 6")
	assert.Contains(t, err.Error(), "more than once")
}

func TestDelete_InPlace(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	buildFixture(t, src, 1, []testutil.EpisodeSpec{
		{Length: 3, Task: "pick"}, {Length: 4, Task: "pick"}, {Length: 5, Task: "pick"},
	})

	_, err := newEngine().Delete(context.Background(), src, []uint64{0}, transform.TargetOptions{})
	require.NoError(t, err)

	ds := openValid(t, src)
	assert.Equal(t, uint64(2), ds.NumEpisodes())
	assert.Equal(t, []uint32{4, 5}, episodeLengths(ds.Meta()))

	// No backup or staging residue.
	_, err = os.Stat(src + ".old")
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(src + ".staging")
	assert.True(t, os.IsNotExist(err))
}

func TestMerge_Scenario(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a")
	b := filepath.Join(dir, "b")
	out := filepath.Join(dir, "out")
	buildFixture(t, a, 1, []testutil.EpisodeSpec{
		{Length: 3, Task: "pick"}, {Length: 4, Task: "pick"}, {Length: 5, Task: "pick"},
	})
	buildFixture(t, b, 2, []testutil.EpisodeSpec{
		{Length: 6, Task: "pick"}, {Length: 7, Task: "pick"},
	})

	summary, err := newEngine().Merge(context.Background(), []string{a, b}, transform.TargetOptions{TargetRoot: out})
	require.NoError(t, err)
	assert.Equal(t, uint64(5), summary.EpisodesOut)
	assert.Equal(t, uint64(25), summary.FramesOut)

	ds := openValid(t, out)
	m := ds.Meta()
	assert.Equal(t, uint64(5), m.Info.NumEpisodes)
	assert.Equal(t, uint64(25), m.Info.NumFrames)
	require.Len(t, m.Tasks, 1)
	assert.Equal(t, "pick", m.Tasks[0].Task)
	assert.Equal(t, []uint32{3, 4, 5, 6, 7}, episodeLengths(m))

	// Both sources untouched.
	assert.Equal(t, uint64(3), openValid(t, a).NumEpisodes())
	assert.Equal(t, uint64(2), openValid(t, b).NumEpisodes())
}

func TestMerge_FPSMismatch(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a")
	b := filepath.Join(dir, "b")
	buildFixture(t, a, 1, []testutil.EpisodeSpec{{Length: 3, Task: "pick"}})
	testutil.BuildDataset(t, b, 2, 60, fixtureLayout(), []testutil.EpisodeSpec{{Length: 3, Task: "pick"}})

	_, err := newEngine().Merge(context.Background(), []string{a, b}, transform.TargetOptions{TargetRoot: filepath.Join(dir, "out")})
	require.Error(t, err)
	assert.True(t, core.IsSchemaMismatch(err))
	_, statErr := os.Stat(filepath.Join(dir, "out"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestMerge_SchemaMismatch(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a")
	b := filepath.Join(dir, "b")
	buildFixture(t, a, 1, []testutil.EpisodeSpec{{Length: 3, Task: "pick"}})
	buildFixture(t, b, 2, []testutil.EpisodeSpec{{Length: 3, Task: "pick"}})

	// Grow b's schema on disk so the feature sets no longer match.
	m, err := meta.Load(b)
	require.NoError(t, err)
	m.Schema["wrist.torque"] = meta.FeatureDef{Shape: []int{1}, DType: "float32", Modality: meta.ModalityScalarSeries}
	require.NoError(t, meta.Save(b, m))

	_, err = newEngine().Merge(context.Background(), []string{a, b}, transform.TargetOptions{TargetRoot: filepath.Join(dir, "out")})
	require.Error(t, err)
	assert.True(t, core.IsSchemaMismatch(err))
	assert.Contains(t, err.Error(), "wrist.torque")
}

func TestSplit_ProportionalScenario(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	specs := make([]testutil.EpisodeSpec, 10)
	for i := range specs {
		specs[i] = testutil.EpisodeSpec{Length: i + 1, Task: "pick"}
	}
	buildFixture(t, src, 1, specs)

	summary, err := newEngine().Split(context.Background(), src, transform.SplitSpec{
		Portions: []transform.Portion{
			{Name: "train", Fraction: 0.8},
			{Name: "test", Fraction: 0.2},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{src + "-train", src + "-test"}, summary.Outputs)

	train := openValid(t, src+"-train")
	test := openValid(t, src+"-test")
	assert.Equal(t, uint64(8), train.NumEpisodes())
	assert.Equal(t, uint64(2), test.NumEpisodes())
	// Head cut: train gets source episodes 0..7, test gets 8..9, each
	// renumbered from 0.
	assert.Equal(t, []uint32{1, 2, 3, 4, 5, 6, 7, 8}, episodeLengths(train.Meta()))
	assert.Equal(t, []uint32{9, 10}, episodeLengths(test.Meta()))
	for i, ep := range test.Meta().Episodes {
		assert.Equal(t, uint64(i), ep.EpisodeIndex)
	}
}

func TestSplit_RejectsOverCommittedProportions(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	buildFixture(t, src, 1, []testutil.EpisodeSpec{
		{Length: 2, Task: "pick"}, {Length: 2, Task: "pick"},
	})

	_, err := newEngine().Split(context.Background(), src, transform.SplitSpec{
		Portions: []transform.Portion{
			{Name: "train", Fraction: 0.8},
			{Name: "test", Fraction: 0.4},
		},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeding 1.0")
}

func TestSplit_ExplicitOverlap(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	buildFixture(t, src, 1, []testutil.EpisodeSpec{
		{Length: 2, Task: "pick"}, {Length: 2, Task: "pick"}, {Length: 2, Task: "pick"},
	})

	_, err := newEngine().Split(context.Background(), src, transform.SplitSpec{
		Subsets: []transform.Subset{
			{Name: "a", Episodes: []uint64{0, 1}},
			{Name: "b", Episodes: []uint64{1, 2}},
		},
	})
	require.Error(t, err)
	assert.True(t, core.IsOverlap(err))
}

func TestSplit_ExplicitIndexOutOfRange(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	buildFixture(t, src, 1, []testutil.EpisodeSpec{
		{Length: 2, Task: "pick"}, {Length: 2, Task: "pick"},
	})

	_, err := newEngine().Split(context.Background(), src, transform.SplitSpec{
		Subsets: []transform.Subset{{Name: "a", Episodes: []uint64{0, 9}}},
	})
	require.ErrorIs(t, err, core.ErrIndexOutOfRange)
}

func TestSplit_RefusesExistingTargetBeforePublishingAnything(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	blocked := filepath.Join(dir, "blocked")
	buildFixture(t, src, 1, []testutil.EpisodeSpec{
		{Length: 2, Task: "pick"}, {Length: 2, Task: "pick"}, {Length: 2, Task: "pick"},
	})
	require.NoError(t, os.MkdirAll(blocked, 0o755))

	_, err := newEngine().Split(context.Background(), src, transform.SplitSpec{
		Subsets: []transform.Subset{
			{Name: "a", Episodes: []uint64{0}},
			{Name: "b", Episodes: []uint64{1, 2}},
		},
		TargetRoots: map[string]string{
			"a": filepath.Join(dir, "a-out"),
			"b": blocked,
		},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	// No split may be published when any target is unusable.
	_, statErr := os.Stat(filepath.Join(dir, "a-out"))
	assert.True(t, os.IsNotExist(statErr))
	openValid(t, src)
}

func TestSplit_RejectsCollidingTargets(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	buildFixture(t, src, 1, []testutil.EpisodeSpec{
		{Length: 2, Task: "pick"}, {Length: 2, Task: "pick"},
	})

	_, err := newEngine().Split(context.Background(), src, transform.SplitSpec{
		Subsets: []transform.Subset{
			{Name: "a", Episodes: []uint64{0}},
			{Name: "b", Episodes: []uint64{1}},
		},
		TargetRoots: map[string]string{
			"a": filepath.Join(dir, "out"),
			"b": filepath.Join(dir, "out"),
		},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "same target")
}

func TestSplit_RejectsSourceAsTarget(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	buildFixture(t, src, 1, []testutil.EpisodeSpec{
		{Length: 2, Task: "pick"}, {Length: 2, Task: "pick"},
	})

	_, err := newEngine().Split(context.Background(), src, transform.SplitSpec{
		Subsets:     []transform.Subset{{Name: "a", Episodes: []uint64{0, 1}}},
		TargetRoots: map[string]string{"a": src},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "source dataset")
}

func TestDelete_DiscardsStagingOnReadFailure(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	out := filepath.Join(dir, "out")
	m := buildFixture(t, src, 1, []testutil.EpisodeSpec{
		{Length: 4, Task: "pick"}, {Length: 4, Task: "pick"}, {Length: 4, Task: "pick"},
	})

	// Corrupt a surviving episode's block header so the stream copy fails
	// mid-build with a checksum-class error.
	path := meta.ChunkPath(src, 0)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[m.Episodes[0].ChunkOffset] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, err = newEngine().Delete(context.Background(), src, []uint64{2}, transform.TargetOptions{TargetRoot: out})
	require.ErrorIs(t, err, core.ErrCorrupted)

	// The staging dir is fully discarded, with no video-copy residue.
	_, statErr := os.Stat(out)
	assert.True(t, os.IsNotExist(statErr))
	_, statErr = os.Stat(out + ".staging")
	assert.True(t, os.IsNotExist(statErr))
}

func TestMerge_InPlace(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a")
	b := filepath.Join(dir, "b")
	buildFixture(t, a, 1, []testutil.EpisodeSpec{
		{Length: 3, Task: "pick"}, {Length: 4, Task: "pick"},
	})
	buildFixture(t, b, 2, []testutil.EpisodeSpec{
		{Length: 5, Task: "place"},
	})

	// Empty target publishes the merge over the first source.
	summary, err := newEngine().Merge(context.Background(), []string{a, b}, transform.TargetOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{a}, summary.Outputs)

	ds := openValid(t, a)
	assert.Equal(t, uint64(3), ds.NumEpisodes())
	assert.Equal(t, []uint32{3, 4, 5}, episodeLengths(ds.Meta()))
	assert.Len(t, ds.Meta().Tasks, 2)

	// No backup or staging residue, second source untouched.
	_, err = os.Stat(a + ".old")
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(a + ".staging")
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, uint64(1), openValid(t, b).NumEpisodes())
}

func TestMergeSplit_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a")
	b := filepath.Join(dir, "b")
	merged := filepath.Join(dir, "merged")
	buildFixture(t, a, 1, []testutil.EpisodeSpec{
		{Length: 3, Task: "pick"}, {Length: 4, Task: "pick"},
	})
	buildFixture(t, b, 2, []testutil.EpisodeSpec{
		{Length: 5, Task: "place"}, {Length: 6, Task: "place"}, {Length: 7, Task: "place"},
	})

	engine := newEngine()
	_, err := engine.Merge(context.Background(), []string{a, b}, transform.TargetOptions{TargetRoot: merged})
	require.NoError(t, err)

	_, err = engine.Split(context.Background(), merged, transform.SplitSpec{
		Subsets: []transform.Subset{
			{Name: "a2", Episodes: []uint64{0, 1}},
			{Name: "b2", Episodes: []uint64{2, 3, 4}},
		},
		TargetRoots: map[string]string{
			"a2": filepath.Join(dir, "a2"),
			"b2": filepath.Join(dir, "b2"),
		},
	})
	require.NoError(t, err)

	// Frame values and video bytes must match the original datasets exactly.
	check := func(root string, seed uint64, lengths []uint32) {
		ds := openValid(t, root)
		require.Equal(t, lengths, episodeLengths(ds.Meta()))
		it := ds.NewIterator()
		defer it.Close()
		for it.Next() {
			rec := it.Record()
			assert.Equal(t, testutil.EpisodeValues(seed, rec.EpisodeIndex, int(rec.Length)), it.Frames())
			assert.Equal(t, testutil.VideoBytes(seed, rec.EpisodeIndex), readVideo(t, root, rec.EpisodeIndex))
		}
		require.NoError(t, it.Err())
	}
	check(filepath.Join(dir, "a2"), 1, []uint32{3, 4})
	check(filepath.Join(dir, "b2"), 2, []uint32{5, 6, 7})
}

func TestConvertVersion_ChangesPhysicalLayoutOnly(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	out := filepath.Join(dir, "out")
	buildFixture(t, src, 4, []testutil.EpisodeSpec{
		{Length: 3, Task: "pick"}, {Length: 4, Task: "wipe"}, {Length: 5, Task: "pick"},
	})

	_, err := newEngine().ConvertVersion(context.Background(), src, "v2.0", transform.TargetOptions{TargetRoot: out})
	require.NoError(t, err)

	ds := openValid(t, out)
	m := ds.Meta()
	assert.Equal(t, "v2.0", m.Info.FormatVersion)
	assert.Equal(t, 10, m.Info.ChunkCapacity)
	assert.Equal(t, "none", m.Info.ChunkCompression)
	// With capacity 10 all episodes now share chunk 0.
	for _, ep := range m.Episodes {
		assert.Equal(t, uint32(0), ep.ChunkID)
	}

	it := ds.NewIterator()
	defer it.Close()
	for it.Next() {
		rec := it.Record()
		assert.Equal(t, testutil.EpisodeValues(4, rec.EpisodeIndex, int(rec.Length)), it.Frames())
		assert.Equal(t, testutil.VideoBytes(4, rec.EpisodeIndex), readVideo(t, out, rec.EpisodeIndex))
	}
	require.NoError(t, it.Err())
}

func TestConvertVersion_UnknownTarget(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	buildFixture(t, src, 1, []testutil.EpisodeSpec{{Length: 2, Task: "pick"}})

	_, err := newEngine().ConvertVersion(context.Background(), src, "v7.3", transform.TargetOptions{TargetRoot: filepath.Join(dir, "out")})
	require.Error(t, err)
	assert.True(t, core.IsUnsupportedVersion(err))
}

func TestPublish_RefusesExistingTarget(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	out := filepath.Join(dir, "out")
	buildFixture(t, src, 1, []testutil.EpisodeSpec{
		{Length: 2, Task: "pick"}, {Length: 2, Task: "pick"},
	})
	require.NoError(t, os.MkdirAll(out, 0o755))

	_, err := newEngine().Delete(context.Background(), src, []uint64{0}, transform.TargetOptions{TargetRoot: out})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
	// Source still intact.
	openValid(t, src)
}
