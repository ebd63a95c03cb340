package validate_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WilbertYuan/lerobot-piper3/core"
	"github.com/WilbertYuan/lerobot-piper3/internal/testutil"
	"github.com/WilbertYuan/lerobot-piper3/meta"
	"github.com/WilbertYuan/lerobot-piper3/validate"
)

func buildFixture(t *testing.T) (string, *meta.Metadata) {
	t.Helper()
	root := t.TempDir() + "/ds"
	layout := meta.LayoutSpec{ChunkCapacity: 2, ChunkCompression: core.CompressionSnappy}
	m := testutil.BuildDataset(t, root, 1, 30, layout, []testutil.EpisodeSpec{
		{Length: 10, Task: "pick"},
		{Length: 20, Task: "place"},
		{Length: 5, Task: "pick"},
	})
	return root, m
}

func TestCheck_PassesOnValidDataset(t *testing.T) {
	root, m := buildFixture(t)
	require.NoError(t, validate.Check(root, m, validate.Options{}))
	// The expensive oracle must agree as well.
	require.NoError(t, validate.Check(root, m, validate.Options{CheckStatsOracle: true}))
}

func TestCheck_DetectsNonContiguousIndices(t *testing.T) {
	root, m := buildFixture(t)
	m.Episodes[1].EpisodeIndex = 7
	err := validate.Check(root, m, validate.Options{})
	require.Error(t, err)
	assert.True(t, core.IsConsistencyError(err))
	assert.Contains(t, err.Error(), "storage position 1")
}

func TestCheck_DetectsFrameCountDrift(t *testing.T) {
	root, m := buildFixture(t)
	m.Info.NumFrames = 99
	err := validate.Check(root, m, validate.Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "info records 99")
}

func TestCheck_DetectsUnreferencedTask(t *testing.T) {
	root, m := buildFixture(t)
	m.Tasks = append(m.Tasks, meta.TaskRecord{TaskIndex: 9, Task: "orphaned"})
	err := validate.Check(root, m, validate.Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "referenced by no episode")
}

func TestCheck_DetectsUndefinedTaskReference(t *testing.T) {
	root, m := buildFixture(t)
	m.Episodes[0].TaskIndex = 42
	err := validate.Check(root, m, validate.Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "undefined task index 42")
}

func TestCheck_DetectsVideoFrameMismatch(t *testing.T) {
	root, m := buildFixture(t)
	ref := m.Episodes[0].Videos[testutil.VideoFeature]
	ref.FrameCount = 3
	m.Episodes[0].Videos[testutil.VideoFeature] = ref
	err := validate.Check(root, m, validate.Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "video segment")
}

func TestCheck_DetectsMissingVideoSegment(t *testing.T) {
	root, m := buildFixture(t)
	delete(m.Episodes[2].Videos, testutil.VideoFeature)
	err := validate.Check(root, m, validate.Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing the video segment")
}

func TestCheck_DetectsChunkPolicyViolation(t *testing.T) {
	root, m := buildFixture(t)
	m.Episodes[0].ChunkID = 5
	err := validate.Check(root, m, validate.Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "packing policy")
}

func TestCheck_StatsOracleDetectsDrift(t *testing.T) {
	root, m := buildFixture(t)
	rec := m.Stats["action"]
	rec.Mean += 1
	m.Stats["action"] = rec
	err := validate.Check(root, m, validate.Options{CheckStatsOracle: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stats mean")
}

func TestCheck_ReportsAllViolationsTogether(t *testing.T) {
	root, m := buildFixture(t)
	m.Episodes[1].EpisodeIndex = 7
	m.Info.NumFrames = 99
	m.Tasks = append(m.Tasks, meta.TaskRecord{TaskIndex: 9, Task: "orphaned"})

	err := validate.Check(root, m, validate.Options{})
	require.Error(t, err)
	var cerr *core.ConsistencyError
	require.ErrorAs(t, err, &cerr)
	assert.GreaterOrEqual(t, len(cerr.Violations), 3)
}
