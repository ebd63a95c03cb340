package meta

import (
	"fmt"
	"path/filepath"
)

// File names inside a dataset directory.
const (
	MetaDirName   = "meta"
	DataDirName   = "data"
	VideosDirName = "videos"

	InfoFileName     = "info.json"
	SchemaFileName   = "schema.json"
	EpisodesFileName = "episodes.jsonl"
	TasksFileName    = "tasks.jsonl"
	StatsFileName    = "stats.json"
)

// MetaDir returns the metadata directory for a dataset root.
func MetaDir(root string) string {
	return filepath.Join(root, MetaDirName)
}

// DataDir returns the chunk data directory for a dataset root.
func DataDir(root string) string {
	return filepath.Join(root, DataDirName)
}

// VideosDir returns the video segment directory for one feature.
func VideosDir(root, feature string) string {
	return filepath.Join(root, VideosDirName, feature)
}

// ChunkFileName formats the file name for a chunk id.
func ChunkFileName(chunkID uint32) string {
	return fmt.Sprintf("chunk-%05d.nxc", chunkID)
}

// ChunkPath returns the absolute path of a chunk file.
func ChunkPath(root string, chunkID uint32) string {
	return filepath.Join(DataDir(root), ChunkFileName(chunkID))
}

// VideoRelPath returns the dataset-relative path of an episode's video
// segment for one feature; this is the value stored in VideoRef.Path.
func VideoRelPath(feature string, episodeIndex uint64) string {
	return filepath.Join(VideosDirName, feature, fmt.Sprintf("episode_%06d.bin", episodeIndex))
}
