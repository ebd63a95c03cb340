package meta

// DatasetInfo is the single global metadata record. It is the last artifact
// written when a dataset is published; a directory without a readable info
// record is never a valid dataset.
type DatasetInfo struct {
	FormatVersion    string  `json:"format_version"`
	FPS              float64 `json:"fps"`
	NumEpisodes      uint64  `json:"num_episodes"`
	NumFrames        uint64  `json:"num_frames"`
	ChunkCapacity    int     `json:"chunk_capacity"`
	ChunkCompression string  `json:"chunk_compression"`
}

// VideoRef locates one feature's video segment for an episode.
type VideoRef struct {
	// Path is relative to the dataset root.
	Path string `json:"path"`
	// FrameCount must equal the episode length.
	FrameCount uint32 `json:"frame_count"`
}

// EpisodeRecord is one row of the episode index.
type EpisodeRecord struct {
	EpisodeIndex uint64 `json:"episode_index"`
	Length       uint32 `json:"length"`
	TaskIndex    uint32 `json:"task_index"`
	ChunkID      uint32 `json:"chunk_id"`
	// ChunkOffset is the byte offset of the episode block inside its chunk file.
	ChunkOffset int64               `json:"chunk_offset"`
	Videos      map[string]VideoRef `json:"videos,omitempty"`
}

// TaskRecord is one row of the deduplicated task table.
type TaskRecord struct {
	TaskIndex uint32 `json:"task_index"`
	Task      string `json:"task"`
}
