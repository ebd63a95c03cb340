package meta

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/WilbertYuan/lerobot-piper3/stats"
)

// Metadata bundles the four metadata artifacts plus the stats record.
type Metadata struct {
	Info     DatasetInfo
	Schema   Schema
	Episodes []EpisodeRecord
	Tasks    []TaskRecord
	Stats    map[string]stats.FeatureStats
}

// TaskByIndex returns the task string for a task index.
func (m *Metadata) TaskByIndex(idx uint32) (string, bool) {
	for _, t := range m.Tasks {
		if t.TaskIndex == idx {
			return t.Task, true
		}
	}
	return "", false
}

// Load reads the full metadata set from a dataset root. It fails if any
// artifact is missing or malformed; a dataset without a readable info record
// was never published and must not be used.
func Load(root string) (*Metadata, error) {
	m := &Metadata{}
	dir := MetaDir(root)

	if err := readJSONFile(filepath.Join(dir, InfoFileName), &m.Info); err != nil {
		return nil, fmt.Errorf("failed to load dataset info: %w", err)
	}
	if err := readJSONFile(filepath.Join(dir, SchemaFileName), &m.Schema); err != nil {
		return nil, fmt.Errorf("failed to load feature schema: %w", err)
	}
	if err := m.Schema.Validate(); err != nil {
		return nil, fmt.Errorf("invalid feature schema: %w", err)
	}
	if err := readJSONLines(filepath.Join(dir, EpisodesFileName), func(line []byte) error {
		var rec EpisodeRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return err
		}
		m.Episodes = append(m.Episodes, rec)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("failed to load episode index: %w", err)
	}
	if err := readJSONLines(filepath.Join(dir, TasksFileName), func(line []byte) error {
		var rec TaskRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return err
		}
		m.Tasks = append(m.Tasks, rec)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("failed to load task table: %w", err)
	}
	if err := readJSONFile(filepath.Join(dir, StatsFileName), &m.Stats); err != nil {
		return nil, fmt.Errorf("failed to load stats record: %w", err)
	}
	return m, nil
}

// Save writes the full metadata set under root. Every file is written with
// the write-tmp-sync-rename strategy so a crash never leaves a torn file.
// The info record is written last: it is the publish marker that makes the
// metadata set observable as complete.
func Save(root string, m *Metadata) error {
	dir := MetaDir(root)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create meta dir: %w", err)
	}

	if err := writeJSONFile(filepath.Join(dir, SchemaFileName), m.Schema); err != nil {
		return fmt.Errorf("failed to save feature schema: %w", err)
	}
	if err := writeJSONLines(filepath.Join(dir, EpisodesFileName), len(m.Episodes), func(i int) interface{} {
		return m.Episodes[i]
	}); err != nil {
		return fmt.Errorf("failed to save episode index: %w", err)
	}
	if err := writeJSONLines(filepath.Join(dir, TasksFileName), len(m.Tasks), func(i int) interface{} {
		return m.Tasks[i]
	}); err != nil {
		return fmt.Errorf("failed to save task table: %w", err)
	}
	if err := writeJSONFile(filepath.Join(dir, StatsFileName), m.Stats); err != nil {
		return fmt.Errorf("failed to save stats record: %w", err)
	}
	if err := writeJSONFile(filepath.Join(dir, InfoFileName), m.Info); err != nil {
		return fmt.Errorf("failed to save dataset info: %w", err)
	}
	return nil
}

func readJSONFile(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func readJSONLines(path string, fn func(line []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := fn(line); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// writeJSONFile atomically writes v as JSON: write to a temp file, fsync,
// close, then rename over the final path.
func writeJSONFile(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data)
}

func writeJSONLines(path string, n int, row func(i int) interface{}) error {
	var buf []byte
	for i := 0; i < n; i++ {
		line, err := json.Marshal(row(i))
		if err != nil {
			return err
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}
	return writeFileAtomic(path, buf)
}

func writeFileAtomic(path string, data []byte) error {
	tempPath := path + ".tmp"
	f, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	// Close before renaming for Windows compatibility.
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close temp file before rename: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("failed to rename temp file to final name: %w", err)
	}
	return nil
}
