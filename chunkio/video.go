package chunkio

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// CopyVideoSegment copies a video segment file byte-for-byte. Segments are
// never re-encoded by a structural transformation, so the copy is exact and
// cheap relative to a transcode.
func CopyVideoSegment(srcPath, dstPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("failed to open video segment %s: %w", srcPath, err)
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
		return fmt.Errorf("failed to create video dir: %w", err)
	}
	dst, err := os.Create(dstPath)
	if err != nil {
		return fmt.Errorf("failed to create video segment %s: %w", dstPath, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(dstPath)
		return fmt.Errorf("failed to copy video segment to %s: %w", dstPath, err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("failed to close video segment %s: %w", dstPath, err)
	}
	return nil
}
