package sandbox

import (
	"archive/tar"
	"bytes"
	"fmt"
	"strings"
	"time"
)

// TarSingleFile packs content as a one-entry tar archive whose entry
// name is path relative to the filesystem root, suitable for streaming
// into `tar -x -C /` inside a container. Unlike a heredoc, the payload
// is length-framed by the tar format, so content containing any
// delimiter-looking line transfers verbatim.
func TarSingleFile(path, content string) ([]byte, error) {
	if !strings.HasPrefix(path, "/") {
		return nil, fmt.Errorf("target path must be absolute, got %q", path)
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	header := &tar.Header{
		Name:    strings.TrimPrefix(path, "/"),
		Mode:    0644,
		Size:    int64(len(content)),
		ModTime: time.Now(),
	}
	if err := tw.WriteHeader(header); err != nil {
		return nil, fmt.Errorf("failed to write tar header: %w", err)
	}
	if _, err := tw.Write([]byte(content)); err != nil {
		return nil, fmt.Errorf("failed to write tar content: %w", err)
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize tar: %w", err)
	}

	return buf.Bytes(), nil
}
