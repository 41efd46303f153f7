package sandbox

import (
	"archive/tar"
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTarSingleFile(t *testing.T) {
	t.Run("RoundTrip", func(t *testing.T) {
		payload, err := TarSingleFile("/src/build.sh", "#!/bin/bash\nmake -j\n")
		require.NoError(t, err)

		tr := tar.NewReader(bytes.NewReader(payload))
		header, err := tr.Next()
		require.NoError(t, err)
		assert.Equal(t, "src/build.sh", header.Name)

		content, err := io.ReadAll(tr)
		require.NoError(t, err)
		assert.Equal(t, "#!/bin/bash\nmake -j\n", string(content))

		_, err = tr.Next()
		assert.Equal(t, io.EOF, err)
	})

	t.Run("DelimiterLookingContentSurvives", func(t *testing.T) {
		// A heredoc transfer would truncate at a line matching its
		// sentinel; the tar framing must not care.
		content := "line one\nOFG_EOF\nEOF\nline two\n"
		payload, err := TarSingleFile("/src/fuzz_driver.c", content)
		require.NoError(t, err)

		tr := tar.NewReader(bytes.NewReader(payload))
		_, err = tr.Next()
		require.NoError(t, err)

		got, err := io.ReadAll(tr)
		require.NoError(t, err)
		assert.Equal(t, content, string(got))
	})

	t.Run("EmptyContent", func(t *testing.T) {
		payload, err := TarSingleFile("/etc/profile.d/empty.sh", "")
		require.NoError(t, err)

		tr := tar.NewReader(bytes.NewReader(payload))
		header, err := tr.Next()
		require.NoError(t, err)
		assert.Zero(t, header.Size)
	})

	t.Run("RelativePathRejected", func(t *testing.T) {
		_, err := TarSingleFile("src/build.sh", "content")
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "must be absolute")
	})
}
