package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitize(t *testing.T) {
	cases := map[string]string{
		"notes.md":           "notes.md",
		"../../etc/passwd":   "passwd",
		"dir/sub/file.go":    "file.go",
		`C:\\temp\\evil.txt`: "evil.txt",
		"":                   "untitled.txt",
		"   ":                "untitled.txt",
		"..":                 "untitled.txt",
		"foo/":               "untitled.txt",
		"we:ird\x00name.txt": "weirdname.txt",
	}
	for in, want := range cases {
		assert.Equal(t, want, Sanitize(in), "Sanitize(%q)", in)
	}
}

func TestWriteFileNeverOverwrites(t *testing.T) {
	w, err := New(t.TempDir())
	require.NoError(t, err)

	first, err := w.WriteFile("report.txt", "one")
	require.NoError(t, err)
	second, err := w.WriteFile("report.txt", "two")
	require.NoError(t, err)
	third, err := w.WriteFile("../report.txt", "three")
	require.NoError(t, err)

	assert.Equal(t, "report.txt", first)
	assert.Equal(t, "report_1.txt", second)
	assert.Equal(t, "report_2.txt", third)

	got, err := w.ReadFile("report.txt")
	require.NoError(t, err)
	assert.Equal(t, "one", got)
	got, err = w.ReadFile("report_2.txt")
	require.NoError(t, err)
	assert.Equal(t, "three", got)
}

func TestWriteFileStaysInsideRoot(t *testing.T) {
	root := t.TempDir()
	w, err := New(filepath.Join(root, "ws"))
	require.NoError(t, err)

	name, err := w.WriteFile("../../escape.sh", "echo hi")
	require.NoError(t, err)
	assert.Equal(t, "escape.sh", name)
	_, err = os.Stat(filepath.Join(root, "escape.sh"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(w.Path(), "escape.sh"))
	assert.NoError(t, err)
}

func TestWriteFileWithoutExtension(t *testing.T) {
	w, err := New(t.TempDir())
	require.NoError(t, err)
	_, err = w.WriteFile("Makefile", "a")
	require.NoError(t, err)
	name, err := w.WriteFile("Makefile", "b")
	require.NoError(t, err)
	assert.Equal(t, "Makefile_1", name)
}

func TestListFilesSortedByName(t *testing.T) {
	w, err := New(t.TempDir())
	require.NoError(t, err)
	_, err = w.WriteFile("b.txt", "bb")
	require.NoError(t, err)
	_, err = w.WriteFile("a.txt", "a")
	require.NoError(t, err)
	require.NoError(t, os.Mkdir(filepath.Join(w.Path(), "subdir"), 0o755))

	files, err := w.ListFiles()
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "a.txt", files[0].Name)
	assert.Equal(t, int64(1), files[0].Size)
	assert.Equal(t, "b.txt", files[1].Name)
	assert.Equal(t, int64(2), files[1].Size)
}

func TestReadFileRejectsTraversal(t *testing.T) {
	w, err := New(t.TempDir())
	require.NoError(t, err)
	_, err = w.ReadFile("../secret")
	assert.ErrorIs(t, err, ErrInvalidName)
}
