package reliability

import (
	"archive/tar"
	"compress/gzip"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestFileChecksum(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "snapshot.db", "hello")

	checksum, err := fileChecksum(path)
	require.NoError(t, err)
	// sha256("hello")
	assert.Equal(t, "sha256:2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", checksum)

	same, err := fileChecksum(path)
	require.NoError(t, err)
	assert.Equal(t, checksum, same)

	_, err = fileChecksum(filepath.Join(dir, "missing.db"))
	assert.Error(t, err)
}

func TestWriteMetadata(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "backup-metadata.json")

	metadata := BackupMetadata{
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Databases: []DatabaseMetadata{
			{Name: "audit", Filename: "audit.db", SizeBytes: 4096, Checksum: "sha256:abc"},
		},
	}
	require.NoError(t, writeMetadata(path, metadata))

	content, err := os.ReadFile(path)
	require.NoError(t, err)

	var decoded BackupMetadata
	require.NoError(t, json.Unmarshal(content, &decoded))
	assert.Equal(t, metadata.Timestamp, decoded.Timestamp)
	require.Len(t, decoded.Databases, 1)
	assert.Equal(t, "audit.db", decoded.Databases[0].Filename)
	assert.Equal(t, int64(4096), decoded.Databases[0].SizeBytes)
}

func TestCreateArchiveRoundtrip(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "strategies.db", "strategies-content")
	writeFile(t, dir, "audit.db", "audit-content")

	archivePath := filepath.Join(dir, "backup.tar.gz")
	require.NoError(t, createArchive(archivePath, dir, []string{"strategies.db", "audit.db"}))

	archiveFile, err := os.Open(archivePath)
	require.NoError(t, err)
	defer archiveFile.Close()

	gzipReader, err := gzip.NewReader(archiveFile)
	require.NoError(t, err)
	defer gzipReader.Close()

	extracted := map[string]string{}
	tarReader := tar.NewReader(gzipReader)
	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)

		content, err := io.ReadAll(tarReader)
		require.NoError(t, err)
		extracted[header.Name] = string(content)
	}

	assert.Equal(t, map[string]string{
		"strategies.db": "strategies-content",
		"audit.db":      "audit-content",
	}, extracted)
}

func TestCreateArchiveMissingFile(t *testing.T) {
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "backup.tar.gz")

	err := createArchive(archivePath, dir, []string{"absent.db"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "absent.db")
}
