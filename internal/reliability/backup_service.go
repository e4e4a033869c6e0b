package reliability

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/anshultibby/finch-sub002/internal/database"
)

const (
	archivePrefix    = "finch-backup-"
	archiveTimeFmt   = "2006-01-02-150405"
	minBackupsToKeep = 3
)

// BackupMetadata describes one backup archive
type BackupMetadata struct {
	Timestamp time.Time          `json:"timestamp"`
	Databases []DatabaseMetadata `json:"databases"`
}

// DatabaseMetadata describes a single database inside a backup
type DatabaseMetadata struct {
	Name      string `json:"name"`
	Filename  string `json:"filename"`
	SizeBytes int64  `json:"size_bytes"`
	Checksum  string `json:"checksum"`
}

// BackupInfo summarizes a stored backup
type BackupInfo struct {
	Filename  string    `json:"filename"`
	Timestamp time.Time `json:"timestamp"`
	SizeBytes int64     `json:"size_bytes"`
}

// BackupService snapshots the databases into a tar.gz archive and ships
// it to the object store. Snapshots use VACUUM INTO, which produces a
// consistent copy without blocking writers.
type BackupService struct {
	storage   *StorageClient
	databases []*database.DB
	dataDir   string
	log       zerolog.Logger
}

// NewBackupService creates a new backup service
func NewBackupService(storage *StorageClient, databases []*database.DB, dataDir string, log zerolog.Logger) *BackupService {
	return &BackupService{
		storage:   storage,
		databases: databases,
		dataDir:   dataDir,
		log:       log.With().Str("service", "backup").Logger(),
	}
}

// CreateAndUpload snapshots every database, archives the snapshots with a
// metadata file, and uploads the archive. Returns the archive name.
func (s *BackupService) CreateAndUpload(ctx context.Context) (string, error) {
	start := time.Now()

	stagingDir := filepath.Join(s.dataDir, "backup-staging")
	if err := os.MkdirAll(stagingDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(stagingDir)

	metadata := BackupMetadata{
		Timestamp: time.Now().UTC(),
		Databases: make([]DatabaseMetadata, 0, len(s.databases)),
	}

	var files []string
	for _, db := range s.databases {
		filename := db.Name() + ".db"
		snapshotPath := filepath.Join(stagingDir, filename)

		if err := s.snapshot(db, snapshotPath); err != nil {
			return "", fmt.Errorf("failed to snapshot %s: %w", db.Name(), err)
		}

		info, err := os.Stat(snapshotPath)
		if err != nil {
			return "", fmt.Errorf("failed to stat snapshot %s: %w", filename, err)
		}
		checksum, err := fileChecksum(snapshotPath)
		if err != nil {
			return "", fmt.Errorf("failed to checksum %s: %w", filename, err)
		}

		metadata.Databases = append(metadata.Databases, DatabaseMetadata{
			Name:      db.Name(),
			Filename:  filename,
			SizeBytes: info.Size(),
			Checksum:  checksum,
		})
		files = append(files, filename)
	}

	metadataPath := filepath.Join(stagingDir, "backup-metadata.json")
	if err := writeMetadata(metadataPath, metadata); err != nil {
		return "", fmt.Errorf("failed to write metadata: %w", err)
	}
	files = append(files, "backup-metadata.json")

	archiveName := archivePrefix + time.Now().Format(archiveTimeFmt) + ".tar.gz"
	archivePath := filepath.Join(stagingDir, archiveName)
	if err := createArchive(archivePath, stagingDir, files); err != nil {
		return "", fmt.Errorf("failed to create archive: %w", err)
	}

	archiveFile, err := os.Open(archivePath)
	if err != nil {
		return "", fmt.Errorf("failed to open archive: %w", err)
	}
	defer archiveFile.Close()

	if err := s.storage.Upload(ctx, archiveName, archiveFile); err != nil {
		return "", err
	}

	s.log.Info().
		Str("archive", archiveName).
		Dur("duration", time.Since(start)).
		Int("databases", len(s.databases)).
		Msg("Backup uploaded")
	return archiveName, nil
}

// snapshot writes a consistent copy of the database to path
func (s *BackupService) snapshot(db *database.DB, path string) error {
	// Checkpoint first so the snapshot carries everything in the WAL
	if err := db.WALCheckpoint("TRUNCATE"); err != nil {
		s.log.Warn().Err(err).Str("database", db.Name()).Msg("WAL checkpoint before snapshot failed")
	}
	_, err := db.Exec("VACUUM INTO ?", path)
	return err
}

// ListBackups returns stored backups, newest first
func (s *BackupService) ListBackups(ctx context.Context) ([]BackupInfo, error) {
	objects, err := s.storage.List(ctx, archivePrefix)
	if err != nil {
		return nil, err
	}

	backups := make([]BackupInfo, 0, len(objects))
	for _, obj := range objects {
		if obj.Key == nil {
			continue
		}
		filename := *obj.Key
		if !strings.HasSuffix(filename, ".tar.gz") {
			continue
		}

		timestampStr := strings.TrimSuffix(strings.TrimPrefix(filename, archivePrefix), ".tar.gz")
		timestamp, err := time.Parse(archiveTimeFmt, timestampStr)
		if err != nil {
			s.log.Warn().Str("filename", filename).Msg("Skipping backup with unparseable timestamp")
			continue
		}

		var size int64
		if obj.Size != nil {
			size = *obj.Size
		}
		backups = append(backups, BackupInfo{Filename: filename, Timestamp: timestamp, SizeBytes: size})
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].Timestamp.After(backups[j].Timestamp)
	})
	return backups, nil
}

// RotateOldBackups deletes backups older than the retention period,
// always keeping the newest few regardless of age
func (s *BackupService) RotateOldBackups(ctx context.Context, retentionDays int) error {
	if retentionDays <= 0 {
		return nil
	}

	backups, err := s.ListBackups(ctx)
	if err != nil {
		return err
	}
	if len(backups) <= minBackupsToKeep {
		return nil
	}

	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	deleted := 0
	for i, backup := range backups {
		if i < minBackupsToKeep || !backup.Timestamp.Before(cutoff) {
			continue
		}
		if err := s.storage.Delete(ctx, backup.Filename); err != nil {
			s.log.Error().Err(err).Str("filename", backup.Filename).Msg("Failed to delete old backup")
			continue
		}
		deleted++
	}

	if deleted > 0 {
		s.log.Info().Int("deleted", deleted).Msg("Backup rotation completed")
	}
	return nil
}

func fileChecksum(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", err
	}
	return fmt.Sprintf("sha256:%x", hash.Sum(nil)), nil
}

func writeMetadata(path string, metadata BackupMetadata) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(metadata)
}

func createArchive(archivePath, sourceDir string, filenames []string) error {
	archiveFile, err := os.Create(archivePath)
	if err != nil {
		return fmt.Errorf("failed to create archive file: %w", err)
	}
	defer archiveFile.Close()

	gzipWriter := gzip.NewWriter(archiveFile)
	defer gzipWriter.Close()

	tarWriter := tar.NewWriter(gzipWriter)
	defer tarWriter.Close()

	for _, filename := range filenames {
		if err := addFileToArchive(tarWriter, filepath.Join(sourceDir, filename), filename); err != nil {
			return fmt.Errorf("failed to add %s to archive: %w", filename, err)
		}
	}
	return nil
}

func addFileToArchive(tarWriter *tar.Writer, filePath, nameInArchive string) error {
	file, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}

	header := &tar.Header{
		Name:    nameInArchive,
		Size:    info.Size(),
		Mode:    int64(info.Mode()),
		ModTime: info.ModTime(),
	}
	if err := tarWriter.WriteHeader(header); err != nil {
		return err
	}
	_, err = io.Copy(tarWriter, file)
	return err
}
