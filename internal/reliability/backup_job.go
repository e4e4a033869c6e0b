package reliability

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/anshultibby/finch-sub002/internal/events"
)

// backupRetentionDays bounds how long rotated archives are kept
const backupRetentionDays = 30

// BackupJob runs scheduled backups and rotation
type BackupJob struct {
	service *BackupService
	events  *events.Manager
	log     zerolog.Logger
}

// NewBackupJob creates the scheduled backup job
func NewBackupJob(service *BackupService, eventManager *events.Manager, log zerolog.Logger) *BackupJob {
	return &BackupJob{
		service: service,
		events:  eventManager,
		log:     log.With().Str("job", "backup").Logger(),
	}
}

// Name returns the job name
func (j *BackupJob) Name() string { return "backup" }

// Run creates and uploads a backup, then rotates old archives
func (j *BackupJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	archive, err := j.service.CreateAndUpload(ctx)
	if err != nil {
		return err
	}

	j.events.Emit(events.BackupCompleted, "reliability", map[string]interface{}{
		"archive": archive,
	})

	if err := j.service.RotateOldBackups(ctx, backupRetentionDays); err != nil {
		j.log.Error().Err(err).Msg("Backup rotation failed")
	}
	return nil
}
