package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	appconfig "github.com/cofferbank/coffer/internal/config"
	"github.com/cofferbank/coffer/internal/domain"
)

// Archiver uploads expired job-ledger batches to S3-compatible object
// storage before they are purged. When no bucket is configured the purge
// cycle runs without archiving.
type Archiver struct {
	repo     *Repository
	bucket   string
	uploader *manager.Uploader
	log      zerolog.Logger
}

// NewArchiver builds an archiver from the archive configuration. Returns a
// disabled archiver (nil uploader) when no bucket is configured.
func NewArchiver(ctx context.Context, repo *Repository, cfg appconfig.ArchiveConfig, log zerolog.Logger) (*Archiver, error) {
	a := &Archiver{
		repo:   repo,
		bucket: cfg.Bucket,
		log:    log.With().Str("component", "job_archiver").Logger(),
	}
	if cfg.Bucket == "" {
		return a, nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load archive storage config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = &cfg.Endpoint
			o.UsePathStyle = true
		}
	})
	a.uploader = manager.NewUploader(client)

	return a, nil
}

// Enabled reports whether archive uploads are configured.
func (a *Archiver) Enabled() bool { return a.uploader != nil }

// RunRetentionCycle archives finished jobs older than the retention window,
// then purges them from the ledger. Without a configured bucket, rows are
// purged unarchived. An upload failure aborts the cycle so the rows are
// retried next time; nothing is purged before its archive landed.
func (a *Archiver) RunRetentionCycle(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.UTC().AddDate(0, 0, -RetentionDays)

	if a.Enabled() {
		for seq := 0; ; seq++ {
			batch, err := a.repo.ExpiredBefore(cutoff, 500)
			if err != nil {
				return 0, err
			}
			if len(batch) == 0 {
				break
			}
			if err := a.upload(ctx, batch, now, seq); err != nil {
				return 0, err
			}
			if err := a.deleteBatch(batch); err != nil {
				return 0, err
			}
		}
	}

	purged, err := a.repo.PurgeBefore(cutoff)
	if err != nil {
		return 0, err
	}
	return purged, nil
}

func (a *Archiver) upload(ctx context.Context, batch []domain.IngestionJob, now time.Time, seq int) error {
	payload, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("failed to encode archive batch: %w", err)
	}

	key := fmt.Sprintf("jobs/%s/batch-%s-%03d.json",
		now.UTC().Format("2006/01/02"), now.UTC().Format("150405"), seq)

	_, err = a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: &a.bucket,
		Key:    &key,
		Body:   bytes.NewReader(payload),
	})
	if err != nil {
		return fmt.Errorf("failed to upload archive batch %s: %w", key, err)
	}

	a.log.Info().Str("key", key).Int("jobs", len(batch)).Msg("Job archive batch uploaded")
	return nil
}

func (a *Archiver) deleteBatch(batch []domain.IngestionJob) error {
	for _, job := range batch {
		if _, err := a.repo.db.Exec(`DELETE FROM ingestion_jobs WHERE id = ?`, job.ID); err != nil {
			return fmt.Errorf("failed to delete archived job %s: %w", job.ID, err)
		}
	}
	return nil
}
