package stores

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"path"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"

	"github.com/openfroyo/failsafe/pkg/engine"
)

// ArchiveConfig configures the S3 compatible report archive.
type ArchiveConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// Validate checks the archive settings.
func (c ArchiveConfig) Validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("archive endpoint is required")
	}
	if c.Bucket == "" {
		return fmt.Errorf("archive bucket is required")
	}
	return nil
}

// ReportArchive stores recovery reports as JSON objects keyed by plan and run.
type ReportArchive struct {
	client *minio.Client
	bucket string
	prefix string
	region string
}

// NewReportArchive creates a MinIO client for the archive.
func NewReportArchive(cfg ArchiveConfig) (*ReportArchive, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create archive client: %w", err)
	}

	return &ReportArchive{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		region: cfg.Region,
	}, nil
}

// EnsureBucket creates the archive bucket when it is missing.
func (a *ReportArchive) EnsureBucket(ctx context.Context) error {
	exists, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("archive bucket exists: %w", err)
	}
	if exists {
		return nil
	}
	return a.client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{Region: a.region})
}

// ObjectKey returns the object key of a report.
func (a *ReportArchive) ObjectKey(planID, runID string) string {
	return path.Join(a.prefix, planID, runID+".json")
}

// Put uploads a report.
func (a *ReportArchive) Put(ctx context.Context, report *engine.RecoveryReport) error {
	body, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	_, err = a.client.PutObject(ctx, a.bucket, a.ObjectKey(report.PlanID, report.RunID),
		bytes.NewReader(body), int64(len(body)),
		minio.PutObjectOptions{
			ContentType: "application/json",
			UserMetadata: map[string]string{
				"overall-status": string(report.OverallStatus),
				"environment":    report.Environment,
			},
		})
	if err != nil {
		return fmt.Errorf("failed to archive report %s: %w", report.RunID, err)
	}
	return nil
}

// Get downloads a report.
func (a *ReportArchive) Get(ctx context.Context, planID, runID string) (*engine.RecoveryReport, error) {
	obj, err := a.client.GetObject(ctx, a.bucket, a.ObjectKey(planID, runID), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch archived report %s: %w", runID, err)
	}
	defer obj.Close()

	body, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, fmt.Errorf("%w: %s", engine.ErrReportNotFound, runID)
		}
		return nil, fmt.Errorf("failed to read archived report %s: %w", runID, err)
	}

	report := &engine.RecoveryReport{}
	if err := json.Unmarshal(body, report); err != nil {
		return nil, fmt.Errorf("failed to decode archived report %s: %w", runID, err)
	}
	return report, nil
}

// reportPutter is the part of ReportArchive used by ArchivingStore.
type reportPutter interface {
	Put(ctx context.Context, report *engine.RecoveryReport) error
}

// ArchivingStore copies every saved report to the archive after the primary
// store accepted it. Archive failures are logged and do not fail the save.
type ArchivingStore struct {
	Store
	archive reportPutter
	logger  zerolog.Logger
}

// NewArchivingStore wraps store.
func NewArchivingStore(store Store, archive *ReportArchive, logger zerolog.Logger) *ArchivingStore {
	return &ArchivingStore{
		Store:   store,
		archive: archive,
		logger:  logger.With().Str("component", "report-archive").Logger(),
	}
}

// SaveReport saves to the primary store, then archives.
func (s *ArchivingStore) SaveReport(ctx context.Context, report *engine.RecoveryReport) error {
	if err := s.Store.SaveReport(ctx, report); err != nil {
		return err
	}
	if err := s.archive.Put(ctx, report); err != nil {
		s.logger.Warn().Err(err).Str("run_id", report.RunID).Msg("Report saved but not archived")
		return nil
	}
	s.logger.Debug().Str("run_id", report.RunID).Msg("Report archived")
	return nil
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
